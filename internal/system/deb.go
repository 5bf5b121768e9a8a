package system

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/blakesmith/ar"
	"github.com/ulikunitz/xz"

	"github.com/KyoshiHikari/apt-ng/internal/aptparse"
	"github.com/KyoshiHikari/apt-ng/internal/archive"
	"github.com/KyoshiHikari/apt-ng/internal/clierr"
	"github.com/KyoshiHikari/apt-ng/internal/model"
)

// LocalDebInspect reads a foreign .deb file's control stanza without
// shelling out to dpkg-deb, for hosts where it isn't installed (spec §9's
// legacy .deb path). A .deb is an ar(1) archive of debian-binary,
// control.tar.{gz,xz}, and data.tar.*; this walks the ar members to find
// control.tar, decompresses it, and parses its embedded control file
// through the same stanza grammar as a Packages entry.
func LocalDebInspect(debPath string) (model.PackageManifest, error) {
	f, err := os.Open(debPath)
	if err != nil {
		return model.PackageManifest{}, clierr.New(clierr.IO, "LocalDebInspect", err)
	}
	defer f.Close()

	r := ar.NewReader(f)
	for {
		hdr, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return model.PackageManifest{}, clierr.New(clierr.Corruption, "LocalDebInspect", err)
		}
		name := strings.TrimSuffix(strings.TrimSpace(hdr.Name), "/")
		if strings.HasPrefix(name, "control.tar") {
			return parseControlMember(name, r)
		}
	}
	return model.PackageManifest{}, clierr.New(clierr.Corruption, "LocalDebInspect",
		fmt.Errorf("no control.tar member in %s", debPath))
}

// ExtractDebPayload extracts a .deb's data.tar.* member -- the installed
// file tree -- into destDir. Used by Installer.InstallDeb as the pure-Go
// fallback when dpkg-deb isn't on the host (spec §9).
func ExtractDebPayload(debPath, destDir string) error {
	return extractDebMember(debPath, "data.tar", destDir)
}

// ExtractDebControlScripts extracts a .deb's control.tar.* member into
// destDir so its preinst/postinst/prerm/postrm land alongside a DEBIAN/
// directory the same way internal/installer's persistControlScripts
// expects from an .apx payload.
func ExtractDebControlScripts(debPath, destDir string) error {
	return extractDebMember(debPath, "control.tar", destDir)
}

func extractDebMember(debPath, memberPrefix, destDir string) error {
	f, err := os.Open(debPath)
	if err != nil {
		return clierr.New(clierr.IO, "extractDebMember", err)
	}
	defer f.Close()

	r := ar.NewReader(f)
	for {
		hdr, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return clierr.New(clierr.Corruption, "extractDebMember", err)
		}
		name := strings.TrimSuffix(strings.TrimSpace(hdr.Name), "/")
		if !strings.HasPrefix(name, memberPrefix) {
			continue
		}
		decompressed, err := decompressMember(name, r)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(destDir, 0755); err != nil {
			return clierr.New(clierr.IO, "extractDebMember", err)
		}
		return archive.ExtractTarTo(decompressed, destDir)
	}
	return clierr.New(clierr.Corruption, "extractDebMember",
		fmt.Errorf("no %s member in %s", memberPrefix, debPath))
}

func decompressMember(memberName string, r io.Reader) (io.Reader, error) {
	switch {
	case strings.HasSuffix(memberName, ".gz"):
		return gzip.NewReader(r)
	case strings.HasSuffix(memberName, ".xz"):
		return xz.NewReader(r)
	default:
		return r, nil
	}
}

func parseControlMember(memberName string, r io.Reader) (model.PackageManifest, error) {
	decompressed, err := decompressMember(memberName, r)
	if err != nil {
		return model.PackageManifest{}, clierr.New(clierr.Corruption, "parseControlMember", err)
	}
	r = decompressed

	tr := tar.NewReader(r)
	for {
		th, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return model.PackageManifest{}, clierr.New(clierr.Corruption, "parseControlMember", err)
		}
		if strings.TrimPrefix(th.Name, "./") != "control" {
			continue
		}
		manifests, err := aptparse.ParsePackagesFile(tr)
		if err != nil {
			return model.PackageManifest{}, err
		}
		if len(manifests) == 0 {
			return model.PackageManifest{}, clierr.New(clierr.Corruption, "parseControlMember",
				fmt.Errorf("control file carries no Package/Version stanza"))
		}
		return manifests[0], nil
	}
	return model.PackageManifest{}, clierr.New(clierr.Corruption, "parseControlMember",
		fmt.Errorf("control.tar carries no control file"))
}
