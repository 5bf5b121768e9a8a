package archive

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ExtractTarTo exposes extractTar's traversal-guarded tar-stream extraction
// to other archive formats that share the same payload shape -- namely the
// legacy .deb control.tar/data.tar members internal/system reads directly
// (spec §4.8/§9's polymorphic .apx/.deb handling).
func ExtractTarTo(r io.Reader, dir string) error {
	return extractTar(r, dir)
}

// extractTar streams a tar payload into dir, creating parent directories as
// needed and preserving permissions, mirroring the .deb extraction loop in
// the teacher's pkg/apt/manager.go extractDataTar -- generalized to .apx's
// own tar stream and hardened with a traversal guard (spec §4.4).
func extractTar(r io.Reader, dir string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading tar entry: %w", err)
		}

		cleanName := strings.TrimPrefix(filepath.ToSlash(hdr.Name), "./")
		if cleanName == "" || cleanName == "." {
			continue
		}

		target, err := safeJoin(dir, cleanName)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return fmt.Errorf("creating directory %s: %w", target, err)
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("creating parent of symlink %s: %w", target, err)
			}
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return fmt.Errorf("creating symlink %s -> %s: %w", target, hdr.Linkname, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("creating parent directory: %w", err)
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return fmt.Errorf("creating file %s: %w", target, err)
			}
			written, err := io.Copy(out, tr)
			out.Close()
			if err != nil {
				return fmt.Errorf("writing file %s: %w", target, err)
			}
			if written != hdr.Size {
				return fmt.Errorf("file size mismatch for %s: expected %d, got %d", target, hdr.Size, written)
			}
		default:
			// unsupported entry type (device nodes, etc.); skip rather than fail
		}
	}
}

// safeJoin joins dir and name, rejecting any path that escapes dir
// (spec §4.4 traversal guard).
func safeJoin(dir, name string) (string, error) {
	target := filepath.Join(dir, name)
	cleanDir := filepath.Clean(dir) + string(filepath.Separator)
	if !strings.HasPrefix(target+string(filepath.Separator), cleanDir) {
		return "", fmt.Errorf("tar entry %q escapes extraction directory", name)
	}
	return target, nil
}
