package archive

import (
	"archive/tar"
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/KyoshiHikari/apt-ng/internal/model"
)

// Build writes a .apx archive to destPath containing manifest and every
// regular file/symlink/directory under srcDir. If priv is non-nil, a
// trailing Ed25519 signature is appended over metadata_zstd||payload_zstd
// (spec §4.4). Used by the external .apx builder collaborator and by
// apt-ng's own test fixtures.
func Build(destPath string, manifest model.PackageManifest, srcDir string, priv ed25519.PrivateKey) error {
	metaJSON, err := json.Marshal(manifest)
	if err != nil {
		return err
	}
	metaZstd, err := compressZstd(metaJSON)
	if err != nil {
		return err
	}

	payloadTar, err := tarDir(srcDir)
	if err != nil {
		return err
	}
	payloadZstd, err := compressZstd(payloadTar)
	if err != nil {
		return err
	}

	f, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(Magic[:]); err != nil {
		return err
	}
	if err := binary.Write(f, binary.LittleEndian, uint32(len(metaZstd))); err != nil {
		return err
	}
	if _, err := f.Write(metaZstd); err != nil {
		return err
	}
	if err := binary.Write(f, binary.LittleEndian, uint32(len(payloadZstd))); err != nil {
		return err
	}
	if _, err := f.Write(payloadZstd); err != nil {
		return err
	}

	if priv != nil {
		signed := append(append([]byte{}, metaZstd...), payloadZstd...)
		sig := ed25519.Sign(priv, signed)
		if _, err := f.Write(sig); err != nil {
			return err
		}
	}
	return nil
}

func compressZstd(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(b); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func tarDir(srcDir string) ([]byte, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	err := filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == srcDir {
			return nil
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		link := ""
		if info.Mode()&os.ModeSymlink != 0 {
			link, err = os.Readlink(path)
			if err != nil {
				return err
			}
		}

		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			if _, err := io.Copy(tw, f); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
