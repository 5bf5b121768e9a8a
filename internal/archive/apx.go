// Package archive implements the .apx container format (spec §4.4): a
// magic-prefixed header, a zstd-compressed JSON manifest, a zstd-compressed
// tar payload and an optional trailing Ed25519 signature. Decompression
// uses github.com/klauspost/compress/zstd, the pure-Go zstd implementation
// drawn from the pack (indirect dependency of vjache-cie).
package archive

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/KyoshiHikari/apt-ng/internal/clierr"
	"github.com/KyoshiHikari/apt-ng/internal/model"
	"github.com/KyoshiHikari/apt-ng/internal/verifier"
)

// Magic is the fixed 4-byte header identifying a .apx archive.
var Magic = [4]byte{'A', 'P', 'X', 0x01}

// Archive holds a handle to an opened .apx file plus its decoded manifest.
// Payload bytes are read lazily by ExtractTo.
type Archive struct {
	path         string
	Manifest     model.PackageManifest
	metaLen      uint32
	payloadStart int64 // absolute offset of the payload length prefix
}

// Open verifies the magic, reads and decompresses the manifest, and holds a
// handle to path for later payload access (spec §4.4 open).
func Open(path string) (*Archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, clierr.New(clierr.IO, "archive.Open", err)
	}
	defer f.Close()

	var magic [4]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		return nil, clierr.New(clierr.Corruption, "archive.Open", fmt.Errorf("reading magic: %w", err))
	}
	if magic != Magic {
		return nil, clierr.New(clierr.Corruption, "archive.Open", fmt.Errorf("bad magic %x", magic))
	}

	var metaLen uint32
	if err := binary.Read(f, binary.LittleEndian, &metaLen); err != nil {
		return nil, clierr.New(clierr.Corruption, "archive.Open", fmt.Errorf("reading metadata length: %w", err))
	}

	metaZstd := make([]byte, metaLen)
	if _, err := io.ReadFull(f, metaZstd); err != nil {
		return nil, clierr.New(clierr.Corruption, "archive.Open", fmt.Errorf("reading metadata: %w", err))
	}

	metaJSON, err := decompressZstd(metaZstd)
	if err != nil {
		return nil, clierr.New(clierr.Corruption, "archive.Open", fmt.Errorf("decompressing metadata: %w", err))
	}

	var m model.PackageManifest
	if err := json.Unmarshal(metaJSON, &m); err != nil {
		return nil, clierr.New(clierr.Corruption, "archive.Open", fmt.Errorf("parsing manifest: %w", err))
	}

	payloadStart := int64(4 + 4 + int(metaLen))
	return &Archive{path: path, Manifest: m, metaLen: metaLen, payloadStart: payloadStart}, nil
}

func decompressZstd(b []byte) ([]byte, error) {
	dec, err := zstd.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return io.ReadAll(dec)
}

// metaAndPayloadBytes returns the raw (still-compressed) metadata and
// payload byte slices, the exact region an Ed25519 signature covers
// (spec §4.4).
func (a *Archive) metaAndPayloadBytes() (meta, payload []byte, err error) {
	f, err := os.Open(a.path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	if _, err := f.Seek(8, io.SeekStart); err != nil {
		return nil, nil, err
	}
	meta = make([]byte, a.metaLen)
	if _, err := io.ReadFull(f, meta); err != nil {
		return nil, nil, err
	}

	var payloadLen uint32
	if err := binary.Read(f, binary.LittleEndian, &payloadLen); err != nil {
		return nil, nil, err
	}
	payload = make([]byte, payloadLen)
	if _, err := io.ReadFull(f, payload); err != nil {
		return nil, nil, err
	}
	return meta, payload, nil
}

// VerifySignature reads the trailing 64 bytes (if present) and checks them
// against v's trust set over metadata_zstd || payload_zstd (spec §4.4).
// Absence of the trailing bytes is the "unsigned" failure.
func (a *Archive) VerifySignature(v *verifier.Verifier) error {
	info, err := os.Stat(a.path)
	if err != nil {
		return clierr.New(clierr.IO, "VerifySignature", err)
	}

	meta, payload, err := a.metaAndPayloadBytes()
	if err != nil {
		return clierr.New(clierr.Corruption, "VerifySignature", err)
	}

	signedRegionEnd := a.payloadStart + 4 + int64(len(payload))
	trailing := info.Size() - signedRegionEnd
	if trailing < int64(verifier.SignatureSize) {
		return clierr.New(clierr.Signature, "VerifySignature", clierr.ErrUnsigned)
	}

	f, err := os.Open(a.path)
	if err != nil {
		return clierr.New(clierr.IO, "VerifySignature", err)
	}
	defer f.Close()
	if _, err := f.Seek(info.Size()-int64(verifier.SignatureSize), io.SeekStart); err != nil {
		return clierr.New(clierr.IO, "VerifySignature", err)
	}
	sig := make([]byte, verifier.SignatureSize)
	if _, err := io.ReadFull(f, sig); err != nil {
		return clierr.New(clierr.Corruption, "VerifySignature", err)
	}

	signed := append(append([]byte{}, meta...), payload...)
	if err := v.Verify(signed, sig); err != nil {
		return err
	}
	return nil
}

// ExtractTo decompresses the tar payload into dir, preserving permissions
// and rejecting entries whose paths resolve outside dir (spec §4.4).
func (a *Archive) ExtractTo(dir string) error {
	f, err := os.Open(a.path)
	if err != nil {
		return clierr.New(clierr.IO, "ExtractTo", err)
	}
	defer f.Close()

	if _, err := f.Seek(a.payloadStart, io.SeekStart); err != nil {
		return clierr.New(clierr.IO, "ExtractTo", err)
	}
	var payloadLen uint32
	if err := binary.Read(f, binary.LittleEndian, &payloadLen); err != nil {
		return clierr.New(clierr.Corruption, "ExtractTo", err)
	}

	dec, err := zstd.NewReader(io.LimitReader(f, int64(payloadLen)))
	if err != nil {
		return clierr.New(clierr.Corruption, "ExtractTo", err)
	}
	defer dec.Close()

	return extractTar(dec, dir)
}

// VerifyChecksums stream-hashes every FileEntry under dir and compares it
// against the manifest's recorded SHA-256; any mismatch is fatal
// (spec §4.4).
func (a *Archive) VerifyChecksums(dir string) error {
	for _, fe := range a.Manifest.Files {
		target := filepath.Join(dir, filepath.FromSlash(fe.Path))
		sum, err := sha256File(target)
		if err != nil {
			return clierr.WithPackage(clierr.Corruption, "VerifyChecksums", a.Manifest.Name, err)
		}
		if !strings.EqualFold(sum, fe.Checksum) {
			return clierr.WithPackage(clierr.Corruption, "VerifyChecksums", a.Manifest.Name,
				fmt.Errorf("%s: checksum mismatch: expected %s, got %s", fe.Path, fe.Checksum, sum))
		}
	}
	return nil
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// SHA256File hashes a whole file on disk, the "SHA-256 hex of the archive"
// canonical checksum (spec §3, §6).
func SHA256File(path string) (string, error) { return sha256File(path) }
