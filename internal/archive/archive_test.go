package archive

import (
	"crypto/ed25519"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KyoshiHikari/apt-ng/internal/model"
	"github.com/KyoshiHikari/apt-ng/internal/verifier"
)

func buildFixtureDir(t *testing.T) (string, string) {
	t.Helper()
	srcDir := t.TempDir()
	content := []byte("hello from apt-ng\n")
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "usr-bin-demo"), content, 0755))
	sum, err := shaOfBytes(content)
	require.NoError(t, err)
	return srcDir, sum
}

func shaOfBytes(b []byte) (string, error) {
	tmp, err := os.CreateTemp("", "apx-fixture-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		return "", err
	}
	tmp.Close()
	return SHA256File(tmp.Name())
}

func TestBuildOpenExtractRoundTrip(t *testing.T) {
	srcDir, checksum := buildFixtureDir(t)

	manifest := model.PackageManifest{
		Name:    "demo",
		Version: "1.0",
		Arch:    "amd64",
		Files: []model.FileEntry{
			{Path: "usr-bin-demo", Checksum: checksum, Size: 18, Mode: 0755},
		},
	}

	destPath := filepath.Join(t.TempDir(), "demo.apx")
	require.NoError(t, Build(destPath, manifest, srcDir, nil))

	a, err := Open(destPath)
	require.NoError(t, err)
	assert.Equal(t, "demo", a.Manifest.Name)
	assert.Equal(t, "1.0", a.Manifest.Version)

	extractDir := t.TempDir()
	require.NoError(t, a.ExtractTo(extractDir))

	data, err := os.ReadFile(filepath.Join(extractDir, "usr-bin-demo"))
	require.NoError(t, err)
	assert.Equal(t, "hello from apt-ng\n", string(data))

	require.NoError(t, a.VerifyChecksums(extractDir))
}

func TestVerifyChecksumsDetectsTampering(t *testing.T) {
	srcDir, checksum := buildFixtureDir(t)
	manifest := model.PackageManifest{
		Name:    "demo",
		Version: "1.0",
		Arch:    "amd64",
		Files: []model.FileEntry{
			{Path: "usr-bin-demo", Checksum: checksum},
		},
	}
	destPath := filepath.Join(t.TempDir(), "demo.apx")
	require.NoError(t, Build(destPath, manifest, srcDir, nil))

	a, err := Open(destPath)
	require.NoError(t, err)

	extractDir := t.TempDir()
	require.NoError(t, a.ExtractTo(extractDir))
	require.NoError(t, os.WriteFile(filepath.Join(extractDir, "usr-bin-demo"), []byte("tampered"), 0644))

	assert.Error(t, a.VerifyChecksums(extractDir))
}

func TestVerifySignatureRoundTrip(t *testing.T) {
	srcDir, _ := buildFixtureDir(t)
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	manifest := model.PackageManifest{Name: "demo", Version: "1.0", Arch: "amd64"}
	destPath := filepath.Join(t.TempDir(), "demo.apx")
	require.NoError(t, Build(destPath, manifest, srcDir, priv))

	a, err := Open(destPath)
	require.NoError(t, err)

	v := verifier.New([]ed25519.PublicKey{pub})
	assert.NoError(t, a.VerifySignature(v))

	otherPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	wrongTrust := verifier.New([]ed25519.PublicKey{otherPub})
	assert.Error(t, a.VerifySignature(wrongTrust))
}

func TestVerifySignatureUnsignedArchive(t *testing.T) {
	srcDir, _ := buildFixtureDir(t)
	manifest := model.PackageManifest{Name: "demo", Version: "1.0", Arch: "amd64"}
	destPath := filepath.Join(t.TempDir(), "demo.apx")
	require.NoError(t, Build(destPath, manifest, srcDir, nil))

	a, err := Open(destPath)
	require.NoError(t, err)

	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	v := verifier.New([]ed25519.PublicKey{pub})
	assert.Error(t, a.VerifySignature(v))
}

func TestOpenRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.apx")
	require.NoError(t, os.WriteFile(path, []byte("not an apx file"), 0644))
	_, err := Open(path)
	assert.Error(t, err)
}
