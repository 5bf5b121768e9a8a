package installer

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/blakesmith/ar"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KyoshiHikari/apt-ng/internal/archive"
	"github.com/KyoshiHikari/apt-ng/internal/index"
	"github.com/KyoshiHikari/apt-ng/internal/model"
)

func openTestIndex(t *testing.T) *index.Store {
	t.Helper()
	s, err := index.Open(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// buildFailingApx constructs a .apx fixture that installs etc/demo.conf with
// new content and carries a postinst script that always fails.
func buildFailingApx(t *testing.T) string {
	t.Helper()
	srcDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(srcDir, "etc"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "etc", "demo.conf"), []byte("new version\n"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(srcDir, "DEBIAN"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "DEBIAN", "postinst"), []byte("#!/bin/sh\nexit 1\n"), 0755))

	manifest := model.PackageManifest{
		Name:    "demo",
		Version: "1.0",
		Arch:    "amd64",
	}
	destPath := filepath.Join(t.TempDir(), "demo.apx")
	require.NoError(t, archive.Build(destPath, manifest, srcDir, nil))
	return destPath
}

func TestInstallApxRollsBackPreExistingFileOnFailingPostinst(t *testing.T) {
	installRoot := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(installRoot, "etc"), 0755))
	originalContent := []byte("original version\n")
	confPath := filepath.Join(installRoot, "etc", "demo.conf")
	require.NoError(t, os.WriteFile(confPath, originalContent, 0644))

	apxPath := buildFailingApx(t)

	idx := openTestIndex(t)
	in := New(installRoot, idx)

	_, err := in.InstallApx(context.Background(), apxPath, nil, "")
	require.Error(t, err)

	got, readErr := os.ReadFile(confPath)
	require.NoError(t, readErr)
	assert.Equal(t, originalContent, got, "pre-existing file must be restored after rollback")

	assert.NoFileExists(t, confPath+".bak")

	records, err := idx.ListInstalledWithManifests()
	require.NoError(t, err)
	assert.Empty(t, records, "failed install must not be marked installed")
}

func TestInstallApxSucceedsWithoutHooks(t *testing.T) {
	installRoot := t.TempDir()
	srcDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(srcDir, "etc"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "etc", "demo.conf"), []byte("hello\n"), 0644))

	manifest := model.PackageManifest{Name: "demo", Version: "1.0", Arch: "amd64"}
	apxPath := filepath.Join(t.TempDir(), "demo.apx")
	require.NoError(t, archive.Build(apxPath, manifest, srcDir, nil))

	idx := openTestIndex(t)
	in := New(installRoot, idx)

	tx, err := in.InstallApx(context.Background(), apxPath, nil, "")
	require.NoError(t, err)
	require.NotNil(t, tx)

	data, err := os.ReadFile(filepath.Join(installRoot, "etc", "demo.conf"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))

	records, err := idx.ListInstalledWithManifests()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "demo", records[0].Manifest.Name)
}

func TestInstallApxRejectsArchiveChecksumMismatch(t *testing.T) {
	installRoot := t.TempDir()
	srcDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(srcDir, "etc"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "etc", "demo.conf"), []byte("hello\n"), 0644))

	manifest := model.PackageManifest{Name: "demo", Version: "1.0", Arch: "amd64"}
	apxPath := filepath.Join(t.TempDir(), "demo.apx")
	require.NoError(t, archive.Build(apxPath, manifest, srcDir, nil))

	idx := openTestIndex(t)
	in := New(installRoot, idx)

	_, err := in.InstallApx(context.Background(), apxPath, nil, "0000000000000000000000000000000000000000000000000000000000000000")
	require.Error(t, err)

	assert.NoFileExists(t, filepath.Join(installRoot, "etc", "demo.conf"), "install must not proceed past a failed archive checksum")
}

func TestInstallApxAcceptsMatchingArchiveChecksum(t *testing.T) {
	installRoot := t.TempDir()
	srcDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(srcDir, "etc"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "etc", "demo.conf"), []byte("hello\n"), 0644))

	manifest := model.PackageManifest{Name: "demo", Version: "1.0", Arch: "amd64"}
	apxPath := filepath.Join(t.TempDir(), "demo.apx")
	require.NoError(t, archive.Build(apxPath, manifest, srcDir, nil))

	expected, err := archive.SHA256File(apxPath)
	require.NoError(t, err)

	idx := openTestIndex(t)
	in := New(installRoot, idx)

	_, err = in.InstallApx(context.Background(), apxPath, nil, expected)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(installRoot, "etc", "demo.conf"))
}

// gzippedTarMember builds a gzip-compressed tar archive containing a single
// regular file at name with the given content.
func gzippedTarMember(t *testing.T, name string, content []byte) []byte {
	t.Helper()
	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: name,
		Size: int64(len(content)),
		Mode: 0644,
	}))
	_, err := tw.Write(content)
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	var gzBuf bytes.Buffer
	gz := gzip.NewWriter(&gzBuf)
	_, err = gz.Write(tarBuf.Bytes())
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	return gzBuf.Bytes()
}

// buildFakeDeb assembles a legacy ar(1) .deb fixture with a debian-binary
// marker, a control.tar.gz carrying the given control stanza, and a
// data.tar.gz carrying a single payload file, mirroring
// internal/system/deb_test.go's fixture but extended with a data member so
// InstallDeb has something to copy into the install root.
func buildFakeDeb(t *testing.T, controlFields string) string {
	t.Helper()

	controlTarGz := gzippedTarMember(t, "control", []byte(controlFields))
	dataTarGz := gzippedTarMember(t, "./etc/demo.conf", []byte("from deb\n"))

	debPath := filepath.Join(t.TempDir(), "demo.deb")
	f, err := os.Create(debPath)
	require.NoError(t, err)
	defer f.Close()

	aw := ar.NewWriter(f)
	require.NoError(t, aw.WriteGlobalHeader())

	binaryMarker := []byte("2.0\n")
	require.NoError(t, aw.WriteHeader(&ar.Header{Name: "debian-binary", Size: int64(len(binaryMarker)), Mode: 0644}))
	_, err = aw.Write(binaryMarker)
	require.NoError(t, err)

	require.NoError(t, aw.WriteHeader(&ar.Header{Name: "control.tar.gz", Size: int64(len(controlTarGz)), Mode: 0644}))
	_, err = aw.Write(controlTarGz)
	require.NoError(t, err)

	require.NoError(t, aw.WriteHeader(&ar.Header{Name: "data.tar.gz", Size: int64(len(dataTarGz)), Mode: 0644}))
	_, err = aw.Write(dataTarGz)
	require.NoError(t, err)

	return debPath
}

func TestInstallDebInstallsPayloadAndRegistersManifest(t *testing.T) {
	installRoot := t.TempDir()
	debPath := buildFakeDeb(t, "Package: demo\nVersion: 1.0\nArchitecture: amd64\nDepends: libc6\n")

	idx := openTestIndex(t)
	in := New(installRoot, idx)

	tx, err := in.InstallDeb(context.Background(), debPath, "")
	require.NoError(t, err)
	require.NotNil(t, tx)

	data, err := os.ReadFile(filepath.Join(installRoot, "etc", "demo.conf"))
	require.NoError(t, err)
	assert.Equal(t, "from deb\n", string(data))

	records, err := idx.ListInstalledWithManifests()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "demo", records[0].Manifest.Name)
	assert.Equal(t, []string{"libc6"}, records[0].Manifest.Depends)
}

func TestInstallDebRejectsArchiveChecksumMismatch(t *testing.T) {
	installRoot := t.TempDir()
	debPath := buildFakeDeb(t, "Package: demo\nVersion: 1.0\nArchitecture: amd64\n")

	idx := openTestIndex(t)
	in := New(installRoot, idx)

	_, err := in.InstallDeb(context.Background(), debPath, "0000000000000000000000000000000000000000000000000000000000000000")
	require.Error(t, err)
	assert.NoFileExists(t, filepath.Join(installRoot, "etc", "demo.conf"))
}

func TestRemovePackageBlocksWhenDependedOn(t *testing.T) {
	installRoot := t.TempDir()
	idx := openTestIndex(t)

	base := model.PackageManifest{Name: "base", Version: "1.0", Arch: "amd64"}
	require.NoError(t, idx.AddPackage(base, 0))
	require.NoError(t, idx.MarkInstalled("base", "1.0"))

	dependent := model.PackageManifest{
		Name:    "dependent",
		Version: "1.0",
		Arch:    "amd64",
		Depends: []string{"base"},
	}
	require.NoError(t, idx.AddPackage(dependent, 0))
	require.NoError(t, idx.MarkInstalled("dependent", "1.0"))

	in := New(installRoot, idx)
	err := in.RemovePackage(context.Background(), "base")
	assert.Error(t, err)
}
