package orchestrator

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KyoshiHikari/apt-ng/internal/acquire"
	"github.com/KyoshiHikari/apt-ng/internal/index"
	"github.com/KyoshiHikari/apt-ng/internal/model"
	"github.com/KyoshiHikari/apt-ng/internal/system"
	"github.com/KyoshiHikari/apt-ng/internal/verifier"
)

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	idx, err := index.Open(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	return &Orchestrator{
		Index:     idx,
		DpkgQuery: system.NewDpkgQuery(),
		logger:    log.New(io.Discard, "", 0),
	}
}

func TestBuildUniverseParsesDependsAndConflicts(t *testing.T) {
	o := newTestOrchestrator(t)
	require.NoError(t, o.Index.AddPackage(model.PackageManifest{
		Name:      "demo",
		Version:   "1.0",
		Arch:      "amd64",
		Depends:   []string{"libc6 (>= 2.0), libssl"},
		Conflicts: []string{"old-demo"},
		Provides:  []string{"demo-virtual"},
	}, 0))

	universe, err := o.buildUniverse()
	require.NoError(t, err)
	require.Len(t, universe, 1)

	pkg := universe[0]
	assert.Equal(t, "demo", pkg.Name)
	assert.Equal(t, []string{"demo-virtual"}, pkg.Provides)
	assert.Equal(t, []string{"old-demo"}, pkg.Conflicts)
	require.Len(t, pkg.Depends, 2)
	assert.Equal(t, "libc6", pkg.Depends[0].Name)
	assert.Equal(t, ">= 2.0", pkg.Depends[0].VersionConstraint)
	assert.Equal(t, "libssl", pkg.Depends[1].Name)
	require.NotNil(t, pkg.Manifest)
	assert.Equal(t, "demo", pkg.Manifest.Name)
}

func TestBuildInstalledIndexCollectsNamesAndProvides(t *testing.T) {
	o := newTestOrchestrator(t)
	require.NoError(t, o.Index.AddPackage(model.PackageManifest{
		Name: "demo", Version: "1.0", Arch: "amd64", Provides: []string{"demo-virtual"},
	}, 0))
	require.NoError(t, o.Index.MarkInstalled("demo", "1.0"))

	names, provides, err := o.buildInstalledIndex()
	require.NoError(t, err)
	assert.Equal(t, "1.0", names["demo"])
	assert.Equal(t, []string{"demo"}, provides["demo-virtual"])
}

func TestInstallDryRunReturnsPlanWithoutMutatingLedger(t *testing.T) {
	o := newTestOrchestrator(t)
	require.NoError(t, o.Index.AddPackage(model.PackageManifest{
		Name: "demo", Version: "1.0", Arch: "amd64",
	}, 0))

	plan, err := o.Install(context.Background(), []model.PackageSpec{{Name: "demo"}}, true)
	require.NoError(t, err)
	require.Len(t, plan, 1)
	assert.Equal(t, "demo", plan[0].Name)

	records, err := o.Index.ListInstalledWithManifests()
	require.NoError(t, err)
	assert.Empty(t, records, "dry run must not mark anything installed")
}

func TestRepoURLForResolvesRepoIDToCanonicalURL(t *testing.T) {
	o := newTestOrchestrator(t)
	repoID, err := o.Index.Registry().Add("https://example.com/debian/", 500, true, "stable", nil)
	require.NoError(t, err)

	url, err := o.repoURLFor(model.PackageManifest{
		Name: "demo", RepoID: repoID, Filename: "/pool/main/d/demo_1.0.apx",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/debian/pool/main/d/demo_1.0.apx", url)
}

func TestRepoURLForUnknownRepoIDFails(t *testing.T) {
	o := newTestOrchestrator(t)
	_, err := o.repoURLFor(model.PackageManifest{Name: "demo", RepoID: 999, Filename: "x"})
	assert.Error(t, err)
}

const fakeReleaseBody = "Origin: demo\nSuite: stable\nSHA256:\n deadbeef 12 main/binary-amd64/Packages.xz\n"

func releaseServer(t *testing.T, body string, sig []byte) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/dists/stable/Release", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	})
	if sig != nil {
		mux.HandleFunc("/dists/stable/Release.sig", func(w http.ResponseWriter, r *http.Request) {
			w.Write(sig)
		})
	}
	return httptest.NewServer(mux)
}

func TestFetchReleaseVerifiesSignatureWhenTrustSetConfigured(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sig := verifier.Sign(priv, []byte(fakeReleaseBody))

	srv := releaseServer(t, fakeReleaseBody, sig)
	defer srv.Close()

	o := newTestOrchestrator(t)
	o.Fetcher = acquire.New(1)
	o.Verifier = verifier.New([]ed25519.PublicKey{pub})

	repo := model.Repository{ID: 1, URL: srv.URL}
	release, err := o.fetchRelease(context.Background(), repo, "stable")
	require.NoError(t, err)
	require.NotNil(t, release)
	assert.Equal(t, "demo", release.Origin)
	require.Len(t, release.SHA256, 1)
	assert.Equal(t, "deadbeef", release.SHA256[0].Hash)
}

func TestFetchReleaseRejectsBadSignature(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	srv := releaseServer(t, fakeReleaseBody, []byte(make([]byte, verifier.SignatureSize)))
	defer srv.Close()

	o := newTestOrchestrator(t)
	o.Fetcher = acquire.New(1)
	o.Verifier = verifier.New([]ed25519.PublicKey{pub})

	repo := model.Repository{ID: 1, URL: srv.URL}
	_, err = o.fetchRelease(context.Background(), repo, "stable")
	assert.Error(t, err)
}

func TestFetchReleaseSkipsVerificationWithEmptyTrustSet(t *testing.T) {
	srv := releaseServer(t, fakeReleaseBody, nil)
	defer srv.Close()

	o := newTestOrchestrator(t)
	o.Fetcher = acquire.New(1)
	o.Verifier = verifier.New(nil)

	repo := model.Repository{ID: 1, URL: srv.URL}
	release, err := o.fetchRelease(context.Background(), repo, "stable")
	require.NoError(t, err)
	require.NotNil(t, release)
	assert.Equal(t, "demo", release.Origin)
}

func TestFetchReleaseToleratesMissingReleaseFile(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	o := newTestOrchestrator(t)
	o.Fetcher = acquire.New(1)
	o.Verifier = verifier.New(nil)

	repo := model.Repository{ID: 1, URL: srv.URL}
	release, err := o.fetchRelease(context.Background(), repo, "stable")
	require.NoError(t, err)
	assert.Nil(t, release)
}

func TestRepoAddRegistersRepository(t *testing.T) {
	o := newTestOrchestrator(t)
	id, err := o.RepoAdd("https://example.com/debian", 500, "stable", []string{"main"})
	require.NoError(t, err)
	assert.Positive(t, id)

	repos, err := o.Index.Registry().LoadAll()
	require.NoError(t, err)
	require.Len(t, repos, 1)
	assert.Equal(t, "https://example.com/debian", repos[0].URL)
}
