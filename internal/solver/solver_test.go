package solver_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KyoshiHikari/apt-ng/internal/model"
	"github.com/KyoshiHikari/apt-ng/internal/solver"
)

func dep(name string) model.DependencyRule {
	return model.DependencyRule{Name: name}
}

func TestResolveOrdersDependenciesBeforeDependents(t *testing.T) {
	universe := []model.PackageInfo{
		{Name: "app", Version: "1.0", Arch: "amd64", Depends: []model.DependencyRule{dep("libfoo")}},
		{Name: "libfoo", Version: "2.0", Arch: "amd64", Depends: []model.DependencyRule{dep("libbar")}},
		{Name: "libbar", Version: "1.0", Arch: "amd64"},
	}

	s := solver.New(universe, nil, nil, nil)
	sol, err := s.Resolve([]model.PackageSpec{{Name: "app"}})
	require.NoError(t, err)

	names := make([]string, len(sol.ToInstall))
	for i, p := range sol.ToInstall {
		names[i] = p.Name
	}
	assert.Equal(t, []string{"libbar", "libfoo", "app"}, names)
}

func TestResolveSkipsAlreadyInstalled(t *testing.T) {
	universe := []model.PackageInfo{
		{Name: "app", Version: "1.0", Arch: "amd64", Depends: []model.DependencyRule{dep("libfoo")}},
		{Name: "libfoo", Version: "2.0", Arch: "amd64"},
	}
	installed := map[string]string{"libfoo": "2.0"}

	s := solver.New(universe, installed, nil, nil)
	sol, err := s.Resolve([]model.PackageSpec{{Name: "app"}})
	require.NoError(t, err)

	require.Len(t, sol.ToInstall, 1)
	assert.Equal(t, "app", sol.ToInstall[0].Name)
}

func TestResolveVirtualPackageProvides(t *testing.T) {
	universe := []model.PackageInfo{
		{Name: "app", Version: "1.0", Arch: "amd64", Depends: []model.DependencyRule{dep("mail-transport-agent")}},
		{Name: "postfix", Version: "3.5", Arch: "amd64", Provides: []string{"mail-transport-agent"}},
	}

	s := solver.New(universe, nil, nil, nil)
	sol, err := s.Resolve([]model.PackageSpec{{Name: "app"}})
	require.NoError(t, err)

	names := make([]string, len(sol.ToInstall))
	for i, p := range sol.ToInstall {
		names[i] = p.Name
	}
	assert.Contains(t, names, "postfix")
	assert.Contains(t, names, "app")
}

func TestResolveConflictFails(t *testing.T) {
	universe := []model.PackageInfo{
		{Name: "app", Version: "1.0", Arch: "amd64", Depends: []model.DependencyRule{dep("a"), dep("b")}},
		{Name: "a", Version: "1.0", Arch: "amd64", Conflicts: []string{"b"}},
		{Name: "b", Version: "1.0", Arch: "amd64"},
	}

	s := solver.New(universe, nil, nil, nil)
	_, err := s.Resolve([]model.PackageSpec{{Name: "app"}})
	require.Error(t, err)

	var conflictErr *solver.ConflictError
	assert.ErrorAs(t, err, &conflictErr)
}

func TestResolveMissingDependencyReportsProvidersConsidered(t *testing.T) {
	universe := []model.PackageInfo{
		{Name: "app", Version: "1.0", Arch: "amd64", Depends: []model.DependencyRule{dep("ghost")}},
	}

	s := solver.New(universe, nil, nil, nil)
	_, err := s.Resolve([]model.PackageSpec{{Name: "app"}})
	require.Error(t, err)

	var missing *solver.MissingDependencyError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "ghost", missing.Rule.Name)
	assert.Equal(t, "app", missing.Wanter)
}

type fakeQuerier struct{ satisfied map[string]bool }

func (f fakeQuerier) Satisfied(name string) bool { return f.satisfied[name] }

func TestResolveFallsBackToHostSystemQuery(t *testing.T) {
	universe := []model.PackageInfo{
		{Name: "app", Version: "1.0", Arch: "amd64", Depends: []model.DependencyRule{dep("libc6")}},
	}
	q := fakeQuerier{satisfied: map[string]bool{"libc6": true}}

	s := solver.New(universe, nil, nil, q)
	sol, err := s.Resolve([]model.PackageSpec{{Name: "app"}})
	require.NoError(t, err)
	require.Len(t, sol.ToInstall, 1)
	assert.Equal(t, "app", sol.ToInstall[0].Name)
}

func TestResolveParallelMatchesResolveOrdering(t *testing.T) {
	universe := []model.PackageInfo{
		{Name: "app1", Version: "1.0", Arch: "amd64", Depends: []model.DependencyRule{dep("shared")}},
		{Name: "app2", Version: "1.0", Arch: "amd64", Depends: []model.DependencyRule{dep("shared")}},
		{Name: "shared", Version: "1.0", Arch: "amd64"},
	}

	s := solver.New(universe, nil, nil, nil)
	sol, err := s.ResolveParallel([]model.PackageSpec{{Name: "app1"}, {Name: "app2"}})
	require.NoError(t, err)

	var sawShared, sawApp1, sawApp2 bool
	sharedIdx, app1Idx, app2Idx := -1, -1, -1
	for i, p := range sol.ToInstall {
		switch p.Name {
		case "shared":
			sawShared = true
			sharedIdx = i
		case "app1":
			sawApp1 = true
			app1Idx = i
		case "app2":
			sawApp2 = true
			app2Idx = i
		}
	}
	assert.True(t, sawShared && sawApp1 && sawApp2)
	assert.Less(t, sharedIdx, app1Idx)
	assert.Less(t, sharedIdx, app2Idx)
}
