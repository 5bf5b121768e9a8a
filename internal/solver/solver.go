// Package solver resolves a set of requested package specifications into an
// ordered install plan (spec §4.7). It supports both a single-threaded
// recursive traversal and a task-parallel variant sharing collections under
// one mutex, per spec §5 and §9 ("Shared state (was mutex/RwLock)").
package solver

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/KyoshiHikari/apt-ng/internal/clierr"
	"github.com/KyoshiHikari/apt-ng/internal/model"
)

// SystemQuerier lets the solver fall back to host package-manager state
// (spec §4.7 step 2d, §9 "Host coupling"). A nil SystemQuerier simply never
// reports anything satisfied out-of-band.
type SystemQuerier interface {
	// Satisfied reports whether name is installed or provided by the host
	// system outside apt-ng's own ledger.
	Satisfied(name string) bool
}

// MissingDependencyError is returned when step 2f of spec §4.7 is reached.
// It is enriched with every installed and available provider the solver
// discovered along the way, as required by spec §4.7 step 2f.
type MissingDependencyError struct {
	Rule               model.DependencyRule
	Wanter             string
	InstalledProviders []string
	AvailableProviders []string
}

func (e *MissingDependencyError) Error() string {
	msg := fmt.Sprintf("unresolved dependency %s (wanted by %s)", e.Rule.Name, e.Wanter)
	if len(e.InstalledProviders) > 0 {
		msg += fmt.Sprintf("; installed providers considered: %s", strings.Join(e.InstalledProviders, ", "))
	}
	if len(e.AvailableProviders) > 0 {
		msg += fmt.Sprintf("; available providers considered: %s", strings.Join(e.AvailableProviders, ", "))
	}
	return msg
}

func (e *MissingDependencyError) Unwrap() error { return clierr.ErrUnresolvedDepends }

// ConflictError is returned when two selected packages conflict (spec §4.7
// step 3).
type ConflictError struct {
	A, B string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("package conflict: %s conflicts with %s", e.A, e.B)
}

func (e *ConflictError) Unwrap() error { return clierr.ErrConflict }

// Solver resolves PackageSpecs against a universe of known packages.
type Solver struct {
	universe          map[string][]model.PackageInfo // name -> candidates, any order
	installedNames    map[string]string              // name -> installed version
	installedProvides map[string][]string            // provided name -> installer names
	systemQuery       SystemQuerier

	mu             sync.Mutex
	visiting       map[string]bool
	toInstallIndex map[string]int
	order          []model.PackageInfo
}

// New builds a Solver over universe, with installedNames recording the
// currently installed package versions and installedProvides the reverse
// map of virtual packages those installs satisfy.
func New(universe []model.PackageInfo, installedNames map[string]string, installedProvides map[string][]string, sysQuery SystemQuerier) *Solver {
	byName := make(map[string][]model.PackageInfo)
	for _, pkg := range universe {
		byName[pkg.Name] = append(byName[pkg.Name], pkg)
	}
	if installedNames == nil {
		installedNames = map[string]string{}
	}
	if installedProvides == nil {
		installedProvides = map[string][]string{}
	}
	return &Solver{
		universe:          byName,
		installedNames:    installedNames,
		installedProvides: installedProvides,
		systemQuery:       sysQuery,
		visiting:          make(map[string]bool),
		toInstallIndex:    make(map[string]int),
	}
}

// Resolve runs the single-threaded recursive traversal (spec §4.7).
func (s *Solver) Resolve(specs []model.PackageSpec) (*model.Solution, error) {
	for _, spec := range specs {
		candidate, err := s.selectForSpec(spec)
		if err != nil {
			return nil, err
		}
		if err := s.visit(candidate); err != nil {
			return nil, err
		}
	}
	return &model.Solution{ToInstall: append([]model.PackageInfo(nil), s.order...)}, nil
}

// ResolveParallel runs one traversal goroutine per requested spec, sharing
// the (toInstallIndex, order, visiting) triple under s.mu (spec §4.7,
// "Two execution modes share the policy"). Correctness is identical to
// Resolve; this is an optimisation only.
func (s *Solver) ResolveParallel(specs []model.PackageSpec) (*model.Solution, error) {
	var g errgroup.Group
	for _, spec := range specs {
		spec := spec
		g.Go(func() error {
			candidate, err := s.selectForSpecLocked(spec)
			if err != nil {
				return err
			}
			return s.visitLocked(candidate)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return &model.Solution{ToInstall: append([]model.PackageInfo(nil), s.order...)}, nil
}

func (s *Solver) selectForSpec(spec model.PackageSpec) (model.PackageInfo, error) {
	candidates := s.universe[spec.Name]
	best := selectBest(candidates, spec.Version, spec.Arch)
	if best == nil {
		return model.PackageInfo{}, &MissingDependencyError{
			Rule:   model.DependencyRule{Name: spec.Name, VersionConstraint: spec.Version, Arch: spec.Arch},
			Wanter: "<requested>",
		}
	}
	return *best, nil
}

func (s *Solver) selectForSpecLocked(spec model.PackageSpec) (model.PackageInfo, error) {
	// universe/installed maps are read-only after construction; only the
	// (order, toInstallIndex, visiting) triple needs the mutex, acquired
	// inside visitLocked.
	return s.selectForSpec(spec)
}

// visit expands pkg's dependencies (post-order, so dependencies land before
// their dependents in s.order) and appends pkg itself.
func (s *Solver) visit(pkg model.PackageInfo) error {
	if _, ok := s.toInstallIndex[pkg.Name]; ok {
		return nil
	}
	if s.visiting[pkg.Name] {
		return nil // cycle guard
	}
	s.visiting[pkg.Name] = true
	defer delete(s.visiting, pkg.Name)

	for _, already := range s.order {
		if containsName(already.Conflicts, pkg.Name) || containsName(pkg.Conflicts, already.Name) {
			return &ConflictError{A: pkg.Name, B: already.Name}
		}
	}

	for _, group := range groupBySlot(pkg.Depends) {
		if err := s.resolveRule(pkg.Name, group); err != nil {
			return err
		}
	}

	if _, ok := s.toInstallIndex[pkg.Name]; !ok {
		s.toInstallIndex[pkg.Name] = len(s.order)
		s.order = append(s.order, pkg)
	}
	return nil
}

func (s *Solver) visitLocked(pkg model.PackageInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visit(pkg)
}

func (s *Solver) resolveRule(wanter string, alts []model.DependencyRule) error {
	var installedConsidered, availableConsidered []string

	// 2a: already satisfied by installed state.
	for _, alt := range alts {
		if v, ok := s.installedNames[alt.Name]; ok {
			installedConsidered = append(installedConsidered, alt.Name+" "+v)
			if matches(v, alt.VersionConstraint) {
				return nil
			}
		}
		if providers, ok := s.installedProvides[alt.Name]; ok && len(providers) > 0 {
			installedConsidered = append(installedConsidered, providers...)
			return nil
		}
	}

	// 2b: direct universe match.
	for _, alt := range alts {
		if candidates, ok := s.universe[alt.Name]; ok {
			availableConsidered = append(availableConsidered, alt.Name)
			if best := selectBest(candidates, alt.VersionConstraint, alt.Arch); best != nil {
				return s.visit(*best)
			}
		}
	}

	// 2c: virtual package / Provides match.
	for _, alt := range alts {
		if best := s.findProvider(alt.Name, alt.VersionConstraint, alt.Arch); best != nil {
			availableConsidered = append(availableConsidered, best.Name)
			return s.visit(*best)
		}
	}

	// 2d: host system query.
	if s.systemQuery != nil {
		for _, alt := range alts {
			if s.systemQuery.Satisfied(alt.Name) {
				return nil
			}
		}
	}

	// 2e: transitional-name back-off.
	for _, alt := range alts {
		prefix, ok := transitionalPrefix(alt.Name)
		if !ok {
			continue
		}
		if best := s.findPrefixMatch(prefix); best != nil {
			return s.visit(*best)
		}
	}

	return &MissingDependencyError{
		Rule:               alts[0],
		Wanter:             wanter,
		InstalledProviders: installedConsidered,
		AvailableProviders: availableConsidered,
	}
}

func (s *Solver) findProvider(name, constraint, arch string) *model.PackageInfo {
	for _, candidates := range s.universe {
		for _, c := range candidates {
			if c.Name == name {
				continue // handled by the direct-match path
			}
			if containsName(c.Provides, name) && archOK(c.Arch, arch) && matches(c.Version, constraint) {
				cc := c
				return &cc
			}
		}
	}
	return nil
}

func (s *Solver) findPrefixMatch(prefix string) *model.PackageInfo {
	var best *model.PackageInfo
	for name, candidates := range s.universe {
		if strings.HasPrefix(name, prefix) {
			b := selectBest(candidates, "", "")
			if b != nil && (best == nil || compareVersions(b.Version, best.Version) > 0) {
				best = b
			}
		}
	}
	return best
}

// transitionalSuffix matches the trailing run of ASCII letters and digits,
// e.g. "1" in "libssl1.1" and "dev" in "libfoo-dev". In a name that is one
// such run, like "libssl3", the match starts at the first byte.
var transitionalSuffix = regexp.MustCompile(`[A-Za-z0-9]+$`)

// transitionalPrefix strips name's trailing alphanumeric run to form a
// prefix of length >= 5 (spec §4.7 step 2e), e.g. "libssl1.1" -> "libssl1."
// and "libfoo-dev" -> "libfoo-". A name with no separator before that run,
// such as "libssl3", yields no prefix.
func transitionalPrefix(name string) (string, bool) {
	loc := transitionalSuffix.FindStringIndex(name)
	if loc == nil || loc[0] == 0 {
		return "", false
	}
	prefix := name[:loc[0]]
	if len(prefix) < 5 {
		return "", false
	}
	return prefix, true
}

func selectBest(candidates []model.PackageInfo, constraint, arch string) *model.PackageInfo {
	var filtered []model.PackageInfo
	for _, c := range candidates {
		if archOK(c.Arch, arch) && matches(c.Version, constraint) {
			filtered = append(filtered, c)
		}
	}
	if len(filtered) == 0 {
		return nil
	}
	sort.Slice(filtered, func(i, j int) bool {
		return compareVersions(filtered[i].Version, filtered[j].Version) < 0
	})
	best := filtered[len(filtered)-1]
	return &best
}

func archOK(pkgArch, wantArch string) bool {
	if wantArch == "" || pkgArch == "all" || wantArch == "all" {
		return true
	}
	return pkgArch == wantArch
}

func containsName(list []string, name string) bool {
	for _, n := range list {
		if n == name {
			return true
		}
	}
	return false
}

// groupBySlot regroups a flattened DependencyRule list back into its
// alternative groups by Slot, preserving first-seen slot order.
func groupBySlot(rules []model.DependencyRule) [][]model.DependencyRule {
	if len(rules) == 0 {
		return nil
	}
	order := []int{}
	groups := map[int][]model.DependencyRule{}
	for _, r := range rules {
		if _, ok := groups[r.Slot]; !ok {
			order = append(order, r.Slot)
		}
		groups[r.Slot] = append(groups[r.Slot], r)
	}
	out := make([][]model.DependencyRule, 0, len(order))
	for _, slot := range order {
		out = append(out, groups[slot])
	}
	return out
}
