package index

import (
	"bufio"
	"database/sql"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/KyoshiHikari/apt-ng/internal/clierr"
	"github.com/KyoshiHikari/apt-ng/internal/model"
)

// Registry wraps the repos table (spec §4.2).
type Registry struct {
	s *Store
}

// Registry returns the Repository Registry view over this Store's repos
// table.
func (s *Store) Registry() *Registry { return &Registry{s: s} }

// Add inserts a repository with the given defaults (spec §4.2).
func (r *Registry) Add(url string, priority int, enabled bool, suite string, components []string) (int64, error) {
	if priority == 0 {
		priority = 500
	}
	if len(components) == 0 {
		components = []string{"main"}
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	res, err := r.s.db.Exec(
		`INSERT OR REPLACE INTO repos (url, priority, enabled, suite, components) VALUES (?, ?, ?, ?, ?)`,
		url, priority, boolToInt(enabled), suite, encodeList(components),
	)
	if err != nil {
		return 0, clierr.New(clierr.Schema, "Registry.Add", err)
	}
	id, _ := res.LastInsertId()
	return id, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// LoadAll returns enabled repositories sorted by (priority ASC, rtt_ms ASC).
func (r *Registry) LoadAll() ([]model.Repository, error) {
	rows, err := r.s.db.Query(`
		SELECT id, url, priority, last_probe_ms, rtt_ms, enabled, suite, components
		FROM repos WHERE enabled = 1 ORDER BY priority ASC, rtt_ms ASC`)
	if err != nil {
		return nil, clierr.New(clierr.IO, "Registry.LoadAll", err)
	}
	defer rows.Close()

	var out []model.Repository
	for rows.Next() {
		var repo model.Repository
		var enabled int
		var suite, components string
		if err := rows.Scan(&repo.ID, &repo.URL, &repo.Priority, &repo.LastProbeMs, &repo.RTTMs, &enabled, &suite, &components); err != nil {
			return nil, clierr.New(clierr.Schema, "Registry.LoadAll", err)
		}
		repo.Enabled = enabled != 0
		repo.Suite = suite
		repo.Components = decodeList(components)
		out = append(out, repo)
	}
	return out, rows.Err()
}

// ByID looks up a single repository by its primary key, used to recover a
// package's source URL from PackageManifest.RepoID.
func (r *Registry) ByID(id int64) (repo model.Repository, ok bool, err error) {
	var enabled int
	var suite, components string
	row := r.s.db.QueryRow(`
		SELECT id, url, priority, last_probe_ms, rtt_ms, enabled, suite, components
		FROM repos WHERE id = ?`, id)
	if err := row.Scan(&repo.ID, &repo.URL, &repo.Priority, &repo.LastProbeMs, &repo.RTTMs, &enabled, &suite, &components); err != nil {
		if err == sql.ErrNoRows {
			return model.Repository{}, false, nil
		}
		return model.Repository{}, false, clierr.New(clierr.IO, "Registry.ByID", err)
	}
	repo.Enabled = enabled != 0
	repo.Suite = suite
	repo.Components = decodeList(components)
	return repo, true, nil
}

// Count reports how many repositories are configured, used by
// ImportSystemSources to decide whether to run.
func (r *Registry) Count() (int, error) {
	var n int
	if err := r.s.db.QueryRow(`SELECT COUNT(*) FROM repos`).Scan(&n); err != nil {
		return 0, clierr.New(clierr.IO, "Registry.Count", err)
	}
	return n, nil
}

// ImportSystemSources runs exactly once when the repos table is empty. It
// reads the host's declarative sources lines from the canonical paths
// (spec §4.2) and rejects deb-src, file://, cdrom: and non-http(s) entries.
func (r *Registry) ImportSystemSources() (int, error) {
	n, err := r.Count()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		return 0, nil
	}

	paths := []string{"/etc/apt/sources.list"}
	if matches, err := filepath.Glob("/etc/apt/sources.list.d/*.list"); err == nil {
		paths = append(paths, matches...)
	}

	imported := 0
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			continue // missing sources file is not fatal
		}
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			repoURL, suite, components, ok := parseSourcesLine(line)
			if !ok {
				continue
			}
			if _, err := r.Add(repoURL, 500, true, suite, components); err == nil {
				imported++
			}
		}
		f.Close()
	}
	return imported, nil
}

// parseSourcesLine parses one line of the grammar
// "deb [opt...] uri suite [component...]" (spec §4.2), rejecting deb-src,
// file://, cdrom: and anything not http(s)://.
func parseSourcesLine(line string) (repoURL, suite string, components []string, ok bool) {
	fields := strings.Fields(line)
	if len(fields) < 3 || fields[0] != "deb" {
		return "", "", nil, false
	}
	fields = fields[1:]

	// Drop any bracketed [options...] block, which may span multiple fields.
	i := 0
	for i < len(fields) && strings.HasPrefix(fields[i], "[") {
		for i < len(fields) && !strings.HasSuffix(fields[i], "]") {
			i++
		}
		i++ // consume the field carrying the closing bracket
	}
	fields = fields[i:]
	if len(fields) < 2 {
		return "", "", nil, false
	}

	uri := fields[0]
	if strings.HasPrefix(uri, "file://") || strings.HasPrefix(uri, "cdrom:") {
		return "", "", nil, false
	}
	parsed, err := url.Parse(uri)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return "", "", nil, false
	}

	suite = fields[1]
	if len(fields) > 2 {
		components = fields[2:]
	} else {
		components = []string{"main"}
	}
	return uri, suite, components, true
}

// ProbeAndUpdate stores the latest RTT for a repository.
func (r *Registry) ProbeAndUpdate(url string, rttMs int64, probeTimeMs int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	_, err := r.s.db.Exec(`UPDATE repos SET rtt_ms = ?, last_probe_ms = ? WHERE url = ?`, rttMs, probeTimeMs, url)
	if err != nil {
		return clierr.New(clierr.Schema, "Registry.ProbeAndUpdate", err)
	}
	return nil
}

// SelectBestMirror picks, among repositories whose URL starts with origin,
// the enabled one with lowest (priority, rtt_ms). ok is false when none
// match.
func (r *Registry) SelectBestMirror(origin string) (repo model.Repository, ok bool, err error) {
	rows, err := r.s.db.Query(`
		SELECT id, url, priority, last_probe_ms, rtt_ms, enabled, suite, components
		FROM repos WHERE enabled = 1 AND url LIKE ? ORDER BY priority ASC, rtt_ms ASC LIMIT 1`,
		origin+"%",
	)
	if err != nil {
		return model.Repository{}, false, clierr.New(clierr.IO, "Registry.SelectBestMirror", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return model.Repository{}, false, nil
	}
	var enabled int
	var suite, components string
	if err := rows.Scan(&repo.ID, &repo.URL, &repo.Priority, &repo.LastProbeMs, &repo.RTTMs, &enabled, &suite, &components); err != nil {
		return model.Repository{}, false, clierr.New(clierr.Schema, "Registry.SelectBestMirror", err)
	}
	repo.Enabled = enabled != 0
	repo.Suite = suite
	repo.Components = decodeList(components)
	return repo, true, nil
}

// originOf extracts scheme+host[:port] from a URL.
func originOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	return u.Scheme + "://" + u.Host, nil
}

// SelectBestMirrorURL delegates to the Repository Registry (spec §4.1).
func (s *Store) SelectBestMirrorURL(fetchURL string) (string, bool, error) {
	origin, err := originOf(fetchURL)
	if err != nil {
		return "", false, clierr.New(clierr.IO, "SelectBestMirrorURL", err)
	}
	repo, ok, err := s.Registry().SelectBestMirror(origin)
	if err != nil || !ok {
		return "", false, err
	}
	rest := strings.TrimPrefix(fetchURL, origin)
	return strings.TrimSuffix(repo.URL, "/") + rest, true, nil
}

// UpdateMirrorPerformance extracts the origin from fetchURL and delegates to
// the registry (spec §4.1).
func (s *Store) UpdateMirrorPerformance(fetchURL string, rttMs int64, throughputBps float64) error {
	origin, err := originOf(fetchURL)
	if err != nil {
		return clierr.New(clierr.IO, "UpdateMirrorPerformance", err)
	}
	_ = throughputBps // scoring detail lives in acquire.MirrorStats.Score; the ledger only tracks RTT
	return s.Registry().ProbeAndUpdate(origin, rttMs, time.Now().UnixMilli())
}
