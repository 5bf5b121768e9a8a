// Package index implements the Index Store (spec §4.1): a durable catalog
// of known packages, repositories and installed state, backed by SQLite via
// database/sql, following the schema/transaction style of the pack's
// PackageManager.initDB (github.com/mattn/go-sqlite3, INSERT OR REPLACE,
// CREATE INDEX IF NOT EXISTS).
package index

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/KyoshiHikari/apt-ng/internal/clierr"
	"github.com/KyoshiHikari/apt-ng/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS packages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	version TEXT NOT NULL,
	arch TEXT NOT NULL,
	provides TEXT,
	depends TEXT,
	conflicts TEXT,
	replaces TEXT,
	size INTEGER,
	checksum TEXT,
	repo_id INTEGER,
	timestamp INTEGER,
	filename TEXT,
	UNIQUE(name, version, arch)
);
CREATE INDEX IF NOT EXISTS idx_packages_name ON packages(name);
CREATE INDEX IF NOT EXISTS idx_packages_timestamp ON packages(timestamp);

CREATE TABLE IF NOT EXISTS repos (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	url TEXT NOT NULL UNIQUE,
	priority INTEGER DEFAULT 500,
	last_probe_ms INTEGER DEFAULT 0,
	rtt_ms INTEGER DEFAULT 0,
	enabled INTEGER DEFAULT 1,
	suite TEXT,
	components TEXT
);

CREATE TABLE IF NOT EXISTS installed (
	pkg_id INTEGER PRIMARY KEY,
	install_time INTEGER,
	manifest TEXT,
	FOREIGN KEY(pkg_id) REFERENCES packages(id)
);
`

// Store is the Index Store. All public methods are safe for concurrent
// readers; writers (batch inserts, bulk-insert mode) serialize through mu
// per spec §5 ("batch writes serialize").
type Store struct {
	db *sql.DB
	mu sync.Mutex

	bulkMode bool
}

// Open opens (creating if necessary) the SQLite database at path and
// applies schema migration.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, clierr.New(clierr.IO, "index.Open", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, clierr.New(clierr.Schema, "index.Open", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, clierr.New(clierr.Schema, "index.migrate", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// migrate inspects the live schema of packages/repos and idempotently adds
// newer optional columns (spec §4.1 "Schema migration").
func (s *Store) migrate() error {
	addColumnIfMissing := func(table, column, ddl string) error {
		rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
		if err != nil {
			return err
		}
		defer rows.Close()

		found := false
		for rows.Next() {
			var cid int
			var name, ctype string
			var notnull, pk int
			var dflt sql.NullString
			if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
				return err
			}
			if name == column {
				found = true
			}
		}
		if found {
			return nil
		}
		_, err = s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", table, ddl))
		return err
	}

	if err := addColumnIfMissing("packages", "filename", "filename TEXT"); err != nil {
		return err
	}
	if err := addColumnIfMissing("repos", "suite", "suite TEXT"); err != nil {
		return err
	}
	if err := addColumnIfMissing("repos", "components", "components TEXT"); err != nil {
		return err
	}
	return nil
}

func encodeList(list []string) string {
	if len(list) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(list)
	return string(b)
}

func decodeList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

// AddPackage upserts a manifest by identity (name, version, arch).
func (s *Store) AddPackage(m model.PackageManifest, repoID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addPackageTx(s.db, m, repoID)
}

func (s *Store) addPackageTx(execer execer, m model.PackageManifest, repoID int64) error {
	_, err := execer.Exec(`
		INSERT OR REPLACE INTO packages
			(name, version, arch, provides, depends, conflicts, replaces, size, checksum, repo_id, timestamp, filename)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.Name, m.Version, m.Arch,
		encodeList(m.Provides), encodeList(m.Depends), encodeList(m.Conflicts), encodeList(m.Replaces),
		m.Size, m.Checksum, nullableID(repoID), m.Timestamp, m.Filename,
	)
	if err != nil {
		return clierr.WithPackage(clierr.Schema, "AddPackage", m.Name, err)
	}
	return nil
}

func nullableID(id int64) interface{} {
	if id == 0 {
		return nil
	}
	return id
}

type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

// AddPackagesBatch inserts manifests in a single transaction (spec §4.1);
// the transaction either fully applies or fully rolls back. On batch
// failure it degrades to per-row insertion and reports the degraded path,
// per spec §7.
func (s *Store) AddPackagesBatch(manifests []model.PackageManifest, repoID int64) (degraded bool, rowErrs []error, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return false, nil, clierr.New(clierr.IO, "AddPackagesBatch", err)
	}

	batchErr := func() error {
		for _, m := range manifests {
			if err := s.addPackageTx(tx, m, repoID); err != nil {
				return err
			}
		}
		return nil
	}()

	if batchErr == nil {
		if err := tx.Commit(); err != nil {
			return false, nil, clierr.New(clierr.IO, "AddPackagesBatch.Commit", err)
		}
		return false, nil, nil
	}

	_ = tx.Rollback()

	// Degrade to per-row inserts outside any transaction; row failures are
	// collected but do not abort the remaining rows.
	var errs []error
	for _, m := range manifests {
		if err := s.addPackageTx(s.db, m, repoID); err != nil {
			errs = append(errs, err)
		}
	}
	return true, errs, nil
}

// BeginBulkInsert scopes the "fast mode" described in spec §4.1: drop
// secondary indexes and relax durable sync for the duration of a bulk
// import. EndBulkInsert (or the returned release func) reinstates them.
// Guaranteed release on all exit paths, including via defer.
func (s *Store) BeginBulkInsert() (func() error, error) {
	s.mu.Lock()
	if s.bulkMode {
		s.mu.Unlock()
		return nil, clierr.New(clierr.Schema, "BeginBulkInsert", fmt.Errorf("bulk insert mode is not re-entrant"))
	}
	s.bulkMode = true
	s.mu.Unlock()

	if _, err := s.db.Exec(`DROP INDEX IF EXISTS idx_packages_name`); err != nil {
		return s.endBulkInsert, clierr.New(clierr.IO, "BeginBulkInsert", err)
	}
	if _, err := s.db.Exec(`DROP INDEX IF EXISTS idx_packages_timestamp`); err != nil {
		return s.endBulkInsert, clierr.New(clierr.IO, "BeginBulkInsert", err)
	}
	if _, err := s.db.Exec(`PRAGMA synchronous = OFF`); err != nil {
		return s.endBulkInsert, clierr.New(clierr.IO, "BeginBulkInsert", err)
	}
	return s.endBulkInsert, nil
}

func (s *Store) endBulkInsert() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.bulkMode {
		return nil
	}
	s.bulkMode = false

	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_packages_name ON packages(name)`); err != nil {
		return clierr.New(clierr.IO, "EndBulkInsert", err)
	}
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_packages_timestamp ON packages(timestamp)`); err != nil {
		return clierr.New(clierr.IO, "EndBulkInsert", err)
	}
	if _, err := s.db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		return clierr.New(clierr.IO, "EndBulkInsert", err)
	}
	return nil
}

// EndBulkInsert is the explicit counterpart to BeginBulkInsert, for callers
// that prefer a named method over the returned closure.
func (s *Store) EndBulkInsert() error { return s.endBulkInsert() }

func scanManifest(rows *sql.Rows) (model.PackageManifest, int64, error) {
	var m model.PackageManifest
	var id int64
	var provides, depends, conflicts, replaces string
	var repoID sql.NullInt64
	var filename sql.NullString

	if err := rows.Scan(&id, &m.Name, &m.Version, &m.Arch, &provides, &depends, &conflicts, &replaces,
		&m.Size, &m.Checksum, &repoID, &m.Timestamp, &filename); err != nil {
		return m, 0, err
	}
	m.Provides = decodeList(provides)
	m.Depends = decodeList(depends)
	m.Conflicts = decodeList(conflicts)
	m.Replaces = decodeList(replaces)
	if repoID.Valid {
		m.RepoID = repoID.Int64
	}
	if filename.Valid {
		m.Filename = filename.String
	}
	return m, id, nil
}

const selectCols = `id, name, version, arch, provides, depends, conflicts, replaces, size, checksum, repo_id, timestamp, filename`

// Search performs a substring match over name, ordered name ASC, version DESC.
func (s *Store) Search(query string) ([]model.PackageManifest, error) {
	rows, err := s.db.Query(
		`SELECT `+selectCols+` FROM packages WHERE name LIKE ? ORDER BY name ASC, version DESC`,
		"%"+query+"%",
	)
	if err != nil {
		return nil, clierr.New(clierr.IO, "Search", err)
	}
	defer rows.Close()

	var out []model.PackageManifest
	for rows.Next() {
		m, _, err := scanManifest(rows)
		if err != nil {
			return nil, clierr.New(clierr.Schema, "Search", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SearchExact performs an equality match on name, ordered by the version
// column's string order, descending; Show builds on it.
func (s *Store) SearchExact(name string) ([]model.PackageManifest, error) {
	rows, err := s.db.Query(
		`SELECT `+selectCols+` FROM packages WHERE name = ? ORDER BY version DESC`, name,
	)
	if err != nil {
		return nil, clierr.New(clierr.IO, "SearchExact", err)
	}
	defer rows.Close()

	var out []model.PackageManifest
	for rows.Next() {
		m, _, err := scanManifest(rows)
		if err != nil {
			return nil, clierr.New(clierr.Schema, "SearchExact", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Show returns the latest version record for name. ok is false when no
// such package is known.
func (s *Store) Show(name string) (m model.PackageManifest, ok bool, err error) {
	matches, err := s.SearchExact(name)
	if err != nil {
		return model.PackageManifest{}, false, err
	}
	if len(matches) == 0 {
		return model.PackageManifest{}, false, nil
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Version > matches[j].Version })
	return matches[0], true, nil
}

// GetAllPackages performs a full scan, used only to seed the solver
// universe (spec §4.1).
func (s *Store) GetAllPackages() ([]model.PackageManifest, error) {
	rows, err := s.db.Query(`SELECT ` + selectCols + ` FROM packages`)
	if err != nil {
		return nil, clierr.New(clierr.IO, "GetAllPackages", err)
	}
	defer rows.Close()

	var out []model.PackageManifest
	for rows.Next() {
		m, _, err := scanManifest(rows)
		if err != nil {
			return nil, clierr.New(clierr.Schema, "GetAllPackages", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkInstalled records name/version as installed, snapshotting its
// manifest into the installed table.
func (s *Store) MarkInstalled(name, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id int64
	var manifestJSON string
	row := s.db.QueryRow(`SELECT `+selectCols+` FROM packages WHERE name = ? AND version = ?`, name, version)
	var m model.PackageManifest
	var provides, depends, conflicts, replaces string
	var repoID sql.NullInt64
	var filename sql.NullString
	if err := row.Scan(&id, &m.Name, &m.Version, &m.Arch, &provides, &depends, &conflicts, &replaces,
		&m.Size, &m.Checksum, &repoID, &m.Timestamp, &filename); err != nil {
		return clierr.WithPackage(clierr.Schema, "MarkInstalled", name, err)
	}
	m.Provides = decodeList(provides)
	m.Depends = decodeList(depends)
	m.Conflicts = decodeList(conflicts)
	m.Replaces = decodeList(replaces)
	if filename.Valid {
		m.Filename = filename.String
	}

	b, err := json.Marshal(m)
	if err != nil {
		return clierr.WithPackage(clierr.Schema, "MarkInstalled", name, err)
	}
	manifestJSON = string(b)

	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO installed (pkg_id, install_time, manifest) VALUES (?, strftime('%s','now'), ?)`,
		id, manifestJSON,
	)
	if err != nil {
		return clierr.WithPackage(clierr.Schema, "MarkInstalled", name, err)
	}
	return nil
}

// MarkRemoved deletes the installed-state row for name, if present.
func (s *Store) MarkRemoved(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		DELETE FROM installed WHERE pkg_id IN (SELECT id FROM packages WHERE name = ?)`, name)
	if err != nil {
		return clierr.WithPackage(clierr.Schema, "MarkRemoved", name, err)
	}
	return nil
}

// ListInstalledWithManifests returns every installed package's stored
// manifest snapshot, used by upgrade and remove.
func (s *Store) ListInstalledWithManifests() ([]model.InstalledRecord, error) {
	rows, err := s.db.Query(`SELECT pkg_id, install_time, manifest FROM installed`)
	if err != nil {
		return nil, clierr.New(clierr.IO, "ListInstalledWithManifests", err)
	}
	defer rows.Close()

	var out []model.InstalledRecord
	for rows.Next() {
		var rec model.InstalledRecord
		var manifestJSON string
		if err := rows.Scan(&rec.PkgID, &rec.InstallTime, &manifestJSON); err != nil {
			return nil, clierr.New(clierr.Schema, "ListInstalledWithManifests", err)
		}
		if err := json.Unmarshal([]byte(manifestJSON), &rec.Manifest); err != nil {
			return nil, clierr.New(clierr.Schema, "ListInstalledWithManifests", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CanonicalURL returns repo.URL + "/" + filename, the invariant from spec §3.
func CanonicalURL(repoURL, filename string) string {
	return strings.TrimSuffix(repoURL, "/") + "/" + strings.TrimPrefix(filename, "/")
}
