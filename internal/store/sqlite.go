package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	_ "github.com/asg017/sqlite-vec-go-bindings/ncruces"
	_ "github.com/ncruces/go-sqlite3/driver"
)

const kvEmbeddingDim = "embedding_dim"

// DB wraps the SQLite connection with initialization logic and a
// mutex-guarded reconnect path for external-update recovery.
type DB struct {
	*sql.DB
	path string
	dim  int

	// reconnectMu serializes Reconnect: callers that notice external
	// changes must not race to reopen the connection.
	reconnectMu sync.Mutex
	gen         int64
	lastVersion int64
}

// Open creates or opens the database at dbPath, runs schema initialization,
// and verifies the persisted embedding dimension matches dim. A dimension
// mismatch is a fatal integrity condition: the vec table was built for a
// different provider profile and must not be silently reused.
func Open(dbPath string, dim int) (*DB, error) {
	if dim < 1 {
		return nil, fmt.Errorf("open store: embedding dimension must be positive, got %d", dim)
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := openHandle(dbPath)
	if err != nil {
		return nil, err
	}

	if err := initSchema(db, dim); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	if err := checkDimension(db, dim); err != nil {
		db.Close()
		return nil, err
	}

	return &DB{DB: db, path: dbPath, dim: dim}, nil
}

func openHandle(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", "file:"+dbPath+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Single writer; SQLite serializes mutations anyway and MaxOpenConns(1)
	// keeps the vec extension and FTS cursors on one connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	return db, nil
}

// Dim returns the active embedding dimension.
func (d *DB) Dim() int { return d.dim }

// Path returns the database file path.
func (d *DB) Path() string { return d.path }

// Generation returns the current connection generation. Callers snapshot it
// before work and pass it to Reconnect when they detect external changes.
func (d *DB) Generation() int64 {
	d.reconnectMu.Lock()
	defer d.reconnectMu.Unlock()
	return d.gen
}

// DataVersion reads SQLite's data_version pragma, which changes whenever
// another connection commits to the same database file.
func (d *DB) DataVersion() (int64, error) {
	var v int64
	if err := d.QueryRow("PRAGMA data_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("read data_version: %w", err)
	}
	return v, nil
}

// ExternallyModified reports whether another connection has committed to the
// database file since the previous check. Writes made on this connection do
// not move data_version, so a true result always means an outside writer.
func (d *DB) ExternallyModified() (bool, error) {
	v, err := d.DataVersion()
	if err != nil {
		return false, err
	}
	d.reconnectMu.Lock()
	defer d.reconnectMu.Unlock()
	if d.lastVersion == 0 {
		d.lastVersion = v
		return false, nil
	}
	changed := v != d.lastVersion
	d.lastVersion = v
	return changed, nil
}

// Reconnect reopens the database connection after an out-of-band change.
// It is single-flight: if another caller already reconnected past the
// observed generation, the call is a no-op and the second caller simply
// proceeds on the fresh handle.
func (d *DB) Reconnect(observedGen int64) error {
	d.reconnectMu.Lock()
	defer d.reconnectMu.Unlock()

	if d.gen != observedGen {
		// Someone else already reconnected.
		return nil
	}

	fresh, err := openHandle(d.path)
	if err != nil {
		return fmt.Errorf("reconnect: %w", err)
	}
	if err := checkDimension(fresh, d.dim); err != nil {
		fresh.Close()
		return fmt.Errorf("reconnect: %w", err)
	}

	old := d.DB
	d.DB = fresh
	d.gen++
	if old != nil {
		old.Close()
	}
	return nil
}

func checkDimension(db *sql.DB, dim int) error {
	var stored string
	err := db.QueryRow(`SELECT value FROM kv WHERE key = ?`, kvEmbeddingDim).Scan(&stored)
	switch {
	case err == sql.ErrNoRows:
		_, err := db.Exec(`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)`,
			kvEmbeddingDim, strconv.Itoa(dim), time.Now().Unix())
		if err != nil {
			return fmt.Errorf("persist embedding dimension: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("read embedding dimension: %w", err)
	}

	got, err := strconv.Atoi(stored)
	if err != nil || got != dim {
		return fmt.Errorf("integrity: store was indexed with embedding dimension %s but provider reports %d; re-create the index or restore the matching provider profile", stored, dim)
	}
	return nil
}

func initSchema(db *sql.DB, dim int) error {
	schema := `
CREATE TABLE IF NOT EXISTS records (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  spec_folder TEXT NOT NULL,
  file_path TEXT NOT NULL UNIQUE,
  title TEXT NOT NULL,
  trigger_phrases TEXT,
  context_type TEXT,
  content TEXT NOT NULL,
  summary TEXT,
  content_hash TEXT NOT NULL,
  embedding_status TEXT NOT NULL DEFAULT 'pending',
  importance_tier TEXT NOT NULL DEFAULT 'normal',
  importance_weight REAL NOT NULL DEFAULT 0.5,
  confidence REAL NOT NULL DEFAULT 0.8,
  validation_count INTEGER NOT NULL DEFAULT 0,
  retry_count INTEGER NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_records_spec_folder ON records(spec_folder);
CREATE INDEX IF NOT EXISTS idx_records_tier ON records(importance_tier);
CREATE INDEX IF NOT EXISTS idx_records_status ON records(embedding_status);
CREATE INDEX IF NOT EXISTS idx_records_content_hash ON records(content_hash);

CREATE TABLE IF NOT EXISTS causal_edges (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  source_id INTEGER NOT NULL REFERENCES records(id) ON DELETE CASCADE,
  target_id INTEGER NOT NULL REFERENCES records(id) ON DELETE CASCADE,
  relation TEXT NOT NULL,
  strength REAL NOT NULL DEFAULT 0.5,
  evidence TEXT,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  UNIQUE(source_id, target_id, relation)
);

CREATE INDEX IF NOT EXISTS idx_edges_source ON causal_edges(source_id);
CREATE INDEX IF NOT EXISTS idx_edges_target ON causal_edges(target_id);

CREATE TABLE IF NOT EXISTS checkpoints (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL UNIQUE,
  spec_folder TEXT,
  record_count INTEGER NOT NULL DEFAULT 0,
  automatic INTEGER NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS checkpoint_records (
  checkpoint_id TEXT NOT NULL REFERENCES checkpoints(id) ON DELETE CASCADE,
  payload TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_checkpoint_records ON checkpoint_records(checkpoint_id);

CREATE TABLE IF NOT EXISTS sessions (
  id TEXT PRIMARY KEY,
  status TEXT NOT NULL DEFAULT 'active',
  last_turn INTEGER NOT NULL DEFAULT 0,
  last_decay_turn INTEGER NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS session_seen (
  session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
  record_id INTEGER NOT NULL,
  PRIMARY KEY (session_id, record_id)
);

CREATE TABLE IF NOT EXISTS working_memory (
  session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
  record_id INTEGER NOT NULL,
  score REAL NOT NULL,
  last_turn INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  PRIMARY KEY (session_id, record_id)
);

CREATE TABLE IF NOT EXISTS kv (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL,
  updated_at INTEGER NOT NULL
);
`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}

	// FTS5 virtual table and sync triggers. External-content table over
	// records so the lexical index never duplicates storage.
	fts := `
CREATE VIRTUAL TABLE IF NOT EXISTS records_fts USING fts5(
  title, trigger_phrases, content,
  content='records', content_rowid='id'
);
`
	if _, err := db.Exec(fts); err != nil {
		return fmt.Errorf("create fts table: %w", err)
	}

	triggers := []string{
		`CREATE TRIGGER IF NOT EXISTS records_ai AFTER INSERT ON records BEGIN
  INSERT INTO records_fts(rowid, title, trigger_phrases, content)
  VALUES (NEW.id, NEW.title, NEW.trigger_phrases, NEW.content);
END;`,
		`CREATE TRIGGER IF NOT EXISTS records_ad AFTER DELETE ON records BEGIN
  INSERT INTO records_fts(records_fts, rowid, title, trigger_phrases, content)
  VALUES ('delete', OLD.id, OLD.title, OLD.trigger_phrases, OLD.content);
END;`,
		`CREATE TRIGGER IF NOT EXISTS records_au AFTER UPDATE ON records BEGIN
  INSERT INTO records_fts(records_fts, rowid, title, trigger_phrases, content)
  VALUES ('delete', OLD.id, OLD.title, OLD.trigger_phrases, OLD.content);
  INSERT INTO records_fts(rowid, title, trigger_phrases, content)
  VALUES (NEW.id, NEW.title, NEW.trigger_phrases, NEW.content);
END;`,
	}
	for _, t := range triggers {
		if _, err := db.Exec(t); err != nil {
			return fmt.Errorf("create trigger: %w", err)
		}
	}

	vecSchema := fmt.Sprintf(`
CREATE VIRTUAL TABLE IF NOT EXISTS vec_records USING vec0(
  record_id INTEGER PRIMARY KEY,
  embedding FLOAT[%d] distance_metric=cosine
);
`, dim)
	if _, err := db.Exec(vecSchema); err != nil {
		return fmt.Errorf("create vec table: %w", err)
	}

	return nil
}

// RecordCount returns the total number of indexed records.
func (d *DB) RecordCount() (int, error) {
	var count int
	err := d.QueryRow("SELECT COUNT(*) FROM records").Scan(&count)
	return count, err
}
