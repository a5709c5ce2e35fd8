package watch

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/engramdev/engram/internal/indexer"
	"github.com/engramdev/engram/internal/store"
)

const debounceWindow = 500 * time.Millisecond

// Watcher reindexes memory files when they change on disk and refreshes the
// database connection when an outside writer touches the database file.
// Events are debounced per path; editors tend to fire several per save.
type Watcher struct {
	root    string
	dbPath  string
	indexer *indexer.Indexer
	db      *store.DB
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
}

func New(root, dbPath string, ix *indexer.Indexer, db *store.DB, logger *slog.Logger) *Watcher {
	return &Watcher{
		root:    root,
		dbPath:  dbPath,
		indexer: ix,
		db:      db,
		logger:  logger,
		pending: make(map[string]*time.Timer),
	}
}

// Run blocks until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := w.addTree(fw, w.root); err != nil {
		return err
	}
	if err := fw.Add(filepath.Dir(w.dbPath)); err != nil {
		w.logger.Warn("watch db directory", "error", err)
	}

	w.logger.Info("watching memory tree", "root", w.root)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.dispatch(ctx, fw, event)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) dispatch(ctx context.Context, fw *fsnotify.Watcher, event fsnotify.Event) {
	name := event.Name

	// External writers to the database file (or its WAL) invalidate the
	// open connection's view.
	base := filepath.Base(name)
	if base == filepath.Base(w.dbPath) || base == filepath.Base(w.dbPath)+"-wal" {
		if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
			w.debounce("db:"+w.dbPath, func() { w.refreshDB() })
		}
		return
	}

	// New subdirectories need their own watch.
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(name); err == nil && info.IsDir() {
			if err := w.addTree(fw, name); err != nil {
				w.logger.Warn("watch new directory", "path", name, "error", err)
			}
			return
		}
	}

	if !strings.HasSuffix(name, ".md") {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}
	w.debounce(name, func() {
		if _, err := w.indexer.Index(ctx, name, false); err != nil {
			w.logger.Warn("reindex on change failed", "path", name, "error", err)
		}
	})
}

func (w *Watcher) refreshDB() {
	gen := w.db.Generation()
	changed, err := w.db.ExternallyModified()
	if err != nil {
		w.logger.Warn("data version check", "error", err)
		return
	}
	if !changed {
		return
	}
	if err := w.db.Reconnect(gen); err != nil {
		w.logger.Error("reconnect after external db write", "error", err)
		return
	}
	w.logger.Info("reconnected after external db write")
}

func (w *Watcher) debounce(key string, fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[key]; ok {
		t.Stop()
	}
	w.pending[key] = time.AfterFunc(debounceWindow, func() {
		w.mu.Lock()
		delete(w.pending, key)
		w.mu.Unlock()
		fn()
	})
}

func (w *Watcher) addTree(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != root {
				return filepath.SkipDir
			}
			return fw.Add(path)
		}
		return nil
	})
}
