package credential

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// tokenFilePrefix is the only secret shape accepted from disk: OAuth access
// tokens written by a companion login flow.
const tokenFilePrefix = "gho_"

// TokenFile serves a GitHub token from a file on disk, tracking rewrites so
// a rotated token is observed without a process restart. The containing
// directory is watched rather than the file itself, so atomic
// write-and-rename rotation is seen too.
type TokenFile struct {
	path string
	log  *slog.Logger

	mu    sync.RWMutex
	token string

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewTokenFile loads the file (if present) and starts watching it. A missing
// file is not an error; the token simply stays empty until one appears.
func NewTokenFile(path string, log *slog.Logger) (*TokenFile, error) {
	if log == nil {
		log = slog.Default()
	}
	tf := &TokenFile{
		path: filepath.Clean(path),
		log:  log,
		done: make(chan struct{}),
	}
	tf.reload()

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(tf.path)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, err
	}
	tf.watcher = w
	go tf.watch()
	return tf, nil
}

// Token returns the current token, or "" when no acceptable token is on disk.
func (tf *TokenFile) Token() string {
	tf.mu.RLock()
	defer tf.mu.RUnlock()
	return tf.token
}

// Close stops the watcher.
func (tf *TokenFile) Close() error {
	close(tf.done)
	return tf.watcher.Close()
}

func (tf *TokenFile) watch() {
	for {
		select {
		case <-tf.done:
			return
		case ev, ok := <-tf.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != tf.path {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				tf.reload()
			}
			if ev.Op&fsnotify.Remove != 0 {
				tf.clear()
			}
		case err, ok := <-tf.watcher.Errors:
			if !ok {
				return
			}
			tf.log.Warn("tokenfile.watch.err", slog.String("err", err.Error()))
		}
	}
}

func (tf *TokenFile) reload() {
	raw, err := os.ReadFile(tf.path)
	if err != nil {
		if !os.IsNotExist(err) {
			tf.log.Warn("tokenfile.read.err",
				slog.String("path", tf.path),
				slog.String("err", err.Error()))
		}
		tf.clear()
		return
	}
	tok := strings.TrimSpace(string(raw))
	if tok == "" || !strings.HasPrefix(tok, tokenFilePrefix) {
		tf.log.Warn("tokenfile.reject", slog.String("path", tf.path))
		tf.clear()
		return
	}

	tf.mu.Lock()
	changed := tf.token != tok
	tf.token = tok
	tf.mu.Unlock()
	if changed {
		tf.log.Info("tokenfile.load", slog.String("path", tf.path))
	}
}

func (tf *TokenFile) clear() {
	tf.mu.Lock()
	tf.token = ""
	tf.mu.Unlock()
}
