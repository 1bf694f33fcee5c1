package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	defaultReloadDebounce = 300 * time.Millisecond
	defaultPollInterval   = 2 * time.Second
)

// ReloadFunc receives every successfully loaded and validated config.
// It runs on the watcher goroutine.
type ReloadFunc func(cfg *Config)

// Watcher reloads the config file when it changes. fsnotify gives fast
// notification for editors and atomic renames; a content-hash poll catches
// projected volumes whose "..data" symlink swap emits no inotify event.
type Watcher struct {
	path         string
	onReload     ReloadFunc
	logger       *slog.Logger
	debounce     time.Duration
	pollInterval time.Duration

	stopOnce sync.Once
	mu       sync.Mutex
	cancel   context.CancelFunc
}

// NewWatcher returns a Watcher for path. Nothing is watched until Start.
func NewWatcher(path string, onReload ReloadFunc, logger *slog.Logger) *Watcher {
	return &Watcher{
		path:         path,
		onReload:     onReload,
		logger:       logger,
		debounce:     defaultReloadDebounce,
		pollInterval: defaultPollInterval,
	}
}

// Start blocks until ctx is canceled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	ctx = w.bind(ctx)

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		return err
	}
	_ = fsw.Add(w.path)

	w.logger.Info("config watcher started", "path", w.path)

	fp := newFileSetFingerprint(w.path)

	var pending <-chan time.Time
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("config watcher stopped")
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !isReloadEvent(ev) {
				continue
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				// Atomic save replaces the inode; watch the new one.
				_ = fsw.Add(w.path)
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			pending = timer.C

		case <-pending:
			pending = nil
			fp.refresh()
			w.reload()

		case <-ticker.C:
			if fp.changed() {
				w.logger.Debug("config change detected by polling", "path", w.path)
				w.reload()
			}

		case werr, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("config watcher error", "error", werr)
		}
	}
}

func isReloadEvent(ev fsnotify.Event) bool {
	return ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename)
}

func (w *Watcher) bind(ctx context.Context) context.Context {
	w.mu.Lock()
	defer w.mu.Unlock()
	ctx, w.cancel = context.WithCancel(ctx)
	return ctx
}

// reload keeps the running config when the new file does not validate.
func (w *Watcher) reload() {
	cfg, err := LoadFromPath(w.path)
	if err != nil {
		w.logger.Error("config reload rejected, keeping current config", "error", err)
		return
	}
	w.logger.Info("config reloaded", "path", w.path)
	w.onReload(cfg)
}

// Stop ends Start. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.cancel != nil {
			w.cancel()
		}
	})
}

// CertReloadFunc is called with the certificate and key paths after either
// file changes on disk.
type CertReloadFunc func(certFile, keyFile string)

// CertWatcher polls a TLS certificate/key pair. Secret volumes are usually
// mounted apart from the config, so polling is the only signal used.
type CertWatcher struct {
	certFile     string
	keyFile      string
	onChange     CertReloadFunc
	logger       *slog.Logger
	pollInterval time.Duration

	stopOnce sync.Once
	mu       sync.Mutex
	cancel   context.CancelFunc
}

// NewCertWatcher returns a CertWatcher. Nothing is polled until Start.
func NewCertWatcher(certFile, keyFile string, onChange CertReloadFunc, logger *slog.Logger) *CertWatcher {
	return &CertWatcher{
		certFile:     certFile,
		keyFile:      keyFile,
		onChange:     onChange,
		logger:       logger,
		pollInterval: defaultPollInterval,
	}
}

// Start blocks until ctx is canceled or Stop is called.
func (cw *CertWatcher) Start(ctx context.Context) error {
	cw.mu.Lock()
	ctx, cw.cancel = context.WithCancel(ctx)
	cw.mu.Unlock()

	cw.logger.Info("tls certificate watcher started", "cert", cw.certFile, "key", cw.keyFile)

	fp := newFileSetFingerprint(cw.certFile, cw.keyFile)
	ticker := time.NewTicker(cw.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cw.logger.Info("tls certificate watcher stopped")
			return nil
		case <-ticker.C:
			if fp.changed() {
				cw.logger.Info("tls certificate change detected", "cert", cw.certFile)
				cw.onChange(cw.certFile, cw.keyFile)
			}
		}
	}
}

// Stop ends Start. Safe to call more than once.
func (cw *CertWatcher) Stop() {
	cw.stopOnce.Do(func() {
		cw.mu.Lock()
		defer cw.mu.Unlock()
		if cw.cancel != nil {
			cw.cancel()
		}
	})
}

// fileSetFingerprint remembers the content hashes of a group of files and
// the "..data" symlink targets of their directories.
type fileSetFingerprint struct {
	paths   []string
	links   []string
	hashes  []string
	targets []string
}

func newFileSetFingerprint(paths ...string) *fileSetFingerprint {
	fp := &fileSetFingerprint{
		paths:   paths,
		links:   make([]string, len(paths)),
		hashes:  make([]string, len(paths)),
		targets: make([]string, len(paths)),
	}
	for i, p := range paths {
		fp.links[i] = filepath.Join(filepath.Dir(p), "..data")
	}
	fp.refresh()
	return fp
}

// refresh records the current state as the baseline.
func (fp *fileSetFingerprint) refresh() {
	for i := range fp.paths {
		fp.hashes[i] = hashFile(fp.paths[i])
		fp.targets[i] = readlink(fp.links[i])
	}
}

// changed reports whether anything moved since the last baseline and, if
// so, takes a new one.
func (fp *fileSetFingerprint) changed() bool {
	moved := false
	for i := range fp.paths {
		if t := readlink(fp.links[i]); t != "" && t != fp.targets[i] {
			moved = true
			break
		}
		if hashFile(fp.paths[i]) != fp.hashes[i] {
			moved = true
			break
		}
	}
	if moved {
		fp.refresh()
	}
	return moved
}

// hashFile returns the hex SHA-256 of the file content with symlinks
// followed, or "" when it cannot be read.
func hashFile(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	return hex.EncodeToString(h.Sum(nil))
}

// readlink returns the symlink target of path, or "" if it is not a link.
func readlink(path string) string {
	target, err := os.Readlink(path)
	if err != nil {
		return ""
	}
	return target
}
