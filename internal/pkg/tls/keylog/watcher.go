package keylog

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/endorses/sslkeylog/internal/pkg/logger"
	"github.com/fsnotify/fsnotify"
)

// ErrWatcherRunning is returned by Start on a watcher that is already running.
var ErrWatcherRunning = errors.New("watcher already running")

// WatcherConfig configures the key log file watcher.
type WatcherConfig struct {
	// PollInterval is the fallback polling interval when fsnotify is unavailable.
	// Default: 1 second
	PollInterval time.Duration

	// ReadBufferSize is the buffer size for reading key log data.
	// Default: 4KB
	ReadBufferSize int

	// StrictMode rejects entries with unknown labels.
	StrictMode bool

	// ForcePolling skips fsnotify entirely.
	ForcePolling bool
}

// DefaultWatcherConfig returns the default watcher configuration.
func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{
		PollInterval:   1 * time.Second,
		ReadBufferSize: 4 * 1024,
	}
}

// Watcher tails a key log file and adds parsed entries to a store.
type Watcher struct {
	config    WatcherConfig
	store     *Store
	parser    *Parser
	path      string
	offset    int64
	fsWatcher *fsnotify.Watcher
	mu        sync.Mutex
	stopChan  chan struct{}
	wg        sync.WaitGroup
	running   bool

	linesRead    uint64
	entriesAdded uint64
	errors       uint64
}

// NewWatcher creates a new key log file watcher.
func NewWatcher(path string, store *Store, config WatcherConfig) *Watcher {
	defaults := DefaultWatcherConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.ReadBufferSize <= 0 {
		config.ReadBufferSize = defaults.ReadBufferSize
	}

	parser := NewParser()
	parser.StrictMode = config.StrictMode

	return &Watcher{
		config:   config,
		store:    store,
		parser:   parser,
		path:     path,
		stopChan: make(chan struct{}),
	}
}

// Start reads any existing content, then watches the file for appends.
// The file does not need to exist yet.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return ErrWatcherRunning
	}
	w.running = true
	w.mu.Unlock()

	if err := w.readNew(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("failed to read existing key log",
			"path", w.path,
			"error", err)
	}

	if w.config.ForcePolling {
		return w.startPolling(ctx)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("fsnotify unavailable, falling back to polling", "error", err)
		return w.startPolling(ctx)
	}

	// The parent directory is watched so that creation, rotation and
	// removal of the file are all observed.
	dir := filepath.Dir(w.path)
	if err := fsWatcher.Add(dir); err != nil {
		logger.Warn("failed to watch directory, falling back to polling",
			"dir", dir,
			"error", err)
		if cerr := fsWatcher.Close(); cerr != nil {
			logger.Error("failed to close fsnotify watcher", "error", cerr)
		}
		return w.startPolling(ctx)
	}
	w.fsWatcher = fsWatcher

	w.wg.Add(1)
	go w.fsWatchLoop(ctx)

	logger.Info("started key log file watcher",
		"path", w.path,
		"mode", "fsnotify")
	return nil
}

func (w *Watcher) startPolling(ctx context.Context) error {
	w.wg.Add(1)
	go w.pollLoop(ctx)

	logger.Info("started key log file watcher",
		"path", w.path,
		"mode", "polling",
		"interval", w.config.PollInterval)
	return nil
}

func (w *Watcher) fsWatchLoop(ctx context.Context) {
	defer w.wg.Done()

	targetPath, _ := filepath.Abs(w.path)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			eventPath, _ := filepath.Abs(event.Name)
			if eventPath != targetPath {
				continue
			}

			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				w.resetOffset()
				logger.Debug("key log file removed, resetting offset", "path", w.path)
				continue
			}
			if event.Has(fsnotify.Create) {
				w.resetOffset()
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if err := w.readNew(); err != nil {
					logger.Warn("failed to read new key log entries", "error", err)
				}
			}
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			logger.Warn("fsnotify error", "error", err)
			w.mu.Lock()
			w.errors++
			w.mu.Unlock()
		}
	}
}

func (w *Watcher) pollLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.C:
			if err := w.readNew(); err != nil && !errors.Is(err, os.ErrNotExist) {
				logger.Warn("failed to read new key log entries",
					"path", w.path,
					"error", err)
			}
		}
	}
}

func (w *Watcher) resetOffset() {
	w.mu.Lock()
	w.offset = 0
	w.mu.Unlock()
}

// readNew parses complete lines appended since the last read. A trailing
// partial line is left for the next call.
func (w *Watcher) readNew() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	file, err := os.Open(w.path)
	if err != nil {
		return fmt.Errorf("failed to open key log: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			logger.Error("failed to close key log file", "error", cerr)
		}
	}()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat key log: %w", err)
	}
	if info.Size() < w.offset {
		w.offset = 0
		logger.Debug("key log file truncated, reading from beginning", "path", w.path)
	}
	if info.Size() == w.offset {
		return nil
	}

	if _, err := file.Seek(w.offset, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek key log: %w", err)
	}

	reader := bufio.NewReaderSize(file, w.config.ReadBufferSize)
	newEntries := 0
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			// Partial line or EOF. Leave the offset before it.
			if !errors.Is(err, io.EOF) {
				return fmt.Errorf("key log read error: %w", err)
			}
			break
		}
		w.offset += int64(len(line))
		w.linesRead++

		entry, perr := w.parser.ParseLine(line)
		if perr != nil {
			logger.Debug("key log parse error", "error", perr)
			w.errors++
			continue
		}
		if entry == nil {
			continue
		}
		w.store.Add(entry)
		w.entriesAdded++
		newEntries++
	}

	if newEntries > 0 {
		logger.Debug("read new key log entries",
			"count", newEntries,
			"offset", w.offset)
	}
	return nil
}

// Stop stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopChan)

	if w.fsWatcher != nil {
		if err := w.fsWatcher.Close(); err != nil {
			logger.Error("failed to close fsnotify watcher", "error", err)
		}
	}

	w.wg.Wait()

	logger.Info("stopped key log watcher",
		"path", w.path,
		"entries_added", w.entriesAdded)
	return nil
}

// WatcherStats contains watcher statistics.
type WatcherStats struct {
	Path         string
	Offset       int64
	LinesRead    uint64
	EntriesAdded uint64
	Errors       uint64
	Running      bool
}

// Stats returns watcher statistics.
func (w *Watcher) Stats() WatcherStats {
	w.mu.Lock()
	defer w.mu.Unlock()

	return WatcherStats{
		Path:         w.path,
		Offset:       w.offset,
		LinesRead:    w.linesRead,
		EntriesAdded: w.entriesAdded,
		Errors:       w.errors,
		Running:      w.running,
	}
}
