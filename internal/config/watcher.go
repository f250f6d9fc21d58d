package config

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rcourtman/tiergate/pkg/licensing"
	"github.com/rs/zerolog"
)

const quotaReloadDebounce = 100 * time.Millisecond

// QuotaWatcher monitors the quota override file and hands every successfully
// parsed table to onReload. A file that fails to parse keeps the previous
// table in place.
type QuotaWatcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onReload func(licensing.QuotaTable)
	logger   zerolog.Logger

	started  atomic.Bool
	stopOnce sync.Once
	stopChan chan struct{}
	done     chan struct{}
}

// NewQuotaWatcher creates a watcher for path. Start must be called to begin.
func NewQuotaWatcher(path string, logger zerolog.Logger, onReload func(licensing.QuotaTable)) (*QuotaWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		_ = watcher.Close()
		return nil, err
	}
	return &QuotaWatcher{
		path:     abs,
		watcher:  watcher,
		onReload: onReload,
		logger:   logger,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching the directory containing the quota file. Editors
// replace files by rename, so the directory is watched rather than the file.
func (qw *QuotaWatcher) Start() error {
	dir := filepath.Dir(qw.path)
	if err := qw.watcher.Add(dir); err != nil {
		return err
	}
	qw.started.Store(true)
	go qw.watchForChanges()
	qw.logger.Info().Str("quota_file", qw.path).Msg("Started watching quota file for changes")
	return nil
}

// Stop stops the watcher and waits for the event loop to exit.
func (qw *QuotaWatcher) Stop() {
	qw.stopOnce.Do(func() {
		close(qw.stopChan)
		_ = qw.watcher.Close()
	})
	if qw.started.Load() {
		<-qw.done
	}
}

// Reload re-reads the quota file immediately (e.g., from SIGHUP).
func (qw *QuotaWatcher) Reload() {
	table, err := LoadQuotaTable(qw.path)
	if err != nil {
		qw.logger.Error().Err(err).Str("quota_file", qw.path).Msg("Failed to reload quota file; keeping previous table")
		return
	}
	qw.logger.Info().Str("quota_file", qw.path).Msg("Quota table reloaded")
	if qw.onReload != nil {
		qw.onReload(table)
	}
}

func (qw *QuotaWatcher) watchForChanges() {
	defer close(qw.done)

	var debounce <-chan time.Time
	for {
		select {
		case event, ok := <-qw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != qw.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce = time.After(quotaReloadDebounce)
			}

		case <-debounce:
			debounce = nil
			qw.Reload()

		case err, ok := <-qw.watcher.Errors:
			if !ok {
				return
			}
			qw.logger.Error().Err(err).Msg("Quota watcher error")

		case <-qw.stopChan:
			return
		}
	}
}
