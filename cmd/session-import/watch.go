package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/theimaginaryfoundation/context-o-bot/importer"
)

// debouncer runs fire for a key once the key has been quiet for delay.
type debouncer struct {
	delay  time.Duration
	fire   func(key string)
	mu     sync.Mutex
	timers map[string]*time.Timer
}

func newDebouncer(delay time.Duration, fire func(key string)) *debouncer {
	return &debouncer{delay: delay, fire: fire, timers: map[string]*time.Timer{}}
}

func (d *debouncer) Trigger(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.timers[key]; ok && t.Stop() {
		t.Reset(d.delay)
		return
	}
	var t *time.Timer
	t = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		if d.timers[key] == t {
			delete(d.timers, key)
		}
		d.mu.Unlock()
		d.fire(key)
	})
	d.timers[key] = t
}

func (d *debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, t := range d.timers {
		t.Stop()
		delete(d.timers, key)
	}
}

// watch re-imports session logs under root as they are written. Project directories
// created while watching are picked up.
func watch(ctx context.Context, root string, match func(string) bool, delay time.Duration, imp *importer.Importer, logger logrus.FieldLogger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(root); err != nil {
		return err
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			if err := w.Add(filepath.Join(root, e.Name())); err != nil {
				logger.WithField("path", e.Name()).WithError(err).Warn("cannot watch project directory")
			}
		}
	}

	var (
		pending sync.WaitGroup
		mu      sync.Mutex
		closed  bool
	)
	deb := newDebouncer(delay, func(path string) {
		mu.Lock()
		if closed {
			mu.Unlock()
			return
		}
		pending.Add(1)
		mu.Unlock()
		defer pending.Done()
		res, err := imp.ImportFile(ctx, path)
		if err != nil {
			logger.WithField("path", path).WithError(err).Error("import failed")
			return
		}
		logImport(logger, res)
	})
	defer func() {
		mu.Lock()
		closed = true
		mu.Unlock()
		deb.Stop()
		pending.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if event.Has(fsnotify.Create) && filepath.Dir(event.Name) == filepath.Clean(root) {
				if st, err := os.Stat(event.Name); err == nil && st.IsDir() {
					if err := w.Add(event.Name); err != nil {
						logger.WithField("path", event.Name).WithError(err).Warn("cannot watch new project directory")
					}
					continue
				}
			}
			if match(filepath.Base(event.Name)) {
				deb.Trigger(event.Name)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				logger.WithError(err).Warn("watch events dropped; run a full import to catch up")
				continue
			}
			logger.WithError(err).Warn("watch error")
		}
	}
}
