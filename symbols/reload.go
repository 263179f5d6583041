package symbols

import (
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Reloader reloads the firmware ELF when the build system overwrites it.
// The containing directory is watched rather than the file itself, since
// most linkers replace the file by rename.
type Reloader struct {
	store  *Store
	path   string
	log    *slog.Logger
	onLoad func(*Snapshot)

	w    *fsnotify.Watcher
	done chan struct{}
}

const reloadSettle = 200 * time.Millisecond

func NewReloader(store *Store, path string, log *slog.Logger, onLoad func(*Snapshot)) (*Reloader, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, err
	}

	r := &Reloader{
		store:  store,
		path:   abs,
		log:    log,
		onLoad: onLoad,
		w:      w,
		done:   make(chan struct{}),
	}
	go r.run()
	return r, nil
}

func (r *Reloader) Close() error {
	close(r.done)
	return r.w.Close()
}

func (r *Reloader) run() {
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case ev, ok := <-r.w.Events:
			if !ok {
				return
			}
			if ev.Name != r.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			// Linkers write in bursts; settle before reparsing.
			if timer == nil {
				timer = time.NewTimer(reloadSettle)
			} else {
				timer.Reset(reloadSettle)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			snap, err := r.store.Load(r.path)
			if err != nil {
				r.log.Warn("symbol reload failed", "path", r.path, "err", err)
				continue
			}
			if r.onLoad != nil {
				r.onLoad(snap)
			}
		case err, ok := <-r.w.Errors:
			if !ok {
				return
			}
			r.log.Warn("symbol watcher error", "err", err)
		case <-r.done:
			return
		}
	}
}
