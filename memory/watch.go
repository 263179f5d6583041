package memory

import (
	"bytes"
	"fmt"
	"sort"
)

// Watch is a named byte region compared against its previous snapshot on
// every poll. Changes are only ever reported from an observed diff, never
// inferred from writes.
type Watch struct {
	Name string
	Addr uint64
	Size int

	last []byte
}

type Change struct {
	Name string
	Addr uint64
	Old  []byte
	New  []byte
}

type WatchSet struct {
	watches map[string]*Watch
}

func NewWatchSet() *WatchSet {
	return &WatchSet{watches: make(map[string]*Watch)}
}

func (ws *WatchSet) Add(name string, addr uint64, size int) error {
	if _, ok := ws.watches[name]; ok {
		return fmt.Errorf("watch %q already exists", name)
	}
	ws.watches[name] = &Watch{Name: name, Addr: addr, Size: size}
	return nil
}

func (ws *WatchSet) Remove(name string) bool {
	_, ok := ws.watches[name]
	delete(ws.watches, name)
	return ok
}

func (ws *WatchSet) Get(name string) *Watch {
	return ws.watches[name]
}

func (ws *WatchSet) Len() int { return len(ws.watches) }

// WatchValue is the last-read content of one watch.
type WatchValue struct {
	Name string
	Addr uint64
	Data []byte
}

// Snapshot returns the current content of every watch, in name order. Call
// after Poll for fresh values.
func (ws *WatchSet) Snapshot() []WatchValue {
	names := make([]string, 0, len(ws.watches))
	for n := range ws.watches {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]WatchValue, 0, len(names))
	for _, n := range names {
		w := ws.watches[n]
		if w.last == nil {
			continue
		}
		out = append(out, WatchValue{Name: w.Name, Addr: w.Addr, Data: w.last})
	}
	return out
}

// Poll reads every watch through a and returns the regions whose bytes
// changed since the previous poll. The first poll of a watch seeds its
// snapshot and reports nothing.
func (ws *WatchSet) Poll(a *Accessor) ([]Change, error) {
	names := make([]string, 0, len(ws.watches))
	for n := range ws.watches {
		names = append(names, n)
	}
	sort.Strings(names)

	var out []Change
	for _, n := range names {
		w := ws.watches[n]
		cur := make([]byte, w.Size)
		if err := a.Read(w.Addr, cur); err != nil {
			return out, err
		}
		if w.last != nil && !bytes.Equal(w.last, cur) {
			out = append(out, Change{Name: w.Name, Addr: w.Addr, Old: w.last, New: cur})
		}
		w.last = cur
	}
	return out, nil
}
