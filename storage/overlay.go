package storage

import (
	"sort"
	"strings"
	"sync"
)

// Overlay stages writes on top of a base database. Reads see staged changes;
// nothing reaches the base until Commit, which applies everything in one batch.
type Overlay struct {
	base Database

	mu      sync.RWMutex
	writes  map[string][]byte
	deletes map[string]struct{}
}

// NewOverlay wraps base.
func NewOverlay(base Database) *Overlay {
	return &Overlay{
		base:    base,
		writes:  make(map[string][]byte),
		deletes: make(map[string]struct{}),
	}
}

func (o *Overlay) Put(key []byte, value []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	k := string(key)
	delete(o.deletes, k)
	o.writes[k] = cloneBytes(value)
	return nil
}

func (o *Overlay) Get(key []byte) ([]byte, error) {
	o.mu.RLock()
	k := string(key)
	if _, gone := o.deletes[k]; gone {
		o.mu.RUnlock()
		return nil, ErrNotFound
	}
	if value, ok := o.writes[k]; ok {
		o.mu.RUnlock()
		return cloneBytes(value), nil
	}
	o.mu.RUnlock()
	return o.base.Get(key)
}

func (o *Overlay) Has(key []byte) (bool, error) {
	o.mu.RLock()
	k := string(key)
	if _, gone := o.deletes[k]; gone {
		o.mu.RUnlock()
		return false, nil
	}
	if _, ok := o.writes[k]; ok {
		o.mu.RUnlock()
		return true, nil
	}
	o.mu.RUnlock()
	return o.base.Has(key)
}

func (o *Overlay) Delete(key []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	k := string(key)
	delete(o.writes, k)
	o.deletes[k] = struct{}{}
	return nil
}

func (o *Overlay) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	merged := make(map[string][]byte)
	if err := o.base.Iterate(prefix, func(key, value []byte) error {
		merged[string(key)] = value
		return nil
	}); err != nil {
		return err
	}
	o.mu.RLock()
	for k := range o.deletes {
		delete(merged, k)
	}
	for k, v := range o.writes {
		if strings.HasPrefix(k, string(prefix)) {
			merged[k] = cloneBytes(v)
		}
	}
	o.mu.RUnlock()
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := fn([]byte(k), merged[k]); err != nil {
			return err
		}
	}
	return nil
}

// Write stages every operation of the batch.
func (o *Overlay) Write(batch *Batch) error {
	if batch.Len() == 0 {
		return nil
	}
	for _, op := range batch.ops {
		if op.delete {
			_ = o.Delete(op.key)
			continue
		}
		_ = o.Put(op.key, op.value)
	}
	return nil
}

// Dirty reports whether any change is staged.
func (o *Overlay) Dirty() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.writes) > 0 || len(o.deletes) > 0
}

// Commit flushes staged changes to the base database and clears the overlay.
func (o *Overlay) Commit() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	batch := new(Batch)
	keys := make([]string, 0, len(o.deletes)+len(o.writes))
	for k := range o.deletes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		batch.Delete([]byte(k))
	}
	keys = keys[:0]
	for k := range o.writes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		batch.Put([]byte(k), o.writes[k])
	}
	if err := o.base.Write(batch); err != nil {
		return err
	}
	o.writes = make(map[string][]byte)
	o.deletes = make(map[string]struct{})
	return nil
}

// Discard drops every staged change.
func (o *Overlay) Discard() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.writes = make(map[string][]byte)
	o.deletes = make(map[string]struct{})
}

// Close is a no-op; the base database is owned by the caller.
func (o *Overlay) Close() {}
