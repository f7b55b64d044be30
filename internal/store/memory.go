package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// Memory is the in-memory backend. State is wiped on restart. Each
// collection is guarded by its own RWMutex; batch writes lock collections in
// sorted order so concurrent Apply calls cannot deadlock.
type Memory struct {
	mu          sync.Mutex // guards the collections map itself
	collections map[string]*memCollection
}

type memCollection struct {
	mu   sync.RWMutex
	docs map[string]json.RawMessage
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{collections: make(map[string]*memCollection)}
}

func (m *Memory) collection(name string) *memCollection {
	m.mu.Lock()
	defer m.mu.Unlock()
	col, ok := m.collections[name]
	if !ok {
		col = &memCollection{docs: make(map[string]json.RawMessage)}
		m.collections[name] = col
	}
	return col
}

// Get returns the document with the given id, or ErrNotFound.
func (m *Memory) Get(_ context.Context, collection, id string) (json.RawMessage, error) {
	col := m.collection(collection)
	col.mu.RLock()
	defer col.mu.RUnlock()
	d, ok := col.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRaw(d), nil
}

// Put creates or replaces a document.
func (m *Memory) Put(_ context.Context, collection, id string, doc json.RawMessage) error {
	col := m.collection(collection)
	col.mu.Lock()
	defer col.mu.Unlock()
	col.docs[id] = cloneRaw(doc)
	return nil
}

// Insert creates a document, failing with ErrConflict if the id exists.
func (m *Memory) Insert(_ context.Context, collection, id string, doc json.RawMessage) error {
	col := m.collection(collection)
	col.mu.Lock()
	defer col.mu.Unlock()
	if _, ok := col.docs[id]; ok {
		return ErrConflict
	}
	col.docs[id] = cloneRaw(doc)
	return nil
}

// Delete removes a document. Deleting a missing document is a no-op.
func (m *Memory) Delete(_ context.Context, collection, id string) error {
	col := m.collection(collection)
	col.mu.Lock()
	defer col.mu.Unlock()
	delete(col.docs, id)
	return nil
}

// List returns matching documents in the requested order.
func (m *Memory) List(_ context.Context, collection string, opts ListOptions) ([]json.RawMessage, string, error) {
	conds, err := parseFilter(opts.Filter)
	if err != nil {
		return nil, "", err
	}

	col := m.collection(collection)
	col.mu.RLock()
	scanned := 0
	matched := make([]doc, 0)
	for id, raw := range col.docs {
		if scanned >= MaxListLimit {
			break
		}
		scanned++
		d, err := decodeDoc(id, raw)
		if err != nil {
			col.mu.RUnlock()
			return nil, "", err
		}
		if match(d, conds) {
			matched = append(matched, d)
		}
	}
	col.mu.RUnlock()

	docs, next := paginate(matched, opts)
	return docs, next, nil
}

// Claim atomically applies mutate to the first matching document. The
// collection lock is held across the match and the write, so concurrent
// claims of the same document serialize.
func (m *Memory) Claim(_ context.Context, collection string, opts ListOptions, mutate Mutate) (json.RawMessage, error) {
	conds, err := parseFilter(opts.Filter)
	if err != nil {
		return nil, err
	}

	col := m.collection(collection)
	col.mu.Lock()
	defer col.mu.Unlock()

	// Unlike List, the scan has no cap: the winner must be the first match
	// across the whole collection, not of an arbitrary map-order page.
	matched := make([]doc, 0)
	for id, raw := range col.docs {
		d, err := decodeDoc(id, raw)
		if err != nil {
			return nil, err
		}
		if match(d, conds) {
			matched = append(matched, d)
		}
	}
	if len(matched) == 0 {
		return nil, ErrNoMatch
	}
	sortDocs(matched, opts)

	winner := matched[0]
	mutated, err := mutate(cloneRaw(winner.raw))
	if err != nil {
		return nil, err
	}
	col.docs[winner.id] = cloneRaw(mutated)
	return mutated, nil
}

// Apply performs a batch of writes atomically with respect to Claim and the
// single-document operations. Insert writes are checked before anything is
// mutated, so a conflict leaves the batch unapplied.
func (m *Memory) Apply(_ context.Context, writes []Write) error {
	names := make([]string, 0, len(writes))
	seen := make(map[string]bool, len(writes))
	for _, w := range writes {
		if !seen[w.Collection] {
			seen[w.Collection] = true
			names = append(names, w.Collection)
		}
	}
	sort.Strings(names)

	cols := make(map[string]*memCollection, len(names))
	for _, name := range names {
		col := m.collection(name)
		col.mu.Lock()
		cols[name] = col
	}
	defer func() {
		for _, name := range names {
			cols[name].mu.Unlock()
		}
	}()

	for _, w := range writes {
		if !w.Insert || w.Doc == nil {
			continue
		}
		if _, ok := cols[w.Collection].docs[w.ID]; ok {
			return ErrConflict
		}
	}
	for _, w := range writes {
		if w.Doc == nil {
			delete(cols[w.Collection].docs, w.ID)
			continue
		}
		cols[w.Collection].docs[w.ID] = cloneRaw(w.Doc)
	}
	return nil
}

// Ping always succeeds; the memory backend cannot be unreachable.
func (m *Memory) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *Memory) Close() error { return nil }

func cloneRaw(d json.RawMessage) json.RawMessage {
	out := make(json.RawMessage, len(d))
	copy(out, d)
	return out
}
