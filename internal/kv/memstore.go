package kv

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type MemStore struct {
	mu     sync.Mutex
	mode   Mode
	closed bool
	tables map[TableID]map[Key][]byte
	meta   map[string]Meta
	async  *applier
}

func NewMemStore() *MemStore {
	return &MemStore{
		mode: ModeReadOnly,
		tables: map[TableID]map[Key][]byte{
			TablePrimary:  make(map[Key][]byte),
			TableOverflow: make(map[Key][]byte),
		},
		meta:  make(map[string]Meta),
		async: newApplier(),
	}
}

func (s *MemStore) SetMode(m Mode) {
	s.mu.Lock()
	s.mode = m
	s.mu.Unlock()
}

func (s *MemStore) RunTransaction(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if err := s.async.drain(); err != nil {
		return fmt.Errorf("pending background writes: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		store:    s,
		writable: s.mode == ModeReadWrite,
		blocks: map[TableID]map[Key]memChange{
			TablePrimary:  make(map[Key]memChange),
			TableOverflow: make(map[Key]memChange),
		},
		meta: make(map[string]memMetaChange),
	}

	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *MemStore) PutAsync(table TableID, rec Record) {
	s.async.submit("put", func() error {
		s.mu.Lock()
		s.tables[table][rec.Key] = rec.Data
		s.mu.Unlock()
		return nil
	})
}

func (s *MemStore) DeleteFileAsync(table TableID, name string) {
	s.async.submit("clear", func() error {
		s.mu.Lock()
		for k := range s.tables[table] {
			if k.Name == name {
				delete(s.tables[table], k)
			}
		}
		s.mu.Unlock()
		return nil
	})
}

func (s *MemStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.async.close()
}

type memChange struct {
	data []byte
	del  bool
}

type memMetaChange struct {
	meta Meta
	del  bool
}

// memTx stages writes and applies them to the base maps only on commit,
// so a failed transaction leaves the store untouched.
type memTx struct {
	store    *MemStore
	writable bool
	blocks   map[TableID]map[Key]memChange
	meta     map[string]memMetaChange
}

func (t *memTx) commit() {
	for table, changes := range t.blocks {
		base := t.store.tables[table]
		for k, ch := range changes {
			if ch.del {
				delete(base, k)
			} else {
				base[k] = ch.data
			}
		}
	}
	for name, ch := range t.meta {
		if ch.del {
			delete(t.store.meta, name)
		} else {
			t.store.meta[name] = ch.meta
		}
	}
}

func (t *memTx) Primary() Table {
	return &memTable{tx: t, table: TablePrimary}
}

func (t *memTx) Overflow() Table {
	return &memTable{tx: t, table: TableOverflow}
}

func (t *memTx) GetMeta(name string) (Meta, error) {
	if ch, ok := t.meta[name]; ok {
		if ch.del {
			return Meta{}, ErrNotFound
		}
		return ch.meta, nil
	}
	m, ok := t.store.meta[name]
	if !ok {
		return Meta{}, ErrNotFound
	}
	return m, nil
}

func (t *memTx) PutMeta(m Meta) error {
	if !t.writable {
		return ErrReadOnly
	}
	t.meta[m.Name] = memMetaChange{meta: m}
	return nil
}

func (t *memTx) DeleteMeta(name string) error {
	if !t.writable {
		return ErrReadOnly
	}
	t.meta[name] = memMetaChange{del: true}
	return nil
}

func (t *memTx) ListMeta() ([]Meta, error) {
	merged := make(map[string]Meta)
	for name, m := range t.store.meta {
		merged[name] = m
	}
	for name, ch := range t.meta {
		if ch.del {
			delete(merged, name)
		} else {
			merged[name] = ch.meta
		}
	}

	metas := make([]Meta, 0, len(merged))
	for _, m := range merged {
		metas = append(metas, m)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].Name < metas[j].Name })
	return metas, nil
}

type memTable struct {
	tx    *memTx
	table TableID
}

func (t *memTable) Get(key Key) ([]byte, error) {
	if ch, ok := t.tx.blocks[t.table][key]; ok {
		if ch.del {
			return nil, ErrNotFound
		}
		return copyBytes(ch.data), nil
	}
	data, ok := t.tx.store.tables[t.table][key]
	if !ok {
		return nil, ErrNotFound
	}
	return copyBytes(data), nil
}

func (t *memTable) Put(key Key, data []byte) error {
	if !t.tx.writable {
		return ErrReadOnly
	}
	t.tx.blocks[t.table][key] = memChange{data: copyBytes(data)}
	return nil
}

func (t *memTable) Delete(key Key) error {
	if !t.tx.writable {
		return ErrReadOnly
	}
	t.tx.blocks[t.table][key] = memChange{del: true}
	return nil
}

func (t *memTable) DeleteFrom(name string, from uint32) error {
	if !t.tx.writable {
		return ErrReadOnly
	}

	var targets []Key
	for k := range t.tx.store.tables[t.table] {
		if k.Name == name && k.Index >= from {
			targets = append(targets, k)
		}
	}
	for k, ch := range t.tx.blocks[t.table] {
		if k.Name == name && k.Index >= from && !ch.del {
			targets = append(targets, k)
		}
	}
	for _, k := range targets {
		t.tx.blocks[t.table][k] = memChange{del: true}
	}
	return nil
}

func (t *memTable) GetFrom(name string, from uint32, limit int) ([]Record, error) {
	merged := make(map[uint32][]byte)
	for k, data := range t.tx.store.tables[t.table] {
		if k.Name == name && k.Index >= from {
			merged[k.Index] = data
		}
	}
	for k, ch := range t.tx.blocks[t.table] {
		if k.Name != name || k.Index < from {
			continue
		}
		if ch.del {
			delete(merged, k.Index)
		} else {
			merged[k.Index] = ch.data
		}
	}

	idxs := make([]uint32, 0, len(merged))
	for idx := range merged {
		idxs = append(idxs, idx)
	}
	sort.Slice(idxs, func(i, j int) bool { return idxs[i] < idxs[j] })

	var recs []Record
	for _, idx := range idxs {
		if limit > 0 && len(recs) >= limit {
			break
		}
		recs = append(recs, Record{
			Key:  Key{Name: name, Index: idx},
			Data: copyBytes(merged[idx]),
		})
	}
	return recs, nil
}

func copyBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
