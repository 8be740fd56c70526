package kv

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

type BadgerStore struct {
	db     *badger.DB
	mu     sync.RWMutex
	mode   Mode
	closed bool
	async  *applier
}

func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	// A release flushes up to a full write cache in one transaction; the
	// memtable bounds the batch size and must leave room for that.
	opts.MemTableSize = 256 << 20

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	return &BadgerStore{
		db:    db,
		mode:  ModeReadOnly,
		async: newApplier(),
	}, nil
}

func (s *BadgerStore) SetMode(m Mode) {
	s.mu.Lock()
	s.mode = m
	s.mu.Unlock()
}

func (s *BadgerStore) RunTransaction(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	if err := s.async.drain(); err != nil {
		return fmt.Errorf("pending background writes: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	mode := s.mode
	s.mu.RUnlock()

	if mode == ModeReadWrite {
		return s.db.Update(func(txn *badger.Txn) error {
			return fn(&badgerTx{txn: txn, writable: true})
		})
	}
	return s.db.View(func(txn *badger.Txn) error {
		return fn(&badgerTx{txn: txn})
	})
}

func (s *BadgerStore) PutAsync(table TableID, rec Record) {
	key := blockKey(tablePrefix(table), rec.Key.Name, rec.Key.Index)
	s.async.submit("put", func() error {
		return s.db.Update(func(txn *badger.Txn) error {
			return txn.Set(key, rec.Data)
		})
	})
}

func (s *BadgerStore) DeleteFileAsync(table TableID, name string) {
	pfx := filePrefix(tablePrefix(table), name)
	s.async.submit("clear", func() error {
		return s.db.Update(func(txn *badger.Txn) error {
			keys, err := keysWithPrefix(txn, pfx)
			if err != nil {
				return err
			}
			for _, k := range keys {
				if err := txn.Delete(k); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

func (s *BadgerStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.async.close()
	if cerr := s.db.Close(); err == nil {
		err = cerr
	}
	return err
}

type badgerTx struct {
	txn      *badger.Txn
	writable bool
}

func (t *badgerTx) Primary() Table {
	return &badgerTable{txn: t.txn, prefix: prefixPrimary, writable: t.writable}
}

func (t *badgerTx) Overflow() Table {
	return &badgerTable{txn: t.txn, prefix: prefixOverflow, writable: t.writable}
}

func (t *badgerTx) GetMeta(name string) (Meta, error) {
	item, err := t.txn.Get(metaKey(name))
	if err == badger.ErrKeyNotFound {
		return Meta{}, ErrNotFound
	}
	if err != nil {
		return Meta{}, err
	}

	var m Meta
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &m)
	})
	if err != nil {
		return Meta{}, fmt.Errorf("decode metadata %q: %w", name, err)
	}
	return m, nil
}

func (t *badgerTx) PutMeta(m Meta) error {
	if !t.writable {
		return ErrReadOnly
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode metadata %q: %w", m.Name, err)
	}
	return t.txn.Set(metaKey(m.Name), data)
}

func (t *badgerTx) DeleteMeta(name string) error {
	if !t.writable {
		return ErrReadOnly
	}
	return t.txn.Delete(metaKey(name))
}

func (t *badgerTx) ListMeta() ([]Meta, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte{prefixMeta}

	it := t.txn.NewIterator(opts)
	defer it.Close()

	var metas []Meta
	for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
		var m Meta
		err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &m)
		})
		if err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
		metas = append(metas, m)
	}
	return metas, nil
}

type badgerTable struct {
	txn      *badger.Txn
	prefix   byte
	writable bool
}

func (t *badgerTable) Get(key Key) ([]byte, error) {
	item, err := t.txn.Get(blockKey(t.prefix, key.Name, key.Index))
	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (t *badgerTable) Put(key Key, data []byte) error {
	if !t.writable {
		return ErrReadOnly
	}
	return t.txn.Set(blockKey(t.prefix, key.Name, key.Index), data)
}

func (t *badgerTable) Delete(key Key) error {
	if !t.writable {
		return ErrReadOnly
	}
	return t.txn.Delete(blockKey(t.prefix, key.Name, key.Index))
}

func (t *badgerTable) DeleteFrom(name string, from uint32) error {
	if !t.writable {
		return ErrReadOnly
	}

	pfx := filePrefix(t.prefix, name)
	var keys [][]byte

	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = pfx

	it := t.txn.NewIterator(opts)
	for it.Seek(blockKey(t.prefix, name, from)); it.ValidForPrefix(pfx); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()

	for _, k := range keys {
		if err := t.txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (t *badgerTable) GetFrom(name string, from uint32, limit int) ([]Record, error) {
	pfx := filePrefix(t.prefix, name)

	opts := badger.DefaultIteratorOptions
	opts.Prefix = pfx

	it := t.txn.NewIterator(opts)
	defer it.Close()

	var recs []Record
	for it.Seek(blockKey(t.prefix, name, from)); it.ValidForPrefix(pfx); it.Next() {
		if limit > 0 && len(recs) >= limit {
			break
		}
		item := it.Item()
		data, err := item.ValueCopy(nil)
		if err != nil {
			return nil, err
		}
		k := item.Key()
		recs = append(recs, Record{
			Key:  Key{Name: name, Index: binary.BigEndian.Uint32(k[len(k)-4:])},
			Data: data,
		})
	}
	return recs, nil
}

func keysWithPrefix(txn *badger.Txn, pfx []byte) ([][]byte, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = pfx

	it := txn.NewIterator(opts)
	defer it.Close()

	var keys [][]byte
	for it.Seek(pfx); it.ValidForPrefix(pfx); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys, nil
}

const (
	prefixMeta     = 'm'
	prefixPrimary  = 'b'
	prefixOverflow = 'o'
)

func tablePrefix(table TableID) byte {
	if table == TableOverflow {
		return prefixOverflow
	}
	return prefixPrimary
}

// blockKey is table prefix + name + NUL + big-endian index, so byte order
// matches (name, index) order. Names must not contain NUL.
func blockKey(prefix byte, name string, index uint32) []byte {
	key := make([]byte, 0, len(name)+6)
	key = append(key, prefix)
	key = append(key, name...)
	key = append(key, 0)
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], index)
	return append(key, idx[:]...)
}

func filePrefix(prefix byte, name string) []byte {
	key := make([]byte, 0, len(name)+2)
	key = append(key, prefix)
	key = append(key, name...)
	return append(key, 0)
}

func metaKey(name string) []byte {
	return append([]byte{prefixMeta}, name...)
}
