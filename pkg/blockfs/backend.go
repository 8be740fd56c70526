package blockfs

import (
	"context"
	"errors"
	"fmt"

	"github.com/blockkv/blockkv/internal/blockfile"
	"github.com/blockkv/blockkv/internal/kv"
	"github.com/blockkv/blockkv/internal/lock"
)

// Backend is one store holding any number of block files, plus the
// in-process lock table coordinating their handles.
type Backend struct {
	store kv.Store
	locks *lock.Table
}

// Open opens a badger-backed backend rooted at path.
func Open(path string) (*Backend, error) {
	store, err := kv.NewBadgerStore(path)
	if err != nil {
		return nil, err
	}
	return &Backend{store: store, locks: lock.NewTable()}, nil
}

// OpenMemory opens a backend that lives entirely in memory.
func OpenMemory() *Backend {
	return &Backend{store: kv.NewMemStore(), locks: lock.NewTable()}
}

func (b *Backend) Close() error {
	return b.store.Close()
}

func (b *Backend) OpenFile(ctx context.Context, name string, opts OpenOptions) (File, error) {
	f, err := blockfile.Open(ctx, b.store, b.locks, name, blockfile.Options{
		BlockSize:     opts.BlockSize,
		Create:        opts.Create,
		CacheCapacity: opts.CacheCapacity,
	})
	if err != nil {
		return nil, err
	}
	return &file{f}, nil
}

// Exists reports whether name has a metadata record.
func (b *Backend) Exists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := b.store.RunTransaction(ctx, func(tx kv.Tx) error {
		_, err := tx.GetMeta(name)
		if errors.Is(err, kv.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		exists = true
		return nil
	})
	return exists, err
}

// List returns every file in the backend, ordered by name.
func (b *Backend) List(ctx context.Context) ([]FileInfo, error) {
	var infos []FileInfo
	err := b.store.RunTransaction(ctx, func(tx kv.Tx) error {
		metas, err := tx.ListMeta()
		if err != nil {
			return err
		}
		infos = make([]FileInfo, 0, len(metas))
		for _, m := range metas {
			infos = append(infos, FileInfo{Name: m.Name, Size: m.FileSize, BlockSize: m.BlockSize})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return infos, nil
}

// Delete removes name's metadata and every block in both tables. The
// caller is responsible for not deleting a file that is open.
func (b *Backend) Delete(ctx context.Context, name string) error {
	b.store.SetMode(kv.ModeReadWrite)
	defer b.store.SetMode(kv.ModeReadOnly)

	err := b.store.RunTransaction(ctx, func(tx kv.Tx) error {
		if _, err := tx.GetMeta(name); err != nil {
			return err
		}
		if err := tx.DeleteMeta(name); err != nil {
			return err
		}
		if err := tx.Primary().DeleteFrom(name, 0); err != nil {
			return err
		}
		return tx.Overflow().DeleteFrom(name, 0)
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	return nil
}

// file adapts the internal handle to the public lock level type.
type file struct {
	*blockfile.File
}

func (f *file) Lock(ctx context.Context, level LockLevel) error {
	return f.File.Lock(ctx, lock.Level(level))
}

func (f *file) Unlock(ctx context.Context, level LockLevel) error {
	return f.File.Unlock(ctx, lock.Level(level))
}

func (f *file) Level() LockLevel {
	return LockLevel(f.File.Level())
}
