package blockfile

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/blockkv/blockkv/internal/kv"
	"github.com/blockkv/blockkv/internal/lock"
)

// changeCounterOffset is where the consuming engine keeps its 4-byte
// big-endian change counter inside block 0. The counter is bumped on
// rollback so the engine drops its own caches; it is never interpreted.
const changeCounterOffset = 24

// afterAcquire and beforeRelease are the protocol's transition actions,
// registered on the lock handle at Open. Both run with f.mu held.

func (f *File) afterAcquire(ctx context.Context, from, to lock.Level) error {
	if from == lock.LevelNone && to >= lock.LevelShared {
		if err := f.enterShared(ctx); err != nil {
			return err
		}
	}
	if to == lock.LevelExclusive {
		f.store.SetMode(kv.ModeReadWrite)
	}
	return nil
}

func (f *File) beforeRelease(ctx context.Context, from, to lock.Level) error {
	if f.rollback {
		if err := f.discardPending(ctx); err != nil {
			return err
		}
		if from == lock.LevelExclusive {
			f.cache.Clear()
		}
		return nil
	}

	if from == lock.LevelExclusive {
		if err := f.flush(ctx); err != nil {
			// The cache and spill set survive an aborted flush; a
			// later release or a fresh shared acquisition decides
			// their fate.
			return err
		}
		if f.cache.Overflowed() {
			f.store.DeleteFileAsync(kv.TableOverflow, f.name)
		}
		f.cache.Clear()
	}
	return nil
}

// enterShared brings the handle up to date with externally committed
// state: read-only mode, metadata reloaded from the store, write cache
// dropped. The size seen here is what a rollback later restores.
func (f *File) enterShared(ctx context.Context) error {
	f.store.SetMode(kv.ModeReadOnly)

	var m kv.Meta
	err := f.store.RunTransaction(ctx, func(tx kv.Tx) error {
		var err error
		m, err = tx.GetMeta(f.name)
		return err
	})
	if err != nil {
		return fmt.Errorf("reload metadata of %s: %w", f.name, err)
	}

	f.meta = m
	f.savedSize = m.FileSize
	f.cache.Clear()
	return nil
}

// flush commits the hold's pending writes in one transaction: metadata,
// every cached block within the file size, spilled blocks still within
// size pulled back from the overflow table, and a purge of primary
// blocks past the (possibly truncated) end.
func (f *File) flush(ctx context.Context) error {
	blockSize := int64(f.meta.BlockSize)
	bound := blockBound(f.meta.FileSize, blockSize)

	err := f.store.RunTransaction(ctx, func(tx kv.Tx) error {
		if err := tx.PutMeta(f.meta); err != nil {
			return err
		}

		for _, b := range f.cache.Blocks() {
			if int64(b.Index)*blockSize >= f.meta.FileSize {
				continue
			}
			key := kv.Key{Name: f.name, Index: b.Index}
			if err := tx.Primary().Put(key, b.Data); err != nil {
				return err
			}
		}

		if f.cache.Overflowed() {
			if err := f.mergeSpilled(tx, blockSize); err != nil {
				return err
			}
		}

		return tx.Primary().DeleteFrom(f.name, bound)
	})
	if err != nil {
		return fmt.Errorf("flush %s: %w", f.name, err)
	}
	return nil
}

// mergeSpilled pages through the overflow table in ascending index order
// and copies into the primary table each block that is still spilled and
// still within the file size. Pages are bounded by the cache capacity.
// Every spilled index inside the file size must be found; a missing row
// means its background write was lost, and the flush fails instead of
// committing without the block.
func (f *File) mergeSpilled(tx kv.Tx, blockSize int64) error {
	spill := f.cache.Spill()
	pageSize := f.cache.Capacity()

	merged := make(map[uint32]struct{}, spill.Size())
	from := uint32(0)
	for {
		page, err := tx.Overflow().GetFrom(f.name, from, pageSize)
		if err != nil {
			return err
		}
		for _, rec := range page {
			if !spill.Contains(rec.Key.Index) {
				continue
			}
			if int64(rec.Key.Index)*blockSize >= f.meta.FileSize {
				continue
			}
			if err := tx.Primary().Put(rec.Key, rec.Data); err != nil {
				return err
			}
			merged[rec.Key.Index] = struct{}{}
		}
		if len(page) < pageSize {
			break
		}
		last := page[len(page)-1].Key.Index
		if last == math.MaxUint32 {
			break
		}
		from = last + 1
	}

	for _, index := range spill.ToSlice() {
		if int64(index)*blockSize >= f.meta.FileSize {
			continue
		}
		if _, ok := merged[index]; !ok {
			return fmt.Errorf("spilled block %d missing from the overflow table", index)
		}
	}
	return nil
}

// blockBound returns the number of blocks covered by size, capped at
// the largest count a 32-bit index can address.
func blockBound(size, blockSize int64) uint32 {
	if size <= 0 {
		return 0
	}
	blocks := (size-1)/blockSize + 1
	if blocks >= maxBlocks {
		return maxBlocks
	}
	return uint32(blocks)
}

// discardPending is the out-of-band rollback: the only durable effect is
// a plus-one on the change counter in block 0. Pending writes never
// reach the store; the file size returns to the last shared acquisition.
func (f *File) discardPending(ctx context.Context) error {
	f.store.SetMode(kv.ModeReadWrite)

	err := f.store.RunTransaction(ctx, func(tx kv.Tx) error {
		key := kv.Key{Name: f.name, Index: 0}
		data, err := tx.Primary().Get(key)
		if errors.Is(err, kv.ErrNotFound) {
			// Nothing durable yet, so nothing for the engine to
			// invalidate.
			return nil
		}
		if err != nil {
			return err
		}
		if len(data) < changeCounterOffset+4 {
			return fmt.Errorf("block 0 of %s holds %d bytes, too short for the change counter", f.name, len(data))
		}
		counter := binary.BigEndian.Uint32(data[changeCounterOffset:])
		binary.BigEndian.PutUint32(data[changeCounterOffset:], counter+1)
		return tx.Primary().Put(key, data)
	})
	if err != nil {
		return fmt.Errorf("rollback %s: %w", f.name, err)
	}

	f.meta.FileSize = f.savedSize
	f.rollback = false
	slog.Info("discarded pending writes", "file", f.name, "handle", f.handle, "size", f.savedSize)
	return nil
}
