package blockfile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/blockkv/blockkv/internal/cache"
	"github.com/blockkv/blockkv/internal/kv"
	"github.com/blockkv/blockkv/internal/lock"
)

const DefaultBlockSize = 4096

// maxBlocks is the largest block count a file can reach. The top 32-bit
// index stays unused so counts and purge bounds fit in a uint32.
const maxBlocks = math.MaxUint32

// Device capability flags, reported by Characteristics. Appends never
// corrupt earlier content, and an open file cannot disappear underneath
// its holder.
const (
	CapSafeAppend          = 0x00000200
	CapUndeletableWhenOpen = 0x00000800
)

type Options struct {
	// BlockSize applies only when the file is created; an existing
	// file keeps its stored block size. Zero means DefaultBlockSize.
	BlockSize int

	// Create makes Open create the file when it does not exist.
	Create bool

	// CacheCapacity bounds the write cache. Zero means the default.
	CacheCapacity int
}

// File is a block-oriented file stored in a transactional table store.
// All mutations land in the write cache first and become durable when
// the exclusive lock is released. A File serves one cooperative owner;
// operations on one handle must not overlap.
type File struct {
	mu     sync.Mutex
	name   string
	handle string
	store  kv.Store
	cache  *cache.BlockCache
	lock   *lock.Handle

	meta      kv.Meta
	savedSize int64
	rollback  bool
	closed    bool
}

func Open(ctx context.Context, store kv.Store, locks *lock.Table, name string, opts Options) (*File, error) {
	if name == "" || strings.IndexByte(name, 0) >= 0 {
		return nil, fmt.Errorf("%w: invalid name %q", ErrCannotOpen, name)
	}
	blockSize := opts.BlockSize
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}

	var m kv.Meta
	err := store.RunTransaction(ctx, func(tx kv.Tx) error {
		var err error
		m, err = tx.GetMeta(name)
		return err
	})
	if errors.Is(err, kv.ErrNotFound) {
		if !opts.Create {
			return nil, fmt.Errorf("%w: %s", ErrCannotOpen, name)
		}
		m = kv.Meta{Name: name, BlockSize: blockSize}
		store.SetMode(kv.ModeReadWrite)
		err = store.RunTransaction(ctx, func(tx kv.Tx) error {
			return tx.PutMeta(m)
		})
		store.SetMode(kv.ModeReadOnly)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", name, err)
		}
		slog.Debug("created block file", "file", name, "blockSize", blockSize)
	} else if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}

	f := &File{
		name:      name,
		handle:    uuid.NewString(),
		store:     store,
		cache:     cache.NewBlockCache(store, name, opts.CacheCapacity),
		meta:      m,
		savedSize: m.FileSize,
	}
	f.lock = lock.NewHandle(locks, name, f.handle)
	f.lock.OnPostAcquire(f.afterAcquire)
	f.lock.OnPreRelease(f.beforeRelease)
	return f, nil
}

func (f *File) Name() string {
	return f.name
}

// ReadAt returns length bytes starting at offset. The range must lie
// within a single block. Reading at or past the end of the file returns
// a zero-filled buffer and ErrShortRead.
func (f *File) ReadAt(ctx context.Context, offset int64, length int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	blockSize := int64(f.meta.BlockSize)
	if offset < 0 || length < 0 || offset%blockSize+int64(length) > blockSize {
		return nil, fmt.Errorf("%w: read of %d bytes at offset %d with block size %d", ErrAlignment, length, offset, blockSize)
	}

	buf := make([]byte, length)
	if offset >= f.meta.FileSize {
		return buf, ErrShortRead
	}

	index := offset / blockSize
	if index >= maxBlocks {
		return nil, fmt.Errorf("%w: read at offset %d with block size %d", ErrOutOfRange, offset, blockSize)
	}
	data, err := f.cache.Get(ctx, uint32(index))
	if err != nil {
		return nil, fmt.Errorf("read block %d of %s: %w", index, f.name, err)
	}

	start := int(offset % blockSize)
	if start < len(data) {
		end := start + length
		if end > len(data) {
			end = len(data)
		}
		copy(buf, data[start:end])
	}
	return buf, nil
}

// WriteAt records data as the new content of the block at offset. Only
// whole-block writes are accepted: offset must be a multiple of the
// block size and data exactly one block long.
func (f *File) WriteAt(ctx context.Context, offset int64, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	blockSize := int64(f.meta.BlockSize)
	if offset < 0 || offset%blockSize != 0 || int64(len(data)) != blockSize {
		return fmt.Errorf("%w: write of %d bytes at offset %d with block size %d", ErrAlignment, len(data), offset, blockSize)
	}
	index := offset / blockSize
	if index >= maxBlocks {
		return fmt.Errorf("%w: write at offset %d with block size %d", ErrOutOfRange, offset, blockSize)
	}

	if end := offset + int64(len(data)); end > f.meta.FileSize {
		f.meta.FileSize = end
	}

	buf, ok := f.cache.Peek(uint32(index))
	if !ok {
		buf = make([]byte, blockSize)
	}
	copy(buf, data)
	f.cache.Put(uint32(index), buf)
	return nil
}

// Truncate sets the file size. Blocks beyond the new size stay cached
// until the next exclusive release drops and purges them.
func (f *File) Truncate(ctx context.Context, size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if size < 0 {
		return fmt.Errorf("truncate %s: negative size %d", f.name, size)
	}
	blockSize := int64(f.meta.BlockSize)
	if size > 0 && (size-1)/blockSize >= maxBlocks {
		return fmt.Errorf("%w: truncate to %d bytes with block size %d", ErrOutOfRange, size, blockSize)
	}
	f.meta.FileSize = size
	return nil
}

// Sync is a no-op: durability is reached at exclusive lock release.
func (f *File) Sync(ctx context.Context) error {
	return nil
}

func (f *File) Size() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.meta.FileSize
}

func (f *File) SectorSize() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.meta.BlockSize
}

func (f *File) Characteristics() int {
	return CapSafeAppend | CapUndeletableWhenOpen
}

func (f *File) Lock(ctx context.Context, level lock.Level) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lock.Acquire(ctx, level)
}

func (f *File) Unlock(ctx context.Context, level lock.Level) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lock.Release(ctx, level)
}

func (f *File) Level() lock.Level {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lock.Level()
}

// RequestRollback marks every write of the current hold to be discarded
// instead of flushed. The discard happens on the next lock release; the
// engine is told through its own change counter, nothing else.
func (f *File) RequestRollback() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rollback = true
}

func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true
	return f.lock.Release(context.Background(), lock.LevelNone)
}
