// Package blockfs exposes block-oriented files stored in a transactional
// key-value store. A database engine drives a File through aligned block
// reads and writes framed by lock transitions; writes become durable
// when the exclusive lock is released.
package blockfs

import (
	"context"

	"github.com/blockkv/blockkv/internal/blockfile"
	"github.com/blockkv/blockkv/internal/kv"
)

type LockLevel int

const (
	LockNone LockLevel = iota
	LockShared
	LockReserved
	LockExclusive
)

const (
	CapSafeAppend          = blockfile.CapSafeAppend
	CapUndeletableWhenOpen = blockfile.CapUndeletableWhenOpen
)

const DefaultBlockSize = blockfile.DefaultBlockSize

var (
	ErrAlignment  = blockfile.ErrAlignment
	ErrCannotOpen = blockfile.ErrCannotOpen
	ErrShortRead  = blockfile.ErrShortRead
	ErrOutOfRange = blockfile.ErrOutOfRange
	ErrNotFound   = kv.ErrNotFound
)

// File is the surface the engine consumes. A File serves one cooperative
// owner; operations on one handle must not overlap.
type File interface {
	ReadAt(ctx context.Context, offset int64, length int) ([]byte, error)
	WriteAt(ctx context.Context, offset int64, data []byte) error
	Truncate(ctx context.Context, size int64) error
	Sync(ctx context.Context) error
	Size() int64
	SectorSize() int
	Characteristics() int
	Lock(ctx context.Context, level LockLevel) error
	Unlock(ctx context.Context, level LockLevel) error
	Level() LockLevel
	RequestRollback()
	Name() string
	Close() error
}

type FileInfo struct {
	Name      string
	Size      int64
	BlockSize int
}

type OpenOptions struct {
	// BlockSize applies only when the file is created. Zero means
	// DefaultBlockSize.
	BlockSize int
	Create    bool
	// CacheCapacity bounds the in-memory write cache. Zero means the
	// default.
	CacheCapacity int
}
