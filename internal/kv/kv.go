package kv

import (
	"context"
	"errors"
)

type Mode int

const (
	ModeReadOnly Mode = iota
	ModeReadWrite
)

type TableID int

const (
	TablePrimary TableID = iota
	TableOverflow
)

var (
	ErrNotFound = errors.New("kv: key not found")
	ErrReadOnly = errors.New("kv: store is in read-only mode")
	ErrClosed   = errors.New("kv: store is closed")
)

// Key addresses one block of one file.
type Key struct {
	Name  string
	Index uint32
}

type Record struct {
	Key  Key
	Data []byte
}

// Meta is the per-file metadata record, stored alongside the file's
// blocks in the primary table.
type Meta struct {
	Name      string
	FileSize  int64
	BlockSize int
}

// Store is an asynchronous transactional table store. Writes submitted
// through the async methods are applied in submission order: once a later
// operation is observed, every earlier one has been applied. RunTransaction
// waits for all previously submitted async operations before it opens the
// transaction, so a transaction always sees them.
type Store interface {
	// SetMode selects the mode for transactions opened after the call.
	SetMode(m Mode)

	// RunTransaction runs fn atomically. Either every write fn performed
	// is applied, or none is. In read-only mode writes fail with
	// ErrReadOnly.
	RunTransaction(ctx context.Context, fn func(tx Tx) error) error

	// PutAsync stores rec without waiting for completion. The caller
	// hands over rec.Data and must not modify it afterwards.
	PutAsync(table TableID, rec Record)

	// DeleteFileAsync removes every record of name from table without
	// waiting for completion. Failures are logged, not returned.
	DeleteFileAsync(table TableID, name string)

	// Close drains pending async writes and releases the store. It is
	// idempotent; transactions opened afterwards fail with ErrClosed.
	Close() error
}

type Tx interface {
	Primary() Table
	Overflow() Table

	GetMeta(name string) (Meta, error)
	PutMeta(m Meta) error
	DeleteMeta(name string) error
	ListMeta() ([]Meta, error)
}

type Table interface {
	Get(key Key) ([]byte, error)
	Put(key Key, data []byte) error
	Delete(key Key) error

	// DeleteFrom removes every record of name with index >= from.
	DeleteFrom(name string, from uint32) error

	// GetFrom returns records of name with index >= from in ascending
	// index order, at most limit of them. limit <= 0 means no limit.
	GetFrom(name string, from uint32, limit int) ([]Record, error)
}
