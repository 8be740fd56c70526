package blockfile

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/blockkv/blockkv/internal/kv"
	"github.com/blockkv/blockkv/internal/lock"
)

const testBlockSize = 32

func newTestFile(t *testing.T) (*File, *kv.MemStore) {
	t.Helper()
	store := kv.NewMemStore()
	t.Cleanup(func() { store.Close() })

	f, err := Open(context.Background(), store, lock.NewTable(), "test.db", Options{
		Create:    true,
		BlockSize: testBlockSize,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return f, store
}

func fillBlock(b byte) []byte {
	data := make([]byte, testBlockSize)
	for i := range data {
		data[i] = b
	}
	return data
}

func lockExclusive(t *testing.T, f *File) {
	t.Helper()
	ctx := context.Background()
	if err := f.Lock(ctx, lock.LevelShared); err != nil {
		t.Fatalf("Lock(shared): %v", err)
	}
	if err := f.Lock(ctx, lock.LevelExclusive); err != nil {
		t.Fatalf("Lock(exclusive): %v", err)
	}
}

func unlockAll(t *testing.T, f *File) {
	t.Helper()
	if err := f.Unlock(context.Background(), lock.LevelNone); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
}

func primaryBlock(t *testing.T, store kv.Store, name string, index uint32) ([]byte, error) {
	t.Helper()
	var data []byte
	err := store.RunTransaction(context.Background(), func(tx kv.Tx) error {
		var err error
		data, err = tx.Primary().Get(kv.Key{Name: name, Index: index})
		return err
	})
	return data, err
}

func TestOpen_MissingWithoutCreate(t *testing.T) {
	store := kv.NewMemStore()
	defer store.Close()

	_, err := Open(context.Background(), store, lock.NewTable(), "absent.db", Options{})
	if !errors.Is(err, ErrCannotOpen) {
		t.Errorf("Open(absent) = %v; want ErrCannotOpen", err)
	}
}

func TestOpen_InvalidName(t *testing.T) {
	store := kv.NewMemStore()
	defer store.Close()

	for _, name := range []string{"", "bad\x00name"} {
		_, err := Open(context.Background(), store, lock.NewTable(), name, Options{Create: true})
		if !errors.Is(err, ErrCannotOpen) {
			t.Errorf("Open(%q) = %v; want ErrCannotOpen", name, err)
		}
	}
}

func TestOpen_StoredBlockSizeWins(t *testing.T) {
	f, store := newTestFile(t)
	if got := f.SectorSize(); got != testBlockSize {
		t.Fatalf("SectorSize = %d; want %d", got, testBlockSize)
	}

	// Metadata was persisted at creation, so a second open needs no
	// Create and keeps the stored geometry.
	f2, err := Open(context.Background(), store, lock.NewTable(), "test.db", Options{BlockSize: 64})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := f2.SectorSize(); got != testBlockSize {
		t.Errorf("SectorSize after reopen = %d; want %d", got, testBlockSize)
	}
}

func TestFile_WriteThenReadBeforeUnlock(t *testing.T) {
	f, _ := newTestFile(t)
	ctx := context.Background()
	lockExclusive(t, f)

	want := fillBlock(0xAA)
	if err := f.WriteAt(ctx, 0, want); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if got := f.Size(); got != testBlockSize {
		t.Errorf("Size = %d; want %d", got, testBlockSize)
	}

	got, err := f.ReadAt(ctx, 0, testBlockSize)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("ReadAt = % x; want % x", got, want)
	}

	// Sub-block range of the same block.
	got, err = f.ReadAt(ctx, 8, 16)
	if err != nil {
		t.Fatalf("ReadAt(8, 16): %v", err)
	}
	if !bytes.Equal(got, want[8:24]) {
		t.Errorf("ReadAt(8, 16) = % x; want % x", got, want[8:24])
	}
}

func TestFile_ReadPastEndZeroFilled(t *testing.T) {
	f, _ := newTestFile(t)
	ctx := context.Background()
	lockExclusive(t, f)

	got, err := f.ReadAt(ctx, 0, testBlockSize)
	if !errors.Is(err, ErrShortRead) {
		t.Fatalf("ReadAt(empty file) error = %v; want ErrShortRead", err)
	}
	if !bytes.Equal(got, make([]byte, testBlockSize)) {
		t.Errorf("ReadAt(empty file) = % x; want zeros", got)
	}

	if err := f.WriteAt(ctx, 0, fillBlock(1)); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	got, err = f.ReadAt(ctx, testBlockSize, testBlockSize)
	if !errors.Is(err, ErrShortRead) {
		t.Fatalf("ReadAt(past end) error = %v; want ErrShortRead", err)
	}
	if !bytes.Equal(got, make([]byte, testBlockSize)) {
		t.Errorf("ReadAt(past end) = % x; want zeros", got)
	}
}

func TestFile_AlignmentErrors(t *testing.T) {
	f, _ := newTestFile(t)
	ctx := context.Background()
	lockExclusive(t, f)

	if _, err := f.ReadAt(ctx, 16, testBlockSize); !errors.Is(err, ErrAlignment) {
		t.Errorf("ReadAt crossing a block boundary = %v; want ErrAlignment", err)
	}
	if _, err := f.ReadAt(ctx, -1, 4); !errors.Is(err, ErrAlignment) {
		t.Errorf("ReadAt(negative offset) = %v; want ErrAlignment", err)
	}
	if err := f.WriteAt(ctx, 16, fillBlock(1)); !errors.Is(err, ErrAlignment) {
		t.Errorf("WriteAt(unaligned offset) = %v; want ErrAlignment", err)
	}
	if err := f.WriteAt(ctx, 0, make([]byte, 16)); !errors.Is(err, ErrAlignment) {
		t.Errorf("WriteAt(partial block) = %v; want ErrAlignment", err)
	}
}

func TestFile_TruncateRejectsNegativeSize(t *testing.T) {
	f, _ := newTestFile(t)
	if err := f.Truncate(context.Background(), -1); err == nil {
		t.Error("Truncate(-1) = nil; want error")
	}
}

func TestFile_BeyondAddressableBlocks(t *testing.T) {
	f, store := newTestFile(t)
	ctx := context.Background()
	lockExclusive(t, f)

	edge := int64(maxBlocks-1) * testBlockSize
	if err := f.WriteAt(ctx, edge, fillBlock(0xEE)); err != nil {
		t.Fatalf("WriteAt(last addressable block): %v", err)
	}
	got, err := f.ReadAt(ctx, edge, testBlockSize)
	if err != nil {
		t.Fatalf("ReadAt(last addressable block): %v", err)
	}
	if !bytes.Equal(got, fillBlock(0xEE)) {
		t.Errorf("ReadAt(last addressable block) = % x; want % x", got, fillBlock(0xEE))
	}

	if err := f.WriteAt(ctx, edge+testBlockSize, fillBlock(1)); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("WriteAt(first unaddressable block) = %v; want ErrOutOfRange", err)
	}
	if err := f.Truncate(ctx, int64(maxBlocks)*testBlockSize+1); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Truncate(past the last block) = %v; want ErrOutOfRange", err)
	}
	if err := f.Truncate(ctx, int64(maxBlocks)*testBlockSize); err != nil {
		t.Errorf("Truncate(largest size) = %v; want nil", err)
	}

	// A stored size past the cap, as a foreign writer could leave
	// behind, fails reads inside it instead of wrapping to a low index.
	store.SetMode(kv.ModeReadWrite)
	err = store.RunTransaction(ctx, func(tx kv.Tx) error {
		return tx.PutMeta(kv.Meta{
			Name:      "big.db",
			FileSize:  (int64(maxBlocks) + 1) * testBlockSize,
			BlockSize: testBlockSize,
		})
	})
	if err != nil {
		t.Fatalf("seed oversized metadata: %v", err)
	}
	store.SetMode(kv.ModeReadOnly)

	big, err := Open(ctx, store, lock.NewTable(), "big.db", Options{})
	if err != nil {
		t.Fatalf("Open(big.db): %v", err)
	}
	if err := big.Lock(ctx, lock.LevelShared); err != nil {
		t.Fatalf("Lock(shared): %v", err)
	}
	if _, err := big.ReadAt(ctx, int64(maxBlocks)*testBlockSize, testBlockSize); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("ReadAt(past the last block) = %v; want ErrOutOfRange", err)
	}
}

func TestFile_SyncAndCharacteristics(t *testing.T) {
	f, _ := newTestFile(t)

	if err := f.Sync(context.Background()); err != nil {
		t.Errorf("Sync = %v; want nil", err)
	}
	want := CapSafeAppend | CapUndeletableWhenOpen
	if got := f.Characteristics(); got != want {
		t.Errorf("Characteristics = %#x; want %#x", got, want)
	}
}

func TestFile_ReservedPassesThrough(t *testing.T) {
	f, store := newTestFile(t)
	ctx := context.Background()

	if err := f.Lock(ctx, lock.LevelShared); err != nil {
		t.Fatalf("Lock(shared): %v", err)
	}
	if err := f.Lock(ctx, lock.LevelReserved); err != nil {
		t.Fatalf("Lock(reserved): %v", err)
	}
	if got := f.Level(); got != lock.LevelReserved {
		t.Fatalf("Level = %v; want reserved", got)
	}
	if err := f.Lock(ctx, lock.LevelExclusive); err != nil {
		t.Fatalf("Lock(exclusive): %v", err)
	}

	if err := f.WriteAt(ctx, 0, fillBlock(0x11)); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	unlockAll(t, f)

	got, err := primaryBlock(t, store, "test.db", 0)
	if err != nil {
		t.Fatalf("primary block 0: %v", err)
	}
	if !bytes.Equal(got, fillBlock(0x11)) {
		t.Errorf("primary block 0 = % x; want % x", got, fillBlock(0x11))
	}
}

func TestFile_CloseFlushesAndIsIdempotent(t *testing.T) {
	f, store := newTestFile(t)
	ctx := context.Background()
	lockExclusive(t, f)

	if err := f.WriteAt(ctx, 0, fillBlock(0x77)); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if got := f.Level(); got != lock.LevelNone {
		t.Errorf("Level after Close = %v; want none", got)
	}

	got, err := primaryBlock(t, store, "test.db", 0)
	if err != nil {
		t.Fatalf("primary block 0: %v", err)
	}
	if !bytes.Equal(got, fillBlock(0x77)) {
		t.Errorf("primary block 0 = % x; want % x", got, fillBlock(0x77))
	}
}
