package blockfs

import "context"

// ReadFull returns f's entire content, read block by block under a
// shared hold taken and dropped by this call.
func ReadFull(ctx context.Context, f File) ([]byte, error) {
	if err := f.Lock(ctx, LockShared); err != nil {
		return nil, err
	}
	defer f.Unlock(ctx, LockNone)

	size := f.Size()
	blockSize := int64(f.SectorSize())
	content := make([]byte, 0, size)
	for off := int64(0); off < size; off += blockSize {
		length := blockSize
		if off+length > size {
			length = size - off
		}
		data, err := f.ReadAt(ctx, off, int(length))
		if err != nil {
			return nil, err
		}
		content = append(content, data...)
	}
	return content, nil
}

// WriteFull replaces f's content with data inside one exclusive hold
// and flushes it by releasing the lock. A failed write rolls the hold
// back instead, leaving the previous content in place.
func WriteFull(ctx context.Context, f File, data []byte) error {
	if err := f.Lock(ctx, LockShared); err != nil {
		return err
	}
	if err := f.Lock(ctx, LockExclusive); err != nil {
		f.Unlock(ctx, LockNone)
		return err
	}

	abandon := func(err error) error {
		f.RequestRollback()
		f.Unlock(ctx, LockNone)
		return err
	}

	blockSize := f.SectorSize()
	block := make([]byte, blockSize)
	for off := 0; off < len(data); off += blockSize {
		n := copy(block, data[off:])
		for i := n; i < blockSize; i++ {
			block[i] = 0
		}
		if err := f.WriteAt(ctx, int64(off), block); err != nil {
			return abandon(err)
		}
	}
	if err := f.Truncate(ctx, int64(len(data))); err != nil {
		return abandon(err)
	}
	return f.Unlock(ctx, LockNone)
}
