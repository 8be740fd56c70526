package blockfile

import "errors"

var (
	// ErrAlignment reports a read or write that does not respect the
	// file's block geometry.
	ErrAlignment = errors.New("blockfile: misaligned access")

	// ErrCannotOpen reports an open of a file that does not exist when
	// creation was not requested, or an invalid file name.
	ErrCannotOpen = errors.New("blockfile: cannot open file")

	// ErrShortRead reports a read at or past the end of the file. The
	// returned buffer is valid and zero filled.
	ErrShortRead = errors.New("blockfile: short read")

	// ErrOutOfRange reports an access or truncation past the last
	// addressable block. Block indexes are 32 bits wide.
	ErrOutOfRange = errors.New("blockfile: beyond the last addressable block")
)
