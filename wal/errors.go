package wal

import "errors"

var (
	// errShortRead means buf does not yet contain a complete record; the
	// caller should read more bytes (live tailing) or, during recovery,
	// treat this as the first partial record and truncate here.
	errShortRead = errors.New("wal: short read")

	// errChecksumMismatch means buf contains a complete record whose
	// crc32c does not match its contents — corruption, not truncation.
	// Recovery treats this the same as a short read: truncate the tail.
	errChecksumMismatch = errors.New("wal: checksum mismatch")

	// ErrClosed is returned by Append once the writer has begun
	// shutting down.
	ErrClosed = errors.New("wal: closed")
)
