// Package storeerr defines the classified error kinds shared across the
// storage engine, per the error-handling design: low-level layers never
// retry, they report a classified error, and higher layers translate it.
package storeerr

import "errors"

var (
	// ErrSchemaViolation: row shape or NOT NULL violation at insert/update.
	ErrSchemaViolation = errors.New("schema violation")
	// ErrPageFull: insert into a page that cannot hold the tuple.
	ErrPageFull = errors.New("page full")
	// ErrSlotNotFound: slot is out of range or currently deleted.
	ErrSlotNotFound = errors.New("slot not found")
	// ErrPageCorruption: CRC mismatch or invariant violation on load.
	ErrPageCorruption = errors.New("page corruption")
	// ErrLockTimeout: a lock request expired before being granted.
	ErrLockTimeout = errors.New("lock timeout")
	// ErrDeadlock: the deadlock detector selected this request as victim.
	ErrDeadlock = errors.New("deadlock detected")
	// ErrLockAborted: another transaction's deadlock resolution aborted this wait.
	ErrLockAborted = errors.New("lock wait aborted")
	// ErrWALCorruption: CRC mismatch during WAL replay.
	ErrWALCorruption = errors.New("wal corruption")
	// ErrBufferExhausted: every frame in the buffer pool is pinned.
	ErrBufferExhausted = errors.New("buffer pool exhausted: all pages pinned")
)
