package storage

import "minidb/internal/storeerr"

// Re-exported for convenience at call sites already importing storage.
var (
	ErrPageFull       = storeerr.ErrPageFull
	ErrSlotNotFound   = storeerr.ErrSlotNotFound
	ErrPageCorruption = storeerr.ErrPageCorruption
)
