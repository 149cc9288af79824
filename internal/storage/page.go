// Package storage implements the on-disk page format, buffer pool, disk
// manager and table heap.
package storage

import (
	"encoding/binary"
	"hash/crc32"

	"minidb/internal/storeerr"
	"minidb/pkg/types"
)

const (
	PageSize = types.PageSize
	// PageHeaderSize: format_version(2) + page_id(4) + num_slots(2) +
	// free_start(2) + flags(2) + free_end(2) + crc32(4) + page_lsn(8) = 26.
	PageHeaderSize = 26
	slotSize       = 4 // offset:u16 + length:u16

	PageTypeData    uint8 = 1
	PageTypeBTree   uint8 = 2
	PageTypeCatalog uint8 = 3
	PageTypeHeader  uint8 = 4
)

const (
	formatVersion = 1

	offFormatVersion = 0
	offPageID        = 2
	offNumSlots      = 6
	offFreeStart     = 8
	offFlags         = 10
	offFreeEnd       = 12
	offCRC32         = 14
	offPageLSN       = 18
)

// Page is an in-memory representation of one 4KiB disk page. Header
// fields are big-endian throughout.
type Page struct {
	ID         types.PageID
	Type       uint8
	LSN        types.LSN
	NextPageID types.PageID
	IsDirty    bool
	PinCount   int
	Data       [PageSize]byte
}

// NewPage creates and initializes a fresh page of the given type.
func NewPage(id types.PageID, pageType uint8) *Page {
	p := &Page{ID: id, Type: pageType}
	p.init()
	return p
}

func (p *Page) init() {
	binary.BigEndian.PutUint16(p.Data[offFormatVersion:], formatVersion)
	binary.BigEndian.PutUint32(p.Data[offPageID:], uint32(p.ID))
	binary.BigEndian.PutUint16(p.Data[offNumSlots:], 0)
	binary.BigEndian.PutUint16(p.Data[offFreeStart:], PageHeaderSize)
	binary.BigEndian.PutUint16(p.Data[offFlags:], uint16(p.Type))
	binary.BigEndian.PutUint16(p.Data[offFreeEnd:], PageSize)
	binary.BigEndian.PutUint64(p.Data[offPageLSN:], 0)
}

// --- header accessors ---

func (p *Page) GetSlotCount() uint16 {
	return binary.BigEndian.Uint16(p.Data[offNumSlots:])
}

func (p *Page) setSlotCount(n uint16) {
	binary.BigEndian.PutUint16(p.Data[offNumSlots:], n)
}

func (p *Page) GetFreeSpaceOffset() uint16 {
	return binary.BigEndian.Uint16(p.Data[offFreeStart:])
}

func (p *Page) setFreeSpaceOffset(v uint16) {
	binary.BigEndian.PutUint16(p.Data[offFreeStart:], v)
}

func (p *Page) GetFreeSpaceEnd() uint16 {
	return binary.BigEndian.Uint16(p.Data[offFreeEnd:])
}

func (p *Page) setFreeSpaceEnd(v uint16) {
	binary.BigEndian.PutUint16(p.Data[offFreeEnd:], v)
}

func (p *Page) SetLSN(lsn types.LSN) {
	p.LSN = lsn
	binary.BigEndian.PutUint64(p.Data[offPageLSN:], uint64(lsn))
	p.IsDirty = true
}

func (p *Page) GetLSN() types.LSN {
	return types.LSN(binary.BigEndian.Uint64(p.Data[offPageLSN:]))
}

func (p *Page) SetNextPageID(id types.PageID) {
	p.NextPageID = id
	p.IsDirty = true
}

func (p *Page) GetNextPageID() types.PageID {
	return p.NextPageID
}

func (p *Page) FreeSpace() int {
	return int(p.GetFreeSpaceEnd()) - int(p.GetFreeSpaceOffset())
}

// --- slot directory ---

func slotPos(slotNum uint16) int {
	return int(slotNum)*slotSize + PageHeaderSize
}

func (p *Page) getSlot(slotNum uint16) (offset, length uint16) {
	pos := slotPos(slotNum)
	offset = binary.BigEndian.Uint16(p.Data[pos:])
	length = binary.BigEndian.Uint16(p.Data[pos+2:])
	return
}

func (p *Page) setSlot(slotNum uint16, offset, length uint16) {
	pos := slotPos(slotNum)
	binary.BigEndian.PutUint16(p.Data[pos:], offset)
	binary.BigEndian.PutUint16(p.Data[pos+2:], length)
}

// InsertTuple first scans existing slots for a deleted entry and reuses
// its slot number if the tuple fits in the free-space region; otherwise
// it appends a new slot and allocates from the top of the heap.
func (p *Page) InsertTuple(data []byte) (uint16, error) {
	numSlots := p.GetSlotCount()
	needed := len(data)

	for i := uint16(0); i < numSlots; i++ {
		_, length := p.getSlot(i)
		if length != 0 {
			continue
		}
		if p.FreeSpace() < needed {
			return 0, storeerr.ErrPageFull
		}
		newEnd := p.GetFreeSpaceEnd() - uint16(needed)
		copy(p.Data[newEnd:], data)
		p.setFreeSpaceEnd(newEnd)
		p.setSlot(i, newEnd, uint16(needed))
		p.IsDirty = true
		return i, nil
	}

	if p.FreeSpace() < needed+slotSize {
		return 0, storeerr.ErrPageFull
	}

	newEnd := p.GetFreeSpaceEnd() - uint16(needed)
	copy(p.Data[newEnd:], data)
	p.setFreeSpaceEnd(newEnd)

	slotNum := numSlots
	p.setSlot(slotNum, newEnd, uint16(needed))
	p.setSlotCount(numSlots + 1)
	p.setFreeSpaceOffset(p.GetFreeSpaceOffset() + slotSize)
	p.IsDirty = true
	return slotNum, nil
}

func (p *Page) GetTuple(slotNum uint16) ([]byte, error) {
	if slotNum >= p.GetSlotCount() {
		return nil, storeerr.ErrSlotNotFound
	}
	offset, length := p.getSlot(slotNum)
	if length == 0 {
		return nil, storeerr.ErrSlotNotFound
	}
	out := make([]byte, length)
	copy(out, p.Data[offset:offset+length])
	return out, nil
}

// UpdateTuple updates a tuple in place if it fits in the old slot's
// space (zeroing residual bytes); otherwise it marks the slot dead,
// tries to allocate fresh heap space, compacting once if that fails,
// and restores the original tuple on failure so the RID stays live.
func (p *Page) UpdateTuple(slotNum uint16, data []byte) error {
	if slotNum >= p.GetSlotCount() {
		return storeerr.ErrSlotNotFound
	}
	offset, length := p.getSlot(slotNum)
	if length == 0 {
		return storeerr.ErrSlotNotFound
	}

	if len(data) <= int(length) {
		copy(p.Data[offset:], data)
		for i := len(data); i < int(length); i++ {
			p.Data[int(offset)+i] = 0
		}
		p.setSlot(slotNum, offset, uint16(len(data)))
		p.IsDirty = true
		return nil
	}

	original := make([]byte, length)
	copy(original, p.Data[offset:offset+length])

	p.setSlot(slotNum, 0, 0)
	if p.FreeSpace() >= len(data) {
		newEnd := p.GetFreeSpaceEnd() - uint16(len(data))
		copy(p.Data[newEnd:], data)
		p.setFreeSpaceEnd(newEnd)
		p.setSlot(slotNum, newEnd, uint16(len(data)))
		p.IsDirty = true
		return nil
	}

	p.compact()
	if p.FreeSpace() >= len(data) {
		newEnd := p.GetFreeSpaceEnd() - uint16(len(data))
		copy(p.Data[newEnd:], data)
		p.setFreeSpaceEnd(newEnd)
		p.setSlot(slotNum, newEnd, uint16(len(data)))
		p.IsDirty = true
		return nil
	}

	// restore the original tuple; the RID must remain live on failure.
	newEnd := p.GetFreeSpaceEnd() - uint16(len(original))
	copy(p.Data[newEnd:], original)
	p.setFreeSpaceEnd(newEnd)
	p.setSlot(slotNum, newEnd, uint16(len(original)))
	return storeerr.ErrPageFull
}

// RestoreTuple re-installs a tuple at a specific slot, including a slot
// that is currently deleted, growing the slot directory if necessary.
// Used by recovery to undo a delete or redo an insert idempotently.
func (p *Page) RestoreTuple(slotNum uint16, data []byte) error {
	for p.GetSlotCount() <= slotNum {
		if p.FreeSpace() < slotSize {
			return storeerr.ErrPageFull
		}
		n := p.GetSlotCount()
		p.setSlot(n, 0, 0)
		p.setSlotCount(n + 1)
		p.setFreeSpaceOffset(p.GetFreeSpaceOffset() + slotSize)
	}
	offset, length := p.getSlot(slotNum)
	if length != 0 && int(length) >= len(data) {
		copy(p.Data[offset:], data)
		for i := len(data); i < int(length); i++ {
			p.Data[int(offset)+i] = 0
		}
		p.setSlot(slotNum, offset, uint16(len(data)))
		p.IsDirty = true
		return nil
	}
	if p.FreeSpace() < len(data) {
		p.compact()
		if p.FreeSpace() < len(data) {
			return storeerr.ErrPageFull
		}
	}
	newEnd := p.GetFreeSpaceEnd() - uint16(len(data))
	copy(p.Data[newEnd:], data)
	p.setFreeSpaceEnd(newEnd)
	p.setSlot(slotNum, newEnd, uint16(len(data)))
	p.IsDirty = true
	return nil
}

func (p *Page) DeleteTuple(slotNum uint16) error {
	if slotNum >= p.GetSlotCount() {
		return storeerr.ErrSlotNotFound
	}
	_, length := p.getSlot(slotNum)
	if length == 0 {
		return storeerr.ErrSlotNotFound
	}
	p.setSlot(slotNum, 0, 0)
	p.IsDirty = true
	return nil
}

// compact moves all live tuples to be contiguous at the top of the heap,
// rewriting slot offsets while preserving slot numbers.
func (p *Page) compact() {
	numSlots := p.GetSlotCount()
	type liveSlot struct {
		slotNum uint16
		data    []byte
	}
	live := make([]liveSlot, 0, numSlots)
	for i := uint16(0); i < numSlots; i++ {
		offset, length := p.getSlot(i)
		if length == 0 {
			continue
		}
		data := make([]byte, length)
		copy(data, p.Data[offset:offset+length])
		live = append(live, liveSlot{slotNum: i, data: data})
	}

	end := uint16(PageSize)
	for _, ls := range live {
		end -= uint16(len(ls.data))
		copy(p.Data[end:], ls.data)
		p.setSlot(ls.slotNum, end, uint16(len(ls.data)))
	}
	p.setFreeSpaceEnd(end)
}

// TupleSlot pairs a slot number with its live tuple bytes.
type TupleSlot struct {
	SlotNum uint16
	Data    []byte
}

func (p *Page) GetAllTuples() []TupleSlot {
	numSlots := p.GetSlotCount()
	out := make([]TupleSlot, 0, numSlots)
	for i := uint16(0); i < numSlots; i++ {
		offset, length := p.getSlot(i)
		if length == 0 {
			continue
		}
		data := make([]byte, length)
		copy(data, p.Data[offset:offset+length])
		out = append(out, TupleSlot{SlotNum: i, Data: data})
	}
	return out
}

// checksum computes CRC32 (IEEE) over the page with the CRC field
// zeroed.
func (p *Page) checksum() uint32 {
	var scratch [PageSize]byte
	copy(scratch[:], p.Data[:])
	binary.BigEndian.PutUint32(scratch[offCRC32:], 0)
	return crc32.ChecksumIEEE(scratch[:])
}

// Serialize writes ID/Type/LSN into the header, recomputes the CRC, and
// returns the full 4KiB page image.
func (p *Page) Serialize() []byte {
	binary.BigEndian.PutUint32(p.Data[offPageID:], uint32(p.ID))
	binary.BigEndian.PutUint16(p.Data[offFlags:], uint16(p.Type))
	binary.BigEndian.PutUint64(p.Data[offPageLSN:], uint64(p.LSN))

	crc := p.checksum()
	binary.BigEndian.PutUint32(p.Data[offCRC32:], crc)

	out := make([]byte, PageSize)
	copy(out, p.Data[:])
	return out
}

// Deserialize loads a page image with CRC and structural verification.
func (p *Page) Deserialize(data []byte) error {
	return p.DeserializeVerify(data, true)
}

// DeserializeVerify loads a page image, optionally skipping CRC/structure
// verification (the page_crc_verify_on_load configuration option).
func (p *Page) DeserializeVerify(data []byte, verify bool) error {
	if len(data) != PageSize {
		return storeerr.ErrPageCorruption
	}
	copy(p.Data[:], data)

	if verify {
		storedCRC := binary.BigEndian.Uint32(p.Data[offCRC32:])
		if storedCRC != p.checksum() {
			return storeerr.ErrPageCorruption
		}
		numSlots := binary.BigEndian.Uint16(p.Data[offNumSlots:])
		freeStart := binary.BigEndian.Uint16(p.Data[offFreeStart:])
		freeEnd := binary.BigEndian.Uint16(p.Data[offFreeEnd:])
		if int(freeStart) != PageHeaderSize+int(numSlots)*slotSize {
			return storeerr.ErrPageCorruption
		}
		if freeStart > freeEnd {
			return storeerr.ErrPageCorruption
		}
		for i := uint16(0); i < numSlots; i++ {
			offset, length := p.getSlot(i)
			if length == 0 {
				continue
			}
			if offset < freeEnd || int(offset)+int(length) > PageSize {
				return storeerr.ErrPageCorruption
			}
		}
	}

	p.ID = types.PageID(binary.BigEndian.Uint32(p.Data[offPageID:]))
	p.Type = uint8(binary.BigEndian.Uint16(p.Data[offFlags:]))
	p.LSN = types.LSN(binary.BigEndian.Uint64(p.Data[offPageLSN:]))
	return nil
}
