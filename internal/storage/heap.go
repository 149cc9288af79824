package storage

import (
	"encoding/binary"
	"fmt"

	"minidb/internal/storeerr"
	"minidb/pkg/types"
)

const (
	heapMagic         = uint32(0x4D494E49) // "MINI"
	heapFormatVersion = uint16(1)
	headerPageID      = types.PageID(0)
)

// TableHeap manages storage for a single table as a file of pages: page
// 0 is a header page (magic, format version, table name, schema
// dictionary); pages 1..N hold data, in ascending page_id order.
type TableHeap struct {
	bufferPool *BufferPool
	file       string
	name       string
	schema     types.Schema
	lastPage   types.PageID
}

// CreateTableHeap writes a brand-new table file: the header page
// followed by a single empty data page, fsynced before returning.
func CreateTableHeap(bufferPool *BufferPool, dm *DiskManager, file string, schema types.Schema) (*TableHeap, error) {
	bufferPool.RegisterFile(file, dm)

	headerPage, err := bufferPool.NewPage(file, PageTypeHeader)
	if err != nil {
		return nil, err
	}
	if headerPage.ID != headerPageID {
		return nil, fmt.Errorf("table heap %s: expected header page 0, got %d", file, headerPage.ID)
	}

	dataPage, err := bufferPool.NewPage(file, PageTypeData)
	if err != nil {
		return nil, err
	}

	th := &TableHeap{
		bufferPool: bufferPool,
		file:       file,
		name:       schema.TableName,
		schema:     schema,
		lastPage:   dataPage.ID,
	}

	writeHeaderPage(headerPage, schema)
	bufferPool.UnpinPage(file, headerPage.ID, true)
	bufferPool.UnpinPage(file, dataPage.ID, true)

	if err := bufferPool.FlushFile(file); err != nil {
		return nil, err
	}
	return th, nil
}

// OpenTableHeap opens an existing table file, reading the schema back
// out of its header page (CRC-verified via Page.DeserializeVerify on
// load) and measuring the file length in pages.
func OpenTableHeap(bufferPool *BufferPool, dm *DiskManager, file string) (*TableHeap, error) {
	bufferPool.RegisterFile(file, dm)

	headerPage, err := bufferPool.FetchPage(file, headerPageID)
	if err != nil {
		return nil, err
	}
	schema, err := readHeaderPage(headerPage)
	bufferPool.UnpinPage(file, headerPageID, false)
	if err != nil {
		return nil, err
	}

	numPages, err := bufferPool.NumPages(file)
	if err != nil {
		return nil, err
	}
	if numPages < 2 {
		return nil, fmt.Errorf("table heap %s: corrupt, no data pages", file)
	}

	return &TableHeap{
		bufferPool: bufferPool,
		file:       file,
		name:       schema.TableName,
		schema:     schema,
		lastPage:   types.PageID(numPages - 1),
	}, nil
}

func writeHeaderPage(page *Page, schema types.Schema) {
	off := PageHeaderSize
	buf := page.Data

	binary.BigEndian.PutUint32(buf[off:], heapMagic)
	off += 4
	binary.BigEndian.PutUint16(buf[off:], heapFormatVersion)
	off += 2

	nameBytes := []byte(schema.TableName)
	binary.BigEndian.PutUint16(buf[off:], uint16(len(nameBytes)))
	off += 2
	copy(buf[off:], nameBytes)
	off += len(nameBytes)

	binary.BigEndian.PutUint16(buf[off:], uint16(len(schema.Columns)))
	off += 2
	for _, col := range schema.Columns {
		colName := []byte(col.Name)
		binary.BigEndian.PutUint16(buf[off:], uint16(len(colName)))
		off += 2
		copy(buf[off:], colName)
		off += len(colName)

		buf[off] = byte(col.Type)
		off++
		if col.Nullable {
			buf[off] = 1
		} else {
			buf[off] = 0
		}
		off++
	}

	page.IsDirty = true
}

func readHeaderPage(page *Page) (types.Schema, error) {
	off := PageHeaderSize
	buf := page.Data

	magic := binary.BigEndian.Uint32(buf[off:])
	off += 4
	if magic != heapMagic {
		return types.Schema{}, storeerr.ErrPageCorruption
	}
	version := binary.BigEndian.Uint16(buf[off:])
	off += 2
	if version != heapFormatVersion {
		return types.Schema{}, fmt.Errorf("table heap: unsupported header version %d", version)
	}

	nameLen := binary.BigEndian.Uint16(buf[off:])
	off += 2
	tableName := string(buf[off : off+int(nameLen)])
	off += int(nameLen)

	numCols := binary.BigEndian.Uint16(buf[off:])
	off += 2
	columns := make([]types.Column, numCols)
	for i := uint16(0); i < numCols; i++ {
		colNameLen := binary.BigEndian.Uint16(buf[off:])
		off += 2
		colName := string(buf[off : off+int(colNameLen)])
		off += int(colNameLen)

		colType := types.ValueType(buf[off])
		off++
		nullable := buf[off] == 1
		off++

		columns[i] = types.Column{Name: colName, Type: colType, Nullable: nullable}
	}

	return types.Schema{TableName: tableName, Columns: columns}, nil
}

// Insert serializes a row's already-encoded bytes, scans existing data
// pages in ascending order for the first with sufficient free space,
// and falls back to allocating a new page (extending the file by one
// 4 KiB block) when none fits.
func (th *TableHeap) Insert(data []byte) (types.RID, error) {
	needed := len(data) + 4

	for pid := headerPageID + 1; pid <= th.lastPage; pid++ {
		page, err := th.bufferPool.FetchPage(th.file, pid)
		if err != nil {
			return types.RID{}, err
		}
		if page.FreeSpace() < needed {
			th.bufferPool.UnpinPage(th.file, pid, false)
			continue
		}
		slot, err := page.InsertTuple(data)
		if err != nil {
			th.bufferPool.UnpinPage(th.file, pid, false)
			continue
		}
		th.bufferPool.UnpinPage(th.file, pid, true)
		return types.RID{PageID: pid, SlotNum: slot}, nil
	}

	newPage, err := th.bufferPool.NewPage(th.file, PageTypeData)
	if err != nil {
		return types.RID{}, err
	}
	th.lastPage = newPage.ID

	slot, err := newPage.InsertTuple(data)
	if err != nil {
		th.bufferPool.UnpinPage(th.file, newPage.ID, true)
		return types.RID{}, err
	}
	th.bufferPool.UnpinPage(th.file, newPage.ID, true)
	return types.RID{PageID: newPage.ID, SlotNum: slot}, nil
}

// Get returns the raw tuple bytes for rid, or ErrSlotNotFound for a
// deleted or out-of-range slot.
func (th *TableHeap) Get(rid types.RID) ([]byte, error) {
	page, err := th.bufferPool.FetchPage(th.file, rid.PageID)
	if err != nil {
		return nil, err
	}
	defer th.bufferPool.UnpinPage(th.file, rid.PageID, false)
	return page.GetTuple(rid.SlotNum)
}

// Update replaces the tuple at rid with data.
func (th *TableHeap) Update(rid types.RID, data []byte) error {
	page, err := th.bufferPool.FetchPage(th.file, rid.PageID)
	if err != nil {
		return err
	}
	defer th.bufferPool.UnpinPage(th.file, rid.PageID, true)
	return page.UpdateTuple(rid.SlotNum, data)
}

// Delete marks the tuple at rid as deleted.
func (th *TableHeap) Delete(rid types.RID) error {
	page, err := th.bufferPool.FetchPage(th.file, rid.PageID)
	if err != nil {
		return err
	}
	defer th.bufferPool.UnpinPage(th.file, rid.PageID, true)
	return page.DeleteTuple(rid.SlotNum)
}

// RestoreAt idempotently redoes an insert or undoes a delete at rid,
// growing the slot directory if necessary. Used by recovery.
func (th *TableHeap) RestoreAt(rid types.RID, data []byte) error {
	page, err := th.bufferPool.FetchPage(th.file, rid.PageID)
	if err != nil {
		return err
	}
	defer th.bufferPool.UnpinPage(th.file, rid.PageID, true)
	return page.RestoreTuple(rid.SlotNum, data)
}

// RawTuple pairs a tuple's raw bytes with its location.
type RawTuple struct {
	RID  types.RID
	Data []byte
}

// Scan yields every live tuple in the table in deterministic order:
// ascending page_id from 1 to N, ascending live slot_id within each
// page.
func (th *TableHeap) Scan() ([]RawTuple, error) {
	var results []RawTuple

	for pid := headerPageID + 1; pid <= th.lastPage; pid++ {
		page, err := th.bufferPool.FetchPage(th.file, pid)
		if err != nil {
			return nil, err
		}
		for _, slot := range page.GetAllTuples() {
			results = append(results, RawTuple{
				RID:  types.RID{PageID: pid, SlotNum: slot.SlotNum},
				Data: slot.Data,
			})
		}
		th.bufferPool.UnpinPage(th.file, pid, false)
	}

	return results, nil
}

// Flush writes every dirty page of this table's file to disk and
// fsyncs it.
func (th *TableHeap) Flush() error {
	return th.bufferPool.FlushFile(th.file)
}

func (th *TableHeap) Schema() types.Schema   { return th.schema }
func (th *TableHeap) Name() string           { return th.name }
func (th *TableHeap) File() string           { return th.file }
func (th *TableHeap) LastPage() types.PageID { return th.lastPage }
