// Package wal implements Write-Ahead Logging for crash recovery. The
// log is a flat file; a record's LSN is the byte offset at which its
// header begins, not a monotonic counter, so a record can be located
// directly with one seek.
package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"minidb/internal/storeerr"
	"minidb/pkg/types"
)

// recordHeaderSize: total_len(4) + lsn(4) + txn_id(4) + prev_txn_lsn(4) + type(1).
const recordHeaderSize = 17
const crcSize = 4

// LogRecord is a single WAL entry. Not every field is meaningful for
// every Type; see the payload shapes in Serialize.
type LogRecord struct {
	LSN     types.LSN
	PrevLSN types.LSN // this transaction's previous LSN, for the undo chain
	TxnID   types.TxnID
	Type    types.LogRecordType

	TableName string
	PageID    types.PageID
	SlotNum   uint16

	BeforeImage []byte // old value, for UNDO (DELETE stores it as the record's only image)
	AfterImage  []byte // new value, for REDO (INSERT stores it as the record's only image)

	UndoNextLSN  types.LSN // CLR: LSN to resume undo from, skipping what this CLR compensates
	InnerType    types.LogRecordType
	InnerPayload []byte

	// CHECKPOINT: last known LSN for each still-active transaction.
	ActiveTxnLastLSN map[types.TxnID]types.LSN
}

func (r *LogRecord) payload() []byte {
	switch r.Type {
	case types.LogRecordBegin, types.LogRecordCommit, types.LogRecordAbort:
		return nil

	case types.LogRecordInsert, types.LogRecordDelete:
		image := r.AfterImage
		if r.Type == types.LogRecordDelete {
			image = r.BeforeImage
		}
		nameBytes := []byte(r.TableName)
		buf := make([]byte, 2+len(nameBytes)+4+2+4+len(image))
		off := 0
		binary.BigEndian.PutUint16(buf[off:], uint16(len(nameBytes)))
		off += 2
		off += copy(buf[off:], nameBytes)
		binary.BigEndian.PutUint32(buf[off:], uint32(r.PageID))
		off += 4
		binary.BigEndian.PutUint16(buf[off:], r.SlotNum)
		off += 2
		binary.BigEndian.PutUint32(buf[off:], uint32(len(image)))
		off += 4
		copy(buf[off:], image)
		return buf

	case types.LogRecordUpdate:
		nameBytes := []byte(r.TableName)
		buf := make([]byte, 2+len(nameBytes)+4+2+4+len(r.BeforeImage)+4+len(r.AfterImage))
		off := 0
		binary.BigEndian.PutUint16(buf[off:], uint16(len(nameBytes)))
		off += 2
		off += copy(buf[off:], nameBytes)
		binary.BigEndian.PutUint32(buf[off:], uint32(r.PageID))
		off += 4
		binary.BigEndian.PutUint16(buf[off:], r.SlotNum)
		off += 2
		binary.BigEndian.PutUint32(buf[off:], uint32(len(r.BeforeImage)))
		off += 4
		off += copy(buf[off:], r.BeforeImage)
		binary.BigEndian.PutUint32(buf[off:], uint32(len(r.AfterImage)))
		off += 4
		copy(buf[off:], r.AfterImage)
		return buf

	case types.LogRecordCLR:
		buf := make([]byte, 4+1+len(r.InnerPayload))
		binary.BigEndian.PutUint32(buf[0:], uint32(r.UndoNextLSN))
		buf[4] = byte(r.InnerType)
		copy(buf[5:], r.InnerPayload)
		return buf

	case types.LogRecordCheckpoint:
		buf := make([]byte, 4+len(r.ActiveTxnLastLSN)*8)
		off := 0
		binary.BigEndian.PutUint32(buf[off:], uint32(len(r.ActiveTxnLastLSN)))
		off += 4
		for txn, lastLSN := range r.ActiveTxnLastLSN {
			binary.BigEndian.PutUint32(buf[off:], uint32(txn))
			off += 4
			binary.BigEndian.PutUint32(buf[off:], uint32(lastLSN))
			off += 4
		}
		return buf
	}
	return nil
}

// Serialize encodes the record assuming it will be written at file
// offset lsn, which becomes both r.LSN and the value embedded in the
// header so read_record can confirm it landed where expected.
func (r *LogRecord) Serialize(lsn types.LSN) []byte {
	r.LSN = lsn
	payload := r.payload()

	total := recordHeaderSize + len(payload) + crcSize
	buf := make([]byte, total)

	binary.BigEndian.PutUint32(buf[0:], uint32(total))
	binary.BigEndian.PutUint32(buf[4:], uint32(lsn))
	binary.BigEndian.PutUint32(buf[8:], uint32(r.TxnID))
	binary.BigEndian.PutUint32(buf[12:], uint32(r.PrevLSN))
	buf[16] = byte(r.Type)
	copy(buf[recordHeaderSize:], payload)

	sum := crc32.ChecksumIEEE(buf[:total-crcSize])
	binary.BigEndian.PutUint32(buf[total-crcSize:], sum)
	return buf
}

// Deserialize decodes a record from buf, which must contain at least
// the full record (total_len bytes). Returns the record and its total
// on-disk length.
func Deserialize(buf []byte) (*LogRecord, int, error) {
	if len(buf) < recordHeaderSize+crcSize {
		return nil, 0, fmt.Errorf("wal: buffer too small for record header")
	}

	total := int(binary.BigEndian.Uint32(buf[0:]))
	if total < recordHeaderSize+crcSize || len(buf) < total {
		return nil, 0, fmt.Errorf("wal: buffer too small for record of length %d", total)
	}

	gotSum := crc32.ChecksumIEEE(buf[:total-crcSize])
	wantSum := binary.BigEndian.Uint32(buf[total-crcSize : total])
	if gotSum != wantSum {
		return nil, 0, storeerr.ErrWALCorruption
	}

	r := &LogRecord{
		LSN:     types.LSN(binary.BigEndian.Uint32(buf[4:])),
		TxnID:   types.TxnID(binary.BigEndian.Uint32(buf[8:])),
		PrevLSN: types.LSN(binary.BigEndian.Uint32(buf[12:])),
		Type:    types.LogRecordType(buf[16]),
	}

	payload := buf[recordHeaderSize : total-crcSize]
	if err := r.parsePayload(payload); err != nil {
		return nil, 0, err
	}
	return r, total, nil
}

func (r *LogRecord) parsePayload(buf []byte) error {
	switch r.Type {
	case types.LogRecordBegin, types.LogRecordCommit, types.LogRecordAbort:
		return nil

	case types.LogRecordInsert, types.LogRecordDelete:
		off := 0
		nameLen := binary.BigEndian.Uint16(buf[off:])
		off += 2
		r.TableName = string(buf[off : off+int(nameLen)])
		off += int(nameLen)
		r.PageID = types.PageID(binary.BigEndian.Uint32(buf[off:]))
		off += 4
		r.SlotNum = binary.BigEndian.Uint16(buf[off:])
		off += 2
		imgLen := binary.BigEndian.Uint32(buf[off:])
		off += 4
		image := make([]byte, imgLen)
		copy(image, buf[off:off+int(imgLen)])
		if r.Type == types.LogRecordDelete {
			r.BeforeImage = image
		} else {
			r.AfterImage = image
		}
		return nil

	case types.LogRecordUpdate:
		off := 0
		nameLen := binary.BigEndian.Uint16(buf[off:])
		off += 2
		r.TableName = string(buf[off : off+int(nameLen)])
		off += int(nameLen)
		r.PageID = types.PageID(binary.BigEndian.Uint32(buf[off:]))
		off += 4
		r.SlotNum = binary.BigEndian.Uint16(buf[off:])
		off += 2
		oldLen := binary.BigEndian.Uint32(buf[off:])
		off += 4
		r.BeforeImage = make([]byte, oldLen)
		copy(r.BeforeImage, buf[off:off+int(oldLen)])
		off += int(oldLen)
		newLen := binary.BigEndian.Uint32(buf[off:])
		off += 4
		r.AfterImage = make([]byte, newLen)
		copy(r.AfterImage, buf[off:off+int(newLen)])
		return nil

	case types.LogRecordCLR:
		r.UndoNextLSN = types.LSN(binary.BigEndian.Uint32(buf[0:]))
		r.InnerType = types.LogRecordType(buf[4])
		r.InnerPayload = append([]byte(nil), buf[5:]...)
		return nil

	case types.LogRecordCheckpoint:
		off := 0
		count := binary.BigEndian.Uint32(buf[off:])
		off += 4
		r.ActiveTxnLastLSN = make(map[types.TxnID]types.LSN, count)
		for i := uint32(0); i < count; i++ {
			txn := types.TxnID(binary.BigEndian.Uint32(buf[off:]))
			off += 4
			lastLSN := types.LSN(binary.BigEndian.Uint32(buf[off:]))
			off += 4
			r.ActiveTxnLastLSN[txn] = lastLSN
		}
		return nil
	}
	return fmt.Errorf("wal: unknown record type %d", r.Type)
}

func (r *LogRecord) String() string {
	return fmt.Sprintf("LogRecord{LSN:%d, TxnID:%d, Type:%s, Table:%s, Page:%d, Slot:%d}",
		r.LSN, r.TxnID, r.Type.String(), r.TableName, r.PageID, r.SlotNum)
}
