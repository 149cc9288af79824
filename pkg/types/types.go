// Package types provides common type definitions for minidb.
package types

import (
	"encoding/binary"
	"fmt"
	"math"
)

// PageID represents a unique identifier for a page within a file.
type PageID uint32

// TxnID represents a transaction identifier.
type TxnID uint64

// LSN (Log Sequence Number) is the byte offset of a record in the WAL file.
type LSN uint64

// CommandID represents the order of operations within a transaction.
type CommandID uint32

// Constants
const (
	PageSize      = 4096
	InvalidPageID = PageID(0)
	InvalidTxnID  = TxnID(0)
	InvalidLSN    = LSN(0)
	MaxTxnID      = TxnID(^uint64(0))
)

// TxnStatus represents the state of a transaction.
type TxnStatus int

const (
	TxnStatusRunning TxnStatus = iota
	TxnStatusCommitted
	TxnStatusAborted
)

func (s TxnStatus) String() string {
	switch s {
	case TxnStatusRunning:
		return "RUNNING"
	case TxnStatusCommitted:
		return "COMMITTED"
	case TxnStatusAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// LogRecordType represents the type of a WAL log record.
type LogRecordType uint8

const (
	LogRecordBegin LogRecordType = iota
	LogRecordCommit
	LogRecordAbort
	LogRecordUpdate
	LogRecordInsert
	LogRecordDelete
	LogRecordCheckpoint
	LogRecordCLR // Compensation Log Record for UNDO
)

func (t LogRecordType) String() string {
	names := []string{"BEGIN", "COMMIT", "ABORT", "UPDATE", "INSERT", "DELETE", "CHECKPOINT", "CLR"}
	if int(t) < len(names) {
		return names[t]
	}
	return "UNKNOWN"
}

// RID identifies a tuple within a table heap.
type RID struct {
	PageID  PageID
	SlotNum uint16
}

func (r RID) String() string {
	return fmt.Sprintf("(%d,%d)", r.PageID, r.SlotNum)
}

// ValueType enumerates the column types the engine understands.
type ValueType int

const (
	ValueTypeNull ValueType = iota
	ValueTypeInt
	ValueTypeString
	ValueTypeBool
	ValueTypeFloat
	ValueTypeDate // days since 1970-01-01, stored in IntVal
)

func (t ValueType) String() string {
	switch t {
	case ValueTypeNull:
		return "NULL"
	case ValueTypeInt:
		return "INT"
	case ValueTypeString:
		return "TEXT"
	case ValueTypeBool:
		return "BOOL"
	case ValueTypeFloat:
		return "FLOAT"
	case ValueTypeDate:
		return "DATE"
	default:
		return "UNKNOWN"
	}
}

// Value represents a single SQL scalar value.
type Value struct {
	Type     ValueType
	IsNull   bool
	IntVal   int64 // also holds Date as days-since-epoch
	StrVal   string
	BoolVal  bool
	FloatVal float64
}

func (v Value) String() string {
	if v.IsNull {
		return "NULL"
	}
	switch v.Type {
	case ValueTypeInt, ValueTypeDate:
		return fmt.Sprintf("%d", v.IntVal)
	case ValueTypeString:
		return v.StrVal
	case ValueTypeBool:
		return fmt.Sprintf("%t", v.BoolVal)
	case ValueTypeFloat:
		return fmt.Sprintf("%g", v.FloatVal)
	default:
		return "NULL"
	}
}

// Row represents a row of values in schema-column order.
type Row struct {
	Values []Value
}

// Schema represents a table schema.
type Schema struct {
	TableName string
	Columns   []Column
}

// Column represents a column definition.
type Column struct {
	Name     string
	Type     ValueType
	Nullable bool
}

func (s Schema) ColumnIndex(name string) int {
	for i, c := range s.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// nullBitmapBytes returns the number of bytes needed for ncols flags.
func nullBitmapBytes(ncols int) int {
	return (ncols + 7) / 8
}

// EncodeRow serializes a row against schema into the on-disk tuple format:
// [total_len: u16][null_bitmap][flags: u16][column data in schema order, NULLs omitted].
// Integers and floats are big-endian; strings are length-prefixed UTF-8.
func EncodeRow(row Row, schema Schema) ([]byte, error) {
	if len(row.Values) != len(schema.Columns) {
		return nil, fmt.Errorf("row has %d values, schema has %d columns", len(row.Values), len(schema.Columns))
	}
	bitmapLen := nullBitmapBytes(len(schema.Columns))
	bitmap := make([]byte, bitmapLen)
	body := make([]byte, 0, 64)

	for i, col := range schema.Columns {
		v := row.Values[i]
		if v.IsNull || v.Type == ValueTypeNull {
			if !col.Nullable {
				return nil, fmt.Errorf("column %q is NOT NULL", col.Name)
			}
			bitmap[i/8] |= 1 << uint(i%8)
			continue
		}
		switch col.Type {
		case ValueTypeInt, ValueTypeDate:
			var buf [8]byte
			binary.BigEndian.PutUint64(buf[:], uint64(v.IntVal))
			body = append(body, buf[:]...)
		case ValueTypeFloat:
			var buf [8]byte
			binary.BigEndian.PutUint64(buf[:], math.Float64bits(v.FloatVal))
			body = append(body, buf[:]...)
		case ValueTypeBool:
			if v.BoolVal {
				body = append(body, 1)
			} else {
				body = append(body, 0)
			}
		case ValueTypeString:
			s := []byte(v.StrVal)
			var lbuf [4]byte
			binary.BigEndian.PutUint32(lbuf[:], uint32(len(s)))
			body = append(body, lbuf[:]...)
			body = append(body, s...)
		default:
			return nil, fmt.Errorf("column %q: unsupported type %v", col.Name, col.Type)
		}
	}

	totalLen := 2 + bitmapLen + 2 + len(body)
	if totalLen > 0xFFFF {
		return nil, fmt.Errorf("encoded row too large: %d bytes", totalLen)
	}
	out := make([]byte, 0, totalLen)
	var tlbuf [2]byte
	binary.BigEndian.PutUint16(tlbuf[:], uint16(totalLen))
	out = append(out, tlbuf[:]...)
	out = append(out, bitmap...)
	var flags [2]byte
	binary.BigEndian.PutUint16(flags[:], 0)
	out = append(out, flags[:]...)
	out = append(out, body...)
	return out, nil
}

// DecodeRow parses the on-disk tuple format produced by EncodeRow.
func DecodeRow(data []byte, schema Schema) (Row, error) {
	bitmapLen := nullBitmapBytes(len(schema.Columns))
	if len(data) < 2+bitmapLen+2 {
		return Row{}, fmt.Errorf("tuple too short for header")
	}
	totalLen := int(binary.BigEndian.Uint16(data[0:2]))
	if totalLen > len(data) {
		return Row{}, fmt.Errorf("tuple declares length %d, have %d bytes", totalLen, len(data))
	}
	data = data[:totalLen]
	bitmap := data[2 : 2+bitmapLen]
	pos := 2 + bitmapLen + 2

	values := make([]Value, len(schema.Columns))
	for i, col := range schema.Columns {
		if bitmap[i/8]&(1<<uint(i%8)) != 0 {
			values[i] = Value{Type: ValueTypeNull, IsNull: true}
			continue
		}
		switch col.Type {
		case ValueTypeInt, ValueTypeDate:
			if pos+8 > len(data) {
				return Row{}, fmt.Errorf("truncated int column %q", col.Name)
			}
			iv := int64(binary.BigEndian.Uint64(data[pos : pos+8]))
			pos += 8
			values[i] = Value{Type: col.Type, IntVal: iv}
		case ValueTypeFloat:
			if pos+8 > len(data) {
				return Row{}, fmt.Errorf("truncated float column %q", col.Name)
			}
			bits := binary.BigEndian.Uint64(data[pos : pos+8])
			pos += 8
			values[i] = Value{Type: ValueTypeFloat, FloatVal: math.Float64frombits(bits)}
		case ValueTypeBool:
			if pos+1 > len(data) {
				return Row{}, fmt.Errorf("truncated bool column %q", col.Name)
			}
			values[i] = Value{Type: ValueTypeBool, BoolVal: data[pos] != 0}
			pos++
		case ValueTypeString:
			if pos+4 > len(data) {
				return Row{}, fmt.Errorf("truncated string length for column %q", col.Name)
			}
			slen := int(binary.BigEndian.Uint32(data[pos : pos+4]))
			pos += 4
			if pos+slen > len(data) {
				return Row{}, fmt.Errorf("truncated string column %q", col.Name)
			}
			values[i] = Value{Type: ValueTypeString, StrVal: string(data[pos : pos+slen])}
			pos += slen
		default:
			return Row{}, fmt.Errorf("column %q: unsupported type %v", col.Name, col.Type)
		}
	}
	return Row{Values: values}, nil
}
