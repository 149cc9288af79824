package wal

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"minidb/pkg/types"

	"github.com/prometheus/client_golang/prometheus"
)

// Writer appends records to the WAL file and controls when they become
// durable. An LSN is the byte offset a record's header would occupy in
// an never-truncated file. The file's own first 8 bytes hold baseLSN,
// the logical LSN of the first record actually present; physical
// offset = lsn - baseLSN + headerSize. That indirection lets Truncate
// physically drop a compacted prefix of the log without renumbering
// the LSNs of the records that survive, so RID/LSN references recorded
// before a checkpoint remain valid afterward.
type Writer struct {
	mu   sync.Mutex
	file *os.File

	baseLSN    types.LSN // logical LSN of the first byte after the header
	nextLSN    types.LSN // offset at which the next Append will land
	durableLSN types.LSN // everything up to here is fsynced

	buffer    []byte
	bufferLSN types.LSN

	txnLastLSN map[types.TxnID]types.LSN
	maxTxnID   types.TxnID

	bytesWritten prometheus.Counter
	fsyncs       prometheus.Counter
	fsyncLatency prometheus.Histogram
}

const (
	walBufferSize = 64 * 1024
	// headerSize holds baseLSN as a big-endian uint64. Keeping it > 0
	// also guarantees LSN 0 is never a valid record offset, so it can
	// serve as the NULL_LSN sentinel.
	headerSize = 8
)

// NewWriter opens or creates the WAL file at path.
func NewWriter(path string) (*Writer, error) {
	w := &Writer{
		buffer:     make([]byte, 0, walBufferSize),
		txnLastLSN: make(map[types.TxnID]types.LSN),

		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{Name: "minidb_wal_bytes_written_total"}),
		fsyncs:       prometheus.NewCounter(prometheus.CounterOpts{Name: "minidb_wal_fsync_total"}),
		fsyncLatency: prometheus.NewHistogram(prometheus.HistogramOpts{Name: "minidb_wal_fsync_seconds", Buckets: prometheus.DefBuckets}),
	}

	_, statErr := os.Stat(path)
	switch {
	case os.IsNotExist(statErr):
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to create WAL file: %w", err)
		}
		w.file = f
		w.baseLSN = types.LSN(headerSize)
		if err := w.writeHeader(); err != nil {
			f.Close()
			return nil, err
		}
		w.nextLSN = w.baseLSN
		w.durableLSN = w.baseLSN
	case statErr == nil:
		f, err := os.OpenFile(path, os.O_RDWR, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open WAL file: %w", err)
		}
		w.file = f
		if err := w.recoverPosition(); err != nil {
			f.Close()
			return nil, err
		}
	default:
		return nil, statErr
	}

	return w, nil
}

// Collectors exposes the writer's Prometheus collectors.
func (w *Writer) Collectors() []prometheus.Collector {
	return []prometheus.Collector{w.bytesWritten, w.fsyncs, w.fsyncLatency}
}

func (w *Writer) writeHeader() error {
	buf := make([]byte, headerSize)
	binary.BigEndian.PutUint64(buf, uint64(w.baseLSN))
	_, err := w.file.WriteAt(buf, 0)
	return err
}

func (w *Writer) physicalOffset(lsn types.LSN) int64 {
	return int64(lsn-w.baseLSN) + headerSize
}

// recoverPosition reads baseLSN from the header and walks every record
// in the file to find the append position, the per-transaction LSN
// chain, and the maximum txn id seen.
func (w *Writer) recoverPosition() error {
	info, err := w.file.Stat()
	if err != nil {
		return err
	}
	if info.Size() < headerSize {
		return fmt.Errorf("wal: file shorter than header")
	}

	hdr := make([]byte, headerSize)
	if _, err := w.file.ReadAt(hdr, 0); err != nil {
		return err
	}
	w.baseLSN = types.LSN(binary.BigEndian.Uint64(hdr))

	if _, err := w.file.Seek(headerSize, io.SeekStart); err != nil {
		return err
	}

	offset := w.baseLSN
	for {
		lenBuf := make([]byte, 4)
		if _, err := io.ReadFull(w.file, lenBuf); err != nil {
			break
		}
		total := binary.BigEndian.Uint32(lenBuf)
		rest := make([]byte, total-4)
		if _, err := io.ReadFull(w.file, rest); err != nil {
			break
		}

		full := append(lenBuf, rest...)
		record, n, err := Deserialize(full)
		if err != nil {
			break
		}

		if record.TxnID > w.maxTxnID {
			w.maxTxnID = record.TxnID
		}
		if record.Type != types.LogRecordCheckpoint {
			w.txnLastLSN[record.TxnID] = record.LSN
		}
		if record.Type == types.LogRecordCommit || record.Type == types.LogRecordAbort {
			delete(w.txnLastLSN, record.TxnID)
		}

		offset += types.LSN(n)
	}

	w.nextLSN = offset
	w.durableLSN = offset

	_, err = w.file.Seek(w.physicalOffset(offset), io.SeekStart)
	return err
}

// Append assigns the record the next LSN, chains PrevLSN from this
// transaction's last record, and stages the serialized bytes in the
// write buffer.
func (w *Writer) Append(record *LogRecord) types.LSN {
	w.mu.Lock()
	defer w.mu.Unlock()

	lsn := w.nextLSN

	if prev, ok := w.txnLastLSN[record.TxnID]; ok {
		record.PrevLSN = prev
	} else {
		record.PrevLSN = types.InvalidLSN
	}

	data := record.Serialize(lsn)
	w.nextLSN += types.LSN(len(data))

	if record.Type != types.LogRecordCheckpoint {
		w.txnLastLSN[record.TxnID] = lsn
	}
	if record.TxnID > w.maxTxnID {
		w.maxTxnID = record.TxnID
	}

	if len(w.buffer) == 0 {
		w.bufferLSN = lsn
	}
	w.buffer = append(w.buffer, data...)

	if len(w.buffer) >= walBufferSize {
		w.flushLocked()
	}

	return lsn
}

// Force ensures every record up to lsn is fsynced.
func (w *Writer) Force(lsn types.LSN) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if lsn < w.durableLSN {
		return nil
	}
	return w.flushLocked()
}

func (w *Writer) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}

	n, err := w.file.WriteAt(w.buffer, w.physicalOffset(w.bufferLSN))
	if err != nil {
		return fmt.Errorf("failed to write WAL: %w", err)
	}
	w.bytesWritten.Add(float64(n))

	start := time.Now()
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}
	w.fsyncs.Inc()
	w.fsyncLatency.Observe(time.Since(start).Seconds())

	w.durableLSN = w.bufferLSN + types.LSN(len(w.buffer))
	w.buffer = w.buffer[:0]
	return nil
}

// Flush writes every buffered record to disk.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *Writer) LogBegin(txnID types.TxnID) types.LSN {
	return w.Append(&LogRecord{TxnID: txnID, Type: types.LogRecordBegin})
}

// LogCommit logs a commit record and forces it to disk before
// returning, per the durability contract.
func (w *Writer) LogCommit(txnID types.TxnID) (types.LSN, error) {
	lsn := w.Append(&LogRecord{TxnID: txnID, Type: types.LogRecordCommit})
	if err := w.Force(lsn); err != nil {
		return lsn, err
	}
	w.mu.Lock()
	delete(w.txnLastLSN, txnID)
	w.mu.Unlock()
	return lsn, nil
}

// LogAbort logs an abort record and forces it to disk.
func (w *Writer) LogAbort(txnID types.TxnID) (types.LSN, error) {
	lsn := w.Append(&LogRecord{TxnID: txnID, Type: types.LogRecordAbort})
	if err := w.Force(lsn); err != nil {
		return lsn, err
	}
	w.mu.Lock()
	delete(w.txnLastLSN, txnID)
	w.mu.Unlock()
	return lsn, nil
}

func (w *Writer) LogUpdate(txnID types.TxnID, table string, pageID types.PageID, slotNum uint16, before, after []byte) types.LSN {
	return w.Append(&LogRecord{
		TxnID:       txnID,
		Type:        types.LogRecordUpdate,
		TableName:   table,
		PageID:      pageID,
		SlotNum:     slotNum,
		BeforeImage: before,
		AfterImage:  after,
	})
}

func (w *Writer) LogInsert(txnID types.TxnID, table string, pageID types.PageID, slotNum uint16, data []byte) types.LSN {
	return w.Append(&LogRecord{
		TxnID:      txnID,
		Type:       types.LogRecordInsert,
		TableName:  table,
		PageID:     pageID,
		SlotNum:    slotNum,
		AfterImage: data,
	})
}

func (w *Writer) LogDelete(txnID types.TxnID, table string, pageID types.PageID, slotNum uint16, data []byte) types.LSN {
	return w.Append(&LogRecord{
		TxnID:       txnID,
		Type:        types.LogRecordDelete,
		TableName:   table,
		PageID:      pageID,
		SlotNum:     slotNum,
		BeforeImage: data,
	})
}

// LogCheckpoint logs a checkpoint record and forces it to disk.
func (w *Writer) LogCheckpoint(activeTxnLastLSN map[types.TxnID]types.LSN) (types.LSN, error) {
	lsn := w.Append(&LogRecord{
		TxnID:            types.InvalidTxnID,
		Type:             types.LogRecordCheckpoint,
		ActiveTxnLastLSN: activeTxnLastLSN,
	})
	return lsn, w.Force(lsn)
}

// LogCLR logs a compensation record emitted while undoing txnID.
func (w *Writer) LogCLR(txnID types.TxnID, table string, pageID types.PageID, slotNum uint16, undoNextLSN types.LSN, innerType types.LogRecordType, data []byte) types.LSN {
	return w.Append(&LogRecord{
		TxnID:        txnID,
		Type:         types.LogRecordCLR,
		TableName:    table,
		PageID:       pageID,
		SlotNum:      slotNum,
		AfterImage:   data,
		UndoNextLSN:  undoNextLSN,
		InnerType:    innerType,
		InnerPayload: data,
	})
}

// ReadRecord reads the record at lsn, verifying the stored LSN matches.
func (w *Writer) ReadRecord(lsn types.LSN) (*LogRecord, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	physical := w.physicalOffset(lsn)

	lenBuf := make([]byte, 4)
	if _, err := w.file.ReadAt(lenBuf, physical); err != nil {
		return nil, fmt.Errorf("wal: read length at %d: %w", lsn, err)
	}
	total := binary.BigEndian.Uint32(lenBuf)

	full := make([]byte, total)
	if _, err := w.file.ReadAt(full, physical); err != nil {
		return nil, fmt.Errorf("wal: read record at %d: %w", lsn, err)
	}

	record, _, err := Deserialize(full)
	if err != nil {
		return nil, err
	}
	if record.LSN != lsn {
		return nil, fmt.Errorf("wal: record at offset %d reports LSN %d", lsn, record.LSN)
	}
	return record, nil
}

// Scan walks every record from fromLSN to the end of the durable log,
// invoking fn with each. Stops early if fn returns an error.
func (w *Writer) Scan(fromLSN types.LSN, fn func(*LogRecord) error) error {
	if err := w.Flush(); err != nil {
		return err
	}

	w.mu.Lock()
	end := w.durableLSN
	base := w.baseLSN
	w.mu.Unlock()

	if fromLSN < base {
		fromLSN = base
	}

	for lsn := fromLSN; lsn < end; {
		record, err := w.ReadRecord(lsn)
		if err != nil {
			return err
		}
		data := record.Serialize(lsn)
		if err := fn(record); err != nil {
			return err
		}
		lsn += types.LSN(len(data))
	}
	return nil
}

func (w *Writer) GetCurrentLSN() types.LSN {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextLSN
}

func (w *Writer) GetDurableLSN() types.LSN {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.durableLSN
}

func (w *Writer) GetBaseLSN() types.LSN {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.baseLSN
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.flushLocked(); err != nil {
		return err
	}
	return w.file.Close()
}

func (w *Writer) GetTxnLastLSN(txnID types.TxnID) types.LSN {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.txnLastLSN[txnID]
}

func (w *Writer) GetMaxTxnID() types.TxnID {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.maxTxnID
}

// Truncate physically drops every record before fromLSN, using a
// create-temp/copy-tail/fsync/rename-old-to-backup/rename-temp-to-
// active/remove-backup sequence so a crash mid-truncate never loses
// the active tail. Records that survive keep their original LSNs; the
// new file's header records fromLSN as the new baseLSN so those LSNs
// keep translating to the right physical offset.
func (w *Writer) Truncate(fromLSN types.LSN) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.flushLocked(); err != nil {
		return err
	}
	if fromLSN < w.baseLSN {
		fromLSN = w.baseLSN
	}

	path := w.file.Name()
	tmpPath := path + ".trunc-tmp"
	backupPath := path + ".trunc-backup"

	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	hdr := make([]byte, headerSize)
	binary.BigEndian.PutUint64(hdr, uint64(fromLSN))
	if _, err := tmp.Write(hdr); err != nil {
		tmp.Close()
		return err
	}

	if _, err := w.file.Seek(w.physicalOffset(fromLSN), io.SeekStart); err != nil {
		tmp.Close()
		return err
	}
	if _, err := io.Copy(tmp, w.file); err != nil {
		tmp.Close()
		return err
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := w.file.Close(); err != nil {
		return err
	}
	if err := os.Rename(path, backupPath); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Rename(backupPath, path)
		return err
	}
	os.Remove(backupPath)

	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return err
	}
	w.file = f
	return w.recoverPosition()
}
