package wal

import (
	"fmt"
	"sort"

	"minidb/pkg/types"

	"github.com/rs/zerolog/log"
)

// RecoveryManager replays and undoes WAL records after a restart,
// following the Analysis / Redo / Undo phases of ARIES.
type RecoveryManager struct {
	walWriter *Writer

	activeTxnTable map[types.TxnID]*TxnEntry
	dirtyPageTable map[types.PageID]types.LSN

	redoCallback    func(record *LogRecord) error
	undoCallback    func(record *LogRecord) error
	pageLSNCallback func(table string, pageID types.PageID) types.LSN
}

// TxnEntry is an entry in the Active Transaction Table.
type TxnEntry struct {
	TxnID    types.TxnID
	Status   types.TxnStatus
	LastLSN  types.LSN
	UndoNext types.LSN
}

// NewRecoveryManager builds a recovery manager over an already-opened
// WAL writer (its reopen scan has already established the durable
// tail; recovery reads back through that same file).
func NewRecoveryManager(walWriter *Writer) *RecoveryManager {
	return &RecoveryManager{
		walWriter:      walWriter,
		activeTxnTable: make(map[types.TxnID]*TxnEntry),
		dirtyPageTable: make(map[types.PageID]types.LSN),
	}
}

// SetCallbacks registers the functions that apply a redo or an undo to
// the heap/index state.
func (rm *RecoveryManager) SetCallbacks(redo, undo func(*LogRecord) error) {
	rm.redoCallback = redo
	rm.undoCallback = undo
}

// SetPageLSNCallback registers a lookup used to skip redoing a change
// a page already reflects.
func (rm *RecoveryManager) SetPageLSNCallback(cb func(table string, pageID types.PageID) types.LSN) {
	rm.pageLSNCallback = cb
}

// Recover runs Analysis, Redo and Undo in sequence.
func (rm *RecoveryManager) Recover() error {
	log.Info().Msg("recovery: starting analysis")
	checkpointLSN, err := rm.analysisPhase()
	if err != nil {
		return fmt.Errorf("analysis phase failed: %w", err)
	}
	log.Info().
		Uint64("checkpoint_lsn", uint64(checkpointLSN)).
		Int("active_txns", len(rm.activeTxnTable)).
		Int("dirty_pages", len(rm.dirtyPageTable)).
		Msg("recovery: analysis complete")

	if err := rm.redoPhase(); err != nil {
		return fmt.Errorf("redo phase failed: %w", err)
	}

	if err := rm.undoPhase(); err != nil {
		return fmt.Errorf("undo phase failed: %w", err)
	}

	log.Info().Msg("recovery: complete")
	return nil
}

func (rm *RecoveryManager) readAllRecords() ([]*LogRecord, error) {
	var records []*LogRecord
	err := rm.walWriter.Scan(rm.walWriter.GetBaseLSN(), func(r *LogRecord) error {
		records = append(records, r)
		return nil
	})
	return records, err
}

// analysisPhase rebuilds the Active Transaction Table and Dirty Page
// Table by scanning the log from the last checkpoint forward.
func (rm *RecoveryManager) analysisPhase() (types.LSN, error) {
	records, err := rm.readAllRecords()
	if err != nil {
		return 0, err
	}

	var lastCheckpointLSN types.LSN
	var lastCheckpoint *LogRecord
	for _, record := range records {
		if record.Type == types.LogRecordCheckpoint {
			lastCheckpointLSN = record.LSN
			lastCheckpoint = record
		}
	}

	if lastCheckpoint != nil {
		for txnID, lastLSN := range lastCheckpoint.ActiveTxnLastLSN {
			rm.activeTxnTable[txnID] = &TxnEntry{
				TxnID:   txnID,
				Status:  types.TxnStatusRunning,
				LastLSN: lastLSN,
			}
		}
	}

	for _, record := range records {
		if lastCheckpointLSN > 0 && record.LSN <= lastCheckpointLSN {
			continue
		}

		switch record.Type {
		case types.LogRecordBegin:
			rm.activeTxnTable[record.TxnID] = &TxnEntry{
				TxnID:   record.TxnID,
				Status:  types.TxnStatusRunning,
				LastLSN: record.LSN,
			}

		case types.LogRecordCommit:
			delete(rm.activeTxnTable, record.TxnID)

		case types.LogRecordAbort:
			delete(rm.activeTxnTable, record.TxnID)

		case types.LogRecordUpdate, types.LogRecordInsert, types.LogRecordDelete:
			if entry, ok := rm.activeTxnTable[record.TxnID]; ok {
				entry.LastLSN = record.LSN
			}
			if _, exists := rm.dirtyPageTable[record.PageID]; !exists {
				rm.dirtyPageTable[record.PageID] = record.LSN
			}

		case types.LogRecordCLR:
			if entry, ok := rm.activeTxnTable[record.TxnID]; ok {
				entry.LastLSN = record.LSN
				entry.UndoNext = record.UndoNextLSN
			}
			if _, exists := rm.dirtyPageTable[record.PageID]; !exists {
				rm.dirtyPageTable[record.PageID] = record.LSN
			}
		}
	}

	return lastCheckpointLSN, nil
}

// redoPhase replays every logged change whose effect the data pages
// might be missing, starting at the lowest RecLSN in the dirty page
// table.
func (rm *RecoveryManager) redoPhase() error {
	if len(rm.dirtyPageTable) == 0 {
		return nil
	}

	var minRecLSN types.LSN = types.LSN(^uint64(0))
	for _, recLSN := range rm.dirtyPageTable {
		if recLSN < minRecLSN {
			minRecLSN = recLSN
		}
	}

	records, err := rm.readAllRecords()
	if err != nil {
		return err
	}

	redoCount := 0
	for _, record := range records {
		if record.LSN < minRecLSN {
			continue
		}
		if record.Type != types.LogRecordUpdate &&
			record.Type != types.LogRecordInsert &&
			record.Type != types.LogRecordDelete &&
			record.Type != types.LogRecordCLR {
			continue
		}

		recLSN, inDPT := rm.dirtyPageTable[record.PageID]
		if !inDPT || record.LSN < recLSN {
			continue
		}

		if rm.pageLSNCallback != nil {
			if pageLSN := rm.pageLSNCallback(record.TableName, record.PageID); pageLSN >= record.LSN {
				continue
			}
		}

		if rm.redoCallback != nil {
			if err := rm.redoCallback(record); err != nil {
				return fmt.Errorf("redo failed for LSN %d: %w", record.LSN, err)
			}
			redoCount++
		}
	}

	log.Info().Int("count", redoCount).Msg("recovery: redo applied")
	return nil
}

// undoPhase rolls back every transaction left active at the last
// checkpoint or crash, emitting a CLR for each physical change undone.
func (rm *RecoveryManager) undoPhase() error {
	if len(rm.activeTxnTable) == 0 {
		return nil
	}

	toUndo := make([]types.LSN, 0, len(rm.activeTxnTable))
	for _, entry := range rm.activeTxnTable {
		if entry.UndoNext != 0 {
			toUndo = append(toUndo, entry.UndoNext)
		} else if entry.LastLSN != 0 {
			toUndo = append(toUndo, entry.LastLSN)
		}
	}

	records, err := rm.readAllRecords()
	if err != nil {
		return err
	}
	recordMap := make(map[types.LSN]*LogRecord, len(records))
	for _, record := range records {
		recordMap[record.LSN] = record
	}

	undoCount := 0
	for len(toUndo) > 0 {
		sort.Slice(toUndo, func(i, j int) bool { return toUndo[i] > toUndo[j] })
		lsn := toUndo[0]
		toUndo = toUndo[1:]

		record, ok := recordMap[lsn]
		if !ok {
			continue
		}

		if record.Type != types.LogRecordUpdate &&
			record.Type != types.LogRecordInsert &&
			record.Type != types.LogRecordDelete {
			if record.Type == types.LogRecordCLR {
				if record.UndoNextLSN != 0 {
					toUndo = append(toUndo, record.UndoNextLSN)
				}
			} else if record.PrevLSN != 0 {
				toUndo = append(toUndo, record.PrevLSN)
			}
			continue
		}

		if rm.undoCallback != nil {
			if err := rm.undoCallback(record); err != nil {
				return fmt.Errorf("undo failed for LSN %d: %w", record.LSN, err)
			}
			undoCount++
		}

		if rm.walWriter != nil {
			before := record.BeforeImage
			rm.walWriter.LogCLR(record.TxnID, record.TableName, record.PageID, record.SlotNum, record.PrevLSN, record.Type, before)
		}

		if record.PrevLSN != 0 {
			toUndo = append(toUndo, record.PrevLSN)
		}
	}

	if rm.walWriter != nil {
		for txnID := range rm.activeTxnTable {
			rm.walWriter.LogAbort(txnID)
		}
	}

	log.Info().Int("count", undoCount).Msg("recovery: undo applied")
	return nil
}

// GetActiveTxnTable returns the Active Transaction Table built by analysis.
func (rm *RecoveryManager) GetActiveTxnTable() map[types.TxnID]*TxnEntry {
	return rm.activeTxnTable
}

// GetDirtyPageTable returns the Dirty Page Table built by analysis.
func (rm *RecoveryManager) GetDirtyPageTable() map[types.PageID]types.LSN {
	return rm.dirtyPageTable
}
