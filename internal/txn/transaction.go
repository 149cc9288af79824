// Package txn implements transaction lifecycle management under
// strict two-phase locking: a transaction's locks are all acquired
// before any is released, and all are released together at commit or
// abort.
package txn

import (
	"fmt"
	"sync"
	"sync/atomic"

	"minidb/internal/lock"
	"minidb/internal/wal"
	"minidb/pkg/types"
)

// UndoFunc physically reverses one logged change: restoring
// BeforeImage for an UPDATE/DELETE, or removing the row an INSERT
// added.
type UndoFunc func(record *wal.LogRecord) error

// Manager assigns transaction IDs, writes BEGIN/COMMIT/ABORT to the
// WAL, and releases a transaction's locks once its outcome is durable.
type Manager struct {
	mu sync.RWMutex

	nextTxnID  uint64
	activeTxns map[types.TxnID]*Transaction

	walWriter   *wal.Writer
	lockManager *lock.Manager
	undo        UndoFunc
}

// Transaction is a single unit of work.
type Transaction struct {
	ID      types.TxnID
	Status  types.TxnStatus
	LastLSN types.LSN

	mu sync.Mutex
}

// NewManager creates a transaction manager backed by walWriter for
// durability and lockManager for strict 2PL.
func NewManager(walWriter *wal.Writer, lockManager *lock.Manager) *Manager {
	return &Manager{
		nextTxnID:   1,
		activeTxns:  make(map[types.TxnID]*Transaction),
		walWriter:   walWriter,
		lockManager: lockManager,
	}
}

// SetUndoFunc registers the callback Rollback uses to physically
// reverse a logged change. Must be set before any transaction can abort.
func (m *Manager) SetUndoFunc(fn UndoFunc) {
	m.undo = fn
}

// Begin starts a new transaction and logs its BEGIN record.
func (m *Manager) Begin() *Transaction {
	txnID := types.TxnID(atomic.AddUint64(&m.nextTxnID, 1) - 1)

	txn := &Transaction{
		ID:     txnID,
		Status: types.TxnStatusRunning,
	}

	m.mu.Lock()
	m.activeTxns[txnID] = txn
	m.mu.Unlock()

	if m.walWriter != nil {
		txn.LastLSN = m.walWriter.LogBegin(txnID)
	}

	return txn
}

// Commit logs and forces a COMMIT record, then releases every lock
// the transaction held.
func (m *Manager) Commit(txn *Transaction) error {
	txn.mu.Lock()
	defer txn.mu.Unlock()

	if txn.Status != types.TxnStatusRunning {
		return fmt.Errorf("transaction %d is not running (status: %s)", txn.ID, txn.Status)
	}

	if m.walWriter != nil {
		lsn, err := m.walWriter.LogCommit(txn.ID)
		if err != nil {
			return fmt.Errorf("failed to log commit: %w", err)
		}
		txn.LastLSN = lsn
	}

	txn.Status = types.TxnStatusCommitted

	if m.lockManager != nil {
		m.lockManager.ReleaseAll(txn.ID)
	}

	m.mu.Lock()
	delete(m.activeTxns, txn.ID)
	m.mu.Unlock()

	return nil
}

// Rollback physically undoes every change the transaction made,
// walking its WAL chain backward and emitting a CLR per step, logs
// ABORT, then releases its locks.
func (m *Manager) Rollback(txn *Transaction) error {
	txn.mu.Lock()
	defer txn.mu.Unlock()

	if txn.Status != types.TxnStatusRunning {
		return fmt.Errorf("transaction %d is not running (status: %s)", txn.ID, txn.Status)
	}

	if m.walWriter != nil {
		if err := m.undoChain(txn.ID); err != nil {
			return fmt.Errorf("undo failed for transaction %d: %w", txn.ID, err)
		}
		lsn, err := m.walWriter.LogAbort(txn.ID)
		if err != nil {
			return fmt.Errorf("failed to log abort: %w", err)
		}
		txn.LastLSN = lsn
	}

	txn.Status = types.TxnStatusAborted

	if m.lockManager != nil {
		m.lockManager.ReleaseAll(txn.ID)
	}

	m.mu.Lock()
	delete(m.activeTxns, txn.ID)
	m.mu.Unlock()

	return nil
}

// undoChain walks txnID's WAL records backward from its last write,
// compensating each one. A crash mid-rollback leaves a prefix of CLRs
// on disk; recovery's own undo phase picks up from there via UndoNextLSN.
func (m *Manager) undoChain(txnID types.TxnID) error {
	if err := m.walWriter.Flush(); err != nil {
		return err
	}

	lsn := m.walWriter.GetTxnLastLSN(txnID)
	for lsn != types.InvalidLSN {
		record, err := m.walWriter.ReadRecord(lsn)
		if err != nil {
			return err
		}
		next := record.PrevLSN

		switch record.Type {
		case types.LogRecordInsert, types.LogRecordUpdate, types.LogRecordDelete:
			if m.undo != nil {
				if err := m.undo(record); err != nil {
					return err
				}
			}
			m.walWriter.LogCLR(record.TxnID, record.TableName, record.PageID, record.SlotNum, next, record.Type, record.BeforeImage)
		}

		lsn = next
	}

	return nil
}

// GetActiveTxns returns the IDs of every currently running transaction.
func (m *Manager) GetActiveTxns() []types.TxnID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	txns := make([]types.TxnID, 0, len(m.activeTxns))
	for txnID := range m.activeTxns {
		txns = append(txns, txnID)
	}
	return txns
}

// GetTransaction returns a transaction by ID, or nil if it is not active.
func (m *Manager) GetTransaction(txnID types.TxnID) *Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeTxns[txnID]
}

// ActiveTxnLastLSN snapshots the last-written LSN for every active
// transaction, for inclusion in a checkpoint record.
func (m *Manager) ActiveTxnLastLSN() map[types.TxnID]types.LSN {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[types.TxnID]types.LSN, len(m.activeTxns))
	for id, t := range m.activeTxns {
		if m.walWriter != nil {
			if lsn := m.walWriter.GetTxnLastLSN(id); lsn != types.InvalidLSN {
				result[id] = lsn
				continue
			}
		}
		t.mu.Lock()
		result[id] = t.LastLSN
		t.mu.Unlock()
	}
	return result
}

// SetNextTxnID sets the next transaction ID to assign, used after
// recovery to resume past the highest ID observed in the WAL.
func (m *Manager) SetNextTxnID(id types.TxnID) {
	atomic.StoreUint64(&m.nextTxnID, uint64(id))
}
