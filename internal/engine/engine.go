// Package engine wires storage, locking, logging and the SQL executor
// together into a single running database.
package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"minidb/internal/catalog"
	"minidb/internal/index"
	"minidb/internal/lock"
	"minidb/internal/sql"
	"minidb/internal/storage"
	"minidb/internal/txn"
	"minidb/internal/wal"
	"minidb/pkg/types"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// Config holds engine configuration.
type Config struct {
	DataDir             string
	BufferPoolCapacity  int
	LockTimeout         string // not read by New; the executor keeps its own default unless SetLockTimeout is called
	PageCRCVerifyOnLoad bool
}

const (
	defaultBufferPoolCapacity = 1024 // 1024 pages = 4MB at 4KB/page
	catalogFileName           = "catalog.db"
	walFileName               = "wal.log"
	instanceFileName          = "instance.id"
)

// Engine owns every table's heap and index file, the shared buffer
// pool and WAL, and dispatches SQL statements to an Executor.
type Engine struct {
	dataDir       string
	verifyPageCRC bool

	walWriter   *wal.Writer
	bufferPool  *storage.BufferPool
	catalog     *catalog.Catalog
	lockManager *lock.Manager
	txnManager  *txn.Manager
	executor    *sql.Executor

	registry   *prometheus.Registry
	instanceID uuid.UUID

	mu    sync.RWMutex
	heaps map[string]*storage.TableHeap
	idx   map[string]*index.BTree
	disks map[string]*storage.DiskManager
}

// New opens (creating if necessary) a database rooted at cfg.DataDir.
func New(cfg Config) (*Engine, error) {
	if cfg.BufferPoolCapacity == 0 {
		cfg.BufferPoolCapacity = defaultBufferPoolCapacity
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	instanceID, err := loadOrCreateInstanceID(filepath.Join(cfg.DataDir, instanceFileName))
	if err != nil {
		return nil, fmt.Errorf("instance id: %w", err)
	}

	walPath := filepath.Join(cfg.DataDir, walFileName)
	walWriter, err := wal.NewWriter(walPath)
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}

	cat, err := catalog.Load(filepath.Join(cfg.DataDir, catalogFileName))
	if err != nil {
		walWriter.Close()
		return nil, fmt.Errorf("load catalog: %w", err)
	}

	bufferPool := storage.NewBufferPool(cfg.BufferPoolCapacity)
	lockManager := lock.NewManager()
	txnManager := txn.NewManager(walWriter, lockManager)

	registry := prometheus.NewRegistry()
	registry.MustRegister(bufferPool.Collectors()...)
	registry.MustRegister(lockManager.Collectors()...)
	registry.MustRegister(walWriter.Collectors()...)

	e := &Engine{
		dataDir:       cfg.DataDir,
		verifyPageCRC: cfg.PageCRCVerifyOnLoad,
		walWriter:     walWriter,
		bufferPool:  bufferPool,
		catalog:     cat,
		lockManager: lockManager,
		txnManager:  txnManager,
		registry:    registry,
		instanceID:  instanceID,
		heaps:       make(map[string]*storage.TableHeap),
		idx:         make(map[string]*index.BTree),
		disks:       make(map[string]*storage.DiskManager),
	}

	if err := e.openExistingTables(); err != nil {
		e.Close()
		return nil, fmt.Errorf("open tables: %w", err)
	}

	if err := e.recover(); err != nil {
		e.Close()
		return nil, fmt.Errorf("recovery: %w", err)
	}

	txnManager.SetUndoFunc(e.applyUndo)
	e.executor = sql.NewExecutor(txnManager, walWriter, e, lockManager)

	return e, nil
}

func loadOrCreateInstanceID(path string) (uuid.UUID, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		id, err := uuid.Parse(string(data))
		if err == nil {
			return id, nil
		}
	}
	id := uuid.New()
	if err := atomic.WriteFile(path, strings.NewReader(id.String())); err != nil {
		return uuid.UUID{}, err
	}
	return id, nil
}

// openExistingTables registers every table and index file already
// known to the catalog with the buffer pool, so recovery and ordinary
// queries can fetch their pages by (file, pageID).
func (e *Engine) openExistingTables() error {
	for _, name := range e.catalog.TableNames() {
		info, ok := e.catalog.Lookup(name)
		if !ok {
			continue
		}

		dm, err := storage.NewDiskManager(info.HeapFile)
		if err != nil {
			return fmt.Errorf("open heap file for %s: %w", name, err)
		}
		dm.SetVerifyOnLoad(e.verifyPageCRC)
		heap, err := storage.OpenTableHeap(e.bufferPool, dm, info.HeapFile)
		if err != nil {
			return fmt.Errorf("open table heap %s: %w", name, err)
		}

		e.mu.Lock()
		e.heaps[name] = heap
		e.disks[info.HeapFile] = dm
		e.mu.Unlock()

		if info.HasIndex() {
			idm, err := storage.NewDiskManager(info.IndexFile)
			if err != nil {
				return fmt.Errorf("open index file for %s: %w", name, err)
			}
			idm.SetVerifyOnLoad(e.verifyPageCRC)
			bt, err := index.OpenBTree(e.bufferPool, idm, info.IndexFile)
			if err != nil {
				return fmt.Errorf("open index %s: %w", name, err)
			}

			e.mu.Lock()
			e.idx[name] = bt
			e.disks[info.IndexFile] = idm
			e.mu.Unlock()
		}
	}
	return nil
}

// recover replays the WAL against whatever tables already exist on
// disk; it is a no-op on a brand-new database with an empty log.
func (e *Engine) recover() error {
	rm := wal.NewRecoveryManager(e.walWriter)
	rm.SetCallbacks(e.applyRedo, e.applyUndo)
	rm.SetPageLSNCallback(func(table string, pageID types.PageID) types.LSN {
		info, ok := e.catalog.Lookup(table)
		if !ok {
			return types.InvalidLSN
		}
		return e.bufferPool.GetPageLSN(info.HeapFile, pageID)
	})

	if err := rm.Recover(); err != nil {
		return err
	}

	if err := e.bufferPool.FlushAllPages(); err != nil {
		return fmt.Errorf("flush pages after recovery: %w", err)
	}

	maxTxnID := e.walWriter.GetMaxTxnID()
	for txnID := range rm.GetActiveTxnTable() {
		if txnID > maxTxnID {
			maxTxnID = txnID
		}
	}
	if maxTxnID > 0 {
		e.txnManager.SetNextTxnID(maxTxnID + 1)
	}

	return nil
}

func (e *Engine) heapFile(table string) (string, bool) {
	info, ok := e.catalog.Lookup(table)
	if !ok {
		return "", false
	}
	return info.HeapFile, true
}

// applyRedo reapplies one logged physical change to the matching raw
// page, used both during crash recovery's redo pass and as the
// compensating action a CLR re-executes.
func (e *Engine) applyRedo(record *wal.LogRecord) error {
	file, ok := e.heapFile(record.TableName)
	if !ok {
		log.Warn().Str("table", record.TableName).Msg("recovery: redo against unknown table, skipping")
		return nil
	}

	page, err := e.bufferPool.FetchPage(file, record.PageID)
	if err != nil {
		return err
	}
	defer e.bufferPool.UnpinPage(file, record.PageID, true)

	switch record.Type {
	case types.LogRecordInsert:
		err = page.RestoreTuple(record.SlotNum, record.AfterImage)
	case types.LogRecordUpdate:
		err = page.UpdateTuple(record.SlotNum, record.AfterImage)
	case types.LogRecordDelete:
		err = page.DeleteTuple(record.SlotNum)
	case types.LogRecordCLR:
		err = e.applyInnerChange(page, record.InnerType, record.SlotNum, record.InnerPayload)
	}
	page.SetLSN(record.LSN)
	return err
}

// applyInnerChange redoes the compensating write a CLR recorded: a CLR
// undoing an INSERT re-deletes, one undoing an UPDATE re-installs the
// before-image, and one undoing a DELETE re-restores the deleted row.
func (e *Engine) applyInnerChange(page *storage.Page, innerType types.LogRecordType, slotNum uint16, data []byte) error {
	switch innerType {
	case types.LogRecordInsert:
		return page.DeleteTuple(slotNum)
	case types.LogRecordUpdate:
		return page.UpdateTuple(slotNum, data)
	case types.LogRecordDelete:
		return page.RestoreTuple(slotNum, data)
	}
	return nil
}

// applyUndo physically reverses one logged change: it is used both by
// ordinary ROLLBACK and by crash recovery's undo pass.
func (e *Engine) applyUndo(record *wal.LogRecord) error {
	file, ok := e.heapFile(record.TableName)
	if !ok {
		log.Warn().Str("table", record.TableName).Msg("undo against unknown table, skipping")
		return nil
	}

	page, err := e.bufferPool.FetchPage(file, record.PageID)
	if err != nil {
		return err
	}
	defer e.bufferPool.UnpinPage(file, record.PageID, true)

	return e.applyInnerChange(page, record.Type, record.SlotNum, record.BeforeImage)
}

// Execute runs one SQL statement through the executor.
func (e *Engine) Execute(sqlStr string) *sql.Result {
	return e.executor.Execute(sqlStr)
}

// CreateTable implements sql.TableStore: it allocates a fresh heap
// file for the table and registers it with the catalog.
func (e *Engine) CreateTable(name string, columns []types.Column) (catalog.TableInfo, error) {
	if _, exists := e.catalog.Lookup(name); exists {
		return catalog.TableInfo{}, fmt.Errorf("table %q already exists", name)
	}

	heapFile := filepath.Join(e.dataDir, "tbl_"+name+".heap")
	dm, err := storage.NewDiskManager(heapFile)
	if err != nil {
		return catalog.TableInfo{}, fmt.Errorf("create heap file: %w", err)
	}
	dm.SetVerifyOnLoad(e.verifyPageCRC)

	schema := types.Schema{TableName: name, Columns: columns}
	heap, err := storage.CreateTableHeap(e.bufferPool, dm, heapFile, schema)
	if err != nil {
		dm.Close()
		return catalog.TableInfo{}, fmt.Errorf("create table heap: %w", err)
	}

	info, err := e.catalog.CreateTable(name, heapFile, columns)
	if err != nil {
		dm.Close()
		return catalog.TableInfo{}, err
	}

	e.mu.Lock()
	e.heaps[name] = heap
	e.disks[heapFile] = dm
	e.mu.Unlock()

	return *info, nil
}

// DropTable implements sql.TableStore: it removes the table's catalog
// entry and deletes its heap and (if present) index files.
func (e *Engine) DropTable(name string) error {
	info, ok := e.catalog.Lookup(name)
	if !ok {
		return fmt.Errorf("table %q does not exist", name)
	}

	if err := e.catalog.DropTable(name); err != nil {
		return err
	}

	e.mu.Lock()
	delete(e.heaps, name)
	delete(e.idx, name)
	e.bufferPool.InvalidateFile(info.HeapFile)
	if dm, ok := e.disks[info.HeapFile]; ok {
		dm.Close()
		delete(e.disks, info.HeapFile)
	}
	if info.IndexFile != "" {
		e.bufferPool.InvalidateFile(info.IndexFile)
		if dm, ok := e.disks[info.IndexFile]; ok {
			dm.Close()
			delete(e.disks, info.IndexFile)
		}
	}
	e.mu.Unlock()

	if err := os.Remove(info.HeapFile); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("file", info.HeapFile).Msg("drop table: remove heap file")
	}
	if info.IndexFile != "" {
		if err := os.Remove(info.IndexFile); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("file", info.IndexFile).Msg("drop table: remove index file")
		}
	}

	return nil
}

// DropIndex implements sql.TableStore: it discards a table's B+Tree
// index, leaving the table and its rows untouched.
func (e *Engine) DropIndex(tableName string) error {
	info, ok := e.catalog.Lookup(tableName)
	if !ok {
		return fmt.Errorf("table %q does not exist", tableName)
	}
	if !info.HasIndex() {
		return fmt.Errorf("table %q has no index", tableName)
	}
	indexFile := info.IndexFile

	if err := e.catalog.ClearIndex(tableName); err != nil {
		return err
	}

	e.mu.Lock()
	delete(e.idx, tableName)
	e.bufferPool.InvalidateFile(indexFile)
	if dm, ok := e.disks[indexFile]; ok {
		dm.Close()
		delete(e.disks, indexFile)
	}
	e.mu.Unlock()

	if err := os.Remove(indexFile); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("file", indexFile).Msg("drop index: remove index file")
	}

	return nil
}

// Lookup implements sql.TableStore.
func (e *Engine) Lookup(name string) (catalog.TableInfo, bool) {
	return e.catalog.Lookup(name)
}

// Heap implements sql.TableStore.
func (e *Engine) Heap(name string) (*storage.TableHeap, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	heap, ok := e.heaps[name]
	if !ok {
		return nil, fmt.Errorf("table %q has no open heap", name)
	}
	return heap, nil
}

// Index implements sql.TableStore.
func (e *Engine) Index(name string) (*index.BTree, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	bt, ok := e.idx[name]
	return bt, ok
}

// CreateIndex builds a B+Tree index over a table's column, populating
// it from every row currently in the heap.
func (e *Engine) CreateIndex(tableName, columnName string) error {
	info, ok := e.catalog.Lookup(tableName)
	if !ok {
		return fmt.Errorf("table %q does not exist", tableName)
	}
	if info.HasIndex() {
		return fmt.Errorf("table %q already has an index", tableName)
	}

	schema := info.Schema()
	colIdx := schema.ColumnIndex(columnName)
	if colIdx < 0 {
		return fmt.Errorf("table %q has no column %q", tableName, columnName)
	}

	indexFile := filepath.Join(e.dataDir, "tbl_"+tableName+".idx")
	dm, err := storage.NewDiskManager(indexFile)
	if err != nil {
		return fmt.Errorf("create index file: %w", err)
	}
	dm.SetVerifyOnLoad(e.verifyPageCRC)

	bt, err := index.CreateBTree(e.bufferPool, dm, indexFile, tableName, columnName, schema.Columns[colIdx].Type)
	if err != nil {
		dm.Close()
		return fmt.Errorf("create btree: %w", err)
	}

	heap, err := e.Heap(tableName)
	if err != nil {
		return err
	}
	tuples, err := heap.Scan()
	if err != nil {
		return fmt.Errorf("scan %s for indexing: %w", tableName, err)
	}

	for _, t := range tuples {
		row, err := types.DecodeRow(t.Data, schema)
		if err != nil {
			return fmt.Errorf("decode row while indexing %s: %w", tableName, err)
		}
		if row.Values[colIdx].IsNull {
			continue
		}
		key, err := index.EncodeKey(row.Values[colIdx])
		if err != nil {
			continue
		}
		if err := bt.Insert(key, t.RID); err != nil {
			return fmt.Errorf("index insert while building %s: %w", tableName, err)
		}
	}

	if err := e.catalog.SetIndex(tableName, indexFile, bt.GetRootPageID()); err != nil {
		return err
	}

	e.mu.Lock()
	e.idx[tableName] = bt
	e.disks[indexFile] = dm
	e.mu.Unlock()

	return nil
}

// Checkpoint forces the WAL and writes a checkpoint record capturing
// every active transaction's last LSN. Dirty pages need not be flushed
// first: ARIES' STEAL/NO-FORCE policy only requires the log record
// itself to be durable.
func (e *Engine) Checkpoint() error {
	activeTxnLastLSN := e.txnManager.ActiveTxnLastLSN()
	_, err := e.walWriter.LogCheckpoint(activeTxnLastLSN)
	return err
}

// Close flushes all dirty pages and the WAL, then closes every
// underlying file.
func (e *Engine) Close() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if e.bufferPool != nil {
		record(e.bufferPool.FlushAllPages())
	}
	if e.walWriter != nil {
		record(e.walWriter.Flush())
	}

	e.mu.Lock()
	for _, dm := range e.disks {
		record(dm.Sync())
		record(dm.Close())
	}
	e.mu.Unlock()

	if e.walWriter != nil {
		record(e.walWriter.Close())
	}

	return firstErr
}

// Stats reports point-in-time engine metrics.
func (e *Engine) Stats() map[string]interface{} {
	hits, misses, cached := e.bufferPool.Stats()
	hitRate := float64(0)
	if hits+misses > 0 {
		hitRate = float64(hits) / float64(hits+misses) * 100
	}

	e.mu.RLock()
	tableCount := len(e.heaps)
	e.mu.RUnlock()

	return map[string]interface{}{
		"instance_id":        e.instanceID.String(),
		"wal_current_lsn":    e.walWriter.GetCurrentLSN(),
		"wal_durable_lsn":    e.walWriter.GetDurableLSN(),
		"active_txns":        len(e.txnManager.GetActiveTxns()),
		"buffer_pool_hits":   hits,
		"buffer_pool_misses": misses,
		"buffer_pool_cached": cached,
		"buffer_hit_rate":    fmt.Sprintf("%.1f%%", hitRate),
		"tables":             tableCount,
	}
}

// GetCatalog returns the engine's table/index directory.
func (e *Engine) GetCatalog() *catalog.Catalog {
	return e.catalog
}

// GetBufferPool returns the shared buffer pool.
func (e *Engine) GetBufferPool() *storage.BufferPool {
	return e.bufferPool
}

// Registry returns the Prometheus registry metrics are exposed through.
func (e *Engine) Registry() *prometheus.Registry {
	return e.registry
}

// ExecutorHandle exposes the engine's SQL executor, for callers (e.g. the
// REPL) that need transaction-state introspection beyond Execute.
func (e *Engine) ExecutorHandle() *sql.Executor {
	return e.executor
}
