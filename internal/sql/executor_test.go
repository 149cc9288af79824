package sql

import (
	"fmt"
	"path/filepath"
	"testing"

	"minidb/internal/catalog"
	"minidb/internal/index"
	"minidb/internal/lock"
	"minidb/internal/storage"
	"minidb/internal/txn"
	"minidb/internal/wal"
	"minidb/pkg/types"
)

// fakeStore is a minimal TableStore backed by real storage/catalog/index
// components, giving the executor tests a realistic heap and index to
// operate on without depending on the engine package.
type fakeStore struct {
	dir        string
	bufferPool *storage.BufferPool
	cat        *catalog.Catalog
	heaps      map[string]*storage.TableHeap
	idx        map[string]*index.BTree
}

func newFakeStore(t *testing.T, dir string) *fakeStore {
	t.Helper()
	return &fakeStore{
		dir:        dir,
		bufferPool: storage.NewBufferPool(64),
		cat:        catalog.New(filepath.Join(dir, "catalog.db")),
		heaps:      make(map[string]*storage.TableHeap),
		idx:        make(map[string]*index.BTree),
	}
}

func (s *fakeStore) CreateTable(name string, columns []types.Column) (catalog.TableInfo, error) {
	heapFile := filepath.Join(s.dir, name+".heap")
	dm, err := storage.NewDiskManager(heapFile)
	if err != nil {
		return catalog.TableInfo{}, err
	}
	schema := types.Schema{TableName: name, Columns: columns}
	heap, err := storage.CreateTableHeap(s.bufferPool, dm, heapFile, schema)
	if err != nil {
		return catalog.TableInfo{}, err
	}
	info, err := s.cat.CreateTable(name, heapFile, columns)
	if err != nil {
		return catalog.TableInfo{}, err
	}
	s.heaps[name] = heap
	return *info, nil
}

func (s *fakeStore) DropTable(name string) error {
	if err := s.cat.DropTable(name); err != nil {
		return err
	}
	delete(s.heaps, name)
	delete(s.idx, name)
	return nil
}

func (s *fakeStore) Lookup(name string) (catalog.TableInfo, bool) {
	return s.cat.Lookup(name)
}

func (s *fakeStore) Heap(name string) (*storage.TableHeap, error) {
	h, ok := s.heaps[name]
	if !ok {
		return nil, fmt.Errorf("table %q not open", name)
	}
	return h, nil
}

func (s *fakeStore) Index(name string) (*index.BTree, bool) {
	bt, ok := s.idx[name]
	return bt, ok
}

func (s *fakeStore) CreateIndex(tableName, columnName string) error {
	info, ok := s.cat.Lookup(tableName)
	if !ok {
		return fmt.Errorf("table %q not found", tableName)
	}
	schema := info.Schema()
	col := schema.ColumnIndex(columnName)
	if col < 0 {
		return fmt.Errorf("column %q not found on table %q", columnName, tableName)
	}
	indexFile := filepath.Join(s.dir, tableName+"."+columnName+".idx")
	dm, err := storage.NewDiskManager(indexFile)
	if err != nil {
		return err
	}
	bt, err := index.CreateBTree(s.bufferPool, dm, indexFile, tableName, columnName, schema.Columns[col].Type)
	if err != nil {
		return err
	}
	heap := s.heaps[tableName]
	tuples, err := heap.Scan()
	if err != nil {
		return err
	}
	for _, tup := range tuples {
		row, err := types.DecodeRow(tup.Data, schema)
		if err != nil {
			return err
		}
		key, err := index.EncodeKey(row.Values[col])
		if err != nil {
			continue
		}
		if err := bt.Insert(key, tup.RID); err != nil {
			return err
		}
	}
	s.idx[tableName] = bt
	return s.cat.SetIndex(tableName, indexFile, bt.GetRootPageID())
}

func (s *fakeStore) DropIndex(tableName string) error {
	info, ok := s.cat.Lookup(tableName)
	if !ok {
		return fmt.Errorf("table %q does not exist", tableName)
	}
	if !info.HasIndex() {
		return fmt.Errorf("table %q has no index", tableName)
	}
	if err := s.cat.ClearIndex(tableName); err != nil {
		return err
	}
	delete(s.idx, tableName)
	return nil
}

// newExecutorTestEngine wires a full executor over a throwaway on-disk
// store, mirroring the engine's own wiring but trimmed to what the SQL
// layer needs.
func newExecutorTestEngine(t *testing.T, dir string) *Executor {
	t.Helper()
	ex, _ := newExecutorTestEngineWithStore(t, dir)
	return ex
}

func newExecutorTestEngineWithStore(t *testing.T, dir string) (*Executor, *fakeStore) {
	t.Helper()

	walPath := filepath.Join(dir, "wal.log")
	walWriter, err := wal.NewWriter(walPath)
	if err != nil {
		t.Fatalf("wal.NewWriter() error = %v", err)
	}

	lockManager := lock.NewManager()
	txnManager := txn.NewManager(walWriter, lockManager)
	store := newFakeStore(t, dir)

	ex := NewExecutor(txnManager, walWriter, store, lockManager)
	txnManager.SetUndoFunc(func(record *wal.LogRecord) error {
		heap, err := store.Heap(record.TableName)
		if err != nil {
			return nil
		}
		switch record.Type {
		case types.LogRecordInsert:
			return heap.Delete(types.RID{PageID: record.PageID, SlotNum: record.SlotNum})
		case types.LogRecordUpdate:
			return heap.Update(types.RID{PageID: record.PageID, SlotNum: record.SlotNum}, record.BeforeImage)
		case types.LogRecordDelete:
			return heap.RestoreAt(types.RID{PageID: record.PageID, SlotNum: record.SlotNum}, record.BeforeImage)
		}
		return nil
	})
	return ex, store
}
