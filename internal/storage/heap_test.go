package storage

import (
	"bytes"
	"minidb/pkg/types"
	"path/filepath"
	"testing"
)

func newTestHeapSetup(t *testing.T) (*BufferPool, *DiskManager, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "users.tbl")
	dm, err := NewDiskManager(path)
	if err != nil {
		t.Fatalf("NewDiskManager() error = %v", err)
	}
	bp := NewBufferPool(100)
	return bp, dm, path
}

func testSchema() types.Schema {
	return types.Schema{
		TableName: "users",
		Columns: []types.Column{
			{Name: "id", Type: types.ValueTypeInt, Nullable: false},
			{Name: "name", Type: types.ValueTypeString, Nullable: true},
		},
	}
}

func encodeRow(t *testing.T, schema types.Schema, name string) []byte {
	t.Helper()
	row := types.Row{Values: []types.Value{
		{Type: types.ValueTypeInt, IntVal: 1},
		{Type: types.ValueTypeString, StrVal: name},
	}}
	data, err := types.EncodeRow(row, schema)
	if err != nil {
		t.Fatalf("EncodeRow() error = %v", err)
	}
	return data
}

func TestTableHeapCreateOpenRoundTrip(t *testing.T) {
	bp, dm, file := newTestHeapSetup(t)
	schema := testSchema()

	th, err := CreateTableHeap(bp, dm, file, schema)
	if err != nil {
		t.Fatalf("CreateTableHeap() error = %v", err)
	}
	data := encodeRow(t, schema, "hello")
	rid, err := th.Insert(data)
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if err := th.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	bp2 := NewBufferPool(100)
	th2, err := OpenTableHeap(bp2, dm, file)
	if err != nil {
		t.Fatalf("OpenTableHeap() error = %v", err)
	}
	if th2.Name() != "users" {
		t.Errorf("Name() = %q, want users", th2.Name())
	}
	if len(th2.Schema().Columns) != 2 {
		t.Errorf("reopened schema columns = %d, want 2", len(th2.Schema().Columns))
	}

	got, err := th2.Get(rid)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Get() = %v, want %v", got, data)
	}
}

func TestTableHeapInsertGet(t *testing.T) {
	bp, dm, file := newTestHeapSetup(t)
	schema := testSchema()
	th, err := CreateTableHeap(bp, dm, file, schema)
	if err != nil {
		t.Fatalf("CreateTableHeap() error = %v", err)
	}

	data := encodeRow(t, schema, "hello")
	rid, err := th.Insert(data)
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	got, err := th.Get(rid)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Data = %v, want %v", got, data)
	}
}

func TestTableHeapUpdate(t *testing.T) {
	bp, dm, file := newTestHeapSetup(t)
	schema := testSchema()
	th, _ := CreateTableHeap(bp, dm, file, schema)

	data := encodeRow(t, schema, "original")
	rid, _ := th.Insert(data)

	updated := encodeRow(t, schema, "updated")
	if err := th.Update(rid, updated); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got, _ := th.Get(rid)
	if !bytes.Equal(got, updated) {
		t.Errorf("after update = %v, want %v", got, updated)
	}
}

func TestTableHeapDelete(t *testing.T) {
	bp, dm, file := newTestHeapSetup(t)
	schema := testSchema()
	th, _ := CreateTableHeap(bp, dm, file, schema)

	data := encodeRow(t, schema, "delete me")
	rid, _ := th.Insert(data)

	if err := th.Delete(rid); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	_, err := th.Get(rid)
	if err == nil {
		t.Error("expected error after delete")
	}
}

func TestTableHeapScan(t *testing.T) {
	bp, dm, file := newTestHeapSetup(t)
	schema := testSchema()
	th, _ := CreateTableHeap(bp, dm, file, schema)

	for i := 0; i < 5; i++ {
		th.Insert(encodeRow(t, schema, "row"))
	}

	results, err := th.Scan()
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if len(results) != 5 {
		t.Errorf("Scan() returned %d tuples, want 5", len(results))
	}
}

func TestTableHeapScanOrdering(t *testing.T) {
	bp, dm, file := newTestHeapSetup(t)
	schema := testSchema()
	th, _ := CreateTableHeap(bp, dm, file, schema)

	var rids []types.RID
	for i := 0; i < 10; i++ {
		rid, _ := th.Insert(encodeRow(t, schema, "row"))
		rids = append(rids, rid)
	}

	results, err := th.Scan()
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	for i, r := range results {
		if i > 0 {
			prev := results[i-1].RID
			if r.RID.PageID < prev.PageID || (r.RID.PageID == prev.PageID && r.RID.SlotNum <= prev.SlotNum) {
				t.Errorf("scan not in ascending (page,slot) order at index %d: %v after %v", i, r.RID, prev)
			}
		}
	}
}

func TestTableHeapPageOverflow(t *testing.T) {
	bp, dm, file := newTestHeapSetup(t)
	schema := testSchema()
	th, _ := CreateTableHeap(bp, dm, file, schema)

	largeRow := types.Row{Values: []types.Value{
		{Type: types.ValueTypeInt, IntVal: 1},
		{Type: types.ValueTypeString, StrVal: string(bytes.Repeat([]byte("x"), 500))},
	}}
	largeData, err := types.EncodeRow(largeRow, schema)
	if err != nil {
		t.Fatalf("EncodeRow() error = %v", err)
	}

	insertedCount := 0
	for i := 0; i < 20; i++ {
		if _, err := th.Insert(largeData); err != nil {
			t.Fatalf("Insert(%d) error = %v", i, err)
		}
		insertedCount++
	}

	if th.LastPage() == headerPageID+1 {
		t.Error("expected multiple data pages after overflow")
	}

	results, err := th.Scan()
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if len(results) != insertedCount {
		t.Errorf("Scan() returned %d, want %d", len(results), insertedCount)
	}
}

func TestTableHeapInsertReusesFreeSpaceBeforeAllocating(t *testing.T) {
	bp, dm, file := newTestHeapSetup(t)
	schema := testSchema()
	th, _ := CreateTableHeap(bp, dm, file, schema)

	data := encodeRow(t, schema, "a")
	var rids []types.RID
	for i := 0; i < 3; i++ {
		rid, _ := th.Insert(data)
		rids = append(rids, rid)
	}
	for _, rid := range rids {
		if err := th.Delete(rid); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
	}
	lastPageBefore := th.LastPage()

	if _, err := th.Insert(data); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if th.LastPage() != lastPageBefore {
		t.Error("Insert() allocated a new page instead of reusing freed space")
	}
}

func TestTableHeapRestoreAt(t *testing.T) {
	bp, dm, file := newTestHeapSetup(t)
	schema := testSchema()
	th, _ := CreateTableHeap(bp, dm, file, schema)

	data := encodeRow(t, schema, "x")
	rid, _ := th.Insert(data)
	th.Delete(rid)

	if err := th.RestoreAt(rid, data); err != nil {
		t.Fatalf("RestoreAt() error = %v", err)
	}
	got, err := th.Get(rid)
	if err != nil {
		t.Fatalf("Get() after restore error = %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("restored data = %v, want %v", got, data)
	}
}
