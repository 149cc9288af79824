// Package catalog tracks which tables and indexes exist, their schemas,
// and the files that back them. It is deliberately separate from
// internal/storage: storage knows how bytes are laid out on a page,
// catalog knows what tables exist and resolves a table identifier to a
// schema and an absolute file path.
package catalog

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"sync"

	"minidb/pkg/types"

	"github.com/natefinch/atomic"
)

// TableInfo is everything the catalog knows about one table.
type TableInfo struct {
	TableID   uint32
	Name      string
	HeapFile  string
	Columns   []types.Column
	IndexFile string
	IndexRoot types.PageID
}

// Schema reconstructs the table's schema from its catalog entry.
func (ti TableInfo) Schema() types.Schema {
	return types.Schema{TableName: ti.Name, Columns: ti.Columns}
}

// HasIndex reports whether an index has been built for this table.
func (ti TableInfo) HasIndex() bool {
	return ti.IndexFile != ""
}

type snapshot struct {
	NextTableID uint32
	Tables      []TableInfo
}

// Catalog is the directory of tables and indexes, persisted as a single
// file written atomically so a crash mid-write never leaves a
// half-written catalog behind.
type Catalog struct {
	mu          sync.RWMutex
	path        string
	nextTableID uint32
	byName      map[string]*TableInfo
	byID        map[uint32]*TableInfo
}

// New creates an empty catalog that will persist to path.
func New(path string) *Catalog {
	return &Catalog{
		path:        path,
		nextTableID: 1,
		byName:      make(map[string]*TableInfo),
		byID:        make(map[uint32]*TableInfo),
	}
}

// Load reads the catalog from path, or returns a fresh empty catalog if
// the file does not exist yet.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return New(path), nil
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}

	var snap snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return nil, fmt.Errorf("catalog: decode %s: %w", path, err)
	}

	c := &Catalog{
		path:        path,
		nextTableID: snap.NextTableID,
		byName:      make(map[string]*TableInfo),
		byID:        make(map[uint32]*TableInfo),
	}
	for i := range snap.Tables {
		t := snap.Tables[i]
		c.byName[t.Name] = &t
		c.byID[t.TableID] = &t
	}
	return c, nil
}

// save persists the catalog atomically: a temp file is written and
// fsynced, then renamed over path, so readers never observe a partial
// file.
func (c *Catalog) save() error {
	snap := snapshot{NextTableID: c.nextTableID}
	for _, t := range c.byName {
		snap.Tables = append(snap.Tables, *t)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return fmt.Errorf("catalog: encode: %w", err)
	}
	return atomic.WriteFile(c.path, &buf)
}

// CreateTable registers a new table and persists the catalog.
func (c *Catalog) CreateTable(name, heapFile string, columns []types.Column) (*TableInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.byName[name]; exists {
		return nil, fmt.Errorf("table %q already exists", name)
	}

	info := &TableInfo{
		TableID:  c.nextTableID,
		Name:     name,
		HeapFile: heapFile,
		Columns:  columns,
	}
	c.nextTableID++
	c.byName[name] = info
	c.byID[info.TableID] = info

	if err := c.save(); err != nil {
		delete(c.byName, name)
		delete(c.byID, info.TableID)
		c.nextTableID--
		return nil, err
	}
	return info, nil
}

// DropTable removes a table's catalog entry.
func (c *Catalog) DropTable(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	info, ok := c.byName[name]
	if !ok {
		return fmt.Errorf("table %q does not exist", name)
	}
	delete(c.byName, name)
	delete(c.byID, info.TableID)
	return c.save()
}

// Lookup resolves a table by name.
func (c *Catalog) Lookup(name string) (TableInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.byName[name]
	if !ok {
		return TableInfo{}, false
	}
	return *info, true
}

// LookupByID resolves a table by its stable identifier.
func (c *Catalog) LookupByID(id uint32) (TableInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.byID[id]
	if !ok {
		return TableInfo{}, false
	}
	return *info, true
}

// SetIndex records that tableName now has a B+Tree index backed by
// indexFile rooted at root.
func (c *Catalog) SetIndex(tableName, indexFile string, root types.PageID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	info, ok := c.byName[tableName]
	if !ok {
		return fmt.Errorf("table %q does not exist", tableName)
	}
	prevFile, prevRoot := info.IndexFile, info.IndexRoot
	info.IndexFile = indexFile
	info.IndexRoot = root

	if err := c.save(); err != nil {
		info.IndexFile, info.IndexRoot = prevFile, prevRoot
		return err
	}
	return nil
}

// ClearIndex removes the index registration for a table, leaving the
// table itself untouched.
func (c *Catalog) ClearIndex(tableName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	info, ok := c.byName[tableName]
	if !ok {
		return fmt.Errorf("table %q does not exist", tableName)
	}
	prevFile, prevRoot := info.IndexFile, info.IndexRoot
	info.IndexFile = ""
	info.IndexRoot = 0

	if err := c.save(); err != nil {
		info.IndexFile, info.IndexRoot = prevFile, prevRoot
		return err
	}
	return nil
}

// TableNames returns every registered table name.
func (c *Catalog) TableNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.byName))
	for name := range c.byName {
		names = append(names, name)
	}
	return names
}
