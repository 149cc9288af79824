// Package index implements the disk-backed B+Tree used for secondary
// access paths over a table: order-preserving key encoding, leaf
// sibling chaining for range scans, and split-on-overflow insert.
package index

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"minidb/internal/storage"
	"minidb/internal/storeerr"
	"minidb/pkg/types"
)

// EncodeKey encodes a scalar value into an order-preserving byte
// string: bytes.Compare over two encoded keys agrees with SQL
// ordering over the original values. NULL has no encoding.
func EncodeKey(v types.Value) ([]byte, error) {
	if v.IsNull || v.Type == types.ValueTypeNull {
		return nil, fmt.Errorf("cannot index a NULL value")
	}
	switch v.Type {
	case types.ValueTypeInt, types.ValueTypeDate:
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(v.IntVal))
		buf[0] ^= 0x80
		return buf[:], nil

	case types.ValueTypeFloat:
		f := v.FloatVal
		if math.IsNaN(f) {
			return nil, fmt.Errorf("cannot index NaN")
		}
		if f == 0 {
			f = 0 // normalize -0 to +0
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], math.Float64bits(f))
		if buf[0]&0x80 != 0 {
			for i := range buf {
				buf[i] = ^buf[i]
			}
		} else {
			buf[0] ^= 0x80
		}
		return buf[:], nil

	case types.ValueTypeBool:
		if v.BoolVal {
			return []byte{0x01}, nil
		}
		return []byte{0x00}, nil

	case types.ValueTypeString:
		out := make([]byte, 0, len(v.StrVal)+2)
		for i := 0; i < len(v.StrVal); i++ {
			b := v.StrVal[i]
			if b == 0x00 {
				out = append(out, 0x00, 0x01)
			} else {
				out = append(out, b)
			}
		}
		out = append(out, 0x00, 0x00)
		return out, nil

	default:
		return nil, fmt.Errorf("cannot index value of type %s", v.Type)
	}
}

const (
	nodeTypeLeaf     uint8 = 1
	nodeTypeInternal uint8 = 2

	nodeHeaderSize  = 3 // type(1) + key_count(2)
	leafHeaderExtra = 4 // right_sibling(4), leaves only
	keyLenPrefix    = 2
	ridEncodedSize  = 6 // page_id(4) + slot_num(2)
	childIDSize     = 4

	metaMagic         = uint32(0x42544949) // "BTII"
	metaFormatVersion = uint16(1)
)

// maxNodePayload is the usable body of a page once the generic page
// header is accounted for.
const maxNodePayload = storage.PageSize - storage.PageHeaderSize

func encodeRID(rid types.RID) []byte {
	buf := make([]byte, ridEncodedSize)
	binary.BigEndian.PutUint32(buf[0:4], uint32(rid.PageID))
	binary.BigEndian.PutUint16(buf[4:6], rid.SlotNum)
	return buf
}

func decodeRID(buf []byte) types.RID {
	return types.RID{
		PageID:  types.PageID(binary.BigEndian.Uint32(buf[0:4])),
		SlotNum: binary.BigEndian.Uint16(buf[4:6]),
	}
}

// BTreeNode is the in-memory view of one B+Tree page.
type BTreeNode struct {
	page         *storage.Page
	isLeaf       bool
	keys         [][]byte
	rightSibling types.PageID // leaves only; InvalidPageID if none
	children     []types.PageID
	rids         []types.RID
}

func newLeafNode(page *storage.Page) *BTreeNode {
	return &BTreeNode{page: page, isLeaf: true}
}

func newInternalNode(page *storage.Page) *BTreeNode {
	return &BTreeNode{page: page, isLeaf: false}
}

// serializedSize reports the byte footprint the node would occupy if
// serialized right now, used to decide whether an insert overflows the
// page before it is actually written.
func (node *BTreeNode) serializedSize() int {
	size := nodeHeaderSize
	if node.isLeaf {
		size += leafHeaderExtra
	}
	for _, k := range node.keys {
		size += keyLenPrefix + len(k)
	}
	if node.isLeaf {
		size += len(node.rids) * ridEncodedSize
	} else {
		size += len(node.children) * childIDSize
	}
	return size
}

func (node *BTreeNode) serialize() {
	buf := node.page.Data[storage.PageHeaderSize:]
	pos := 0

	if node.isLeaf {
		buf[pos] = nodeTypeLeaf
	} else {
		buf[pos] = nodeTypeInternal
	}
	pos++
	binary.BigEndian.PutUint16(buf[pos:], uint16(len(node.keys)))
	pos += 2
	if node.isLeaf {
		binary.BigEndian.PutUint32(buf[pos:], uint32(node.rightSibling))
		pos += 4
	}

	for _, k := range node.keys {
		binary.BigEndian.PutUint16(buf[pos:], uint16(len(k)))
		pos += 2
		copy(buf[pos:], k)
		pos += len(k)
	}

	if node.isLeaf {
		for _, r := range node.rids {
			copy(buf[pos:], encodeRID(r))
			pos += ridEncodedSize
		}
	} else {
		for _, c := range node.children {
			binary.BigEndian.PutUint32(buf[pos:], uint32(c))
			pos += childIDSize
		}
	}

	node.page.IsDirty = true
}

func deserializeNode(page *storage.Page) (*BTreeNode, error) {
	buf := page.Data[storage.PageHeaderSize:]
	pos := 0

	typ := buf[pos]
	pos++
	if typ != nodeTypeLeaf && typ != nodeTypeInternal {
		return nil, storeerr.ErrPageCorruption
	}
	isLeaf := typ == nodeTypeLeaf
	keyCount := int(binary.BigEndian.Uint16(buf[pos:]))
	pos += 2

	node := &BTreeNode{page: page, isLeaf: isLeaf}
	if isLeaf {
		node.rightSibling = types.PageID(binary.BigEndian.Uint32(buf[pos:]))
		pos += 4
	}

	node.keys = make([][]byte, keyCount)
	for i := 0; i < keyCount; i++ {
		klen := int(binary.BigEndian.Uint16(buf[pos:]))
		pos += 2
		node.keys[i] = append([]byte(nil), buf[pos:pos+klen]...)
		pos += klen
	}

	if isLeaf {
		node.rids = make([]types.RID, keyCount)
		for i := 0; i < keyCount; i++ {
			node.rids[i] = decodeRID(buf[pos : pos+ridEncodedSize])
			pos += ridEncodedSize
		}
	} else {
		childCount := keyCount + 1
		node.children = make([]types.PageID, childCount)
		for i := 0; i < childCount; i++ {
			node.children[i] = types.PageID(binary.BigEndian.Uint32(buf[pos:]))
			pos += childIDSize
		}
	}

	return node, nil
}

// btreeMeta is the page-0 metadata tuple: JSON rather than the fixed
// binary layout used elsewhere, since it is written once per
// structural change and never needs to fit a slot.
type btreeMeta struct {
	Magic      uint32        `json:"magic"`
	Version    uint16        `json:"format_version"`
	Table      string        `json:"table"`
	Column     string        `json:"column"`
	KeyType    types.ValueType `json:"key_type"`
	RootPageID types.PageID  `json:"root_page_id"`
	NextFree   types.PageID  `json:"next_free_page_id"`
	EntryCount int           `json:"entry_count"`
	Height     int           `json:"height"`
}

func writeMetaPage(page *storage.Page, meta btreeMeta) error {
	body, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if len(body) > maxNodePayload-2 {
		return fmt.Errorf("btree metadata too large: %d bytes", len(body))
	}
	buf := page.Data[storage.PageHeaderSize:]
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(body)))
	copy(buf[2:], body)
	page.IsDirty = true
	return nil
}

func readMetaPage(page *storage.Page) (btreeMeta, error) {
	buf := page.Data[storage.PageHeaderSize:]
	blen := int(binary.BigEndian.Uint16(buf[0:2]))
	if blen == 0 || 2+blen > maxNodePayload {
		return btreeMeta{}, storeerr.ErrPageCorruption
	}
	var meta btreeMeta
	if err := json.Unmarshal(buf[2:2+blen], &meta); err != nil {
		return btreeMeta{}, storeerr.ErrPageCorruption
	}
	if meta.Magic != metaMagic {
		return btreeMeta{}, storeerr.ErrPageCorruption
	}
	return meta, nil
}

// BTree is a disk-backed B+Tree index file: page 0 holds metadata,
// pages 1..N hold nodes.
type BTree struct {
	bufferPool *storage.BufferPool
	file       string

	table   string
	column  string
	keyType types.ValueType

	rootPageID types.PageID
	entryCount int
	height     int
}

// CreateBTree initializes a brand-new, empty index file: a metadata
// page followed by a single empty leaf root.
func CreateBTree(bufferPool *storage.BufferPool, dm *storage.DiskManager, file, table, column string, keyType types.ValueType) (*BTree, error) {
	bufferPool.RegisterFile(file, dm)

	metaPage, err := bufferPool.NewPage(file, storage.PageTypeBTree)
	if err != nil {
		return nil, err
	}
	if metaPage.ID != types.PageID(0) {
		return nil, fmt.Errorf("btree %s: expected metadata page 0, got %d", file, metaPage.ID)
	}

	rootPage, err := bufferPool.NewPage(file, storage.PageTypeBTree)
	if err != nil {
		return nil, err
	}
	root := newLeafNode(rootPage)
	root.serialize()

	bt := &BTree{
		bufferPool: bufferPool,
		file:       file,
		table:      table,
		column:     column,
		keyType:    keyType,
		rootPageID: rootPage.ID,
		height:     1,
	}

	if err := writeMetaPage(metaPage, bt.snapshot()); err != nil {
		return nil, err
	}

	bufferPool.UnpinPage(file, metaPage.ID, true)
	bufferPool.UnpinPage(file, rootPage.ID, true)

	if err := bufferPool.FlushFile(file); err != nil {
		return nil, err
	}
	return bt, nil
}

// OpenBTree loads an existing index file's metadata.
func OpenBTree(bufferPool *storage.BufferPool, dm *storage.DiskManager, file string) (*BTree, error) {
	bufferPool.RegisterFile(file, dm)

	metaPage, err := bufferPool.FetchPage(file, types.PageID(0))
	if err != nil {
		return nil, err
	}
	meta, err := readMetaPage(metaPage)
	bufferPool.UnpinPage(file, types.PageID(0), false)
	if err != nil {
		return nil, err
	}

	return &BTree{
		bufferPool: bufferPool,
		file:       file,
		table:      meta.Table,
		column:     meta.Column,
		keyType:    meta.KeyType,
		rootPageID: meta.RootPageID,
		entryCount: meta.EntryCount,
		height:     meta.Height,
	}, nil
}

func (bt *BTree) snapshot() btreeMeta {
	return btreeMeta{
		Magic:      metaMagic,
		Version:    metaFormatVersion,
		Table:      bt.table,
		Column:     bt.column,
		KeyType:    bt.keyType,
		RootPageID: bt.rootPageID,
		EntryCount: bt.entryCount,
		Height:     bt.height,
	}
}

func (bt *BTree) persistMeta() error {
	metaPage, err := bt.bufferPool.FetchPage(bt.file, types.PageID(0))
	if err != nil {
		return err
	}
	defer bt.bufferPool.UnpinPage(bt.file, types.PageID(0), true)
	return writeMetaPage(metaPage, bt.snapshot())
}

func (bt *BTree) fetchNode(id types.PageID) (*BTreeNode, error) {
	page, err := bt.bufferPool.FetchPage(bt.file, id)
	if err != nil {
		return nil, err
	}
	node, err := deserializeNode(page)
	if err != nil {
		bt.bufferPool.UnpinPage(bt.file, id, false)
		return nil, err
	}
	return node, nil
}

func (bt *BTree) unpin(id types.PageID, dirty bool) {
	bt.bufferPool.UnpinPage(bt.file, id, dirty)
}

// ridLess breaks ties between equal keys deterministically.
func ridLess(a, b types.RID) bool {
	if a.PageID != b.PageID {
		return a.PageID < b.PageID
	}
	return a.SlotNum < b.SlotNum
}

// Insert adds a key/rid pair, descending to the target leaf and
// splitting any node that would overflow its page.
func (bt *BTree) Insert(key []byte, rid types.RID) error {
	path, err := bt.findLeafPath(key)
	if err != nil {
		return err
	}
	leafID := path[len(path)-1]
	leaf, err := bt.fetchNode(leafID)
	if err != nil {
		return err
	}

	idx := 0
	for idx < len(leaf.keys) {
		cmp := bytes.Compare(key, leaf.keys[idx])
		if cmp > 0 || (cmp == 0 && ridLess(leaf.rids[idx], rid)) {
			idx++
			continue
		}
		break
	}
	leaf.keys = append(leaf.keys, nil)
	leaf.rids = append(leaf.rids, types.RID{})
	copy(leaf.keys[idx+1:], leaf.keys[idx:])
	copy(leaf.rids[idx+1:], leaf.rids[idx:])
	leaf.keys[idx] = key
	leaf.rids[idx] = rid
	leaf.serialize()
	bt.entryCount++

	if leaf.serializedSize() > maxNodePayload {
		if err := bt.splitLeaf(leaf, path[:len(path)-1]); err != nil {
			bt.unpin(leafID, true)
			return err
		}
	}
	bt.unpin(leafID, true)

	return bt.persistMeta()
}

// splitLeaf divides a full leaf in two, wires the sibling chain, and
// pushes the new leaf's first key up into the parent (creating a new
// root if the leaf had none).
func (bt *BTree) splitLeaf(leaf *BTreeNode, ancestors []types.PageID) error {
	newPage, err := bt.bufferPool.NewPage(bt.file, storage.PageTypeBTree)
	if err != nil {
		return err
	}
	newLeaf := newLeafNode(newPage)

	mid := len(leaf.keys) / 2
	newLeaf.keys = append([][]byte(nil), leaf.keys[mid:]...)
	newLeaf.rids = append([]types.RID(nil), leaf.rids[mid:]...)
	newLeaf.rightSibling = leaf.rightSibling

	leaf.keys = leaf.keys[:mid]
	leaf.rids = leaf.rids[:mid]
	leaf.rightSibling = newPage.ID

	leaf.serialize()
	newLeaf.serialize()

	splitKey := append([]byte(nil), newLeaf.keys[0]...)
	if err := bt.insertIntoParent(ancestors, leaf.page.ID, splitKey, newPage.ID); err != nil {
		bt.unpin(newPage.ID, true)
		return err
	}
	bt.unpin(newPage.ID, true)
	return nil
}

// insertIntoParent inserts a separator key and right-child pointer
// into the last node on ancestors, recursively splitting it (and
// possibly creating a new root) if it overflows.
func (bt *BTree) insertIntoParent(ancestors []types.PageID, leftChild types.PageID, key []byte, rightChild types.PageID) error {
	if len(ancestors) == 0 {
		newRootPage, err := bt.bufferPool.NewPage(bt.file, storage.PageTypeBTree)
		if err != nil {
			return err
		}
		root := newInternalNode(newRootPage)
		root.keys = [][]byte{key}
		root.children = []types.PageID{leftChild, rightChild}
		root.serialize()
		bt.unpin(newRootPage.ID, true)

		bt.rootPageID = newRootPage.ID
		bt.height++
		return nil
	}

	parentID := ancestors[len(ancestors)-1]
	parent, err := bt.fetchNode(parentID)
	if err != nil {
		return err
	}

	idx := 0
	for idx < len(parent.keys) && bytes.Compare(key, parent.keys[idx]) > 0 {
		idx++
	}
	parent.keys = append(parent.keys, nil)
	copy(parent.keys[idx+1:], parent.keys[idx:])
	parent.keys[idx] = key

	parent.children = append(parent.children, types.InvalidPageID)
	copy(parent.children[idx+2:], parent.children[idx+1:])
	parent.children[idx+1] = rightChild

	parent.serialize()

	if parent.serializedSize() > maxNodePayload {
		if err := bt.splitInternal(parent, ancestors[:len(ancestors)-1]); err != nil {
			bt.unpin(parentID, true)
			return err
		}
	}
	bt.unpin(parentID, true)
	return nil
}

func (bt *BTree) splitInternal(node *BTreeNode, ancestors []types.PageID) error {
	newPage, err := bt.bufferPool.NewPage(bt.file, storage.PageTypeBTree)
	if err != nil {
		return err
	}
	newNode := newInternalNode(newPage)

	mid := len(node.keys) / 2
	promoteKey := node.keys[mid]

	newNode.keys = append([][]byte(nil), node.keys[mid+1:]...)
	newNode.children = append([]types.PageID(nil), node.children[mid+1:]...)

	node.keys = node.keys[:mid]
	node.children = node.children[:mid+1]

	node.serialize()
	newNode.serialize()

	if err := bt.insertIntoParent(ancestors, node.page.ID, promoteKey, newPage.ID); err != nil {
		bt.unpin(newPage.ID, true)
		return err
	}
	bt.unpin(newPage.ID, true)
	return nil
}

// findLeafPath descends from the root, returning every page visited
// (ancestors first, the target leaf last). Each visited page is
// unpinned before the next one is fetched, so the returned path holds
// only page ids; callers fetch again whichever nodes they need.
func (bt *BTree) findLeafPath(key []byte) ([]types.PageID, error) {
	var path []types.PageID
	id := bt.rootPageID

	for {
		node, err := bt.fetchNode(id)
		if err != nil {
			return nil, err
		}
		path = append(path, id)
		if node.isLeaf {
			bt.unpin(id, false)
			return path, nil
		}

		childIdx := 0
		for childIdx < len(node.keys) && bytes.Compare(key, node.keys[childIdx]) >= 0 {
			childIdx++
		}
		bt.unpin(id, false)
		id = node.children[childIdx]
	}
}

// Search returns every RID stored under key, following the leaf
// sibling chain if a run of equal keys spans a page boundary.
func (bt *BTree) Search(key []byte) ([]types.RID, error) {
	path, err := bt.findLeafPath(key)
	if err != nil {
		return nil, err
	}
	leafID := path[len(path)-1]

	var matches []types.RID
	for leafID != types.InvalidPageID {
		leaf, err := bt.fetchNode(leafID)
		if err != nil {
			return matches, err
		}

		for i, k := range leaf.keys {
			cmp := bytes.Compare(k, key)
			if cmp == 0 {
				matches = append(matches, leaf.rids[i])
			} else if cmp > 0 {
				break
			}
		}
		next := leaf.rightSibling
		lastKeyMatches := len(leaf.keys) > 0 && bytes.Equal(leaf.keys[len(leaf.keys)-1], key)
		bt.unpin(leafID, false)

		if !lastKeyMatches {
			break
		}
		leafID = next
	}

	return matches, nil
}

// RangeScan yields (key, rid) pairs with low <= key <= high (subject
// to the inclusivity flags), in ascending key order, by locating the
// first qualifying leaf and walking the sibling chain. A nil bound is
// open on that side.
type RangeEntry struct {
	Key []byte
	RID types.RID
}

func (bt *BTree) RangeScan(low, high []byte, lowInclusive, highInclusive bool) ([]RangeEntry, error) {
	var path []types.PageID
	var err error
	if low != nil {
		path, err = bt.findLeafPath(low)
	} else {
		path, err = bt.leftmostLeafPath()
	}
	if err != nil {
		return nil, err
	}
	leafID := path[len(path)-1]

	var results []RangeEntry
	for leafID != types.InvalidPageID {
		leaf, err := bt.fetchNode(leafID)
		if err != nil {
			return results, err
		}

		stop := false
		for i, k := range leaf.keys {
			if low != nil {
				cmp := bytes.Compare(k, low)
				if cmp < 0 || (cmp == 0 && !lowInclusive) {
					continue
				}
			}
			if high != nil {
				cmp := bytes.Compare(k, high)
				if cmp > 0 || (cmp == 0 && !highInclusive) {
					stop = true
					break
				}
			}
			results = append(results, RangeEntry{Key: k, RID: leaf.rids[i]})
		}
		next := leaf.rightSibling
		bt.unpin(leafID, false)
		if stop {
			break
		}
		leafID = next
	}

	return results, nil
}

func (bt *BTree) leftmostLeafPath() ([]types.PageID, error) {
	var path []types.PageID
	id := bt.rootPageID
	for {
		node, err := bt.fetchNode(id)
		if err != nil {
			return nil, err
		}
		path = append(path, id)
		if node.isLeaf {
			bt.unpin(id, false)
			return path, nil
		}
		child := node.children[0]
		bt.unpin(id, false)
		id = child
	}
}

// ScanAll returns every (key, rid) pair in ascending key order via the
// leaf sibling chain, without descending from the root per entry.
func (bt *BTree) ScanAll() ([]RangeEntry, error) {
	return bt.RangeScan(nil, nil, true, true)
}

// GetRootPageID returns the current root page, which changes across a
// root split.
func (bt *BTree) GetRootPageID() types.PageID {
	return bt.rootPageID
}

func (bt *BTree) Table() string           { return bt.table }
func (bt *BTree) Column() string          { return bt.column }
func (bt *BTree) KeyType() types.ValueType { return bt.keyType }
func (bt *BTree) EntryCount() int         { return bt.entryCount }

// Flush writes every dirty page of this index's file to disk.
func (bt *BTree) Flush() error {
	return bt.bufferPool.FlushFile(bt.file)
}

// VerifyStructure walks the whole tree checking per-node key
// ordering, that each parent separator correctly bounds its children's
// key ranges, and that the leaf chain is acyclic and globally ordered.
// Intended for tests, not the hot path.
func (bt *BTree) VerifyStructure() error {
	if _, _, err := bt.verifyNode(bt.rootPageID, nil, nil); err != nil {
		return err
	}
	return bt.verifyLeafChain()
}

func (bt *BTree) verifyNode(id types.PageID, lowerBound, upperBound []byte) (minKey, maxKey []byte, err error) {
	node, err := bt.fetchNode(id)
	if err != nil {
		return nil, nil, err
	}
	defer bt.unpin(id, false)

	for i := 1; i < len(node.keys); i++ {
		if bytes.Compare(node.keys[i-1], node.keys[i]) > 0 {
			return nil, nil, fmt.Errorf("btree: keys out of order in page %d", id)
		}
	}
	for _, k := range node.keys {
		if lowerBound != nil && bytes.Compare(k, lowerBound) < 0 {
			return nil, nil, fmt.Errorf("btree: key in page %d precedes parent lower bound", id)
		}
		if upperBound != nil && bytes.Compare(k, upperBound) >= 0 {
			return nil, nil, fmt.Errorf("btree: key in page %d exceeds parent upper bound", id)
		}
	}

	if node.isLeaf {
		if len(node.keys) == 0 {
			return nil, nil, nil
		}
		return node.keys[0], node.keys[len(node.keys)-1], nil
	}

	for i, child := range node.children {
		var childLower, childUpper []byte
		if i > 0 {
			childLower = node.keys[i-1]
		} else {
			childLower = lowerBound
		}
		if i < len(node.keys) {
			childUpper = node.keys[i]
		} else {
			childUpper = upperBound
		}
		cmin, cmax, err := bt.verifyNode(child, childLower, childUpper)
		if err != nil {
			return nil, nil, err
		}
		if minKey == nil && cmin != nil {
			minKey = cmin
		}
		if cmax != nil {
			maxKey = cmax
		}
	}
	return minKey, maxKey, nil
}

func (bt *BTree) verifyLeafChain() error {
	id, err := bt.leftmostLeaf()
	if err != nil {
		return err
	}
	seen := make(map[types.PageID]bool)
	var prevMax []byte
	for id != types.InvalidPageID {
		if seen[id] {
			return fmt.Errorf("btree: cyclic leaf chain at page %d", id)
		}
		seen[id] = true

		node, err := bt.fetchNode(id)
		if err != nil {
			return err
		}
		if len(node.keys) > 0 && prevMax != nil && bytes.Compare(prevMax, node.keys[0]) > 0 {
			bt.unpin(id, false)
			return fmt.Errorf("btree: leaf chain out of order at page %d", id)
		}
		if len(node.keys) > 0 {
			prevMax = node.keys[len(node.keys)-1]
		}
		next := node.rightSibling
		bt.unpin(id, false)
		id = next
	}
	return nil
}

func (bt *BTree) leftmostLeaf() (types.PageID, error) {
	path, err := bt.leftmostLeafPath()
	if err != nil {
		return types.InvalidPageID, err
	}
	return path[len(path)-1], nil
}
