package storage

import (
	"container/list"
	"fmt"
	"sync"

	"minidb/internal/storeerr"
	"minidb/pkg/types"

	"github.com/prometheus/client_golang/prometheus"
)

// frameKey identifies a cached page by the file it belongs to and its
// page id within that file -- table heap files and B+Tree index files
// are independent page address spaces, so PageID alone is not a unique
// key.
type frameKey struct {
	file string
	id   types.PageID
}

// BufferPool is a capacity-bounded cache keyed by (file_path, page_id),
// LRU-ordered, with pinning and dirty tracking. At most one in-memory
// copy of a given (file, id) exists at a time (single-frame invariant).
type BufferPool struct {
	mu sync.Mutex

	disks map[string]*DiskManager

	frames   map[frameKey]*Page
	capacity int

	lruList *list.List
	lruMap  map[frameKey]*list.Element

	hits, misses, evictions uint64

	metricHits      prometheus.Counter
	metricMisses    prometheus.Counter
	metricEvictions prometheus.Counter
	metricCached    prometheus.Gauge
}

// NewBufferPool creates an empty buffer pool of the given frame capacity.
func NewBufferPool(capacity int) *BufferPool {
	bp := &BufferPool{
		disks:    make(map[string]*DiskManager),
		frames:   make(map[frameKey]*Page),
		capacity: capacity,
		lruList:  list.New(),
		lruMap:   make(map[frameKey]*list.Element),
	}
	bp.metricHits = prometheus.NewCounter(prometheus.CounterOpts{Name: "minidb_buffer_pool_hits_total"})
	bp.metricMisses = prometheus.NewCounter(prometheus.CounterOpts{Name: "minidb_buffer_pool_misses_total"})
	bp.metricEvictions = prometheus.NewCounter(prometheus.CounterOpts{Name: "minidb_buffer_pool_evictions_total"})
	bp.metricCached = prometheus.NewGauge(prometheus.GaugeOpts{Name: "minidb_buffer_pool_cached_pages"})
	return bp
}

// Collectors exposes the pool's Prometheus collectors so the caller can
// register them on its own registry (a fresh instance per engine avoids
// duplicate-registration panics across multiple Engine instances in the
// same process, e.g. in tests).
func (bp *BufferPool) Collectors() []prometheus.Collector {
	return []prometheus.Collector{bp.metricHits, bp.metricMisses, bp.metricEvictions, bp.metricCached}
}

// RegisterFile associates a file path with the disk manager that backs
// it so later calls can address pages by file path alone.
func (bp *BufferPool) RegisterFile(filePath string, dm *DiskManager) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.disks[filePath] = dm
}

func (bp *BufferPool) diskFor(filePath string) (*DiskManager, error) {
	dm, ok := bp.disks[filePath]
	if !ok {
		return nil, fmt.Errorf("buffer pool: file %q not registered", filePath)
	}
	return dm, nil
}

// Get returns the cached page for (file, id) if present, promoting it in
// LRU order. It does not pin the page. When absent the caller is
// expected to read from disk and call Put.
func (bp *BufferPool) Get(file string, id types.PageID) (*Page, bool) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	key := frameKey{file, id}
	page, ok := bp.frames[key]
	if ok {
		bp.touchLRU(key)
	}
	return page, ok
}

// Put inserts or updates the (file, id) entry (dirty is OR'd into the
// existing flag on update). When at capacity and the key is new, the
// least-recently-used unpinned entry is evicted; if that entry was
// dirty, it is returned to the caller to write out. Fails with
// ErrBufferExhausted if every entry is pinned.
func (bp *BufferPool) Put(file string, id types.PageID, page *Page, dirty bool) (evictedFile string, evictedPage *Page, err error) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	key := frameKey{file, id}
	if existing, ok := bp.frames[key]; ok {
		existing.IsDirty = existing.IsDirty || dirty
		bp.touchLRU(key)
		return "", nil, nil
	}

	if len(bp.frames) >= bp.capacity {
		ef, ep, everr := bp.evictOneLocked()
		if everr != nil {
			return "", nil, everr
		}
		evictedFile, evictedPage = ef, ep
	}

	page.IsDirty = page.IsDirty || dirty
	bp.frames[key] = page
	bp.addToLRU(key)
	bp.metricCached.Set(float64(len(bp.frames)))
	return evictedFile, evictedPage, nil
}

// FetchPage reads (file, id) through the pool, pinning it: a cache hit
// promotes LRU and increments the pin count; a miss reads from the
// registered disk manager, inserts via Put, and pins to 1.
func (bp *BufferPool) FetchPage(file string, id types.PageID) (*Page, error) {
	bp.mu.Lock()
	key := frameKey{file, id}
	if page, ok := bp.frames[key]; ok {
		bp.hits++
		bp.metricHits.Inc()
		bp.touchLRU(key)
		page.PinCount++
		bp.mu.Unlock()
		return page, nil
	}
	bp.misses++
	bp.metricMisses.Inc()
	dm, err := bp.diskFor(file)
	bp.mu.Unlock()
	if err != nil {
		return nil, err
	}

	page, err := dm.ReadPage(id)
	if err != nil {
		return nil, err
	}

	bp.mu.Lock()
	defer bp.mu.Unlock()
	if len(bp.frames) >= bp.capacity {
		evFile, evPage, everr := bp.evictOneLocked()
		if everr != nil {
			return nil, everr
		}
		if evPage != nil {
			if evDM, derr := bp.diskFor(evFile); derr == nil {
				_ = evDM.WritePage(evPage)
			}
		}
	}
	bp.frames[key] = page
	bp.addToLRU(key)
	page.PinCount = 1
	bp.metricCached.Set(float64(len(bp.frames)))
	return page, nil
}

// NewPage allocates a fresh page in the named file and pins it.
func (bp *BufferPool) NewPage(file string, pageType uint8) (*Page, error) {
	bp.mu.Lock()
	dm, err := bp.diskFor(file)
	bp.mu.Unlock()
	if err != nil {
		return nil, err
	}

	pageID, err := dm.AllocatePage()
	if err != nil {
		return nil, err
	}

	bp.mu.Lock()
	defer bp.mu.Unlock()
	if len(bp.frames) >= bp.capacity {
		evFile, evPage, everr := bp.evictOneLocked()
		if everr != nil {
			return nil, everr
		}
		if evPage != nil {
			if evDM, derr := bp.diskFor(evFile); derr == nil {
				_ = evDM.WritePage(evPage)
			}
		}
	}

	page := NewPage(pageID, pageType)
	page.IsDirty = true
	page.PinCount = 1

	key := frameKey{file, pageID}
	bp.frames[key] = page
	bp.addToLRU(key)
	bp.metricCached.Set(float64(len(bp.frames)))
	return page, nil
}

func (bp *BufferPool) UnpinPage(file string, id types.PageID, isDirty bool) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	key := frameKey{file, id}
	if page, ok := bp.frames[key]; ok {
		if isDirty {
			page.IsDirty = true
		}
		if page.PinCount > 0 {
			page.PinCount--
		}
	}
}

func (bp *BufferPool) FlushPage(file string, id types.PageID) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	key := frameKey{file, id}
	page, ok := bp.frames[key]
	if !ok {
		return nil
	}
	if page.IsDirty {
		dm, err := bp.diskFor(file)
		if err != nil {
			return err
		}
		if err := dm.WritePage(page); err != nil {
			return err
		}
		page.IsDirty = false
	}
	return nil
}

// FlushFile writes every dirty page belonging to file and fsyncs it.
func (bp *BufferPool) FlushFile(file string) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	dm, err := bp.diskFor(file)
	if err != nil {
		return err
	}
	for key, page := range bp.frames {
		if key.file != file || !page.IsDirty {
			continue
		}
		if err := dm.WritePage(page); err != nil {
			return err
		}
		page.IsDirty = false
	}
	return dm.Sync()
}

// FlushAllPages writes every dirty page across every registered file.
func (bp *BufferPool) FlushAllPages() error {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	touched := make(map[string]bool)
	for key, page := range bp.frames {
		if page.IsDirty {
			dm, err := bp.diskFor(key.file)
			if err != nil {
				return err
			}
			if err := dm.WritePage(page); err != nil {
				return err
			}
			page.IsDirty = false
			touched[key.file] = true
		}
	}
	for file := range touched {
		if dm, err := bp.diskFor(file); err == nil {
			if err := dm.Sync(); err != nil {
				return err
			}
		}
	}
	return nil
}

// InvalidateFile purges every cached entry for file, returning dirty
// pages so the caller can flush them first if desired.
func (bp *BufferPool) InvalidateFile(file string) []*Page {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	var dirty []*Page
	for key, page := range bp.frames {
		if key.file != file {
			continue
		}
		if page.IsDirty {
			dirty = append(dirty, page)
		}
		if e, ok := bp.lruMap[key]; ok {
			bp.lruList.Remove(e)
			delete(bp.lruMap, key)
		}
		delete(bp.frames, key)
	}
	bp.metricCached.Set(float64(len(bp.frames)))
	return dirty
}

// evictOneLocked evicts the first unpinned entry in LRU order. Must be
// called with bp.mu held. Returns the evicted page's file/content when
// it was dirty so the caller can write it out.
func (bp *BufferPool) evictOneLocked() (evictedFile string, evictedPage *Page, err error) {
	for e := bp.lruList.Back(); e != nil; e = e.Prev() {
		key := e.Value.(frameKey)
		page := bp.frames[key]

		if page.PinCount != 0 {
			continue
		}

		delete(bp.frames, key)
		bp.lruList.Remove(e)
		delete(bp.lruMap, key)
		bp.evictions++
		bp.metricEvictions.Inc()

		if page.IsDirty {
			return key.file, page, nil
		}
		return "", nil, nil
	}
	return "", nil, storeerr.ErrBufferExhausted
}

func (bp *BufferPool) addToLRU(key frameKey) {
	e := bp.lruList.PushFront(key)
	bp.lruMap[key] = e
}

func (bp *BufferPool) touchLRU(key frameKey) {
	if e, ok := bp.lruMap[key]; ok {
		bp.lruList.MoveToFront(e)
	}
}

// GetPage returns a cached page without pinning (for read-only access).
func (bp *BufferPool) GetPage(file string, id types.PageID) *Page {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.frames[frameKey{file, id}]
}

// GetDirtyPages returns every dirty page's LSN, for checkpointing.
func (bp *BufferPool) GetDirtyPages() map[types.PageID]types.LSN {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	dirty := make(map[types.PageID]types.LSN)
	for key, page := range bp.frames {
		if page.IsDirty {
			dirty[key.id] = page.LSN
		}
	}
	return dirty
}

func (bp *BufferPool) Stats() (hits, misses uint64, cached int) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.hits, bp.misses, len(bp.frames)
}

func (bp *BufferPool) MarkDirty(file string, id types.PageID) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	if page, ok := bp.frames[frameKey{file, id}]; ok {
		page.IsDirty = true
	}
}

func (bp *BufferPool) SetPageLSN(file string, id types.PageID, lsn types.LSN) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	if page, ok := bp.frames[frameKey{file, id}]; ok {
		page.SetLSN(lsn)
		page.IsDirty = true
	}
}

// NumPages returns the number of allocated pages in the named file.
func (bp *BufferPool) NumPages(file string) (uint32, error) {
	bp.mu.Lock()
	dm, err := bp.diskFor(file)
	bp.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return dm.GetNumPages(), nil
}

func (bp *BufferPool) GetPageLSN(file string, id types.PageID) types.LSN {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	if page, ok := bp.frames[frameKey{file, id}]; ok {
		return page.GetLSN()
	}
	return types.InvalidLSN
}
