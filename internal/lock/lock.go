// Package lock implements strict two-phase locking with table-level
// granularity, FIFO wait queues, and wait-for-graph deadlock detection.
package lock

import (
	"sync"
	"time"

	"minidb/pkg/types"

	"github.com/prometheus/client_golang/prometheus"
)

// Mode is the strength of a lock request.
type Mode int

const (
	Shared Mode = iota
	Exclusive
)

func (m Mode) String() string {
	if m == Exclusive {
		return "EXCLUSIVE"
	}
	return "SHARED"
}

// Result is the outcome of an Acquire call.
type Result int

const (
	Granted Result = iota
	Timeout
	Deadlock
	Aborted
)

func (r Result) String() string {
	switch r {
	case Granted:
		return "GRANTED"
	case Timeout:
		return "TIMEOUT"
	case Deadlock:
		return "DEADLOCK"
	case Aborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// Resource identifies a lockable resource. Only table-level granularity
// is exercised by the engine today; row-level keys are structurally
// supported for a future multi-granularity scheme.
type Resource struct {
	Kind    string
	Table   string
	PageID  types.PageID
	SlotNum uint16
}

// TableResource returns the resource key for a table-level lock.
func TableResource(table string) Resource {
	return Resource{Kind: "table", Table: table}
}

// RowResource returns the resource key for a row-level lock.
func RowResource(table string, pageID types.PageID, slotNum uint16) Resource {
	return Resource{Kind: "row", Table: table, PageID: pageID, SlotNum: slotNum}
}

type request struct {
	txnID   types.TxnID
	mode    Mode
	granted chan struct{}
	aborted bool
}

type resourceLock struct {
	grantGroup map[types.TxnID]Mode
	waitQueue  []*request
}

func newResourceLock() *resourceLock {
	return &resourceLock{grantGroup: make(map[types.TxnID]Mode)}
}

func (r *resourceLock) isCompatible(mode Mode, requester types.TxnID) bool {
	for txnID, held := range r.grantGroup {
		if txnID == requester {
			continue
		}
		if held == Exclusive || mode == Exclusive {
			return false
		}
	}
	return true
}

func (r *resourceLock) soleHolder(txnID types.TxnID) bool {
	if len(r.grantGroup) != 1 {
		return false
	}
	_, ok := r.grantGroup[txnID]
	return ok
}

// Manager is the central lock table. All public methods are
// thread-safe; locks are released only via ReleaseAll, called by the
// transaction manager at commit/abort time, strictly after the WAL
// record is durable.
type Manager struct {
	mu        sync.Mutex
	resources map[Resource]*resourceLock
	held      map[types.TxnID]map[Resource]struct{}
	waitingOn map[types.TxnID]Resource

	grants   prometheus.Counter
	timeouts prometheus.Counter
	deadlock prometheus.Counter
	waiters  prometheus.Gauge
}

// NewManager creates an empty lock manager.
func NewManager() *Manager {
	return &Manager{
		resources: make(map[Resource]*resourceLock),
		held:      make(map[types.TxnID]map[Resource]struct{}),
		waitingOn: make(map[types.TxnID]Resource),
		grants:    prometheus.NewCounter(prometheus.CounterOpts{Name: "minidb_lock_grants_total"}),
		timeouts:  prometheus.NewCounter(prometheus.CounterOpts{Name: "minidb_lock_timeouts_total"}),
		deadlock:  prometheus.NewCounter(prometheus.CounterOpts{Name: "minidb_lock_deadlocks_total"}),
		waiters:   prometheus.NewGauge(prometheus.GaugeOpts{Name: "minidb_lock_waiters"}),
	}
}

// Collectors exposes the manager's Prometheus collectors for the
// caller's registry.
func (m *Manager) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.grants, m.timeouts, m.deadlock, m.waiters}
}

const defaultTimeout = 5 * time.Second

// Acquire blocks until resource is granted to txnID in mode, a timeout
// elapses, the request is chosen as a deadlock victim, or the request
// is aborted by another transaction's deadlock resolution.
func (m *Manager) Acquire(txnID types.TxnID, resource Resource, mode Mode) Result {
	return m.AcquireTimeout(txnID, resource, mode, defaultTimeout)
}

// AcquireTimeout is Acquire with an explicit wait bound.
func (m *Manager) AcquireTimeout(txnID types.TxnID, resource Resource, mode Mode, timeout time.Duration) Result {
	m.mu.Lock()

	res := m.getOrCreate(resource)

	if held, ok := res.grantGroup[txnID]; ok {
		if held == mode || held == Exclusive {
			m.mu.Unlock()
			return Granted
		}
		// Upgrade SHARED -> EXCLUSIVE, allowed only for a sole holder: a
		// sole holder has no queue to jump, so this can never leapfrog a
		// waiter.
		if res.soleHolder(txnID) {
			res.grantGroup[txnID] = Exclusive
			m.mu.Unlock()
			return Granted
		}
		// Not sole holder: fall through to the general wait path.
	}

	if len(res.waitQueue) == 0 && res.isCompatible(mode, txnID) {
		res.grantGroup[txnID] = mode
		m.addHeld(txnID, resource)
		m.grants.Inc()
		m.mu.Unlock()
		return Granted
	}

	req := &request{txnID: txnID, mode: mode, granted: make(chan struct{})}
	res.waitQueue = append(res.waitQueue, req)
	m.waitingOn[txnID] = resource
	m.waiters.Inc()

	if m.detectCycle(txnID) {
		victim := m.selectVictim(txnID)
		if victim == txnID {
			m.removeFromQueue(res, req)
			delete(m.waitingOn, txnID)
			m.waiters.Dec()
			m.deadlock.Inc()
			m.mu.Unlock()
			return Deadlock
		}
		m.abortWaitingLocked(victim)
	}
	m.mu.Unlock()

	var timedOut bool
	select {
	case <-req.granted:
	case <-time.After(timeout):
		timedOut = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.waitingOn, txnID)

	if req.aborted {
		return Aborted
	}
	if timedOut {
		if res, ok := m.resources[resource]; ok {
			m.removeFromQueue(res, req)
		}
		m.timeouts.Inc()
		return Timeout
	}
	m.grants.Inc()
	return Granted
}

// ReleaseAll releases every lock held by txnID, waking any waiters that
// become grantable, and aborts any pending wait of txnID itself. Must
// be called after the transaction's commit or abort WAL record is
// durable.
func (m *Manager) ReleaseAll(txnID types.TxnID) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	resources := m.held[txnID]
	delete(m.held, txnID)
	count := 0

	for resource := range resources {
		res, ok := m.resources[resource]
		if !ok {
			continue
		}
		if _, held := res.grantGroup[txnID]; held {
			delete(res.grantGroup, txnID)
			count++
		}
		m.tryGrantWaiters(res, resource)
		if len(res.grantGroup) == 0 && len(res.waitQueue) == 0 {
			delete(m.resources, resource)
		}
	}

	if waitingResource, ok := m.waitingOn[txnID]; ok {
		delete(m.waitingOn, txnID)
		if res, ok := m.resources[waitingResource]; ok {
			m.abortQueuedRequest(res, txnID)
		}
	}

	return count
}

// AbortWaiting wakes a transaction blocked waiting for a lock, marking
// its pending request as aborted.
func (m *Manager) AbortWaiting(txnID types.TxnID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.abortWaitingLocked(txnID)
}

// GetLocks returns the resources held by txnID and at what mode.
func (m *Manager) GetLocks(txnID types.TxnID) map[Resource]Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[Resource]Mode)
	for resource := range m.held[txnID] {
		if res, ok := m.resources[resource]; ok {
			if mode, ok := res.grantGroup[txnID]; ok {
				out[resource] = mode
			}
		}
	}
	return out
}

// GetHolders returns the grant group for a resource.
func (m *Manager) GetHolders(resource Resource) map[types.TxnID]Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.resources[resource]
	if !ok {
		return nil
	}
	out := make(map[types.TxnID]Mode, len(res.grantGroup))
	for k, v := range res.grantGroup {
		out[k] = v
	}
	return out
}

func (m *Manager) getOrCreate(resource Resource) *resourceLock {
	res, ok := m.resources[resource]
	if !ok {
		res = newResourceLock()
		m.resources[resource] = res
	}
	return res
}

func (m *Manager) addHeld(txnID types.TxnID, resource Resource) {
	set, ok := m.held[txnID]
	if !ok {
		set = make(map[Resource]struct{})
		m.held[txnID] = set
	}
	set[resource] = struct{}{}
}

// tryGrantWaiters grants queued requests in FIFO order while
// compatible, stopping at the first incompatible request so no waiter
// starves behind a stream of later-arriving compatible requests.
func (m *Manager) tryGrantWaiters(res *resourceLock, resource Resource) {
	i := 0
	for i < len(res.waitQueue) {
		req := res.waitQueue[i]
		if req.aborted {
			res.waitQueue = append(res.waitQueue[:i], res.waitQueue[i+1:]...)
			continue
		}
		if !res.isCompatible(req.mode, req.txnID) {
			break
		}
		res.grantGroup[req.txnID] = req.mode
		m.addHeld(req.txnID, resource)
		close(req.granted)
		m.waiters.Dec()
		res.waitQueue = append(res.waitQueue[:i], res.waitQueue[i+1:]...)
	}
}

func (m *Manager) removeFromQueue(res *resourceLock, req *request) {
	for i, r := range res.waitQueue {
		if r == req {
			res.waitQueue = append(res.waitQueue[:i], res.waitQueue[i+1:]...)
			return
		}
	}
}

func (m *Manager) abortQueuedRequest(res *resourceLock, txnID types.TxnID) {
	for i, req := range res.waitQueue {
		if req.txnID == txnID {
			req.aborted = true
			close(req.granted)
			res.waitQueue = append(res.waitQueue[:i], res.waitQueue[i+1:]...)
			m.waiters.Dec()
			return
		}
	}
}

func (m *Manager) abortWaitingLocked(txnID types.TxnID) {
	resource, ok := m.waitingOn[txnID]
	if !ok {
		return
	}
	if res, ok := m.resources[resource]; ok {
		m.abortQueuedRequest(res, txnID)
	}
	delete(m.waitingOn, txnID)
}

// detectCycle runs a DFS over the wait-for graph, derived dynamically
// from wait queues and grant groups rather than maintained separately,
// to check whether startTxn is part of a cycle.
func (m *Manager) detectCycle(startTxn types.TxnID) bool {
	visited := make(map[types.TxnID]bool)
	stack := []types.TxnID{startTxn}

	for len(stack) > 0 {
		txn := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if visited[txn] {
			if txn == startTxn {
				return true
			}
			continue
		}
		visited[txn] = true

		waitingResource, ok := m.waitingOn[txn]
		if !ok {
			continue
		}
		res, ok := m.resources[waitingResource]
		if !ok {
			continue
		}
		for holder := range res.grantGroup {
			if holder != txn {
				stack = append(stack, holder)
			}
		}
	}
	return false
}

// selectVictim walks the wait-for chain from startTxn and picks the
// highest (youngest) transaction id in the cycle.
func (m *Manager) selectVictim(startTxn types.TxnID) types.TxnID {
	const maxIterations = 100
	cycle := make(map[types.TxnID]struct{})
	txn := startTxn

	for i := 0; i < maxIterations; i++ {
		if _, seen := cycle[txn]; seen {
			break
		}
		cycle[txn] = struct{}{}

		waitingResource, ok := m.waitingOn[txn]
		if !ok {
			break
		}
		res, ok := m.resources[waitingResource]
		if !ok {
			break
		}

		next, found := types.TxnID(0), false
		for holder := range res.grantGroup {
			if holder != txn {
				if _, waiting := m.waitingOn[holder]; waiting {
					next, found = holder, true
					break
				}
			}
		}
		if !found {
			break
		}
		txn = next
	}

	victim := startTxn
	for t := range cycle {
		if t > victim {
			victim = t
		}
	}
	return victim
}
