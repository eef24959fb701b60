// internal/sched/queue.go

package sched

import (
	"runtime"
	"sync"

	"github.com/emirpasic/gods/lists/doublylinkedlist"
	"github.com/emirpasic/gods/trees/redblacktree"
)

// nodeKey is used as a key in the red-black tree.
type nodeKey struct {
	deadline uint64
	seq      uint64 // insertion order breaks deadline ties
}

// cmp implements the Comparator for red-black tree ordering.
func cmp(a, b any) int {
	ka, kb := a.(nodeKey), b.(nodeKey)
	switch {
	case ka.deadline < kb.deadline:
		return -1
	case ka.deadline > kb.deadline:
		return 1
	case ka.seq < kb.seq:
		return -1
	case ka.seq > kb.seq:
		return 1
	default:
		return 0
	}
}

// globalQueue is the single deadline-ordered queue shared by every CPU.
// Callers never wait on it: the lock is taken with TryLock and a bounded
// number of retries, and failure is reported to the caller.
type globalQueue struct {
	mu       sync.Mutex // protects rbt and seq
	rbt      *redblacktree.Tree
	seq      uint64
	capacity int
}

func newGlobalQueue(capacity int) *globalQueue {
	return &globalQueue{
		rbt:      redblacktree.NewWith(cmp),
		capacity: capacity,
	}
}

func (q *globalQueue) lock(retries int) bool {
	for i := 0; i < retries; i++ {
		if q.mu.TryLock() {
			return true
		}
		runtime.Gosched()
	}
	return false
}

type queueResult uint8

const (
	queueOK queueResult = iota
	queueFull
	queueBusy
)

// push inserts id ordered by deadline and returns the key it was stored
// under.
// push inserts id and stores its sequence number through seq while the lock
// is held, so a concurrent pop never observes the entry before seq is set.
func (q *globalQueue) push(id TaskID, deadline uint64, retries int, seq *uint64) (nodeKey, queueResult) {
	if !q.lock(retries) {
		return nodeKey{}, queueBusy
	}
	defer q.mu.Unlock()
	if q.rbt.Size() >= q.capacity {
		return nodeKey{}, queueFull
	}
	q.seq++
	key := nodeKey{deadline: deadline, seq: q.seq}
	if seq != nil {
		*seq = q.seq
	}
	q.rbt.Put(key, id)
	return key, queueOK
}

// pop removes the earliest deadline.
func (q *globalQueue) pop(retries int) (TaskID, bool, queueResult) {
	if !q.lock(retries) {
		return 0, false, queueBusy
	}
	defer q.mu.Unlock()
	node := q.rbt.Left()
	if node == nil {
		return 0, false, queueOK
	}
	q.rbt.Remove(node.Key)
	return node.Value.(TaskID), true, queueOK
}

// remove takes a specific entry out. It waits for the lock: only the exit
// and detach paths use it.
func (q *globalQueue) remove(key nodeKey) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.rbt.Get(key); !ok {
		return false
	}
	q.rbt.Remove(key)
	return true
}

func (q *globalQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.rbt.Size()
}

// drain empties the queue in deadline order.
func (q *globalQueue) drain() []TaskID {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]TaskID, 0, q.rbt.Size())
	it := q.rbt.Iterator()
	for it.Next() {
		out = append(out, it.Value().(TaskID))
	}
	q.rbt.Clear()
	return out
}

// localQueue is one CPU's FIFO. Its lock is held only for a single list
// operation.
type localQueue struct {
	mu   sync.Mutex
	list *doublylinkedlist.List
}

func newLocalQueue() *localQueue {
	return &localQueue{list: doublylinkedlist.New()}
}

func (q *localQueue) push(id TaskID) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.list.Add(id)
	return q.list.Size()
}

func (q *localQueue) pop() (TaskID, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	v, ok := q.list.Get(0)
	if !ok {
		return 0, false
	}
	q.list.Remove(0)
	return v.(TaskID), true
}

func (q *localQueue) remove(id TaskID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.list.IndexOf(id)
	if i < 0 {
		return false
	}
	q.list.Remove(i)
	return true
}

func (q *localQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.list.Size()
}

func (q *localQueue) drain() []TaskID {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]TaskID, 0, q.list.Size())
	q.list.Each(func(_ int, v any) {
		out = append(out, v.(TaskID))
	})
	q.list.Clear()
	return out
}
