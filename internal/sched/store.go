package sched

import (
	"sync"
	"sync/atomic"
)

// slotWindow is how many consecutive slots an id may occupy.
const slotWindow = 8

// taskStore is a fixed-capacity arena of task records. A task lives in one
// of the slotWindow slots starting at id % capacity; when all of them are
// owned by other live tasks the table is full for this id, and the task is
// handled without a record.
type taskStore struct {
	slots []taskSlot
	live  atomic.Int64
	full  atomic.Uint64
}

type taskSlot struct {
	owner atomic.Uint64 // TaskID+1, 0 when free
	rec   task
}

func newTaskStore(capacity int) *taskStore {
	return &taskStore{slots: make([]taskSlot, capacity)}
}

// walk calls fn on each slot of id's window until fn returns true.
func (s *taskStore) walk(id TaskID, fn func(sl *taskSlot) bool) *taskSlot {
	n := uint64(len(s.slots))
	w := uint64(slotWindow)
	if w > n {
		w = n
	}
	base := uint64(id) % n
	for i := uint64(0); i < w; i++ {
		if sl := &s.slots[(base+i)%n]; fn(sl) {
			return sl
		}
	}
	return nil
}

func (s *taskStore) find(id TaskID) *taskSlot {
	key := uint64(id) + 1
	return s.walk(id, func(sl *taskSlot) bool { return sl.owner.Load() == key })
}

// claim returns the record for id, taking the first free slot in its window
// if it has none. created reports whether the caller must initialise the
// record. Lifecycle calls for one id are serialised by the caller, so the
// lookup and the claim cannot race for the same id.
func (s *taskStore) claim(id TaskID) (t *task, created bool) {
	if sl := s.find(id); sl != nil {
		return &sl.rec, false
	}
	key := uint64(id) + 1
	if sl := s.walk(id, func(sl *taskSlot) bool { return sl.owner.CompareAndSwap(0, key) }); sl != nil {
		s.live.Add(1)
		return &sl.rec, true
	}
	s.full.Add(1)
	return nil, false
}

// get returns the record owned by id or nil.
func (s *taskStore) get(id TaskID) *task {
	if sl := s.find(id); sl != nil {
		return &sl.rec
	}
	return nil
}

func (s *taskStore) release(id TaskID) bool {
	key := uint64(id) + 1
	if s.walk(id, func(sl *taskSlot) bool { return sl.owner.CompareAndSwap(key, 0) }) != nil {
		s.live.Add(-1)
		return true
	}
	return false
}

// each calls fn for every owned slot.
func (s *taskStore) each(fn func(id TaskID, t *task)) {
	for i := range s.slots {
		sl := &s.slots[i]
		if k := sl.owner.Load(); k != 0 {
			fn(TaskID(k-1), &sl.rec)
		}
	}
}

// strays are queued tasks without a record, mapped to the CPU whose local
// queue holds them. The set is only consulted when non-empty.
type strays struct {
	mu  sync.Mutex
	n   atomic.Int64
	cpu map[TaskID]int
}

func (s *strays) lookup(id TaskID) (int, bool) {
	if s.n.Load() == 0 {
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cpu, ok := s.cpu[id]
	return cpu, ok
}

// add records id on cpu unless it is already queued; it returns the CPU
// holding the task and whether it was added.
func (s *strays) add(id TaskID, cpu int) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.cpu[id]; ok {
		return cur, false
	}
	if s.cpu == nil {
		s.cpu = make(map[TaskID]int)
	}
	s.cpu[id] = cpu
	s.n.Add(1)
	return cpu, true
}

func (s *strays) take(id TaskID) (int, bool) {
	if s.n.Load() == 0 {
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cpu, ok := s.cpu[id]
	if ok {
		delete(s.cpu, id)
		s.n.Add(-1)
	}
	return cpu, ok
}

func (s *strays) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.cpu)
	s.n.Store(0)
}
