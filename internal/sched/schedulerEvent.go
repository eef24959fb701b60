// internal/sched/schedulerEvent.go

package sched

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync/atomic"
)

// StatusKind represents the type of scheduler event
type StatusKind int

const (
	StatusIdle StatusKind = iota
	StatusEnqueue
	StatusDispatch
	StatusPreempt
	StatusSleep
	StatusExit
	StatusModeSwitch
	StatusWatchdog
	StatusDetach
)

// StatusEvent is emitted on key decisions when an event stream is open.
type StatusEvent struct {
	Time     uint64
	Kind     StatusKind
	TaskID   TaskID
	CPU      int
	VTime    uint64
	Deadline uint64
	Ran      uint64
	Detail   string
}

func (sk StatusKind) String() string {
	switch sk {
	case StatusIdle:
		return "Idle"
	case StatusEnqueue:
		return "Enqueued"
	case StatusDispatch:
		return "Dispatch"
	case StatusPreempt:
		return "Preempt"
	case StatusSleep:
		return "Sleep"
	case StatusExit:
		return "Exit"
	case StatusModeSwitch:
		return "ModeSwitch"
	case StatusWatchdog:
		return "Watchdog"
	case StatusDetach:
		return "Detach"
	default:
		return "Unknown"
	}
}

// eventStream is a lossy channel of status events. Emitting never blocks:
// with no reader attached nothing is sent, and a full buffer drops the
// event and counts it.
type eventStream struct {
	ch      atomic.Pointer[chan StatusEvent]
	dropped atomic.Uint64
}

func (s *eventStream) open(buffer int) <-chan StatusEvent {
	ch := make(chan StatusEvent, buffer)
	if old := s.ch.Swap(&ch); old != nil {
		close(*old)
	}
	return ch
}

func (s *eventStream) close() {
	if old := s.ch.Swap(nil); old != nil {
		close(*old)
	}
}

func (e *Engine) emit(ev StatusEvent) {
	ch := e.events.ch.Load()
	if ch == nil {
		return
	}
	select {
	case *ch <- ev:
	default:
		e.events.dropped.Add(1)
	}
}

// Events opens the status event stream. The channel is closed by Detach;
// opening a new stream closes the previous one. Call it before decisions
// start flowing, not concurrently with them.
func (e *Engine) Events(buffer int) (<-chan StatusEvent, error) {
	if e.State() == StateDetached {
		return nil, ErrDetached
	}
	if buffer <= 0 {
		buffer = 1
	}
	return e.events.open(buffer), nil
}

// TraceWriter writes status events as CSV.
type TraceWriter struct {
	closer io.Closer
	w      *csv.Writer
	rows   int
}

// NewTraceWriter creates the file at path and writes the header.
func NewTraceWriter(path string) (*TraceWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create trace: %w", err)
	}
	tw, err := newTraceWriter(f, f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return tw, nil
}

func newTraceWriter(w io.Writer, c io.Closer) (*TraceWriter, error) {
	cw := csv.NewWriter(w)

	// write header
	if err := cw.Write([]string{"time_ns", "event", "task_id", "cpu", "vtime", "deadline", "ran_ns", "detail"}); err != nil {
		return nil, fmt.Errorf("write trace header: %w", err)
	}
	cw.Flush()
	return &TraceWriter{closer: c, w: cw}, cw.Error()
}

func (t *TraceWriter) Write(ev StatusEvent) error {
	rec := []string{
		strconv.FormatUint(ev.Time, 10),
		ev.Kind.String(),
		strconv.FormatUint(uint64(ev.TaskID), 10),
		strconv.Itoa(ev.CPU),
		strconv.FormatUint(ev.VTime, 10),
		strconv.FormatUint(ev.Deadline, 10),
		strconv.FormatUint(ev.Ran, 10),
		ev.Detail,
	}
	t.rows++
	return t.w.Write(rec)
}

// Consume writes every event from ch until it is closed.
func (t *TraceWriter) Consume(ch <-chan StatusEvent) error {
	for ev := range ch {
		if err := t.Write(ev); err != nil {
			return err
		}
	}
	t.w.Flush()
	return t.w.Error()
}

func (t *TraceWriter) Rows() int { return t.rows }

// Close flushes buffered rows and closes the underlying file.
func (t *TraceWriter) Close() error {
	t.w.Flush()
	err := t.w.Error()
	if t.closer != nil {
		if cerr := t.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
