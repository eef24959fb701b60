package sim

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"text/tabwriter"

	"latsched/internal/sched"
)

// ErrStarved is returned by Report.Check when some task waited too long.
var ErrStarved = errors.New("tasks starved")

// Latency summarises wake-to-run delays in ns.
type Latency struct {
	Count int
	P50   uint64
	P99   uint64
	Max   uint64
}

func summarise(samples []uint64) Latency {
	if len(samples) == 0 {
		return Latency{}
	}
	sorted := slices.Clone(samples)
	slices.Sort(sorted)
	at := func(pct int) uint64 { return sorted[(len(sorted)-1)*pct/100] }
	return Latency{Count: len(sorted), P50: at(50), P99: at(99), Max: sorted[len(sorted)-1]}
}

type TaskReport struct {
	ID        sched.TaskID
	Name      string
	Role      sched.Role
	Wakes     uint64
	Runs      uint64
	Runtime   uint64
	MaxWait   uint64
	Preempted uint64
}

// Report is the outcome of one run.
type Report struct {
	Duration     uint64
	Events       uint64
	Latency      map[sched.Role]Latency
	Tasks        []TaskReport
	Starved      []sched.TaskID
	CPUBusy      []uint64
	Roles        map[sched.Role]int
	RoleChanges  uint64
	Declassified uint64
	Stats        sched.Stats
	TraceRows    int
}

func (s *Sim) report() *Report {
	r := &Report{
		Duration:     s.now,
		Events:       s.nevents,
		Latency:      make(map[sched.Role]Latency, len(s.latency)),
		Roles:        s.resolver.Counts(),
		RoleChanges:  s.resolver.Changes(),
		Declassified: s.pattern.Declassified(),
		Stats:        s.engine.Snapshot(),
	}
	for role, samples := range s.latency {
		r.Latency[role] = summarise(samples)
	}

	limit := s.cfg.StarveAfterMS * 1000_000
	for _, t := range s.tasks {
		wait := t.maxWait
		if t.waiting && s.now-t.wokeAt > wait {
			wait = s.now - t.wokeAt
		}
		tr := TaskReport{
			ID:        t.id,
			Name:      t.name,
			Wakes:     t.wakes,
			Runs:      t.runs,
			Runtime:   t.runtime,
			MaxWait:   wait,
			Preempted: t.preempted,
		}
		if st, ok := s.engine.Task(t.id); ok {
			tr.Role = st.Role
		}
		r.Tasks = append(r.Tasks, tr)
		if wait > limit {
			r.Starved = append(r.Starved, t.id)
		}
	}
	for _, c := range s.cpus {
		busy := c.busy
		if c.running >= 0 {
			busy += s.now - c.start
		}
		r.CPUBusy = append(r.CPUBusy, busy)
	}
	return r
}

// Check fails when a task starved.
func (r *Report) Check() error {
	if len(r.Starved) > 0 {
		return fmt.Errorf("%d: %v: %w", len(r.Starved), r.Starved, ErrStarved)
	}
	return nil
}

// WriteTo prints a human readable summary.
func (r *Report) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	tw := tabwriter.NewWriter(cw, 0, 4, 2, ' ', 0)

	fmt.Fprintf(tw, "simulated\t%.1f ms\t%d events\n", float64(r.Duration)/1e6, r.Events)
	fmt.Fprintf(tw, "mode\t%s\tutil %d%%\tswitches %d\n", r.Stats.Mode, r.Stats.UtilisationPct, r.Stats.ModeSwitches)
	fmt.Fprintf(tw, "migrations\t%d\tblocked %d\toverridden %d\n", r.Stats.Migrations, r.Stats.MigrationsBlocked, r.Stats.MigrationsOverrides)
	fmt.Fprintf(tw, "mm hint\thits %d\tmisses %d\trate %d%%\n", r.Stats.MMHits, r.Stats.MMMisses, r.Stats.MMHitRate)
	fmt.Fprintf(tw, "queues\tdirect %d\tlocal %d\tglobal %d\tdegraded %d\n", r.Stats.DirectEnqueues, r.Stats.LocalEnqueues, r.Stats.GlobalEnqueues, r.Stats.Degraded)
	fmt.Fprintf(tw, "roles\tchanges %d\tdeclassified %d\n", r.RoleChanges, r.Declassified)
	fmt.Fprintln(tw)

	fmt.Fprintln(tw, "role\twakes\tp50 us\tp99 us\tmax us\tdispatches")
	for _, role := range sched.Roles() {
		l := r.Latency[role]
		if l.Count == 0 && r.Stats.Dispatches[role] == 0 {
			continue
		}
		fmt.Fprintf(tw, "%s\t%d\t%.1f\t%.1f\t%.1f\t%d\n", role, l.Count,
			float64(l.P50)/1e3, float64(l.P99)/1e3, float64(l.Max)/1e3, r.Stats.Dispatches[role])
	}
	if len(r.Starved) > 0 {
		fmt.Fprintf(tw, "\nstarved\t%v\n", r.Starved)
	}
	if err := tw.Flush(); err != nil {
		return cw.n, err
	}
	return cw.n, cw.err
}

type countingWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	if err != nil && c.err == nil {
		c.err = err
	}
	return n, err
}
