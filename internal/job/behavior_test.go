package job

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"latsched/internal/boost"
	"latsched/internal/sched"
)

func TestDefaultWorkloadIsValid(t *testing.T) {
	w := DefaultWorkload()
	require.NoError(t, w.Validate())
}

func TestBehaviorDraws(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	b := Behavior{RunUS: 100, RunJitterUS: 50, SleepUS: 1000}
	for i := 0; i < 100; i++ {
		n := b.NextBurst(rng)
		assert.GreaterOrEqual(t, n, uint64(100_000))
		assert.LessOrEqual(t, n, uint64(150_000))
		assert.Equal(t, uint64(1000_000), b.NextSleep(rng))
	}
}

func TestBurstKeepsRemainder(t *testing.T) {
	b := Burst{Remaining: 300}
	assert.False(t, b.Consume(100))
	assert.Equal(t, uint64(200), b.Remaining)
	assert.True(t, b.Consume(500))
	assert.Zero(t, b.Remaining)
}

func TestBehaviorTag(t *testing.T) {
	b := Behavior{Role: "input", Lane: "controller"}
	role, lane, err := b.Tag()
	require.NoError(t, err)
	assert.Equal(t, sched.RoleInput, role)
	assert.Equal(t, boost.Controller, lane)

	role, lane, err = (&Behavior{}).Tag()
	require.NoError(t, err)
	assert.Equal(t, sched.RoleUnknown, role)
	assert.Equal(t, boost.LaneAny, lane)
}

func TestWorkloadValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Workload)
	}{
		{"no duration", func(w *Workload) { w.DurationMS = 0 }},
		{"no tasks", func(w *Workload) { w.Tasks = nil }},
		{"bad lane", func(w *Workload) { w.InputLane = "pedal" }},
		{"zero run", func(w *Workload) { w.Tasks[0].RunUS = 0 }},
		{"bad wake", func(w *Workload) { w.Tasks[0].Wake = "vsync" }},
		{"bad role", func(w *Workload) { w.Tasks[0].Role = "gpu" }},
		{"timer without sleep", func(w *Workload) { w.Tasks[0].Wake = ""; w.Tasks[0].SleepUS = 0 }},
		{"source off", func(w *Workload) { w.FrameHz = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := DefaultWorkload()
			tc.mutate(&w)
			assert.ErrorIs(t, w.Validate(), ErrInvalidWorkload)
		})
	}
}

func TestLoadWorkload(t *testing.T) {
	w, err := LoadWorkload("")
	require.NoError(t, err)
	assert.Equal(t, DefaultWorkload(), w)

	path := filepath.Join(t.TempDir(), "workload.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
duration_ms: 100
frame_hz: 60
tasks:
  - name: render
    comm: RenderThread
    run_us: 4000
    wake: frame
  - name: batch
    count: 2
    run_us: 10000
    sleep_us: 1000
`), 0o644))
	w, err = LoadWorkload(path)
	require.NoError(t, err)
	require.Len(t, w.Tasks, 2)
	assert.Equal(t, 2, w.Tasks[1].Tasks())
	assert.Equal(t, 1, w.Tasks[0].Tasks())

	require.NoError(t, os.WriteFile(path, []byte("duration_ms: 100\nfps: 60\n"), 0o644))
	_, err = LoadWorkload(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("duration_ms: 100\ntasks:\n  - name: x\n    run_us: 1\n    wake: frame\n"), 0o644))
	_, err = LoadWorkload(path)
	assert.ErrorIs(t, err, ErrInvalidWorkload)
}

func TestShippedWorkloadIsValid(t *testing.T) {
	w, err := LoadWorkload(filepath.Join("..", "..", "workload.yml"))
	require.NoError(t, err)
	assert.Equal(t, uint64(3000), w.DurationMS)
	assert.Len(t, w.Tasks, 7)
	role, _, err := w.Tasks[4].Tag()
	require.NoError(t, err)
	assert.Equal(t, "audio", role.String())
}
