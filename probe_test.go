package watchdog

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTable builds a ProcessTable over a fixed process list. Kills of pids in
// failing return an error; every kill attempt is recorded.
type fakeTable struct {
	mu      sync.Mutex
	entries []ProcessEntry
	err     error
	failing map[int32]bool
	killed  []int32
}

func (f *fakeTable) table() *ProcessTable {
	return &ProcessTable{
		logger: testLogger(),
		snapshot: func(context.Context) ([]ProcessEntry, error) {
			if f.err != nil {
				return nil, f.err
			}
			return f.entries, nil
		},
		kill: func(_ context.Context, pid int32) error {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.killed = append(f.killed, pid)
			if f.failing[pid] {
				return errors.New("access denied")
			}
			return nil
		},
	}
}

func (f *fakeTable) kills() []int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int32(nil), f.killed...)
}

func TestProcessTableFindIgnoresCase(t *testing.T) {
	f := &fakeTable{entries: []ProcessEntry{
		{PID: 1, Name: "Overlay.EXE"},
		{PID: 2, Name: "overlay.exe.bak"},
		{PID: 3, Name: "overlay.exe"},
		{PID: 4, Name: "shell.exe"},
	}}

	matches, err := f.table().Find(context.Background(), "OVERLAY.exe")
	require.NoError(t, err)
	assert.Equal(t, []ProcessEntry{{PID: 1, Name: "Overlay.EXE"}, {PID: 3, Name: "overlay.exe"}}, matches)
}

func TestProcessTableIsRunning(t *testing.T) {
	f := &fakeTable{entries: []ProcessEntry{{PID: 10, Name: "shell"}}}
	table := f.table()

	assert.True(t, table.IsRunning(context.Background(), "shell"))
	assert.False(t, table.IsRunning(context.Background(), "overlay"))
}

func TestProcessTableProbeFailureIsNotRunning(t *testing.T) {
	f := &fakeTable{err: errors.New("snapshot denied")}
	table := f.table()

	assert.False(t, table.IsRunning(context.Background(), "shell"))
	_, err := table.Find(context.Background(), "shell")
	assert.ErrorIs(t, err, ErrProbeFailed)
}

func TestHostProcessTableSeesSelf(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)
	table := NewProcessTable(testLogger())

	matches, err := table.Find(context.Background(), filepath.Base(exe))
	if err != nil {
		t.Skipf("process table unavailable: %v", err)
	}
	pids := make([]int32, 0, len(matches))
	for _, m := range matches {
		pids = append(pids, m.PID)
	}
	assert.Contains(t, pids, int32(os.Getpid()))
	assert.False(t, table.IsRunning(context.Background(), uniqueName("wdnone")))
}

func TestOrphanCleanerNoMatch(t *testing.T) {
	f := &fakeTable{entries: []ProcessEntry{{PID: 10, Name: "shell"}}}
	cleaner := NewOrphanCleaner(f.table(), testLogger())

	n, err := cleaner.TerminateIfRunning(context.Background(), "overlay")
	assert.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, f.kills())
}

func TestOrphanCleanerKillsEveryMatchButSelf(t *testing.T) {
	self := int32(os.Getpid())
	f := &fakeTable{entries: []ProcessEntry{
		{PID: 20, Name: "overlay"},
		{PID: self, Name: "overlay"},
		{PID: 21, Name: "OVERLAY"},
		{PID: 22, Name: "shell"},
	}}
	cleaner := NewOrphanCleaner(f.table(), nil)

	n, err := cleaner.TerminateIfRunning(context.Background(), "overlay")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []int32{20, 21}, f.kills())
}

func TestOrphanCleanerPartialFailure(t *testing.T) {
	f := &fakeTable{
		entries: []ProcessEntry{{PID: 30, Name: "overlay"}, {PID: 31, Name: "overlay"}, {PID: 32, Name: "overlay"}},
		failing: map[int32]bool{31: true},
	}
	cleaner := NewOrphanCleaner(f.table(), testLogger())

	n, err := cleaner.TerminateIfRunning(context.Background(), "overlay")
	assert.Equal(t, 2, n)
	assert.ErrorIs(t, err, ErrCleanupPartial)
	assert.Contains(t, err.Error(), "pid 31")
	assert.Equal(t, []int32{30, 31, 32}, f.kills(), "a failed kill does not stop the sweep")
}

func TestOrphanCleanerEnumerationFailure(t *testing.T) {
	f := &fakeTable{err: errors.New("snapshot denied")}
	cleaner := NewOrphanCleaner(f.table(), testLogger())

	n, err := cleaner.TerminateIfRunning(context.Background(), "overlay")
	assert.Zero(t, n)
	assert.ErrorIs(t, err, ErrProbeFailed)
}

func TestOrphanCleanerTerminatesRealProcess(t *testing.T) {
	name := executableName(uniqueName("wdorph"))
	path := copyTestBinary(t, t.TempDir(), name)

	cmd := exec.Command(path)
	cmd.Env = append(os.Environ(), helperEnv+"=sleep")
	require.NoError(t, cmd.Start())
	waited := make(chan error, 1)
	go func() { waited <- cmd.Wait() }()
	t.Cleanup(func() { _ = cmd.Process.Kill() })

	table := NewProcessTable(testLogger())
	require.Eventually(t, func() bool { return table.IsRunning(context.Background(), name) },
		5*time.Second, 20*time.Millisecond)

	n, err := NewOrphanCleaner(table, testLogger()).TerminateIfRunning(context.Background(), name)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	select {
	case err := <-waited:
		assert.Error(t, err, "killed process reports a failed wait")
	case <-time.After(5 * time.Second):
		t.Fatal("orphan still alive after cleanup")
	}
	assert.False(t, table.IsRunning(context.Background(), name))
}
