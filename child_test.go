package watchdog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type appExit int

func (e appExit) Error() string { return "application exit" }
func (e appExit) ExitCode() int { return int(e) }

func TestRunChildExitCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, 0},
		{"plain error", errors.New("boom"), 1},
		{"exit coder", appExit(3), 3},
		{"wrapped exit coder", errors.Join(errors.New("ctx"), appExit(4)), 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code := RunChild(context.Background(), ChildOptions{Logger: testLogger()},
				func(context.Context, bool) error { return tt.err })
			assert.Equal(t, tt.want, code)
		})
	}
}

func TestRunChildCleansUpAfterCrash(t *testing.T) {
	f := &fakeTable{entries: []ProcessEntry{{PID: 50, Name: executableName("overlay")}}}
	var crashed bool

	code := RunChild(context.Background(), ChildOptions{
		Args:      []string{"--restart-after-crash"},
		Companion: "overlay",
		Logger:    testLogger(),
		Cleaner:   NewOrphanCleaner(f.table(), testLogger()),
	}, func(_ context.Context, c bool) error {
		crashed = c
		return nil
	})

	assert.Zero(t, code)
	assert.True(t, crashed)
	assert.Equal(t, []int32{50}, f.kills())
}

func TestRunChildSkipsCleanupOnNormalStart(t *testing.T) {
	f := &fakeTable{entries: []ProcessEntry{{PID: 50, Name: executableName("overlay")}}}
	var crashed bool

	RunChild(context.Background(), ChildOptions{
		Args:      []string{"--verbose"},
		Companion: "overlay",
		Cleaner:   NewOrphanCleaner(f.table(), nil),
	}, func(_ context.Context, c bool) error {
		crashed = c
		return nil
	})

	assert.False(t, crashed)
	assert.Empty(t, f.kills())
}

func TestRunChildContinuesWhenCleanupFails(t *testing.T) {
	f := &fakeTable{
		entries: []ProcessEntry{{PID: 60, Name: executableName("overlay")}},
		failing: map[int32]bool{60: true},
	}
	ran := false

	code := RunChild(context.Background(), ChildOptions{
		Args:      []string{"--restart-after-crash"},
		Companion: "overlay",
		Cleaner:   NewOrphanCleaner(f.table(), nil),
	}, func(context.Context, bool) error {
		ran = true
		return nil
	})

	assert.True(t, ran)
	assert.Zero(t, code)
}

func TestRunChildCustomRestartFlag(t *testing.T) {
	var crashed bool
	RunChild(context.Background(), ChildOptions{
		Args:        []string{"--crashed"},
		RestartFlag: "--crashed",
	}, func(_ context.Context, c bool) error {
		crashed = c
		return nil
	})
	assert.True(t, crashed)
}

func TestRunChildManagesCompanion(t *testing.T) {
	t.Setenv(helperEnv, "sleep")
	dir := t.TempDir()
	name := uniqueName("wdcomp")
	copyTestBinary(t, dir, name)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "overlay.enable"), nil, 0o644))

	table := NewProcessTable(testLogger())
	var sawCompanion bool
	code := RunChild(context.Background(), ChildOptions{
		Companion:       name,
		CompanionDir:    dir,
		CompanionMarker: "overlay.enable",
		Logger:          testLogger(),
	}, func(ctx context.Context, _ bool) error {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if table.IsRunning(ctx, executableName(name)) {
				sawCompanion = true
				return nil
			}
			time.Sleep(20 * time.Millisecond)
		}
		return nil
	})

	assert.Zero(t, code)
	assert.True(t, sawCompanion, "companion runs alongside the application")
	assert.False(t, table.IsRunning(context.Background(), executableName(name)), "companion is stopped on exit")
}

func TestRunChildNoMarkerNoCompanion(t *testing.T) {
	t.Setenv(helperEnv, "sleep")
	dir := t.TempDir()
	name := uniqueName("wdnomk")
	copyTestBinary(t, dir, name)

	table := NewProcessTable(testLogger())
	RunChild(context.Background(), ChildOptions{
		Companion:       name,
		CompanionDir:    dir,
		CompanionMarker: "overlay.enable",
	}, func(ctx context.Context, _ bool) error {
		assert.False(t, table.IsRunning(ctx, executableName(name)))
		return nil
	})
}
