package ffmpeg

import (
	"io"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shCommand(t *testing.T, script string, pipe bool) *Command {
	t.Helper()
	return NewCommand(&Plan{
		Argv:       []string{"/bin/sh", "-c", script},
		PipeStdout: pipe,
	}, nil)
}

func TestCommandStdoutPipe(t *testing.T) {
	cmd := shCommand(t, "printf hello", true)
	require.NoError(t, cmd.Start())

	out, err := io.ReadAll(cmd.Stdout())
	require.NoError(t, err)
	assert.Equal(t, "hello", string(out))
	assert.NoError(t, cmd.Wait())
}

func TestCommandStderrTail(t *testing.T) {
	cmd := shCommand(t, "echo one >&2; echo two >&2", false)
	require.NoError(t, cmd.Start())
	require.NoError(t, cmd.Wait())

	assert.Equal(t, []string{"one", "two"}, cmd.StderrTail())
}

func TestCommandStderrTailCompleteOnFastExit(t *testing.T) {
	// A child that writes stderr and exits immediately must never lose
	// the tail to the reap racing the drain.
	for i := 0; i < 20; i++ {
		cmd := shCommand(t, "echo boom >&2; exit 1", false)
		require.NoError(t, cmd.Start())
		require.Error(t, cmd.Wait())
		require.Equal(t, []string{"boom"}, cmd.StderrTail())
	}
}

func TestCommandStderrTailBounded(t *testing.T) {
	cmd := shCommand(t, "i=0; while [ $i -lt 150 ]; do echo line$i >&2; i=$((i+1)); done", false)
	require.NoError(t, cmd.Start())
	require.NoError(t, cmd.Wait())

	tail := cmd.StderrTail()
	require.Len(t, tail, stderrTailSize)
	assert.Equal(t, "line149", tail[len(tail)-1])
	assert.Equal(t, "line50", tail[0])
}

func TestCommandExitError(t *testing.T) {
	cmd := shCommand(t, "exit 3", false)
	require.NoError(t, cmd.Start())
	err := cmd.Wait()
	require.Error(t, err)
}

func TestCommandWaitIdempotent(t *testing.T) {
	cmd := shCommand(t, "exit 3", false)
	require.NoError(t, cmd.Start())

	first := cmd.Wait()
	second := cmd.Wait()
	assert.Equal(t, first, second)
}

func TestCommandTerminate(t *testing.T) {
	cmd := shCommand(t, "sleep 30", false)
	require.NoError(t, cmd.Start())
	assert.NotZero(t, cmd.PID())

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	require.NoError(t, cmd.Terminate())
	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		_ = cmd.Kill()
		t.Fatal("child did not exit after SIGTERM")
	}
}

func TestCommandKill(t *testing.T) {
	cmd := shCommand(t, "trap '' TERM; sleep 30", false)
	require.NoError(t, cmd.Start())

	require.NoError(t, cmd.Kill())
	err := cmd.Wait()
	require.Error(t, err)
}

func TestCommandSignalBeforeStart(t *testing.T) {
	cmd := shCommand(t, "true", false)
	assert.Error(t, cmd.Signal(syscall.SIGTERM))
	assert.Error(t, cmd.Kill())
	assert.Error(t, cmd.Wait())
	assert.Zero(t, cmd.PID())
}

func TestCommandDoubleStart(t *testing.T) {
	cmd := shCommand(t, "true", false)
	require.NoError(t, cmd.Start())
	assert.Error(t, cmd.Start())
	require.NoError(t, cmd.Wait())
}

func TestCommandString(t *testing.T) {
	cmd := shCommand(t, "true", false)
	assert.Equal(t, "/bin/sh -c true", cmd.String())
}
