//go:build !windows

package process

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/constellation-dev/bridge/internal/common/logger"
)

func newTestRunner(opts Options) *Runner {
	return NewRunner(opts, logger.NewNop())
}

func TestRun_Success(t *testing.T) {
	r := newTestRunner(Options{})
	res, err := r.Run(context.Background(), Command{Name: "echo", Args: []string{"hello world"}})
	require.NoError(t, err)
	assert.Equal(t, "hello world\n", res.Stdout)
	assert.Equal(t, 0, res.ExitCode)
}

func TestRun_ArgsAreNotShellInterpreted(t *testing.T) {
	r := newTestRunner(Options{})
	res, err := r.Run(context.Background(), Command{Name: "echo", Args: []string{"$HOME; rm -rf /"}})
	require.NoError(t, err)
	assert.Equal(t, "$HOME; rm -rf /\n", res.Stdout)
}

func TestRun_NonZeroExit(t *testing.T) {
	r := newTestRunner(Options{})
	res, err := r.RunShell(context.Background(), "echo oops >&2; exit 3", "")
	require.Error(t, err)

	var failed *CommandFailedError
	require.True(t, errors.As(err, &failed))
	assert.Equal(t, 3, failed.ExitCode)
	assert.Contains(t, failed.Stderr, "oops")
	assert.Equal(t, 3, res.ExitCode)
}

func TestRun_StartError(t *testing.T) {
	r := newTestRunner(Options{})
	_, err := r.Run(context.Background(), Command{Name: "definitely-not-a-real-binary-xyz"})
	var startErr *StartError
	require.True(t, errors.As(err, &startErr))
}

func TestRun_DirAndEnv(t *testing.T) {
	dir := t.TempDir()
	r := newTestRunner(Options{})
	res, err := r.Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "pwd; echo $BRIDGE_TEST_VAR"},
		Dir:  dir,
		Env:  []string{"BRIDGE_TEST_VAR=present"},
	})
	require.NoError(t, err)

	resolved, _ := filepath.EvalSymlinks(dir)
	lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, []string{dir, resolved}, lines[0])
	assert.Equal(t, "present", lines[1])
}

func TestRun_StdinIsClosed(t *testing.T) {
	r := newTestRunner(Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := r.Run(ctx, Command{Name: "cat"})
	require.NoError(t, err)
	assert.Empty(t, res.Stdout)
}

func TestRun_OutputLimit(t *testing.T) {
	r := newTestRunner(Options{MaxOutputBytes: 1024, KillGrace: 200 * time.Millisecond})
	start := time.Now()
	_, err := r.RunShell(context.Background(), "while true; do echo aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa; done", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOutputLimitExceeded)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestRun_ContextDeadlineKillsProcessGroup(t *testing.T) {
	r := newTestRunner(Options{KillGrace: 200 * time.Millisecond})
	marker := filepath.Join(t.TempDir(), "survivor")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	// The background child would create marker if it outlived the group kill.
	_, err := r.RunShell(ctx, "(sleep 2; touch "+marker+") & sleep 30", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)

	time.Sleep(2500 * time.Millisecond)
	_, statErr := os.Stat(marker)
	assert.True(t, os.IsNotExist(statErr), "background child survived cancellation")
}

func TestRunStreaming_ChunksInOrder(t *testing.T) {
	r := newTestRunner(Options{})

	var got []string
	res, err := r.RunStreaming(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "printf one; sleep 0.1; printf two >&2; sleep 0.1; printf three"},
	}, func(c Chunk) {
		got = append(got, c.Stream+":"+string(c.Data))
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"stdout:one", "stderr:two", "stdout:three"}, got)
	assert.Equal(t, "onethree", res.Stdout)
	assert.Equal(t, "two", res.Stderr)
}

func TestCommandString(t *testing.T) {
	cmd := Command{Name: "docker", Args: []string{"run", "-e", "A=b c", "img"}}
	assert.Equal(t, `docker run -e "A=b c" img`, cmd.String())
}
