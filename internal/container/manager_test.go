package container

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/constellation-dev/bridge/internal/common/logger"
	"github.com/constellation-dev/bridge/internal/workspace"
)

func newTestManager(t *testing.T) (*Manager, *fakeRuntime, *PortAllocator) {
	t.Helper()
	store, err := workspace.NewStore(workspace.Options{Root: t.TempDir()}, logger.NewNop(), nil)
	require.NoError(t, err)

	rt := newFakeRuntime()
	ports := NewPortAllocator(40000, 40099, 10)
	ports.probe = func(int) bool { return true }

	m := NewManager(rt, ports, store, Options{DefaultImage: "node:20-slim"}, logger.NewNop(), nil)
	return m, rt, ports
}

func TestManager_Scenario(t *testing.T) {
	m, rt, ports := newTestManager(t)
	ctx := context.Background()

	created, err := m.Create(ctx, "proj-1", CreateConfig{Ports: []int{3000}})
	require.NoError(t, err)
	assert.Equal(t, "constellation-proj-1", created.ContainerName)
	require.Len(t, created.Ports, 1)
	assert.Equal(t, 3000, created.Ports[0].Internal)
	assert.GreaterOrEqual(t, created.Ports[0].External, 40000)
	assert.LessOrEqual(t, created.Ports[0].External, 40099)

	spec := rt.specs[0]
	assert.Equal(t, "node:20-slim", spec.Image)
	assert.Equal(t, "/workspace", spec.MountPath)
	assert.Equal(t, []string{"sleep", "infinity"}, spec.Cmd)
	assert.Equal(t, "proj-1", spec.Labels[LabelProject])
	assert.DirExists(t, spec.WorkspacePath)

	res, err := m.Exec(ctx, Target{ProjectID: "proj-1"}, "echo hi")
	require.NoError(t, err)
	assert.Contains(t, res.Output, "hi")
	assert.Equal(t, 0, res.ExitCode)

	first, err := m.Destroy(ctx, Target{ProjectID: "proj-1"})
	require.NoError(t, err)
	assert.True(t, first.Success)
	assert.True(t, first.Destroyed)
	assert.Equal(t, 0, ports.InUse())

	second, err := m.Destroy(ctx, Target{ProjectID: "proj-1"})
	require.NoError(t, err)
	assert.True(t, second.Success)
	assert.False(t, second.Destroyed)
}

func TestManager_DestroyNeverCreated(t *testing.T) {
	m, _, _ := newTestManager(t)

	res, err := m.Destroy(context.Background(), Target{ContainerID: "deadbeef"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.Destroyed)
	assert.Empty(t, res.ContainerName)
}

func TestManager_DestroyByContainerIDReleasesProjectPorts(t *testing.T) {
	m, _, ports := newTestManager(t)
	ctx := context.Background()

	created, err := m.Create(ctx, "proj-1", CreateConfig{Ports: []int{3000, 3001}})
	require.NoError(t, err)
	require.Len(t, ports.Reserved("proj-1"), 2)

	res, err := m.Destroy(ctx, Target{ContainerID: created.ContainerID})
	require.NoError(t, err)
	assert.True(t, res.Destroyed)
	assert.Equal(t, "constellation-proj-1", res.ContainerName)
	assert.Empty(t, ports.Reserved("proj-1"))
	assert.Equal(t, 0, ports.InUse())

	// The freed ports can be handed out again.
	again, err := m.Create(ctx, "proj-1", CreateConfig{Ports: []int{3000, 3001}})
	require.NoError(t, err)
	assert.Len(t, again.Ports, 2)
}

func TestManager_CreateManyPortsDistinct(t *testing.T) {
	m, _, _ := newTestManager(t)

	created, err := m.Create(context.Background(), "multi", CreateConfig{Ports: []int{3000, 5173, 8080, 3000}})
	require.NoError(t, err)
	require.Len(t, created.Ports, 3)

	seen := map[int]bool{}
	for _, p := range created.Ports {
		assert.False(t, seen[p.External], "duplicate host port %d", p.External)
		seen[p.External] = true
	}
}

func TestManager_CreateRetriesPortConflict(t *testing.T) {
	m, rt, ports := newTestManager(t)
	rt.createErrs = []error{fmt.Errorf("start: %w", ErrPortConflict), nil}

	created, err := m.Create(context.Background(), "retry", CreateConfig{Ports: []int{3000}})
	require.NoError(t, err)
	assert.Len(t, rt.specs, 2)
	assert.Equal(t, []int{created.Ports[0].External}, ports.Reserved("retry"))
}

func TestManager_CreateFailureReleasesPorts(t *testing.T) {
	m, rt, ports := newTestManager(t)
	rt.createErrs = []error{errors.New("image not found")}

	_, err := m.Create(context.Background(), "broken", CreateConfig{Ports: []int{3000, 3001}})
	require.Error(t, err)
	assert.Len(t, rt.specs, 1)
	assert.Equal(t, 0, ports.InUse())
}

func TestManager_CreateRejectsBadInput(t *testing.T) {
	m, _, _ := newTestManager(t)

	_, err := m.Create(context.Background(), "../etc", CreateConfig{})
	assert.ErrorIs(t, err, workspace.ErrInvalidProjectID)

	_, err = m.Create(context.Background(), "ok", CreateConfig{Ports: []int{70000}})
	assert.ErrorIs(t, err, ErrInvalidPort)
}

func TestManager_ExecContainerNotFound(t *testing.T) {
	m, _, _ := newTestManager(t)

	_, err := m.Exec(context.Background(), Target{ProjectID: "ghost"}, "echo hi")
	assert.ErrorIs(t, err, ErrContainerNotFound)
}

func TestManager_ExecFailureIsReportedNotRaised(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, "exec", CreateConfig{})
	require.NoError(t, err)

	res, err := m.Exec(ctx, Target{ProjectID: "exec"}, "exit 7")
	require.NoError(t, err)
	assert.Equal(t, 7, res.ExitCode)

	// Unknown container id: the runtime fails, the manager reports exit 1.
	res, err = m.Exec(ctx, Target{ContainerID: "nope"}, "echo hi")
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
	assert.NotEmpty(t, res.Stderr)
}

func TestManager_ExecErrorKeepsPartialOutput(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	_, err := m.Create(ctx, "proj-1", CreateConfig{})
	require.NoError(t, err)

	res, err := m.Exec(ctx, Target{ProjectID: "proj-1"}, "flood")
	require.NoError(t, err)
	assert.Equal(t, "line 1\nline 2\n", res.Output)
	assert.Equal(t, "warn\nexec: output limit exceeded", res.Stderr)
	assert.Equal(t, 1, res.ExitCode)
}

func TestManager_Status(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Status(ctx, Target{ProjectID: "s"})
	assert.ErrorIs(t, err, ErrContainerNotFound)

	created, err := m.Create(ctx, "s", CreateConfig{})
	require.NoError(t, err)

	info, err := m.Status(ctx, Target{ProjectID: "s"})
	require.NoError(t, err)
	assert.Equal(t, created.ContainerID, info.ID)
	assert.Equal(t, "running", info.State)
}

func TestContainerName(t *testing.T) {
	tests := map[string]string{
		"proj-1":        "constellation-proj-1",
		"My_Project.v2": "constellation-my-project-v2",
		"a__b..c":       "constellation-a-b-c",
		"UPPER":         "constellation-upper",
	}
	for in, want := range tests {
		assert.Equal(t, want, ContainerName("constellation", in), in)
		assert.Equal(t, ContainerName("constellation", in), ContainerName("constellation", in))
	}
}
