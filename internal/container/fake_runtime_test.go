package container

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// fakeRuntime is an in-memory Runtime. Containers are removed on Stop to
// mirror auto-remove.
type fakeRuntime struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer // by name
	nextID     int

	createErrs []error // returned by successive Create calls
	specs      []Spec
}

type fakeContainer struct {
	id   string
	spec Spec
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{containers: make(map[string]*fakeContainer)}
}

func (f *fakeRuntime) Name() string                   { return "fake" }
func (f *fakeRuntime) Ping(ctx context.Context) error { return nil }
func (f *fakeRuntime) Close() error                   { return nil }

func (f *fakeRuntime) Create(ctx context.Context, spec Spec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs = append(f.specs, spec)
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		if err != nil {
			return "", err
		}
	}
	if _, exists := f.containers[spec.Name]; exists {
		return "", fmt.Errorf("conflict: name %s in use", spec.Name)
	}
	f.nextID++
	id := fmt.Sprintf("c%04d", f.nextID)
	f.containers[spec.Name] = &fakeContainer{id: id, spec: spec}
	return id, nil
}

func (f *fakeRuntime) lookup(ref string) (string, bool) {
	for name, c := range f.containers {
		if name == ref || c.id == ref {
			return name, true
		}
	}
	return "", false
}

func (f *fakeRuntime) Stop(ctx context.Context, ref string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	name, ok := f.lookup(ref)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchContainer, ref)
	}
	delete(f.containers, name)
	return nil
}

func (f *fakeRuntime) Remove(ctx context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	name, ok := f.lookup(ref)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchContainer, ref)
	}
	delete(f.containers, name)
	return nil
}

func (f *fakeRuntime) FindRunning(ctx context.Context, name string) (*Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchContainer, name)
	}
	return &Info{ID: c.id, Name: name, State: "running"}, nil
}

func (f *fakeRuntime) Inspect(ctx context.Context, ref string) (*Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name, ok := f.lookup(ref)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchContainer, ref)
	}
	c := f.containers[name]
	return &Info{ID: c.id, Name: name, State: "running", Project: c.spec.Labels[LabelProject]}, nil
}

// Exec understands "sh -c echo ...", "sh -c exit N" and "sh -c flood", which
// fails after producing output.
func (f *fakeRuntime) Exec(ctx context.Context, id string, cmd []string) (*ExecResult, error) {
	f.mu.Lock()
	_, ok := f.lookup(id)
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchContainer, id)
	}
	script := cmd[len(cmd)-1]
	switch {
	case strings.HasPrefix(script, "echo "):
		return &ExecResult{Output: strings.TrimPrefix(script, "echo ") + "\n"}, nil
	case script == "flood":
		return &ExecResult{Output: "line 1\nline 2\n", Stderr: "warn"}, errors.New("exec: output limit exceeded")
	case strings.HasPrefix(script, "exit "):
		var code int
		_, _ = fmt.Sscanf(script, "exit %d", &code)
		return &ExecResult{ExitCode: code}, nil
	}
	return &ExecResult{Stderr: "sh: not found", ExitCode: 127}, nil
}
