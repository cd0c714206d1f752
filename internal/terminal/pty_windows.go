//go:build windows

package terminal

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/UserExistsError/conpty"
)

type windowsPTY struct {
	cpty *conpty.ConPty
}

func (p *windowsPTY) Read(b []byte) (int, error)  { return p.cpty.Read(b) }
func (p *windowsPTY) Write(b []byte) (int, error) { return p.cpty.Write(b) }
func (p *windowsPTY) Close() error                { return p.cpty.Close() }

func (p *windowsPTY) Resize(cols, rows uint16) error {
	return p.cpty.Resize(int(cols), int(rows))
}

// startPTY launches cmd inside a ConPTY. ConPTY creates the process itself,
// so cmd.Process is filled in afterwards for Wait and signalling.
func startPTY(cmd *exec.Cmd, cols, rows int) (ptyHandle, error) {
	args := make([]string, len(cmd.Args))
	for i, a := range cmd.Args {
		args[i] = syscall.EscapeArg(a)
	}
	cmdLine := strings.Join(args, " ")
	if len(args) == 0 {
		cmdLine = syscall.EscapeArg(cmd.Path)
	}

	opts := []conpty.ConPtyOption{conpty.ConPtyDimensions(cols, rows)}
	if cmd.Dir != "" {
		opts = append(opts, conpty.ConPtyWorkDir(cmd.Dir))
	}
	if cmd.Env != nil {
		opts = append(opts, conpty.ConPtyEnv(cmd.Env))
	}

	cpty, err := conpty.Start(cmdLine, opts...)
	if err != nil {
		return nil, err
	}
	proc, err := os.FindProcess(int(cpty.Pid()))
	if err != nil {
		_ = cpty.Close()
		return nil, fmt.Errorf("find ConPTY process %d: %w", cpty.Pid(), err)
	}
	cmd.Process = proc
	return &windowsPTY{cpty: cpty}, nil
}

func defaultShell() (string, []string) {
	if sh := os.Getenv("COMSPEC"); sh != "" {
		return sh, nil
	}
	return "cmd.exe", nil
}
