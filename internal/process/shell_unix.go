//go:build !windows

package process

func shellCommand(script string) (string, []string) {
	return "sh", []string{"-c", script}
}
