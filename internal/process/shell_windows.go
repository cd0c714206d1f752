//go:build windows

package process

func shellCommand(script string) (string, []string) {
	return "cmd", []string{"/c", script}
}
