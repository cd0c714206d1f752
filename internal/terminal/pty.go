package terminal

import "io"

// ptyHandle abstracts the pseudo-terminal master across platforms.
type ptyHandle interface {
	io.ReadWriteCloser
	Resize(cols, rows uint16) error
}
