//go:build !linux && !darwin && !dragonfly && !freebsd && !netbsd && !openbsd

package console

// ttyEcho leaves echo alone where termios is not available.
type ttyEcho struct {
	fd int
}

func (t *ttyEcho) Off() (func() error, error) {
	return NoEcho{}.Off()
}
