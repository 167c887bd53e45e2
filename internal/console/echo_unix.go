//go:build linux || darwin || dragonfly || freebsd || netbsd || openbsd

package console

import (
	"os"
	"os/signal"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// exitInterrupted is the conventional status for a process killed by SIGINT.
const exitInterrupted = 130

type ttyEcho struct {
	fd int
}

// Off clears ECHO on the terminal. Canonical mode stays on so the line
// discipline still handles erase and enter. An interrupt while echo is off
// restores the terminal before the process exits.
func (t *ttyEcho) Off() (func() error, error) {
	saved, err := unix.IoctlGetTermios(t.fd, ioctlReadTermios)
	if err != nil {
		return nil, errors.Wrap(err, "cannot read terminal attributes")
	}

	silent := *saved
	silent.Lflag &^= unix.ECHO
	silent.Lflag |= unix.ICANON | unix.ISIG
	silent.Iflag |= unix.ICRNL
	if err := unix.IoctlSetTermios(t.fd, ioctlWriteTermios, &silent); err != nil {
		return nil, errors.Wrap(err, "cannot write terminal attributes")
	}

	var (
		once       sync.Once
		restoreErr error
	)
	restore := func() error {
		once.Do(func() {
			restoreErr = unix.IoctlSetTermios(t.fd, ioctlWriteTermios, saved)
		})
		return restoreErr
	}

	interrupts := make(chan os.Signal, 1)
	done := make(chan struct{})
	signal.Notify(interrupts, os.Interrupt, unix.SIGTERM)
	go func() {
		select {
		case <-interrupts:
			_ = restore()
			os.Stdout.WriteString("\n")
			os.Exit(exitInterrupted)
		case <-done:
		}
	}()

	var stopOnce sync.Once
	return func() error {
		stopOnce.Do(func() {
			signal.Stop(interrupts)
			close(done)
		})
		return restore()
	}, nil
}
