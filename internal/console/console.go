// Package console reads credentials from an interactive terminal.
package console

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/term"
)

// EchoSwitch turns local echo off. The returned restore func puts the
// terminal back the way it was.
type EchoSwitch interface {
	Off() (restore func() error, err error)
}

// NoEcho is an EchoSwitch for input that is not a terminal.
type NoEcho struct{}

func (NoEcho) Off() (func() error, error) {
	return func() error { return nil }, nil
}

// Prompter writes prompts to out and reads answers line by line from in.
type Prompter struct {
	in   *bufio.Reader
	out  io.Writer
	echo EchoSwitch
}

func NewPrompter(in io.Reader, out io.Writer, echo EchoSwitch) *Prompter {
	if echo == nil {
		echo = NoEcho{}
	}
	return &Prompter{in: bufio.NewReader(in), out: out, echo: echo}
}

// Stdio returns a Prompter reading the process stdin and prompting on out.
// Echo is only switched when stdin is a terminal.
func Stdio(out io.Writer) *Prompter {
	var echo EchoSwitch = NoEcho{}
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		echo = &ttyEcho{fd: fd}
	}
	return NewPrompter(os.Stdin, out, echo)
}

// ReadLine prints prompt and returns the next line without its terminator.
func (p *Prompter) ReadLine(prompt string) (string, error) {
	if _, err := fmt.Fprint(p.out, prompt); err != nil {
		return "", errors.Wrap(err, "cannot write prompt")
	}
	return p.readLine()
}

// ReadPassword is ReadLine with echo off during the read. Echo is restored
// before it returns, whether or not the read succeeded.
func (p *Prompter) ReadPassword(prompt string) (password string, err error) {
	if _, err := fmt.Fprint(p.out, prompt); err != nil {
		return "", errors.Wrap(err, "cannot write prompt")
	}

	restore, err := p.echo.Off()
	if err != nil {
		return "", errors.Wrap(err, "cannot disable terminal echo")
	}
	defer func() {
		if rerr := restore(); rerr != nil && err == nil {
			err = errors.Wrap(rerr, "cannot restore terminal echo")
		}
		// the user's enter key was not echoed
		fmt.Fprintln(p.out)
	}()

	return p.readLine()
}

func (p *Prompter) readLine() (string, error) {
	line, err := p.in.ReadString('\n')
	if err != nil {
		if err != io.EOF || line == "" {
			return "", errors.Wrap(err, "cannot read input")
		}
	}
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	return line, nil
}
