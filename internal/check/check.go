// Package check runs credential checks against LDAP targets and reports
// one line per attempt.
package check

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	ldap "github.com/xonoko/ldap-check"
)

// EmptyPasswordSentinel replaces an empty password. Some servers treat a
// bind with an empty password as an anonymous bind and report success.
const EmptyPasswordSentinel = "*empty-password*"

const (
	SuccessLine = "Success"
	FailureLine = "Login Failed"
)

// Credentials is the username and password captured from the console.
type Credentials struct {
	Username string
	Password string
}

// String never includes the password.
func (c Credentials) String() string {
	return fmt.Sprintf("{Username:%s Password:[REDACTED]}", c.Username)
}

// Target is one directory to check the credentials against.
type Target struct {
	Name string
	Auth ldap.Authenticator
	// Timeout overrides the checker timeout when positive.
	Timeout time.Duration
}

type Result struct {
	Target string
	OK     bool
	Err    error
}

// Line is the report line for r. The target name is only prefixed when
// several targets are checked.
func (r Result) Line(named bool) string {
	line := FailureLine
	if r.OK {
		line = SuccessLine
	}
	if named {
		return r.Target + ": " + line
	}
	return line
}

type Checker struct {
	sentinel string
	timeout  time.Duration
	log      *zap.Logger
}

type Option func(*Checker)

func WithSentinel(sentinel string) Option {
	return func(c *Checker) {
		if sentinel != "" {
			c.sentinel = sentinel
		}
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(c *Checker) {
		c.timeout = timeout
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(c *Checker) {
		c.log = log
	}
}

func New(opts ...Option) *Checker {
	c := &Checker{
		sentinel: EmptyPasswordSentinel,
		timeout:  ldap.DefaultTimeout,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Prepare normalises the username and swaps an empty password for the
// sentinel. Non-empty passwords are left untouched.
func (c *Checker) Prepare(creds Credentials) Credentials {
	creds.Username = norm.NFC.String(strings.TrimSpace(creds.Username))
	if creds.Password == "" {
		creds.Password = c.sentinel
	}
	return creds
}

// Attempt checks creds against a single target. Errors from the target are
// kept on the result but always count as a failed login.
func (c *Checker) Attempt(ctx context.Context, target Target, creds Credentials) (result Result) {
	result = Result{Target: target.Name}

	timeout := c.timeout
	if target.Timeout > 0 {
		timeout = target.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			result = Result{Target: target.Name, Err: errors.Errorf("authenticator panicked: %v", r)}
		}
	}()

	start := time.Now()
	ok, err := target.Auth.Authenticate(ctx, creds.Username, creds.Password)
	log := c.log.With(
		zap.String("target", target.Name),
		zap.String("username", creds.Username),
		zap.Duration("duration", time.Since(start)))
	switch {
	case err != nil:
		log.Warn("Authentication error", zap.Error(err))
		result.Err = err
	case !ok:
		log.Info("Credentials rejected")
	default:
		log.Info("Credentials accepted")
		result.OK = true
	}
	return result
}

// Run checks creds against each target in order, writing one line per
// target to out as soon as its attempt finishes.
func (c *Checker) Run(ctx context.Context, out io.Writer, creds Credentials, targets []Target) ([]Result, error) {
	creds = c.Prepare(creds)
	named := len(targets) > 1

	results := make([]Result, 0, len(targets))
	for _, target := range targets {
		result := c.Attempt(ctx, target, creds)
		results = append(results, result)
		if _, err := fmt.Fprintln(out, result.Line(named)); err != nil {
			return results, errors.Wrap(err, "cannot write result")
		}
	}
	return results, nil
}

// AllOK reports whether every result is a success. An empty list is not.
func AllOK(results []Result) bool {
	if len(results) == 0 {
		return false
	}
	for _, r := range results {
		if !r.OK {
			return false
		}
	}
	return true
}
