// Package cli wires the ldap-check command together.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	ldap "github.com/xonoko/ldap-check"
	"github.com/xonoko/ldap-check/internal/check"
	"github.com/xonoko/ldap-check/internal/config"
	"github.com/xonoko/ldap-check/internal/console"
	"github.com/xonoko/ldap-check/internal/logger"
)

const (
	ExitOK     = 0
	ExitFailed = 1
	ExitUsage  = 2
)

const (
	userPrompt     = "    User: "
	passwordPrompt = "Password: "
)

var errLoginFailed = errors.New("login failed")

// ExitError carries the process exit code for err.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func usageError(err error) error {
	return &ExitError{Code: ExitUsage, Err: err}
}

// AuthenticatorFactory builds the authenticator for one configured target.
type AuthenticatorFactory func(target config.Target, log *zap.Logger) (ldap.Authenticator, error)

// NewAuthenticator picks the single-call or the connect-then-bind variant
// of the LDAP client according to the target mode.
func NewAuthenticator(target config.Target, log *zap.Logger) (ldap.Authenticator, error) {
	client, err := ldap.NewClient(target.LDAP(), ldap.WithLogger(log.With(zap.String("target", target.Name))))
	if err != nil {
		return nil, errors.Wrapf(err, "target %s", target.Name)
	}
	if target.Mode == config.ModeBind {
		return ldap.TwoStep(client), nil
	}
	return client, nil
}

type options struct {
	configFile string
	envFile    string
}

// NewRootCmd returns the ldap-check command. newAuth may be nil.
func NewRootCmd(newAuth AuthenticatorFactory) *cobra.Command {
	if newAuth == nil {
		newAuth = NewAuthenticator
	}
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "ldap-check",
		Short: "Check a username and password against LDAP",
		Long: `ldap-check prompts for a username and password and binds with them
against every configured LDAP target, printing Success or Login Failed
for each one.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, opts, newAuth)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.configFile, "config", "c", "", "config file (default ./ldap.yaml or ~/.config/ldap-check/ldap.yaml)")
	flags.StringVar(&opts.envFile, "env-file", config.DefaultEnvFile, "dotenv file to load before reading the environment")
	flags.StringP("username", "u", "", "username to check instead of prompting for one")
	flags.StringSlice("url", nil, "LDAP url, may be repeated; tried in order (not allowed with a targets list)")
	flags.String("host", "", "LDAP host, used when no url is given")
	flags.Int("port", 0, "LDAP port (default 389, or 636 with --tls)")
	flags.Bool("tls", false, "use ldaps:// for --host")
	flags.Bool("start-tls", false, "upgrade the connection with StartTLS")
	flags.Bool("insecure", false, "skip TLS certificate verification")
	flags.String("base-dn", "", "base DN users live under")
	flags.String("user-attr", "", "attribute holding the username (default uid)")
	flags.String("upn-domain", "", "bind as user@domain instead of a DN")
	flags.String("bind-dn", "", "service account DN used to search for the user")
	flags.String("mode", config.ModeAuth, "auth (single call) or bind (connect, then bind)")
	flags.Int("protocol-version", ldap.DefaultProtocolVersion, "LDAP protocol version")
	flags.Duration("timeout", ldap.DefaultTimeout, "timeout per authentication attempt")
	flags.String("log-level", "warn", "log level: debug, info, warn or error")

	return cmd
}

func run(cmd *cobra.Command, opts *options, newAuth AuthenticatorFactory) error {
	if err := config.LoadEnvFile(opts.envFile); err != nil {
		return usageError(err)
	}

	v := config.New()
	if err := config.BindFlags(v, cmd.Flags()); err != nil {
		return usageError(errors.Wrap(err, "cannot bind flags"))
	}
	cfg, err := config.Load(v, opts.configFile)
	if err != nil {
		return usageError(err)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return usageError(err)
	}
	defer func() { _ = log.Sync() }()

	var targets []check.Target
	for _, t := range cfg.ResolvedTargets() {
		auth, err := newAuth(t, log)
		if err != nil {
			return usageError(err)
		}
		targets = append(targets, check.Target{Name: t.Name, Auth: auth, Timeout: t.Timeout})
	}

	out := cmd.OutOrStdout()
	prompter := newPrompter(cmd.InOrStdin(), out)

	creds := check.Credentials{Username: cfg.Username}
	if creds.Username == "" {
		if creds.Username, err = prompter.ReadLine(userPrompt); err != nil {
			return &ExitError{Code: ExitFailed, Err: err}
		}
	}
	if creds.Password, err = prompter.ReadPassword(passwordPrompt); err != nil {
		return &ExitError{Code: ExitFailed, Err: err}
	}

	checker := check.New(
		check.WithSentinel(cfg.EmptyPasswordSentinel),
		check.WithTimeout(cfg.Timeout),
		check.WithLogger(log))

	log.Debug("Checking credentials", zap.Stringer("credentials", creds), zap.Int("targets", len(targets)))
	results, err := checker.Run(cmd.Context(), out, creds, targets)
	if err != nil {
		return &ExitError{Code: ExitFailed, Err: err}
	}
	if !check.AllOK(results) {
		return &ExitError{Code: ExitFailed, Err: errLoginFailed}
	}
	return nil
}

// newPrompter switches terminal echo only for the real stdin.
func newPrompter(in io.Reader, out io.Writer) *console.Prompter {
	if f, ok := in.(*os.File); ok && f == os.Stdin {
		return console.Stdio(out)
	}
	return console.NewPrompter(in, out, nil)
}

// Execute runs the command with the process arguments and returns the exit
// code. Login failures are already reported on stdout.
func Execute(ctx context.Context) int {
	cmd := NewRootCmd(nil)
	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return ExitOK
	}

	code := ExitUsage
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.Code
	}
	if !errors.Is(err, errLoginFailed) {
		fmt.Fprintf(cmd.ErrOrStderr(), "ldap-check: %v\n", err)
	}
	return code
}
