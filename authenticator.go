package ldap

import (
	"context"

	"github.com/pkg/errors"
)

// Authenticator checks a username and password in a single call.
// A false result with a nil error means the directory rejected the credentials.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (bool, error)
}

// Session is an open directory connection that credentials can be bound on.
type Session interface {
	Bind(username, password string) error
	Close()
}

// Connector opens sessions.
type Connector interface {
	Open(ctx context.Context) (Session, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, username, password string) (bool, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, username, password string) (bool, error) {
	return f(ctx, username, password)
}

// TwoStep returns an Authenticator that opens a session with c and then
// binds on it, closing the session afterwards.
func TwoStep(c Connector) Authenticator {
	return AuthenticatorFunc(func(ctx context.Context, username, password string) (bool, error) {
		session, err := c.Open(ctx)
		if err != nil {
			return false, errors.Wrap(err, "cannot connect to ldap")
		}
		defer session.Close()

		return boolResult(session.Bind(username, password))
	})
}
