package ldap

import (
	"github.com/go-ldap/ldap/v3"
	"github.com/pkg/errors"
)

var (
	ErrNoURLs                     = errors.New("no LDAP url configured")
	ErrUserNotFound               = errors.New("user not found in directory")
	ErrUnsupportedProtocolVersion = errors.New("unsupported LDAP protocol version")
	ErrServiceBind                = errors.New("service account bind failed")
)

// IsRejected reports whether err means the directory refused the credentials,
// as opposed to the directory being unreachable or misconfigured.
func IsRejected(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUserNotFound) {
		return true
	}
	return ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials)
}
