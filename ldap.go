package ldap

import (
	"crypto/tls"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// LDAP is the dialing seam of the client. Tests replace it with a fake.
type LDAP interface {
	DialURL(url string, opts ...ldap.DialOpt) (backendConnection, error)
	DialWithTLSConfig(tc *tls.Config) ldap.DialOpt
	DialWithTimeout(timeout time.Duration) ldap.DialOpt
}

type ldapImpl struct{}

func (l *ldapImpl) DialURL(url string, opts ...ldap.DialOpt) (backendConnection, error) {
	return ldap.DialURL(url, opts...)
}

func (l *ldapImpl) DialWithTLSConfig(tc *tls.Config) ldap.DialOpt {
	return ldap.DialWithTLSConfig(tc)
}

func (l *ldapImpl) DialWithTimeout(timeout time.Duration) ldap.DialOpt {
	return ldap.DialWithDialer(newDialer(timeout))
}

type backendConnection interface {
	Bind(username, password string) error
	Close() error
	Search(searchRequest *ldap.SearchRequest) (*ldap.SearchResult, error)
	StartTLS(config *tls.Config) error
	SetTimeout(timeout time.Duration)
}
