package ldap

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"math"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	DefaultUserAttr        = "uid"
	DefaultTimeout         = 10 * time.Second
	DefaultProtocolVersion = 3
)

type Client struct {
	ldap   LDAP
	config Config
	log    *zap.Logger
}

type Connection struct {
	conn   backendConnection
	client *Client
	url    string
	mutex  sync.Mutex
}

type Config struct {
	Urls []string

	Insecure bool
	CustomCA string
	StartTLS bool
	Timeout  time.Duration

	// ProtocolVersion must be 3, the only version go-ldap speaks.
	ProtocolVersion int

	// BindDN is the service account used to search for the user entry.
	// When empty the user DN is built directly from UserAttr and BaseDN.
	BindDN       string
	BindPassword string

	// BaseDN is the DN under which users live
	BaseDN string
	// UserAttr is the name of the attribute to match for username on the user object
	UserAttr  string
	UPNDomain string
}

type Option func(*Client)

func WithLogger(log *zap.Logger) Option {
	return func(c *Client) {
		c.log = log
	}
}

func withDialer(l LDAP) Option {
	return func(c *Client) {
		c.ldap = l
	}
}

func NewClient(config Config, opts ...Option) (*Client, error) {
	if len(config.Urls) == 0 {
		return nil, ErrNoURLs
	}
	if config.ProtocolVersion == 0 {
		config.ProtocolVersion = DefaultProtocolVersion
	}
	if config.ProtocolVersion != DefaultProtocolVersion {
		return nil, errors.Wrapf(ErrUnsupportedProtocolVersion, "version %d", config.ProtocolVersion)
	}

	if config.UserAttr == "" {
		config.UserAttr = DefaultUserAttr
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}

	if config.BindDN != "" {
		if config.BindPassword == "" {
			return nil, errors.New("Cannot create LDAP client with BindDN but empty BindPassword")
		}
		if config.BaseDN == "" {
			return nil, errors.New("Cannot create LDAP client with BindDN but empty BaseDN")
		}
	} else if config.BaseDN == "" && config.UPNDomain == "" {
		return nil, errors.New("Cannot create LDAP client without BaseDN or UPNDomain")
	}

	c := &Client{
		config: config,
		ldap:   &ldapImpl{},
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Connect dials the configured urls in order and returns the first
// connection that succeeds. All dial errors are returned when none does.
func (c *Client) Connect(ctx context.Context) (*Connection, error) {
	var multiErr error
	for _, ldapUrl := range c.config.Urls {
		if err := ctx.Err(); err != nil {
			return nil, multierror.Append(multiErr, err)
		}
		conn, err := c.dialLDAP(ctx, ldapUrl)
		if err != nil {
			c.log.Debug("LDAP dial failed", zap.String("url", ldapUrl), zap.Error(err))
			multiErr = multierror.Append(multiErr, err)
			continue
		}
		c.log.Debug("LDAP connected", zap.String("url", ldapUrl))
		return &Connection{conn: conn, client: c, url: ldapUrl}, nil
	}
	return nil, multiErr
}

// Open is Connect behind the Session interface.
func (c *Client) Open(ctx context.Context) (Session, error) {
	conn, err := c.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Authenticate connects, binds as username and closes the connection.
// Rejected credentials are reported as (false, nil).
func (c *Client) Authenticate(ctx context.Context, username, password string) (bool, error) {
	conn, err := c.Connect(ctx)
	if err != nil {
		return false, errors.Wrap(err, "cannot connect to ldap")
	}
	defer conn.Close()

	return boolResult(conn.Bind(username, password))
}

func (conn *Connection) Close() {
	if err := conn.conn.Close(); err != nil {
		conn.client.log.Debug("LDAP close failed", zap.String("url", conn.url), zap.Error(err))
	}
}

// Bind verifies username and password on this connection.
func (conn *Connection) Bind(username, password string) error {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()

	userDN, err := conn.usernameToDN(username)
	if err != nil {
		return errors.Wrapf(err, "cannot find user in ldap: %s", username)
	}
	if err := conn.conn.Bind(userDN, password); err != nil {
		return errors.Wrapf(err, "invalid credentials for binding user: %s", username)
	}
	conn.client.log.Debug("LDAP bind succeeded",
		zap.String("url", conn.url),
		zap.String("cn", parseCN(userDN)))
	return nil
}

func (c *Client) tlsConfig(ldapUrl string) (*tls.Config, error) {
	tlsConfig := tls.Config{
		InsecureSkipVerify: c.config.Insecure,
		ServerName:         hostOf(ldapUrl),
	}

	if c.config.CustomCA != "" {
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM([]byte(c.config.CustomCA)) {
			return nil, errors.New("error adding custom CA, check format")
		}
		tlsConfig.RootCAs = caCertPool
	}
	return &tlsConfig, nil
}

func (c *Client) timeout(ctx context.Context) time.Duration {
	timeout := c.config.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	return timeout
}

func (c *Client) dialLDAP(ctx context.Context, ldapUrl string) (backendConnection, error) {
	tlsConfig, err := c.tlsConfig(ldapUrl)
	if err != nil {
		return nil, errors.Wrap(err, "cannot create tls config")
	}

	timeout := c.timeout(ctx)
	if timeout <= 0 {
		return nil, errors.Wrapf(context.DeadlineExceeded, "cannot dial ldap url: %s", ldapUrl)
	}

	conn, err := c.ldap.DialURL(ldapUrl,
		c.ldap.DialWithTLSConfig(tlsConfig),
		c.ldap.DialWithTimeout(timeout))
	if err != nil {
		return nil, errors.Wrapf(err, "cannot dial ldap url: %s", ldapUrl)
	}

	conn.SetTimeout(timeout)

	if c.config.StartTLS {
		if err := conn.StartTLS(tlsConfig); err != nil {
			_ = conn.Close()
			return nil, errors.Wrapf(err, "cannot start tls for ldap url: %s", ldapUrl)
		}
	}

	return conn, nil
}

func (conn *Connection) usernameToDN(username string) (string, error) {
	config := conn.client.config
	if config.BindDN == "" {
		return directDN(config, username), nil
	}

	err := conn.conn.Bind(config.BindDN, config.BindPassword)
	if err != nil {
		// cause flattened: a bad service password is a config error, not a rejection
		return "", errors.Wrapf(ErrServiceBind, "%s: %v", config.BindDN, err)
	}

	var filter string
	if config.UPNDomain != "" {
		filter = fmt.Sprintf("(userPrincipalName=%s@%s)", ldap.EscapeFilter(username), config.UPNDomain)
	} else {
		filter = fmt.Sprintf("(%s=%s)", config.UserAttr, ldap.EscapeFilter(username))
	}

	result, err := conn.conn.Search(&ldap.SearchRequest{
		BaseDN:     config.BaseDN,
		Scope:      ldap.ScopeWholeSubtree,
		Filter:     filter,
		SizeLimit:  math.MaxInt32,
		Attributes: []string{"1.1"},
	})
	if err != nil {
		return "", errors.Wrapf(err, "LDAP search for binddn failed")
	}
	switch len(result.Entries) {
	case 0:
		return "", ErrUserNotFound
	case 1:
		return result.Entries[0].DN, nil
	default:
		return "", errors.Errorf("multiple results for binddn search: %d", len(result.Entries))
	}
}

func directDN(config Config, username string) string {
	if config.UPNDomain != "" {
		return username + "@" + config.UPNDomain
	}
	return fmt.Sprintf("%s=%s,%s", config.UserAttr, ldap.EscapeDN(username), config.BaseDN)
}

func boolResult(err error) (bool, error) {
	if err == nil {
		return true, nil
	}
	if IsRejected(err) {
		return false, nil
	}
	return false, err
}

func newDialer(timeout time.Duration) *net.Dialer {
	return &net.Dialer{Timeout: timeout}
}

func hostOf(ldapUrl string) string {
	u, err := url.Parse(ldapUrl)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
