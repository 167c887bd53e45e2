package ldap

import (
	"context"
	"crypto/tls"
	"testing"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bindCall struct {
	dn       string
	password string
}

type fakeConn struct {
	// passwords maps DN to the password the fake directory accepts.
	passwords map[string]string
	entries   []*ldap.Entry
	searchErr error
	tlsErr    error

	binds    []bindCall
	searches []*ldap.SearchRequest
	closed   int
	timeout  time.Duration
	startTLS bool
}

func (f *fakeConn) Bind(username, password string) error {
	f.binds = append(f.binds, bindCall{dn: username, password: password})
	if want, ok := f.passwords[username]; ok && want == password {
		return nil
	}
	return ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("invalid credentials"))
}

func (f *fakeConn) Close() error {
	f.closed++
	return nil
}

func (f *fakeConn) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	f.searches = append(f.searches, req)
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return &ldap.SearchResult{Entries: f.entries}, nil
}

func (f *fakeConn) StartTLS(*tls.Config) error {
	f.startTLS = true
	return f.tlsErr
}

func (f *fakeConn) SetTimeout(timeout time.Duration) {
	f.timeout = timeout
}

type fakeDialer struct {
	conns  map[string]*fakeConn
	dialed []string
}

func (d *fakeDialer) DialURL(url string, _ ...ldap.DialOpt) (backendConnection, error) {
	d.dialed = append(d.dialed, url)
	conn, ok := d.conns[url]
	if !ok {
		return nil, errors.Errorf("connection refused: %s", url)
	}
	return conn, nil
}

func (d *fakeDialer) DialWithTLSConfig(tc *tls.Config) ldap.DialOpt {
	return ldap.DialWithTLSConfig(tc)
}

func (d *fakeDialer) DialWithTimeout(timeout time.Duration) ldap.DialOpt {
	return ldap.DialWithDialer(newDialer(timeout))
}

const testURL = "ldap://ldap.example.org"

func newTestClient(t *testing.T, config Config, conns map[string]*fakeConn) (*Client, *fakeDialer) {
	t.Helper()
	dialer := &fakeDialer{conns: conns}
	c, err := NewClient(config, withDialer(dialer))
	require.NoError(t, err)
	return c, dialer
}

func TestNewClientValidation(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr error
	}{
		{name: "no urls", config: Config{BaseDN: "dc=example,dc=org"}, wantErr: ErrNoURLs},
		{name: "protocol v2", config: Config{Urls: []string{testURL}, BaseDN: "dc=example,dc=org", ProtocolVersion: 2}, wantErr: ErrUnsupportedProtocolVersion},
		{name: "no base dn", config: Config{Urls: []string{testURL}}},
		{name: "bind dn without password", config: Config{Urls: []string{testURL}, BaseDN: "dc=example,dc=org", BindDN: "cn=svc"}},
		{name: "bind dn without base dn", config: Config{Urls: []string{testURL}, BindDN: "cn=svc", BindPassword: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient(tt.config)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			}
		})
	}
}

func TestNewClientDefaults(t *testing.T) {
	c, err := NewClient(Config{Urls: []string{testURL}, UPNDomain: "example.org"})
	require.NoError(t, err)
	assert.Equal(t, DefaultUserAttr, c.config.UserAttr)
	assert.Equal(t, DefaultTimeout, c.config.Timeout)
	assert.Equal(t, DefaultProtocolVersion, c.config.ProtocolVersion)
}

func TestAuthenticateDirectDN(t *testing.T) {
	conn := &fakeConn{passwords: map[string]string{"uid=jdow,ou=people,dc=example,dc=org": "secret"}}
	c, _ := newTestClient(t, Config{
		Urls:    []string{testURL},
		BaseDN:  "ou=people,dc=example,dc=org",
		Timeout: 3 * time.Second,
	}, map[string]*fakeConn{testURL: conn})

	ok, err := c.Authenticate(context.Background(), "jdow", "secret")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, conn.closed)
	assert.Equal(t, 3*time.Second, conn.timeout)

	ok, err = c.Authenticate(context.Background(), "jdow", "wrong")
	require.NoError(t, err, "rejected credentials are not an error")
	assert.False(t, ok)
	assert.Equal(t, 2, conn.closed)
}

func TestAuthenticateUPN(t *testing.T) {
	conn := &fakeConn{passwords: map[string]string{"jdow@example.org": "secret"}}
	c, _ := newTestClient(t, Config{Urls: []string{testURL}, UPNDomain: "example.org"},
		map[string]*fakeConn{testURL: conn})

	ok, err := c.Authenticate(context.Background(), "jdow", "secret")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []bindCall{{dn: "jdow@example.org", password: "secret"}}, conn.binds)
}

func TestAuthenticateWithServiceSearch(t *testing.T) {
	userDN := "cn=John Dow,ou=people,dc=example,dc=org"
	conn := &fakeConn{
		passwords: map[string]string{
			"cn=svc,dc=example,dc=org": "svcpass",
			userDN:                     "secret",
		},
		entries: []*ldap.Entry{ldap.NewEntry(userDN, nil)},
	}
	c, _ := newTestClient(t, Config{
		Urls:         []string{testURL},
		BaseDN:       "dc=example,dc=org",
		BindDN:       "cn=svc,dc=example,dc=org",
		BindPassword: "svcpass",
	}, map[string]*fakeConn{testURL: conn})

	ok, err := c.Authenticate(context.Background(), "jd*w", "secret")
	require.NoError(t, err)
	assert.True(t, ok)

	require.Len(t, conn.searches, 1)
	assert.Equal(t, `(uid=jd\2aw)`, conn.searches[0].Filter)
	assert.Equal(t, "dc=example,dc=org", conn.searches[0].BaseDN)
	assert.Equal(t, []string{"1.1"}, conn.searches[0].Attributes)
	assert.Equal(t, []bindCall{
		{dn: "cn=svc,dc=example,dc=org", password: "svcpass"},
		{dn: userDN, password: "secret"},
	}, conn.binds)
}

func TestAuthenticateServiceBindFailureIsError(t *testing.T) {
	userDN := "uid=jdow,dc=example,dc=org"
	conn := &fakeConn{
		passwords: map[string]string{userDN: "secret"},
		entries:   []*ldap.Entry{ldap.NewEntry(userDN, nil)},
	}
	c, _ := newTestClient(t, Config{
		Urls:         []string{testURL},
		BaseDN:       "dc=example,dc=org",
		BindDN:       "cn=svc,dc=example,dc=org",
		BindPassword: "stale",
	}, map[string]*fakeConn{testURL: conn})

	for _, auth := range []Authenticator{c, TwoStep(c)} {
		ok, err := auth.Authenticate(context.Background(), "jdow", "secret")
		require.Error(t, err)
		assert.False(t, ok)
		assert.True(t, errors.Is(err, ErrServiceBind), "got %v", err)
		assert.False(t, IsRejected(err))
	}
	assert.Empty(t, conn.searches)
}

func TestAuthenticateUserNotFound(t *testing.T) {
	conn := &fakeConn{passwords: map[string]string{"cn=svc": "svcpass"}}
	c, _ := newTestClient(t, Config{
		Urls:         []string{testURL},
		BaseDN:       "dc=example,dc=org",
		BindDN:       "cn=svc",
		BindPassword: "svcpass",
	}, map[string]*fakeConn{testURL: conn})

	ok, err := c.Authenticate(context.Background(), "ghost", "secret")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAuthenticateAmbiguousUser(t *testing.T) {
	conn := &fakeConn{
		passwords: map[string]string{"cn=svc": "svcpass"},
		entries:   []*ldap.Entry{ldap.NewEntry("uid=a,dc=x", nil), ldap.NewEntry("uid=b,dc=x", nil)},
	}
	c, _ := newTestClient(t, Config{
		Urls:         []string{testURL},
		BaseDN:       "dc=x",
		BindDN:       "cn=svc",
		BindPassword: "svcpass",
	}, map[string]*fakeConn{testURL: conn})

	ok, err := c.Authenticate(context.Background(), "a", "secret")
	require.Error(t, err)
	assert.False(t, ok)
}

func TestConnectFailsOverToNextURL(t *testing.T) {
	second := "ldaps://ldap2.example.org"
	conn := &fakeConn{passwords: map[string]string{"uid=jdow,dc=example,dc=org": "secret"}}
	c, dialer := newTestClient(t, Config{
		Urls:   []string{testURL, second},
		BaseDN: "dc=example,dc=org",
	}, map[string]*fakeConn{second: conn})

	ok, err := c.Authenticate(context.Background(), "jdow", "secret")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{testURL, second}, dialer.dialed)
}

func TestConnectCollectsAllErrors(t *testing.T) {
	c, dialer := newTestClient(t, Config{
		Urls:   []string{"ldap://a", "ldap://b"},
		BaseDN: "dc=example,dc=org",
	}, nil)

	ok, err := c.Authenticate(context.Background(), "jdow", "secret")
	require.Error(t, err)
	assert.False(t, ok)
	assert.Contains(t, err.Error(), "ldap://a")
	assert.Contains(t, err.Error(), "ldap://b")
	assert.Len(t, dialer.dialed, 2)
}

func TestConnectCancelledContext(t *testing.T) {
	c, dialer := newTestClient(t, Config{Urls: []string{testURL}, BaseDN: "dc=x"},
		map[string]*fakeConn{testURL: {}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Connect(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, dialer.dialed)
}

func TestStartTLSFailureClosesConnection(t *testing.T) {
	conn := &fakeConn{tlsErr: errors.New("handshake failure")}
	c, _ := newTestClient(t, Config{Urls: []string{testURL}, BaseDN: "dc=x", StartTLS: true},
		map[string]*fakeConn{testURL: conn})

	_, err := c.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, conn.startTLS)
	assert.Equal(t, 1, conn.closed)
}

func TestTimeoutHonoursContextDeadline(t *testing.T) {
	c, _ := newTestClient(t, Config{Urls: []string{testURL}, BaseDN: "dc=x", Timeout: time.Hour}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	assert.LessOrEqual(t, c.timeout(ctx), time.Minute)
	assert.Equal(t, time.Hour, c.timeout(context.Background()))
}

func TestTwoStepUsesConnector(t *testing.T) {
	conn := &fakeConn{passwords: map[string]string{"uid=jdow,dc=example,dc=org": "secret"}}
	c, _ := newTestClient(t, Config{Urls: []string{testURL}, BaseDN: "dc=example,dc=org"},
		map[string]*fakeConn{testURL: conn})

	auth := TwoStep(c)

	ok, err := auth.Authenticate(context.Background(), "jdow", "secret")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = auth.Authenticate(context.Background(), "jdow", "nope")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 2, conn.closed)
}

func TestTwoStepConnectError(t *testing.T) {
	c, _ := newTestClient(t, Config{Urls: []string{testURL}, BaseDN: "dc=x"}, nil)

	ok, err := TwoStep(c).Authenticate(context.Background(), "jdow", "secret")
	require.Error(t, err)
	assert.False(t, ok)
}

func TestIsRejected(t *testing.T) {
	invalid := ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("bad"))

	assert.False(t, IsRejected(nil))
	assert.True(t, IsRejected(invalid))
	assert.True(t, IsRejected(errors.Wrap(invalid, "bind")))
	assert.True(t, IsRejected(errors.Wrap(ErrUserNotFound, "lookup")))
	assert.False(t, IsRejected(errors.Wrapf(ErrServiceBind, "cn=svc: %v", invalid)))
	assert.False(t, IsRejected(ldap.NewError(ldap.LDAPResultUnavailable, errors.New("down"))))
}

func TestHostOf(t *testing.T) {
	assert.Equal(t, "ldap.example.org", hostOf("ldaps://ldap.example.org:636"))
	assert.Equal(t, "ldap.example.org", hostOf("ldap://ldap.example.org"))
	assert.Equal(t, "", hostOf("://bad"))
}

func TestDirectDNEscapesUsername(t *testing.T) {
	config := Config{UserAttr: "cn", BaseDN: "ou=people,dc=example,dc=org"}

	assert.Equal(t, "cn=jdow,ou=people,dc=example,dc=org", directDN(config, "jdow"))
	assert.Equal(t, `cn=Dow\, John,ou=people,dc=example,dc=org`, directDN(config, "Dow, John"))
	assert.Equal(t, `cn=\#hash,ou=people,dc=example,dc=org`, directDN(config, "#hash"))
	assert.Equal(t, `cn=a\+b,ou=people,dc=example,dc=org`, directDN(config, "a+b"))

	config.UPNDomain = "example.org"
	assert.Equal(t, "jdow@example.org", directDN(config, "jdow"))
}

func TestParseCN(t *testing.T) {
	assert.Equal(t, "John Dow", parseCN("cn=John Dow,ou=people,dc=example,dc=org"))
	assert.Equal(t, "uid=jdow,dc=example,dc=org", parseCN("uid=jdow,dc=example,dc=org"))
	assert.Equal(t, "jdow", parseCN("jdow"))
}
