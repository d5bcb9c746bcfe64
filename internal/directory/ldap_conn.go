package directory

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/openidx/identityd/internal/common/resilience"
)

// Conn is the subset of an LDAP connection the backend uses
type Conn interface {
	Bind(username, password string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	Add(req *ldap.AddRequest) error
	Modify(req *ldap.ModifyRequest) error
	Del(req *ldap.DelRequest) error
	PasswordModify(req *ldap.PasswordModifyRequest) (*ldap.PasswordModifyResult, error)
	Close() error
}

// Endpoint locates an LDAP server
type Endpoint struct {
	Host   string
	Port   int
	UseSSL bool
}

// URL returns the ldap:// or ldaps:// URL of the endpoint
func (e Endpoint) URL() string {
	scheme := "ldap"
	if e.UseSSL {
		scheme = "ldaps"
	}
	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(e.Host, strconv.Itoa(e.Port)))
}

// Dialer opens unbound connections. Every backend operation dials its own
// connection and closes it before returning.
type Dialer interface {
	Dial(ctx context.Context, endpoint Endpoint, timeout time.Duration) (Conn, error)
}

// NetDialer dials real LDAP servers with go-ldap
type NetDialer struct {
	TLSConfig *tls.Config
}

// Dial connects with the timeout bounding both the TCP dial and every later request
func (d NetDialer) Dial(ctx context.Context, endpoint Endpoint, timeout time.Duration) (Conn, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("dial %s: %w", endpoint.URL(), context.DeadlineExceeded)
	}

	tlsConfig := d.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{ServerName: endpoint.Host, MinVersion: tls.VersionTLS12}
	}

	conn, err := ldap.DialURL(endpoint.URL(),
		ldap.DialWithDialer(&net.Dialer{Timeout: timeout}),
		ldap.DialWithTLSConfig(tlsConfig),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to LDAP server %s: %w", endpoint.URL(), err)
	}
	conn.SetTimeout(timeout)
	return &netConn{Conn: conn}, nil
}

type netConn struct {
	*ldap.Conn
}

func (c *netConn) Close() error {
	c.Conn.Close()
	return nil
}

// BreakerDialer fails fast while an endpoint keeps refusing connections.
// Only dial failures count; bind and request errors do not trip the breaker.
type BreakerDialer struct {
	next     Dialer
	breakers *resilience.Registry
}

// NewBreakerDialer wraps next with one circuit breaker per endpoint URL
func NewBreakerDialer(next Dialer, breakers *resilience.Registry) *BreakerDialer {
	return &BreakerDialer{next: next, breakers: breakers}
}

func (d *BreakerDialer) Dial(ctx context.Context, endpoint Endpoint, timeout time.Duration) (Conn, error) {
	var conn Conn
	err := d.breakers.Breaker(endpoint.URL()).Execute(func() error {
		var err error
		conn, err = d.next.Dial(ctx, endpoint, timeout)
		return err
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}
