package ldap

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// ConnectionConfig holds configuration for directory sessions.
type ConnectionConfig struct {
	// Connection settings
	URL     string        // Server URL (ldap:// or ldaps://)
	Domain  string        // Domain for SRV discovery when URL is empty
	Timeout time.Duration // Network timeout applied to every request

	// Authentication settings
	BindDN         string // DN (or principal) used for simple bind
	Password       string // Password for simple bind authentication
	Anonymous      bool   // Skip the bind entirely
	KerberosRealm  string // Kerberos realm for GSSAPI authentication
	KerberosKeytab string // Path to Kerberos keytab file
	KerberosConfig string // Path to Kerberos config file (krb5.conf)
	KerberosCCache string // Path to Kerberos credential cache
	KerberosSPN    string // Explicit service principal name override

	// TLS settings
	TLSConfig *tls.Config // TLS configuration for ldaps:// and StartTLS
	StartTLS  bool        // Upgrade plain connections with StartTLS

	// Protocol options
	ChaseReferrals bool // Follow continuation references returned by searches
	MaxReferralHop int  // Maximum referral depth when chasing
}

// DefaultConfig returns a configuration with safe defaults.
func DefaultConfig() *ConnectionConfig {
	return &ConnectionConfig{
		Timeout:        30 * time.Second,
		MaxReferralHop: DefaultMaxReferralHops,
		TLSConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}
}

// DefaultMaxReferralHops bounds how deep continuation references are followed.
const DefaultMaxReferralHops = 5

// ServerInfo contains information about an LDAP server.
type ServerInfo struct {
	Host     string
	Port     int
	UseTLS   bool
	BaseDN   string // DN carried in the URL path, if any
	Priority int
	Weight   int
	Source   string // "srv", "config", "referral", "fallback"
}

// Conn is the subset of *ldap.Conn used by a Session.
type Conn interface {
	Bind(username, password string) error
	UnauthenticatedBind(username string) error
	GSSAPIBind(client ldap.GSSAPIClient, servicePrincipal, authzid string) error
	Search(searchRequest *ldap.SearchRequest) (*ldap.SearchResult, error)
	Close() error
}

// Dialer opens connections to directory servers.
type Dialer interface {
	Dial(ctx context.Context, server *ServerInfo, cfg *ConnectionConfig) (Conn, error)
}

// DialerFunc makes it easy to use a func as a Dialer.
type DialerFunc func(ctx context.Context, server *ServerInfo, cfg *ConnectionConfig) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, server *ServerInfo, cfg *ConnectionConfig) (Conn, error) {
	return f(ctx, server, cfg)
}

// SearchRequest encapsulates the search parameters the driver issues.
type SearchRequest struct {
	BaseDN     string
	Filter     string
	Attributes []string
	TypesOnly  bool
	SizeLimit  int
	TimeLimit  time.Duration
}

// AuthMethod defines authentication method types.
type AuthMethod int

const (
	AuthMethodSimpleBind      AuthMethod = iota // DN/password authentication
	AuthMethodUnauthenticated                   // DN with empty password
	AuthMethodKerberos                          // GSSAPI/Kerberos authentication
	AuthMethodAnonymous                         // No bind at all
)

// String returns string representation of authentication method.
func (a AuthMethod) String() string {
	switch a {
	case AuthMethodSimpleBind:
		return "simple"
	case AuthMethodUnauthenticated:
		return "unauthenticated"
	case AuthMethodKerberos:
		return "kerberos"
	case AuthMethodAnonymous:
		return "anonymous"
	default:
		return "unknown"
	}
}

// GetAuthMethod determines the authentication method from the configuration.
func (c *ConnectionConfig) GetAuthMethod() AuthMethod {
	if c.Anonymous {
		return AuthMethodAnonymous
	}

	// Kerberos authentication takes precedence
	if c.KerberosRealm != "" {
		return AuthMethodKerberos
	}

	if c.Password == "" {
		return AuthMethodUnauthenticated
	}

	return AuthMethodSimpleBind
}

// RetryableError indicates an error that can be retried.
type RetryableError interface {
	error
	IsRetryable() bool
}

// ConnectionError represents connection-related errors.
type ConnectionError struct {
	message   string
	retryable bool
	cause     error
}

func (e *ConnectionError) Error() string {
	if e.cause != nil {
		return e.message + ": " + e.cause.Error()
	}
	return e.message
}

func (e *ConnectionError) IsRetryable() bool {
	return e.retryable
}

func (e *ConnectionError) Unwrap() error {
	return e.cause
}

// NewConnectionError creates a new connection error.
func NewConnectionError(message string, retryable bool, cause error) *ConnectionError {
	return &ConnectionError{
		message:   message,
		retryable: retryable,
		cause:     cause,
	}
}
