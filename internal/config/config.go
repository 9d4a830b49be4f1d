package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/creasty/defaults"

	"github.com/isometry/ldap-loadgen/internal/ldap"
)

// PasswordEnvVar supplies the bind secret when none is given explicitly.
const PasswordEnvVar = "LDAP_SEARCH_PASSWORD"

// Config holds the parameters of one driver invocation.
// It is immutable once the driver starts.
type Config struct {
	// Server location: URI, host and port, or a domain for SRV discovery
	URI    string `yaml:"uri"`
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Domain string `yaml:"domain"`

	// Credentials
	BindDN    string         `yaml:"bind_dn"`
	Password  string         `yaml:"password"`
	Anonymous bool           `yaml:"anonymous"`
	Kerberos  KerberosConfig `yaml:"kerberos"`

	// Search parameters. An empty Base is the root DSE; nil means unset.
	Base      *string `yaml:"base"`
	Filter    string  `yaml:"filter"`
	Attribute string  `yaml:"attribute"`
	NoAttrs   bool    `yaml:"no_attrs"`
	SizeLimit int     `yaml:"size_limit"`

	// Loop control
	Loops      int           `yaml:"loops" default:"100"`
	OuterLoops int           `yaml:"outer_loops" default:"1"`
	Retries    int           `yaml:"retries"`
	Delay      time.Duration `yaml:"delay"`

	// Protocol and reporting behavior
	ChaseReferrals bool     `yaml:"chase_referrals"`
	Force          int      `yaml:"force"`
	Ignore         []string `yaml:"ignore" default:"[\"REFERRAL\",\"NO_SUCH_OBJECT\"]"`

	// Transport
	StartTLS           bool          `yaml:"starttls"`
	CACert             string        `yaml:"ca_cert"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	Timeout            time.Duration `yaml:"timeout" default:"30s"`

	// Run control
	Seed        uint64 `yaml:"seed"`
	MetricsFile string `yaml:"metrics_file"`
	LogLevel    string `yaml:"log_level" default:"warn"`
}

// KerberosConfig selects GSSAPI authentication when Realm is set.
type KerberosConfig struct {
	Realm  string `yaml:"realm"`
	Keytab string `yaml:"keytab"`
	Config string `yaml:"config"`
	CCache string `yaml:"ccache"`
	SPN    string `yaml:"spn"`
}

// SearchBase returns the configured base DN, or "" when none was set.
func (c *Config) SearchBase() string {
	if c.Base == nil {
		return ""
	}
	return *c.Base
}

// New returns a Config populated with defaults.
func New() (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}
	return cfg, nil
}

// ApplyEnv fills the password from the environment when it was not set.
func (c *Config) ApplyEnv() {
	if c.Password == "" {
		c.Password = os.Getenv(PasswordEnvVar)
	}
}

// ServerURL returns the URL to connect to, or "" when the server is found by SRV discovery.
func (c *Config) ServerURL() string {
	switch {
	case c.URI != "":
		return c.URI
	case c.Domain != "":
		return ""
	default:
		return ldap.HostPortURL(c.Host, c.Port)
	}
}

// ToConnectionConfig converts the configuration for the session layer.
func (c *Config) ToConnectionConfig() (*ldap.ConnectionConfig, error) {
	conn := ldap.DefaultConfig()

	conn.URL = c.ServerURL()
	conn.Domain = c.Domain
	if c.Timeout > 0 {
		conn.Timeout = c.Timeout
	}

	conn.BindDN = c.BindDN
	conn.Password = c.Password
	conn.Anonymous = c.Anonymous
	conn.KerberosRealm = c.Kerberos.Realm
	conn.KerberosKeytab = c.Kerberos.Keytab
	conn.KerberosConfig = c.Kerberos.Config
	conn.KerberosCCache = c.Kerberos.CCache
	conn.KerberosSPN = c.Kerberos.SPN

	conn.StartTLS = c.StartTLS
	conn.ChaseReferrals = c.ChaseReferrals

	tlsConfig, err := c.tlsConfig()
	if err != nil {
		return nil, err
	}
	conn.TLSConfig = tlsConfig

	return conn, nil
}

func (c *Config) tlsConfig() (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.InsecureSkipVerify, // #nosec G402 - explicit opt-in for test servers
	}

	if c.CACert == "" {
		return tlsConfig, nil
	}

	pem, err := os.ReadFile(filepath.Clean(c.CACert))
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", c.CACert)
	}
	tlsConfig.RootCAs = pool

	return tlsConfig, nil
}
