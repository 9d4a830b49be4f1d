package ldap

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// NetDialer dials real directory servers with go-ldap.
type NetDialer struct{}

// Dial connects to server, upgrading with StartTLS when configured.
func (NetDialer) Dial(ctx context.Context, server *ServerInfo, cfg *ConnectionConfig) (Conn, error) {
	url := ServerInfoToURL(server)

	timeout := cfg.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); timeout <= 0 || remaining < timeout {
			timeout = remaining
		}
	}

	opts := []ldap.DialOpt{ldap.DialWithDialer(&net.Dialer{Timeout: timeout})}
	if server.UseTLS && cfg.TLSConfig != nil {
		opts = append(opts, ldap.DialWithTLSConfig(cfg.TLSConfig.Clone()))
	}

	conn, err := ldap.DialURL(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}

	if !server.UseTLS && cfg.StartTLS {
		tlsConfig := cfg.TLSConfig.Clone()
		if tlsConfig == nil {
			tlsConfig = DefaultConfig().TLSConfig
		}
		if tlsConfig.ServerName == "" {
			tlsConfig.ServerName = server.Host
		}
		if err := conn.StartTLS(tlsConfig); err != nil {
			conn.Close()
			return nil, fmt.Errorf("StartTLS with %s failed: %w", url, err)
		}
	}

	if cfg.Timeout > 0 {
		conn.SetTimeout(cfg.Timeout)
	}

	return &netConn{conn: conn}, nil
}

// netConn adapts *ldap.Conn to Conn.
type netConn struct {
	conn *ldap.Conn
}

func (c *netConn) Bind(username, password string) error {
	return c.conn.Bind(username, password)
}

func (c *netConn) UnauthenticatedBind(username string) error {
	return c.conn.UnauthenticatedBind(username)
}

func (c *netConn) GSSAPIBind(client ldap.GSSAPIClient, servicePrincipal, authzid string) error {
	return c.conn.GSSAPIBind(client, servicePrincipal, authzid)
}

func (c *netConn) Search(searchRequest *ldap.SearchRequest) (*ldap.SearchResult, error) {
	return c.conn.Search(searchRequest)
}

func (c *netConn) Close() error {
	c.conn.Close()
	return nil
}
