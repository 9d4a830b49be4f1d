package ldap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// Session is one open connection to a directory server.
// It is not safe for concurrent use; the driver owns it exclusively.
type Session struct {
	cfg    *ConnectionConfig
	dialer Dialer
	server *ServerInfo
	conn   Conn
	bound  bool
}

// ResolveServers returns the candidate servers for cfg, in the order they should be tried.
func ResolveServers(ctx context.Context, cfg *ConnectionConfig) ([]*ServerInfo, error) {
	if cfg == nil {
		return nil, errors.New("connection config cannot be nil")
	}

	switch {
	case cfg.URL != "" && cfg.Domain != "":
		return nil, errors.New("either a server URL or a domain may be specified, not both")
	case cfg.URL != "":
		server, err := ParseLDAPURL(cfg.URL)
		if err != nil {
			return nil, err
		}
		return []*ServerInfo{server}, nil
	case cfg.Domain != "":
		return NewSRVDiscovery().DiscoverServers(ctx, cfg.Domain)
	default:
		return nil, errors.New("either a server URL or a domain must be specified")
	}
}

// Open connects to the first reachable server in servers.
func Open(ctx context.Context, cfg *ConnectionConfig, dialer Dialer, servers []*ServerInfo) (*Session, error) {
	if cfg == nil {
		return nil, errors.New("connection config cannot be nil")
	}
	if dialer == nil {
		dialer = NetDialer{}
	}
	if len(servers) == 0 {
		return nil, errors.New("no servers to connect to")
	}

	var lastErr error
	for _, server := range servers {
		fields := map[string]any{
			"url":    ServerInfoToURL(server),
			"source": server.Source,
		}
		LogConnectionEvent(ctx, "connection_attempt", fields)

		start := time.Now()
		conn, err := dialer.Dial(ctx, server, cfg)
		fields["duration_ms"] = time.Since(start).Milliseconds()
		if err != nil {
			fields["error"] = err.Error()
			LogConnectionEvent(ctx, "connection_failed", fields)
			lastErr = err
			continue
		}

		LogConnectionEvent(ctx, "connection_established", fields)
		return &Session{
			cfg:    cfg,
			dialer: dialer,
			server: server,
			conn:   conn,
		}, nil
	}

	return nil, NewConnectionError("failed to connect to any server", false, lastErr)
}

// Server returns the server this session is connected to.
func (s *Session) Server() *ServerInfo {
	return s.server
}

// Authenticate binds the session using the configured method.
// Failures are returned as *LDAPError; the protocol result code stays reachable
// through errors.As.
func (s *Session) Authenticate(ctx context.Context) error {
	if s.conn == nil {
		return errors.New("session is closed")
	}

	method := s.cfg.GetAuthMethod()
	fields := map[string]any{
		"auth_method": method.String(),
		"bind_dn":     s.cfg.BindDN,
	}

	err := LogOperation(ctx, SubsystemLDAP, "bind", fields, func() error {
		switch method {
		case AuthMethodAnonymous:
			return nil
		case AuthMethodSimpleBind:
			return s.conn.Bind(s.cfg.BindDN, s.cfg.Password)
		case AuthMethodUnauthenticated:
			return s.conn.UnauthenticatedBind(s.cfg.BindDN)
		case AuthMethodKerberos:
			return performKerberosAuth(ctx, s.conn, s.cfg, s.server)
		default:
			return fmt.Errorf("unsupported authentication method: %s", method.String())
		}
	})
	if err != nil {
		LogConnectionEvent(ctx, "authentication_failed", map[string]any{
			"auth_method":      method.String(),
			"ldap_result_code": ResultCode(err),
			"error_category":   string(GetErrorCategory(err)),
		})
		return WrapError("bind", err)
	}

	s.bound = true
	LogConnectionEvent(ctx, "authentication_success", map[string]any{
		"auth_method": method.String(),
	})
	return nil
}

// Search runs a subtree search. When referral chasing is enabled, continuation
// references are followed and their entries merged into the result.
// Failures are returned as *LDAPError alongside any partial result.
func (s *Session) Search(ctx context.Context, req *SearchRequest) (*ldap.SearchResult, error) {
	if req == nil {
		return nil, errors.New("search request cannot be nil")
	}
	if s.conn == nil {
		return nil, errors.New("session is closed")
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result, err := s.conn.Search(newLDAPSearchRequest(req, req.BaseDN))

	tflog.SubsystemTrace(ctx, SubsystemLDAP, "Search completed", map[string]any{
		"base_dn":          req.BaseDN,
		"filter":           req.Filter,
		"ldap_result_code": ResultCode(err),
		"entries_found":    entryCount(result),
		"referrals":        referralCount(result),
		"bound":            s.bound,
	})

	if err != nil || result == nil || !s.cfg.ChaseReferrals || len(result.Referrals) == 0 {
		return result, WrapError("search", err)
	}

	if chaseErr := s.chaseReferrals(ctx, req, result, 1); chaseErr != nil {
		return result, WrapError("search", chaseErr)
	}
	return result, nil
}

// chaseReferrals follows result.Referrals, appending the entries found there.
func (s *Session) chaseReferrals(ctx context.Context, req *SearchRequest, result *ldap.SearchResult, depth int) error {
	maxHops := s.cfg.MaxReferralHop
	if maxHops <= 0 {
		maxHops = DefaultMaxReferralHops
	}
	if depth > maxHops {
		return ldap.NewError(ldap.LDAPResultReferralLimitExceeded,
			fmt.Errorf("referral depth %d exceeds limit %d", depth, maxHops))
	}

	refs := result.Referrals
	result.Referrals = nil

	for _, ref := range refs {
		server, err := ParseLDAPURL(ref)
		if err != nil {
			tflog.SubsystemWarn(ctx, SubsystemLDAP, "Skipping unparseable referral", map[string]any{
				"referral": ref,
				"error":    err.Error(),
			})
			continue
		}
		server.Source = "referral"

		baseDN := server.BaseDN
		if baseDN == "" {
			baseDN = req.BaseDN
		}

		tflog.SubsystemDebug(ctx, SubsystemLDAP, "Chasing referral", map[string]any{
			"referral": ref,
			"depth":    depth,
		})

		child, err := Open(ctx, s.cfg, s.dialer, []*ServerInfo{server})
		if err != nil {
			return fmt.Errorf("referral %s: %w", ref, err)
		}

		sub, err := child.searchReferral(ctx, req, baseDN)
		if err == nil && len(sub.Referrals) > 0 {
			err = child.chaseReferrals(ctx, req, sub, depth+1)
		}
		child.Close()
		if err != nil {
			return fmt.Errorf("referral %s: %w", ref, err)
		}

		result.Entries = append(result.Entries, sub.Entries...)
	}

	return nil
}

func (s *Session) searchReferral(ctx context.Context, req *SearchRequest, baseDN string) (*ldap.SearchResult, error) {
	if err := s.Authenticate(ctx); err != nil {
		return nil, err
	}
	return s.conn.Search(newLDAPSearchRequest(req, baseDN))
}

// Close unbinds and releases the connection. Closing twice is harmless.
func (s *Session) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	s.bound = false
	return err
}

func newLDAPSearchRequest(req *SearchRequest, baseDN string) *ldap.SearchRequest {
	return ldap.NewSearchRequest(
		baseDN,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		req.SizeLimit,
		int(req.TimeLimit.Seconds()),
		req.TypesOnly,
		req.Filter,
		req.Attributes,
		nil,
	)
}

func entryCount(result *ldap.SearchResult) int {
	if result == nil {
		return 0
	}
	return len(result.Entries)
}

func referralCount(result *ldap.SearchResult) int {
	if result == nil {
		return 0
	}
	return len(result.Referrals)
}
