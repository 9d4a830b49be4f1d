/*
Package ldap provides the directory session layer used by the search driver.

# Architecture Overview

The package is organized into a few small components:

  - Session: one connection, bound with the configured method
  - Dialer: opens connections; NetDialer wraps go-ldap, tests supply fakes
  - SRVDiscovery: locates servers for a domain
  - Errors: result code extraction, naming and classification

# Connection Management

Servers come from an ldap:// or ldaps:// URL, or from SRV records for a domain:

  - _ldaps._tcp, then _ldap._tcp, then _gc._tcp
  - standard ports on the domain itself when nothing resolves
  - optional StartTLS on plain connections
  - a network timeout on every request

# Authentication

Session.Authenticate picks the bind from the configuration:

  - anonymous: no bind
  - bind DN with password: simple bind
  - bind DN with empty password: unauthenticated bind
  - Kerberos realm: GSSAPI bind via gokrb5 (ccache, keytab or password)

# Referrals

When referral chasing is enabled, continuation references returned by a search
are followed on fresh sessions up to MaxReferralHop levels deep and their
entries merged into the result.

# Error Handling

Errors returned by Session keep the *ldap.Error reachable with errors.As, so
ResultCode recovers the protocol result code. LDAPError adds a category and a
retryable flag; only busy and unavailable are retryable.

# Thread Safety

A Session is owned by a single goroutine.

# Example Usage

	cfg := ldap.DefaultConfig()
	cfg.URL = "ldap://localhost:389"
	cfg.BindDN = "cn=admin,dc=example,dc=com"
	cfg.Password = "secret"

	servers, err := ldap.ResolveServers(ctx, cfg)
	if err != nil {
		return err
	}
	sess, err := ldap.Open(ctx, cfg, nil, servers)
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := sess.Authenticate(ctx); err != nil {
		return err
	}
	result, err := sess.Search(ctx, &ldap.SearchRequest{
		BaseDN: "dc=example,dc=com",
		Filter: "(cn=*)",
	})
*/
package ldap
