package config

import (
	"errors"
	"fmt"
	"strings"

	goldap "github.com/go-ldap/ldap/v3"

	"github.com/isometry/ldap-loadgen/internal/ldap"
)

// Validate checks the configuration for missing or conflicting parameters.
// All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	switch {
	case c.URI != "" && c.Domain != "":
		errs = append(errs, errors.New("uri and domain are mutually exclusive"))
	case c.URI == "" && c.Port <= 0 && c.Domain == "":
		errs = append(errs, errors.New("server location required: uri, port or domain"))
	}
	if c.URI != "" {
		if _, err := ldap.ParseLDAPURL(c.URI); err != nil {
			errs = append(errs, fmt.Errorf("invalid uri: %w", err))
		}
	}
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port number: %d", c.Port))
	}

	if c.BindDN == "" && !c.Anonymous && c.Kerberos.Realm == "" {
		errs = append(errs, errors.New("bind DN required unless anonymous"))
	}

	switch {
	case c.Base == nil:
		errs = append(errs, errors.New("search base required"))
	case *c.Base != "":
		if _, err := goldap.ParseDN(*c.Base); err != nil {
			errs = append(errs, fmt.Errorf("invalid search base %q: %w", *c.Base, err))
		}
	}

	if strings.TrimSpace(c.Filter) == "" {
		errs = append(errs, errors.New("search filter required"))
	} else if _, err := goldap.CompileFilter(c.Filter); err != nil {
		errs = append(errs, fmt.Errorf("invalid search filter %q: %w", c.Filter, err))
	}

	if c.Loops < 0 {
		errs = append(errs, fmt.Errorf("loops must not be negative: %d", c.Loops))
	}
	if c.OuterLoops < 0 {
		errs = append(errs, fmt.Errorf("outer loops must not be negative: %d", c.OuterLoops))
	}
	if c.Retries < 0 {
		errs = append(errs, fmt.Errorf("retries must not be negative: %d", c.Retries))
	}
	if c.Delay < 0 {
		errs = append(errs, fmt.Errorf("delay must not be negative: %s", c.Delay))
	}
	if c.SizeLimit < 0 {
		errs = append(errs, fmt.Errorf("size limit must not be negative: %d", c.SizeLimit))
	}

	if _, err := c.IgnoreCodes(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// IgnoreCodes resolves the ignore list to result codes, dropping duplicates.
// Entries may themselves be comma-separated.
func (c *Config) IgnoreCodes() ([]uint16, error) {
	var codes []uint16
	seen := make(map[uint16]bool)

	for _, item := range c.Ignore {
		for _, name := range strings.Split(item, ",") {
			if strings.TrimSpace(name) == "" {
				continue
			}
			code, err := ldap.ParseResultCode(name)
			if err != nil {
				return nil, fmt.Errorf("invalid ignore list entry: %w", err)
			}
			if !seen[code] {
				seen[code] = true
				codes = append(codes, code)
			}
		}
	}

	return codes, nil
}
