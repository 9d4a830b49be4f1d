package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/hashicorp/terraform-plugin-log/tfsdklog"

	"github.com/isometry/ldap-loadgen/internal/ldap"
)

// LogLevelEnvVar overrides the configured log level.
const LogLevelEnvVar = "LDAP_SEARCH_LOG"

// parseLogLevel accepts hclog level names; "" means the default.
func parseLogLevel(level string) (hclog.Level, error) {
	if strings.TrimSpace(level) == "" {
		return hclog.Warn, nil
	}
	l := hclog.LevelFromString(level)
	if l == hclog.NoLevel {
		return hclog.NoLevel, fmt.Errorf("invalid log level %q", level)
	}
	return l, nil
}

// initializeLogging installs the root JSON logger on stderr and initializes
// every subsystem at the same level.
func initializeLogging(ctx context.Context, level hclog.Level, runID string) context.Context {
	ctx = tfsdklog.NewRootProviderLogger(ctx, tfsdklog.WithLevel(level))
	ctx = tflog.SetField(ctx, "run_id", runID)

	for _, subsystem := range ldap.Subsystems {
		ctx = tflog.NewSubsystem(ctx, subsystem, tflog.WithLevel(level), tflog.WithRootFields())
	}

	return ctx
}
