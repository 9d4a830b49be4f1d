package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/spf13/cobra"

	"github.com/isometry/ldap-loadgen/internal/config"
	"github.com/isometry/ldap-loadgen/internal/ldap"
	"github.com/isometry/ldap-loadgen/internal/metrics"
	"github.com/isometry/ldap-loadgen/internal/search"
)

const commandName = "ldap-search"

// flags holds raw command-line values. Only flags that were set override the
// configuration file.
type flags struct {
	configPath string
	envFile    string

	uri      string
	host     string
	port     int
	domain   string
	bindDN   string
	password string

	base      string
	filter    string
	attribute string
	noAttrs   bool
	chaseRefs bool
	force     int
	anonymous bool
	ignore    []string

	loops        int
	outerLoops   int
	retries      int
	delaySeconds int

	startTLS           bool
	caCert             string
	insecureSkipVerify bool
	timeout            time.Duration
	sizeLimit          int
	seed               uint64
	metricsFile        string
	logLevel           string
	id                 int

	kerberosRealm  string
	kerberosKeytab string
	kerberosConfig string
	kerberosCCache string
	kerberosSPN    string
}

// NewRootCommand builds the ldap-search command.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&flags{})
}

func newRootCommand(f *flags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   commandName + " -H uri | ([-h host] -p port) -D binddn [-w passwd] -b base -f filter [options]",
		Short: "Directory search load generator",
		Long: `ldap-search repeatedly binds to a directory server and runs subtree searches,
either with a fixed filter or with filters built from randomly chosen values of
one attribute. Busy and unavailable servers are retried up to a budget; result
codes on the ignore list are logged once and otherwise tolerated.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, f)
		},
	}

	fs := cmd.Flags()
	fs.SortFlags = false

	// -h is the host, so help gets no shorthand
	fs.Bool("help", false, "help for "+commandName)

	fs.StringVarP(&f.uri, "uri", "H", "", "server URI (ldap:// or ldaps://)")
	fs.StringVarP(&f.host, "host", "h", "", "server host (default localhost)")
	fs.IntVarP(&f.port, "port", "p", 0, "server port")
	fs.StringVarP(&f.bindDN, "binddn", "D", "", "bind DN")
	fs.StringVarP(&f.password, "passwd", "w", "", "bind password (or $"+config.PasswordEnvVar+")")
	fs.StringVarP(&f.base, "base", "b", "", "search base")
	fs.StringVarP(&f.filter, "filter", "f", "", "search filter")
	fs.StringVarP(&f.attribute, "attr", "a", "", "attribute whose values drive randomized filters")
	fs.BoolVarP(&f.noAttrs, "noattrs", "A", false, "request attribute types only")
	fs.BoolVarP(&f.chaseRefs, "chase-referrals", "C", false, "follow referrals")
	fs.CountVarP(&f.force, "force", "F", "log every ignored error, not just the first; unlike slapd-search, repeating -F never quiets output")
	fs.BoolVarP(&f.anonymous, "anonymous", "N", false, "do not bind")
	fs.StringArrayVarP(&f.ignore, "ignore", "i", nil, "comma-separated result codes to ignore, added to REFERRAL,NO_SUCH_OBJECT")
	fs.IntVarP(&f.loops, "loops", "l", 100, "searches per operation")
	fs.IntVarP(&f.outerLoops, "outer-loops", "L", 1, "operations per run")
	fs.IntVarP(&f.retries, "retries", "r", 0, "retry budget for busy or unavailable servers")
	fs.IntVarP(&f.delaySeconds, "delay", "t", 0, "seconds to wait before each retry")

	fs.StringVar(&f.configPath, "config", "", "YAML profile file")
	fs.StringVar(&f.envFile, "env-file", "", "file of environment variables to load (default .env if present)")
	fs.StringVar(&f.domain, "domain", "", "discover servers for this domain via DNS SRV records")
	fs.BoolVar(&f.startTLS, "starttls", false, "upgrade plain connections with StartTLS")
	fs.StringVar(&f.caCert, "ca-cert", "", "PEM file of trusted CA certificates")
	fs.BoolVar(&f.insecureSkipVerify, "insecure-skip-verify", false, "do not verify server certificates")
	fs.DurationVar(&f.timeout, "timeout", 30*time.Second, "network timeout")
	fs.IntVar(&f.sizeLimit, "size-limit", 0, "search size limit (0 for none)")
	fs.Uint64Var(&f.seed, "seed", 0, "random seed for value selection (0 for random)")
	fs.StringVar(&f.metricsFile, "metrics-file", "", "write Prometheus metrics to this file on exit")
	fs.StringVar(&f.logLevel, "log-level", "warn", "structured log level (trace, debug, info, warn, error, off; or $"+LogLevelEnvVar+")")
	fs.IntVar(&f.id, "id", 0, "identifier printed in diagnostic lines (default process ID)")

	fs.StringVar(&f.kerberosRealm, "kerberos-realm", "", "Kerberos realm; enables GSSAPI bind")
	fs.StringVar(&f.kerberosKeytab, "kerberos-keytab", "", "Kerberos keytab file")
	fs.StringVar(&f.kerberosConfig, "kerberos-config", "", "krb5.conf file (default /etc/krb5.conf)")
	fs.StringVar(&f.kerberosCCache, "kerberos-ccache", "", "Kerberos credential cache")
	fs.StringVar(&f.kerberosSPN, "kerberos-spn", "", "service principal name (default ldap/<host>)")

	return cmd
}

// Execute runs the command with args and returns the process exit status.
func Execute(ctx context.Context, args []string, stderr io.Writer) int {
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stderr)
	cmd.SetErr(stderr)

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", commandName, err)
		return 1
	}
	return 0
}

func run(cmd *cobra.Command, f *flags) error {
	ctx := cmd.Context()

	if err := config.LoadEnvFile(f.envFile); err != nil {
		return err
	}

	cfg, err := config.Load(f.configPath)
	if err != nil {
		return err
	}
	f.apply(cmd, cfg)
	cfg.ApplyEnv()

	if level := os.Getenv(LogLevelEnvVar); level != "" && !cmd.Flags().Changed("log-level") {
		cfg.LogLevel = level
	}
	level, err := parseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}

	runID := uuid.NewString()
	ctx = initializeLogging(ctx, level, runID)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}

	codes, err := cfg.IgnoreCodes()
	if err != nil {
		return err
	}

	conn, err := cfg.ToConnectionConfig()
	if err != nil {
		return err
	}

	id := f.id
	if id == 0 {
		id = os.Getpid()
	}

	opts := search.Options{
		Base:       cfg.SearchBase(),
		Filter:     cfg.Filter,
		Attribute:  cfg.Attribute,
		NoAttrs:    cfg.NoAttrs,
		SizeLimit:  cfg.SizeLimit,
		Loops:      cfg.Loops,
		OuterLoops: cfg.OuterLoops,
		Retries:    cfg.Retries,
		Delay:      cfg.Delay,
		Force:      cfg.Force,
		Ignore:     codes,
		ID:         id,
		Seed:       cfg.Seed,
	}

	tflog.SubsystemInfo(ctx, ldap.SubsystemSearch, "Starting run", map[string]any{
		"server":      cfg.ServerURL(),
		"domain":      cfg.Domain,
		"base_dn":     cfg.SearchBase(),
		"filter":      cfg.Filter,
		"attribute":   cfg.Attribute,
		"loops":       cfg.Loops,
		"outer_loops": cfg.OuterLoops,
		"retries":     cfg.Retries,
		"auth_method": conn.GetAuthMethod().String(),
	})

	recorder := metrics.New()
	driver := search.New(opts, conn,
		search.WithOutput(cmd.ErrOrStderr()),
		search.WithMetrics(recorder),
	)

	runErr := driver.Run(ctx)
	if err := recorder.WriteTextfile(cfg.MetricsFile); err != nil {
		runErr = errors.Join(runErr, err)
	}

	if runErr != nil {
		tflog.SubsystemError(ctx, ldap.SubsystemSearch, "Run failed", map[string]any{
			"error": runErr.Error(),
			"fatal": search.IsFatal(runErr),
		})
	}
	return runErr
}

// apply copies every flag that was set on the command line onto cfg.
// Ignore entries are appended to the configured list.
func (f *flags) apply(cmd *cobra.Command, cfg *config.Config) {
	fs := cmd.Flags()
	set := func(name string, fn func()) {
		if fs.Changed(name) {
			fn()
		}
	}

	set("uri", func() { cfg.URI = f.uri })
	set("host", func() { cfg.Host = f.host })
	set("port", func() { cfg.Port = f.port })
	set("domain", func() { cfg.Domain = f.domain })
	set("binddn", func() { cfg.BindDN = f.bindDN })
	set("passwd", func() { cfg.Password = f.password })

	set("base", func() { base := f.base; cfg.Base = &base })
	set("filter", func() { cfg.Filter = f.filter })
	set("attr", func() { cfg.Attribute = f.attribute })
	set("noattrs", func() { cfg.NoAttrs = f.noAttrs })
	set("chase-referrals", func() { cfg.ChaseReferrals = f.chaseRefs })
	set("force", func() { cfg.Force = f.force })
	set("anonymous", func() { cfg.Anonymous = f.anonymous })
	set("ignore", func() { cfg.Ignore = append(cfg.Ignore, f.ignore...) })

	set("loops", func() { cfg.Loops = f.loops })
	set("outer-loops", func() { cfg.OuterLoops = f.outerLoops })
	set("retries", func() { cfg.Retries = f.retries })
	set("delay", func() { cfg.Delay = time.Duration(f.delaySeconds) * time.Second })

	set("starttls", func() { cfg.StartTLS = f.startTLS })
	set("ca-cert", func() { cfg.CACert = f.caCert })
	set("insecure-skip-verify", func() { cfg.InsecureSkipVerify = f.insecureSkipVerify })
	set("timeout", func() { cfg.Timeout = f.timeout })
	set("size-limit", func() { cfg.SizeLimit = f.sizeLimit })
	set("seed", func() { cfg.Seed = f.seed })
	set("metrics-file", func() { cfg.MetricsFile = f.metricsFile })
	set("log-level", func() { cfg.LogLevel = f.logLevel })

	set("kerberos-realm", func() { cfg.Kerberos.Realm = f.kerberosRealm })
	set("kerberos-keytab", func() { cfg.Kerberos.Keytab = f.kerberosKeytab })
	set("kerberos-config", func() { cfg.Kerberos.Config = f.kerberosConfig })
	set("kerberos-ccache", func() { cfg.Kerberos.CCache = f.kerberosCCache })
	set("kerberos-spn", func() { cfg.Kerberos.SPN = f.kerberosSPN })
}
