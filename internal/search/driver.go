package search

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"time"

	goldap "github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/ldap-loadgen/internal/ldap"
	"github.com/isometry/ldap-loadgen/internal/metrics"
)

// Driver runs search operations against one directory server.
// It is single-threaded; outer loops run one after another.
type Driver struct {
	opts    Options
	conn    *ldap.ConnectionConfig
	dialer  ldap.Dialer
	servers []*ldap.ServerInfo

	ignore  *IgnoreList
	out     io.Writer
	sleep   func(ctx context.Context, d time.Duration) error
	rng     *rand.Rand
	metrics *metrics.Recorder
}

// Option configures a Driver.
type Option func(*Driver)

// WithDialer replaces the network dialer.
func WithDialer(dialer ldap.Dialer) Option {
	return func(d *Driver) { d.dialer = dialer }
}

// WithOutput sets where diagnostic lines are written. Defaults to stderr.
func WithOutput(w io.Writer) Option {
	return func(d *Driver) { d.out = w }
}

// WithSleep replaces the retry delay implementation.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(d *Driver) { d.sleep = sleep }
}

// WithMetrics records operation counters on r.
func WithMetrics(r *metrics.Recorder) Option {
	return func(d *Driver) { d.metrics = r }
}

// WithServers skips server resolution and connects to servers.
func WithServers(servers []*ldap.ServerInfo) Option {
	return func(d *Driver) { d.servers = servers }
}

// New creates a Driver.
func New(opts Options, conn *ldap.ConnectionConfig, options ...Option) *Driver {
	d := &Driver{
		opts:   opts,
		conn:   conn,
		dialer: ldap.NetDialer{},
		ignore: NewIgnoreList(opts.Ignore),
		out:    os.Stderr,
		sleep:  sleepContext,
	}

	seed := opts.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	d.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	for _, option := range options {
		option(d)
	}
	return d
}

// Run performs OuterLoops operations, randomized when an attribute is configured.
// A fatal error stops the run at once; failed operations are counted and reported at the end.
func (d *Driver) Run(ctx context.Context) error {
	ctx = tflog.SetField(ctx, "pid", d.opts.ID)

	failures := 0
	for i := 0; i < d.opts.OuterLoops; i++ {
		var err error
		if d.opts.Attribute != "" {
			err = d.RandomSearch(ctx)
		} else {
			err = d.FixedSearch(ctx, d.opts.Filter, d.opts.Loops, nil)
		}

		if err == nil {
			continue
		}
		if IsFatal(err) || ctx.Err() != nil {
			return err
		}
		failures++
	}

	if failures > 0 {
		return fmt.Errorf("%d of %d operations failed: %w", failures, d.opts.OuterLoops, ErrOperationFailed)
	}
	return nil
}

// FixedSearch runs filter loops times on one session.
// With a non-nil handle the session is taken from and written back to it and
// no summary line is printed; otherwise the session is closed on return.
func (d *Driver) FixedSearch(ctx context.Context, filter string, loops int, h *Handle) error {
	var sess *ldap.Session
	if h != nil {
		sess = h.sess
		h.sess = nil
	}

	retries := d.opts.Retries
	rc := uint16(goldap.LDAPResultSuccess)
	failed := false

	header := func() {
		fmt.Fprintf(d.out, "PID=%d - Search(%d): base=\"%s\", filter=\"%s\".\n",
			d.opts.ID, loops, d.opts.Base, filter)
	}

	req := &ldap.SearchRequest{
		BaseDN:     d.opts.Base,
		Filter:     filter,
		Attributes: DefaultAttributes,
		TypesOnly:  d.opts.NoAttrs,
		SizeLimit:  d.opts.SizeLimit,
	}

	i := 0
	for {
		if sess == nil {
			var err error
			sess, err = d.connect(ctx, &retries, header)
			if err != nil {
				return err
			}
		}

		d.enter(ctx, PhaseSearching, map[string]any{"filter": filter, "iteration": i})

		retry := false
		for ; i < loops; i++ {
			if err := ctx.Err(); err != nil {
				sess.Close()
				return err
			}

			start := time.Now()
			_, err := sess.Search(ctx, req)
			elapsed := time.Since(start)

			rc = ldap.ResultCode(err)
			if err == nil {
				d.metrics.Search(metrics.ResultSuccess, elapsed)
				continue
			}

			if d.ignore.Contains(rc) {
				d.metrics.Search(metrics.ResultIgnored, elapsed)
				d.ignored(ctx, "Search", rc, err)
				continue
			}

			d.reportError(ctx, "Search", err, fmt.Sprintf("base=\"%s\" filter=\"%s\"", d.opts.Base, filter))

			if ldap.IsBusy(err) && retries > 0 {
				d.metrics.Search(metrics.ResultRetry, elapsed)
				sess.Close()
				sess = nil
				retries--
				d.metrics.Retry(PhaseSearching.String())
				d.enter(ctx, PhaseRetry, map[string]any{"retries_left": retries})
				if err := d.sleep(ctx, d.opts.Delay); err != nil {
					return err
				}
				retry = true
				break
			}

			d.metrics.Search(metrics.ResultFailure, elapsed)
			failed = true
			break
		}

		if !retry {
			break
		}
	}

	if h != nil {
		h.sess = sess
	} else {
		fmt.Fprintf(d.out, " PID=%d - Search done (%d).\n", d.opts.ID, rc)
		sess.Close()
	}

	if failed {
		return fmt.Errorf("filter %s: %w", filter, ErrOperationFailed)
	}
	d.enter(ctx, PhaseSuccess, nil)
	return nil
}

// RandomSearch collects the values of the configured attribute and then
// searches for randomly chosen ones, one fixed-filter search each.
func (d *Driver) RandomSearch(ctx context.Context) error {
	attr := d.opts.Attribute
	retries := d.opts.Retries

	header := func() {
		fmt.Fprintf(d.out, "PID=%d - Search(%d): base=\"%s\", filter=\"%s\" attr=\"%s\".\n",
			d.opts.ID, d.opts.Loops, d.opts.Base, d.opts.Filter, attr)
	}

	sess, err := d.connect(ctx, &retries, header)
	if err != nil {
		return err
	}
	h := &Handle{sess: sess}
	defer h.Close()

	d.enter(ctx, PhaseSearching, map[string]any{"filter": d.opts.Filter, "attribute": attr})

	start := time.Now()
	result, err := sess.Search(ctx, &ldap.SearchRequest{
		BaseDN:     d.opts.Base,
		Filter:     d.opts.Filter,
		Attributes: []string{attr},
		SizeLimit:  d.opts.SizeLimit,
	})
	elapsed := time.Since(start)
	rc := ldap.ResultCode(err)

	failed := false
	switch rc {
	case goldap.LDAPResultSuccess, goldap.LDAPResultSizeLimitExceeded, goldap.LDAPResultTimeLimitExceeded:
		d.metrics.Search(metrics.ResultSuccess, elapsed)

		var entries []*goldap.Entry
		if result != nil {
			entries = result.Entries
		}
		if len(entries) == 0 && err != nil {
			d.reportError(ctx, "Search", err, "")
		}

		values := ldap.CollectValues(entries, attr)
		fmt.Fprintf(d.out, "  PID=%d - Search base=\"%s\" filter=\"%s\" got %d values.\n",
			d.opts.ID, d.opts.Base, d.opts.Filter, len(values))

		if len(values) == 0 {
			d.enter(ctx, PhaseFatal, map[string]any{"attribute": attr})
			return &FatalError{Op: "search", Err: fmt.Errorf("attribute %s: %w", attr, ErrNoValues)}
		}

		for i := 0; i < d.opts.Loops; i++ {
			value := values[d.rng.IntN(len(values))]

			err := d.FixedSearch(ctx, ldap.EqualityFilter(attr, value), 1, h)
			switch {
			case err == nil:
			case IsFatal(err) || ctx.Err() != nil:
				return err
			default:
				failed = true
			}
		}

	default:
		d.metrics.Search(metrics.ResultFailure, elapsed)
		d.reportError(ctx, "Search", err, "")
		failed = true
	}

	fmt.Fprintf(d.out, " PID=%d - Search done (%d).\n", d.opts.ID, rc)

	if failed {
		return fmt.Errorf("attribute %s: %w", attr, ErrOperationFailed)
	}
	d.enter(ctx, PhaseSuccess, nil)
	return nil
}

// connect opens and authenticates a session. A busy or unavailable bind is
// retried while *retries is positive; header runs once, before the first bind.
func (d *Driver) connect(ctx context.Context, retries *int, header func()) (*ldap.Session, error) {
	if d.servers == nil {
		servers, err := ldap.ResolveServers(ctx, d.conn)
		if err != nil {
			d.enter(ctx, PhaseFatal, map[string]any{"error": err.Error()})
			return nil, &FatalError{Op: "resolve", Err: err}
		}
		d.servers = servers
	}

	for {
		d.enter(ctx, PhaseConnecting, nil)

		sess, err := ldap.Open(ctx, d.conn, d.dialer, d.servers)
		if err != nil {
			d.reportError(ctx, "Connect", err, "")
			d.enter(ctx, PhaseFatal, map[string]any{"error": err.Error()})
			return nil, &FatalError{Op: "connect", Err: err}
		}

		if *retries == d.opts.Retries && header != nil {
			header()
			header = nil
		}

		if d.conn.Anonymous {
			return sess, nil
		}

		d.enter(ctx, PhaseAuthenticating, map[string]any{
			"auth_method": d.conn.GetAuthMethod().String(),
			"server":      ldap.ServerInfoToURL(sess.Server()),
		})

		err = sess.Authenticate(ctx)
		if err == nil {
			d.metrics.Bind(metrics.ResultSuccess)
			return sess, nil
		}

		d.reportError(ctx, "Bind", err, fmt.Sprintf("bindDN=\"%s\"", d.conn.BindDN))
		sess.Close()

		if ldap.IsTransientBind(err) && *retries > 0 {
			d.metrics.Bind(metrics.ResultRetry)
			d.metrics.Retry(PhaseAuthenticating.String())
			*retries--
			d.enter(ctx, PhaseRetry, map[string]any{"retries_left": *retries})
			if err := d.sleep(ctx, d.opts.Delay); err != nil {
				return nil, err
			}
			continue
		}

		d.metrics.Bind(metrics.ResultFailure)
		d.enter(ctx, PhaseFatal, map[string]any{"ldap_result_code": ldap.ResultCode(err)})
		return nil, &FatalError{Op: "bind", Err: err}
	}
}

// ignored logs an ignored result code on its first occurrence, or on every
// occurrence when Force is set.
func (d *Driver) ignored(ctx context.Context, op string, code uint16, err error) {
	d.metrics.Ignored(ldap.ResultName(code))

	n := d.ignore.Observe(code)
	if n == 1 || d.opts.Force >= 1 {
		d.reportError(ctx, op, err, "")
		return
	}

	tflog.SubsystemTrace(ctx, ldap.SubsystemSearch, "Suppressed ignored result code", map[string]any{
		"ldap_result_code": code,
		"occurrences":      n,
	})
}

// reportError writes a diagnostic line for err and logs it.
func (d *Driver) reportError(ctx context.Context, op string, err error, detail string) {
	code := ldap.ResultCode(err)

	line := fmt.Sprintf("PID=%d - %s: %s (%d)", d.opts.ID, op, ldap.ResultName(code), code)
	var resultErr *goldap.Error
	if errors.As(err, &resultErr) {
		if resultErr.MatchedDN != "" {
			line += fmt.Sprintf(" matched=\"%s\"", resultErr.MatchedDN)
		}
		if resultErr.Err != nil && resultErr.Err.Error() != "" {
			line += fmt.Sprintf(" text=\"%s\"", resultErr.Err.Error())
		}
	} else {
		line += fmt.Sprintf(" error=\"%s\"", err.Error())
	}
	if detail != "" {
		line += " " + detail
	}
	fmt.Fprintln(d.out, line)

	ldap.LogLDAPError(ctx, ldap.SubsystemSearch, op, err, map[string]any{
		"base_dn": d.opts.Base,
	})
}

func (d *Driver) enter(ctx context.Context, phase Phase, fields map[string]any) {
	if fields == nil {
		fields = make(map[string]any)
	}
	fields["phase"] = phase.String()
	tflog.SubsystemTrace(ctx, ldap.SubsystemSearch, "Phase transition", fields)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
