package search

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	goldap "github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/hashicorp/terraform-plugin-log/tflogtest"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/ldap-loadgen/internal/ldap"
	"github.com/isometry/ldap-loadgen/internal/metrics"
)

const (
	testBase   = "dc=example,dc=com"
	testFilter = "(objectClass=person)"
	testBindDN = "cn=admin,dc=example,dc=com"
)

// fakeDirectory scripts the server side of every connection the driver opens.
type fakeDirectory struct {
	dialErr  error
	bindErrs []error // consumed one per bind, then binds succeed
	searchFn func(n int, req *goldap.SearchRequest) (*goldap.SearchResult, error)

	dials    int
	binds    int
	closes   int
	searches []*goldap.SearchRequest
}

func (f *fakeDirectory) Dial(_ context.Context, _ *ldap.ServerInfo, _ *ldap.ConnectionConfig) (ldap.Conn, error) {
	f.dials++
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	return &fakeConn{dir: f}, nil
}

func (f *fakeDirectory) filters() []string {
	filters := make([]string, 0, len(f.searches))
	for _, req := range f.searches {
		filters = append(filters, req.Filter)
	}
	return filters
}

type fakeConn struct {
	dir *fakeDirectory
}

func (c *fakeConn) bind() error {
	c.dir.binds++
	if len(c.dir.bindErrs) == 0 {
		return nil
	}
	err := c.dir.bindErrs[0]
	c.dir.bindErrs = c.dir.bindErrs[1:]
	return err
}

func (c *fakeConn) Bind(_, _ string) error { return c.bind() }

func (c *fakeConn) UnauthenticatedBind(_ string) error { return c.bind() }

func (c *fakeConn) GSSAPIBind(_ goldap.GSSAPIClient, _, _ string) error { return c.bind() }

func (c *fakeConn) Search(req *goldap.SearchRequest) (*goldap.SearchResult, error) {
	n := len(c.dir.searches)
	c.dir.searches = append(c.dir.searches, req)
	if c.dir.searchFn != nil {
		return c.dir.searchFn(n, req)
	}
	return &goldap.SearchResult{}, nil
}

func (c *fakeConn) Close() error {
	c.dir.closes++
	return nil
}

type harness struct {
	dir     *fakeDirectory
	out     *bytes.Buffer
	sleeps  []time.Duration
	metrics *metrics.Recorder
}

func newHarness() *harness {
	return &harness{
		dir:     &fakeDirectory{},
		out:     &bytes.Buffer{},
		metrics: metrics.New(),
	}
}

func (h *harness) driver(opts Options, conn *ldap.ConnectionConfig) *Driver {
	if conn == nil {
		conn = &ldap.ConnectionConfig{BindDN: testBindDN, Password: "secret"}
	}
	return New(opts, conn,
		WithDialer(h.dir),
		WithServers([]*ldap.ServerInfo{{Host: "ldap.example.com", Port: 389, Source: "config"}}),
		WithOutput(h.out),
		WithMetrics(h.metrics),
		WithSleep(func(_ context.Context, d time.Duration) error {
			h.sleeps = append(h.sleeps, d)
			return nil
		}),
	)
}

func baseOptions() Options {
	return Options{
		Base:       testBase,
		Filter:     testFilter,
		Loops:      1,
		OuterLoops: 1,
		ID:         42,
		Seed:       1,
	}
}

func resultError(code uint16, text string) error {
	return goldap.NewError(code, errors.New(text))
}

func entriesWith(attr string, values ...string) *goldap.SearchResult {
	result := &goldap.SearchResult{}
	for _, v := range values {
		result.Entries = append(result.Entries,
			goldap.NewEntry("cn="+v+","+testBase, map[string][]string{attr: {v}}))
	}
	return result
}

func TestFixedSearchRunsEveryLoop(t *testing.T) {
	h := newHarness()
	opts := baseOptions()
	opts.Loops = 5

	err := h.driver(opts, nil).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, h.dir.dials)
	assert.Equal(t, 1, h.dir.binds)
	assert.Equal(t, 1, h.dir.closes)
	require.Len(t, h.dir.searches, 5)

	for _, req := range h.dir.searches {
		assert.Equal(t, testBase, req.BaseDN)
		assert.Equal(t, testFilter, req.Filter)
		assert.Equal(t, []string{"cn", "sn"}, req.Attributes)
		assert.Equal(t, goldap.ScopeWholeSubtree, req.Scope)
		assert.False(t, req.TypesOnly)
	}

	out := h.out.String()
	assert.Equal(t, 1, strings.Count(out,
		`PID=42 - Search(5): base="dc=example,dc=com", filter="(objectClass=person)".`))
	assert.Equal(t, 1, strings.Count(out, " PID=42 - Search done (0)."))
	assert.Equal(t, float64(5), testutil.ToFloat64(h.metrics.Searches.WithLabelValues(metrics.ResultSuccess)))
}

func TestFixedSearchOuterLoops(t *testing.T) {
	h := newHarness()
	opts := baseOptions()
	opts.Loops = 2
	opts.OuterLoops = 3

	require.NoError(t, h.driver(opts, nil).Run(context.Background()))

	assert.Equal(t, 3, h.dir.dials)
	assert.Len(t, h.dir.searches, 6)
	assert.Equal(t, 3, strings.Count(h.out.String(), "Search done (0)."))
}

func TestFixedSearchTypesOnly(t *testing.T) {
	h := newHarness()
	opts := baseOptions()
	opts.NoAttrs = true
	opts.SizeLimit = 10

	require.NoError(t, h.driver(opts, nil).Run(context.Background()))

	require.Len(t, h.dir.searches, 1)
	assert.True(t, h.dir.searches[0].TypesOnly)
	assert.Equal(t, 10, h.dir.searches[0].SizeLimit)
}

func TestFixedSearchZeroLoops(t *testing.T) {
	h := newHarness()
	opts := baseOptions()
	opts.Loops = 0

	require.NoError(t, h.driver(opts, nil).Run(context.Background()))

	assert.Equal(t, 1, h.dir.binds)
	assert.Empty(t, h.dir.searches)
	assert.Contains(t, h.out.String(), "Search done (0).")
}

func TestAnonymousSkipsBind(t *testing.T) {
	h := newHarness()

	err := h.driver(baseOptions(), &ldap.ConnectionConfig{Anonymous: true}).Run(context.Background())
	require.NoError(t, err)

	assert.Zero(t, h.dir.binds)
	assert.Len(t, h.dir.searches, 1)
}

func TestBindRetries(t *testing.T) {
	tests := []struct {
		name    string
		code    uint16
		retries int
		failing int
		wantErr bool
		dials   int
		sleeps  int
	}{
		{name: "busy twice with two retries", code: goldap.LDAPResultBusy, retries: 2, failing: 2, dials: 3, sleeps: 2},
		{name: "unavailable once", code: goldap.LDAPResultUnavailable, retries: 1, failing: 1, dials: 2, sleeps: 1},
		{name: "busy beyond retries", code: goldap.LDAPResultBusy, retries: 2, failing: 3, wantErr: true, dials: 3, sleeps: 2},
		{name: "busy without retries", code: goldap.LDAPResultBusy, retries: 0, failing: 1, wantErr: true, dials: 1},
		{name: "invalid credentials", code: goldap.LDAPResultInvalidCredentials, retries: 3, failing: 1, wantErr: true, dials: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			for i := 0; i < tt.failing; i++ {
				h.dir.bindErrs = append(h.dir.bindErrs, resultError(tt.code, "bind refused"))
			}

			opts := baseOptions()
			opts.Retries = tt.retries
			opts.Delay = time.Second

			err := h.driver(opts, nil).Run(context.Background())

			assert.Equal(t, tt.dials, h.dir.dials)
			assert.Equal(t, tt.dials, h.dir.binds)
			assert.Len(t, h.sleeps, tt.sleeps)
			for _, d := range h.sleeps {
				assert.Equal(t, time.Second, d)
			}
			assert.Equal(t, float64(tt.sleeps),
				testutil.ToFloat64(h.metrics.Retries.WithLabelValues(PhaseAuthenticating.String())))

			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsFatal(err))
				assert.Equal(t, tt.code, ldap.ResultCode(err))
				assert.Empty(t, h.dir.searches)
				assert.NotContains(t, h.out.String(), "Search done")
				return
			}

			require.NoError(t, err)
			assert.Len(t, h.dir.searches, 1)
			assert.Equal(t, 1, strings.Count(h.out.String(), "PID=42 - Search(1):"), "header is printed once")
		})
	}
}

func TestBindErrorLine(t *testing.T) {
	h := newHarness()
	h.dir.bindErrs = []error{resultError(goldap.LDAPResultInvalidCredentials, "bad password")}

	err := h.driver(baseOptions(), nil).Run(context.Background())
	require.Error(t, err)

	assert.Contains(t, h.out.String(),
		`PID=42 - Bind: Invalid Credentials (49) text="bad password" bindDN="cn=admin,dc=example,dc=com"`)
}

func TestErrorsAreLoggedWithCategory(t *testing.T) {
	var logs bytes.Buffer
	ctx := tflogtest.RootLogger(context.Background(), &logs)
	ctx = tflog.NewSubsystem(ctx, ldap.SubsystemSearch)

	h := newHarness()
	h.dir.searchFn = func(int, *goldap.SearchRequest) (*goldap.SearchResult, error) {
		return nil, resultError(goldap.LDAPResultInsufficientAccessRights, "denied")
	}

	err := h.driver(baseOptions(), nil).Run(ctx)
	require.Error(t, err)

	entries, decodeErr := tflogtest.MultilineJSONDecode(&logs)
	require.NoError(t, decodeErr)

	var logged []map[string]any
	for _, entry := range entries {
		if entry["@message"] == "LDAP operation failed" {
			logged = append(logged, entry)
		}
	}
	require.Len(t, logged, 1)
	assert.Equal(t, "Search", logged[0]["operation"])
	assert.Equal(t, string(ldap.ErrorCategoryPermission), logged[0]["error_category"])
	assert.Equal(t, false, logged[0]["retryable"])
	assert.Equal(t, testBase, logged[0]["base_dn"])
}

func TestConnectFailureIsFatal(t *testing.T) {
	h := newHarness()
	h.dir.dialErr = errors.New("connection refused")
	opts := baseOptions()
	opts.Retries = 3
	opts.OuterLoops = 5

	err := h.driver(opts, nil).Run(context.Background())
	require.Error(t, err)

	var fatal *FatalError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, "connect", fatal.Op)
	assert.Equal(t, 1, h.dir.dials)
	assert.Empty(t, h.sleeps)
}

func TestIgnoredSearchErrors(t *testing.T) {
	tests := []struct {
		name  string
		force int
		lines int
	}{
		{name: "logged once", force: 0, lines: 1},
		{name: "forced", force: 1, lines: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			h.dir.searchFn = func(int, *goldap.SearchRequest) (*goldap.SearchResult, error) {
				return nil, resultError(goldap.LDAPResultNoSuchObject, "")
			}

			opts := baseOptions()
			opts.Loops = 4
			opts.Force = tt.force
			opts.Ignore = []uint16{goldap.LDAPResultNoSuchObject}

			d := h.driver(opts, nil)
			require.NoError(t, d.Run(context.Background()))

			assert.Len(t, h.dir.searches, 4)
			assert.Equal(t, tt.lines, strings.Count(h.out.String(), "Search: No Such Object (32)"))
			assert.Equal(t, 4, d.ignore.seen[goldap.LDAPResultNoSuchObject])
			assert.Equal(t, float64(4), testutil.ToFloat64(h.metrics.IgnoredErrors.WithLabelValues("No Such Object")))
			assert.Contains(t, h.out.String(), "Search done (32).")
		})
	}
}

func TestIgnoredCodesSeenAcrossOuterLoops(t *testing.T) {
	h := newHarness()
	h.dir.searchFn = func(int, *goldap.SearchRequest) (*goldap.SearchResult, error) {
		return nil, resultError(goldap.LDAPResultReferral, "")
	}

	opts := baseOptions()
	opts.OuterLoops = 3
	opts.Ignore = []uint16{goldap.LDAPResultReferral}

	require.NoError(t, h.driver(opts, nil).Run(context.Background()))
	assert.Equal(t, 1, strings.Count(h.out.String(), "Search: Referral (10)"))
}

func TestSearchBusyRetry(t *testing.T) {
	h := newHarness()
	h.dir.searchFn = func(n int, _ *goldap.SearchRequest) (*goldap.SearchResult, error) {
		if n == 1 {
			return nil, resultError(goldap.LDAPResultBusy, "try later")
		}
		return &goldap.SearchResult{}, nil
	}

	opts := baseOptions()
	opts.Loops = 3
	opts.Retries = 1

	require.NoError(t, h.driver(opts, nil).Run(context.Background()))

	assert.Equal(t, 2, h.dir.dials)
	assert.Len(t, h.dir.searches, 4)
	assert.Len(t, h.sleeps, 1)

	out := h.out.String()
	assert.Equal(t, 1, strings.Count(out, "PID=42 - Search(3):"))
	assert.Equal(t, 1, strings.Count(out, "Search done (0)."))
	assert.Contains(t, out, `PID=42 - Search: Busy (51) text="try later" base="dc=example,dc=com" filter="(objectClass=person)"`)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Retries.WithLabelValues(PhaseSearching.String())))
}

func TestSearchBusyExhausted(t *testing.T) {
	h := newHarness()
	h.dir.searchFn = func(int, *goldap.SearchRequest) (*goldap.SearchResult, error) {
		return nil, resultError(goldap.LDAPResultBusy, "")
	}

	opts := baseOptions()
	opts.Loops = 3
	opts.Retries = 2

	err := h.driver(opts, nil).Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOperationFailed)
	assert.False(t, IsFatal(err))

	assert.Equal(t, 3, h.dir.dials)
	assert.Len(t, h.dir.searches, 3)
	assert.Contains(t, h.out.String(), "Search done (51).")
}

func TestSearchErrorEndsOperation(t *testing.T) {
	h := newHarness()
	h.dir.searchFn = func(n int, _ *goldap.SearchRequest) (*goldap.SearchResult, error) {
		if n == 1 {
			return nil, resultError(goldap.LDAPResultInsufficientAccessRights, "denied")
		}
		return &goldap.SearchResult{}, nil
	}

	opts := baseOptions()
	opts.Loops = 5
	opts.OuterLoops = 2
	opts.Retries = 3

	err := h.driver(opts, nil).Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOperationFailed)
	assert.Contains(t, err.Error(), "1 of 2 operations failed")

	assert.Len(t, h.dir.searches, 2+5)
	assert.Empty(t, h.sleeps)
	out := h.out.String()
	assert.Equal(t, 1, strings.Count(out, "Search done (50)."))
	assert.Equal(t, 1, strings.Count(out, "Search done (0)."))
}

func TestRandomSearch(t *testing.T) {
	h := newHarness()
	h.dir.searchFn = func(n int, _ *goldap.SearchRequest) (*goldap.SearchResult, error) {
		if n == 0 {
			return entriesWith("cn", "alice", "bob", "carol"), nil
		}
		return &goldap.SearchResult{}, nil
	}

	opts := baseOptions()
	opts.Attribute = "cn"
	opts.Loops = 10

	require.NoError(t, h.driver(opts, nil).Run(context.Background()))

	assert.Equal(t, 1, h.dir.dials)
	assert.Equal(t, 1, h.dir.binds)
	require.Len(t, h.dir.searches, 11)

	initial := h.dir.searches[0]
	assert.Equal(t, testFilter, initial.Filter)
	assert.Equal(t, []string{"cn"}, initial.Attributes)

	allowed := []string{"(cn=alice)", "(cn=bob)", "(cn=carol)"}
	for _, req := range h.dir.searches[1:] {
		assert.Contains(t, allowed, req.Filter)
		assert.Equal(t, []string{"cn", "sn"}, req.Attributes)
	}

	out := h.out.String()
	assert.Contains(t, out, `PID=42 - Search(10): base="dc=example,dc=com", filter="(objectClass=person)" attr="cn".`)
	assert.Contains(t, out, `  PID=42 - Search base="dc=example,dc=com" filter="(objectClass=person)" got 3 values.`)
	assert.NotContains(t, out, "Search(1):")
	assert.Equal(t, 1, strings.Count(out, "Search done (0)."))
}

func TestRandomSearchIsReproducible(t *testing.T) {
	run := func(seed uint64) []string {
		h := newHarness()
		h.dir.searchFn = func(n int, _ *goldap.SearchRequest) (*goldap.SearchResult, error) {
			if n == 0 {
				return entriesWith("uid", "u1", "u2", "u3", "u4", "u5", "u6"), nil
			}
			return &goldap.SearchResult{}, nil
		}

		opts := baseOptions()
		opts.Attribute = "uid"
		opts.Loops = 20
		opts.Seed = seed
		require.NoError(t, h.driver(opts, nil).Run(context.Background()))
		return h.dir.filters()
	}

	assert.Equal(t, run(7), run(7))
}

func TestRandomSearchNoValues(t *testing.T) {
	tests := []struct {
		name   string
		result *goldap.SearchResult
	}{
		{name: "no entries", result: &goldap.SearchResult{}},
		{name: "entries without the attribute", result: entriesWith("sn", "smith")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			h.dir.searchFn = func(int, *goldap.SearchRequest) (*goldap.SearchResult, error) {
				return tt.result, nil
			}

			opts := baseOptions()
			opts.Attribute = "cn"
			opts.Loops = 5
			opts.OuterLoops = 3

			err := h.driver(opts, nil).Run(context.Background())
			require.Error(t, err)
			assert.True(t, IsFatal(err))
			assert.ErrorIs(t, err, ErrNoValues)

			assert.Len(t, h.dir.searches, 1)
			assert.Equal(t, 1, h.dir.closes)
			assert.Contains(t, h.out.String(), "got 0 values.")
		})
	}
}

func TestRandomSearchSizeLimitKeepsPartialResults(t *testing.T) {
	h := newHarness()
	h.dir.searchFn = func(n int, _ *goldap.SearchRequest) (*goldap.SearchResult, error) {
		if n == 0 {
			return entriesWith("cn", "alice", "bob"), resultError(goldap.LDAPResultSizeLimitExceeded, "")
		}
		return &goldap.SearchResult{}, nil
	}

	opts := baseOptions()
	opts.Attribute = "cn"
	opts.Loops = 3
	opts.SizeLimit = 2

	require.NoError(t, h.driver(opts, nil).Run(context.Background()))

	assert.Len(t, h.dir.searches, 4)
	assert.Equal(t, 2, h.dir.searches[0].SizeLimit)
	out := h.out.String()
	assert.Contains(t, out, "got 2 values.")
	assert.Contains(t, out, "Search done (4).")
}

func TestRandomSearchInitialFailure(t *testing.T) {
	h := newHarness()
	h.dir.searchFn = func(int, *goldap.SearchRequest) (*goldap.SearchResult, error) {
		return nil, resultError(goldap.LDAPResultInsufficientAccessRights, "denied")
	}

	opts := baseOptions()
	opts.Attribute = "cn"
	opts.Loops = 5

	err := h.driver(opts, nil).Run(context.Background())
	require.Error(t, err)
	assert.False(t, IsFatal(err))
	assert.ErrorIs(t, err, ErrOperationFailed)

	assert.Len(t, h.dir.searches, 1)
	out := h.out.String()
	assert.Contains(t, out, "PID=42 - Search: Insufficient Access Rights (50)")
	assert.Contains(t, out, "Search done (50).")
}

func TestRandomSearchInnerErrors(t *testing.T) {
	h := newHarness()
	h.dir.searchFn = func(n int, _ *goldap.SearchRequest) (*goldap.SearchResult, error) {
		switch n {
		case 0:
			return entriesWith("cn", "alice"), nil
		case 1:
			return nil, resultError(goldap.LDAPResultNoSuchObject, "")
		case 2:
			return nil, resultError(goldap.LDAPResultOther, "boom")
		default:
			return &goldap.SearchResult{}, nil
		}
	}

	opts := baseOptions()
	opts.Attribute = "cn"
	opts.Loops = 4
	opts.Ignore = []uint16{goldap.LDAPResultNoSuchObject}

	err := h.driver(opts, nil).Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOperationFailed)

	assert.Len(t, h.dir.searches, 5, "an inner failure does not stop the remaining loops")
	assert.Equal(t, 1, h.dir.dials)
}

func TestRunStopsOnCanceledContext(t *testing.T) {
	h := newHarness()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	opts := baseOptions()
	opts.Loops = 10
	opts.OuterLoops = 10

	err := h.driver(opts, nil).Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, h.dir.searches)
	assert.Equal(t, 1, h.dir.closes)
}

func TestSleepContext(t *testing.T) {
	assert.NoError(t, sleepContext(context.Background(), 0))
	assert.NoError(t, sleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
}
