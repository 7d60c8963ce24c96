// Package verify checks that a stored version is internally consistent.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aiops-lab/cmdb/internal/routing"
	"github.com/aiops-lab/cmdb/internal/storage"
)

var (
	// ErrTablesMissing is returned when the snapshot tables do not exist.
	ErrTablesMissing = errors.New("raw_state/normalized_state not found")
	// ErrNoVersion is returned when no version is given and none is stored.
	ErrNoVersion = errors.New("no version to verify")
)

// Metric names reported by Verify.
const (
	MetricRawBGP             = "raw_bgp"
	MetricRawOSPF            = "raw_ospf"
	MetricNormBGP            = "norm_bgp"
	MetricNormOSPF           = "norm_ospf"
	MetricBadKeys            = "bad_keys"
	MetricUnknownHosts       = "unknown_hosts"
	MetricUnknownCurrentRows = "unknown_current_rows"
)

// Report is the outcome of one verification.
type Report struct {
	Version  string         `json:"version"`
	Passed   bool           `json:"passed"`
	Metrics  map[string]int `json:"metrics"`
	Failures []string       `json:"failures,omitempty"`
}

// Verifier runs consistency checks against a store.
type Verifier struct {
	q   storage.Querier
	log *slog.Logger
}

// NewVerifier returns a Verifier reading from q.
func NewVerifier(q storage.Querier, log *slog.Logger) *Verifier {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Verifier{q: q, log: log}
}

// Verify checks version, or the latest stored version when empty. A
// version passes when it has at least one raw and one normalized fact, no
// normalized fact has an empty key, and no current-state table holds the
// unknown host.
func (v *Verifier) Verify(ctx context.Context, version string) (Report, error) {
	ok, err := storage.TablesExist(ctx, v.q, "raw_state", "normalized_state")
	if err != nil {
		return Report{}, err
	}
	if !ok {
		return Report{}, ErrTablesMissing
	}

	if version == "" {
		version, err = storage.LatestVersion(ctx, v.q)
		if err != nil {
			return Report{}, err
		}
		if version == "" {
			return Report{}, ErrNoVersion
		}
	}

	r := Report{Version: version, Metrics: map[string]int{}}
	checks := []struct {
		metric string
		query  string
		args   []any
	}{
		{MetricRawBGP, `SELECT COUNT(*) FROM raw_state WHERE version = ? AND kind = ?`, []any{version, string(routing.KindBGP)}},
		{MetricRawOSPF, `SELECT COUNT(*) FROM raw_state WHERE version = ? AND kind = ?`, []any{version, string(routing.KindOSPF)}},
		{MetricNormBGP, `SELECT COUNT(*) FROM normalized_state WHERE version = ? AND kind = ?`, []any{version, string(routing.FactBGPPeer)}},
		{MetricNormOSPF, `SELECT COUNT(*) FROM normalized_state WHERE version = ? AND kind = ?`, []any{version, string(routing.FactOSPFNeighbor)}},
		{MetricBadKeys, `SELECT COUNT(*) FROM normalized_state WHERE version = ? AND (k IS NULL OR k = '')`, []any{version}},
	}
	for _, c := range checks {
		if err := v.count(ctx, &r, c.metric, c.query, c.args...); err != nil {
			return r, err
		}
	}

	if ok, err := storage.TableExists(ctx, v.q, "routing_summary"); err != nil {
		return r, err
	} else if ok {
		if err := v.count(ctx, &r, MetricUnknownHosts, `SELECT COUNT(*) FROM routing_summary WHERE host = ?`, routing.UnknownHost); err != nil {
			return r, err
		}
	}

	if ok, err := storage.TablesExist(ctx, v.q, "routing_bgp_peer", "routing_ospf_neighbor"); err != nil {
		return r, err
	} else if ok {
		err := v.count(ctx, &r, MetricUnknownCurrentRows, `
			SELECT (SELECT COUNT(*) FROM routing_bgp_peer WHERE host = ?)
			     + (SELECT COUNT(*) FROM routing_ospf_neighbor WHERE host = ?)
		`, routing.UnknownHost, routing.UnknownHost)
		if err != nil {
			return r, err
		}
	}

	m := r.Metrics
	if m[MetricRawBGP]+m[MetricRawOSPF] < 1 {
		r.Failures = append(r.Failures, "no raw facts")
	}
	if m[MetricNormBGP]+m[MetricNormOSPF] < 1 {
		r.Failures = append(r.Failures, "no normalized facts")
	}
	if m[MetricBadKeys] > 0 {
		r.Failures = append(r.Failures, fmt.Sprintf("%d normalized facts with empty key", m[MetricBadKeys]))
	}
	if m[MetricUnknownHosts] > 0 {
		r.Failures = append(r.Failures, fmt.Sprintf("%d summaries for unknown host", m[MetricUnknownHosts]))
	}
	if m[MetricUnknownCurrentRows] > 0 {
		r.Failures = append(r.Failures, fmt.Sprintf("%d current-state rows for unknown host", m[MetricUnknownCurrentRows]))
	}
	r.Passed = len(r.Failures) == 0

	attrs := []any{"version", version}
	for name, n := range r.Metrics {
		attrs = append(attrs, name, n)
	}
	if r.Passed {
		v.log.Info("ETL consistency OK", append([]any{"event", "verify.ok"}, attrs...)...)
	} else {
		v.log.Warn("ETL consistency check failed", append([]any{"event", "verify.fail", "failures", r.Failures}, attrs...)...)
	}
	return r, nil
}

func (v *Verifier) count(ctx context.Context, r *Report, metric, query string, args ...any) error {
	var n int
	if err := v.q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return fmt.Errorf("verify %s: %w", metric, err)
	}
	r.Metrics[metric] = n
	return nil
}
