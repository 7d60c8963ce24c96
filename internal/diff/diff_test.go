package diff

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiops-lab/cmdb/internal/storage"
)

const (
	v1 = "2025-10-07T01:00:00.000000Z"
	v2 = "2025-10-07T02:00:00.000000Z"
)

type fact struct {
	version, host, kind, key, value string
}

func setupEngine(t *testing.T, withSchema bool, facts ...fact) (*Engine, *storage.DB) {
	t.Helper()
	ctx := context.Background()

	db, err := storage.OpenDB(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	if withSchema {
		require.NoError(t, storage.ApplySchema(ctx, db.SQL(), storage.SchemaSQL))
	}
	for _, f := range facts {
		_, err := db.SQL().Exec(
			`INSERT INTO normalized_state (version, host, kind, k, v, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			f.version, f.host, f.kind, f.key, f.value, f.version,
		)
		require.NoError(t, err)
	}

	clock := clockwork.NewFakeClockAt(time.Date(2025, 10, 7, 3, 0, 0, 0, time.UTC))
	return NewEngine(db, Config{Clock: clock}), db
}

func TestCompute_ChangedState(t *testing.T) {
	e, _ := setupEngine(t, true,
		fact{v1, "r1", "bgp_peer", "10.0.0.1", `{"peer_ip":"10.0.0.1","state":"Up"}`},
		fact{v2, "r1", "bgp_peer", "10.0.0.1", `{"peer_ip":"10.0.0.1","state":"Down"}`},
	)
	ctx := context.Background()

	counts, err := e.Compute(ctx, Options{Base: v1, New: v2})
	require.NoError(t, err)
	assert.Equal(t, Counts{Changed: 1, Total: 1}, counts)

	entries, err := e.Entries(ctx, v1, v2, "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, Changed, entries[0].Change)
	require.NotNil(t, entries[0].Before)
	require.NotNil(t, entries[0].After)
	assert.Contains(t, *entries[0].Before, "Up")
	assert.Contains(t, *entries[0].After, "Down")
	assert.Equal(t, "2025-10-07T03:00:00.000000Z", entries[0].ComputedAt)
}

func TestCompute_NewHostAdded(t *testing.T) {
	e, _ := setupEngine(t, true,
		fact{v1, "r1", "bgp_peer", "10.0.0.1", `{"state":"Up"}`},
		fact{v2, "r1", "bgp_peer", "10.0.0.1", `{"state":"Up"}`},
		fact{v2, "r9", "bgp_peer", "10.9.0.1", `{"state":"Up"}`},
		fact{v2, "r9", "ospf_neighbor", "9.9.9.9", `{"state":"Full"}`},
	)
	ctx := context.Background()

	counts, err := e.Compute(ctx, Options{Base: v1, New: v2})
	require.NoError(t, err)
	assert.Equal(t, Counts{Added: 2, Total: 2}, counts)

	entries, err := e.Entries(ctx, v1, v2, Added)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, en := range entries {
		assert.Equal(t, "r9", en.Host)
		assert.Nil(t, en.Before)
		assert.NotNil(t, en.After)
	}
}

func TestCompute_Removed(t *testing.T) {
	e, _ := setupEngine(t, true,
		fact{v1, "r1", "bgp_peer", "10.0.0.1", `{"state":"Up"}`},
	)

	counts, err := e.Compute(context.Background(), Options{Base: v1, New: v2})
	require.NoError(t, err)
	assert.Equal(t, Counts{Removed: 1, Total: 1}, counts)
}

func TestCompute_UnorderedArrays(t *testing.T) {
	facts := []fact{
		{v1, "r1", "bgp_peer", "10.0.0.1", `{"communities":["65001:1","65001:2",{"a":1,"b":2}]}`},
		{v2, "r1", "bgp_peer", "10.0.0.1", `{"communities":[{"b":2,"a":1},"65001:2","65001:1"]}`},
	}

	t.Run("unordered", func(t *testing.T) {
		e, _ := setupEngine(t, true, facts...)
		counts, err := e.Compute(context.Background(), Options{Base: v1, New: v2, UnorderedArrays: true})
		require.NoError(t, err)
		assert.Equal(t, Counts{}, counts)
	})

	t.Run("ordered", func(t *testing.T) {
		e, _ := setupEngine(t, true, facts...)
		counts, err := e.Compute(context.Background(), Options{Base: v1, New: v2})
		require.NoError(t, err)
		assert.Equal(t, Counts{Changed: 1, Total: 1}, counts)
	})
}

func TestCompute_KeyOrderIgnored(t *testing.T) {
	e, _ := setupEngine(t, true,
		fact{v1, "r1", "bgp_peer", "10.0.0.1", `{"a":1,"b":{"c":2,"d":3}}`},
		fact{v2, "r1", "bgp_peer", "10.0.0.1", `{"b":{"d":3,"c":2},"a":1}`},
	)
	counts, err := e.Compute(context.Background(), Options{Base: v1, New: v2})
	require.NoError(t, err)
	assert.Zero(t, counts.Total)
}

func TestCompute_TypeChange(t *testing.T) {
	e, _ := setupEngine(t, true,
		fact{v1, "r1", "bgp_peer", "a", `{"state":"Up"}`},
		fact{v2, "r1", "bgp_peer", "a", `["Up"]`},
		fact{v1, "r1", "bgp_peer", "b", `not json`},
		fact{v2, "r1", "bgp_peer", "b", `{"x":1}`},
		fact{v1, "r1", "bgp_peer", "c", `not json`},
		fact{v2, "r1", "bgp_peer", "c", `not json either`},
	)
	ctx := context.Background()

	counts, err := e.Compute(ctx, Options{Base: v1, New: v2})
	require.NoError(t, err)
	assert.Equal(t, Counts{Changed: 1, TypeChanged: 2, Total: 3}, counts)

	entries, err := e.Entries(ctx, v1, v2, TypeChanged)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].Key)
	assert.Equal(t, "b", entries[1].Key)
}

func TestCompute_Idempotent(t *testing.T) {
	e, db := setupEngine(t, true,
		fact{v1, "r1", "bgp_peer", "10.0.0.1", `{"state":"Up"}`},
		fact{v2, "r1", "bgp_peer", "10.0.0.1", `{"state":"Down"}`},
		fact{v2, "r2", "bgp_peer", "10.0.0.2", `{"state":"Up"}`},
	)
	ctx := context.Background()

	first, err := e.Compute(ctx, Options{Base: v1, New: v2})
	require.NoError(t, err)
	second, err := e.Compute(ctx, Options{Base: v1, New: v2})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	var n int
	require.NoError(t, db.SQL().QueryRow(`SELECT COUNT(*) FROM summary_diff`).Scan(&n))
	assert.Equal(t, first.Total, n)
}

func TestCompute_Filters(t *testing.T) {
	e, db := setupEngine(t, true,
		fact{v2, "r1", "bgp_peer", "10.0.0.1", `{"state":"Up"}`},
		fact{v2, "r1", "ospf_neighbor", "1.1.1.1", `{"state":"Full"}`},
		fact{v2, "r2", "bgp_peer", "10.0.0.2", `{"state":"Up"}`},
	)
	ctx := context.Background()

	counts, err := e.Compute(ctx, Options{Base: v1, New: v2})
	require.NoError(t, err)
	assert.Equal(t, 3, counts.Added)

	counts, err = e.Compute(ctx, Options{Base: v1, New: v2, Host: "r1", Kind: "bgp_peer"})
	require.NoError(t, err)
	assert.Equal(t, Counts{Added: 1, Total: 1}, counts)

	// rows outside the filter survive a filtered recompute
	var n int
	require.NoError(t, db.SQL().QueryRow(`SELECT COUNT(*) FROM summary_diff`).Scan(&n))
	assert.Equal(t, 3, n)
}

func TestCompute_MissingTables(t *testing.T) {
	e, _ := setupEngine(t, false)
	counts, err := e.Compute(context.Background(), Options{Base: v1, New: v2})
	require.NoError(t, err)
	assert.Equal(t, Counts{}, counts)
}

func TestCompute_MissingVersion(t *testing.T) {
	e, _ := setupEngine(t, true)
	_, err := e.Compute(context.Background(), Options{New: v2})
	assert.ErrorIs(t, err, ErrMissingVersion)
}

func TestBreakdown(t *testing.T) {
	e, _ := setupEngine(t, true,
		fact{v1, "r1", "bgp_peer", "a", `{"state":"Up"}`},
		fact{v1, "r1", "bgp_peer", "b", `{"state":"Up"}`},
		fact{v2, "r1", "bgp_peer", "a", `{"state":"Down"}`},
		fact{v2, "r1", "bgp_peer", "c", `{"state":"Up"}`},
	)
	ctx := context.Background()

	_, err := e.Compute(ctx, Options{Base: v1, New: v2})
	require.NoError(t, err)

	counts, err := e.Breakdown(ctx, v2)
	require.NoError(t, err)
	assert.Equal(t, Counts{Added: 1, Removed: 1, Changed: 1, Total: 3}, counts)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		before    string
		after     string
		unordered bool
		want      Change
		wantDiff  bool
	}{
		{"equal", `{"a":1}`, `{"a":1}`, false, "", false},
		{"scalar change", `{"a":1}`, `{"a":2}`, false, Changed, true},
		{"number vs string", `1`, `"1"`, false, TypeChanged, true},
		{"null vs object", `null`, `{}`, false, TypeChanged, true},
		{"list permuted ordered", `[1,2]`, `[2,1]`, false, Changed, true},
		{"list permuted unordered", `[1,2]`, `[2,1]`, true, "", false},
		{"multiset counts matter", `[1,1,2]`, `[1,2,2]`, true, Changed, true},
		{"plain text equal", `abc`, `abc`, false, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, differs := Classify(tt.before, tt.after, tt.unordered)
			if got != tt.want || differs != tt.wantDiff {
				t.Errorf("Classify(%q, %q) = (%q, %v), want (%q, %v)", tt.before, tt.after, got, differs, tt.want, tt.wantDiff)
			}
		})
	}
}

func TestParseChange(t *testing.T) {
	c, ok := ParseChange("type")
	assert.True(t, ok)
	assert.Equal(t, TypeChanged, c)

	_, ok = ParseChange("modified")
	assert.False(t, ok)
}

func TestUnified(t *testing.T) {
	before := `{"peer_ip":"10.0.0.1","state":"Up"}`
	after := `{"peer_ip":"10.0.0.1","state":"Down"}`

	out := Unified(Entry{Host: "r1", Kind: "bgp_peer", Key: "10.0.0.1", Change: Changed, Before: &before, After: &after})

	assert.Contains(t, out, "--- old/r1/bgp_peer/10.0.0.1")
	assert.Contains(t, out, "+++ new/r1/bgp_peer/10.0.0.1")
	assert.Contains(t, out, `-  "state": "Up"`)
	assert.Contains(t, out, `+  "state": "Down"`)
	assert.False(t, strings.Contains(out, `-  "peer_ip"`))
}

func TestUnified_Added(t *testing.T) {
	after := `{"state":"Up"}`
	out := Unified(Entry{Host: "r1", Kind: "bgp_peer", Key: "a", Change: Added, After: &after})
	assert.Contains(t, out, `+  "state": "Up"`)
}
