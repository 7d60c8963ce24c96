package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/aiops-lab/cmdb/internal/harvest"
	"github.com/aiops-lab/cmdb/internal/routing"
)

// RawObject is one harvested object attributed to a host.
type RawObject struct {
	Host    string
	Payload harvest.Object
}

// SnapshotInput is everything recorded for one version.
type SnapshotInput struct {
	Version   string
	CreatedAt string
	Raw       map[routing.Kind][]RawObject
	BGP       []routing.BGPPeer
	OSPF      []routing.OSPFNeighbor
}

// SnapshotCounts reports rows written per kind. Skipped is set when the
// snapshot tables are missing.
type SnapshotCounts struct {
	Skipped    bool           `json:"skipped"`
	Raw        map[string]int `json:"raw"`
	Normalized map[string]int `json:"normalized"`
}

// CanonicalJSON encodes v with object keys sorted, which encoding/json
// already does for maps.
func CanonicalJSON(v map[string]any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WriteSnapshot records the raw objects and normalized facts of one
// version. Normalized facts are only written together with raw facts. A
// store without the snapshot tables is skipped with a warning.
func WriteSnapshot(ctx context.Context, q Querier, log *slog.Logger, in SnapshotInput) (SnapshotCounts, error) {
	counts := SnapshotCounts{Raw: map[string]int{}, Normalized: map[string]int{}}

	ok, err := TablesExist(ctx, q, "raw_state", "normalized_state")
	if err != nil {
		return counts, err
	}
	if !ok {
		log.Warn("snapshot tables not found; skip", "event", "snapshot.tables.missing", "version", in.Version)
		counts.Skipped = true
		return counts, nil
	}

	kinds := make([]string, 0, len(in.Raw))
	for k := range in.Raw {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)

	for _, kind := range kinds {
		for _, obj := range in.Raw[routing.Kind(kind)] {
			payload, err := json.Marshal(obj.Payload)
			if err != nil {
				return counts, fmt.Errorf("encoding raw %s object: %w", kind, err)
			}
			_, err = q.ExecContext(ctx,
				`INSERT INTO raw_state (version, host, kind, payload_json, created_at) VALUES (?, ?, ?, ?, ?)`,
				in.Version, obj.Host, kind, string(payload), in.CreatedAt,
			)
			if err != nil {
				return counts, fmt.Errorf("inserting raw %s object: %w", kind, err)
			}
			counts.Raw[kind]++
		}
	}

	if counts.Raw[string(routing.KindBGP)]+counts.Raw[string(routing.KindOSPF)] == 0 {
		return counts, nil
	}

	for _, p := range in.BGP {
		if err := insertFact(ctx, q, in, p.Host, routing.FactBGPPeer, p.Key(), p.Fact()); err != nil {
			return counts, err
		}
		counts.Normalized[string(routing.FactBGPPeer)]++
	}
	for _, n := range in.OSPF {
		if err := insertFact(ctx, q, in, n.Host, routing.FactOSPFNeighbor, n.Key(), n.Fact()); err != nil {
			return counts, err
		}
		counts.Normalized[string(routing.FactOSPFNeighbor)]++
	}

	return counts, nil
}

func insertFact(ctx context.Context, q Querier, in SnapshotInput, host string, kind routing.FactKind, key string, fact map[string]any) error {
	v, err := CanonicalJSON(fact)
	if err != nil {
		return fmt.Errorf("encoding %s fact %s: %w", kind, key, err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO normalized_state (version, host, kind, k, v, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(version, host, kind, k) DO UPDATE SET
			v = excluded.v,
			created_at = excluded.created_at
	`, in.Version, host, string(kind), key, v, in.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting %s fact %s/%s: %w", kind, host, key, err)
	}
	return nil
}

// VersionInfo describes one stored version.
type VersionInfo struct {
	Version    string `json:"version"`
	Raw        int    `json:"raw"`
	Normalized int    `json:"normalized"`
}

// ListVersions returns every version present in raw_state or
// normalized_state in ascending order. Missing tables yield no versions.
func ListVersions(ctx context.Context, q Querier) ([]VersionInfo, error) {
	hasRaw, err := TableExists(ctx, q, "raw_state")
	if err != nil {
		return nil, err
	}
	hasNorm, err := TableExists(ctx, q, "normalized_state")
	if err != nil {
		return nil, err
	}

	byVersion := map[string]*VersionInfo{}
	count := func(table string, set func(*VersionInfo, int)) error {
		rows, err := q.QueryContext(ctx, "SELECT version, COUNT(*) FROM "+table+" GROUP BY version")
		if err != nil {
			return fmt.Errorf("counting %s: %w", table, err)
		}
		defer rows.Close()
		for rows.Next() {
			var v string
			var n int
			if err := rows.Scan(&v, &n); err != nil {
				return fmt.Errorf("scanning %s: %w", table, err)
			}
			info, ok := byVersion[v]
			if !ok {
				info = &VersionInfo{Version: v}
				byVersion[v] = info
			}
			set(info, n)
		}
		return rows.Err()
	}

	if hasRaw {
		if err := count("raw_state", func(i *VersionInfo, n int) { i.Raw = n }); err != nil {
			return nil, err
		}
	}
	if hasNorm {
		if err := count("normalized_state", func(i *VersionInfo, n int) { i.Normalized = n }); err != nil {
			return nil, err
		}
	}

	out := make([]VersionInfo, 0, len(byVersion))
	for _, info := range byVersion {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// LatestVersion returns the newest stored version, or "" when none.
func LatestVersion(ctx context.Context, q Querier) (string, error) {
	versions, err := ListVersions(ctx, q)
	if err != nil || len(versions) == 0 {
		return "", err
	}
	return versions[len(versions)-1].Version, nil
}

// PreviousVersion returns the newest version strictly older than version,
// or "" when none.
func PreviousVersion(ctx context.Context, q Querier, version string) (string, error) {
	versions, err := ListVersions(ctx, q)
	if err != nil {
		return "", err
	}
	prev := ""
	for _, v := range versions {
		if v.Version >= version {
			break
		}
		prev = v.Version
	}
	return prev, nil
}
