package storage

import (
	"context"
	"fmt"

	"github.com/aiops-lab/cmdb/internal/routing"
)

const currentTablesDDL = `
	CREATE TABLE IF NOT EXISTS routing_bgp_peer (
		host TEXT NOT NULL,
		peer_ip TEXT NOT NULL,
		peer_as INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL,
		uptime_sec INTEGER NOT NULL DEFAULT 0,
		prefixes_received INTEGER NOT NULL DEFAULT 0,
		collected_at TEXT NOT NULL,
		source TEXT NOT NULL,
		PRIMARY KEY (host, peer_ip)
	);

	CREATE TABLE IF NOT EXISTS routing_ospf_neighbor (
		host TEXT NOT NULL,
		neighbor_id TEXT NOT NULL,
		iface TEXT NOT NULL,
		state TEXT NOT NULL,
		dead_time_raw TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT '',
		collected_at TEXT NOT NULL,
		PRIMARY KEY (host, neighbor_id)
	);

	CREATE TABLE IF NOT EXISTS routing_summary (
		host TEXT PRIMARY KEY,
		last_collected_at TEXT NOT NULL,
		peers_total INTEGER NOT NULL DEFAULT 0,
		peers_established INTEGER NOT NULL DEFAULT 0,
		ospf_neighbors INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		last_error TEXT NOT NULL DEFAULT ''
	);
`

// WriteCounts reports how many current-state rows an upsert touched, or
// would touch in a dry run.
type WriteCounts struct {
	BGP       int   `json:"bgp_rows"`
	OSPF      int   `json:"ospf_rows"`
	Hosts     int   `json:"hosts"`
	Sentinels int64 `json:"sentinel_rows_deleted"`
}

// EnsureCurrentTables creates the current-state tables if needed.
func EnsureCurrentTables(ctx context.Context, q Querier) error {
	if _, err := q.ExecContext(ctx, currentTablesDDL); err != nil {
		return fmt.Errorf("creating current-state tables: %w", err)
	}
	return nil
}

// PlanCurrent returns the counts UpsertCurrent would produce without
// touching the store.
func PlanCurrent(bgp []routing.BGPPeer, ospf []routing.OSPFNeighbor, summaries map[string]routing.HostSummary) WriteCounts {
	var c WriteCounts
	for _, p := range bgp {
		if p.Host != routing.UnknownHost {
			c.BGP++
		}
	}
	for _, n := range ospf {
		if n.Host != routing.UnknownHost {
			c.OSPF++
		}
	}
	for host := range summaries {
		if host != routing.UnknownHost {
			c.Hosts++
		}
	}
	return c
}

// UpsertCurrent replaces the latest-known state for every natural key in
// the input. Rows for the unknown host are never written, and any that a
// previous run left behind are deleted.
func UpsertCurrent(ctx context.Context, q Querier, bgp []routing.BGPPeer, ospf []routing.OSPFNeighbor, summaries map[string]routing.HostSummary) (WriteCounts, error) {
	counts := PlanCurrent(bgp, ospf, summaries)

	if err := EnsureCurrentTables(ctx, q); err != nil {
		return counts, err
	}

	for _, table := range []string{"routing_summary", "routing_bgp_peer", "routing_ospf_neighbor"} {
		res, err := q.ExecContext(ctx, "DELETE FROM "+table+" WHERE host = ?", routing.UnknownHost)
		if err != nil {
			return counts, fmt.Errorf("deleting unknown host from %s: %w", table, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			counts.Sentinels += n
		}
	}

	for _, p := range bgp {
		if p.Host == routing.UnknownHost {
			continue
		}
		_, err := q.ExecContext(ctx, `
			INSERT INTO routing_bgp_peer (host, peer_ip, peer_as, state, uptime_sec, prefixes_received, collected_at, source)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(host, peer_ip) DO UPDATE SET
				peer_as = excluded.peer_as,
				state = excluded.state,
				uptime_sec = excluded.uptime_sec,
				prefixes_received = excluded.prefixes_received,
				collected_at = excluded.collected_at,
				source = excluded.source
		`, p.Host, p.PeerIP, p.PeerAS, p.State, p.UptimeSec, p.PrefixesReceived, p.CollectedAt, p.Source)
		if err != nil {
			return counts, fmt.Errorf("upserting bgp peer %s/%s: %w", p.Host, p.PeerIP, err)
		}
	}

	for _, n := range ospf {
		if n.Host == routing.UnknownHost {
			continue
		}
		_, err := q.ExecContext(ctx, `
			INSERT INTO routing_ospf_neighbor (host, neighbor_id, iface, state, dead_time_raw, address, collected_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(host, neighbor_id) DO UPDATE SET
				iface = excluded.iface,
				state = excluded.state,
				dead_time_raw = excluded.dead_time_raw,
				address = excluded.address,
				collected_at = excluded.collected_at
		`, n.Host, n.Key(), n.Iface, n.State, n.DeadTimeRaw, n.Address, n.CollectedAt)
		if err != nil {
			return counts, fmt.Errorf("upserting ospf neighbor %s/%s: %w", n.Host, n.Key(), err)
		}
	}

	for host, s := range summaries {
		if host == routing.UnknownHost {
			continue
		}
		_, err := q.ExecContext(ctx, `
			INSERT INTO routing_summary (host, last_collected_at, peers_total, peers_established, ospf_neighbors, status, last_error)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(host) DO UPDATE SET
				last_collected_at = excluded.last_collected_at,
				peers_total = excluded.peers_total,
				peers_established = excluded.peers_established,
				ospf_neighbors = excluded.ospf_neighbors,
				status = excluded.status,
				last_error = excluded.last_error
		`, host, s.LastCollectedAt, s.PeersTotal, s.PeersEstablished, s.OSPFNeighbors, s.Status, s.LastError)
		if err != nil {
			return counts, fmt.Errorf("upserting summary %s: %w", host, err)
		}
	}

	return counts, nil
}

// ListSummaries returns every routing_summary row ordered by host.
func ListSummaries(ctx context.Context, q Querier) ([]routing.HostSummary, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT host, last_collected_at, peers_total, peers_established, ospf_neighbors, status, last_error
		FROM routing_summary ORDER BY host
	`)
	if err != nil {
		return nil, fmt.Errorf("querying summaries: %w", err)
	}
	defer rows.Close()

	var out []routing.HostSummary
	for rows.Next() {
		var s routing.HostSummary
		if err := rows.Scan(&s.Host, &s.LastCollectedAt, &s.PeersTotal, &s.PeersEstablished, &s.OSPFNeighbors, &s.Status, &s.LastError); err != nil {
			return nil, fmt.Errorf("scanning summary: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
