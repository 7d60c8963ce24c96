package routing

import (
	"github.com/aiops-lab/cmdb/internal/alias"
	"github.com/aiops-lab/cmdb/internal/harvest"
)

// Parser converts harvested objects into rows. The zero value parses with
// the built-in alias table and no host hint.
type Parser struct {
	Aliases alias.Table
	// Strict discards objects without a resolvable host or a recognized
	// shape instead of emitting degraded rows for them.
	Strict bool
	// HostHint is used when an object names no host itself.
	HostHint string
	// Source tags BGP rows; defaults to DefaultSource.
	Source string
}

func (p Parser) aliases() alias.Table {
	if p.Aliases == nil {
		return alias.Defaults()
	}
	return p.Aliases
}

func (p Parser) source() string {
	if p.Source == "" {
		return DefaultSource
	}
	return p.Source
}

// ParseBGP extracts BGP peers from objs. Peers are unique per
// (host, peer ip); a repeated peer overwrites the earlier one. Summary
// totals follow entryTally.
func (p Parser) ParseBGP(objs []harvest.Object, collectedAt string) Result {
	aliases := p.aliases()
	rows := newRowSet[BGPPeer]()
	counts := newEntryTally()
	var stats Stats

	for _, obj := range objs {
		stats.Objects++
		host, s, ok := p.classify(obj, bgpShapes, &stats)
		if !ok {
			continue
		}
		counts.addHost(host)

		seen := make(map[string][]string)
		for _, e := range s.entries() {
			peer := bgpPeerFromEntry(aliases, host, e, collectedAt, p.source())
			rows.put(host, peer.Key(), peer)
			seen[peer.Key()] = append(seen[peer.Key()], peer.State)
		}
		counts.record(host, seen)
	}

	summaries := make(map[string]HostSummary, len(counts.hosts))
	for _, host := range counts.order {
		sum := newSummary(host, collectedAt)
		for _, states := range counts.hosts[host] {
			sum.PeersTotal += len(states)
			for _, st := range states {
				if IsEstablished(st) {
					sum.PeersEstablished++
				}
			}
		}
		summaries[host] = sum
	}

	return Result{BGP: rows.items, Summaries: summaries, Stats: stats}
}

// ParseOSPF extracts OSPF neighbors from objs. Neighbors are unique per
// (host, neighbor key); summary totals follow entryTally.
func (p Parser) ParseOSPF(objs []harvest.Object, collectedAt string) Result {
	aliases := p.aliases()
	rows := newRowSet[OSPFNeighbor]()
	counts := newEntryTally()
	var stats Stats

	for _, obj := range objs {
		stats.Objects++
		host, s, ok := p.classify(obj, ospfShapes, &stats)
		if !ok {
			continue
		}
		counts.addHost(host)

		seen := make(map[string][]string)
		for _, e := range s.entries() {
			n := ospfNeighborFromEntry(aliases, host, e, collectedAt)
			rows.put(host, n.Key(), n)
			seen[n.Key()] = append(seen[n.Key()], n.State)
		}
		counts.record(host, seen)
	}

	summaries := make(map[string]HostSummary, len(counts.hosts))
	for _, host := range counts.order {
		sum := newSummary(host, collectedAt)
		for _, states := range counts.hosts[host] {
			sum.OSPFNeighbors += len(states)
		}
		summaries[host] = sum
	}

	return Result{OSPF: rows.items, Summaries: summaries, Stats: stats}
}

// classify resolves host and shape for obj and updates stats. ok is false
// when the object is dropped.
func (p Parser) classify(obj harvest.Object, ss shapeSpec, stats *Stats) (string, shape, bool) {
	host := PickHost(obj, p.HostHint)
	if p.Strict && host == UnknownHost {
		stats.DroppedNoHost++
		return "", shape{}, false
	}

	s := ss.detect(obj)
	switch {
	case s.kind == shapeNone && p.Strict:
		stats.DroppedNoShape++
		return "", shape{}, false
	case s.kind == shapeNone:
		stats.Unshaped++
	case len(s.entries()) == 0:
		stats.Empty++
	default:
		stats.Matched++
	}
	return host, s, true
}

func bgpPeerFromEntry(aliases alias.Table, host string, e entry, collectedAt, source string) BGPPeer {
	ip := e.key
	if ip == "" {
		ip = AsString(aliases.Get(alias.KindBGPPeer, "peer_ip", e.fields, "-"))
	}
	return BGPPeer{
		Host:             host,
		PeerIP:           ip,
		PeerAS:           IntOrZero(aliases.Get(alias.KindBGPPeer, "remoteAs", e.fields, 0)),
		State:            AsString(aliases.Get(alias.KindBGPPeer, "state", e.fields, "-")),
		UptimeSec:        IntOrZero(aliases.Get(alias.KindBGPPeer, "uptime", e.fields, 0)),
		PrefixesReceived: IntOrZero(aliases.Get(alias.KindBGPPeer, "pfxRcd", e.fields, 0)),
		CollectedAt:      collectedAt,
		Source:           source,
	}
}

func ospfNeighborFromEntry(aliases alias.Table, host string, e entry, collectedAt string) OSPFNeighbor {
	def := any("-")
	if e.key != "" {
		def = e.key
	}
	return OSPFNeighbor{
		Host:        host,
		NeighborID:  AsString(aliases.Get(alias.KindOSPFNeighbor, "neighbor_id", e.fields, def)),
		Iface:       AsString(aliases.Get(alias.KindOSPFNeighbor, "iface", e.fields, "-")),
		State:       AsString(aliases.Get(alias.KindOSPFNeighbor, "state", e.fields, "-")),
		DeadTimeRaw: AsString(aliases.Get(alias.KindOSPFNeighbor, "dead_time_raw", e.fields, "")),
		Address:     AsString(aliases.Get(alias.KindOSPFNeighbor, "address", e.fields, "")),
		CollectedAt: collectedAt,
	}
}

func newSummary(host, collectedAt string) HostSummary {
	return HostSummary{Host: host, LastCollectedAt: collectedAt, Status: "ok"}
}

// MergeSummaries combines the per-host rollups of a BGP and an OSPF pass.
// Peer totals come from the BGP pass and neighbor counts from the OSPF
// pass; when both populated a neighbor count the larger one is kept so
// merge order cannot double count.
func MergeSummaries(bgp, ospf map[string]HostSummary) map[string]HostSummary {
	out := make(map[string]HostSummary, len(bgp)+len(ospf))
	for h, s := range bgp {
		out[h] = s
	}
	for h, o := range ospf {
		s, ok := out[h]
		if !ok {
			out[h] = o
			continue
		}
		s.OSPFNeighbors = max(s.OSPFNeighbors, o.OSPFNeighbors)
		if o.LastCollectedAt > s.LastCollectedAt {
			s.LastCollectedAt = o.LastCollectedAt
		}
		out[h] = s
	}
	return out
}

// rowSet keeps rows unique by (host, key) in first-seen order.
type rowSet[T any] struct {
	items []T
	index map[[2]string]int
}

func newRowSet[T any]() *rowSet[T] {
	return &rowSet[T]{index: make(map[[2]string]int)}
}

func (r *rowSet[T]) put(host, key string, row T) {
	k := [2]string{host, key}
	if i, ok := r.index[k]; ok {
		r.items[i] = row
		return
	}
	r.index[k] = len(r.items)
	r.items = append(r.items, row)
}

// entryTally counts summary entries per host. Each key counts as many
// entries as the latest object reporting it listed, so entries sharing a
// placeholder key all count while a re-harvested object counts once.
type entryTally struct {
	order []string
	hosts map[string]map[string][]string // host -> key -> states
}

func newEntryTally() *entryTally {
	return &entryTally{hosts: make(map[string]map[string][]string)}
}

func (t *entryTally) addHost(host string) {
	if _, ok := t.hosts[host]; ok {
		return
	}
	t.hosts[host] = make(map[string][]string)
	t.order = append(t.order, host)
}

func (t *entryTally) record(host string, states map[string][]string) {
	for key, st := range states {
		t.hosts[host][key] = st
	}
}
