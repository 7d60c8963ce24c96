// Package routing turns harvested playbook objects into typed BGP peer and
// OSPF neighbor rows plus per-host summaries.
package routing

// UnknownHost is the sentinel host for objects whose device could not be
// determined. Rows with this host never reach current-state tables.
const UnknownHost = "unknown"

// DefaultSource tags BGP rows with the collection channel they came from.
const DefaultSource = "ansible-mcp"

// Kind is a logical collection kind (the playbook family).
type Kind string

const (
	KindBGP  Kind = "bgp"
	KindOSPF Kind = "ospf"
)

// Kinds lists the supported collection kinds in processing order.
var Kinds = []Kind{KindBGP, KindOSPF}

// FactKind is the record type of a normalized fact.
type FactKind string

const (
	FactBGPPeer      FactKind = "bgp_peer"
	FactOSPFNeighbor FactKind = "ospf_neighbor"
)

// establishedStates are the state values counted as an up session.
// Matching is case-sensitive.
var establishedStates = map[string]bool{
	"Established": true,
	"OK":          true,
	"established": true,
}

// IsEstablished reports whether a peer state counts as established.
func IsEstablished(state string) bool {
	return establishedStates[state]
}

// BGPPeer is one BGP session as seen from Host.
type BGPPeer struct {
	Host             string `json:"host"`
	PeerIP           string `json:"peer_ip"`
	PeerAS           int64  `json:"peer_as"`
	State            string `json:"state"`
	UptimeSec        int64  `json:"uptime_sec"`
	PrefixesReceived int64  `json:"prefixes_received"`
	CollectedAt      string `json:"collected_at"`
	Source           string `json:"source"`
}

// Key returns the natural key of the peer within its host.
func (p BGPPeer) Key() string { return p.PeerIP }

// Fact returns the canonical fact body stored in normalized snapshots.
func (p BGPPeer) Fact() map[string]any {
	return map[string]any{
		"peer_ip":  p.PeerIP,
		"remoteAs": p.PeerAS,
		"state":    p.State,
		"pfxRcd":   p.PrefixesReceived,
	}
}

// OSPFNeighbor is one OSPF adjacency as seen from Host.
type OSPFNeighbor struct {
	Host        string `json:"host"`
	NeighborID  string `json:"neighbor_id"`
	Iface       string `json:"iface"`
	State       string `json:"state"`
	DeadTimeRaw string `json:"dead_time_raw"`
	Address     string `json:"address"`
	CollectedAt string `json:"collected_at"`
}

// Key returns the natural key of the neighbor within its host: the
// neighbor id, else its address, else "-".
func (n OSPFNeighbor) Key() string {
	if n.NeighborID != "" && n.NeighborID != "-" {
		return n.NeighborID
	}
	if n.Address != "" {
		return n.Address
	}
	return "-"
}

// Fact returns the canonical fact body stored in normalized snapshots.
func (n OSPFNeighbor) Fact() map[string]any {
	return map[string]any{
		"neighbor_id":   n.NeighborID,
		"iface":         n.Iface,
		"state":         n.State,
		"dead_time_raw": n.DeadTimeRaw,
		"address":       n.Address,
	}
}

// HostSummary is the per-host rollup written to routing_summary.
type HostSummary struct {
	Host             string `json:"host"`
	LastCollectedAt  string `json:"last_collected_at"`
	PeersTotal       int    `json:"peers_total"`
	PeersEstablished int    `json:"peers_established"`
	OSPFNeighbors    int    `json:"ospf_neighbors"`
	Status           string `json:"status"`
	LastError        string `json:"last_error"`
}

// Stats counts what happened to the objects handed to one parser pass.
//
// Matched objects yielded entries. Empty objects had a recognized but
// empty container, which is valid data. Unshaped objects had no known
// layout and, outside strict mode, still produced a zero summary for their
// host. Dropped objects produced nothing.
type Stats struct {
	Objects        int `json:"objects"`
	Matched        int `json:"matched"`
	Empty          int `json:"empty"`
	Unshaped       int `json:"unshaped"`
	DroppedNoHost  int `json:"dropped_no_host"`
	DroppedNoShape int `json:"dropped_no_shape"`
}

// Add accumulates other into s.
func (s *Stats) Add(other Stats) {
	s.Objects += other.Objects
	s.Matched += other.Matched
	s.Empty += other.Empty
	s.Unshaped += other.Unshaped
	s.DroppedNoHost += other.DroppedNoHost
	s.DroppedNoShape += other.DroppedNoShape
}

// Dropped is the total number of discarded objects.
func (s Stats) Dropped() int {
	return s.DroppedNoHost + s.DroppedNoShape
}

// Result is the output of one parser pass.
type Result struct {
	BGP       []BGPPeer
	OSPF      []OSPFNeighbor
	Summaries map[string]HostSummary
	Stats     Stats
}
