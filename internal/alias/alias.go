// Package alias maps heterogeneous source field names onto canonical
// field names, per record kind.
package alias

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Record kinds with built-in alias tables.
const (
	KindBGPPeer      = "bgp_peer"
	KindOSPFNeighbor = "ospf_neighbor"
)

// ErrFileNotFound is returned by Load when the alias file does not exist.
// The returned table still holds the built-in defaults.
var ErrFileNotFound = errors.New("alias file not found")

// Fields maps a canonical field name to the ordered source names that may
// carry it.
type Fields map[string][]string

// Table maps a record kind to its field aliases.
type Table map[string]Fields

// Defaults returns a fresh copy of the built-in alias table.
func Defaults() Table {
	return Table{
		KindBGPPeer: {
			"peer_ip":  {"peer_ip", "peerIp", "neighbor", "id"},
			"state":    {"state", "peerState", "sessionState"},
			"remoteAs": {"remoteAs", "asn", "remote_as"},
			"pfxRcd":   {"pfxRcd", "prefixes_received", "prefixReceived"},
			"uptime":   {"uptime_sec", "peerUptime", "uptime"},
		},
		KindOSPFNeighbor: {
			"neighbor_id":   {"neighbor_id", "id", "routerId"},
			"iface":         {"iface", "interface", "ifname"},
			"state":         {"state", "adjState"},
			"dead_time_raw": {"dead_time_raw", "deadTime"},
			"address":       {"address", "neighborAddress"},
		},
	}
}

// Load reads alias overrides from a YAML (or JSON) file and merges them on
// top of the defaults. Overrides replace the alias list of a single
// canonical field; fields and kinds not mentioned keep their defaults.
//
// An empty path returns the defaults. A missing file returns the defaults
// together with ErrFileNotFound so callers can warn and continue.
func Load(path string) (Table, error) {
	table := Defaults()
	if path == "" {
		return table, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return table, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return table, fmt.Errorf("reading alias file: %w", err)
	}

	var raw map[string]map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return table, fmt.Errorf("parsing alias file: %w", err)
	}

	table.Merge(fromRaw(raw))
	return table, nil
}

// fromRaw keeps only entries shaped as lists of strings. Anything else in
// the file is ignored rather than rejected.
func fromRaw(raw map[string]map[string]any) Table {
	out := Table{}
	for kind, fields := range raw {
		for canon, v := range fields {
			list, ok := v.([]any)
			if !ok {
				continue
			}
			var names []string
			for _, item := range list {
				if s, ok := item.(string); ok && s != "" {
					names = append(names, s)
				}
			}
			if len(names) == 0 {
				continue
			}
			if out[kind] == nil {
				out[kind] = Fields{}
			}
			out[kind][canon] = names
		}
	}
	return out
}

// Merge copies every non-empty alias list from overrides into t.
func (t Table) Merge(overrides Table) {
	for kind, fields := range overrides {
		if len(fields) == 0 {
			continue
		}
		if t[kind] == nil {
			t[kind] = Fields{}
		}
		for canon, names := range fields {
			if len(names) == 0 {
				continue
			}
			t[kind][canon] = append([]string(nil), names...)
		}
	}
}

// Names returns the source names for a canonical field. A field without
// an alias entry is looked up under its own name.
func (t Table) Names(kind, canon string) []string {
	if names, ok := t[kind][canon]; ok && len(names) > 0 {
		return names
	}
	return []string{canon}
}

// Lookup returns the first value in src, in alias order, that is present,
// non-null and not the empty string. ok is false when no alias matched.
func (t Table) Lookup(kind, canon string, src map[string]any) (value any, ok bool) {
	for _, name := range t.Names(kind, canon) {
		v, present := src[name]
		if !present || v == nil {
			continue
		}
		if s, isString := v.(string); isString && s == "" {
			continue
		}
		return v, true
	}
	return nil, false
}

// Get is Lookup with a default for the no-match case.
func (t Table) Get(kind, canon string, src map[string]any, def any) any {
	if v, ok := t.Lookup(kind, canon, src); ok {
		return v
	}
	return def
}
