package routing

import "sort"

// shapeKind tags how a record container was laid out in the source object.
type shapeKind int

const (
	shapeNone  shapeKind = iota // nothing recognizable
	shapeFlat                   // the object itself is one entry
	shapeKeyed                  // {"<natural key>": {...entry...}, ...}
	shapeList                   // [{...entry...}, ...]
)

func (k shapeKind) String() string {
	switch k {
	case shapeFlat:
		return "flat"
	case shapeKeyed:
		return "keyed"
	case shapeList:
		return "list"
	default:
		return "none"
	}
}

// shape is a detected container. Only the field matching kind is set.
type shape struct {
	kind  shapeKind
	flat  map[string]any
	keyed map[string]any
	list  []any
}

// entry is one record pulled out of a shape. key is the dict key for keyed
// shapes and empty otherwise.
type entry struct {
	key    string
	fields map[string]any
}

// entries flattens the shape into entries. Non-object members are skipped.
// Keyed entries come out in key order so parsing is deterministic.
func (s shape) entries() []entry {
	switch s.kind {
	case shapeFlat:
		return []entry{{fields: s.flat}}
	case shapeKeyed:
		keys := make([]string, 0, len(s.keyed))
		for k := range s.keyed {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]entry, 0, len(keys))
		for _, k := range keys {
			fields, ok := s.keyed[k].(map[string]any)
			if !ok {
				continue
			}
			out = append(out, entry{key: k, fields: fields})
		}
		return out
	case shapeList:
		out := make([]entry, 0, len(s.list))
		for _, item := range s.list {
			fields, ok := item.(map[string]any)
			if !ok {
				continue
			}
			out = append(out, entry{fields: fields})
		}
		return out
	default:
		return nil
	}
}

// containerShape classifies v as a keyed dict or a list.
func containerShape(v any) (shape, bool) {
	switch x := v.(type) {
	case map[string]any:
		return shape{kind: shapeKeyed, keyed: x}, true
	case []any:
		return shape{kind: shapeList, list: x}, true
	default:
		return shape{}, false
	}
}

// path is a sequence of object keys leading to a container.
type path []string

// lookupPath follows p through nested objects.
func lookupPath(obj map[string]any, p path) (any, bool) {
	var cur any = obj
	for _, k := range p {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[k]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// shapeSpec describes where entries of one record kind can live.
type shapeSpec struct {
	// flatKey and flatState: an object holding one key from each set is a
	// flat entry.
	flatKey   []string
	flatState []string
	// containers are tried in order; the first keyed or list value wins.
	containers []path
}

var bgpShapes = shapeSpec{
	flatKey:   []string{"peer_ip", "peerIp", "neighbor"},
	flatState: []string{"state", "peerState", "sessionState"},
	containers: []path{
		{"bgp", "peers"},
		{"bgp", "neighbors"},
		{"ipv4Unicast", "peers"},
	},
}

var ospfShapes = shapeSpec{
	flatKey:   []string{"neighbor_id", "routerId", "id"},
	flatState: []string{"state", "adjState"},
	containers: []path{
		{"ospf", "neighbors"},
		{"neighbors"},
		{"adjacencies"},
	},
}

// detect resolves obj to a shape according to ss.
func (ss shapeSpec) detect(obj map[string]any) shape {
	if hasAny(obj, ss.flatKey) && hasAny(obj, ss.flatState) {
		return shape{kind: shapeFlat, flat: obj}
	}
	for _, p := range ss.containers {
		v, ok := lookupPath(obj, p)
		if !ok {
			continue
		}
		if s, ok := containerShape(v); ok {
			return s
		}
	}
	return shape{kind: shapeNone}
}

func hasAny(obj map[string]any, keys []string) bool {
	for _, k := range keys {
		if _, ok := obj[k]; ok {
			return true
		}
	}
	return false
}
