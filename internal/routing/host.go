package routing

import (
	"strings"

	"github.com/aiops-lab/cmdb/internal/harvest"
)

var (
	topLevelHostKeys = []string{"host", "device", "router", "hostname", "node", "target", "inventory_hostname"}
	metaContainers   = []string{"meta", "_meta", "context", "details"}
	metaHostKeys     = []string{"host", "hostname", "device", "router", "node", "inventory_hostname"}
	ansibleHostKeys  = []string{"inventory_hostname", "host"}
)

// ResolveHost looks for the device name in obj. ok is false when no
// candidate key holds a non-blank string.
func ResolveHost(obj harvest.Object) (host string, ok bool) {
	if h, ok := firstString(obj, topLevelHostKeys); ok {
		return h, true
	}
	for _, container := range metaContainers {
		meta, isMap := obj[container].(map[string]any)
		if !isMap {
			continue
		}
		if h, ok := firstString(meta, metaHostKeys); ok {
			return h, true
		}
	}
	if ans, isMap := obj["ansible"].(map[string]any); isMap {
		if h, ok := firstString(ans, ansibleHostKeys); ok {
			return h, true
		}
	}
	return "", false
}

// PickHost resolves the host of obj, falling back to hint and then to
// UnknownHost.
func PickHost(obj harvest.Object, hint string) string {
	if h, ok := ResolveHost(obj); ok {
		return h
	}
	if hint = strings.TrimSpace(hint); hint != "" {
		return hint
	}
	return UnknownHost
}

func firstString(m map[string]any, keys []string) (string, bool) {
	for _, k := range keys {
		s, isString := m[k].(string)
		if !isString {
			continue
		}
		if s = strings.TrimSpace(s); s != "" {
			return s, true
		}
	}
	return "", false
}
