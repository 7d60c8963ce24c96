package diff

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/hexops/gotextdiff/span"
)

// Unified renders the before and after values of e as a unified text
// diff, with JSON values pretty-printed so each field gets its own line.
func Unified(e Entry) string {
	name := e.Host + "/" + e.Kind + "/" + e.Key
	before := pretty(e.Before)
	after := pretty(e.After)

	edits := myers.ComputeEdits(span.URIFromPath("old/"+name), before, after)
	return fmt.Sprint(gotextdiff.ToUnified("old/"+name, "new/"+name, before, edits))
}

func pretty(v *string) string {
	if v == nil {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, []byte(*v), "", "  "); err != nil {
		return ensureNewline(*v)
	}
	return ensureNewline(buf.String())
}

func ensureNewline(s string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}
