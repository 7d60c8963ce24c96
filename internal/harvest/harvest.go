// Package harvest extracts JSON objects from free-form command output.
//
// Harvesting is best-effort: text that does not decode is dropped, never
// reported as an error. Playbook output mixes log noise, pretty-printed JSON
// blocks and JSON-per-line records, so both strategies run over the same
// text and their results are concatenated.
package harvest

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
)

// Object is one decoded JSON object.
type Object = map[string]any

// Harvest returns every JSON object found in text, with {"msg": "<json>"}
// wrappers unwrapped one level. The result may contain repeats.
func Harvest(text string) []Object {
	if text == "" {
		return nil
	}

	objs := Blocks(text)
	objs = append(objs, Lines(text)...)

	for i, o := range objs {
		objs[i] = UnwrapMsg(o)
	}
	return objs
}

// Blocks scans text for brace-balanced regions and decodes each outermost
// region as a JSON object. A closing brace at depth zero is ignored and an
// unterminated trailing region is discarded.
func Blocks(text string) []Object {
	var objs []Object

	depth := 0
	start := -1
	inString := false
	escaped := false

	for i := 0; i < len(text); i++ {
		ch := text[i]

		// String state only matters inside a candidate block; quotes in the
		// surrounding log noise are not JSON.
		if depth > 0 && inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}

		switch ch {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start >= 0 {
				if obj, ok := decodeObject(text[start : i+1]); ok {
					objs = append(objs, obj)
				}
				start = -1
			}
		}
	}

	return objs
}

// Lines decodes each line of text as a standalone JSON object.
func Lines(text string) []Object {
	var objs []Object
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line[0] != '{' {
			continue
		}
		if obj, ok := decodeObject(line); ok {
			objs = append(objs, obj)
		}
	}
	return objs
}

// UnwrapMsg replaces {"msg": "<json object>"} with the inner object.
// Objects whose msg is absent, not a string, or not an encoded object are
// returned unchanged.
func UnwrapMsg(o Object) Object {
	msg, ok := o["msg"].(string)
	if !ok {
		return o
	}
	inner, ok := decodeObject(strings.TrimSpace(msg))
	if !ok {
		return o
	}
	return inner
}

// decodeObject decodes s as exactly one JSON object. Trailing content other
// than whitespace makes the input invalid.
func decodeObject(s string) (Object, bool) {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()

	var obj Object
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return nil, false
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, false
	}
	return obj, true
}
