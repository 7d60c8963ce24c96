// Package collector fetches playbook output text for a collection kind.
package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aiops-lab/cmdb/internal/routing"
)

// Output is the raw text one collection produced.
type Output struct {
	Kind routing.Kind
	Text string
	// HostHint names the device when the text itself may not.
	HostHint string
	// Source identifies where the text came from (endpoint or file).
	Source string
}

// Source produces playbook output for a kind.
type Source interface {
	Fetch(ctx context.Context, kind routing.Kind) (Output, error)
}

// FileSource reads previously captured output from files. A path of "-"
// reads Stdin.
type FileSource struct {
	Paths    map[routing.Kind]string
	HostHint string
	Stdin    io.Reader
}

// Fetch reads the file configured for kind.
func (s FileSource) Fetch(ctx context.Context, kind routing.Kind) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}

	path := s.Paths[kind]
	if path == "" {
		return Output{}, fmt.Errorf("%w for %s", ErrNoInput, kind)
	}

	var data []byte
	var err error
	if path == "-" {
		in := s.Stdin
		if in == nil {
			in = os.Stdin
		}
		data, err = io.ReadAll(in)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return Output{}, fmt.Errorf("reading %s input %s: %w", kind, path, err)
	}

	return Output{Kind: kind, Text: string(data), HostHint: s.HostHint, Source: path}, nil
}

// ResultText flattens a tool result into harvestable text: the msg field
// (string, or an object re-encoded as JSON) followed by ansible.stdout
// (string or list of strings).
func ResultText(result map[string]any) string {
	var parts []string

	switch msg := result["msg"].(type) {
	case string:
		parts = append(parts, msg)
	case map[string]any:
		if data, err := json.Marshal(msg); err == nil {
			parts = append(parts, string(data))
		}
	}

	if ans, ok := result["ansible"].(map[string]any); ok {
		switch stdout := ans["stdout"].(type) {
		case string:
			parts = append(parts, stdout)
		case []any:
			for _, chunk := range stdout {
				if s, ok := chunk.(string); ok {
					parts = append(parts, s)
				}
			}
		}
	}

	return strings.Join(parts, "\n")
}
