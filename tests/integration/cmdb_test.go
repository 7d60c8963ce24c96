// Package integration provides integration tests for the cmdb binary.
package integration

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
)

var (
	cmdbBinary     string
	cmdbBinaryOnce sync.Once
	cmdbBinaryErr  error
)

// getCmdbBinary builds the cmdb binary once and returns its path.
func getCmdbBinary(t *testing.T) string {
	t.Helper()
	cmdbBinaryOnce.Do(func() {
		_, filename, _, ok := runtime.Caller(0)
		if !ok {
			cmdbBinaryErr = os.ErrInvalid
			return
		}
		moduleRoot := filepath.Dir(filepath.Dir(filepath.Dir(filename)))

		tmpDir, err := os.MkdirTemp("", "cmdb-test-*")
		if err != nil {
			cmdbBinaryErr = err
			return
		}
		cmdbBinary = filepath.Join(tmpDir, "cmdb")

		cmd := exec.Command("go", "build", "-o", cmdbBinary, "./cmd/cmdb")
		cmd.Dir = moduleRoot
		if output, err := cmd.CombinedOutput(); err != nil {
			cmdbBinaryErr = &buildError{output: string(output), err: err}
			return
		}
	})
	if cmdbBinaryErr != nil {
		t.Fatalf("failed to build cmdb: %v", cmdbBinaryErr)
	}
	return cmdbBinary
}

type buildError struct {
	output string
	err    error
}

func (e *buildError) Error() string {
	return e.err.Error() + ": " + e.output
}

const bgpOutput = `ok: [r1] =>
{
  "host": "r1",
  "bgp": {
    "peers": {
      "10.0.0.1": {"state": "Established", "remoteAs": 65001, "pfxRcd": 42},
      "10.0.0.2": {"state": "Idle", "remoteAs": 65002}
    }
  }
}
`

const ospfOutput = `{
  "host": "r1",
  "ospf": {"neighbors": [{"neighbor_id": "1.1.1.1", "iface": "eth0", "state": "Full"}]}
}
`

// setupWorkdir creates a working directory with captured playbook output
// and an empty config home.
func setupWorkdir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"bgp.txt":   bgpOutput,
		"ospf.txt":  ospfOutput,
		"noise.txt": "PLAY RECAP\nr1 : ok=1 changed=0 unreachable=0\n",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.MkdirAll(filepath.Join(dir, "config"), 0755); err != nil {
		t.Fatal(err)
	}
	return dir
}

// runCmdb executes cmdb in dir and returns stdout and the exit code.
func runCmdb(t *testing.T, dir string, args ...string) (string, int) {
	t.Helper()
	cmd := exec.Command(getCmdbBinary(t), args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"XDG_CONFIG_HOME="+filepath.Join(dir, "config"),
		"CMDB_CONFIG=",
		"CMDB_DB=",
		"MCP_BASE=",
		"MCP_TOKEN=",
		"MCP_ALIAS_FILE=",
		"SCHEMA_SQL=",
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return stdout.String(), 0
	case errors.As(err, &exitErr):
		return stdout.String(), exitErr.ExitCode()
	default:
		t.Fatalf("running cmdb: %v\nstderr: %s", err, stderr.String())
		return "", -1
	}
}

func ingestArgs(dir string, extra ...string) []string {
	args := []string{"ingest",
		"--db", filepath.Join(dir, "cmdb.sqlite"),
		"--bgp-file", filepath.Join(dir, "bgp.txt"),
		"--ospf-file", filepath.Join(dir, "ospf.txt"),
		"--ensure-schema", "--snapshot", "--schema-meta",
	}
	return append(args, extra...)
}

func TestIngest(t *testing.T) {
	dir := setupWorkdir(t)

	output, code := runCmdb(t, dir, ingestArgs(dir, "--report", filepath.Join(dir, "report.jsonl"))...)
	if code != 0 {
		t.Fatalf("ingest exited %d\nOutput: %s", code, output)
	}

	var result struct {
		Status   string `json:"status"`
		Version  string `json:"version"`
		BGPRows  int    `json:"bgp_rows"`
		OSPFRows int    `json:"ospf_rows"`
		Hosts    int    `json:"hosts"`
		PerHost  []struct {
			Host             string `json:"host"`
			PeersEstablished int    `json:"peers_established"`
		} `json:"per_host"`
	}
	if err := json.Unmarshal([]byte(output), &result); err != nil {
		t.Fatalf("failed to parse JSON output: %v\nOutput: %s", err, output)
	}
	if result.Status != "ok" {
		t.Errorf("expected status 'ok', got %q", result.Status)
	}
	if result.BGPRows != 2 || result.OSPFRows != 1 || result.Hosts != 1 {
		t.Errorf("unexpected counts: bgp=%d ospf=%d hosts=%d", result.BGPRows, result.OSPFRows, result.Hosts)
	}
	if len(result.PerHost) != 1 || result.PerHost[0].PeersEstablished != 1 {
		t.Errorf("unexpected per_host: %+v", result.PerHost)
	}

	report, err := os.ReadFile(filepath.Join(dir, "report.jsonl"))
	if err != nil {
		t.Fatalf("reading report: %v", err)
	}
	if !strings.Contains(string(report), `"event":"ingest.ok"`) {
		t.Errorf("report missing ingest.ok line: %s", report)
	}
}

func TestIngestThenDiffVerifyPrune(t *testing.T) {
	dir := setupWorkdir(t)
	db := filepath.Join(dir, "cmdb.sqlite")

	if output, code := runCmdb(t, dir, ingestArgs(dir)...); code != 0 {
		t.Fatalf("first ingest exited %d\nOutput: %s", code, output)
	}

	changed := strings.Replace(bgpOutput, `"Idle"`, `"Established"`, 1)
	if err := os.WriteFile(filepath.Join(dir, "bgp.txt"), []byte(changed), 0644); err != nil {
		t.Fatal(err)
	}
	if output, code := runCmdb(t, dir, ingestArgs(dir, "--diff-prev", "--verify")...); code != 0 {
		t.Fatalf("second ingest exited %d\nOutput: %s", code, output)
	}

	output, code := runCmdb(t, dir, "versions", "--db", db)
	if code != 0 {
		t.Fatalf("versions exited %d\nOutput: %s", code, output)
	}
	var versions struct {
		Versions []struct {
			Version string `json:"version"`
		} `json:"versions"`
	}
	if err := json.Unmarshal([]byte(output), &versions); err != nil {
		t.Fatalf("failed to parse versions: %v\nOutput: %s", err, output)
	}
	if len(versions.Versions) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(versions.Versions))
	}

	output, code = runCmdb(t, dir, "diff", "show", "--db", db, "--change", "changed")
	if code != 0 {
		t.Fatalf("diff show exited %d\nOutput: %s", code, output)
	}
	var entries []struct {
		Key     string `json:"k"`
		Unified string `json:"unified"`
	}
	if err := json.Unmarshal([]byte(output), &entries); err != nil {
		t.Fatalf("failed to parse diff show: %v\nOutput: %s", err, output)
	}
	if len(entries) != 1 || entries[0].Key != "10.0.0.2" {
		t.Fatalf("unexpected diff entries: %+v", entries)
	}
	if !strings.Contains(entries[0].Unified, `+  "state": "Established"`) {
		t.Errorf("unified diff missing new state:\n%s", entries[0].Unified)
	}

	if output, code := runCmdb(t, dir, "verify", "--db", db); code != 0 {
		t.Fatalf("verify exited %d\nOutput: %s", code, output)
	}

	output, code = runCmdb(t, dir, "prune", "--db", db, "--keep", "1")
	if code != 0 {
		t.Fatalf("prune exited %d\nOutput: %s", code, output)
	}
	var pruned struct {
		Status   string   `json:"status"`
		Versions []string `json:"versions"`
	}
	if err := json.Unmarshal([]byte(output), &pruned); err != nil {
		t.Fatalf("failed to parse prune: %v\nOutput: %s", err, output)
	}
	if pruned.Status != "pruned" || len(pruned.Versions) != 1 || pruned.Versions[0] != versions.Versions[0].Version {
		t.Errorf("unexpected prune result: %+v", pruned)
	}
}

func TestIngestExitCodes(t *testing.T) {
	dir := setupWorkdir(t)
	badSchema := filepath.Join(dir, "bad.sql")
	if err := os.WriteFile(badSchema, []byte("CREATE TABLE ("), 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name        string
		args        []string
		want        int
		wantVersion bool
	}{
		{
			name: "no extractable data",
			args: []string{"ingest", "--db", filepath.Join(dir, "a.sqlite"), "--bgp-file", filepath.Join(dir, "noise.txt")},
			want: 4,
		},
		{
			name: "preflight",
			args: []string{"ingest", "--db", filepath.Join(dir, "missing", "a.sqlite"), "--bgp-file", filepath.Join(dir, "bgp.txt")},
			want: 5,
		},
		{
			name: "upstream unavailable",
			args: []string{"ingest", "--db", filepath.Join(dir, "b.sqlite"), "--bgp-file", filepath.Join(dir, "absent.txt")},
			want: 3,
		},
		{
			name: "schema apply",
			args: []string{"ingest", "--db", filepath.Join(dir, "c.sqlite"), "--bgp-file", filepath.Join(dir, "bgp.txt"), "--ensure-schema", "--schema-sql", badSchema},
			want: 2,
		},
		{
			name:        "verify failed",
			args:        []string{"ingest", "--db", filepath.Join(dir, "d.sqlite"), "--bgp-file", filepath.Join(dir, "bgp.txt"), "--verify"},
			want:        6,
			wantVersion: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output, code := runCmdb(t, dir, tt.args...)
			if code != tt.want {
				t.Errorf("exit code = %d, want %d\nOutput: %s", code, tt.want, output)
			}

			// stdout carries exactly one JSON document naming the error.
			var result struct {
				Error   string `json:"error"`
				Exit    int    `json:"exit"`
				Version string `json:"version"`
			}
			if err := json.Unmarshal([]byte(output), &result); err != nil {
				t.Fatalf("failed to parse JSON output: %v\nOutput: %s", err, output)
			}
			if result.Exit != tt.want || result.Error == "" {
				t.Errorf("unexpected error body: %+v", result)
			}
			if tt.wantVersion && result.Version == "" {
				t.Errorf("expected the partial summary in the error body: %s", output)
			}
		})
	}
}

func TestIngestDryRun(t *testing.T) {
	dir := setupWorkdir(t)

	output, code := runCmdb(t, dir, ingestArgs(dir, "--dry-run")...)
	if code != 0 {
		t.Fatalf("dry run exited %d\nOutput: %s", code, output)
	}
	if !strings.Contains(output, `"status":"dry_run"`) {
		t.Errorf("expected dry_run status, got %s", output)
	}
	if _, err := os.Stat(filepath.Join(dir, "cmdb.sqlite")); !os.IsNotExist(err) {
		t.Errorf("dry run created the store")
	}
}

func TestHarvest(t *testing.T) {
	dir := setupWorkdir(t)

	output, code := runCmdb(t, dir, "harvest", filepath.Join(dir, "bgp.txt"))
	if code != 0 {
		t.Fatalf("harvest exited %d\nOutput: %s", code, output)
	}
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 object, got %d: %s", len(lines), output)
	}
	if !strings.Contains(lines[0], `"host":"r1"`) {
		t.Errorf("unexpected object: %s", lines[0])
	}
}

func TestSchemaApply(t *testing.T) {
	dir := setupWorkdir(t)

	output, code := runCmdb(t, dir, "schema", "apply", "--db", filepath.Join(dir, "cmdb.sqlite"))
	if code != 0 {
		t.Fatalf("schema apply exited %d\nOutput: %s", code, output)
	}
	if !strings.Contains(output, `"status": "applied"`) {
		t.Errorf("unexpected output: %s", output)
	}

	// Idempotent.
	if output, code := runCmdb(t, dir, "schema", "apply", "--db", filepath.Join(dir, "cmdb.sqlite")); code != 0 {
		t.Fatalf("second schema apply exited %d\nOutput: %s", code, output)
	}
}
