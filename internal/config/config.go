// Package config handles the cmdb configuration file and environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// ConfigDir is the directory name under XDG_CONFIG_HOME.
	ConfigDir = "cmdb"
	// ConfigFile is the config file name.
	ConfigFile = "config.yml"
	// DefaultDBPath is used when neither the file nor the environment names a store.
	DefaultDBPath = "cmdb.sqlite"
	// DefaultPort is the MCP port for the built-in candidate endpoints.
	DefaultPort = 9000
	// DefaultKeep is the retention depth used by prune when none is given.
	DefaultKeep = 10
)

// Environment variables that override file values.
const (
	EnvConfig    = "CMDB_CONFIG"
	EnvDB        = "CMDB_DB"
	EnvMCPBase   = "MCP_BASE"
	EnvMCPToken  = "MCP_TOKEN"
	EnvMCPPort   = "AIOPS_MCP_PORT"
	EnvAliasFile = "MCP_ALIAS_FILE"
	EnvSchemaSQL = "SCHEMA_SQL"
)

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("invalid config")

// Config is the cmdb configuration stored in ~/.config/cmdb/config.yml.
type Config struct {
	DB        string    `yaml:"db,omitempty"`
	SchemaSQL string    `yaml:"schema_sql,omitempty"`
	AliasFile string    `yaml:"alias_file,omitempty"`
	MCP       MCPConfig `yaml:"mcp,omitempty"`
	Ingest    Ingest    `yaml:"ingest,omitempty"`
}

// MCPConfig configures the playbook endpoint.
type MCPConfig struct {
	Base         string        `yaml:"base,omitempty"`
	Token        string        `yaml:"token,omitempty"`
	Port         int           `yaml:"port,omitempty"`
	PlaybookBGP  string        `yaml:"playbook_bgp,omitempty"`
	PlaybookOSPF string        `yaml:"playbook_ospf,omitempty"`
	Timeout      time.Duration `yaml:"timeout,omitempty"`
	RateLimit    float64       `yaml:"rate_limit,omitempty"` // requests per second
	Retries      int           `yaml:"retries,omitempty"`
	EndpointTTL  time.Duration `yaml:"endpoint_ttl,omitempty"`
}

// Ingest holds defaults for the ingest command. Flags override them.
type Ingest struct {
	HostHint        string `yaml:"host_hint,omitempty"`
	Strict          bool   `yaml:"strict,omitempty"`
	EnsureSchema    bool   `yaml:"ensure_schema,omitempty"`
	Snapshot        bool   `yaml:"snapshot,omitempty"`
	SchemaMeta      bool   `yaml:"schema_meta,omitempty"`
	DiffPrev        bool   `yaml:"diff_prev,omitempty"`
	SetUnordered    bool   `yaml:"set_unordered,omitempty"`
	Verify          bool   `yaml:"verify,omitempty"`
	Prune           bool   `yaml:"prune,omitempty"`
	Keep            int    `yaml:"keep,omitempty"`
	Report          string `yaml:"report,omitempty"`
	MetricsTextfile string `yaml:"metrics_textfile,omitempty"`
}

// DefaultPath returns the config path: $CMDB_CONFIG when set, else
// $XDG_CONFIG_HOME/cmdb/config.yml (defaulting to ~/.config).
func DefaultPath() string {
	if p := os.Getenv(EnvConfig); p != "" {
		return ExpandPath(p)
	}
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configHome = filepath.Join(home, ".config")
	}
	return filepath.Join(configHome, ConfigDir, ConfigFile)
}

// Load reads the config at path (DefaultPath when empty), applies
// environment overrides and defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(ExpandPath(path))
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config %s: %w", path, err)
			}
		case os.IsNotExist(err) && !explicit:
		default:
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() error {
	overrides := []struct {
		env string
		dst *string
	}{
		{EnvDB, &c.DB},
		{EnvMCPBase, &c.MCP.Base},
		{EnvMCPToken, &c.MCP.Token},
		{EnvAliasFile, &c.AliasFile},
		{EnvSchemaSQL, &c.SchemaSQL},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.env); v != "" {
			*o.dst = v
		}
	}

	if v := os.Getenv(EnvMCPPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not a port", ErrInvalid, EnvMCPPort, v)
		}
		c.MCP.Port = port
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.DB == "" {
		c.DB = DefaultDBPath
	}
	if c.MCP.Port == 0 {
		c.MCP.Port = DefaultPort
	}
	if c.MCP.PlaybookBGP == "" {
		c.MCP.PlaybookBGP = "show_bgp"
	}
	if c.MCP.PlaybookOSPF == "" {
		c.MCP.PlaybookOSPF = "show_ospf"
	}
	if c.Ingest.Keep == 0 {
		c.Ingest.Keep = DefaultKeep
	}

	c.DB = ExpandPath(c.DB)
	c.SchemaSQL = ExpandPath(c.SchemaSQL)
	c.AliasFile = ExpandPath(c.AliasFile)
	c.Ingest.Report = ExpandPath(c.Ingest.Report)
	c.Ingest.MetricsTextfile = ExpandPath(c.Ingest.MetricsTextfile)
}

// Validate rejects values no command can work with.
func (c *Config) Validate() error {
	if c.MCP.Port < 0 || c.MCP.Port > 65535 {
		return fmt.Errorf("%w: mcp.port %d out of range", ErrInvalid, c.MCP.Port)
	}
	if c.MCP.RateLimit < 0 {
		return fmt.Errorf("%w: mcp.rate_limit must not be negative", ErrInvalid)
	}
	if c.MCP.Retries < 0 {
		return fmt.Errorf("%w: mcp.retries must not be negative", ErrInvalid)
	}
	if c.MCP.Timeout < 0 || c.MCP.EndpointTTL < 0 {
		return fmt.Errorf("%w: durations must not be negative", ErrInvalid)
	}
	if c.Ingest.Keep < 0 {
		return fmt.Errorf("%w: ingest.keep must not be negative", ErrInvalid)
	}
	return nil
}

// Save writes the config as YAML, creating the parent directory.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// ExpandPath expands ~ to the user's home directory.
// Returns the original path unchanged if it doesn't start with ~.
func ExpandPath(path string) string {
	if len(path) == 0 || path[0] != '~' {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}

	return filepath.Join(home, path[1:])
}
