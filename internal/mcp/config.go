package mcp

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// ServerKind selects the wire transport for a configured server.
type ServerKind string

const (
	KindStdio     ServerKind = "stdio"
	KindHTTP      ServerKind = "http"
	KindLegacySSE ServerKind = "legacy-sse"
)

// AuthKind selects how http-based transports authenticate.
type AuthKind string

const (
	AuthNone   AuthKind = "none"
	AuthBearer AuthKind = "bearer"
)

// ServerConfig is one entry of the mcpServers file. Immutable once loaded;
// a reload replaces the whole registry.
type ServerConfig struct {
	ID   string     `json:"-"`
	Name string     `json:"-"`
	Kind ServerKind `json:"type,omitempty"`

	// Stdio fields.
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	// HTTP / legacy-SSE fields.
	URL            string   `json:"url,omitempty"`
	AuthKind       AuthKind `json:"auth,omitempty"`
	AuthSecretName string   `json:"authSecret,omitempty"`

	AutoStart bool `json:"autoStart"`
	Disabled  bool `json:"disabled,omitempty"`
}

// configFile is the on-disk document shape.
type configFile struct {
	Servers map[string]rawServer `json:"mcpServers"`
}

// rawServer exists so that absent autoStart defaults to true.
type rawServer struct {
	Type       string            `json:"type"`
	Command    string            `json:"command"`
	Args       []string          `json:"args"`
	Cwd        string            `json:"cwd"`
	Env        map[string]string `json:"env"`
	URL        string            `json:"url"`
	Auth       string            `json:"auth"`
	AuthSecret string            `json:"authSecret"`
	AutoStart  *bool             `json:"autoStart"`
	Disabled   bool              `json:"disabled"`
}

// ServerID derives the stable identifier for a logical server name. Hashing
// the name keeps ids stable across config reloads and entry reordering.
func ServerID(name string) string {
	sum := md5.Sum([]byte(name))
	return hex.EncodeToString(sum[:])
}

// DefaultConfigPath returns the well-known location of the mcpServers file.
func DefaultConfigPath() (string, error) {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "parlor", "mcp.json"), nil
}

// LoadConfig reads the mcpServers file at path. The file is the read-only
// source of truth: users edit it externally and this loader never writes it.
// A missing file yields an empty registry. Entries that fail validation are
// skipped; the error slice reports them without failing the load.
func LoadConfig(path string) ([]ServerConfig, []error, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, err
	}

	var doc configFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", path, err)
	}

	names := make([]string, 0, len(doc.Servers))
	for name := range doc.Servers {
		names = append(names, name)
	}
	sort.Strings(names)

	var servers []ServerConfig
	var skipped []error
	for _, name := range names {
		cfg, err := buildServerConfig(name, doc.Servers[name])
		if err != nil {
			skipped = append(skipped, fmt.Errorf("server %q: %w", name, err))
			continue
		}
		servers = append(servers, cfg)
	}
	return servers, skipped, nil
}

func buildServerConfig(name string, raw rawServer) (ServerConfig, error) {
	cfg := ServerConfig{
		ID:             ServerID(name),
		Name:           name,
		Command:        raw.Command,
		Args:           raw.Args,
		Cwd:            raw.Cwd,
		Env:            raw.Env,
		URL:            raw.URL,
		AuthSecretName: raw.AuthSecret,
		AutoStart:      true,
		Disabled:       raw.Disabled,
	}
	if raw.AutoStart != nil {
		cfg.AutoStart = *raw.AutoStart
	}

	switch raw.Type {
	case "stdio", "":
		if raw.Type == "" && raw.URL != "" {
			cfg.Kind = KindHTTP
		} else {
			cfg.Kind = KindStdio
		}
	case "http", "streamable-http":
		cfg.Kind = KindHTTP
	case "sse", "legacy-sse":
		cfg.Kind = KindLegacySSE
	default:
		return cfg, fmt.Errorf("unknown transport type %q", raw.Type)
	}

	switch raw.Auth {
	case "", "none":
		cfg.AuthKind = AuthNone
	case "bearer":
		cfg.AuthKind = AuthBearer
	default:
		return cfg, fmt.Errorf("unknown auth kind %q", raw.Auth)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks kind-specific required fields.
func (c *ServerConfig) Validate() error {
	switch c.Kind {
	case KindStdio:
		if c.Command == "" {
			return fmt.Errorf("stdio transport requires command")
		}
		if c.URL != "" {
			return fmt.Errorf("cannot specify both url and command")
		}
	case KindHTTP, KindLegacySSE:
		if c.URL == "" {
			return fmt.Errorf("%s transport requires url", c.Kind)
		}
		if c.Command != "" {
			return fmt.Errorf("cannot specify both url and command")
		}
		if c.AuthKind == AuthBearer && c.AuthSecretName == "" {
			return fmt.Errorf("bearer auth requires authSecret")
		}
	default:
		return fmt.Errorf("unknown kind %q", c.Kind)
	}
	return nil
}
