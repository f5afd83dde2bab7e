// Package config loads Portalcrane's configuration from the process
// environment, validates the fields every other component depends on, and
// optionally layers in a static YAML bootstrap file for initial seed data.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"sigs.k8s.io/yaml"
)

// Config is the fully resolved, validated configuration for one Portalcrane
// process. It is built once at startup (see Load) and handed by reference
// to every component that needs it; nothing in the core mutates it after
// startup.
type Config struct {
	// ListenAddr is the bind address for the combined API + registry proxy
	// HTTP server, e.g. ":8443".
	ListenAddr string

	// RegistryURL is the upstream Distribution v2 registry the proxy and
	// registry client talk to, e.g. "http://127.0.0.1:5000".
	RegistryURL string
	// RegistryPushHost is the host:port used when building local push
	// destination references for staging jobs ("docker://{host}/...").
	RegistryPushHost string
	// RegistryDataRoot is the registry's on-disk storage root, used by the
	// lifecycle controller for ghost-repository purge and freed-byte
	// accounting.
	RegistryDataRoot string

	// ProxyAuthEnabled gates authorization enforcement in the reverse proxy.
	// Disabling it is only appropriate behind another trusted auth layer.
	ProxyAuthEnabled bool
	// ProxyTimeout bounds how long the reverse proxy waits on an upstream
	// response before returning 504.
	ProxyTimeout time.Duration

	// SecretKey signs and verifies HS256 bearer tokens. Required: a running
	// appliance with an empty secret key cannot authenticate anyone.
	SecretKey string
	// AccessTokenExpiry is how long issued bearer tokens remain valid.
	AccessTokenExpiry time.Duration

	// AdminUsername/AdminPassword are the fallback administrator account
	// consulted before the local user store.
	AdminUsername string
	AdminPassword string

	// DockerHubUsername/DockerHubPassword are the default --src-creds used
	// by staging pulls when a job does not supply its own.
	DockerHubUsername string
	DockerHubPassword string

	// HTTPProxy/HTTPSProxy/NoProxy/DockerPullProxy are propagated into every
	// skopeo/trivy subprocess invocation (C4).
	HTTPProxy      string
	HTTPSProxy     string
	NoProxy        string
	DockerPullProxy string

	// VulnScanEnabled/VulnScanSeverities/VulnIgnoreUnfixed/VulnScanTimeout
	// are the default vulnerability-scan policy; a pull request may override
	// VulnScanEnabled and VulnScanSeverities per job.
	VulnScanEnabled    bool
	VulnScanSeverities []string
	VulnIgnoreUnfixed  bool
	VulnScanTimeout    time.Duration
	TrivyServerURL     string

	// StagingRoot holds one OCI layout directory per staging job.
	StagingRoot string
	// DataDir holds the JSON-backed stores and the audit log.
	DataDir string

	// AuditMaxEvents bounds the in-memory audit ring.
	AuditMaxEvents int

	// SupervisorRPCURL is the XML-RPC endpoint used to stop/start the
	// registry process around garbage collection (C3).
	SupervisorRPCURL string

	// BootstrapFile, if set, is a YAML file read once at startup to seed
	// initial folders when the folder store is empty.
	BootstrapFile string
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(secs) * time.Second
}

func envInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envList(key string, def []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Load builds a Config from the process environment and validates the
// fields the core cannot run without. It returns a descriptive error rather
// than panicking so the CLI entrypoint can report a clean failure.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:         envOr("LISTEN_ADDR", ":8443"),
		RegistryURL:        envOr("REGISTRY_URL", "http://127.0.0.1:5000"),
		RegistryPushHost:   envOr("REGISTRY_PUSH_HOST", "127.0.0.1:5000"),
		RegistryDataRoot:   envOr("REGISTRY_DATA_ROOT", "/var/lib/registry"),
		ProxyAuthEnabled:   envBool("REGISTRY_PROXY_AUTH_ENABLED", true),
		ProxyTimeout:       envDuration("PROXY_TIMEOUT", 300*time.Second),
		SecretKey:          os.Getenv("SECRET_KEY"),
		AccessTokenExpiry:  time.Duration(envInt("ACCESS_TOKEN_EXPIRE_MINUTES", 480)) * time.Minute,
		AdminUsername:      envOr("ADMIN_USERNAME", "admin"),
		AdminPassword:      os.Getenv("ADMIN_PASSWORD"),
		DockerHubUsername:  os.Getenv("DOCKERHUB_USERNAME"),
		DockerHubPassword:  os.Getenv("DOCKERHUB_PASSWORD"),
		HTTPProxy:          os.Getenv("HTTP_PROXY"),
		HTTPSProxy:         os.Getenv("HTTPS_PROXY"),
		NoProxy:            os.Getenv("NO_PROXY"),
		DockerPullProxy:    os.Getenv("DOCKER_PULL_PROXY"),
		VulnScanEnabled:    envBool("VULN_SCAN_ENABLED", true),
		VulnScanSeverities: envList("VULN_SCAN_SEVERITIES", []string{"CRITICAL", "HIGH"}),
		VulnIgnoreUnfixed:  envBool("VULN_IGNORE_UNFIXED", false),
		VulnScanTimeout:    envDuration("VULN_SCAN_TIMEOUT", 600*time.Second),
		TrivyServerURL:     envOr("TRIVY_SERVER_URL", "http://127.0.0.1:4954"),
		StagingRoot:        envOr("STAGING_ROOT", "/var/lib/portalcrane/staging"),
		DataDir:            envOr("DATA_DIR", "/var/lib/portalcrane/data"),
		AuditMaxEvents:     envInt("AUDIT_MAX_EVENTS", 500),
		SupervisorRPCURL:   envOr("SUPERVISOR_RPC_URL", "http://127.0.0.1:9001/RPC2"),
		BootstrapFile:      os.Getenv("PORTALCRANE_BOOTSTRAP_FILE"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.SecretKey == "" {
		return fmt.Errorf("config: SECRET_KEY is required")
	}
	if c.RegistryURL == "" {
		return fmt.Errorf("config: REGISTRY_URL is required")
	}
	if c.StagingRoot == "" {
		return fmt.Errorf("config: STAGING_ROOT is required")
	}
	if c.AuditMaxEvents <= 0 {
		return fmt.Errorf("config: AUDIT_MAX_EVENTS must be positive, got %d", c.AuditMaxEvents)
	}
	return nil
}

// Bootstrap is the shape of the optional YAML seed file: a set of folders
// with their permissions, read once when the folder store is empty. It
// carries no user or admin accounts.
type Bootstrap struct {
	Folders []BootstrapFolder `json:"folders"`
}

// BootstrapFolder seeds one Folder and its permissions.
type BootstrapFolder struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Permissions []struct {
		Username string `json:"username"`
		CanPull  bool   `json:"can_pull"`
		CanPush  bool   `json:"can_push"`
	} `json:"permissions"`
}

// LoadBootstrap reads and parses the YAML bootstrap file named by
// c.BootstrapFile. It returns (nil, nil) when no file is configured.
func (c *Config) LoadBootstrap() (*Bootstrap, error) {
	if c.BootstrapFile == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(c.BootstrapFile)
	if err != nil {
		return nil, fmt.Errorf("config: reading bootstrap file: %w", err)
	}
	var b Bootstrap
	if err := yaml.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("config: parsing bootstrap file: %w", err)
	}
	return &b, nil
}
