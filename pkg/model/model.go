// Package model defines the data types shared across Portalcrane's core
// components: principals, folders, staging and sync jobs, external
// registries, audit events and the garbage-collection state.
package model

import (
	"strings"
	"time"
)

// Principal is the authenticated identity behind an incoming request.
// It is derived per-request from Basic or Bearer credentials and is
// never persisted.
type Principal struct {
	Username      string
	IsAdmin       bool
	CanPullGlobal bool
	CanPushGlobal bool
}

// FolderPermission grants or denies a single user pull/push rights on a Folder.
type FolderPermission struct {
	Username string `json:"username"`
	CanPull  bool   `json:"can_pull"`
	CanPush  bool   `json:"can_push"`
}

// Folder is a registry-path prefix (one lowercase path segment) carrying a
// per-user ACL. It is the primary authorization scope for non-admin users.
type Folder struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Description string             `json:"description"`
	CreatedAt   time.Time          `json:"created_at"`
	Permissions []FolderPermission `json:"permissions"`
}

// PermissionFor returns the permission entry for username, if any.
func (f *Folder) PermissionFor(username string) (FolderPermission, bool) {
	for _, p := range f.Permissions {
		if p.Username == username {
			return p, true
		}
	}
	return FolderPermission{}, false
}

// JobStatus is the closed set of states a StagingJob can occupy.
type JobStatus string

const (
	JobPending        JobStatus = "pending"
	JobPulling        JobStatus = "pulling"
	JobVulnScanning   JobStatus = "vuln_scanning"
	JobScanSkipped    JobStatus = "scan_skipped"
	JobScanClean      JobStatus = "scan_clean"
	JobScanVulnerable JobStatus = "scan_vulnerable"
	JobPushing        JobStatus = "pushing"
	JobDone           JobStatus = "done"
	JobFailed         JobStatus = "failed"
)

// Terminal reports whether status has no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobDone, JobFailed, JobScanVulnerable:
		return true
	default:
		return false
	}
}

// Pushable reports whether a job in this state may accept a push request.
func (s JobStatus) Pushable() bool {
	switch s {
	case JobScanClean, JobScanSkipped, JobDone:
		return true
	default:
		return false
	}
}

// SeverityCounts tallies findings per trivy severity bucket.
type SeverityCounts struct {
	Critical int `json:"CRITICAL"`
	High     int `json:"HIGH"`
	Medium   int `json:"MEDIUM"`
	Low      int `json:"LOW"`
	Unknown  int `json:"UNKNOWN"`
}

// Get returns the count for a severity name, case-insensitively.
func (c SeverityCounts) Get(severity string) int {
	switch strings.ToUpper(severity) {
	case "CRITICAL":
		return c.Critical
	case "HIGH":
		return c.High
	case "MEDIUM":
		return c.Medium
	case "LOW":
		return c.Low
	default:
		return c.Unknown
	}
}

// Vulnerability is a single trivy finding, trimmed to the fields the UI needs.
type Vulnerability struct {
	VulnerabilityID  string `json:"vulnerability_id"`
	PkgName          string `json:"pkg_name"`
	InstalledVersion string `json:"installed_version"`
	FixedVersion     string `json:"fixed_version"`
	Severity         string `json:"severity"`
	Title            string `json:"title"`
}

// ScanResult is the parsed outcome of a trivy invocation against an OCI layout.
type ScanResult struct {
	Counts          SeverityCounts  `json:"counts"`
	Vulnerabilities []Vulnerability `json:"vulnerabilities"`
	Blocked         bool            `json:"blocked"`
}

// JobOverrides lets a pull request tune the default scan policy.
type JobOverrides struct {
	VulnScanEnabled *bool    `json:"vuln_scan_enabled,omitempty"`
	VulnSeverities  []string `json:"vuln_severities,omitempty"`
}

// StagingJob is one pull→scan→push pipeline run, identified by a UUIDv4.
type StagingJob struct {
	JobID       string      `json:"job_id"`
	Status      JobStatus   `json:"status"`
	Image       string      `json:"image"`
	Tag         string      `json:"tag"`
	Progress    int         `json:"progress"`
	Message     string      `json:"message"`
	VulnResult  *ScanResult `json:"vuln_result,omitempty"`
	TargetImage string      `json:"target_image,omitempty"`
	TargetTag   string      `json:"target_tag,omitempty"`
	Error       string      `json:"error,omitempty"`
	Overrides   JobOverrides `json:"overrides"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// SyncStatus is the closed set of states a SyncJob can occupy.
type SyncStatus string

const (
	SyncRunning SyncStatus = "running"
	SyncDone    SyncStatus = "done"
	SyncPartial SyncStatus = "partial"
	SyncError   SyncStatus = "error"
)

// SyncSource is either a single "repo:tag" pair or the "all" sentinel that
// replicates the entire local catalog.
type SyncSource struct {
	All  bool
	Repo string
	Tag  string
}

// SyncJob tracks one replication run from the local registry to a destination.
type SyncJob struct {
	ID             string     `json:"id"`
	SourceSpec     string     `json:"source_spec"`
	DestRegistryID string     `json:"dest_registry_id"`
	DestFolder     string     `json:"dest_folder"`
	Status         SyncStatus `json:"status"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	ImagesTotal    int        `json:"images_total"`
	ImagesDone     int        `json:"images_done"`
	Progress       int        `json:"progress"`
	Error          string     `json:"error,omitempty"`
	Message        string     `json:"message,omitempty"`
}

// ExternalRegistry is a remote registry Portalcrane can push staging jobs to
// or replicate the catalog into.
type ExternalRegistry struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Host      string    `json:"host"`
	Username  string    `json:"username,omitempty"`
	Password  string    `json:"password,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Redacted returns a copy with Password masked for responses leaving the process.
func (r ExternalRegistry) Redacted() ExternalRegistry {
	if r.Password != "" {
		r.Password = "••••••••"
	}
	return r
}

// AuditEvent is one append-only audit log line.
type AuditEvent struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Path      string    `json:"path,omitempty"`
	Method    string    `json:"method,omitempty"`
	HTTPStatus int      `json:"http_status"`
	Bytes     int64     `json:"bytes"`
	ElapsedS  float64   `json:"elapsed_s"`
	ClientIP  string    `json:"client_ip,omitempty"`
	Username  string    `json:"username,omitempty"`
}

// GCStatus is the closed set of states the lifecycle controller's GC run can occupy.
type GCStatus string

const (
	GCIdle    GCStatus = "idle"
	GCRunning GCStatus = "running"
	GCDone    GCStatus = "done"
	GCFailed  GCStatus = "failed"
)

// GCState is the process-wide singleton tracking the most recent GC run.
type GCState struct {
	Status      GCStatus   `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Output      string     `json:"output,omitempty"`
	FreedBytes  int64      `json:"freed_bytes"`
	Error       string     `json:"error,omitempty"`
}

// LocalUser is a Portalcrane-managed account, persisted in local_users.json.
type LocalUser struct {
	ID              string    `json:"id"`
	Username        string    `json:"username"`
	PasswordHash    string    `json:"password_hash"`
	IsAdmin         bool      `json:"is_admin"`
	CanPullImages   bool      `json:"can_pull_images"`
	CanPushImages   bool      `json:"can_push_images"`
	CreatedAt       time.Time `json:"created_at"`
}
