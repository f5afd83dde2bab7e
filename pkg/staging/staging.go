// Package staging implements the asynchronous pull→scan→push job engine
// (C7): one goroutine per job, mutating an in-memory job table and a
// staging directory holding an OCI image layout.
package staging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/portalcrane/portalcrane/pkg/audit"
	"github.com/portalcrane/portalcrane/pkg/execrunner"
	"github.com/portalcrane/portalcrane/pkg/logger"
	"github.com/portalcrane/portalcrane/pkg/model"
	"github.com/portalcrane/portalcrane/pkg/util"
)

// Policy is the default vulnerability-scan configuration a job falls back
// to when it does not supply its own overrides.
type Policy struct {
	VulnScanEnabled   bool
	VulnSeverities    []string
	VulnIgnoreUnfixed bool
	VulnScanTimeout   time.Duration
	TrivyServerURL    string
	ProxyEnv          []string
}

// Engine owns the in-memory job table and the on-disk staging directories.
// Every field read or written outside the owning job's goroutine goes
// through mu.
type Engine struct {
	StagingRoot      string
	PushHost         string
	DockerHubUser    string
	DockerHubPass    string
	Policy           Policy
	Audit            *audit.Sink

	mu   sync.RWMutex
	jobs map[string]*model.StagingJob
}

// NewEngine builds an Engine rooted at stagingRoot, creating the directory
// if necessary.
func NewEngine(stagingRoot, pushHost string, policy Policy, auditSink *audit.Sink) (*Engine, error) {
	if err := os.MkdirAll(stagingRoot, 0o755); err != nil {
		return nil, fmt.Errorf("staging: creating staging root: %w", err)
	}
	return &Engine{
		StagingRoot: stagingRoot,
		PushHost:    pushHost,
		Policy:      policy,
		Audit:       auditSink,
		jobs:        make(map[string]*model.StagingJob),
	}, nil
}

// PullRequest is the input to Pull.
type PullRequest struct {
	Image         string
	Tag           string
	SrcUsername   string
	SrcPassword   string
	Overrides     model.JobOverrides
}

// Pull creates a new StagingJob in pending state and starts its pipeline
// goroutine. It returns immediately with the created job.
func (e *Engine) Pull(ctx context.Context, req PullRequest) (*model.StagingJob, error) {
	if req.Image == "" || req.Tag == "" {
		return nil, util.New(util.KindValidation, "image and tag are required")
	}

	now := time.Now().UTC()
	job := &model.StagingJob{
		JobID:     uuid.NewString(),
		Status:    model.JobPending,
		Image:     req.Image,
		Tag:       req.Tag,
		Overrides: req.Overrides,
		CreatedAt: now,
		UpdatedAt: now,
	}

	e.mu.Lock()
	e.jobs[job.JobID] = job
	snapshot := *job
	e.mu.Unlock()

	go e.runPullPipeline(context.Background(), job, req)

	return &snapshot, nil
}

// GetJob returns a snapshot copy of a job by id.
func (e *Engine) GetJob(jobID string) (model.StagingJob, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	j, ok := e.jobs[jobID]
	if !ok {
		return model.StagingJob{}, false
	}
	return *j, true
}

// ListJobs returns a snapshot copy of every job, ordered by creation time.
func (e *Engine) ListJobs() []model.StagingJob {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]model.StagingJob, 0, len(e.jobs))
	for _, j := range e.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out
}

// DeleteJob removes a job from the table and its staging directory.
func (e *Engine) DeleteJob(jobID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.jobs[jobID]; !ok {
		return util.New(util.KindNotFound, "job %s not found", jobID)
	}
	delete(e.jobs, jobID)
	dir := filepath.Join(e.StagingRoot, jobID)
	if _, ok := util.WithinRoot(e.StagingRoot, dir); ok {
		_ = os.RemoveAll(dir)
	}
	return nil
}

func (e *Engine) update(job *model.StagingJob, status model.JobStatus, progress int, message string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	job.Status = status
	job.Progress = progress
	job.Message = message
	job.UpdatedAt = time.Now().UTC()
}

func (e *Engine) fail(ctx context.Context, job *model.StagingJob, dir string, err error) {
	logger.Log(ctx, slog.LevelError, "staging pipeline failed", logger.Component("staging"), logger.Err(err), slog.String("job_id", job.JobID))
	e.mu.Lock()
	job.Status = model.JobFailed
	job.Error = err.Error()
	job.UpdatedAt = time.Now().UTC()
	e.mu.Unlock()
	if dir != "" {
		if safe, ok := util.WithinRoot(e.StagingRoot, dir); ok {
			_ = os.RemoveAll(safe)
		}
	}
}

func (e *Engine) effectiveVulnEnabled(job *model.StagingJob) bool {
	if job.Overrides.VulnScanEnabled != nil {
		return *job.Overrides.VulnScanEnabled
	}
	return e.Policy.VulnScanEnabled
}

func (e *Engine) effectiveSeverities(job *model.StagingJob) []string {
	if len(job.Overrides.VulnSeverities) > 0 {
		return job.Overrides.VulnSeverities
	}
	return e.Policy.VulnSeverities
}

// runPullPipeline drives a job through pending -> pulling -> (vuln_scanning)
// -> scan_clean/scan_skipped/scan_vulnerable.
func (e *Engine) runPullPipeline(ctx context.Context, job *model.StagingJob, req PullRequest) {
	dir := filepath.Join(e.StagingRoot, job.JobID)
	if _, ok := util.WithinRoot(e.StagingRoot, dir); !ok {
		e.fail(ctx, job, "", util.New(util.KindFatalInternal, "computed staging dir escapes staging root"))
		return
	}

	e.update(job, model.JobPulling, 10, "pulling image")

	srcUser, srcPass := req.SrcUsername, req.SrcPassword
	if srcUser == "" {
		srcUser, srcPass = e.DockerHubUser, e.DockerHubPass
	}

	argv := []string{"skopeo", "copy", "--override-os", "linux"}
	if srcUser != "" {
		argv = append(argv, "--src-creds", srcUser+":"+srcPass)
	}
	argv = append(argv, fmt.Sprintf("docker://%s:%s", req.Image, req.Tag), fmt.Sprintf("oci:%s:latest", dir))

	res, err := execrunner.Run(ctx, execrunner.Request{Argv: argv, Env: e.Policy.ProxyEnv})
	if err != nil {
		e.fail(ctx, job, dir, util.Wrap(util.KindUpstreamUnreachable, err, "skopeo copy failed to start"))
		return
	}
	if res.ExitCode != 0 {
		e.fail(ctx, job, dir, util.New(util.KindToolFailure, "skopeo pull failed: %s", strings.TrimSpace(res.Stderr)))
		return
	}

	e.update(job, model.JobPulling, 50, "pulled image")

	if !e.effectiveVulnEnabled(job) {
		e.update(job, model.JobScanSkipped, 100, "vulnerability scan skipped")
		return
	}

	e.update(job, model.JobVulnScanning, 85, "scanning for vulnerabilities")

	severities := e.effectiveSeverities(job)
	scanArgv := []string{"trivy", "image", "--format", "json", "--server", e.Policy.TrivyServerURL,
		"--severity", strings.Join(severities, ","), "--input", dir}
	if e.Policy.VulnIgnoreUnfixed {
		scanArgv = append(scanArgv, "--ignore-unfixed")
	}

	scanRes, err := execrunner.Run(ctx, execrunner.Request{
		Argv:     scanArgv,
		Env:      e.Policy.ProxyEnv,
		Deadline: e.Policy.VulnScanTimeout,
	})
	if err != nil {
		e.fail(ctx, job, dir, util.Wrap(util.KindUpstreamUnreachable, err, "trivy failed to start or did not finish"))
		return
	}
	if scanRes.ExitCode != 0 && scanRes.ExitCode != 1 {
		e.fail(ctx, job, dir, util.New(util.KindToolFailure, "trivy scan failed: %s", strings.TrimSpace(scanRes.Stderr)))
		return
	}

	result, err := parseTrivyOutput([]byte(scanRes.Stdout), severities)
	if err != nil {
		e.fail(ctx, job, dir, fmt.Errorf("staging: parsing trivy output: %w", err))
		return
	}

	e.mu.Lock()
	job.VulnResult = result
	e.mu.Unlock()

	if result.Blocked {
		e.update(job, model.JobScanVulnerable, 100, "blocked by vulnerability policy")
		return
	}
	e.update(job, model.JobScanClean, 100, "scan clean")
}

// PushRequest is the input to Push.
type PushRequest struct {
	JobID          string
	TargetImage    string
	TargetTag      string
	Folder         string
	ExternalHost   string
	ExternalUser   string
	ExternalPass   string
}

// Push copies a job's staged OCI layout to the local registry or an
// external one.
func (e *Engine) Push(ctx context.Context, req PushRequest) error {
	e.mu.RLock()
	job, ok := e.jobs[req.JobID]
	e.mu.RUnlock()
	if !ok {
		return util.New(util.KindNotFound, "job %s not found", req.JobID)
	}

	e.mu.RLock()
	status := job.Status
	e.mu.RUnlock()
	if !status.Pushable() {
		return util.New(util.KindValidation, "job %s is in state %s and cannot be pushed", req.JobID, status)
	}

	folder, err := util.ValidateFolderPath(req.Folder)
	if err != nil {
		return err
	}

	dir := filepath.Join(e.StagingRoot, req.JobID)
	if _, ok := util.WithinRoot(e.StagingRoot, dir); !ok {
		return util.New(util.KindFatalInternal, "computed staging dir escapes staging root")
	}
	if _, statErr := os.Stat(dir); statErr != nil {
		return util.New(util.KindNotFound, "OCI directory not found for job %s", req.JobID)
	}

	image := req.TargetImage
	if image == "" {
		image = job.Image
	}
	tag := req.TargetTag
	if tag == "" {
		tag = job.Tag
	}

	host := e.PushHost
	argv := []string{"skopeo", "copy"}
	if req.ExternalHost != "" {
		host = req.ExternalHost
		if req.ExternalUser != "" {
			argv = append(argv, "--dest-creds", req.ExternalUser+":"+req.ExternalPass)
		}
	} else {
		argv = append(argv, "--dest-tls-verify=false")
	}

	dest := host + "/"
	if folder != "" {
		dest += folder + "/"
	}
	dest += fmt.Sprintf("%s:%s", image, tag)

	argv = append(argv, fmt.Sprintf("oci:%s:latest", dir), "docker://"+dest)

	e.update(job, model.JobPushing, job.Progress, "pushing image")

	res, err := execrunner.Run(ctx, execrunner.Request{Argv: argv, Env: e.Policy.ProxyEnv})
	if err != nil {
		e.mu.Lock()
		job.Status = model.JobFailed
		job.Error = err.Error()
		e.mu.Unlock()
		return util.Wrap(util.KindUpstreamUnreachable, err, "skopeo push failed to start")
	}
	if res.ExitCode != 0 {
		e.mu.Lock()
		job.Status = model.JobFailed
		job.Error = strings.TrimSpace(res.Stderr)
		e.mu.Unlock()
		return util.New(util.KindToolFailure, "skopeo push failed: %s", strings.TrimSpace(res.Stderr))
	}

	e.mu.Lock()
	job.Status = model.JobDone
	job.TargetImage = image
	job.TargetTag = tag
	job.Progress = 100
	job.Message = "done"
	job.UpdatedAt = time.Now().UTC()
	e.mu.Unlock()
	return nil
}
