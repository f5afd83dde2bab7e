// Package replicate implements the replication engine (C8): it builds a
// source/destination plan from the local catalog (or a single repo:tag) and
// copies each pair to a destination registry via skopeo.
package replicate

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver"
	"github.com/google/uuid"

	"github.com/portalcrane/portalcrane/pkg/execrunner"
	"github.com/portalcrane/portalcrane/pkg/model"
	"github.com/portalcrane/portalcrane/pkg/registry"
	"github.com/portalcrane/portalcrane/pkg/util"
)

// maxReportedErrors bounds the per-job Error field so a large failing plan
// cannot blow up the SyncJob payload.
const maxReportedErrors = 5

// catalogFanout caps how many repositories are tag-listed concurrently when
// building an "all" plan.
const catalogFanout = 8

// Pair is one source/destination copy unit in a replication plan.
type Pair struct {
	SrcRef string
	DstRef string
}

// Engine drives replication jobs against a local registry client.
type Engine struct {
	Local    *registry.Client
	ProxyEnv []string

	mu   sync.RWMutex
	jobs map[string]*model.SyncJob
}

// NewEngine builds an Engine backed by local for catalog enumeration.
func NewEngine(local *registry.Client, proxyEnv []string) *Engine {
	return &Engine{Local: local, ProxyEnv: proxyEnv, jobs: make(map[string]*model.SyncJob)}
}

// StartRequest is the input to Start.
type StartRequest struct {
	Source         model.SyncSource
	DestHost       string
	DestUsername   string
	DestPassword   string
	DestRegistryID string
	DestFolder     string
	SrcUsername    string
	SrcPassword    string
}

// GetJob returns a snapshot copy of a sync job by id.
func (e *Engine) GetJob(id string) (model.SyncJob, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	j, ok := e.jobs[id]
	if !ok {
		return model.SyncJob{}, false
	}
	return *j, true
}

// ListJobs returns a snapshot copy of every sync job.
func (e *Engine) ListJobs() []model.SyncJob {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]model.SyncJob, 0, len(e.jobs))
	for _, j := range e.jobs {
		out = append(out, *j)
	}
	return out
}

// Start builds the replication plan and runs it on its own goroutine,
// returning the created SyncJob immediately in the "running" state.
func (e *Engine) Start(ctx context.Context, req StartRequest) (*model.SyncJob, error) {
	sourceSpec := "all"
	if !req.Source.All {
		sourceSpec = req.Source.Repo + ":" + req.Source.Tag
	}

	job := &model.SyncJob{
		ID:             uuid.NewString(),
		SourceSpec:     sourceSpec,
		DestRegistryID: req.DestRegistryID,
		DestFolder:     req.DestFolder,
		Status:         model.SyncRunning,
		StartedAt:      time.Now().UTC(),
	}

	e.mu.Lock()
	e.jobs[job.ID] = job
	e.mu.Unlock()

	go e.run(context.Background(), job, req)

	return job, nil
}

func (e *Engine) run(ctx context.Context, job *model.SyncJob, req StartRequest) {
	plan, err := e.buildPlan(ctx, req)
	if err != nil {
		e.mu.Lock()
		job.Status = model.SyncError
		job.Error = err.Error()
		now := time.Now().UTC()
		job.FinishedAt = &now
		e.mu.Unlock()
		return
	}

	e.mu.Lock()
	job.ImagesTotal = len(plan)
	e.mu.Unlock()

	var errs []string
	for _, pair := range plan {
		if err := e.copyPair(ctx, pair, req); err != nil {
			if len(errs) < maxReportedErrors {
				errs = append(errs, err.Error())
			}
		}
		e.mu.Lock()
		job.ImagesDone++
		if job.ImagesTotal > 0 {
			job.Progress = job.ImagesDone * 100 / job.ImagesTotal
		}
		e.mu.Unlock()
	}

	e.mu.Lock()
	now := time.Now().UTC()
	job.FinishedAt = &now
	job.Progress = 100
	switch {
	case len(errs) == 0:
		job.Status = model.SyncDone
	default:
		job.Status = model.SyncPartial
		job.Error = strings.Join(errs, "; ")
	}
	e.mu.Unlock()
}

// buildPlan constructs the (src, dst) pairs. For "all", the local
// catalog is enumerated (ghosts excluded) with a bounded fan-out over tag
// listing.
func (e *Engine) buildPlan(ctx context.Context, req StartRequest) ([]Pair, error) {
	if !req.Source.All {
		dst := destRef(req.DestHost, req.DestFolder, path.Base(req.Source.Repo), req.Source.Tag)
		src := fmt.Sprintf("docker://%s:%s", req.Source.Repo, req.Source.Tag)
		return []Pair{{SrcRef: src, DstRef: dst}}, nil
	}

	repos, err := e.Local.ListRepositories(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("replicate: listing catalog: %w", err)
	}

	type tagsResult struct {
		repo string
		tags []string
		err  error
	}

	sem := make(chan struct{}, catalogFanout)
	results := make(chan tagsResult, len(repos))
	var wg sync.WaitGroup
	for _, repo := range repos {
		wg.Add(1)
		go func(repo string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			tags, err := e.Local.ListTags(ctx, repo)
			results <- tagsResult{repo: repo, tags: tags, err: err}
		}(repo)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var plan []Pair
	for r := range results {
		if r.err != nil {
			continue
		}
		sortTags(r.tags)
		for _, tag := range r.tags {
			src := fmt.Sprintf("docker://%s/%s:%s", strings.TrimPrefix(strings.TrimPrefix(e.Local.BaseURL, "https://"), "http://"), r.repo, tag)
			dst := destRef(req.DestHost, req.DestFolder, path.Base(r.repo), tag)
			plan = append(plan, Pair{SrcRef: src, DstRef: dst})
		}
	}
	return plan, nil
}

// sortTags orders tags by semver when they parse as versions, falling back
// to lexical order otherwise, purely for deterministic, readable progress
// reporting.
func sortTags(tags []string) {
	sort.Slice(tags, func(i, j int) bool {
		vi, erri := semver.NewVersion(tags[i])
		vj, errj := semver.NewVersion(tags[j])
		if erri == nil && errj == nil {
			return vi.LessThan(vj)
		}
		return tags[i] < tags[j]
	})
}

func destRef(host, folder, base, tag string) string {
	dst := "docker://" + strings.TrimSuffix(host, "/") + "/"
	if folder != "" {
		dst += strings.Trim(folder, "/") + "/"
	}
	return dst + base + ":" + tag
}

func (e *Engine) copyPair(ctx context.Context, pair Pair, req StartRequest) error {
	argv := []string{"skopeo", "copy", "--src-tls-verify=false", "--dest-tls-verify=false"}
	if req.SrcUsername != "" {
		argv = append(argv, "--src-creds", req.SrcUsername+":"+req.SrcPassword)
	}
	if req.DestUsername != "" {
		argv = append(argv, "--dest-creds", req.DestUsername+":"+req.DestPassword)
	}
	argv = append(argv, pair.SrcRef, pair.DstRef)

	res, err := execrunner.Run(ctx, execrunner.Request{Argv: argv, Env: e.ProxyEnv})
	if err != nil {
		return util.Wrap(util.KindUpstreamUnreachable, err, "copying %s", pair.SrcRef)
	}
	if res.ExitCode != 0 {
		return util.New(util.KindToolFailure, "copying %s -> %s: %s", pair.SrcRef, pair.DstRef, strings.TrimSpace(res.Stderr))
	}
	return nil
}
