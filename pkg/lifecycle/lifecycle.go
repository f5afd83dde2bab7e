// Package lifecycle implements the registry lifecycle controller (C9):
// garbage-collection orchestration (stop/run/restart with ghost-pattern
// retry) and ghost-repository listing/purge.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/portalcrane/portalcrane/pkg/execrunner"
	"github.com/portalcrane/portalcrane/pkg/logger"
	"github.com/portalcrane/portalcrane/pkg/model"
	"github.com/portalcrane/portalcrane/pkg/registry"
	"github.com/portalcrane/portalcrane/pkg/supervisor"
	"github.com/portalcrane/portalcrane/pkg/util"
)

const registryProcessName = "registry"

var ghostPathPattern = regexp.MustCompile(`Path not found: (/docker/registry/v2/repositories/(\S+)/_layers)`)

// Controller orchestrates garbage collection and ghost-repository cleanup
// directly against the registry's backing filesystem.
type Controller struct {
	DataRoot      string
	ConfigPath    string
	RegistryBin   string
	Supervisor    *supervisor.Client
	Local         *registry.Client

	mu    sync.Mutex
	state model.GCState
}

// New builds a Controller with an initial idle GCState.
func New(dataRoot, configPath, registryBin string, sv *supervisor.Client, local *registry.Client) *Controller {
	return &Controller{
		DataRoot:    dataRoot,
		ConfigPath:  configPath,
		RegistryBin: registryBin,
		Supervisor:  sv,
		Local:       local,
		state:       model.GCState{Status: model.GCIdle},
	}
}

// State returns a snapshot of the current GC state.
func (c *Controller) State() model.GCState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RunGC runs a garbage-collection pass synchronously, serialized by the
// controller's exclusive lock. A concurrent call while one is already
// running returns a conflict error immediately.
func (c *Controller) RunGC(ctx context.Context) error {
	c.mu.Lock()
	if c.state.Status == model.GCRunning {
		c.mu.Unlock()
		return util.New(util.KindConflict, "garbage collection already running")
	}
	started := time.Now().UTC()
	c.state = model.GCState{Status: model.GCRunning, StartedAt: &started}
	c.mu.Unlock()

	sizeBefore, _ := dirSize(c.DataRoot)

	dryRun := util.IsDryRunOn()

	var finalErr error
	if !dryRun {
		if err := c.Supervisor.StopProcess(ctx, registryProcessName); err != nil {
			logger.Log(ctx, slog.LevelWarn, "failed to stop registry before GC", logger.Component("lifecycle"), logger.Err(err))
		}
		time.Sleep(2 * time.Second)

		output, err := c.runGCBinary(ctx)
		if err != nil {
			if retried, retryErr := c.retryAfterGhostCleanup(ctx, output); retried {
				finalErr = retryErr
			} else {
				finalErr = err
			}
		}

		if restartErr := c.Supervisor.StartProcess(ctx, registryProcessName); restartErr != nil {
			logger.Log(ctx, slog.LevelError, "failed to restart registry after GC", logger.Component("lifecycle"), logger.Err(restartErr))
			if finalErr == nil {
				finalErr = restartErr
			}
		}
	}

	sizeAfter, _ := dirSize(c.DataRoot)
	freed := sizeBefore - sizeAfter
	if freed < 0 {
		freed = 0
	}

	c.mu.Lock()
	finished := time.Now().UTC()
	c.state.FinishedAt = &finished
	c.state.FreedBytes = freed
	if finalErr != nil {
		c.state.Status = model.GCFailed
		c.state.Error = finalErr.Error()
	} else {
		c.state.Status = model.GCDone
	}
	c.mu.Unlock()

	return finalErr
}

func (c *Controller) runGCBinary(ctx context.Context) (execrunner.Result, error) {
	res, err := execrunner.Run(ctx, execrunner.Request{
		Argv: []string{c.RegistryBin, "garbage-collect", "--delete-untagged=true", c.ConfigPath},
	})
	if err != nil {
		return res, util.Wrap(util.KindUpstreamUnreachable, err, "registry GC binary failed to start")
	}
	c.mu.Lock()
	c.state.Output = res.Stdout + res.Stderr
	c.mu.Unlock()
	if res.ExitCode != 0 {
		return res, util.New(util.KindToolFailure, "registry GC failed: %s", res.Stderr)
	}
	return res, nil
}

// retryAfterGhostCleanup scans GC output for the ghost-repository error
// pattern, removes each matched repository directory, and retries GC once.
// ok reports whether a retry was attempted at all.
func (c *Controller) retryAfterGhostCleanup(ctx context.Context, res execrunner.Result) (ok bool, err error) {
	combined := res.Stdout + res.Stderr
	matches := ghostPathPattern.FindAllStringSubmatch(combined, -1)
	if len(matches) == 0 {
		return false, nil
	}

	for _, m := range matches {
		repoPath := m[2]
		target := filepath.Join(c.DataRoot, "docker", "registry", "v2", "repositories", repoPath)
		safe, within := util.WithinRoot(filepath.Join(c.DataRoot, "docker", "registry", "v2", "repositories"), target)
		if !within {
			logger.Log(ctx, slog.LevelError, "refusing to remove ghost path outside repositories root", logger.Component("lifecycle"), slog.String("path", target))
			continue
		}
		if err := os.RemoveAll(safe); err != nil {
			logger.Log(ctx, slog.LevelWarn, "failed to remove ghost repository", logger.Component("lifecycle"), logger.Err(err), slog.String("path", safe))
		}
	}

	_, retryErr := c.runGCBinary(ctx)
	return true, retryErr
}

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}

// GhostRepository is a catalog entry with zero tags.
type GhostRepository struct {
	Name string `json:"name"`
}

// ListGhostRepositories concurrently lists tags for every catalog entry and
// returns those with an empty tag list.
func (c *Controller) ListGhostRepositories(ctx context.Context) ([]GhostRepository, error) {
	all, err := c.Local.ListRepositories(ctx, true)
	if err != nil {
		return nil, err
	}

	const fanout = 8
	sem := make(chan struct{}, fanout)
	type result struct {
		repo  string
		empty bool
	}
	results := make(chan result, len(all))
	var wg sync.WaitGroup
	for _, repo := range all {
		wg.Add(1)
		go func(repo string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			tags, err := c.Local.ListTags(ctx, repo)
			results <- result{repo: repo, empty: err == nil && len(tags) == 0}
		}(repo)
	}
	go func() { wg.Wait(); close(results) }()

	var ghosts []GhostRepository
	for r := range results {
		if r.empty {
			ghosts = append(ghosts, GhostRepository{Name: r.repo})
		}
	}
	return ghosts, nil
}

// PurgeGhostRepository removes a ghost repository's on-disk directory, with
// a path-containment check: anything outside the repositories root is a
// security violation and is refused rather than attempted.
func (c *Controller) PurgeGhostRepository(name string) error {
	reposRoot := filepath.Join(c.DataRoot, "docker", "registry", "v2", "repositories")
	target := filepath.Join(reposRoot, name)
	safe, ok := util.WithinRoot(reposRoot, target)
	if !ok {
		return util.New(util.KindFatalInternal, "ghost repository path %q escapes repositories root", name)
	}
	if err := os.RemoveAll(safe); err != nil {
		return fmt.Errorf("lifecycle: purging %s: %w", safe, err)
	}
	return nil
}
