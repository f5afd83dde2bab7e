package staging

import (
	"os"
	"path/filepath"

	"github.com/portalcrane/portalcrane/pkg/util"
)

// OrphanOCIResult describes one staging directory with no corresponding
// entry in the live job table.
type OrphanOCIResult struct {
	JobID string `json:"job_id"`
	Path  string `json:"path"`
	Bytes int64  `json:"bytes"`
}

// ListOrphans scans StagingRoot for directories whose name is not a known
// job id.
func (e *Engine) ListOrphans() ([]OrphanOCIResult, error) {
	entries, err := os.ReadDir(e.StagingRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	e.mu.RLock()
	known := make(map[string]struct{}, len(e.jobs))
	for id := range e.jobs {
		known[id] = struct{}{}
	}
	e.mu.RUnlock()

	var orphans []OrphanOCIResult
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, isKnown := known[entry.Name()]; isKnown {
			continue
		}
		dir := filepath.Join(e.StagingRoot, entry.Name())
		size, err := dirSize(dir)
		if err != nil {
			continue
		}
		orphans = append(orphans, OrphanOCIResult{JobID: entry.Name(), Path: dir, Bytes: size})
	}
	return orphans, nil
}

// PurgeOrphans removes every orphan directory. It is idempotent: calling it
// twice in a row has the same effect as calling it once, since the second
// call will simply find nothing left to remove.
func (e *Engine) PurgeOrphans() ([]string, error) {
	orphans, err := e.ListOrphans()
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, o := range orphans {
		safe, ok := util.WithinRoot(e.StagingRoot, o.Path)
		if !ok {
			continue
		}
		if err := os.RemoveAll(safe); err == nil {
			removed = append(removed, o.JobID)
		}
	}
	return removed, nil
}

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}
