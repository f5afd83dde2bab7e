// Package gitnote gives the lifecycle controller's garbage-collection
// reports a durable, auditable trail: when configured, each GC run appends
// a line to gc-history.md in a git-backed directory and commits it, using
// go-git directly instead of shelling out to the git binary.
package gitnote

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/portalcrane/portalcrane/pkg/model"
)

// Notebook appends GC run summaries to a git-tracked history file.
type Notebook struct {
	RepoDir  string
	FileName string
	Author   object.Signature
}

// Open opens (initializing if necessary) a git repository at repoDir for
// recording GC history notes.
func Open(repoDir string) (*Notebook, error) {
	if _, err := os.Stat(filepath.Join(repoDir, ".git")); os.IsNotExist(err) {
		if err := os.MkdirAll(repoDir, 0o755); err != nil {
			return nil, fmt.Errorf("gitnote: creating repo dir: %w", err)
		}
		if _, err := git.PlainInit(repoDir, false); err != nil {
			return nil, fmt.Errorf("gitnote: initializing repo: %w", err)
		}
	}
	return &Notebook{
		RepoDir:  repoDir,
		FileName: "gc-history.md",
		Author:   object.Signature{Name: "portalcrane", Email: "portalcrane@localhost"},
	}, nil
}

// RecordGC appends a summary line for a finished GC run and commits it.
func (n *Notebook) RecordGC(state model.GCState) error {
	repo, err := git.PlainOpen(n.RepoDir)
	if err != nil {
		return fmt.Errorf("gitnote: opening repo: %w", err)
	}

	line := fmt.Sprintf("- %s status=%s freed_bytes=%d\n", time.Now().UTC().Format(time.RFC3339), state.Status, state.FreedBytes)
	if state.Error != "" {
		line = fmt.Sprintf("- %s status=%s error=%q\n", time.Now().UTC().Format(time.RFC3339), state.Status, state.Error)
	}

	path := filepath.Join(n.RepoDir, n.FileName)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("gitnote: opening history file: %w", err)
	}
	if _, err := f.WriteString(line); err != nil {
		f.Close()
		return fmt.Errorf("gitnote: writing history line: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}

	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("gitnote: getting worktree: %w", err)
	}
	if _, err := wt.Add(n.FileName); err != nil {
		return fmt.Errorf("gitnote: staging history file: %w", err)
	}
	now := time.Now()
	if _, err := wt.Commit("record gc run", &git.CommitOptions{
		Author: &object.Signature{Name: n.Author.Name, Email: n.Author.Email, When: now},
	}); err != nil {
		return fmt.Errorf("gitnote: committing history: %w", err)
	}
	return nil
}
