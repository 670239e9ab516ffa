package model

import (
	"errors"
	"fmt"
	"sync"
)

// ErrRepositoryBusy is returned when a worker tries to acquire a repository
// that another worker already holds.
var ErrRepositoryBusy = errors.New("repository is held by another worker")

// RepoState describes the one repository a daemon instance manages.
//
// HeldBy enforces mutual exclusion: at most one sync cycle may run against
// Root at a time. It is passed explicitly to whoever needs it rather than
// living in package state, so several instances can share a process.
type RepoState struct {
	Root   string
	Remote string
	Branch string

	mu     sync.Mutex
	heldBy string
}

// NewRepoState creates an unheld repository state.
func NewRepoState(root, remote, branch string) *RepoState {
	return &RepoState{Root: root, Remote: remote, Branch: branch}
}

// Acquire marks the repository as held by workerID.
func (r *RepoState) Acquire(workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.heldBy != "" {
		return fmt.Errorf("%w: %s (requested by %s)", ErrRepositoryBusy, r.heldBy, workerID)
	}
	r.heldBy = workerID
	return nil
}

// Release clears the holder if workerID currently holds the repository.
func (r *RepoState) Release(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.heldBy == workerID {
		r.heldBy = ""
	}
}

// HeldBy returns the current holder, or "" when free.
func (r *RepoState) HeldBy() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.heldBy
}
