package tree

import (
	"context"
	"fmt"
	"sync"

	"github.com/collabforge/collab-backend/internal/log"
)

// Persister is the durable store for project file trees.
type Persister interface {
	LoadFileTree(ctx context.Context, projectID string) (Tree, error)
	SaveFileTree(ctx context.Context, projectID string, t Tree) error
}

// Synchronizer owns the canonical file tree per project. Writes for the same
// project are serialized: at most one persistence call is in flight at a
// time, later callers queue behind it and the last admitted write wins.
// The tree is always replaced wholesale, never merged.
type Synchronizer struct {
	store Persister

	mu       sync.Mutex
	projects map[string]*projectState
}

type projectState struct {
	// writeMu serializes Apply calls for one project
	writeMu sync.Mutex

	mu     sync.RWMutex
	cached Tree
	loaded bool
}

// NewSynchronizer creates a synchronizer over the given store.
func NewSynchronizer(store Persister) *Synchronizer {
	return &Synchronizer{
		store:    store,
		projects: make(map[string]*projectState),
	}
}

func (s *Synchronizer) state(projectID string) *projectState {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.projects[projectID]
	if !ok {
		ps = &projectState{}
		s.projects[projectID] = ps
	}
	return ps
}

// Read returns the last successfully persisted tree for the project,
// served from cache when the cache is at least as fresh as the store.
func (s *Synchronizer) Read(ctx context.Context, projectID string) (Tree, error) {
	ps := s.state(projectID)

	ps.mu.RLock()
	if ps.loaded {
		t := ps.cached.Clone()
		ps.mu.RUnlock()
		return t, nil
	}
	ps.mu.RUnlock()

	t, err := s.store.LoadFileTree(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("load file tree: %w", err)
	}
	if t == nil {
		t = Tree{}
	}

	ps.mu.Lock()
	// Another reader or writer may have populated the cache meanwhile;
	// their view is at least as fresh, keep it.
	if !ps.loaded {
		ps.cached = t.Clone()
		ps.loaded = true
	} else {
		t = ps.cached.Clone()
	}
	ps.mu.Unlock()

	return t, nil
}

// Apply persists newTree as the project's canonical tree and updates the
// cache. On persistence failure the cache is left untouched and the error
// is returned to the caller.
func (s *Synchronizer) Apply(ctx context.Context, projectID string, newTree Tree) error {
	if newTree == nil {
		newTree = Tree{}
	}
	if err := newTree.Validate(); err != nil {
		return err
	}

	ps := s.state(projectID)

	ps.writeMu.Lock()
	defer ps.writeMu.Unlock()

	if err := s.store.SaveFileTree(ctx, projectID, newTree); err != nil {
		log.Error().Err(err).Str("project", projectID).Msg("file tree persist failed")
		return fmt.Errorf("save file tree: %w", err)
	}

	ps.mu.Lock()
	ps.cached = newTree.Clone()
	ps.loaded = true
	ps.mu.Unlock()

	return nil
}

// Clear resets the project's workspace to an empty tree.
func (s *Synchronizer) Clear(ctx context.Context, projectID string) error {
	return s.Apply(ctx, projectID, Tree{})
}

// Forget drops the cached tree for a project. Used when a project is
// deleted or its tree is mutated outside the synchronizer.
func (s *Synchronizer) Forget(projectID string) {
	s.mu.Lock()
	delete(s.projects, projectID)
	s.mu.Unlock()
}
