package agent

import (
	"fmt"
	"sync"
	"time"

	"github.com/agentrt/core/pkg/models"
)

// TodoManager owns the persistent task list, enforcing the
// at-most-one-in-progress invariant and bumping a version on every
// write so SaveTodos callers can detect conflicting concurrent writers.
type TodoManager struct {
	mu   sync.Mutex
	snap models.TodoSnapshot
}

// NewTodoManager constructs a manager, optionally seeded from a loaded
// snapshot (resume path).
func NewTodoManager(seed models.TodoSnapshot) *TodoManager {
	return &TodoManager{snap: seed}
}

// Snapshot returns the current todo list.
func (m *TodoManager) Snapshot() models.TodoSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

// SetTodos replaces the whole list, rejecting more than one
// in-progress entry. Bumps Version and UpdatedAt on success.
func (m *TodoManager) SetTodos(todos []models.Todo, now time.Time) (models.TodoSnapshot, error) {
	if models.CountInProgress(todos) > 1 {
		return models.TodoSnapshot{}, fmt.Errorf("agent: at most one todo may be in_progress")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = models.TodoSnapshot{Todos: todos, Version: m.snap.Version + 1, UpdatedAt: now}
	return m.snap, nil
}
