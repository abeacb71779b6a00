package models

import "time"

// TodoStatus is a todo item's lifecycle state.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
)

// Todo is a single persistent task-list entry. At most one Todo across an
// agent's list may carry TodoInProgress at a time.
type Todo struct {
	ID        string     `json:"id"`
	Content   string     `json:"content"`
	Status    TodoStatus `json:"status"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// TodoSnapshot is the durable, versioned form of a todo list.
type TodoSnapshot struct {
	Todos     []Todo    `json:"todos"`
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CountInProgress returns how many todos currently carry TodoInProgress.
func CountInProgress(todos []Todo) int {
	n := 0
	for _, t := range todos {
		if t.Status == TodoInProgress {
			n++
		}
	}
	return n
}
