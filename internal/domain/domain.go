package domain

import "time"

const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
)

type Task struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Status      string    `json:"status" enum:"pending,completed"`
	CreatedAt   time.Time `json:"createdAt" format:"date-time"`
	UpdatedAt   time.Time `json:"updatedAt" format:"date-time"`
}

// User is the authenticated session user persisted under the currentUser key.
type User struct {
	Email           string `json:"email"`
	IsAuthenticated bool   `json:"isAuthenticated"`
}

// LoginAttempt tracks failed logins for one identity. A nil LockedUntil means unlocked.
type LoginAttempt struct {
	Email             string     `json:"email"`
	IncorrectAttempts int        `json:"incorrect_attempts"`
	LastAttemptTime   time.Time  `json:"last_attempt_time"`
	LockedUntil       *time.Time `json:"locked_until,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// FilterByStatus returns the tasks with the given status, preserving order.
func FilterByStatus(tasks []Task, status string) []Task {
	res := make([]Task, 0, len(tasks))
	for _, t := range tasks {
		if t.Status == status {
			res = append(res, t)
		}
	}
	return res
}
