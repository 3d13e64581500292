package server

import (
	"time"

	"taskdeck/internal/domain"
	"taskdeck/internal/engine/auth"
)

// Request payloads

type LoginRequest struct {
	Email    string `json:"email,omitempty" doc:"Login identity"`
	Password string `json:"password,omitempty" doc:"Shared demonstration secret"`
}

type CreateTaskRequest struct {
	Title       string `json:"title,omitempty" doc:"At most 100 characters"`
	Description string `json:"description,omitempty" doc:"At most 250 characters"`
}

type UpdateTaskRequest struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Status      *string `json:"status,omitempty" doc:"pending or completed; completed tasks cannot return to pending"`
}

// Response payloads

type TaskResponse struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      string `json:"status" enum:"pending,completed"`
	CreatedAt   string `json:"createdAt" format:"date-time"`
	UpdatedAt   string `json:"updatedAt" format:"date-time"`
}

type taskList struct {
	Items []TaskResponse `json:"items"`
}

type UserResponse struct {
	Email           string `json:"email"`
	IsAuthenticated bool   `json:"isAuthenticated"`
}

type LoginResponse struct {
	Message   string       `json:"message"`
	Token     string       `json:"token"`
	ExpiresAt string       `json:"expires_at,omitempty" format:"date-time"`
	User      UserResponse `json:"user"`
}

type DeleteResponse struct {
	Deleted bool `json:"deleted"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type eventList struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:          t.ID,
		Title:       t.Title,
		Description: t.Description,
		Status:      t.Status,
		CreatedAt:   t.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:   t.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func mapTasks(items []domain.Task) []TaskResponse {
	res := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		res = append(res, taskResponse(t))
	}
	return res
}

func userResponse(u *domain.User) UserResponse {
	if u == nil {
		return UserResponse{}
	}
	return UserResponse{Email: u.Email, IsAuthenticated: u.IsAuthenticated}
}

func loginResponse(res auth.LoginResult, token string, expires time.Time) LoginResponse {
	out := LoginResponse{
		Message: res.Message,
		Token:   token,
		User:    userResponse(res.User),
	}
	if !expires.IsZero() {
		out.ExpiresAt = expires.UTC().Format(time.RFC3339)
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    e.Payload,
	}
}
