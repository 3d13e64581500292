package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"taskdeck/internal/domain"
	"taskdeck/internal/kv"
)

// Keys of the persisted layout.
const (
	TasksKey       = "tasks"
	CurrentUserKey = "currentUser"
)

var (
	ErrNotFound = errors.New("not found")
	ErrCorrupt  = errors.New("stored data is corrupt")
)

// Repo reads and writes the task collection and session user as JSON blobs in a kv.Store.
type Repo struct {
	KV kv.Store
}

// TasksInitialized reports whether the tasks key has ever been written.
func (r Repo) TasksInitialized(ctx context.Context) (bool, error) {
	_, ok, err := r.KV.Get(ctx, TasksKey)
	return ok, err
}

// LoadTasks returns the persisted collection in insertion order. An absent key yields an empty slice.
func (r Repo) LoadTasks(ctx context.Context) ([]domain.Task, error) {
	raw, ok, err := r.KV.Get(ctx, TasksKey)
	if err != nil {
		return nil, err
	}
	if !ok || raw == "" {
		return []domain.Task{}, nil
	}
	var tasks []domain.Task
	if err := json.Unmarshal([]byte(raw), &tasks); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, TasksKey, err)
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	return tasks, nil
}

func (r Repo) SaveTasks(ctx context.Context, tasks []domain.Task) error {
	if tasks == nil {
		tasks = []domain.Task{}
	}
	b, err := json.Marshal(tasks)
	if err != nil {
		return err
	}
	return r.KV.Set(ctx, TasksKey, string(b))
}

// FindTask returns the index of id in tasks, or -1.
func FindTask(tasks []domain.Task, id string) int {
	for i, t := range tasks {
		if t.ID == id {
			return i
		}
	}
	return -1
}

// GetCurrentUser returns the persisted session user, or nil when logged out.
func (r Repo) GetCurrentUser(ctx context.Context) (*domain.User, error) {
	raw, ok, err := r.KV.Get(ctx, CurrentUserKey)
	if err != nil {
		return nil, err
	}
	if !ok || raw == "" {
		return nil, nil
	}
	var u domain.User
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, CurrentUserKey, err)
	}
	return &u, nil
}

func (r Repo) SaveCurrentUser(ctx context.Context, u domain.User) error {
	b, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return r.KV.Set(ctx, CurrentUserKey, string(b))
}

func (r Repo) ClearCurrentUser(ctx context.Context) error {
	return r.KV.Delete(ctx, CurrentUserKey)
}
