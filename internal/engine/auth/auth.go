// Package auth implements the login gate: a fixed-secret check with
// per-identity failure counting and a timed lockout.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"taskdeck/internal/config"
	"taskdeck/internal/domain"
	"taskdeck/internal/events"
	"taskdeck/internal/repo"
)

const (
	DefaultMaxAttempts  = 3
	DefaultLockDuration = 60 * time.Second
	DefaultLatency      = 800 * time.Millisecond
)

// Options configures a Gate. Zero values fall back to the Default* constants,
// except Latency which is used as given.
type Options struct {
	Secret       string
	SecretHash   string
	MaxAttempts  int
	LockDuration time.Duration
	Latency      time.Duration
	Now          func() time.Time
	Sleep        func(context.Context, time.Duration)
	Events       events.Writer
	Logger       *log.Logger
}

// OptionsFromConfig maps the auth and latency sections of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	if cfg == nil {
		cfg = config.Default()
	}
	return Options{
		Secret:       cfg.Auth.Password,
		SecretHash:   cfg.Auth.PasswordBcrypt,
		MaxAttempts:  cfg.Auth.MaxAttempts,
		LockDuration: cfg.Auth.LockDuration,
		Latency:      cfg.Latency.Login,
	}
}

// LoginResult is the outcome of a login. Failures are reported here, never as errors.
type LoginResult struct {
	Success           bool         `json:"success"`
	Message           string       `json:"message"`
	Locked            bool         `json:"locked,omitempty"`
	RemainingAttempts int          `json:"remaining_attempts,omitempty"`
	RetryAfterSeconds int          `json:"retry_after_seconds,omitempty"`
	User              *domain.User `json:"user,omitempty"`
}

// Gate owns the login-attempt records and the current session user.
type Gate struct {
	repo repo.Repo
	opts Options

	mu       sync.Mutex
	attempts map[string]*domain.LoginAttempt
	current  *domain.User
	nextSub  int
	subs     map[int]func(*domain.User)
}

// New builds a gate and restores the session user persisted by a previous run.
func New(ctx context.Context, r repo.Repo, opts Options) (*Gate, error) {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.LockDuration <= 0 {
		opts.LockDuration = DefaultLockDuration
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleep
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	g := &Gate{
		repo:     r,
		opts:     opts,
		attempts: make(map[string]*domain.LoginAttempt),
		subs:     make(map[int]func(*domain.User)),
	}
	if err := g.Restore(ctx); err != nil {
		return nil, err
	}
	return g, nil
}

// Restore reloads the current user from the session store. A corrupt entry is
// logged and treated as logged out.
func (g *Gate) Restore(ctx context.Context) error {
	u, err := g.repo.GetCurrentUser(ctx)
	if err != nil {
		if errors.Is(err, repo.ErrCorrupt) {
			g.opts.Logger.Printf("[auth] ignoring stored session: %v", err)
			u = nil
		} else {
			return fmt.Errorf("restore session: %w", err)
		}
	}
	g.publish(u)
	return nil
}

func (g *Gate) record(identity string) *domain.LoginAttempt {
	a, ok := g.attempts[identity]
	if !ok {
		a = &domain.LoginAttempt{Email: identity}
		g.attempts[identity] = a
	}
	return a
}

// Login checks secret for identity. A locked identity is rejected at once;
// otherwise the result is returned after the configured latency.
func (g *Gate) Login(ctx context.Context, identity, secret string) LoginResult {
	if res, locked := g.checkLock(identity); locked {
		g.appendEvent(ctx, "auth.rejected", identity, events.EventPayload{"retry_after_seconds": res.RetryAfterSeconds})
		return res
	}

	g.opts.Sleep(ctx, g.opts.Latency)

	if g.matches(secret) {
		return g.succeed(ctx, identity)
	}
	return g.fail(ctx, identity)
}

func (g *Gate) checkLock(identity string) (LoginResult, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	a := g.record(identity)
	now := g.opts.Now()
	if a.LockedUntil == nil || !now.Before(*a.LockedUntil) {
		return LoginResult{}, false
	}
	secs := ceilSeconds(a.LockedUntil.Sub(now))
	return LoginResult{
		Message:           fmt.Sprintf("Account is locked. Please try again in %d seconds.", secs),
		Locked:            true,
		RetryAfterSeconds: secs,
	}, true
}

func (g *Gate) matches(secret string) bool {
	if g.opts.SecretHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(g.opts.SecretHash), []byte(secret)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(g.opts.Secret)) == 1
}

func (g *Gate) succeed(ctx context.Context, identity string) LoginResult {
	user := domain.User{Email: identity, IsAuthenticated: true}
	if err := g.repo.SaveCurrentUser(ctx, user); err != nil {
		g.opts.Logger.Printf("[auth] persist session for %s: %v", identity, err)
		return LoginResult{Message: "Login failed. Please try again."}
	}
	g.mu.Lock()
	g.attempts[identity] = &domain.LoginAttempt{Email: identity, LastAttemptTime: g.opts.Now()}
	g.mu.Unlock()
	g.publish(&user)
	g.appendEvent(ctx, "auth.login", identity, nil)
	return LoginResult{Success: true, Message: "Login successful", User: &user}
}

func (g *Gate) fail(ctx context.Context, identity string) LoginResult {
	g.mu.Lock()
	a := g.record(identity)
	now := g.opts.Now()
	a.IncorrectAttempts++
	a.LastAttemptTime = now
	count := a.IncorrectAttempts
	if count >= g.opts.MaxAttempts {
		until := now.Add(g.opts.LockDuration)
		a.LockedUntil = &until
	}
	g.mu.Unlock()

	if count >= g.opts.MaxAttempts {
		secs := ceilSeconds(g.opts.LockDuration)
		g.appendEvent(ctx, "auth.locked", identity, events.EventPayload{"attempts": count, "lock_seconds": secs})
		return LoginResult{
			Message:           fmt.Sprintf("Too many failed attempts. Account locked for %d seconds.", secs),
			Locked:            true,
			RetryAfterSeconds: secs,
		}
	}
	remaining := g.opts.MaxAttempts - count
	g.appendEvent(ctx, "auth.failed", identity, events.EventPayload{"attempts": count})
	return LoginResult{
		Message:           fmt.Sprintf("Invalid credentials. %d attempts remaining.", remaining),
		RemainingAttempts: remaining,
	}
}

// Logout clears the persisted session and publishes nil. Logging out twice is harmless.
func (g *Gate) Logout(ctx context.Context) error {
	prev := g.CurrentUser()
	if err := g.repo.ClearCurrentUser(ctx); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	g.publish(nil)
	if prev != nil {
		g.appendEvent(ctx, "auth.logout", prev.Email, nil)
	}
	return nil
}

func (g *Gate) IsLoggedIn() bool {
	return g.CurrentUser() != nil
}

// CurrentUser returns a copy of the last published user, or nil.
func (g *Gate) CurrentUser() *domain.User {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current == nil {
		return nil
	}
	u := *g.current
	return &u
}

// Attempt returns a snapshot of identity's login-attempt record.
func (g *Gate) Attempt(identity string) (domain.LoginAttempt, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	a, ok := g.attempts[identity]
	if !ok {
		return domain.LoginAttempt{}, false
	}
	snap := *a
	if a.LockedUntil != nil {
		until := *a.LockedUntil
		snap.LockedUntil = &until
	}
	return snap, true
}

// Subscribe registers fn for current-user changes and calls it once with the
// present value. The returned func removes the subscription.
func (g *Gate) Subscribe(fn func(*domain.User)) func() {
	g.mu.Lock()
	id := g.nextSub
	g.nextSub++
	g.subs[id] = fn
	cur := g.current
	g.mu.Unlock()

	fn(cur)
	return func() {
		g.mu.Lock()
		delete(g.subs, id)
		g.mu.Unlock()
	}
}

func (g *Gate) publish(u *domain.User) {
	g.mu.Lock()
	g.current = u
	fns := make([]func(*domain.User), 0, len(g.subs))
	for _, fn := range g.subs {
		fns = append(fns, fn)
	}
	g.mu.Unlock()
	for _, fn := range fns {
		fn(u)
	}
}

func (g *Gate) appendEvent(ctx context.Context, evtType, identity string, payload events.EventPayload) {
	if err := g.opts.Events.Append(ctx, evtType, "session", identity, identity, payload); err != nil {
		g.opts.Logger.Printf("[auth] append %s event: %v", evtType, err)
	}
}

// ceilSeconds rounds d up to whole seconds after truncating it to whole milliseconds.
func ceilSeconds(d time.Duration) int {
	ms := d.Milliseconds()
	if ms <= 0 {
		return 0
	}
	return int((ms + 999) / 1000)
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
