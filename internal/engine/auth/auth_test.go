package auth_test

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"taskdeck/internal/domain"
	"taskdeck/internal/engine/auth"
	"taskdeck/internal/kv"
	"taskdeck/internal/repo"
)

const secret = "Testpassw0rd!"

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	Gate   *auth.Gate
	Repo   repo.Repo
	Clock  *manualClock
	Slept  *[]time.Duration
	Ctx    context.Context
	Memory *kv.Memory
}

func newTestEnv(t *testing.T, mutate ...func(*auth.Options)) testEnv {
	t.Helper()
	mem := kv.NewMemory()
	return newTestEnvWithStore(t, mem, mutate...)
}

func newTestEnvWithStore(t *testing.T, mem *kv.Memory, mutate ...func(*auth.Options)) testEnv {
	t.Helper()
	clock := &manualClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	var slept []time.Duration
	opts := auth.Options{
		Secret:  secret,
		Latency: 800 * time.Millisecond,
		Now:     clock.Now,
		Sleep: func(_ context.Context, d time.Duration) {
			slept = append(slept, d)
		},
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	r := repo.Repo{KV: mem}
	g, err := auth.New(context.Background(), r, opts)
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	return testEnv{Gate: g, Repo: r, Clock: clock, Slept: &slept, Ctx: context.Background(), Memory: mem}
}

func TestLoginSuccess(t *testing.T) {
	env := newTestEnv(t)
	res := env.Gate.Login(env.Ctx, "a@b.com", secret)
	if !res.Success || res.Message != "Login successful" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !env.Gate.IsLoggedIn() {
		t.Fatalf("expected logged in")
	}
	stored, err := env.Repo.GetCurrentUser(env.Ctx)
	if err != nil || stored == nil || stored.Email != "a@b.com" || !stored.IsAuthenticated {
		t.Fatalf("session not persisted: %+v %v", stored, err)
	}
	if len(*env.Slept) != 1 || (*env.Slept)[0] != 800*time.Millisecond {
		t.Fatalf("expected one 800ms delay, got %v", *env.Slept)
	}
}

func TestFailedAttemptsCountDown(t *testing.T) {
	env := newTestEnv(t)
	res := env.Gate.Login(env.Ctx, "a@b.com", "wrong")
	if res.Success || res.Message != "Invalid credentials. 2 attempts remaining." || res.RemainingAttempts != 2 {
		t.Fatalf("first failure: %+v", res)
	}
	res = env.Gate.Login(env.Ctx, "a@b.com", "wrong")
	if res.Message != "Invalid credentials. 1 attempts remaining." {
		t.Fatalf("second failure: %+v", res)
	}
	if env.Gate.IsLoggedIn() {
		t.Fatalf("must not be logged in")
	}
}

func TestLockoutAfterThreeFailures(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 2; i++ {
		env.Gate.Login(env.Ctx, "a@b.com", "wrong")
	}
	res := env.Gate.Login(env.Ctx, "a@b.com", "wrong")
	if !res.Locked || res.Message != "Too many failed attempts. Account locked for 60 seconds." {
		t.Fatalf("third failure should lock: %+v", res)
	}

	env.Clock.Advance(59500 * time.Millisecond)
	slept := len(*env.Slept)
	res = env.Gate.Login(env.Ctx, "a@b.com", secret)
	if res.Success || !res.Locked {
		t.Fatalf("correct secret must be rejected while locked: %+v", res)
	}
	if res.Message != "Account is locked. Please try again in 1 seconds." || res.RetryAfterSeconds != 1 {
		t.Fatalf("unexpected lock message: %+v", res)
	}
	if len(*env.Slept) != slept {
		t.Fatalf("a locked rejection must not wait")
	}
	a, _ := env.Gate.Attempt("a@b.com")
	if a.IncorrectAttempts != 3 {
		t.Fatalf("lock rejection changed the counter: %d", a.IncorrectAttempts)
	}

	env.Clock.Advance(time.Second)
	res = env.Gate.Login(env.Ctx, "a@b.com", secret)
	if !res.Success {
		t.Fatalf("expected success after lock expiry: %+v", res)
	}
	a, _ = env.Gate.Attempt("a@b.com")
	if a.IncorrectAttempts != 0 || a.LockedUntil != nil {
		t.Fatalf("success must reset the record: %+v", a)
	}
}

func TestLockMessageRoundsUp(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		env.Gate.Login(env.Ctx, "a@b.com", "wrong")
	}
	env.Clock.Advance(10*time.Second + time.Millisecond)
	res := env.Gate.Login(env.Ctx, "a@b.com", "wrong")
	if res.RetryAfterSeconds != 50 {
		t.Fatalf("expected 50s, got %+v", res)
	}
}

func TestFailureAfterExpiredLockRelocks(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		env.Gate.Login(env.Ctx, "a@b.com", "wrong")
	}
	env.Clock.Advance(61 * time.Second)
	res := env.Gate.Login(env.Ctx, "a@b.com", "wrong")
	if !res.Locked {
		t.Fatalf("counter stays at the threshold until a success: %+v", res)
	}
}

func TestIdentitiesAreIndependent(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		env.Gate.Login(env.Ctx, "a@b.com", "wrong")
	}
	res := env.Gate.Login(env.Ctx, "c@d.com", "wrong")
	if res.Locked || res.RemainingAttempts != 2 {
		t.Fatalf("other identity affected: %+v", res)
	}
	if _, ok := env.Gate.Attempt("nobody"); ok {
		t.Fatalf("records are created lazily")
	}
}

func TestSuccessResetsPriorFailures(t *testing.T) {
	env := newTestEnv(t)
	env.Gate.Login(env.Ctx, "a@b.com", "wrong")
	env.Gate.Login(env.Ctx, "a@b.com", "wrong")
	if res := env.Gate.Login(env.Ctx, "a@b.com", secret); !res.Success {
		t.Fatalf("expected success: %+v", res)
	}
	res := env.Gate.Login(env.Ctx, "a@b.com", "wrong")
	if res.RemainingAttempts != 2 {
		t.Fatalf("counter was not reset: %+v", res)
	}
}

func TestLogoutIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.Gate.Login(env.Ctx, "a@b.com", secret)
	if err := env.Gate.Logout(env.Ctx); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if err := env.Gate.Logout(env.Ctx); err != nil {
		t.Fatalf("second logout: %v", err)
	}
	if env.Gate.IsLoggedIn() {
		t.Fatalf("expected logged out")
	}
	if u, _ := env.Repo.GetCurrentUser(env.Ctx); u != nil {
		t.Fatalf("session should be cleared, got %+v", u)
	}
}

func TestRestoreOnConstruction(t *testing.T) {
	env := newTestEnv(t)
	env.Gate.Login(env.Ctx, "a@b.com", secret)

	again := newTestEnvWithStore(t, env.Memory)
	u := again.Gate.CurrentUser()
	if u == nil || u.Email != "a@b.com" {
		t.Fatalf("session not restored: %+v", u)
	}
}

func TestCorruptSessionIsIgnored(t *testing.T) {
	mem := kv.NewMemory()
	if err := mem.Set(context.Background(), repo.CurrentUserKey, "{broken"); err != nil {
		t.Fatal(err)
	}
	env := newTestEnvWithStore(t, mem)
	if env.Gate.IsLoggedIn() {
		t.Fatalf("corrupt session must read as logged out")
	}
}

func TestSubscribe(t *testing.T) {
	env := newTestEnv(t)
	var seen []*domain.User
	unsubscribe := env.Gate.Subscribe(func(u *domain.User) { seen = append(seen, u) })
	env.Gate.Login(env.Ctx, "a@b.com", secret)
	env.Gate.Logout(env.Ctx)
	unsubscribe()
	env.Gate.Login(env.Ctx, "a@b.com", secret)

	if len(seen) != 3 {
		t.Fatalf("expected initial, login, logout notifications, got %d", len(seen))
	}
	if seen[0] != nil || seen[1] == nil || seen[1].Email != "a@b.com" || seen[2] != nil {
		t.Fatalf("unexpected notifications: %+v", seen)
	}
}

func TestBcryptSecret(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hashed-secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	env := newTestEnv(t, func(o *auth.Options) {
		o.Secret = ""
		o.SecretHash = string(hash)
	})
	if res := env.Gate.Login(env.Ctx, "a@b.com", "hashed-secret"); !res.Success {
		t.Fatalf("expected bcrypt match: %+v", res)
	}
	if res := env.Gate.Login(env.Ctx, "a@b.com", secret); res.Success {
		t.Fatalf("plain secret must not match when a hash is configured")
	}
}

func TestCustomThreshold(t *testing.T) {
	env := newTestEnv(t, func(o *auth.Options) {
		o.MaxAttempts = 5
		o.LockDuration = 2 * time.Minute
	})
	var res auth.LoginResult
	for i := 0; i < 5; i++ {
		res = env.Gate.Login(env.Ctx, "a@b.com", "wrong")
	}
	if res.Message != "Too many failed attempts. Account locked for 120 seconds." {
		t.Fatalf("unexpected message: %+v", res)
	}
}

type failingWrites struct {
	*kv.Memory
}

func (failingWrites) Set(context.Context, string, string) error {
	return errors.New("disk full")
}

func TestSessionPersistFailureKeepsLock(t *testing.T) {
	clock := &manualClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	r := repo.Repo{KV: failingWrites{kv.NewMemory()}}
	g, err := auth.New(context.Background(), r, auth.Options{
		Secret: secret,
		Now:    clock.Now,
		Sleep:  func(context.Context, time.Duration) {},
		Logger: log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		g.Login(ctx, "a@b.com", "wrong")
	}
	clock.Advance(61 * time.Second)

	res := g.Login(ctx, "a@b.com", secret)
	if res.Success || res.Message != "Login failed. Please try again." {
		t.Fatalf("expected persist failure, got %+v", res)
	}
	a, ok := g.Attempt("a@b.com")
	if !ok || a.IncorrectAttempts != 3 || a.LockedUntil == nil {
		t.Fatalf("failed login must not reset the record: %+v", a)
	}
	if g.IsLoggedIn() {
		t.Fatalf("must not be logged in")
	}
}

func TestLockCountdownUsesWholeMilliseconds(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		env.Gate.Login(env.Ctx, "a@b.com", "wrong")
	}
	env.Clock.Advance(time.Second - time.Microsecond)
	res := env.Gate.Login(env.Ctx, "a@b.com", secret)
	if res.RetryAfterSeconds != 59 || res.Message != "Account is locked. Please try again in 59 seconds." {
		t.Fatalf("expected 59 seconds, got %+v", res)
	}
	env.Clock.Advance(58*time.Second + 500*time.Millisecond)
	res = env.Gate.Login(env.Ctx, "a@b.com", secret)
	if res.RetryAfterSeconds != 1 {
		t.Fatalf("expected 1 second, got %+v", res)
	}
}
