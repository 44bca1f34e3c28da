package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chaterr"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/session"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// shortTempDir keeps Unix socket paths under the macOS 104-byte limit.
func shortTempDir(t *testing.T, pattern string) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", pattern)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func testConfig(messages string) *config.Config {
	cfg := config.Default()
	cfg.User = "alice"
	cfg.Store.Messages = messages
	cfg.Retry.Backoff = config.Duration{Duration: time.Millisecond}
	return cfg
}

func TestDaemonLifecycle(t *testing.T) {
	t.Setenv("CHATSYNC_HOME", t.TempDir())
	socketPath := filepath.Join(shortTempDir(t, "chatsync-d-*"), "d.sock")

	app := fx.New(
		Module(Params{SessionName: "test", SocketPath: socketPath, Config: testConfig(config.BackendSQLite)}),
		fx.NopLogger,
	)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	c, err := api.Dial(socketPath)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = c.Close() }()

	st, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("Status error = %v", err)
	}
	if st.Session != "test" || st.User != "alice" {
		t.Errorf("status = %+v", st)
	}

	v, err := c.OpenChat(ctx, "bob")
	if err != nil {
		t.Fatalf("OpenChat error = %v", err)
	}
	if v.ChatID != model.ChatID("alice", "bob") {
		t.Errorf("chat id = %q", v.ChatID)
	}

	entry, err := c.SendMessage(ctx, "bob", "hello")
	if err != nil {
		t.Fatalf("SendMessage error = %v", err)
	}
	if entry.State != outbox.StateSent {
		t.Errorf("entry = %+v, want sent", entry)
	}

	// The daemon heartbeats for its own user.
	deadline := time.Now().Add(3 * time.Second)
	for {
		p, err := c.IsOnline(ctx, "alice")
		if err != nil {
			t.Fatal(err)
		}
		if p.Online() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("alice never came online: %+v", p)
		}
		time.Sleep(20 * time.Millisecond)
	}

	if err := c.SetSoundEnabled(ctx, false); err != nil {
		t.Fatal(err)
	}

	// Starting registers the daemon's user; bob never signed in.
	list, err := c.Contacts(ctx)
	if err != nil || len(list) != 0 {
		t.Errorf("Contacts = %v, %v; want none", list, err)
	}
	if err := c.AddContact(ctx, "bob"); !errors.Is(err, chaterr.ErrNotFound) {
		t.Errorf("AddContact(unregistered) error = %v, want ErrNotFound", err)
	}

	if err := app.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Errorf("socket not removed: %v", err)
	}
	if _, err := os.Stat(session.StorePath("test")); err != nil {
		t.Errorf("store file missing: %v", err)
	}
}

func TestSecondDaemonRefused(t *testing.T) {
	t.Setenv("CHATSYNC_HOME", t.TempDir())
	if err := session.EnsureDir("test"); err != nil {
		t.Fatal(err)
	}
	held, err := lock.Acquire(session.LockPath("test"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = held.Release() }()

	socketPath := filepath.Join(shortTempDir(t, "chatsync-d-*"), "d.sock")
	app := fx.New(
		Module(Params{SessionName: "test", SocketPath: socketPath, Config: testConfig(config.BackendMemory)}),
		fx.NopLogger,
	)
	var heldErr *lock.HeldError
	if err := app.Err(); !errors.As(err, &heldErr) {
		t.Errorf("app error = %v, want *lock.HeldError", err)
	}
}

func TestDaemonRefusesMissingUser(t *testing.T) {
	t.Setenv("CHATSYNC_HOME", t.TempDir())
	cfg := testConfig(config.BackendMemory)
	cfg.User = ""
	app := fx.New(Module(Params{SessionName: "test", Config: cfg}), fx.NopLogger)
	if app.Err() == nil {
		t.Error("daemon started without a user")
	}
}

func TestOpenBackendsRedisPresence(t *testing.T) {
	t.Setenv("CHATSYNC_HOME", t.TempDir())
	mr := miniredis.RunT(t)

	cfg := testConfig(config.BackendMemory)
	cfg.Store.Presence = config.BackendRedis
	cfg.Store.RedisAddr = mr.Addr()

	bk, err := openBackends(Params{SessionName: "test"}, cfg, bus.New(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = bk.Store.Close() }()

	ctx := context.Background()
	if err := bk.Store.SetPresence(ctx, model.PresenceRecord{SubjectID: "alice", State: model.PresenceOnline, Device: "cli"}); err != nil {
		t.Fatal(err)
	}
	if got := mr.HGet("chatsync:presence:alice", "state"); got != string(model.PresenceOnline) {
		t.Errorf("redis state = %q, want %q", got, model.PresenceOnline)
	}
	if _, err := bk.Store.GetChat(ctx, "alice_bob"); err == nil {
		t.Error("memory message store returned a chat that was never created")
	}
}

func TestOpenBackendsRedisUnreachable(t *testing.T) {
	t.Setenv("CHATSYNC_HOME", t.TempDir())
	cfg := testConfig(config.BackendMemory)
	cfg.Store.Presence = config.BackendRedis
	cfg.Store.RedisAddr = "127.0.0.1:1"

	if _, err := openBackends(Params{SessionName: "test"}, cfg, bus.New(), zap.NewNop()); err == nil {
		t.Error("openBackends succeeded without redis")
	}
}

func TestSQLiteSettingsPersist(t *testing.T) {
	t.Setenv("CHATSYNC_HOME", t.TempDir())
	if err := session.EnsureDir("test"); err != nil {
		t.Fatal(err)
	}
	cfg := testConfig(config.BackendSQLite)
	ctx := context.Background()

	bk, err := openBackends(Params{SessionName: "test"}, cfg, bus.New(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if err := bk.Settings.PutSetting(ctx, "@sound_enabled", "false"); err != nil {
		t.Fatal(err)
	}
	_ = bk.Store.Close()

	bk, err = openBackends(Params{SessionName: "test"}, cfg, bus.New(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = bk.Store.Close() }()
	v, err := bk.Settings.GetSetting(ctx, "@sound_enabled")
	if err != nil || v != "false" {
		t.Errorf("setting after reopen = %q, %v", v, err)
	}
}

func TestSQLiteMessagesMemoryPresence(t *testing.T) {
	t.Setenv("CHATSYNC_HOME", t.TempDir())
	if err := session.EnsureDir("test"); err != nil {
		t.Fatal(err)
	}
	cfg := testConfig(config.BackendSQLite)
	cfg.Store.Presence = config.BackendMemory
	ctx := context.Background()

	bk, err := openBackends(Params{SessionName: "test"}, cfg, bus.New(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if err := bk.Store.SetPresence(ctx, model.PresenceRecord{SubjectID: "alice", State: model.PresenceOnline, Device: "cli"}); err != nil {
		t.Fatal(err)
	}
	if _, err := bk.Store.GetPresence(ctx, "alice"); err != nil {
		t.Fatalf("GetPresence: %v", err)
	}
	_ = bk.Store.Close()

	bk, err = openBackends(Params{SessionName: "test"}, cfg, bus.New(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = bk.Store.Close() }()
	if _, err := bk.Store.GetPresence(ctx, "alice"); err == nil {
		t.Error("presence survived reopen with memory presence backend")
	}
}
