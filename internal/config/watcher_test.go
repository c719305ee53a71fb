package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/go-devpipe/internal/bus"
	"github.com/basket/go-devpipe/internal/config"
	"github.com/basket/go-devpipe/internal/policy"
)

// waitForEvent rewrites path until the watcher reports an event for it.
func waitForEvent(t *testing.T, w *config.Watcher, path string, body []byte) config.ReloadEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	writeTick := time.NewTicker(50 * time.Millisecond)
	defer writeTick.Stop()

	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	for {
		select {
		case ev := <-w.Events():
			if filepath.Base(ev.Path) == filepath.Base(path) {
				return ev
			}
		case <-writeTick.C:
			_ = os.WriteFile(path, body, 0o644)
		case <-deadline:
			t.Fatalf("timed out waiting for %s change event", filepath.Base(path))
		}
	}
}

func TestWatcher_ReloadsPolicy(t *testing.T) {
	homeDir := t.TempDir()
	live := policy.NewLivePolicy(policy.Default(), "")
	before := live.PolicyVersion()
	b := bus.New()
	sub := b.Subscribe(bus.TopicPolicyReloaded)
	defer b.Unsubscribe(sub)

	w := config.NewWatcher(homeDir, live, b, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	ev := waitForEvent(t, w, config.PolicyPath(homeDir), []byte("restrictions:\n  agent9: [git_push]\n"))
	if ev.Err != nil {
		t.Fatalf("reload failed: %v", ev.Err)
	}
	if ev.PolicyVersion == before {
		t.Fatal("policy version did not change")
	}
	if got := live.Snapshot().Restrictions["agent9"]; len(got) != 1 || got[0] != policy.OpGitPush {
		t.Fatalf("restriction not applied: %v", got)
	}

	select {
	case msg := <-sub.Ch():
		if msg.Payload.(bus.PolicyReloaded).Version != ev.PolicyVersion {
			t.Fatalf("unexpected payload %+v", msg.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no policy reloaded event on the bus")
	}
}

func TestWatcher_KeepsPolicyOnBadFile(t *testing.T) {
	homeDir := t.TempDir()
	live := policy.NewLivePolicy(policy.Default(), "")
	before := live.PolicyVersion()

	w := config.NewWatcher(homeDir, live, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	ev := waitForEvent(t, w, config.PolicyPath(homeDir), []byte("restrictions: [not, a, map\n"))
	if ev.Err == nil {
		t.Fatal("expected a parse error")
	}
	if live.PolicyVersion() != before {
		t.Fatal("bad policy file replaced the active policy")
	}
}

func TestWatcher_ReportsConfigChange(t *testing.T) {
	homeDir := t.TempDir()
	w := config.NewWatcher(homeDir, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	ev := waitForEvent(t, w, config.ConfigPath(homeDir), []byte("log_level: debug\n"))
	if ev.Err != nil || ev.PolicyVersion != "" {
		t.Fatalf("unexpected config event %+v", ev)
	}
}
