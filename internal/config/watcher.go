package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/basket/go-devpipe/internal/bus"
	"github.com/basket/go-devpipe/internal/policy"
)

type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
	// PolicyVersion is set when the event reloaded policy.yaml successfully.
	PolicyVersion string
	Err           error
}

// Watcher reloads policy.yaml into a live policy when it changes and reports
// config.yaml edits, which take effect on the next start.
type Watcher struct {
	homeDir string
	live    *policy.LivePolicy
	bus     *bus.Bus
	logger  *slog.Logger
	events  chan ReloadEvent
}

// NewWatcher creates a watcher. live and eventBus may be nil.
func NewWatcher(homeDir string, live *policy.LivePolicy, eventBus *bus.Bus, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		live:    live,
		bus:     eventBus,
		logger:  logger,
		events:  make(chan ReloadEvent, 16),
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start watches the home directory, so files created after start and
// editors that replace files by rename are both seen.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		fsw.Close()
		return err
	}

	configPath := ConfigPath(w.homeDir)
	policyPath := PolicyPath(w.homeDir)

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				name := filepath.Clean(ev.Name)
				if name != configPath && name != policyPath {
					continue
				}
				re := ReloadEvent{Path: name, Op: ev.Op}
				if name == policyPath {
					re = w.reloadPolicy(re)
				} else {
					w.logger.Info("config file changed; restart to apply", "path", name, "op", ev.Op.String())
				}
				select {
				case w.events <- re:
				default:
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (w *Watcher) reloadPolicy(re ReloadEvent) ReloadEvent {
	if w.live == nil {
		return re
	}
	if err := policy.ReloadFromFile(w.live, re.Path); err != nil {
		re.Err = err
		w.logger.Error("policy reload rejected; keeping previous policy", "path", re.Path, "error", err)
	} else {
		re.PolicyVersion = w.live.PolicyVersion()
		w.logger.Info("policy reloaded", "path", re.Path, "policy_version", re.PolicyVersion)
	}
	if w.bus != nil {
		payload := bus.PolicyReloaded{Path: re.Path, Version: re.PolicyVersion}
		if re.Err != nil {
			payload.Error = re.Err.Error()
		}
		w.bus.Publish(bus.TopicPolicyReloaded, payload)
	}
	return re
}
