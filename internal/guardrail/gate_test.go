package guardrail

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basket/go-devpipe/internal/audit"
	"github.com/basket/go-devpipe/internal/bus"
	"github.com/basket/go-devpipe/internal/capability"
	"github.com/basket/go-devpipe/internal/policy"
)

type fixture struct {
	gate *Gate
	reg  *capability.Registry
	live *policy.LivePolicy
	bus  *bus.Bus
	root string
	log  *audit.Log
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	p := policy.Default()
	p.WorkspaceRoot = root
	live := policy.NewLivePolicy(p, "")
	reg := capability.NewRegistry(capability.Options{})
	b := bus.New()
	log, err := audit.Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	g, err := New(Options{Policy: live, Tokens: reg, Audit: log, Bus: b})
	require.NoError(t, err)
	return &fixture{gate: g, reg: reg, live: live, bus: b, root: root, log: log}
}

func (f *fixture) token(t *testing.T, subject, op, job string) string {
	t.Helper()
	tok, err := f.reg.Issue(context.Background(), subject, op, job, time.Minute)
	require.NoError(t, err)
	return tok.ID
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
	_, err = New(Options{Policy: policy.NewLivePolicy(policy.Default(), "")})
	assert.Error(t, err)
}

func TestGate_StaticRestrictionWinsFirst(t *testing.T) {
	f := newFixture(t)
	// agent6 holds a perfectly valid token but is statically barred from pushing.
	id := f.token(t, "agent6", policy.OpGitPush, "job-1")
	dec := f.gate.CheckPermission(context.Background(), Request{
		Subject: "agent6", Operation: policy.OpGitPush, TokenID: id, JobID: "job-1",
		Context: OpContext{Branch: "feature/x"},
	})
	assert.False(t, dec.Allowed)
	assert.Equal(t, StepRestriction, dec.Step)

	// The token was never consumed.
	f.live.Reload(func() policy.Policy {
		p := f.live.Snapshot()
		delete(p.Restrictions, "agent6")
		return p
	}())
	dec = f.gate.CheckPermission(context.Background(), Request{
		Subject: "agent6", Operation: policy.OpGitPush, TokenID: id, JobID: "job-1",
		Context: OpContext{Branch: "feature/x"},
	})
	assert.True(t, dec.Allowed, dec.Reason)
}

func TestGate_CriticalOperationNeedsToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := Request{
		Subject: "agent7", Operation: policy.OpNetworkRequest, JobID: "job-1",
		Context: OpContext{URL: "https://api.example.com/v1/items"},
	}

	dec := f.gate.CheckPermission(ctx, req)
	assert.False(t, dec.Allowed)
	assert.Equal(t, StepToken, dec.Step)

	req.TokenID = f.token(t, "agent7", policy.OpNetworkRequest, "job-1")
	dec = f.gate.CheckPermission(ctx, req)
	assert.True(t, dec.Allowed, dec.Reason)

	// Single use: replaying the same token is denied.
	dec = f.gate.CheckPermission(ctx, req)
	assert.False(t, dec.Allowed)
	assert.Contains(t, dec.Reason, "already used")
}

func TestGate_TokenFromAnotherJobDenied(t *testing.T) {
	f := newFixture(t)
	id := f.token(t, "agent7", policy.OpNetworkRequest, "job-a")
	dec := f.gate.CheckPermission(context.Background(), Request{
		Subject: "agent7", Operation: policy.OpNetworkRequest, TokenID: id, JobID: "job-b",
		Context: OpContext{URL: "https://api.example.com/"},
	})
	assert.False(t, dec.Allowed)
	assert.Equal(t, StepToken, dec.Step)
	assert.Contains(t, dec.Reason, "scope mismatch")
}

func TestGate_ValidatorRunsAfterToken(t *testing.T) {
	f := newFixture(t)
	id := f.token(t, "agent7", policy.OpNetworkRequest, "job-1")
	dec := f.gate.CheckPermission(context.Background(), Request{
		Subject: "agent7", Operation: policy.OpNetworkRequest, TokenID: id, JobID: "job-1",
		Context: OpContext{URL: "http://api.example.com/"},
	})
	assert.False(t, dec.Allowed)
	assert.Equal(t, StepValidator, dec.Step)
}

func TestGate_DeniesWorkspaceEscapeForEverySubjectAndOperation(t *testing.T) {
	f := newFixture(t)
	outside := t.TempDir()
	link := filepath.Join(f.root, "escape")
	require.NoError(t, os.Symlink(outside, link))

	subjects := []string{"agent1", "agent2", "agent3", "agent4", "agent5", "agent6", "agent7", "agent8", "publisher"}
	ops := []string{
		policy.OpFileWrite, policy.OpFileDelete, policy.OpFileExecution, policy.OpSystemCommand,
		policy.OpNetworkRequest, policy.OpGitPush, policy.OpDatabaseModification,
		policy.OpEnvironmentModification, policy.OpSudo, "analysis", "review",
	}
	paths := []string{"../outside.txt", "/etc/passwd", "sub/../../x.md", "escape/notes.md"}

	for _, subject := range subjects {
		for _, op := range ops {
			for _, p := range paths {
				req := Request{
					Subject: subject, Operation: op, JobID: "job-1",
					Context: OpContext{
						Path: p, Content: "hello", Command: "ls", URL: "https://api.example.com/",
						Branch: "feature/x",
					},
				}
				if policy.IsCritical(op) {
					req.TokenID = f.token(t, subject, op, "job-1")
				}
				dec := f.gate.CheckPermission(context.Background(), req)
				assert.False(t, dec.Allowed, "%s %s %s", subject, op, p)
			}
		}
	}
}

func TestGate_AllowsInsideWorkspaceWrite(t *testing.T) {
	f := newFixture(t)
	dec := f.gate.CheckPermission(context.Background(), Request{
		Subject: "agent6", Operation: policy.OpFileWrite, JobID: "job-1",
		Context: OpContext{Path: "src/main.go", Content: "package main\n"},
	})
	assert.True(t, dec.Allowed, dec.Reason)
}

func TestGate_AuditsEveryDecision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gate.CheckPermission(ctx, Request{Subject: "agent1", Operation: policy.OpFileWrite, Context: OpContext{Path: "a.md"}})
	f.gate.CheckPermission(ctx, Request{Subject: "agent6", Operation: policy.OpFileWrite, Context: OpContext{Path: "a.md"}})

	st := f.gate.Status()
	assert.Equal(t, int64(2), st.Decisions)
	assert.Equal(t, int64(1), st.Denials)
	assert.Equal(t, int64(1), st.DenialsBySubject["agent1"])
	require.Len(t, st.RecentDenials, 1)
	assert.Equal(t, StepRestriction, st.RecentDenials[0].Step)
	assert.Equal(t, int64(1), f.log.DenyCount())
	assert.Equal(t, f.live.PolicyVersion(), st.PolicyVersion)
}

func TestGate_CriticalDenialRaisesAlert(t *testing.T) {
	f := newFixture(t)
	alerts := f.bus.Subscribe(bus.TopicSecurityAlert)
	defer f.bus.Unsubscribe(alerts)

	f.gate.CheckPermission(context.Background(), Request{
		Subject: "agent5", Operation: policy.OpFileDelete, JobID: "job-9",
		Context: OpContext{Path: "old.txt"},
	})

	select {
	case ev := <-alerts.Ch():
		alert, ok := ev.Payload.(bus.SecurityAlert)
		require.True(t, ok)
		assert.Equal(t, "critical", alert.Severity)
		assert.Equal(t, "agent5", alert.Subject)
		assert.Equal(t, "job-9", alert.JobID)
	case <-time.After(time.Second):
		t.Fatal("expected security alert")
	}
}

func TestGate_NonCriticalDenialNoAlert(t *testing.T) {
	f := newFixture(t)
	alerts := f.bus.Subscribe(bus.TopicSecurityAlert)
	defer f.bus.Unsubscribe(alerts)

	f.gate.CheckPermission(context.Background(), Request{
		Subject: "agent1", Operation: policy.OpFileWrite, Context: OpContext{Path: "a.md"},
	})
	select {
	case ev := <-alerts.Ch():
		t.Fatalf("unexpected alert %+v", ev)
	default:
	}
}

func TestGate_CancelledContextDenied(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dec := f.gate.CheckPermission(ctx, Request{Subject: "agent7", Operation: "analysis"})
	assert.False(t, dec.Allowed)
	assert.True(t, strings.HasPrefix(dec.Reason, "cancelled"))
}

func TestGate_RecentDenialsBounded(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < recentDenialLimit+10; i++ {
		f.gate.CheckPermission(context.Background(), Request{Subject: "agent1", Operation: policy.OpFileWrite})
	}
	st := f.gate.Status()
	assert.Len(t, st.RecentDenials, recentDenialLimit)
	assert.Equal(t, int64(recentDenialLimit+10), st.Denials)
}
