package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/go-devpipe/internal/config"
	"github.com/basket/go-devpipe/internal/persistence"
)

// executeCommand runs the root command with args against a fresh flag state
// and returns what it wrote to stdout.
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	homeDir, output, logLevel = "", "table", ""
	runRepo, runApprove, runTimeout = "", false, 0
	jobsRepo, jobsStatus, jobsLimit, jobsOffset, jobsReason = "", "", 20, 0, ""
	checkToken, checkIssue, checkPath, checkBranch, checkJob = "", false, "", "", ""

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func setupHome(t *testing.T) string {
	t.Helper()
	home := filepath.Join(t.TempDir(), "devpipe")
	t.Setenv("DEVPIPE_HOME", home)
	t.Setenv("DEVPIPE_LOG_LEVEL", "error")
	return home
}

func TestInit_WritesDefaults(t *testing.T) {
	home := setupHome(t)

	out, err := executeCommand(t, "init")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	for _, path := range []string{config.ConfigPath(home), config.PolicyPath(home)} {
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("expected %s: %v", path, err)
		}
		if !strings.Contains(out, path) {
			t.Fatalf("output does not mention %s: %q", path, out)
		}
	}

	out, err = executeCommand(t, "init")
	if err != nil {
		t.Fatalf("second init: %v", err)
	}
	if !strings.Contains(out, "already initialized") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestRun_ApproveCompletesJob(t *testing.T) {
	setupHome(t)

	out, err := executeCommand(t, "run", "--approve", "-o", "json", "todo", "app")
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	var job persistence.Job
	if err := json.Unmarshal([]byte(out), &job); err != nil {
		t.Fatalf("decode job: %v\n%s", err, out)
	}
	if job.Status != persistence.JobStatusCompleted || job.Outcome != "published" {
		t.Fatalf("unexpected job %+v", job)
	}
	if job.Description != "todo app" {
		t.Fatalf("description = %q", job.Description)
	}

	out, err = executeCommand(t, "knowledge", job.ID, "-o", "json")
	if err != nil {
		t.Fatalf("knowledge: %v", err)
	}
	if !strings.Contains(out, "technical:initial_spec") {
		t.Fatalf("knowledge of %s missing requirements output: %s", job.ID, out)
	}
}

func TestRun_StopsAtApproval(t *testing.T) {
	setupHome(t)

	out, err := executeCommand(t, "run", "-o", "json", "todo app")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var job persistence.Job
	if err := json.Unmarshal([]byte(out), &job); err != nil {
		t.Fatalf("decode job: %v\n%s", err, out)
	}
	if job.Status != persistence.JobStatusPendingApproval {
		t.Fatalf("expected pending_approval, got %s", job.Status)
	}

	out, err = executeCommand(t, "jobs", "reject", job.ID, "--reason", "wrong scope", "-o", "json")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if err := json.Unmarshal([]byte(out), &job); err != nil {
		t.Fatalf("decode job: %v\n%s", err, out)
	}
	if job.Status != persistence.JobStatusCompleted || job.Outcome != "rejected" {
		t.Fatalf("unexpected job after reject %+v", job)
	}

	if _, err := executeCommand(t, "jobs", "approve", job.ID); err == nil {
		t.Fatal("approving a resolved job must fail")
	}
}

func TestJobs_SubmitListCancel(t *testing.T) {
	setupHome(t)

	out, err := executeCommand(t, "jobs", "submit", "-o", "json", "queued", "request")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	var job persistence.Job
	if err := json.Unmarshal([]byte(out), &job); err != nil {
		t.Fatalf("decode job: %v\n%s", err, out)
	}
	if job.Status != persistence.JobStatusPending {
		t.Fatalf("submitted job should be pending, got %s", job.Status)
	}

	out, err = executeCommand(t, "jobs", "list", "--status", "pending")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, job.ID) || !strings.Contains(out, "1 of 1 jobs") {
		t.Fatalf("list output missing job: %q", out)
	}

	if _, err := executeCommand(t, "jobs", "cancel", job.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	out, err = executeCommand(t, "jobs", "get", job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !strings.Contains(out, "cancelled") {
		t.Fatalf("expected cancelled job, got %q", out)
	}
	if _, err := executeCommand(t, "jobs", "cancel", job.ID); err == nil {
		t.Fatal("cancelling a finished job must fail")
	}
}

func TestPolicyCheck(t *testing.T) {
	setupHome(t)

	if _, err := executeCommand(t, "policy", "check", "--subject", "agent3", "--operation", "file_modification", "--path", "src/app.go"); err != nil {
		t.Fatalf("expected file write to be allowed: %v", err)
	}

	// restricted by the default policy
	out, err := executeCommand(t, "policy", "check", "--subject", "agent6", "--operation", "git_push",
		"--job", "job-1", "--branch", "feature/x", "--issue-token")
	if err == nil {
		t.Fatal("agent6 git_push must be denied")
	}
	if !strings.Contains(out, "restriction") {
		t.Fatalf("expected the restriction step, got %q", out)
	}

	// no token
	if _, err := executeCommand(t, "policy", "check", "--subject", "agent7", "--operation", "git_push",
		"--job", "job-1", "--branch", "feature/x"); err == nil {
		t.Fatal("critical operation without a token must be denied")
	}
	if _, err := executeCommand(t, "policy", "check", "--subject", "agent7", "--operation", "git_push",
		"--job", "job-1", "--branch", "feature/x", "--issue-token"); err != nil {
		t.Fatalf("agent7 git_push with a token: %v", err)
	}
}

func TestPolicyRestrictPersists(t *testing.T) {
	home := setupHome(t)

	if _, err := executeCommand(t, "policy", "restrict", "agent9", "git_push"); err != nil {
		t.Fatalf("restrict: %v", err)
	}
	data, err := os.ReadFile(config.PolicyPath(home))
	if err != nil {
		t.Fatalf("read policy: %v", err)
	}
	if !strings.Contains(string(data), "agent9") {
		t.Fatalf("restriction not persisted:\n%s", data)
	}
	if _, err := executeCommand(t, "policy", "unrestrict", "agent9", "git_push"); err != nil {
		t.Fatalf("unrestrict: %v", err)
	}
}

func TestTokens_IssueListRevoke(t *testing.T) {
	setupHome(t)

	out, err := executeCommand(t, "tokens", "issue", "--subject", "agent7", "--operation", "git_push", "--scope", "job-1", "-o", "json")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	var tok struct{ ID string }
	if err := json.Unmarshal([]byte(out), &tok); err != nil || tok.ID == "" {
		t.Fatalf("decode token: %v\n%s", err, out)
	}

	out, err = executeCommand(t, "tokens", "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, tok.ID) {
		t.Fatalf("token missing from list: %q", out)
	}

	if _, err := executeCommand(t, "tokens", "revoke", tok.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	out, err = executeCommand(t, "tokens", "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if strings.Contains(out, tok.ID) {
		t.Fatalf("revoked token still listed: %q", out)
	}
}

func TestStatus_JSON(t *testing.T) {
	home := setupHome(t)

	out, err := executeCommand(t, "status", "-o", "json")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var rep statusReport
	if err := json.Unmarshal([]byte(out), &rep); err != nil {
		t.Fatalf("decode status: %v\n%s", err, out)
	}
	if rep.Home != home || rep.Executor != "static" || rep.PolicyVersion == "" {
		t.Fatalf("unexpected status %+v", rep)
	}
}

func TestRender_RejectsUnknownFormat(t *testing.T) {
	setupHome(t)
	if _, err := executeCommand(t, "status", "-o", "xml"); err == nil {
		t.Fatal("expected an error for -o xml")
	}
}

func TestDoctor_FreshHomePasses(t *testing.T) {
	setupHome(t)
	if _, err := executeCommand(t, "init"); err != nil {
		t.Fatalf("init: %v", err)
	}
	out, err := executeCommand(t, "doctor", "-o", "json")
	if err != nil {
		t.Fatalf("doctor: %v\n%s", err, out)
	}
	if !strings.Contains(out, `"name": "Database"`) {
		t.Fatalf("unexpected doctor output: %s", out)
	}
}
