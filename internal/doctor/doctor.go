// Package doctor runs read-only health checks over a devpipe installation.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/go-devpipe/internal/config"
	"github.com/basket/go-devpipe/internal/janitor"
	"github.com/basket/go-devpipe/internal/persistence"
	"github.com/basket/go-devpipe/internal/policy"
)

// Check statuses.
const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkDatabase,
		checkPermissions,
		checkPolicy,
		checkExecutor,
		checkPublisher,
		checkSchedule,
		checkTelemetry,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.NeedsInit {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "config.yaml missing", Detail: "Run devpipe init"}
	}
	if err := cfg.Validate(); err != nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Invalid configuration", Detail: err.Error()}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir), Detail: cfg.Fingerprint()}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.DBPath == "" {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	counts, err := store.JobCounts(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	res := CheckResult{Name: "Database", Status: StatusPass, Message: fmt.Sprintf("Schema valid, %d jobs", total)}
	if n := counts[persistence.JobStatusRunning]; n > 0 {
		res.Detail = fmt.Sprintf("%d jobs running; they are marked failed if no server is alive", n)
	}
	return res
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	for _, dir := range []string{cfg.HomeDir, cfg.WorkspaceRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("%s unusable: %v", dir, err)}
		}
		testFile := filepath.Join(dir, ".write_test")
		if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
			return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("%s unwritable: %v", dir, err)}
		}
		os.Remove(testFile)
	}
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home and workspace writable"}
}

func checkPolicy(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Policy", Status: StatusSkip, Message: "Config missing"}
	}
	path := config.PolicyPath(cfg.HomeDir)
	p, err := policy.Load(path)
	if err != nil {
		return CheckResult{Name: "Policy", Status: StatusFail, Message: "policy.yaml rejected", Detail: err.Error()}
	}
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		return CheckResult{Name: "Policy", Status: StatusWarn, Message: "policy.yaml missing; built-in defaults apply", Detail: p.PolicyVersion()}
	}
	return CheckResult{
		Name:    "Policy",
		Status:  StatusPass,
		Message: fmt.Sprintf("%d restricted subjects, %d protected branches", len(p.Restrictions), len(p.ProtectedBranches)),
		Detail:  p.PolicyVersion(),
	}
}

func checkExecutor(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Executor", Status: StatusSkip, Message: "Config missing"}
	}
	if cfg.Executor.Mode != "command" {
		return CheckResult{Name: "Executor", Status: StatusPass, Message: "Static executor (no stage program)"}
	}
	return lookProgram("Executor", cfg.Executor.Program, StatusFail)
}

func checkPublisher(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Publisher", Status: StatusSkip, Message: "Config missing"}
	}
	if strings.TrimSpace(cfg.Publisher.Program) == "" {
		return CheckResult{Name: "Publisher", Status: StatusWarn, Message: "No publisher; approved jobs complete without pushing"}
	}
	return lookProgram("Publisher", cfg.Publisher.Program, StatusFail)
}

func lookProgram(name, program, missing string) CheckResult {
	path, err := exec.LookPath(program)
	if err != nil {
		return CheckResult{Name: name, Status: missing, Message: fmt.Sprintf("%s not found", program), Detail: err.Error()}
	}
	return CheckResult{Name: name, Status: StatusPass, Message: fmt.Sprintf("%s: ok", program), Detail: path}
}

func checkSchedule(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Janitor", Status: StatusSkip, Message: "Config missing"}
	}
	next, err := janitor.NextRunTime(cfg.Janitor.Schedule, time.Now())
	if err != nil {
		return CheckResult{Name: "Janitor", Status: StatusFail, Message: fmt.Sprintf("Bad schedule %q", cfg.Janitor.Schedule), Detail: err.Error()}
	}
	return CheckResult{Name: "Janitor", Status: StatusPass, Message: fmt.Sprintf("Next sweep %s", next.Format(time.RFC3339))}
}

// checkTelemetry resolves the OTLP endpoint when traces are exported.
func checkTelemetry(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Telemetry", Status: StatusSkip, Message: "Config missing"}
	}
	if !cfg.OTel.Enabled || cfg.OTel.Exporter != "otlp-http" {
		return CheckResult{Name: "Telemetry", Status: StatusSkip, Message: fmt.Sprintf("Exporter %q", cfg.OTel.Exporter)}
	}
	host := cfg.OTel.Endpoint
	if u, err := url.Parse(host); err == nil && u.Host != "" {
		host = u.Host
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if host == "" {
		return CheckResult{Name: "Telemetry", Status: StatusFail, Message: "otlp-http exporter without endpoint"}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Telemetry",
			Status:  StatusFail,
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Telemetry",
		Status:  StatusPass,
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
	}
}
