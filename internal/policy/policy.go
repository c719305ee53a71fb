// Package policy holds the guardrail configuration: per-subject restrictions,
// the command allow-list, protected globs and the limits applied by the
// operation validators. It is loaded from policy.yaml and can be swapped at
// runtime through LivePolicy.
package policy

import (
	"errors"
	"fmt"
	"hash/fnv"
	"net/netip"
	"os"
	"path"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Operation names understood by the gate.
const (
	OpFileWrite               = "file_modification"
	OpFileDelete              = "file_deletion"
	OpFileExecution           = "file_execution"
	OpSystemCommand           = "system_command"
	OpNetworkRequest          = "network_request"
	OpGitPush                 = "git_push"
	OpDatabaseModification    = "database_modification"
	OpEnvironmentModification = "environment_modification"
	OpSudo                    = "sudo_operation"
)

// CriticalOperations require a capability token. The set is fixed.
var CriticalOperations = map[string]struct{}{
	OpGitPush:                 {},
	OpFileDelete:              {},
	OpDatabaseModification:    {},
	OpSystemCommand:           {},
	OpNetworkRequest:          {},
	OpFileExecution:           {},
	OpEnvironmentModification: {},
	OpSudo:                    {},
}

// IsCritical reports whether op needs a capability token.
func IsCritical(op string) bool {
	_, ok := CriticalOperations[op]
	return ok
}

// ErrOutsideWorkspace is returned when a path resolves outside the workspace root.
var ErrOutsideWorkspace = errors.New("path escapes workspace root")

// Policy is the serializable policy data.
type Policy struct {
	WorkspaceRoot     string              `yaml:"workspace_root"`
	Restrictions      map[string][]string `yaml:"restrictions"`
	AllowedCommands   []string            `yaml:"allowed_commands"`
	ProtectedPatterns []string            `yaml:"protected_patterns"`
	SensitivePaths    []string            `yaml:"sensitive_paths"`
	DangerousPorts    []int               `yaml:"dangerous_ports"`
	ProtectedBranches []string            `yaml:"protected_branches"`
	AllowLoopback     bool                `yaml:"allow_loopback"`
	MaxFileBytes      int                 `yaml:"max_file_bytes"`
	MaxPushChanges    int                 `yaml:"max_push_changes"`
	MaxPushBytes      int                 `yaml:"max_push_bytes"`
}

func Default() Policy {
	return Policy{
		Restrictions: map[string][]string{
			"agent1": {OpFileWrite, OpSystemCommand, OpNetworkRequest},
			"agent2": {OpFileWrite, OpSystemCommand, OpNetworkRequest},
			"agent3": {OpFileWrite, OpSystemCommand},
			"agent4": {OpSystemCommand, OpSudo},
			"agent5": {OpFileDelete},
			"agent6": {OpGitPush},
			"agent8": {OpGitPush},
		},
		AllowedCommands: []string{"ls", "pwd", "cat", "echo", "mkdir", "touch", "cp", "mv", "grep", "find"},
		ProtectedPatterns: []string{
			"*.pyc", "*.pyo", "__pycache__/*", ".git/*", ".env", "config/*", "secrets/*",
			"credentials/*", "*password*", "*secret*", "*key*", "*token*", "*.key", "*.pem",
		},
		SensitivePaths:    []string{"/etc", "/root", "/var/log", "/.ssh", "/.gnupg", "/proc", "/sys"},
		DangerousPorts:    []int{22, 23, 25, 53, 80, 443, 3306, 5432, 6379, 27017},
		ProtectedBranches: []string{"main", "master", "production", "prod", "release"},
		MaxFileBytes:      100 * 1024,
		MaxPushChanges:    50,
		MaxPushBytes:      10 * 1024,
	}
}

// DefaultYAML renders Default() as a policy.yaml document.
func DefaultYAML() ([]byte, error) {
	out, err := yaml.Marshal(Default())
	if err != nil {
		return nil, fmt.Errorf("marshal policy: %w", err)
	}
	return out, nil
}

// Load reads path over Default(). Fields absent from the file keep their
// default values; a missing file yields Default().
func Load(path string) (Policy, error) {
	p := Default()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	if len(data) == 0 {
		return p, nil
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p Policy) validate() error {
	for subject, ops := range p.Restrictions {
		if strings.TrimSpace(subject) == "" {
			return fmt.Errorf("restriction with empty subject")
		}
		for _, op := range ops {
			if strings.TrimSpace(op) == "" {
				return fmt.Errorf("empty operation in restrictions for %q", subject)
			}
		}
	}
	for _, cmd := range p.AllowedCommands {
		if strings.ContainsAny(cmd, " /\t") {
			return fmt.Errorf("allowed command %q must be a bare program name", cmd)
		}
	}
	for _, pat := range p.ProtectedPatterns {
		if _, err := path.Match(pat, ""); err != nil {
			return fmt.Errorf("invalid protected pattern %q: %w", pat, err)
		}
	}
	for _, port := range p.DangerousPorts {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("invalid dangerous port %d", port)
		}
	}
	if p.MaxFileBytes < 0 || p.MaxPushChanges < 0 || p.MaxPushBytes < 0 {
		return fmt.Errorf("limits must be non-negative")
	}
	return nil
}

// Restricted reports whether subject is statically forbidden from op.
func (p Policy) Restricted(subject, op string) bool {
	return slices.Contains(p.Restrictions[subject], op)
}

// CommandAllowed reports whether name is on the allow-list. Only the program
// base name is compared, so "/bin/ls" and "ls" are equivalent.
func (p Policy) CommandAllowed(name string) bool {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == "/" {
		return false
	}
	return slices.Contains(p.AllowedCommands, name)
}

// ProtectedMatch returns the first protected glob matching rel, a slash
// separated path relative to the workspace root. Patterns are checked against
// the full path and against its base name.
func (p Policy) ProtectedMatch(rel string) (string, bool) {
	rel = filepath.ToSlash(strings.TrimPrefix(rel, "./"))
	base := path.Base(rel)
	for _, pat := range p.ProtectedPatterns {
		if ok, _ := path.Match(pat, rel); ok {
			return pat, true
		}
		if ok, _ := path.Match(pat, base); ok {
			return pat, true
		}
		// "dir/*" also covers anything nested below dir.
		if strings.HasSuffix(pat, "/*") {
			dir := strings.TrimSuffix(pat, "/*")
			if rel == dir || strings.HasPrefix(rel, dir+"/") || strings.Contains(rel, "/"+dir+"/") {
				return pat, true
			}
		}
	}
	return "", false
}

// SensitiveMatch returns the sensitive system path referenced by arg, if any.
func (p Policy) SensitiveMatch(arg string) (string, bool) {
	for _, sp := range p.SensitivePaths {
		if arg == sp || strings.HasPrefix(arg, sp+"/") || strings.Contains(arg, sp+"/") || strings.HasSuffix(arg, sp) {
			return sp, true
		}
	}
	return "", false
}

// PortDangerous reports whether port is on the deny list.
func (p Policy) PortDangerous(port int) bool {
	return slices.Contains(p.DangerousPorts, port)
}

// BranchProtected reports whether branch is protected. refs/heads/ prefixes are ignored.
func (p Policy) BranchProtected(branch string) bool {
	branch = strings.TrimPrefix(strings.TrimSpace(branch), "refs/heads/")
	for _, b := range p.ProtectedBranches {
		if strings.EqualFold(b, branch) {
			return true
		}
	}
	return false
}

// HostBlocked reports whether host is private, loopback, link-local or unspecified.
func (p Policy) HostBlocked(host string) bool {
	return isBlockedHost(strings.ToLower(host), p.AllowLoopback)
}

func isBlockedHost(host string, allowLoopback bool) bool {
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return !allowLoopback
	}
	ip, err := netip.ParseAddr(strings.Trim(host, "[]"))
	if err != nil {
		return false // Not an IP address (e.g. a hostname).
	}
	ip = ip.Unmap()
	if allowLoopback && ip.IsLoopback() {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

// ResolveInWorkspace canonicalizes target against the workspace root and
// returns the resolved absolute path and its slash-separated form relative to
// the root. Symlinks are resolved on the deepest existing ancestor so paths
// that do not exist yet are still checked. Paths that land outside the root
// return ErrOutsideWorkspace.
func (p Policy) ResolveInWorkspace(target string) (abs, rel string, err error) {
	if strings.TrimSpace(p.WorkspaceRoot) == "" {
		return "", "", fmt.Errorf("%w: no workspace root configured", ErrOutsideWorkspace)
	}
	root, err := canonicalize(p.WorkspaceRoot)
	if err != nil {
		return "", "", fmt.Errorf("resolve workspace root: %w", err)
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(root, target)
	}
	resolved, err := canonicalize(target)
	if err != nil {
		return "", "", fmt.Errorf("resolve %q: %w", target, err)
	}
	if resolved != root && !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
		return "", "", fmt.Errorf("%w: %s", ErrOutsideWorkspace, target)
	}
	r, err := filepath.Rel(root, resolved)
	if err != nil {
		return "", "", fmt.Errorf("%w: %s", ErrOutsideWorkspace, target)
	}
	return resolved, filepath.ToSlash(r), nil
}

// canonicalize returns the absolute, symlink-free form of p. Missing trailing
// components are appended to the resolved existing ancestor.
func canonicalize(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	abs = filepath.Clean(abs)
	var missing []string
	cur := abs
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			for i := len(missing) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, missing[i])
			}
			return resolved, nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return abs, nil
		}
		missing = append(missing, filepath.Base(cur))
		cur = parent
	}
}

func (p Policy) PolicyVersion() string {
	return policyVersionFor(p)
}

// LivePolicy wraps a Policy with thread-safe mutation and persistence.
type LivePolicy struct {
	mu   sync.RWMutex
	data Policy
	path string // file path for persistence; empty = no persistence
}

// NewLivePolicy creates a LivePolicy from an initial Policy snapshot.
// If path is non-empty, mutations are persisted to that file.
func NewLivePolicy(initial Policy, path string) *LivePolicy {
	return &LivePolicy{data: initial, path: path}
}

func (lp *LivePolicy) PolicyVersion() string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return policyVersionFor(lp.data)
}

// Restrict forbids op for subject at runtime and persists the change.
func (lp *LivePolicy) Restrict(subject, op string) error {
	subject = strings.TrimSpace(subject)
	op = strings.TrimSpace(op)
	if subject == "" || op == "" {
		return fmt.Errorf("subject and operation are required")
	}

	lp.mu.Lock()
	defer lp.mu.Unlock()

	if slices.Contains(lp.data.Restrictions[subject], op) {
		return nil
	}
	restrictions := cloneRestrictions(lp.data.Restrictions)
	restrictions[subject] = append(restrictions[subject], op)
	lp.data.Restrictions = restrictions
	return lp.persist()
}

// Unrestrict lifts a static restriction and persists the change.
func (lp *LivePolicy) Unrestrict(subject, op string) error {
	lp.mu.Lock()
	defer lp.mu.Unlock()

	ops := lp.data.Restrictions[subject]
	idx := slices.Index(ops, op)
	if idx < 0 {
		return nil
	}
	restrictions := cloneRestrictions(lp.data.Restrictions)
	restrictions[subject] = slices.Delete(slices.Clone(ops), idx, idx+1)
	lp.data.Restrictions = restrictions
	return lp.persist()
}

// Reload replaces the policy data from a fresh Policy snapshot.
func (lp *LivePolicy) Reload(p Policy) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.data = p
}

// Snapshot returns a copy of the current policy data. Callers may read it
// without holding any lock; later reloads do not affect it.
func (lp *LivePolicy) Snapshot() Policy {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	cp := lp.data
	cp.Restrictions = cloneRestrictions(lp.data.Restrictions)
	cp.AllowedCommands = slices.Clone(lp.data.AllowedCommands)
	cp.ProtectedPatterns = slices.Clone(lp.data.ProtectedPatterns)
	cp.SensitivePaths = slices.Clone(lp.data.SensitivePaths)
	cp.DangerousPorts = slices.Clone(lp.data.DangerousPorts)
	cp.ProtectedBranches = slices.Clone(lp.data.ProtectedBranches)
	return cp
}

// ReloadFromFile updates the live policy only when the incoming file parses and validates.
// On error, the previous policy remains active.
func ReloadFromFile(lp *LivePolicy, path string) error {
	if lp == nil {
		return fmt.Errorf("nil live policy")
	}
	p, err := Load(path)
	if err != nil {
		return err
	}
	if p.WorkspaceRoot == "" {
		p.WorkspaceRoot = lp.Snapshot().WorkspaceRoot
	}
	lp.Reload(p)
	return nil
}

func cloneRestrictions(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in))
	for k, v := range in {
		out[k] = slices.Clone(v)
	}
	return out
}

func policyVersionFor(p Policy) string {
	h := fnv.New64a()
	write := func(s string) { _, _ = h.Write([]byte(s + "|")) }

	write("root=" + p.WorkspaceRoot)
	subjects := make([]string, 0, len(p.Restrictions))
	for s := range p.Restrictions {
		subjects = append(subjects, s)
	}
	sort.Strings(subjects)
	for _, s := range subjects {
		write("r:" + s + "=" + strings.Join(p.Restrictions[s], ","))
	}
	for _, v := range p.AllowedCommands {
		write("c:" + v)
	}
	for _, v := range p.ProtectedPatterns {
		write("g:" + v)
	}
	for _, v := range p.SensitivePaths {
		write("s:" + v)
	}
	for _, v := range p.DangerousPorts {
		write("p:" + strconv.Itoa(v))
	}
	for _, v := range p.ProtectedBranches {
		write("b:" + strings.ToLower(v))
	}
	if p.AllowLoopback {
		write("allow_loopback=true")
	}
	write(fmt.Sprintf("limits=%d/%d/%d", p.MaxFileBytes, p.MaxPushChanges, p.MaxPushBytes))
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}

func (lp *LivePolicy) persist() error {
	if lp.path == "" {
		return nil
	}
	out, err := yaml.Marshal(&lp.data)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	return os.WriteFile(lp.path, out, 0o644)
}
