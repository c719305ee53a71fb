package guardrail

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/basket/go-devpipe/internal/policy"
	"github.com/basket/go-devpipe/internal/safety"
)

// Change is one file touched by a VCS push.
type Change struct {
	Path string
	Size int
}

// OpContext carries the operation-specific fields the validators inspect.
// Only the fields relevant to the operation need to be set.
type OpContext struct {
	Path    string
	Content string
	Command string
	URL     string
	Port    int
	Branch  string
	Changes []Change
}

func (c OpContext) digestFields() map[string]string {
	f := map[string]string{}
	if c.Path != "" {
		f["path"] = c.Path
	}
	if c.Content != "" {
		f["content_len"] = strconv.Itoa(len(c.Content))
	}
	if c.Command != "" {
		f["command"] = c.Command
	}
	if c.URL != "" {
		f["url"] = c.URL
	}
	if c.Port != 0 {
		f["port"] = strconv.Itoa(c.Port)
	}
	if c.Branch != "" {
		f["branch"] = c.Branch
	}
	if len(c.Changes) > 0 {
		f["changes"] = strconv.Itoa(len(c.Changes))
	}
	return f
}

// validator inspects an operation context under a policy snapshot and returns
// a non-nil error describing why the operation must be denied.
type validator func(p policy.Policy, oc OpContext) error

var (
	scanner = safety.NewContentScanner()
	leaks   = safety.NewLeakDetector()
)

// validators maps operations to their specific checks. Operations without an
// entry only get the workspace containment check.
var validators = map[string]validator{
	policy.OpFileWrite:      ValidateFileWrite,
	policy.OpFileDelete:     ValidateFileDelete,
	policy.OpFileExecution:  ValidateFileWrite,
	policy.OpSystemCommand:  ValidateCommand,
	policy.OpNetworkRequest: ValidateNetwork,
	policy.OpGitPush:        ValidateVCSPush,
}

// ValidateWorkspacePath denies any path whose canonical form leaves the
// workspace root. An empty path passes.
func ValidateWorkspacePath(p policy.Policy, oc OpContext) error {
	if oc.Path == "" {
		return nil
	}
	if _, _, err := p.ResolveInWorkspace(oc.Path); err != nil {
		return fmt.Errorf("path %q: %w", oc.Path, err)
	}
	return nil
}

// ValidateFileWrite checks workspace containment, protected globs, content
// safety and size.
func ValidateFileWrite(p policy.Policy, oc OpContext) error {
	_, err := checkFilePath(p, oc.Path)
	if err != nil {
		return err
	}
	if p.MaxFileBytes > 0 && len(oc.Content) > p.MaxFileBytes {
		return fmt.Errorf("content too large: %d bytes (limit %d)", len(oc.Content), p.MaxFileBytes)
	}
	if res := scanner.Scan(oc.Content); res.Action == safety.ActionBlock {
		return fmt.Errorf("dangerous content: %s", res.Reason)
	}
	if found := leaks.Scan(oc.Content); len(found) > 0 {
		return fmt.Errorf("content contains a secret: %s", found[0].Pattern)
	}
	return nil
}

var sourceExtensions = []string{".py", ".js", ".ts", ".java", ".cpp", ".h", ".go", ".rs"}

var disposableMarkers = []string{"temp", "test", "tmp", "backup", "old"}

// ValidateFileDelete applies the write checks, then refuses to delete source
// files unless their path marks them as disposable. The target must exist.
func ValidateFileDelete(p policy.Policy, oc OpContext) error {
	abs, err := checkFilePath(p, oc.Path)
	if err != nil {
		return err
	}
	lower := strings.ToLower(oc.Path)
	ext := strings.ToLower(path.Ext(lower))
	for _, se := range sourceExtensions {
		if ext != se {
			continue
		}
		disposable := false
		for _, m := range disposableMarkers {
			if strings.Contains(lower, m) {
				disposable = true
				break
			}
		}
		if !disposable {
			return fmt.Errorf("refusing to delete source file %q", oc.Path)
		}
	}
	if _, err := os.Stat(abs); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("file %q does not exist", oc.Path)
		}
		return fmt.Errorf("stat %q: %w", oc.Path, err)
	}
	return nil
}

func checkFilePath(p policy.Policy, target string) (string, error) {
	if strings.TrimSpace(target) == "" {
		return "", errors.New("file path is required")
	}
	abs, rel, err := p.ResolveInWorkspace(target)
	if err != nil {
		return "", fmt.Errorf("path %q: %w", target, err)
	}
	if pat, ok := p.ProtectedMatch(rel); ok {
		return "", fmt.Errorf("path %q matches protected pattern %q", rel, pat)
	}
	return abs, nil
}

// shellMetachars never appear in an allowed command line.
const shellMetachars = "><|&;`$(){}[]\\\n\r"

// ValidateCommand checks a command line against the allow-list. Arguments
// may not touch sensitive system paths or leave the workspace.
func ValidateCommand(p policy.Policy, oc OpContext) error {
	cmd := strings.TrimSpace(oc.Command)
	if cmd == "" {
		return errors.New("empty command")
	}
	if i := strings.IndexAny(cmd, shellMetachars); i >= 0 {
		return fmt.Errorf("shell metacharacter %q in command", cmd[i])
	}
	fields := strings.Fields(cmd)
	if !p.CommandAllowed(fields[0]) {
		return fmt.Errorf("command %q is not on the allow-list", fields[0])
	}
	for _, raw := range fields[1:] {
		arg := optionValue(raw)
		if arg == "" {
			continue
		}
		if sp, ok := p.SensitiveMatch(arg); ok {
			return fmt.Errorf("argument %q references sensitive path %s", arg, sp)
		}
		if strings.Contains(arg, "..") || strings.HasPrefix(arg, "/") || strings.HasPrefix(arg, "~") {
			if _, _, err := p.ResolveInWorkspace(arg); err != nil {
				return fmt.Errorf("argument %q escapes the workspace", arg)
			}
		}
	}
	return nil
}

// optionValue returns the part of an argument that may name a path:
// "--file=/x" gives "/x", "-f/x" gives "/x", a bare "--flag" gives "".
func optionValue(arg string) string {
	switch {
	case strings.HasPrefix(arg, "--"):
		_, v, _ := strings.Cut(arg, "=")
		return v
	case strings.HasPrefix(arg, "-"):
		if _, v, ok := strings.Cut(arg, "="); ok {
			return v
		}
		if len(arg) > 2 {
			return arg[2:]
		}
		return ""
	}
	return arg
}

var defaultSchemePort = map[string]int{"https": 443, "wss": 443}

// ValidateNetwork requires an encrypted scheme, a public host, a port that is
// not on the deny list and a URL free of credential-like material.
func ValidateNetwork(p policy.Policy, oc OpContext) error {
	raw := strings.TrimSpace(oc.URL)
	if raw == "" {
		return errors.New("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "https" && scheme != "wss" {
		return fmt.Errorf("scheme %q is not encrypted", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("url has no host")
	}
	if p.HostBlocked(host) {
		return fmt.Errorf("host %q is private or loopback", host)
	}
	if oc.Port != 0 && oc.Port != defaultSchemePort[scheme] && p.PortDangerous(oc.Port) {
		return fmt.Errorf("port %d is not allowed", oc.Port)
	}
	if ps := u.Port(); ps != "" {
		port, err := strconv.Atoi(ps)
		if err != nil {
			return fmt.Errorf("invalid port %q", ps)
		}
		if port != defaultSchemePort[scheme] && p.PortDangerous(port) {
			return fmt.Errorf("port %d is not allowed", port)
		}
	}
	if found := leaks.ScanURL(raw); len(found) > 0 {
		return fmt.Errorf("url contains %s", found[0].Pattern)
	}
	return nil
}

// ValidateVCSPush checks the destination branch and the change set.
func ValidateVCSPush(p policy.Policy, oc OpContext) error {
	if strings.TrimSpace(oc.Branch) == "" {
		return errors.New("branch is required")
	}
	if p.BranchProtected(oc.Branch) {
		return fmt.Errorf("branch %q is protected", oc.Branch)
	}
	if p.MaxPushChanges > 0 && len(oc.Changes) > p.MaxPushChanges {
		return fmt.Errorf("too many changes for one push: %d (limit %d)", len(oc.Changes), p.MaxPushChanges)
	}
	total := 0
	for _, c := range oc.Changes {
		total += c.Size
	}
	if p.MaxPushBytes > 0 && total > p.MaxPushBytes {
		return fmt.Errorf("push too large: %d bytes (limit %d)", total, p.MaxPushBytes)
	}
	for _, c := range oc.Changes {
		clean := path.Clean(filepath.ToSlash(strings.TrimSpace(c.Path)))
		if clean == ".." || strings.HasPrefix(clean, "../") || strings.HasPrefix(clean, "/") {
			return fmt.Errorf("change %q leaves the repository", c.Path)
		}
		if pat, ok := p.ProtectedMatch(clean); ok {
			return fmt.Errorf("change %q matches protected pattern %q", c.Path, pat)
		}
	}
	return nil
}
