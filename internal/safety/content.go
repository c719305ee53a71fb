package safety

import (
	"regexp"
	"strings"
)

// Action indicates the recommended response to a detected threat.
type Action int

const (
	// ActionAllow means the content is safe.
	ActionAllow Action = iota
	// ActionWarn means a potential issue was detected but the write may proceed.
	ActionWarn
	// ActionBlock means the content should be rejected.
	ActionBlock
)

func (a Action) String() string {
	switch a {
	case ActionAllow:
		return "allow"
	case ActionWarn:
		return "warn"
	case ActionBlock:
		return "block"
	default:
		return "unknown"
	}
}

// CheckResult is the outcome of a content check.
type CheckResult struct {
	Action  Action
	Reason  string
	Pattern string // which pattern matched (for logging)
}

// ContentScanner detects dangerous payloads in content an agent wants to
// write into the workspace.
type ContentScanner struct {
	extra []contentPattern
}

// NewContentScanner creates a scanner with the built-in pattern table.
// Extra substrings are matched case-insensitively and always block.
func NewContentScanner(extra ...string) *ContentScanner {
	s := &ContentScanner{}
	for _, sub := range extra {
		sub = strings.TrimSpace(sub)
		if sub == "" {
			continue
		}
		s.extra = append(s.extra, contentPattern{
			re:     regexp.MustCompile(`(?i)` + regexp.QuoteMeta(sub)),
			action: ActionBlock,
			reason: "configured blocklist: " + sub,
		})
	}
	return s
}

type contentPattern struct {
	re     *regexp.Regexp
	action Action
	reason string
}

var contentPatterns = []contentPattern{
	// Shell invocation from inside generated code.
	{
		re:     regexp.MustCompile(`(?i)\bos\.system\b`),
		action: ActionBlock,
		reason: "shell invocation: os.system",
	},
	{
		re:     regexp.MustCompile(`(?i)\bsubprocess\.(call|run|Popen|check_output)\b`),
		action: ActionBlock,
		reason: "shell invocation: subprocess",
	},
	// Dynamic evaluation.
	{
		re:     regexp.MustCompile(`(?i)\beval\s*\(`),
		action: ActionBlock,
		reason: "dynamic evaluation: eval",
	},
	{
		re:     regexp.MustCompile(`(?i)\bexec\s*\(`),
		action: ActionBlock,
		reason: "dynamic evaluation: exec",
	},
	// Privilege escalation and destructive commands.
	{
		re:     regexp.MustCompile(`(?i)\bsudo\b`),
		action: ActionBlock,
		reason: "privilege escalation: sudo",
	},
	{
		re:     regexp.MustCompile(`(?i)\b(chmod|chown)\b`),
		action: ActionBlock,
		reason: "privilege escalation: permission change",
	},
	{
		re:     regexp.MustCompile(`(?i)\brm\s+-rf\b`),
		action: ActionBlock,
		reason: "destructive command: rm -rf",
	},
	{
		re:     regexp.MustCompile(`(?i)\bapt-get\b`),
		action: ActionBlock,
		reason: "system modification: package install",
	},
	// Network tooling.
	{
		re:     regexp.MustCompile(`(?i)\b(curl|wget|nc)\s`),
		action: ActionBlock,
		reason: "network tool invocation",
	},
	{
		re:     regexp.MustCompile(`(?i)\b(netcat|telnet)\b`),
		action: ActionBlock,
		reason: "network tool invocation",
	},
	// Process-level imports are common in legitimate code.
	{
		re:     regexp.MustCompile(`(?m)^\s*import\s+(os|sys|subprocess)\b`),
		action: ActionWarn,
		reason: "process-level import",
	},
}

// Scan checks content against the pattern table. The first blocking match
// wins; otherwise the first warning is returned.
func (s *ContentScanner) Scan(content string) CheckResult {
	if content == "" {
		return CheckResult{Action: ActionAllow}
	}

	var warn *CheckResult
	check := func(p contentPattern) *CheckResult {
		m := p.re.FindString(content)
		if m == "" {
			return nil
		}
		r := CheckResult{Action: p.action, Reason: p.reason, Pattern: m}
		return &r
	}
	for _, p := range contentPatterns {
		r := check(p)
		if r == nil {
			continue
		}
		if r.Action == ActionBlock {
			return *r
		}
		if warn == nil {
			warn = r
		}
	}
	for _, p := range s.extra {
		if r := check(p); r != nil {
			return *r
		}
	}
	if warn != nil {
		return *warn
	}
	return CheckResult{Action: ActionAllow}
}
