package safety

import (
	"net/url"
	"regexp"
	"strings"
)

// LeakWarning describes a detected secret in content or a URL.
type LeakWarning struct {
	Pattern string
	Sample  string // first few chars of the match for logging (redacted)
}

// LeakDetector scans strings for leaked secrets.
type LeakDetector struct{}

// NewLeakDetector creates a new LeakDetector.
func NewLeakDetector() *LeakDetector {
	return &LeakDetector{}
}

var leakPatterns = []struct {
	re   *regexp.Regexp
	desc string
}{
	{
		re:   regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
		desc: "API key",
	},
	{
		re:   regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9_\-./+=]{16,}`),
		desc: "Bearer token",
	},
	{
		re:   regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
		desc: "AWS access key",
	},
	{
		re:   regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{30,}`),
		desc: "GitHub token",
	},
	{
		re:   regexp.MustCompile(`-----BEGIN\s+(RSA\s+|EC\s+|OPENSSH\s+)?PRIVATE\s+KEY-----`),
		desc: "private key",
	},
	{
		re:   regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*"?[^\s"]{8,}"?`),
		desc: "password",
	},
}

// Scan checks text for leaked secrets.
// Returns a list of warnings without modifying the input.
func (d *LeakDetector) Scan(output string) []LeakWarning {
	if output == "" {
		return nil
	}

	var warnings []LeakWarning
	for _, pat := range leakPatterns {
		matches := pat.re.FindAllString(output, 3) // limit to 3 matches per pattern
		for _, match := range matches {
			warnings = append(warnings, LeakWarning{
				Pattern: pat.desc,
				Sample:  sample(match),
			})
		}
	}
	return warnings
}

// suspiciousURLWords mark URLs that reach for credential or admin surfaces.
var suspiciousURLWords = []string{
	"admin", "login", "password", "credential", "secret", "token", "auth",
}

// ScanURL reports embedded userinfo, credential-like words and secret
// patterns in a raw URL.
func (d *LeakDetector) ScanURL(raw string) []LeakWarning {
	if raw == "" {
		return nil
	}
	var warnings []LeakWarning
	if u, err := url.Parse(raw); err == nil && u.User != nil {
		warnings = append(warnings, LeakWarning{Pattern: "embedded credentials", Sample: "***@" + u.Host})
	}
	lower := strings.ToLower(raw)
	for _, w := range suspiciousURLWords {
		if strings.Contains(lower, w) {
			warnings = append(warnings, LeakWarning{Pattern: "credential-like word", Sample: w})
		}
	}
	return append(warnings, d.Scan(raw)...)
}

func sample(match string) string {
	if len(match) > 20 {
		return match[:17] + "..."
	}
	return match
}
