package pipeline

import (
	"strings"
	"time"

	"github.com/basket/go-devpipe/internal/recovery"
)

// Diagnostic is emitted when a run aborts without completing.
type Diagnostic struct {
	JobID       string
	RunID       string
	Outcome     Outcome
	FailedStage string
	Error       string
	FailureType recovery.FailureType
	Suggestions []string
	// Preventive lists recurring failure patterns across all runs.
	Preventive []string
	Time       time.Time
}

type remedy struct {
	words       []string
	suggestions []string
}

// remedies are matched in order against the lowercased error text; the first
// hit wins.
var remedies = []remedy{
	{
		words: []string{"connection", "network"},
		suggestions: []string{
			"Check connectivity to dependent services",
			"Validate network configuration and firewalls",
			"Test the services manually before restarting the run",
		},
	},
	{
		words: []string{"memory", "ram", "oom"},
		suggestions: []string{
			"Reduce the context size sent to stage executors",
			"Raise the memory limit or move to a larger machine",
			"Process smaller tasks in batches",
		},
	},
	{
		words: []string{"timeout", "deadline exceeded"},
		suggestions: []string{
			"Increase the configured run timeout",
			"Reduce the complexity of the requested task",
			"Check system load and dependent services",
		},
	},
	{
		words: []string{"validation", "json"},
		suggestions: []string{
			"Simplify the request",
			"Provide more context or examples",
			"Split the task into smaller subtasks",
		},
	},
	{
		words: []string{"permission", "access"},
		suggestions: []string{
			"Check file system permissions on the workspace",
			"Run with the privileges the stages need",
			"Check capability tokens and the guardrail policy",
		},
	},
}

var genericRemedy = []string{
	"Check the logs for details",
	"Retry the run with a simpler description",
	"Contact support if the problem persists",
}

// Suggestions returns remediation hints for an error message.
func Suggestions(errText string) []string {
	lower := strings.ToLower(errText)
	words := strings.FieldsFunc(lower, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	for _, r := range remedies {
		for _, w := range r.words {
			if matchesRemedy(lower, words, w) {
				return append([]string(nil), r.suggestions...)
			}
		}
	}
	return append([]string(nil), genericRemedy...)
}

// Short words must match a whole word so "program" is not a memory problem.
func matchesRemedy(lower string, words []string, w string) bool {
	if len(w) > 3 {
		return strings.Contains(lower, w)
	}
	for _, f := range words {
		if f == w {
			return true
		}
	}
	return false
}
