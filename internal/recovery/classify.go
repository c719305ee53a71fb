// Package recovery classifies stage failures and proposes recovery
// directives. It never executes a directive itself.
package recovery

import (
	"context"
	"errors"
	"strings"
)

// FailureType is the classification every failure receives before any
// decision is made about it.
type FailureType string

const (
	Validation         FailureType = "validation_failure"
	Generation         FailureType = "code_generation_failure"
	Review             FailureType = "review_failure"
	System             FailureType = "system_failure"
	ResourceExhaustion FailureType = "resource_exhaustion"
	Network            FailureType = "network_failure"
	Permission         FailureType = "permission_failure"
	Unknown            FailureType = "unknown_failure"
)

// FailureTypes lists every classification in a stable order.
var FailureTypes = []FailureType{
	Validation, Generation, Review, System, ResourceExhaustion, Network, Permission, Unknown,
}

// HintedError carries a caller-supplied classification.
type HintedError struct {
	Type FailureType
	Err  error
}

func (e *HintedError) Error() string {
	if e.Err == nil {
		return string(e.Type)
	}
	return e.Err.Error()
}

func (e *HintedError) Unwrap() error { return e.Err }

// WithHint tags err with a failure type. Classify prefers the hint over any
// heuristic.
func WithHint(err error, t FailureType) error {
	if err == nil {
		return nil
	}
	return &HintedError{Type: t, Err: err}
}

// heuristics are checked in order against the lowercased error text.
var heuristics = []struct {
	t     FailureType
	words []string
}{
	{Permission, []string{"permission", "access denied", "forbidden", "unauthorized", "capability token"}},
	{ResourceExhaustion, []string{"out of memory", "oomkilled", "memory", "resource exhausted", "quota", "too many open files", "disk full"}},
	{Network, []string{"connection", "network", "timeout", "timed out", "unreachable", "dns", "tls handshake"}},
	{Validation, []string{"validation", "json", "schema", "parse", "unmarshal"}},
	{Generation, []string{"syntax error", "indentation", "compile", "generation", "logic error"}},
	{Review, []string{"review"}},
	{System, []string{"panic", "crash", "deadlock", "fatal", "segmentation"}},
}

// Classify returns the failure type of err. A structured hint wins; context
// deadline errors count as network failures; otherwise the error text is
// matched against keyword heuristics as a best-effort fallback.
func Classify(err error) FailureType {
	if err == nil {
		return Unknown
	}
	var hinted *HintedError
	if errors.As(err, &hinted) && hinted.Type != "" {
		return hinted.Type
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Network
	}
	msg := strings.ToLower(err.Error())
	for _, h := range heuristics {
		for _, w := range h.words {
			if strings.Contains(msg, w) {
				return h.t
			}
		}
	}
	return Unknown
}
