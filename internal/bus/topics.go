package bus

import "time"

// Pipeline run topics.
const (
	TopicRunProgress     = "run.progress"
	TopicRunStageFailed  = "run.stage.failed"
	TopicRunDiagnostic   = "run.diagnostic"
	TopicRecoveryPlanned = "run.recovery.planned"
)

// Security topics.
const (
	TopicSecurityAlert    = "security.alert"
	TopicPermissionDenied = "security.permission_denied"
	TopicPolicyReloaded   = "security.policy_reloaded"
)

// Approval topics for the human checkpoint before publishing.
const (
	TopicApprovalRequested = "approval.requested"
	TopicApprovalResolved  = "approval.resolved"
)

// ProgressEvent is published after every pipeline transition.
type ProgressEvent struct {
	JobID     string
	Phase     string
	Stage     string
	Percent   float64
	Timestamp time.Time
	Error     string // empty unless the transition was caused by a failure
}

// SecurityAlert is raised when a critical operation is denied.
type SecurityAlert struct {
	Subject   string
	Operation string
	Reason    string
	Severity  string // "info", "warning", "critical"
	JobID     string
}

// ApprovalEvent is published when a job enters or leaves pending_approval.
type ApprovalEvent struct {
	JobID    string
	Decision string // "", "approve" or "reject"
	Reason   string
}

// PolicyReloaded is published after policy.yaml changes on disk. Error is set
// when the new file was rejected and the previous policy stays active.
type PolicyReloaded struct {
	Path    string
	Version string
	Error   string
}
