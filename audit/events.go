package audit

// Audit event actions. Each constant corresponds to one lifecycle hook
// and becomes the Action field of the audit event.
const (
	ActionRequestAccepted  = "request.accepted"
	ActionTurnStarted      = "turn.started"
	ActionRequestCompleted = "request.completed"
	ActionRequestFailed    = "request.failed"
	ActionRequestReclaimed = "request.reclaimed"
	ActionLockTimeout      = "scheduler.lock_timeout"
	ActionShutdown         = "node.shutdown"
)

// Audit event categories group related actions.
const (
	CategoryRequest   = "turnstile.request"
	CategoryScheduler = "turnstile.scheduler"
	CategoryNode      = "turnstile.node"
)

// Resource types used as the Resource field in audit events.
const (
	ResourceRequest = "request"
	ResourceSession = "session"
	ResourceNode    = "node"
)

// AllActions returns every action this extension can emit.
func AllActions() []string {
	return []string{
		ActionRequestAccepted,
		ActionTurnStarted,
		ActionRequestCompleted,
		ActionRequestFailed,
		ActionRequestReclaimed,
		ActionLockTimeout,
		ActionShutdown,
	}
}
