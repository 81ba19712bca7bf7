// Package audit is a Turnstile extension that bridges lifecycle events
// to an audit trail backend.
//
// Every request and scheduler lifecycle hook emits a structured audit
// event through the [Recorder] interface. The extension assigns
// severity levels (info for normal operations, warning for reclaims and
// lock timeouts, critical for terminal failures) and rich metadata
// (session, channel, worker, elapsed time, errors).
//
// # Usage
//
//	audit.New(audit.RecorderFunc(func(ctx context.Context, evt *audit.Event) error {
//	    return trail.Write(ctx, evt.Action, evt.Resource, evt.ResourceID, evt.Metadata)
//	}))
//
// # Selective filtering
//
//	audit.New(recorder,
//	    audit.WithActions(
//	        audit.ActionRequestFailed,
//	        audit.ActionRequestReclaimed,
//	    ),
//	)
package audit
