package bus

import "time"

// Event represents a domain event published on the bus.
//
// Kinds are dot-separated namespaces. The ones used across crewchat:
//
//	message.*      message lifecycle (appended, upserted, deleted, status_changed, send_failed)
//	conversation.* conversation lifecycle (read)
//	outbox.*       action queue (enqueued)
//	sync.*         sync engine (pass_completed, pull_completed, action_terminal)
//	transport.*    live transport (connected, disconnected, message, status)
//	session.*      daemon/session state (status_changed)
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
