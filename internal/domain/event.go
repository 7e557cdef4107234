package domain

// EventType is one of the routing keys the orchestrator subscribes to on
// the bus.
type EventType string

const (
	EventPermitStatusUpdated      EventType = "permit.status.updated"
	EventPermitIngressInitiated   EventType = "permit.ingress.initiated"
	EventWorkspaceStopRequested   EventType = "permit.workspace.stop_requested"
	EventWorkspaceStartRequested  EventType = "permit.workspace.start_requested"
	EventPermitDeleted            EventType = "permit.deleted"
)

var validEventTypes = map[EventType]bool{
	EventPermitStatusUpdated:     true,
	EventPermitIngressInitiated:  true,
	EventWorkspaceStopRequested:  true,
	EventWorkspaceStartRequested: true,
	EventPermitDeleted:           true,
}

// ParseEventType validates a raw event-type string against the closed set
// recognised on the bus.
func ParseEventType(raw string) (EventType, bool) {
	t := EventType(raw)
	if validEventTypes[t] {
		return t, true
	}
	return "", false
}

// PermitEvent is the decoded, validated representation of a bus delivery,
// handed from Event Intake to the Lifecycle Engine.
type PermitEvent struct {
	Type      EventType
	PermitID  string
	Status    PermitStatus // zero value when absent or unrecognised
	Payload   map[string]any
	MessageID string
}
