package tracker

// Event is sent in an announce request when the state of a session changes.
type Event int32

// The numbers are the values on the wire in the UDP tracker protocol.
const (
	EventNone Event = iota
	EventCompleted
	EventStarted
	EventStopped
)

// String returns the value of the event query parameter of the HTTP tracker protocol.
// The parameter is omitted for EventNone, which returns "".
func (e Event) String() string {
	switch e {
	case EventCompleted:
		return "completed"
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	default:
		return ""
	}
}
