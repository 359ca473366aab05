package realtime

type EventKind int

const (
	EventConnection EventKind = iota
	EventData
	EventError
)

// Event is what a Provider hands to listeners. Exactly one of State,
// Response or Err is meaningful, selected by Kind.
type Event struct {
	Kind     EventKind
	State    ConnectionState
	Response Response
	Err      error
}

func connectionEvent(s ConnectionState) Event { return Event{Kind: EventConnection, State: s} }
func dataEvent(r Response) Event             { return Event{Kind: EventData, Response: r} }
func errorEvent(err error) Event             { return Event{Kind: EventError, Err: err} }

// Listener receives provider events on the provider's callback goroutine.
type Listener func(Event)
