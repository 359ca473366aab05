package realtime

// ConnectionState is the lifecycle state of a Provider's socket.
type ConnectionState int

const (
	NotConnected ConnectionState = iota
	InProgress
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case NotConnected:
		return "not_connected"
	case InProgress:
		return "in_progress"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}
