package transport

type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateExited   State = "exited"
	StateError    State = "error"
)

// Handler receives transport events. Calls for one spawn are serialized:
// HandleStarted, then any number of HandleMessage, then HandleExit once.
type Handler interface {
	HandleStarted(pid int)
	HandleMessage(line []byte)
	HandleExit(err error)
}
