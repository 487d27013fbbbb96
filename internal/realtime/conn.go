// Package realtime implements the live coordination core: who is connected,
// which connections are in which rooms, presence and typing fan-out, message
// delivery, and the call session state machine. All state here is in-memory
// and process-local; the durable store is consulted through the narrow
// collaborator interfaces in store.go.
package realtime

type Conn interface {
	ID() string
	UserID() int64
	Send(ev Event) error
	Close() error
}
