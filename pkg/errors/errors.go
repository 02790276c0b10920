package errors

import "fmt"

type DuplicateIdentity struct {
	Identity string
}

func (e *DuplicateIdentity) Error() string {
	return fmt.Sprintf("Identity '%s' is already registered on this server", e.Identity)
}

type NotFound struct {
	Identity string
}

func (e *NotFound) Error() string {
	return fmt.Sprintf("No locally registered identity '%s'", e.Identity)
}

type ConnectFailed struct {
	PeerAddress string
	Underlying  error
}

func (e *ConnectFailed) Error() string {
	return fmt.Sprintf("Failed to connect to peer at %s: %v", e.PeerAddress, e.Underlying)
}

func (e *ConnectFailed) Unwrap() error {
	return e.Underlying
}

type LinkClosed struct {
	PeerName string
}

func (e *LinkClosed) Error() string {
	return fmt.Sprintf("Peer link to '%s' is closed", e.PeerName)
}

type NoRoute struct {
	Identity string
}

func (e *NoRoute) Error() string {
	return fmt.Sprintf("No route to identity '%s'", e.Identity)
}

type TTLExceeded struct {
	Sender string
	Target string
}

func (e *TTLExceeded) Error() string {
	return fmt.Sprintf("Hop count exhausted routing message from '%s' to '%s'", e.Sender, e.Target)
}

type NameCollision struct {
	CollisionContext string
	Name             string
}

func (e *NameCollision) Error() string {
	return fmt.Sprintf("Name collision for name '%s' in context '%s'", e.Name, e.CollisionContext)
}

type QueueFull struct {
	Identity string
}

func (e *QueueFull) Error() string {
	return fmt.Sprintf("Outbound queue full for identity '%s'", e.Identity)
}

type MalformedMessage struct {
	Direction string
	Reason    string
}

func (e *MalformedMessage) Error() string {
	return fmt.Sprintf("Malformed %s message: %s", e.Direction, e.Reason)
}
