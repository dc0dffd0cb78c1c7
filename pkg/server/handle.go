package server

// Handle is the transport-level object used to reach one connection.
//
// Send must be safe for concurrent use: fan-out from other connections can
// write to a handle while its own chain is running. Delivery failures are
// reported to done (which may be nil) and never returned to the caller.
type Handle interface {
	Send(kind MessageKind, data []byte, done func(error))
	Close() error
}
