package node

import "errors"

var (
	// ErrTimeout is returned by WaitRequest when the request is not served in
	// time.
	ErrTimeout = errors.New("request timed out")

	// ErrPeerDisconnected serves the pending requests addressed to a peer
	// whose connection was lost.
	ErrPeerDisconnected = errors.New("peer disconnected")

	// ErrUnknownRequest is returned for request ids that are not pending.
	ErrUnknownRequest = errors.New("unknown request")

	// ErrUnknownPeer is returned when sending to a node that is not connected.
	ErrUnknownPeer = errors.New("unknown peer")

	// ErrShutdown serves the pending requests of a node that shuts down.
	ErrShutdown = errors.New("node shut down")
)
