package net

// Message is a packet received from another node. From is the advertise
// address of the sender.
type Message struct {
	From string
	Data []byte
}

// Transport provides an interface for network transports to allow a node to
// exchange packets with other nodes. Packets sent to the same target are
// delivered in order.
type Transport interface {

	// Starts the transport listening
	Listen()

	// Consumer returns a channel that delivers incoming packets.
	Consumer() <-chan Message

	// Disconnected returns a channel that delivers the addresses of nodes
	// whose connection was lost.
	Disconnected() <-chan string

	// LocalAddr is used to return our local address
	LocalAddr() string

	// AdvertiseAddr is used to return our advertise address where other peers
	// can reach us
	AdvertiseAddr() string

	// Send delivers one packet to the target node. It does not wait for the
	// target to process it.
	Send(target string, data []byte) error

	// Close permanently closes a transport, stopping
	// any associated goroutines and freeing other resources.
	Close() error
}
