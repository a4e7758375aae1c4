package net

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NewInmemAddr returns a new in-memory addr with a randomly generated UUID as
// the ID.
func NewInmemAddr() string {
	return uuid.New().String()
}

// InmemTransport Implements the Transport interface, to allow nodes to be
// tested in-memory without going over a network. Packets are delivered in
// order through a buffered channel.
type InmemTransport struct {
	sync.RWMutex
	consumerCh     chan Message
	disconnectedCh chan string
	localAddr      string
	peers          map[string]*InmemTransport
	timeout        time.Duration
	shutdown       bool
}

// NewInmemTransport is used to initialize a new transport
// and generates a random local address if none is specified
func NewInmemTransport(addr string) (string, *InmemTransport) {
	if addr == "" {
		addr = NewInmemAddr()
	}
	trans := &InmemTransport{
		consumerCh:     make(chan Message, consumerBuffer),
		disconnectedCh: make(chan string, disconnectedBuffer),
		localAddr:      addr,
		peers:          make(map[string]*InmemTransport),
		timeout:        time.Second,
	}
	return addr, trans
}

// Consumer implements the Transport interface.
func (i *InmemTransport) Consumer() <-chan Message {
	return i.consumerCh
}

// Disconnected implements the Transport interface.
func (i *InmemTransport) Disconnected() <-chan string {
	return i.disconnectedCh
}

// LocalAddr implements the Transport interface.
func (i *InmemTransport) LocalAddr() string {
	return i.localAddr
}

// AdvertiseAddr implements the Transport interface.
func (i *InmemTransport) AdvertiseAddr() string {
	return i.localAddr
}

// Send implements the Transport interface. The packet is copied.
func (i *InmemTransport) Send(target string, data []byte) error {
	i.RLock()
	shutdown := i.shutdown
	peer, ok := i.peers[target]
	i.RUnlock()

	if shutdown {
		return ErrTransportShutdown
	}
	if !ok {
		return fmt.Errorf("failed to connect to peer: %v", target)
	}

	msg := Message{
		From: i.localAddr,
		Data: append([]byte(nil), data...),
	}

	timer := time.NewTimer(i.timeout)
	defer timer.Stop()

	select {
	case peer.consumerCh <- msg:
		return nil
	case <-timer.C:
		return fmt.Errorf("send to %v timed out", target)
	}
}

// Connect is used to connect this transport to another transport for
// a given peer name. This allows for local routing.
func (i *InmemTransport) Connect(peer string, t Transport) {
	trans := t.(*InmemTransport)
	i.Lock()
	defer i.Unlock()
	i.peers[peer] = trans
}

// Disconnect removes the route to a peer and the route back, and notifies
// both ends.
func (i *InmemTransport) Disconnect(peer string) {
	i.Lock()
	trans, ok := i.peers[peer]
	delete(i.peers, peer)
	i.Unlock()

	if !ok {
		return
	}

	trans.Lock()
	delete(trans.peers, i.localAddr)
	trans.Unlock()

	i.notifyDisconnected(peer)
	trans.notifyDisconnected(i.localAddr)
}

// DisconnectAll is used to remove all routes to peers.
func (i *InmemTransport) DisconnectAll() {
	i.RLock()
	peers := make([]string, 0, len(i.peers))
	for addr := range i.peers {
		peers = append(peers, addr)
	}
	i.RUnlock()

	for _, addr := range peers {
		i.Disconnect(addr)
	}
}

func (i *InmemTransport) notifyDisconnected(addr string) {
	select {
	case i.disconnectedCh <- addr:
	default:
	}
}

// Close is used to permanently disable the transport
func (i *InmemTransport) Close() error {
	i.DisconnectAll()

	i.Lock()
	i.shutdown = true
	i.Unlock()

	return nil
}

// Listen is an empty function as there is no need to defer
// initialisation of the InMem service
func (i *InmemTransport) Listen() {
}
