package net

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	bufSize = math.MaxUint16

	// frameHeaderSize is the size of the length prefix of every frame
	frameHeaderSize = 4

	// maxFrameSize bounds the length prefix of incoming frames
	maxFrameSize = math.MaxUint32

	consumerBuffer     = 1024
	disconnectedBuffer = 256
)

var (
	// ErrTransportShutdown is returned when operations on a transport are
	// invoked after it's been terminated.
	ErrTransportShutdown = errors.New("transport shutdown")
)

/*
NetworkTransport provides a network based transport that can be used to
exchange packets with nodes on remote machines. It requires an underlying
stream layer to provide a stream abstraction, which can be simple TCP, TLS,
etc.

Each target is reached through a single outbound connection, so that packets
sent to the same node arrive in the order they were sent. A frame is a
big-endian uint32 length followed by the packet bytes. The first frame on a
connection carries the advertise address of the dialing node, which is the
address the receiver uses to answer.
*/
type NetworkTransport struct {
	logger *logrus.Entry

	connPool     map[string]*netConn
	connPoolLock sync.Mutex

	consumeCh      chan Message
	disconnectedCh chan string

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex

	stream StreamLayer

	timeout time.Duration
}

type netConn struct {
	sync.Mutex
	target string
	conn   net.Conn
	w      *bufio.Writer
}

// Release closes the underlying connection
func (n *netConn) Release() error {
	return n.conn.Close()
}

// NewNetworkTransport creates a new network transport with the given stream
// layer. The timeout is used to apply I/O deadlines on writes.
func NewNetworkTransport(
	stream StreamLayer,
	timeout time.Duration,
	logger *logrus.Entry,
) *NetworkTransport {

	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	return &NetworkTransport{
		connPool:       make(map[string]*netConn),
		consumeCh:      make(chan Message, consumerBuffer),
		disconnectedCh: make(chan string, disconnectedBuffer),
		logger:         logger,
		shutdownCh:     make(chan struct{}),
		stream:         stream,
		timeout:        timeout,
	}
}

// Close is used to stop the network transport.
func (n *NetworkTransport) Close() error {
	n.shutdownLock.Lock()
	defer n.shutdownLock.Unlock()

	if n.shutdown {
		return nil
	}

	close(n.shutdownCh)
	n.stream.Close()
	n.shutdown = true

	n.connPoolLock.Lock()
	for target, conn := range n.connPool {
		conn.Release()
		delete(n.connPool, target)
	}
	n.connPoolLock.Unlock()

	return nil
}

// Consumer implements the Transport interface.
func (n *NetworkTransport) Consumer() <-chan Message {
	return n.consumeCh
}

// Disconnected implements the Transport interface.
func (n *NetworkTransport) Disconnected() <-chan string {
	return n.disconnectedCh
}

// LocalAddr implements the Transport interface.
func (n *NetworkTransport) LocalAddr() string {
	addr := n.stream.Addr()

	if addr != nil {
		return addr.String()
	}

	return ""
}

// AdvertiseAddr implements the Transport interface.
func (n *NetworkTransport) AdvertiseAddr() string {
	return n.stream.AdvertiseAddr()
}

// IsShutdown is used to check if the transport is shutdown.
func (n *NetworkTransport) IsShutdown() bool {
	select {
	case <-n.shutdownCh:
		return true
	default:
		return false
	}
}

// getConn returns the connection to target, dialing it if necessary.
func (n *NetworkTransport) getConn(target string) (*netConn, error) {
	n.connPoolLock.Lock()
	defer n.connPoolLock.Unlock()

	if n.IsShutdown() {
		return nil, ErrTransportShutdown
	}

	if conn, ok := n.connPool[target]; ok {
		return conn, nil
	}

	conn, err := n.stream.Dial(target, n.timeout)
	if err != nil {
		return nil, err
	}

	nc := &netConn{
		target: target,
		conn:   conn,
		w:      bufio.NewWriterSize(conn, bufSize),
	}

	// introduce ourselves
	if err := nc.writeFrame([]byte(n.AdvertiseAddr()), n.timeout); err != nil {
		nc.Release()
		return nil, err
	}

	n.connPool[target] = nc
	return nc, nil
}

// dropConn removes a connection from the pool if it is still the pooled
// connection to its target.
func (n *NetworkTransport) dropConn(target string, conn *netConn) {
	n.connPoolLock.Lock()
	defer n.connPoolLock.Unlock()

	if pooled, ok := n.connPool[target]; ok && (conn == nil || pooled == conn) {
		pooled.Release()
		delete(n.connPool, target)
	}
}

func (n *netConn) writeFrame(data []byte, timeout time.Duration) error {
	n.Lock()
	defer n.Unlock()

	if timeout > 0 {
		n.conn.SetWriteDeadline(time.Now().Add(timeout))
	}

	var prefix [frameHeaderSize]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(data)))

	if _, err := n.w.Write(prefix[:]); err != nil {
		return err
	}
	if _, err := n.w.Write(data); err != nil {
		return err
	}
	return n.w.Flush()
}

// Send implements the Transport interface.
func (n *NetworkTransport) Send(target string, data []byte) error {
	if uint64(len(data)) > maxFrameSize {
		return fmt.Errorf("packet of %d bytes exceeds frame size", len(data))
	}

	conn, err := n.getConn(target)
	if err != nil {
		return err
	}

	if err := conn.writeFrame(data, n.timeout); err != nil {
		n.logger.WithFields(logrus.Fields{
			"target": target,
			"error":  err,
		}).Debug("Failed to send packet")
		n.dropConn(target, conn)
		n.notifyDisconnected(target)
		return err
	}

	return nil
}

func (n *NetworkTransport) notifyDisconnected(addr string) {
	select {
	case n.disconnectedCh <- addr:
	case <-n.shutdownCh:
	default:
		n.logger.WithField("addr", addr).Warn("Disconnect notification dropped")
	}
}

// Listen opens the stream and handles incoming connections.
func (n *NetworkTransport) Listen() {
	for {
		// Accept incoming connections
		conn, err := n.stream.Accept()
		if err != nil {
			if n.IsShutdown() {
				return
			}
			n.logger.WithField("error", err).Error("Failed to accept connection")
			continue
		}
		n.logger.WithFields(logrus.Fields{
			"node": conn.LocalAddr(),
			"from": conn.RemoteAddr(),
		}).Debug("accepted connection")

		// Handle the connection in dedicated routine
		go n.handleConn(conn)
	}
}

// handleConn reads the frames of an inbound connection for its lifespan.
func (n *NetworkTransport) handleConn(conn net.Conn) {
	defer conn.Close()

	go func() {
		<-n.shutdownCh
		conn.Close()
	}()

	r := bufio.NewReaderSize(conn, bufSize)

	hello, err := readFrame(r)
	if err != nil {
		n.logger.WithField("error", err).Error("Failed to read peer address")
		return
	}
	from := string(hello)

	for {
		data, err := readFrame(r)
		if err != nil {
			if n.IsShutdown() {
				return
			}
			if err != io.EOF {
				n.logger.WithFields(logrus.Fields{
					"from":  from,
					"error": err,
				}).Error("Failed to read packet")
			}
			n.dropConn(from, nil)
			n.notifyDisconnected(from)
			return
		}

		select {
		case n.consumeCh <- Message{From: from, Data: data}:
		case <-n.shutdownCh:
			return
		}
	}
}

func readFrame(r *bufio.Reader) ([]byte, error) {
	var prefix [frameHeaderSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(prefix[:])
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return data, nil
}
