package net

import (
	"errors"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	errNotAdvertisable = errors.New("local bind address is not advertisable")
	errNotTCP          = errors.New("local address is not a TCP address")
)

// NewTCPTransport returns a NetworkTransport that is built on top of
// a TCP streaming transport layer, with log output going to the supplied Logger
func NewTCPTransport(
	bindAddr string,
	advertise string,
	timeout time.Duration,
	logger *logrus.Entry,
) (*NetworkTransport, error) {
	stream, err := newTCPStreamLayer(bindAddr, advertise)
	if err != nil {
		return nil, err
	}
	return NewNetworkTransport(stream, timeout, logger), nil
}

func newTCPStreamLayer(bindAddr string, advertiseAddr string) (*TCPStreamLayer, error) {
	list, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, err
	}

	if err := checkAdvertisable(list.Addr(), advertiseAddr); err != nil {
		list.Close()
		return nil, err
	}

	return &TCPStreamLayer{
		advertise: advertiseAddr,
		listener:  list.(*net.TCPListener),
	}, nil
}

// checkAdvertisable verifies that other nodes can dial the address this node
// advertises: advertiseAddr when set, the listener address otherwise.
func checkAdvertisable(listenAddr net.Addr, advertiseAddr string) error {
	addr := listenAddr
	if advertiseAddr != "" {
		resolved, err := net.ResolveTCPAddr("tcp", advertiseAddr)
		if err != nil {
			return err
		}
		addr = resolved
	}

	tcpAddr, ok := addr.(*net.TCPAddr)
	switch {
	case !ok:
		return errNotTCP
	case tcpAddr.IP.IsUnspecified():
		return errNotAdvertisable
	}
	return nil
}
