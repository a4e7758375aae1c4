package node

import (
	"time"

	"github.com/google/uuid"
	"github.com/mosaicnetworks/mural/src/command"
	"github.com/mosaicnetworks/mural/src/dispatch"
	"github.com/mosaicnetworks/mural/src/metrics"
	"github.com/mosaicnetworks/mural/src/packet"
	"github.com/mosaicnetworks/mural/src/peers"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

func (n *Node) registerCommands() {
	n.dispatcher.RegisterCommand(packet.CmdNodeConnect, n.cmdConnect, nil)
	n.dispatcher.RegisterCommand(packet.CmdNodeConnectReply, n.cmdConnectReply, nil)
	n.dispatcher.RegisterCommand(packet.CmdNodeDisconnect, n.cmdDisconnect, nil)
	n.dispatcher.RegisterCommand(packet.CmdNodePing, n.cmdPing, nil)
	n.dispatcher.RegisterCommand(packet.CmdNodeAckRequest, n.cmdAckRequest, nil)
}

// Connect performs the handshake with the node at addr and returns the
// corresponding peer. Connecting to a connected node returns its peer
// immediately.
func (n *Node) Connect(addr string, timeout time.Duration) (*peers.Peer, error) {
	if peer, ok := n.PeerByAddr(addr); ok {
		return peer, nil
	}

	requestID := n.RegisterRequest(addr)

	err := n.SendAddr(addr, packet.NewNodePacket(packet.CmdNodeConnect, &packet.Connect{
		RequestID: requestID,
		NodeID:    n.id,
		Addr:      n.trans.AdvertiseAddr(),
		Moniker:   n.moniker,
	}))
	if err != nil {
		n.requests.remove(requestID)
		return nil, errors.Wrapf(err, "connecting to %s", addr)
	}

	res, err := n.WaitRequest(requestID, timeout)
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to %s", addr)
	}
	return res.(*peers.Peer), nil
}

// Peers returns the connected peers.
func (n *Node) Peers() []*peers.Peer {
	n.peerLock.RLock()
	defer n.peerLock.RUnlock()
	return n.peerSet.Peers
}

// Peer returns the connected peer with node id id.
func (n *Node) Peer(id uuid.UUID) (*peers.Peer, bool) {
	n.peerLock.RLock()
	defer n.peerLock.RUnlock()
	p, ok := n.peerSet.ByID[id]
	return p, ok
}

// PeerByAddr returns the connected peer at addr.
func (n *Node) PeerByAddr(addr string) (*peers.Peer, bool) {
	n.peerLock.RLock()
	defer n.peerLock.RUnlock()
	p, ok := n.peerSet.ByAddr[addr]
	return p, ok
}

func (n *Node) addPeer(peer *peers.Peer) {
	n.peerLock.Lock()
	n.peerSet = n.peerSet.WithNewPeer(peer)
	listeners := n.listeners
	count := n.peerSet.Len()
	n.peerLock.Unlock()

	metrics.PeersConnected.Set(float64(count))

	n.logger.WithField("peer", peer.String()).Debug("Peer connected")

	for _, l := range listeners {
		l.PeerConnected(peer)
	}
}

// removePeer drops a peer and fails the requests waiting for it.
func (n *Node) removePeer(peer *peers.Peer) {
	n.peerLock.Lock()
	if _, ok := n.peerSet.ByID[peer.ID]; !ok {
		n.peerLock.Unlock()
		return
	}
	n.peerSet = n.peerSet.WithRemovedPeer(peer)
	listeners := n.listeners
	count := n.peerSet.Len()
	n.peerLock.Unlock()

	metrics.PeersConnected.Set(float64(count))

	failed := n.requests.failPeer(peer.ID, ErrPeerDisconnected)

	n.logger.WithFields(logrus.Fields{
		"peer":            peer.String(),
		"failed_requests": failed,
	}).Debug("Peer disconnected")

	for _, l := range listeners {
		l.PeerDisconnected(peer)
	}
}

func (n *Node) handleDisconnect(addr string) {
	if peer, ok := n.PeerByAddr(addr); ok {
		n.removePeer(peer)
	}
}

func (n *Node) cmdConnect(cmd *command.Command) dispatch.Result {
	var req packet.Connect
	if err := cmd.Decode(&req); err != nil {
		n.logger.WithField("error", err).Error("Decoding Connect")
		return dispatch.Error
	}

	peer := peers.NewPeer(req.NodeID, cmd.Addr(), req.Moniker)
	if existing, ok := n.Peer(req.NodeID); !ok || existing.NetAddr != peer.NetAddr {
		n.addPeer(peer)
	}

	err := n.SendAddr(cmd.Addr(), packet.NewNodePacket(packet.CmdNodeConnectReply, &packet.ConnectReply{
		RequestID: req.RequestID,
		NodeID:    n.id,
		Moniker:   n.moniker,
	}))
	if err != nil {
		n.logger.WithFields(logrus.Fields{
			"peer":  peer.String(),
			"error": err,
		}).Error("Replying to Connect")
	}

	return dispatch.Handled
}

func (n *Node) cmdConnectReply(cmd *command.Command) dispatch.Result {
	var rep packet.ConnectReply
	if err := cmd.Decode(&rep); err != nil {
		n.logger.WithField("error", err).Error("Decoding ConnectReply")
		return dispatch.Error
	}

	peer, ok := n.Peer(rep.NodeID)
	if !ok || peer.NetAddr != cmd.Addr() {
		peer = peers.NewPeer(rep.NodeID, cmd.Addr(), rep.Moniker)
		n.addPeer(peer)
	}

	n.ServeRequest(rep.RequestID, peer)
	return dispatch.Handled
}

func (n *Node) cmdDisconnect(cmd *command.Command) dispatch.Result {
	var req packet.Disconnect
	if err := cmd.Decode(&req); err != nil {
		n.logger.WithField("error", err).Error("Decoding Disconnect")
		return dispatch.Error
	}

	if peer, ok := n.Peer(req.NodeID); ok {
		n.removePeer(peer)
	}
	return dispatch.Handled
}

func (n *Node) cmdPing(cmd *command.Command) dispatch.Result {
	var req packet.Ping
	if err := cmd.Decode(&req); err != nil {
		n.logger.WithField("error", err).Error("Decoding Ping")
		return dispatch.Error
	}

	if err := n.Reply(cmd, packet.NewNodePacket(packet.CmdNodeAckRequest, &packet.AckRequest{
		RequestID: req.RequestID,
	})); err != nil {
		n.logger.WithField("error", err).Debug("Answering Ping")
	}
	return dispatch.Handled
}

func (n *Node) cmdAckRequest(cmd *command.Command) dispatch.Result {
	var req packet.AckRequest
	if err := cmd.Decode(&req); err != nil {
		n.logger.WithField("error", err).Error("Decoding AckRequest")
		return dispatch.Error
	}

	n.ServeRequest(req.RequestID, true)
	return dispatch.Handled
}

// Ping sends a Ping to a connected peer and returns the round-trip time.
func (n *Node) Ping(peerID uuid.UUID, timeout time.Duration) (time.Duration, error) {
	start := time.Now()
	requestID := n.RegisterPeerRequest(peerID, nil)

	if err := n.Send(peerID, packet.NewNodePacket(packet.CmdNodePing, &packet.Ping{RequestID: requestID})); err != nil {
		n.requests.remove(requestID)
		return 0, err
	}

	if _, err := n.WaitRequest(requestID, timeout); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}
