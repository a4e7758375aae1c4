package node

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mosaicnetworks/mural/src/command"
	"github.com/mosaicnetworks/mural/src/dispatch"
	"github.com/mosaicnetworks/mural/src/metrics"
	"github.com/mosaicnetworks/mural/src/net"
	"github.com/mosaicnetworks/mural/src/packet"
	"github.com/sirupsen/logrus"
)

// retryInterval is the period at which pending commands are routed again
// when no packet arrives.
const retryInterval = 20 * time.Millisecond

// pendingCommand is a received command whose addressee is not known yet.
type pendingCommand struct {
	cmd   *command.Command
	since time.Time
}

// receive is the receiver goroutine. It turns packets into commands and
// routes them.
func (n *Node) receive() {
	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()

	consumer := n.trans.Consumer()
	disconnected := n.trans.Disconnected()

	for {
		select {
		case msg := <-consumer:
			n.handleMessage(msg)
		case msg := <-n.localCh:
			n.handleMessage(msg)
		case addr := <-disconnected:
			n.handleDisconnect(addr)
		case <-ticker.C:
			n.routePending()
		case <-n.shutdownCh:
			return
		}
	}
}

func (n *Node) handleMessage(msg net.Message) {
	h, err := packet.ReadHeader(msg.Data)
	if err != nil {
		n.logger.WithFields(logrus.Fields{
			"from":  msg.From,
			"error": err,
		}).Error("Dropping invalid packet")
		atomic.AddUint64(&n.dropped, 1)
		metrics.CommandsDropped.WithLabelValues("invalid", "protocol").Inc()
		return
	}

	cmd := n.cache.Alloc(n.senderID(msg.From), msg.From, h.Size)
	if err := cmd.Fill(msg.Data); err != nil {
		n.logger.WithFields(logrus.Fields{
			"from":  msg.From,
			"error": err,
		}).Error("Dropping invalid packet")
		cmd.Release()
		atomic.AddUint64(&n.dropped, 1)
		metrics.CommandsDropped.WithLabelValues(h.Kind.String(), "protocol").Inc()
		return
	}

	atomic.AddUint64(&n.received, 1)
	metrics.CommandsReceived.WithLabelValues(h.Kind.String()).Inc()

	// commands waiting for their addressee go first, to preserve the order
	// of packets addressed to the same object or stage
	n.routePending()

	if n.blocked(cmd) || !n.route(cmd) {
		n.pending = append(n.pending, pendingCommand{cmd: cmd, since: time.Now()})
		metrics.CommandsPending.Set(float64(len(n.pending)))
		n.routePending()
		return
	}
	cmd.Release()
}

// blocked reports whether a pending command has the same addressee as cmd.
// Node commands are keyed by command id.
func (n *Node) blocked(cmd *command.Command) bool {
	for _, p := range n.pending {
		if p.cmd.Kind() != cmd.Kind() {
			continue
		}
		switch cmd.Kind() {
		case packet.KindNode:
			if p.cmd.Command() == cmd.Command() {
				return true
			}
		case packet.KindObject:
			if p.cmd.ObjectID() == cmd.ObjectID() {
				return true
			}
		case packet.KindStage:
			if p.cmd.StageID() == cmd.StageID() {
				return true
			}
		}
	}
	return false
}

// senderID returns the node id of the node at addr, or uuid.Nil when it did
// not complete a handshake.
func (n *Node) senderID(addr string) uuid.UUID {
	if addr == n.trans.AdvertiseAddr() {
		return n.id
	}
	if peer, ok := n.PeerByAddr(addr); ok {
		return peer.ID
	}
	return uuid.Nil
}

// route hands cmd to its dispatcher. It returns false when the addressee is
// not known yet.
func (n *Node) route(cmd *command.Command) bool {
	var ok bool
	var res dispatch.Result

	switch cmd.Kind() {
	case packet.KindNode:
		ok, res = n.dispatcher.DispatchCommand(cmd)
	case packet.KindObject, packet.KindStage:
		n.routerLock.RLock()
		router := n.objectRouter
		if cmd.Kind() == packet.KindStage {
			router = n.stageRouter
		}
		n.routerLock.RUnlock()

		if router == nil {
			return false
		}
		ok, res = router.RouteCommand(cmd)
	}

	if !ok {
		return false
	}

	switch res {
	case dispatch.Error:
		n.fatal(cmd)
	case dispatch.Discard:
		n.logger.WithField("command", cmd.String()).Debug("Discarding obsolete command")
		atomic.AddUint64(&n.dropped, 1)
		metrics.CommandsDropped.WithLabelValues(cmd.Kind().String(), "obsolete").Inc()
	}
	return true
}

// routePending routes the pending commands again, in arrival order. Commands
// pending for longer than the pending timeout are dropped as obsolete.
func (n *Node) routePending() {
	if len(n.pending) == 0 {
		return
	}

	now := time.Now()
	kept := n.pending[:0]
	for _, p := range n.pending {
		if n.route(p.cmd) {
			p.cmd.Release()
			continue
		}

		if now.Sub(p.since) > n.conf.PendingTimeout {
			n.logger.WithFields(logrus.Fields{
				"command": p.cmd.String(),
				"since":   p.since,
			}).Debug("Dropping undispatchable command")
			atomic.AddUint64(&n.dropped, 1)
			metrics.CommandsDropped.WithLabelValues(p.cmd.Kind().String(), "timeout").Inc()
			p.cmd.Release()
			continue
		}

		kept = append(kept, p)
	}

	for i := len(kept); i < len(n.pending); i++ {
		n.pending[i] = pendingCommand{}
	}
	n.pending = kept
	metrics.CommandsPending.Set(float64(len(n.pending)))
}

func (n *Node) dropPending() {
	for _, p := range n.pending {
		p.cmd.Release()
	}
	n.pending = nil
	metrics.CommandsPending.Set(0)
}

func (n *Node) receivedCount() uint64 {
	return atomic.LoadUint64(&n.received)
}

func (n *Node) droppedCount() uint64 {
	return atomic.LoadUint64(&n.dropped)
}
