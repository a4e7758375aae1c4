package node

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mosaicnetworks/mural/src/command"
	"github.com/mosaicnetworks/mural/src/config"
	"github.com/mosaicnetworks/mural/src/dispatch"
	"github.com/mosaicnetworks/mural/src/net"
	"github.com/mosaicnetworks/mural/src/packet"
	"github.com/mosaicnetworks/mural/src/peers"
	"github.com/mosaicnetworks/mural/src/state"
	"github.com/sirupsen/logrus"
)

// Router routes the commands of one packet kind. It returns false when the
// addressee of the command is not known yet; the node then keeps the command
// and routes it again later.
type Router interface {
	RouteCommand(cmd *command.Command) (bool, dispatch.Result)
}

// Invoker is implemented by routers that queue commands on the node command
// queue. The command goroutine hands them back the commands it pops.
type Invoker interface {
	InvokeCommand(cmd *command.Command) dispatch.Result
}

// PeerListener is notified when peers connect and disconnect. Notifications
// are delivered on the receiver goroutine.
type PeerListener interface {
	PeerConnected(peer *peers.Peer)
	PeerDisconnected(peer *peers.Peer)
}

//Node is a network-addressable endpoint of the cluster. It receives packets
//from its transport and dispatches them, as commands, to the node itself, to
//the objects attached to its object router or to the stages of its stage
//router.
type Node struct {
	state state.Manager

	conf   *config.Config
	logger *logrus.Entry

	id      uuid.UUID
	moniker string

	trans   net.Transport
	localCh chan net.Message

	cache      *command.Cache
	dispatcher *dispatch.Dispatcher
	cmdQueue   *command.Queue

	requests *requestTable

	peerLock  sync.RWMutex
	peerSet   *peers.PeerSet
	listeners []PeerListener

	routerLock   sync.RWMutex
	objectRouter Router
	stageRouter  Router

	pending []pendingCommand

	shutdownCh   chan struct{}
	runOnce      sync.Once
	shutdownOnce sync.Once

	start    time.Time
	received uint64
	dropped  uint64
}

//NewNode is a factory method that returns a Node instance
func NewNode(conf *config.Config, id uuid.UUID, trans net.Transport) *Node {
	logger := conf.Logger().WithFields(logrus.Fields{
		"node":    id.String()[:8],
		"moniker": conf.Moniker,
	})

	node := &Node{
		conf:       conf,
		logger:     logger,
		id:         id,
		moniker:    conf.Moniker,
		trans:      trans,
		localCh:    make(chan net.Message, 1024),
		cache:      command.NewCache(),
		dispatcher: dispatch.NewDispatcher(),
		cmdQueue:   command.NewQueue("node", logger),
		requests:   newRequestTable(),
		peerSet:    peers.NewPeerSet([]*peers.Peer{}),
		shutdownCh: make(chan struct{}),
	}

	node.state.SetState(state.Mapped)
	node.registerCommands()

	return node
}

// ID returns the node id.
func (n *Node) ID() uuid.UUID {
	return n.id
}

// Moniker ...
func (n *Node) Moniker() string {
	return n.moniker
}

// AdvertiseAddr returns the address where other nodes reach this node.
func (n *Node) AdvertiseAddr() string {
	return n.trans.AdvertiseAddr()
}

// Logger ...
func (n *Node) Logger() *logrus.Entry {
	return n.logger
}

// Config ...
func (n *Node) Config() *config.Config {
	return n.conf
}

// Cache returns the command cache of the node.
func (n *Node) Cache() *command.Cache {
	return n.cache
}

// Dispatcher returns the dispatcher of node packets.
func (n *Node) Dispatcher() *dispatch.Dispatcher {
	return n.dispatcher
}

// CommandQueue returns the queue of the command goroutine. Handlers registered
// with it are executed one at a time, in arrival order.
func (n *Node) CommandQueue() *command.Queue {
	return n.cmdQueue
}

// SetObjectRouter sets the router of object packets.
func (n *Node) SetObjectRouter(r Router) {
	n.routerLock.Lock()
	defer n.routerLock.Unlock()
	n.objectRouter = r
}

// SetStageRouter sets the router of stage packets.
func (n *Node) SetStageRouter(r Router) {
	n.routerLock.Lock()
	defer n.routerLock.Unlock()
	n.stageRouter = r
}

// AddPeerListener registers a listener of peer connections.
func (n *Node) AddPeerListener(l PeerListener) {
	n.peerLock.Lock()
	defer n.peerLock.Unlock()
	n.listeners = append(n.listeners, l)
}

//RunAsync calls Run as a separate thread
func (n *Node) RunAsync() {
	n.runOnce.Do(func() {
		n.logger.Debug("RunAsync")

		n.start = time.Now()
		n.state.SetState(state.Running)

		go n.trans.Listen()
		n.state.GoFunc(n.receive)
		n.state.GoFunc(n.runCommands)
	})
}

//Run starts the node and blocks until it is shut down
func (n *Node) Run() {
	n.RunAsync()
	<-n.shutdownCh
}

// runCommands is the command goroutine. It executes the commands queued on
// the node command queue.
func (n *Node) runCommands() {
	for {
		cmd := n.cmdQueue.Pop()
		if cmd == nil {
			return
		}
		if res := n.invoke(cmd); res == dispatch.Error {
			n.fatal(cmd)
		}
	}
}

// invoke runs the handler of a command popped from the command queue. Object
// and stage handlers are found through the router of their kind.
func (n *Node) invoke(cmd *command.Command) dispatch.Result {
	if cmd.Kind() == packet.KindNode {
		return n.dispatcher.InvokeCommand(cmd)
	}

	n.routerLock.RLock()
	router := n.objectRouter
	if cmd.Kind() == packet.KindStage {
		router = n.stageRouter
	}
	n.routerLock.RUnlock()

	inv, ok := router.(Invoker)
	if !ok {
		n.logger.WithField("command", cmd.String()).Warn("No invoker for queued command")
		return dispatch.Discard
	}
	return inv.InvokeCommand(cmd)
}

// fatal reports a protocol violation. The state of the node can not be trusted
// any more.
func (n *Node) fatal(cmd *command.Command) {
	n.logger.WithField("command", cmd.String()).Panic("Protocol error")
}

// Send serialises p and sends it to a connected peer.
func (n *Node) Send(peerID uuid.UUID, p *packet.Packet) error {
	if peerID == n.id {
		return n.SendLocal(p)
	}

	peer, ok := n.Peer(peerID)
	if !ok {
		return fmt.Errorf("%v: %s", ErrUnknownPeer, peerID)
	}
	return n.SendAddr(peer.NetAddr, p)
}

// SendAddr serialises p and sends it to the node at addr.
func (n *Node) SendAddr(addr string, p *packet.Packet) error {
	data, err := p.Marshal()
	if err != nil {
		return err
	}
	return n.trans.Send(addr, data)
}

// Reply sends p to the node that sent cmd.
func (n *Node) Reply(cmd *command.Command, p *packet.Packet) error {
	if cmd.From() == n.id {
		return n.SendLocal(p)
	}
	return n.SendAddr(cmd.Addr(), p)
}

// SendLocal serialises p and hands it to the receiver goroutine of this node,
// as if it came from the network.
func (n *Node) SendLocal(p *packet.Packet) error {
	data, err := p.Marshal()
	if err != nil {
		return err
	}

	select {
	case n.localCh <- net.Message{From: n.trans.AdvertiseAddr(), Data: data}:
		return nil
	case <-n.shutdownCh:
		return ErrShutdown
	}
}

//Shutdown stops the goroutines of the node, fails the pending requests and
//closes the transport.
func (n *Node) Shutdown() {
	n.shutdownOnce.Do(n.shutdown)
}

func (n *Node) shutdown() {
	n.logger.Debug("Shutdown")

	n.state.SetState(state.Stopping)

	for _, p := range n.Peers() {
		n.SendAddr(p.NetAddr, packet.NewNodePacket(packet.CmdNodeDisconnect, &packet.Disconnect{NodeID: n.id}))
	}

	close(n.shutdownCh)
	n.cmdQueue.Close()

	n.state.WaitRoutines()

	n.requests.failAll(ErrShutdown)
	n.dropPending()

	n.trans.Close()

	n.state.SetState(state.Stopped)
}

// GetStats returns counters describing the node.
func (n *Node) GetStats() map[string]string {
	small, big := n.cache.Stats()

	var uptime time.Duration
	if !n.start.IsZero() {
		uptime = time.Since(n.start)
	}

	return map[string]string{
		"id":                n.id.String(),
		"moniker":           n.moniker,
		"addr":              n.trans.AdvertiseAddr(),
		"state":             n.state.GetState().String(),
		"num_peers":         strconv.Itoa(len(n.Peers())),
		"pending_requests":  strconv.Itoa(n.requests.len()),
		"queued_commands":   strconv.Itoa(n.cmdQueue.Len()),
		"received_commands": strconv.FormatUint(n.receivedCount(), 10),
		"dropped_commands":  strconv.FormatUint(n.droppedCount(), 10),
		"cache_small":       strconv.Itoa(small.Size),
		"cache_small_free":  strconv.Itoa(small.Free),
		"cache_big":         strconv.Itoa(big.Size),
		"cache_big_free":    strconv.Itoa(big.Free),
		"uptime":            uptime.Round(time.Second).String(),
	}
}
