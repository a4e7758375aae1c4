package node

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mosaicnetworks/mural/src/command"
	"github.com/mosaicnetworks/mural/src/common"
	"github.com/mosaicnetworks/mural/src/config"
	"github.com/mosaicnetworks/mural/src/dispatch"
	"github.com/mosaicnetworks/mural/src/net"
	"github.com/mosaicnetworks/mural/src/packet"
)

func newTestNode(t *testing.T, moniker string) (*Node, *net.InmemTransport) {
	conf := config.NewTestConfig(t, common.TestLogLevel)
	conf.Moniker = moniker
	conf.PendingTimeout = 200 * time.Millisecond

	_, trans := net.NewInmemTransport("")
	node := NewNode(conf, uuid.New(), trans)
	node.RunAsync()
	return node, trans
}

func connectTestNodes(t *testing.T, a, b *Node, ta, tb *net.InmemTransport) {
	ta.Connect(tb.LocalAddr(), tb)
	tb.Connect(ta.LocalAddr(), ta)

	peer, err := a.Connect(tb.LocalAddr(), time.Second)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if peer.ID != b.ID() {
		t.Fatalf("handshake returned %s, expected %s", peer.ID, b.ID())
	}

	// b learns about a while handling Connect, before replying
	if _, ok := b.Peer(a.ID()); !ok {
		t.Fatalf("b should know a after the handshake")
	}
}

func TestConnect(t *testing.T) {
	a, ta := newTestNode(t, "a")
	defer a.Shutdown()
	b, tb := newTestNode(t, "b")
	defer b.Shutdown()

	connectTestNodes(t, a, b, ta, tb)

	if p, ok := a.PeerByAddr(tb.LocalAddr()); !ok || p.Moniker != "b" {
		t.Fatalf("a should know b by address, got %v", p)
	}

	// connecting again returns the known peer
	peer, err := a.Connect(tb.LocalAddr(), time.Second)
	if err != nil || peer.ID != b.ID() {
		t.Fatalf("second Connect failed: %v %v", peer, err)
	}
	if len(a.Peers()) != 1 {
		t.Fatalf("a should have one peer, not %d", len(a.Peers()))
	}
}

func TestPing(t *testing.T) {
	a, ta := newTestNode(t, "a")
	defer a.Shutdown()
	b, tb := newTestNode(t, "b")
	defer b.Shutdown()

	connectTestNodes(t, a, b, ta, tb)

	if _, err := a.Ping(b.ID(), time.Second); err != nil {
		t.Fatalf("ping failed: %v", err)
	}

	// loopback
	if _, err := a.Ping(a.ID(), time.Second); err != nil {
		t.Fatalf("local ping failed: %v", err)
	}
}

func TestConcurrentRequests(t *testing.T) {
	a, ta := newTestNode(t, "a")
	defer a.Shutdown()
	b, tb := newTestNode(t, "b")
	defer b.Shutdown()

	connectTestNodes(t, a, b, ta, tb)

	const count = 20
	var wg sync.WaitGroup
	errs := make(chan error, count)
	for i := 0; i < count; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := a.Ping(b.ID(), 2*time.Second); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("concurrent ping failed: %v", err)
	}
	if a.requests.len() != 0 {
		t.Fatalf("all requests should be removed, %d left", a.requests.len())
	}
}

func TestRequestTable(t *testing.T) {
	a, _ := newTestNode(t, "a")
	defer a.Shutdown()

	id1 := a.RegisterRequest("one")
	id2 := a.RegisterRequest("two")
	if id1 == id2 {
		t.Fatalf("pending requests should have distinct ids")
	}

	if data, ok := a.RequestData(id2); !ok || data.(string) != "two" {
		t.Fatalf("unexpected request data %v", data)
	}

	if a.IsRequestServed(id1) {
		t.Fatalf("request should not be served yet")
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		a.ServeRequest(id1, 42)
	}()

	res, err := a.WaitRequest(id1, time.Second)
	if err != nil || res.(int) != 42 {
		t.Fatalf("unexpected result %v %v", res, err)
	}

	if _, err := a.WaitRequest(id2, 10*time.Millisecond); err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if _, ok := a.RequestData(id2); ok {
		t.Fatalf("timed out request should be removed")
	}
	if a.ServeRequest(id2, 1) {
		t.Fatalf("serving a removed request should fail")
	}
}

// A reply that wins the race against the timeout must be returned, even when
// it is published after the timer fires.
func TestWaitRequestConcurrentServe(t *testing.T) {
	rt := newRequestTable()
	id := rt.register(uuid.Nil, nil)

	r, ok := rt.requests.Load(id)
	if !ok {
		t.Fatalf("request %d should be pending", id)
	}
	// claimed by a server that has not published its result yet
	atomic.StoreInt32(&r.served, 1)

	type waitResult struct {
		res interface{}
		err error
	}
	results := make(chan waitResult, 1)
	go func() {
		res, err := rt.wait(id, 10*time.Millisecond)
		results <- waitResult{res, err}
	}()

	select {
	case wr := <-results:
		t.Fatalf("wait returned %v %v before the result was published", wr.res, wr.err)
	case <-time.After(50 * time.Millisecond):
	}

	r.result = 7
	close(r.done)

	select {
	case wr := <-results:
		if wr.err != nil || wr.res.(int) != 7 {
			t.Fatalf("unexpected result %v %v", wr.res, wr.err)
		}
	case <-time.After(time.Second):
		t.Fatalf("wait did not return after the result was published")
	}

	if rt.len() != 0 {
		t.Fatalf("served request should be removed, %d left", rt.len())
	}
}

func TestDisconnectFailsRequests(t *testing.T) {
	a, ta := newTestNode(t, "a")
	defer a.Shutdown()
	b, tb := newTestNode(t, "b")
	defer b.Shutdown()

	connectTestNodes(t, a, b, ta, tb)

	// a request b never answers
	id := a.RegisterPeerRequest(b.ID(), nil)
	other := a.RegisterRequest(nil)

	done := make(chan error)
	go func() {
		_, err := a.WaitRequest(id, 5*time.Second)
		done <- err
	}()

	ta.Disconnect(tb.LocalAddr())

	select {
	case err := <-done:
		if err != ErrPeerDisconnected {
			t.Fatalf("expected ErrPeerDisconnected, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("request not failed on disconnect")
	}

	if a.IsRequestServed(other) {
		t.Fatalf("requests not bound to b should stay pending")
	}

	if _, ok := a.Peer(b.ID()); ok {
		t.Fatalf("b should be removed from the peers of a")
	}
}

type testRouter struct {
	sync.Mutex
	routed []uint32
}

func (r *testRouter) RouteCommand(cmd *command.Command) (bool, dispatch.Result) {
	r.Lock()
	defer r.Unlock()
	r.routed = append(r.routed, cmd.InstanceID())
	return true, dispatch.Handled
}

func (r *testRouter) count() int {
	r.Lock()
	defer r.Unlock()
	return len(r.routed)
}

func TestLateRouter(t *testing.T) {
	a, _ := newTestNode(t, "a")
	defer a.Shutdown()

	objectID := uuid.New()
	for i := uint32(0); i < 3; i++ {
		if err := a.SendLocal(packet.NewObjectPacket(packet.CmdObjectCommit, objectID, i, &packet.ObjectCommit{})); err != nil {
			t.Fatal(err)
		}
	}

	time.Sleep(50 * time.Millisecond)

	router := &testRouter{}
	a.SetObjectRouter(router)

	deadline := time.Now().Add(time.Second)
	for router.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	router.Lock()
	defer router.Unlock()
	if len(router.routed) != 3 {
		t.Fatalf("pending commands should be routed once the router is set, got %v", router.routed)
	}
	for i, id := range router.routed {
		if id != uint32(i) {
			t.Fatalf("pending commands routed out of order: %v", router.routed)
		}
	}
}

// queueRouter queues the commands it routes on the node command queue.
type queueRouter struct {
	dispatcher *dispatch.Dispatcher
	invoked    chan uint32
}

func (r *queueRouter) RouteCommand(cmd *command.Command) (bool, dispatch.Result) {
	return r.dispatcher.DispatchCommand(cmd)
}

func (r *queueRouter) InvokeCommand(cmd *command.Command) dispatch.Result {
	return r.dispatcher.InvokeCommand(cmd)
}

func TestQueuedObjectCommand(t *testing.T) {
	a, _ := newTestNode(t, "a")
	defer a.Shutdown()

	router := &queueRouter{
		dispatcher: dispatch.NewDispatcher(),
		invoked:    make(chan uint32, 1),
	}
	router.dispatcher.RegisterCommand(packet.CmdObjectCommit, func(cmd *command.Command) dispatch.Result {
		router.invoked <- cmd.InstanceID()
		return dispatch.Handled
	}, a.CommandQueue())
	a.SetObjectRouter(router)

	if err := a.SendLocal(packet.NewObjectPacket(packet.CmdObjectCommit, uuid.New(), 5, &packet.ObjectCommit{})); err != nil {
		t.Fatal(err)
	}

	select {
	case id := <-router.invoked:
		if id != 5 {
			t.Fatalf("handler invoked for instance %d, expected 5", id)
		}
	case <-time.After(time.Second):
		t.Fatalf("object command queued on the command goroutine was not invoked")
	}
}

func TestPendingTimeout(t *testing.T) {
	a, _ := newTestNode(t, "a")
	defer a.Shutdown()

	if err := a.SendLocal(packet.NewStagePacket(packet.CmdStageFrameStart, 1, &packet.FrameStart{})); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for a.droppedCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if a.droppedCount() != 1 {
		t.Fatalf("undispatchable command should be dropped after the pending timeout")
	}
}

func TestCommandQueue(t *testing.T) {
	a, _ := newTestNode(t, "a")
	defer a.Shutdown()

	executed := make(chan uint32, 1)
	a.Dispatcher().RegisterCommand(packet.CmdCustom, func(cmd *command.Command) dispatch.Result {
		var ping packet.Ping
		if err := cmd.Decode(&ping); err != nil {
			return dispatch.Error
		}
		executed <- ping.RequestID
		return dispatch.Handled
	}, a.CommandQueue())

	if err := a.SendLocal(packet.NewNodePacket(packet.CmdCustom, &packet.Ping{RequestID: 7})); err != nil {
		t.Fatal(err)
	}

	select {
	case id := <-executed:
		if id != 7 {
			t.Fatalf("expected 7, got %d", id)
		}
	case <-time.After(time.Second):
		t.Fatalf("queued command not executed")
	}
}

func TestShutdownFailsRequests(t *testing.T) {
	a, _ := newTestNode(t, "a")

	id := a.RegisterRequest(nil)
	done := make(chan error)
	go func() {
		_, err := a.WaitRequest(id, 5*time.Second)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	a.Shutdown()

	select {
	case err := <-done:
		if err != ErrShutdown {
			t.Fatalf("expected ErrShutdown, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("request not failed on shutdown")
	}

	stats := a.GetStats()
	if stats["state"] != "Stopped" {
		t.Fatalf("state should be Stopped, not %s", stats["state"])
	}
}
