package node

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mosaicnetworks/mural/src/metrics"
	"github.com/puzpuzpuz/xsync/v3"
)

type request struct {
	data   interface{}
	peer   uuid.UUID
	served int32
	result interface{}
	done   chan struct{}
}

func (r *request) serve(result interface{}) bool {
	if !atomic.CompareAndSwapInt32(&r.served, 0, 1) {
		return false
	}
	r.result = result
	close(r.done)
	return true
}

// requestTable correlates requests sent to other nodes, or to other goroutines
// of this node, with their replies. Ids are unique among pending requests.
type requestTable struct {
	next     uint32
	requests *xsync.MapOf[uint32, *request]
}

func newRequestTable() *requestTable {
	return &requestTable{
		requests: xsync.NewMapOf[uint32, *request](),
	}
}

func (rt *requestTable) register(peer uuid.UUID, data interface{}) uint32 {
	r := &request{
		data: data,
		peer: peer,
		done: make(chan struct{}),
	}

	for {
		id := atomic.AddUint32(&rt.next, 1)
		if id == 0 {
			continue
		}
		if _, loaded := rt.requests.LoadOrStore(id, r); !loaded {
			metrics.RequestsPending.Inc()
			return id
		}
	}
}

func (rt *requestTable) serve(id uint32, result interface{}) bool {
	r, ok := rt.requests.Load(id)
	if !ok {
		return false
	}
	return r.serve(result)
}

func (rt *requestTable) remove(id uint32) {
	if _, ok := rt.requests.LoadAndDelete(id); ok {
		metrics.RequestsPending.Dec()
	}
}

func (rt *requestTable) wait(id uint32, timeout time.Duration) (interface{}, error) {
	r, ok := rt.requests.Load(id)
	if !ok {
		return nil, ErrUnknownRequest
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-r.done:
	case <-expired:
		// a reply may race with the timeout
		if r.serve(ErrTimeout) {
			rt.remove(id)
			metrics.RequestResults.WithLabelValues("timeout").Inc()
			return nil, ErrTimeout
		}
		// served concurrently, wait until the result is published
		<-r.done
	}

	rt.remove(id)

	if err, ok := r.result.(error); ok {
		metrics.RequestResults.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.RequestResults.WithLabelValues("served").Inc()
	return r.result, nil
}

func (rt *requestTable) isServed(id uint32) bool {
	r, ok := rt.requests.Load(id)
	if !ok {
		return false
	}
	return atomic.LoadInt32(&r.served) == 1
}

func (rt *requestTable) data(id uint32) (interface{}, bool) {
	r, ok := rt.requests.Load(id)
	if !ok {
		return nil, false
	}
	return r.data, true
}

// failPeer serves every pending request registered against peer with err.
func (rt *requestTable) failPeer(peer uuid.UUID, err error) int {
	failed := 0
	rt.requests.Range(func(id uint32, r *request) bool {
		if r.peer == peer && r.serve(err) {
			failed++
		}
		return true
	})
	return failed
}

func (rt *requestTable) failAll(err error) {
	rt.requests.Range(func(id uint32, r *request) bool {
		r.serve(err)
		return true
	})
}

func (rt *requestTable) len() int {
	return rt.requests.Size()
}

// RegisterRequest allocates a pending request holding data. The returned id
// travels in the request packet and comes back in the reply, which serves the
// request.
func (n *Node) RegisterRequest(data interface{}) uint32 {
	return n.requests.register(uuid.Nil, data)
}

// RegisterPeerRequest is RegisterRequest for a request answered by peer. The
// request fails with ErrPeerDisconnected if the peer disconnects before
// answering.
func (n *Node) RegisterPeerRequest(peer uuid.UUID, data interface{}) uint32 {
	return n.requests.register(peer, data)
}

// ServeRequest fulfils a pending request. A result of type error fails the
// request. It reports whether the request was pending and not served yet.
func (n *Node) ServeRequest(id uint32, result interface{}) bool {
	ok := n.requests.serve(id, result)
	if !ok {
		n.logger.WithField("request", id).Debug("Serving unknown or served request")
	}
	return ok
}

// WaitRequest blocks until the request is served, or timeout elapses. A
// timeout <= 0 waits forever. The request is removed in both cases.
func (n *Node) WaitRequest(id uint32, timeout time.Duration) (interface{}, error) {
	return n.requests.wait(id, timeout)
}

// IsRequestServed reports whether a pending request has been served.
func (n *Node) IsRequestServed(id uint32) bool {
	return n.requests.isServed(id)
}

// RequestData returns the data given to RegisterRequest.
func (n *Node) RequestData(id uint32) (interface{}, bool) {
	return n.requests.data(id)
}
