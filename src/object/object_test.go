package object

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mosaicnetworks/mural/src/command"
	"github.com/mosaicnetworks/mural/src/common"
	"github.com/mosaicnetworks/mural/src/packet"
	"github.com/mosaicnetworks/mural/src/store"
	"github.com/sirupsen/logrus"
)

type counter struct {
	Value int
	Name  string
	dirty bool
}

func (c *counter) set(v int) {
	c.Value = v
	c.dirty = true
}

func (c *counter) GetInstanceData(os *DataOStream) error {
	if err := os.Write(c.Value); err != nil {
		return err
	}
	return os.Write(c.Name)
}

func (c *counter) ApplyInstanceData(is *DataIStream) error {
	if err := is.Read(&c.Value); err != nil {
		return err
	}
	return is.Read(&c.Name)
}

func (c *counter) Pack(os *DataOStream) error {
	if !c.dirty {
		return nil
	}
	c.dirty = false
	return os.Write(c.Value)
}

func (c *counter) Unpack(is *DataIStream) error {
	return is.Read(&c.Value)
}

type sentPacket struct {
	to uuid.UUID
	p  *packet.Packet
}

// fakeNode records sent packets. Local packets are handed to local.
type fakeNode struct {
	id     uuid.UUID
	queue  *command.Queue
	cache  *command.Cache
	logger *logrus.Entry

	mu       sync.Mutex
	sent     []sentPacket
	next     uint32
	requests map[uint32]chan interface{}

	local func(cmd *command.Command)
}

func newFakeNode(t *testing.T) *fakeNode {
	logger := common.NewTestEntry(t, common.TestLogLevel)
	return &fakeNode{
		id:       uuid.New(),
		queue:    command.NewQueue("fake", logger),
		cache:    command.NewCache(),
		logger:   logger,
		requests: make(map[uint32]chan interface{}),
	}
}

func (n *fakeNode) ID() uuid.UUID { return n.id }
func (n *fakeNode) CommandQueue() *command.Queue { return n.queue }
func (n *fakeNode) Logger() *logrus.Entry { return n.logger }

func (n *fakeNode) Send(peerID uuid.UUID, p *packet.Packet) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentPacket{to: peerID, p: p})
	return nil
}

func (n *fakeNode) SendLocal(p *packet.Packet) error {
	cmd, err := toCommand(n.cache, n.id, p)
	if err != nil {
		return err
	}
	n.local(cmd)
	cmd.Release()
	return nil
}

func (n *fakeNode) RegisterRequest(data interface{}) uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.next++
	n.requests[n.next] = make(chan interface{}, 1)
	return n.next
}

func (n *fakeNode) ServeRequest(id uint32, result interface{}) bool {
	n.mu.Lock()
	ch, ok := n.requests[id]
	n.mu.Unlock()
	if ok {
		ch <- result
	}
	return ok
}

func (n *fakeNode) WaitRequest(id uint32, timeout time.Duration) (interface{}, error) {
	n.mu.Lock()
	ch := n.requests[id]
	n.mu.Unlock()

	select {
	case res := <-ch:
		if err, ok := res.(error); ok {
			return nil, err
		}
		return res, nil
	case <-time.After(timeout):
		return nil, ErrTimeout
	}
}

// take returns and forgets the packets sent so far.
func (n *fakeNode) take() []sentPacket {
	n.mu.Lock()
	defer n.mu.Unlock()
	res := n.sent
	n.sent = nil
	return res
}

func toCommand(cache *command.Cache, from uuid.UUID, p *packet.Packet) (*command.Command, error) {
	data, err := p.Marshal()
	if err != nil {
		return nil, err
	}
	cmd := cache.Alloc(from, "", uint64(len(data)))
	if err := cmd.Fill(data); err != nil {
		cmd.Release()
		return nil, err
	}
	return cmd, nil
}

func newTestMaster(t *testing.T, nVersions int) (*fakeNode, *Object, *counter, *MasterCM) {
	node := newFakeNode(t)
	dist := &counter{Name: "master"}
	obj := New(dist)
	cm := NewMasterCM(node, store.NewInmemStore(16), nVersions, time.Second)
	if _, err := obj.Attach(obj.ID(), 1, cm); err != nil {
		t.Fatal(err)
	}
	return node, obj, dist, cm
}

// deliver queues the instance data sent by a master on a slave.
func deliver(t *testing.T, cache *command.Cache, from uuid.UUID, sent []sentPacket, slave *SlaveCM) {
	for _, s := range sent {
		if s.p.Command != packet.CmdNodeObjectInstance {
			continue
		}
		cmd, err := toCommand(cache, from, s.p)
		if err != nil {
			t.Fatal(err)
		}
		var data packet.ObjectInstance
		if err := cmd.Decode(&data); err != nil {
			t.Fatal(err)
		}
		if err := slave.AddInstanceData(cmd, &data); err != nil {
			t.Fatal(err)
		}
		cmd.Release()
	}
}

func TestDataStreams(t *testing.T) {
	type point struct {
		X, Y int
	}

	os := NewDataOStream()
	if os.Len() != 0 {
		t.Fatalf("new stream should be empty")
	}
	if err := os.Write(42); err != nil {
		t.Fatal(err)
	}
	if err := os.Write("scene"); err != nil {
		t.Fatal(err)
	}
	if err := os.Write(point{X: 1, Y: 2}); err != nil {
		t.Fatal(err)
	}

	is := NewDataIStream(os.Bytes())

	var i int
	var s string
	var p point
	if err := is.Read(&i); err != nil || i != 42 {
		t.Fatalf("Read int: %d, %v", i, err)
	}
	if err := is.Read(&s); err != nil || s != "scene" {
		t.Fatalf("Read string: %s, %v", s, err)
	}
	if err := is.Read(&p); err != nil || p != (point{X: 1, Y: 2}) {
		t.Fatalf("Read struct: %+v, %v", p, err)
	}
	if is.Len() != 0 {
		t.Fatalf("stream should be consumed, %d bytes left", is.Len())
	}
}

func TestAttachDetach(t *testing.T) {
	_, obj, _, cm := newTestMaster(t, 4)

	if !obj.IsAttached() || !obj.IsMaster() {
		t.Fatalf("object should be an attached master")
	}
	if _, err := obj.Attach(uuid.New(), 2, cm); err != ErrAttached {
		t.Fatalf("second Attach should fail with ErrAttached, got %v", err)
	}
	if _, err := obj.Sync(VersionFirst, 0); err != ErrNotSlave {
		t.Fatalf("Sync on a master should fail with ErrNotSlave, got %v", err)
	}

	other := New(&counter{})
	detach, err := other.Attach(uuid.New(), 3, NewSlaveCM(newFakeNode(t), uuid.New(), 1))
	if err != nil {
		t.Fatal(err)
	}
	if other.IsMaster() {
		t.Fatalf("slave reports IsMaster")
	}
	if _, err := other.Commit(); err != ErrNotMaster {
		t.Fatalf("Commit on a slave should fail with ErrNotMaster, got %v", err)
	}

	detach()
	detach()
	if other.IsAttached() || other.InstanceID() != packet.InstanceNone {
		t.Fatalf("object should be detached")
	}
}

func TestMasterCommit(t *testing.T) {
	node, _, dist, cm := newTestMaster(t, 4)

	v, err := cm.commit()
	if err != nil {
		t.Fatal(err)
	}
	if v != VersionFirst {
		t.Fatalf("empty commit should keep version %v, got %v", VersionFirst, v)
	}

	dist.set(1)
	v, _ = cm.commit()
	if v != common.NewUint128(1) {
		t.Fatalf("commit should produce version 1, got %v", v)
	}
	if len(node.take()) != 0 {
		t.Fatalf("nothing should be sent without slaves")
	}

	slaveNode := uuid.New()
	start, cached, err := cm.AddSlave(slaveNode, 7, VersionOldest, CacheHint{})
	if err != nil {
		t.Fatal(err)
	}
	if start != VersionFirst || cached != VersionInvalid {
		t.Fatalf("AddSlave returned start %v cached %v", start, cached)
	}

	sent := node.take()
	if len(sent) != 2 {
		t.Fatalf("AddSlave should send a snapshot and a delta, sent %d packets", len(sent))
	}
	first := sent[0].p.Body.(*packet.ObjectInstance)
	if !first.Full || first.Version != VersionFirst || first.InstanceID != 7 || sent[0].to != slaveNode {
		t.Fatalf("unexpected first packet %+v", first)
	}

	dist.set(2)
	cm.commit()
	sent = node.take()
	if len(sent) != 1 {
		t.Fatalf("commit should be sent once per slave node, sent %d packets", len(sent))
	}
	delta := sent[0].p.Body.(*packet.ObjectInstance)
	if delta.Full || delta.InstanceID != packet.InstanceAll || delta.Version != common.NewUint128(2) {
		t.Fatalf("unexpected delta %+v", delta)
	}

	if !cm.RemoveSlave(slaveNode, 7) {
		t.Fatalf("RemoveSlave should find the slave")
	}
	if len(cm.SlaveNodes()) != 0 {
		t.Fatalf("node should be unsubscribed with its last instance")
	}
}

func TestSlaveReplication(t *testing.T) {
	masterNode, masterObj, dist, cm := newTestMaster(t, 8)
	for i := 1; i <= 3; i++ {
		dist.set(i * 10)
		cm.commit()
	}

	slaveNode := newFakeNode(t)
	slaveDist := &counter{}
	slaveObj := New(slaveDist)
	scm := NewSlaveCM(slaveNode, masterNode.id, masterObj.InstanceID())
	if _, err := slaveObj.Attach(masterObj.ID(), 5, scm); err != nil {
		t.Fatal(err)
	}

	start, _, err := cm.AddSlave(slaveNode.id, 5, common.NewUint128(1), CacheHint{})
	if err != nil {
		t.Fatal(err)
	}
	deliver(t, slaveNode.cache, masterNode.id, masterNode.take(), scm)

	if err := scm.ApplyMapData(start, time.Second); err != nil {
		t.Fatal(err)
	}
	if slaveObj.Version() != common.NewUint128(1) || slaveDist.Value != 10 || slaveDist.Name != "master" {
		t.Fatalf("slave should hold version 1, got %v %+v", slaveObj.Version(), slaveDist)
	}
	if slaveObj.HeadVersion() != common.NewUint128(3) {
		t.Fatalf("HeadVersion should be 3, not %v", slaveObj.HeadVersion())
	}

	v, err := slaveObj.Sync(common.NewUint128(3), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if v != common.NewUint128(3) || slaveDist.Value != 30 {
		t.Fatalf("slave should be at version 3 with value 30, got %v %d", v, slaveDist.Value)
	}

	if _, err := slaveObj.Sync(common.NewUint128(2), time.Second); err != ErrRollback {
		t.Fatalf("Sync to an older version should fail with ErrRollback, got %v", err)
	}
	if _, err := slaveObj.Sync(common.NewUint128(4), 50*time.Millisecond); err != ErrTimeout {
		t.Fatalf("Sync to an uncommitted version should time out, got %v", err)
	}

	dist.set(40)
	cm.commit()
	deliver(t, slaveNode.cache, masterNode.id, masterNode.take(), scm)

	if v := slaveObj.SyncHead(); v != common.NewUint128(4) || slaveDist.Value != 40 {
		t.Fatalf("SyncHead should reach version 4, got %v %d", v, slaveDist.Value)
	}

	// the slave acknowledged the versions it applied
	acks := slaveNode.take()
	if len(acks) == 0 {
		t.Fatalf("slave should acknowledge applied versions")
	}
	last := acks[len(acks)-1]
	if last.to != masterNode.id || last.p.Command != packet.CmdObjectMaxVersion {
		t.Fatalf("unexpected ack %+v", last)
	}

	ack, err := toCommand(masterNode.cache, slaveNode.id, last.p)
	if err != nil {
		t.Fatal(err)
	}
	defer ack.Release()
	masterObj.Dispatcher().DispatchCommand(ack)

	slaves := cm.Slaves()
	if len(slaves) != 1 || slaves[0].MaxVersion != common.NewUint128(4) {
		t.Fatalf("master should record version 4 for the slave, got %+v", slaves)
	}
}

func TestAddSlaveWithCache(t *testing.T) {
	node, obj, dist, cm := newTestMaster(t, 8)
	for i := 1; i <= 4; i++ {
		dist.set(i)
		cm.commit()
	}

	hint := CacheHint{
		UseCache:         true,
		MasterInstanceID: obj.InstanceID(),
		Min:              VersionFirst,
		Max:              common.NewUint128(2),
	}
	start, cached, err := cm.AddSlave(uuid.New(), 3, common.NewUint128(1), hint)
	if err != nil {
		t.Fatal(err)
	}
	if start != common.NewUint128(1) || cached != start {
		t.Fatalf("AddSlave returned start %v cached %v", start, cached)
	}
	sent := node.take()
	if len(sent) != 2 {
		t.Fatalf("only versions 3 and 4 should be sent, sent %d packets", len(sent))
	}
	for i, s := range sent {
		data := s.p.Body.(*packet.ObjectInstance)
		if data.Full || data.Version != common.NewUint128(uint64(3+i)) {
			t.Fatalf("unexpected packet %d: %+v", i, data)
		}
	}

	hint.MasterInstanceID++
	_, cached, _ = cm.AddSlave(uuid.New(), 3, common.NewUint128(1), hint)
	if cached != VersionInvalid {
		t.Fatalf("cache of another master instance should not be used")
	}
	sent = node.take()
	if len(sent) != 4 || !sent[0].p.Body.(*packet.ObjectInstance).Full {
		t.Fatalf("full snapshot and 3 deltas should be sent, sent %d packets", len(sent))
	}
}

func TestHistoryTrim(t *testing.T) {
	_, _, dist, cm := newTestMaster(t, 2)
	for i := 1; i <= 5; i++ {
		dist.set(i)
		cm.commit()
	}

	if oldest := cm.OldestVersion(); oldest != common.NewUint128(3) {
		t.Fatalf("oldest version should be 3, not %v", oldest)
	}
	if _, _, err := cm.AddSlave(uuid.New(), 1, common.NewUint128(1), CacheHint{}); err != ErrVersionUnavailable {
		t.Fatalf("AddSlave of a trimmed version should fail, got %v", err)
	}
	if _, _, err := cm.AddSlave(uuid.New(), 1, common.NewUint128(9), CacheHint{}); err != ErrVersionUnavailable {
		t.Fatalf("AddSlave of a future version should fail, got %v", err)
	}
}

func TestInstanceDataOrder(t *testing.T) {
	node := newFakeNode(t)
	scm := NewSlaveCM(node, uuid.New(), 1)

	add := func(version uint64, full bool) error {
		p := packet.NewNodePacket(packet.CmdNodeObjectInstance, &packet.ObjectInstance{
			Version: common.NewUint128(version),
			Full:    full,
		})
		cmd, err := toCommand(node.cache, uuid.Nil, p)
		if err != nil {
			t.Fatal(err)
		}
		defer cmd.Release()
		var data packet.ObjectInstance
		cmd.Decode(&data)
		return scm.AddInstanceData(cmd, &data)
	}

	if err := add(4, true); err != nil {
		t.Fatal(err)
	}
	if err := add(5, false); err != nil {
		t.Fatal(err)
	}
	if err := add(7, false); err == nil {
		t.Fatalf("a delta skipping a version should be refused")
	}
	if scm.QueueLen() != 2 {
		t.Fatalf("queue should hold 2 versions, not %d", scm.QueueLen())
	}
}

func TestCommitOnCommandQueue(t *testing.T) {
	node, obj, dist, _ := newTestMaster(t, 4)

	node.local = func(cmd *command.Command) {
		if ok, _ := obj.Dispatcher().DispatchCommand(cmd); !ok {
			t.Errorf("commit command not registered")
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			cmd := node.queue.Pop()
			if cmd == nil {
				return
			}
			obj.Dispatcher().InvokeCommand(cmd)
		}
	}()

	dist.set(3)
	v, err := obj.Commit()
	if err != nil {
		t.Fatal(err)
	}
	if v != common.NewUint128(1) {
		t.Fatalf("Commit should return version 1, not %v", v)
	}

	node.queue.Close()
	<-done
}
