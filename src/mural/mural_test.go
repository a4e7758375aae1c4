package mural

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mosaicnetworks/mural/src/common"
	"github.com/mosaicnetworks/mural/src/config"
	"github.com/mosaicnetworks/mural/src/net"
	"github.com/mosaicnetworks/mural/src/object"
	"github.com/mosaicnetworks/mural/src/peers"
	"github.com/mosaicnetworks/mural/src/stage"
	"github.com/mosaicnetworks/mural/src/store"
)

type label struct {
	Text string
}

func (l *label) GetInstanceData(out *object.DataOStream) error { return out.Write(l.Text) }
func (l *label) ApplyInstanceData(in *object.DataIStream) error { return in.Read(&l.Text) }
func (l *label) Pack(out *object.DataOStream) error { return out.Write(l.Text) }
func (l *label) Unpack(in *object.DataIStream) error { return in.Read(&l.Text) }

func newTestConfig(t *testing.T, moniker string) *config.Config {
	conf := config.NewTestConfig(t, common.TestLogLevel)
	conf.Moniker = moniker
	conf.NoService = true
	conf.SetDataDir(t.TempDir())
	return conf
}

func newTestMural(t *testing.T, conf *config.Config) (*Mural, *net.InmemTransport) {
	_, trans := net.NewInmemTransport("")

	m := NewMural(conf)
	m.Transport = trans

	if err := m.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	t.Cleanup(m.Shutdown)

	return m, trans
}

func TestInitStore(t *testing.T) {
	conf := newTestConfig(t, "store")
	conf.Store = true

	m, _ := newTestMural(t, conf)

	if _, ok := m.Store.(*store.BadgerStore); !ok {
		t.Fatalf("Store should be a BadgerStore, not %T", m.Store)
	}
	if _, err := os.Stat(filepath.Join(conf.DataDir, config.DefaultBadgerFile)); err != nil {
		t.Fatalf("database should be created: %v", err)
	}
}

func TestInitInmemStore(t *testing.T) {
	m, _ := newTestMural(t, newTestConfig(t, "inmem"))

	if _, ok := m.Store.(*store.InmemStore); !ok {
		t.Fatalf("Store should be an InmemStore, not %T", m.Store)
	}
}

func TestInitPeers(t *testing.T) {
	conf := newTestConfig(t, "peers")

	peerSlice := []*peers.Peer{
		peers.NewPeer(uuid.Nil, "addr0", "peer0"),
		peers.NewPeer(uuid.Nil, "addr1", "peer1"),
	}
	if err := peers.NewJSONPeerSet(conf.DataDir).Write(peerSlice); err != nil {
		t.Fatalf("err: %v", err)
	}

	m := NewMural(conf)
	if err := m.initPeers(); err != nil {
		t.Fatalf("initPeers: %v", err)
	}

	if m.Peers.Len() != 2 {
		t.Fatalf("Peers should contain 2 peers, not %d", m.Peers.Len())
	}
}

func TestInitNodeID(t *testing.T) {
	id := uuid.New()

	conf := newTestConfig(t, "id")
	conf.NodeID = id.String()

	m, _ := newTestMural(t, conf)
	if m.Node.ID() != id {
		t.Fatalf("node id should be %s, not %s", id, m.Node.ID())
	}

	bad := newTestConfig(t, "bad")
	bad.NodeID = "not-a-uuid"

	_, trans := net.NewInmemTransport("")
	m2 := NewMural(bad)
	m2.Transport = trans
	if err := m2.Init(); err == nil {
		t.Fatalf("Init should fail with an invalid node id")
	}
}

func TestInitStages(t *testing.T) {
	conf := newTestConfig(t, "stages")
	conf.Pipes = 2
	conf.Windows = 1
	conf.Channels = 2

	m, _ := newTestMural(t, conf)

	// node + 2 pipes + 2 windows + 4 channels
	if m.Tree.Len() != 9 {
		t.Fatalf("tree should hold 9 stages, not %d", m.Tree.Len())
	}
	if len(m.Tree.Roots()) != 1 {
		t.Fatalf("tree should have 1 root, not %d", len(m.Tree.Roots()))
	}
	if len(m.Driver.Targets()) != 9 {
		t.Fatalf("driver should target 9 stages, not %d", len(m.Driver.Targets()))
	}

	conf2 := newTestConfig(t, "model")
	conf2.ThreadModel = "bogus"

	_, trans := net.NewInmemTransport("")
	m2 := NewMural(conf2)
	m2.Transport = trans
	if err := m2.Init(); err == nil {
		t.Fatalf("Init should fail with an unknown thread model")
	}
}

func TestFrames(t *testing.T) {
	conf := newTestConfig(t, "frames")
	conf.Pipes = 2

	m, _ := newTestMural(t, conf)
	m.RunAsync()

	if err := m.Driver.ConfigInit(1); err != nil {
		t.Fatalf("ConfigInit: %v", err)
	}

	for i := uint32(1); i <= 4; i++ {
		frame, err := m.Driver.StartFrame(i, object.VersionNone)
		if err != nil {
			t.Fatalf("StartFrame %d: %v", i, err)
		}
		if frame != i {
			t.Fatalf("frame should be %d, not %d", i, frame)
		}
	}

	if err := m.Driver.FinishAllFrames(2 * time.Second); err != nil {
		t.Fatalf("FinishAllFrames: %v", err)
	}

	m.Tree.Walk(func(s *stage.Stage) bool {
		if s.FinishedFrame() != 4 {
			t.Fatalf("stage %s should have finished frame 4, not %d", s.Name(), s.FinishedFrame())
		}
		return true
	})

	if err := m.Driver.ConfigExit(); err != nil {
		t.Fatalf("ConfigExit: %v", err)
	}
}

func TestMapObject(t *testing.T) {
	a, ta := newTestMural(t, newTestConfig(t, "a"))
	b, tb := newTestMural(t, newTestConfig(t, "b"))

	ta.Connect(tb.LocalAddr(), tb)
	tb.Connect(ta.LocalAddr(), ta)

	a.RunAsync()
	b.RunAsync()

	if _, err := b.Node.Connect(ta.LocalAddr(), time.Second); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	master := &label{Text: "hello"}
	masterObj := object.New(master)
	if err := a.ObjectStore.RegisterObject(masterObj); err != nil {
		t.Fatalf("RegisterObject: %v", err)
	}

	master.Text = "world"
	if _, err := masterObj.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	slave := &label{}
	slaveObj := object.New(slave)
	if err := b.ObjectStore.MapObject(slaveObj, masterObj.ID(), object.VersionHead, time.Second); err != nil {
		t.Fatalf("MapObject: %v", err)
	}

	if slave.Text != "world" {
		t.Fatalf("slave should hold the head version, not %q", slave.Text)
	}
	if slaveObj.Version() != masterObj.Version() {
		t.Fatalf("slave version %v should be %v", slaveObj.Version(), masterObj.Version())
	}
}
