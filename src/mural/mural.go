package mural

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mosaicnetworks/mural/src/config"
	"github.com/mosaicnetworks/mural/src/metrics"
	"github.com/mosaicnetworks/mural/src/net"
	"github.com/mosaicnetworks/mural/src/node"
	"github.com/mosaicnetworks/mural/src/objectstore"
	"github.com/mosaicnetworks/mural/src/peers"
	"github.com/mosaicnetworks/mural/src/service"
	"github.com/mosaicnetworks/mural/src/stage"
	"github.com/mosaicnetworks/mural/src/store"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Mural is the context of a node process. It wires together the transport,
// the node, the object store and the local stage tree.
type Mural struct {
	// Config is the configuration of the node.
	Config *config.Config

	// Callbacks are run by the local stages. NopCallbacks when nil.
	Callbacks stage.Callbacks

	// Peers are the nodes connected at startup, read from peers.json.
	Peers *peers.PeerSet

	// Transport is created from the configuration unless set before Init.
	Transport net.Transport

	// Store records the version history of the master objects of this node.
	Store store.Store

	Node        *node.Node
	ObjectStore *objectstore.ObjectStore
	Tree        *stage.Tree
	Driver      *stage.Driver
	Service     *service.Service

	collector prometheus.Collector

	shutdownCh   chan struct{}
	shutdownOnce sync.Once

	logger *logrus.Entry
}

// NewMural is a factory method to produce a Mural instance.
func NewMural(c *config.Config) *Mural {
	return &Mural{
		Config:     c,
		shutdownCh: make(chan struct{}),
		logger:     c.Logger(),
	}
}

func (m *Mural) initPeers() error {
	peerSet, err := peers.NewJSONPeerSet(m.Config.DataDir).PeerSet()
	if err != nil {
		if !os.IsNotExist(errors.Cause(err)) {
			return err
		}
		m.logger.WithField("datadir", m.Config.DataDir).Debug("No peers.json, starting without peers")
		peerSet = peers.NewPeerSet([]*peers.Peer{})
	}

	m.Peers = peerSet

	return nil
}

func (m *Mural) initStore() error {
	if !m.Config.Store {
		m.Store = store.NewInmemStore(m.Config.Versions)

		m.logger.Debug("created new in-mem store")
	} else {
		m.logger.WithField("path", m.Config.DatabaseDir).Debug("Attempting to load or create database")

		badgerStore, err := store.NewBadgerStore(m.Config.Versions, m.Config.DatabaseDir, m.logger)
		if err != nil {
			return errors.Wrap(err, "opening database")
		}

		m.Store = badgerStore
	}

	return nil
}

func (m *Mural) initTransport() error {
	if m.Transport != nil {
		return nil
	}

	transport, err := net.NewTCPTransport(
		m.Config.BindAddr,
		m.Config.AdvertiseAddr,
		m.Config.TCPTimeout,
		m.logger,
	)

	if err != nil {
		return err
	}

	m.Transport = transport

	return nil
}

func (m *Mural) initNode() error {
	nodeID := uuid.New()

	if m.Config.NodeID != "" {
		var err error
		nodeID, err = uuid.Parse(m.Config.NodeID)
		if err != nil {
			return errors.Wrap(err, "parsing node-id")
		}
	}

	m.Node = node.NewNode(m.Config, nodeID, m.Transport)

	m.logger.WithFields(logrus.Fields{
		"id":    nodeID.String(),
		"addr":  m.Transport.AdvertiseAddr(),
		"peers": m.Peers.Len(),
	}).Debug("NODE")

	m.collector = metrics.NewCommandCacheCollector(m.Node.Cache(), nodeID.String())

	return metrics.Register(prometheus.DefaultRegisterer, m.collector)
}

func (m *Mural) initObjectStore() error {
	m.ObjectStore = objectstore.NewObjectStore(m.Node, m.Store)
	return nil
}

// initStages attaches the node stage, with pipes holding windows holding
// channels, as set by the configuration.
func (m *Mural) initStages() error {
	model, err := stage.ParseThreadModel(m.Config.ThreadModel)
	if err != nil {
		return err
	}

	cb := m.Callbacks
	if cb == nil {
		cb = stage.NopCallbacks{}
	}
	opts := stage.Options{
		Model:   model,
		Timeout: m.Config.RequestTimeout,
	}

	m.Tree = stage.NewTree(m.Node)

	root, _, err := m.Tree.NewStage(stage.LevelNode, m.Config.Moniker, 0, cb, opts)
	if err != nil {
		return err
	}

	for p := 0; p < m.Config.Pipes; p++ {
		pipe, _, err := m.Tree.NewStage(stage.LevelPipe, fmt.Sprintf("pipe%d", p), root.ID(), cb, opts)
		if err != nil {
			return err
		}
		for w := 0; w < m.Config.Windows; w++ {
			window, _, err := m.Tree.NewStage(stage.LevelWindow, fmt.Sprintf("window%d.%d", p, w), pipe.ID(), cb, opts)
			if err != nil {
				return err
			}
			for c := 0; c < m.Config.Channels; c++ {
				name := fmt.Sprintf("channel%d.%d.%d", p, w, c)
				if _, _, err := m.Tree.NewStage(stage.LevelChannel, name, window.ID(), cb, opts); err != nil {
					return err
				}
			}
		}
	}

	m.Driver = stage.NewDriver(m.Node, m.Config.Latency, m.Config.RequestTimeout)
	m.Driver.AddTree(m.Node.ID(), m.Tree)

	m.logger.WithFields(logrus.Fields{
		"stages": m.Tree.Len(),
		"model":  model.String(),
	}).Debug("STAGES")

	return nil
}

func (m *Mural) initService() error {
	if !m.Config.NoService {
		m.Service = service.NewService(m.Config.ServiceAddr, m.Node, m.ObjectStore, m.Tree, m.logger)
	}
	return nil
}

// Init initialises every component from the configuration.
func (m *Mural) Init() error {
	if err := m.initPeers(); err != nil {
		return err
	}

	if err := m.initStore(); err != nil {
		return err
	}

	if err := m.initTransport(); err != nil {
		return err
	}

	if err := m.initNode(); err != nil {
		return err
	}

	if err := m.initObjectStore(); err != nil {
		return err
	}

	if err := m.initStages(); err != nil {
		return err
	}

	if err := m.initService(); err != nil {
		return err
	}

	return nil
}

// RunAsync starts the node, connects to the peers and starts the maintenance
// of the instance cache.
func (m *Mural) RunAsync() {
	if m.Service != nil && m.Config.ServiceAddr != "" {
		go m.Service.Serve()
	}

	m.Node.RunAsync()

	m.connectPeers()

	go m.expireCache()
}

// Run is RunAsync, blocking until Shutdown.
func (m *Mural) Run() {
	m.RunAsync()
	<-m.shutdownCh
}

func (m *Mural) connectPeers() {
	for _, p := range m.Peers.Peers {
		if p.NetAddr == m.Transport.AdvertiseAddr() || p.ID == m.Node.ID() {
			continue
		}

		peer, err := m.Node.Connect(p.NetAddr, m.Config.RequestTimeout)
		if err != nil {
			m.logger.WithFields(logrus.Fields{
				"addr":  p.NetAddr,
				"error": err,
			}).Warn("Connecting to peer")
			continue
		}

		m.logger.WithField("peer", peer.String()).Debug("Connected")
	}
}

func (m *Mural) expireCache() {
	age := m.Config.InstanceCacheAge
	if age <= 0 {
		return
	}

	ticker := time.NewTicker(age / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.ObjectStore.Expire(age)
		case <-m.shutdownCh:
			return
		}
	}
}

// Shutdown stops the stages and the node, and closes the store.
func (m *Mural) Shutdown() {
	m.shutdownOnce.Do(func() {
		m.logger.Debug("Shutdown")

		close(m.shutdownCh)

		if m.Tree != nil {
			m.Tree.Close()
		}
		if m.ObjectStore != nil {
			m.ObjectStore.Close()
		}
		if m.Node != nil {
			m.Node.Shutdown()
		}
		if m.collector != nil {
			prometheus.DefaultRegisterer.Unregister(m.collector)
		}
		if m.Store != nil {
			if err := m.Store.Close(); err != nil {
				m.logger.WithField("error", err).Error("Closing store")
			}
		}
	})
}
