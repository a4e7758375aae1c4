package peers

import (
	"bytes"
	"encoding/json"

	"github.com/google/uuid"
)

//PeerSet is an immutable set of Peers indexed by node id and by address.
type PeerSet struct {
	Peers  []*Peer             `json:"peers"`
	ByID   map[uuid.UUID]*Peer `json:"-"`
	ByAddr map[string]*Peer    `json:"-"`
}

/* Constructors */

//NewPeerSet creates a new PeerSet from a list of Peers. Peers without a node
//id are only indexed by address.
func NewPeerSet(peers []*Peer) *PeerSet {
	peerSet := &PeerSet{
		ByID:   make(map[uuid.UUID]*Peer),
		ByAddr: make(map[string]*Peer),
	}

	for _, peer := range peers {
		if peer.ID != uuid.Nil {
			peerSet.ByID[peer.ID] = peer
		}
		peerSet.ByAddr[peer.NetAddr] = peer
	}

	peerSet.Peers = peers

	return peerSet
}

//NewPeerSetFromPeerSliceBytes creates a new PeerSet from a peerSlice in Bytes format
func NewPeerSetFromPeerSliceBytes(peerSliceBytes []byte) (*PeerSet, error) {
	peers := []*Peer{}

	dec := json.NewDecoder(bytes.NewBuffer(peerSliceBytes))
	if err := dec.Decode(&peers); err != nil {
		return nil, err
	}

	return NewPeerSet(peers), nil
}

//WithNewPeer returns a new PeerSet with a list of peers including the new one.
//A peer with the same address is replaced.
func (peerSet *PeerSet) WithNewPeer(peer *Peer) *PeerSet {
	_, peers := ExcludePeer(peerSet.Peers, peer.NetAddr)
	if peer.ID != uuid.Nil {
		peers = excludeID(peers, peer.ID)
	}
	peers = append(peers, peer)
	return NewPeerSet(peers)
}

//WithRemovedPeer returns a new PeerSet with a list of peers excluding the
//provided one
func (peerSet *PeerSet) WithRemovedPeer(peer *Peer) *PeerSet {
	_, peers := ExcludePeer(peerSet.Peers, peer.NetAddr)
	if peer.ID != uuid.Nil {
		peers = excludeID(peers, peer.ID)
	}
	return NewPeerSet(peers)
}

func excludeID(peers []*Peer, id uuid.UUID) []*Peer {
	res := make([]*Peer, 0, len(peers))
	for _, p := range peers {
		if p.ID != id {
			res = append(res, p)
		}
	}
	return res
}

/* ToSlice Methods */

//IDs returns the node ids of the peers that completed a handshake.
func (peerSet *PeerSet) IDs() []uuid.UUID {
	res := []uuid.UUID{}

	for _, peer := range peerSet.Peers {
		if peer.ID != uuid.Nil {
			res = append(res, peer.ID)
		}
	}

	return res
}

//Addrs returns the addresses of the peers.
func (peerSet *PeerSet) Addrs() []string {
	res := []string{}

	for _, peer := range peerSet.Peers {
		res = append(res, peer.NetAddr)
	}

	return res
}

/* Utilities */

//Len returns the number of Peers in the PeerSet
func (peerSet *PeerSet) Len() int {
	return len(peerSet.Peers)
}

//Marshal marshals the peerset
func (peerSet *PeerSet) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	if err := enc.Encode(peerSet.Peers); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
