package peers

import (
	"fmt"

	"github.com/google/uuid"
)

// Peer is a node of the cluster. ID is the node id learned during the
// connection handshake; it is uuid.Nil for peers only known by address, as
// read from a peers file.
type Peer struct {
	ID      uuid.UUID `json:"id"`
	NetAddr string    `json:"net_addr"`
	Moniker string    `json:"moniker"`
}

// NewPeer is a factory method for creating a new Peer instance
func NewPeer(id uuid.UUID, netAddr string, moniker string) *Peer {
	return &Peer{
		ID:      id,
		NetAddr: netAddr,
		Moniker: moniker,
	}
}

// String ...
func (p *Peer) String() string {
	if p.Moniker != "" {
		return fmt.Sprintf("%s(%s@%s)", p.Moniker, p.ID, p.NetAddr)
	}
	return fmt.Sprintf("%s@%s", p.ID, p.NetAddr)
}

// ExcludePeer is used to exclude a single peer from a list of peers.
func ExcludePeer(peers []*Peer, addr string) (int, []*Peer) {
	index := -1
	otherPeers := make([]*Peer, 0, len(peers))
	for i, p := range peers {
		if p.NetAddr != addr {
			otherPeers = append(otherPeers, p)
		} else {
			index = i
		}
	}
	return index, otherPeers
}
