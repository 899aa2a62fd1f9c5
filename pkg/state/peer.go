package state

import (
	"bytes"
	"encoding/gob"
	"time"

	"github.com/abeja-inc/table-splitter/pkg/logging"

	"github.com/weaveworks/mesh"
)

// Peer owns this node's view of the cluster inventory and gossips it.
// Hand it to mesh.Router.NewGossip and Register the returned channel
// before the router starts.
type Peer struct {
	st      *State
	send    mesh.Gossip
	actions chan<- func()
	quit    chan struct{}
	logger  *logging.Logger
	now     func() time.Time
}

// PeerConfig is the address a node advertises for its HTTP API.
type PeerConfig struct {
	ipAddress string
	apiPort   string
}

func NewPeerConfig(ipAddress, apiPort string) PeerConfig {
	return PeerConfig{
		ipAddress: ipAddress,
		apiPort:   apiPort,
	}
}

var _ mesh.Gossiper = &Peer{}

// NewPeer constructs a peer with empty State. Register a gossip channel
// later so updates can be broadcast.
func NewPeer(self mesh.PeerName, logger *logging.Logger) *Peer {
	if logger == nil {
		logger = logging.NoopLogger()
	}
	actions := make(chan func())
	p := &Peer{
		st:      newState(self),
		actions: actions,
		quit:    make(chan struct{}),
		logger:  logger,
		now:     time.Now,
	}
	go p.loop(actions)
	return p
}

func (p *Peer) loop(actions <-chan func()) {
	for {
		select {
		case f := <-actions:
			f()
		case <-p.quit:
			return
		}
	}
}

// Register the result of a mesh.Router.NewGossip.
func (p *Peer) Register(send mesh.Gossip) {
	p.actions <- func() { p.send = send }
}

// GetAllState returns the newest live NodeInfo of every known node.
func (p *Peer) GetAllState() StateContent {
	return p.st.getAllState()
}

// Backends returns the healthy backends advertised by nodes heard from
// within maxAge.
func (p *Peer) Backends(maxAge time.Duration) []BackendInfo {
	return p.st.backends(p.now(), maxAge)
}

// Del publishes a tombstone for this node.
func (p *Peer) Del() (result StateContent) {
	return p.update(func() *State { return p.st.del(p.now()) })
}

// SetNodeInfo publishes this node's address and backends.
func (p *Peer) SetNodeInfo(peerConf PeerConfig, backends []BackendInfo) (result StateContent) {
	return p.update(func() *State { return p.st.setNodeInfo(peerConf, backends, p.now()) })
}

func (p *Peer) update(apply func() *State) (result StateContent) {
	c := make(chan struct{})
	p.actions <- func() {
		defer close(c)
		st := apply()
		if p.send != nil {
			p.send.GossipBroadcast(st)
		} else {
			p.logger.Debug("no sender configured; not broadcasting update right now")
		}
		result = st.getAllState()
	}
	<-c
	return result
}

// Stop ends the action loop.
func (p *Peer) Stop() {
	close(p.quit)
}

// Gossip returns a copy of our complete State.
func (p *Peer) Gossip() (complete mesh.GossipData) {
	complete = p.st.copy()
	p.logger.Debug("gossip", "nodes", len(complete.(*State).set))
	return complete
}

// OnGossip merges the gossiped data represented by buf into our State.
// It returns the State information that was modified.
func (p *Peer) OnGossip(buf []byte) (delta mesh.GossipData, err error) {
	set, err := decodeSet(buf)
	if err != nil {
		return nil, err
	}
	delta = p.st.mergeDelta(set)
	if delta == nil {
		p.logger.Debug("OnGossip", "received", len(set), "novel", 0)
	} else {
		p.logger.Debug("OnGossip", "received", len(set), "novel", len(delta.(*State).set))
	}
	return delta, nil
}

// OnGossipBroadcast merges a broadcast from src into our State.
func (p *Peer) OnGossipBroadcast(src mesh.PeerName, buf []byte) (received mesh.GossipData, err error) {
	set, err := decodeSet(buf)
	if err != nil {
		return nil, err
	}
	received = p.st.mergeReceived(set)
	p.logger.Debug("OnGossipBroadcast", "src", src.String(), "novel", len(received.(*State).set))
	return received, nil
}

// OnGossipUnicast merges the complete State unicast by src into ours.
func (p *Peer) OnGossipUnicast(src mesh.PeerName, buf []byte) error {
	set, err := decodeSet(buf)
	if err != nil {
		return err
	}
	p.st.mergeComplete(set)
	p.logger.Debug("OnGossipUnicast", "src", src.String(), "received", len(set))
	return nil
}

func decodeSet(buf []byte) (map[mesh.PeerName]StateContent, error) {
	var set map[mesh.PeerName]StateContent
	if err := gob.NewDecoder(bytes.NewReader(buf)).Decode(&set); err != nil {
		return nil, err
	}
	return set, nil
}
