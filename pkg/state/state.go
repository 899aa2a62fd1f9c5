package state

import (
	"bytes"
	"encoding/gob"
	"sort"
	"sync"
	"time"

	"github.com/weaveworks/mesh"
)

// BackendInfo is one table service backend as seen by the agent fronting it.
type BackendInfo struct {
	URL       string        `json:"url"`
	Profile   string        `json:"profile"`
	Healthy   bool          `json:"healthy"`
	Latency   time.Duration `json:"latency"`
	CheckedAt time.Time     `json:"checkedAt"`
	Error     string        `json:"error,omitempty"`
}

// NodeInfo is what a node advertises about itself. A NodeInfo without an
// address is the tombstone of a node that left.
type NodeInfo struct {
	Backends      []BackendInfo `json:"backends"`
	Count         int           `json:"count"`
	IpAddress     string        `json:"ipAddress"`
	ApiPort       string        `json:"apiPort"`
	LaunchAt      time.Time     `json:"launchAt"`
	LastUpdatedAt time.Time     `json:"lastUpdatedAt"`
}

func (ni *NodeInfo) GetLastUpdatedAt() int64 {
	if ni.LastUpdatedAt.IsZero() {
		return 0
	}
	return ni.LastUpdatedAt.UnixNano()
}

// IsDeleted reports whether ni is a tombstone.
func (ni *NodeInfo) IsDeleted() bool {
	return ni.IpAddress == "" && len(ni.Backends) == 0
}

func (ni NodeInfo) clone() NodeInfo {
	ni.Backends = append([]BackendInfo(nil), ni.Backends...)
	return ni
}

type StateContent struct {
	NodeInfos map[string]NodeInfo
}

func (sc StateContent) clone() StateContent {
	out := StateContent{NodeInfos: make(map[string]NodeInfo, len(sc.NodeInfos))}
	for k, v := range sc.NodeInfos {
		out.NodeInfos[k] = v.clone()
	}
	return out
}

// State holds the newest NodeInfo of every node, keyed by the peer that
// published it. For every node the entry with the latest LastUpdatedAt wins.
type State struct {
	mtx  sync.RWMutex
	set  map[mesh.PeerName]StateContent
	self mesh.PeerName
}

// State implements GossipData.
var _ mesh.GossipData = &State{}

func newState(self mesh.PeerName) *State {
	return &State{
		set:  map[mesh.PeerName]StateContent{},
		self: self,
	}
}

func (st *State) getAllState() (result StateContent) {
	st.mtx.RLock()
	defer st.mtx.RUnlock()
	result.NodeInfos = map[string]NodeInfo{}
	for _, v := range st.set {
		for nodeInfoKey, nodeInfoVal := range v.NodeInfos {
			if nodeInfoVal.IsDeleted() {
				continue
			}
			resultNodeInfo := result.NodeInfos[nodeInfoKey]
			if nodeInfoVal.GetLastUpdatedAt() > resultNodeInfo.GetLastUpdatedAt() {
				result.NodeInfos[nodeInfoKey] = nodeInfoVal.clone()
			}
		}
	}
	return result
}

// backends returns the healthy backends of every node heard from within
// maxAge, sorted by URL. A maxAge of zero disables the age check.
func (st *State) backends(now time.Time, maxAge time.Duration) []BackendInfo {
	seen := map[string]BackendInfo{}
	for _, ni := range st.getAllState().NodeInfos {
		if maxAge > 0 && now.Sub(ni.LastUpdatedAt) > maxAge {
			continue
		}
		for _, b := range ni.Backends {
			if !b.Healthy || b.URL == "" {
				continue
			}
			if prev, ok := seen[b.URL]; !ok || b.CheckedAt.After(prev.CheckedAt) {
				seen[b.URL] = b
			}
		}
	}
	out := make([]BackendInfo, 0, len(seen))
	for _, b := range seen {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

func (st *State) del(now time.Time) (complete *State) {
	st.mtx.Lock()
	defer st.mtx.Unlock()
	st.set[st.self] = StateContent{
		NodeInfos: map[string]NodeInfo{
			st.self.String(): {LastUpdatedAt: now},
		},
	}
	return st.snapshot()
}

func (st *State) setNodeInfo(peerConf PeerConfig, backends []BackendInfo, now time.Time) (complete *State) {
	st.mtx.Lock()
	defer st.mtx.Unlock()

	c, ok := st.set[st.self].NodeInfos[st.self.String()]
	info := NodeInfo{
		Backends:      append([]BackendInfo(nil), backends...),
		IpAddress:     peerConf.ipAddress,
		ApiPort:       peerConf.apiPort,
		LastUpdatedAt: now,
	}
	if ok && !c.IsDeleted() {
		info.Count = c.Count + 1
		info.LaunchAt = c.LaunchAt
	} else {
		info.LaunchAt = now
	}
	st.set[st.self] = StateContent{
		NodeInfos: map[string]NodeInfo{
			st.self.String(): info,
		},
	}
	return st.snapshot()
}

// snapshot deep copies the set. Callers hold the lock.
func (st *State) snapshot() *State {
	set := make(map[mesh.PeerName]StateContent, len(st.set))
	for peer, v := range st.set {
		set[peer] = v.clone()
	}
	return &State{set: set, self: st.self}
}

func (st *State) copy() *State {
	st.mtx.RLock()
	defer st.mtx.RUnlock()
	return st.snapshot()
}

// Encode serializes the complete State as a single gob buffer.
func (st *State) Encode() [][]byte {
	st.mtx.RLock()
	defer st.mtx.RUnlock()
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(st.set); err != nil {
		panic(err)
	}
	return [][]byte{buf.Bytes()}
}

func (st *State) Merge(other mesh.GossipData) (complete mesh.GossipData) {
	return st.mergeComplete(other.(*State).copy().set)
}

// mergeDelta folds set into st and strips from set everything that was not
// new to us. It returns nil when nothing was new.
func (st *State) mergeDelta(set map[mesh.PeerName]StateContent) (delta mesh.GossipData) {
	st.mtx.Lock()
	defer st.mtx.Unlock()

	for peer, v := range set {
		obj, ok := st.set[peer]
		if !ok || obj.NodeInfos == nil {
			obj = StateContent{NodeInfos: map[string]NodeInfo{}}
			st.set[peer] = obj
		}
		for nodeInfoKey, nodeInfoVal := range v.NodeInfos {
			objNodeInfo := obj.NodeInfos[nodeInfoKey]
			if nodeInfoVal.GetLastUpdatedAt() <= objNodeInfo.GetLastUpdatedAt() {
				delete(v.NodeInfos, nodeInfoKey)
				continue
			}
			obj.NodeInfos[nodeInfoKey] = nodeInfoVal.clone()
		}
		if len(v.NodeInfos) == 0 {
			delete(set, peer)
		}
	}

	if len(set) == 0 {
		return nil // per OnGossip requirements
	}
	return &State{
		set: set, // all remaining elements were novel to us
	}
}

// mergeReceived is mergeDelta for broadcasts, which must never return nil.
func (st *State) mergeReceived(set map[mesh.PeerName]StateContent) (received mesh.GossipData) {
	if delta := st.mergeDelta(set); delta != nil {
		return delta
	}
	return &State{set: map[mesh.PeerName]StateContent{}}
}

func (st *State) mergeComplete(set map[mesh.PeerName]StateContent) (complete mesh.GossipData) {
	st.mergeDelta(set)
	return st.copy()
}
