package cluster

import (
	"context"
	"time"

	"github.com/abeja-inc/table-splitter/pkg/data"
	"github.com/abeja-inc/table-splitter/pkg/logging"
	"github.com/abeja-inc/table-splitter/pkg/metrics"
	"github.com/abeja-inc/table-splitter/pkg/state"
)

// Announcer publishes this node's NodeInfo. *state.Peer implements it.
type Announcer interface {
	SetNodeInfo(peerConf state.PeerConfig, backends []state.BackendInfo) state.StateContent
}

// Pinger is a backend that can be health checked. *osrm.Client implements it.
type Pinger interface {
	BaseURL() string
	Ping(ctx context.Context, probe data.Coordinate) error
}

// ProbeBackend runs one trivial table request against p.
func ProbeBackend(ctx context.Context, p Pinger, profile string, probe data.Coordinate) state.BackendInfo {
	start := time.Now()
	err := p.Ping(ctx, probe)
	info := state.BackendInfo{
		URL:       p.BaseURL(),
		Profile:   profile,
		Healthy:   err == nil,
		Latency:   time.Since(start),
		CheckedAt: time.Now(),
	}
	if err != nil {
		info.Error = err.Error()
	}
	return info
}

// Announce publishes the result of probe immediately and then every
// interval until ctx is done.
func Announce(ctx context.Context, a Announcer, peerConf state.PeerConfig, interval time.Duration, probe func(context.Context) []state.BackendInfo) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		a.SetNodeInfo(peerConf, probe(ctx))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// BackendSource lists gossiped backends. *state.Peer implements it.
type BackendSource interface {
	Backends(maxAge time.Duration) []state.BackendInfo
}

// PoolUpdater is a replaceable backend set. *osrm.Pool implements it.
type PoolUpdater interface {
	Update(urls []string) (added, removed int)
	Len() int
}

// PoolSync keeps a pool equal to the static backends plus every healthy
// backend gossiped within MaxAge.
type PoolSync struct {
	Source   BackendSource
	Pool     PoolUpdater
	Static   []string
	Interval time.Duration
	MaxAge   time.Duration
	Logger   *logging.Logger
	Metrics  metrics.Recorder
}

// Run syncs immediately and then every Interval until ctx is done.
func (s *PoolSync) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		s.Sync()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sync applies the current backend set once.
func (s *PoolSync) Sync() {
	urls := append([]string{}, s.Static...)
	if s.Source != nil {
		for _, b := range s.Source.Backends(s.MaxAge) {
			urls = append(urls, b.URL)
		}
	}
	added, removed := s.Pool.Update(urls)
	n := s.Pool.Len()
	if s.Metrics != nil {
		s.Metrics.RecordBackends(n)
	}
	if s.Logger != nil && (added > 0 || removed > 0) {
		s.Logger.Info("backend pool updated", "added", added, "removed", removed, "backends", n)
	}
}
