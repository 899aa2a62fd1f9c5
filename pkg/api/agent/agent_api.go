package agent

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/abeja-inc/table-splitter/pkg/api"
	"github.com/abeja-inc/table-splitter/pkg/cluster"
	"github.com/abeja-inc/table-splitter/pkg/config"
	"github.com/abeja-inc/table-splitter/pkg/data"
	"github.com/abeja-inc/table-splitter/pkg/logging"
	"github.com/abeja-inc/table-splitter/pkg/metrics"
	"github.com/abeja-inc/table-splitter/pkg/state"

	"github.com/prometheus/client_golang/prometheus"
	httptrace "gopkg.in/DataDog/dd-trace-go.v1/contrib/gorilla/mux"
	"gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"
)

// Agent health checks the table service backend it fronts.
type Agent struct {
	Backend  cluster.Pinger
	Profile  string
	Probe    data.Coordinate
	Logger   *logging.Logger
	Gatherer prometheus.Gatherer
	LaunchAt time.Time

	mutex sync.RWMutex
	last  *state.BackendInfo
}

// Check probes the backend now and remembers the result.
func (a *Agent) Check(ctx context.Context) state.BackendInfo {
	span, ctx := tracer.StartSpanFromContext(ctx, "agent.check")
	info := cluster.ProbeBackend(ctx, a.Backend, a.Profile, a.Probe)
	span.SetTag("backend.healthy", info.Healthy)
	span.Finish()

	a.mutex.Lock()
	prev := a.last
	a.last = &info
	a.mutex.Unlock()

	if a.Logger != nil && (prev == nil || prev.Healthy != info.Healthy) {
		if info.Healthy {
			a.Logger.Info("backend healthy", "backend", info.URL, "latency", info.Latency)
		} else {
			a.Logger.Warn("backend unhealthy", "backend", info.URL, "error", info.Error)
		}
	}
	return info
}

// Backends is the probe used for announcements: the fronted backend as it
// is now.
func (a *Agent) Backends(ctx context.Context) []state.BackendInfo {
	return []state.BackendInfo{a.Check(ctx)}
}

// Last returns the latest check, if any.
func (a *Agent) Last() (state.BackendInfo, bool) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	if a.last == nil {
		return state.BackendInfo{}, false
	}
	return *a.last, true
}

func handlerOfBackend(a *Agent) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			api.WriteMessage(w, http.StatusMethodNotAllowed, "Invalid method")
			return
		}
		info, ok := a.Last()
		if !ok {
			api.WriteMessage(w, http.StatusNotFound, "Backend not checked yet.")
			return
		}
		api.WriteJSON(w, http.StatusOK, info)
	}
}

func handlerOfBackendCheck(a *Agent) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			api.WriteMessage(w, http.StatusMethodNotAllowed, "Invalid method")
			return
		}
		info := a.Check(r.Context())
		status := http.StatusOK
		if !info.Healthy {
			status = http.StatusServiceUnavailable
		}
		api.WriteJSON(w, status, info)
	}
}

// NewRouter wires the agent endpoints.
func NewRouter(a *Agent) http.Handler {
	if a.Logger == nil {
		a.Logger = logging.NoopLogger()
	}
	r := httptrace.NewRouter(
		httptrace.WithServiceName("AgentAPI"),
	)
	r.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		api.WriteJSON(w, http.StatusOK, api.StatusResponse{Status: "OK", Role: config.RoleAgent, LaunchAt: a.LaunchAt})
	})
	r.HandleFunc("/api/v1/backend", handlerOfBackend(a))
	r.HandleFunc("/api/v1/backend/check", handlerOfBackendCheck(a))
	r.Handle("/metrics", metrics.Handler(a.Gatherer))
	return api.WithRequestID(a.Logger, r)
}

// StartAgentServer serves the agent API on httpListen. Serve errors are sent to errs.
func StartAgentServer(a *Agent, httpListen string, errs chan error) *http.Server {
	srv := &http.Server{Addr: httpListen, Handler: NewRouter(a)}
	logger := a.Logger.WithComponent("agent")
	go func(errs chan error) {
		logger.Info("HTTP server starting", "listen", httpListen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errs <- err
		}
	}(errs)
	return srv
}
