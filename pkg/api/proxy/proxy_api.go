package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"sort"
	"time"

	"github.com/abeja-inc/table-splitter/pkg/api"
	"github.com/abeja-inc/table-splitter/pkg/config"
	"github.com/abeja-inc/table-splitter/pkg/data"
	"github.com/abeja-inc/table-splitter/pkg/engine"
	"github.com/abeja-inc/table-splitter/pkg/logging"
	"github.com/abeja-inc/table-splitter/pkg/metrics"
	"github.com/abeja-inc/table-splitter/pkg/state"

	"github.com/gorilla/mux"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	httptrace "gopkg.in/DataDog/dd-trace-go.v1/contrib/gorilla/mux"
	"gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"
)

const maxBodyBytes = 32 << 20

// ---------------------- API for ReverseProxy -----------------------------

// TableInputForm is the body of POST /table.
type TableInputForm struct {
	Coordinates  [][]float64 `json:"coordinates"`
	Sources      []int       `json:"sources"`
	Destinations []int       `json:"destinations"`
	Annotations  string      `json:"annotations"`
	SplitLimit   *int        `json:"splitLimit"`
	Parallelism  *int        `json:"parallelism"`
	Slim         bool        `json:"slim"`
	data.Options
}

type NodeStatResponse struct {
	Success      bool                `json:"success"`
	Address      string              `json:"address"`
	ResponseTime int64               `json:"responseTime"`
	Contents     json.RawMessage     `json:"contents,omitempty"`
	StatusCode   int                 `json:"statusCode"`
	Backends     []state.BackendInfo `json:"backends"`
}

type ProxyStatResponse struct {
	Backends           []string                    `json:"backends"`
	Nodes              map[string]NodeStatResponse `json:"nodes"`
	RequestProcessTime int64                       `json:"requestProcessTime"`
}

// BackendLister is the backend pool. *osrm.Pool implements it.
type BackendLister interface {
	Backends() []string
}

// StateReader is the cluster view. *state.Peer implements it.
type StateReader interface {
	GetAllState() state.StateContent
}

// Server is everything the proxy handlers need.
type Server struct {
	Engine   *engine.Engine
	Pool     BackendLister
	Peer     StateReader // nil outside a cluster
	Table    func() config.TableConfig
	Logger   *logging.Logger
	Gatherer prometheus.Gatherer
	LaunchAt time.Time
	// Client is used to reach agents from /stat.
	Client *http.Client
}

func (s *Server) tableConfig() config.TableConfig {
	if s.Table != nil {
		return s.Table()
	}
	return config.TableConfig{DefaultParallelism: 1, MaxParallelism: 1, MaxCoordinates: 10000}
}

// buildQuery applies limits and config defaults to a bound form. Presence of
// coordinates is checked by the handler.
func (s *Server) buildQuery(form TableInputForm) (data.Query, error) {
	cfg := s.tableConfig()
	if cfg.MaxCoordinates > 0 && len(form.Coordinates) > cfg.MaxCoordinates {
		return data.Query{}, fmt.Errorf("%w: %d coordinates exceed the limit of %d", data.ErrInvalidRequest, len(form.Coordinates), cfg.MaxCoordinates)
	}
	coords := make([]data.Coordinate, len(form.Coordinates))
	for i, c := range form.Coordinates {
		if len(c) != 2 {
			return data.Query{}, fmt.Errorf("%w: coordinate %d must be [lon, lat]", data.ErrInvalidRequest, i)
		}
		coords[i] = data.Coordinate{c[0], c[1]}
	}
	if err := data.ValidateCoordinates(coords); err != nil {
		return data.Query{}, err
	}
	annotations, err := data.ParseAnnotations(form.Annotations)
	if err != nil {
		return data.Query{}, err
	}

	q := data.Query{
		Coordinates:  coords,
		Sources:      data.IndexSet(form.Sources),
		Destinations: data.IndexSet(form.Destinations),
		Annotations:  annotations,
		SplitLimit:   cfg.DefaultSplitLimit,
		Parallelism:  cfg.DefaultParallelism,
		Slim:         form.Slim,
		Options:      form.Options,
	}
	if form.SplitLimit != nil {
		q.SplitLimit = *form.SplitLimit
	}
	if form.Parallelism != nil {
		q.Parallelism = *form.Parallelism
	}
	if cfg.MaxParallelism > 0 && q.Parallelism > cfg.MaxParallelism {
		q.Parallelism = cfg.MaxParallelism
	}
	return q, nil
}

func handlerOfTable(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		span, ctx := tracer.StartSpanFromContext(r.Context(), "handlerOfTable")
		defer span.Finish()
		span.SetTag("http.url", r.URL.Path)

		if r.Method != http.MethodPost {
			api.WriteMessage(w, http.StatusMethodNotAllowed, "Invalid method")
			return
		}
		defer r.Body.Close()

		mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil || mediaType != "application/json" {
			api.WriteMessage(w, http.StatusUnprocessableEntity, "Invalid Content-Type")
			return
		}

		childSpan := tracer.StartSpan("requestBinding", tracer.ChildOf(span.Context()))
		var form TableInputForm
		err = json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&form)
		childSpan.Finish(tracer.WithError(err))
		if err != nil {
			api.WriteMessage(w, http.StatusUnprocessableEntity, "Failed to parse json.")
			return
		}

		if len(form.Coordinates) == 0 {
			api.WriteMessage(w, http.StatusUnprocessableEntity, "Missing coordinates")
			return
		}
		if profile := mux.Vars(r)["profile"]; profile != "" {
			form.Profile = profile
		}
		q, err := s.buildQuery(form)
		if err != nil {
			api.WriteError(w, err)
			return
		}
		span.SetTag("table.coordinates", len(q.Coordinates))

		eng := *s.Engine
		eng.Logger = eng.Logger.WithRequestID(api.RequestID(ctx))
		eng.StrictShapes = s.tableConfig().StrictShapes

		full, err := eng.Table(ctx, q)
		if err != nil {
			span.SetTag("error", err)
			api.WriteError(w, err)
			return
		}

		childSpan = tracer.StartSpan("marshalTableResponse", tracer.ChildOf(span.Context()))
		api.WriteJSON(w, http.StatusOK, full)
		childSpan.Finish()
	}
}

func handlerOfProxyStat(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		if r.Method != http.MethodGet {
			api.WriteMessage(w, http.StatusMethodNotAllowed, "Invalid method")
			return
		}

		resp := ProxyStatResponse{
			Backends: []string{},
			Nodes:    map[string]NodeStatResponse{},
		}
		if s.Pool != nil {
			resp.Backends = s.Pool.Backends()
		}
		if s.Peer != nil {
			resp.Nodes = s.statNodes(r.Context(), s.Peer.GetAllState())
		}
		resp.RequestProcessTime = time.Since(start).Nanoseconds()
		api.WriteJSON(w, http.StatusOK, resp)
	}
}

// statNodes asks every known agent for its status.
func (s *Server) statNodes(ctx context.Context, st state.StateContent) map[string]NodeStatResponse {
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Second}
	}
	names := make([]string, 0, len(st.NodeInfos))
	for name := range st.NodeInfos {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]NodeStatResponse, len(names))
	var g errgroup.Group
	g.SetLimit(8)
	for i, name := range names {
		info := st.NodeInfos[name]
		g.Go(func() error {
			out[i] = statNode(ctx, client, info)
			return nil
		})
	}
	g.Wait()

	responses := make(map[string]NodeStatResponse, len(names))
	for i, name := range names {
		responses[name] = out[i]
	}
	return responses
}

func statNode(ctx context.Context, client *http.Client, info state.NodeInfo) NodeStatResponse {
	address := fmt.Sprintf("http://%s/", info.ApiPort)
	res := NodeStatResponse{Address: address, Backends: info.Backends}
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, address, nil)
	if err != nil {
		return res
	}
	resp, err := client.Do(req)
	if err != nil {
		return res
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return res
	}
	res.Success = resp.StatusCode == http.StatusOK
	res.StatusCode = resp.StatusCode
	res.ResponseTime = time.Since(start).Nanoseconds()
	if json.Valid(b) {
		res.Contents = b
	}
	return res
}

// NewRouter wires the proxy endpoints.
func NewRouter(s *Server) http.Handler {
	if s.Logger == nil {
		s.Logger = logging.NoopLogger()
	}
	r := httptrace.NewRouter(
		httptrace.WithServiceName("ProxyAPI"),
	)
	r.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		api.WriteJSON(w, http.StatusOK, api.StatusResponse{Status: "OK", Role: config.RoleProxy, LaunchAt: s.LaunchAt})
	})
	r.HandleFunc("/stat", handlerOfProxyStat(s))
	r.HandleFunc("/table", handlerOfTable(s))
	r.HandleFunc("/table/v1/{profile}", handlerOfTable(s))
	r.Handle("/metrics", metrics.Handler(s.Gatherer))
	return api.WithRequestID(s.Logger, gzhttp.GzipHandler(r))
}

// StartReverseProxy serves the proxy API on httpListen. Serve errors are sent to errs.
func StartReverseProxy(s *Server, httpListen string, errs chan error) *http.Server {
	srv := &http.Server{Addr: httpListen, Handler: NewRouter(s)}
	logger := s.Logger.WithComponent("proxy")
	go func(errs chan error) {
		logger.Info("HTTP server starting", "listen", httpListen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errs <- err
		}
	}(errs)
	return srv
}
