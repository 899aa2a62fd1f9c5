package proxy

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/abeja-inc/table-splitter/pkg/api"
	"github.com/abeja-inc/table-splitter/pkg/config"
	"github.com/abeja-inc/table-splitter/pkg/data"
	"github.com/abeja-inc/table-splitter/pkg/engine"
	"github.com/abeja-inc/table-splitter/pkg/state"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// tableFunc adapts a function to engine.TableService.
type tableFunc func(ctx context.Context, req data.TableRequest) (*data.PartialMatrix, error)

func (f tableFunc) Table(ctx context.Context, req data.TableRequest) (*data.PartialMatrix, error) {
	return f(ctx, req)
}

func reference(_ context.Context, req data.TableRequest) (*data.PartialMatrix, error) {
	n := len(req.Coordinates)
	sources, destinations := req.Sources.Resolve(n), req.Destinations.Resolve(n)
	p := &data.PartialMatrix{
		Durations: data.NewGrid(len(sources), len(destinations)),
		Distances: data.NewGrid(len(sources), len(destinations)),
	}
	for i, s := range sources {
		p.Sources = append(p.Sources, data.Waypoint{Location: req.Coordinates[s]})
		for j, d := range destinations {
			du, di := float64(s*100+d), float64(s*1000+d*10)
			p.Durations[i][j], p.Distances[i][j] = &du, &di
		}
	}
	for _, d := range destinations {
		p.Destinations = append(p.Destinations, data.Waypoint{Location: req.Coordinates[d]})
	}
	return p, nil
}

type staticPool []string

func (p staticPool) Backends() []string { return p }

type staticState state.StateContent

func (s staticState) GetAllState() state.StateContent { return state.StateContent(s) }

func newServer(svc engine.TableService) *Server {
	return &Server{
		Engine:   engine.New(svc, nil, nil),
		Pool:     staticPool{"http://osrm:5000"},
		Table:    func() config.TableConfig { return config.TableConfig{DefaultParallelism: 2, MaxParallelism: 4, MaxCoordinates: 100} },
		Gatherer: prometheus.NewRegistry(),
	}
}

func postTable(h http.Handler, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/table", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func coordinatesJSON(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("[13.%02d,52.5]", i)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func TestHandlerOfTable(t *testing.T) {
	t.Run("it answers a split square table", func(t *testing.T) {
		h := NewRouter(newServer(tableFunc(reference)))
		rec := postTable(h, `{"coordinates":`+coordinatesJSON(4)+`,"splitLimit":2,"annotations":"duration"}`)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		require.NotEmpty(t, rec.Header().Get(api.RequestIDHeader))

		var body struct {
			Code      string       `json:"code"`
			Durations [][]*float64 `json:"durations"`
			Distances [][]*float64 `json:"distances"`
			Sources   []data.Waypoint
		}
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		require.Equal(t, "Ok", body.Code)
		require.Len(t, body.Durations, 4)
		require.Equal(t, float64(302), *body.Durations[3][2])
		require.Nil(t, body.Distances)
		require.Len(t, body.Sources, 4)
	})

	t.Run("it renders one-to-many rows flat", func(t *testing.T) {
		h := NewRouter(newServer(tableFunc(reference)))
		rec := postTable(h, `{"coordinates":`+coordinatesJSON(5)+`,"sources":[0],"splitLimit":2,"slim":true}`)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var body map[string]json.RawMessage
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		var durations []float64
		require.NoError(t, json.Unmarshal(body["durations"], &durations))
		require.Equal(t, []float64{0, 1, 2, 3, 4}, durations)
		require.NotContains(t, body, "sources")
	})

	t.Run("it requires coordinates", func(t *testing.T) {
		h := NewRouter(newServer(tableFunc(reference)))
		for _, body := range []string{`{"sources":[0]}`, `{"coordinates":[]}`, `{"coordinates":null}`} {
			rec := postTable(h, body)
			require.Equal(t, http.StatusUnprocessableEntity, rec.Code, body)
			require.JSONEq(t, `{"error":"Missing coordinates"}`, rec.Body.String(), body)
		}
	})

	t.Run("it rejects bad input", func(t *testing.T) {
		h := NewRouter(newServer(tableFunc(reference)))
		for _, body := range []string{
			`{"coordinates":[[13.4,52.5]],"sources":[1]}`,
			`{"coordinates":[[13.4,92.5]]}`,
			`{"coordinates":[[13.4]]}`,
			`{"coordinates":[[13.4,52.5]],"annotations":"speed"}`,
			`{"coordinates":[[13.4,52.5]],"splitLimit":-1}`,
			`{"coordinates":` + coordinatesJSON(101) + `}`,
			`{"coordinates":`,
		} {
			rec := postTable(h, body)
			require.Equal(t, http.StatusUnprocessableEntity, rec.Code, body)
		}

		req := httptest.NewRequest(http.MethodPost, "/table", strings.NewReader(`{}`))
		req.Header.Set("Content-Type", "text/plain")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/table", nil))
		require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})

	t.Run("it reports failed sub-queries", func(t *testing.T) {
		svc := tableFunc(func(ctx context.Context, req data.TableRequest) (*data.PartialMatrix, error) {
			if req.Destinations.Min() == 2 {
				return nil, errors.New("backend down")
			}
			return reference(ctx, req)
		})
		h := NewRouter(newServer(svc))
		rec := postTable(h, `{"coordinates":`+coordinatesJSON(5)+`,"sources":[0],"splitLimit":2}`)
		require.Equal(t, http.StatusBadGateway, rec.Code)

		var body api.ErrorResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		require.Equal(t, "SubQueryFailure", body.Code)
		require.Len(t, body.FailedBins, 1)
	})

	t.Run("it takes the profile from the path", func(t *testing.T) {
		var profile string
		svc := tableFunc(func(ctx context.Context, req data.TableRequest) (*data.PartialMatrix, error) {
			profile = req.Options.Profile
			return reference(ctx, req)
		})
		h := NewRouter(newServer(svc))
		req := httptest.NewRequest(http.MethodPost, "/table/v1/bike", strings.NewReader(`{"coordinates":`+coordinatesJSON(2)+`}`))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		require.Equal(t, "bike", profile)
	})

	t.Run("it compresses large answers", func(t *testing.T) {
		h := NewRouter(newServer(tableFunc(reference)))
		rec := postTable(h, `{"coordinates":`+coordinatesJSON(30)+`,"splitLimit":8}`, "Accept-Encoding", "gzip")
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))

		zr, err := gzip.NewReader(bytes.NewReader(rec.Body.Bytes()))
		require.NoError(t, err)
		var body struct {
			Durations [][]*float64 `json:"durations"`
		}
		require.NoError(t, json.NewDecoder(zr).Decode(&body))
		require.Len(t, body.Durations, 30)
	})
}

func TestBuildQuery(t *testing.T) {
	s := newServer(tableFunc(reference))
	parallelism := 50
	q, err := s.buildQuery(TableInputForm{
		Coordinates: [][]float64{{13.4, 52.5}, {13.5, 52.6}},
		Parallelism: &parallelism,
		Options:     data.Options{Profile: "bike"},
	})
	require.NoError(t, err)
	require.Equal(t, 4, q.Parallelism, "parallelism is capped")
	require.Equal(t, 0, q.SplitLimit)
	require.Equal(t, data.AllAnnotations, q.Annotations)
	require.Equal(t, "bike", q.Options.Profile)

	q, err = s.buildQuery(TableInputForm{Coordinates: [][]float64{{13.4, 52.5}}})
	require.NoError(t, err)
	require.Equal(t, 2, q.Parallelism, "default parallelism")
}

func TestHandlerOfProxyStat(t *testing.T) {
	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"OK","role":"agent"}`))
	}))
	defer agent.Close()

	s := newServer(tableFunc(reference))
	s.Peer = staticState{NodeInfos: map[string]state.NodeInfo{
		"00:00:00:00:00:01": {
			IpAddress: "127.0.0.1",
			ApiPort:   strings.TrimPrefix(agent.URL, "http://"),
			Backends:  []state.BackendInfo{{URL: "http://osrm:5000", Healthy: true}},
		},
	}}

	rec := httptest.NewRecorder()
	NewRouter(s).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stat", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body ProxyStatResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, []string{"http://osrm:5000"}, body.Backends)
	node := body.Nodes["00:00:00:00:00:01"]
	require.True(t, node.Success)
	require.Equal(t, http.StatusOK, node.StatusCode)
	require.JSONEq(t, `{"status":"OK","role":"agent"}`, string(node.Contents))
}

func TestRootAndMetrics(t *testing.T) {
	h := NewRouter(newServer(tableFunc(reference)))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"role":"proxy"`)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}
