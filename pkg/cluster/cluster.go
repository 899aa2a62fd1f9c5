package cluster

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/abeja-inc/table-splitter/pkg/logging"
	"github.com/abeja-inc/table-splitter/pkg/state"
	"github.com/abeja-inc/table-splitter/pkg/util"

	"github.com/weaveworks/mesh"
)

type ClusterPeers map[string]struct{}

// ClusterConfigInfo is everything needed to join the mesh.
type ClusterConfigInfo struct {
	IpAddress   string
	ApiListen   string
	NodeRole    string
	StateListen string
	MeshListen  string
	Hwaddr      string
	Nickname    string
	Password    string
	Channel     string
	Peers       ClusterPeers
}

// StateConfig is the address this node advertises to its peers.
func (cci ClusterConfigInfo) StateConfig() (state.PeerConfig, error) {
	addr, err := util.AdvertisedAddr(cci.IpAddress, cci.ApiListen)
	if err != nil {
		return state.PeerConfig{}, fmt.Errorf("api listen address: %s: %w", cci.ApiListen, err)
	}
	return state.NewPeerConfig(cci.IpAddress, addr), nil
}

// Show logs the effective cluster settings. The password is never printed.
func (cci *ClusterConfigInfo) Show(logger *logging.Logger) {
	logger.Info("cluster config",
		"nodeRole", cci.NodeRole,
		"apiListen", cci.ApiListen,
		"stateListen", cci.StateListen,
		"meshListen", cci.MeshListen,
		"hwaddr", cci.Hwaddr,
		"nickname", cci.Nickname,
		"channel", cci.Channel,
		"peers", cci.Peers.String(),
	)
}

// Node is a running mesh member.
type Node struct {
	Peer   *state.Peer
	router *mesh.Router
	logger *logging.Logger
	server *http.Server
}

// Start joins the mesh and serves the state API on c.StateListen. Errors of
// the state API server are sent to errs.
func Start(c ClusterConfigInfo, logger *logging.Logger, errs chan error) (*Node, error) {
	logger = logger.WithComponent("cluster").WithNode(c.Nickname)

	host, portStr, err := net.SplitHostPort(c.MeshListen)
	if err != nil {
		return nil, fmt.Errorf("mesh address: %s: %w", c.MeshListen, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("mesh address: %s: %w", c.MeshListen, err)
	}

	name, err := mesh.PeerNameFromString(c.Hwaddr)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.Hwaddr, err)
	}

	router, err := mesh.NewRouter(mesh.Config{
		Host:               host,
		Port:               port,
		ProtocolMinVersion: mesh.ProtocolMinVersion,
		Password:           []byte(c.Password),
		ConnLimit:          64,
		PeerDiscovery:      true,
		TrustedSubnets:     []*net.IPNet{},
	}, name, c.Nickname, mesh.NullOverlay{}, log.New(io.Discard, "", 0))
	if err != nil {
		return nil, fmt.Errorf("could not create router: %w", err)
	}

	peer := state.NewPeer(name, logger)
	gossip, err := router.NewGossip(c.Channel, peer)
	if err != nil {
		return nil, fmt.Errorf("could not create gossip: %w", err)
	}
	peer.Register(gossip)

	logger.Info("mesh router starting", "listen", c.MeshListen)
	router.Start()
	router.ConnectionMaker.InitiateConnections(c.Peers.slice(), true)

	mux := http.NewServeMux()
	mux.HandleFunc("/", handlerOfClusterApiController(peer))
	n := &Node{
		Peer:   peer,
		router: router,
		logger: logger,
		server: &http.Server{Addr: c.StateListen, Handler: mux},
	}
	go func(errs chan error) {
		logger.Info("HTTP server starting", "listen", c.StateListen)
		if err := n.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errs <- err
		}
	}(errs)
	return n, nil
}

// Stop leaves the mesh after publishing a tombstone for this node.
func (n *Node) Stop() {
	n.Peer.Del()
	n.logger.Info("mesh router stopping")
	n.server.Close()
	n.router.Stop()
	n.Peer.Stop()
}

type PeerController interface {
	GetAllState() state.StateContent
	Del() state.StateContent
}

func handlerOfClusterApiController(pc PeerController) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode(pc.GetAllState())
		case http.MethodDelete:
			json.NewEncoder(w).Encode(pc.Del())
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
			w.Write([]byte(`{"error":"Invalid method"}`))
		}
	}
}

func (ss ClusterPeers) Set(value string) error {
	ss[value] = struct{}{}
	return nil
}

func (ss ClusterPeers) String() string {
	return strings.Join(ss.slice(), ",")
}

func (ss ClusterPeers) slice() []string {
	slice := make([]string, 0, len(ss))
	for k := range ss {
		slice = append(slice, k)
	}
	sort.Strings(slice)
	return slice
}
