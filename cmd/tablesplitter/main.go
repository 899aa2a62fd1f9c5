package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/abeja-inc/table-splitter/pkg/api/agent"
	"github.com/abeja-inc/table-splitter/pkg/api/proxy"
	"github.com/abeja-inc/table-splitter/pkg/cluster"
	"github.com/abeja-inc/table-splitter/pkg/config"
	"github.com/abeja-inc/table-splitter/pkg/data"
	"github.com/abeja-inc/table-splitter/pkg/engine"
	"github.com/abeja-inc/table-splitter/pkg/logging"
	"github.com/abeja-inc/table-splitter/pkg/metrics"
	"github.com/abeja-inc/table-splitter/pkg/osrm"
	"github.com/abeja-inc/table-splitter/pkg/util"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"
)

func processSignal(errs chan error) {
	go func(errs chan error) {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errs <- fmt.Errorf("%s", <-c)
	}(errs)
}

type flags struct {
	config   *string
	nodeRole *string
	listen   *string
	ip       *string
	mesh     *string
	hwaddr   *string
	nickname *string
	password *string
	channel  *string
	peers    cluster.ClusterPeers
}

func parseFlags() flags {
	f := flags{
		config:   flag.String("config", "", "path of the YAML config file"),
		nodeRole: flag.String("node_role", "", "RoleName in cluster (proxy|agent)"),
		listen:   flag.String("listen", "", "HTTP listen address (API)"),
		ip:       flag.String("ipaddress", "", "IP advertised to the cluster"),
		mesh:     flag.String("mesh", "", "mesh listen address"),
		hwaddr:   flag.String("hwaddr", "", "MAC address, i.e. mesh peer ID"),
		nickname: flag.String("nickname", "", "peer nickname"),
		password: flag.String("password", "", "password (optional)"),
		channel:  flag.String("channel", "", "gossip channel name"),
		peers:    cluster.ClusterPeers{},
	}
	flag.Var(f.peers, "peer", "initial peer (may be repeated)")
	flag.Parse()
	return f
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func clusterConfig(f flags, cfg *config.AppConfig, apiListen string, logger *logging.Logger) cluster.ClusterConfigInfo {
	ip := *f.ip
	if ip == "" {
		var err error
		if ip, err = util.GetExternalIP(); err != nil {
			logger.Warn("failed to get IP address, advertising loopback", "error", err)
			ip = "127.0.0.1"
		}
	}
	peers := cluster.ClusterPeers{}
	for _, p := range cfg.Cluster.Peers {
		peers.Set(p)
	}
	for p := range f.peers {
		peers.Set(p)
	}
	return cluster.ClusterConfigInfo{
		IpAddress:   ip,
		ApiListen:   apiListen,
		NodeRole:    cfg.Cluster.NodeRole,
		StateListen: cfg.Cluster.StateListen,
		MeshListen:  orDefault(*f.mesh, cfg.Cluster.MeshListen),
		Hwaddr:      orDefault(*f.hwaddr, util.MustHardwareAddr()),
		Nickname:    orDefault(*f.nickname, util.MustHostname()),
		Password:    orDefault(*f.password, cfg.Cluster.Password),
		Channel:     orDefault(*f.channel, cfg.Cluster.Channel),
		Peers:       peers,
	}
}

func clientConfig(cfg *config.AppConfig) osrm.ClientConfig {
	return osrm.ClientConfig{
		Profile:           cfg.OSRM.Profile,
		Timeout:           cfg.OSRM.Timeout,
		MaxInFlight:       cfg.OSRM.MaxInFlight,
		RequestsPerSecond: cfg.OSRM.RequestsPerSecond,
	}
}

func main() {
	f := parseFlags()

	cfg, err := config.Load(*f.config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *f.nodeRole != "" {
		cfg.Cluster.NodeRole = *f.nodeRole
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	config.OnChange(func(c *config.AppConfig) {
		logger.Info("table config reloaded",
			"default_split_limit", c.Table.DefaultSplitLimit,
			"default_parallelism", c.Table.DefaultParallelism,
			"strict_shapes", c.Table.StrictShapes,
		)
	})

	errs := make(chan error, 4)
	processSignal(errs)
	recorder := metrics.NewPrometheus(prometheus.DefaultRegisterer)

	switch cfg.Cluster.NodeRole {
	case config.RoleAgent:
		err = runAgent(f, cfg, logger, recorder, errs)
	case config.RoleProxy:
		err = runProxy(f, cfg, logger, recorder, errs)
	default:
		err = fmt.Errorf("unknown node role %q", cfg.Cluster.NodeRole)
	}
	if err != nil {
		logger.Error("exiting", "error", err)
		os.Exit(1)
	}
}

// runProxy serves /table. Its pool contains the configured backends and,
// inside a cluster, every healthy backend the agents advertise.
func runProxy(f flags, cfg *config.AppConfig, logger *logging.Logger, recorder *metrics.Prometheus, errs chan error) error {
	tracer.Start(
		tracer.WithServiceName("table-splitter-proxy"),
		tracer.WithAnalytics(true),
	)
	defer tracer.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listen := orDefault(*f.listen, cfg.Server.Listen)
	pool := osrm.NewPool(clientConfig(cfg), cfg.OSRM.Backends)
	recorder.RecordBackends(pool.Len())

	s := &proxy.Server{
		Engine:   engine.New(pool, logger, recorder),
		Pool:     pool,
		Table:    func() config.TableConfig { return config.Current().Table },
		Logger:   logger,
		Gatherer: prometheus.DefaultGatherer,
		LaunchAt: time.Now(),
	}

	if cfg.Cluster.Enabled {
		cc := clusterConfig(f, cfg, listen, logger)
		cc.Show(logger)
		node, err := cluster.Start(cc, logger, errs)
		if err != nil {
			return err
		}
		defer node.Stop()
		s.Peer = node.Peer

		sync := &cluster.PoolSync{
			Source:   node.Peer,
			Pool:     pool,
			Static:   cfg.OSRM.Backends,
			Interval: cfg.Cluster.AnnounceInterval,
			MaxAge:   3 * cfg.Cluster.AnnounceInterval,
			Logger:   logger.WithComponent("pool"),
			Metrics:  recorder,
		}
		go sync.Run(ctx)
	} else if pool.Len() == 0 {
		return fmt.Errorf("no osrm.backends configured and clustering disabled")
	}

	srv := proxy.StartReverseProxy(s, listen, errs)
	logger.Info("stopping", "reason", <-errs)
	return shutdown(srv)
}

// runAgent fronts one backend: it health checks the backend and advertises
// it to the cluster every announce interval.
func runAgent(f flags, cfg *config.AppConfig, logger *logging.Logger, recorder *metrics.Prometheus, errs chan error) error {
	tracer.Start(
		tracer.WithServiceName("table-splitter-agent"),
		tracer.WithAnalytics(true),
	)
	defer tracer.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend := cfg.Cluster.Backend
	if backend == "" && len(cfg.OSRM.Backends) > 0 {
		backend = cfg.OSRM.Backends[0]
	}
	if backend == "" {
		return fmt.Errorf("agent needs cluster.backend")
	}
	clientCfg := clientConfig(cfg)
	clientCfg.BaseURL = backend

	var probe data.Coordinate
	if len(cfg.Cluster.Probe) == 2 {
		probe = data.Coordinate{cfg.Cluster.Probe[0], cfg.Cluster.Probe[1]}
	}

	listen := orDefault(*f.listen, cfg.Server.AgentListen)
	a := &agent.Agent{
		Backend:  osrm.NewClient(clientCfg),
		Profile:  cfg.OSRM.Profile,
		Probe:    probe,
		Logger:   logger.WithComponent("agent"),
		Gatherer: prometheus.DefaultGatherer,
		LaunchAt: time.Now(),
	}
	srv := agent.StartAgentServer(a, listen, errs)
	recorder.RecordBackends(1)

	cc := clusterConfig(f, cfg, listen, logger)
	cc.Show(logger)
	node, err := cluster.Start(cc, logger, errs)
	if err != nil {
		return err
	}
	defer node.Stop()

	stateConf, err := cc.StateConfig()
	if err != nil {
		return err
	}
	go cluster.Announce(ctx, node.Peer, stateConf, cfg.Cluster.AnnounceInterval, a.Backends)

	logger.Info("stopping", "reason", <-errs)
	return shutdown(srv)
}

func shutdown(srv *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
