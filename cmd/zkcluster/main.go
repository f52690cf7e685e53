package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/maxpoletaev/zkcluster/discovery"
)

func main() {
	appctx, cancel := signal.NotifyContext(
		context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(os.Stderr))
	args := parseCliArgs()

	if !args.verbose {
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	conf := discovery.DefaultConfig()
	conf.BasePath = args.basePath
	conf.ClusterName = args.clusterName
	conf.ConnectString = args.connectString
	conf.SessionTimeout = args.sessionTimeout
	conf.InstanceName = args.instanceName
	conf.Logger = logger

	conf.Listener = discovery.ListenerFunc(func(
		evt discovery.EventType,
		topVer int64,
		node discovery.Node,
		snapshot []discovery.Node,
		msg []byte,
	) {
		logger.Log(
			"msg", "discovery event",
			"type", evt,
			"top_ver", topVer,
			"node_id", node.ID,
			"cluster_size", len(snapshot),
		)

		if evt == discovery.EventSegmented {
			cancel()
		}
	})

	disc, err := discovery.New(conf, discovery.Node{
		Attributes: []byte(args.attributes),
	})
	if err != nil {
		logger.Log("msg", "failed to create discovery", "err", err)
		os.Exit(1)
	}

	if args.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())

		go func() {
			if err := http.ListenAndServe(args.metricsAddr, mux); err != nil {
				level.Error(logger).Log("msg", "metrics server failed", "err", err)
			}
		}()
	}

	level.Info(logger).Log("msg", "joining the cluster", "connect", args.connectString)

	if err := disc.JoinTopology(appctx); err != nil {
		logger.Log("msg", "failed to join the cluster", "err", err)
		disc.Stop()
		os.Exit(1)
	}

	loc := disc.LocalNode()

	level.Info(logger).Log(
		"msg", "joined the cluster",
		"node_id", loc.ID,
		"order", loc.Order,
		"internal_id", loc.InternalID,
	)

	<-appctx.Done()

	level.Info(logger).Log("msg", "shutting down")

	disc.Stop()
}
