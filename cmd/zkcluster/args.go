package main

import (
	"flag"
	"time"
)

type cliArgs struct {
	connectString  string
	basePath       string
	clusterName    string
	instanceName   string
	sessionTimeout time.Duration
	metricsAddr    string
	attributes     string
	verbose        bool
}

func parseCliArgs() cliArgs {
	args := cliArgs{}

	flag.StringVar(&args.connectString, "connect", "127.0.0.1:2181", "comma-separated zookeeper servers")
	flag.StringVar(&args.basePath, "base-path", "/zkcluster", "root path for all clusters")
	flag.StringVar(&args.clusterName, "cluster-name", "default", "cluster name")
	flag.StringVar(&args.instanceName, "instance-name", "", "instance name for logging")
	flag.DurationVar(&args.sessionTimeout, "session-timeout", 10*time.Second, "zookeeper session timeout")

	flag.StringVar(&args.metricsAddr, "metrics-addr", "", "address to serve prometheus metrics on")
	flag.StringVar(&args.attributes, "attributes", "", "opaque node attributes visible to other members")

	flag.BoolVar(&args.verbose, "verbose", false, "verbose mode")

	flag.Parse()

	return args
}
