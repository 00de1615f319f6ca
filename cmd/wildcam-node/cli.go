package main

import "flag"

// Options holds CLI options for the node.
type Options struct {
	ConfigPath  string
	MetricsAddr string
}

// ParseFlags parses CLI flags from args and returns Options.
func ParseFlags(args []string) Options {
	fs := flag.NewFlagSet("wildcam-node", flag.ExitOnError)
	var opts Options
	fs.StringVar(&opts.ConfigPath, "config", "", "Path to YAML config file")
	fs.StringVar(&opts.MetricsAddr, "metrics", "", "Prometheus listen address (e.g. :9090), empty disables")
	_ = fs.Parse(args)
	return opts
}
