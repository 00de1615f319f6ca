package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/thewriterben/WildCAM-ESP32-sub003/pkg/config"
	"github.com/thewriterben/WildCAM-ESP32-sub003/pkg/delivery"
	"github.com/thewriterben/WildCAM-ESP32-sub003/pkg/link"
	"github.com/thewriterben/WildCAM-ESP32-sub003/pkg/link/memlink"
	"github.com/thewriterben/WildCAM-ESP32-sub003/pkg/link/udplink"
	"github.com/thewriterben/WildCAM-ESP32-sub003/pkg/node"
	"github.com/thewriterben/WildCAM-ESP32-sub003/pkg/observability"
)

// maxIdle caps the sleep between Process calls so external changes (signal
// loss, inbound frames) are noticed promptly even with no deadline due.
const maxIdle = 500 * time.Millisecond

// run is the main entry point after CLI parsing.
func run(opts Options) int {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return 1
	}

	logger, err := observability.SetupLogger(cfg.AppName, cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		return 1
	}
	defer func() { _ = logger.Sync() }()

	zap.L().Info("wildcam-node started", zap.String("app", cfg.AppName), zap.String("node_id", cfg.NodeID))
	zap.L().Info("effective configuration", zap.Any("config", cfg))

	reg := prometheus.NewRegistry()
	metrics := observability.NewTransportMetrics(reg)

	adapters, err := buildAdapters(cfg.Links)
	if err != nil {
		zap.L().Error("failed to build link adapters", zap.Error(err))
		return 1
	}

	n, err := node.New(clock.New(), cfg, adapters, metrics)
	if err != nil {
		zap.L().Error("failed to assemble node", zap.Error(err))
		return 1
	}

	if opts.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		mux.HandleFunc("/diagnostics", func(w http.ResponseWriter, r *http.Request) {
			ct := "application/json"
			if r.Header.Get("Accept") == "application/cbor" {
				ct = "application/cbor"
			}
			body, err := n.ExportDiagnostics(ct)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", ct)
			_, _ = w.Write(body)
		})
		go func() {
			if err := http.ListenAndServe(opts.MetricsAddr, mux); err != nil {
				zap.L().Warn("metrics endpoint stopped", zap.Error(err))
			}
		}()
		zap.L().Info("metrics endpoint up", zap.String("addr", opts.MetricsAddr))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go logEvents(n.Events())

	zap.L().Info("node is running; press Ctrl+C to exit")
	clk := clock.New()
	for {
		n.Process()
		wake := n.NextDeadline()
		sleep := time.Until(wake)
		if sleep < 0 {
			sleep = 0
		}
		if sleep > maxIdle {
			sleep = maxIdle
		}
		t := clk.Timer(sleep)
		select {
		case <-sigCh:
			t.Stop()
			zap.L().Info("shutting down")
			if err := n.Close(); err != nil {
				zap.L().Warn("shutdown incomplete", zap.Error(err))
				return 1
			}
			return 0
		case <-t.C:
		}
	}
}

// buildAdapters instantiates one adapter per configured link.
func buildAdapters(links []config.LinkConfig) (map[link.Kind]link.Adapter, error) {
	out := make(map[link.Kind]link.Adapter, len(links))
	for _, lc := range links {
		if lc.Kind == "mem" {
			// simulator link for bench setups without radios
			m := memlink.New(link.KindWiFi, "mem")
			m.SetAutoAck(true)
			out[link.KindWiFi] = m
			continue
		}
		k := link.ParseKind(lc.Kind)
		out[k] = udplink.New(udplink.Options{
			Kind:           k,
			Remote:         lc.Remote,
			MTU:            lc.MTU,
			CostPerMessage: lc.CostPerMessage,
			RSSI:           lc.RSSIDBm,
		})
	}
	return out, nil
}

func logEvents(ch <-chan delivery.Event) {
	for ev := range ch {
		switch ev.Kind {
		case delivery.EventCompleted:
			zap.L().Info("delivery completed", zap.Uint32("id", ev.TransmissionID))
		case delivery.EventError:
			zap.L().Warn("delivery failed",
				zap.Uint32("id", ev.TransmissionID), zap.String("error", ev.Error.String()))
		case delivery.EventPacketReceived:
			zap.L().Info("packet received",
				zap.String("sender", ev.Sender), zap.Int("bytes", len(ev.Payload)))
		case delivery.EventLinkSwitched:
			zap.L().Info("link switched",
				zap.Stringer("link", ev.Link), zap.String("reason", ev.Reason))
		case delivery.EventLinkLost:
			zap.L().Warn("all links lost", zap.String("reason", ev.Reason))
		}
	}
}
