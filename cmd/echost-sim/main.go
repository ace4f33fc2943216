// Command echost-sim is a demo harness for the Host Command dispatcher: it
// wires the in-process simulator transport to a small registry of demo
// handlers, drives a handful of requests through InjectRequest, and exposes
// the running dispatcher's metrics over HTTP for scraping.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	echost "github.com/behrlich/echost"
	"github.com/behrlich/echost/internal/dispatch"
	"github.com/behrlich/echost/internal/logging"
	"github.com/behrlich/echost/internal/registry"
	"github.com/behrlich/echost/internal/wire"
	"github.com/behrlich/echost/transport/simulator"
	"github.com/google/gopacket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	flgMetricsAddr = kingpin.Flag("metrics-addr", "Address to serve /metrics on.").Default(":9100").String()
	flgVerbose     = kingpin.Flag("verbose", "Enable debug logging.").Short('v').Bool()
	flgInterval    = kingpin.Flag("interval", "Interval between simulated host requests.").Default("1s").Duration()
	flgBufferSize  = kingpin.Flag("buffer-size", "Rx/tx buffer size in bytes.").Default("256").Int()
)

// exampleCmdID is the battery-status-style demo handler's command id.
const exampleCmdID uint16 = 0x10

func exampleHandler(_ uint8, _ []byte, output []byte) (int, wire.Status) {
	n := copy(output, []byte{0xDE, 0xAD, 0xBE, 0xEF})
	return n, wire.StatusSuccess
}

// unknownCmdID is injected periodically alongside the known command so the
// demo's logs and metrics show both a SUCCESS and an INVALID_COMMAND path.
const unknownCmdID uint16 = 0xFFFF

// buildRequest frames a host request the way a capture-replay client would:
// through the wire package's gopacket serialization, with the length and
// checksum fixed up by the serializer.
func buildRequest(cmdID uint16, cmdVer uint8, payload []byte) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	req := &wire.RequestLayer{Header: wire.RequestHeader{
		ProtocolVersion: wire.ProtocolVersion,
		CmdID:           cmdID,
		CmdVer:          cmdVer,
	}}
	err := gopacket.SerializeLayers(buf,
		gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
		req, gopacket.Payload(payload))
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func main() {
	kingpin.Parse()

	logConfig := logging.DefaultConfig()
	if *flgVerbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	cfg := echost.DispatcherConfig{
		BufferSize:      *flgBufferSize,
		ProtocolVersion: wire.ProtocolVersion,
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid dispatcher configuration", "error", err)
		os.Exit(1)
	}

	reg := registry.New()
	reg.MustRegister(registry.Descriptor{
		ID:              exampleCmdID,
		VersionMask:     0b1,
		MinRequestSize:  0,
		MinResponseSize: 4,
		Handler:         exampleHandler,
	})

	promReg := prometheus.NewRegistry()
	observer := echost.NewPrometheusObserver(promReg)
	metrics := echost.NewMetrics()
	metricsObserver := echost.NewMetricsObserver(metrics)

	sim := simulator.New()
	sim.InstallSendCallback(func(frame []byte) {
		pkt := gopacket.NewPacket(frame, wire.LayerTypeResponse, gopacket.Default)
		if errLayer := pkt.ErrorLayer(); errLayer != nil {
			logger.Warn("malformed response frame", "error", errLayer.Error())
			return
		}
		resp := pkt.Layer(wire.LayerTypeResponse).(*wire.ResponseLayer)
		logger.Info("response", "result", resp.Header.Result.String(), "data_len", resp.Header.DataLen)
	})

	d, err := dispatch.New(dispatch.Config{
		Transport:  sim,
		Registry:   reg,
		BufferSize: cfg.BufferSize,
		Logger:     logger,
		Observer:   multiObserver{observer, metricsObserver},
	})
	if err != nil {
		logger.Error("failed to initialize dispatcher", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
	}()

	go func() {
		if err := d.Run(ctx); err != nil && err != context.Canceled {
			logger.Error("dispatcher exited", "error", err)
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/snapshot", func(w http.ResponseWriter, r *http.Request) {
		snap := metrics.Snapshot()
		fmt.Fprintf(w, "total_ops=%d success_ops=%d error_rate=%.2f%% avg_latency_ns=%d\n",
			snap.TotalOps, snap.SuccessOps, snap.ErrorRate, snap.AvgLatencyNs)
	})
	server := &http.Server{Addr: *flgMetricsAddr, Handler: mux}
	go func() {
		logger.Info("serving metrics", "addr", *flgMetricsAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	ticker := time.NewTicker(*flgInterval)
	defer ticker.Stop()
	toggle := false
	for {
		select {
		case <-ctx.Done():
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = server.Shutdown(shutdownCtx)
			shutdownCancel()
			return
		case <-ticker.C:
			cmdID := exampleCmdID
			if toggle {
				cmdID = unknownCmdID
			}
			toggle = !toggle
			req, err := buildRequest(cmdID, 0, nil)
			if err != nil {
				logger.Error("failed to frame request", "error", err)
				continue
			}
			sim.InjectRequest(req)
		}
	}
}

// multiObserver fans a dispatch event out to every observer in order. It is
// demo-harness plumbing, not a core type, so it lives here rather than in
// internal/dispatch.
type multiObserver []dispatch.Observer

func (m multiObserver) ObserveDispatch(cmdID uint16, cmdVer uint8, status wire.Status, latencyNs uint64) {
	for _, o := range m {
		o.ObserveDispatch(cmdID, cmdVer, status, latencyNs)
	}
}
