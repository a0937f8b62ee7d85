package main

import (
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	safeipc "github.com/vectoripc/safeipc-core"
	"github.com/vectoripc/safeipc-core/internal/handshake"
	"github.com/vectoripc/safeipc-core/internal/interfaces"
	"github.com/vectoripc/safeipc-core/internal/logging"
)

// allowAllAccessControl admits every subscribe request. The real SOME/IP
// daemon that owns service/instance/event subscription policy is out of
// scope for this repository; a production deployment wires its own
// interfaces.AccessControl here instead.
type allowAllAccessControl struct{}

func (allowAllAccessControl) CheckSubscribeRx(service, instance, event uint32, peer interfaces.PeerCredentials) bool {
	return true
}

func main() {
	var (
		configPath = flag.String("config", "", "Path to a YAML server config (required)")
		verbose    = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "usage: safeipc-serverd -config <path>")
		os.Exit(2)
	}

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	fc, err := loadConfig(*configPath)
	if err != nil {
		logger.WithError(err).Error("failed to load config")
		os.Exit(1)
	}

	level, err := parseIntegrityLevel(fc.ServerIntegrityLevel)
	if err != nil {
		logger.WithError(err).Error("invalid server_integrity_level")
		os.Exit(1)
	}

	classes := make([]safeipc.ReceiverClassConfig, 0, len(fc.Classes))
	for _, c := range fc.Classes {
		classLevel, err := parseIntegrityLevel(c.Level)
		if err != nil {
			logger.Error("invalid class level", "class", c.Name, "error", err)
			os.Exit(1)
		}
		classes = append(classes, safeipc.ReceiverClassConfig{
			Name:           c.Name,
			Level:          classLevel,
			MaxSlots:       c.MaxSlots,
			MaxConnections: c.MaxConnections,
		})
	}

	cfg := safeipc.DefaultServerConfig(fc.SocketPath)
	if fc.BacklogSize > 0 {
		cfg.BacklogSize = fc.BacklogSize
	}
	if fc.MaxS2CBuffer > 0 {
		cfg.MaxS2CBuffer = fc.MaxS2CBuffer
	}
	if fc.HandshakeTimeoutMs > 0 {
		cfg.HandshakeTimeout = time.Duration(fc.HandshakeTimeoutMs) * time.Millisecond
	}
	if fc.ExpectedProtocolMajor > 0 {
		cfg.ExpectedProtocolMajor = fc.ExpectedProtocolMajor
	}
	if fc.ShmNamePrefix != "" {
		cfg.ShmNamePrefix = fc.ShmNamePrefix
	}
	if fc.PayloadSize > 0 {
		cfg.PayloadSize = fc.PayloadSize
	}
	if fc.SlotAlignment > 0 {
		cfg.SlotAlignment = fc.SlotAlignment
	}
	if len(classes) > 0 {
		cfg.Classes = classes
	}
	cfg.TracingEnabled = fc.TracingEnabled
	cfg.ServerIntegrityLevel = level
	cfg.AccessControl = allowAllAccessControl{}
	cfg.Logger = logger
	cfg.OnConnectionEstablished = func(extracted handshake.Extracted) {
		logger.WithConnection(extracted.FD).Info("connection established",
			"protocol", fmt.Sprintf("%d.%d", extracted.ProtocolMajor, extracted.ProtocolMinor),
			"agreed_s2c_buffer", extracted.AgreedS2CBuffer)
	}

	server, err := safeipc.NewServer(cfg)
	if err != nil {
		logger.WithError(err).Error("failed to construct server")
		os.Exit(1)
	}
	if err := server.Start(); err != nil {
		logger.WithError(err).Error("failed to start server")
		os.Exit(1)
	}
	logger.Info("accepting connections", "socket", fc.SocketPath)

	adminAddr := fc.AdminAddr
	if adminAddr == "" {
		adminAddr = "127.0.0.1:9090"
	}
	stopAdmin := startAdminServer(adminAddr, server, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")
	stopAdmin()
	if err := server.Stop(); err != nil {
		logger.WithError(err).Error("error stopping server")
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// startAdminServer serves /healthz and /metrics on a loopback admin HTTP
// server, grounded on the pack's own gorilla/mux route-registration style
// (Generativebots-ocx-backend-go-svc/internal/api/server.go). Returns a
// function that shuts the admin server down.
func startAdminServer(addr string, server *safeipc.Server, logger *logging.Logger) func() {
	registry := prometheus.NewRegistry()
	registry.MustRegister(server.PrometheusCollector())

	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if err := server.Status(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "unhealthy: %v\n", err)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	}).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods("GET")

	httpServer := &http.Server{Addr: addr, Handler: r}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logger.WithError(err).Error("admin server failed to bind, continuing without it", "addr", addr)
		return func() {}
	}
	go func() {
		if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("admin server error")
		}
	}()
	logger.Info("admin server listening", "addr", addr)

	return func() {
		httpServer.Close()
	}
}
