// Main package for the chatmesh node binary: one chat server that
// accepts client connections and interconnects with peer servers to
// route messages across the mesh.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/chatmesh/chatmesh/internal/metrics"
	"github.com/chatmesh/chatmesh/pkg/config"
	"github.com/chatmesh/chatmesh/pkg/node"
	"github.com/chatmesh/chatmesh/pkg/transport"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	logger := zap.Must(zap.NewProduction())
	if os.Getenv("APP_ENV") != "production" {
		logger = zap.Must(zap.NewDevelopment())
	}
	defer logger.Sync()

	//
	// Flags
	configPath := flag.String("config", "", "Path to a YAML config file")
	serverName := flag.String("name", "", "Server name, unique within the mesh")
	clientAddr := flag.String("client-addr", "", "Listen address for client connections")
	peerAddr := flag.String("peer-addr", "", "Listen address for peer connections")
	peers := flag.String("peers", "", "Comma-separated initial peer addresses to connect to")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("Failed to load configuration", zap.Error(err))
		return
	}
	if *serverName != "" {
		cfg.Server.Name = *serverName
	}
	if *clientAddr != "" {
		cfg.Server.ClientListenAddr = *clientAddr
	}
	if *peerAddr != "" {
		cfg.Server.PeerListenAddr = *peerAddr
	}
	if *peers != "" {
		cfg.Peering.InitialPeers = strings.Split(*peers, ",")
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", zap.Error(err))
		return
	}

	shutdownCtx, shutdownRelease := context.WithCancel(context.Background())
	defer shutdownRelease()

	//
	// Node setup + client transport
	routingMetrics := metrics.NewRoutingMetrics()

	serverNode := node.CreateNode(node.NodeParams{
		Config:  cfg,
		Metrics: routingMetrics,
		Logger:  logger,
	})
	if err := serverNode.Start(shutdownCtx); err != nil {
		logger.Error("Failed to start peer listener", zap.Error(err))
		return
	}

	clientServer, err := transport.CreateClientServer(serverNode, transport.ClientServerParams{
		ListenAddr:     cfg.Server.ClientListenAddr,
		ListenEndpoint: "/ws",
		AllowAllHosts:  true,
		Logger:         logger,
	})
	if err != nil {
		logger.Error("Failed to create client server", zap.Error(err))
		return
	}
	if err := clientServer.Start(shutdownCtx); err != nil {
		logger.Error("Failed to start client listener", zap.Error(err))
		return
	}

	if cfg.Observability.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logger.Info("Starting metrics endpoint", zap.String("addr", cfg.Observability.MetricsAddr))
			if err := http.ListenAndServe(cfg.Observability.MetricsAddr, mux); err != nil {
				logger.Error("Metrics endpoint exited", zap.Error(err))
			}
		}()
	}

	//
	// Drain the event feed into the log; a visualization layer would
	// subscribe here instead.
	go func() {
		for ev := range serverNode.Events() {
			switch ev.Type {
			case node.EventType_Delivery:
				logger.Debug("Delivery outcome",
					zap.String("envelopeId", ev.EnvelopeId),
					zap.String("outcome", ev.Outcome.Kind.String()),
					zap.String("reason", string(ev.Outcome.Reason)))
			case node.EventType_LinkState:
				logger.Info("Link state change",
					zap.String("peer", ev.Peer),
					zap.String("from", ev.FromState),
					zap.String("to", ev.ToState))
			}
		}
	}()

	logger.Info("Node running",
		zap.String("server", cfg.Server.Name),
		zap.String("clientAddr", clientServer.Addr()),
		zap.String("peerAddr", serverNode.PeerAddr()))

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	logger.Info("Shutting down")
	shutdownRelease()
}
