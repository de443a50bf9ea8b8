package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/somesmallstudio/midimesh/internal"
	"github.com/somesmallstudio/midimesh/pkg/mesh"
)

var (
	udpPort   = flag.Int("port", 0, "UDP port for the real-time transport (0 = OS-assigned)")
	rulesFile = flag.String("rules", "", "forwarding rules JSON file (loaded and watched)")
	nodeID    = flag.String("node-id", "", "fixed node id (UUID); random if empty")
	inOrder   = flag.Bool("in-order", false, "reorder inbound packets per peer")
	debug     = flag.Bool("debug", false, "debug logging")
	statsSecs = flag.Int("stats", 30, "statistics report interval in seconds (0 = off)")
)

func main() {
	flag.Parse()

	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}
	logger := internal.NewDefaultZerologLogger(level)

	cfg := mesh.Config{
		RealtimePort:    *udpPort,
		RulesFile:       *rulesFile,
		InOrderDelivery: *inOrder,
		Logger:          logger,
	}
	if *nodeID != "" {
		id, err := uuid.Parse(*nodeID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid node id: %v\n", err)
			os.Exit(1)
		}
		cfg.NodeID = id
	}

	node, err := mesh.NewNode(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create node: %v\n", err)
		os.Exit(1)
	}
	if err := node.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "start node: %v\n", err)
		os.Exit(1)
	}
	defer node.Stop()

	logger.Infof("node %s listening on %s", node.ID(), node.Addr())

	var ticker *time.Ticker
	var tick <-chan time.Time
	if *statsSecs > 0 {
		ticker = time.NewTicker(time.Duration(*statsSecs) * time.Second)
		defer ticker.Stop()
		tick = ticker.C
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case <-sig:
			logger.Infof("shutting down")
			return
		case <-tick:
			s := node.Statistics()
			logger.Infof("routing: fwd=%d drop=%d loops=%d err=%d | net: sent=%d recv=%d | ring: written=%d dropped=%d (%.2f%%)",
				s.Router.MessagesForwarded, s.Router.MessagesDropped, s.Router.LoopsDetected, s.Router.RoutingErrors,
				s.Router.NetworkMessagesSent, s.Router.NetworkMessagesReceived,
				s.Ring.Written, s.Ring.Dropped, s.Ring.DropRate)
		}
	}
}
