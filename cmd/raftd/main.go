// Command raftd launches one cluster member: it loads a YAML cluster
// configuration, opens its durable Storage, wires an httprpc.Endpoint and
// an appfsm.Store, starts a Node, and serves the Endpoint's Router until a
// SIGINT/SIGTERM, per SPEC_FULL.md §6.1 and adapted from the teacher's
// cmd/main.go (flag-based id/port/peers/data-dir, graceful shutdown,
// a /health endpoint) — generalized to load the full YAML config.Config
// the teacher's own config.go already defined but never wired into main.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	raft "github.com/Konstantsiy/raftcore"
	"github.com/Konstantsiy/raftcore/appfsm"
	"github.com/Konstantsiy/raftcore/clock"
	"github.com/Konstantsiy/raftcore/config"
	"github.com/Konstantsiy/raftcore/httprpc"
	"github.com/Konstantsiy/raftcore/logging"
	"github.com/Konstantsiy/raftcore/node"
	"github.com/Konstantsiy/raftcore/storage"
)

func main() {
	configPath := flag.String("config", "", "path to the cluster configuration YAML file")
	flag.Parse()

	if *configPath == "" {
		log.Fatal("-config is required")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := logging.NewDefault().With("node_id", fmt.Sprint(cfg.Node.ID))

	if err := os.MkdirAll(cfg.Node.DataDir, 0o755); err != nil {
		log.Fatalf("failed to create data directory: %v", err)
	}

	self := raft.ServerId(cfg.Node.ID)
	store, err := storage.Open(cfg.Node.DataDir, self)
	if err != nil {
		log.Fatalf("failed to open storage: %v", err)
	}
	defer store.Close()

	kv := appfsm.New()

	peerIDs := make([]raft.ServerId, 0, len(cfg.GetPeerIDs()))
	for _, id := range cfg.GetPeerIDs() {
		peerIDs = append(peerIDs, raft.ServerId(id))
	}

	peerAddrs := make(map[raft.ServerId]string, len(peerIDs))
	for _, peer := range cfg.Cluster.Peers {
		if peer.ID == cfg.Node.ID {
			continue
		}
		peerAddrs[raft.ServerId(peer.ID)] = peer.Address
	}

	n := node.New(node.Config{
		Self:    self,
		Peers:   peerIDs,
		Store:   store,
		Clock:   clock.NewReal(),
		Rand:    rand.New(rand.NewSource(time.Now().UnixNano() + int64(cfg.Node.ID))),
		Timing:  cfg.TimerConfig(),
		Applier: kv,
		Logger:  logger,
	})

	endpoint := httprpc.New(httprpc.Config{
		Self:   self,
		Node:   n,
		Peers:  peerAddrs,
		Logger: logger,
	})
	n.SetTransport(endpoint)

	n.Start()
	defer n.Shutdown()

	httpServer := &http.Server{
		Addr:    cfg.Node.Address,
		Handler: endpoint.Router(),
	}

	go func() {
		logger.Info("listening", "address", cfg.Node.Address)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http server shutdown error", "error", err.Error())
	}
}
