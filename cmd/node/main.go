// cmd/node is the main entrypoint for one replica in the chat cluster.
//
// Configuration is layered flags > YAML file > environment, so a single
// binary image serves any node in the cluster with only its flags/config
// file differing.
//
// Example:
//
//	./node --id node1 --data-dir /var/chat/node1 --req-addr :5555 \
//	       --broker-addr ws://broker:5556 --proxy-addr ws://proxy:5557 \
//	       --ref-addr ws://refserver:5558 --admin-addr :8080
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"distributed-chat-cluster/internal/api"
	"distributed-chat-cluster/internal/config"
	"distributed-chat-cluster/internal/runtime"
)

func main() {
	nodeID := flag.String("id", "", "Unique node identifier (falls back to SERVER_NAME env, then hostname)")
	dataDir := flag.String("data-dir", "", "Directory for the WAL and the four snapshot files")
	reqAddr := flag.String("req-addr", "", "REQ-in listen address")
	brokerAddr := flag.String("broker-addr", "", "PUB-out target: the proxy's XSUB-equivalent endpoint")
	proxyAddr := flag.String("proxy-addr", "", "SUB-replication/SUB-servers target: the proxy's XPUB-equivalent endpoint")
	refAddr := flag.String("ref-addr", "", "Reference server address")
	adminAddr := flag.String("admin-addr", "", "Admin HTTP surface listen address")
	configFile := flag.String("config", "", "Optional YAML config file")
	debug := flag.Bool("debug", false, "Raise log level to debug")
	flag.Parse()

	cfg, err := config.Load(*configFile, config.Config{
		ServerName: *nodeID,
		DataDir:    *dataDir,
		ReqAddr:    *reqAddr,
		BrokerAddr: *brokerAddr,
		ProxyAddr:  *proxyAddr,
		RefAddr:    *refAddr,
		AdminAddr:  *adminAddr,
		Debug:      *debug,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	api.ConfigureLogger(cfg.Debug)
	log.Info().Str("node", cfg.ServerName).Str("data_dir", cfg.DataDir).Msg("starting node")

	startedAt := time.Now()
	node, err := runtime.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("assemble node")
	}
	log.Info().Str("node", cfg.ServerName).Int("rank", node.Rank()).Msg("registered with reference server")

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(api.Logger(), api.Recovery())
	api.NewHandler(node.Store(), node.Membership(), node.Election(), cfg.ServerName, node.Rank(), startedAt).Register(router)

	adminSrv := &http.Server{
		Addr:         cfg.AdminAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("admin server error")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- node.Run(ctx) }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info().Str("node", cfg.ServerName).Msg("shutting down")
		cancel()
		if err := <-runErr; err != nil {
			log.Error().Err(err).Msg("node shutdown error")
		}
	case err := <-runErr:
		if err != nil {
			log.Error().Err(err).Msg("node run loop exited")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("admin server shutdown error")
	}
}
