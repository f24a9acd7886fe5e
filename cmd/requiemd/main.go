package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/reachstack/fabric/internal/config"
	"github.com/reachstack/fabric/internal/engine"
	"github.com/reachstack/fabric/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "engine config TOML")
	listen := flag.String("listen", "", "listen address override")
	flag.Parse()

	logging.InitApp("requiemd")

	cfg := engine.DefaultConfig()
	if *configPath != "" {
		fileCfg, err := config.LoadEngineConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "requiemd: %v\n", err)
			os.Exit(1)
		}
		cfg = fileCfg.EngineOptions()
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}

	srv := engine.New(cfg)
	if err := srv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "requiemd: %v\n", err)
		os.Exit(1)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	log.Info().Str("signal", sig.String()).Msg("shutting down")
	_ = srv.Close()
}
