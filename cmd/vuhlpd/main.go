// Command vuhlpd is the thin daemon entrypoint: it wires the engine
// together, registers the built-in providers, and listens on a
// configurable TCP port as a liveness placeholder for the HTTP/WebSocket
// surface described in spec.md §6 (out of this repo's scope).
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"goa.design/clue/log"

	"github.com/vuhlp/engine/internal/config"
	"github.com/vuhlp/engine/internal/engine"
	"github.com/vuhlp/engine/internal/provider"
	"github.com/vuhlp/engine/internal/provider/mock"
	"github.com/vuhlp/engine/internal/telemetry"
)

func main() {
	var (
		configF = flag.String("config", "", "path to YAML config file (optional; defaults apply otherwise)")
		portF   = flag.Int("port", 0, "override server.port from config")
		dbgF    = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
	}

	cfg := config.Default()
	if *configF != "" {
		loaded, err := config.Load(*configF)
		if err != nil {
			log.Fatal(ctx, err)
		}
		cfg = loaded
	}
	if *portF != 0 {
		cfg.Server.Port = *portF
	}

	providers := provider.NewRegistry()
	providers.Register("mock", mock.Factory)

	eng := engine.New(cfg, providers, telemetry.NewClueLogger(), telemetry.NewClueTracer())

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatal(ctx, fmt.Errorf("listen on %s: %w", addr, err))
	}
	log.Print(ctx, log.KV{K: "addr", V: ln.Addr().String()}, log.KV{K: "msg", V: "vuhlpd listening"})

	errc := make(chan error, 1)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	sig := <-errc
	log.Print(ctx, log.KV{K: "msg", V: "shutting down"}, log.KV{K: "signal", V: sig.Error()})

	if err := ln.Close(); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "listener close failed"})
	}
	eng.Shutdown()
	log.Print(ctx, log.KV{K: "msg", V: "exited"})
}
