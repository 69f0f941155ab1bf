package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/whisper-darkly/forknote-backend/config"
	"github.com/whisper-darkly/forknote-backend/router"
	"github.com/whisper-darkly/forknote-backend/server"
	"github.com/whisper-darkly/forknote-backend/store/sqlite"
)

var version = "dev"

func main() {
	var (
		confDir  = flag.String("conf", env("FORKNOTE_CONF_DIR", "/data/conf"), "configuration directory")
		addr     = flag.String("addr", env("FORKNOTE_ADDR", ""), "bind address (overrides config)")
		port     = flag.Int("port", 0, "TCP port (overrides config)")
		replCmd  = flag.String("repl-command", "", "worker REPL command (overrides config)")
		replArgs = flag.String("repl-arguments", "", "worker REPL arguments, space separated (overrides config)")
	)
	flag.Parse()

	fmt.Printf("forknote-backend %s\n", version)

	cfg, err := config.Load(*confDir)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	applyOverrides(cfg, *addr, *port, *replCmd, *replArgs)

	db, err := sqlite.Open(filepath.Join(*confDir, "forknote.db"))
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := server.New(cfg, db)
	srv.Start(ctx)
	defer srv.Stop()

	d := cfg.Get()
	httpSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", d.Addr, d.Port),
		Handler: router.New(srv),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("listening on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http: %v", err)
		}
	}()

	<-sigCh
	log.Println("shutting down…")
	cancel()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}

// applyOverrides folds command-line overrides into the loaded config
// without persisting them.
func applyOverrides(cfg *config.Global, addr string, port int, replCmd, replArgs string) {
	d := cfg.Get()
	changed := false
	if addr != "" {
		d.Addr, changed = addr, true
	}
	if port != 0 {
		d.Port, changed = port, true
	}
	if replCmd != "" {
		d.ReplCommand, changed = replCmd, true
	}
	if replArgs != "" {
		d.ReplArguments, changed = strings.Fields(replArgs), true
	}
	if changed {
		cfg.SetTransient(d)
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
