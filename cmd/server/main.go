package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"chatrelay/internal/app"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("no .env file loaded: %v", err)
	}

	cfg := app.Load()
	addr := flag.String("addr", cfg.Addr, "server listen address")
	path := flag.String("path", cfg.Path, "websocket socket path")
	flag.Parse()
	cfg.Addr = *addr
	cfg.Path = *path

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handle, err := app.RunServer(ctx, cfg)
	if err != nil {
		log.Fatalf("server error: %v", err)
	}
	if err := handle.Wait(); err != nil {
		log.Fatalf("server exited: %v", err)
	}
}
