package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"graphgo/server"
)

func main() {
	var (
		host        = flag.String("host", "", "listen address (default 127.0.0.1)")
		port        = flag.Int("port", 1729, "listen port (0 = pick a free one)")
		proto       = flag.String("protocol", "tcp", "wire transport: tcp or grpc")
		databases   = flag.String("databases", "", "comma-separated databases to serve (empty = any name)")
		secondaryOf = flag.String("secondary", "", "comma-separated databases this server is not the primary of")
		idle        = flag.Duration("session-idle", 0, "expire sessions idle this long (0 = default 30s)")
		batch       = flag.Int("batch", 0, "answers per streamed batch (0 = default 50)")
		compress    = flag.Bool("compress", false, "zstd-compress large response frames")
		maxFrame    = flag.Int("max-frame", 0, "max frame size in bytes (0 = default 16MB)")
		writeTO     = flag.Duration("write-timeout", 0, "per-frame write timeout (0 = default 5s)")
		debug       = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	if *port < 0 || *port > 65535 {
		fmt.Fprintln(os.Stderr, "error: -port must be in range 0-65535")
		os.Exit(2)
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	opts := server.Options{
		Host:               *host,
		Port:               uint16(*port),
		Protocol:           *proto,
		Logger:             logger,
		SessionIdleTimeout: *idle,
		BatchSize:          *batch,
		Compression:        *compress,
		Databases:          splitList(*databases),
		MaxFrameSize:       *maxFrame,
		WriteTimeout:       *writeTO,
	}

	s, err := server.NewServer(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	for _, db := range splitList(*secondaryOf) {
		s.SetPrimary(db, false)
	}

	if err := s.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("graph-server (%s) listening on %s\n", *proto, s.Addr())

	// Wait for interrupt signal.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	fmt.Println("shutting down (5s grace period)...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("bye")
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
