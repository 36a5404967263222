// Command brokergate-tail prints the gateway's event stream as JSON lines.
// STREAM_ADDR selects the server, STREAM_KINDS a comma separated filter.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"brokergate/internal/live"
)

func main() {
	addr := "localhost:50051"
	if a := os.Getenv("STREAM_ADDR"); a != "" {
		addr = a
	}
	var kinds []string
	if k := os.Getenv("STREAM_KINDS"); k != "" {
		for _, part := range strings.Split(k, ",") {
			if part = strings.TrimSpace(part); part != "" {
				kinds = append(kinds, part)
			}
		}
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	client := live.NewClient(addr, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	enc := json.NewEncoder(os.Stdout)
	err := client.Follow(ctx, kinds, func(ev live.Event) error {
		return enc.Encode(ev)
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "stream error: %v\n", err)
		os.Exit(1)
	}
}
