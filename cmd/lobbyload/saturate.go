package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/whisper/lobby/internal/loadstats"
	"github.com/whisper/lobby/internal/wsclient"
)

// runSaturate opens the requested number of connections, holds them open, and
// counts how many the relay drops during the hold period.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:3000/ws", "WebSocket server URL")
	connections := fs.Int("connections", 1000, "Number of connections to open")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all connections are open")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	metricsURL := fs.String("metrics-url", "http://localhost:3000/metrics", "Prometheus metrics endpoint URL")
	_ = fs.Parse(args)

	fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, *url, *rampUp, *hold, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := loadstats.NewCollector()
	scraper := loadstats.NewScraper(*metricsURL, 2*time.Second)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	fmt.Println("\n--- Ramp-up phase ---")
	var dropped atomic.Int64
	clients := rampConnect(ctx, *url, *connections, *rampUp, *concurrency, collector,
		func(_ int, c *wsclient.Client) {
			go func() {
				// Drain frames so presence traffic never backs up the socket.
				for {
					if _, err := c.Next(context.Background()); err != nil {
						select {
						case <-ctx.Done():
						default:
							dropped.Add(1)
						}
						return
					}
				}
			}()
		})
	fmt.Printf("\nRamp-up complete: %d/%d connections (%d errors)\n",
		len(clients), *connections, collector.ErrorCount())

	if ctx.Err() == nil {
		fmt.Printf("\n--- Hold phase (%s) ---\n", *hold)
		select {
		case <-ctx.Done():
		case <-time.After(*hold):
		}
		fmt.Printf("Dropped during hold: %d\n", dropped.Load())
	}

	stop()
	closeAll(clients)
	scraper.Stop()
	collector.Report(os.Stdout)
}
