package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/whisper/lobby/internal/loadstats"
	"github.com/whisper/lobby/internal/wsclient"
)

// rampConnect opens n connections spread evenly over ramp, with at most
// concurrency dials in flight. It returns the clients that completed the
// handshake; failures are counted on collector.
func rampConnect(ctx context.Context, url string, n int, ramp time.Duration, concurrency int,
	collector *loadstats.Collector, onConnected func(i int, c *wsclient.Client)) []*wsclient.Client {

	interval := ramp / time.Duration(n)
	if interval <= 0 {
		interval = time.Millisecond
	}

	var mu sync.Mutex
	clients := make([]*wsclient.Client, 0, n)

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fmt.Printf("  [connect] connections: %d/%d  errors: %d\n",
					collector.ConnectionCount(), n, collector.ErrorCount())
			case <-progressStop:
				return
			}
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

launch:
	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during connection phase.")
			break launch
		case <-ticker.C:
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			c, err := wsclient.Dial(connCtx, url)
			if err != nil {
				collector.AddError()
				return
			}
			if _, err := c.WaitForID(connCtx); err != nil {
				collector.AddError()
				_ = c.Close()
				return
			}
			collector.AddConnect(c.Metrics().ConnectLatency)

			if onConnected != nil {
				onConnected(i, c)
			}

			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()
		}(i)
	}

	wg.Wait()
	close(progressStop)
	progressWg.Wait()
	return clients
}

// closeAll closes every client in parallel.
func closeAll(clients []*wsclient.Client) {
	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *wsclient.Client) {
			defer wg.Done()
			_ = c.Close()
		}(c)
	}
	wg.Wait()
}
