package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/samber/lo"

	"github.com/whisper/lobby/internal/loadstats"
	"github.com/whisper/lobby/internal/protocol"
	"github.com/whisper/lobby/internal/wsclient"
)

// stampSep separates the send timestamp from the padding in generated text.
const stampSep = "|"

// runChat connects N users, names each of them, and has every user broadcast
// M messages. Each message reaches every connected user, so a clean run
// delivers N*N*M messages. Delivery latency is measured from the send
// timestamp embedded in the text.
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:3000/ws", "WebSocket server URL")
	users := fs.Int("users", 50, "Number of users in the room")
	messages := fs.Int("messages", 10, "Messages each user sends")
	rampUp := fs.Duration("ramp", 5*time.Second, "Ramp-up duration for connection creation")
	msgInterval := fs.Duration("msg-interval", 500*time.Millisecond, "Interval between messages per user")
	msgSize := fs.Int("msg-size", 64, "Size of each message text in bytes")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	settle := fs.Duration("settle", 5*time.Second, "How long to wait for deliveries after the last send")
	metricsURL := fs.String("metrics-url", "http://localhost:3000/metrics", "Prometheus metrics endpoint URL")
	_ = fs.Parse(args)

	fmt.Printf("Chat test: %d users x %d messages to %s (ramp=%s, interval=%s, msg-size=%d)\n",
		*users, *messages, *url, *rampUp, *msgInterval, *msgSize)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := loadstats.NewCollector()
	scraper := loadstats.NewScraper(*metricsURL, 2*time.Second)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	// -----------------------------------------------------------------------
	// Phase 1: connect and name every user
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 1: Connect users ---")

	var readers sync.WaitGroup
	clients := rampConnect(ctx, *url, *users, *rampUp, *concurrency, collector,
		func(i int, c *wsclient.Client) {
			readers.Add(1)
			go func() {
				defer readers.Done()
				readDeliveries(c, collector)
			}()
			if err := c.SetUsername(fmt.Sprintf("user-%d", i)); err != nil {
				collector.AddError()
			}
		})
	fmt.Printf("\nPhase 1 complete: %d/%d users (%d errors)\n",
		len(clients), *users, collector.ErrorCount())

	if ctx.Err() != nil || len(clients) == 0 {
		fmt.Println("Nothing to send, skipping chat phase.")
		finish(stop, clients, &readers, scraper, collector)
		return
	}

	// -----------------------------------------------------------------------
	// Phase 2: everyone talks
	// -----------------------------------------------------------------------
	fmt.Printf("\n--- Phase 2: %d users sending %d messages each ---\n", len(clients), *messages)

	var senders sync.WaitGroup
	for _, c := range clients {
		senders.Add(1)
		go func(c *wsclient.Client) {
			defer senders.Done()
			ticker := time.NewTicker(*msgInterval)
			defer ticker.Stop()

			for n := 0; n < *messages; n++ {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
				if err := c.SendText(stampedText(time.Now(), *msgSize)); err != nil {
					collector.AddError()
					return
				}
				collector.AddSent()
			}
		}(c)
	}
	senders.Wait()

	// -----------------------------------------------------------------------
	// Phase 3: wait for deliveries
	// -----------------------------------------------------------------------
	sent, _ := collector.Deliveries()
	expected := sent * int64(len(clients))
	fmt.Printf("\n--- Phase 3: waiting up to %s for %d deliveries ---\n", *settle, expected)

	deadline := time.After(*settle)
	ticker := time.NewTicker(100 * time.Millisecond)
wait:
	for {
		select {
		case <-ctx.Done():
			break wait
		case <-deadline:
			break wait
		case <-ticker.C:
			if _, delivered := collector.Deliveries(); delivered >= expected {
				break wait
			}
		}
	}
	ticker.Stop()

	_, delivered := collector.Deliveries()
	fmt.Printf("Delivered %d/%d (%.2f%%)\n", delivered, expected, 100*float64(delivered)/float64(lo.Max([]int64{expected, 1})))

	finish(stop, clients, &readers, scraper, collector)
}

// readDeliveries consumes a client's frames until it closes, recording the
// latency of every chat message.
func readDeliveries(c *wsclient.Client, collector *loadstats.Collector) {
	for {
		f, err := c.Next(context.Background())
		if err != nil {
			return
		}
		switch f.Type {
		case protocol.TypeMessage:
			var msg protocol.ServerChatMsg
			if err := f.Decode(&msg); err != nil {
				collector.AddError()
				continue
			}
			if sentAt, ok := parseStamp(msg.Text); ok {
				collector.AddDelivery(time.Since(sentAt))
			}
		case protocol.TypeError:
			collector.AddError()
		}
	}
}

func finish(stop context.CancelFunc, clients []*wsclient.Client, readers *sync.WaitGroup,
	scraper *loadstats.Scraper, collector *loadstats.Collector) {
	stop()
	closeAll(clients)
	readers.Wait()
	scraper.Stop()
	collector.Report(os.Stdout)
}

// stampedText builds a message of size bytes that starts with the send time.
func stampedText(at time.Time, size int) string {
	stamp := strconv.FormatInt(at.UnixNano(), 10) + stampSep
	if pad := size - len(stamp); pad > 0 {
		return stamp + strings.Repeat("x", pad)
	}
	return stamp
}

// parseStamp extracts the send time from text built by stampedText.
func parseStamp(text string) (time.Time, bool) {
	head, _, found := strings.Cut(text, stampSep)
	if !found {
		return time.Time{}, false
	}
	ns, err := strconv.ParseInt(head, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}
