package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/unveil/ritual-app/loadtest/client"
	"github.com/unveil/ritual-app/loadtest/stats"
)

// runConverse implements the conversation pair load test. Each pair of
// simulated users subscribes to a shared conversation, then alternates
// typing bursts and message sends for the test duration. Delivery latency is
// measured from the sender's send to the peer's receipt, using a timestamp
// embedded in the message content.
//
// The conversations must already exist with both users as participants; the
// server rejects sends into conversations the user does not belong to. The
// -conv-prefix flag names the pre-seeded conversation IDs: pair i uses
// "<prefix>-<i>" with users "<prefix>-<i>-a" and "<prefix>-<i>-b".
func runConverse(args []string) {
	fs := flag.NewFlagSet("converse", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	pairs := fs.Int("pairs", 100, "Number of conversation pairs")
	duration := fs.Duration("duration", 60*time.Second, "Test duration after all pairs are connected")
	msgInterval := fs.Duration("interval", 2*time.Second, "Mean interval between message sends per user")
	convPrefix := fs.String("conv-prefix", "loadtest-conv", "Conversation ID prefix for pre-seeded pairs")
	fs.Parse(args)

	fmt.Printf("Converse test: %d pairs against %s (duration=%s, interval=%s)\n",
		*pairs, *url, *duration, *msgInterval)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()

	var wg sync.WaitGroup
	for i := 0; i < *pairs; i++ {
		convID := fmt.Sprintf("%s-%d", *convPrefix, i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			runPair(ctx, *url, convID, *duration, *msgInterval, collector)
		}()
		// Stagger pair launches to avoid a thundering herd on connect.
		time.Sleep(10 * time.Millisecond)
	}

	wg.Wait()
	collector.Report()
}

// runPair drives one conversation: both users connect, subscribe, and then
// exchange typing bursts and messages until the duration elapses.
func runPair(ctx context.Context, url, convID string, duration, msgInterval time.Duration, collector *stats.Collector) {
	a, err := connectUser(ctx, url, convID+"-a", convID, collector)
	if err != nil {
		return
	}
	defer a.Close()

	b, err := connectUser(ctx, url, convID+"-b", convID, collector)
	if err != nil {
		return
	}
	defer b.Close()

	// Each side records the delivery latency of its peer's messages. The
	// send timestamp rides in the content as nanoseconds since the epoch.
	onMessage := func(data json.RawMessage) {
		var msg struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		parts := strings.SplitN(msg.Content, "|", 2)
		sentNanos, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return
		}
		collector.AddDelivery(time.Since(time.Unix(0, sentNanos)))
	}
	a.On(client.TypeMessage, onMessage)
	b.On(client.TypeMessage, onMessage)

	deadline := time.After(duration)
	var pairWg sync.WaitGroup
	pairWg.Add(2)
	go chatLoop(ctx, a, convID, msgInterval, deadline, collector, &pairWg)
	go chatLoop(ctx, b, convID, msgInterval, deadline, collector, &pairWg)
	pairWg.Wait()
}

// connectUser dials, waits for the connected ack, and subscribes to the
// conversation.
func connectUser(ctx context.Context, url, userID, convID string, collector *stats.Collector) (*client.Client, error) {
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	c, err := client.New(connCtx, url, userID)
	if err != nil {
		collector.AddError()
		return nil, err
	}
	if err := c.WaitForAck(connCtx); err != nil {
		collector.AddError()
		c.Close()
		return nil, err
	}
	collector.AddConnect(c.GetMetrics().ConnectLatency)

	if err := c.Subscribe(convID); err != nil {
		collector.AddError()
		c.Close()
		return nil, err
	}
	return c, nil
}

// chatLoop simulates one user's side of the conversation: a typing burst,
// then a message carrying the send timestamp, with jittered pauses between
// rounds.
func chatLoop(ctx context.Context, c *client.Client, convID string, msgInterval time.Duration, deadline <-chan time.Time, collector *stats.Collector, wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		// Jitter the interval to 50%-150% of the mean so the two sides drift
		// out of phase like real conversation partners.
		pause := msgInterval/2 + time.Duration(rand.Int63n(int64(msgInterval)))
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			return
		case <-time.After(pause):
		}

		if err := c.StartTyping(convID); err != nil {
			collector.AddError()
			return
		}

		// Typing for a beat before the message lands.
		typingFor := time.Duration(rand.Int63n(int64(500 * time.Millisecond)))
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			return
		case <-time.After(typingFor):
		}

		content := fmt.Sprintf("%d|hello from %s", time.Now().UnixNano(), c.UserID())
		if err := c.SendMessage(convID, content); err != nil {
			collector.AddError()
			return
		}
	}
}
