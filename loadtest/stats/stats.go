// Package stats aggregates measurements from load test clients and prints a
// percentile report. The number that matters most here is end-to-end
// delivery latency: the time from one client sending a message to its
// conversation partner receiving it, which covers the server's full
// persist-and-fanout path.
package stats

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Collector accumulates samples from many client goroutines. All methods
// are safe for concurrent use.
type Collector struct {
	mu         sync.Mutex
	start      time.Time
	connects   []time.Duration
	deliveries []time.Duration
	errors     int
}

// NewCollector creates a Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{start: time.Now()}
}

// AddConnect records one successful connect handshake and its latency.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connects = append(c.connects, d)
	c.mu.Unlock()
}

// AddDelivery records one end-to-end delivery latency sample.
func (c *Collector) AddDelivery(d time.Duration) {
	c.mu.Lock()
	c.deliveries = append(c.deliveries, d)
	c.mu.Unlock()
}

// AddError counts a failed connect, send, or malformed receipt.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// ConnectionCount returns how many connects have been recorded so far.
func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.connects)
}

// ErrorCount returns how many errors have been recorded so far.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// summary holds the percentile breakdown of one latency series.
type summary struct {
	n                       int
	min, p50, p90, p99, max time.Duration
	mean                    time.Duration
}

// summarize sorts the samples in place and computes the breakdown.
func summarize(samples []time.Duration) summary {
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	n := len(samples)
	var sum time.Duration
	for _, d := range samples {
		sum += d
	}

	at := func(q float64) time.Duration {
		idx := int(q*float64(n)) - 1
		if idx < 0 {
			idx = 0
		}
		return samples[idx]
	}

	return summary{
		n:    n,
		min:  samples[0],
		p50:  at(0.50),
		p90:  at(0.90),
		p99:  at(0.99),
		max:  samples[n-1],
		mean: sum / time.Duration(n),
	}
}

func (s summary) print(label string) {
	fmt.Printf("%s (n=%d)\n", label, s.n)
	fmt.Printf("  min %v  p50 %v  p90 %v  p99 %v  max %v  mean %v\n",
		s.min.Round(time.Microsecond),
		s.p50.Round(time.Microsecond),
		s.p90.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
		s.max.Round(time.Microsecond),
		s.mean.Round(time.Microsecond),
	)
}

// Report prints the run summary: duration, connect and error counts, and
// percentile breakdowns for connect and delivery latency.
func (c *Collector) Report() {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Println("\n=== Results ===")
	fmt.Printf("duration    %s\n", time.Since(c.start).Round(time.Second))
	fmt.Printf("connects    %d\n", len(c.connects))
	fmt.Printf("deliveries  %d\n", len(c.deliveries))
	fmt.Printf("errors      %d\n", c.errors)

	if len(c.connects) > 0 {
		fmt.Println()
		summarize(c.connects).print("connect latency")
	}
	if len(c.deliveries) > 0 {
		fmt.Println()
		summarize(c.deliveries).print("delivery latency (send to partner receipt)")
	}
	fmt.Println()
}
