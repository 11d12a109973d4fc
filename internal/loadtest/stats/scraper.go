package stats

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// snapshot holds the tracked gateway metrics at one point in time.
type snapshot struct {
	at             time.Time
	connections    float64
	onlineUsers    float64
	messages       float64 // summed over outcomes
	deliveryEvents float64 // summed over types
	storeSum       float64
	storeCount     float64
}

// Scraper polls the gateway's /metrics endpoint during a run.
type Scraper struct {
	metricsURL string
	interval   time.Duration
	client     *http.Client

	mu        sync.Mutex
	snapshots []snapshot

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScraper creates a scraper for metricsURL polling every interval.
func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		metricsURL: metricsURL,
		interval:   interval,
		client:     &http.Client{Timeout: 5 * time.Second},
		done:       make(chan struct{}),
	}
}

// Start takes a snapshot immediately and then one per interval until ctx is
// cancelled or Stop is called.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.scrapeOnce()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.scrapeOnce()
				return
			case <-ticker.C:
				s.scrapeOnce()
			}
		}
	}()
}

// Stop halts polling and waits for the final snapshot.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scraper) scrapeOnce() {
	resp, err := s.client.Get(s.metricsURL)
	if err != nil {
		return // gateway not ready yet
	}
	defer resp.Body.Close()

	snap, err := parseSnapshot(resp.Body)
	if err != nil {
		return
	}
	snap.at = time.Now()

	s.mu.Lock()
	s.snapshots = append(s.snapshots, snap)
	s.mu.Unlock()
}

func parseSnapshot(r io.Reader) (snapshot, error) {
	var snap snapshot
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || line[0] == '#' {
			continue
		}
		name, value, ok := parseMetricLine(line)
		if !ok {
			continue
		}
		switch name {
		case "matchcore_connections_total":
			snap.connections = value
		case "matchcore_online_users":
			snap.onlineUsers = value
		case "matchcore_messages_total":
			snap.messages += value
		case "matchcore_delivery_events_total":
			snap.deliveryEvents += value
		case "matchcore_store_latency_seconds_sum":
			snap.storeSum += value
		case "matchcore_store_latency_seconds_count":
			snap.storeCount += value
		}
	}
	return snap, scanner.Err()
}

// parseMetricLine splits a text exposition sample into its name without
// labels and its value.
func parseMetricLine(line string) (string, float64, bool) {
	name, rest := line, ""
	if i := strings.IndexByte(line, '{'); i >= 0 {
		j := strings.LastIndexByte(line, '}')
		if j < i {
			return "", 0, false
		}
		name, rest = line[:i], line[j+1:]
	} else {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return "", 0, false
		}
		name, rest = fields[0], strings.Join(fields[1:], " ")
	}

	fields := strings.Fields(rest)
	if name == "" || len(fields) == 0 {
		return "", 0, false
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return "", 0, false
	}
	return name, v, true
}

// Report writes initial, final, delta and peak of every tracked metric.
func (s *Scraper) Report(w io.Writer) {
	s.mu.Lock()
	snaps := append([]snapshot(nil), s.snapshots...)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Fprintln(w, "\n--- Server Metrics (no data collected) ---")
		return
	}
	first, last := snaps[0], snaps[len(snaps)-1]

	fmt.Fprintln(w, "\n--- Server Metrics ---")
	fmt.Fprintf(w, "  Scrapes: %d over %s\n\n", len(snaps), last.at.Sub(first.at).Round(time.Second))
	fmt.Fprintf(w, "  %-16s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")

	rows := []struct {
		label string
		get   func(snapshot) float64
	}{
		{"Connections", func(x snapshot) float64 { return x.connections }},
		{"Online users", func(x snapshot) float64 { return x.onlineUsers }},
		{"Messages", func(x snapshot) float64 { return x.messages }},
		{"Delivery events", func(x snapshot) float64 { return x.deliveryEvents }},
	}
	for _, r := range rows {
		peak := math.Inf(-1)
		for _, snap := range snaps {
			peak = math.Max(peak, r.get(snap))
		}
		initial, final := r.get(first), r.get(last)
		fmt.Fprintf(w, "  %-16s %10.0f %10.0f %10.0f %10.0f\n", r.label, initial, final, final-initial, peak)
	}

	if n := last.storeCount - first.storeCount; n > 0 {
		fmt.Fprintf(w, "\n  Store latency avg: %.4fs (%.0f calls)\n", (last.storeSum-first.storeSum)/n, n)
	}
}
