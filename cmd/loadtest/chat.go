package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/emberapp/matchcore/internal/loadtest/client"
	"github.com/emberapp/matchcore/internal/loadtest/stats"
	"github.com/emberapp/matchcore/internal/model"
	"github.com/emberapp/matchcore/internal/protocol"
	"github.com/emberapp/matchcore/internal/store/postgres"
)

// loadtestGender keeps seeded users out of real discovery results.
const loadtestGender = "loadtest"

// runChat seeds user pairs directly in the database, matches each pair
// through the swipe API, then has both sides exchange timestamped messages
// over WebSocket. Latency is measured from send to new-message receipt.
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	apiURL := fs.String("api-url", "http://localhost:8080/v1", "REST API base URL")
	dsn := fs.String("database", os.Getenv("DATABASE_URL"), "PostgreSQL URL used to seed users")
	secret := fs.String("jwt-secret", os.Getenv("JWT_SECRET"), "Secret the gateway verifies tokens with")
	issuer := fs.String("jwt-issuer", "", "Token issuer")
	pairs := fs.Int("pairs", 100, "Number of matched user pairs")
	chatDuration := fs.Duration("chat-duration", 30*time.Second, "How long each pair chats")
	msgInterval := fs.Duration("msg-interval", 2*time.Second, "Interval between messages per user")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	fs.Parse(args)

	if *secret == "" || *dsn == "" || *pairs <= 0 {
		fmt.Fprintln(os.Stderr, "chat: -jwt-secret, -database and a positive -pairs are required")
		os.Exit(2)
	}

	fmt.Printf("Chat test: %d pairs to %s (chat=%s, interval=%s)\n", *pairs, *url, *chatDuration, *msgInterval)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := postgres.DefaultConfig()
	cfg.DatabaseURL = *dsn
	cfg.MaxOpenConns = 10
	db, err := postgres.Open(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "chat: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	r := &chatRun{
		store:     postgres.New(db, cfg.Timeout, zap.NewNop().Sugar()),
		tokens:    newTokenIssuer(*secret, *issuer),
		apiURL:    strings.TrimRight(*apiURL, "/"),
		wsURL:     *url,
		http:      &http.Client{Timeout: 10 * time.Second},
		collector: stats.NewCollector(),
	}
	scraper := stats.NewScraper(*metricsURL, 2*time.Second)
	r.collector.SetScraper(scraper)
	scraper.Start(ctx)

	// -----------------------------------------------------------------------
	// Seed, match and connect
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Setup: seed, match, connect ---")
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		ready []*pair
	)
	sem := make(chan struct{}, 20)
	for i := 0; i < *pairs && ctx.Err() == nil; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			p, err := r.setupPair(ctx)
			if err != nil {
				r.collector.AddError()
				fmt.Printf("  [setup] %v\n", err)
				return
			}
			mu.Lock()
			ready = append(ready, p)
			mu.Unlock()
		}()
	}
	wg.Wait()
	fmt.Printf("Setup complete: %d/%d pairs ready (%d errors)\n", len(ready), *pairs, r.collector.ErrorCount())

	// -----------------------------------------------------------------------
	// Chat
	// -----------------------------------------------------------------------
	if ctx.Err() == nil && len(ready) > 0 {
		fmt.Printf("\n--- Chat phase: %d pairs for %s ---\n", len(ready), *chatDuration)
		chatCtx, cancel := context.WithTimeout(ctx, *chatDuration)
		for _, p := range ready {
			for _, side := range []*participant{p.a, p.b} {
				wg.Add(1)
				go func() {
					defer wg.Done()
					r.chatLoop(chatCtx, p.chatID, side, *msgInterval)
				}()
			}
		}
		wg.Wait()
		cancel()
		// let in-flight messages land
		time.Sleep(time.Second)
		fmt.Printf("Chat phase complete: sent %d received %d\n", r.sent.Load(), r.received.Load())
	}

	fmt.Println("\n--- Cleanup ---")
	var clients []*client.Client
	for _, p := range ready {
		clients = append(clients, p.a.conn, p.b.conn)
	}
	closeAll(clients, &mu)
	scraper.Stop()
	r.collector.Report(os.Stdout)
}

type chatRun struct {
	store     *postgres.Store
	tokens    tokenIssuer
	apiURL    string
	wsURL     string
	http      *http.Client
	collector *stats.Collector

	sent     atomic.Int64
	received atomic.Int64
}

type participant struct {
	userID string
	token  string
	conn   *client.Client
}

type pair struct {
	chatID string
	a, b   *participant
}

func (r *chatRun) setupPair(ctx context.Context) (*pair, error) {
	a, err := r.seedUser(ctx)
	if err != nil {
		return nil, err
	}
	b, err := r.seedUser(ctx)
	if err != nil {
		return nil, err
	}

	if _, err := r.like(ctx, a, b.userID); err != nil {
		return nil, err
	}
	chatID, err := r.like(ctx, b, a.userID)
	if err != nil {
		return nil, err
	}
	if chatID == "" {
		return nil, fmt.Errorf("pair %s/%s: reciprocal like did not create a match", a.userID, b.userID)
	}

	for _, p := range []*participant{a, b} {
		connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		p.conn, err = client.New(connCtx, r.wsURL, p.token, client.On(protocol.TypeNewMessage, r.onNewMessage(p.userID)))
		cancel()
		if err != nil {
			if a.conn != nil {
				a.conn.Close()
			}
			return nil, fmt.Errorf("connect %s: %w", p.userID, err)
		}
		r.collector.AddConnect(p.conn.GetMetrics().ConnectLatency)
	}
	return &pair{chatID: chatID, a: a, b: b}, nil
}

func (r *chatRun) seedUser(ctx context.Context) (*participant, error) {
	id := uuid.NewString()
	u := &model.User{
		ID:         id,
		Name:       "loadtest-" + id[:8],
		Gender:     loadtestGender,
		BirthDate:  time.Date(1995, time.June, 1, 0, 0, 0, 0, time.UTC),
		IsActive:   true,
		PhotoCount: 1,
		Preferences: model.Preferences{
			AgeMin:  18,
			AgeMax:  99,
			Genders: []string{loadtestGender},
		},
	}
	if err := r.store.PutUser(ctx, u); err != nil {
		return nil, fmt.Errorf("seed user: %w", err)
	}
	token, err := r.tokens.token(id)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	return &participant{userID: id, token: token}, nil
}

// like posts a like and returns the chat id when it completed a match.
func (r *chatRun) like(ctx context.Context, from *participant, to string) (string, error) {
	body, _ := json.Marshal(map[string]string{"userId": to, "decision": string(model.DecisionLike)})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.apiURL+"/swipes", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+from.token)

	resp, err := r.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("swipe: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("swipe: unexpected status %d", resp.StatusCode)
	}

	var res struct {
		Match *struct {
			ChatID string `json:"chatId"`
		} `json:"match"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", fmt.Errorf("swipe: decode: %w", err)
	}
	if res.Match == nil {
		return "", nil
	}
	return res.Match.ChatID, nil
}

func (r *chatRun) chatLoop(ctx context.Context, chatID string, p *participant, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := p.conn.Send(protocol.SendMessageMsg{
			Type:    protocol.TypeSendMessage,
			ChatID:  chatID,
			Content: strconv.FormatInt(time.Now().UnixNano(), 10),
			MsgType: string(model.TypeText),
		})
		if err != nil {
			r.collector.AddError()
			return
		}
		r.sent.Add(1)
	}
}

// onNewMessage records latency for messages sent by the other side. Content
// carries the sender's clock in nanoseconds.
func (r *chatRun) onNewMessage(self string) func(json.RawMessage) {
	return func(raw json.RawMessage) {
		var msg struct {
			Message struct {
				SenderID string `json:"senderId"`
				Content  string `json:"content"`
			} `json:"message"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Message.SenderID == self {
			return
		}
		sentAt, err := strconv.ParseInt(msg.Message.Content, 10, 64)
		if err != nil {
			return
		}
		r.received.Add(1)
		r.collector.AddMsgLatency(time.Since(time.Unix(0, sentAt)))
	}
}
