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

	"github.com/parley/chat-app/loadtest/client"
	"github.com/parley/chat-app/loadtest/stats"
)

// runRooms implements the room traffic test. Users are spread round-robin
// across a set of rooms; each user joins its room, then loops through a
// realistic typing-then-send cycle for the test duration. Message round-trip
// latency is measured from send to the sender receiving its own new_message
// fan-out, which covers validation, persistence, and the NATS hop.
//
// The seeded users must be members of their assigned rooms or every join will
// be rejected.
func runRooms(args []string) {
	fs := flag.NewFlagSet("rooms", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	metricsURL := fs.String("metrics", "", "Prometheus metrics URL to scrape (optional)")
	users := fs.Int("users", 100, "Number of concurrent users")
	rooms := fs.Int("rooms", 10, "Number of rooms to spread users across")
	duration := fs.Duration("duration", 60*time.Second, "Test duration")
	msgInterval := fs.Duration("msg-interval", 2*time.Second, "Interval between messages per user (keep above the server's rate limit)")
	jwtSecret := fs.String("jwt-secret", "", "JWT secret shared with the server")
	userPrefix := fs.String("user-prefix", "load-user-", "Seeded user ID prefix")
	roomPrefix := fs.String("room-prefix", "load-room-", "Room ID prefix")
	fs.Parse(args)

	if *jwtSecret == "" {
		fmt.Println("rooms: -jwt-secret is required")
		return
	}

	fmt.Printf("Rooms test: %d users across %d rooms on %s (duration=%s, msg-interval=%s)\n",
		*users, *rooms, *url, *duration, *msgInterval)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	if *metricsURL != "" {
		scraper := stats.NewScraper(*metricsURL, 5*time.Second)
		scraper.Start(ctx)
		defer scraper.Stop()
		collector.SetScraper(scraper)
	}

	testCtx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < *users; i++ {
		userID := fmt.Sprintf("%s%d", *userPrefix, i)
		roomID := fmt.Sprintf("%s%d", *roomPrefix, i%*rooms)

		wg.Add(1)
		go func() {
			defer wg.Done()
			runUser(testCtx, collector, *url, *jwtSecret, userID, roomID, *msgInterval)
		}()

		// Stagger connections so the handshake burst doesn't trip the
		// per-IP connect limiter all at once.
		time.Sleep(20 * time.Millisecond)
	}

	wg.Wait()
	collector.Report()
}

// runUser drives a single simulated user: connect, join the room, then cycle
// typing and sending until the context expires.
func runUser(ctx context.Context, collector *stats.Collector, url, secret, userID, roomID string, msgInterval time.Duration) {
	token, err := client.MintToken(secret, userID, time.Hour)
	if err != nil {
		collector.AddError()
		return
	}

	connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
	c, err := client.New(connCtx, url, userID, token)
	connCancel()
	if err != nil {
		collector.AddError()
		return
	}
	defer c.Close()

	if err := c.WaitForSession(ctx); err != nil {
		collector.AddError()
		return
	}
	collector.AddConnect(c.GetMetrics().ConnectLatency)

	joined := make(chan struct{}, 1)
	c.On(client.TypeRoomJoined, func(raw json.RawMessage) {
		select {
		case joined <- struct{}{}:
		default:
		}
	})

	// Round-trip measurement: the sender receives its own message back, with
	// the send time embedded in the content.
	c.On(client.TypeNewMessage, func(raw json.RawMessage) {
		var msg struct {
			Message struct {
				UserID  string `json:"user_id"`
				Content string `json:"content"`
			} `json:"message"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}
		if msg.Message.UserID != userID {
			return
		}
		if idx := strings.LastIndexByte(msg.Message.Content, '|'); idx != -1 {
			if nanos, err := strconv.ParseInt(msg.Message.Content[idx+1:], 10, 64); err == nil {
				collector.AddMsgLatency(time.Since(time.Unix(0, nanos)))
			}
		}
	})

	c.On(client.TypeError, func(raw json.RawMessage) {
		collector.AddError()
	})

	if err := c.JoinRoom(roomID); err != nil {
		collector.AddError()
		return
	}
	select {
	case <-joined:
	case <-ctx.Done():
		return
	case <-time.After(10 * time.Second):
		collector.AddError()
		return
	}

	seq := 0
	ticker := time.NewTicker(msgInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = c.LeaveRoom(roomID)
			return
		case <-ticker.C:
			// Type for a moment before sending, like a real client would.
			_ = c.TypingStart(roomID)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(rand.Intn(400)+100) * time.Millisecond):
			}

			seq++
			content := fmt.Sprintf("msg %d from %s|%d", seq, userID, time.Now().UnixNano())
			if err := c.SendMessage(roomID, content); err != nil {
				collector.AddError()
				return
			}
		}
	}
}
