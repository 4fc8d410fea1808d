// Package main is an end-to-end smoke test for a running Parley server. It
// connects two seeded users, walks them through the full room lifecycle —
// join, typing, messaging, history, leave, disconnect — and verifies each
// server event on the way. Exit code 0 means every check passed.
//
// Requires a server with users alice and bob seeded as members of the test
// room:
//
//	e2etest -url ws://localhost:8080/ws -http http://localhost:8080 \
//	        -jwt-secret secret -room e2e-room -user-a alice -user-b bob
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/parley/chat-app/loadtest/client"
)

var failures int

func check(name string, ok bool, detail string) {
	if ok {
		fmt.Printf("  PASS  %s\n", name)
		return
	}
	failures++
	fmt.Printf("  FAIL  %s: %s\n", name, detail)
}

// eventCollector buffers server events of one type for assertion.
type eventCollector struct {
	ch chan json.RawMessage
}

func collect(c *client.Client, msgType string) *eventCollector {
	ec := &eventCollector{ch: make(chan json.RawMessage, 16)}
	c.On(msgType, func(raw json.RawMessage) {
		select {
		case ec.ch <- raw:
		default:
		}
	})
	return ec
}

// next waits up to timeout for the next buffered event.
func (ec *eventCollector) next(timeout time.Duration) (json.RawMessage, bool) {
	select {
	case raw := <-ec.ch:
		return raw, true
	case <-time.After(timeout):
		return nil, false
	}
}

// quiet reports whether no event arrives within the window.
func (ec *eventCollector) quiet(window time.Duration) bool {
	select {
	case <-ec.ch:
		return false
	case <-time.After(window):
		return true
	}
}

func main() {
	wsURL := flag.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	httpURL := flag.String("http", "http://localhost:8080", "HTTP base URL for history")
	jwtSecret := flag.String("jwt-secret", "", "JWT secret shared with the server")
	room := flag.String("room", "e2e-room", "Room both users are members of")
	userA := flag.String("user-a", "alice", "First seeded user ID")
	userB := flag.String("user-b", "bob", "Second seeded user ID")
	flag.Parse()

	if *jwtSecret == "" {
		fmt.Println("e2etest: -jwt-secret is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	tokenA, err := client.MintToken(*jwtSecret, *userA, time.Hour)
	if err != nil {
		fmt.Printf("mint token: %v\n", err)
		os.Exit(1)
	}
	tokenB, _ := client.MintToken(*jwtSecret, *userB, time.Hour)

	fmt.Println("--- Connect & handshake ---")
	a, err := client.New(ctx, *wsURL, *userA, tokenA)
	if err != nil {
		fmt.Printf("connect %s: %v\n", *userA, err)
		os.Exit(1)
	}
	defer a.Close()
	check("session handshake (A)", a.WaitForSession(ctx) == nil, "no session_created")

	// A bad token must be rejected before the upgrade.
	badCtx, badCancel := context.WithTimeout(ctx, 5*time.Second)
	_, err = client.New(badCtx, *wsURL, *userA, "not-a-token")
	badCancel()
	check("invalid token rejected", err != nil, "handshake with garbage token succeeded")

	b, err := client.New(ctx, *wsURL, *userB, tokenB)
	if err != nil {
		fmt.Printf("connect %s: %v\n", *userB, err)
		os.Exit(1)
	}
	defer b.Close()
	check("session handshake (B)", b.WaitForSession(ctx) == nil, "no session_created")

	fmt.Println("\n--- Room join ---")
	aJoined := collect(a, client.TypeRoomJoined)
	aSawJoin := collect(a, client.TypeUserJoined)
	bJoined := collect(b, client.TypeRoomJoined)

	_ = a.JoinRoom(*room)
	raw, ok := aJoined.next(5 * time.Second)
	check("room_joined (A)", ok, "no room_joined received")
	if ok {
		var msg struct {
			Members []struct {
				UserID string `json:"user_id"`
			} `json:"members"`
		}
		_ = json.Unmarshal(raw, &msg)
		check("member snapshot includes self", containsUser(msg.Members, *userA), "A missing from members")
	}

	_ = b.JoinRoom(*room)
	_, ok = bJoined.next(5 * time.Second)
	check("room_joined (B)", ok, "no room_joined received")
	raw, ok = aSawJoin.next(5 * time.Second)
	check("user_joined announced to A", ok && rawUserID(raw) == *userB, "A did not see B join")

	fmt.Println("\n--- Typing indicator ---")
	aTyping := collect(a, client.TypeUserTyping)
	aStopped := collect(a, client.TypeUserStoppedTyping)

	_ = b.TypingStart(*room)
	raw, ok = aTyping.next(5 * time.Second)
	check("user_typing edge", ok && rawUserID(raw) == *userB, "A did not see B typing")

	// Repeated starts are debounced into silence.
	_ = b.TypingStart(*room)
	_ = b.TypingStart(*room)
	check("typing debounced", aTyping.quiet(1*time.Second), "duplicate user_typing emitted")

	fmt.Println("\n--- Messaging ---")
	aMsg := collect(a, client.TypeNewMessage)
	bMsg := collect(b, client.TypeNewMessage)

	content := fmt.Sprintf("hello from %s at %d", *userB, time.Now().UnixNano())
	_ = b.SendMessage(*room, content)

	// The pending typing state must resolve to stopped before the message.
	raw, ok = aStopped.next(5 * time.Second)
	check("stopped-typing precedes message", ok && rawUserID(raw) == *userB, "no user_stopped_typing before message")

	raw, ok = aMsg.next(5 * time.Second)
	check("message delivered to A", ok && rawContent(raw) == content, "A did not receive the message")
	raw, ok = bMsg.next(5 * time.Second)
	check("sender receives own message", ok && rawContent(raw) == content, "B did not receive its own message")

	oversize := make([]byte, 5000)
	for i := range oversize {
		oversize[i] = 'x'
	}
	bErr := collect(b, client.TypeError)
	_ = b.SendMessage(*room, string(oversize))
	raw, ok = bErr.next(5 * time.Second)
	check("oversize message rejected", ok && rawCode(raw) == "invalid_message", "no invalid_message error")

	fmt.Println("\n--- History ---")
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/rooms/%s/messages?limit=10", *httpURL, *room), nil)
	req.Header.Set("Authorization", "Bearer "+tokenA)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		check("history fetch", false, err.Error())
	} else {
		defer resp.Body.Close()
		var page struct {
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&page)
		check("history fetch", resp.StatusCode == http.StatusOK, fmt.Sprintf("status %d", resp.StatusCode))
		found := false
		for _, m := range page.Messages {
			if m.Content == content {
				found = true
			}
		}
		check("history contains sent message", found, "message not in newest page")
	}

	// Unauthenticated history must be rejected.
	anonReq, _ := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/rooms/%s/messages", *httpURL, *room), nil)
	anonResp, err := http.DefaultClient.Do(anonReq)
	if err == nil {
		anonResp.Body.Close()
		check("history requires auth", anonResp.StatusCode == http.StatusUnauthorized,
			fmt.Sprintf("status %d", anonResp.StatusCode))
	}

	fmt.Println("\n--- Leave & disconnect ---")
	aSawLeft := collect(a, client.TypeUserLeft)
	_ = b.LeaveRoom(*room)
	raw, ok = aSawLeft.next(5 * time.Second)
	check("user_left announced", ok && rawUserID(raw) == *userB, "A did not see B leave")

	aOffline := collect(a, client.TypeUserOffline)
	b.Close()
	raw, ok = aOffline.next(10 * time.Second)
	check("user_offline on disconnect", ok && rawUserID(raw) == *userB, "A did not see B go offline")

	fmt.Println()
	if failures > 0 {
		fmt.Printf("e2etest: %d check(s) failed\n", failures)
		os.Exit(1)
	}
	fmt.Println("e2etest: all checks passed")
}

func containsUser(members []struct {
	UserID string `json:"user_id"`
}, userID string) bool {
	for _, m := range members {
		if m.UserID == userID {
			return true
		}
	}
	return false
}

// rawUserID extracts user_id whether it sits at the top level or under user.
func rawUserID(raw json.RawMessage) string {
	var msg struct {
		UserID string `json:"user_id"`
		User   struct {
			UserID string `json:"user_id"`
		} `json:"user"`
	}
	_ = json.Unmarshal(raw, &msg)
	if msg.UserID != "" {
		return msg.UserID
	}
	return msg.User.UserID
}

func rawContent(raw json.RawMessage) string {
	var msg struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	}
	_ = json.Unmarshal(raw, &msg)
	return msg.Message.Content
}

func rawCode(raw json.RawMessage) string {
	var msg struct {
		Code string `json:"code"`
	}
	_ = json.Unmarshal(raw, &msg)
	return msg.Code
}
