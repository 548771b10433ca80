package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	serverURL = flag.String("server", "ws://localhost:3000/ws", "Coordinator websocket URL")
	redisURL  = flag.String("redis", "localhost:6379", "Redis address (host:port), used to seed invites")
	redisPass = flag.String("password", "", "Redis password")
	numUsers  = flag.Int("users", 5, "Number of simulated clients")
	seed      = flag.Bool("seed", true, "Seed one single-use invite per client before connecting")
	holdTime  = flag.Duration("hold", 30*time.Second, "How long each client keeps its connection open")
)

type inviteRecord struct {
	ExpiresAt time.Time `json:"expiresAt"`
	MaxUses   int       `json:"maxUses"`
	UseCount  int       `json:"useCount"`
	Status    string    `json:"status"`
	Sessions  []any     `json:"sessions"`
}

func main() {
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\n🛑 Simulation stopped")
		cancel()
	}()

	tokens := make([]string, *numUsers)
	for i := range tokens {
		tokens[i] = fmt.Sprintf("sim-%s", uuid.New().String()[:12])
	}

	if *seed {
		seedInvites(ctx, tokens)
	}

	fmt.Printf("🚀 Connecting %d clients to %s...\n", *numUsers, *serverURL)

	var wg sync.WaitGroup
	for i, token := range tokens {
		wg.Add(1)
		go func(idx int, inviteToken string) {
			defer wg.Done()
			runClient(ctx, idx, inviteToken)
		}(i, token)

		// Stagger joins so arrival order is deterministic
		time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
	}

	wg.Wait()
	fmt.Println("✅ All clients finished")
}

func seedInvites(ctx context.Context, tokens []string) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     *redisURL,
		Password: *redisPass,
	})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		fmt.Printf("Failed to connect to Redis: %v\n", err)
		os.Exit(1)
	}

	for _, token := range tokens {
		rec := inviteRecord{
			ExpiresAt: time.Now().Add(2 * time.Hour),
			MaxUses:   1,
			Status:    "active",
			Sessions:  []any{},
		}
		data, _ := json.Marshal(rec)
		if err := rdb.Set(ctx, "invite:"+token, data, 24*time.Hour).Err(); err != nil {
			fmt.Printf("❌ Failed to seed invite %s: %v\n", token, err)
		}
	}

	fmt.Printf("✅ Seeded %d invites\n", len(tokens))
}

func runClient(ctx context.Context, idx int, inviteToken string) {
	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	defer dialCancel()

	conn, _, err := websocket.Dial(dialCtx, *serverURL, nil)
	if err != nil {
		fmt.Printf("[client %d] dial failed: %v\n", idx, err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	join := map[string]string{"type": "join_queue", "inviteToken": inviteToken}
	if err := wsjson.Write(ctx, conn, join); err != nil {
		fmt.Printf("[client %d] join failed: %v\n", idx, err)
		return
	}

	deadline := time.After(*holdTime)
	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			return
		default:
		}

		readCtx, readCancel := context.WithTimeout(ctx, 5*time.Second)
		var frame map[string]any
		err := wsjson.Read(readCtx, conn, &frame)
		readCancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Read timeout between frames; send a heartbeat and keep going.
			_ = wsjson.Write(ctx, conn, map[string]string{"type": "heartbeat"})
			continue
		}

		switch frame["type"] {
		case "queue_position":
			fmt.Printf("[client %d] position %v of %v (wait %v)\n",
				idx, frame["position"], frame["queue_size"], frame["estimated_wait"])
		case "session_starting":
			fmt.Printf("[client %d] 🎉 session starting, expires %v\n", idx, frame["expires_at"])
		case "session_ended":
			fmt.Printf("[client %d] session ended: %v\n", idx, frame["reason"])
			return
		case "invite_invalid":
			fmt.Printf("[client %d] invite rejected: %v\n", idx, frame["reason"])
			return
		case "queue_full":
			fmt.Printf("[client %d] queue full\n", idx)
			return
		}
	}
}
