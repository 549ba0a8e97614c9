package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"

	"yuzu/tutor/internal/orchestrator"
	"yuzu/tutor/internal/tutor"
)

// simulate plays a listener against a running server: it opens a session over
// HTTP and drives it to completion over the Sequencer gRPC service.
func main() {
	httpAddr := flag.String("http", "http://localhost:8080", "Server HTTP base URL")
	grpcAddr := flag.String("grpc", "localhost:9090", "Sequencer gRPC address")
	token := flag.String("token", "", "Pipeline bearer token (when the server has a secret)")
	room := flag.String("room", "sim-SQUARE-"+time.Now().Format("150405"), "Room name")
	modeName := flag.String("mode", "", "user_led | agent_led | hand_raise (default: from room name)")
	raiseAt := flag.Int("raise-at", 0, "Raise a hand before this turn (1-based, 0 = never)")
	interruptAt := flag.Int("interrupt-at", 0, "Barge in after this turn (1-based, 0 = never)")
	answer := flag.String("answer", "I think I understand that part now", "Response given at comprehension gates")
	maxTurns := flag.Int("max-turns", 500, "Give up after this many turns")
	timeout := flag.Duration("timeout", 30*time.Second, "Overall timeout")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	sessionID, err := createSession(ctx, *httpAddr, *room, *modeName)
	if err != nil {
		log.Fatalf("create session: %v", err)
	}

	client, conn, err := orchestrator.Dial(*grpcAddr, *token)
	if err != nil {
		log.Fatalf("dial sequencer: %v", err)
	}
	defer conn.Close()

	fmt.Printf("=== Tutoring simulation ===\n")
	fmt.Printf("Session: %s\n", sessionID)
	fmt.Printf("Room: %s\n\n", *room)

	for turn := 1; turn <= *maxTurns; turn++ {
		if turn == *raiseAt {
			fmt.Println("[*] raising hand")
			if err := client.RaiseHand(ctx, sessionID); err != nil {
				log.Fatalf("raise hand: %v", err)
			}
		}
		d, err := client.Advance(ctx, sessionID)
		if err != nil {
			log.Fatalf("advance: %v", err)
		}
		printDirective(turn, d)

		switch d.Kind {
		case tutor.KindComplete:
			p, err := client.Progress(ctx, sessionID)
			if err != nil {
				log.Fatalf("progress: %v", err)
			}
			fmt.Printf("\n[*] complete: %d/%d fragments (%d%%)\n", p.Covered, p.Total, p.Percent)
			return
		case tutor.KindAwaitGate:
			ok, err := client.ConfirmUnderstanding(ctx, sessionID, *answer)
			if err != nil {
				log.Fatalf("confirm: %v", err)
			}
			fmt.Printf("    -> %q understood=%v\n", *answer, ok)
		}
		if turn == *interruptAt {
			ok, err := client.Interrupt(ctx, sessionID)
			if err != nil {
				log.Fatalf("interrupt: %v", err)
			}
			fmt.Printf("[*] barge-in honoured=%v\n", ok)
		}
	}
	log.Fatalf("session did not complete within %d turns", *maxTurns)
}

func createSession(ctx context.Context, base, room, modeName string) (string, error) {
	body, _ := json.Marshal(map[string]string{"room_name": room, "mode": modeName})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/sessions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var out struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.SessionID, nil
}

func printDirective(turn int, d tutor.Directive) {
	ts := time.Now().Format("15:04:05.000")
	flags := ""
	if d.Replay {
		flags += " replay"
	}
	if d.RequiresUnderstanding {
		flags += " gate-next"
	}
	if d.Milestone > 0 {
		flags += fmt.Sprintf(" milestone=%d", d.Milestone)
	}
	switch d.Kind {
	case tutor.KindDeliver:
		fmt.Printf("[%s] %3d <- Deliver %s%s: %q\n", ts, turn, d.FragmentID, flags, d.Text)
	default:
		fmt.Printf("[%s] %3d <- %s%s: %q\n", ts, turn, d.Kind, flags, d.Text)
	}
}
