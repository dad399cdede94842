//go:build ignore

// smoke-hub.go exercises a running hub end to end: registers two agents,
// sends an envelope, pulls it from the recipient's inbox, and acks it.
//
// Run with: go run scripts/smoke-hub.go [hub-url]
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

var hub = "http://localhost:8080"

func main() {
	if len(os.Args) > 1 {
		hub = os.Args[1]
	}
	sender := fmt.Sprintf("agent://smoke-sender-%d", time.Now().Unix())
	receiver := fmt.Sprintf("agent://smoke-receiver-%d", time.Now().Unix())

	check("health", "GET", "/health", nil, nil)
	check("register sender", "POST", "/api/agents/register", map[string]any{"agent_id": sender}, nil)
	check("register receiver", "POST", "/api/agents/register", map[string]any{"agent_id": receiver}, nil)

	var sent struct {
		ID string `json:"id"`
	}
	check("send", "POST", "/api/agents/"+receiver+"/messages", map[string]any{
		"version":   "1.0",
		"id":        fmt.Sprintf("smoke-%d", time.Now().UnixNano()),
		"type":      "task.request",
		"from":      sender,
		"to":        receiver,
		"subject":   "smoke",
		"body":      map[string]any{"op": "ping"},
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}, &sent)

	var pulled struct {
		ID string `json:"id"`
	}
	check("pull", "POST", "/api/agents/"+receiver+"/inbox/pull", map[string]any{}, &pulled)
	if pulled.ID != sent.ID {
		fail("pull returned %q, sent %q", pulled.ID, sent.ID)
	}

	check("ack", "POST", "/api/agents/"+receiver+"/messages/"+pulled.ID+"/ack",
		map[string]any{"result": map[string]any{"ok": true}}, nil)

	fmt.Println("PASS: register/send/pull/ack round trip against", hub)
}

func check(step, method, path string, body, out any) {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			fail("%s: encode: %v", step, err)
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, hub+path, rd)
	if err != nil {
		fail("%s: %v", step, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key := os.Getenv("ADMP_API_KEY"); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fail("%s: %v", step, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 300 {
		fail("%s: status %d: %s", step, resp.StatusCode, raw)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			fail("%s: decode: %v", step, err)
		}
	}
	fmt.Printf("ok   %-18s %s %s\n", step, method, path)
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
