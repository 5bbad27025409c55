package test

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"testing"

	"github.com/zfoobar/kvs/pkg/protocol"
	"github.com/zfoobar/kvs/pkg/server"
	"github.com/zfoobar/kvs/pkg/store"
	"github.com/zfoobar/kvs/pkg/wire"
)

func startServer(t *testing.T) string {
	t.Helper()

	st := store.New()
	srv := server.New(protocol.New(st, nil, nil), nil, nil, nil)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	go srv.Serve(listener)
	t.Cleanup(func() { srv.Close() })

	return listener.Addr().String()
}

type client struct {
	conn   net.Conn
	reader *bufio.Reader
}

func dial(t *testing.T, addr string) *client {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	return &client{conn: conn, reader: bufio.NewReader(conn)}
}

func (c *client) send(t *testing.T, line string) wire.Response {
	t.Helper()

	if _, err := fmt.Fprintf(c.conn, "%s\n", line); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
	reply, err := c.reader.ReadBytes('\n')
	if err != nil {
		t.Fatalf("Failed to read: %v", err)
	}

	var resp wire.Response
	if err := json.Unmarshal(reply, &resp); err != nil {
		t.Fatalf("Failed to decode %q: %v", reply, err)
	}
	return resp
}

func value(t *testing.T, resp wire.Response) string {
	t.Helper()

	switch result := resp.Result.(type) {
	case string:
		return result
	case map[string]interface{}:
		v, ok := result["value"].(string)
		if !ok {
			t.Fatalf("Entry result has no value: %v", result)
		}
		return v
	default:
		t.Fatalf("Unexpected result shape: %v", resp.Result)
		return ""
	}
}

func TestCommandSetEndToEnd(t *testing.T) {
	addr := startServer(t)
	c := dial(t, addr)

	// Round-trip law: PUT then GET returns the value.
	resp := c.send(t, "PUT foo 123")
	if resp.Status != wire.StatusOK {
		t.Fatalf("PUT failed: %+v", resp)
	}
	if got := value(t, c.send(t, "GET foo")); got != "123" {
		t.Errorf("Expected '123', got %q", got)
	}

	// PUT; DEL; GET is a not-found error.
	c.send(t, "PUT gone soon")
	c.send(t, "DEL gone")
	resp = c.send(t, "GET gone")
	if resp.Status != wire.StatusError {
		t.Errorf("Expected error after DEL, got %+v", resp)
	}
	if resp.Message == nil || *resp.Message != "Key does not exist." {
		t.Errorf("Unexpected message: %v", resp.Message)
	}

	// START; COMMIT with no ops succeeds and changes nothing.
	if resp = c.send(t, "START"); resp.Status != wire.StatusOK {
		t.Fatalf("START failed: %+v", resp)
	}
	if resp = c.send(t, "COMMIT"); resp.Status != wire.StatusOK {
		t.Fatalf("Empty COMMIT failed: %+v", resp)
	}
	if got := value(t, c.send(t, "GET foo")); got != "123" {
		t.Errorf("Empty transaction changed the store: %q", got)
	}

	// Full transactional flow with read-your-writes.
	c.send(t, "START")
	c.send(t, "PUT foo modified")
	resp = c.send(t, "GET foo")
	if got := value(t, resp); got != "modified" {
		t.Errorf("Expected staged 'modified', got %q", got)
	}
	if resp.Message == nil || *resp.Message != "GET from transaction buffer" {
		t.Errorf("Unexpected message: %v", resp.Message)
	}
	c.send(t, "COMMIT")
	if got := value(t, c.send(t, "GET foo")); got != "modified" {
		t.Errorf("Expected committed 'modified', got %q", got)
	}
}

func TestConcurrentCommitRace(t *testing.T) {
	addr := startServer(t)
	const keys = 200

	seed := dial(t, addr)
	for i := 0; i < keys; i++ {
		seed.send(t, fmt.Sprintf("PUT race%d seed", i))
	}

	c1 := dial(t, addr)
	c2 := dial(t, addr)
	c1.send(t, "START")
	c2.send(t, "START")
	for i := 0; i < keys; i++ {
		c1.send(t, fmt.Sprintf("PUT race%d 1", i))
		c2.send(t, fmt.Sprintf("PUT race%d 2", i))
	}

	var wg sync.WaitGroup
	results := make([]wire.Response, 2)
	for i, c := range []*client{c1, c2} {
		wg.Add(1)
		go func(i int, c *client) {
			defer wg.Done()
			results[i] = c.send(t, "COMMIT")
		}(i, c)
	}
	wg.Wait()

	var oks int
	winner := ""
	for i, resp := range results {
		if resp.Status == wire.StatusOK {
			oks++
			winner = fmt.Sprintf("%d", i+1)
		}
	}
	if oks != 1 {
		t.Fatalf("Expected exactly one committed transaction, got %d", oks)
	}

	// Every key holds the winner's value; no interleaving.
	for i := 0; i < keys; i++ {
		if got := value(t, seed.send(t, fmt.Sprintf("GET race%d", i))); got != winner {
			t.Errorf("race%d: expected %q, got %q", i, winner, got)
		}
	}
}

func TestConflictedSessionCanRetry(t *testing.T) {
	addr := startServer(t)

	writer := dial(t, addr)
	writer.send(t, "PUT contested v1")

	c := dial(t, addr)
	c.send(t, "START")
	c.send(t, "PUT contested staged")

	// Invalidate the captured version from another session.
	writer.send(t, "PUT contested v2")

	resp := c.send(t, "COMMIT")
	if resp.Status != wire.StatusError {
		t.Fatalf("Expected conflict, got %+v", resp)
	}

	// The session is out of the transaction and may retry from scratch.
	resp = c.send(t, "START")
	if resp.Status != wire.StatusOK {
		t.Fatalf("Retry START failed: %+v", resp)
	}
	c.send(t, "PUT contested staged-retry")
	resp = c.send(t, "COMMIT")
	if resp.Status != wire.StatusOK {
		t.Fatalf("Retry COMMIT failed: %+v", resp)
	}
	if got := value(t, writer.send(t, "GET contested")); got != "staged-retry" {
		t.Errorf("Expected 'staged-retry', got %q", got)
	}
}
