package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/hyperengineering/quire/internal/queue"
	"github.com/hyperengineering/quire/internal/store"
	"github.com/hyperengineering/quire/pkg/clock"
	"github.com/hyperengineering/quire/pkg/protocol"
)

// executeCmd runs the root command with args and captured output.
func executeCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()

	// Cobra parses into package-level flag variables; reset them so values
	// do not leak between tests.
	queueJSONOutput = false
	queueUserFilter = ""
	queueRetentionDays = 0

	out := new(bytes.Buffer)
	rootCmd.SetOut(out)
	rootCmd.SetErr(out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()

	rootCmd.SetOut(nil)
	rootCmd.SetErr(nil)
	rootCmd.SetArgs(nil)
	return out.String(), err
}

// seedQueue enqueues operations into the configured database.
func seedQueue(t *testing.T, dbPath, userID string, n int) []string {
	t.Helper()
	db, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer db.Close()

	ops := make([]protocol.EnqueueOperation, n)
	for i := range ops {
		ops[i] = protocol.EnqueueOperation{
			Kind:       protocol.KindCreate,
			EntityType: protocol.EntityNote,
			Data:       json.RawMessage(`{"title":"seed"}`),
		}
	}
	q := queue.NewService(db, clock.New(), nil, queue.DefaultOptions())
	ids, err := q.Enqueue(context.Background(), protocol.EnqueueRequest{UserID: userID, Operations: ops})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return ids
}

func TestQueueStats_JSON(t *testing.T) {
	captureLogs(t)
	cfg := testConfig(t)
	seedQueue(t, cfg.Database.Path, "alice", 2)
	seedQueue(t, cfg.Database.Path, "bob", 1)

	out, err := executeCmd(t, "queue", "stats", "--json")
	if err != nil {
		t.Fatalf("queue stats: %v", err)
	}

	var stats []protocol.QueueStats
	if err := json.Unmarshal([]byte(out), &stats); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	pending := map[string]int{}
	for _, s := range stats {
		pending[s.UserID] = s.Pending
	}
	if pending["alice"] != 2 || pending["bob"] != 1 {
		t.Errorf("pending = %v", pending)
	}
}

func TestQueueStats_TableForOneUser(t *testing.T) {
	captureLogs(t)
	cfg := testConfig(t)
	seedQueue(t, cfg.Database.Path, "alice", 3)

	out, err := executeCmd(t, "queue", "stats", "--user", "alice")
	if err != nil {
		t.Fatalf("queue stats: %v", err)
	}
	if !strings.Contains(out, "USER") || !strings.Contains(out, "alice") {
		t.Errorf("table output = %q", out)
	}
}

func TestQueueStats_Empty(t *testing.T) {
	captureLogs(t)
	testConfig(t)

	out, err := executeCmd(t, "queue", "stats")
	if err != nil {
		t.Fatalf("queue stats: %v", err)
	}
	if !strings.Contains(out, "No queued operations") {
		t.Errorf("output = %q", out)
	}
}

func TestQueueRecover(t *testing.T) {
	captureLogs(t)
	cfg := testConfig(t)
	seedQueue(t, cfg.Database.Path, "alice", 2)

	out, err := executeCmd(t, "queue", "recover", "--json")
	if err != nil {
		t.Fatalf("queue recover: %v", err)
	}
	var got map[string]int
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if got["pending"] != 2 {
		t.Errorf("pending = %d, want 2", got["pending"])
	}
}

func TestQueueCleanup_RetentionFlag(t *testing.T) {
	captureLogs(t)
	testConfig(t)

	out, err := executeCmd(t, "queue", "cleanup", "--retention-days", "3")
	if err != nil {
		t.Fatalf("queue cleanup: %v", err)
	}
	if !strings.Contains(out, "Removed 0 operations older than 3 days") {
		t.Errorf("output = %q", out)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := executeCmd(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if strings.TrimSpace(out) != Version {
		t.Errorf("version output = %q, want %q", out, Version)
	}
}

func TestConfigCommand_OmitsSecrets(t *testing.T) {
	testConfig(t)

	out, err := executeCmd(t, "config")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if strings.Contains(out, "cli-test-key") {
		t.Error("config output contains the API key")
	}
	if !strings.Contains(out, "max_queue_size") {
		t.Errorf("config output = %q", out)
	}
}
