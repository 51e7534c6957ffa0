package cmd

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/establishment/storesync/internal/config"
	"github.com/establishment/storesync/internal/dispatch"
	"github.com/establishment/storesync/internal/domain"
	"github.com/establishment/storesync/internal/store"
	"github.com/establishment/storesync/internal/transport"
)

func setupTestConfig(t *testing.T) {
	t.Helper()
	prevCfg, prevLogger := cfg, logger
	cfg = config.Default()
	cfg.Server.DB = filepath.Join(t.TempDir(), "journal.db")
	logger = slog.Default()
	t.Cleanup(func() { cfg, logger = prevCfg, prevLogger })
}

const testState = `{
	"Message": [{"id": 1, "messageThreadId": 1, "userId": 1, "content": "hi"}],
	"MessageThread": [{"id": 1, "name": "general"}],
	"User": [{"id": 1, "username": "ann"}, {"username": "no id"}]
}`

func TestReadState_Bare(t *testing.T) {
	tmpDir, cleanup := setupTempProject(t)
	defer cleanup()

	path := filepath.Join(tmpDir, "state.json")
	writeTestFile(t, path, []byte(testState))

	payload, err := readState(path)
	if err != nil {
		t.Fatalf("readState failed: %v", err)
	}
	if got := payload.State.Count(); got != 4 {
		t.Errorf("expected 4 objects, got %d", got)
	}
}

func TestReadState_Payload(t *testing.T) {
	tmpDir, cleanup := setupTempProject(t)
	defer cleanup()

	path := filepath.Join(tmpDir, "payload.json")
	writeTestFile(t, path, []byte(`{"state": {"User": [{"id": 1}]}, "events": [{"type": "delete", "objectType": "User", "objectId": 1}]}`))

	payload, err := readState(path)
	if err != nil {
		t.Fatalf("readState failed: %v", err)
	}
	if len(payload.State["User"]) != 1 || len(payload.Events) != 1 {
		t.Errorf("unexpected payload: %+v", payload)
	}
}

func TestReadState_Invalid(t *testing.T) {
	tmpDir, cleanup := setupTempProject(t)
	defer cleanup()

	path := filepath.Join(tmpDir, "state.json")
	writeTestFile(t, path, []byte(`[1, 2]`))
	if _, err := readState(path); err == nil {
		t.Error("expected an error for a non-object state")
	}
	if _, err := readState(filepath.Join(tmpDir, "missing.json")); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestReplicaImportAndReplay(t *testing.T) {
	setupTestConfig(t)

	stores, d, err := newReplica(nil, nil)
	if err != nil {
		t.Fatalf("newReplica failed: %v", err)
	}
	defer stores.Close()

	payload, err := readStateString(t, testState)
	if err != nil {
		t.Fatalf("readState failed: %v", err)
	}
	if err := d.ImportPayload(payload); err != nil {
		t.Fatalf("ImportPayload failed: %v", err)
	}
	if n := stores.Users.Len(); n != 1 {
		t.Errorf("expected the user without id to be skipped, got %d users", n)
	}

	log := strings.Join([]string{
		`{"eventId": "e1", "type": "create", "objectType": "Message", "objectId": 2, "data": {"messageThreadId": 1, "userId": 1, "content": "second"}}`,
		`not json`,
		`{"eventId": "e2", "type": "reaction", "objectType": "Message", "objectId": 2, "data": {"reaction": "+1"}}`,
		`{"eventId": "e2", "type": "reaction", "objectType": "Message", "objectId": 2, "data": {"reaction": "+1"}}`,
		`{"eventId": "e3", "type": "delete", "objectType": "Message", "objectId": 1}`,
	}, "\n")
	n, err := transport.Replay(context.Background(), strings.NewReader(log), logger, func(ev store.Event) {
		_ = d.ApplyEvent(ev)
	})
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if n != 4 {
		t.Errorf("expected 4 events read, got %d", n)
	}

	state := snapshot(stores, []string{domain.TypeMessage})
	if len(state) != 1 {
		t.Fatalf("expected only messages in the snapshot, got %v", state)
	}
	messages := state[domain.TypeMessage]
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	msg, ok := stores.Message("2")
	if !ok {
		t.Fatal("expected message 2 to exist")
	}
	if got := msg.Reactions()["+1"]; got != 1 {
		t.Errorf("expected the duplicate reaction to be ignored, got %d", got)
	}
}

func TestImportIntoJournal(t *testing.T) {
	setupTestConfig(t)

	stores, d, err := newReplica(nil, nil)
	if err != nil {
		t.Fatalf("newReplica failed: %v", err)
	}
	defer stores.Close()

	payload, err := readStateString(t, testState)
	if err != nil {
		t.Fatalf("readState failed: %v", err)
	}
	if err := d.ImportPayload(payload); err != nil {
		t.Fatalf("ImportPayload failed: %v", err)
	}

	j, err := openJournal()
	if err != nil {
		t.Fatalf("openJournal failed: %v", err)
	}
	defer func() { _ = j.Close() }()

	n, err := j.Import(context.Background(), snapshot(stores, nil))
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 objects written, got %d", n)
	}
	stats, err := j.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Objects[domain.TypeMessage] != 1 {
		t.Errorf("expected 1 message in the journal, got %v", stats.Objects)
	}
}

func readStateString(t *testing.T, state string) (*dispatch.Payload, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.json")
	writeTestFile(t, path, []byte(state))
	return readState(path)
}
