package journal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/establishment/storesync/internal/dispatch"
	"github.com/establishment/storesync/internal/domain"
	"github.com/establishment/storesync/internal/store"
)

func setupTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "storesync.db"), Options{Reducers: domain.Reducers()})
	if err != nil {
		t.Fatalf("failed to open journal: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestCreateObject(t *testing.T) {
	j := setupTestJournal(t)
	ctx := context.Background()

	first, err := j.CreateObject(ctx, domain.TypeUser, store.Fields{"username": "ann"})
	if err != nil {
		t.Fatalf("CreateObject failed: %v", err)
	}
	second, err := j.CreateObject(ctx, domain.TypeUser, store.Fields{"username": "bo"})
	if err != nil {
		t.Fatalf("CreateObject failed: %v", err)
	}

	if first.Event.ObjectID != "1" || second.Event.ObjectID != "2" {
		t.Errorf("expected ids 1 and 2, got %s and %s", first.Event.ObjectID, second.Event.ObjectID)
	}
	if second.Seq <= first.Seq {
		t.Errorf("expected increasing seq, got %d then %d", first.Seq, second.Seq)
	}
	if first.Event.EventID == "" || first.Event.EventID == second.Event.EventID {
		t.Errorf("expected distinct event ids, got %q and %q", first.Event.EventID, second.Event.EventID)
	}
	if first.Event.Type != store.KindCreate {
		t.Errorf("expected create event, got %s", first.Event.Type)
	}
	if first.Event.Stream != domain.GlobalStream {
		t.Errorf("expected global stream, got %q", first.Event.Stream)
	}
}

func TestCreateObject_EchoesCorrelationField(t *testing.T) {
	j := setupTestJournal(t)
	ctx := context.Background()

	entry, err := j.CreateObject(ctx, domain.TypeMessage, store.Fields{
		"messageThreadId": float64(5),
		"content":         "hi",
		"virtualId":       "temp-3",
	})
	if err != nil {
		t.Fatalf("CreateObject failed: %v", err)
	}
	if entry.Event.Data["virtualId"] != "temp-3" {
		t.Errorf("expected virtualId on the event, got %v", entry.Event.Data["virtualId"])
	}
	if entry.Event.Stream != "messagethread-5" {
		t.Errorf("expected thread stream, got %q", entry.Event.Stream)
	}

	objects, err := j.Objects(ctx, domain.TypeMessage, []store.ID{entry.Event.ObjectID})
	if err != nil {
		t.Fatalf("Objects failed: %v", err)
	}
	if len(objects) != 1 {
		t.Fatalf("expected 1 object, got %d", len(objects))
	}
	if _, ok := objects[0]["virtualId"]; ok {
		t.Error("correlation field should not be stored")
	}
}

func TestCreateObject_ExplicitID(t *testing.T) {
	j := setupTestJournal(t)
	ctx := context.Background()

	if _, err := j.CreateObject(ctx, domain.TypeUser, store.Fields{"id": float64(10)}); err != nil {
		t.Fatalf("CreateObject failed: %v", err)
	}
	_, err := j.CreateObject(ctx, domain.TypeUser, store.Fields{"id": float64(10)})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}

	next, err := j.CreateObject(ctx, domain.TypeUser, store.Fields{})
	if err != nil {
		t.Fatalf("CreateObject failed: %v", err)
	}
	if next.Event.ObjectID != "11" {
		t.Errorf("expected allocation to continue after 10, got %s", next.Event.ObjectID)
	}
}

func TestUpdateAndDeleteObject(t *testing.T) {
	j := setupTestJournal(t)
	ctx := context.Background()

	created, _ := j.CreateObject(ctx, domain.TypeArticle, store.Fields{"name": "a", "content": "x"})
	id := created.Event.ObjectID

	updated, err := j.UpdateObject(ctx, domain.TypeArticle, id, store.Fields{"name": "b", "id": float64(99)})
	if err != nil {
		t.Fatalf("UpdateObject failed: %v", err)
	}
	if _, ok := updated.Event.Data["id"]; ok {
		t.Error("update event should not carry an id change")
	}

	objects, _ := j.Objects(ctx, domain.TypeArticle, []store.ID{id})
	if objects[0]["name"] != "b" || objects[0]["content"] != "x" {
		t.Errorf("unexpected merged object: %v", objects[0])
	}

	if _, err := j.DeleteObject(ctx, domain.TypeArticle, id); err != nil {
		t.Fatalf("DeleteObject failed: %v", err)
	}
	if _, err := j.DeleteObject(ctx, domain.TypeArticle, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := j.UpdateObject(ctx, domain.TypeArticle, "abc", store.Fields{}); !errors.Is(err, store.ErrMalformedEvent) {
		t.Errorf("expected ErrMalformedEvent for non-integer id, got %v", err)
	}
}

func TestApplyKind(t *testing.T) {
	j := setupTestJournal(t)
	ctx := context.Background()

	created, _ := j.CreateObject(ctx, domain.TypeArticle, store.Fields{"version": float64(1)})
	id := created.Event.ObjectID

	entry, err := j.ApplyKind(ctx, domain.TypeArticle, id, domain.KindEdit, store.Fields{"content": "new"})
	if err != nil {
		t.Fatalf("ApplyKind failed: %v", err)
	}
	if entry.Event.Type != domain.KindEdit || entry.Event.Data["content"] != "new" {
		t.Errorf("unexpected event: %+v", entry.Event)
	}
	objects, _ := j.Objects(ctx, domain.TypeArticle, []store.ID{id})
	if objects[0]["version"] != float64(2) {
		t.Errorf("expected version 2, got %v", objects[0]["version"])
	}

	if _, err := j.ApplyKind(ctx, domain.TypeArticle, id, "shout", nil); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("expected ErrUnknownKind, got %v", err)
	}
	if _, err := j.ApplyKind(ctx, domain.TypeArticle, id, store.KindUpdate, nil); !errors.Is(err, store.ErrMalformedEvent) {
		t.Errorf("expected ErrMalformedEvent for a reserved kind, got %v", err)
	}
	if _, err := j.ApplyKind(ctx, domain.TypeArticle, "404", domain.KindEdit, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAppend(t *testing.T) {
	j := setupTestJournal(t)
	ctx := context.Background()

	created, err := j.Append(ctx, store.Event{Type: store.KindCreate, ObjectType: domain.TypeUser, ObjectID: "7", Data: store.Fields{"username": "ann"}})
	if err != nil {
		t.Fatalf("Append create failed: %v", err)
	}
	if created.Event.ObjectID != "7" {
		t.Errorf("expected id 7, got %s", created.Event.ObjectID)
	}
	if _, err := j.Append(ctx, store.Event{Type: store.KindUpdate, ObjectType: domain.TypeUser, ObjectID: "7", Data: store.Fields{"username": "anne"}}); err != nil {
		t.Fatalf("Append update failed: %v", err)
	}
	if _, err := j.Append(ctx, store.Event{Type: store.KindUpdate, ObjectType: domain.TypeUser}); !errors.Is(err, store.ErrMalformedEvent) {
		t.Errorf("expected ErrMalformedEvent, got %v", err)
	}
	if _, err := j.Append(ctx, store.Event{Type: store.KindDelete, ObjectType: domain.TypeUser, ObjectID: "7"}); err != nil {
		t.Fatalf("Append delete failed: %v", err)
	}
	state, _ := j.State(ctx, domain.TypeUser)
	if len(state[domain.TypeUser]) != 0 {
		t.Errorf("expected no users, got %v", state[domain.TypeUser])
	}
}

func TestState(t *testing.T) {
	j := setupTestJournal(t)
	ctx := context.Background()

	_, _ = j.CreateObject(ctx, domain.TypeUser, store.Fields{"username": "ann"})
	_, _ = j.CreateObject(ctx, domain.TypeUser, store.Fields{"username": "bo"})
	_, _ = j.CreateObject(ctx, domain.TypeArticle, store.Fields{"name": "a"})

	all, err := j.State(ctx)
	if err != nil {
		t.Fatalf("State failed: %v", err)
	}
	if all.Count() != 3 {
		t.Errorf("expected 3 objects, got %d", all.Count())
	}

	some, err := j.State(ctx, domain.TypeUser, domain.TypeMessage)
	if err != nil {
		t.Fatalf("State failed: %v", err)
	}
	if len(some[domain.TypeUser]) != 2 {
		t.Errorf("expected 2 users, got %d", len(some[domain.TypeUser]))
	}
	if msgs, ok := some[domain.TypeMessage]; !ok || len(msgs) != 0 {
		t.Errorf("expected an empty message list, got %v (present=%v)", msgs, ok)
	}
	if _, ok := some[domain.TypeArticle]; ok {
		t.Error("articles were not requested")
	}
}

func TestImport(t *testing.T) {
	j := setupTestJournal(t)
	ctx := context.Background()

	n, err := j.Import(ctx, dispatch.State{
		domain.TypeUser: {{"id": float64(4), "username": "ann"}, {"id": float64(9)}},
	})
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 imported, got %d", n)
	}
	cursor, _ := j.Cursor(ctx)
	if cursor != 0 {
		t.Errorf("import should not journal events, cursor is %d", cursor)
	}
	next, _ := j.CreateObject(ctx, domain.TypeUser, store.Fields{})
	if next.Event.ObjectID != "10" {
		t.Errorf("expected id 10 after import, got %s", next.Event.ObjectID)
	}

	if _, err := j.Import(ctx, dispatch.State{domain.TypeUser: {{"username": "no id"}}}); !errors.Is(err, store.ErrMissingID) {
		t.Errorf("expected ErrMissingID, got %v", err)
	}
}

func TestObjects_SkipsUnknownIDs(t *testing.T) {
	j := setupTestJournal(t)
	ctx := context.Background()
	_, _ = j.CreateObject(ctx, domain.TypeUser, store.Fields{})

	objects, err := j.Objects(ctx, domain.TypeUser, []store.ID{"1", "2", "temp-1"})
	if err != nil {
		t.Fatalf("Objects failed: %v", err)
	}
	if len(objects) != 1 {
		t.Errorf("expected 1 object, got %d", len(objects))
	}

	objects, err = j.Objects(ctx, domain.TypeUser, []store.ID{"temp-1"})
	if err != nil || len(objects) != 0 {
		t.Errorf("expected no objects, got %v (%v)", objects, err)
	}
}

func TestEventsSince(t *testing.T) {
	j := setupTestJournal(t)
	ctx := context.Background()

	thread, _ := j.CreateObject(ctx, domain.TypeMessageThread, store.Fields{"name": "general"})
	_, _ = j.CreateObject(ctx, domain.TypeUser, store.Fields{})
	_, _ = j.CreateObject(ctx, domain.TypeMessage, store.Fields{"messageThreadId": float64(1), "content": "hi"})

	all, err := j.EventsSince(ctx, 0, "", 0)
	if err != nil {
		t.Fatalf("EventsSince failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}
	if all[2].Event.Data["content"] != "hi" {
		t.Errorf("expected decoded data, got %v", all[2].Event.Data)
	}

	threadEvents, _ := j.EventsSince(ctx, 0, thread.Event.Stream, 0)
	if len(threadEvents) != 2 {
		t.Errorf("expected 2 thread events, got %d", len(threadEvents))
	}

	after, _ := j.EventsSince(ctx, all[0].Seq, "", 1)
	if len(after) != 1 || after[0].Seq != all[1].Seq {
		t.Errorf("expected only the second event, got %+v", after)
	}
}

func TestStats(t *testing.T) {
	j := setupTestJournal(t)
	ctx := context.Background()

	_, _ = j.CreateObject(ctx, domain.TypeUser, store.Fields{})
	_, _ = j.CreateObject(ctx, domain.TypeUser, store.Fields{})
	last, _ := j.CreateObject(ctx, domain.TypeArticle, store.Fields{})

	stats, err := j.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Objects[domain.TypeUser] != 2 || stats.Objects[domain.TypeArticle] != 1 {
		t.Errorf("unexpected object counts: %v", stats.Objects)
	}
	if stats.Events != 3 || stats.Cursor != last.Seq {
		t.Errorf("expected 3 events ending at %d, got %d ending at %d", last.Seq, stats.Events, stats.Cursor)
	}
	if stats.LastEventAt.IsZero() {
		t.Error("expected the last event time to be set")
	}
}

func TestMemoryJournal(t *testing.T) {
	j, err := Open(":memory:", Options{})
	if err != nil {
		t.Fatalf("failed to open journal: %v", err)
	}
	defer j.Close()
	if _, err := j.CreateObject(context.Background(), domain.TypeUser, store.Fields{}); err != nil {
		t.Fatalf("CreateObject failed: %v", err)
	}
}

func TestIsTransientSQLiteErr(t *testing.T) {
	if !isTransientSQLiteErr(errors.New("database is locked (5) (SQLITE_BUSY)")) {
		t.Error("expected busy error to be transient")
	}
	if isTransientSQLiteErr(ErrNotFound) {
		t.Error("ErrNotFound is not transient")
	}
	calls := 0
	err := retryOp(retryConfig{maxRetries: 2, baseDelay: 1, maxDelay: 1}, func() error {
		calls++
		return errors.New("SQLITE_BUSY")
	})
	if err == nil || calls != 3 {
		t.Errorf("expected 3 attempts and an error, got %d attempts, err %v", calls, err)
	}
}
