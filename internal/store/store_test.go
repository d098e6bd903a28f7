package store

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func remote(room string, msgID, uuid int64, text string) *Message {
	return &Message{RoomID: room, SenderID: "bob", MsgID: msgID, UUID: uuid, Content: Text{Text: text}, State: Success}
}

func TestMigrateAppliesOnFreshDB(t *testing.T) {
	db := testDB(t)

	// testDB already migrated; a second run must be a no-op.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 || result.From != 2 {
		t.Errorf("version = %d from %d, want 2 (messages + kv)", result.Version, result.From)
	}
}

func TestMigrateFromScratch(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "fresh.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	v, err := db.SchemaVersion()
	if err != nil {
		t.Fatal(err)
	}
	if v != 0 {
		t.Errorf("fresh schema version = %d, want 0", v)
	}

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if !result.Changed || result.From != 0 || result.Version != 2 {
		t.Errorf("result = %+v", result)
	}
	if v, _ := db.SchemaVersion(); v != 2 {
		t.Errorf("schema version after migrate = %d, want 2", v)
	}
}

func TestInsertIdempotent(t *testing.T) {
	db := testDB(t)

	m := remote("r1", 1, 10, "hello")
	id1, created, err := db.Insert(m)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Error("first insert should create")
	}

	id2, created, err := db.Insert(remote("r1", 1, 10, "hello again"))
	if err != nil {
		t.Fatalf("duplicate insert should not error: %v", err)
	}
	if created {
		t.Error("duplicate insert should not create")
	}
	if id1 != id2 {
		t.Errorf("id = %d, want %d", id2, id1)
	}

	n, err := db.CountMessages("r1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("got %d rows, want 1", n)
	}
}

func TestInsertOutgoingAllocatesMsgID(t *testing.T) {
	db := testDB(t)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m := &Message{RoomID: "r1", SenderID: "me", Content: Text{Text: "x"}}
			if err := db.InsertOutgoing(m); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	pending, err := db.PendingSends("r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 8 {
		t.Fatalf("got %d pending, want 8", len(pending))
	}
	for i, m := range pending {
		if m.MsgID != int64(i+1) {
			t.Errorf("pending[%d].MsgID = %d, want %d", i, m.MsgID, i+1)
		}
		if m.State != Sending || !m.IsSender || m.UUID != 0 {
			t.Errorf("pending[%d] = %+v, want local SENDING row", i, m)
		}
	}
}

func TestOutgoingLifecycle(t *testing.T) {
	db := testDB(t)

	m := &Message{RoomID: "r1", SenderID: "me", Content: Text{Text: "hi"}}
	if err := db.InsertOutgoing(m); err != nil {
		t.Fatal(err)
	}

	ok, err := db.PatchAckedIdentity(m.ID, 42)
	if err != nil || !ok {
		t.Fatalf("patch = %v, %v", ok, err)
	}
	// Second patch is idempotent and keeps SUCCESS.
	if ok, err := db.PatchAckedIdentity(m.ID, 42); err != nil || !ok {
		t.Fatalf("second patch = %v, %v", ok, err)
	}

	// A late failure must not regress a confirmed message.
	if ok, err := db.MarkFailed("r1", m.MsgID); err != nil || ok {
		t.Errorf("mark failed after success = %v, %v, want false", ok, err)
	}

	got, err := db.Get(m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != Success || got.UUID != 42 {
		t.Errorf("got state %v uuid %d, want SUCCESS 42", got.State, got.UUID)
	}

	if ok, err := db.MarkRecalled("r1", 42); err != nil || !ok {
		t.Fatalf("recall = %v, %v", ok, err)
	}
	if ok, err := db.MarkRecalled("r1", 42); err != nil || ok {
		t.Errorf("second recall = %v, %v, want no-op", ok, err)
	}
	// RECALLED is terminal for patching too.
	if ok, err := db.PatchAckedIdentity(m.ID, 43); err != nil || ok {
		t.Errorf("patch after recall = %v, %v, want no-op", ok, err)
	}
}

func TestFailedAndRetry(t *testing.T) {
	db := testDB(t)

	m := &Message{RoomID: "r1", SenderID: "me", Content: Text{Text: "hi"}}
	if err := db.InsertOutgoing(m); err != nil {
		t.Fatal(err)
	}
	if ok, err := db.MarkFailed("r1", m.MsgID); err != nil || !ok {
		t.Fatalf("mark failed = %v, %v", ok, err)
	}
	// FAILED is not recallable or patchable.
	if ok, _ := db.PatchAckedIdentity(m.ID, 7); ok {
		t.Error("patch on FAILED row should be a no-op")
	}
	if ok, err := db.MarkRetrying("r1", m.MsgID); err != nil || !ok {
		t.Fatalf("retry = %v, %v", ok, err)
	}
	got, _ := db.GetByMsgID("r1", "me", m.MsgID)
	if got == nil || got.State != Sending {
		t.Fatalf("got %+v, want SENDING after retry", got)
	}
	if ok, _ := db.MarkRetrying("r1", m.MsgID); ok {
		t.Error("retry on SENDING row should be a no-op")
	}
}

func TestConcurrentPatchAndRecall(t *testing.T) {
	db := testDB(t)

	for i := range 20 {
		m := &Message{RoomID: "r1", SenderID: "me", Content: Text{Text: "x"}}
		if err := db.InsertOutgoing(m); err != nil {
			t.Fatal(err)
		}
		uuid := int64(100 + i)

		var wg sync.WaitGroup
		wg.Add(3)
		go func() { defer wg.Done(); _, _ = db.PatchAckedIdentity(m.ID, uuid) }()
		go func() { defer wg.Done(); _, _ = db.MarkRecalled("r1", uuid) }()
		go func() { defer wg.Done(); _, _ = db.MarkFailed("r1", m.MsgID) }()
		wg.Wait()

		got, err := db.Get(m.ID)
		if err != nil {
			t.Fatal(err)
		}
		switch got.State {
		case Success, Recalled:
			if got.UUID != uuid {
				t.Errorf("state %v with uuid %d, want %d", got.State, got.UUID, uuid)
			}
		case Failed:
			if got.UUID != 0 {
				t.Errorf("FAILED row has uuid %d", got.UUID)
			}
		default:
			t.Errorf("unexpected state %v", got.State)
		}
	}
}

func TestApplyBatchConfirmsEcho(t *testing.T) {
	db := testDB(t)

	m := &Message{RoomID: "r1", SenderID: "me", Content: Text{Text: "hi"}}
	if err := db.InsertOutgoing(m); err != nil {
		t.Fatal(err)
	}
	echo := &Message{RoomID: "r1", SenderID: "me", MsgID: m.MsgID, UUID: 5, Content: Text{Text: "hi"}, State: Success, IsSender: true}
	results, err := db.ApplyBatch([]*Message{echo, remote("r1", 1, 6, "yo")})
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Created || !results[0].Changed || results[0].ID != m.ID {
		t.Errorf("echo result = %+v, want changed existing row %d", results[0], m.ID)
	}
	if !results[1].Created {
		t.Errorf("remote result = %+v, want created", results[1])
	}

	got, _ := db.Get(m.ID)
	if got.State != Success || got.UUID != 5 {
		t.Errorf("got %v/%d, want SUCCESS/5", got.State, got.UUID)
	}

	// A recalled server copy recalls the local row.
	recalled := remote("r1", 1, 6, "yo")
	recalled.State = Recalled
	results, err = db.ApplyBatch([]*Message{recalled})
	if err != nil {
		t.Fatal(err)
	}
	if !results[0].Changed {
		t.Error("recalled copy should change the row")
	}
	got, _ = db.QueryByUUID("r1", 6)
	if got.State != Recalled {
		t.Errorf("state = %v, want RECALLED", got.State)
	}
}

func TestPage(t *testing.T) {
	db := testDB(t)

	for i := int64(1); i <= 10; i++ {
		if _, _, err := db.Insert(remote("r1", i, i*10, "m")); err != nil {
			t.Fatal(err)
		}
	}
	pending := &Message{RoomID: "r1", SenderID: "me", Content: Text{Text: "pending"}}
	if err := db.InsertOutgoing(pending); err != nil {
		t.Fatal(err)
	}

	uuids := func(msgs []*Message) []int64 {
		out := make([]int64, len(msgs))
		for i, m := range msgs {
			out[i] = m.UUID
		}
		return out
	}

	tests := []struct {
		name   string
		dir    Direction
		limit  int
		anchor int64
		want   []int64
	}{
		{"latest", Before, 3, 0, []int64{0, 100, 90}},
		{"before", Before, 3, 50, []int64{40, 30, 20}},
		{"before start", Before, 3, 10, []int64{}},
		{"after", After, 3, 50, []int64{60, 70, 80}},
		{"after end", After, 3, 100, []int64{}},
		{"after short", After, 5, 80, []int64{90, 100}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs, err := db.Page("r1", tt.dir, tt.limit, tt.anchor)
			if err != nil {
				t.Fatal(err)
			}
			got := uuids(msgs)
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("got %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestQuoteResolution(t *testing.T) {
	db := testDB(t)

	base := remote("r1", 1, 1, "base")
	first := remote("r1", 2, 2, "quotes base")
	first.Quote = QuoteOf(1)
	second := remote("r1", 3, 3, "quotes first")
	second.Quote = QuoteOf(2)
	self := remote("r1", 4, 4, "quotes itself")
	self.Quote = QuoteOf(4)
	dangling := remote("r1", 5, 5, "quotes nothing")
	dangling.Quote = QuoteOf(999)

	for _, m := range []*Message{base, first, second, self, dangling} {
		if _, _, err := db.Insert(m); err != nil {
			t.Fatal(err)
		}
	}

	got, err := db.QueryByUUID("r1", 3)
	if err != nil {
		t.Fatal(err)
	}
	if got.Quote == nil || got.Quote.Status != QuoteFound {
		t.Fatalf("quote = %+v, want found", got.Quote)
	}
	if got.Quote.Message.UUID != 2 {
		t.Errorf("quoted uuid = %d, want 2", got.Quote.Message.UUID)
	}
	// Depth is capped at one level.
	inner := got.Quote.Message.Quote
	if inner == nil || inner.Status != QuoteUnresolved || inner.Message != nil {
		t.Errorf("inner quote = %+v, want unresolved reference", inner)
	}

	got, _ = db.QueryByUUID("r1", 4)
	if got.Quote.Status != QuoteAbsent {
		t.Errorf("self quote status = %v, want absent", got.Quote.Status)
	}
	got, _ = db.QueryByUUID("r1", 5)
	if got.Quote.Status != QuoteAbsent {
		t.Errorf("dangling quote status = %v, want absent", got.Quote.Status)
	}

	missing, err := db.QueryByUUID("r1", 12345)
	if err != nil || missing != nil {
		t.Errorf("missing = %v, %v, want nil, nil", missing, err)
	}
}

func TestLatestReceivedUUID(t *testing.T) {
	db := testDB(t)

	if _, ok, err := db.LatestReceivedUUID("r1"); err != nil || ok {
		t.Fatalf("empty room = %v, %v, want absent", ok, err)
	}

	if _, _, err := db.Insert(remote("r1", 1, 7, "a")); err != nil {
		t.Fatal(err)
	}
	mine := &Message{RoomID: "r1", SenderID: "me", Content: Text{Text: "b"}}
	if err := db.InsertOutgoing(mine); err != nil {
		t.Fatal(err)
	}
	if _, err := db.PatchAckedIdentity(mine.ID, 8); err != nil {
		t.Fatal(err)
	}

	uuid, ok, err := db.LatestReceivedUUID("r1")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || uuid != 7 {
		t.Errorf("watermark = %d (%v), want 7; local-origin rows are excluded", uuid, ok)
	}
}

func TestContentRoundTrip(t *testing.T) {
	db := testDB(t)

	contents := []Content{
		Text{Text: "hello"},
		Image{Thumbnail: "t.jpg", URL: "i.jpg"},
		Video{Thumbnail: "t.jpg", URL: "v.mp4"},
		Audio{URL: "a.m4a", Duration: 3.5},
	}
	for i, c := range contents {
		m := remote("r1", int64(i+1), int64(i+1), "")
		m.Content = c
		if _, _, err := db.Insert(m); err != nil {
			t.Fatal(err)
		}
		got, err := db.QueryByUUID("r1", int64(i+1))
		if err != nil {
			t.Fatal(err)
		}
		if got.Content != c {
			t.Errorf("content = %#v, want %#v", got.Content, c)
		}
		if got.Type() != c.Type() {
			t.Errorf("type = %v, want %v", got.Type(), c.Type())
		}
	}

	images, err := db.MediaMessages("r1", TypeImage)
	if err != nil {
		t.Fatal(err)
	}
	if len(images) != 1 || images[0].UUID != 2 {
		t.Errorf("images = %v, want uuid 2", images)
	}
}

func TestDecodeContentPlainString(t *testing.T) {
	c, err := DecodeContent(TypeText, []byte(`"legacy"`))
	if err != nil {
		t.Fatal(err)
	}
	if c != (Text{Text: "legacy"}) {
		t.Errorf("got %#v", c)
	}
	if _, err := DecodeContent(MessageType(9), []byte(`{}`)); err == nil {
		t.Error("unknown type should fail")
	}
}

func TestUpdateContent(t *testing.T) {
	db := testDB(t)

	m := remote("r1", 1, 3, "")
	m.Content = Image{Thumbnail: "file:///local.jpg", URL: "file:///local.jpg"}
	if _, _, err := db.Insert(m); err != nil {
		t.Fatal(err)
	}
	want := Image{Thumbnail: "https://cdn/t.jpg", URL: "https://cdn/i.jpg"}
	if ok, err := db.UpdateContent("r1", 3, want); err != nil || !ok {
		t.Fatalf("update = %v, %v", ok, err)
	}
	got, _ := db.QueryByUUID("r1", 3)
	if got.Content != want {
		t.Errorf("content = %#v, want %#v", got.Content, want)
	}
}

func TestDelete(t *testing.T) {
	db := testDB(t)

	a := remote("r1", 1, 1, "a")
	if _, _, err := db.Insert(a); err != nil {
		t.Fatal(err)
	}
	if _, _, err := db.Insert(remote("r1", 2, 2, "b")); err != nil {
		t.Fatal(err)
	}
	if ok, err := db.Delete(a.ID); err != nil || !ok {
		t.Fatalf("delete = %v, %v", ok, err)
	}
	if ok, err := db.DeleteByUUID("r1", 2); err != nil || !ok {
		t.Fatalf("delete by uuid = %v, %v", ok, err)
	}
	n, _ := db.CountMessages("r1")
	if n != 0 {
		t.Errorf("got %d rows, want 0", n)
	}
}

func TestAvatarCache(t *testing.T) {
	db := testDB(t)

	if err := db.Avatars().Set("bob", "https://cdn/bob.png"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := db.Insert(remote("r1", 1, 1, "hi")); err != nil {
		t.Fatal(err)
	}
	got, _ := db.QueryByUUID("r1", 1)
	if got.Avatar != "https://cdn/bob.png" {
		t.Errorf("avatar = %q", got.Avatar)
	}

	// Survives the in-memory entry being dropped.
	db.Avatars().Forget("bob")
	v, err := db.Avatars().Get("bob")
	if err != nil {
		t.Fatal(err)
	}
	if v != "https://cdn/bob.png" {
		t.Errorf("avatar after forget = %q", v)
	}
}

func TestStorageErrorOnClosedDB(t *testing.T) {
	db := testDB(t)
	_ = db.Close()

	_, _, err := db.Insert(remote("r1", 1, 1, "x"))
	var se *StorageError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StorageError", err)
	}
}

func TestUUIDRange(t *testing.T) {
	db := testDB(t)

	lo, hi, err := db.UUIDRange("r1")
	if err != nil || lo != 0 || hi != 0 {
		t.Fatalf("empty range = %d..%d, %v", lo, hi, err)
	}
	for i, uuid := range []int64{30, 10, 20} {
		if _, _, err := db.Insert(remote("r1", int64(i+1), uuid, "x")); err != nil {
			t.Fatal(err)
		}
	}
	pending := &Message{RoomID: "r1", SenderID: "me", Content: Text{Text: "p"}}
	if err := db.InsertOutgoing(pending); err != nil {
		t.Fatal(err)
	}
	lo, hi, _ = db.UUIDRange("r1")
	if lo != 10 || hi != 30 {
		t.Errorf("range = %d..%d, want 10..30", lo, hi)
	}
}
