package relay

import (
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/zhouzirui/z-relay/backend/internal/model/relay"
)

func newTestHub(t *testing.T, opts ...Option) (*Hub, *Store) {
	t.Helper()
	store := NewStore()
	return NewHub(store, NewRegistry(testLocator(t)), opts...), store
}

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if !ok {
			t.Fatalf("subscription %s closed", sub.SessionID())
		}
		return ev
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for event on %s", sub.SessionID())
	}
	return Event{}
}

func expectQuiet(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event on %s: %+v", sub.SessionID(), ev)
	default:
	}
}

func mustJoin(t *testing.T, h *Hub, id string, header http.Header, remote string) *Subscription {
	t.Helper()
	sub, err := h.Join(id, header, remote)
	if err != nil {
		t.Fatalf("Join(%s) err: %v", id, err)
	}
	return sub
}

func TestHubJoinReceivesBacklogThenBroadcasts(t *testing.T) {
	hub, _ := newTestHub(t)

	a := mustJoin(t, hub, "a", http.Header{"X-Forwarded-For": {"203.0.113.7"}}, "10.0.0.1:1000")
	if ev := recv(t, a); ev.Name != relay.EventLoadMessages || len(ev.Backlog) != 0 {
		t.Fatalf("expected empty backlog, got %+v", ev)
	}

	if _, err := hub.Submit("a", relay.Message{Type: relay.KindText, Text: "hi", From: relay.RoleUser, Username: "User1"}); err != nil {
		t.Fatalf("Submit err: %v", err)
	}
	echo := recv(t, a)
	if echo.Name != relay.EventNewMessage || echo.Message.Text != "hi" {
		t.Fatalf("sender did not get its own broadcast: %+v", echo)
	}

	b := mustJoin(t, hub, "b", nil, "192.0.2.50:2000")
	ev := recv(t, b)
	if ev.Name != relay.EventLoadMessages || len(ev.Backlog) != 1 {
		t.Fatalf("expected backlog of 1, got %+v", ev)
	}
	got := ev.Backlog[0]
	if got.Text != "hi" || got.From != relay.RoleUser {
		t.Fatalf("unexpected backlog message %+v", got)
	}
	if got.ServerInfo == nil || got.ServerInfo.IP != "203.0.113.7" {
		t.Fatalf("expected serverInfo.ip of A, got %+v", got.ServerInfo)
	}
	if got.ServerInfo.Geo == nil || got.ServerInfo.Geo.Country != "AU" {
		t.Fatalf("expected geo for A, got %+v", got.ServerInfo.Geo)
	}
	expectQuiet(t, b)

	file := relay.Message{
		ID:       1700000000000,
		Type:     relay.KindFile,
		From:     relay.RoleUser,
		Username: "User1",
		Text:     "a.png",
		FileName: "a.png",
		FileType: "image/png",
		FileSize: 3,
		FileData: "data:image/png;base64,AAAA",
		UserInfo: map[string]any{"browser": "Firefox 120.0"},
	}
	if _, err := hub.Submit("a", file); err != nil {
		t.Fatalf("Submit file err: %v", err)
	}

	for _, sub := range []*Subscription{a, b} {
		ev := recv(t, sub)
		msg := ev.Message
		if ev.Name != relay.EventNewMessage {
			t.Fatalf("expected new-message, got %s", ev.Name)
		}
		if msg.FileName != "a.png" || msg.FileData != file.FileData || msg.FileType != "image/png" || msg.FileSize != 3 {
			t.Fatalf("file fields changed: %+v", msg)
		}
		if msg.UserInfo["browser"] != "Firefox 120.0" {
			t.Fatalf("userInfo not passed through: %+v", msg.UserInfo)
		}
		if msg.DataMissing {
			t.Fatal("file with payload flagged as missing data")
		}
		if msg.ServerInfo == nil || msg.ServerInfo.IP != "203.0.113.7" {
			t.Fatalf("expected enrichment, got %+v", msg.ServerInfo)
		}
		expectQuiet(t, sub)
	}
}

func TestHubAdminMessagesNeverCarryServerInfo(t *testing.T) {
	hub, _ := newTestHub(t)
	admin := mustJoin(t, hub, "admin", http.Header{"X-Real-Ip": {"203.0.113.9"}}, "10.0.0.1:1")
	recv(t, admin)

	forged := &relay.ServerInfo{IP: "1.2.3.4"}
	stored, err := hub.Submit("admin", relay.Message{Type: relay.KindText, Text: "notice", From: relay.RoleAdmin, ServerInfo: forged})
	if err != nil {
		t.Fatalf("Submit err: %v", err)
	}
	if stored.ServerInfo != nil {
		t.Fatalf("admin message carries serverInfo: %+v", stored.ServerInfo)
	}
	if ev := recv(t, admin); ev.Message.ServerInfo != nil {
		t.Fatalf("broadcast admin message carries serverInfo: %+v", ev.Message.ServerInfo)
	}
}

func TestHubOverwritesClientServerInfo(t *testing.T) {
	hub, _ := newTestHub(t)
	user := mustJoin(t, hub, "u", nil, "192.0.2.8:1")
	recv(t, user)

	stored, err := hub.Submit("u", relay.Message{
		Type:       relay.KindText,
		Text:       "hi",
		From:       relay.RoleUser,
		ServerInfo: &relay.ServerInfo{IP: "1.2.3.4", Geo: &relay.Location{Country: "XX"}},
	})
	if err != nil {
		t.Fatalf("Submit err: %v", err)
	}
	if stored.ServerInfo == nil || stored.ServerInfo.IP != "192.0.2.8" || stored.ServerInfo.Geo != nil {
		t.Fatalf("client serverInfo was trusted: %+v", stored.ServerInfo)
	}
}

func TestHubUnknownSessionSubmitsWithoutMetadata(t *testing.T) {
	hub, store := newTestHub(t)
	other := mustJoin(t, hub, "other", nil, "192.0.2.8:1")
	recv(t, other)

	stored, err := hub.Submit("gone", relay.Message{Type: relay.KindText, Text: "late", From: relay.RoleUser})
	if err != nil {
		t.Fatalf("Submit err: %v", err)
	}
	if stored.ServerInfo != nil {
		t.Fatalf("expected absent serverInfo, got %+v", stored.ServerInfo)
	}
	if store.Len() != 1 {
		t.Fatalf("expected message to be stored, got %d", store.Len())
	}
	if ev := recv(t, other); ev.Message.Text != "late" {
		t.Fatalf("unexpected broadcast %+v", ev)
	}
}

func TestHubRejectsMalformedMessage(t *testing.T) {
	hub, store := newTestHub(t)
	a := mustJoin(t, hub, "a", nil, "192.0.2.1:1")
	b := mustJoin(t, hub, "b", nil, "192.0.2.2:1")
	recv(t, a)
	recv(t, b)

	_, err := hub.Submit("a", relay.Message{Type: relay.KindText, From: relay.RoleUser})
	if !errors.Is(err, ErrInvalidMessage) || !errors.Is(err, relay.ErrEmptyText) {
		t.Fatalf("expected ErrInvalidMessage wrapping ErrEmptyText, got %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("malformed message was stored")
	}
	expectQuiet(t, a)
	expectQuiet(t, b)
}

func TestHubFlagsFileWithoutPayload(t *testing.T) {
	hub, store := newTestHub(t)
	a := mustJoin(t, hub, "a", nil, "192.0.2.1:1")
	recv(t, a)

	stored, err := hub.Submit("a", relay.Message{Type: relay.KindFile, From: relay.RoleUser, FileName: "report.pdf"})
	if err != nil {
		t.Fatalf("Submit err: %v", err)
	}
	if !stored.DataMissing {
		t.Fatal("expected dataMissing flag")
	}
	if store.Len() != 1 {
		t.Fatal("file without payload should still be stored")
	}
	if ev := recv(t, a); !ev.Message.DataMissing {
		t.Fatal("broadcast copy missing dataMissing flag")
	}
}

func TestHubAssignsIncreasingIDsAndTimestamp(t *testing.T) {
	fixed := time.Date(2024, 5, 1, 12, 30, 45, 0, time.UTC)
	hub, _ := newTestHub(t, WithClock(func() time.Time { return fixed }))

	first, err := hub.Submit("x", relay.Message{Type: relay.KindText, Text: "1", From: relay.RoleAdmin})
	if err != nil {
		t.Fatalf("Submit err: %v", err)
	}
	second, _ := hub.Submit("x", relay.Message{Type: relay.KindText, Text: "2", From: relay.RoleAdmin})
	stale, _ := hub.Submit("x", relay.Message{ID: 5, Type: relay.KindText, Text: "3", From: relay.RoleAdmin})
	future, _ := hub.Submit("x", relay.Message{ID: 1 << 62, Type: relay.KindText, Text: "4", From: relay.RoleAdmin})
	client, _ := hub.Submit("x", relay.Message{ID: fixed.UnixMilli() + 1000, Type: relay.KindText, Text: "5", From: relay.RoleAdmin, Timestamp: "12:00:00"})

	if first.ID != fixed.UnixMilli() {
		t.Fatalf("expected clock-derived id, got %d", first.ID)
	}
	ids := []int64{first.ID, second.ID, stale.ID, future.ID}
	for i := 1; i < len(ids); i++ {
		if ids[i] != ids[i-1]+1 {
			t.Fatalf("ids not bumped: %v", ids)
		}
	}
	if client.ID != fixed.UnixMilli()+1000 {
		t.Fatalf("client id ahead of last should be kept, got %d", client.ID)
	}
	if first.Timestamp != "12:30:45" {
		t.Fatalf("unexpected server timestamp %q", first.Timestamp)
	}
	if client.Timestamp != "12:00:00" {
		t.Fatalf("client timestamp overwritten: %q", client.Timestamp)
	}
}

func TestHubLeaveClosesSubscription(t *testing.T) {
	hub, _ := newTestHub(t)
	a := mustJoin(t, hub, "a", nil, "192.0.2.1:1")
	b := mustJoin(t, hub, "b", nil, "192.0.2.2:1")
	recv(t, a)
	recv(t, b)

	hub.Leave("a")
	hub.Leave("a")
	if _, ok := <-a.Events(); ok {
		t.Fatal("expected closed subscription")
	}
	if a.Notify(Event{Name: relay.EventError}) {
		t.Fatal("Notify on closed subscription should fail")
	}

	if _, err := hub.Submit("b", relay.Message{Type: relay.KindText, Text: "still here", From: relay.RoleUser}); err != nil {
		t.Fatalf("Submit err: %v", err)
	}
	recv(t, b)

	stats := hub.Stats()
	if stats.Sessions != 1 || stats.Subscribers != 1 || stats.Messages != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestHubJoinDuplicateSession(t *testing.T) {
	hub, _ := newTestHub(t)
	mustJoin(t, hub, "a", nil, "192.0.2.1:1")
	if _, err := hub.Join("a", nil, "192.0.2.1:1"); !errors.Is(err, ErrSessionExists) {
		t.Fatalf("expected ErrSessionExists, got %v", err)
	}
}

func TestHubEvictsSlowSessionWithoutBlockingOthers(t *testing.T) {
	hub, _ := newTestHub(t, WithSendBuffer(1))

	slow := mustJoin(t, hub, "slow", nil, "192.0.2.1:1")
	fast := mustJoin(t, hub, "fast", nil, "192.0.2.2:1")
	recv(t, fast)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := hub.Submit("fast", relay.Message{Type: relay.KindText, Text: "go", From: relay.RoleUser}); err != nil {
			t.Errorf("Submit err: %v", err)
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a slow session")
	}

	if ev := recv(t, fast); ev.Message.Text != "go" {
		t.Fatalf("fast session missed broadcast: %+v", ev)
	}

	if ev := recv(t, slow); ev.Name != relay.EventLoadMessages {
		t.Fatalf("expected queued backlog first, got %+v", ev)
	}
	if _, ok := <-slow.Events(); ok {
		t.Fatal("slow session should have been evicted")
	}
	if got := hub.Stats().Subscribers; got != 1 {
		t.Fatalf("expected 1 subscriber after eviction, got %d", got)
	}
}

type recordingMirror struct {
	mu   sync.Mutex
	msgs []relay.Message
	err  error
}

func (m *recordingMirror) Publish(msg relay.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, msg)
	return m.err
}

func TestHubMirrorsStoredMessages(t *testing.T) {
	mirror := &recordingMirror{err: errors.New("nats down")}
	hub, store := newTestHub(t, WithMirror(mirror))
	mustJoin(t, hub, "a", nil, "203.0.113.5:1")

	if _, err := hub.Submit("a", relay.Message{Type: relay.KindText, Text: "hi", From: relay.RoleUser}); err != nil {
		t.Fatalf("mirror failure leaked into Submit: %v", err)
	}
	if _, err := hub.Submit("a", relay.Message{Type: relay.KindText, From: relay.RoleUser}); err == nil {
		t.Fatal("expected validation error")
	}

	mirror.mu.Lock()
	defer mirror.mu.Unlock()
	if len(mirror.msgs) != 1 || store.Len() != 1 {
		t.Fatalf("expected 1 mirrored message, got %d", len(mirror.msgs))
	}
	if mirror.msgs[0].ServerInfo == nil || mirror.msgs[0].ServerInfo.IP != "203.0.113.5" {
		t.Fatalf("mirror did not get the stored copy: %+v", mirror.msgs[0])
	}
}

// Every session that joins while messages are flowing must see each message
// exactly once: either in its backlog or as a broadcast.
func TestHubBacklogIsConsistentCutUnderConcurrency(t *testing.T) {
	hub, store := newTestHub(t, WithSendBuffer(4096))

	const senders, perSender, joiners = 4, 150, 16

	for s := 0; s < senders; s++ {
		mustJoin(t, hub, senderID(s), nil, "192.0.2.1:1")
	}

	var wg sync.WaitGroup
	for s := 0; s < senders; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				if _, err := hub.Submit(senderID(s), relay.Message{Type: relay.KindText, Text: "m", From: relay.RoleUser}); err != nil {
					t.Errorf("Submit err: %v", err)
					return
				}
			}
		}(s)
	}

	subs := make([]*Subscription, joiners)
	var jwg sync.WaitGroup
	for j := 0; j < joiners; j++ {
		jwg.Add(1)
		go func(j int) {
			defer jwg.Done()
			time.Sleep(time.Duration(j) * 200 * time.Microsecond)
			sub, err := hub.Join(joinerID(j), nil, "192.0.2.2:1")
			if err != nil {
				t.Errorf("Join err: %v", err)
				return
			}
			subs[j] = sub
		}(j)
	}

	wg.Wait()
	jwg.Wait()

	all := store.Snapshot()
	if len(all) != senders*perSender {
		t.Fatalf("expected %d stored, got %d", senders*perSender, len(all))
	}

	for _, sub := range subs {
		if sub == nil {
			continue
		}
		var seen []int64
		first := true
	drain:
		for {
			select {
			case ev := <-sub.Events():
				if first {
					if ev.Name != relay.EventLoadMessages {
						t.Fatalf("first event for %s was %s", sub.SessionID(), ev.Name)
					}
					for _, m := range ev.Backlog {
						seen = append(seen, m.ID)
					}
					first = false
					continue
				}
				seen = append(seen, ev.Message.ID)
			default:
				break drain
			}
		}

		if len(seen) != len(all) {
			t.Fatalf("%s saw %d messages, store has %d", sub.SessionID(), len(seen), len(all))
		}
		for i, msg := range all {
			if seen[i] != msg.ID {
				t.Fatalf("%s diverges from store at %d: %d != %d", sub.SessionID(), i, seen[i], msg.ID)
			}
		}
	}
}

func senderID(i int) string { return "sender-" + string(rune('a'+i)) }
func joinerID(i int) string { return "joiner-" + string(rune('a'+i)) }
