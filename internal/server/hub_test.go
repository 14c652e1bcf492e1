package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"chatrelay/internal/identity"
	"chatrelay/internal/store"
)

type fakeMessageLog struct {
	mu       sync.Mutex
	appended []store.Message
	fail     bool
}

func (f *fakeMessageLog) Append(_ context.Context, sender, recipient, text, attachmentRef string) (store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return store.Message{}, errors.New("log unavailable")
	}
	msg := store.Message{
		ID:            fmt.Sprintf("srv-%d", len(f.appended)+1),
		Sender:        sender,
		Recipient:     recipient,
		Text:          text,
		AttachmentRef: attachmentRef,
		CreatedAt:     time.Now().UTC(),
	}
	f.appended = append(f.appended, msg)
	return msg, nil
}

func (f *fakeMessageLog) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.appended)
}

type fakeAttachments struct {
	mu     sync.Mutex
	stored map[string][]byte
	fail   bool
}

func (f *fakeAttachments) Store(name string, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", errors.New("disk full")
	}
	if f.stored == nil {
		f.stored = make(map[string][]byte)
	}
	f.stored[name] = data
	return name, nil
}

func startTestHub(t *testing.T) (*Hub, *fakeMessageLog, *fakeAttachments) {
	t.Helper()
	messages := &fakeMessageLog{}
	attachments := &fakeAttachments{}
	hub := NewHub(messages, attachments)
	go hub.Run()
	t.Cleanup(func() {
		if err := hub.Shutdown(time.Second); err != nil {
			t.Errorf("Hub shutdown: %v", err)
		}
	})
	return hub, messages, attachments
}

func connect(t *testing.T, hub *Hub, id identity.Identity, addr string) *Client {
	t.Helper()
	client := NewClient(nil, hub, addr, id)
	hub.register <- client
	return client
}

func readFrame(t *testing.T, client *Client) []byte {
	t.Helper()
	select {
	case payload := <-client.GetSendChan():
		return payload
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for a frame")
		return nil
	}
}

func readRoster(t *testing.T, client *Client) []RosterEntry {
	t.Helper()
	var frame RosterFrame
	if err := json.Unmarshal(readFrame(t, client), &frame); err != nil {
		t.Fatalf("Frame is not a roster frame: %v", err)
	}
	return frame.Online
}

func readMessage(t *testing.T, client *Client) store.Message {
	t.Helper()
	var msg store.Message
	if err := json.Unmarshal(readFrame(t, client), &msg); err != nil {
		t.Fatalf("Frame is not a message frame: %v", err)
	}
	return msg
}

func expectNoFrame(t *testing.T, client *Client) {
	t.Helper()
	select {
	case payload := <-client.GetSendChan():
		t.Fatalf("Expected no frame, got %s", payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRosterBroadcastOnConnectAndDisconnect(t *testing.T) {
	hub, _, _ := startTestHub(t)

	aliceConn := connect(t, hub, alice, "127.0.0.1:1")
	if roster := readRoster(t, aliceConn); len(roster) != 1 || roster[0].UserID != "u1" {
		t.Fatalf("Alice's initial roster: %+v", roster)
	}

	bobConn := connect(t, hub, bob, "127.0.0.1:2")
	for _, conn := range []*Client{aliceConn, bobConn} {
		roster := readRoster(t, conn)
		if len(roster) != 2 {
			t.Fatalf("Roster after bob connects: %+v", roster)
		}
	}

	hub.unregister <- aliceConn
	if roster := readRoster(t, bobConn); len(roster) != 1 || roster[0].UserID != "u2" {
		t.Fatalf("Bob's roster after alice leaves: %+v", roster)
	}
}

func TestSecondaryConnectionGetsPrivateRoster(t *testing.T) {
	hub, _, _ := startTestHub(t)

	first := connect(t, hub, alice, "127.0.0.1:1")
	readRoster(t, first)
	bobConn := connect(t, hub, bob, "127.0.0.1:2")
	readRoster(t, first)
	readRoster(t, bobConn)

	// A second device of an already-online identity must not churn everyone.
	second := connect(t, hub, alice, "127.0.0.1:3")
	if roster := readRoster(t, second); len(roster) != 2 {
		t.Fatalf("Secondary connection's private roster: %+v", roster)
	}
	expectNoFrame(t, first)
	expectNoFrame(t, bobConn)

	// Closing one of alice's two connections changes nothing either.
	hub.unregister <- second
	expectNoFrame(t, first)
	expectNoFrame(t, bobConn)
}

func TestDeliveryReachesRecipientAndSenderOnly(t *testing.T) {
	hub, _, _ := startTestHub(t)
	clara := identity.Identity{UserID: "u3", DisplayName: "clara"}

	aliceConn := connect(t, hub, alice, "127.0.0.1:1")
	bobConn := connect(t, hub, bob, "127.0.0.1:2")
	claraConn := connect(t, hub, clara, "127.0.0.1:3")
	readRoster(t, aliceConn)
	readRoster(t, aliceConn)
	readRoster(t, aliceConn)
	readRoster(t, bobConn)
	readRoster(t, bobConn)
	readRoster(t, claraConn)

	if !bobConn.handleFrame([]byte(`{"recipient":"u1","text":"hi"}`)) {
		t.Fatal("handleFrame rejected a valid frame")
	}

	got := readMessage(t, aliceConn)
	if got.Text != "hi" || got.Sender != "u2" || got.Recipient != "u1" {
		t.Fatalf("Alice received wrong message: %+v", got)
	}
	if got.ID == "" || got.CreatedAt.IsZero() {
		t.Fatal("Delivered message is missing the server-assigned id or timestamp")
	}

	echo := readMessage(t, bobConn)
	if echo.ID != got.ID {
		t.Fatalf("Sender echo id %q differs from recipient copy %q", echo.ID, got.ID)
	}

	expectNoFrame(t, claraConn)
}

func TestOfflineRecipientStillEchoesToSender(t *testing.T) {
	hub, messages, _ := startTestHub(t)

	bobConn := connect(t, hub, bob, "127.0.0.1:1")
	readRoster(t, bobConn)

	if !bobConn.handleFrame([]byte(`{"recipient":"u1","text":"anyone home?"}`)) {
		t.Fatal("handleFrame rejected a valid frame")
	}

	echo := readMessage(t, bobConn)
	if echo.Recipient != "u1" {
		t.Fatalf("Echo has wrong recipient: %+v", echo)
	}
	if messages.count() != 1 {
		t.Fatalf("Expected 1 persisted message, got %d", messages.count())
	}
}

func TestNoFanOutWhenAppendFails(t *testing.T) {
	hub, messages, _ := startTestHub(t)
	messages.fail = true

	aliceConn := connect(t, hub, alice, "127.0.0.1:1")
	bobConn := connect(t, hub, bob, "127.0.0.1:2")
	readRoster(t, aliceConn)
	readRoster(t, aliceConn)
	readRoster(t, bobConn)

	if bobConn.handleFrame([]byte(`{"recipient":"u1","text":"hi"}`)) {
		t.Fatal("handleFrame must report failure when the append fails")
	}
	expectNoFrame(t, aliceConn)
	expectNoFrame(t, bobConn)
}

func TestMalformedFramesAreDropped(t *testing.T) {
	hub, messages, _ := startTestHub(t)

	bobConn := connect(t, hub, bob, "127.0.0.1:1")
	readRoster(t, bobConn)

	for _, raw := range []string{"not json", `{"text":"no recipient"}`, `{"recipient":"u1"}`} {
		if bobConn.handleFrame([]byte(raw)) {
			t.Errorf("Frame %q should have been dropped", raw)
		}
	}
	if messages.count() != 0 {
		t.Fatalf("Dropped frames must not be persisted, got %d", messages.count())
	}
	expectNoFrame(t, bobConn)
}

func TestAttachmentFailureStillDeliversText(t *testing.T) {
	hub, messages, attachments := startTestHub(t)
	attachments.fail = true

	bobConn := connect(t, hub, bob, "127.0.0.1:1")
	readRoster(t, bobConn)

	frame := `{"recipient":"u1","text":"look","file":{"name":"a.png","data":"data:image/png;base64,aGVsbG8="}}`
	if !bobConn.handleFrame([]byte(frame)) {
		t.Fatal("Text must survive an attachment store failure")
	}

	echo := readMessage(t, bobConn)
	if echo.Text != "look" || echo.AttachmentRef != "" {
		t.Fatalf("Expected text-only delivery, got %+v", echo)
	}
	if messages.count() != 1 {
		t.Fatalf("Expected 1 persisted message, got %d", messages.count())
	}
}

func TestAttachmentIsStoredAndReferenced(t *testing.T) {
	hub, _, attachments := startTestHub(t)

	bobConn := connect(t, hub, bob, "127.0.0.1:1")
	readRoster(t, bobConn)

	frame := `{"recipient":"u1","file":{"name":"a.png","data":"data:image/png;base64,aGVsbG8="}}`
	if !bobConn.handleFrame([]byte(frame)) {
		t.Fatal("handleFrame rejected an attachment-only frame")
	}

	echo := readMessage(t, bobConn)
	if echo.AttachmentRef == "" {
		t.Fatal("Delivered message is missing the attachment reference")
	}
	if string(attachments.stored[echo.AttachmentRef]) != "hello" {
		t.Fatalf("Stored blob mismatch for %q", echo.AttachmentRef)
	}
}

func TestDoubleUnregisterIsHarmless(t *testing.T) {
	hub, _, _ := startTestHub(t)

	aliceConn := connect(t, hub, alice, "127.0.0.1:1")
	bobConn := connect(t, hub, bob, "127.0.0.1:2")
	readRoster(t, aliceConn)
	readRoster(t, aliceConn)
	readRoster(t, bobConn)

	hub.unregister <- aliceConn
	hub.unregister <- aliceConn

	// Exactly one roster change reaches bob.
	if roster := readRoster(t, bobConn); len(roster) != 1 {
		t.Fatalf("Bob's roster after alice leaves: %+v", roster)
	}
	expectNoFrame(t, bobConn)

	if hub.presence.Len() != 1 {
		t.Fatalf("Presence table corrupted: %d connections", hub.presence.Len())
	}
}
