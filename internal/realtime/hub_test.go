package realtime

import (
	"encoding/json"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestClient(sessionID uuid.UUID, id string) *Client {
	return &Client{
		ID:        id,
		SessionID: sessionID,
		send:      make(chan WSMessage, 4),
	}
}

func TestPublishReachesRoomMembers(t *testing.T) {
	hub := NewHub(nil, nil, nil)
	sessionID := uuid.New()
	other := uuid.New()

	viewer := newTestClient(sessionID, "viewer")
	bystander := newTestClient(other, "bystander")
	hub.Register(viewer)
	hub.Register(bystander)

	hub.Publish(sessionID, "transcript_segment", map[string]string{"text": "hello"})

	select {
	case msg := <-viewer.send:
		if msg.Event != "transcript_segment" {
			t.Errorf("event = %q, want transcript_segment", msg.Event)
		}
		var payload map[string]string
		if err := json.Unmarshal(msg.Data, &payload); err != nil || payload["text"] != "hello" {
			t.Errorf("payload = %s (%v)", msg.Data, err)
		}
	case <-time.After(time.Second):
		t.Fatal("room member never received the event")
	}

	select {
	case msg := <-bystander.send:
		t.Fatalf("other room received %q", msg.Event)
	default:
	}

	if n := hub.ViewerCount(sessionID); n != 1 {
		t.Errorf("viewer count = %d, want 1", n)
	}
	hub.Unregister(viewer)
	if n := hub.ViewerCount(sessionID); n != 0 {
		t.Errorf("viewer count after unregister = %d, want 0", n)
	}
}

func TestPublishSkipsFullBuffers(t *testing.T) {
	hub := NewHub(nil, nil, nil)
	sessionID := uuid.New()

	stalled := &Client{ID: "stalled", SessionID: sessionID, send: make(chan WSMessage)}
	hub.Register(stalled)

	done := make(chan struct{})
	go func() {
		hub.Publish(sessionID, "transcript_segment", map[string]string{"text": "dropped"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a stalled client")
	}
}

func TestConcurrentRegisterAndPublish(t *testing.T) {
	hub := NewHub(nil, nil, nil)
	sessionID := uuid.New()

	const rounds = 2000
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			c := newTestClient(sessionID, strconv.Itoa(i))
			hub.Register(c)
			if i%2 == 0 {
				hub.Unregister(c)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			hub.Publish(sessionID, "transcript_segment", map[string]int{"seq": i})
		}
	}()
	wg.Wait()
}
