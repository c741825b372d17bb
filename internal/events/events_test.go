package events

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestEvent_JSONShape(t *testing.T) {
	total := int64(100)
	pct := 50.0
	e := New(DownloadProgress{
		Target:     Target{ModelID: 1, VersionID: 2, Filename: "a.bin"},
		Downloaded: 50,
		Total:      &total,
		Percent:    &pct,
	})
	if e.Kind != KindDownloadProgress {
		t.Fatalf("Kind = %q, want %q", e.Kind, KindDownloadProgress)
	}

	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var decoded struct {
		Event string         `json:"event"`
		Data  map[string]any `json:"data"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded.Event != "download_progress" {
		t.Errorf("event = %q", decoded.Event)
	}
	if decoded.Data["filename"] != "a.bin" || decoded.Data["progress"] != 50.0 || decoded.Data["downloaded"] != 50.0 {
		t.Errorf("unexpected data: %v", decoded.Data)
	}
}

func TestEvent_UnknownLengthIsNull(t *testing.T) {
	data, err := json.Marshal(New(DownloadProgress{Downloaded: 10}))
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var decoded struct {
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if v, ok := decoded.Data["progress"]; !ok || v != nil {
		t.Errorf("progress = %v (present=%v), want null", v, ok)
	}
	if v, ok := decoded.Data["total"]; !ok || v != nil {
		t.Errorf("total = %v (present=%v), want null", v, ok)
	}
}

func TestEmit_NilSink(t *testing.T) {
	Emit(nil, QueueEmpty{})
}

func TestDispatcher_DeliversInOrder(t *testing.T) {
	rec := &Recorder{}
	d := NewDispatcher(16, rec)

	d.Publish(New(DaemonStarted{}))
	d.Publish(New(QueueUpdate{QueueSize: 1}))
	d.Publish(New(DaemonStopped{}))
	d.Close()

	kinds := rec.Kinds()
	want := []Kind{KindDaemonStarted, KindQueueUpdate, KindDaemonStopped}
	if len(kinds) != len(want) {
		t.Fatalf("got %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("kinds[%d] = %q, want %q", i, kinds[i], want[i])
		}
	}
}

func TestDispatcher_DoesNotBlockOnSlowSink(t *testing.T) {
	release := make(chan struct{})
	slow := SinkFunc(func(Event) { <-release })
	d := NewDispatcher(1, slow)

	start := time.Now()
	for i := 0; i < 100; i++ {
		d.Publish(New(QueueEmpty{}))
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Publish blocked for %v", elapsed)
	}
	if d.Dropped() == 0 {
		t.Error("expected some events to be dropped")
	}
	close(release)
	d.Close()
}

func TestDispatcher_SinkPanicIsContained(t *testing.T) {
	rec := &Recorder{}
	bad := SinkFunc(func(Event) { panic("boom") })
	d := NewDispatcher(4, bad, rec)
	d.Publish(New(DaemonStarted{}))
	d.Close()

	if rec.Count(KindDaemonStarted) != 1 {
		t.Errorf("recorder got %d events, want 1", rec.Count(KindDaemonStarted))
	}
}

func TestDispatcher_PublishAfterClose(t *testing.T) {
	d := NewDispatcher(1)
	d.Close()
	d.Publish(New(DaemonStarted{}))
	d.Close()
}

func TestHub_Subscribe(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe(4)
	if h.Subscribers() != 1 {
		t.Fatalf("Subscribers() = %d, want 1", h.Subscribers())
	}

	h.Publish(New(QueueUpdate{QueueSize: 3}))
	select {
	case e := <-ch:
		if e.Kind != KindQueueUpdate {
			t.Errorf("Kind = %q", e.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	cancel()
	cancel()
	if h.Subscribers() != 0 {
		t.Errorf("Subscribers() = %d after cancel, want 0", h.Subscribers())
	}
	h.Publish(New(QueueEmpty{}))
}

func TestWebhookSink_PostsEvents(t *testing.T) {
	var mu sync.Mutex
	var bodies []map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		if err := json.Unmarshal(raw, &body); err != nil {
			t.Errorf("invalid body: %v", err)
		}
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	sink := NewWebhookSink(server.URL, nil, 8)
	sink.Publish(New(DownloadSkipped{Target: Target{ModelID: 7, Filename: "x"}, Reason: "already downloaded"}))
	sink.Close()
	sink.Publish(New(DaemonStopped{}))

	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 1 {
		t.Fatalf("got %d webhook calls, want 1", len(bodies))
	}
	if bodies[0]["event"] != "download_skipped" {
		t.Errorf("event = %v", bodies[0]["event"])
	}
	data, _ := bodies[0]["data"].(map[string]any)
	if data["reason"] != "already downloaded" {
		t.Errorf("data = %v", data)
	}
}

func TestWebhookSink_UnreachableEndpointDoesNotPanic(t *testing.T) {
	sink := NewWebhookSink("http://127.0.0.1:1/hook", &http.Client{Timeout: 100 * time.Millisecond}, 2)
	sink.Publish(New(DaemonStarted{}))
	sink.Close()
}
