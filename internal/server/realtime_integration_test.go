package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/rapidverify/backend/internal/anchoring"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func TestRecordStreamEmitsLifecycleEvents(t *testing.T) {
	gin.SetMode(gin.TestMode)
	dispatcher := NewRealtimeDispatcher()
	service := newTestService(t, newStubLedger(), dispatcher)

	handler, err := NewHTTPHandler(Dependencies{
		Service:           service,
		Realtime:          dispatcher,
		HeartbeatInterval: time.Hour,
		Logger:            zap.NewExample(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	streamResp, err := http.Get(server.URL + "/records/stream")
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() {
		_ = streamResp.Body.Close()
	})
	if streamResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", streamResp.StatusCode)
	}
	if contentType := streamResp.Header.Get("Content-Type"); !strings.HasPrefix(contentType, "text/event-stream") {
		t.Fatalf("unexpected content type %q", contentType)
	}

	streamReader := bufio.NewReader(streamResp.Body)

	payload := `{"claim_text":"Free vaccines cause magnetism","verdict":"debunked","score":0.12}`
	anchorResp, err := http.Post(server.URL+"/anchor", "application/json", bytes.NewBufferString(payload))
	if err != nil {
		t.Fatalf("anchor request failed: %v", err)
	}
	if anchorResp.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected anchor status: %d", anchorResp.StatusCode)
	}
	var anchored recordPayload
	if err := json.NewDecoder(anchorResp.Body).Decode(&anchored); err != nil {
		t.Fatalf("failed to decode anchor response: %v", err)
	}
	_ = anchorResp.Body.Close()

	getResp, err := http.Get(server.URL + "/records/" + anchored.ID)
	if err != nil {
		t.Fatalf("get request failed: %v", err)
	}
	_ = getResp.Body.Close()

	currentEventType := ""
	seen := map[string]streamEventPayload{}
	deadline := time.After(5 * time.Second)
	type readResult struct {
		line string
		err  error
	}
	for len(seen) < 2 {
		resultCh := make(chan readResult, 1)
		go func() {
			line, err := streamReader.ReadString('\n')
			resultCh <- readResult{line: line, err: err}
		}()
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for lifecycle events, saw %v", seen)
		case res := <-resultCh:
			if res.err != nil {
				t.Fatalf("failed to read stream: %v", res.err)
			}
			line := strings.TrimSpace(res.line)
			if line == "" {
				continue
			}
			if strings.HasPrefix(line, "event:") {
				currentEventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
				continue
			}
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			var event streamEventPayload
			if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &event); err != nil {
				t.Fatalf("failed to decode event payload: %v", err)
			}
			seen[currentEventType] = event
		}
	}

	anchoredEvent, ok := seen[anchoring.EventRecordAnchored]
	if !ok || anchoredEvent.RecordID != anchored.ID || anchoredEvent.Record.Status != "pending" {
		t.Fatalf("unexpected anchored event %+v", anchoredEvent)
	}
	confirmedEvent, ok := seen[anchoring.EventRecordConfirmed]
	if !ok || confirmedEvent.Record.Status != "confirmed" || confirmedEvent.Record.BlockRef == nil {
		t.Fatalf("unexpected confirmed event %+v", confirmedEvent)
	}
}

func TestRecordStreamRejectsMalformedFilter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler, err := NewHTTPHandler(Dependencies{
		Service:  newTestService(t, nil, nil),
		Realtime: NewRealtimeDispatcher(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	recorder := performJSON(t, handler, http.MethodGet, "/records/stream?record_id=%20", "")
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request for blank record filter, got %d", recorder.Code)
	}
}
