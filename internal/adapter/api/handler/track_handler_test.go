package handler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/V4T54L/beacon/internal/domain"
	"github.com/V4T54L/beacon/internal/usecase"
)

// MockTracker is a mock implementation of EventTracker.
type MockTracker struct {
	TrackFunc func(ctx context.Context, event *domain.Event) (usecase.AddResult, error)
	Events    []domain.Event
}

func (m *MockTracker) Track(ctx context.Context, event *domain.Event) (usecase.AddResult, error) {
	if err := event.Validate(); err != nil {
		return "", err
	}
	if event.ID == "" {
		event.ID = fmt.Sprintf("evt-%d", len(m.Events)+1)
	}
	m.Events = append(m.Events, *event)
	if m.TrackFunc != nil {
		return m.TrackFunc(ctx, event)
	}
	return usecase.AddQueued, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const validEvent = `{"session_id": "s1", "event_type": "page_view"}`

func TestTrackHandler(t *testing.T) {
	tests := []struct {
		name           string
		method         string
		contentType    string
		body           string
		maxSize        int64
		trackErr       error
		expectedStatus int
		expectedBody   string
		expectedEvents int
	}{
		{
			name:           "Valid Single JSON",
			method:         http.MethodPost,
			contentType:    "application/json",
			body:           validEvent,
			expectedStatus: http.StatusAccepted,
			expectedBody:   `{"accepted":1,"queued":1,"dropped":0,"event_ids":["evt-1"]}`,
			expectedEvents: 1,
		},
		{
			name:           "JSON with charset",
			method:         http.MethodPost,
			contentType:    "application/json; charset=utf-8",
			body:           validEvent,
			expectedStatus: http.StatusAccepted,
			expectedEvents: 1,
		},
		{
			name:           "Valid NDJSON",
			method:         http.MethodPost,
			contentType:    "application/x-ndjson",
			body:           validEvent + "\n\n" + `{"session_id": "s2", "event_type": "click"}`,
			expectedStatus: http.StatusAccepted,
			expectedBody:   `{"accepted":2,"queued":2,"dropped":0,"event_ids":["evt-1","evt-2"]}`,
			expectedEvents: 2,
		},
		{
			name:           "Invalid Method",
			method:         http.MethodGet,
			contentType:    "application/json",
			body:           `{}`,
			expectedStatus: http.StatusMethodNotAllowed,
			expectedBody:   "Method Not Allowed\n",
		},
		{
			name:           "Unsupported Content-Type",
			method:         http.MethodPost,
			contentType:    "text/plain",
			body:           `hello`,
			expectedStatus: http.StatusUnsupportedMediaType,
			expectedBody:   "Unsupported Media Type: text/plain\n",
		},
		{
			name:           "Bad JSON",
			method:         http.MethodPost,
			contentType:    "application/json",
			body:           `{"session_id": "s1"`,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "Unknown event type",
			method:         http.MethodPost,
			contentType:    "application/json",
			body:           `{"session_id": "s1", "event_type": "teleport"}`,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "Non-UUID event_id",
			method:         http.MethodPost,
			contentType:    "application/json",
			body:           `{"event_id": "abc", "session_id": "s1", "event_type": "page_view"}`,
			expectedStatus: http.StatusBadRequest,
			expectedBody:   "Bad Request: invalid event: event_id must be a UUID\n",
			expectedEvents: 0,
		},
		{
			name:           "Client UUID event_id is kept",
			method:         http.MethodPost,
			contentType:    "application/json",
			body:           `{"event_id": "6f1c2b7e-3d4a-4c5b-9e8f-0a1b2c3d4e5f", "session_id": "s1", "event_type": "page_view"}`,
			expectedStatus: http.StatusAccepted,
			expectedBody:   `{"accepted":1,"queued":1,"dropped":0,"event_ids":["6f1c2b7e-3d4a-4c5b-9e8f-0a1b2c3d4e5f"]}`,
			expectedEvents: 1,
		},
		{
			name:           "Non-UUID event_id in NDJSON rejects whole request",
			method:         http.MethodPost,
			contentType:    "application/x-ndjson",
			body:           validEvent + "\n" + `{"event_id": "abc", "session_id": "s2", "event_type": "click"}`,
			expectedStatus: http.StatusBadRequest,
			expectedBody:   "Bad Request: line 2: invalid event: event_id must be a UUID\n",
			expectedEvents: 0,
		},
		{
			name:           "Bad NDJSON line rejects whole request",
			method:         http.MethodPost,
			contentType:    "application/x-ndjson",
			body:           validEvent + "\n" + `{"session_id": "bad`,
			expectedStatus: http.StatusBadRequest,
			expectedEvents: 0,
		},
		{
			name:           "Invalid NDJSON event rejects whole request",
			method:         http.MethodPost,
			contentType:    "application/x-ndjson",
			body:           validEvent + "\n" + `{"event_type": "click"}`,
			expectedStatus: http.StatusBadRequest,
			expectedEvents: 0,
		},
		{
			name:           "Tracker error",
			method:         http.MethodPost,
			contentType:    "application/json",
			body:           validEvent,
			trackErr:       errors.New("boom"),
			expectedStatus: http.StatusInternalServerError,
			expectedBody:   "Internal Server Error\n",
			expectedEvents: 1,
		},
		{
			name:           "Payload Too Large",
			method:         http.MethodPost,
			contentType:    "application/json",
			body:           `{"session_id": "this payload is definitely too large for the test limit", "event_type": "click"}`,
			maxSize:        50,
			expectedStatus: http.StatusRequestEntityTooLarge,
			expectedBody:   "Payload Too Large\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := &MockTracker{
				TrackFunc: func(ctx context.Context, event *domain.Event) (usecase.AddResult, error) {
					return usecase.AddQueued, tt.trackErr
				},
			}
			maxSize := tt.maxSize
			if maxSize == 0 {
				maxSize = 1024
			}

			handler := NewTrackHandler(tracker, testLogger(), maxSize)

			req := httptest.NewRequest(tt.method, "/track", bytes.NewBufferString(tt.body))
			req.Header.Set("Content-Type", tt.contentType)
			rr := httptest.NewRecorder()

			handler.ServeHTTP(rr, req)

			if status := rr.Code; status != tt.expectedStatus {
				t.Errorf("handler returned wrong status code: got %v want %v (body %q)", status, tt.expectedStatus, rr.Body.String())
			}
			if tt.expectedBody != "" {
				if body := rr.Body.String(); body != tt.expectedBody {
					t.Errorf("handler returned unexpected body: got %q want %q", body, tt.expectedBody)
				}
			}
			if len(tracker.Events) != tt.expectedEvents {
				t.Errorf("tracked %d events, want %d", len(tracker.Events), tt.expectedEvents)
			}
		})
	}
}

func TestTrackHandler_FillsContext(t *testing.T) {
	tracker := &MockTracker{}
	handler := NewTrackHandler(tracker, testLogger(), 1024)

	req := httptest.NewRequest(http.MethodPost, "/track", strings.NewReader(validEvent))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "beacon-test/1.0")
	req.RemoteAddr = "192.0.2.7:5555"
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rr.Code)
	}
	got := tracker.Events[0].Context
	if got.IP != "192.0.2.7" {
		t.Errorf("IP = %q, want remote address host", got.IP)
	}
	if got.UserAgent != "beacon-test/1.0" {
		t.Errorf("UserAgent = %q", got.UserAgent)
	}

	req = httptest.NewRequest(http.MethodPost, "/track", strings.NewReader(`{"session_id":"s","event_type":"click","context":{"ip":"203.0.113.9"}}`))
	req.Header.Set("X-Forwarded-For", "198.51.100.1")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if ip := tracker.Events[1].Context.IP; ip != "203.0.113.9" {
		t.Errorf("explicit context IP overwritten: %q", ip)
	}
}

func TestTrackHandler_DroppedIsStillAccepted(t *testing.T) {
	tracker := &MockTracker{
		TrackFunc: func(ctx context.Context, event *domain.Event) (usecase.AddResult, error) {
			return usecase.AddDropped, nil
		},
	}
	handler := NewTrackHandler(tracker, testLogger(), 1024)

	req := httptest.NewRequest(http.MethodPost, "/track", strings.NewReader(validEvent))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"dropped":1`) {
		t.Errorf("body %q does not report the drop", rr.Body.String())
	}
}
