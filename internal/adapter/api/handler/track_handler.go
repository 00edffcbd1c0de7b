package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"

	"github.com/V4T54L/beacon/internal/adapter/ratelimit"
	"github.com/V4T54L/beacon/internal/domain"
	"github.com/V4T54L/beacon/internal/usecase"
)

// EventTracker accepts a single decoded event.
type EventTracker interface {
	Track(ctx context.Context, event *domain.Event) (usecase.AddResult, error)
}

// TrackResponse is returned with 202 Accepted.
type TrackResponse struct {
	Accepted int      `json:"accepted"`
	Queued   int      `json:"queued"`
	Dropped  int      `json:"dropped"`
	EventIDs []string `json:"event_ids"`
}

var errDecode = errors.New("failed to decode")

// TrackHandler handles HTTP requests for event tracking.
type TrackHandler struct {
	tracker      EventTracker
	logger       *slog.Logger
	maxEventSize int64
}

// NewTrackHandler creates a new TrackHandler. maxEventSize bounds the whole request body.
func NewTrackHandler(tracker EventTracker, logger *slog.Logger, maxEventSize int64) *TrackHandler {
	return &TrackHandler{
		tracker:      tracker,
		logger:       logger,
		maxEventSize: maxEventSize,
	}
}

// ServeHTTP accepts a JSON object or an NDJSON stream of events.
func (h *TrackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxEventSize)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	var (
		resp TrackResponse
		err  error
	)
	switch mediaType {
	case "application/json", "":
		err = h.handleSingleJSON(r, &resp)
	case "application/x-ndjson":
		err = h.handleNDJSON(r, &resp)
	default:
		http.Error(w, "Unsupported Media Type: "+mediaType, http.StatusUnsupportedMediaType)
		return
	}

	if err != nil {
		var maxBytesErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxBytesErr):
			http.Error(w, "Payload Too Large", http.StatusRequestEntityTooLarge)
		case errors.Is(err, errDecode), errors.Is(err, domain.ErrInvalidEvent):
			h.logger.Debug("rejected track request", "error", err)
			http.Error(w, "Bad Request: "+err.Error(), http.StatusBadRequest)
		default:
			h.logger.Error("failed to process track request", "error", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, h.logger, http.StatusAccepted, resp)
}

func (h *TrackHandler) handleSingleJSON(r *http.Request, resp *TrackResponse) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	var event domain.Event
	if err := json.Unmarshal(body, &event); err != nil {
		return fmt.Errorf("%w JSON: %v", errDecode, err)
	}
	return h.track(r, &event, resp)
}

// handleNDJSON validates every line before any event is tracked, so a bad line
// rejects the whole request.
func (h *TrackHandler) handleNDJSON(r *http.Request, resp *TrackResponse) error {
	var events []domain.Event
	scanner := bufio.NewScanner(r.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), int(h.maxEventSize))
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var event domain.Event
		if err := json.Unmarshal(raw, &event); err != nil {
			return fmt.Errorf("%w NDJSON line %d: %v", errDecode, line, err)
		}
		if err := event.Validate(); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	for i := range events {
		if err := h.track(r, &events[i], resp); err != nil {
			return err
		}
	}
	return nil
}

func (h *TrackHandler) track(r *http.Request, event *domain.Event, resp *TrackResponse) error {
	if event.Context.IP == "" {
		event.Context.IP = clientIP(r)
	}
	if event.Context.UserAgent == "" {
		event.Context.UserAgent = r.UserAgent()
	}

	result, err := h.tracker.Track(r.Context(), event)
	if err != nil {
		return err
	}
	resp.Accepted++
	resp.EventIDs = append(resp.EventIDs, event.ID)
	switch result {
	case usecase.AddQueued:
		resp.Queued++
	case usecase.AddDropped:
		resp.Dropped++
	}
	return nil
}

// clientIP prefers proxy headers and falls back to the connection's remote address.
func clientIP(r *http.Request) string {
	if ip := ratelimit.ClientIP(r); ip != "unknown" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, code int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		logger.Error("failed to marshal JSON response", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(response)
}
