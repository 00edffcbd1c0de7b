package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/V4T54L/beacon/internal/domain"
)

// HealthSubscriber publishes each new health status.
type HealthSubscriber interface {
	SubscribeHealth() (<-chan domain.HealthStatus, func())
}

// SSEBroker fans health statuses out to connected dashboard clients.
type SSEBroker struct {
	logger  *slog.Logger
	clients map[chan []byte]struct{}
	mu      sync.RWMutex
	last    []byte
	done    chan struct{}
}

// NewSSEBroker subscribes to source and starts the broadcast loop. The loop ends
// when ctx is canceled.
func NewSSEBroker(ctx context.Context, source HealthSubscriber, logger *slog.Logger) *SSEBroker {
	broker := &SSEBroker{
		logger:  logger,
		clients: make(map[chan []byte]struct{}),
		done:    make(chan struct{}),
	}
	updates, unsubscribe := source.SubscribeHealth()
	go broker.run(ctx, updates, unsubscribe)
	return broker
}

// ServeHTTP handles new client connections for the SSE stream.
func (b *SSEBroker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported!", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	messageChan := make(chan []byte, 4)
	last := b.addClient(messageChan)
	defer b.removeClient(messageChan)

	if last != nil {
		fmt.Fprintf(w, "event: health\ndata: %s\n\n", last)
	}
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		case msg := <-messageChan:
			fmt.Fprintf(w, "event: health\ndata: %s\n\n", msg)
			flusher.Flush()
		}
	}
}

// Clients returns the number of connected clients.
func (b *SSEBroker) Clients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

func (b *SSEBroker) addClient(client chan []byte) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients[client] = struct{}{}
	b.logger.Info("SSE client connected")
	return b.last
}

func (b *SSEBroker) removeClient(client chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[client]; ok {
		delete(b.clients, client)
		b.logger.Info("SSE client disconnected")
	}
}

func (b *SSEBroker) broadcast(msg []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = msg
	for client := range b.clients {
		select {
		case client <- msg:
		default:
			// Slow client; it will catch up on the next status.
		}
	}
}

func (b *SSEBroker) run(ctx context.Context, updates <-chan domain.HealthStatus, unsubscribe func()) {
	defer close(b.done)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case status, ok := <-updates:
			if !ok {
				return
			}
			jsonData, err := json.Marshal(status)
			if err != nil {
				b.logger.Error("Failed to marshal SSE message", "error", err)
				continue
			}
			b.broadcast(jsonData)
		}
	}
}
