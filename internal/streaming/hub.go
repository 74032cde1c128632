// Package streaming pushes job state and progress events to websocket clients.
package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/devbridge/internal/common/logger"
	"github.com/kandev/devbridge/internal/events"
	"github.com/kandev/devbridge/internal/events/bus"
)

// ErrHubStopped is returned when registering with a hub that is not running.
var ErrHubStopped = errors.New("streaming hub stopped")

// BroadcastMessage is an encoded frame for the clients watching JobID.
type BroadcastMessage struct {
	JobID string
	Data  []byte
}

// Hub manages all websocket clients and routes job events to them.
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Clients by job ID, and clients watching every job
	jobClients map[string]map[*Client]bool
	allClients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage
	done       chan struct{}

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a new websocket hub
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		jobClients: make(map[string]map[*Client]bool),
		allClients: make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
		done:       make(chan struct{}),
		logger:     log.WithFields(zap.String("component", "websocket_hub")),
	}
}

// Run processes registrations and broadcasts until ctx is done, then closes
// every client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				client.closeSend()
			}
			h.clients = make(map[*Client]bool)
			h.jobClients = make(map[string]map[*Client]bool)
			h.allClients = make(map[*Client]bool)
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			client.mu.RLock()
			for jobID := range client.jobIDs {
				h.addJobClient(client, jobID)
			}
			client.mu.RUnlock()
			h.mu.Unlock()
			h.logger.Debug("Client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.mu.Lock()
			h.removeClient(client)
			h.mu.Unlock()
			h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *Hub) deliver(msg *BroadcastMessage) {
	h.mu.RLock()
	var slow []*Client
	send := func(client *Client) {
		if !client.trySend(msg.Data) {
			slow = append(slow, client)
		}
	}
	for client := range h.jobClients[msg.JobID] {
		send(client)
	}
	for client := range h.allClients {
		if !h.jobClients[msg.JobID][client] {
			send(client)
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}
	// Client send buffer is full, close connection
	h.mu.Lock()
	for _, client := range slow {
		h.logger.Warn("Dropping slow websocket client", zap.String("client_id", client.ID))
		h.removeClient(client)
	}
	h.mu.Unlock()
}

// removeClient requires h.mu held for writing.
func (h *Hub) removeClient(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	delete(h.allClients, client)
	client.closeSend()

	client.mu.RLock()
	defer client.mu.RUnlock()
	for jobID := range client.jobIDs {
		if clients, ok := h.jobClients[jobID]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.jobClients, jobID)
			}
		}
	}
}

// addJobClient requires h.mu held for writing.
func (h *Hub) addJobClient(client *Client, jobID string) {
	if _, ok := h.jobClients[jobID]; !ok {
		h.jobClients[jobID] = make(map[*Client]bool)
	}
	h.jobClients[jobID][client] = true
}

// Register adds a client to the hub with the subscriptions it already holds.
func (h *Hub) Register(client *Client) error {
	select {
	case h.register <- client:
		return nil
	case <-h.done:
		return ErrHubStopped
	}
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Broadcast queues an encoded frame for the clients watching jobID.
func (h *Hub) Broadcast(jobID string, data []byte) {
	select {
	case h.broadcast <- &BroadcastMessage{JobID: jobID, Data: data}:
	case <-h.done:
	}
}

// SubscribeClient subscribes a client to a job
func (h *Hub) SubscribeClient(client *Client, jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client.mu.Lock()
	client.jobIDs[jobID] = true
	client.mu.Unlock()
	if h.clients[client] {
		h.addJobClient(client, jobID)
	}
	h.logger.Debug("Client subscribed to job",
		zap.String("client_id", client.ID),
		zap.String("job_id", jobID))
}

// UnsubscribeClient unsubscribes a client from a job
func (h *Hub) UnsubscribeClient(client *Client, jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client.mu.Lock()
	delete(client.jobIDs, jobID)
	client.mu.Unlock()
	if clients, ok := h.jobClients[jobID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.jobClients, jobID)
		}
	}
	h.logger.Debug("Client unsubscribed from job",
		zap.String("client_id", client.ID),
		zap.String("job_id", jobID))
}

// WatchAll toggles delivery of every job's events to client.
func (h *Hub) WatchAll(client *Client, on bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.clients[client] {
		return
	}
	if on {
		h.allClients[client] = true
	} else {
		delete(h.allClients, client)
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// JobSubscriberCount returns the number of clients subscribed to a job
func (h *Hub) JobSubscriberCount(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.jobClients[jobID])
}

// Attach subscribes the hub to every job event on the bus.
func (h *Hub) Attach(eventBus bus.EventBus) (bus.Subscription, error) {
	return eventBus.Subscribe(events.AllJobsSubject, func(ctx context.Context, event *bus.Event) error {
		data, err := json.Marshal(ServerMessage{Type: TypeEvent, Event: event})
		if err != nil {
			return err
		}
		jobID, err := eventJobID(data)
		if err != nil {
			return err
		}
		h.Broadcast(jobID, data)
		return nil
	})
}

// eventJobID reads the job id back out of an encoded event. Events arriving
// over NATS carry decoded maps rather than typed payloads, so the encoded
// form is the common ground.
func eventJobID(frame []byte) (string, error) {
	var probe struct {
		Event struct {
			Data struct {
				JobID string `json:"job_id"`
			} `json:"data"`
		} `json:"event"`
	}
	if err := json.Unmarshal(frame, &probe); err != nil {
		return "", err
	}
	if probe.Event.Data.JobID == "" {
		return "", errors.New("job event without job_id")
	}
	return probe.Event.Data.JobID, nil
}
