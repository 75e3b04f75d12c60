// Package server coordinates client registration, pump lifecycle, and
// connection cleanup for the room relay via the Hub type.
package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrHubStopped is returned when a client is registered after shutdown began.
var ErrHubStopped = errors.New("hub stopped")

// Hub owns every live WebSocket client. It starts their pumps on register
// and, on unregister, hands the connection to the dispatcher so the
// registry forgets it.
type Hub struct {
	cfg        *Config
	dispatcher *Dispatcher
	log        *logrus.Entry

	clients    map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

// Stats is a point-in-time view of the hub and registry.
type Stats struct {
	Rooms       int `json:"rooms"`
	Connections int `json:"connections"`
	Clients     int `json:"clients"`
}

// NewHub creates a Hub ready to Run.
func NewHub(cfg *Config, dispatcher *Dispatcher, log logrus.FieldLogger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		cfg:        cfg,
		dispatcher: dispatcher,
		log:        log.WithField("component", "hub"),
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Register hands a freshly upgraded client to the run loop.
func (h *Hub) Register(client *Client) error {
	select {
	case h.register <- client:
		return nil
	case <-h.ctx.Done():
		return ErrHubStopped
	}
}

// unregisterClient is called by the read pump when the transport ends.
func (h *Hub) unregisterClient(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
		h.removeClient(client)
	}
}

// Run starts the hub's main event loop. It returns after Shutdown.
func (h *Hub) Run() {
	defer close(h.done)
	h.log.Info("Hub started and ready to manage WebSocket connections")

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				h.log.Warn("Received nil client registration; skipping")
				continue
			}
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) addClient(client *Client) {
	h.mutex.Lock()
	h.clients[client] = struct{}{}
	clientCount := len(h.clients)
	h.mutex.Unlock()

	client.log.WithField("total_clients", clientCount).Info("Client registered")

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()
}

func (h *Hub) removeClient(client *Client) {
	h.mutex.Lock()
	_, ok := h.clients[client]
	delete(h.clients, client)
	clientCount := len(h.clients)
	h.mutex.Unlock()

	if !ok {
		return
	}

	h.dispatcher.Disconnect(client)
	client.closeSend()
	client.log.WithField("total_clients", clientCount).Info("Client unregistered")
}

// ClientCount returns the number of live WebSocket clients.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Stats combines the live client count with the registry's room counts.
func (h *Hub) Stats() Stats {
	rooms, connections := h.dispatcher.registry.Stats()
	return Stats{Rooms: rooms, Connections: connections, Clients: h.ClientCount()}
}

// shutdownClients closes every transport; the read pumps then unregister.
func (h *Hub) shutdownClients() {
	h.log.Info("Shutting down all client connections...")

	h.mutex.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.RUnlock()

	for _, client := range clients {
		if err := client.Close(); err != nil && !isExpectedCloseError(err) {
			client.log.WithError(err).Warn("Error closing client connection")
		}
	}

	h.log.WithField("closed", len(clients)).Info("Closed client connections")
}

// Shutdown stops the run loop and waits for every client pump to finish,
// or until timeout elapses.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info("Initiating hub shutdown...")

	h.cancel()
	<-h.done

	finished := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		h.log.Info("Hub shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		h.log.Warn("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
