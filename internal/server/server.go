package server

import (
	"fmt"
	"log"
	"net/http"
	"sync"

	// gorilla/websocket is the standard WebSocket library for Go,
	// with full support for ping/pong and close handling.
	"github.com/gorilla/websocket"

	"github.com/coderelay/host/internal/coordinator"
	"github.com/coderelay/host/internal/queue"
)

// channelBufferSize is the buffer size for per-client send channels.
// It absorbs bursts of outbound messages without blocking the
// coordinator; a client that falls this far behind starts losing
// messages to the queue's reconnect backlog instead.
const channelBufferSize = 256

// Coordinator is the slice of the coordinator the transport needs.
// Defined as an interface so server tests can substitute a fake.
type Coordinator interface {
	HandleHello(deviceID string)
	HandleJoin(deviceID, sessionID string) (coordinator.SessionJoinedPayload, error)
	HandleSend(deviceID, sessionID, content string) error
	HandleAck(deviceID string, messageIDs []string)
	HandleRequestPrimary(deviceID, sessionID string) error
	HandleAckPrimary(deviceID, sessionID string) error
	HandleKill(deviceID, sessionID, reason string) error
	HandleClear(deviceID, sessionID string)
	HandleDisconnect(deviceID string)
	TouchDevice(deviceID string)
	Fetch(messageID string) (*queue.Message, error)
}

// TokenValidator validates authentication tokens for WebSocket
// connections. Returns the device ID if the token is valid.
type TokenValidator func(token string) (deviceID string, err error)

// Server manages WebSocket connections and routes messages between
// devices and the coordinator. It implements coordinator.Sender.
type Server struct {
	// addr is the address to listen on (e.g., "127.0.0.1:7171").
	addr string

	// upgrader converts HTTP connections to WebSocket connections.
	// Any origin is accepted: the host binds to the LAN and trusts
	// the token layer, not the Origin header.
	upgrader websocket.Upgrader

	// clients tracks all connected WebSocket clients.
	clients map[*Client]bool

	// byDevice indexes authenticated clients by device id for
	// targeted sends. A device reconnecting displaces its old entry.
	byDevice map[string]*Client

	// mu protects clients, byDevice, and stopped.
	mu sync.RWMutex

	stopped bool

	// httpServer is the underlying HTTP server for graceful shutdown.
	httpServer *http.Server

	coord Coordinator

	// tokenValidator validates tokens; nil disables authentication.
	tokenValidator TokenValidator

	// requireAuth rejects connections without a valid token.
	requireAuth bool

	// pairHandler serves the /pair endpoint for code-to-token
	// exchange. Optional.
	pairHandler http.Handler
}

// Config holds server construction options.
type Config struct {
	Addr           string
	Coordinator    Coordinator
	TokenValidator TokenValidator
	RequireAuth    bool
	PairHandler    http.Handler
}

// New creates a server. Call Start to begin listening.
func New(cfg Config) *Server {
	return &Server{
		addr: cfg.Addr,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients:        make(map[*Client]bool),
		byDevice:       make(map[string]*Client),
		coord:          cfg.Coordinator,
		tokenValidator: cfg.TokenValidator,
		requireAuth:    cfg.RequireAuth,
		pairHandler:    cfg.PairHandler,
	}
}

// SendToDevice implements coordinator.Sender: it queues one protocol
// message for a connected device. Returns an error if the device has
// no live connection or its send buffer is full; the caller's queue
// bookkeeping covers redelivery on reconnect.
func (s *Server) SendToDevice(deviceID, msgType string, payload interface{}) error {
	s.mu.RLock()
	client := s.byDevice[deviceID]
	s.mu.RUnlock()

	if client == nil {
		return fmt.Errorf("device %s not connected", deviceID)
	}

	msg := Message{Type: MessageType(msgType), Payload: payload}

	select {
	case <-client.done:
		return fmt.Errorf("device %s connection closing", deviceID)
	case client.send <- msg:
		return nil
	default:
		return fmt.Errorf("device %s send buffer full", deviceID)
	}
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// DisconnectDevice closes the connection of a device, if connected.
// Used when a device is revoked while the host is running.
func (s *Server) DisconnectDevice(deviceID string) {
	s.mu.RLock()
	client := s.byDevice[deviceID]
	s.mu.RUnlock()

	if client != nil {
		log.Printf("server: disconnecting device %s", deviceID)
		client.closeSend()
	}
}

// register adds a client to the connection tracking maps.
func (s *Server) register(client *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[client] = true
	if client.deviceID != "" {
		if old := s.byDevice[client.deviceID]; old != nil && old != client {
			// Stale connection for the same device: push it out.
			old.closeSend()
		}
		s.byDevice[client.deviceID] = client
	}
}

// bindDevice associates a connected client with a device id once the
// identity is known (hello on open hosts, token on authed ones).
func (s *Server) bindDevice(client *Client, deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	client.deviceID = deviceID
	if old := s.byDevice[deviceID]; old != nil && old != client {
		old.closeSend()
	}
	s.byDevice[deviceID] = client
}

// unregister removes a client from the connection tracking maps and
// detaches its device from coordination state. A client displaced by a
// reconnect is not a departure: the device lives on through its
// replacement connection, so only the currently bound client detaches.
func (s *Server) unregister(client *Client) {
	s.mu.Lock()
	delete(s.clients, client)
	wasBound := client.deviceID != "" && s.byDevice[client.deviceID] == client
	if wasBound {
		delete(s.byDevice, client.deviceID)
	}
	s.mu.Unlock()

	// Outside the lock: the disconnect handler broadcasts to other
	// devices, which comes back through SendToDevice.
	if wasBound {
		s.coord.HandleDisconnect(client.deviceID)
	}
}
