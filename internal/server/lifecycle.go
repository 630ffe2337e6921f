package server

import (
	"fmt"
	"log"
	"net"
	"net/http"
)

// Start begins listening and serving. The listener is created first so
// a port conflict surfaces immediately instead of inside the serving
// goroutine. Start returns once the server is accepting connections.
func (s *Server) Start() error {
	mux := s.createMux()

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.mu.Lock()
	s.httpServer = &http.Server{Handler: mux}
	s.mu.Unlock()

	go func() {
		log.Printf("server: listening on %s", s.addr)
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("server: serve error: %v", err)
		}
	}()

	return nil
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.addr
}

// Stop shuts the server down: all client connections are signalled to
// close and the HTTP listener stops accepting. Safe to call twice.
func (s *Server) Stop() error {
	s.mu.Lock()

	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true

	// Signal all clients to stop. writePump sends the close frame and
	// closes the connection when it sees done closed; we never write to
	// the socket here to avoid racing with writePump.
	for client := range s.clients {
		client.closeSend()
	}
	s.clients = make(map[*Client]bool)
	s.byDevice = make(map[string]*Client)

	httpServer := s.httpServer
	s.mu.Unlock()

	if httpServer != nil {
		return httpServer.Close()
	}
	return nil
}
