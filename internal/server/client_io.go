package server

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	// Rate limiting for inbound messages to prevent flooding.
	"golang.org/x/time/rate"

	relayerrors "github.com/coderelay/host/internal/errors"
)

// inboundRate bounds how fast a single client may send messages:
// steady-state 20 messages per second with a burst of 40. Chat
// traffic is nowhere near this; only a misbehaving client hits it.
var inboundRate = rate.Limit(20)

const inboundBurst = 40

// Client is one WebSocket connection and its pump goroutines.
type Client struct {
	server *Server
	conn   *websocket.Conn

	// deviceID is set after authentication or the hello message.
	deviceID string

	// send buffers outbound messages for writePump.
	send chan Message

	// done is closed exactly once to signal shutdown.
	done     chan struct{}
	sendOnce sync.Once

	// limiter throttles inbound messages from this client.
	limiter *rate.Limiter
}

func newClient(s *Server, conn *websocket.Conn, deviceID string) *Client {
	return &Client{
		server:   s,
		conn:     conn,
		deviceID: deviceID,
		send:     make(chan Message, channelBufferSize),
		done:     make(chan struct{}),
		limiter:  rate.NewLimiter(inboundRate, inboundBurst),
	}
}

// closeSend safely signals the client to shut down exactly once.
// Safe to call multiple times from different goroutines. Only done is
// closed (not send) to avoid racing with in-flight sends; all senders
// check done before sending.
func (c *Client) closeSend() {
	c.sendOnce.Do(func() {
		close(c.done)
	})
}

// reply queues a message for this client, dropping it if the client
// is shutting down or hopelessly backed up.
func (c *Client) reply(msg Message) {
	select {
	case <-c.done:
	case c.send <- msg:
	default:
		log.Printf("server: dropping %s reply to slow client %s", msg.Type, c.deviceID)
	}
}

// replyError sends a coded error answer to the client.
func (c *Client) replyError(id, code, message, clientMessageID string) {
	c.reply(Message{
		Type: MessageTypeError,
		ID:   id,
		Payload: ErrorPayload{
			Code:            code,
			Message:         message,
			ClientMessageID: clientMessageID,
		},
	})
}

// writePump sends messages from the send channel to the WebSocket and
// pings periodically to keep the connection alive.
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))

			data, err := json.Marshal(msg)
			if err != nil {
				log.Printf("server: failed to marshal %s message: %v", msg.Type, err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("server: write error for device %s: %v", c.deviceID, err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads messages from the WebSocket and dispatches them.
// When it returns, the client is unregistered and shut down.
func (c *Client) readPump() {
	defer func() {
		c.server.unregister(c)
		c.closeSend()
		log.Printf("server: client disconnected (%d remaining)", c.server.ClientCount())
	}()

	c.conn.SetReadLimit(512 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseAbnormalClosure) {
				log.Printf("server: read error: %v", err)
			}
			return
		}

		if !c.limiter.Allow() {
			c.replyError("", relayerrors.CodeServerRateLimited, "too many messages", "")
			continue
		}

		// Any traffic from an identified device refreshes its
		// liveness window.
		if c.deviceID != "" {
			c.server.coord.TouchDevice(c.deviceID)
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.replyError("", relayerrors.CodeServerInvalidMessage, "malformed JSON envelope", "")
			continue
		}

		c.dispatch(msg, data)
	}
}

// dispatch routes one parsed envelope to its handler.
func (c *Client) dispatch(msg Message, raw []byte) {
	switch msg.Type {
	case MessageTypeHello:
		c.handleHello(msg, raw)
	case MessageTypeJoin:
		c.handleJoin(msg, raw)
	case MessageTypeChatSend:
		c.handleChatSend(msg, raw)
	case MessageTypeChatAck:
		c.handleChatAck(msg, raw)
	case MessageTypePrimaryRequest:
		c.handlePrimaryRequest(msg, raw)
	case MessageTypePrimaryAck:
		c.handlePrimaryAck(msg, raw)
	case MessageTypeSessionKill:
		c.handleSessionKill(msg, raw)
	case MessageTypeSessionClear:
		c.handleSessionClear(msg, raw)
	case MessageTypeHeartbeat:
		// Liveness already refreshed above; echo back so clients can
		// measure round trips.
		c.reply(Message{Type: MessageTypeHeartbeat, ID: msg.ID, Payload: struct{}{}})
	default:
		c.replyError(msg.ID, relayerrors.CodeServerHandlerMissing,
			"no handler for message type "+string(msg.Type), "")
	}
}
