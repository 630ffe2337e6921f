package server

import (
	"encoding/json"
	"log"

	relayerrors "github.com/coderelay/host/internal/errors"
)

// decodePayload re-parses the raw envelope and extracts just the
// payload into the handler's typed struct. The envelope was already
// validated as JSON before dispatch.
func decodePayload(raw []byte, out interface{}) error {
	var envelope struct {
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return err
	}
	if len(envelope.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(envelope.Payload, out)
}

// requireDevice checks that the client has identified itself. Every
// message except hello needs a bound device id.
func (c *Client) requireDevice(msg Message) bool {
	if c.deviceID == "" {
		c.replyError(msg.ID, relayerrors.CodeAuthRequired,
			"send device.hello before other messages", "")
		return false
	}
	return true
}

func (c *Client) handleHello(msg Message, raw []byte) {
	var p HelloPayload
	if err := decodePayload(raw, &p); err != nil {
		c.replyError(msg.ID, relayerrors.CodeServerInvalidMessage, "invalid hello payload", "")
		return
	}

	// On authenticated hosts the token already established the device
	// identity during the upgrade; the payload id is ignored there so
	// a client cannot impersonate another device.
	if c.deviceID == "" {
		if p.DeviceID == "" {
			c.replyError(msg.ID, relayerrors.CodeServerInvalidMessage,
				"hello requires a device_id", "")
			return
		}
		c.server.bindDevice(c, p.DeviceID)
	}

	log.Printf("server: device %s said hello (platform %q)", c.deviceID, p.Platform)
	c.server.coord.HandleHello(c.deviceID)
	c.reply(Message{Type: MessageTypeHello, ID: msg.ID, Payload: HelloPayload{
		DeviceID: c.deviceID,
	}})
}

func (c *Client) handleJoin(msg Message, raw []byte) {
	if !c.requireDevice(msg) {
		return
	}
	var p JoinPayload
	if err := decodePayload(raw, &p); err != nil {
		c.replyError(msg.ID, relayerrors.CodeServerInvalidMessage, "invalid join payload", "")
		return
	}

	joined, err := c.server.coord.HandleJoin(c.deviceID, p.SessionID)
	if err != nil {
		code, message := relayerrors.ToCodeAndMessage(err)
		c.replyError(msg.ID, code, message, "")
		return
	}
	c.reply(Message{Type: "session.joined", ID: msg.ID, Payload: joined})
}

func (c *Client) handleChatSend(msg Message, raw []byte) {
	if !c.requireDevice(msg) {
		return
	}
	var p ChatSendPayload
	if err := decodePayload(raw, &p); err != nil {
		c.replyError(msg.ID, relayerrors.CodeServerInvalidMessage, "invalid send payload", "")
		return
	}
	if p.Content == "" {
		c.replyError(msg.ID, relayerrors.CodeServerInvalidMessage,
			"send requires content", p.ClientMessageID)
		return
	}

	if err := c.server.coord.HandleSend(c.deviceID, p.SessionID, p.Content); err != nil {
		code, message := relayerrors.ToCodeAndMessage(err)
		c.replyError(msg.ID, code, message, p.ClientMessageID)
		return
	}
}

func (c *Client) handleChatAck(msg Message, raw []byte) {
	if !c.requireDevice(msg) {
		return
	}
	var p ChatAckPayload
	if err := decodePayload(raw, &p); err != nil {
		c.replyError(msg.ID, relayerrors.CodeServerInvalidMessage, "invalid ack payload", "")
		return
	}
	c.server.coord.HandleAck(c.deviceID, p.MessageIDs)
}

func (c *Client) handlePrimaryRequest(msg Message, raw []byte) {
	if !c.requireDevice(msg) {
		return
	}
	var p PrimaryRequestPayload
	if err := decodePayload(raw, &p); err != nil {
		c.replyError(msg.ID, relayerrors.CodeServerInvalidMessage, "invalid primary request", "")
		return
	}
	if err := c.server.coord.HandleRequestPrimary(c.deviceID, p.SessionID); err != nil {
		code, message := relayerrors.ToCodeAndMessage(err)
		c.replyError(msg.ID, code, message, "")
	}
}

func (c *Client) handlePrimaryAck(msg Message, raw []byte) {
	if !c.requireDevice(msg) {
		return
	}
	var p PrimaryAckPayload
	if err := decodePayload(raw, &p); err != nil {
		c.replyError(msg.ID, relayerrors.CodeServerInvalidMessage, "invalid primary ack", "")
		return
	}
	if err := c.server.coord.HandleAckPrimary(c.deviceID, p.SessionID); err != nil {
		code, message := relayerrors.ToCodeAndMessage(err)
		c.replyError(msg.ID, code, message, "")
	}
}

func (c *Client) handleSessionKill(msg Message, raw []byte) {
	if !c.requireDevice(msg) {
		return
	}
	var p SessionKillPayload
	if err := decodePayload(raw, &p); err != nil {
		c.replyError(msg.ID, relayerrors.CodeServerInvalidMessage, "invalid kill payload", "")
		return
	}
	if err := c.server.coord.HandleKill(c.deviceID, p.SessionID, p.Reason); err != nil {
		code, message := relayerrors.ToCodeAndMessage(err)
		c.replyError(msg.ID, code, message, "")
	}
}

func (c *Client) handleSessionClear(msg Message, raw []byte) {
	if !c.requireDevice(msg) {
		return
	}
	var p SessionClearPayload
	if err := decodePayload(raw, &p); err != nil {
		c.replyError(msg.ID, relayerrors.CodeServerInvalidMessage, "invalid clear payload", "")
		return
	}
	c.server.coord.HandleClear(c.deviceID, p.SessionID)
}
