// Command wsclient is a terminal debug client for a coderelay host.
// It pairs the connection protocol end to end: hello, join, chat.send
// from stdin, and automatic acks for received chat messages.
//
// Usage: go run ./cmd/wsclient [-device dev-cli] ws://127.0.0.1:7171/ws
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
)

type envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func main() {
	deviceID := flag.String("device", "dev-cli", "Device id to announce")
	token := flag.String("token", "", "Bearer token for authenticated hosts")
	flag.Parse()

	url := "ws://127.0.0.1:7171/ws"
	if flag.NArg() > 0 {
		url = flag.Arg(0)
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	// Stdin lines become chat.send messages, fanned out to whichever
	// connection is currently live.
	input := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			input <- scanner.Text()
		}
		close(input)
	}()

	// Reconnect with exponential backoff until interrupted. Each
	// successful session resets the backoff clock.
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // retry forever

	for {
		select {
		case <-interrupt:
			fmt.Println("Interrupted")
			return
		default:
		}

		conn, err := dial(url, *token)
		if err != nil {
			next := bo.NextBackOff()
			fmt.Fprintf(os.Stderr, "Connect failed: %v (retrying in %s)\n", err, next)
			select {
			case <-time.After(next):
				continue
			case <-interrupt:
				return
			}
		}

		bo.Reset()
		fmt.Printf("Connected to %s\n", url)

		if done := runSession(conn, *deviceID, input, interrupt); done {
			return
		}
	}
}

func dial(url, token string) (*websocket.Conn, error) {
	header := map[string][]string{}
	if token != "" {
		header["Authorization"] = []string{"Bearer " + token}
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	return conn, err
}

// runSession drives one connection until it drops. Returns true when
// the user interrupted and the program should exit.
func runSession(conn *websocket.Conn, deviceID string, input <-chan string, interrupt <-chan os.Signal) bool {
	defer conn.Close()

	send := func(msgType string, payload interface{}) error {
		data, err := json.Marshal(map[string]interface{}{
			"type":    msgType,
			"payload": payload,
		})
		if err != nil {
			return err
		}
		return conn.WriteMessage(websocket.TextMessage, data)
	}

	if err := send("device.hello", map[string]string{"device_id": deviceID, "platform": "desktop"}); err != nil {
		fmt.Fprintf(os.Stderr, "Hello failed: %v\n", err)
		return false
	}
	if err := send("session.join", map[string]string{}); err != nil {
		fmt.Fprintf(os.Stderr, "Join failed: %v\n", err)
		return false
	}

	sessionID := ""
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					fmt.Fprintf(os.Stderr, "Read error: %v\n", err)
				}
				return
			}

			var msg envelope
			if err := json.Unmarshal(data, &msg); err != nil {
				fmt.Printf("raw: %s\n", string(data))
				continue
			}

			var payload map[string]interface{}
			json.Unmarshal(msg.Payload, &payload)

			switch msg.Type {
			case "session.joined":
				if id, ok := payload["session_id"].(string); ok {
					sessionID = id
				}
				fmt.Printf("joined session %s (primary: %v)\n", sessionID, payload["is_primary"])

			case "chat.message":
				content, _ := payload["content"].(string)
				if content == "" {
					content, _ = payload["preview"].(string)
				}
				fmt.Printf("assistant: %s\n", content)
				if id, ok := payload["messageId"].(string); ok {
					send("chat.ack", map[string]interface{}{"message_ids": []string{id}})
				}

			case "error":
				fmt.Printf("error: %v %v\n", payload["code"], payload["message"])

			default:
				fmt.Printf("%s: %s\n", msg.Type, string(msg.Payload))
			}
		}
	}()

	for {
		select {
		case <-done:
			fmt.Println("Connection closed")
			return false

		case line, ok := <-input:
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return true
			}
			if line == "" {
				continue
			}
			if err := send("chat.send", map[string]string{
				"session_id": sessionID,
				"content":    line,
			}); err != nil {
				fmt.Fprintf(os.Stderr, "Send failed: %v\n", err)
				return false
			}

		case <-interrupt:
			fmt.Println("Interrupted")
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			select {
			case <-done:
			case <-time.After(time.Second):
			}
			return true
		}
	}
}
