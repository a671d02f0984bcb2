package main

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parley-chat/parley/internal/crypto/envelope"
	"github.com/parley-chat/parley/internal/crypto/keys"
	"github.com/parley-chat/parley/internal/store"
	"github.com/parley-chat/parley/internal/wire"
)

const minPayloadLen = 16

type clientConfig struct {
	relayURL string
	token    string
	role     string
	target   string
	keyPath  string
	convSeed string
	payload  []byte
	timeout  time.Duration
}

func main() {
	cfg := parseConfig()
	if err := run(cfg); err != nil {
		log.Fatalf("mock client failed: %v", err)
	}
	log.Printf("mock client role %s completed", cfg.role)
}

func parseConfig() clientConfig {
	var cfg clientConfig
	var payload string
	flag.StringVar(&cfg.relayURL, "relay", "ws://127.0.0.1:8080/ws", "Websocket URL of the relay")
	flag.StringVar(&cfg.token, "token", "", "Bearer token minted for this identity")
	flag.StringVar(&cfg.role, "role", "sender", "Role for this client (sender|receiver)")
	flag.StringVar(&cfg.target, "target", "", "Recipient identity ID (sender role)")
	flag.StringVar(&cfg.keyPath, "identity-key", "", "PEM file holding this identity's RSA private key (sender role)")
	flag.StringVar(&cfg.convSeed, "conversation-seed", "mockclient-conversation", "Seed the conversation key is derived from; both sides must agree")
	flag.StringVar(&payload, "payload", "integration-payload-012345", "Plaintext to relay")
	flag.DurationVar(&cfg.timeout, "timeout", 30*time.Second, "Overall timeout for the flow")
	flag.Parse()

	switch cfg.role {
	case "sender", "receiver":
	default:
		log.Fatalf("unsupported role %s (expected sender or receiver)", cfg.role)
	}
	if cfg.token == "" {
		log.Fatalf("-token is required")
	}
	if cfg.role == "sender" {
		if cfg.target == "" {
			log.Fatalf("-target is required for the sender role")
		}
		if cfg.keyPath == "" {
			log.Fatalf("-identity-key is required for the sender role")
		}
	}

	cfg.payload = []byte(payload)
	for len(cfg.payload) < minPayloadLen {
		cfg.payload = append(cfg.payload, '0')
	}
	return cfg
}

func run(cfg clientConfig) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.relayURL, nil)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}

	if err := conn.WriteJSON(&wire.Frame{Type: wire.TypeAuth, Auth: &wire.Auth{Token: cfg.token}}); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	ack, history, err := expectSessionStart(conn)
	if err != nil {
		return err
	}
	log.Printf("session %s established, %d identities online, %d records replayed",
		ack.SessionID, len(ack.Online), len(history.Messages))

	convKey := deriveConversationKey(cfg.convSeed)

	switch cfg.role {
	case "sender":
		return runSender(conn, cfg, convKey)
	default:
		return runReceiver(conn, cfg, convKey, history)
	}
}

func runSender(conn *websocket.Conn, cfg clientConfig, convKey []byte) error {
	priv, err := loadPrivateKey(cfg.keyPath)
	if err != nil {
		return err
	}

	sealed, err := envelope.Seal(cfg.payload, convKey)
	if err != nil {
		return fmt.Errorf("seal payload: %w", err)
	}
	sealed.Signature, err = keys.Sign(priv, sealed.Ciphertext)
	if err != nil {
		return fmt.Errorf("sign envelope: %w", err)
	}

	if err := conn.WriteJSON(&wire.Frame{
		Type: wire.TypeSend,
		Send: &wire.Send{ReceiverID: cfg.target, Envelope: sealed, ClientRef: "mockclient-1"},
	}); err != nil {
		return fmt.Errorf("send message: %w", err)
	}

	for {
		var frame wire.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		switch frame.Type {
		case wire.TypeSendAck:
			log.Printf("message %s accepted, delivered=%v", frame.SendAck.MessageID, frame.SendAck.Delivered)
			return nil
		case wire.TypeError:
			return fmt.Errorf("error frame: %s %s", frame.Error.Code, frame.Error.Message)
		default:
			// presence and echoes are expected noise for the sender
			continue
		}
	}
}

func runReceiver(conn *websocket.Conn, cfg clientConfig, convKey []byte, history *wire.History) error {
	for _, rec := range history.Messages {
		if matches(rec, convKey, cfg.payload) {
			log.Printf("payload found in replayed record %s", rec.ID)
			return nil
		}
	}

	for {
		var frame wire.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		switch frame.Type {
		case wire.TypeMessage:
			if matches(frame.Message.Record, convKey, cfg.payload) {
				log.Printf("payload received live in record %s", frame.Message.Record.ID)
				return nil
			}
		case wire.TypePresence:
			log.Printf("presence: %s is %s", frame.Presence.IdentityID, frame.Presence.Status)
		case wire.TypeError:
			return fmt.Errorf("error frame: %s %s", frame.Error.Code, frame.Error.Message)
		}
	}
}

func expectSessionStart(conn *websocket.Conn) (*wire.AuthAck, *wire.History, error) {
	var ackFrame wire.Frame
	if err := conn.ReadJSON(&ackFrame); err != nil {
		return nil, nil, fmt.Errorf("read auth_ack: %w", err)
	}
	if ackFrame.Type == wire.TypeError {
		return nil, nil, fmt.Errorf("rejected: %s %s", ackFrame.Error.Code, ackFrame.Error.Message)
	}
	if ackFrame.Type != wire.TypeAuthAck || ackFrame.AuthAck == nil {
		return nil, nil, fmt.Errorf("expected auth_ack, got %s", ackFrame.Type)
	}

	var histFrame wire.Frame
	if err := conn.ReadJSON(&histFrame); err != nil {
		return nil, nil, fmt.Errorf("read history: %w", err)
	}
	if histFrame.Type != wire.TypeHistory || histFrame.History == nil {
		return nil, nil, fmt.Errorf("expected history, got %s", histFrame.Type)
	}
	return ackFrame.AuthAck, histFrame.History, nil
}

func matches(rec store.Record, convKey, payload []byte) bool {
	opened, err := envelope.Open(rec.Envelope, convKey)
	if err != nil {
		return false
	}
	return bytes.Equal(opened, payload)
}

func loadPrivateKey(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity key: %w", err)
	}
	priv, err := keys.ParsePrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse identity key: %w", err)
	}
	return priv, nil
}

func deriveConversationKey(seed string) []byte {
	sum := sha256.Sum256([]byte(seed))
	return sum[:]
}
