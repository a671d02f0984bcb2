package relay

import (
	"bytes"
	"context"
	"crypto/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"github.com/parley-chat/parley/internal/auth"
	"github.com/parley-chat/parley/internal/crypto/envelope"
	"github.com/parley-chat/parley/internal/crypto/keys"
	"github.com/parley-chat/parley/internal/store"
	"github.com/parley-chat/parley/internal/wire"
)

func TestRelayHappyPath(t *testing.T) {
	env := startTestRelay(t)

	alice := env.newUser(t, "alice")
	bob := env.newUser(t, "bob")

	aliceConn, aliceAck := env.connect(t, alice)
	if len(aliceAck.Online) != 0 {
		t.Fatalf("expected empty online snapshot, got %v", aliceAck.Online)
	}

	bobConn, bobAck := env.connect(t, bob)
	if len(bobAck.Online) != 1 || bobAck.Online[0] != "alice" {
		t.Fatalf("expected online snapshot [alice], got %v", bobAck.Online)
	}

	// alice learns bob came online
	presence := expectPresence(t, aliceConn)
	if presence.IdentityID != "bob" || presence.Status != wire.StatusOnline {
		t.Fatalf("unexpected presence: %+v", presence)
	}

	convKey := mustRandKey(t)
	plaintext := []byte("meet at the usual place")
	sealed := sealAndSign(t, plaintext, convKey, alice)

	sendMessage(t, aliceConn, "bob", sealed, "ref-1")

	ack := expectSendAck(t, aliceConn)
	if !ack.Delivered {
		t.Fatalf("expected delivered ack for live recipient")
	}
	if ack.ClientRef != "ref-1" {
		t.Fatalf("expected client ref echoed, got %q", ack.ClientRef)
	}
	if ack.MessageID == "" {
		t.Fatalf("expected persisted message id")
	}

	msg := expectMessage(t, bobConn)
	if msg.Record.SenderID != "alice" || msg.Record.ReceiverID != "bob" {
		t.Fatalf("unexpected routing: %+v", msg.Record)
	}
	opened, err := envelope.Open(msg.Record.Envelope, convKey)
	if err != nil {
		t.Fatalf("open relayed envelope: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("plaintext mismatch: %q", opened)
	}

	// persistence is authoritative and the live copy advanced it
	recs, err := env.st.QueryRecent(context.Background(), "bob", 10)
	if err != nil {
		t.Fatalf("query store: %v", err)
	}
	if len(recs) != 1 || recs[0].Status != store.StatusDelivered {
		t.Fatalf("expected one delivered record, got %+v", recs)
	}
}

func TestOfflineRecipientHistoryReplay(t *testing.T) {
	env := startTestRelay(t)

	alice := env.newUser(t, "alice")
	bob := env.newUser(t, "bob")

	aliceConn, _ := env.connect(t, alice)

	convKey := mustRandKey(t)
	first := sealAndSign(t, []byte("first"), convKey, alice)
	second := sealAndSign(t, []byte("second"), convKey, alice)

	sendMessage(t, aliceConn, "bob", first, "")
	ack1 := expectSendAck(t, aliceConn)
	if ack1.Delivered {
		t.Fatalf("expected delivered=false while recipient is offline")
	}
	time.Sleep(5 * time.Millisecond)
	sendMessage(t, aliceConn, "bob", second, "")
	ack2 := expectSendAck(t, aliceConn)
	if ack2.Delivered {
		t.Fatalf("expected delivered=false while recipient is offline")
	}

	// replay precedes anything live, oldest first
	bobConn, _, history := env.connectWithHistory(t, bob)
	expectPresence(t, aliceConn)
	if len(history.Messages) != 2 {
		t.Fatalf("expected 2 replayed records, got %d", len(history.Messages))
	}
	if history.Messages[0].ID != ack1.MessageID || history.Messages[1].ID != ack2.MessageID {
		t.Fatalf("replay out of order: %s, %s", history.Messages[0].ID, history.Messages[1].ID)
	}
	for _, rec := range history.Messages {
		if rec.Status != store.StatusSent {
			t.Fatalf("expected stored-only record to stay sent, got %s", rec.Status)
		}
		if _, err := envelope.Open(rec.Envelope, convKey); err != nil {
			t.Fatalf("open replayed envelope: %v", err)
		}
	}

	// nothing is delivered twice: a fresh live message arrives exactly once
	third := sealAndSign(t, []byte("third"), convKey, alice)
	sendMessage(t, aliceConn, "bob", third, "")
	expectSendAck(t, aliceConn)
	live := expectMessage(t, bobConn)
	if live.Record.ID == history.Messages[0].ID || live.Record.ID == history.Messages[1].ID {
		t.Fatalf("live delivery repeated a replayed record")
	}
	expectSilence(t, bobConn)
}

func TestForgedSignatureRejected(t *testing.T) {
	env := startTestRelay(t)

	alice := env.newUser(t, "alice")
	mallory := env.newUser(t, "mallory")
	env.newUser(t, "bob")

	aliceConn, _ := env.connect(t, alice)

	convKey := mustRandKey(t)
	sealed, err := envelope.Seal([]byte("spoofed"), convKey)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	// signed by a key that is not bound to alice's session
	sealed.Signature, err = keys.Sign(mallory.keys.Private, sealed.Ciphertext)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	sendMessage(t, aliceConn, "bob", sealed, "")
	errFrame := expectError(t, aliceConn)
	if errFrame.Code != "AUTH_FAILED" {
		t.Fatalf("expected AUTH_FAILED, got %s", errFrame.Code)
	}
	if env.st.Len() != 0 {
		t.Fatalf("forged message must not be persisted, store has %d records", env.st.Len())
	}

	// connection survives; a properly signed message still goes through
	good := sealAndSign(t, []byte("legitimate"), convKey, alice)
	sendMessage(t, aliceConn, "bob", good, "")
	ack := expectSendAck(t, aliceConn)
	if ack.MessageID == "" {
		t.Fatalf("expected persisted message after recovery")
	}
}

func TestMultiSessionFanoutAndSelfEcho(t *testing.T) {
	env := startTestRelay(t)

	alice := env.newUser(t, "alice")
	bob := env.newUser(t, "bob")

	alice1, _ := env.connect(t, alice)
	alice2, _ := env.connect(t, alice)
	bob1, _ := env.connect(t, bob)
	bob2, _ := env.connect(t, bob)

	// drain bob's online presence on alice's sessions
	expectPresence(t, alice1)
	expectPresence(t, alice2)

	convKey := mustRandKey(t)
	sealed := sealAndSign(t, []byte("fan out"), convKey, alice)
	sendMessage(t, alice1, "bob", sealed, "")

	ack := expectSendAck(t, alice1)
	if !ack.Delivered {
		t.Fatalf("expected delivery to live recipient sessions")
	}

	// every recipient session gets it, the sender's other session gets the
	// echo, and the sending session gets the ack only
	for name, conn := range map[string]*websocket.Conn{"bob1": bob1, "bob2": bob2, "alice2": alice2} {
		msg := expectMessage(t, conn)
		if msg.Record.ID != ack.MessageID {
			t.Fatalf("%s: expected record %s, got %s", name, ack.MessageID, msg.Record.ID)
		}
	}
	expectSilence(t, alice1)
}

func TestPresenceOfflineOnLastSession(t *testing.T) {
	env := startTestRelay(t)

	alice := env.newUser(t, "alice")
	bob := env.newUser(t, "bob")

	aliceConn, _ := env.connect(t, alice)
	bob1, _ := env.connect(t, bob)
	bob2, _ := env.connect(t, bob)

	expectPresence(t, aliceConn)

	closeConn(t, bob1)
	waitFor(t, func() bool { return len(env.router.Registry().SessionsFor("bob")) == 1 })
	if !env.router.Registry().Online("bob") {
		t.Fatalf("bob must stay online while a session remains")
	}

	closeConn(t, bob2)
	// exactly one presence frame: offline after the last session, none after
	// the first
	presence := expectPresence(t, aliceConn)
	if presence.IdentityID != "bob" || presence.Status != wire.StatusOffline {
		t.Fatalf("unexpected presence after last disconnect: %+v", presence)
	}
	expectSilence(t, aliceConn)
}

func TestUnauthenticatedFirstFrame(t *testing.T) {
	env := startTestRelay(t)
	env.newUser(t, "alice")

	conn := env.dial(t)
	if err := conn.WriteJSON(&wire.Frame{
		Type: wire.TypeSend,
		Send: &wire.Send{ReceiverID: "alice"},
	}); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	errFrame := expectError(t, conn)
	if errFrame.Code != "UNAUTHENTICATED" {
		t.Fatalf("expected UNAUTHENTICATED, got %s", errFrame.Code)
	}
}

func TestBadTokenRejected(t *testing.T) {
	env := startTestRelay(t)
	env.newUser(t, "alice")

	conn := env.dial(t)
	if err := conn.WriteJSON(&wire.Frame{
		Type: wire.TypeAuth,
		Auth: &wire.Auth{Token: "not-a-token"},
	}); err != nil {
		t.Fatalf("write auth: %v", err)
	}

	errFrame := expectError(t, conn)
	if errFrame.Code != "UNAUTHENTICATED" {
		t.Fatalf("expected UNAUTHENTICATED, got %s", errFrame.Code)
	}
}

func TestInvalidFrameKeepsSession(t *testing.T) {
	env := startTestRelay(t)
	alice := env.newUser(t, "alice")
	env.newUser(t, "bob")

	conn, _ := env.connect(t, alice)

	if err := conn.WriteJSON(&wire.Frame{Type: "bogus"}); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	errFrame := expectError(t, conn)
	if errFrame.Code != "INVALID_FRAME" {
		t.Fatalf("expected INVALID_FRAME, got %s", errFrame.Code)
	}

	// non-fatal: the session can still send
	convKey := mustRandKey(t)
	sealed := sealAndSign(t, []byte("still here"), convKey, alice)
	sendMessage(t, conn, "bob", sealed, "")
	if ack := expectSendAck(t, conn); ack.MessageID == "" {
		t.Fatalf("expected message accepted after invalid frame")
	}
}

// --- harness ---

type testRelay struct {
	t        *testing.T
	st       *store.MemoryStore
	dir      *auth.MemoryDirectory
	provider *auth.TokenProvider
	router   *Router
	srv      *httptest.Server
	wsURL    string
}

type testUser struct {
	id    string
	token string
	keys  keys.KeyPair
}

func startTestRelay(t *testing.T) *testRelay {
	t.Helper()

	st := store.NewMemoryStore()
	dir := auth.NewMemoryDirectory()

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		t.Fatalf("generate secret: %v", err)
	}
	provider, err := auth.NewTokenProvider(secret, dir, time.Hour)
	if err != nil {
		t.Fatalf("token provider: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	router := NewRouter(zaptest.NewLogger(t), st, provider, RouterOptions{
		HistoryLimit: 50,
		AuthTimeout:  2 * time.Second,
	})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, upErr := upgrader.Upgrade(w, r, nil)
		if upErr != nil {
			return
		}
		router.HandleConn(ctx, conn)
	}))
	t.Cleanup(srv.Close)

	return &testRelay{
		t:        t,
		st:       st,
		dir:      dir,
		provider: provider,
		router:   router,
		srv:      srv,
		wsURL:    "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached within deadline")
}

func (env *testRelay) newUser(t *testing.T, id string) testUser {
	t.Helper()

	pair, err := keys.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	if err := env.dir.Register(auth.Identity{ID: id, Username: id, PublicKey: pair.Public}); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
	token, err := env.provider.Mint(id)
	if err != nil {
		t.Fatalf("mint token for %s: %v", id, err)
	}
	return testUser{id: id, token: token, keys: pair}
}

func (env *testRelay) dial(t *testing.T) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(env.wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (env *testRelay) connect(t *testing.T, u testUser) (*websocket.Conn, *wire.AuthAck) {
	t.Helper()
	conn, ack, _ := env.connectWithHistory(t, u)
	return conn, ack
}

func (env *testRelay) connectWithHistory(t *testing.T, u testUser) (*websocket.Conn, *wire.AuthAck, *wire.History) {
	t.Helper()

	conn := env.dial(t)
	if err := conn.WriteJSON(&wire.Frame{Type: wire.TypeAuth, Auth: &wire.Auth{Token: u.token}}); err != nil {
		t.Fatalf("write auth: %v", err)
	}

	ackFrame := recvFrame(t, conn)
	if ackFrame.Type != wire.TypeAuthAck || ackFrame.AuthAck == nil {
		t.Fatalf("expected auth_ack, got %s", ackFrame.Type)
	}
	if ackFrame.AuthAck.SessionID == "" {
		t.Fatalf("expected session id in auth_ack")
	}

	histFrame := recvFrame(t, conn)
	if histFrame.Type != wire.TypeHistory || histFrame.History == nil {
		t.Fatalf("expected history after auth_ack, got %s", histFrame.Type)
	}
	return conn, ackFrame.AuthAck, histFrame.History
}

func sendMessage(t *testing.T, conn *websocket.Conn, receiverID string, env envelope.Envelope, clientRef string) {
	t.Helper()
	if err := conn.WriteJSON(&wire.Frame{
		Type: wire.TypeSend,
		Send: &wire.Send{ReceiverID: receiverID, Envelope: env, ClientRef: clientRef},
	}); err != nil {
		t.Fatalf("write send: %v", err)
	}
}

func sealAndSign(t *testing.T, plaintext, convKey []byte, u testUser) envelope.Envelope {
	t.Helper()
	sealed, err := envelope.Seal(plaintext, convKey)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	sealed.Signature, err = keys.Sign(u.keys.Private, sealed.Ciphertext)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return sealed
}

func recvFrame(t *testing.T, conn *websocket.Conn) *wire.Frame {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame wire.Frame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return &frame
}

func expectSendAck(t *testing.T, conn *websocket.Conn) *wire.SendAck {
	t.Helper()
	frame := recvFrame(t, conn)
	if frame.Type != wire.TypeSendAck || frame.SendAck == nil {
		t.Fatalf("expected send_ack, got %s", frame.Type)
	}
	return frame.SendAck
}

func expectMessage(t *testing.T, conn *websocket.Conn) *wire.Message {
	t.Helper()
	frame := recvFrame(t, conn)
	if frame.Type != wire.TypeMessage || frame.Message == nil {
		t.Fatalf("expected message, got %s", frame.Type)
	}
	return frame.Message
}

func expectPresence(t *testing.T, conn *websocket.Conn) *wire.Presence {
	t.Helper()
	frame := recvFrame(t, conn)
	if frame.Type != wire.TypePresence || frame.Presence == nil {
		t.Fatalf("expected presence, got %s", frame.Type)
	}
	return frame.Presence
}

func expectError(t *testing.T, conn *websocket.Conn) *wire.Error {
	t.Helper()
	frame := recvFrame(t, conn)
	if frame.Type != wire.TypeError || frame.Error == nil {
		t.Fatalf("expected error frame, got %s", frame.Type)
	}
	return frame.Error
}

// expectSilence asserts no frame arrives within a short window.
func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var frame wire.Frame
	err := conn.ReadJSON(&frame)
	if err == nil {
		t.Fatalf("expected no frame, got %s", frame.Type)
	}
	if !strings.Contains(err.Error(), "timeout") && !strings.Contains(err.Error(), "deadline") {
		t.Fatalf("expected read timeout, got %v", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
}

func closeConn(t *testing.T, conn *websocket.Conn) {
	t.Helper()

	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	_ = conn.Close()
}

func mustRandKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, envelope.KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}
