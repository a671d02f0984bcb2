package relay

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/parley-chat/parley/internal/auth"
	"github.com/parley-chat/parley/internal/crypto/keys"
	"github.com/parley-chat/parley/internal/registry"
	"github.com/parley-chat/parley/internal/store"
	"github.com/parley-chat/parley/internal/wire"
)

const sendBufferSize = 32

// Wire error codes surfaced to the offending session.
const (
	codeUnauthenticated = "UNAUTHENTICATED"
	codeAuthFailed      = "AUTH_FAILED"
	codeInvalidFrame    = "INVALID_FRAME"
	codeBackpressure    = "BACKPRESSURE"
	codeInternal        = "INTERNAL"
)

// RouterOptions configures observability and protocol limits.
type RouterOptions struct {
	Metrics      *routerMetrics
	HistoryLimit int
	AuthTimeout  time.Duration
	SessionLimit int
}

// Router owns connection lifecycle: authentication, history replay,
// presence broadcast, and message fan-out. It never decrypts envelopes;
// only the outer signature is checked.
type Router struct {
	log      *zap.Logger
	registry *registry.Registry
	store    store.Store
	auth     auth.Provider
	metrics  *routerMetrics

	historyLimit int
	authTimeout  time.Duration
}

// NewRouter wires dependencies for the websocket handler.
func NewRouter(log *zap.Logger, st store.Store, provider auth.Provider, opts RouterOptions) *Router {
	r := &Router{
		log:          log,
		registry:     registry.New(opts.SessionLimit),
		store:        st,
		auth:         provider,
		metrics:      opts.Metrics,
		historyLimit: opts.HistoryLimit,
		authTimeout:  opts.AuthTimeout,
	}
	if r.historyLimit <= 0 {
		r.historyLimit = 50
	}
	if r.authTimeout <= 0 {
		r.authTimeout = 10 * time.Second
	}
	return r
}

// Registry exposes the session registry (read-only use in tests and admin).
func (r *Router) Registry() *registry.Registry {
	return r.registry
}

// session is one live authenticated connection.
type session struct {
	id       string
	identity auth.Identity
	sendCh   chan *wire.Frame
	ctx      context.Context
	cancel   context.CancelFunc
}

func (s *session) ID() string       { return s.id }
func (s *session) Identity() string { return s.identity.ID }

// Push queues a frame without blocking. A full buffer tears the session
// down rather than stalling the caller's request path.
func (s *session) Push(frame *wire.Frame) error {
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case s.sendCh <- frame:
		return nil
	default:
		s.cancel()
		return &routeError{code: codeBackpressure, msg: "session send buffer full", fatal: true}
	}
}

// HandleConn runs one connection worker to completion. The first frame must
// authenticate; everything after that is live traffic.
func (r *Router) HandleConn(parentCtx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	start := time.Now()
	sess, err := r.handshake(parentCtx, conn)
	if err != nil {
		r.observe("auth", start, err)
		// No session exists yet, so write the rejection directly.
		_ = conn.WriteJSON(wire.ErrorFrame(codeUnauthenticated, "authentication required"))
		return
	}
	r.observe("auth", start, nil)
	defer r.cleanupSession(sess)

	go r.writer(conn, sess)

	for {
		var frame wire.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			if sess.ctx.Err() == nil {
				r.log.Debug("connection read failed", zap.Error(err), zap.String("session_id", sess.id))
			}
			return
		}

		start := time.Now()
		err := r.routeFrame(sess, &frame)
		r.observe(frame.Type, start, err)
		if err == nil {
			continue
		}

		var rerr *routeError
		if errors.As(err, &rerr) {
			_ = sess.Push(wire.ErrorFrame(rerr.code, rerr.msg))
			if rerr.fatal {
				return
			}
			continue
		}
		r.log.Warn("frame handling failed", zap.Error(err), zap.String("session_id", sess.id))
		return
	}
}

// handshake reads the auth frame, resolves the identity, and brings the
// session online: ack and history are queued before the session becomes
// visible to fan-out, so replay always precedes live delivery.
func (r *Router) handshake(parentCtx context.Context, conn *websocket.Conn) (*session, error) {
	_ = conn.SetReadDeadline(time.Now().Add(r.authTimeout))
	var first wire.Frame
	if err := conn.ReadJSON(&first); err != nil {
		return nil, errors.New("read auth frame: connection closed or timed out")
	}
	_ = conn.SetReadDeadline(time.Time{})

	if first.Type != wire.TypeAuth || first.Auth == nil {
		return nil, errors.New("first frame must be auth")
	}

	identity, err := r.auth.Authenticate(parentCtx, first.Auth.Token)
	if err != nil {
		r.log.Info("connection rejected", zap.Error(err))
		return nil, err
	}

	sessionID, err := generateSessionID()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(parentCtx)
	sess := &session{
		id:       sessionID,
		identity: identity,
		sendCh:   make(chan *wire.Frame, sendBufferSize),
		ctx:      ctx,
		cancel:   cancel,
	}

	// Snapshot presence and history before registering: the send buffer is
	// drained in order, so nothing live can overtake the replay batch.
	online := r.registry.OnlineIdentities()
	history, err := r.store.QueryRecent(parentCtx, identity.ID, r.historyLimit)
	if err != nil {
		cancel()
		r.log.Error("history query failed", zap.Error(err), zap.String("identity", identity.ID))
		return nil, err
	}
	reverseRecords(history)

	sess.sendCh <- &wire.Frame{
		Type:    wire.TypeAuthAck,
		AuthAck: &wire.AuthAck{SessionID: sessionID, Online: online},
	}
	sess.sendCh <- &wire.Frame{
		Type:    wire.TypeHistory,
		History: &wire.History{Messages: history},
	}
	r.metrics.recordHistoryBatch()

	online2, err := r.registry.Register(sess)
	if err != nil {
		cancel()
		return nil, err
	}
	r.metrics.incSession()
	if online2 {
		r.broadcastPresence(sess.identity.ID, wire.StatusOnline)
	}

	r.log.Info("session connected",
		zap.String("session_id", sessionID),
		zap.String("identity", identity.ID),
		zap.String("username", identity.Username))
	return sess, nil
}

func (r *Router) routeFrame(sess *session, frame *wire.Frame) error {
	switch frame.Type {
	case wire.TypeSend:
		return r.handleSend(sess, frame.Send)
	case wire.TypeAuth:
		return &routeError{code: codeInvalidFrame, msg: "authentication already completed", fatal: true}
	default:
		return &routeError{code: codeInvalidFrame, msg: "unsupported frame type"}
	}
}

// handleSend runs the message state machine: verify, persist, deliver.
func (r *Router) handleSend(sess *session, send *wire.Send) error {
	if send == nil || send.ReceiverID == "" {
		return &routeError{code: codeInvalidFrame, msg: "receiver id required"}
	}
	env := send.Envelope
	if len(env.Ciphertext) == 0 || len(env.IV) == 0 || len(env.MAC) == 0 {
		return &routeError{code: codeInvalidFrame, msg: "envelope is incomplete"}
	}
	if len(env.Signature) == 0 {
		return &routeError{code: codeAuthFailed, msg: "envelope signature required"}
	}

	// Sender authenticity: the signature over the ciphertext must verify
	// against the public key bound to this session's identity. A failure is
	// indistinguishable from a corrupted envelope: reject, never persist.
	if !keys.Verify(sess.identity.PublicKey, env.Ciphertext, env.Signature) {
		return &routeError{code: codeAuthFailed, msg: "envelope signature invalid"}
	}

	rec := &store.Record{
		SenderID:   sess.identity.ID,
		ReceiverID: send.ReceiverID,
		Envelope:   env,
	}
	if err := r.store.Append(sess.ctx, rec); err != nil {
		r.log.Error("message append failed", zap.Error(err), zap.String("session_id", sess.id))
		return &routeError{code: codeInternal, msg: "message not accepted"}
	}

	delivered := r.deliver(sess, *rec)
	if delivered {
		if err := r.store.UpdateStatus(sess.ctx, rec.ID, store.StatusDelivered); err != nil {
			r.log.Warn("status update failed", zap.Error(err), zap.String("message_id", rec.ID))
		}
		r.metrics.recordMessage("delivered")
	} else {
		r.metrics.recordMessage("stored")
	}

	return sess.Push(&wire.Frame{
		Type: wire.TypeSendAck,
		SendAck: &wire.SendAck{
			MessageID: rec.ID,
			Delivered: delivered,
			ClientRef: send.ClientRef,
		},
	})
}

// deliver fans the record out to every live recipient session and echoes it
// to the sender's other sessions. Each push is independent; a dead or slow
// session never stalls acceptance for the rest.
func (r *Router) deliver(sender *session, rec store.Record) bool {
	delivered := false
	for _, target := range r.registry.SessionsFor(rec.ReceiverID) {
		if target.ID() == sender.id {
			continue
		}
		if err := target.Push(wire.MessageFrame(rec)); err == nil {
			delivered = true
		}
	}

	if rec.ReceiverID != rec.SenderID {
		for _, target := range r.registry.SessionsFor(rec.SenderID) {
			if target.ID() == sender.id {
				continue
			}
			_ = target.Push(wire.MessageFrame(rec))
		}
	}
	return delivered
}

// broadcastPresence announces a transition to every session of every other
// identity. Best effort, at most once per transition.
func (r *Router) broadcastPresence(identityID, status string) {
	frame := wire.PresenceFrame(identityID, status)
	for _, target := range r.registry.Sessions() {
		if target.Identity() == identityID {
			continue
		}
		_ = target.Push(frame)
	}
	r.metrics.recordPresence(status)
	r.metrics.setOnline(len(r.registry.OnlineIdentities()))
}

func (r *Router) writer(conn *websocket.Conn, sess *session) {
	for {
		select {
		case <-sess.ctx.Done():
			// Unblock the read loop as well.
			_ = conn.Close()
			return
		case frame := <-sess.sendCh:
			if err := conn.WriteJSON(frame); err != nil {
				r.log.Debug("connection write failed", zap.Error(err), zap.String("session_id", sess.id))
				sess.cancel()
				return
			}
		}
	}
}

func (r *Router) cleanupSession(sess *session) {
	offline := r.registry.Deregister(sess)
	sess.cancel()
	r.metrics.decSession()
	if offline {
		r.broadcastPresence(sess.identity.ID, wire.StatusOffline)
	} else {
		r.metrics.setOnline(len(r.registry.OnlineIdentities()))
	}
	r.log.Info("session disconnected",
		zap.String("session_id", sess.id),
		zap.String("identity", sess.identity.ID))
}

func (r *Router) observe(op string, start time.Time, err error) {
	if op == "" {
		op = "unknown"
	}
	r.metrics.observeLatency(op, time.Since(start))
	if err != nil {
		code := codeInternal
		var rerr *routeError
		if errors.As(err, &rerr) && rerr.code != "" {
			code = rerr.code
		} else if errors.Is(err, auth.ErrUnauthenticated) {
			code = codeUnauthenticated
		}
		r.metrics.recordError(code)
	}
}

// routeError maps application-level validation to error frames.
type routeError struct {
	code  string
	msg   string
	fatal bool
}

func (e *routeError) Error() string {
	return e.msg
}

func reverseRecords(recs []store.Record) {
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
}

func generateSessionID() (string, error) {
	var raw [12]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw[:]), nil
}
