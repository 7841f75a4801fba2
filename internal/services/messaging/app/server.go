// Package server hosts the messaging HTTP/WebSocket gateway.
//
// The gateway is transport only. Scope resolution, authorization, and
// persistence live in Service; the gateway translates frames, enforces
// connection hygiene, and pumps broker subscriptions to peers.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/websocket"

	apperrors "github.com/SharadaShehan/Project-Management-App-Monolithic/internal/platform/errors"
	"github.com/SharadaShehan/Project-Management-App-Monolithic/internal/platform/timeouts"
	"github.com/SharadaShehan/Project-Management-App-Monolithic/internal/services/messaging/broker"
	"github.com/SharadaShehan/Project-Management-App-Monolithic/internal/services/messaging/domain"
	"github.com/SharadaShehan/Project-Management-App-Monolithic/internal/services/messaging/storage/sqlite"
)

const (
	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3

	defaultHistoryLimit = 50
)

// Config defines the inputs for the messaging transport boundary.
type Config struct {
	HTTPAddr          string
	DBPath            string
	DirectoryBaseURL  string
	SessionIssuer     string
	SessionAudience   string
	SessionPublicKey  string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server hosts the messaging HTTP/WebSocket process.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	store           *sqlite.Store
	publisher       *broker.Broker
}

type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type wsErrorEnvelope struct {
	Error wsError `json:"error"`
}

type wsError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type openPayload struct {
	Scope domain.ScopeSelector `json:"scope"`
}

type openedPayload struct {
	Scope       string `json:"scope"`
	LatestIndex uint64 `json:"latest_index"`
	ServerTime  string `json:"server_time"`
}

type sendPayload struct {
	Content string `json:"content"`
}

type historyBeforePayload struct {
	BeforeIndex uint64 `json:"before_index"`
	// Limit distinguishes an omitted value from an explicit one so the
	// default only applies when the caller sent nothing.
	Limit *int `json:"limit"`
}

type readPayload struct {
	MessageID string `json:"message_id"`
}

type inboxRequestPayload struct {
	Kind string `json:"kind,omitempty"`
}

type messageEnvelope struct {
	Message wireMessage `json:"message"`
}

type wireMessage struct {
	MessageID string   `json:"message_id"`
	Scope     string   `json:"scope"`
	SenderID  string   `json:"sender_id"`
	Content   string   `json:"content"`
	SentAt    string   `json:"sent_at"`
	Index     uint64   `json:"index"`
	Read      bool     `json:"read"`
	ReadBy    []string `json:"read_by,omitempty"`
}

type ackEnvelope struct {
	Result ackResult `json:"result"`
}

type ackResult struct {
	Status    string `json:"status"`
	MessageID string `json:"message_id,omitempty"`
	Index     uint64 `json:"index,omitempty"`
	Count     int    `json:"count,omitempty"`
}

type inboxEnvelope struct {
	Previews []inboxPreview `json:"previews"`
}

type inboxPreview struct {
	Scope  string      `json:"scope"`
	Latest wireMessage `json:"latest"`
	Unread int         `json:"unread"`
}

func toWireMessage(msg domain.Message, viewerID string) wireMessage {
	return wireMessage{
		MessageID: msg.ID,
		Scope:     msg.Scope.String(),
		SenderID:  msg.SenderID,
		Content:   msg.Content,
		SentAt:    msg.CreatedAt.UTC().Format(time.RFC3339Nano),
		Index:     msg.SequenceIndex,
		Read:      !msg.UnreadFor(viewerID),
		ReadBy:    msg.ReadBy,
	}
}

type wsPeer struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func newWSPeer(encoder *json.Encoder) *wsPeer {
	return &wsPeer{encoder: encoder}
}

func (p *wsPeer) writeFrame(frame wsFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(frame)
}

type wsSession struct {
	mu     sync.Mutex
	userID string
	peer   *wsPeer
	scope  domain.ScopeKey
	sub    *broker.Subscription
	pump   sync.WaitGroup
}

func newWSSession(userID string, peer *wsPeer) *wsSession {
	return &wsSession{userID: userID, peer: peer}
}

// bind swaps the session onto a new scope subscription and returns the
// previous one so the caller can close it.
func (s *wsSession) bind(scope domain.ScopeKey, sub *broker.Subscription) *broker.Subscription {
	s.mu.Lock()
	previous := s.sub
	s.scope = scope
	s.sub = sub
	s.mu.Unlock()
	return previous
}

func (s *wsSession) currentScope() (domain.ScopeKey, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scope, s.sub != nil
}

func (s *wsSession) close() {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
	s.pump.Wait()
}

type gatewayMetrics struct {
	connectionsTotal prometheus.Counter
	framesTotal      *prometheus.CounterVec
}

func newGatewayMetrics(reg prometheus.Registerer) *gatewayMetrics {
	m := &gatewayMetrics{
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "messaging_ws_connections_total",
			Help: "Accepted websocket connections.",
		}),
		framesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "messaging_ws_frames_total",
			Help: "Processed websocket frames by type.",
		}, []string{"type"}),
	}
	if reg != nil {
		reg.MustRegister(m.connectionsTotal, m.framesTotal)
	}
	return m
}

type wsUserIDContextKey struct{}

// NewHandler creates messaging routes with websocket identity checks
// disabled. Tests and local runs inject the caller id via the
// X-Debug-User-ID header.
func NewHandler(service *Service, publisher *broker.Broker, registry *prometheus.Registry) http.Handler {
	return newHandler(service, publisher, nil, registry)
}

// NewHandlerWithVerifier creates messaging routes with enforced session
// verification.
func NewHandlerWithVerifier(service *Service, publisher *broker.Broker, verifier *SessionVerifier, registry *prometheus.Registry) http.Handler {
	return newHandler(service, publisher, verifier, registry)
}

func newHandler(service *Service, publisher *broker.Broker, verifier *SessionVerifier, registry *prometheus.Registry) http.Handler {
	metrics := newGatewayMetrics(registry)

	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	if registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		handleWSConn(conn, service, publisher, metrics)
	})

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		userID := ""
		if verifier != nil {
			token := sessionTokenFromRequest(r)
			if token == "" {
				log.Printf("messaging: websocket unauthorized: missing %s cookie for remote=%s", SessionCookieName, r.RemoteAddr)
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
			resolved, err := verifier.Verify(token)
			if err != nil {
				log.Printf("messaging: websocket unauthorized: session verification failed for remote=%s err=%v", r.RemoteAddr, err)
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
			userID = resolved
		} else {
			userID = strings.TrimSpace(r.Header.Get("X-Debug-User-ID"))
		}
		if userID == "" {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}

		metrics.connectionsTotal.Inc()
		ctx := context.WithValue(r.Context(), wsUserIDContextKey{}, userID)
		wsHandler.ServeHTTP(w, r.WithContext(ctx))
	})

	return mux
}

func sessionTokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}

func handleWSConn(conn *websocket.Conn, service *Service, publisher *broker.Broker, metrics *gatewayMetrics) {
	// The conn must close before waiting on the pump: a pump write to a
	// stalled peer only unblocks once the connection is gone.
	var session *wsSession
	defer func() {
		_ = conn.Close()
		if session != nil {
			session.close()
		}
	}()

	decoder := json.NewDecoder(conn)
	peer := newWSPeer(json.NewEncoder(conn))
	userID := ""
	ctx := context.Background()
	if request := conn.Request(); request != nil {
		ctx = request.Context()
		if resolved, ok := ctx.Value(wsUserIDContextKey{}).(string); ok {
			userID = strings.TrimSpace(resolved)
		}
	}
	if userID == "" {
		_ = writeWSError(peer, "", apperrors.New(apperrors.CodeSessionTokenInvalid, "connection carries no identity"))
		return
	}

	session = newWSSession(userID, peer)

	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			_ = writeWSError(peer, "", apperrors.New(apperrors.CodeScopeSelectorInvalid, "invalid frame payload"))
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			_ = writeWSError(peer, frame.RequestID, apperrors.New(apperrors.CodeScopeSelectorInvalid, "payload too large"))
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			_ = peer.writeFrame(wsFrame{
				Type:      "msg.error",
				RequestID: frame.RequestID,
				Payload: mustJSON(wsErrorEnvelope{Error: wsError{
					Code:      "RESOURCE_EXHAUSTED",
					Message:   "rate limit exceeded",
					Retryable: true,
				}}),
			})
			return
		}

		metrics.framesTotal.WithLabelValues(frame.Type).Inc()
		switch frame.Type {
		case "msg.open":
			handleOpenFrame(ctx, session, service, publisher, frame)
		case "msg.send":
			handleSendFrame(ctx, session, service, frame)
		case "msg.history.before":
			handleHistoryBeforeFrame(ctx, session, service, frame)
		case "msg.read":
			handleReadFrame(ctx, session, service, frame)
		case "msg.inbox":
			handleInboxFrame(ctx, session, service, frame)
		default:
			_ = writeWSError(peer, frame.RequestID, apperrors.New(apperrors.CodeScopeSelectorInvalid, "unsupported frame type"))
		}
	}
}

func handleOpenFrame(ctx context.Context, session *wsSession, service *Service, publisher *broker.Broker, frame wsFrame) {
	var payload openPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, apperrors.New(apperrors.CodeScopeSelectorInvalid, "invalid open payload"))
		return
	}

	scope, latest, err := service.Open(ctx, session.userID, payload.Scope)
	if err != nil {
		_ = writeWSError(session.peer, frame.RequestID, err)
		return
	}

	var sub *broker.Subscription
	if publisher != nil {
		sub = publisher.Subscribe(scope, session.userID, 0)
		session.pump.Add(1)
		go func(peer *wsPeer, viewerID string) {
			defer session.pump.Done()
			for msg := range sub.Messages() {
				_ = peer.writeFrame(wsFrame{
					Type:    "msg.message",
					Payload: mustJSON(messageEnvelope{Message: toWireMessage(msg, viewerID)}),
				})
			}
		}(session.peer, session.userID)
	}
	if previous := session.bind(scope, sub); previous != nil {
		previous.Close()
	}

	_ = session.peer.writeFrame(wsFrame{
		Type:      "msg.opened",
		RequestID: frame.RequestID,
		Payload: mustJSON(openedPayload{
			Scope:       scope.String(),
			LatestIndex: latest,
			ServerTime:  time.Now().UTC().Format(time.RFC3339),
		}),
	})
}

func selectorForScope(scope domain.ScopeKey, callerID string) domain.ScopeSelector {
	switch scope.Kind {
	case domain.ScopeDirect:
		a, b, _ := scope.Participants()
		counterpart := a
		if counterpart == callerID {
			counterpart = b
		}
		return domain.ScopeSelector{CounterpartUserID: counterpart}
	case domain.ScopeProject:
		return domain.ScopeSelector{ProjectID: scope.A}
	default:
		return domain.ScopeSelector{PhaseID: scope.A}
	}
}

func handleSendFrame(ctx context.Context, session *wsSession, service *Service, frame wsFrame) {
	var payload sendPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, apperrors.New(apperrors.CodeMessageContentEmpty, "invalid send payload"))
		return
	}

	scope, bound := session.currentScope()
	if !bound {
		_ = writeWSError(session.peer, frame.RequestID, apperrors.New(apperrors.CodeScopeMembershipRequired, "must open a scope before sending"))
		return
	}

	msg, err := service.Send(ctx, session.userID, selectorForScope(scope, session.userID), payload.Content)
	if err != nil {
		_ = writeWSError(session.peer, frame.RequestID, err)
		return
	}

	_ = session.peer.writeFrame(wsFrame{
		Type:      "msg.ack",
		RequestID: frame.RequestID,
		Payload: mustJSON(ackEnvelope{Result: ackResult{
			Status:    "ok",
			MessageID: msg.ID,
			Index:     msg.SequenceIndex,
		}}),
	})
}

func handleHistoryBeforeFrame(ctx context.Context, session *wsSession, service *Service, frame wsFrame) {
	var payload historyBeforePayload
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			_ = writeWSError(session.peer, frame.RequestID, apperrors.New(apperrors.CodePageLimitInvalid, "invalid history payload"))
			return
		}
	}
	limit := defaultHistoryLimit
	if payload.Limit != nil {
		limit = *payload.Limit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	scope, bound := session.currentScope()
	if !bound {
		_ = writeWSError(session.peer, frame.RequestID, apperrors.New(apperrors.CodeScopeMembershipRequired, "must open a scope before requesting history"))
		return
	}

	messages, err := service.History(ctx, session.userID, selectorForScope(scope, session.userID), payload.BeforeIndex, limit)
	if err != nil {
		_ = writeWSError(session.peer, frame.RequestID, err)
		return
	}

	for _, msg := range messages {
		_ = session.peer.writeFrame(wsFrame{
			Type:    "msg.message",
			Payload: mustJSON(messageEnvelope{Message: toWireMessage(msg, session.userID)}),
		})
	}
	_ = session.peer.writeFrame(wsFrame{
		Type:      "msg.ack",
		RequestID: frame.RequestID,
		Payload: mustJSON(ackEnvelope{Result: ackResult{
			Status: "ok",
			Count:  len(messages),
		}}),
	})
}

func handleReadFrame(ctx context.Context, session *wsSession, service *Service, frame wsFrame) {
	var payload readPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, apperrors.New(apperrors.CodeMessageNotFound, "invalid read payload"))
		return
	}

	msg, err := service.MarkRead(ctx, session.userID, strings.TrimSpace(payload.MessageID))
	if err != nil {
		_ = writeWSError(session.peer, frame.RequestID, err)
		return
	}

	_ = session.peer.writeFrame(wsFrame{
		Type:      "msg.ack",
		RequestID: frame.RequestID,
		Payload: mustJSON(ackEnvelope{Result: ackResult{
			Status:    "ok",
			MessageID: msg.ID,
			Index:     msg.SequenceIndex,
		}}),
	})
}

func handleInboxFrame(ctx context.Context, session *wsSession, service *Service, frame wsFrame) {
	var payload inboxRequestPayload
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			_ = writeWSError(session.peer, frame.RequestID, apperrors.New(apperrors.CodeScopeSelectorInvalid, "invalid inbox payload"))
			return
		}
	}

	var previews []Preview
	var err error
	kind := domain.ScopeKind(strings.TrimSpace(payload.Kind))
	switch kind {
	case "":
		previews, err = service.Inbox(ctx, session.userID)
	case domain.ScopeDirect, domain.ScopeProject, domain.ScopePhase:
		previews, err = service.InboxByKind(ctx, session.userID, kind)
	default:
		_ = writeWSError(session.peer, frame.RequestID, apperrors.New(apperrors.CodeScopeSelectorInvalid, "unknown scope kind"))
		return
	}
	if err != nil {
		_ = writeWSError(session.peer, frame.RequestID, err)
		return
	}

	rows := make([]inboxPreview, 0, len(previews))
	for _, preview := range previews {
		rows = append(rows, inboxPreview{
			Scope:  preview.Scope.String(),
			Latest: toWireMessage(preview.Latest, session.userID),
			Unread: preview.Unread,
		})
	}
	_ = session.peer.writeFrame(wsFrame{
		Type:      "msg.inbox",
		RequestID: frame.RequestID,
		Payload:   mustJSON(inboxEnvelope{Previews: rows}),
	})
}

func writeWSError(peer *wsPeer, requestID string, err error) error {
	code := apperrors.CodeOf(err)
	message := "internal error"
	var domainErr *apperrors.Error
	if errors.As(err, &domainErr) {
		message = domainErr.Message
	} else if err != nil {
		message = err.Error()
	}
	return peer.writeFrame(wsFrame{
		Type:      "msg.error",
		RequestID: requestID,
		Payload: mustJSON(wsErrorEnvelope{Error: wsError{
			Code:      code.WireCode(),
			Message:   message,
			Retryable: code.Retryable(),
		}}),
	})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("failed to marshal websocket frame payload: %v", err)
		return nil
	}
	return b
}

// NewServer builds a configured messaging server.
func NewServer(config Config) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}

	store, err := sqlite.Open(config.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open messaging store: %w", err)
	}

	directory, err := NewHTTPDirectory(config.DirectoryBaseURL, nil)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("init directory client: %w", err)
	}

	var verifier *SessionVerifier
	if strings.TrimSpace(config.SessionPublicKey) != "" {
		verifier, err = NewSessionVerifier(config.SessionIssuer, config.SessionAudience, config.SessionPublicKey, nil)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("init session verifier: %w", err)
		}
	} else {
		log.Printf("messaging: session public key is not configured, websocket auth disabled")
	}

	registry := prometheus.NewRegistry()
	publisher := broker.New(registry)

	service, err := NewService(store, publisher, directory)
	if err != nil {
		publisher.Close()
		_ = store.Close()
		return nil, fmt.Errorf("init messaging service: %w", err)
	}

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           newHandler(service, publisher, verifier, registry),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer:      httpServer,
		store:           store,
		publisher:       publisher,
	}, nil
}

// Run creates and serves a messaging server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(config)
	if err != nil {
		return fmt.Errorf("init messaging server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve messaging: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("messaging server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("messaging server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close releases server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.publisher != nil {
		s.publisher.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close messaging store: %v", err)
		}
	}
}
