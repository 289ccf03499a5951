package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"go.uber.org/zap"

	"github.com/workletforge/studio/internal/model"
)

const (
	pingInterval   = 30 * time.Second
	writeWait      = 10 * time.Second
	minReconnect   = time.Second
	maxReconnect   = 30 * time.Second
	handshakeLimit = 15 * time.Second
)

// SocketConfig configures a Socket
type SocketConfig struct {
	URL    string
	Token  string
	Logger *zap.Logger
}

// Socket is a Channel over a websocket carrying model.Envelope frames. Listeners
// live on the Socket, so they survive reconnects.
type Socket struct {
	listeners
	cfg    SocketConfig
	log    *zap.Logger
	dialer *websocket.Dialer

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	ready chan struct{}
	once  sync.Once
}

// NewSocket creates a Socket. Call Run to connect.
func NewSocket(cfg SocketConfig) *Socket {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Socket{
		cfg:    cfg,
		log:    log.Named("socket"),
		dialer: &websocket.Dialer{HandshakeTimeout: handshakeLimit, Proxy: http.ProxyFromEnvironment},
		ready:  make(chan struct{}),
	}
}

func (s *Socket) On(event string, h Handler) ListenerID { return s.on(event, h) }

func (s *Socket) Off(event string, id ListenerID) { s.off(event, id) }

// Ready is closed after the first successful connection
func (s *Socket) Ready() <-chan struct{} { return s.ready }

// Emit writes one envelope to the connection
func (s *Socket) Emit(ctx context.Context, event string, payload any) error {
	data, err := encode(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", event, err)
	}
	frame, err := json.Marshal(model.Envelope{Event: event, Data: data})
	if err != nil {
		return err
	}

	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetWriteDeadline(deadline)
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// Run keeps the connection open until ctx is done, reconnecting with backoff
func (s *Socket) Run(ctx context.Context) error {
	backoff := minReconnect
	for {
		started := time.Now()
		err := s.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(started) > maxReconnect {
			backoff = minReconnect
		}
		s.log.Warn("event channel disconnected", zap.Error(err), zap.Duration("retry_in", backoff))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxReconnect {
			backoff = maxReconnect
		}
	}
}

func (s *Socket) session(ctx context.Context) error {
	header := http.Header{}
	if s.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+s.cfg.Token)
	}
	conn, _, err := s.dialer.DialContext(ctx, s.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", s.cfg.URL, err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	s.once.Do(func() { close(s.ready) })
	s.log.Info("event channel connected", zap.String("url", s.cfg.URL))

	done := make(chan struct{})
	defer func() {
		close(done)
		s.connMu.Lock()
		s.conn = nil
		s.connMu.Unlock()
		conn.Close()
	}()

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				s.writeMu.Lock()
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
				s.writeMu.Unlock()
				conn.Close()
				return
			case <-ticker.C:
				s.writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
				s.writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var env model.Envelope
		if err := json.Unmarshal(message, &env); err != nil || env.Event == "" {
			s.log.Debug("dropping malformed frame", zap.Int("bytes", len(message)))
			continue
		}
		if n := s.dispatch(env.Event, env.Data); n == 0 {
			s.log.Debug("no listener for event", zap.String("event", env.Event))
		}
	}
}
