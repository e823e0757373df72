package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/lobby/internal/auth"
	"github.com/MarcoPoloResearchLab/lobby/internal/presence"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxFrameBytes     = 4096
	replyBufferLength = 8
)

// sessionRegistry counts open sessions per identity. A user goes offline only
// when its last session closes. Lifecycle calls for one identity run one at a
// time; different identities do not wait on each other.
type sessionRegistry struct {
	locks  *identityLocks
	mu     sync.Mutex
	counts map[presence.Identity]int
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{
		locks:  newIdentityLocks(),
		counts: make(map[presence.Identity]int),
	}
}

// open runs connect under the identity's lock and counts the session when it succeeds.
func (r *sessionRegistry) open(identity presence.Identity, connect func() error) error {
	release := r.locks.lock(identity)
	defer release()
	if err := connect(); err != nil {
		return err
	}
	r.mu.Lock()
	r.counts[identity]++
	r.mu.Unlock()
	return nil
}

// close forgets one session and runs disconnect when it was the last one.
func (r *sessionRegistry) close(identity presence.Identity, disconnect func() error) error {
	release := r.locks.lock(identity)
	defer release()
	r.mu.Lock()
	remaining := r.counts[identity] - 1
	if remaining > 0 {
		r.counts[identity] = remaining
		r.mu.Unlock()
		return nil
	}
	delete(r.counts, identity)
	r.mu.Unlock()
	return disconnect()
}

func (r *sessionRegistry) sessions(identity presence.Identity) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[identity]
}

type websocketSession struct {
	handler  *httpHandler
	conn     *websocket.Conn
	identity presence.Identity
	replies  chan any
}

func (h *httpHandler) handleSubscribe(c *gin.Context) {
	identity, token, ok := h.sessionIdentity(c)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	session := &websocketSession{
		handler:  h,
		conn:     conn,
		identity: identity,
		replies:  make(chan any, replyBufferLength),
	}
	h.metrics.sessions.Inc()
	defer h.metrics.sessions.Dec()
	session.run(c.Request.Context(), token)
}

// sessionIdentity resolves the caller's identity from its token, minting a
// fresh identity for clients that present none.
func (h *httpHandler) sessionIdentity(c *gin.Context) (presence.Identity, string, bool) {
	token := auth.ExtractToken(c.Request, h.cookieName)
	if token != "" {
		identity, err := h.resolveIdentity(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return "", "", false
		}
		return identity, token, true
	}

	issued, err := h.identities.IssueIdentity(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to issue identity", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "identity_issue_failed"})
		return "", "", false
	}
	identity, err := presence.NewIdentity(issued.Identity)
	if err != nil {
		h.logger.Error("issued identity rejected", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "identity_issue_failed"})
		return "", "", false
	}
	return identity, issued.Token, true
}

func (s *websocketSession) run(requestCtx context.Context, token string) {
	ctx, cancel := context.WithCancel(requestCtx)
	defer cancel()

	stream, unsubscribe := s.handler.realtime.Subscribe(ctx)
	defer unsubscribe()

	if err := s.connect(ctx); err != nil {
		s.writeNow(newErrorFrame(err))
		s.closeWith(websocket.CloseInternalServerErr, "connect failed")
		return
	}
	defer s.disconnect(context.WithoutCancel(requestCtx))

	if err := s.writeNow(identityFrame{Type: frameTypeIdentity, Identity: s.identity.String(), Token: token}); err != nil {
		return
	}
	snapshot, err := s.snapshot(ctx)
	if err != nil {
		s.writeNow(newErrorFrame(err))
		s.closeWith(websocket.CloseInternalServerErr, "snapshot failed")
		return
	}
	if err := s.writeNow(snapshot); err != nil {
		return
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx, stream)
	}()

	s.readLoop(ctx, writerDone)
	cancel()
	<-writerDone
}

func (s *websocketSession) connect(ctx context.Context) error {
	return s.handler.sessions.open(s.identity, func() error {
		_, _, err := s.handler.applyCall(ctx, "connect", s.identity, func(ctx context.Context, caller presence.Caller) ([]presence.Change, error) {
			return s.handler.presence.OnConnect(ctx, caller)
		})
		return err
	})
}

func (s *websocketSession) disconnect(ctx context.Context) {
	err := s.handler.sessions.close(s.identity, func() error {
		_, _, err := s.handler.applyCall(ctx, "disconnect", s.identity, func(ctx context.Context, caller presence.Caller) ([]presence.Change, error) {
			return s.handler.presence.OnDisconnect(ctx, caller)
		})
		return err
	})
	if err != nil {
		s.handler.logger.Error("failed to record disconnect",
			zap.String("identity", s.identity.String()),
			zap.Error(err))
	}
}

func (s *websocketSession) snapshot(ctx context.Context) (snapshotFrame, error) {
	users, err := s.handler.presence.Users(ctx)
	if err != nil {
		return snapshotFrame{}, err
	}
	cursors, err := s.handler.presence.Cursors(ctx)
	if err != nil {
		return snapshotFrame{}, err
	}
	messages, err := s.handler.presence.Messages(ctx)
	if err != nil {
		return snapshotFrame{}, err
	}
	return snapshotFrame{
		Type:     frameTypeSnapshot,
		Users:    nonNil(users),
		Cursors:  nonNil(cursors),
		Messages: nonNil(messages),
	}, nil
}

func (s *websocketSession) readLoop(ctx context.Context, writerDone <-chan struct{}) {
	s.conn.SetReadLimit(maxFrameBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.handler.logger.Debug("websocket closed",
					zap.String("identity", s.identity.String()),
					zap.Error(err))
			}
			return
		}
		if err := s.handleFrame(ctx, payload); err != nil {
			select {
			case s.replies <- newErrorFrame(err):
			case <-writerDone:
				return
			}
		}
	}
}

func (s *websocketSession) handleFrame(ctx context.Context, payload []byte) error {
	var frame clientFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return fmt.Errorf("%w: %v", errMalformedFrame, err)
	}

	var (
		operation string
		call      presenceCall
	)
	switch frame.Type {
	case frameTypeSetName:
		name := valueOrEmpty(frame.Name)
		operation = "set_name"
		call = func(ctx context.Context, caller presence.Caller) ([]presence.Change, error) {
			return s.handler.presence.SetName(ctx, caller, name)
		}
	case frameTypeSendMessage:
		text := valueOrEmpty(frame.Text)
		operation = "send_message"
		call = func(ctx context.Context, caller presence.Caller) ([]presence.Change, error) {
			return s.handler.presence.SendMessage(ctx, caller, text)
		}
	case frameTypeUpdateCursor:
		if frame.X == nil || frame.Y == nil {
			return fmt.Errorf("%w: update_cursor requires x and y", errMalformedFrame)
		}
		x, y := *frame.X, *frame.Y
		operation = "update_cursor"
		call = func(ctx context.Context, caller presence.Caller) ([]presence.Change, error) {
			return s.handler.presence.UpdateCursor(ctx, caller, x, y)
		}
	default:
		return fmt.Errorf("%w: %q", errUnknownFrame, frame.Type)
	}

	_, _, err := s.handler.applyCall(ctx, operation, s.identity, call)
	return err
}

func (s *websocketSession) writeLoop(ctx context.Context, stream <-chan RealtimeMessage) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.closeWith(websocket.CloseNormalClosure, "")
			s.conn.Close()
			return
		case message := <-stream:
			if err := s.writeNow(newChangeFrame(message.Change, message.Timestamp)); err != nil {
				s.conn.Close()
				return
			}
		case reply := <-s.replies:
			if err := s.writeNow(reply); err != nil {
				s.conn.Close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.conn.Close()
				return
			}
		}
	}
}

func (s *websocketSession) writeNow(frame any) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(frame); err != nil {
		s.handler.logger.Debug("websocket write failed",
			zap.String("identity", s.identity.String()),
			zap.Error(err))
		return err
	}
	return nil
}

func (s *websocketSession) closeWith(code int, reason string) {
	message := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(writeWait))
}

func valueOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
