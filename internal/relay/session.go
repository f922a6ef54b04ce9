package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hoki-poki/hokipoki/internal/protocol"
)

const (
	roleRequester = "requester"
	roleProvider  = "provider"

	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 30 * time.Second
	maxFrameSize = 512 * 1024
	sendBuffer   = 64
	authDeadline = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Peers are CLI processes, not browsers; the JWT handshake is the gate.
	CheckOrigin: func(*http.Request) bool { return true },
}

// session is one authenticated peer connection. writePump is the only
// goroutine writing to conn; readPump the only reader.
type session struct {
	hub  *Hub
	conn *websocket.Conn
	log  *zap.Logger

	id     string
	userID string

	role        string
	workspaceID string

	send chan protocol.Frame
	done chan struct{}
	once sync.Once
}

// HandleWS upgrades the connection and runs the session to completion.
// The first frame must be authenticate; anything else disconnects.
func (h *Hub) HandleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	s, err := h.authenticate(c.Request.Context(), conn)
	if err != nil {
		h.log.Info("handshake rejected", zap.Error(err))
		conn.Close()
		return
	}

	h.addPeer(s)
	go s.writePump()
	s.readPump()
}

// authenticate reads the mandatory first frame and validates its token.
func (h *Hub) authenticate(ctx context.Context, conn *websocket.Conn) (*session, error) {
	conn.SetReadLimit(maxFrameSize)
	conn.SetReadDeadline(time.Now().Add(authDeadline)) //nolint:errcheck

	var first protocol.Frame
	if err := conn.ReadJSON(&first); err != nil {
		return nil, err
	}
	if first.Type != protocol.TypeAuthenticate {
		return nil, ErrInvalidToken
	}
	userID, err := h.verifier.Verify(ctx, first.Token)
	if err != nil {
		return nil, err
	}

	s := &session{
		hub:    h,
		conn:   conn,
		log:    h.log,
		id:     uuid.NewString(),
		userID: userID,
		send:   make(chan protocol.Frame, sendBuffer),
		done:   make(chan struct{}),
	}
	s.send <- protocol.Frame{Type: protocol.TypeConnectionConfirmed, PeerID: s.id}
	return s, nil
}

// enqueue hands a frame to the write pump without blocking the caller.
// A full buffer drops the frame; the peer is misbehaving or gone.
func (s *session) enqueue(f protocol.Frame) {
	select {
	case s.send <- f:
	case <-s.done:
	default:
		s.log.Warn("send buffer full, dropping frame",
			zap.String("peer", s.id),
			zap.String("type", f.Type))
	}
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
		s.hub.removePeer(s)
	})
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case f := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			raw, err := json.Marshal(f)
			if err != nil {
				s.log.Error("marshal frame", zap.Error(err))
				continue
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *session) readPump() {
	defer s.close()

	s.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f protocol.Frame
		if err := s.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug("read error", zap.String("peer", s.id), zap.Error(err))
			}
			return
		}
		s.dispatch(f)
	}
}

// dispatch routes one inbound frame. Frames are handled in arrival
// order on this goroutine; the hub lock serializes state changes.
func (s *session) dispatch(f protocol.Frame) {
	switch f.Type {
	case protocol.TypeRegisterProvider:
		var p protocol.RegisterProviderPayload
		if err := f.DecodePayload(&p); err != nil {
			s.enqueue(protocol.Frame{Type: protocol.TypeError, Reason: err.Error()})
			return
		}
		s.hub.registerProvider(s, p)

	case protocol.TypeRegisterRequester:
		var p protocol.RegisterRequesterPayload
		if err := f.DecodePayload(&p); err != nil {
			s.enqueue(protocol.Frame{Type: protocol.TypeError, Reason: err.Error()})
			return
		}
		s.hub.registerRequester(s, p)

	case protocol.TypePublishTask:
		if s.role != roleRequester {
			s.enqueue(protocol.Frame{Type: protocol.TypeError, Reason: "register as requester first"})
			return
		}
		var p protocol.PublishTaskPayload
		if err := f.DecodePayload(&p); err != nil {
			s.enqueue(protocol.Frame{Type: protocol.TypeError, Reason: err.Error()})
			return
		}
		if !protocol.ValidTool(p.Tool) {
			s.enqueue(protocol.Frame{Type: protocol.TypeError, Reason: "unsupported tool " + p.Tool})
			return
		}
		s.hub.publishTask(s, p)

	case protocol.TypeAcceptTask:
		s.hub.answerOffer(s, f.TaskID, true)

	case protocol.TypeDeclineTask:
		s.hub.answerOffer(s, f.TaskID, false)

	case protocol.TypeP2PRelay:
		s.hub.relay(s, f)

	case protocol.TypeCancelTask:
		s.hub.cancelTask(s, f.TaskID, f.Reason)

	case protocol.TypeCompleteTask:
		s.hub.completeTask(s, f)

	default:
		s.enqueue(protocol.Frame{Type: protocol.TypeError, Reason: "unknown frame type " + f.Type})
	}
}
