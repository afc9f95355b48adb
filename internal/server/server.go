// Package server hosts the authoritative event bus: one websocket
// endpoint carrying login, join, initial-state and mutation frames, a
// single-writer world behind it, and audience-scoped rebroadcast of
// every confirmed event.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"isca-tracker/internal/protocol"
	"isca-tracker/internal/state"
	apperrors "isca-tracker/pkg/errors"
	"isca-tracker/pkg/utils"
)

type Server struct {
	world  *World
	hub    *Hub
	tokens *TokenManager
	log    *zap.Logger

	upgrader websocket.Upgrader
}

func New(world *World, tokens *TokenManager, log *zap.Logger) *Server {
	return &Server{
		world:  world,
		hub:    NewHub(log),
		tokens: tokens,
		log:    log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin policy is enforced by the CORS layer in front.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) Hub() *Hub { return s.hub }

// HandleWS upgrades the request and runs the session until the peer
// disconnects.
func (s *Server) HandleWS(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := newConn(ws, s.log)
	s.hub.register(conn)
	go conn.writePump()
	s.readLoop(conn)
}

func (s *Server) readLoop(conn *Conn) {
	defer s.hub.unregister(conn)

	conn.ws.SetReadLimit(maxMessageSize)
	_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame protocol.Frame
		if err := conn.ws.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug("websocket closed unexpectedly", zap.Error(err))
			}
			return
		}
		s.handleFrame(conn, &frame)
	}
}

func (s *Server) handleFrame(conn *Conn, frame *protocol.Frame) {
	switch frame.Event {
	case protocol.FrameJoin:
		s.handleJoin(conn, frame)
	case protocol.FrameLogin:
		s.handleLogin(conn, frame)
	case protocol.FrameInitState:
		s.handleInitState(conn, frame)
	case protocol.FrameMutate:
		s.handleMutate(conn, frame)
	default:
		s.reply(conn, protocol.FrameOpErr, frame.Seq, protocol.ErrorPayload{
			Code:    "unknown_frame",
			Message: "unrecognized frame " + frame.Event,
		})
	}
}

func (s *Server) handleJoin(conn *Conn, frame *protocol.Frame) {
	var join protocol.JoinPayload
	if err := json.Unmarshal(frame.Data, &join); err != nil {
		s.reply(conn, protocol.FrameOpErr, frame.Seq, badPayload(err))
		return
	}

	if join.Token != "" {
		username, err := s.tokens.Verify(join.Token)
		if err != nil {
			s.reply(conn, protocol.FrameOpErr, frame.Seq, protocol.ErrorPayload{
				Code:    "invalid_token",
				Message: apperrors.ErrInvalidToken.Error(),
			})
		} else {
			conn.setUser(username)
		}
	}
	conn.subscribe(join.Units)
}

func (s *Server) handleLogin(conn *Conn, frame *protocol.Frame) {
	var req protocol.LoginRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		s.reply(conn, protocol.FrameLoginErr, frame.Seq, badPayload(err))
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		s.reply(conn, protocol.FrameLoginErr, frame.Seq, badPayload(err))
		return
	}

	user := s.world.Store().FindUser(req.Username)
	if user == nil || !utils.CheckPassword(user.PasswordHash, req.Password) {
		s.reply(conn, protocol.FrameLoginErr, frame.Seq, protocol.ErrorPayload{
			Code:    "invalid_credentials",
			Message: apperrors.ErrInvalidCredentials.Error(),
		})
		return
	}

	token, err := s.tokens.Issue(user.Username)
	if err != nil {
		s.log.Error("failed to issue token", zap.Error(err))
		s.reply(conn, protocol.FrameLoginErr, frame.Seq, protocol.ErrorPayload{
			Code:    "internal",
			Message: "could not establish session",
		})
		return
	}

	conn.setUser(user.Username)

	redacted := *user
	redacted.PasswordHash = ""
	s.reply(conn, protocol.FrameLoginOK, frame.Seq, protocol.LoginReply{
		User:  &redacted,
		Token: token,
	})
}

func (s *Server) handleInitState(conn *Conn, frame *protocol.Frame) {
	if !conn.Authed() {
		s.reply(conn, protocol.FrameOpErr, frame.Seq, unauthorized())
		return
	}

	st := s.world.Store()
	s.reply(conn, protocol.FrameInitStateOK, frame.Seq, protocol.InitStatePayload{
		State:   st.ExportState(),
		Users:   st.Users(),
		Notes:   st.Notes(),
		Reviews: st.Reviews(),
	})
}

func (s *Server) handleMutate(conn *Conn, frame *protocol.Frame) {
	if !conn.Authed() {
		s.reply(conn, protocol.FrameOpErr, frame.Seq, unauthorized())
		return
	}

	var env protocol.MutationEnvelope
	if err := json.Unmarshal(frame.Data, &env); err != nil {
		s.reply(conn, protocol.FrameOpErr, frame.Seq, badPayload(err))
		return
	}
	m, err := env.Decode()
	if err != nil {
		s.reply(conn, protocol.FrameOpErr, frame.Seq, badPayload(err))
		return
	}

	ev, err := s.world.Mutate(context.Background(), m)
	if err != nil {
		s.reply(conn, protocol.FrameOpErr, frame.Seq, errorPayload(err))
		return
	}
	s.broadcast(ev)
}

// broadcast routes a confirmed event to its audience. Chats, branch
// notifications and notices are scoped; everything else goes to every
// connection. The originator always hears its own event back.
func (s *Server) broadcast(ev *protocol.Event) {
	frame, err := protocol.NewFrame(ev.Name(), 0, ev)
	if err != nil {
		s.log.Error("failed to encode event frame", zap.Error(err))
		return
	}

	switch ev.Collection {
	case state.ColChats:
		s.broadcastChat(ev, frame)
	case state.ColNotifications:
		s.broadcastNotification(ev, frame)
	case state.ColNotices:
		s.broadcastNotice(ev, frame)
	default:
		s.hub.Broadcast(frame)
	}
}

func (s *Server) broadcastChat(ev *protocol.Event, frame *protocol.Frame) {
	var msg state.ChatMessage
	if ev.Payload != nil {
		if err := json.Unmarshal(ev.Payload, &msg); err != nil {
			s.hub.Broadcast(frame)
			return
		}
	}
	switch msg.Channel {
	case state.ChannelBranch:
		s.hub.ToUnits([]string{msg.Recipient}, frame)
	case state.ChannelDirect:
		s.hub.ToUser(msg.Recipient, frame)
		if msg.Sender != msg.Recipient {
			s.hub.ToUser(msg.Sender, frame)
		}
	default:
		s.hub.Broadcast(frame)
	}
}

func (s *Server) broadcastNotification(ev *protocol.Event, frame *protocol.Frame) {
	unit := ""
	if ev.Payload != nil {
		var n state.Notification
		if err := json.Unmarshal(ev.Payload, &n); err == nil {
			unit = n.Unit
		}
	}
	if unit == "" {
		// Updates carry no payload; resolve the audience from the store.
		for _, n := range s.world.Store().Notifications() {
			if n.ID == ev.ID {
				unit = n.Unit
				break
			}
		}
	}
	if unit == "" {
		return
	}
	s.hub.ToUnits([]string{unit}, frame)
}

func (s *Server) broadcastNotice(ev *protocol.Event, frame *protocol.Frame) {
	var from, to string
	if ev.Payload != nil {
		var n state.Notice
		if err := json.Unmarshal(ev.Payload, &n); err == nil {
			from, to = n.From, n.To
		}
	}
	if from == "" && to == "" {
		for _, n := range s.world.Store().Notices() {
			if n.ID == ev.ID {
				from, to = n.From, n.To
				break
			}
		}
	}
	if from == "" && to == "" {
		return
	}
	s.hub.ToUnits([]string{from, to}, frame)
}

func (s *Server) reply(conn *Conn, event string, seq uint64, data any) {
	frame, err := protocol.NewFrame(event, seq, data)
	if err != nil {
		s.log.Error("failed to encode reply frame", zap.Error(err))
		return
	}
	conn.enqueue(frame)
}

func errorPayload(err error) protocol.ErrorPayload {
	code := "internal"
	switch {
	case errors.Is(err, apperrors.ErrOwnershipConflict):
		code = "ownership_conflict"
	case errors.Is(err, apperrors.ErrNotFound):
		code = "not_found"
	case errors.Is(err, apperrors.ErrAlreadyResponded):
		code = "already_responded"
	case errors.Is(err, apperrors.ErrWrongBranch):
		code = "wrong_branch"
	case errors.Is(err, apperrors.ErrUserAlreadyExists):
		code = "user_exists"
	}
	return protocol.ErrorPayload{Code: code, Message: err.Error()}
}

func badPayload(err error) protocol.ErrorPayload {
	return protocol.ErrorPayload{Code: "bad_payload", Message: err.Error()}
}

func unauthorized() protocol.ErrorPayload {
	return protocol.ErrorPayload{
		Code:    "unauthorized",
		Message: apperrors.ErrUnauthorized.Error(),
	}
}
