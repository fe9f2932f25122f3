// Package gateway terminates browser peers: a websocket edge for live
// signaling and a small HTTP surface for key publishing and call history.
package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/waveline/callrelay/internal/call"
	"github.com/waveline/callrelay/internal/relay"
	"github.com/waveline/callrelay/internal/wire"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxFrameSize = 64 * 1024
)

// KeyPublisher stores user public keys.
type KeyPublisher interface {
	PutUserPublicKey(ctx context.Context, userID string, publicKey []byte) error
}

// Server is the edge surface. Each websocket connection is one channel in
// the hub; a user with several tabs or devices holds several channels.
type Server struct {
	engine   *call.Engine
	hub      *relay.Hub
	keys     KeyPublisher
	upgrader websocket.Upgrader
}

// NewServer wires the edge to the engine and hub.
func NewServer(engine *call.Engine, hub *relay.Hub, keys KeyPublisher) *Server {
	return &Server{
		engine: engine,
		hub:    hub,
		keys:   keys,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Identity comes from the deployment's auth proxy; the relay
			// itself does not gate origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Routes returns the HTTP mux for the gateway.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/keys", s.handleKeys)
	mux.HandleFunc("/calls", s.handleHistory)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// clientFrame is what a browser peer sends. Payload carries the SDP blob
// for start/answer and the candidate descriptor for ice-candidate.
type clientFrame struct {
	Kind         wire.Kind       `json:"kind"`
	CallID       string          `json:"call_id,omitempty"`
	ChatRef      string          `json:"chat_ref,omitempty"`
	RecipientIDs []string        `json:"recipient_ids,omitempty"`
	CallType     string          `json:"call_type,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// serverFrame is a direct reply to the issuing connection. Relayed
// signaling arrives as wire.SignalingMessage frames instead.
type serverFrame struct {
	Kind   string     `json:"kind"`
	CallID string     `json:"call_id,omitempty"`
	Call   *call.Call `json:"call,omitempty"`
	Error  string     `json:"error,omitempty"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		http.Error(w, "missing user", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	mb := relay.NewMailbox(relay.DefaultMailboxSize)
	s.hub.Join(userID, mb)
	log.Info().Str("user_id", userID).Msg("Peer connected")

	outbound := make(chan []byte, 16)
	done := make(chan struct{})
	go s.writeLoop(conn, mb, outbound, done)
	s.readLoop(r.Context(), conn, userID, outbound)

	close(done)
	s.hub.Leave(userID, mb)
	conn.Close()

	// A vanished transport is an implicit hangup for every call the user
	// was carrying, but only once their last channel is gone.
	if s.hub.ChannelCount(userID) == 0 {
		s.engine.Disconnected(context.Background(), userID)
	}
	log.Info().Str("user_id", userID).Msg("Peer disconnected")
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, userID string, outbound chan<- []byte) {
	conn.SetReadLimit(maxFrameSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("user_id", userID).Msg("Websocket read failed")
			}
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.reply(outbound, serverFrame{Kind: "error", Error: "malformed frame"})
			continue
		}
		s.dispatch(ctx, userID, &frame, outbound)
	}
}

func (s *Server) dispatch(ctx context.Context, userID string, frame *clientFrame, outbound chan<- []byte) {
	switch frame.Kind {
	case wire.KindStart:
		c, err := s.engine.Initiate(ctx, userID, frame.ChatRef, frame.RecipientIDs, call.Type(frame.CallType), frame.Payload)
		if err != nil {
			s.replyErr(outbound, frame.CallID, err)
			return
		}
		s.reply(outbound, serverFrame{Kind: "started", CallID: c.ID, Call: c})

	case wire.KindAnswer:
		c, err := s.engine.Answer(ctx, frame.CallID, userID, frame.Payload)
		if err != nil {
			s.replyErr(outbound, frame.CallID, err)
			return
		}
		s.reply(outbound, serverFrame{Kind: "answered", CallID: c.ID, Call: c})

	case wire.KindICECandidate:
		if err := s.engine.Candidate(frame.CallID, userID, frame.Payload); err != nil {
			s.replyErr(outbound, frame.CallID, err)
		}

	case wire.KindEnd:
		c, err := s.engine.End(ctx, frame.CallID, userID, nil)
		if err != nil {
			s.replyErr(outbound, frame.CallID, err)
			return
		}
		s.reply(outbound, serverFrame{Kind: "ended", CallID: c.ID, Call: c})

	default:
		s.reply(outbound, serverFrame{Kind: "error", CallID: frame.CallID, Error: "unknown frame kind"})
	}
}

func (s *Server) reply(outbound chan<- []byte, frame serverFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case outbound <- data:
	default:
		log.Warn().Msg("Dropping reply to slow peer")
	}
}

func (s *Server) replyErr(outbound chan<- []byte, callID string, err error) {
	msg := "internal error"
	switch {
	case errors.Is(err, call.ErrInvalidCallRequest):
		msg = err.Error()
	case errors.Is(err, call.ErrCallNotFound):
		msg = "call not found"
	}
	s.reply(outbound, serverFrame{Kind: "error", CallID: callID, Error: msg})
}

// writeLoop serializes everything that leaves on this connection: relayed
// signaling from the mailbox, direct replies, and keepalive pings.
func (s *Server) writeLoop(conn *websocket.Conn, mb *relay.Mailbox, outbound <-chan []byte, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-mb.Receive():
			data, err := wire.EncodeJSON(msg)
			if err != nil {
				log.Error().Err(err).Msg("Failed to encode signaling message for peer")
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case data := <-outbound:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

type keyRequest struct {
	UserID    string `json:"user_id"`
	PublicKey string `json:"public_key"` // base64
}

func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req keyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		http.Error(w, "missing user_id", http.StatusBadRequest)
		return
	}

	key, err := base64.StdEncoding.DecodeString(req.PublicKey)
	if err != nil || len(key) != 32 {
		http.Error(w, "public_key must be 32 bytes, base64 encoded", http.StatusBadRequest)
		return
	}

	if err := s.keys.PutUserPublicKey(r.Context(), req.UserID, key); err != nil {
		log.Error().Err(err).Str("user_id", req.UserID).Msg("Failed to store public key")
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}

	log.Info().Str("user_id", req.UserID).Msg("Public key published")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var calls []*call.Call
	var err error
	switch {
	case r.URL.Query().Get("user") != "":
		calls, err = s.engine.ListForUser(r.Context(), r.URL.Query().Get("user"))
	case r.URL.Query().Get("chat") != "":
		calls, err = s.engine.ListForChat(r.Context(), r.URL.Query().Get("chat"))
	default:
		http.Error(w, "user or chat query parameter required", http.StatusBadRequest)
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to list call history")
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}

	if calls == nil {
		calls = []*call.Call{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(calls)
}
