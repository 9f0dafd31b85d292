package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"

	"github.com/kaisenye/conduit-backend/internal/chat"
	"github.com/kaisenye/conduit-backend/internal/realtime"
)

const (
	EventJoin  = "join_conversation"
	EventLeave = "leave_conversation"
	EventSend  = "send_message"
	EventAck   = "ack"
	EventError = "error"

	readTimeout     = 60 * time.Second
	inflightTimeout = 10 * time.Second
)

type conversationRef struct {
	ConversationID uint64 `json:"conversationId"`
}

type sendMessageData struct {
	ConversationID uint64    `json:"conversationId"`
	SenderID       uint64    `json:"senderId"`
	SenderRole     chat.Role `json:"senderRole"`
	Body           string    `json:"body"`
}

type ackData struct {
	Success bool          `json:"success,omitempty"`
	Message *chat.Message `json:"message,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// Socket upgrades GET /ws and serves frames until the client goes away.
func (h *Handler) Socket(c *gin.Context) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the response
		return
	}

	conn := realtime.NewConnection(ws)
	h.Hub.Attach(conn)
	conn.Start()
	defer func() {
		h.Hub.Detach(conn)
		conn.Close(websocket.CloseNormalClosure, "session closed")
	}()

	ws.SetReadLimit(1 << 20)
	_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) &&
				!errors.Is(err, websocket.ErrCloseSent) {
				log.Printf("ws read conn=%s err=%v", conn.ID(), err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(readTimeout))

		var frame realtime.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			reply(conn, realtime.Frame{Event: EventError}, ackData{Error: "invalid payload"})
			continue
		}

		switch frame.Event {
		case EventJoin:
			id, ok := conversationIDOf(frame.Data)
			if !ok {
				reply(conn, frame, ackData{Error: "conversationId is required"})
				continue
			}
			h.Hub.Join(id, conn)
		case EventLeave:
			id, ok := conversationIDOf(frame.Data)
			if !ok {
				reply(conn, frame, ackData{Error: "conversationId is required"})
				continue
			}
			h.Hub.Leave(id, conn)
		case EventSend:
			h.handleSend(c.Request.Context(), conn, frame)
		default:
			reply(conn, frame, ackData{Error: "unknown event"})
		}
	}
}

func (h *Handler) handleSend(parent context.Context, conn *realtime.Connection, frame realtime.Frame) {
	var in sendMessageData
	if err := json.Unmarshal(frame.Data, &in); err != nil {
		reply(conn, frame, ackData{Error: "invalid payload"})
		return
	}

	ctx, cancel := context.WithTimeout(parent, inflightTimeout)
	defer cancel()

	allowed, err := h.Limiter.Allow(ctx, "sender:"+strconv.FormatUint(in.SenderID, 10))
	if err != nil {
		// limiter outage must not block chat
		log.Printf("rate limiter unavailable sender=%d err=%v", in.SenderID, err)
		allowed = true
	}
	if !allowed {
		reply(conn, frame, ackData{Error: "rate limit exceeded"})
		return
	}

	msg, err := h.Svc.AcceptMessage(ctx, chat.SendInput{
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		SenderRole:     in.SenderRole,
		Body:           in.Body,
	})
	if err != nil {
		reply(conn, frame, ackData{Error: sendErrorText(err)})
		return
	}
	reply(conn, frame, ackData{Success: true, Message: msg})

	// the sender has its ack; routing never delays it
	h.Svc.HandOff(ctx, msg)
}

func sendErrorText(err error) string {
	switch {
	case errors.Is(err, chat.ErrInvalidArgument):
		return err.Error()
	case errors.Is(err, gorm.ErrRecordNotFound):
		return "conversation or sender not found"
	default:
		return "failed to send message"
	}
}

// conversationIDOf accepts either a bare id or {"conversationId": id}.
func conversationIDOf(raw json.RawMessage) (uint64, bool) {
	var id uint64
	if err := json.Unmarshal(raw, &id); err == nil && id != 0 {
		return id, true
	}
	var ref conversationRef
	if err := json.Unmarshal(raw, &ref); err == nil && ref.ConversationID != 0 {
		return ref.ConversationID, true
	}
	return 0, false
}

func reply(conn *realtime.Connection, in realtime.Frame, data ackData) {
	event := EventAck
	if in.Event == EventError {
		event = EventError
	}
	b, err := json.Marshal(data)
	if err != nil {
		return
	}
	payload, err := json.Marshal(realtime.Frame{Event: event, ID: in.ID, Data: b})
	if err != nil {
		return
	}
	_ = conn.Send(payload)
}
