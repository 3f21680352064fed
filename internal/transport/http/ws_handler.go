package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"hoot-game-service/internal/app"
	"hoot-game-service/internal/domain"
)

type WSHandler struct {
	service  *app.GameService
	log      *logrus.Entry
	upgrader websocket.Upgrader
}

func NewWSHandler(service *app.GameService, log *logrus.Entry) *WSHandler {
	return &WSHandler{
		service: service,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

// snapshot is the first message on every connection: everything a client
// needs to render the session without having seen earlier events.
type snapshot struct {
	app.Reconnection
	Leaderboard domain.Leaderboard `json:"leaderboard"`
	Question    *domain.Question   `json:"question,omitempty"`
}

// ServeWS authenticates a host or participant by token and pin, sends a
// snapshot and then streams session events. Participants may send "answer"
// and the host may send "advance" over the same socket.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	pin := r.URL.Query().Get("pin")
	if token == "" || pin == "" {
		writeError(w, domain.ErrReconnectTokenInvalid)
		return
	}

	ctx, cancelCtx := context.WithCancel(r.Context())
	defer cancelCtx()

	rec, err := h.service.Reconnect(ctx, token, pin)
	if err != nil {
		writeError(w, err)
		return
	}
	// Subscribe before reading the snapshot so no event committed in between is lost.
	updates, cancel, err := h.service.Subscribe(ctx, rec.Session.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	defer cancel()

	first, err := h.snapshot(ctx, token, pin)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("ws upgrade failed")
		return
	}
	defer conn.Close()

	log := h.log.WithField("session_id", rec.Session.ID)
	if rec.Participant != nil {
		log = log.WithField("participant_id", rec.Participant.ID)
	}

	send := make(chan outboundMessage[any], 16)
	closeSignals := make(chan struct{})
	writerDone := make(chan struct{})
	updatesDone := make(chan struct{})

	// Only this goroutine writes to conn.
	go func() {
		defer close(writerDone)
		for msg := range send {
			if err := conn.WriteJSON(msg); err != nil {
				log.WithError(err).Debug("ws write failed")
				return
			}
		}
	}()

	go func() {
		defer close(updatesDone)
		for {
			select {
			case ev, ok := <-updates:
				if !ok {
					// The subscription fell behind and was dropped; the client
					// reconnects to get a fresh snapshot.
					select {
					case send <- outboundMessage[any]{Type: "resync", Payload: nil}:
					case <-closeSignals:
					}
					return
				}
				select {
				case send <- outboundMessage[any]{Type: "event", Payload: ev}:
				case <-closeSignals:
					return
				}
			case <-closeSignals:
				return
			}
		}
	}()

	send <- outboundMessage[any]{Type: "snapshot", Payload: first}

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		select {
		case send <- h.dispatch(ctx, rec, token, inbound):
		case <-writerDone:
		}
	}

	close(closeSignals)
	<-updatesDone
	close(send)
	<-writerDone
}

func (h *WSHandler) dispatch(ctx context.Context, rec app.Reconnection, token string, inbound inboundMessage) outboundMessage[any] {
	switch inbound.Type {
	case "answer":
		if rec.Participant == nil {
			return wsError(domain.ErrReconnectTokenInvalid)
		}
		var payload answerRequest
		if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
			return wsError(domain.ErrInvalidInput)
		}
		res, err := h.service.SubmitAnswer(ctx, app.SubmitAnswerInput{
			ParticipantID:      rec.Participant.ID,
			QuestionIndex:      payload.QuestionIndex,
			Letter:             payload.Letter,
			AnsweredAtOffsetMs: payload.AnsweredAtOffsetMs,
		})
		if err != nil {
			return wsError(err)
		}
		return outboundMessage[any]{Type: "answerResult", Payload: res}
	case "advance":
		if !rec.Host {
			return wsError(domain.ErrReconnectTokenInvalid)
		}
		var payload advanceRequest
		if len(inbound.Payload) > 0 {
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
				return wsError(domain.ErrInvalidInput)
			}
		}
		session, err := h.service.AdvancePhase(ctx, app.AdvanceInput{
			SessionID:       rec.Session.ID,
			HostToken:       token,
			Target:          payload.TargetPhase,
			ExpectedVersion: payload.ExpectedVersion,
		})
		if err != nil {
			return wsError(err)
		}
		return outboundMessage[any]{Type: "session", Payload: session}
	default:
		return outboundMessage[any]{Type: "error", Payload: errorPayload{Code: domain.CodeInvalidInput, Message: "unsupported message type"}}
	}
}

func (h *WSHandler) snapshot(ctx context.Context, token, pin string) (snapshot, error) {
	rec, err := h.service.Reconnect(ctx, token, pin)
	if err != nil {
		return snapshot{}, err
	}
	lb, err := h.service.GetLeaderboard(ctx, rec.Session.ID)
	if err != nil {
		return snapshot{}, err
	}
	out := snapshot{Reconnection: rec, Leaderboard: lb}
	if rec.Session.QuestionIndex != domain.NoQuestion && rec.Session.Phase != domain.PhaseFinished {
		q, err := h.service.GetQuestion(ctx, rec.Session.ID)
		if err != nil {
			return snapshot{}, err
		}
		out.Question = &q
	}
	return out, nil
}

func wsError(err error) outboundMessage[any] {
	return outboundMessage[any]{Type: "error", Payload: toErrorPayload(err)}
}
