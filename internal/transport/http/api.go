package http

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"

	"hoot-game-service/internal/app"
	"hoot-game-service/internal/domain"
	"hoot-game-service/internal/metrics"
)

const (
	hostTokenHeader   = "X-Host-Token"
	playerTokenHeader = "X-Player-Token"
	pinHeader         = "X-Session-Pin"

	maxBodyBytes = 64 << 10
)

// Server exposes GameService over JSON and the websocket live channel.
type Server struct {
	service   *app.GameService
	ws        *WSHandler
	log       *logrus.Entry
	metrics   *metrics.Metrics
	publicURL string
}

// NewServer builds the API. publicURL is the externally reachable base used in
// join links; when empty it is derived from the request.
func NewServer(service *app.GameService, log *logrus.Entry, m *metrics.Metrics, publicURL string) *Server {
	return &Server{
		service:   service,
		ws:        NewWSHandler(service, log),
		log:       log,
		metrics:   m,
		publicURL: publicURL,
	}
}

// Handler returns the routed handler with request logging and metrics.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()

	s.handle(router, http.MethodPost, "/sessions", s.createSession)
	s.handle(router, http.MethodPost, "/join", s.join)
	s.handle(router, http.MethodPost, "/reconnect", s.reconnect)
	s.handle(router, http.MethodPost, "/sessions/:id/advance", s.advance)
	s.handle(router, http.MethodPost, "/sessions/:id/answers", s.submitAnswer)
	s.handle(router, http.MethodGet, "/sessions/:id/leaderboard", s.leaderboard)
	s.handle(router, http.MethodGet, "/sessions/:id/question", s.question)
	s.handle(router, http.MethodPost, "/sessions/:id/eligibility", s.eligibility)
	s.handle(router, http.MethodPost, "/sessions/:id/claim", s.claim)
	s.handle(router, http.MethodPost, "/sessions/:id/leave", s.leave)
	s.handle(router, http.MethodPost, "/rewards/unclaimed", s.unclaimedRewards)
	s.handle(router, http.MethodGet, "/sessions/:id/qr.png", s.joinQR)
	s.handle(router, http.MethodGet, "/ws", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		s.ws.ServeWS(w, r)
	})

	router.GET("/healthz", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		router.Handler(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	return router
}

func (s *Server) handle(router *httprouter.Router, method, route string, h httprouter.Handle) {
	router.Handle(method, route, func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r, ps)
		elapsed := time.Since(start)

		s.metrics.ObserveRequest(route, rec.status, elapsed)
		s.log.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"duration_ms": elapsed.Milliseconds(),
		}).Info("request served")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

type reconnectRequest struct {
	Token string `json:"token"`
	PIN   string `json:"pin"`
}

type advanceRequest struct {
	TargetPhase     domain.Phase `json:"targetPhase"`
	ExpectedVersion *int64       `json:"expectedVersion"`
}

type answerRequest struct {
	QuestionIndex      int    `json:"questionIndex"`
	Letter             string `json:"letter"`
	AnsweredAtOffsetMs int64  `json:"answeredAtOffsetMs"`
}

type ledgerRequest struct {
	LedgerAddress string `json:"ledgerAddress"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var in app.CreateSessionInput
	if err := decode(r, &in, false); err != nil {
		writeError(w, err)
		return
	}
	host, err := s.service.CreateSession(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, host)
}

func (s *Server) join(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var in app.JoinInput
	if err := decode(r, &in, false); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.service.Join(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) reconnect(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var in reconnectRequest
	if err := decode(r, &in, false); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.service.Reconnect(r.Context(), in.Token, in.PIN)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) advance(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var in advanceRequest
	if err := decode(r, &in, true); err != nil {
		writeError(w, err)
		return
	}
	session, err := s.service.AdvancePhase(r.Context(), app.AdvanceInput{
		SessionID:       ps.ByName("id"),
		HostToken:       r.Header.Get(hostTokenHeader),
		Target:          in.TargetPhase,
		ExpectedVersion: in.ExpectedVersion,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) submitAnswer(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	participant, err := s.participant(r, ps.ByName("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	var in answerRequest
	if err := decode(r, &in, false); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.service.SubmitAnswer(r.Context(), app.SubmitAnswerInput{
		ParticipantID:      participant.ID,
		QuestionIndex:      in.QuestionIndex,
		Letter:             in.Letter,
		AnsweredAtOffsetMs: in.AnsweredAtOffsetMs,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) leaderboard(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	lb, err := s.service.GetLeaderboard(r.Context(), ps.ByName("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lb)
}

func (s *Server) question(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	q, err := s.service.GetQuestion(r.Context(), ps.ByName("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) eligibility(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	participant, err := s.participant(r, ps.ByName("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	var in ledgerRequest
	if err := decode(r, &in, false); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.service.CheckClaimEligibility(r.Context(), participant.SessionID, participant.ID, in.LedgerAddress)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) claim(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	participant, err := s.participant(r, ps.ByName("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	var in ledgerRequest
	if err := decode(r, &in, false); err != nil {
		writeError(w, err)
		return
	}
	claim, err := s.service.ClaimReward(r.Context(), app.ClaimInput{
		SessionID:     participant.SessionID,
		ParticipantID: participant.ID,
		LedgerAddress: in.LedgerAddress,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, claim)
}

type unclaimedResponse struct {
	Rewards []app.UnclaimedReward `json:"rewards"`
}

func (s *Server) unclaimedRewards(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var in ledgerRequest
	if err := decode(r, &in, false); err != nil {
		writeError(w, err)
		return
	}
	rewards, err := s.service.ListUnclaimedRewards(r.Context(), in.LedgerAddress)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, unclaimedResponse{Rewards: rewards})
}

func (s *Server) leave(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	participant, err := s.participant(r, ps.ByName("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.service.Leave(r.Context(), participant.ID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// participant authenticates a player by reconnect token and pin and checks
// that the token belongs to the addressed session.
func (s *Server) participant(r *http.Request, sessionID string) (domain.Participant, error) {
	rec, err := s.service.Reconnect(r.Context(), r.Header.Get(playerTokenHeader), r.Header.Get(pinHeader))
	if err != nil {
		return domain.Participant{}, err
	}
	if rec.Participant == nil || rec.Session.ID != sessionID {
		return domain.Participant{}, domain.ErrReconnectTokenInvalid
	}
	return *rec.Participant, nil
}

// decode reads a JSON body into dst. An empty body is accepted when optional.
func decode(r *http.Request, dst any, optional bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	err := dec.Decode(dst)
	if errors.Is(err, io.EOF) && optional {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: malformed body: %v", domain.ErrInvalidInput, err)
	}
	return nil
}
