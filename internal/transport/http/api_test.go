package http

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hoot-game-service/internal/app"
	"hoot-game-service/internal/domain"
	"hoot-game-service/internal/infra/memory"
	"hoot-game-service/internal/logger"
	"hoot-game-service/internal/metrics"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	quizzes := memory.NewQuizRepository(memory.NewStaticQuizLoader(sampleQuiz()), time.Minute)
	service := app.NewGameService(memory.NewSessionStore(), quizzes, memory.NewBroadcaster(64), memory.NewRewardVault())
	api := NewServer(service, logger.Discard(), metrics.New(), "https://hoot.example")
	server := httptest.NewServer(api.Handler())
	t.Cleanup(server.Close)
	return server
}

func sampleQuiz() map[string]domain.QuizSet {
	return map[string]domain.QuizSet{
		"quiz-1": {
			ID:    "quiz-1",
			Title: "Arithmetic",
			Questions: []domain.Question{
				{Index: 0, Text: "What is 2 + 2?", Choices: [4]string{"3", "4", "5", "22"}, CorrectLetter: "B", TimeLimitMs: 20000},
			},
		},
	}
}

type call struct {
	method  string
	path    string
	body    any
	headers map[string]string
}

func do(t *testing.T, server *httptest.Server, c call, out any) int {
	t.Helper()
	var body io.Reader
	if c.body != nil {
		raw, err := json.Marshal(c.body)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(c.method, server.URL+c.path, body)
	require.NoError(t, err)
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	resp, err := server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func playerHeaders(join app.JoinResult) map[string]string {
	return map[string]string{playerTokenHeader: join.ReconnectToken, pinHeader: join.Session.PIN}
}

func createAndJoin(t *testing.T, server *httptest.Server) (app.HostSession, app.JoinResult) {
	t.Helper()
	var host app.HostSession
	status := do(t, server, call{method: http.MethodPost, path: "/sessions", body: app.CreateSessionInput{QuizSetID: "quiz-1"}}, &host)
	require.Equal(t, http.StatusCreated, status)
	require.NotEmpty(t, host.HostToken)
	require.Len(t, host.Session.PIN, 6)

	var joined app.JoinResult
	status = do(t, server, call{method: http.MethodPost, path: "/join", body: app.JoinInput{
		PIN:           host.Session.PIN,
		DisplayName:   "Alice",
		LedgerAddress: "addr-alice",
	}}, &joined)
	require.Equal(t, http.StatusCreated, status)
	require.NotEmpty(t, joined.ReconnectToken)
	return host, joined
}

func advance(t *testing.T, server *httptest.Server, host app.HostSession, target domain.Phase) domain.Session {
	t.Helper()
	var session domain.Session
	status := do(t, server, call{
		method:  http.MethodPost,
		path:    "/sessions/" + host.Session.ID + "/advance",
		body:    advanceRequest{TargetPhase: target},
		headers: map[string]string{hostTokenHeader: host.HostToken},
	}, &session)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, target, session.Phase)
	return session
}

func TestAPIGameFlow(t *testing.T) {
	server := newTestServer(t)
	host, joined := createAndJoin(t, server)
	sessionPath := "/sessions/" + host.Session.ID

	var errResp errorResponse
	status := do(t, server, call{method: http.MethodPost, path: sessionPath + "/advance"}, &errResp)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, domain.CodeInvalidInput, errResp.Error.Code)

	errResp = errorResponse{}
	status = do(t, server, call{
		method:  http.MethodPost,
		path:    sessionPath + "/advance",
		headers: map[string]string{hostTokenHeader: joined.ReconnectToken},
	}, &errResp)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, domain.CodeReconnectTokenInvalid, errResp.Error.Code)

	advance(t, server, host, domain.PhaseQuestion)

	var question map[string]any
	status = do(t, server, call{method: http.MethodGet, path: sessionPath + "/question"}, &question)
	require.Equal(t, http.StatusOK, status)
	assert.NotContains(t, question, "correctLetter")

	var result app.AnswerResult
	status = do(t, server, call{
		method:  http.MethodPost,
		path:    sessionPath + "/answers",
		body:    answerRequest{QuestionIndex: 0, Letter: "B", AnsweredAtOffsetMs: 4000},
		headers: playerHeaders(joined),
	}, &result)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, result.Answer.IsCorrect)
	assert.Equal(t, int64(1400), result.Answer.PointsAwarded)
	assert.Equal(t, 1, result.AnswersSubmitted)

	errResp = errorResponse{}
	status = do(t, server, call{
		method:  http.MethodPost,
		path:    sessionPath + "/answers",
		body:    answerRequest{QuestionIndex: 0, Letter: "A", AnsweredAtOffsetMs: 5000},
		headers: playerHeaders(joined),
	}, &errResp)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, domain.CodeDuplicateAnswer, errResp.Error.Code)

	advance(t, server, host, domain.PhaseAnswerReveal)
	status = do(t, server, call{method: http.MethodGet, path: sessionPath + "/question"}, &question)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "B", question["correctLetter"])

	advance(t, server, host, domain.PhaseLeaderboard)
	advance(t, server, host, domain.PhaseFinished)

	var lb domain.Leaderboard
	status = do(t, server, call{method: http.MethodGet, path: sessionPath + "/leaderboard"}, &lb)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, lb.Entries, 1)
	assert.Equal(t, joined.Participant.ID, lb.Entries[0].ParticipantID)
	assert.Equal(t, int64(1400), lb.Entries[0].Score)

	var eligibility app.Eligibility
	status = do(t, server, call{
		method:  http.MethodPost,
		path:    sessionPath + "/eligibility",
		body:    ledgerRequest{LedgerAddress: "addr-alice"},
		headers: playerHeaders(joined),
	}, &eligibility)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, eligibility.Eligible)

	var unclaimed unclaimedResponse
	status = do(t, server, call{method: http.MethodPost, path: "/rewards/unclaimed", body: ledgerRequest{LedgerAddress: "addr-alice"}}, &unclaimed)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, unclaimed.Rewards, 1)
	assert.Equal(t, host.Session.ID, unclaimed.Rewards[0].SessionID)
	assert.Equal(t, int64(1400), unclaimed.Rewards[0].Score)

	var claim domain.Claim
	status = do(t, server, call{
		method:  http.MethodPost,
		path:    sessionPath + "/claim",
		body:    ledgerRequest{LedgerAddress: "addr-alice"},
		headers: playerHeaders(joined),
	}, &claim)
	require.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, claim.Receipt)

	errResp = errorResponse{}
	status = do(t, server, call{
		method:  http.MethodPost,
		path:    sessionPath + "/claim",
		body:    ledgerRequest{LedgerAddress: "addr-alice"},
		headers: playerHeaders(joined),
	}, &errResp)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, domain.CodeRewardAlreadyClaimed, errResp.Error.Code)

	unclaimed = unclaimedResponse{}
	status = do(t, server, call{method: http.MethodPost, path: "/rewards/unclaimed", body: ledgerRequest{LedgerAddress: "addr-alice"}}, &unclaimed)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, unclaimed.Rewards)

	errResp = errorResponse{}
	status = do(t, server, call{method: http.MethodPost, path: "/rewards/unclaimed", body: ledgerRequest{}}, &errResp)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, domain.CodeInvalidInput, errResp.Error.Code)
}

func TestAPIErrors(t *testing.T) {
	server := newTestServer(t)

	var errResp errorResponse
	status := do(t, server, call{method: http.MethodGet, path: "/sessions/missing/leaderboard"}, &errResp)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, domain.CodeSessionNotFound, errResp.Error.Code)

	errResp = errorResponse{}
	status = do(t, server, call{method: http.MethodPost, path: "/sessions", body: map[string]string{"quizSetId": "nope"}}, &errResp)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, domain.CodeQuizNotFound, errResp.Error.Code)

	errResp = errorResponse{}
	status = do(t, server, call{method: http.MethodPost, path: "/join", body: map[string]string{"pin": "12ab56", "displayName": "Bob"}}, &errResp)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, domain.CodeInvalidInput, errResp.Error.Code)

	errResp = errorResponse{}
	status = do(t, server, call{method: http.MethodPost, path: "/join", body: map[string]string{"unexpected": "field"}}, &errResp)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, domain.CodeInvalidInput, errResp.Error.Code)

	host, joined := createAndJoin(t, server)
	errResp = errorResponse{}
	status = do(t, server, call{
		method:  http.MethodPost,
		path:    "/sessions/" + host.Session.ID + "/answers",
		body:    answerRequest{QuestionIndex: 0, Letter: "B"},
		headers: map[string]string{playerTokenHeader: joined.ReconnectToken, pinHeader: "000000"},
	}, &errResp)
	assert.Equal(t, http.StatusUnauthorized, status)

	errResp = errorResponse{}
	status = do(t, server, call{
		method:  http.MethodPost,
		path:    "/sessions/" + host.Session.ID + "/answers",
		body:    answerRequest{QuestionIndex: 0, Letter: "B"},
		headers: playerHeaders(joined),
	}, &errResp)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, domain.CodePhaseMismatch, errResp.Error.Code)
}

func TestAPIReconnectAndLeave(t *testing.T) {
	server := newTestServer(t)
	host, joined := createAndJoin(t, server)

	var rec app.Reconnection
	status := do(t, server, call{method: http.MethodPost, path: "/reconnect", body: reconnectRequest{Token: joined.ReconnectToken, PIN: host.Session.PIN}}, &rec)
	require.Equal(t, http.StatusOK, status)
	require.NotNil(t, rec.Participant)
	assert.Equal(t, joined.Participant.ID, rec.Participant.ID)
	assert.False(t, rec.Host)

	status = do(t, server, call{method: http.MethodPost, path: "/reconnect", body: reconnectRequest{Token: host.HostToken, PIN: host.Session.PIN}}, &rec)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, rec.Host)

	status = do(t, server, call{method: http.MethodPost, path: "/sessions/" + host.Session.ID + "/leave", headers: playerHeaders(joined)}, nil)
	require.Equal(t, http.StatusNoContent, status)

	var lb domain.Leaderboard
	status = do(t, server, call{method: http.MethodGet, path: "/sessions/" + host.Session.ID + "/leaderboard"}, &lb)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, lb.Entries)
}

func TestJoinQR(t *testing.T) {
	server := newTestServer(t)
	host, joined := createAndJoin(t, server)
	base := server.URL + "/sessions/" + host.Session.ID + "/qr.png?pin=" + host.Session.PIN

	resp, err := server.Client().Get(base + "&token=" + host.HostToken)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	png, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(png, []byte("\x89PNG")))

	denied, err := server.Client().Get(base + "&token=" + joined.ReconnectToken)
	require.NoError(t, err)
	defer denied.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, denied.StatusCode)
}

func TestJoinURLPrefersPublicURL(t *testing.T) {
	s := &Server{publicURL: "https://hoot.example/"}
	req := httptest.NewRequest(http.MethodGet, "http://internal:8080/sessions/x/qr.png", nil)
	assert.Equal(t, "https://hoot.example/join?pin=123456", s.joinURL(req, "123456"))

	s.publicURL = ""
	req.Header.Set("X-Forwarded-Proto", "https")
	assert.Equal(t, "https://internal:8080/join?pin=123456", s.joinURL(req, "123456"))
}

func TestHealthAndMetrics(t *testing.T) {
	server := newTestServer(t)

	var health map[string]string
	require.Equal(t, http.StatusOK, do(t, server, call{method: http.MethodGet, path: "/healthz"}, &health))
	assert.Equal(t, "ok", health["status"])

	do(t, server, call{method: http.MethodGet, path: "/sessions/missing/leaderboard"}, &errorResponse{})

	resp, err := server.Client().Get(server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `hoot_http_request_duration_seconds_count{route="/sessions/:id/leaderboard",status="404"} 1`))
}
