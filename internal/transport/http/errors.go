package http

import (
	"encoding/json"
	"net/http"

	"hoot-game-service/internal/domain"
)

var statusByCode = map[domain.Code]int{
	domain.CodeSessionNotFound:       http.StatusNotFound,
	domain.CodeParticipantNotFound:   http.StatusNotFound,
	domain.CodeQuizNotFound:          http.StatusNotFound,
	domain.CodeQuestionNotFound:      http.StatusNotFound,
	domain.CodeSessionNotJoinable:    http.StatusConflict,
	domain.CodeInvalidTransition:     http.StatusConflict,
	domain.CodeStaleState:            http.StatusConflict,
	domain.CodePhaseMismatch:         http.StatusConflict,
	domain.CodeDuplicateAnswer:       http.StatusConflict,
	domain.CodeRewardAlreadyClaimed:  http.StatusConflict,
	domain.CodePinInUse:              http.StatusServiceUnavailable,
	domain.CodeAnswerWindowClosed:    http.StatusUnprocessableEntity,
	domain.CodeReconnectTokenInvalid: http.StatusUnauthorized,
	domain.CodeNotEligible:           http.StatusForbidden,
	domain.CodeClaimRejected:         http.StatusBadGateway,
	domain.CodeInvalidInput:          http.StatusBadRequest,
}

type errorPayload struct {
	Code    domain.Code `json:"code"`
	Message string      `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

func statusFor(err error) int {
	if status, ok := statusByCode[domain.ErrorCode(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func toErrorPayload(err error) errorPayload {
	code := domain.ErrorCode(err)
	if code == domain.CodeUnknown {
		return errorPayload{Code: code, Message: "internal error"}
	}
	return errorPayload{Code: code, Message: err.Error()}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorResponse{Error: toErrorPayload(err)})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
