package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/openfroyo/changeflow/pkg/engine"
)

// ErrorBody is the error member of a failed response.
type ErrorBody struct {
	Code      string            `json:"code"`
	Class     engine.ErrorClass `json:"class,omitempty"`
	Message   string            `json:"message"`
	Reasons   []string          `json:"reasons,omitempty"`
	Resource  string            `json:"resource,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
}

// ErrorResponse is the body of every failed response. ChangeRequest is
// the request as the failure left it, when there is one.
type ErrorResponse struct {
	Error         ErrorBody             `json:"error"`
	ChangeRequest *engine.ChangeRequest `json:"change_request,omitempty"`
}

var statusByCode = map[string]int{
	engine.ErrCodeValidation:            http.StatusBadRequest,
	engine.ErrCodePolicyViolation:       http.StatusUnprocessableEntity,
	engine.ErrCodeCostExceeded:          http.StatusUnprocessableEntity,
	engine.ErrCodeLockConflict:          http.StatusConflict,
	engine.ErrCodeExecution:             http.StatusBadGateway,
	engine.ErrCodeApprovalStale:         http.StatusConflict,
	engine.ErrCodeReconciliationUnknown: http.StatusServiceUnavailable,
	engine.ErrCodeNotFound:              http.StatusNotFound,
	engine.ErrCodeConflict:              http.StatusConflict,
	engine.ErrCodeInvalidTransition:     http.StatusConflict,
	engine.ErrCodeAwaitingApproval:      http.StatusConflict,
	engine.ErrCodeUnauthorized:          http.StatusForbidden,
	engine.ErrCodePlanDrift:             http.StatusConflict,
	engine.ErrCodeCancelled:             http.StatusConflict,
	engine.ErrCodeInternal:              http.StatusInternalServerError,
}

// StatusFor maps an error to its HTTP status.
func StatusFor(err error) int {
	if status, ok := statusByCode[engine.CodeOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// respond writes cr with status, or the error together with cr.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, status int, cr *engine.ChangeRequest, err error) {
	if err != nil {
		s.writeError(w, r, err, cr)
		return
	}
	writeJSON(w, status, cr)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error, cr *engine.ChangeRequest) {
	body := ErrorBody{
		Code:      engine.ErrCodeInternal,
		Message:   err.Error(),
		RequestID: middleware.GetReqID(r.Context()),
	}
	if ee, ok := engine.AsEngineError(err); ok {
		body.Code = ee.Code
		body.Class = ee.Class
		body.Message = ee.Message
		body.Reasons = ee.Reasons
		body.Resource = ee.Resource
	}

	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeJSON(w, status, ErrorResponse{Error: body, ChangeRequest: cr})
}

// decode reads a JSON body into dst, rejecting unknown fields. It writes
// the error response itself and reports whether decoding succeeded.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, r, engine.NewValidationError("invalid request body", err.Error()), nil)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
