package httputil

import (
	"encoding/json"
	"io"
	"net/http"

	svcerrors "github.com/R3E-Network/fundraiser/internal/errors"
	"github.com/R3E-Network/fundraiser/pkg/logger"
)

// Envelope is the success body every API route returns.
type Envelope struct {
	OK   bool        `json:"ok"`
	Msg  string      `json:"msg"`
	Data interface{} `json:"data,omitempty"`
}

// ErrorBody is returned for validation failures.
type ErrorBody struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

const maxRequestBody = 1 << 20

// WriteJSON writes data as JSON with the given status.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteOK writes a success envelope.
func WriteOK(w http.ResponseWriter, status int, msg string, data interface{}) {
	WriteJSON(w, status, Envelope{OK: true, Msg: msg, Data: data})
}

// WriteFailure writes {ok:false,msg} which clients use for lookups and auth.
func WriteFailure(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, Envelope{OK: false, Msg: msg})
}

// WriteError writes {error} with the given status.
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, ErrorBody{Error: msg})
}

// WriteErrorResponse writes {error, code, details}.
func WriteErrorResponse(w http.ResponseWriter, _ *http.Request, status int, code, msg string, details map[string]interface{}) {
	WriteJSON(w, status, ErrorBody{Error: msg, Code: code, Details: details})
}

// WriteServiceError renders err. Auth, permission and lookup failures use the
// {ok:false,msg} shape; everything else uses {error}. Internal causes are
// logged, never returned to the client.
func WriteServiceError(w http.ResponseWriter, r *http.Request, log *logger.Logger, err error) {
	se := svcerrors.GetServiceError(err)
	if se == nil {
		se = svcerrors.Internal("internal server error", err)
	}
	if se.HTTPStatus >= http.StatusInternalServerError && log != nil {
		log.ForContext(r.Context()).WithError(err).Error(se.Message)
	}

	switch se.HTTPStatus {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		WriteFailure(w, se.HTTPStatus, se.Message)
	default:
		WriteError(w, se.HTTPStatus, se.Message)
	}
}

func BadRequest(w http.ResponseWriter, msg string) {
	WriteError(w, http.StatusBadRequest, msg)
}

func NotFound(w http.ResponseWriter, msg string) {
	WriteFailure(w, http.StatusNotFound, msg)
}

func Unauthorized(w http.ResponseWriter, msg string) {
	if msg == "" {
		msg = "unauthorized"
	}
	WriteFailure(w, http.StatusUnauthorized, msg)
}

func InternalError(w http.ResponseWriter, msg string) {
	WriteError(w, http.StatusInternalServerError, msg)
}

// DecodeJSON decodes a bounded JSON body into dst, writing a 400 on failure.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := decodeBody(r.Body, dst); err != nil {
		BadRequest(w, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func decodeBody(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(io.LimitReader(body, maxRequestBody))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// RequireUserID returns the authenticated user id or writes a 401.
func RequireUserID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := logger.UserID(r.Context())
	if userID == "" {
		Unauthorized(w, "authentication required")
		return "", false
	}
	return userID, true
}
