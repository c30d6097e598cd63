package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/rendis/spiral/pkg/schema"
)

// maxRequestBody bounds request bodies. Trigger payload limits are
// enforced by the engine per workflow.
const maxRequestBody = 8 << 20

// errorBody is the JSON error envelope.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	ActionID string         `json:"action_id,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the error envelope.
func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: msg}})
}

// writeErr maps err to a status code and writes the error envelope.
func writeErr(w http.ResponseWriter, err error) {
	var se *schema.SpiralError
	if !errors.As(err, &se) {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, httpStatus(se.Code), errorBody{Error: errorDetail{
		Code:     se.Code,
		Message:  se.Message,
		ActionID: se.ActionID,
		Details:  se.Details,
	}})
}

func httpStatus(code string) int {
	switch code {
	case schema.ErrCodeValidation, schema.ErrCodeInterpolation:
		return http.StatusBadRequest
	case schema.ErrCodeConfiguration:
		return http.StatusUnprocessableEntity
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
		return http.StatusConflict
	case schema.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case schema.ErrCodeCancelled:
		return http.StatusServiceUnavailable
	case schema.ErrCodeActionTimeout:
		return http.StatusGatewayTimeout
	case schema.ErrCodeDeliveryFailure, schema.ErrCodeActionFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody decodes a JSON request body into v. An empty body leaves v
// untouched when allowEmpty is set.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return schema.ValidationError("invalid JSON body: %s", err.Error()).WithCause(err)
	}
	return nil
}

// queryInt extracts an integer query param with a default value.
func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, schema.ValidationError("query parameter %s must be a non-negative integer", key)
	}
	return n, nil
}

// queryBool extracts a boolean query param; absent means false.
func queryBool(r *http.Request, key string) (bool, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, schema.ValidationError("query parameter %s must be a boolean", key)
	}
	return b, nil
}

func queryBoolPtr(r *http.Request, key string) (*bool, error) {
	if r.URL.Query().Get(key) == "" {
		return nil, nil
	}
	b, err := queryBool(r, key)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func sseEvent(w io.Writer, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}
