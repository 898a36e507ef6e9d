// Package web is the stdlib net/http routing framework used by the
// tool-facing sandbox lifecycle HTTP surface. Adapted directly from the
// teacher's pkg/sandbox-manager/web/framework.go generic RegisterRoute:
// same exact-path-segment-count 404 check, same per-request contextID
// and panic recovery, generalized from the teacher's own errors/logs
// packages to this module's internal/errs and internal/logs.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"strings"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/opencode-labs/sandbox-orchestrator/internal/errs"
	"github.com/opencode-labs/sandbox-orchestrator/internal/logs"
)

// Handler processes one request and returns either a typed response or
// an API-facing error.
type Handler[T any] func(r *http.Request) (response Response[T], err *Error)

// Middleware runs before a Handler and may reject the request by
// returning a non-nil Error.
type Middleware func(ctx context.Context, r *http.Request) (context.Context, *Error)

// Response is a Handler's successful result.
type Response[T any] struct {
	Code int
	Body T
}

// Error is the wire shape of a failed request.
type Error struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

func (e *Error) Error() string {
	j, err := json.Marshal(e)
	if err != nil {
		return err.Error()
	}
	return string(j)
}

// FromErr maps an internal error (typically an *errs.Error) to a wire
// Error via errs.HTTPStatus.
func FromErr(err error) *Error {
	code := errs.GetCode(err)
	return &Error{Code: errs.HTTPStatus(code), Message: err.Error()}
}

func countSlashes(path string) int {
	count := strings.Count(path, "/")
	if strings.HasSuffix(path, "/") {
		count--
	}
	return count
}

// RegisterRoute attaches handler (run through middlewares in order) to
// mux under pattern, matching both the bare and trailing-slash forms.
// Requests whose path has a different number of path segments than
// pattern are rejected as 404 before the handler ever runs.
func RegisterRoute[T any](mux *http.ServeMux, pattern string, handler Handler[T], middlewares ...Middleware) {
	if len(pattern) > 1 && pattern[len(pattern)-1] == '/' {
		pattern = pattern[:len(pattern)-1]
	}
	handleFunc := func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()
		ctx := logs.NewContext("requestID", requestID)
		log := klog.FromContext(ctx)

		defer func() {
			if rec := recover(); rec != nil {
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)
				log.Error(nil, "panic recovered in web handler",
					"pattern", pattern, "recover", rec, "stack", string(buf[:n]))
				writeJSON(w, http.StatusInternalServerError, http.StatusInternalServerError,
					&Error{Code: http.StatusInternalServerError, Message: "internal error"}, requestID)
			}
		}()

		if countSlashes(pattern) != countSlashes(r.URL.Path) {
			writeJSON(w, http.StatusNotFound, http.StatusNotFound,
				&Error{Code: http.StatusNotFound, Message: fmt.Sprintf("not found: %s", r.URL.Path)}, requestID)
			return
		}

		var apiErr *Error
		for _, m := range middlewares {
			if ctx, apiErr = m(ctx, r); apiErr != nil {
				writeJSON(w, apiErr.Code, http.StatusInternalServerError, apiErr, requestID)
				return
			}
		}

		resp, apiErr := handler(r.WithContext(ctx))
		if apiErr != nil {
			log.Error(apiErr, "request failed", "path", r.URL.Path)
			writeJSON(w, apiErr.Code, http.StatusInternalServerError, apiErr, requestID)
			return
		}
		writeJSON(w, resp.Code, http.StatusOK, resp.Body, requestID)
	}
	mux.HandleFunc(pattern, handleFunc)
	mux.HandleFunc(pattern+"/", handleFunc)
}

func writeJSON(w http.ResponseWriter, code, defaultCode int, body any, requestID string) {
	if code == 0 {
		code = defaultCode
	}
	if apiError, ok := body.(*Error); ok {
		apiError.RequestID = requestID
	} else {
		w.Header().Set("X-Request-ID", requestID)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if code == http.StatusNoContent {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		klog.ErrorS(err, "failed to encode response")
		http.Error(w, "internal error: failed to encode response", http.StatusInternalServerError)
	}
}
