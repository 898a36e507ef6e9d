package web

import (
	"encoding/json"
	"net/http"

	"github.com/opencode-labs/sandbox-orchestrator/internal/pool"
)

// PoolServer exposes the Warm Pool's claim/release operations (§4.4).
type PoolServer struct {
	Pool *pool.Pool
}

// Register attaches the warm-pool routes to mux.
func (s *PoolServer) Register(mux *http.ServeMux) {
	RegisterRoute(mux, "/pool/claim", s.handleClaim)
	RegisterRoute(mux, "/pool/release", s.handleRelease)
	RegisterRoute(mux, "/pool/size", s.handleSize)
}

func (s *PoolServer) handleClaim(r *http.Request) (Response[any], *Error) {
	if r.Method != http.MethodPost {
		return Response[any]{}, &Error{Code: http.StatusMethodNotAllowed, Message: "method not allowed"}
	}
	var in pool.ClaimInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		return Response[any]{}, &Error{Code: http.StatusBadRequest, Message: "invalid body: " + err.Error()}
	}
	result, err := s.Pool.Claim(r.Context(), in)
	if err != nil {
		return Response[any]{}, FromErr(err)
	}
	return Response[any]{Code: http.StatusOK, Body: result}, nil
}

func (s *PoolServer) handleRelease(r *http.Request) (Response[any], *Error) {
	if r.Method != http.MethodPost {
		return Response[any]{}, &Error{Code: http.StatusMethodNotAllowed, Message: "method not allowed"}
	}
	var body struct {
		SandboxID string `json:"sandboxId"`
		ImageTag  string `json:"imageTag"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return Response[any]{}, &Error{Code: http.StatusBadRequest, Message: "invalid body: " + err.Error()}
	}
	if err := s.Pool.Release(r.Context(), body.SandboxID, body.ImageTag); err != nil {
		return Response[any]{}, FromErr(err)
	}
	return Response[any]{Code: http.StatusNoContent}, nil
}

func (s *PoolServer) handleSize(r *http.Request) (Response[any], *Error) {
	if r.Method != http.MethodGet {
		return Response[any]{}, &Error{Code: http.StatusMethodNotAllowed, Message: "method not allowed"}
	}
	tag := r.URL.Query().Get("tag")
	return Response[any]{Code: http.StatusOK, Body: map[string]int{"size": s.Pool.Size(tag)}}, nil
}
