package web

import (
	"net/http"
	"strconv"

	"github.com/opencode-labs/sandbox-orchestrator/internal/registry"
)

// RegistryServer exposes read access to the Image Registry (§4.2).
type RegistryServer struct {
	Registry *registry.Registry
}

// Register attaches the registry query routes to mux.
func (s *RegistryServer) Register(mux *http.ServeMux) {
	RegisterRoute(mux, "/images", s.handleList)
	RegisterRoute(mux, "/images/{id}", s.handleGet)
}

func (s *RegistryServer) handleList(r *http.Request) (Response[any], *Error) {
	if r.Method != http.MethodGet {
		return Response[any]{}, &Error{Code: http.StatusMethodNotAllowed, Message: "method not allowed"}
	}
	q := r.URL.Query()
	query := registry.ListQuery{
		Repository: q.Get("repository"),
		Branch:     q.Get("branch"),
		LatestOnly: q.Get("latestOnly") == "true",
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			query.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			query.Offset = n
		}
	}
	return Response[any]{Code: http.StatusOK, Body: s.Registry.List(query)}, nil
}

func (s *RegistryServer) handleGet(r *http.Request) (Response[any], *Error) {
	switch r.Method {
	case http.MethodGet:
		img, ok := s.Registry.GetByID(pathID(r))
		if !ok {
			return Response[any]{}, &Error{Code: http.StatusNotFound, Message: "image not found: " + pathID(r)}
		}
		return Response[any]{Code: http.StatusOK, Body: img}, nil
	case http.MethodDelete:
		if err := s.Registry.Delete(pathID(r)); err != nil {
			return Response[any]{}, FromErr(err)
		}
		return Response[any]{Code: http.StatusNoContent}, nil
	default:
		return Response[any]{}, &Error{Code: http.StatusMethodNotAllowed, Message: "method not allowed"}
	}
}
