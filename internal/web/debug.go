package web

import (
	"net/http"

	"github.com/opencode-labs/sandbox-orchestrator/internal/builder"
	"github.com/opencode-labs/sandbox-orchestrator/internal/pool"
	"github.com/opencode-labs/sandbox-orchestrator/internal/syncgate"
)

// DebugServer exposes a supplemental `GET /debug` introspection route
// dumping warm-pool sizes, in-flight/queued builds, and sync-gate
// pending-edit counts. Grounded on the teacher's
// `core/debug.go`/`infra/sandboxcr/debug.go` LoadDebugInfo convention —
// each owning component contributes its own `map[string]any` slice
// rather than the debug surface reaching into private state directly.
type DebugServer struct {
	Pool    *pool.Pool
	Builder *builder.Builder
	Gate    *syncgate.Gate
}

// Register attaches the debug route to mux.
func (s *DebugServer) Register(mux *http.ServeMux) {
	RegisterRoute(mux, "/debug", s.handleDebug)
}

// LoadDebugInfo assembles the current snapshot of every wired
// component's diagnostic state, the method named in SPEC_FULL.md's
// debug-introspection supplement.
func (s *DebugServer) LoadDebugInfo() map[string]any {
	info := make(map[string]any)
	if s.Pool != nil {
		info["pool"] = map[string]any{"sizes": s.Pool.Sizes()}
	}
	if s.Builder != nil {
		info["builder"] = map[string]any{
			"queued":   s.Builder.QueueLength(),
			"inFlight": s.Builder.InFlightCount(),
		}
	}
	if s.Gate != nil {
		info["syncGate"] = map[string]any{"totalPendingEdits": s.Gate.TotalPendingCount()}
	}
	return info
}

func (s *DebugServer) handleDebug(r *http.Request) (Response[any], *Error) {
	if r.Method != http.MethodGet {
		return Response[any]{}, &Error{Code: http.StatusMethodNotAllowed, Message: "method not allowed"}
	}
	return Response[any]{Code: http.StatusOK, Body: s.LoadDebugInfo()}, nil
}
