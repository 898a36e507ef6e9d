package web

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/util/validation"

	"github.com/opencode-labs/sandbox-orchestrator/internal/providers"
	"github.com/opencode-labs/sandbox-orchestrator/internal/sandbox"
)

// SandboxServer wires the Provider contract onto the tool-facing HTTP
// surface named by §4.1/§6: create/get/list/start/stop/terminate/exec/
// snapshot/restore/sync-git.
type SandboxServer struct {
	Provider providers.Provider
}

// Register attaches every sandbox lifecycle route to mux.
func (s *SandboxServer) Register(mux *http.ServeMux) {
	RegisterRoute(mux, "/sandboxes", s.handleCollection)
	RegisterRoute(mux, "/sandboxes/{id}", s.handleItem)
	RegisterRoute(mux, "/sandboxes/{id}/start", s.handleStart)
	RegisterRoute(mux, "/sandboxes/{id}/stop", s.handleStop)
	RegisterRoute(mux, "/sandboxes/{id}/exec", s.handleExec)
	RegisterRoute(mux, "/sandboxes/{id}/snapshot", s.handleSnapshot)
	RegisterRoute(mux, "/sandboxes/{id}/sync", s.handleSyncGit)
	RegisterRoute(mux, "/sandboxes/{id}/git", s.handleGitStatus)
	RegisterRoute(mux, "/sandboxes/restore", s.handleRestore)
}

func pathID(r *http.Request) string {
	return r.PathValue("id")
}

func (s *SandboxServer) handleCollection(r *http.Request) (Response[any], *Error) {
	switch r.Method {
	case http.MethodPost:
		var in sandbox.CreateInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil && err != io.EOF {
			return Response[any]{}, &Error{Code: http.StatusBadRequest, Message: "invalid body: " + err.Error()}
		}
		if in.ProjectID != "" {
			if errs := validation.IsQualifiedName(in.ProjectID); len(errs) > 0 {
				return Response[any]{}, &Error{Code: http.StatusBadRequest, Message: "invalid projectId: " + strings.Join(errs, ", ")}
			}
		}
		info, err := s.Provider.Create(r.Context(), in)
		if err != nil {
			return Response[any]{}, FromErr(err)
		}
		return Response[any]{Code: http.StatusCreated, Body: info}, nil
	case http.MethodGet:
		projectID := r.URL.Query().Get("projectId")
		infos, err := s.Provider.List(r.Context(), projectID)
		if err != nil {
			return Response[any]{}, FromErr(err)
		}
		return Response[any]{Code: http.StatusOK, Body: infos}, nil
	default:
		return Response[any]{}, &Error{Code: http.StatusMethodNotAllowed, Message: "method not allowed"}
	}
}

func (s *SandboxServer) handleItem(r *http.Request) (Response[any], *Error) {
	id := pathID(r)
	switch r.Method {
	case http.MethodGet:
		info, ok, err := s.Provider.Get(r.Context(), id)
		if err != nil {
			return Response[any]{}, FromErr(err)
		}
		if !ok {
			return Response[any]{}, &Error{Code: http.StatusNotFound, Message: "sandbox not found: " + id}
		}
		return Response[any]{Code: http.StatusOK, Body: info}, nil
	case http.MethodDelete:
		if err := s.Provider.Terminate(r.Context(), id); err != nil {
			return Response[any]{}, FromErr(err)
		}
		return Response[any]{Code: http.StatusNoContent}, nil
	default:
		return Response[any]{}, &Error{Code: http.StatusMethodNotAllowed, Message: "method not allowed"}
	}
}

func (s *SandboxServer) handleStart(r *http.Request) (Response[any], *Error) {
	if r.Method != http.MethodPost {
		return Response[any]{}, &Error{Code: http.StatusMethodNotAllowed, Message: "method not allowed"}
	}
	info, err := s.Provider.Start(r.Context(), pathID(r))
	if err != nil {
		return Response[any]{}, FromErr(err)
	}
	return Response[any]{Code: http.StatusOK, Body: info}, nil
}

func (s *SandboxServer) handleStop(r *http.Request) (Response[any], *Error) {
	if r.Method != http.MethodPost {
		return Response[any]{}, &Error{Code: http.StatusMethodNotAllowed, Message: "method not allowed"}
	}
	info, err := s.Provider.Stop(r.Context(), pathID(r))
	if err != nil {
		return Response[any]{}, FromErr(err)
	}
	return Response[any]{Code: http.StatusOK, Body: info}, nil
}

type execRequest struct {
	Argv    []string          `json:"argv"`
	Cwd     string            `json:"cwd"`
	Env     map[string]string `json:"env"`
	Timeout string            `json:"timeout"`
}

func (s *SandboxServer) handleExec(r *http.Request) (Response[any], *Error) {
	if r.Method != http.MethodPost {
		return Response[any]{}, &Error{Code: http.StatusMethodNotAllowed, Message: "method not allowed"}
	}
	var req execRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return Response[any]{}, &Error{Code: http.StatusBadRequest, Message: "invalid body: " + err.Error()}
	}
	if len(req.Argv) == 0 {
		return Response[any]{}, &Error{Code: http.StatusBadRequest, Message: "argv must not be empty"}
	}
	opts := sandbox.ExecOptions{Cwd: req.Cwd, Env: req.Env}
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil {
			return Response[any]{}, &Error{Code: http.StatusBadRequest, Message: "invalid timeout: " + err.Error()}
		}
		opts.Timeout = d
	}
	result, err := s.Provider.Execute(r.Context(), pathID(r), req.Argv, opts)
	if err != nil {
		return Response[any]{}, FromErr(err)
	}
	return Response[any]{Code: http.StatusOK, Body: result}, nil
}

func (s *SandboxServer) handleSnapshot(r *http.Request) (Response[any], *Error) {
	if r.Method != http.MethodPost {
		return Response[any]{}, &Error{Code: http.StatusMethodNotAllowed, Message: "method not allowed"}
	}
	snapshotID, err := s.Provider.Snapshot(r.Context(), pathID(r))
	if err != nil {
		return Response[any]{}, FromErr(err)
	}
	return Response[any]{Code: http.StatusCreated, Body: map[string]string{"snapshotId": snapshotID}}, nil
}

func (s *SandboxServer) handleRestore(r *http.Request) (Response[any], *Error) {
	if r.Method != http.MethodPost {
		return Response[any]{}, &Error{Code: http.StatusMethodNotAllowed, Message: "method not allowed"}
	}
	var body struct {
		SnapshotID string `json:"snapshotId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return Response[any]{}, &Error{Code: http.StatusBadRequest, Message: "invalid body: " + err.Error()}
	}
	if body.SnapshotID == "" {
		return Response[any]{}, &Error{Code: http.StatusBadRequest, Message: "snapshotId is required"}
	}
	info, err := s.Provider.Restore(r.Context(), body.SnapshotID)
	if err != nil {
		return Response[any]{}, FromErr(err)
	}
	return Response[any]{Code: http.StatusCreated, Body: info}, nil
}

func (s *SandboxServer) handleSyncGit(r *http.Request) (Response[any], *Error) {
	if r.Method != http.MethodPost {
		return Response[any]{}, &Error{Code: http.StatusMethodNotAllowed, Message: "method not allowed"}
	}
	if err := s.Provider.SyncGit(r.Context(), pathID(r)); err != nil {
		return Response[any]{}, FromErr(err)
	}
	return Response[any]{Code: http.StatusAccepted}, nil
}

func (s *SandboxServer) handleGitStatus(r *http.Request) (Response[any], *Error) {
	if r.Method != http.MethodGet {
		return Response[any]{}, &Error{Code: http.StatusMethodNotAllowed, Message: "method not allowed"}
	}
	info, err := s.Provider.GetGitStatus(r.Context(), pathID(r))
	if err != nil {
		return Response[any]{}, FromErr(err)
	}
	return Response[any]{Code: http.StatusOK, Body: info}, nil
}
