// Package hosted implements the Hosted backend (§4.1.b): a thin HTTP
// client wrapping a remote serverless sandbox API. The backend owns real
// isolation (container, firecracker, etc.); this provider trusts only the
// documented API surface and maps remote status strings onto
// sandbox.Status (§4.1.b).
package hosted

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/opencode-labs/sandbox-orchestrator/internal/errs"
	"github.com/opencode-labs/sandbox-orchestrator/internal/sandbox"
)

// Credentials are the hosted-backend credentials loaded per §6's
// "Environment" section: TOKEN_ID, TOKEN_SECRET, APP_NAME, API_BASE_URL.
type Credentials struct {
	TokenID     string
	TokenSecret string
	AppName     string
	APIBaseURL  string
}

// Provider wraps the remote API over HTTP.
type Provider struct {
	creds  Credentials
	client *http.Client
}

// New constructs a Provider. httpClient may be nil, in which case
// http.DefaultClient is used (tests inject a fake transport instead).
func New(creds Credentials, httpClient *http.Client) *Provider {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Provider{creds: creds, client: httpClient}
}

// remoteSandbox mirrors the JSON shape the hosted API returns. Field
// names follow the API, not this core's internal naming.
type remoteSandbox struct {
	ID          string            `json:"id"`
	Status      string            `json:"status"`
	Repo        string            `json:"repo"`
	Branch      string            `json:"branch"`
	Commit      string            `json:"commit"`
	SyncStatus  string            `json:"sync_status"`
	InternalIP  string            `json:"internal_ip"`
	Ports       map[string]int    `json:"ports"`
	PublicURL   string            `json:"public_url,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	Services    []remoteService   `json:"services"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

type remoteService struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Port   int    `json:"port"`
	URL    string `json:"url"`
}

// mapStatus maps the hosted API's status vocabulary onto sandbox.Status
// exactly per §4.1.b's table: pending|starting -> initializing,
// running -> running, stopped|suspended -> suspended,
// terminated|failed -> terminated, default -> ready.
func mapStatus(remote string) sandbox.Status {
	switch remote {
	case "pending", "starting":
		return sandbox.StatusInitializing
	case "running":
		return sandbox.StatusRunning
	case "stopped", "suspended":
		return sandbox.StatusSuspended
	case "terminated", "failed":
		return sandbox.StatusTerminated
	default:
		return sandbox.StatusReady
	}
}

func mapSyncStatus(remote string) sandbox.SyncStatus {
	switch remote {
	case "pending":
		return sandbox.SyncPending
	case "syncing":
		return sandbox.SyncSyncing
	case "synced":
		return sandbox.SyncSynced
	default:
		return sandbox.SyncError
	}
}

func toInfo(r remoteSandbox) sandbox.Info {
	services := make([]sandbox.Service, 0, len(r.Services))
	for _, s := range r.Services {
		var st sandbox.ServiceStatus
		switch s.Status {
		case "starting":
			st = sandbox.ServiceStarting
		case "running":
			st = sandbox.ServiceRunning
		case "stopped":
			st = sandbox.ServiceStopped
		default:
			st = sandbox.ServiceError
		}
		services = append(services, sandbox.Service{Name: s.Name, Status: st, Port: s.Port, URL: s.URL})
	}
	status := mapStatus(r.Status)
	info := sandbox.Info{
		ID:     r.ID,
		Status: status,
		Git: sandbox.GitInfo{
			Repo:       r.Repo,
			Branch:     r.Branch,
			Commit:     r.Commit,
			SyncStatus: mapSyncStatus(r.SyncStatus),
		},
		Services: services,
		Network: sandbox.Network{
			InternalIP: r.InternalIP,
			Ports:      r.Ports,
			// §4.1.b: public URL, if provided, takes the form
			// https://{app}--{remoteID}.{host}
			PublicURL: r.PublicURL,
		},
		Time: sandbox.Times{Created: r.CreatedAt, LastActivity: r.CreatedAt},
	}
	if info.Ready() {
		t := r.CreatedAt
		info.Time.Ready = &t
	}
	return info
}

func (p *Provider) url(path string) string {
	return strings.TrimRight(p.creds.APIBaseURL, "/") + path
}

func (p *Provider) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errs.Newf(errs.Internal, "marshal request: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.url(path), reader)
	if err != nil {
		return errs.Newf(errs.Internal, "build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Token-ID", p.creds.TokenID)
	req.Header.Set("X-Token-Secret", p.creds.TokenSecret)
	req.Header.Set("X-App-Name", p.creds.AppName)

	resp, err := p.client.Do(req)
	if err != nil {
		return errs.Newf(errs.Internal, "hosted backend unreachable: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(resp.Body)
		return errs.NewBackendUnavailable(resp.StatusCode, string(payload))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errs.Newf(errs.Internal, "decode hosted backend response: %v", err)
	}
	return nil
}

// Create calls POST /sandboxes. Creation is asynchronous on the remote
// side too: the returned status is typically "pending".
func (p *Provider) Create(ctx context.Context, in sandbox.CreateInput) (sandbox.Info, error) {
	reqBody := map[string]any{
		"project_id": in.ProjectID,
		"repo":       in.Repo,
		"branch":     in.Branch,
		"image_tag":  in.ImageTag,
		"auto_pause": in.AutoPause,
	}
	var remote remoteSandbox
	if err := p.do(ctx, http.MethodPost, "/sandboxes", reqBody, &remote); err != nil {
		return sandbox.Info{}, err
	}
	return toInfo(remote), nil
}

// Get calls GET /sandboxes/{id}.
func (p *Provider) Get(ctx context.Context, id string) (sandbox.Info, bool, error) {
	var remote remoteSandbox
	err := p.do(ctx, http.MethodGet, "/sandboxes/"+id, nil, &remote)
	if err != nil {
		if statusCode, _, ok := errs.AsBackendUnavailable(err); ok && statusCode == http.StatusNotFound {
			return sandbox.Info{}, false, nil
		}
		return sandbox.Info{}, false, err
	}
	return toInfo(remote), true, nil
}

// List calls GET /sandboxes, optionally filtered by project id.
func (p *Provider) List(ctx context.Context, projectID string) ([]sandbox.Info, error) {
	path := "/sandboxes"
	if projectID != "" {
		path += "?project_id=" + projectID
	}
	var remotes []remoteSandbox
	if err := p.do(ctx, http.MethodGet, path, nil, &remotes); err != nil {
		return nil, err
	}
	out := make([]sandbox.Info, 0, len(remotes))
	for _, r := range remotes {
		out = append(out, toInfo(r))
	}
	return out, nil
}

// Start calls POST /sandboxes/{id}/start.
func (p *Provider) Start(ctx context.Context, id string) (sandbox.Info, error) {
	var remote remoteSandbox
	if err := p.do(ctx, http.MethodPost, "/sandboxes/"+id+"/start", nil, &remote); err != nil {
		return sandbox.Info{}, err
	}
	return toInfo(remote), nil
}

// Stop calls POST /sandboxes/{id}/stop.
func (p *Provider) Stop(ctx context.Context, id string) (sandbox.Info, error) {
	var remote remoteSandbox
	if err := p.do(ctx, http.MethodPost, "/sandboxes/"+id+"/stop", nil, &remote); err != nil {
		return sandbox.Info{}, err
	}
	return toInfo(remote), nil
}

// Terminate calls DELETE /sandboxes/{id}; idempotent per §4.1 because the
// remote API is expected to return 2xx/404 alike on a repeat call, and
// this provider treats 404 as success.
func (p *Provider) Terminate(ctx context.Context, id string) error {
	err := p.do(ctx, http.MethodDelete, "/sandboxes/"+id, nil, nil)
	if statusCode, _, ok := errs.AsBackendUnavailable(err); ok && statusCode == http.StatusNotFound {
		return nil
	}
	return err
}

// Snapshot calls POST /sandboxes/{id}/snapshot.
func (p *Provider) Snapshot(ctx context.Context, id string) (string, error) {
	var out struct {
		SnapshotID string `json:"snapshot_id"`
	}
	if err := p.do(ctx, http.MethodPost, "/sandboxes/"+id+"/snapshot", nil, &out); err != nil {
		return "", err
	}
	return out.SnapshotID, nil
}

// Restore calls POST /snapshots/{id}/restore.
func (p *Provider) Restore(ctx context.Context, snapshotID string) (sandbox.Info, error) {
	var remote remoteSandbox
	if err := p.do(ctx, http.MethodPost, "/snapshots/"+snapshotID+"/restore", nil, &remote); err != nil {
		return sandbox.Info{}, err
	}
	return toInfo(remote), nil
}

// Execute calls POST /sandboxes/{id}/exec.
func (p *Provider) Execute(ctx context.Context, id string, argv []string, opts sandbox.ExecOptions) (sandbox.ExecResult, error) {
	reqBody := map[string]any{
		"argv": argv,
		"cwd":  opts.Cwd,
		"env":  opts.Env,
	}
	execCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	var out struct {
		ExitCode int     `json:"exit_code"`
		Stdout   string  `json:"stdout"`
		Stderr   string  `json:"stderr"`
		Duration float64 `json:"duration_seconds"`
	}
	if err := p.do(execCtx, http.MethodPost, "/sandboxes/"+id+"/exec", reqBody, &out); err != nil {
		return sandbox.ExecResult{ExitCode: 1, Stderr: err.Error()}, nil
	}
	return sandbox.ExecResult{
		ExitCode: out.ExitCode,
		Stdout:   out.Stdout,
		Stderr:   out.Stderr,
		Duration: time.Duration(out.Duration * float64(time.Second)),
	}, nil
}

// sseReader decodes a `data: <chunk>\n\n` server-sent-event stream into
// plain UTF-8 text, replacing invalid sequences the way §4.1 requires.
type sseReader struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	pending bytes.Buffer
}

func (r *sseReader) Read(p []byte) (int, error) {
	for r.pending.Len() == 0 {
		if !r.scanner.Scan() {
			if err := r.scanner.Err(); err != nil {
				return 0, err
			}
			return 0, io.EOF
		}
		line := r.scanner.Text()
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			r.pending.WriteString(strings.ToValidUTF8(data, "�"))
			r.pending.WriteByte('\n')
		}
	}
	return r.pending.Read(p)
}

func (r *sseReader) Close() error { return r.body.Close() }

// StreamLogs calls GET /sandboxes/{id}/logs/{service} and decodes the
// server-sent byte stream the hosted API returns (§4.1.b).
func (p *Provider) StreamLogs(ctx context.Context, id, service string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url(fmt.Sprintf("/sandboxes/%s/logs/%s", id, service)), nil)
	if err != nil {
		return nil, errs.Newf(errs.Internal, "build request: %v", err)
	}
	req.Header.Set("X-Token-ID", p.creds.TokenID)
	req.Header.Set("X-Token-Secret", p.creds.TokenSecret)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, errs.Newf(errs.Internal, "hosted backend unreachable: %v", err)
	}
	if resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, errs.NewBackendUnavailable(resp.StatusCode, string(payload))
	}
	return &sseReader{body: resp.Body, scanner: bufio.NewScanner(resp.Body)}, nil
}

// SyncGit calls POST /sandboxes/{id}/sync.
func (p *Provider) SyncGit(ctx context.Context, id string) error {
	return p.do(ctx, http.MethodPost, "/sandboxes/"+id+"/sync", nil, nil)
}

// GetGitStatus calls GET /sandboxes/{id}/git.
func (p *Provider) GetGitStatus(ctx context.Context, id string) (sandbox.GitInfo, error) {
	var out struct {
		Repo       string `json:"repo"`
		Branch     string `json:"branch"`
		Commit     string `json:"commit"`
		SyncStatus string `json:"sync_status"`
	}
	if err := p.do(ctx, http.MethodGet, "/sandboxes/"+id+"/git", nil, &out); err != nil {
		return sandbox.GitInfo{}, err
	}
	return sandbox.GitInfo{
		Repo:       out.Repo,
		Branch:     out.Branch,
		Commit:     out.Commit,
		SyncStatus: mapSyncStatus(out.SyncStatus),
	}, nil
}
