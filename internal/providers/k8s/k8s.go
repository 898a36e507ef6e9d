// Package k8s implements a supplemental Provider backed by plain
// Kubernetes Pods rather than a custom CRD: each sandbox is one Pod in
// Namespace, labeled so List can select on it (Get looks it up by
// name), adapted from the
// teacher's pkg/sandbox-manager/core/infra/k8s.Infra (itself a
// Pod-and-Deployment-backed Infra alongside the CRD-backed one) and its
// controller's use of sigs.k8s.io/controller-runtime client.Client for
// object CRUD.
package k8s

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/remotecommand"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/opencode-labs/sandbox-orchestrator/internal/errs"
	"github.com/opencode-labs/sandbox-orchestrator/internal/sandbox"
)

const (
	labelSandboxID = "opencode.dev/sandbox-id"
	labelProjectID = "opencode.dev/project-id"
	containerName  = "sandbox"
)

// Provider runs sandboxes as Pods in a single namespace, created from a
// PodSpec template supplied at construction (e.g. image, resource
// requests, volume mounts) rather than a hardcoded one.
type Provider struct {
	Client     client.Client
	Clientset  kubernetes.Interface
	RESTConfig *rest.Config
	Namespace  string
	PodSpec    corev1.PodSpec
}

// New constructs a Pod-backed Provider. clientset and restConfig are used
// only for Execute/StreamLogs, which need the raw REST exec/log
// subresources that the controller-runtime client doesn't expose.
func New(c client.Client, clientset kubernetes.Interface, restConfig *rest.Config, namespace string, podSpec corev1.PodSpec) *Provider {
	return &Provider{Client: c, Clientset: clientset, RESTConfig: restConfig, Namespace: namespace, PodSpec: podSpec}
}

func (p *Provider) podName(id string) string { return "sandbox-" + id }

// Create provisions a Pod for a fresh sandbox id and returns immediately
// in StatusInitializing; git sync happens inside the pod's own entrypoint
// and is observed, not driven, by this provider (§4.1.c).
func (p *Provider) Create(ctx context.Context, in sandbox.CreateInput) (sandbox.Info, error) {
	id := newID()
	now := time.Now()

	spec := *p.PodSpec.DeepCopy()
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      p.podName(id),
			Namespace: p.Namespace,
			Labels: map[string]string{
				labelSandboxID: id,
				labelProjectID: in.ProjectID,
			},
			Annotations: map[string]string{
				"opencode.dev/repo":   in.Repo,
				"opencode.dev/branch": in.Branch,
			},
		},
		Spec: spec,
	}
	if in.ImageTag != "" && len(pod.Spec.Containers) > 0 {
		pod.Spec.Containers[0].Image = in.ImageTag
	}

	if err := p.Client.Create(ctx, pod); err != nil {
		return sandbox.Info{}, errs.Newf(errs.Internal, "create sandbox pod: %v", err)
	}

	return sandbox.Info{
		ID:        id,
		ProjectID: in.ProjectID,
		Status:    sandbox.StatusInitializing,
		Git: sandbox.GitInfo{
			Repo:       in.Repo,
			Branch:     in.Branch,
			SyncStatus: sandbox.SyncPending,
		},
		Network: sandbox.Network{Ports: map[string]int{}},
		Time:    sandbox.Times{Created: now, LastActivity: now},
	}, nil
}

func (p *Provider) getPod(ctx context.Context, id string) (*corev1.Pod, error) {
	pod := &corev1.Pod{}
	err := p.Client.Get(ctx, client.ObjectKey{Namespace: p.Namespace, Name: p.podName(id)}, pod)
	return pod, err
}

// Get refreshes status from the live Pod phase (§4.1.c).
func (p *Provider) Get(ctx context.Context, id string) (sandbox.Info, bool, error) {
	pod, err := p.getPod(ctx, id)
	if apierrors.IsNotFound(err) {
		return sandbox.Info{}, false, nil
	}
	if err != nil {
		return sandbox.Info{}, false, errs.Newf(errs.Internal, "get sandbox pod: %v", err)
	}
	return p.toInfo(pod), true, nil
}

// List returns every Pod-backed sandbox this provider manages, optionally
// scoped to one project via the label selector.
func (p *Provider) List(ctx context.Context, projectID string) ([]sandbox.Info, error) {
	opts := []client.ListOption{client.InNamespace(p.Namespace)}
	if projectID != "" {
		opts = append(opts, client.MatchingLabels{labelProjectID: projectID})
	} else {
		opts = append(opts, client.HasLabels{labelSandboxID})
	}
	var pods corev1.PodList
	if err := p.Client.List(ctx, &pods, opts...); err != nil {
		return nil, errs.Newf(errs.Internal, "list sandbox pods: %v", err)
	}
	out := make([]sandbox.Info, 0, len(pods.Items))
	for i := range pods.Items {
		out = append(out, p.toInfo(&pods.Items[i]))
	}
	return out, nil
}

func (p *Provider) toInfo(pod *corev1.Pod) sandbox.Info {
	id := pod.Labels[labelSandboxID]
	status := sandbox.StatusInitializing
	switch pod.Status.Phase {
	case corev1.PodRunning:
		status = sandbox.StatusRunning
	case corev1.PodSucceeded, corev1.PodFailed:
		status = sandbox.StatusTerminated
	}
	if !pod.DeletionTimestamp.IsZero() {
		status = sandbox.StatusTerminated
	}

	ports := map[string]int{}
	for _, c := range pod.Spec.Containers {
		for _, cp := range c.Ports {
			if cp.Name != "" {
				ports[cp.Name] = int(cp.ContainerPort)
			}
		}
	}

	return sandbox.Info{
		ID:        id,
		ProjectID: pod.Labels[labelProjectID],
		Status:    status,
		Git: sandbox.GitInfo{
			Repo:   pod.Annotations["opencode.dev/repo"],
			Branch: pod.Annotations["opencode.dev/branch"],
		},
		Network: sandbox.Network{
			InternalIP: pod.Status.PodIP,
			Ports:      ports,
		},
		Time: sandbox.Times{Created: pod.CreationTimestamp.Time, LastActivity: pod.CreationTimestamp.Time},
	}
}

// Start is a no-op beyond observing the Pod: a Pod has no suspend
// state, so "starting" a sandbox here returns its current state without
// waiting for it to run (§4.1.c's narrower lifecycle compared to
// local/hosted).
func (p *Provider) Start(ctx context.Context, id string) (sandbox.Info, error) {
	info, ok, err := p.Get(ctx, id)
	if err != nil {
		return sandbox.Info{}, err
	}
	if !ok {
		return sandbox.Info{}, errs.Newf(errs.NotFound, "sandbox %s not found", id)
	}
	if info.Status == sandbox.StatusTerminated {
		return sandbox.Info{}, errs.Newf(errs.Conflict, "sandbox %s is terminated", id)
	}
	return info, nil
}

// Stop deletes the Pod: Kubernetes has no native pause for a running
// container, so "stop" here terminates the sandbox and reports it as
// suspended. Nothing recreates the Pod: a later Start fails (Conflict
// while the Pod is terminating, NotFound once it is gone) — a documented
// limitation vs. local/hosted.
func (p *Provider) Stop(ctx context.Context, id string) (sandbox.Info, error) {
	info, ok, err := p.Get(ctx, id)
	if err != nil {
		return sandbox.Info{}, err
	}
	if !ok {
		return sandbox.Info{}, errs.Newf(errs.NotFound, "sandbox %s not found", id)
	}
	if err := p.Terminate(ctx, id); err != nil {
		return sandbox.Info{}, err
	}
	info.Status = sandbox.StatusSuspended
	return info, nil
}

// Terminate deletes the backing Pod; a missing Pod is treated as already
// terminated (idempotent, §4.1).
func (p *Provider) Terminate(ctx context.Context, id string) error {
	pod := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: p.podName(id), Namespace: p.Namespace}}
	if err := p.Client.Delete(ctx, pod); err != nil && !apierrors.IsNotFound(err) {
		return errs.Newf(errs.Internal, "delete sandbox pod: %v", err)
	}
	return nil
}

// Snapshot and Restore have no direct Kubernetes Pod equivalent without a
// CSI volume-snapshot controller (out of scope here); this provider
// reports them unsupported rather than silently no-opping.
func (p *Provider) Snapshot(ctx context.Context, id string) (string, error) {
	return "", errs.New(errs.BadRequest, "k8s provider does not support snapshot; use the local or hosted backend")
}

func (p *Provider) Restore(ctx context.Context, snapshotID string) (sandbox.Info, error) {
	return sandbox.Info{}, errs.New(errs.BadRequest, "k8s provider does not support restore; use the local or hosted backend")
}

// Execute runs argv inside the sandbox's container via the standard
// client-go exec subresource (SPDY), the idiomatic way to run a command
// in a live Pod without an in-pod HTTP agent.
func (p *Provider) Execute(ctx context.Context, id string, argv []string, opts sandbox.ExecOptions) (sandbox.ExecResult, error) {
	if len(argv) == 0 {
		return sandbox.ExecResult{}, errs.New(errs.BadRequest, "argv must not be empty")
	}
	runCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	req := p.Clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(p.podName(id)).
		Namespace(p.Namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: containerName,
			Command:   argv,
			Stdout:    true,
			Stderr:    true,
		}, scheme.ParameterCodec)

	exec, err := remotecommand.NewSPDYExecutor(p.RESTConfig, "POST", req.URL())
	if err != nil {
		return sandbox.ExecResult{}, errs.Newf(errs.Internal, "build exec stream: %v", err)
	}

	start := time.Now()
	var stdout, stderr bytes.Buffer
	streamErr := exec.StreamWithContext(runCtx, remotecommand.StreamOptions{Stdout: &stdout, Stderr: &stderr})
	duration := time.Since(start)

	result := sandbox.ExecResult{Stdout: stdout.String(), Stderr: stderr.String(), Duration: duration}
	if streamErr == nil {
		result.ExitCode = 0
		return result, nil
	}
	if exitErr, ok := streamErr.(interface{ ExitStatus() int }); ok {
		result.ExitCode = exitErr.ExitStatus()
		return result, nil
	}
	result.ExitCode = 1
	result.Stderr += streamErr.Error()
	return result, nil
}

// StreamLogs wraps the Pod logs subresource as a ReadCloser (§4.1.c).
func (p *Provider) StreamLogs(ctx context.Context, id, service string) (io.ReadCloser, error) {
	req := p.Clientset.CoreV1().Pods(p.Namespace).GetLogs(p.podName(id), &corev1.PodLogOptions{
		Container: containerName,
		Follow:    true,
	})
	stream, err := req.Stream(ctx)
	if err != nil {
		return nil, errs.Newf(errs.NotFound, "open log stream for %s: %v", service, err)
	}
	return stream, nil
}

// SyncGit re-execs the in-pod sync entrypoint; actual clone/pull logic
// lives in the container image, not in this orchestrator (§4.1.c).
func (p *Provider) SyncGit(ctx context.Context, id string) error {
	_, err := p.Execute(ctx, id, []string{"/opencode/sync.sh"}, sandbox.ExecOptions{Timeout: 2 * time.Minute})
	return err
}

// GetGitStatus reads the sandbox's own annotations, which the in-pod
// sync entrypoint is expected to keep current via the downward API or a
// status callback (not modeled further here).
func (p *Provider) GetGitStatus(ctx context.Context, id string) (sandbox.GitInfo, error) {
	pod, err := p.getPod(ctx, id)
	if apierrors.IsNotFound(err) {
		return sandbox.GitInfo{}, errs.Newf(errs.NotFound, "sandbox %s not found", id)
	}
	if err != nil {
		return sandbox.GitInfo{}, errs.Newf(errs.Internal, "get sandbox pod: %v", err)
	}
	return sandbox.GitInfo{
		Repo:   pod.Annotations["opencode.dev/repo"],
		Branch: pod.Annotations["opencode.dev/branch"],
	}, nil
}

func newID() string {
	return uuid.NewString()
}
