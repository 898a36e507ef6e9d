// Package main is the Sandbox Orchestration Core daemon: it wires every
// component (Provider, Image Registry, Image Builder, Warm Pool, Sync
// Gate, Snapshot Manager, Multiplayer Session) together and starts both
// the tool-facing internal/web surface and the collaboration-facing
// server (gin) surface. Adapted from the teacher's cmd/sandbox-manager
// entrypoint: pflag + klog.InitFlags for flags, os.Getenv-backed
// required settings, then wire-construct-and-run in one function.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
	"k8s.io/klog/v2"
	ctrlclient "sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/opencode-labs/sandbox-orchestrator/internal/builder"
	"github.com/opencode-labs/sandbox-orchestrator/internal/config"
	"github.com/opencode-labs/sandbox-orchestrator/internal/events"
	"github.com/opencode-labs/sandbox-orchestrator/internal/multiplayer"
	"github.com/opencode-labs/sandbox-orchestrator/internal/pool"
	"github.com/opencode-labs/sandbox-orchestrator/internal/providers"
	"github.com/opencode-labs/sandbox-orchestrator/internal/providers/hosted"
	k8sprovider "github.com/opencode-labs/sandbox-orchestrator/internal/providers/k8s"
	"github.com/opencode-labs/sandbox-orchestrator/internal/providers/local"
	"github.com/opencode-labs/sandbox-orchestrator/internal/registry"
	"github.com/opencode-labs/sandbox-orchestrator/internal/sandbox"
	"github.com/opencode-labs/sandbox-orchestrator/internal/snapshots"
	"github.com/opencode-labs/sandbox-orchestrator/internal/syncgate"
	"github.com/opencode-labs/sandbox-orchestrator/internal/web"
	"github.com/opencode-labs/sandbox-orchestrator/server"
)

func main() {
	var (
		toolAddr     string
		collabAddr   string
		backendKind  string
		localBase    string
		k8sNamespace string
		k8sImage     string
	)
	pflag.StringVar(&toolAddr, "tool-addr", ":8081", "Address the tool-facing sandbox HTTP surface listens on.")
	pflag.StringVar(&collabAddr, "collab-addr", ":8080", "Address the collaboration HTTP surface (multiplayer/skills/voice/pr-session) listens on.")
	pflag.StringVar(&backendKind, "backend", "local", "Sandbox backend to run: \"local\", \"hosted\", or \"k8s\".")
	pflag.StringVar(&localBase, "local-base-dir", os.TempDir(), "Base directory for the local backend's sandbox working directories.")
	pflag.StringVar(&k8sNamespace, "k8s-namespace", "opencode-sandboxes", "Namespace the k8s backend creates sandbox Pods in.")
	pflag.StringVar(&k8sImage, "k8s-sandbox-image", "", "Container image the k8s backend's sandbox Pods run (required when --backend=k8s).")

	klog.InitFlags(nil)
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	pflag.Parse()

	bus := events.NewBus()

	provider, err := newProvider(backendKind, localBase, k8sNamespace, k8sImage)
	if err != nil {
		klog.Fatalf("failed to construct sandbox provider: %v", err)
	}

	reg := registry.New(config.RegistryOptions{})
	wp := pool.New(config.PoolOptions{}, provider, bus)
	gate := syncgate.New(config.SyncGateOptions{})

	snapMgr := snapshots.New(config.SnapshotOptions{}, func(ctx context.Context, snap snapshots.Snapshot) (string, error) {
		info, err := provider.Restore(ctx, snap.ID)
		if err != nil {
			return "", err
		}
		if err := provider.SyncGit(ctx, info.ID); err != nil {
			return "", fmt.Errorf("mandatory post-restore resync: %w", err)
		}
		return info.ID, nil
	}, bus)

	creds := config.LoadGitHubAppCredentials()
	b, err := builder.New(config.BuilderOptions{}, creds,
		builder.GitCloner{BaseDir: localBase},
		builder.DockerBackend{InstallCmd: []string{"true"}},
		reg, bus)
	if err != nil {
		klog.Fatalf("failed to construct image builder: %v", err)
	}

	mpManager := multiplayer.New(config.MultiplayerOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wp.Run(ctx)
	b.StartSchedule(nil) // repeated rebuild schedule with no fixed targets until configured

	toolMux := http.NewServeMux()
	(&web.SandboxServer{Provider: provider}).Register(toolMux)
	(&web.PoolServer{Pool: wp}).Register(toolMux)
	(&web.RegistryServer{Registry: reg}).Register(toolMux)
	(&web.BuildServer{Builder: b}).Register(toolMux)
	(&web.SyncGateServer{Gate: gate, GetSyncStatus: func(ctx context.Context, id string) (sandbox.SyncStatus, error) {
		info, err := provider.GetGitStatus(ctx, id)
		if err != nil {
			return "", err
		}
		return info.SyncStatus, nil
	}}).Register(toolMux)
	(&web.SnapshotServer{Manager: snapMgr}).Register(toolMux)
	(&web.DebugServer{Pool: wp, Builder: b, Gate: gate}).Register(toolMux)
	toolMux.Handle("/metrics", promhttp.Handler())

	toolServer := &http.Server{Addr: toolAddr, Handler: toolMux}
	go func() {
		klog.Infof("starting tool-facing sandbox HTTP surface on %s", toolAddr)
		if err := toolServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			klog.Fatalf("tool-facing HTTP surface failed: %v", err)
		}
	}()

	collabServer := server.NewServer(collabAddr, mpManager, server.NewSkillStore(), server.NewVoiceManager(), server.NewPRSessionManager(), server.AuthConfig{})
	go func() {
		klog.Infof("starting collaboration HTTP surface on %s", collabAddr)
		if err := collabServer.Run(); err != nil && err != http.ErrServerClosed {
			klog.Fatalf("collaboration HTTP surface failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	klog.Info("shutting down")
	b.StopSchedule()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = toolServer.Shutdown(shutdownCtx)
	_ = collabServer.Shutdown(shutdownCtx)
}

func newProvider(kind, localBase, k8sNamespace, k8sImage string) (providers.Provider, error) {
	switch kind {
	case "hosted":
		creds := config.LoadHostedBackendCredentials()
		return hosted.New(hosted.Credentials{
			TokenID:     creds.TokenID,
			TokenSecret: creds.TokenSecret,
			AppName:     creds.AppName,
			APIBaseURL:  creds.APIBaseURL,
		}, nil), nil
	case "local":
		snapshotDir := localBase + "-snapshots"
		return local.New(localBase, snapshotDir)
	case "k8s":
		if k8sImage == "" {
			return nil, fmt.Errorf("--k8s-sandbox-image is required when --backend=k8s")
		}
		restConfig, err := loadKubeConfig()
		if err != nil {
			return nil, fmt.Errorf("load kubeconfig: %w", err)
		}
		clientset, err := kubernetes.NewForConfig(restConfig)
		if err != nil {
			return nil, fmt.Errorf("build kubernetes clientset: %w", err)
		}
		ctrlClient, err := ctrlclient.New(restConfig, ctrlclient.Options{})
		if err != nil {
			return nil, fmt.Errorf("build controller-runtime client: %w", err)
		}
		podSpec := corev1.PodSpec{
			Containers: []corev1.Container{{
				Name:  "sandbox",
				Image: k8sImage,
				Ports: []corev1.ContainerPort{{Name: "agent", ContainerPort: 8090}},
			}},
		}
		return k8sprovider.New(ctrlClient, clientset, restConfig, k8sNamespace, podSpec), nil
	default:
		return nil, fmt.Errorf("unknown backend %q (want \"local\", \"hosted\", or \"k8s\")", kind)
	}
}

// loadKubeConfig mirrors the teacher's clients.NewClientSet: try in-cluster
// config first, then fall back to $KUBECONFIG or the default kubeconfig
// path, the standard way a Go program picks up cluster credentials.
func loadKubeConfig() (*rest.Config, error) {
	if cfg, err := rest.InClusterConfig(); err == nil {
		return cfg, nil
	}
	kubeconfig := os.Getenv("KUBECONFIG")
	if kubeconfig == "" {
		if home := homedir.HomeDir(); home != "" {
			kubeconfig = filepath.Join(home, ".kube", "config")
		}
	}
	return clientcmd.BuildConfigFromFlags("", kubeconfig)
}
