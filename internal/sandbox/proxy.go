package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/cognihq/graphcore/internal/config"
	"github.com/cognihq/graphcore/internal/metrics"
	"github.com/cognihq/graphcore/internal/run"
)

// Container labels; the reaper sweeps on them.
const (
	labelRole  = "cogni.role"
	labelRunID = "cogni.run-id"

	roleProxy   = "llm-proxy"
	roleSandbox = "sandbox"
)

// Paths inside the containers. The audit log sits under /var/lib, not
// /var/log: the proxy base image symlinks its access log to stdout, so
// anything under /var/log would vanish into the container log stream.
const (
	socketDir  = "/sockets"
	socketPath = socketDir + "/openai.sock"
	auditPath  = "/var/lib/llm-proxy/audit.log"
)

const (
	readyBudget      = 2 * time.Second
	execDrainTimeout = 500 * time.Millisecond
	execPollBudget   = time.Second
	stopTimeout      = 10 * time.Second
	cleanupTimeout   = 30 * time.Second
)

var readinessBackoff = []time.Duration{
	50 * time.Millisecond,
	100 * time.Millisecond,
	200 * time.Millisecond,
	400 * time.Millisecond,
	800 * time.Millisecond,
}

// Proxy is one run's egress proxy: the billing authority for everything
// the sandboxed agent does.
type Proxy struct {
	RunID       string
	ContainerID string
	VolumeName  string
}

// Manager owns the per-run proxy containers. Registration happens
// before start and deregistration in teardown, so the map never misses
// a container that might be running.
type Manager struct {
	docker    dockerAPI
	cfg       config.SandboxConfig
	upstream  string
	masterKey string
	log       *zap.Logger

	// ready caps how long Start waits for the proxy socket; tests
	// shrink it.
	ready time.Duration

	mu      sync.Mutex
	proxies map[string]*Proxy
}

func NewManager(docker dockerAPI, cfg config.SandboxConfig, llm config.LiteLLMConfig, log *zap.Logger) *Manager {
	return &Manager{
		docker:    docker,
		cfg:       cfg,
		upstream:  llm.BaseURL,
		masterKey: llm.MasterKey,
		log:       log,
		ready:     readyBudget,
		proxies:   make(map[string]*Proxy),
	}
}

// Start brings up the run's proxy and blocks until its socket accepts
// connections. The billing-account header is pinned here; nothing the
// sandboxed agent sends can change whose credits are spent.
func (m *Manager) Start(ctx context.Context, req run.Request) (*Proxy, error) {
	meta, err := json.Marshal(map[string]any{
		"runId":   req.RunID,
		"attempt": 0,
		"graphId": req.GraphID,
	})
	if err != nil {
		return nil, fmt.Errorf("encode proxy metadata: %w", err)
	}

	labels := map[string]string{
		labelRole:  roleProxy,
		labelRunID: req.RunID,
	}
	vol, err := m.docker.VolumeCreate(ctx, volume.CreateOptions{
		Name:   "graphcore-proxy-" + req.RunID,
		Labels: labels,
	})
	if err != nil {
		return nil, fmt.Errorf("create proxy volume: %w", err)
	}

	created, err := m.docker.ContainerCreate(ctx,
		&container.Config{
			Image:  m.cfg.ProxyImage,
			Labels: labels,
			Env: []string{
				"LLM_PROXY_UPSTREAM=" + m.upstream,
				"LLM_PROXY_MASTER_KEY=" + m.masterKey,
				"LLM_PROXY_ACCOUNT_HEADER=" + req.Caller.BillingAccountID.String(),
				"LLM_PROXY_METADATA=" + string(meta),
				"LLM_PROXY_SOCKET=" + socketPath,
				"LLM_PROXY_AUDIT_LOG=" + auditPath,
			},
		},
		&container.HostConfig{
			NetworkMode: container.NetworkMode(m.cfg.ProxyNetwork),
			Binds:       []string{vol.Name + ":" + socketDir},
		},
		nil, nil, "graphcore-proxy-"+req.RunID)
	if err != nil {
		m.removeVolume(vol.Name)
		return nil, fmt.Errorf("create proxy container: %w", err)
	}

	p := &Proxy{RunID: req.RunID, ContainerID: created.ID, VolumeName: vol.Name}
	m.mu.Lock()
	m.proxies[req.RunID] = p
	m.mu.Unlock()

	if err := m.docker.ContainerStart(ctx, created.ID, types.ContainerStartOptions{}); err != nil {
		m.teardown(p)
		return nil, fmt.Errorf("start proxy container: %w", err)
	}
	if err := m.awaitReady(ctx, created.ID); err != nil {
		m.teardown(p)
		return nil, err
	}

	m.log.Info("proxy ready",
		zap.String("run_id", req.RunID),
		zap.String("container_id", created.ID))
	return p, nil
}

// Stop exports and parses the audit log, then destroys the proxy and
// its volume. The export is bounded and detached from the run context:
// an aborted run still gets billed for the calls it made.
func (m *Manager) Stop(ctx context.Context, runID string) ([]Entry, int, error) {
	m.mu.Lock()
	p, ok := m.proxies[runID]
	m.mu.Unlock()
	if !ok {
		return nil, 0, fmt.Errorf("no proxy registered for run %s", runID)
	}
	defer m.teardown(p)

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()

	out, code, err := m.exec(sctx, p.ContainerID, []string{"cat", auditPath})
	if err != nil {
		return nil, 0, fmt.Errorf("export audit log: %w", err)
	}
	if code != 0 {
		// No audit file: the proxy never saw traffic.
		return nil, 0, nil
	}
	entries, calls, err := ParseAudit(bytes.NewReader(out), runID)
	if err != nil {
		return nil, 0, err
	}
	return entries, calls, nil
}

// teardown force-removes the container and volume and drops the map
// entry. Failures are logged and counted; the sweeper retries later.
func (m *Manager) teardown(p *Proxy) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if err := m.docker.ContainerRemove(ctx, p.ContainerID, types.ContainerRemoveOptions{Force: true}); err != nil {
		m.log.Error("proxy container remove failed",
			zap.String("run_id", p.RunID),
			zap.String("container_id", p.ContainerID),
			zap.Error(err))
		metrics.SandboxCleanupFailures.Inc()
	}
	if err := m.docker.VolumeRemove(ctx, p.VolumeName, true); err != nil {
		m.log.Error("proxy volume remove failed",
			zap.String("run_id", p.RunID),
			zap.String("volume", p.VolumeName),
			zap.Error(err))
		metrics.SandboxCleanupFailures.Inc()
	}

	m.mu.Lock()
	delete(m.proxies, p.RunID)
	m.mu.Unlock()
}

func (m *Manager) removeVolume(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := m.docker.VolumeRemove(ctx, name, true); err != nil {
		m.log.Error("proxy volume remove failed", zap.String("volume", name), zap.Error(err))
		metrics.SandboxCleanupFailures.Inc()
	}
}

// awaitReady probes for the proxy socket with exponential backoff
// inside a fixed budget.
func (m *Manager) awaitReady(ctx context.Context, containerID string) error {
	ctx, cancel := context.WithTimeout(ctx, m.ready)
	defer cancel()

	var lastErr error
	for _, delay := range readinessBackoff {
		_, code, err := m.exec(ctx, containerID, []string{"test", "-S", socketPath})
		if err == nil && code == 0 {
			return nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("socket not present (exit %d)", code)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("proxy not ready within %s: %w", m.ready, lastErr)
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("proxy not ready after %d probes: %w", len(readinessBackoff), lastErr)
}

// exec runs a command in the container and returns its stdout and exit
// code. The attach stream MUST drain to EOF (or the bounded fallback)
// before the exit code is inspected: abandoning the hijacked connection
// leaks it from the engine client's pool, and after a handful of leaks
// every later call hangs.
func (m *Manager) exec(ctx context.Context, containerID string, cmd []string) ([]byte, int, error) {
	idResp, err := m.docker.ContainerExecCreate(ctx, containerID, types.ExecConfig{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("exec create: %w", err)
	}

	attach, err := m.docker.ContainerExecAttach(ctx, idResp.ID, types.ExecStartCheck{})
	if err != nil {
		return nil, 0, fmt.Errorf("exec attach: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
	}()

	select {
	case <-drained:
	case <-time.After(execDrainTimeout):
		// Stream did not close in time; poll the exec state instead.
		if err := m.pollExecDone(ctx, idResp.ID); err != nil {
			return nil, 0, err
		}
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}

	ins, err := m.docker.ContainerExecInspect(ctx, idResp.ID)
	if err != nil {
		return nil, 0, fmt.Errorf("exec inspect: %w", err)
	}
	return stdout.Bytes(), ins.ExitCode, nil
}

func (m *Manager) pollExecDone(ctx context.Context, execID string) error {
	ctx, cancel := context.WithTimeout(ctx, execPollBudget)
	defer cancel()
	for {
		ins, err := m.docker.ContainerExecInspect(ctx, execID)
		if err != nil {
			return fmt.Errorf("exec poll: %w", err)
		}
		if !ins.Running {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("exec still running past drain budget")
		case <-time.After(100 * time.Millisecond):
		}
	}
}
