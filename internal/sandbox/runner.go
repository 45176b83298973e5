package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/cognihq/graphcore/internal/config"
	"github.com/cognihq/graphcore/internal/graph"
	"github.com/cognihq/graphcore/internal/metrics"
	"github.com/cognihq/graphcore/internal/run"
)

// ProviderID prefixes every graph this runner serves.
const ProviderID = "sandbox"

const (
	logCollectTimeout = 5 * time.Second
	maxLogBytes       = 2 << 20

	truncationMarker = "\n[output truncated at 2 MiB]"
	bridgeBaseURL    = "http://127.0.0.1:8787/v1"
)

// Runner executes untrusted agent images one container per run. The
// agent gets no network; its only way to an LLM is the socket bridged
// to the run's proxy, whose audit log is the billing source.
type Runner struct {
	docker  dockerAPI
	proxies *Manager
	cfg     config.SandboxConfig
	log     *zap.Logger

	// limit is the clamped wall clock per run; tests shrink it.
	limit time.Duration

	agents []graph.AgentInfo
	names  map[string]struct{}
}

func NewRunner(docker dockerAPI, proxies *Manager, cfg config.SandboxConfig, log *zap.Logger) *Runner {
	r := &Runner{
		docker:  docker,
		proxies: proxies,
		cfg:     cfg,
		log:     log,
		limit:   cfg.RuntimeLimit(),
		names:   map[string]struct{}{},
	}
	r.add(graph.AgentInfo{
		ID:          ProviderID + ":coder",
		Name:        "coder",
		Description: "Containerized coding agent; billed from the egress proxy audit log.",
	})
	return r
}

func (r *Runner) add(info graph.AgentInfo) {
	r.agents = append(r.agents, info)
	r.names[info.Name] = struct{}{}
}

func (r *Runner) ProviderID() string { return ProviderID }

func (r *Runner) CanHandle(graphID string) bool {
	id, _, err := graph.ParseID(graphID)
	return err == nil && id == ProviderID
}

func (r *Runner) ListAgents(context.Context) ([]graph.AgentInfo, error) {
	out := make([]graph.AgentInfo, len(r.agents))
	copy(out, r.agents)
	return out, nil
}

func (r *Runner) RunGraph(ctx context.Context, req run.Request) (<-chan run.Event, *run.Deferred[run.Final]) {
	_, name, err := graph.ParseID(req.GraphID)
	if err != nil {
		return run.PrecallFailure(req, run.CodeInvalidRequest)
	}
	if _, ok := r.names[name]; !ok {
		r.log.Warn("unknown sandbox graph",
			zap.String("run_id", req.RunID),
			zap.String("graph_id", req.GraphID))
		return run.PrecallFailure(req, run.CodeNotFound)
	}

	events := make(chan run.Event, 1)
	final := run.NewDeferred[run.Final]()
	go r.execute(ctx, req, name, events, final)
	return events, final
}

// runResult is everything a finished (or killed) container left behind.
type runResult struct {
	stdout    string
	stderr    string
	exitCode  int64
	oomKilled bool
	timedOut  bool
	aborted   bool
	audit     []Entry
	calls     int
}

func (r *Runner) execute(ctx context.Context, req run.Request, name string, events chan<- run.Event, final *run.Deferred[run.Final]) {
	defer close(events)

	res, err := r.runOnce(ctx, req, name)

	// All sends below block. Run streams are drained to close by every
	// consumer, so delivery is guaranteed and nothing here can stall.
	// Billing first, whatever the outcome: every audit entry becomes a
	// usage fact.
	for _, e := range res.audit {
		events <- run.Event{Type: run.EventUsageReport, Usage: &run.UsageFact{
			RunID:            req.RunID,
			Attempt:          0,
			Source:           run.SourceLiteLLM,
			ExecutorType:     run.ExecutorSandbox,
			BillingAccountID: req.Caller.BillingAccountID,
			VirtualKeyID:     req.Caller.VirtualKeyID,
			GraphID:          req.GraphID,
			UsageUnitID:      e.ProviderCallID,
			CostUSD:          e.CostUSD,
		}}
	}

	fail := func(code run.ErrorCode, msg string) {
		events <- run.Event{Type: run.EventError, Code: code, Message: msg}
		events <- run.Event{Type: run.EventDone}
		final.Resolve(run.Final{OK: false, RunID: req.RunID, RequestID: req.IngressRequestID, Code: code})
	}

	switch {
	case err != nil:
		code := run.Classify(err)
		r.log.Error("sandbox run failed",
			zap.String("run_id", req.RunID),
			zap.String("code", string(code)),
			zap.Error(err))
		if len(res.audit) > 0 {
			fail(code, userMessage(code))
			return
		}
		// Nothing produced: the stream closes empty, like any other
		// pre-production refusal.
		final.Resolve(run.Final{OK: false, RunID: req.RunID, RequestID: req.IngressRequestID, Code: code})

	case res.aborted:
		if res.stdout == "" && len(res.audit) == 0 {
			final.Resolve(run.Final{OK: false, RunID: req.RunID, RequestID: req.IngressRequestID, Code: run.CodeAborted})
			return
		}
		events <- run.Event{Type: run.EventDone}
		final.Resolve(run.Final{OK: true, RunID: req.RunID, RequestID: req.IngressRequestID, Content: res.stdout})

	case res.timedOut:
		fail(run.CodeTimeout, "agent exceeded its runtime limit")

	case res.oomKilled:
		fail(run.CodeInternal, "agent ran out of memory")

	case res.calls > 0 && len(res.audit) == 0:
		// LLM traffic with no billable entries means the books would be
		// silently short. The run cannot be allowed to look successful.
		r.log.Error("audit log yielded no billable entries",
			zap.String("run_id", req.RunID),
			zap.Int("calls", res.calls))
		fail(run.CodeInternal, "billing audit incomplete")

	case res.exitCode != 0:
		r.log.Warn("agent exited non-zero",
			zap.String("run_id", req.RunID),
			zap.Int64("exit_code", res.exitCode),
			zap.String("stderr_tail", tail(res.stderr, 512)))
		fail(run.CodeInternal, fmt.Sprintf("agent exited with status %d", res.exitCode))

	default:
		events <- run.Event{Type: run.EventAssistantFinal, Content: res.stdout}
		events <- run.Event{Type: run.EventDone}
		final.Resolve(run.Final{
			OK:           true,
			RunID:        req.RunID,
			RequestID:    req.IngressRequestID,
			Content:      res.stdout,
			FinishReason: "stop",
		})
	}
}

// runOnce drives one container through its full lifecycle. The proxy
// teardown in the defer is also the audit export, so billing data comes
// back even when the run itself failed or was killed.
func (r *Runner) runOnce(ctx context.Context, req run.Request, name string) (res runResult, err error) {
	if _, perr := r.proxies.Start(ctx, req); perr != nil {
		return res, perr
	}
	defer func() {
		entries, calls, serr := r.proxies.Stop(ctx, req.RunID)
		if serr != nil {
			r.log.Error("proxy stop failed",
				zap.String("run_id", req.RunID),
				zap.Error(serr))
			if err == nil {
				err = serr
			}
			return
		}
		res.audit = entries
		res.calls = calls
	}()

	workDir, err := r.prepareWorkspace(req, name)
	if err != nil {
		return res, err
	}
	defer func() {
		if rmErr := os.RemoveAll(workDir); rmErr != nil {
			r.log.Warn("workspace cleanup failed", zap.String("run_id", req.RunID), zap.Error(rmErr))
		}
	}()

	volName := "graphcore-proxy-" + req.RunID
	pids := r.cfg.PidsLimit
	created, err := r.docker.ContainerCreate(ctx,
		&container.Config{
			Image:      r.cfg.Image,
			User:       "1000:1000",
			WorkingDir: "/workspace",
			Labels:     map[string]string{labelRole: roleSandbox, labelRunID: req.RunID},
			Env: []string{
				"OPENAI_BASE_URL=" + bridgeBaseURL,
				"OPENAI_API_KEY=sandbox",
				"LLM_SOCKET_PATH=" + socketPath,
				"GRAPH_NAME=" + name,
				"RUN_ID=" + req.RunID,
				"WORKSPACE=/workspace",
			},
		},
		&container.HostConfig{
			NetworkMode:    "none",
			ReadonlyRootfs: true,
			SecurityOpt:    []string{"no-new-privileges:true"},
			CapDrop:        strslice.StrSlice{"ALL"},
			Tmpfs: map[string]string{
				"/tmp": "rw,noexec,nosuid,size=64m",
				"/run": "rw,noexec,nosuid,size=16m",
			},
			Binds: []string{
				workDir + ":/workspace",
				volName + ":" + socketDir,
			},
			Resources: container.Resources{
				Memory:    r.cfg.MemoryMB << 20,
				PidsLimit: &pids,
			},
		},
		nil, nil, "graphcore-run-"+req.RunID)
	if err != nil {
		return res, fmt.Errorf("create sandbox container: %w", err)
	}
	id := created.ID
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		if rmErr := r.docker.ContainerRemove(rmCtx, id, types.ContainerRemoveOptions{Force: true}); rmErr != nil {
			r.log.Error("sandbox container remove failed",
				zap.String("run_id", req.RunID),
				zap.String("container_id", id),
				zap.Error(rmErr))
			metrics.SandboxCleanupFailures.Inc()
		}
	}()

	if err := r.docker.ContainerStart(ctx, id, types.ContainerStartOptions{}); err != nil {
		return res, fmt.Errorf("start sandbox container: %w", err)
	}

	waitCh, errCh := r.docker.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	limit := time.NewTimer(r.limit)
	defer limit.Stop()

	select {
	case w := <-waitCh:
		res.exitCode = w.StatusCode
	case werr := <-errCh:
		if ctx.Err() == nil {
			return res, fmt.Errorf("wait for sandbox: %w", werr)
		}
		res.aborted = true
		r.kill(id)
	case <-ctx.Done():
		res.aborted = true
		r.kill(id)
	case <-limit.C:
		res.timedOut = true
		r.kill(id)
	}

	// Log collection and inspection run even for killed containers,
	// bounded and detached from the (possibly dead) run context.
	tailCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), logCollectTimeout)
	defer cancel()

	r.collectLogs(tailCtx, id, &res)
	if ins, ierr := r.docker.ContainerInspect(tailCtx, id); ierr == nil && ins.State != nil {
		res.oomKilled = ins.State.OOMKilled
	}
	return res, nil
}

func (r *Runner) prepareWorkspace(req run.Request, name string) (string, error) {
	workDir := filepath.Join(r.cfg.WorkspaceRoot, req.RunID)
	if err := os.MkdirAll(workDir, 0o777); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}

	input, err := json.Marshal(struct {
		RunID    string        `json:"runId"`
		GraphID  string        `json:"graphId"`
		Graph    string        `json:"graph"`
		Model    string        `json:"model,omitempty"`
		Messages []run.Message `json:"messages"`
	}{
		RunID:    req.RunID,
		GraphID:  req.GraphID,
		Graph:    name,
		Model:    req.Model,
		Messages: req.Messages,
	})
	if err != nil {
		return "", fmt.Errorf("encode sandbox input: %w", err)
	}
	if err := os.WriteFile(filepath.Join(workDir, "input.json"), input, 0o644); err != nil {
		return "", fmt.Errorf("write sandbox input: %w", err)
	}
	return workDir, nil
}

// collectLogs demuxes the container's stdout/stderr frames into capped
// buffers. Stdout is the agent's answer; overflow marks stderr.
func (r *Runner) collectLogs(ctx context.Context, id string, res *runResult) {
	rc, err := r.docker.ContainerLogs(ctx, id, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		r.log.Warn("sandbox log collection failed", zap.String("container_id", id), zap.Error(err))
		return
	}
	defer rc.Close()

	stdout := &cappedBuffer{limit: maxLogBytes}
	stderr := &cappedBuffer{limit: maxLogBytes}
	if _, err := stdcopy.StdCopy(stdout, stderr, rc); err != nil {
		r.log.Warn("sandbox log demux failed", zap.String("container_id", id), zap.Error(err))
	}

	res.stdout = stdout.String()
	res.stderr = stderr.String()
	if stdout.truncated || stderr.truncated {
		res.stderr += truncationMarker
	}
}

func (r *Runner) kill(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := r.docker.ContainerKill(ctx, id, "KILL"); err != nil {
		r.log.Warn("sandbox kill failed", zap.String("container_id", id), zap.Error(err))
	}
}

// cappedBuffer accepts writes up to a limit and flags overflow instead
// of erroring; stdcopy aborts the whole demux on writer errors.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string { return b.buf.String() }

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func userMessage(code run.ErrorCode) string {
	switch code {
	case run.CodeAborted:
		return "run cancelled"
	case run.CodeTimeout:
		return "agent exceeded its runtime limit"
	default:
		return "sandbox execution failed"
	}
}
