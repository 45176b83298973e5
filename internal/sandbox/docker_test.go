package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// fakeDocker scripts the engine client. Exec commands route on argv[0]:
// "test" probes fail probeFails times before succeeding (-1 fails
// forever), "cat" replays auditLog with auditExit.
type fakeDocker struct {
	mu sync.Mutex

	createErr error
	startErr  error
	removeErr error

	exitCode  int64
	waitErr   error
	waitBlock bool

	logs       []byte // stdcopy-framed
	logsErr    error
	oomKilled  bool
	inspectErr error

	probeFails int
	auditLog   string
	auditExit  int
	execErr    error

	execSeq  int
	execs    map[string]*fakeExec
	created  []createdRecord
	started  []string
	killed   []string
	removed  []string
	volsMade []volume.CreateOptions
	volsGone []string

	listContainers []types.Container
	listVolumes    []*volume.Volume
}

type createdRecord struct {
	name   string
	config *container.Config
	host   *container.HostConfig
}

type fakeExec struct {
	cmd    []string
	output []byte
	code   int
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{execs: map[string]*fakeExec{}}
}

func (f *fakeDocker) ContainerCreate(_ context.Context, config *container.Config, host *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	f.created = append(f.created, createdRecord{name: name, config: config, host: host})
	return container.CreateResponse{ID: "ctr-" + name}, nil
}

func (f *fakeDocker) ContainerStart(_ context.Context, id string, _ types.ContainerStartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, id)
	return nil
}

func (f *fakeDocker) ContainerKill(_ context.Context, id, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, id)
	return nil
}

func (f *fakeDocker) ContainerRemove(_ context.Context, id string, _ types.ContainerRemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeErr != nil {
		return f.removeErr
	}
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeDocker) ContainerWait(_ context.Context, _ string, _ container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wait := make(chan container.WaitResponse, 1)
	errs := make(chan error, 1)
	switch {
	case f.waitBlock:
	case f.waitErr != nil:
		errs <- f.waitErr
	default:
		wait <- container.WaitResponse{StatusCode: f.exitCode}
	}
	return wait, errs
}

func (f *fakeDocker) ContainerInspect(_ context.Context, id string) (types.ContainerJSON, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inspectErr != nil {
		return types.ContainerJSON{}, f.inspectErr
	}
	return types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{
			ID:    id,
			State: &types.ContainerState{OOMKilled: f.oomKilled},
		},
	}, nil
}

func (f *fakeDocker) ContainerLogs(_ context.Context, _ string, _ types.ContainerLogsOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.logsErr != nil {
		return nil, f.logsErr
	}
	return io.NopCloser(bytes.NewReader(f.logs)), nil
}

func (f *fakeDocker) ContainerExecCreate(_ context.Context, _ string, config types.ExecConfig) (types.IDResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.execErr != nil {
		return types.IDResponse{}, f.execErr
	}
	f.execSeq++
	id := fmt.Sprintf("exec-%d", f.execSeq)
	fe := &fakeExec{cmd: config.Cmd}
	switch config.Cmd[0] {
	case "test":
		if f.probeFails != 0 {
			f.probeFails--
			fe.code = 1
		}
	case "cat":
		if f.auditExit == 0 {
			fe.output = muxStdout(f.auditLog)
		}
		fe.code = f.auditExit
	}
	f.execs[id] = fe
	return types.IDResponse{ID: id}, nil
}

func (f *fakeDocker) ContainerExecAttach(_ context.Context, execID string, _ types.ExecStartCheck) (types.HijackedResponse, error) {
	f.mu.Lock()
	fe := f.execs[execID]
	f.mu.Unlock()
	cli, srv := net.Pipe()
	srv.Close()
	return types.HijackedResponse{
		Conn:   cli,
		Reader: bufio.NewReader(bytes.NewReader(fe.output)),
	}, nil
}

func (f *fakeDocker) ContainerExecInspect(_ context.Context, execID string) (types.ContainerExecInspect, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fe := f.execs[execID]
	return types.ContainerExecInspect{ExecID: execID, ExitCode: fe.code}, nil
}

func (f *fakeDocker) ContainerList(_ context.Context, _ types.ContainerListOptions) ([]types.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listContainers, nil
}

func (f *fakeDocker) VolumeCreate(_ context.Context, opts volume.CreateOptions) (volume.Volume, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volsMade = append(f.volsMade, opts)
	return volume.Volume{Name: opts.Name}, nil
}

func (f *fakeDocker) VolumeRemove(_ context.Context, name string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volsGone = append(f.volsGone, name)
	return nil
}

func (f *fakeDocker) VolumeList(_ context.Context, _ volume.ListOptions) (volume.ListResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return volume.ListResponse{Volumes: f.listVolumes}, nil
}

// execCmds returns argv[0] of every exec issued, in order.
func (f *fakeDocker) execCmds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, f.execSeq)
	for i := 1; i <= f.execSeq; i++ {
		out = append(out, f.execs[fmt.Sprintf("exec-%d", i)].cmd[0])
	}
	return out
}

func muxFrame(stream byte, s string) []byte {
	b := make([]byte, 8+len(s))
	b[0] = stream
	binary.BigEndian.PutUint32(b[4:8], uint32(len(s)))
	copy(b[8:], s)
	return b
}

func muxStdout(s string) []byte { return muxFrame(1, s) }

func muxStderr(s string) []byte { return muxFrame(2, s) }
