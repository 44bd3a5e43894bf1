package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/dotclawhq/dotclaw/internal/config"
	"github.com/dotclawhq/dotclaw/internal/ipc"
	"github.com/dotclawhq/dotclaw/internal/paths"
)

// DockerRunner runs agent requests via the Docker Engine API.
type DockerRunner struct {
	cli    *client.Client
	cfg    config.ContainerConfig
	layout paths.Layout
	logger *slog.Logger
	env    []string // forwarded allowlist env, KEY=VALUE
	extras func(folder string) []ExtraMount
	isMain func(folder string) bool
}

// NewDockerRunner connects to the Docker daemon and verifies it responds.
// extras and isMain resolve per-group mount configuration at run time.
func NewDockerRunner(cfg config.ContainerConfig, layout paths.Layout, env []string,
	extras func(folder string) []ExtraMount, isMain func(folder string) bool,
	logger *slog.Logger) (*DockerRunner, error) {

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("docker daemon unreachable: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if extras == nil {
		extras = func(string) []ExtraMount { return nil }
	}
	if isMain == nil {
		isMain = func(string) bool { return false }
	}
	return &DockerRunner{cli: cli, cfg: cfg, layout: layout, logger: logger, env: env, extras: extras, isMain: isMain}, nil
}

// Close releases the Docker client.
func (r *DockerRunner) Close() error {
	return r.cli.Close()
}

// Run dispatches to the configured mode.
func (r *DockerRunner) Run(ctx context.Context, req Request) (Response, error) {
	if req.TimeoutMs <= 0 {
		req.TimeoutMs = int64(r.cfg.TimeoutMs)
	}
	switch r.cfg.Mode {
	case config.ModeDaemon:
		return r.runDaemon(ctx, req)
	default:
		return r.runEphemeral(ctx, req)
	}
}

// containerUser resolves the uid:gid for the container, defaulting to the
// host user on Linux so bind mounts stay writable.
func (r *DockerRunner) containerUser() string {
	if r.cfg.UID > 0 {
		gid := r.cfg.GID
		if gid == 0 {
			gid = r.cfg.UID
		}
		return fmt.Sprintf("%d:%d", r.cfg.UID, gid)
	}
	if runtime.GOOS == "linux" {
		if u, err := user.Current(); err == nil {
			return u.Uid + ":" + u.Gid
		}
	}
	return ""
}

func (r *DockerRunner) hostConfig(mounts []mount.Mount, autoRemove bool) *container.HostConfig {
	hc := &container.HostConfig{
		AutoRemove:  autoRemove,
		Mounts:      mounts,
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges"},
		Privileged:  r.cfg.Privileged,
	}
	if !r.cfg.Network {
		hc.NetworkMode = "none"
	}
	if r.cfg.PidsLimit > 0 {
		pids := int64(r.cfg.PidsLimit)
		hc.PidsLimit = &pids
	}
	if r.cfg.MemoryMB > 0 {
		hc.Memory = int64(r.cfg.MemoryMB) * 1024 * 1024
	}
	if r.cfg.CPUs > 0 {
		hc.NanoCPUs = int64(r.cfg.CPUs * 1e9)
	}
	if r.cfg.ReadOnlyRoot {
		hc.ReadonlyRootfs = true
		hc.Tmpfs = map[string]string{
			"/tmp": "size=" + r.cfg.TmpfsSize,
		}
	}
	return hc
}

// runEphemeral creates a fresh container, feeds the payload on stdin, and
// extracts the response from the sentinel-wrapped stdout, with a response
// file as the authoritative source when the agent wrote one.
func (r *DockerRunner) runEphemeral(ctx context.Context, req Request) (Response, error) {
	folder := req.GroupFolder
	mounts, err := buildMounts(r.layout, r.cfg, folder, r.isMain(folder), r.extras(folder))
	if err != nil {
		return Response{}, err
	}

	group := r.layout.GroupIPC(folder)
	responsePath := filepath.Join(group.Responses(), req.ID+".response.json")
	defer os.Remove(responsePath)

	payload, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}

	cfg := &container.Config{
		Image:        r.cfg.Image,
		Env:          append(append([]string{}, r.env...), "DOTCLAW_RESPONSE_FILE="+filepath.Join(ContainerIPCDir, "responses", req.ID+".response.json")),
		OpenStdin:    true,
		StdinOnce:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}
	if u := r.containerUser(); u != "" {
		cfg.User = u
	}

	created, err := r.cli.ContainerCreate(ctx, cfg, r.hostConfig(mounts, true), nil, nil, "")
	if err != nil {
		return Response{}, fmt.Errorf("create container: %w", err)
	}
	id := created.ID

	attach, err := r.cli.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true, Stdin: true, Stdout: true, Stderr: true,
	})
	if err != nil {
		r.removeContainer(id)
		return Response{}, fmt.Errorf("attach container: %w", err)
	}
	defer attach.Close()

	if err := r.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		r.removeContainer(id)
		return Response{}, fmt.Errorf("start container: %w", err)
	}
	r.logger.Debug("ephemeral container started", "id", id[:12], "group", folder, "request", req.ID)

	if _, err := attach.Conn.Write(payload); err != nil {
		r.kill(id)
		return Response{}, fmt.Errorf("write stdin: %w", err)
	}
	if err := attach.CloseWrite(); err != nil {
		r.logger.Warn("close stdin failed", "error", err)
	}

	var stdout, stderr bytes.Buffer
	copyDone := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		copyDone <- err
	}()

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	waitCh, errCh := r.cli.ContainerWait(runCtx, id, container.WaitConditionNotRunning)
	select {
	case <-runCtx.Done():
		r.kill(id)
		if ctx.Err() != nil {
			return Response{}, ErrPreempted
		}
		return Response{}, fmt.Errorf("container run timed out after %s", timeout)
	case err := <-errCh:
		r.kill(id)
		return Response{}, fmt.Errorf("wait container: %w", err)
	case <-waitCh:
	}

	if err := <-copyDone; err != nil && err != io.EOF {
		r.logger.Warn("stdout copy ended early", "error", err)
	}

	// The response file, when the agent wrote one, beats stdout scraping.
	if resp, retryable, err := readResponse(responsePath); err == nil {
		return resp, nil
	} else if !retryable {
		return Response{}, err
	}

	resp, err := parseStdoutResponse(stdout.String())
	if err != nil {
		r.logger.Warn("unparseable ephemeral output",
			"group", folder, "stderr", truncateForLog(stderr.String(), 400))
		return Response{}, err
	}
	return resp, nil
}

const daemonNamePrefix = "dotclaw-agent-"

// daemonStatus mirrors the container-side daemon_status.json.
type daemonStatus struct {
	State     string `json:"state"` // "idle" or "processing"
	RequestID string `json:"requestId,omitempty"`
	StartedAt int64  `json:"startedAt,omitempty"`
	PID       int    `json:"pid,omitempty"`
}

// runDaemon ensures the group's warm container exists, drops the request
// file, and awaits the response, extending the deadline while the status
// file shows active processing.
func (r *DockerRunner) runDaemon(ctx context.Context, req Request) (Response, error) {
	folder := req.GroupFolder
	if err := r.ensureDaemon(ctx, folder, req.IsMain); err != nil {
		return Response{}, err
	}

	group := r.layout.GroupIPC(folder)
	requestPath := filepath.Join(group.AgentRequests(), req.ID+".json")
	responsePath := filepath.Join(group.AgentRequests(), req.ID+".response.json")
	defer os.Remove(responsePath)

	if err := ipc.WriteAtomic(requestPath, req); err != nil {
		return Response{}, fmt.Errorf("write daemon request: %w", err)
	}

	var extended int64
	extend := func() (time.Duration, bool) {
		st, err := r.readDaemonStatus(folder)
		if err != nil || st.State != "processing" || st.RequestID != req.ID {
			return 0, false
		}
		if extended >= int64(r.cfg.MaxExtensionMs) {
			return 0, false
		}
		step := int64(5000)
		if remaining := int64(r.cfg.MaxExtensionMs) - extended; remaining < step {
			step = remaining
		}
		extended += step
		r.logger.Debug("daemon deadline extended", "group", folder, "request", req.ID, "totalMs", extended)
		return time.Duration(step) * time.Millisecond, true
	}

	resp, err := awaitResponseFile(ctx, responsePath, time.Duration(req.TimeoutMs)*time.Millisecond, extend)
	if err != nil {
		if ctx.Err() != nil {
			// Preempted: drop the cancel sentinel for the daemon.
			_ = r.Cancel(context.Background(), folder, req.ID)
			return Response{}, ErrPreempted
		}
		if err == ErrDaemonTimeout {
			r.cancelWithGrace(folder, req.ID)
		}
		return Response{}, err
	}
	return resp, nil
}

// Cancel writes the cancel sentinel for an in-flight daemon request. In
// ephemeral mode preemption happens via context cancellation instead.
func (r *DockerRunner) Cancel(_ context.Context, groupFolder, requestID string) error {
	if r.cfg.Mode != config.ModeDaemon {
		return nil
	}
	path := filepath.Join(r.layout.GroupIPC(groupFolder).AgentRequests(), requestID+".cancel")
	if err := os.WriteFile(path, []byte("cancel"), 0o644); err != nil {
		return fmt.Errorf("write cancel sentinel: %w", err)
	}
	return nil
}

// cancelWithGrace writes the cancel sentinel and, if the daemon does not
// return to idle within a short grace, force-restarts it.
func (r *DockerRunner) cancelWithGrace(folder, requestID string) {
	if err := r.Cancel(context.Background(), folder, requestID); err != nil {
		r.logger.Warn("cancel sentinel write failed", "group", folder, "error", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st, err := r.readDaemonStatus(folder)
		if err == nil && (st.State == "idle" || st.RequestID != requestID) {
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	r.logger.Warn("daemon ignored cancel, restarting", "group", folder, "request", requestID)
	if err := r.restartDaemon(folder); err != nil {
		r.logger.Error("daemon restart failed", "group", folder, "error", err)
	}
}

func (r *DockerRunner) readDaemonStatus(folder string) (daemonStatus, error) {
	var st daemonStatus
	data, err := os.ReadFile(r.layout.GroupIPC(folder).StatusFile())
	if err != nil {
		return st, err
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("parse daemon status: %w", err)
	}
	return st, nil
}

// ensureDaemon starts the group's warm container if it is not running.
func (r *DockerRunner) ensureDaemon(ctx context.Context, folder string, isMain bool) error {
	name := daemonNamePrefix + folder

	inspect, err := r.cli.ContainerInspect(ctx, name)
	if err == nil && inspect.State != nil && inspect.State.Running {
		return nil
	}
	if err == nil {
		// Stale container from a previous host run.
		_ = r.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
	}

	mounts, err := buildMounts(r.layout, r.cfg, folder, isMain, r.extras(folder))
	if err != nil {
		return err
	}
	cfg := &container.Config{
		Image: r.cfg.Image,
		Env:   append(append([]string{}, r.env...), "DOTCLAW_DAEMON=1"),
	}
	if u := r.containerUser(); u != "" {
		cfg.User = u
	}

	created, err := r.cli.ContainerCreate(ctx, cfg, r.hostConfig(mounts, false), nil, nil, name)
	if err != nil {
		return fmt.Errorf("create daemon container: %w", err)
	}
	if err := r.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start daemon container: %w", err)
	}
	r.logger.Info("daemon container started", "group", folder, "name", name)
	return nil
}

func (r *DockerRunner) restartDaemon(folder string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	name := daemonNamePrefix + folder
	if err := r.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("remove daemon container: %w", err)
	}
	return nil // recreated lazily on the next run
}

// StopDaemons removes every warm container, for shutdown.
func (r *DockerRunner) StopDaemons(ctx context.Context, folders []string) {
	for _, folder := range folders {
		name := daemonNamePrefix + folder
		if err := r.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil {
			if !strings.Contains(err.Error(), "No such container") {
				r.logger.Warn("daemon stop failed", "group", folder, "error", err)
			}
		}
	}
}

func (r *DockerRunner) kill(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.cli.ContainerKill(ctx, id, "KILL"); err != nil {
		if !strings.Contains(err.Error(), "is not running") && !strings.Contains(err.Error(), "No such container") {
			r.logger.Warn("container kill failed", "id", id[:12], "error", err)
		}
	}
}

func (r *DockerRunner) removeContainer(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = r.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}

func truncateForLog(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
