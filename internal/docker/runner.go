// Package docker runs one-shot trainer jobs in containers through the moby
// client.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/mount"
	"github.com/moby/moby/client"
)

// Label marks every container started by hporun.
const Label = "hporun"

// timeoutExitCode is reported for jobs killed at their deadline, as
// timeout(1) does.
const timeoutExitCode = 124

type RunOpts struct {
	Image       string
	Command     []string
	Env         map[string]string
	Mounts      []Mount
	Timeout     time.Duration
	CPULimit    float64 // cores
	MemoryLimit int64   // bytes
	Labels      map[string]string
	Logger      *slog.Logger
}

type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

type RunResult struct {
	ExitCode int
	TimedOut bool
	Duration time.Duration
	Logs     string
}

// ExitReason names the way a container finished.
func ExitReason(code int, timedOut bool) string {
	switch {
	case timedOut:
		return "timeout"
	case code == 0:
		return "completed"
	default:
		return "crashed"
	}
}

// RunContainer starts a job container, waits up to opts.Timeout for it to
// exit and removes it. A timeout is reported in the result, not as an error;
// a cancelled ctx is returned as ctx.Err().
func RunContainer(ctx context.Context, opts *RunOpts) (*RunResult, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	defer cli.Close()

	cfg, hostCfg := jobConfig(opts)
	created, err := cli.ContainerCreate(ctx, client.ContainerCreateOptions{Config: cfg, HostConfig: hostCfg})
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}
	id := created.ID
	defer cli.ContainerRemove(context.Background(), id, client.ContainerRemoveOptions{Force: true})

	start := time.Now()
	if _, err := cli.ContainerStart(ctx, id, client.ContainerStartOptions{}); err != nil {
		return nil, fmt.Errorf("starting container: %w", err)
	}
	log.Debug("trainer container started", "id", id, "image", opts.Image)

	code, timedOut, err := waitExit(ctx, cli, id, opts.Timeout)
	if err != nil {
		return nil, err
	}
	res := &RunResult{ExitCode: code, TimedOut: timedOut, Duration: time.Since(start)}
	if timedOut {
		res.Logs = containerLogs(cli, id, "all")
	} else {
		res.Logs = containerLogs(cli, id, "100")
	}
	log.Debug("trainer container exited", "id", id, "code", code, "reason", ExitReason(code, timedOut), "duration", res.Duration)
	return res, nil
}

// jobConfig translates opts into the create request. Env is sorted so the
// same job always produces the same request.
func jobConfig(opts *RunOpts) (*container.Config, *container.HostConfig) {
	env := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	labels := map[string]string{Label: "true"}
	for k, v := range opts.Labels {
		labels[k] = v
	}

	mounts := make([]mount.Mount, len(opts.Mounts))
	for i, m := range opts.Mounts {
		mounts[i] = mount.Mount{Type: mount.TypeBind, Source: m.Source, Target: m.Target, ReadOnly: m.ReadOnly}
	}
	useInit := true
	host := &container.HostConfig{Mounts: mounts, Init: &useInit}
	if opts.CPULimit > 0 {
		host.NanoCPUs = int64(opts.CPULimit * 1e9)
	}
	if opts.MemoryLimit > 0 {
		host.Memory = opts.MemoryLimit
	}
	return &container.Config{Image: opts.Image, Cmd: opts.Command, Env: env, Labels: labels}, host
}

// waitExit blocks until the container stops or the timeout fires. On
// timeout the container is killed.
func waitExit(ctx context.Context, cli *client.Client, id string, timeout time.Duration) (int, bool, error) {
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	wait := cli.ContainerWait(waitCtx, id, client.ContainerWaitOptions{Condition: container.WaitConditionNotRunning})
	for {
		select {
		case status := <-wait.Result:
			return int(status.StatusCode), false, nil
		case err := <-wait.Error:
			if err == nil {
				continue
			}
			cli.ContainerKill(context.Background(), id, client.ContainerKillOptions{Signal: "SIGKILL"})
			return classifyWaitErr(ctx, waitCtx, err)
		}
	}
}

// classifyWaitErr reports a wait failure as a timeout only when the job's
// own deadline expired. Caller cancellation and daemon errors pass through.
func classifyWaitErr(ctx, waitCtx context.Context, err error) (int, bool, error) {
	if ctx.Err() != nil {
		return 0, false, ctx.Err()
	}
	if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
		return timeoutExitCode, true, nil
	}
	return 0, false, fmt.Errorf("waiting for container: %w", err)
}

func containerLogs(cli *client.Client, id, tail string) string {
	rc, err := cli.ContainerLogs(context.Background(), id, client.ContainerLogsOptions{ShowStdout: true, ShowStderr: true, Tail: tail})
	if err != nil || rc == nil {
		return ""
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	return string(data)
}
