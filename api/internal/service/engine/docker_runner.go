package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/splax/pipelines/api/internal/domain"
)

// DefaultStageImage runs stages that do not name an image.
const DefaultStageImage = "alpine:3.20"

const removeTimeout = 30 * time.Second

// DockerRunner runs each stage's steps as one shell script in a fresh container.
type DockerRunner struct {
	cli          *client.Client
	defaultImage string
	logger       *slog.Logger
}

// NewDockerRunner connects to the Docker daemon at host, or the environment
// default when host is empty.
func NewDockerRunner(host, defaultImage string, logger *slog.Logger) (*DockerRunner, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if defaultImage == "" {
		defaultImage = DefaultStageImage
	}
	return &DockerRunner{cli: cli, defaultImage: defaultImage, logger: logger.With("component", "docker_runner")}, nil
}

// Ping validates connectivity to the Docker daemon.
func (r *DockerRunner) Ping(ctx context.Context) error {
	var ping types.Ping
	ping, err := r.cli.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	if ping.APIVersion == "" {
		return fmt.Errorf("docker ping returned empty API version")
	}
	return nil
}

// Close releases the Docker client.
func (r *DockerRunner) Close() error {
	return r.cli.Close()
}

// RunStage executes the stage script and fails on a non-zero exit status.
// Stages without steps, approval stages included, succeed immediately.
func (r *DockerRunner) RunStage(ctx context.Context, run StageRun) (string, error) {
	script := stageScript(run.Spec.Steps)
	if script == "" {
		return fmt.Sprintf("stage %q has no steps", run.Spec.Name), nil
	}
	img := run.Spec.Image
	if img == "" {
		img = r.defaultImage
	}
	if err := r.ensureImage(ctx, img); err != nil {
		return "", err
	}

	resp, err := r.cli.ContainerCreate(ctx, &container.Config{
		Image: img,
		Cmd:   []string{"sh", "-c", script},
		Env:   envList(run.Spec.Env),
		Labels: map[string]string{
			"peep.execution": run.ExecutionToken,
			"peep.stage":     strconv.Itoa(run.OrderIndex),
		},
	}, nil, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	containerID := resp.ID
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), removeTimeout)
		defer cancel()
		if err := r.cli.ContainerRemove(rmCtx, containerID, container.RemoveOptions{Force: true}); err != nil {
			r.logger.Warn("failed to remove stage container", "container_id", containerID, "error", err)
		}
	}()

	if err := r.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("start container: %w", err)
	}

	var exitCode int64
	statusCh, errCh := r.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("wait for container: %w", err)
		}
	case status := <-statusCh:
		if status.Error != nil && status.Error.Message != "" {
			return "", fmt.Errorf("container wait: %s", status.Error.Message)
		}
		exitCode = status.StatusCode
	}

	output, err := r.collectLogs(ctx, containerID)
	if err != nil {
		return "", err
	}
	if exitCode != 0 {
		return output, fmt.Errorf("stage %q exited with status %d", run.Spec.Name, exitCode)
	}
	return output, nil
}

func (r *DockerRunner) ensureImage(ctx context.Context, ref string) error {
	if _, _, err := r.cli.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	} else if !client.IsErrNotFound(err) {
		return fmt.Errorf("inspect image %s: %w", ref, err)
	}
	r.logger.Info("pulling stage image", "image", ref)
	rc, err := r.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	return nil
}

func (r *DockerRunner) collectLogs(ctx context.Context, containerID string) (string, error) {
	out, err := r.cli.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", fmt.Errorf("container logs: %w", err)
	}
	defer out.Close()
	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, out); err != nil {
		return "", fmt.Errorf("copy container logs: %w", err)
	}
	return joinLogs(strings.TrimRight(stdout.String(), "\n"), strings.TrimRight(stderr.String(), "\n")), nil
}

// stageScript renders steps as a fail-fast shell script that echoes each step name.
func stageScript(steps []domain.StageStep) string {
	var b strings.Builder
	for _, step := range steps {
		cmd := strings.TrimSpace(step.Command)
		if cmd == "" {
			continue
		}
		if b.Len() == 0 {
			b.WriteString("set -e\n")
		}
		name := step.Name
		if name == "" {
			name = step.Action
		}
		if name != "" {
			fmt.Fprintf(&b, "echo %s\n", shellQuote("==> "+name))
		}
		b.WriteString(cmd)
		b.WriteString("\n")
	}
	return b.String()
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
