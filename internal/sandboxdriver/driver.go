// Package sandboxdriver manages per-session sandboxes: resource-capped,
// non-root containers joined to a session's cluster network, used as
// the candidate's terminal workspace. PTY access goes through Docker's
// exec API (ContainerExecCreate/Attach/Resize) rather than an
// in-process pty library.
package sandboxdriver

import (
	"bufio"
	"context"
	"fmt"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/rs/zerolog"

	"github.com/ckadlab/orchestrator/internal/apperr"
)

const (
	labelManaged = "ckad.orchestrator/managed"
	labelSession = "ckad.orchestrator/session"
	sandboxRole  = "sandbox"
	sandboxImage = "ckadlab/sandbox-base:latest"
)

// Resources caps a sandbox's memory, CPU, and process count.
type Resources struct {
	MemoryMiB int64
	CPUCores  float64
	PIDMax    int64
}

// Driver creates, removes, and opens terminals into sandbox containers.
type Driver struct {
	docker *dockerclient.Client
	log    zerolog.Logger
}

func New(docker *dockerclient.Client, log zerolog.Logger) *Driver {
	return &Driver{docker: docker, log: log}
}

// Create starts a sandbox container for sessionID, joined to the
// cluster's docker network and mounted with its kubeconfig read-only.
// Returns the sandbox's docker container id as its handle.
func (d *Driver) Create(ctx context.Context, sessionID, networkName, kubeconfigPath string, res Resources) (string, error) {
	containerName := "ckad-sandbox-" + sessionID

	cfg := &container.Config{
		Image:        sandboxImage,
		Cmd:          []string{"sleep", "infinity"},
		User:         "1000:1000",
		Env:          []string{"KUBECONFIG=/home/candidate/.kube/config"},
		Labels: map[string]string{
			labelManaged: "true",
			labelSession: sessionID,
			"ckad.orchestrator/role": sandboxRole,
		},
	}

	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			Memory:    res.MemoryMiB * 1024 * 1024,
			NanoCPUs:  int64(res.CPUCores * 1e9),
			PidsLimit: &res.PIDMax,
		},
		ReadonlyRootfs: true,
		Tmpfs: map[string]string{
			"/tmp":            "size=100m,noexec,nosuid",
			"/home/candidate": "size=256m",
		},
		Mounts: []mount.Mount{
			{
				Type:     mount.TypeBind,
				Source:   kubeconfigPath,
				Target:   "/home/candidate/.kube/config-ro",
				ReadOnly: true,
			},
		},
		CapDrop: []string{"ALL"},
	}

	netCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			networkName: {},
		},
	}

	resp, err := d.docker.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, containerName)
	if err != nil {
		return "", apperr.Wrap(apperr.Provisioning, "create sandbox container", err)
	}
	if err := d.docker.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return "", apperr.Wrap(apperr.Provisioning, "start sandbox container", err)
	}

	// the kubeconfig is mounted read-only under -ro; copy it into place
	// as a writable, owned file so kubectl's config layering can merge
	// candidate edits (e.g. alias contexts) without touching the bind.
	if err := d.seedKubeconfig(ctx, resp.ID); err != nil {
		return resp.ID, apperr.Wrap(apperr.Provisioning, "seed sandbox kubeconfig", err)
	}

	return resp.ID, nil
}

func (d *Driver) seedKubeconfig(ctx context.Context, containerID string) error {
	exec, err := d.docker.ContainerExecCreate(ctx, containerID, types.ExecConfig{
		Cmd:        []string{"cp", "/home/candidate/.kube/config-ro", "/home/candidate/.kube/config"},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return err
	}
	attach, err := d.docker.ContainerExecAttach(ctx, exec.ID, types.ExecStartCheck{})
	if err != nil {
		return err
	}
	defer attach.Close()
	return nil
}

// Remove stops a sandbox container gracefully with a 10-second deadline,
// then force-removes it. Idempotent.
func (d *Driver) Remove(ctx context.Context, sandboxHandle string) error {
	if sandboxHandle == "" {
		return nil
	}
	stopTimeout := 10
	if err := d.docker.ContainerStop(ctx, sandboxHandle, container.StopOptions{Timeout: &stopTimeout}); err != nil {
		if !dockerclient.IsErrNotFound(err) {
			d.log.Warn().Err(err).Str("sandbox", sandboxHandle).Msg("graceful sandbox stop failed, forcing removal")
		}
	}
	if err := d.docker.ContainerRemove(ctx, sandboxHandle, types.ContainerRemoveOptions{Force: true}); err != nil {
		if !dockerclient.IsErrNotFound(err) {
			return apperr.Wrap(apperr.Internal, "remove sandbox container", err)
		}
	}
	return nil
}

// List enumerates every live sandbox container's id.
func (d *Driver) List(ctx context.Context) ([]string, error) {
	containers, err := d.docker.ContainerList(ctx, types.ContainerListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", labelManaged+"=true"),
			filters.Arg("label", "ckad.orchestrator/role="+sandboxRole),
		),
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "list sandboxes", err)
	}
	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

// PtyStream is an attached interactive exec session, exposing the raw
// read/write stream and a resize control, the shape the terminal
// gateway forwards over its websocket framing.
type PtyStream struct {
	execID string
	docker *dockerclient.Client
	conn   types.HijackedResponse
	reader *bufio.Reader
}

// OpenPTY starts an interactive shell inside the sandbox with the given
// initial terminal geometry.
func (d *Driver) OpenPTY(ctx context.Context, sandboxHandle string, cols, rows uint) (*PtyStream, error) {
	exec, err := d.docker.ContainerExecCreate(ctx, sandboxHandle, types.ExecConfig{
		Cmd:          []string{"/bin/bash", "-l"},
		Tty:          true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Env:          []string{"TERM=xterm-256color"},
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.Provisioning, "create sandbox exec", err)
	}

	conn, err := d.docker.ContainerExecAttach(ctx, exec.ID, types.ExecStartCheck{Tty: true})
	if err != nil {
		return nil, apperr.Wrap(apperr.Provisioning, "attach sandbox exec", err)
	}

	stream := &PtyStream{execID: exec.ID, docker: d.docker, conn: conn, reader: bufio.NewReader(conn.Reader)}
	if err := stream.Resize(ctx, cols, rows); err != nil {
		d.log.Warn().Err(err).Str("exec", exec.ID).Msg("initial pty resize failed")
	}
	return stream, nil
}

func (p *PtyStream) Read(buf []byte) (int, error) {
	return p.reader.Read(buf)
}

func (p *PtyStream) Write(buf []byte) (int, error) {
	return p.conn.Conn.Write(buf)
}

func (p *PtyStream) Resize(ctx context.Context, cols, rows uint) error {
	return p.docker.ContainerExecResize(ctx, p.execID, types.ResizeOptions{Width: cols, Height: rows})
}

func (p *PtyStream) Close() error {
	p.conn.Close()
	return nil
}

// ExitCode polls the exec's inspect result; ok is false while the
// process is still running.
func (p *PtyStream) ExitCode(ctx context.Context) (code int, ok bool, err error) {
	inspect, err := p.docker.ContainerExecInspect(ctx, p.execID)
	if err != nil {
		return 0, false, fmt.Errorf("sandboxdriver: inspect exec: %w", err)
	}
	if inspect.Running {
		return 0, false, nil
	}
	return inspect.ExitCode, true, nil
}
