// Package clusterdriver owns the process of producing a ready
// single-node Kubernetes-in-a-container cluster and tearing it down.
// The cluster is a rancher/k3s container driven through the Docker
// Engine API rather than a shelled-out kind/k3d binary.
package clusterdriver

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/ckadlab/orchestrator/internal/apperr"
)

const (
	labelManaged = "ckad.orchestrator/managed"
	labelCluster = "ckad.orchestrator/cluster"
	clusterRole  = "cluster"
	clusterImage = "rancher/k3s:v1.29.4-k3s1"
)

// Ports are the three host ports a cluster's control plane and ingress
// are bound to: 6443->api, 80->http, 443->https.
type Ports struct {
	API          int
	IngressHTTP  int
	IngressHTTPS int
}

// Driver creates and tears down single-node clusters.
type Driver struct {
	docker  *dockerclient.Client
	workDir string
	log     zerolog.Logger
}

// New builds a Driver. workDir is where kubeconfig artifacts are written,
// keyed deterministically by cluster name.
func New(docker *dockerclient.Client, workDir string, log zerolog.Logger) *Driver {
	return &Driver{docker: docker, workDir: workDir, log: log}
}

// KubeconfigPath returns the deterministic artifact path for a cluster.
func (d *Driver) KubeconfigPath(clusterName string) string {
	return filepath.Join(d.workDir, clusterName, "kubeconfig")
}

// Create renders and starts a single-node cluster named clusterName,
// polls for readiness, and emits a rewritten kubeconfig. On any failure
// it attempts Delete(clusterName) before returning, leaving no residue.
func (d *Driver) Create(ctx context.Context, clusterName string, ports Ports) (kubeconfigPath string, elapsed time.Duration, err error) {
	start := time.Now()
	defer func() {
		if err != nil {
			if delErr := d.Delete(context.Background(), clusterName); delErr != nil {
				d.log.Warn().Err(delErr).Str("cluster", clusterName).Msg("cleanup after failed create also failed")
			}
		}
	}()

	netName := "ckad-net-" + clusterName
	if _, netErr := d.docker.NetworkCreate(ctx, netName, types.NetworkCreate{
		Driver: "bridge",
		Labels: map[string]string{labelManaged: "true", labelCluster: clusterName},
	}); netErr != nil {
		return "", 0, apperr.Wrap(apperr.Provisioning, "create cluster network", netErr)
	}

	containerName := "ckad-cluster-" + clusterName
	exposedPorts, portBindings := clusterPortMap(ports)

	cfg := &container.Config{
		Image:        clusterImage,
		ExposedPorts: exposedPorts,
		Labels: map[string]string{
			labelManaged: "true",
			labelCluster: clusterName,
			"ckad.orchestrator/role": clusterRole,
		},
		Cmd: []string{
			"server",
			"--tls-san=0.0.0.0",
			"--write-kubeconfig-mode=644",
			"--disable=traefik",
			"--kubelet-arg=system-reserved=memory=256Mi",
			"--kubelet-arg=eviction-hard=memory.available<100Mi",
		},
	}
	hostCfg := &container.HostConfig{
		PortBindings: portBindings,
		Privileged:   true, // required by k3s to manage its embedded containerd/CNI
		Tmpfs: map[string]string{
			"/run":     "",
			"/var/run": "",
		},
	}
	netCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			netName: {},
		},
	}

	resp, err := d.docker.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, containerName)
	if err != nil {
		return "", 0, apperr.Wrap(apperr.Provisioning, "create cluster container", err)
	}
	if err := d.docker.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return "", 0, apperr.Wrap(apperr.Provisioning, "start cluster container", err)
	}

	rawKubeconfig, err := d.waitForKubeconfig(ctx, resp.ID)
	if err != nil {
		return "", 0, err
	}

	rewritten, err := rewriteKubeconfigServer(rawKubeconfig, ports.API)
	if err != nil {
		return "", 0, apperr.Wrap(apperr.Provisioning, "rewrite kubeconfig", err)
	}

	path := d.KubeconfigPath(clusterName)
	if mkErr := os.MkdirAll(filepath.Dir(path), 0o700); mkErr != nil {
		return "", 0, apperr.Wrap(apperr.Provisioning, "create kubeconfig directory", mkErr)
	}
	if wErr := os.WriteFile(path, rewritten, 0o600); wErr != nil {
		return "", 0, apperr.Wrap(apperr.Provisioning, "write kubeconfig", wErr)
	}

	if err := d.waitForReady(ctx, rewritten); err != nil {
		return "", 0, err
	}

	return path, time.Since(start), nil
}

// waitForKubeconfig polls the container's filesystem for the kubeconfig
// k3s writes on startup, since the control plane takes a few seconds to
// initialize before the file exists.
func (d *Driver) waitForKubeconfig(ctx context.Context, containerID string) ([]byte, error) {
	deadline := time.After(60 * time.Second)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, apperr.Wrap(apperr.Provisioning, "cluster creation cancelled", ctx.Err())
		case <-deadline:
			return nil, apperr.New(apperr.Provisioning, "timed out waiting for kubeconfig")
		case <-ticker.C:
			data, err := d.copyKubeconfig(ctx, containerID)
			if err == nil {
				return data, nil
			}
		}
	}
}

func (d *Driver) copyKubeconfig(ctx context.Context, containerID string) ([]byte, error) {
	reader, _, err := d.docker.CopyFromContainer(ctx, containerID, "/etc/rancher/k3s/k3s.yaml")
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	tr := tar.NewReader(reader)
	if _, err := tr.Next(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, tr); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// rewriteKubeconfigServer rewrites the kubeconfig's server URL so that
// either a wildcard bind (0.0.0.0) or loopback on container port 6443
// becomes the loopback address on the leased host API port. The API
// server's certificate is valid for the loopback address, which k3s
// includes in its serving certificate by default; the wildcard bind
// address is not something a client can dial and verify against. This
// coupling (sandbox attaches to the cluster's container network; the API
// server is reached over the host-mapped loopback port) is deliberate
// and documented here rather than patched inline at each call site.
func rewriteKubeconfigServer(raw []byte, apiPort int) ([]byte, error) {
	text := string(raw)
	text = strings.ReplaceAll(text, "https://127.0.0.1:6443", fmt.Sprintf("https://127.0.0.1:%d", apiPort))
	text = strings.ReplaceAll(text, "https://0.0.0.0:6443", fmt.Sprintf("https://127.0.0.1:%d", apiPort))
	return []byte(text), nil
}

// waitForReady polls the control-plane node and system pods every two
// seconds until the node reports Ready and at least three kube-system
// pods report Running, or 120 seconds elapse.
func (d *Driver) waitForReady(ctx context.Context, kubeconfig []byte) error {
	restCfg, err := clientcmd.RESTConfigFromKubeConfig(kubeconfig)
	if err != nil {
		return apperr.Wrap(apperr.Provisioning, "parse kubeconfig", err)
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return apperr.Wrap(apperr.Provisioning, "build cluster client", err)
	}

	deadline := time.After(120 * time.Second)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return apperr.Wrap(apperr.Provisioning, "readiness wait cancelled", ctx.Err())
		case <-deadline:
			return apperr.New(apperr.Provisioning, "cluster not ready after 120s (readiness timeout)")
		case <-ticker.C:
			if nodeReady(ctx, clientset) && systemPodsRunning(ctx, clientset) >= 3 {
				return nil
			}
		}
	}
}

func nodeReady(ctx context.Context, clientset *kubernetes.Clientset) bool {
	nodes, err := clientset.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil || len(nodes.Items) == 0 {
		return false
	}
	for _, cond := range nodes.Items[0].Status.Conditions {
		if cond.Type == corev1.NodeReady && cond.Status == corev1.ConditionTrue {
			return true
		}
	}
	return false
}

func systemPodsRunning(ctx context.Context, clientset *kubernetes.Clientset) int {
	pods, err := clientset.CoreV1().Pods("kube-system").List(ctx, metav1.ListOptions{})
	if err != nil {
		return 0
	}
	running := 0
	for _, p := range pods.Items {
		if p.Status.Phase == corev1.PodRunning {
			running++
		}
	}
	return running
}

// Delete removes the cluster's container, network, and kubeconfig
// artifact. It is idempotent and succeeds even if the cluster is in a
// half-created state.
func (d *Driver) Delete(ctx context.Context, clusterName string) error {
	containerName := "ckad-cluster-" + clusterName
	if err := d.docker.ContainerRemove(ctx, containerName, types.ContainerRemoveOptions{Force: true}); err != nil {
		if !dockerclient.IsErrNotFound(err) {
			return apperr.Wrap(apperr.Provisioning, "remove cluster container", err)
		}
	}

	netName := "ckad-net-" + clusterName
	if err := d.docker.NetworkRemove(ctx, netName); err != nil {
		if !dockerclient.IsErrNotFound(err) {
			d.log.Warn().Err(err).Str("cluster", clusterName).Msg("failed to remove cluster network")
		}
	}

	dir := filepath.Join(d.workDir, clusterName)
	if err := os.RemoveAll(dir); err != nil {
		d.log.Warn().Err(err).Str("cluster", clusterName).Msg("failed to remove kubeconfig artifact directory")
	}
	return nil
}

// List enumerates every live cluster container's name, the ground-truth
// source for the Reaper's orphan sweep.
func (d *Driver) List(ctx context.Context) ([]string, error) {
	containers, err := d.docker.ContainerList(ctx, types.ContainerListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", labelManaged+"=true"),
			filters.Arg("label", "ckad.orchestrator/role="+clusterRole),
		),
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "list clusters", err)
	}

	var names []string
	for _, c := range containers {
		if name, ok := c.Labels[labelCluster]; ok {
			names = append(names, name)
		}
	}
	return names, nil
}

func clusterPortMap(ports Ports) (nat.PortSet, nat.PortMap) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	add := func(containerPort, hostPort int) {
		p := nat.Port(strconv.Itoa(containerPort) + "/tcp")
		exposed[p] = struct{}{}
		bindings[p] = []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: strconv.Itoa(hostPort)}}
	}
	add(6443, ports.API)
	add(80, ports.IngressHTTP)
	add(443, ports.IngressHTTPS)
	return exposed, bindings
}
