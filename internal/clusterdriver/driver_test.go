package clusterdriver

import (
	"testing"

	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rawKubeconfig = `apiVersion: v1
clusters:
- cluster:
    server: https://127.0.0.1:6443
  name: default
contexts:
- context:
    cluster: default
    user: default
  name: default
`

func TestRewriteKubeconfigServer_RewritesLoopbackToLeasedPort(t *testing.T) {
	out, err := rewriteKubeconfigServer([]byte(rawKubeconfig), 30017)
	require.NoError(t, err)
	assert.Contains(t, string(out), "server: https://127.0.0.1:30017")
	assert.NotContains(t, string(out), ":6443")
}

func TestRewriteKubeconfigServer_RewritesWildcardBindToLoopback(t *testing.T) {
	raw := "server: https://0.0.0.0:6443"
	out, err := rewriteKubeconfigServer([]byte(raw), 30500)
	require.NoError(t, err)
	assert.Equal(t, "server: https://127.0.0.1:30500", string(out))
}

func TestClusterPortMap_BindsAllThreePortsToLoopback(t *testing.T) {
	exposed, bindings := clusterPortMap(Ports{API: 30001, IngressHTTP: 40001, IngressHTTPS: 45001})

	require.Len(t, exposed, 3)
	for containerPort, hostPort := range map[string]string{
		"6443/tcp": "30001",
		"80/tcp":   "40001",
		"443/tcp":  "45001",
	} {
		p := nat.Port(containerPort)
		require.Contains(t, exposed, p)
		require.Len(t, bindings[p], 1)
		assert.Equal(t, "127.0.0.1", bindings[p][0].HostIP, "cluster ports must never bind the wildcard address")
		assert.Equal(t, hostPort, bindings[p][0].HostPort)
	}
}

func TestKubeconfigPath_IsDeterministicPerClusterName(t *testing.T) {
	d := New(nil, "/var/lib/ckad", zerolog.Nop())
	assert.Equal(t, "/var/lib/ckad/ckad-ab12cd34/kubeconfig", d.KubeconfigPath("ckad-ab12cd34"))
	assert.Equal(t, d.KubeconfigPath("ckad-x"), d.KubeconfigPath("ckad-x"))
}
