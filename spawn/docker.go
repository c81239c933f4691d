package spawn

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/procmux/procmux/internal/files"
	internalnet "github.com/procmux/procmux/internal/net"
	"github.com/procmux/procmux/ipc"
	"go.uber.org/zap"
)

const chars = "abcefghijklmnopqrstuvwxyz0123456789"

func randString(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = chars[rand.Intn(len(chars))]
	}
	return string(b)
}

// Docker spawns worker processes as containers on a local Docker daemon,
// dialing back into the container's exposed port once it starts. Grounded
// on cluster/docker/cluster.go's container lifecycle (create, start,
// ephemeral host port, dial), adapted from "provision a long-lived
// clustertest node" to "spawn one process-host worker container per
// start()." Libraries: github.com/docker/docker (client,
// container/network types), github.com/docker/go-connections/nat.
type Docker struct {
	Log                   *zap.SugaredLogger
	Client                *client.Client
	BaseImage             string
	WorkerBin             string
	ContainerPrefix       string
	CreateContainerConfig func(*CreateContainerConfig) error

	mu          sync.Mutex
	containerID map[string]string // url + "#" + container name -> container ID, recorded per Spawn
	imagePulled bool
}

// CreateContainerConfig is the Docker container spec a caller may customize
// before Spawn creates it, mirroring cluster/docker's same-named type.
type CreateContainerConfig struct {
	Name             string
	ContainerConfig  *container.Config
	HostConfig       *container.HostConfig
	NetworkingConfig *network.NetworkingConfig
}

// NewDocker builds a Docker backend from the ambient Docker client
// environment (DOCKER_HOST etc.), matching cluster/docker.NewCluster's
// client construction.
func NewDocker(log *zap.SugaredLogger, workerBin string) (*Docker, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv)
	if err != nil {
		return nil, fmt.Errorf("building Docker client: %w", err)
	}
	if workerBin == "" {
		found := files.FindUp("procmux-worker", ".")
		if found == "" {
			return nil, fmt.Errorf("spawn.Docker: no worker binary given and none found via FindUp")
		}
		workerBin = found
	}
	return &Docker{
		Log:             log.Named("docker_spawn"),
		Client:          dockerClient,
		BaseImage:       "fedora",
		WorkerBin:       workerBin,
		ContainerPrefix: randString(6),
		containerID:     make(map[string]string),
	}, nil
}

func (d *Docker) ensureImagePulled(ctx context.Context) error {
	d.mu.Lock()
	pulled := d.imagePulled
	d.mu.Unlock()
	if pulled {
		return nil
	}
	out, err := d.Client.ImagePull(ctx, d.BaseImage, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %q: %w", d.BaseImage, err)
	}
	defer out.Close()
	d.mu.Lock()
	d.imagePulled = true
	d.mu.Unlock()
	return nil
}

// Spawn implements proctable.SpawnFunc for "docker://" urls. The container
// runs WorkerBin listening on :8080 for a raw newline-JSON-framed
// connection (the same wire shape procTarget speaks over stdio, carried
// over TCP instead); Spawn dials the published ephemeral host port and
// wraps it with ipc.NewPipeTarget, which frames any net.Conn generically.
func (d *Docker) Spawn(ctx context.Context, rawURL string) (ipc.Target, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing worker url %q: %w", rawURL, err)
	}
	if u.Scheme != "docker" {
		return nil, fmt.Errorf("spawn.Docker: unsupported scheme %q", u.Scheme)
	}

	if err := d.ensureImagePulled(ctx); err != nil {
		return nil, err
	}

	hostPort, err := internalnet.GetEphemeralTCPPort()
	if err != nil {
		return nil, fmt.Errorf("acquiring ephemeral port: %w", err)
	}
	containerName := fmt.Sprintf("procmux-%s-%d", d.ContainerPrefix, time.Now().UnixNano())

	ccConfig := CreateContainerConfig{
		ContainerConfig: &container.Config{
			Image:        d.BaseImage,
			Entrypoint:   []string{"/procmux-worker", "--listen-addr", "0.0.0.0:8080"},
			ExposedPorts: nat.PortSet{"8080": struct{}{}},
		},
		HostConfig: &container.HostConfig{
			Binds:        []string{fmt.Sprintf("%s:/procmux-worker", d.WorkerBin)},
			PortBindings: nat.PortMap{"8080": []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: strconv.Itoa(hostPort)}}},
		},
		Name: containerName,
	}
	if d.CreateContainerConfig != nil {
		if err := d.CreateContainerConfig(&ccConfig); err != nil {
			return nil, fmt.Errorf("calling CreateContainerConfig: %w", err)
		}
	}

	createResp, err := d.Client.ContainerCreate(ctx, ccConfig.ContainerConfig, ccConfig.HostConfig, ccConfig.NetworkingConfig, nil, ccConfig.Name)
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}
	if err := d.Client.ContainerStart(ctx, createResp.ID, types.ContainerStartOptions{}); err != nil {
		return nil, fmt.Errorf("starting container %q: %w", createResp.ID, err)
	}

	d.mu.Lock()
	d.containerID[rawURL+"#"+containerName] = createResp.ID
	d.mu.Unlock()

	addr := fmt.Sprintf("127.0.0.1:%d", hostPort)
	conn, err := d.dialWithRetry(ctx, addr)
	if err != nil {
		_ = d.removeContainer(context.Background(), createResp.ID)
		return nil, fmt.Errorf("dialing worker container %q: %w", containerName, err)
	}

	return &dockerTarget{Target: ipc.NewPipeTarget(conn), docker: d, containerID: createResp.ID}, nil
}

func (d *Docker) dialWithRetry(ctx context.Context, addr string) (net.Conn, error) {
	var lastErr error
	for i := 0; i < 50; i++ {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return nil, lastErr
}

func (d *Docker) removeContainer(ctx context.Context, id string) error {
	return d.Client.ContainerRemove(ctx, id, types.ContainerRemoveOptions{RemoveVolumes: true, Force: true})
}

// dockerTarget wraps the dialed connection's Target, additionally
// terminating the backing container on Terminate -- the "worker" half of
// spec.md §4.D's exit contract, mirroring cluster/docker.Node.Stop's
// ContainerRemove.
type dockerTarget struct {
	ipc.Target
	docker      *Docker
	containerID string
}

func (t *dockerTarget) Terminate() error {
	return t.docker.removeContainer(context.Background(), t.containerID)
}
