package health

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	"go.etcd.io/etcd/client/pkg/v3/transport"
	clientv3 "go.etcd.io/etcd/client/v3"
	"google.golang.org/grpc"
	"k8s.io/klog/v2"
)

// EtcdProber reports whether etcd serves a quorum read.
type EtcdProber interface {
	Probe(ctx context.Context) error
}

// EtcdQuorumProbe issues a linearizable keys-only read, which only succeeds when a
// majority of members agree.
type EtcdQuorumProbe struct {
	Endpoints []string
	TLS       *tls.Config
	Timeout   time.Duration
}

var _ EtcdProber = &EtcdQuorumProbe{}

// NewEtcdQuorumProbe returns nil when no endpoint is configured.
func NewEtcdQuorumProbe(endpoints []string, certFile, keyFile, caFile string, timeout time.Duration) (*EtcdQuorumProbe, error) {
	if len(endpoints) == 0 {
		return nil, nil
	}
	probe := &EtcdQuorumProbe{Endpoints: endpoints, Timeout: timeout}
	if certFile != "" || caFile != "" {
		tlsInfo := transport.TLSInfo{
			CertFile:      certFile,
			KeyFile:       keyFile,
			TrustedCAFile: caFile,
		}
		tlsConfig, err := tlsInfo.ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("etcd client TLS: %w", err)
		}
		probe.TLS = tlsConfig
	}
	return probe, nil
}

func (p *EtcdQuorumProbe) Probe(ctx context.Context) error {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   p.Endpoints,
		DialTimeout: p.Timeout,
		DialOptions: []grpc.DialOption{
			grpc.WithBlock(), // block until the underlying connection is up
		},
		TLS:     p.TLS,
		Context: ctx,
	})
	if err != nil {
		return fmt.Errorf("connect to etcd: %w", err)
	}
	defer cli.Close()

	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()
	resp, err := cli.Get(ctx, "health", clientv3.WithKeysOnly())
	// an RBAC denial still proves that the cluster answered
	if err != nil && !errors.Is(err, rpctypes.ErrPermissionDenied) {
		return err
	}
	if resp != nil && resp.Header != nil {
		klog.V(4).Infof("etcd answered at raft term %d", resp.Header.RaftTerm)
	}
	return nil
}
