package health

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewEtcdQuorumProbe(t *testing.T) {
	probe, err := NewEtcdQuorumProbe(nil, "", "", "", time.Second)
	require.NoError(t, err)
	require.Nil(t, probe)

	probe, err = NewEtcdQuorumProbe([]string{"http://10.0.0.2:2379"}, "", "", "", time.Second)
	require.NoError(t, err)
	require.Nil(t, probe.TLS)
	require.Equal(t, []string{"http://10.0.0.2:2379"}, probe.Endpoints)

	missing := filepath.Join(t.TempDir(), "missing")
	_, err = NewEtcdQuorumProbe([]string{"https://10.0.0.2:2379"}, missing+".crt", missing+".key", missing+"-ca.crt", time.Second)
	require.ErrorContains(t, err, "etcd client TLS")
}
