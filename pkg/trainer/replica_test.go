package trainer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/df07/go-dream-distiller/pkg/core"
)

func replicaStore(values ...float64) *core.ParamStore {
	s := core.NewParamStore()
	b := s.Register("w", len(values), 1.0)
	copy(b.Values, values)
	return s
}

func TestReplicaSetSyncBroadcastsValues(t *testing.T) {
	primary := replicaStore(1, 2, 3)
	worker := replicaStore(0, 0, 0)

	rs, err := NewReplicaSet(
		[]*core.ParamStore{primary},
		[]*core.ParamStore{worker},
	)
	require.NoError(t, err)
	require.NoError(t, rs.Sync())

	assert.Equal(t, primary.Snapshot(), worker.Snapshot())
}

func TestReplicaSetReduceAverages(t *testing.T) {
	primary := replicaStore(0, 0)
	worker := replicaStore(0, 0)
	primary.Block("w").Grad[0] = 1
	primary.Block("w").Grad[1] = -2
	worker.Block("w").Grad[0] = 3
	worker.Block("w").Grad[1] = 2

	rs, err := NewReplicaSet(
		[]*core.ParamStore{primary},
		[]*core.ParamStore{worker},
	)
	require.NoError(t, err)
	require.NoError(t, rs.Reduce())

	assert.InDelta(t, 2.0, primary.Block("w").Grad[0], 1e-12)
	assert.InDelta(t, 0.0, primary.Block("w").Grad[1], 1e-12)
}

func TestReplicaSetReduceSingleReplicaIsIdentity(t *testing.T) {
	primary := replicaStore(0)
	primary.Block("w").Grad[0] = 0.7

	rs, err := NewReplicaSet([]*core.ParamStore{primary})
	require.NoError(t, err)
	require.NoError(t, rs.Reduce())
	assert.InDelta(t, 0.7, primary.Block("w").Grad[0], 1e-12)
}

func TestReplicaSetRejectsLayoutMismatch(t *testing.T) {
	primary := replicaStore(1, 2)

	_, err := NewReplicaSet([]*core.ParamStore{primary}, []*core.ParamStore{})
	assert.Error(t, err)

	// Same store count but different block size fails on the first sync
	other := replicaStore(1)
	rs, err := NewReplicaSet([]*core.ParamStore{primary}, []*core.ParamStore{other})
	require.NoError(t, err)
	assert.Error(t, rs.Sync())
}
