package kvstore

import (
	"context"
	"testing"

	"github.com/FairForge/learnhub/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstrumented_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		s := NewMemoryStore()
		t.Cleanup(func() { _ = s.Close() })
		return Instrument(s, metrics.New())
	})
}

func TestInstrumented_RecordsOperations(t *testing.T) {
	ctx := context.Background()
	m := metrics.New()
	mem := NewMemoryStore()
	s := Instrument(mem, m)

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Incr(ctx, "v:courses")
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreOps.WithLabelValues("get", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreOps.WithLabelValues("incr", "ok")))

	require.NoError(t, mem.Close())
	_, err = s.Get(ctx, "v:courses")
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreOps.WithLabelValues("get", "error")))
}

func TestInstrument_NilMetricsReturnsStore(t *testing.T) {
	mem := NewMemoryStore()
	defer func() { _ = mem.Close() }()

	assert.Same(t, Store(mem), Instrument(mem, nil))
}
