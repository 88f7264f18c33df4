package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

func TestPostgresBackend(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("workflow"),
		postgres.WithUsername("workflow"),
		postgres.WithPassword("workflow"),
		postgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	backend, err := NewPostgresBackend(ctx, dsn)
	require.NoError(t, err)
	s := newTestStore(t, backend)

	snap := testSnapshot("run_pg", "plan")
	_, err = s.Commit(ctx, snap, "plan")
	require.NoError(t, err)
	_, err = s.Commit(ctx, testSnapshot("run_pg", "implement", "plan"), "implement")
	require.NoError(t, err)

	loaded, meta, err := s.Load(ctx, "run_pg")
	require.NoError(t, err)
	require.Equal(t, []string{"implement", "plan"}, loaded.CompletedSteps)
	require.Equal(t, int64(2), meta.Sequence)

	cps, err := s.ListCheckpoints(ctx, "run_pg")
	require.NoError(t, err)
	require.Len(t, cps, 2)

	err = backend.Create(ctx, cps[0].Location, []byte("overwrite attempt"))
	require.ErrorIs(t, err, ErrObjectExists)

	// Running the migrations a second time is a no-op
	again, err := NewPostgresBackend(ctx, dsn)
	require.NoError(t, err)
	defer again.Close()

	require.NoError(t, s.Delete(ctx, "run_pg"))
	_, _, err = s.Load(ctx, "run_pg")
	require.True(t, errors.Is(err, ErrStateNotFound))
}
