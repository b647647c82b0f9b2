package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

func TestSQLSink_Postgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("embryo"),
		postgres.WithUsername("embryo"),
		postgres.WithPassword("embryo"),
		postgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := Open(ctx, dsn)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, "postgres", s.Driver())

	require.NoError(t, s.Save(ctx, Document{EmbryoID: "embryo_1", QualityScore: 91.5, ImplantationProbability: 0.77775, Body: []byte(`{"embryo_id":"embryo_1"}`)}))
	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
