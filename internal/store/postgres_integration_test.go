//go:build postgres_integration

package store

import (
    "os"
    "testing"

    "github.com/stretchr/testify/require"
)

func TestPostgresConnectivityAndMigrate(t *testing.T) {
    dsn := os.Getenv("DATABASE_URL")
    if dsn == "" { t.Skip("DATABASE_URL not set; skipping integration test") }
    p, err := NewPostgres(dsn)
    require.NoError(t, err)
    defer p.Close()
    require.NoError(t, p.Ping(t.Context()))
    require.NoError(t, p.Migrate(t.Context()))
    require.NoError(t, p.Migrate(t.Context()))

    id, err := p.SaveRoute(t.Context(), sampleRecord())
    require.NoError(t, err)
    got, err := p.GetRoute(t.Context(), id)
    require.NoError(t, err)
    require.Len(t, got.Generations, 2)
    require.Equal(t, 1, got.Generations[1].Number)
    require.Equal(t, []LonLat{{-120, 40}, {-119.9, 40.05}, {-119.8, 40.1}}, got.Generations[1].Controls)

    list, err := p.ListRoutes(t.Context(), 5)
    require.NoError(t, err)
    require.NotEmpty(t, list)
    require.Equal(t, id, list[0].ID)
    require.Equal(t, 2, list[0].Generations)
}
