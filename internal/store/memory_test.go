package store

import (
    "context"
    "testing"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

func sampleRecord() Record {
    return Record{
        JobID: "job-1", Start: LonLat{-120, 40}, Dest: LonLat{-119.8, 40.1}, Distance: 20000, Time: 230,
        Generations: []Generation{
            {Number: 0, Controls: []LonLat{{-120, 40}, {-119.8, 40.1}}, Evaluated: []LonLat{{-120, 40}, {-119.8, 40.1}}, Fitness: Fitness{Total: 3}},
            {Number: 1, Controls: []LonLat{{-120, 40}, {-119.9, 40.05}, {-119.8, 40.1}}, Evaluated: []LonLat{{-120, 40}, {-119.8, 40.1}}, Fitness: Fitness{Total: 2, Length: 1}},
        },
    }
}

func TestMemorySaveGetList(t *testing.T) {
    ctx := context.Background()
    m := NewMemory()
    id1, err := m.SaveRoute(ctx, sampleRecord())
    require.NoError(t, err)
    rec := sampleRecord()
    rec.JobID = "job-2"
    id2, err := m.SaveRoute(ctx, rec)
    require.NoError(t, err)
    assert.NotEqual(t, id1, id2)

    got, err := m.GetRoute(ctx, id1)
    require.NoError(t, err)
    assert.Equal(t, "job-1", got.JobID)
    assert.Len(t, got.Generations, 2)
    assert.False(t, got.CreatedAt.IsZero())

    list, err := m.ListRoutes(ctx, 0)
    require.NoError(t, err)
    require.Len(t, list, 2)
    assert.Equal(t, id2, list[0].ID)
    assert.Equal(t, 2, list[1].Generations)

    list, err = m.ListRoutes(ctx, 1)
    require.NoError(t, err)
    assert.Len(t, list, 1)
}

func TestMemoryNotFound(t *testing.T) {
    _, err := NewMemory().GetRoute(context.Background(), "missing")
    assert.ErrorIs(t, err, ErrNotFound)
    assert.NoError(t, NewMemory().Ping(context.Background()))
}
