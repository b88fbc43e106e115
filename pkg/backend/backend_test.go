package backend_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clusterhq/flocker/pkg/backend"
	_ "github.com/clusterhq/flocker/pkg/backend/fake"
)

func TestNewRejectsUnknownBackend(t *testing.T) {
	_, err := backend.New("does-not-exist", nil)
	assert.Error(t, err)
}

func TestCreateVolumeIsIdempotentPerDataset(t *testing.T) {
	b, err := backend.New("fake", nil)
	require.NoError(t, err)

	ctx := context.Background()
	v1, err := b.CreateVolume(ctx, "dataset-1", 10)
	require.NoError(t, err)
	v2, err := b.CreateVolume(ctx, "dataset-1", 10)
	require.NoError(t, err)

	assert.Equal(t, v1.BlockDeviceID, v2.BlockDeviceID)

	volumes, err := b.ListVolumes(ctx)
	require.NoError(t, err)
	assert.Len(t, volumes, 1)
}
