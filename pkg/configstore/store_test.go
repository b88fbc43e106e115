package configstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clusterhq/flocker/pkg/types"
)

func TestOpenCreatesEmptyConfigurationOnFirstBoot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "current_configuration.v1.json")

	s, err := Open(path)
	require.NoError(t, err)

	cfg, tag := s.Get()
	assert.NotEmpty(t, tag)
	assert.Empty(t, cfg.Nodes)
}

func TestSetIfMatchesRejectsStaleTag(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "current_configuration.v1.json"))
	require.NoError(t, err)

	_, tag := s.Get()
	_, err = s.SetIfMatches(types.Configuration{Nodes: map[string]types.Node{}}, "not-the-real-tag")
	assert.ErrorIs(t, err, ErrTagMismatch)

	newTag, err := s.SetIfMatches(types.Configuration{Nodes: map[string]types.Node{}}, tag)
	require.NoError(t, err)
	assert.NotEqual(t, tag, newTag)
}

func TestSetIfMatchesTagIsStrictlyIncreasingAcrossWrites(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "current_configuration.v1.json"))
	require.NoError(t, err)

	_, tag := s.Get()
	for i := 0; i < 5; i++ {
		next, err := s.SetIfMatches(types.Configuration{Nodes: map[string]types.Node{}}, tag)
		require.NoError(t, err)
		assert.Greater(t, next, tag, "tag did not strictly increase on write %d", i)
		tag = next
	}
}

func TestTagOrderingSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "current_configuration.v1.json")

	s1, err := Open(path)
	require.NoError(t, err)
	_, tag := s1.Get()
	tag, err = s1.SetIfMatches(types.Configuration{Nodes: map[string]types.Node{}}, tag)
	require.NoError(t, err)

	s2, err := Open(path)
	require.NoError(t, err)
	_, reloadedTag := s2.Get()
	require.Equal(t, tag, reloadedTag)

	next, err := s2.SetIfMatches(types.Configuration{Nodes: map[string]types.Node{}}, reloadedTag)
	require.NoError(t, err)
	assert.Greater(t, next, reloadedTag, "tag must keep increasing after a process restart")
}

func TestOpenReloadsPersistedConfiguration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "current_configuration.v1.json")

	s1, err := Open(path)
	require.NoError(t, err)
	_, tag := s1.Get()

	node := types.Node{
		UUID: "node-a",
		Manifestations: map[string]types.Manifestation{
			"dataset-1": {Dataset: types.Dataset{DatasetID: "dataset-1", Metadata: map[string]string{"name": "db"}}, Primary: true},
		},
	}
	newTag, err := s1.SetIfMatches(types.Configuration{Nodes: map[string]types.Node{"node-a": node}}, tag)
	require.NoError(t, err)

	s2, err := Open(path)
	require.NoError(t, err)
	cfg, reloadedTag := s2.Get()
	assert.Equal(t, newTag, reloadedTag)
	require.Contains(t, cfg.Nodes, "node-a")
	assert.Contains(t, cfg.Nodes["node-a"].Manifestations, "dataset-1")
}
