package security_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clusterhq/flocker/pkg/security"
)

func TestSaveAndLoadNodeCertRoundTrips(t *testing.T) {
	dir := t.TempDir()

	ca, err := security.NewCA("Flocker Test Cluster")
	require.NoError(t, err)
	cert, err := ca.IssueNodeCertificate("node-uuid-1")
	require.NoError(t, err)

	require.NoError(t, security.SaveCertToFile(cert, dir, security.NodeCertFile, security.NodeKeyFile))
	require.NoError(t, security.SaveCACertToFile(ca.RootCertDER(), dir))

	assert.True(t, security.CertExists(dir, security.NodeCertFile, security.NodeKeyFile))

	loaded, err := security.LoadCertFromFile(dir, security.NodeCertFile, security.NodeKeyFile)
	require.NoError(t, err)
	assert.Equal(t, cert.Leaf.SerialNumber, loaded.Leaf.SerialNumber)

	caCert, err := security.LoadCACertFromFile(dir)
	require.NoError(t, err)
	require.NoError(t, security.ValidateCertChain(loaded.Leaf, caCert))
}

func TestCertExistsFalseWhenIncomplete(t *testing.T) {
	dir := t.TempDir()
	assert.False(t, security.CertExists(dir, security.NodeCertFile, security.NodeKeyFile))
}
