package security_test

import (
	"crypto/x509"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clusterhq/flocker/pkg/security"
)

func TestNodeCertificateCarriesNodeUUIDExtension(t *testing.T) {
	ca, err := security.NewCA("Flocker Test Cluster")
	require.NoError(t, err)

	cert, err := ca.IssueNodeCertificate("node-uuid-123")
	require.NoError(t, err)

	got, err := security.ParseNodeUUID(cert.Leaf)
	require.NoError(t, err)
	assert.Equal(t, "node-uuid-123", got)
}

func TestAPIUserCertificateCarriesUsernameExtension(t *testing.T) {
	ca, err := security.NewCA("Flocker Test Cluster")
	require.NoError(t, err)

	cert, err := ca.IssueAPIUserCertificate("alice")
	require.NoError(t, err)

	got, err := security.ParseUsername(cert.Leaf)
	require.NoError(t, err)
	assert.Equal(t, "alice", got)
}

func TestVerifyAgainstRootRejectsForeignCertificate(t *testing.T) {
	ca, err := security.NewCA("Flocker Test Cluster")
	require.NoError(t, err)
	other, err := security.NewCA("Other Cluster")
	require.NoError(t, err)

	cert, err := other.IssueNodeCertificate("node-uuid-999")
	require.NoError(t, err)

	err = ca.VerifyAgainstRoot(cert.Leaf, []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth})
	assert.Error(t, err)
}

func TestVerifyAgainstRootAcceptsOwnIssuedCertificate(t *testing.T) {
	ca, err := security.NewCA("Flocker Test Cluster")
	require.NoError(t, err)

	cert, err := ca.IssueNodeCertificate("node-uuid-1")
	require.NoError(t, err)

	err = ca.VerifyAgainstRoot(cert.Leaf, []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth})
	assert.NoError(t, err)
}
