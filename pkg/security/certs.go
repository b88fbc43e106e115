package security

import (
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// certRotationThreshold: rotate when less than 30 days remain.
const certRotationThreshold = 30 * 24 * time.Hour

// Fixed filenames per role, per §6: control service
// control-service.crt/.key; node node.crt/.key; cluster CA public cert
// cluster.crt.
const (
	ControlCertFile = "control-service.crt"
	ControlKeyFile  = "control-service.key"
	NodeCertFile    = "node.crt"
	NodeKeyFile     = "node.key"
	ClusterCertFile = "cluster.crt"
)

// SaveCertToFile saves a TLS certificate to certFile/keyFile under dir.
func SaveCertToFile(cert *tls.Certificate, dir, certFile, keyFile string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create cert directory: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Certificate[0]})
	if err := os.WriteFile(filepath.Join(dir, certFile), certPEM, 0o600); err != nil {
		return fmt.Errorf("write certificate: %w", err)
	}

	rsaKey, ok := cert.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return fmt.Errorf("private key is not RSA")
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(rsaKey)})
	if err := os.WriteFile(filepath.Join(dir, keyFile), keyPEM, 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}

	return nil
}

// LoadCertFromFile loads a TLS certificate from certFile/keyFile under dir.
func LoadCertFromFile(dir, certFile, keyFile string) (*tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(filepath.Join(dir, certFile), filepath.Join(dir, keyFile))
	if err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}

	if cert.Leaf == nil {
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, fmt.Errorf("parse certificate: %w", err)
		}
		cert.Leaf = leaf
	}

	return &cert, nil
}

// SaveCACertToFile saves the cluster CA's public certificate to dir/cluster.crt.
func SaveCACertToFile(caCertDER []byte, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cert directory: %w", err)
	}

	caPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caCertDER})
	if err := os.WriteFile(filepath.Join(dir, ClusterCertFile), caPEM, 0o644); err != nil {
		return fmt.Errorf("write CA certificate: %w", err)
	}

	return nil
}

// LoadCACertFromFile loads the cluster CA's public certificate from dir/cluster.crt.
func LoadCACertFromFile(dir string) (*x509.Certificate, error) {
	caPEM, err := os.ReadFile(filepath.Join(dir, ClusterCertFile))
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}

	block, _ := pem.Decode(caPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("decode CA certificate PEM")
	}

	caCert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse CA certificate: %w", err)
	}

	return caCert, nil
}

// SaveCAKeyToFile persists the CA's private key, used only by the
// flocker-ca utility itself — never shipped to control or agent hosts.
func SaveCAKeyToFile(key *rsa.PrivateKey, dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create cert directory: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(filepath.Join(dir, "ca.key"), keyPEM, 0o600); err != nil {
		return fmt.Errorf("write CA private key: %w", err)
	}
	return nil
}

// LoadCAKeyFromFile loads the CA's private key.
func LoadCAKeyFromFile(dir string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(filepath.Join(dir, "ca.key"))
	if err != nil {
		return nil, fmt.Errorf("read CA private key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("decode CA private key PEM")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse CA private key: %w", err)
	}
	return key, nil
}

// CertExists reports whether certFile/keyFile/cluster.crt are all present
// under dir.
func CertExists(dir, certFile, keyFile string) bool {
	_, err1 := os.Stat(filepath.Join(dir, certFile))
	_, err2 := os.Stat(filepath.Join(dir, keyFile))
	_, err3 := os.Stat(filepath.Join(dir, ClusterCertFile))
	return err1 == nil && err2 == nil && err3 == nil
}

// NeedsRotation returns true if cert should be rotated: fewer than 30
// days remain until expiry.
func NeedsRotation(cert *x509.Certificate) bool {
	if cert == nil {
		return true
	}
	return time.Until(cert.NotAfter) < certRotationThreshold
}

// ValidateCertChain validates that cert is signed by ca.
func ValidateCertChain(cert, ca *x509.Certificate) error {
	if cert == nil || ca == nil {
		return fmt.Errorf("certificate or CA certificate is nil")
	}

	roots := x509.NewCertPool()
	roots.AddCert(ca)

	opts := x509.VerifyOptions{
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}
	if _, err := cert.Verify(opts); err != nil {
		return fmt.Errorf("certificate verification failed: %w", err)
	}
	return nil
}

// RemoveCerts removes all certificate material from dir.
func RemoveCerts(dir string) error {
	return os.RemoveAll(dir)
}
