package auth

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateAndLoadCertificateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.cert")

	cert, err := GenerateCertificate(path)
	require.NoError(t, err)
	require.NotEmpty(t, cert.PublicKey)
	require.NotEmpty(t, cert.SecretKey)

	loaded, err := LoadCertificate(path)
	require.NoError(t, err)
	require.Equal(t, cert.PublicKey, loaded.PublicKey)
	require.Equal(t, cert.SecretKey, loaded.SecretKey)
}

func TestGenerateCertificateIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.cert")

	first, err := GenerateCertificate(path)
	require.NoError(t, err)
	second, err := GenerateCertificate(path)
	require.NoError(t, err)
	require.Equal(t, first.PublicKey, second.PublicKey)
}

func TestLoadClientCertificates(t *testing.T) {
	dir := t.TempDir()
	_, err := GenerateCertificate(filepath.Join(dir, "client-a.cert"))
	require.NoError(t, err)
	_, err = GenerateCertificate(filepath.Join(dir, "client-b.cert"))
	require.NoError(t, err)

	keys, err := LoadClientCertificates(dir)
	require.NoError(t, err)
	require.Len(t, keys, 2)
}

func TestParseWhitelist(t *testing.T) {
	ips, err := ParseWhitelist([]string{"127.0.0.1", "::1"})
	require.NoError(t, err)
	require.Len(t, ips, 2)

	_, err = ParseWhitelist([]string{"not-an-ip"})
	require.Error(t, err)
}
