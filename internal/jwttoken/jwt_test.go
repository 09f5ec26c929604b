package jwttoken

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "auditlog/pkg/domain-errors"
)

func newKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func TestGenerateAndValidate(t *testing.T) {
	key := newKey(t)
	svc := NewJWTService(key, nil, "localhost", 20*time.Minute)

	name := "Kael"
	token, err := svc.GenerateAccessToken(Subject{ID: 1, Name: &name, AgreedTos: true})
	require.NoError(t, err)

	claims, err := svc.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "1", claims.Subject)
	assert.Equal(t, "Kael", *claims.Name)
	assert.True(t, claims.AgreedTos)
	assert.Equal(t, "localhost", claims.Issuer)

	validated, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "1", validated.UserID)
	assert.NotEmpty(t, validated.JTI)
}

func TestValidate_Expired(t *testing.T) {
	key := newKey(t)
	svc := NewJWTService(key, nil, "localhost", time.Minute)
	token, err := svc.GenerateAccessToken(Subject{ID: 1})
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().Add(time.Hour) }
	_, err = svc.ValidateToken(token)
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
	assert.Contains(t, err.Error(), "expired")
}

func TestValidate_WrongKey(t *testing.T) {
	signer := NewJWTService(newKey(t), nil, "localhost", time.Minute)
	verifier := NewJWTService(nil, &newKey(t).PublicKey, "localhost", time.Minute)

	token, err := signer.GenerateAccessToken(Subject{ID: 1})
	require.NoError(t, err)
	_, err = verifier.ValidateToken(token)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
}

func TestValidate_RejectsHMAC(t *testing.T) {
	key := newKey(t)
	svc := NewJWTService(key, nil, "localhost", time.Minute)

	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject: "1",
		Issuer:  "localhost",
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = svc.ValidateToken(forged)
	assert.Error(t, err)
}

func TestValidate_WrongIssuer(t *testing.T) {
	key := newKey(t)
	token, err := NewJWTService(key, nil, "elsewhere", time.Minute).GenerateAccessToken(Subject{ID: 1})
	require.NoError(t, err)

	_, err = NewJWTService(key, nil, "localhost", time.Minute).ValidateToken(token)
	assert.Error(t, err)
}

func TestLoadKeys(t *testing.T) {
	key := newKey(t)
	dir := t.TempDir()
	privPath := filepath.Join(dir, "auth.rsa")
	pubPath := filepath.Join(dir, "auth.rsa.pub")

	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	require.NoError(t, os.WriteFile(privPath, privPEM, 0o600))
	require.NoError(t, os.WriteFile(pubPath, pubPEM, 0o600))

	priv, pub, err := LoadKeys(privPath, pubPath)
	require.NoError(t, err)
	assert.True(t, priv.Equal(key))
	assert.True(t, pub.Equal(&key.PublicKey))

	_, _, err = LoadKeys(filepath.Join(dir, "missing"), pubPath)
	assert.Error(t, err)
}
