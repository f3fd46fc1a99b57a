// Package authjwt issues and validates the bearer tokens the administrative
// API requires of every operator call. It is grounded on the teacher's
// server/internal/auth.JWTManager, stripped of the end-user/email/refresh
// concepts an OrbitMesh operator doesn't have: a caller is a subject plus a
// role ("admin" or "operator"), not an account.
package authjwt

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// AccessTokenDuration is how long an issued token remains valid.
	AccessTokenDuration = 1 * time.Hour
	rsaKeyBits          = 2048
)

var (
	ErrTokenExpired = errors.New("authjwt: token expired")
	ErrTokenInvalid = errors.New("authjwt: token invalid")
)

// Role identifies the caller's permission level on the administrative API.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
)

// Claims holds the custom JWT claims carried in every access token.
type Claims struct {
	jwt.RegisteredClaims
	Role Role `json:"role"`
}

// Manager handles RS256 signing and verification of access tokens.
type Manager struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	issuer     string
}

// NewManagerFromFiles loads an RSA key pair from PEM files on disk, for
// production deployments where keys are mounted as secrets.
func NewManagerFromFiles(privateKeyPath, publicKeyPath, issuer string) (*Manager, error) {
	privBytes, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("authjwt: reading private key file: %w", err)
	}
	pubBytes, err := os.ReadFile(publicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("authjwt: reading public key file: %w", err)
	}
	return newManagerFromPEM(privBytes, pubBytes, issuer)
}

// NewManagerGenerated creates a Manager with a freshly generated, ephemeral
// RSA key pair. Suitable for development and single-instance deployments —
// every token is invalidated on restart.
func NewManagerGenerated(issuer string) (*Manager, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("authjwt: generating RSA key pair: %w", err)
	}
	return &Manager{privateKey: privateKey, publicKey: &privateKey.PublicKey, issuer: issuer}, nil
}

func newManagerFromPEM(privatePEM, publicPEM []byte, issuer string) (*Manager, error) {
	privBlock, _ := pem.Decode(privatePEM)
	if privBlock == nil {
		return nil, errors.New("authjwt: failed to decode private key PEM block")
	}
	var privateKey *rsa.PrivateKey
	switch privBlock.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(privBlock.Bytes)
		if err != nil {
			return nil, fmt.Errorf("authjwt: parsing PKCS#1 private key: %w", err)
		}
		privateKey = key
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(privBlock.Bytes)
		if err != nil {
			return nil, fmt.Errorf("authjwt: parsing PKCS#8 private key: %w", err)
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("authjwt: PKCS#8 key is not an RSA key")
		}
		privateKey = rsaKey
	default:
		return nil, fmt.Errorf("authjwt: unsupported private key PEM type: %s", privBlock.Type)
	}

	pubBlock, _ := pem.Decode(publicPEM)
	if pubBlock == nil {
		return nil, errors.New("authjwt: failed to decode public key PEM block")
	}
	pubInterface, err := x509.ParsePKIXPublicKey(pubBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("authjwt: parsing public key: %w", err)
	}
	publicKey, ok := pubInterface.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("authjwt: public key is not an RSA key")
	}
	return &Manager{privateKey: privateKey, publicKey: publicKey, issuer: issuer}, nil
}

// IssueToken creates a signed RS256 token for subject with the given role.
func (m *Manager) IssueToken(subject string, role Role) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(AccessTokenDuration)),
			ID:        uuid.NewString(),
		},
		Role: role,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(m.privateKey)
	if err != nil {
		return "", fmt.Errorf("authjwt: signing access token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses and verifies a token string, returning its Claims.
func (m *Manager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("authjwt: unexpected signing method: %v", t.Header["alg"])
			}
			return m.publicKey, nil
		},
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// PublicKeyPEM returns the public key in PEM-encoded PKIX format.
func (m *Manager) PublicKeyPEM() ([]byte, error) {
	pubBytes, err := x509.MarshalPKIXPublicKey(m.publicKey)
	if err != nil {
		return nil, fmt.Errorf("authjwt: marshaling public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes}), nil
}
