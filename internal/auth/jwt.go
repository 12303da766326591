package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidCredentials is returned by Login for a wrong username or password
var ErrInvalidCredentials = errors.New("invalid credentials")

// Claims represents JWT claims
type Claims struct {
	Username string `json:"sub"`
	jwt.RegisteredClaims
}

// Manager issues and validates API tokens for the single admin user
type Manager struct {
	secret       []byte
	issuer       string
	ttl          time.Duration
	username     string
	passwordHash string
}

// NewManager creates a token manager. An empty passwordHash disables Login.
func NewManager(secret, issuer string, ttl time.Duration, username, passwordHash string) *Manager {
	return &Manager{
		secret:       []byte(secret),
		issuer:       issuer,
		ttl:          ttl,
		username:     username,
		passwordHash: passwordHash,
	}
}

// Login checks the admin credentials and returns a signed token
func (m *Manager) Login(username, password string) (string, time.Time, error) {
	if m.passwordHash == "" || username != m.username {
		return "", time.Time{}, ErrInvalidCredentials
	}
	if err := ComparePassword(m.passwordHash, password); err != nil {
		return "", time.Time{}, ErrInvalidCredentials
	}
	expireAt := time.Now().Add(m.ttl)
	token, err := m.GenerateToken(username, expireAt)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expireAt, nil
}

// GenerateToken generates a JWT token
func (m *Manager) GenerateToken(username string, expireAt time.Time) (string, error) {
	if len(m.secret) == 0 {
		return "", fmt.Errorf("JWT secret not initialized")
	}

	claims := Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			ExpiresAt: jwt.NewNumericDate(expireAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    m.issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// ParseToken parses and validates a JWT token
func (m *Manager) ParseToken(tokenString string) (*Claims, error) {
	if len(m.secret) == 0 {
		return nil, fmt.Errorf("JWT secret not initialized")
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithIssuer(m.issuer))

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, fmt.Errorf("invalid token")
}
