package auth

import (
	"time"

	"github.com/dropbox/godropbox/time2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// ErrTokenExpired 令牌已过期（会话已过期）
var ErrTokenExpired = errors.New("token expired")

// RejoinClaims 重连令牌，绑定会话与参与方
type RejoinClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"session_id"`
}

// ParticipantID 令牌持有者
func (c *RejoinClaims) ParticipantID() string {
	return c.Subject
}

// JWTManager handles rejoin token generation and validation
type JWTManager struct {
	secretKey []byte
	issuer    string
	clock     time2.Clock
}

// NewJWTManager creates a new JWTManager
func NewJWTManager(secretKey string, issuer string, clock time2.Clock) *JWTManager {
	return &JWTManager{
		secretKey: []byte(secretKey),
		issuer:    issuer,
		clock:     clock,
	}
}

// Generate creates a rejoin token that expires together with the session
func (m *JWTManager) Generate(sessionID, participantID string, expiresAt time.Time) (string, error) {
	now := m.clock.Now()
	claims := RejoinClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			Issuer:    m.issuer,
			Subject:   participantID,
		},
		SessionID: sessionID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secretKey)
	if err != nil {
		return "", errors.Wrap(err, "failed to sign rejoin token")
	}
	return signed, nil
}

// Validate validates the rejoin token and returns the claims
func (m *JWTManager) Validate(tokenString string) (*RejoinClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &RejoinClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secretKey, nil
	}, jwt.WithTimeFunc(m.clock.Now), jwt.WithIssuer(m.issuer))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, errors.Wrap(err, "invalid token")
	}

	claims, ok := token.Claims.(*RejoinClaims)
	if !ok || !token.Valid || claims.SessionID == "" || claims.Subject == "" {
		return nil, errors.New("invalid token claims")
	}

	return claims, nil
}
