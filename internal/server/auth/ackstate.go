// Package auth signs and parses the ack-state token that binds a consent
// callback to the request that started it.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/segmentio/ksuid"

	"github.com/dmitrijs2005/authmanager/internal/common"
)

// DefaultAckStateTTL is used when Make is given a non-positive ttl.
const DefaultAckStateTTL = 600 * time.Second

// AckState is the payload carried through the consent round-trip.
type AckState struct {
	ID             string
	UserID         string
	SessionStateID string
	IssuedAt       time.Time
	ExpiresAt      time.Time
}

type ackClaims struct {
	jwt.RegisteredClaims
	UserID         string `json:"uid"`
	SessionStateID string `json:"sid"`
}

// AckStateService makes and parses HS256 ack-state tokens.
type AckStateService struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewAckStateService(secret []byte, ttl time.Duration) *AckStateService {
	if ttl <= 0 {
		ttl = DefaultAckStateTTL
	}
	return &AckStateService{secret: secret, ttl: ttl, now: time.Now}
}

// Make signs a token for the user and session. A zero ttl uses the
// service default.
func (s *AckStateService) Make(userID, sessionStateID string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = s.ttl
	}
	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, ackClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        ksuid.New().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID:         userID,
		SessionStateID: sessionStateID,
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", common.ErrorInternal.WithMessage("signing ack state failed").Wrap(err)
	}
	return signed, nil
}

// Parse checks the signature and the required claims. The exp claim is
// carried but not enforced here.
func (s *AckStateService) Parse(token string) (*AckState, error) {
	claims := &ackClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return nil, common.ErrInvalidAckState.WithMessage("ack state signature is invalid").Wrap(err)
	}

	if claims.UserID == "" || claims.SessionStateID == "" || claims.IssuedAt == nil || claims.ExpiresAt == nil {
		return nil, common.ErrInvalidAckState.WithMessage("ack state is missing required claims").
			Wrap(errors.New("uid, sid, iat and exp are required"))
	}

	return &AckState{
		ID:             claims.ID,
		UserID:         claims.UserID,
		SessionStateID: claims.SessionStateID,
		IssuedAt:       claims.IssuedAt.Time,
		ExpiresAt:      claims.ExpiresAt.Time,
	}, nil
}
