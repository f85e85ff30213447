package policy

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ApprovalClaims are embedded in every approval token so a presented token
// can only satisfy the exact decision it was issued for — a token minted
// for one action/pane pair is rejected if replayed against another.
type ApprovalClaims struct {
	jwt.RegisteredClaims
	Actor  string `json:"actor"`
	Action string `json:"action"`
	PaneID int64  `json:"pane_id"`
}

// ApprovalIssuer signs and validates approval tokens with an HMAC key held
// only by the daemon process (§4.6 rule 4).
type ApprovalIssuer struct {
	key []byte
	ttl time.Duration
}

func NewApprovalIssuer(key []byte, ttl time.Duration) *ApprovalIssuer {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ApprovalIssuer{key: key, ttl: ttl}
}

// Issue mints a token scoped to one (actor, action, pane) triple, expiring
// after the issuer's configured TTL.
func (ai *ApprovalIssuer) Issue(actor ActorKind, action Action, paneID int64) (token string, expiresAtMS int64, err error) {
	expiresAt := time.Now().Add(ai.ttl)
	claims := ApprovalClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Actor:  string(actor),
		Action: string(action),
		PaneID: paneID,
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := t.SignedString(ai.key)
	if err != nil {
		return "", 0, fmt.Errorf("sign approval token: %w", err)
	}
	return signed, expiresAt.UnixMilli(), nil
}

// Validate checks that tokenStr is a well-formed, unexpired token scoped to
// exactly this (actor, action, pane) triple.
func (ai *ApprovalIssuer) Validate(tokenStr string, actor ActorKind, action Action, paneID int64) error {
	token, err := jwt.ParseWithClaims(tokenStr, &ApprovalClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return ai.key, nil
	})
	if err != nil {
		return fmt.Errorf("parse approval token: %w", err)
	}
	claims, ok := token.Claims.(*ApprovalClaims)
	if !ok || !token.Valid {
		return fmt.Errorf("invalid approval token claims")
	}
	if claims.Actor != string(actor) || claims.Action != string(action) || claims.PaneID != paneID {
		return fmt.Errorf("approval token does not match this request")
	}
	return nil
}
