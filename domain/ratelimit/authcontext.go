package ratelimit

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/dgrijalva/jwt-go"

	"github.com/R3E-Network/trigger-pipeline/infrastructure/httputil"
)

// AuthContext is the resolved identity a request is rate-limited against.
type AuthContext struct {
	Scope Scope
	Key   string
	Plan  Plan
	Tier  Tier
}

// Claims is the subset of JWT claims the limiter cares about: org_id/plan
// for Organization scope, agent_id for Agent scope, tier for cost
// multiplier selection.
type Claims struct {
	OrgID   string
	AgentID string
	Plan    Plan
	Tier    Tier
}

// ResolveAuthContext extracts the rate-limiting identity from r: a bearer
// JWT if present and valid, otherwise the client IP under Anonymous scope.
// secret is the HMAC key used to validate the token's signature; an invalid
// or expired token is treated the same as no token (falls back to IP).
func ResolveAuthContext(r *http.Request, secret []byte) AuthContext {
	if claims, ok := parseBearerClaims(r, secret); ok {
		if claims.AgentID != "" {
			return AuthContext{Scope: ScopeAgent, Key: claims.AgentID, Plan: claims.Plan, Tier: claims.Tier}
		}
		if claims.OrgID != "" {
			return AuthContext{Scope: ScopeOrganization, Key: claims.OrgID, Plan: claims.Plan, Tier: claims.Tier}
		}
	}
	return AuthContext{Scope: ScopeAnonymous, Key: httputil.ClientIP(r), Plan: PlanAnonymous, Tier: TierT0}
}

func parseBearerClaims(r *http.Request, secret []byte) (Claims, bool) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return Claims{}, false
	}
	raw := strings.TrimPrefix(header, "Bearer ")

	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil || !token.Valid {
		return Claims{}, false
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, false
	}

	return Claims{
		OrgID:   stringClaim(mapClaims, "org_id"),
		AgentID: stringClaim(mapClaims, "agent_id"),
		Plan:    Plan(stringClaim(mapClaims, "plan")),
		Tier:    tierClaim(mapClaims, "tier"),
	}, true
}

func stringClaim(claims jwt.MapClaims, key string) string {
	v, ok := claims[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func tierClaim(claims jwt.MapClaims, key string) Tier {
	v, ok := claims[key]
	if !ok {
		return TierT0
	}
	n, ok := v.(float64)
	if !ok {
		return TierT0
	}
	return Tier(int(n))
}
