package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	contextKeySessionID = "session_id"
	contextKeyAddress   = "wallet_address"

	authorizationHeader = "Authorization"
	bearerPrefix        = "Bearer "
)

// sessionClaims binds a session id and wallet address to a signed token.
type sessionClaims struct {
	SessionID string `json:"sid"`
	Address   string `json:"addr"`
	jwt.RegisteredClaims
}

func issueSessionToken(cfg Config, sessionID string, address string) (string, error) {
	now := time.Now().UTC()
	claims := sessionClaims{
		SessionID: sessionID,
		Address:   address,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.SessionIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(cfg.SessionTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.SessionSigningKey))
}

func parseSessionToken(cfg Config, raw string) (*sessionClaims, error) {
	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return []byte(cfg.SessionSigningKey), nil
	}, jwt.WithIssuer(cfg.SessionIssuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.SessionID == "" {
		return nil, fmt.Errorf("invalid session token")
	}
	return claims, nil
}

// sessionMiddleware validates the bearer token and resolves the session.
func sessionMiddleware(cfg Config, manager *Manager) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		header := ctx.GetHeader(authorizationHeader)
		if !strings.HasPrefix(header, bearerPrefix) {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session token"))
			return
		}
		claims, err := parseSessionToken(cfg, strings.TrimPrefix(header, bearerPrefix))
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid session token"))
			return
		}
		if _, ok := manager.Get(claims.SessionID); !ok {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "unknown session"))
			return
		}
		ctx.Set(contextKeySessionID, claims.SessionID)
		ctx.Set(contextKeyAddress, claims.Address)
		ctx.Next()
	}
}
