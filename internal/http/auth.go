package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

const identityKey contextKey = "identity"

// Claims carries the verified caller. Subject is the user or driver id.
type Claims struct {
	Role  string `json:"role"`
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
	jwt.RegisteredClaims
}

// SignToken mints an HS256 bearer token for who.
func SignToken(secret []byte, who models.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Role:  string(who.Role),
		Name:  who.Name,
		Phone: who.Phone,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   who.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func (s *Server) parseToken(raw string) (models.Identity, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return models.Identity{}, err
	}
	who := models.Identity{ID: claims.Subject, Role: models.Role(claims.Role), Name: claims.Name, Phone: claims.Phone}
	if who.ID == "" || !who.Role.Valid() {
		return models.Identity{}, apperr.Auth("token has no usable subject or role")
	}
	return who, nil
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scheme, raw, ok := strings.Cut(r.Header.Get("Authorization"), " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || raw == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: errorDetail{Code: apperr.KindAuth, Message: "missing bearer token"}})
			return
		}
		who, err := s.parseToken(strings.TrimSpace(raw))
		if err != nil {
			s.logger.Debug("rejected token", "error", err)
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: errorDetail{Code: apperr.KindAuth, Message: "invalid or expired token"}})
			return
		}
		noteCaller(r.Context(), who)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, who)))
	})
}

func identityFrom(ctx context.Context) models.Identity {
	who, _ := ctx.Value(identityKey).(models.Identity)
	return who
}
