package delivery

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/Vovarama1992/whoisalice/internal/user"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type ctxKey struct{}

// Claims — токен выпускается снаружи, мы только проверяем подпись
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

type UserGetter interface {
	Get(ctx context.Context, id uuid.UUID) (user.User, error)
}

func AuthMiddleware(secret []byte, users UserGetter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := r.Header.Get("Authorization")
			if h == "" || !strings.HasPrefix(h, "Bearer ") {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			var claims Claims
			token, err := jwt.ParseWithClaims(strings.TrimPrefix(h, "Bearer "), &claims,
				func(*jwt.Token) (interface{}, error) { return secret, nil },
				jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			)
			if err != nil || !token.Valid {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			id, err := uuid.Parse(claims.Subject)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid token subject")
				return
			}
			u, err := users.Get(r.Context(), id)
			if errors.Is(err, user.ErrNotFound) {
				writeError(w, http.StatusUnauthorized, "unknown user")
				return
			}
			if err != nil {
				writeError(w, http.StatusInternalServerError, "internal error")
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, u)))
		})
	}
}

// AdminOnly — после AuthMiddleware; роль берём из БД, а не из токена
func AdminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, ok := UserFrom(r.Context())
		if !ok || !u.IsAdmin() {
			writeError(w, http.StatusForbidden, "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func UserFrom(ctx context.Context) (user.User, bool) {
	u, ok := ctx.Value(ctxKey{}).(user.User)
	return u, ok
}

// IssueToken — для сидов и тестов
func IssueToken(secret []byte, u user.User, claims jwt.RegisteredClaims) (string, error) {
	claims.Subject = u.ID.String()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: claims, Role: string(u.Role)})
	return tok.SignedString(secret)
}
