// Package middleware содержит HTTP middleware вендингового сервера.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const relayClaimsKey contextKey = "relayClaims"

// RelayIssuer издатель токенов ретранслятора вебхуков.
const RelayIssuer = "shaka-fleet"

const relayTokenTTL = 5 * time.Minute

// RelayClaims описывает утверждения токена ретранслятора.
type RelayClaims struct {
	MachineID string `json:"machine_id,omitempty"`
	jwt.RegisteredClaims
}

// RelayAuth проверяет, что вебхук переслан ретранслятором флота: заголовок
// Authorization: Bearer <JWT HS256>, подписанный общим секретом.
type RelayAuth struct {
	secret    []byte
	machineID string
}

// NewRelayAuth создаёт middleware. С пустым секретом проверка отключена.
func NewRelayAuth(secret, machineID string) *RelayAuth {
	return &RelayAuth{
		secret:    []byte(secret),
		machineID: machineID,
	}
}

// Enabled сообщает, включена ли проверка.
func (a *RelayAuth) Enabled() bool {
	return len(a.secret) > 0
}

// Middleware отклоняет запросы без действительного токена ретранслятора.
func (a *RelayAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		claims, err := a.Parse(token)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), relayClaimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Parse проверяет подпись, издателя, срок действия и идентификатор автомата.
func (a *RelayAuth) Parse(token string) (*RelayClaims, error) {
	claims := &RelayClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(RelayIssuer),
	)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("invalid relay token")
	}
	if claims.MachineID != "" && a.machineID != "" && claims.MachineID != a.machineID {
		return nil, errors.New("relay token issued for another machine")
	}
	return claims, nil
}

// Sign выпускает токен ретранслятора для автомата. Используется диагностикой и тестами.
func (a *RelayAuth) Sign(machineID string, now time.Time) (string, error) {
	claims := RelayClaims{
		MachineID: machineID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    RelayIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(relayTokenTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// GetRelayClaims извлекает утверждения токена ретранслятора из контекста запроса.
func GetRelayClaims(ctx context.Context) (*RelayClaims, bool) {
	c, ok := ctx.Value(relayClaimsKey).(*RelayClaims)
	return c, ok
}

func bearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
