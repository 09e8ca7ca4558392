package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"

	"lendbridge/observability/logging"
)

type contextKey string

const contextKeyCaller contextKey = "caller"

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	Secret   []byte
	Issuer   string
	Audience string
	Leeway   time.Duration
}

type verifier struct {
	secret []byte
	opts   []jwt.ParserOption
}

func newVerifier(cfg AuthConfig, now func() time.Time) (*verifier, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("auth: secret required")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	if cfg.Leeway > 0 {
		opts = append(opts, jwt.WithLeeway(cfg.Leeway))
	}
	if now != nil {
		opts = append(opts, jwt.WithTimeFunc(now))
	}
	return &verifier{secret: append([]byte(nil), cfg.Secret...), opts: opts}, nil
}

// verify parses a bearer token and returns the caller address held in its
// subject.
func (v *verifier) verify(token string) (common.Address, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, v.opts...)
	if err != nil {
		return common.Address{}, err
	}
	if !parsed.Valid {
		return common.Address{}, errors.New("token validation failed")
	}
	subject := strings.TrimSpace(claims.Subject)
	if !common.IsHexAddress(subject) {
		return common.Address{}, fmt.Errorf("token subject %q is not an address", subject)
	}
	caller := common.HexToAddress(subject)
	if caller == (common.Address{}) {
		return common.Address{}, errors.New("token subject is the zero address")
	}
	return caller, nil
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			s.writeError(w, r, errUnauthorized)
			return
		}
		caller, err := s.verifier.verify(strings.TrimSpace(token))
		if err != nil {
			s.logger.Debug("rejected bearer token",
				logging.MaskField("token", token),
				slog.String("error", err.Error()))
			s.writeError(w, r, errUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyCaller, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func callerFromContext(ctx context.Context) (common.Address, bool) {
	caller, ok := ctx.Value(contextKeyCaller).(common.Address)
	return caller, ok
}

// requireGovernance restricts a route to the controller's governance account.
func (s *Server) requireGovernance(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, _ := callerFromContext(r.Context())
		if caller != s.runtime.Controller.Governance() {
			s.writeError(w, r, fmt.Errorf("%w: governance only", errForbidden))
			return
		}
		next.ServeHTTP(w, r)
	})
}
