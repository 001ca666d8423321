package auth

import (
	"errors"
	"log"
	"net/http"
	"strings"
)

// Middleware authenticates ops API requests and enforces the route
// policy's role requirements.
type Middleware struct {
	verifier *Verifier
	policy   Policy
	logger   *log.Logger
}

// NewMiddleware constructs the auth middleware.
func NewMiddleware(verifier *Verifier, policy Policy, logger *log.Logger) (*Middleware, error) {
	if verifier == nil {
		return nil, errors.New("auth middleware: nil verifier")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Middleware{verifier: verifier, policy: policy, logger: logger}, nil
}

// Wrap guards the handler. Exempt paths and requests the policy does
// not cover pass through untouched.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.policy.IsExempt(r) {
			next.ServeHTTP(w, r)
			return
		}
		required, ok := m.policy.RequiredRole(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		identity, err := m.verifier.Verify(bearerToken(r))
		if err != nil {
			m.logger.Printf("auth: reject %s %s: %v", r.Method, r.URL.Path, err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if !identity.Role.Satisfies(required) {
			m.logger.Printf("auth: deny %s %s tenant=%s role=%s required=%s",
				r.Method, r.URL.Path, identity.TenantID, identity.Role, required)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

func bearerToken(r *http.Request) string {
	parts := strings.Fields(r.Header.Get("Authorization"))
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}
