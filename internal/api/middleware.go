package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"virtualworld/internal/apperr"
	"virtualworld/internal/authn"
)

type ctxKey int

const identityKey ctxKey = iota

// callerIdentity extracts the authenticated identity the auth middleware
// stored on the request context.
func callerIdentity(r *http.Request) authn.Identity {
	id, _ := r.Context().Value(identityKey).(authn.Identity)
	return id
}

// bearerToken pulls the token from the Authorization header, falling back
// to the `token` query parameter (the form WebSocket upgrades use).
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return tok
		}
	}
	return r.URL.Query().Get("token")
}

// requireAuth verifies the caller's bearer token and stores the identity
// on the request context.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			s.writeError(w, r, apperr.New(apperr.KindAuth, "missing bearer token"))
			return
		}
		id, err := s.hub.Authenticate(r.Context(), token)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), identityKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// rateLimited gates write endpoints on the caller's token bucket,
// answering 429 with a Retry-After hint when over budget.
func (s *Server) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := callerIdentity(r).UserID
		if !s.limiter.Allow(caller) {
			wait := s.limiter.RetryAfter(caller)
			w.Header().Set("Retry-After", strconv.Itoa(int(wait.Seconds())+1))
			s.writeError(w, r, apperr.New(apperr.KindRateLimited, "rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestLog emits one structured line per request.
func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
	})
}
