package api

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jmcleod/actas/internal/uuid"
)

const (
	sessionCookieName = "actas_session"
	sessionTTL        = 8 * time.Hour
	sessionIdleTTL    = 30 * time.Minute
)

type contextKey int

const (
	requestIDKey contextKey = iota
)

type authSession struct {
	ExpiresAt      time.Time
	LastAccessedAt time.Time
}

// sessionStore holds browser sessions opened with the API token. Sessions
// are deliberately process-local: a restart logs browsers out.
type sessionStore struct {
	mu   sync.Mutex
	data map[string]authSession
}

func newSessionStore() *sessionStore {
	return &sessionStore{data: make(map[string]authSession)}
}

func (s *sessionStore) put(token string, sess authSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[token] = sess
}

// touch reports whether token names a live session and refreshes its idle timer.
func (s *sessionStore) touch(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.data[token]
	if !ok {
		return false
	}
	now := time.Now()
	if now.After(sess.ExpiresAt) || now.Sub(sess.LastAccessedAt) > sessionIdleTTL {
		delete(s.data, token)
		return false
	}
	sess.LastAccessedAt = now
	s.data[token] = sess
	return true
}

func (s *sessionStore) delete(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, token)
}

// AuthMiddleware accepts either the API bearer token or a session cookie
// obtained from POST /auth/session.
func (a *API) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != "" && a.sessions.touch(cookie.Value) {
			next.ServeHTTP(w, r)
			return
		}

		ip := clientIP(r)
		if blocked, retryAfter := a.limiter.check(ip); blocked {
			writeRateLimited(w, retryAfter)
			return
		}
		if !a.validToken(r) {
			a.limiter.recordFailure(ip)
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		a.limiter.recordSuccess(ip)
		next.ServeHTTP(w, r)
	})
}

func (a *API) validToken(r *http.Request) bool {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" || a.apiToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(a.apiToken)) == 1
}

// CreateSession exchanges the bearer token for a session cookie and a CSRF
// cookie, for browser presenters.
func (a *API) CreateSession(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if blocked, retryAfter := a.limiter.check(ip); blocked {
		writeRateLimited(w, retryAfter)
		return
	}
	if !a.validToken(r) {
		a.limiter.recordFailure(ip)
		writeError(w, http.StatusUnauthorized, "invalid API token")
		return
	}
	a.limiter.recordSuccess(ip)

	token := uuid.New()
	now := time.Now()
	expires := now.Add(sessionTTL)
	a.sessions.put(token, authSession{ExpiresAt: expires, LastAccessedAt: now})
	writeSessionCookie(w, r, token, expires)
	writeCSRFCookie(w, r)
	w.WriteHeader(http.StatusNoContent)
}

// DeleteSession ends the browser session, if any.
func (a *API) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		a.sessions.delete(cookie.Value)
	}
	clearSessionCookie(w, r)
	clearCSRFCookie(w, r)
	w.WriteHeader(http.StatusNoContent)
}

// RequestID tags each request with an id, reusing X-Request-ID when the
// caller sent one, and echoes it on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func writeSessionCookie(w http.ResponseWriter, r *http.Request, token string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteStrictMode,
		Expires:  expiresAt,
	})
}

func clearSessionCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteStrictMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
