package api

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const claimsKey contextKey = "claims"

// ClaimsFromContext extracts JWT Claims from an HTTP request context.
func ClaimsFromContext(ctx context.Context) *Claims {
	if v := ctx.Value(claimsKey); v != nil {
		return v.(*Claims)
	}
	return nil
}

// bearerToken returns the token from the Authorization header, or from the
// token query parameter for clients (websockets) that cannot set headers.
func bearerToken(r *http.Request) (string, bool) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return "", false
		}
		return parts[1], true
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t, true
	}
	return "", false
}

// authMiddleware validates the bearer token and injects Claims into the
// request context. Requests without a valid token get 401.
func authMiddleware(auth *AuthService, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeJSONError(w, http.StatusUnauthorized, "authorization required")
			return
		}
		claims, err := auth.ValidateToken(token)
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// corsMiddleware adds CORS headers for whitelisted origins.
func corsMiddleware(allowedOrigins []string, next http.Handler) http.Handler {
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[strings.ToLower(o)] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if len(originSet) == 0 || originSet[strings.ToLower(origin)] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Request costs against the per-minute budget. A login attempt costs a
// tenth of the budget at the default limit, which bounds password guessing
// without a separate lockout.
const (
	readCost  = 1
	writeCost = 2
	loginCost = 12
)

// rateLimiter spends a per-minute budget per key. Authenticated requests are
// keyed by operator, so operators behind one proxy do not share a budget;
// everything else is keyed by client address.
type rateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rateBucket
	limit   int
	window  time.Duration
	now     func() time.Time
}

type rateBucket struct {
	spent  int
	expiry time.Time
}

func newRateLimiter(requestsPerMinute int) *rateLimiter {
	return &rateLimiter{
		buckets: make(map[string]*rateBucket),
		limit:   requestsPerMinute,
		window:  time.Minute,
		now:     time.Now,
	}
}

// spend charges cost to key and reports whether the budget still covers it.
// A refused request is not charged.
func (rl *rateLimiter) spend(key string, cost int) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if cost > rl.limit {
		cost = rl.limit
	}
	now := rl.now()
	b, ok := rl.buckets[key]
	if !ok || now.After(b.expiry) {
		b = &rateBucket{expiry: now.Add(rl.window)}
		rl.buckets[key] = b
	}
	if b.spent+cost > rl.limit {
		return false
	}
	b.spent += cost
	return true
}

// cleanup removes expired entries (call periodically).
func (rl *rateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	for key, b := range rl.buckets {
		if now.After(b.expiry) {
			delete(rl.buckets, key)
		}
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// limitKey names the budget a request is charged to.
func limitKey(r *http.Request) string {
	if claims := ClaimsFromContext(r.Context()); claims != nil && claims.Operator != "" {
		return "operator:" + strings.ToLower(claims.Operator)
	}
	return "ip:" + clientIP(r)
}

func requestCost(r *http.Request) int {
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		return readCost
	default:
		return writeCost
	}
}

// rateLimit charges each request to its budget and answers 429 once it is
// spent. It runs after authMiddleware so the operator is known. A nil
// limiter lets everything through; cost 0 uses the method's cost.
func rateLimit(rl *rateLimiter, cost int, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := cost
		if c == 0 {
			c = requestCost(r)
		}
		if !rl.spend(limitKey(r), c) {
			w.Header().Set("Retry-After", "60")
			writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
