package http

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"taskhub/internal/domain"
	"taskhub/internal/ratelimit"
)

const (
	identityKey     = "taskhub.identity"
	requestIDHeader = "X-Request-ID"
	bearerPrefix    = "Bearer "
)

// TokenVerifier resolves a bearer token to the username it was issued for.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// UserLookup loads the account behind a verified token.
type UserLookup interface {
	GetByUsername(ctx context.Context, username string) (*domain.User, error)
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "Retry-After, "+requestIDHeader)
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// accessLog tags every request with an id and logs its outcome.
func accessLog(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Writer.Header().Set(requestIDHeader, requestID)

		c.Next()

		entry := logger.WithFields(logrus.Fields{
			"request_id": requestID,
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"latency":    time.Since(start).String(),
			"client_ip":  clientIP(c.Request),
		})
		if identity, ok := identityFrom(c); ok {
			entry = entry.WithField("user", identity.Username)
		}
		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			entry.Error("request failed")
		case c.Writer.Status() == http.StatusTooManyRequests:
			entry.Warn("request throttled")
		default:
			entry.Info("request handled")
		}
	}
}

// identityFilter establishes the caller from a bearer token. A missing,
// malformed or rejected token leaves the request anonymous; the decision to
// refuse it belongs to requireIdentity.
func identityFilter(tokens TokenVerifier, users UserLookup, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := identityFrom(c); ok {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, bearerPrefix) {
			c.Next()
			return
		}
		token := strings.TrimSpace(header[len(bearerPrefix):])

		username, err := tokens.Verify(token)
		if err != nil {
			logger.WithError(err).Debug("bearer token rejected")
			c.Next()
			return
		}

		user, err := users.GetByUsername(c.Request.Context(), username)
		if err != nil {
			logger.WithError(err).WithField("user", username).Debug("token subject could not be loaded")
			c.Next()
			return
		}

		c.Set(identityKey, domain.Identity{UserID: user.ID, Username: user.Username})
		c.Next()
	}
}

// Policies selects the bucket class for each side of the gate.
type Policies struct {
	Authenticated   ratelimit.Policy
	Unauthenticated ratelimit.Policy
}

// DefaultPolicies mirrors ratelimit.Authenticated and ratelimit.Unauthenticated.
func DefaultPolicies() Policies {
	return Policies{
		Authenticated:   ratelimit.Authenticated,
		Unauthenticated: ratelimit.Unauthenticated,
	}
}

// rateGate applies the per-IP policy to the public auth endpoints and the
// per-user policy to everything else. Anonymous callers of other routes are
// not counted. Store errors let the request through.
func rateGate(store ratelimit.Store, policies Policies, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var (
			key    string
			policy ratelimit.Policy
		)

		if isPublicAuthPath(c.Request.URL.Path) {
			key = clientIP(c.Request)
			policy = policies.Unauthenticated
		} else if identity, ok := identityFrom(c); ok {
			key = identity.Username
			policy = policies.Authenticated
		} else {
			c.Next()
			return
		}

		allowed, err := store.Acquire(c.Request.Context(), key, policy)
		if err != nil {
			logger.WithError(err).WithField("policy", policy.Name).Warn("rate limiter unavailable, allowing request")
			c.Next()
			return
		}
		if !allowed {
			retryAfter := policy.RetryAfterSeconds()
			c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, rateLimitResponse{
				Error:      policy.Message(),
				RetryAfter: retryAfter,
			})
			return
		}

		c.Next()
	}
}

// requireIdentity rejects requests that reached a protected route anonymously.
func requireIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := identityFrom(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, failure("Authentication required"))
			return
		}
		c.Next()
	}
}

func identityFrom(c *gin.Context) (domain.Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return domain.Identity{}, false
	}
	identity, ok := v.(domain.Identity)
	return identity, ok
}

func isPublicAuthPath(path string) bool {
	path = strings.TrimRight(path, "/")
	return path == registerPath || path == loginPath
}

// clientIP prefers the first X-Forwarded-For entry and falls back to the
// peer address without its port.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
