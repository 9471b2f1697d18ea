// Package security provides HTTP hardening middleware for the receipt API.
package security

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// apiHeaders are set on every response. The API serves JSON and the /ws
// stream only, so the content policy forbids everything else.
var apiHeaders = [...][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Referrer-Policy", "no-referrer"},
	{"Cache-Control", "no-store"},
	{"Content-Security-Policy", "default-src 'none'; connect-src 'self' ws: wss:; frame-ancestors 'none'"},
	{"Permissions-Policy", "geolocation=(), microphone=(), camera=(), payment=()"},
}

const hsts = "max-age=31536000; includeSubDomains"

// HeadersMiddleware sets the hardening headers. Strict-Transport-Security
// is added only when the request arrived over TLS, directly or through a
// proxy that sets X-Forwarded-Proto.
func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		for _, kv := range apiHeaders {
			h.Set(kv[0], kv[1])
		}
		if c.Request.TLS != nil || strings.EqualFold(c.GetHeader("X-Forwarded-Proto"), "https") {
			h.Set("Strict-Transport-Security", hsts)
		}
		c.Next()
	}
}

var (
	corsMethods = strings.Join([]string{http.MethodGet, http.MethodPost, http.MethodOptions}, ", ")
	corsHeaders = strings.Join([]string{"Content-Type", "X-Request-ID", AdminSecretHeader}, ", ")
)

// originPolicy decides which browser origins may call the API.
type originPolicy struct {
	wildcard bool
	exact    map[string]struct{}
}

func newOriginPolicy(origins []string) originPolicy {
	p := originPolicy{exact: make(map[string]struct{}, len(origins))}
	for _, o := range origins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		switch o {
		case "":
		case "*":
			p.wildcard = true
		default:
			p.exact[strings.ToLower(o)] = struct{}{}
		}
	}
	// no configuration means no restriction
	if len(p.exact) == 0 {
		p.wildcard = true
	}
	return p
}

func (p originPolicy) allows(origin string) bool {
	if p.wildcard {
		return true
	}
	_, ok := p.exact[strings.ToLower(origin)]
	return ok
}

// CORSMiddleware answers cross-origin requests from allowedOrigins. An
// empty list or "*" allows any origin, without credentials. Preflight
// requests end here with 204.
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	policy := newOriginPolicy(allowedOrigins)

	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Add("Vary", "Origin")

		if origin := c.GetHeader("Origin"); origin != "" && policy.allows(origin) {
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", corsMethods)
			h.Set("Access-Control-Allow-Headers", corsHeaders)
			h.Set("Access-Control-Max-Age", "86400")
			if !policy.wildcard {
				h.Set("Access-Control-Allow-Credentials", "true")
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
