package httpx

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

type CORSPolicy struct {
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	AllowCredentials bool
	MaxAge           time.Duration
}

func WithCORS(policy CORSPolicy) Middleware {
	allowAll := len(policy.AllowedOrigins) == 0
	origins := make(map[string]struct{}, len(policy.AllowedOrigins))
	for _, o := range policy.AllowedOrigins {
		origins[strings.ToLower(strings.TrimSpace(o))] = struct{}{}
	}
	methods := strings.Join(policy.AllowedMethods, ", ")
	headers := strings.Join(policy.AllowedHeaders, ", ")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			allowed := allowAll
			if !allowed {
				_, allowed = origins[strings.ToLower(origin)]
			}
			if !allowed {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
			if policy.AllowCredentials {
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}

			if r.Method == http.MethodOptions {
				if methods != "" {
					w.Header().Set("Access-Control-Allow-Methods", methods)
				}
				if headers != "" {
					w.Header().Set("Access-Control-Allow-Headers", headers)
				}
				if policy.MaxAge > 0 {
					w.Header().Set("Access-Control-Max-Age", strconv.Itoa(int(policy.MaxAge.Seconds())))
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
