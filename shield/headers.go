package shield

import "net/http"

// Headers maps response header names to values.
type Headers map[string]string

// APIHeaders returns headers for endpoints that only ever serve JSON or
// plain text: nothing may be loaded, framed or cached.
func APIHeaders() Headers {
	return Headers{
		"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
		"X-Frame-Options":         "DENY",
		"X-Content-Type-Options":  "nosniff",
		"Referrer-Policy":         "no-referrer",
		"Cache-Control":           "no-store",
	}
}

// SecurityHeaders sets h on every response. Empty values are skipped.
func SecurityHeaders(h Headers) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for k, v := range h {
				if v != "" {
					w.Header().Set(k, v)
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// HeadAsGet routes HEAD requests to GET handlers. net/http drops the body.
func HeadAsGet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			r.Method = http.MethodGet
		}
		next.ServeHTTP(w, r)
	})
}
