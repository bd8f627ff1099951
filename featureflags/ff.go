package featureflags

import (
	"net/http"
	"os"
	"strings"
)

const (
	// Tracing wraps a REST request in an otel span.
	Tracing = "tracing"
	// Watch enables the server-sent events stream of active set changes.
	Watch = "watch"
)

var flagEnabler = map[string]enabler{
	Tracing: hasFlagInCookie,
	Watch:   hasFlagInQuery,
}

type enabler func(flag string, r *http.Request) bool

// Enabled reports whether flag is on for r. An environment variable named
// after the flag (upper-cased) turns it on for every request.
func Enabled(flag string, r *http.Request) bool {
	if _, ok := os.LookupEnv(strings.ToUpper(flag)); ok {
		return true
	}

	e, ok := flagEnabler[flag]
	if !ok || r == nil {
		return false
	}

	return e(flag, r)
}

func hasFlagInCookie(flag string, r *http.Request) bool {
	_, err := r.Cookie(flag)
	return err == nil
}

func hasFlagInQuery(flag string, r *http.Request) bool {
	return r.URL.Query().Has(flag) || hasFlagInCookie(flag, r)
}
