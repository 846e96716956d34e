// Package pprof keeps the net/http/pprof import, and its init side effect on
// the default mux, out of packages that only want metrics.
package pprof

import (
	"net/http"
	"net/http/pprof"
)

const prefix = "/debug/pprof/"

// WithProfile returns the profiling endpoints, to be mounted at /debug/pprof.
// Routes keep the full path since pprof.Index derives profile names from it.
func WithProfile() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(prefix, pprof.Index)
	mux.HandleFunc(prefix+"cmdline", pprof.Cmdline)
	mux.HandleFunc(prefix+"profile", pprof.Profile)
	mux.HandleFunc(prefix+"symbol", pprof.Symbol)
	mux.HandleFunc(prefix+"trace", pprof.Trace)
	return mux
}
