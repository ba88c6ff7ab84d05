package server

import (
	"bytes"
	_ "embed"
	"net/http"
	"time"
)

//go:embed status.html
var statusPage []byte

// StatusHandler serves the embedded page that polls /api/state.
func StatusHandler() http.HandlerFunc {
	built := time.Now()
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		http.ServeContent(w, r, "status.html", built, bytes.NewReader(statusPage))
	}
}
