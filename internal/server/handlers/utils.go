// Package handlers provides shared response helper functions for HTTP handlers.
package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"git.home.luguber.info/inful/sketchrender/internal/logfields"
)

// wantsPretty reports whether the caller asked for indented output with
// ?pretty=1 or ?pretty=true.
func wantsPretty(r *http.Request) bool {
	switch r.URL.Query().Get("pretty") {
	case "1", "true":
		return true
	}
	return false
}

// writeJSONPretty encodes v before touching the response so an encoding
// failure leaves the writer untouched for the caller's error adapter.
func writeJSONPretty(w http.ResponseWriter, r *http.Request, status int, v any) error {
	var (
		body []byte
		err  error
	)
	if wantsPretty(r) {
		body, err = json.MarshalIndent(v, "", "  ")
	} else {
		body, err = json.Marshal(v)
	}
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(append(body, '\n')); err != nil {
		// Headers are gone; nothing left to report to the client.
		slog.Warn("Failed writing JSON response", logfields.Path(r.URL.Path), logfields.Error(err))
	}
	return nil
}
