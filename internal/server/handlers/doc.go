// Package handlers contains the JSON handlers of the render service:
//   - health
//   - job listing and per-job history
//
// Errors are written through errors.HTTPErrorAdapter; payloads are the
// server/responses types.
package handlers
