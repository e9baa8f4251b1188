// Package api exposes the HTTP interface of the orchestration daemon:
// submitting supertransaction jobs, inspecting their state and scraping
// Prometheus metrics.
package api
