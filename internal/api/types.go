package api

import "github.com/mattjoyce/bitool/internal/runlog"

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	ToolsLoaded   int    `json:"tools_loaded"`
}

// ToolsResponse is returned by GET /tools.
type ToolsResponse struct {
	Tools []string `json:"tools"`
}

// RunsResponse is returned by GET /runs.
type RunsResponse struct {
	Runs []*runlog.Run `json:"runs"`
}
