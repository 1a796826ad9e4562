// Package client provides the HTTP facade and live-channel transport for the
// MyQuant backend. Types mirror the backend wire format.
package client

import (
	"encoding/json"
	"time"
)

// MessageType identifies the kind of live-channel message.
type MessageType string

const (
	MsgDashboardUpdate  MessageType = "dashboard_update"
	MsgRunStatusChanged MessageType = "run_status_changed"
	MsgMonitoringUpdate MessageType = "update"
	MsgSubscribed       MessageType = "subscribed"
	MsgError            MessageType = "error"
)

// Envelope wraps every live-channel message. The payload stays raw until a
// consumer decodes it.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AuthStatus is the body of GET /api/check-auth.
type AuthStatus struct {
	LoggedIn bool `json:"logged_in"`
}

// LoginResult is the body of POST /api/login and /api/logout.
type LoginResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Strategy is one entry of GET /api/strategies.
type Strategy struct {
	Name      string  `json:"name"`
	CreatedAt float64 `json:"created_at"`
	Path      string  `json:"path,omitempty"`
}

// Created converts the backend's unix-seconds timestamp.
func (s Strategy) Created() time.Time {
	sec := int64(s.CreatedAt)
	return time.Unix(sec, int64((s.CreatedAt-float64(sec))*1e9))
}

// RunState is the lifecycle state the backend reports for a run.
type RunState string

const (
	RunRunning     RunState = "running"
	RunPaused      RunState = "paused"
	RunFinished    RunState = "finished"
	RunInterrupted RunState = "interrupted"
	RunFailed      RunState = "failed"
)

// Run is one entry of GET /api/strategies/{name}/runs.
type Run struct {
	ID           string   `json:"run_id"`
	WorkspaceDir string   `json:"workspace_dir,omitempty"`
	StartTime    float64  `json:"start_time"`
	Status       RunState `json:"status"`
	IsPaused     bool     `json:"is_paused"`
	IsRunning    bool     `json:"is_running"`
	Note         string   `json:"note,omitempty"`
	StartDate    string   `json:"start_date,omitempty"`
	EndDate      string   `json:"end_date,omitempty"`
	FinalReturn  *float64 `json:"final_return,omitempty"`
}

// RunList groups a strategy's runs by mode.
type RunList struct {
	Backtest   []Run `json:"backtest"`
	Simulation []Run `json:"simulation"`
}

// RunStatus is the body of GET /api/runs/{id}/status. Port is set only while
// the run is live and is what per-run channels connect to.
type RunStatus struct {
	Status       RunState `json:"status"`
	Port         int      `json:"port,omitempty"`
	WorkspaceDir string   `json:"workspace_dir,omitempty"`
}

// RunAction is a control verb for POST /api/runs/{id}/control.
type RunAction string

const (
	ActionPause  RunAction = "pause"
	ActionResume RunAction = "resume"
	ActionStop   RunAction = "stop"
)

// DashboardUpdatePayload tells dashboards to refetch a strategy's runs.
type DashboardUpdatePayload struct {
	StrategyName string `json:"strategy_name"`
}

// RunStatusChangedPayload reports a pause/resume or status transition.
type RunStatusChangedPayload struct {
	RunID    string   `json:"run_id"`
	Status   RunState `json:"status,omitempty"`
	IsPaused bool     `json:"is_paused"`
}

// MonitoringUpdatePayload is pushed by a run's own monitor channel.
type MonitoringUpdatePayload struct {
	RunID     string  `json:"run_id"`
	Timestamp string  `json:"timestamp"`
	Progress  float64 `json:"progress"` // 0..1
	Equity    float64 `json:"equity"`
	Cash      float64 `json:"cash"`
	Positions int     `json:"positions"`
	Message   string  `json:"message,omitempty"`
}

// ErrorPayload is a server-side error pushed over a live channel.
type ErrorPayload struct {
	Message string `json:"message"`
}
