package protocol

import "encoding/json"

// ControlRequest is one newline-delimited JSON object read from a control
// socket connection. Fields beyond those relevant to Command are ignored
// by the dispatcher.
type ControlRequest struct {
	Command        string          `json:"command"`
	Server         string          `json:"server,omitempty"`
	ServerCommand  string          `json:"server_command,omitempty"`
	Tool           string          `json:"tool,omitempty"`
	Arguments      json.RawMessage `json:"arguments,omitempty"`
	TimeoutMs      int             `json:"timeout_ms,omitempty"`
}

// ControlResponse is the generic envelope written back on the control
// socket. Success responses omit Error/Kind; failure responses omit every
// success-only field.
type ControlResponse struct {
	Success bool        `json:"success"`
	Error   string      `json:"error,omitempty"`
	Kind    string      `json:"kind,omitempty"`
	Tools   []Tool          `json:"tools,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`

	// status
	Status       string            `json:"status,omitempty"`
	Servers      []string          `json:"servers,omitempty"`
	ServerCount  int               `json:"server_count,omitempty"`
	AutoStarted  []AutoStartedInfo `json:"auto_started,omitempty"`
	OnDemand     []string          `json:"on_demand,omitempty"`

	// list-all (populated on the daemon side for handleListAll to render
	// via ListAllResponse; never itself serialized to the wire, since
	// status's flat "servers" array and list-all's per-server map would
	// otherwise collide on the same JSON key)
	ServerTools map[string]ServerToolSet `json:"-"`
	TotalTools  int                      `json:"total_tools,omitempty"`
}

// AutoStartedInfo is one entry of the status response's auto_started array.
type AutoStartedInfo struct {
	ID            string  `json:"id"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// ServerToolSet is one entry of a list-all response's per-server map.
type ServerToolSet struct {
	Tools     []Tool `json:"tools"`
	ToolCount int    `json:"tool_count"`
}

// ListAllResponse is the wire shape for the list-all command: a map from
// ServerId to its tools, distinct from status's flat "servers" id array.
type ListAllResponse struct {
	Success     bool                     `json:"success"`
	Servers     map[string]ServerToolSet `json:"servers"`
	ServerCount int                      `json:"server_count"`
	TotalTools  int                      `json:"total_tools"`
}

// MarshalListAll renders r's list-all fields in the ListAllResponse shape.
func (r *ControlResponse) MarshalListAll() ([]byte, error) {
	return json.Marshal(ListAllResponse{
		Success:     r.Success,
		Servers:     r.ServerTools,
		ServerCount: r.ServerCount,
		TotalTools:  r.TotalTools,
	})
}
