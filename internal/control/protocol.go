// Package control implements the daemon's control channel: one
// newline-delimited JSON request and one response per connection over a
// unix socket.
package control

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aristath/swarmd/internal/config"
)

// Kind names a control request.
type Kind string

const (
	KindSpawn        Kind = "spawn"
	KindListAgents   Kind = "list_agents"
	KindKill         Kind = "kill"
	KindHeartbeat    Kind = "heartbeat"
	KindStatus       Kind = "status"
	KindShutdown     Kind = "shutdown"
	KindGraphChanged Kind = "graph_changed"
	KindPause        Kind = "pause"
	KindResume       Kind = "resume"
	KindReconfigure  Kind = "reconfigure"
)

var kinds = map[Kind]bool{
	KindSpawn: true, KindListAgents: true, KindKill: true, KindHeartbeat: true,
	KindStatus: true, KindShutdown: true, KindGraphChanged: true,
	KindPause: true, KindResume: true, KindReconfigure: true,
}

// Valid reports whether k is a known request kind.
func (k Kind) Valid() bool { return kinds[k] }

// Request is one control request. Only the fields relevant to Kind are set.
type Request struct {
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`

	TaskID   string `json:"task_id,omitempty"`  // spawn
	Executor string `json:"executor,omitempty"` // spawn
	Model    string `json:"model,omitempty"`    // spawn

	AgentID string `json:"agent_id,omitempty"` // kill, heartbeat
	Force   bool   `json:"force,omitempty"`    // kill, shutdown
	Status  string `json:"status,omitempty"`   // list_agents filter

	KillAgents bool            `json:"kill_agents,omitempty"` // shutdown
	Config     *config.Partial `json:"config,omitempty"`      // reconfigure
}

// Validate checks the fields a request kind needs.
func (r *Request) Validate() error {
	if !r.Kind.Valid() {
		return fmt.Errorf("unknown request kind %q", r.Kind)
	}
	switch r.Kind {
	case KindSpawn:
		if r.TaskID == "" {
			return errors.New("spawn requires task_id")
		}
	case KindKill, KindHeartbeat:
		if r.AgentID == "" {
			return fmt.Errorf("%s requires agent_id", r.Kind)
		}
	case KindReconfigure:
		if r.Config == nil {
			return errors.New("reconfigure requires config")
		}
	}
	return nil
}

// Response answers a Request with the same ID.
type Response struct {
	ID    string          `json:"id"`
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Success builds a successful response carrying data, which may be nil.
func Success(id string, data any) (*Response, error) {
	resp := &Response{ID: id, OK: true}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode response data: %w", err)
		}
		resp.Data = raw
	}
	return resp, nil
}

// Failure builds an error response.
func Failure(id string, err error) *Response {
	return &Response{ID: id, Error: err.Error()}
}

// RemoteError is an error reported by the daemon.
type RemoteError struct {
	Kind    Kind
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("daemon %s: %s", e.Kind, e.Message)
}

// Decode unmarshals the response data into v.
func (r *Response) Decode(v any) error {
	if len(r.Data) == 0 {
		return errors.New("response carries no data")
	}
	return json.Unmarshal(r.Data, v)
}
