package ipc

import (
	"encoding/json"
	"fmt"

	"latencyregulator/internal/regulator"
)

// ============================================================================
// Requests
// ============================================================================
// Wire format: {"type": "edit_config", "data": {...}}
// ============================================================================

// Request is a marker interface for every IPC request.
type Request interface {
	requestMarker()
}

// EditConfig merges the given fields into the stored config for Mode. Fields are
// inlined next to "mode": {"mode": "low", "target_latency": 0.8}.
type EditConfig struct {
	Mode regulator.Mode `json:"mode"`
	regulator.ConfigPatch
}

func (EditConfig) requestMarker() {}

// GetConfig returns the effective stored config for Mode.
type GetConfig struct {
	Mode regulator.Mode `json:"mode"`
}

func (GetConfig) requestMarker() {}

// SetMode switches the active mode when the daemon's mode source is IPC.
type SetMode struct {
	Mode regulator.Mode `json:"mode"`
}

func (SetMode) requestMarker() {}

// GetStatus returns a snapshot of every attached session.
type GetStatus struct{}

func (GetStatus) requestMarker() {}

// Envelope wraps a request with a type discriminator for JSON marshaling
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

const (
	typeEditConfig = "edit_config"
	typeGetConfig  = "get_config"
	typeSetMode    = "set_mode"
	typeStatus     = "status"
)

// UnmarshalRequest decodes a JSON envelope into a concrete Request.
func UnmarshalRequest(data []byte) (Request, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	switch env.Type {
	case typeEditConfig:
		var r EditConfig
		if err := json.Unmarshal(env.Data, &r); err != nil {
			return nil, fmt.Errorf("unmarshal EditConfig: %w", err)
		}
		return r, nil

	case typeGetConfig:
		var r GetConfig
		if err := json.Unmarshal(env.Data, &r); err != nil {
			return nil, fmt.Errorf("unmarshal GetConfig: %w", err)
		}
		return r, nil

	case typeSetMode:
		var r SetMode
		if err := json.Unmarshal(env.Data, &r); err != nil {
			return nil, fmt.Errorf("unmarshal SetMode: %w", err)
		}
		return r, nil

	case typeStatus:
		return GetStatus{}, nil

	default:
		return nil, fmt.Errorf("unknown request type: %q", env.Type)
	}
}

// MarshalRequest encodes a Request into a JSON envelope.
func MarshalRequest(r Request) ([]byte, error) {
	var env Envelope

	switch r := r.(type) {
	case EditConfig:
		env.Type = typeEditConfig
	case GetConfig:
		env.Type = typeGetConfig
	case SetMode:
		env.Type = typeSetMode
	case GetStatus:
		env.Type = typeStatus
		return json.Marshal(env)
	default:
		return nil, fmt.Errorf("unsupported request type: %T", r)
	}

	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", env.Type, err)
	}
	env.Data = data
	return json.Marshal(env)
}

// ============================================================================
// Responses
// ============================================================================

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Response is sent back for every request line.
type Response struct {
	Status string          `json:"status"`
	Error  string          `json:"error,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// StatusData is the payload of a status response.
type StatusData struct {
	ModeSource string             `json:"mode_source"`
	Sessions   []regulator.Status `json:"sessions"`
}

func errorResponse(err error) Response {
	return Response{Status: StatusError, Error: err.Error()}
}

func okResponse(v any) Response {
	if v == nil {
		return Response{Status: StatusOK}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return errorResponse(fmt.Errorf("marshal response: %w", err))
	}
	return Response{Status: StatusOK, Data: data}
}
