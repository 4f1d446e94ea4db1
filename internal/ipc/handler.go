package ipc

import (
	"errors"
	"fmt"

	"latencyregulator/internal/modesignal"
	"latencyregulator/internal/regulator"
)

// ErrModeNotSwitchable is returned for set_mode when the daemon does not take its
// mode from IPC.
var ErrModeNotSwitchable = errors.New("mode is not switchable over ipc")

// Handler executes decoded requests.
type Handler interface {
	EditConfig(mode regulator.Mode, patch regulator.ConfigPatch) (regulator.Config, error)
	GetConfig(mode regulator.Mode) (regulator.Config, error)
	SetMode(mode regulator.Mode) error
	Status() StatusData
}

// Dispatch runs req against h and builds the response.
func Dispatch(h Handler, req Request) Response {
	switch r := req.(type) {
	case EditConfig:
		if r.ConfigPatch.Empty() {
			return errorResponse(errors.New("edit_config: no fields to change"))
		}
		cfg, err := h.EditConfig(r.Mode, r.ConfigPatch)
		if err != nil {
			return errorResponse(err)
		}
		return okResponse(cfg)

	case GetConfig:
		cfg, err := h.GetConfig(r.Mode)
		if err != nil {
			return errorResponse(err)
		}
		return okResponse(cfg)

	case SetMode:
		if err := h.SetMode(r.Mode); err != nil {
			return errorResponse(err)
		}
		return okResponse(nil)

	case GetStatus:
		return okResponse(h.Status())

	default:
		return errorResponse(fmt.Errorf("unsupported request type: %T", req))
	}
}

// ControllerHandler serves requests from a regulator.Controller. Switch is the IPC
// mode source; nil when the daemon reads its mode elsewhere.
type ControllerHandler struct {
	Controller *regulator.Controller
	Switch     *modesignal.Switch
	ModeSource string
}

func (h ControllerHandler) EditConfig(mode regulator.Mode, patch regulator.ConfigPatch) (regulator.Config, error) {
	return h.Controller.OnConfigEdited(mode, patch)
}

func (h ControllerHandler) GetConfig(mode regulator.Mode) (regulator.Config, error) {
	return h.Controller.Config(mode)
}

func (h ControllerHandler) SetMode(mode regulator.Mode) error {
	if h.Switch == nil {
		return fmt.Errorf("%w (mode source is %s)", ErrModeNotSwitchable, h.ModeSource)
	}
	return h.Switch.Set(mode)
}

func (h ControllerHandler) Status() StatusData {
	return StatusData{ModeSource: h.ModeSource, Sessions: h.Controller.Sessions()}
}
