package common

import "errors"

// ErrModulePaused is returned by every mutating engine call while the module's
// switch is set. The HTTP layer maps it to 503 so clients back off rather than
// retry into a halt.
var ErrModulePaused = errors.New("module paused")

// PauseView reports whether a module's mutating surface is administratively
// halted. The market, escrow and settlement engines each consult it under
// their own module name before touching state; reads stay available during a
// halt.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard checks the pause switch for a module. A nil view or empty module name
// means no switchboard is wired and the call proceeds.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}
