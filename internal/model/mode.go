package model

import (
	"fmt"
	"strings"
)

type ModeKind string

const (
	ModeSafe    ModeKind = "safe"
	ModeFast    ModeKind = "fast"
	ModeFastest ModeKind = "fastest"
)

// ModeConfig is the stored, flat form of a task's checkout mode. Workers
// decode it once with DecodeMode and only ever see the typed variants.
type ModeConfig struct {
	Kind           ModeKind `json:"kind,omitempty"`
	Preload        bool     `json:"preload,omitempty"`
	PreloadMonitor string   `json:"preloadMonitor,omitempty"`
	ShippingRate   string   `json:"shippingRate,omitempty"`
}

type Mode interface {
	Kind() ModeKind
	mode()
}

// SafeMode walks every checkout page. With Preload set, a throwaway item is
// carted in parallel so the checkout session exists before the drop.
type SafeMode struct {
	Preload *Preload
}

type Preload struct {
	Monitor string
}

type FastMode struct{}

// FastestMode opens the checkout from a cart permalink and sends the
// configured shipping rate along with the contact step.
type FastestMode struct {
	ShippingRate string
}

func (SafeMode) Kind() ModeKind    { return ModeSafe }
func (FastMode) Kind() ModeKind    { return ModeFast }
func (FastestMode) Kind() ModeKind { return ModeFastest }

func (SafeMode) mode()    {}
func (FastMode) mode()    {}
func (FastestMode) mode() {}

func DecodeMode(cfg ModeConfig) (Mode, error) {
	kind := ModeKind(strings.ToLower(strings.TrimSpace(string(cfg.Kind))))
	switch kind {
	case "", ModeSafe:
		m := SafeMode{}
		if cfg.Preload {
			m.Preload = &Preload{Monitor: strings.TrimSpace(cfg.PreloadMonitor)}
		}
		return m, nil
	case ModeFast:
		if cfg.Preload {
			return nil, fmt.Errorf("mode %s: preload is only supported in safe mode", kind)
		}
		return FastMode{}, nil
	case ModeFastest:
		if cfg.Preload {
			return nil, fmt.Errorf("mode %s: preload is only supported in safe mode", kind)
		}
		return FastestMode{ShippingRate: strings.TrimSpace(cfg.ShippingRate)}, nil
	default:
		return nil, fmt.Errorf("unknown checkout mode %q", cfg.Kind)
	}
}
