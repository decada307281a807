package app

import (
	"fmt"

	"github.com/dkeye/hostrelay/internal/core"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	KickMember
	DropFrame
)

// Policy decides what happens to a member whose send queue is full.
type Policy interface {
	OnBackPressure(member core.Member) BackpressureAction
}

// KickPolicy closes slow members.
type KickPolicy struct{}

func (KickPolicy) OnBackPressure(core.Member) BackpressureAction { return KickMember }

// DropPolicy keeps slow members and drops only the frame that did not fit.
type DropPolicy struct{}

func (DropPolicy) OnBackPressure(core.Member) BackpressureAction { return DropFrame }

func PolicyByName(name string) (Policy, error) {
	switch name {
	case "", "kick":
		return KickPolicy{}, nil
	case "drop":
		return DropPolicy{}, nil
	default:
		return nil, fmt.Errorf("unknown slow peer policy %q", name)
	}
}
