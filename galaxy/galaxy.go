// Package galaxy reaches the live components ("stars") running on the
// device, which accept configuration orbits without being restarted.
package galaxy

import "github.com/the-lightning-land/softwared/operation"

// Star is a running component. Both operations are returned started.
type Star interface {
	Name() string
	InjectOrbit(orbit string) *operation.Operation
	DeinjectOrbit() *operation.Operation
}

// Manager knows the stars currently running.
type Manager interface {
	Stars() []Star
}

// StarList is a fixed set of stars.
type StarList []Star

func (l StarList) Stars() []Star {
	return l
}
