// Package remount switches the root file system between read-only and
// writable through a helper systemd unit.
package remount

import (
	"context"

	"github.com/coreos/go-systemd/v22/dbus"
	"github.com/go-errors/errors"
)

const DefaultUnit = "softwared-remount-helper.service"

// Remounter makes the system writable and back.
type Remounter interface {
	Remount(ctx context.Context) error
	Revert(ctx context.Context) error
}

// UnitController is the part of the systemd manager the unit remounter
// needs.
type UnitController interface {
	StartUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	StopUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
}

type Config struct {
	Systemd UnitController
	Unit    string
	Logger  Logger
}

// Unit starts the helper unit to remount writable and stops it to revert.
type Unit struct {
	systemd UnitController
	unit    string
	log     Logger
}

// Compile time check for protocol compatibility
var _ Remounter = (*Unit)(nil)
var _ UnitController = (*dbus.Conn)(nil)

func New(config *Config) *Unit {
	u := &Unit{
		systemd: config.Systemd,
		unit:    config.Unit,
		log:     config.Logger,
	}

	if u.unit == "" {
		u.unit = DefaultUnit
	}

	if u.log == nil {
		u.log = noopLogger{}
	}

	return u
}

func (u *Unit) Remount(ctx context.Context) error {
	result := make(chan string, 1)

	if _, err := u.systemd.StartUnitContext(ctx, u.unit, "replace", result); err != nil {
		return errors.Errorf("could not start %s: %v", u.unit, err)
	}

	if err := u.wait(ctx, result); err != nil {
		return errors.Errorf("could not start %s: %v", u.unit, err)
	}

	u.log.Infof("System remounted writable")

	return nil
}

func (u *Unit) Revert(ctx context.Context) error {
	result := make(chan string, 1)

	if _, err := u.systemd.StopUnitContext(ctx, u.unit, "replace", result); err != nil {
		return errors.Errorf("could not stop %s: %v", u.unit, err)
	}

	if err := u.wait(ctx, result); err != nil {
		return errors.Errorf("could not stop %s: %v", u.unit, err)
	}

	u.log.Infof("System remounted read-only")

	return nil
}

func (u *Unit) wait(ctx context.Context, result <-chan string) error {
	select {
	case r := <-result:
		if r != "done" {
			return errors.Errorf("job finished with result %q", r)
		}

		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
