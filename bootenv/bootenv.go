// Package bootenv sets variables of the boot loader environment.
package bootenv

import (
	"context"
	"os/exec"
	"strings"

	"github.com/go-errors/errors"
)

const (
	DefaultSetEnvTool = "/usr/bin/fw_setenv"

	// RecoveryBootKey tells the boot loader to start from the recovery
	// partition.
	RecoveryBootKey = "recovery_boot"
)

type Setter interface {
	Set(ctx context.Context, key string, value string) error
}

// FwSetEnv sets variables with fw_setenv.
type FwSetEnv struct {
	Tool string
}

// Compile time check for protocol compatibility
var _ Setter = (*FwSetEnv)(nil)

func (f *FwSetEnv) Set(ctx context.Context, key string, value string) error {
	tool := f.Tool
	if tool == "" {
		tool = DefaultSetEnvTool
	}

	out, err := exec.CommandContext(ctx, tool, key, value).CombinedOutput()
	if err != nil {
		return errors.Errorf("could not set %s: %v: %s", key, err, strings.TrimSpace(string(out)))
	}

	return nil
}
