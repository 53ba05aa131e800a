package collaborator

import (
	"context"
	"errors"
	"fmt"

	"github.com/dangazineu/kiln/internal/interfaces"
)

// ErrNotConfigured is returned by a role with no implementation configured.
var ErrNotConfigured = errors.New("collaborator not configured")

// Unconfigured stands in for a role nobody provides. A run that needs it
// fails at that stage instead of at startup.
type Unconfigured struct {
	Role string
}

func (u Unconfigured) err() error {
	return fmt.Errorf("%s: %w", u.Role, ErrNotConfigured)
}

func (u Unconfigured) Generate(context.Context, string) ([]interfaces.CodeArtifact, error) {
	return nil, u.err()
}

func (u Unconfigured) Package(context.Context, []interfaces.CodeArtifact) (interfaces.ContainerSpec, error) {
	return interfaces.ContainerSpec{}, u.err()
}

func (u Unconfigured) RepairCode(context.Context, []interfaces.CodeArtifact, interfaces.ErrorRecord) (interfaces.CodeArtifact, error) {
	return interfaces.CodeArtifact{}, u.err()
}

func (u Unconfigured) RepairSpec(context.Context, interfaces.ContainerSpec, interfaces.ErrorRecord, []interfaces.Message) (interfaces.ContainerSpec, error) {
	return interfaces.ContainerSpec{}, u.err()
}
