package collaborator

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/dangazineu/kiln/internal/config"
	"github.com/dangazineu/kiln/internal/interfaces"
)

// Bundle builds the collaborators a run needs from configuration. A role
// with a command uses it; the generator and packager otherwise read the
// source directory. Repairers with neither are left unconfigured, and a
// missing documenter is simply skipped. A generator is required.
func Bundle(cfg config.CollaboratorsConfig, logger *zap.Logger) (interfaces.Collaborators, error) {
	var (
		bundle interfaces.Collaborators
		dir    *Directory
	)
	if cfg.SourceDir != "" {
		d, err := NewDirectory(cfg.SourceDir)
		if err != nil {
			return bundle, err
		}
		dir = d
	}

	command := func(role string, argv []string) (*Command, error) {
		if len(argv) == 0 {
			return nil, nil
		}
		c, err := NewCommand(argv, logger)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", role, err)
		}
		return c, nil
	}

	generator, err := command("generator", cfg.Generator)
	if err != nil {
		return bundle, err
	}
	switch {
	case generator != nil:
		bundle.Generator = generator
	case dir != nil:
		bundle.Generator = dir
	default:
		return bundle, errors.New("no generator configured: set collaborators.generator or collaborators.source_dir")
	}

	packager, err := command("packager", cfg.Packager)
	if err != nil {
		return bundle, err
	}
	switch {
	case packager != nil:
		bundle.Packager = packager
	case dir != nil:
		bundle.Packager = dir
	default:
		bundle.Packager = Unconfigured{Role: "packager"}
	}

	codeRepairer, err := command("code_repairer", cfg.CodeRepairer)
	if err != nil {
		return bundle, err
	}
	if codeRepairer != nil {
		bundle.CodeRepairer = codeRepairer
	} else {
		bundle.CodeRepairer = Unconfigured{Role: "code_repairer"}
	}

	specRepairer, err := command("spec_repairer", cfg.SpecRepairer)
	if err != nil {
		return bundle, err
	}
	if specRepairer != nil {
		bundle.SpecRepairer = specRepairer
	} else {
		bundle.SpecRepairer = Unconfigured{Role: "spec_repairer"}
	}

	documenter, err := command("documenter", cfg.Documenter)
	if err != nil {
		return bundle, err
	}
	if documenter != nil {
		bundle.Documenter = documenter
	}
	return bundle, nil
}
