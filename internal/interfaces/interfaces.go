package interfaces

import (
	"context"
)

// Generator turns a requirement into an ordered code set.
type Generator interface {
	Generate(ctx context.Context, requirement string) ([]CodeArtifact, error)
}

// Packager produces the container spec for a code set.
type Packager interface {
	Package(ctx context.Context, codeSet []CodeArtifact) (ContainerSpec, error)
}

// CodeRepairer returns one replacement artifact for a failing code set.
// The engine locates the artifact to replace by filename.
type CodeRepairer interface {
	RepairCode(ctx context.Context, codeSet []CodeArtifact, failure ErrorRecord) (CodeArtifact, error)
}

// SpecRepairer returns a revised container spec after a build or
// configuration failure.
type SpecRepairer interface {
	RepairSpec(ctx context.Context, spec ContainerSpec, failure ErrorRecord, transcript []Message) (ContainerSpec, error)
}

// Documenter produces documentation artifacts for a finalized code set.
type Documenter interface {
	Document(ctx context.Context, codeSet []CodeArtifact) ([]CodeArtifact, error)
}

// Collaborators bundles the external stage implementations used by a run.
type Collaborators struct {
	Generator    Generator
	Packager     Packager
	CodeRepairer CodeRepairer
	SpecRepairer SpecRepairer
	Documenter   Documenter
}
