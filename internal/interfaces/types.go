package interfaces

import (
	"fmt"
	"time"
)

// ErrorKind classifies a failure observed during a run.
// The set is closed; Known reports whether a value belongs to it.
type ErrorKind string

const (
	KindDockerConfiguration ErrorKind = "DockerConfigurationError"
	KindDockerExecution     ErrorKind = "DockerExecutionError"
	KindContainerNotFound   ErrorKind = "ContainerNotFound"
	KindInternal            ErrorKind = "InternalError"
	KindDebugging           ErrorKind = "DebuggingError"
	KindUnexpected          ErrorKind = "UnexpectedError"
)

// AllErrorKinds lists every enumerated ErrorKind.
func AllErrorKinds() []ErrorKind {
	return []ErrorKind{
		KindDockerConfiguration,
		KindDockerExecution,
		KindContainerNotFound,
		KindInternal,
		KindDebugging,
		KindUnexpected,
	}
}

// Known reports whether k is one of the enumerated kinds.
func (k ErrorKind) Known() bool {
	switch k {
	case KindDockerConfiguration, KindDockerExecution, KindContainerNotFound,
		KindInternal, KindDebugging, KindUnexpected:
		return true
	}
	return false
}

// ErrorRecord describes one classified failure. Records are values: a newer
// failure replaces the record held by the run, it never edits it.
type ErrorRecord struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`
	Origin  string    `json:"origin,omitempty"`
}

// NewErrorRecord builds a record and returns it by pointer so callers can hold
// "no error" as nil.
func NewErrorRecord(kind ErrorKind, message, details, origin string) *ErrorRecord {
	return &ErrorRecord{
		Kind:    kind,
		Message: message,
		Details: details,
		Origin:  origin,
	}
}

func (r ErrorRecord) String() string {
	if r.Origin != "" {
		return fmt.Sprintf("%s (%s): %s", r.Kind, r.Origin, r.Message)
	}
	return fmt.Sprintf("%s: %s", r.Kind, r.Message)
}

// CodeArtifact is a single named source file produced for a run.
type CodeArtifact struct {
	Filename    string `json:"filename"`
	Description string `json:"description,omitempty"`
	Language    string `json:"programming_language,omitempty"`
	Content     string `json:"code"`
}

// ContainerSpec is the declarative description used to build and run the
// packaged workload.
type ContainerSpec struct {
	Dockerfile string `json:"dockerfile"`
	Compose    string `json:"docker_compose"`
}

// IsZero reports whether no spec has been produced yet.
func (s ContainerSpec) IsZero() bool {
	return s.Dockerfile == "" && s.Compose == ""
}

// Message is one transcript entry.
type Message struct {
	Role    string    `json:"role"`
	Stage   string    `json:"stage,omitempty"`
	Content string    `json:"content"`
	Time    time.Time `json:"time"`
}
