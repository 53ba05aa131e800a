package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKilnErrorFormatting(t *testing.T) {
	tests := []struct {
		name string
		err  *KilnError
		want string
	}{
		{
			name: "without cause",
			err:  New(CodeStepLimit, "step limit 20 exceeded"),
			want: "STEP_LIMIT: step limit 20 exceeded",
		},
		{
			name: "with cause",
			err:  Wrap(fmt.Errorf("exit status 2"), CodeCollaborator, "generator failed"),
			want: "COLLABORATOR: generator failed - exit status 2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestKilnErrorIsMatchesByCode(t *testing.T) {
	sentinel := New(CodeStepLimit, "step limit exceeded")
	wrapped := fmt.Errorf("run aborted: %w", Wrap(nil, CodeStepLimit, "after 21 transitions"))

	assert.True(t, stderrors.Is(wrapped, sentinel))
	assert.False(t, stderrors.Is(wrapped, New(CodeCancelled, "")))
}

func TestHasCode(t *testing.T) {
	cause := New(CodeNameInUse, "container kiln-a is owned by another run")
	err := Wrap(cause, CodeCollaborator, "outer")

	assert.True(t, HasCode(err, CodeCollaborator))
	assert.True(t, HasCode(err, CodeNameInUse))
	assert.False(t, HasCode(err, CodeStepLimit))
	assert.False(t, HasCode(stderrors.New("plain"), CodeStepLimit))
	assert.False(t, HasCode(nil, CodeStepLimit))
}
