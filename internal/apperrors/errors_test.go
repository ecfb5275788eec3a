package apperrors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRetryable(t *testing.T) {
	cause := errors.New("boom")

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"foreign error", cause, false},
		{"timeout", Timeout("engine.Invoke", cause, "timed out"), true},
		{"cli execution", CLIExecution("engine.Invoke", cause, "exit 1"), true},
		{"wrapped timeout", fmt.Errorf("attempt 2: %w", Timeout("op", nil, "slow")), true},
		{"validation", Validation("op", "prompt", "empty"), false},
		{"security", Security("op", "rejected"), false},
		{"parse", Parse("op", cause, "bad json"), false},
		{"configuration", Configuration("op", "bad"), false},
		{"cache marked retryable", &Error{Kind: KindCache, Retryable: true}, true},
		{"cache marked retryable but fatal", &Error{Kind: KindCache, Retryable: true, Fatal: true}, false},
		{"timeout marked fatal", &Error{Kind: KindTimeout, Fatal: true}, false},
		{"internal unmarked", &Error{Kind: KindInternal}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestErrorFormattingAndUnwrap(t *testing.T) {
	cause := errors.New("exit status 2")
	err := CLIExecution("engine.Invoke", cause, "codex failed")

	assert.Equal(t, "engine.Invoke: codex failed: exit status 2", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, &Error{Kind: KindCLIExecution})
	assert.NotErrorIs(t, err, &Error{Kind: KindTimeout})
}

func TestKindOfAndCode(t *testing.T) {
	v := Validation("orchestrator.Analyze", "prompt", "prompt must not be empty")
	assert.Equal(t, KindValidation, KindOf(v))
	assert.Equal(t, "VALIDATION_ERROR", Code(v))
	assert.Equal(t, "prompt", v.Details["field"])

	assert.Equal(t, KindTimeout, KindOf(context.DeadlineExceeded))
	assert.Equal(t, KindUnknown, KindOf(errors.New("x")))
	assert.Equal(t, "UNKNOWN_ERROR", Code(errors.New("x")))
	assert.True(t, IsKind(Security("op", "no"), KindSecurity))
}

func TestSecurityAndConfigurationAreFatal(t *testing.T) {
	assert.True(t, Security("op", "x").Fatal)
	assert.True(t, Configuration("op", "x").Fatal)
}

func TestWrapPreservesTaggedErrors(t *testing.T) {
	inner := Security("validator", "path not allowed")
	wrapped := Wrap(KindInternal, "outer", inner)
	require.Same(t, inner, wrapped)

	plain := Wrap(KindCache, "cache.Set", errors.New("disk full"))
	assert.Equal(t, KindCache, KindOf(plain))
	assert.Nil(t, Wrap(KindCache, "op", nil))
}
