package errdefs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind string
	}{
		{"nil", nil, ""},
		{"not found", NotFoundf("workflow %s", "wf-1"), "not_found"},
		{"invalid state", InvalidStatef("cannot pause %s workflow", "completed"), "invalid_state"},
		{"invalid configuration", InvalidConfigurationf("batch_size must be positive"), "invalid_configuration"},
		{"permission denied", PermissionDeniedf("role %s cannot create rules", "viewer"), "permission_denied"},
		{"lease unavailable", LeaseUnavailablef("workflow %s already locked", "wf-1"), "lease_unavailable"},
		{"timeout", Timeoutf("step %s exceeded %s", "step-1-1", "5m"), "timeout"},
		{"dependency unavailable", DependencyUnavailablef("cache unreachable"), "dependency_unavailable"},
		{"internal", Internalf("unexpected"), "internal"},
		{"unknown error", errors.New("boom"), "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, Kind(tt.err))
		})
	}
}

func TestPredicatesSurviveWrapping(t *testing.T) {
	err := NotFoundf("rule %s", "r-1")
	wrapped := fmt.Errorf("evaluating: %w", err)

	assert.True(t, IsNotFound(wrapped))
	assert.False(t, IsInvalidState(wrapped))
	assert.Equal(t, "not_found", Kind(wrapped))
	assert.Contains(t, wrapped.Error(), "rule r-1")
}
