package market

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	claraerrors "clara/internal/errors"
)

func validRequest() TaskRequest {
	return TaskRequest{
		Topic:    "chat",
		Payload:  `{"prompt":"hello"}`,
		Strategy: StrategyLeastOccupied,
	}
}

func TestRegisterTasksLandsWholeBatchOnFirstBackend(t *testing.T) {
	primary := &scriptedBackend{name: "ao"}
	fallback := &scriptedBackend{name: "story"}
	service := NewRegistrationService(nil, nil, primary, fallback)

	batch, err := service.RegisterTasks(context.Background(), validRequest(), 3)
	require.NoError(t, err)
	assert.Equal(t, "ao", batch.Backend)
	assert.Len(t, batch.Assignments, 3)
	assert.Empty(t, batch.Errors)
	assert.Equal(t, 3, primary.registered)
	assert.Zero(t, fallback.registered, "fallback must not be touched on success")
}

func TestRegisterTasksFallsBackAsAWholeBatch(t *testing.T) {
	primary := &scriptedBackend{name: "ao", registerErrAfter: 1}
	fallback := &scriptedBackend{name: "story"}
	service := NewRegistrationService(nil, nil, primary, fallback)

	batch, err := service.RegisterTasks(context.Background(), validRequest(), 3)
	require.NoError(t, err)
	assert.Equal(t, "story", batch.Backend)
	assert.Len(t, batch.Assignments, 3)
	assert.Contains(t, batch.Errors, "ao")

	// Partial registrations from the failed backend never leak into the
	// returned batch.
	for id := range batch.Assignments {
		assert.True(t, strings.HasPrefix(id, "story-"), "unexpected assignment %s", id)
	}
}

func TestRegisterTasksAllBackendsReject(t *testing.T) {
	// registered already at the threshold, so the very first call fails
	first := &scriptedBackend{name: "ao", registerErrAfter: 1, registered: 1}
	second := &scriptedBackend{name: "story", registerErrAfter: 1, registered: 1}

	service := NewRegistrationService(nil, nil, first, second)
	batch, err := service.RegisterTasks(context.Background(), validRequest(), 2)
	require.Error(t, err)

	var regErr *claraerrors.RegistrationError
	require.ErrorAs(t, err, &regErr)
	assert.Equal(t, "all", regErr.Backend)
	assert.Len(t, batch.Errors, 2)
	assert.Empty(t, batch.Assignments)
}

func TestRegisterTasksValidatesRequest(t *testing.T) {
	service := NewRegistrationService(nil, nil, &scriptedBackend{name: "ao"})

	_, err := service.RegisterTasks(context.Background(), TaskRequest{Payload: "p"}, 1)
	assert.Error(t, err, "missing topic must be rejected")

	_, err = service.RegisterTasks(context.Background(), TaskRequest{Topic: "chat"}, 1)
	assert.Error(t, err, "missing payload must be rejected")

	_, err = service.RegisterTasks(context.Background(), TaskRequest{Topic: "chat", Payload: "p", Strategy: "fastest"}, 1)
	assert.Error(t, err, "unknown strategy must be rejected")
}

func TestRegisterTasksMinimumCount(t *testing.T) {
	backend := &scriptedBackend{name: "ao"}
	service := NewRegistrationService(nil, nil, backend)

	batch, err := service.RegisterTasks(context.Background(), validRequest(), 0)
	require.NoError(t, err)
	assert.Len(t, batch.Assignments, 1)
}
