package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/fieldsync/internal/op"
	"github.com/roach88/fieldsync/internal/remote"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want op.Outcome
	}{
		{"nil", nil, op.OutcomeSuccess},
		{"transient", fmt.Errorf("put: %w", remote.ErrTransient), op.OutcomeRetryable},
		{"deadline", context.DeadlineExceeded, op.OutcomeRetryable},
		{"net", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, op.OutcomeRetryable},
		{"unknown", errors.New("something odd"), op.OutcomeRetryable},
		{"conflict", fmt.Errorf("update: %w", remote.ErrVersionConflict), op.OutcomeConflict},
		{"not found", fmt.Errorf("update: %w", remote.ErrNotFound), op.OutcomeFatal},
		{"fatal", fmt.Errorf("permission: %w", remote.ErrFatal), op.OutcomeFatal},
		{"sync transient", &SyncError{Code: ErrCodeTransient}, op.OutcomeRetryable},
		{"sync fatal", &SyncError{Code: ErrCodeFatal}, op.OutcomeFatal},
		{"sync conflict", &SyncError{Code: ErrCodeVersionConflict}, op.OutcomeConflict},
		{"sync code wins", &SyncError{Code: ErrCodeTransient, Err: remote.ErrFatal}, op.OutcomeRetryable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestSyncError_MessageAndUnwrap(t *testing.T) {
	err := &SyncError{Code: ErrCodeTransient, Message: "merge blob reference", OpID: "op-1", Err: remote.ErrTransient}

	assert.Equal(t, "TRANSIENT: merge blob reference: transient remote failure (op=op-1)", err.Error())
	assert.ErrorIs(t, err, remote.ErrTransient)

	wrapped := fmt.Errorf("cycle: %w", err)
	assert.True(t, IsTransient(wrapped))
	assert.False(t, IsFatal(wrapped))
}

func TestOperationError(t *testing.T) {
	at := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)

	assert.Nil(t, OperationError(op.Operation{ID: "a", Status: op.StatusPending}))
	assert.True(t, IsConflict(OperationError(op.Operation{ID: "b", Status: op.StatusConflict, Error: "version conflict"})))
	assert.True(t, IsFatal(OperationError(op.Operation{ID: "c", Status: op.StatusFailed, Error: FatalPrefix + "denied"})))
	assert.True(t, IsRetryExhausted(OperationError(op.Operation{ID: "d", Status: op.StatusFailed, Error: ExhaustedPrefix + "503"})))
	assert.True(t, IsTransient(OperationError(op.Operation{ID: "e", Status: op.StatusRetrying, Retries: 1, LastAttemptAt: &at, Error: "503"})))

	err := OperationError(op.Operation{ID: "c", Status: op.StatusFailed, Error: FatalPrefix + "denied"})
	assert.Equal(t, "FATAL: denied (op=c)", err.Error())
}
