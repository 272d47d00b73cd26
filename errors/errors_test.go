package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name      string
		op        Op
		component string
		code      ErrorCode
		err       error
		want      string
	}{
		{
			name:      "with component and code",
			op:        OpSave,
			component: "storage/sqlite",
			code:      ErrCodeStorageFailure,
			err:       fmt.Errorf("disk full"),
			want:      "save failed in storage/sqlite [STORAGE_FAILURE]: disk full",
		},
		{
			name:      "with component no code",
			op:        OpLoad,
			component: "record-store",
			err:       fmt.Errorf("bad blob"),
			want:      "load failed in record-store: bad blob",
		},
		{
			name: "without component with code",
			op:   OpRefresh,
			code: ErrCodeRefreshFailure,
			err:  fmt.Errorf("network error"),
			want: "refresh failed [REFRESH_FAILURE]: network error",
		},
		{
			name: "without op",
			err:  fmt.Errorf("boom"),
			want: "operation failed: boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &Error{
				Op:        tt.op,
				Component: tt.component,
				Err:       tt.err,
				Code:      tt.code,
			}

			if got := e.Error(); got != tt.want {
				t.Errorf("Error.Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestE_Builder(t *testing.T) {
	cause := errors.New("missing holder")
	err := E(Op("lease.Acquire"), Component("lease-manager"), KindInvalid, cause, "holder id is required")

	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("E() did not return *Error: %T", err)
	}
	if e.Op != "lease.Acquire" {
		t.Errorf("Op = %v", e.Op)
	}
	if e.Component != "lease-manager" {
		t.Errorf("Component = %v", e.Component)
	}
	if e.Kind != KindInvalid {
		t.Errorf("Kind = %v", e.Kind)
	}
	if e.Code != ErrCodeValidationFailure {
		t.Errorf("Code = %v, want derived %v", e.Code, ErrCodeValidationFailure)
	}
	if e.Err != cause {
		t.Errorf("Err = %v, want %v", e.Err, cause)
	}
	if e.Metadata["detail"] != "holder id is required" {
		t.Errorf("detail = %v", e.Metadata["detail"])
	}
	if e.Retryable {
		t.Error("validation errors must not be retryable")
	}
}

func TestE_StringBecomesCause(t *testing.T) {
	err := E(Op("config.Load"), KindInvalid, "stale threshold must be below expired threshold")
	if err.Error() != "config.Load failed [VALIDATION_FAILURE]: stale threshold must be below expired threshold" {
		t.Errorf("unexpected message: %s", err.Error())
	}
}

func TestE_InheritsKind(t *testing.T) {
	inner := NewStorageError(OpSave, "storage/memory", fmt.Errorf("closed"))
	outer := E(Op("record.persist"), Component("record-store"), inner)

	if !Is(KindPersistence, outer) {
		t.Error("expected wrapped error to keep persistence kind")
	}
	if !IsRetryable(outer) {
		t.Error("expected persistence errors to be retryable")
	}
	if !errors.Is(outer, inner) {
		t.Error("expected errors.Is to find the inner error")
	}
}

func TestNewStorageError(t *testing.T) {
	cause := fmt.Errorf("storage failure")
	e := NewStorageError(OpSave, "storage/sqlite", cause)

	if e.Code != ErrCodeStorageFailure {
		t.Errorf("NewStorageError() Code = %v, want %v", e.Code, ErrCodeStorageFailure)
	}
	if e.Kind != KindPersistence {
		t.Errorf("NewStorageError() Kind = %v", e.Kind)
	}
	if e.Err != cause {
		t.Errorf("NewStorageError() Err = %v, want %v", e.Err, cause)
	}
	if !e.Retryable {
		t.Error("NewStorageError() created non-retryable error")
	}
}

func TestNewValidationError(t *testing.T) {
	cause := fmt.Errorf("validation failed")
	e := NewValidationError(OpValidate, "record-store", cause)

	if e.Code != ErrCodeValidationFailure {
		t.Errorf("NewValidationError() Code = %v, want %v", e.Code, ErrCodeValidationFailure)
	}
	if e.Retryable {
		t.Error("NewValidationError() created retryable error when it shouldn't")
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindOther},
		{"plain", fmt.Errorf("plain"), KindOther},
		{"refresh", NewRefreshError(OpRefresh, "freshness-tracker", fmt.Errorf("timeout")), KindRefresh},
		{"wrapped", fmt.Errorf("outer: %w", NewConfigError("config", fmt.Errorf("bad"))), KindInvalid},
		{"kindless wrapper", &Error{Op: OpLoad, Err: NewValidationError(OpLoad, "x", fmt.Errorf("y"))}, KindInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"refresh error", NewRefreshError(OpRefresh, "", fmt.Errorf("temporary")), true},
		{"validation error", NewValidationError(OpValidate, "", fmt.Errorf("permanent")), false},
		{"standard error", fmt.Errorf("standard"), false},
		{"wrapped retryable", fmt.Errorf("wrapped: %w", NewStorageError(OpSave, "", fmt.Errorf("x"))), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}
