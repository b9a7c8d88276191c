package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestBuildError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *BuildError
		expected string
	}{
		{
			name:     "error without cause",
			err:      New(CategoryNotFound, "build profile not found"),
			expected: "not_found (error): build profile not found",
		},
		{
			name:     "error with cause",
			err:      Wrap(fmt.Errorf("permission denied"), CategorySpawn, "build command could not be launched"),
			expected: "spawn (error): build command could not be launched: permission denied",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := test.err.Error()
			if result != test.expected {
				t.Errorf("Error() = %q, want %q", result, test.expected)
			}
		})
	}
}

func TestBuildError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("disk full")
	err := PersistenceFailure("upsert", cause)

	if !stdErrors.Is(err, cause) {
		t.Error("expected errors.Is to find the cause")
	}
}

func TestCategoryOf(t *testing.T) {
	if got := CategoryOf(ProfileNotFound("web")); got != CategoryNotFound {
		t.Errorf("CategoryOf = %v, want %v", got, CategoryNotFound)
	}
	if got := CategoryOf(fmt.Errorf("plain")); got != CategoryInternal {
		t.Errorf("CategoryOf(plain) = %v, want %v", got, CategoryInternal)
	}
	// Category survives fmt wrapping.
	wrapped := fmt.Errorf("start failed: %w", AlreadyBusy("web", "running"))
	if !Is(wrapped, CategoryAlreadyBusy) {
		t.Error("expected wrapped error to keep its category")
	}
}

func TestConstructorsCarryContext(t *testing.T) {
	err := AlreadyBusy("api", "queued")
	if err.Context["profile"] != "api" {
		t.Errorf("Context[profile] = %v, want api", err.Context["profile"])
	}
	if err.Context["status"] != "queued" {
		t.Errorf("Context[status] = %v, want queued", err.Context["status"])
	}
}
