package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestAPIError(t *testing.T) {
	tests := []struct {
		name      string
		code      string
		message   string
		details   string
		requestID string
	}{
		{
			name:      "Invalid reaction",
			code:      CodeInvalidReaction,
			message:   "Invalid reaction value",
			details:   "reaction must be \"+\" or \"0\"",
			requestID: "req-123",
		},
		{
			name:      "Database error",
			code:      CodeDatabaseError,
			message:   "Database connection failed",
			details:   "Unable to connect to PostgreSQL",
			requestID: "req-456",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewAPIError(tt.code, tt.message, tt.details, tt.requestID)

			if err.Code != tt.code {
				t.Errorf("Expected code %s, got %s", tt.code, err.Code)
			}

			if err.Message != tt.message {
				t.Errorf("Expected message %s, got %s", tt.message, err.Message)
			}

			if err.Details != tt.details {
				t.Errorf("Expected details %s, got %s", tt.details, err.Details)
			}

			if err.RequestID != tt.requestID {
				t.Errorf("Expected requestID %s, got %s", tt.requestID, err.RequestID)
			}

			if time.Since(err.Timestamp) > time.Minute {
				t.Errorf("Timestamp should be recent, got %v", err.Timestamp)
			}

			expectedError := tt.code + ": " + tt.message
			if err.Error() != expectedError {
				t.Errorf("Expected error string %s, got %s", expectedError, err.Error())
			}
		})
	}
}

func TestValidationError(t *testing.T) {
	err := NewValidationError("rule_data.antigen_pairs", "at least one antigen pair is required", nil)

	expected := "validation error for field 'rule_data.antigen_pairs': at least one antigen pair is required"
	if err.Error() != expected {
		t.Errorf("Expected %q, got %q", expected, err.Error())
	}

	wrapped := fmt.Errorf("create rule: %w", err)
	if !errors.Is(wrapped, ErrValidationFailed) {
		t.Error("wrapped validation error should match ErrValidationFailed")
	}

	var ve *ValidationError
	if !errors.As(wrapped, &ve) || ve.Field != "rule_data.antigen_pairs" {
		t.Errorf("expected ValidationError for field rule_data.antigen_pairs, got %v", ve)
	}
}
