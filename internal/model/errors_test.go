package model

import (
	"errors"
	"fmt"
	"testing"
)

func TestAPIErrorConstructors(t *testing.T) {
	tests := []struct {
		name     string
		err      *APIError
		code     string
		category string
	}{
		{"network", NewNetworkFailureError("timeout"), ErrCodeNetworkFailure, CategoryNetwork},
		{"validation", NewValidationError("bad"), ErrCodeValidationFailure, CategoryValidation},
		{"backend", NewBackendRejectionError("taken", "Signup failed"), ErrCodeBackendRejection, CategoryBackend},
		{"denied", NewAccessDeniedError(), ErrCodeAccessDenied, CategoryAuth},
		{"unauthenticated", NewUnauthenticatedError(), ErrCodeUnauthenticated, CategoryAuth},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.code {
				t.Errorf("Code = %q, want %q", tt.err.Code, tt.code)
			}
			if tt.err.Category != tt.category {
				t.Errorf("Category = %q, want %q", tt.err.Category, tt.category)
			}
			if tt.err.Action == "" {
				t.Error("Action should not be empty")
			}
		})
	}
}

func TestNewBackendRejectionError_Fallback(t *testing.T) {
	if got := NewBackendRejectionError("", "Login failed").Message; got != "Login failed" {
		t.Errorf("Message = %q, want %q", got, "Login failed")
	}
	if got := NewBackendRejectionError("Invalid password", "Login failed").Message; got != "Invalid password" {
		t.Errorf("Message = %q, want %q", got, "Invalid password")
	}
}

func TestAccessDenied_UsesSingleMessage(t *testing.T) {
	if got := NewAccessDeniedError().Message; got != DenialMessage {
		t.Errorf("Message = %q, want %q", got, DenialMessage)
	}
}

func TestIsCategory_WrappedError(t *testing.T) {
	err := fmt.Errorf("signin: %w", NewNetworkFailureError("down"))
	if !IsCategory(err, CategoryNetwork) {
		t.Error("wrapped network error should be detected")
	}
	if IsCategory(errors.New("plain"), CategoryNetwork) {
		t.Error("plain error should not match a category")
	}
}

func TestMessageOf(t *testing.T) {
	if got := MessageOf(NewValidationError("Fix it"), "fallback"); got != "Fix it" {
		t.Errorf("MessageOf(APIError) = %q, want %q", got, "Fix it")
	}
	if got := MessageOf(errors.New("raw internal detail"), "fallback"); got != "fallback" {
		t.Errorf("MessageOf(plain) = %q, want %q", got, "fallback")
	}
	if got := MessageOf(&APIError{Code: "X"}, "fallback"); got != "fallback" {
		t.Errorf("MessageOf(empty message) = %q, want %q", got, "fallback")
	}
}
