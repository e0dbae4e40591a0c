package errors

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *AppError
		want string
	}{
		{
			name: "without wrapped error",
			err:  New(CodeValidation, "invalid input"),
			want: "VALIDATION_ERROR: invalid input",
		},
		{
			name: "with wrapped error",
			err:  Wrap(CodeInternal, "something failed", errors.New("underlying")),
			want: "INTERNAL_ERROR: something failed: underlying",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	underlying := errors.New("underlying error")
	err := Wrap(CodeInternal, "wrapped", underlying)

	if unwrapped := err.Unwrap(); unwrapped != underlying {
		t.Errorf("Unwrap() = %v, want %v", unwrapped, underlying)
	}
}

func TestAppError_HTTPStatus(t *testing.T) {
	tests := []struct {
		code   string
		status int
	}{
		{CodeValidation, http.StatusBadRequest},
		{CodeInvalidRequest, http.StatusBadRequest},
		{CodeNotFound, http.StatusNotFound},
		{CodeRateLimited, http.StatusTooManyRequests},
		{CodeUnavailable, http.StatusServiceUnavailable},
		{CodeTimeout, http.StatusGatewayTimeout},
		{CodeInternal, http.StatusInternalServerError},
		{CodePrediction, http.StatusInternalServerError},
		{CodeEvaluation, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := New(tt.code, "test")
			if status := err.HTTPStatus(); status != tt.status {
				t.Errorf("HTTPStatus() = %d, want %d", status, tt.status)
			}
		})
	}
}

func TestAppError_WithDetail(t *testing.T) {
	err := New(CodeValidation, "invalid").
		WithDetail("field", "model").
		WithDetail("reason", "required")

	if err.Details["field"] != "model" {
		t.Errorf("Details[field] = %s, want model", err.Details["field"])
	}

	if err.Details["reason"] != "required" {
		t.Errorf("Details[reason] = %s, want required", err.Details["reason"])
	}
}

func TestConvenienceConstructors(t *testing.T) {
	t.Run("NotFoundError", func(t *testing.T) {
		err := NotFoundError("job")
		if err.Code != CodeNotFound {
			t.Errorf("Code = %s, want %s", err.Code, CodeNotFound)
		}
		if err.Message != "job not found" {
			t.Errorf("Message = %s, want 'job not found'", err.Message)
		}
	})

	t.Run("PredictionError", func(t *testing.T) {
		underlying := errors.New("exit status 1")
		err := PredictionError("prediction failed", underlying)
		if err.Code != CodePrediction {
			t.Errorf("Code = %s, want %s", err.Code, CodePrediction)
		}
		if err.Unwrap() != underlying {
			t.Error("Underlying error not preserved")
		}
	})

	t.Run("RateLimitedError", func(t *testing.T) {
		err := RateLimitedError(3)
		if err.Details["retry_after"] != "3" {
			t.Errorf("retry_after = %q, want 3", err.Details["retry_after"])
		}
	})
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		status    int
		wantError string
	}{
		{"validation", ValidationError("Invalid request body"), http.StatusBadRequest, "Invalid request body"},
		{"prediction keeps message", PredictionError("prediction command exited with status 2", nil), http.StatusInternalServerError, "prediction command exited with status 2"},
		{"plain error sanitized", errors.New("secret path /etc"), http.StatusInternalServerError, "internal server error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteError(rec, tt.err)

			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
			var resp ErrorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("failed to unmarshal: %v", err)
			}
			if resp.Error != tt.wantError {
				t.Errorf("error = %q, want %q", resp.Error, tt.wantError)
			}
		})
	}
}

func TestWriteErrorWithStatus_ClientError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteErrorWithStatus(rec, http.StatusNotFound, errors.New("no such job"))

	var resp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if resp.Code != CodeNotFound {
		t.Errorf("code = %s, want %s", resp.Code, CodeNotFound)
	}
	if resp.Error != "no such job" {
		t.Errorf("error = %q, want %q", resp.Error, "no such job")
	}
}
