package fserr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestWrapPreservesSentinel(t *testing.T) {
	cause := fmt.Errorf("dial tcp: connection refused")
	err := Wrap(CodeConnection, "ledger dial failed", cause)

	if !errors.Is(err, ErrConnection) {
		t.Error("wrapped error should match ErrConnection sentinel")
	}
	if !errors.Is(err, cause) {
		t.Error("wrapped error should match the underlying cause")
	}
	if CodeOf(err) != CodeConnection {
		t.Errorf("CodeOf = %s, want %s", CodeOf(err), CodeConnection)
	}
}

func TestCodeOfBareSentinel(t *testing.T) {
	if got := CodeOf(ErrQuotaExceeded); got != CodeQuotaExceeded {
		t.Errorf("CodeOf(ErrQuotaExceeded) = %s, want %s", got, CodeQuotaExceeded)
	}
	if got := CodeOf(errors.New("mystery")); got != CodeInternal {
		t.Errorf("CodeOf(unknown) = %s, want %s", got, CodeInternal)
	}
}

func TestMessageOfHidesInternals(t *testing.T) {
	internal := fmt.Errorf("pq: relation quota_records does not exist")
	err := Wrap(CodeInternal, "quota lookup failed", internal)

	msg := MessageOf(err)
	if msg != "quota lookup failed" {
		t.Errorf("MessageOf = %q, want client-safe message", msg)
	}

	if got := MessageOf(errors.New("stacktrace: ...")); got != "internal error" {
		t.Errorf("MessageOf(unknown) = %q, want generic message", got)
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		code Code
		want int
	}{
		{CodeValidation, http.StatusBadRequest},
		{CodeUnsupportedType, http.StatusBadRequest},
		{CodeTooLarge, http.StatusRequestEntityTooLarge},
		{CodeQuotaExceeded, http.StatusTooManyRequests},
		{CodeNotFound, http.StatusNotFound},
		{CodeSessionNotFound, http.StatusNotFound},
		{CodeTimeout, http.StatusGatewayTimeout},
		{CodeLedgerDown, http.StatusServiceUnavailable},
		{CodeIntegrityFailed, http.StatusInternalServerError},
		{CodeInternal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := HTTPStatus(tc.code); got != tc.want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", tc.code, got, tc.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(ErrLedgerUnavailable) {
		t.Error("ledger unavailability should be retryable")
	}
	if !Retryable(New(CodeFileIncomplete, "3 of 5 chunks")) {
		t.Error("incomplete files should be retryable")
	}
	if Retryable(ErrIntegrityFailed) {
		t.Error("integrity failures must not be retryable")
	}
	if Retryable(ErrQuotaExceeded) {
		t.Error("quota denials must not be retryable")
	}
}
