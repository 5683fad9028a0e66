// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package common

import (
	"errors"
	"strings"
	"testing"
)

func TestIsMatchesDirectCoreError(t *testing.T) {
	err := NewError(KindTimeout, "deadline exceeded")
	if !Is(err, KindTimeout) {
		t.Fatal("Is(err, KindTimeout) = false, want true")
	}
	if Is(err, KindTransport) {
		t.Fatal("Is(err, KindTransport) = true, want false")
	}
}

func TestIsMatchesWrappedCoreError(t *testing.T) {
	base := errors.New("EOF")
	wrapped := WrapError(KindTransport, "connection closed by peer", base)
	if !Is(wrapped, KindTransport) {
		t.Fatal("Is() did not find the wrapped CoreError's Kind")
	}
}

func TestAsCoreErrorExtractsDetail(t *testing.T) {
	err := LoginRejectedError(0x02, 0x01)
	ce, ok := AsCoreError(err)
	if !ok {
		t.Fatal("AsCoreError() ok = false, want true")
	}
	if ce.StatusClass != 0x02 || ce.StatusDetail != 0x01 {
		t.Fatalf("StatusClass/StatusDetail = %#x/%#x, want 0x02/0x01", ce.StatusClass, ce.StatusDetail)
	}
}

func TestAsCoreErrorFalseForPlainError(t *testing.T) {
	if _, ok := AsCoreError(errors.New("plain")); ok {
		t.Fatal("AsCoreError() ok = true for a plain error, want false")
	}
}

func TestRejectErrorCarriesReason(t *testing.T) {
	err := RejectError(0x09)
	ce, ok := AsCoreError(err)
	if !ok || ce.Reason != 0x09 {
		t.Fatalf("Reason = %#x, want 0x09 (ok=%v)", ce.Reason, ok)
	}
}

func TestReRaisableErrorChainsMessages(t *testing.T) {
	base := errors.New("socket reset")
	raised := RaiseFrom(base, errors.New("write failed"))
	if raised.Unwrap() != base {
		t.Fatal("Unwrap() did not return the base error")
	}
	if raised.Error() == "" {
		t.Fatal("Error() returned an empty string")
	}
}

func TestWrapErrorMessageChainsThroughRaiseFrom(t *testing.T) {
	base := errors.New("EOF")
	wrapped := WrapError(KindTransport, "connection closed by peer", base)
	if !strings.Contains(wrapped.Error(), base.Error()) {
		t.Fatalf("Error() = %q, want it to contain base's %q", wrapped.Error(), base.Error())
	}
	if !strings.Contains(wrapped.Error(), "connection closed by peer") {
		t.Fatalf("Error() = %q, want it to contain the wrap message", wrapped.Error())
	}
	if wrapped.Unwrap() != base {
		t.Fatal("Unwrap() did not return base")
	}
}
