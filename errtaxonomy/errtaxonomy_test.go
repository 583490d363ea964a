package errtaxonomy

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapNilReturnsNil(t *testing.T) {
	if err := Wrap(BackendUnavailable, nil); err != nil {
		t.Errorf("Wrap(class, nil) = %v, want nil", err)
	}
}

func TestWrapAndClassOfRoundTrip(t *testing.T) {
	base := errors.New("boom")
	wrapped := Wrap(InvalidOutput, base)

	if got := ClassOf(wrapped); got != InvalidOutput {
		t.Errorf("ClassOf() = %v, want %v", got, InvalidOutput)
	}
	if !errors.Is(wrapped, base) {
		t.Error("expected Unwrap to expose the base error via errors.Is")
	}
}

func TestClassOfUnwrapsNestedError(t *testing.T) {
	base := errors.New("connection refused")
	wrapped := Wrap(StartupFatal, base)
	doubleWrapped := fmt.Errorf("probe failed: %w", wrapped)

	if got := ClassOf(doubleWrapped); got != StartupFatal {
		t.Errorf("ClassOf() = %v, want %v", got, StartupFatal)
	}
}

func TestClassOfFallsBackToPeerClassification(t *testing.T) {
	err := errors.New("dial tcp: connection refused")
	if got := ClassOf(err); got != TransientPeer {
		t.Errorf("ClassOf() = %v, want %v", got, TransientPeer)
	}
}

func TestClassifyPeerErrorRecognizesBackendUnavailable(t *testing.T) {
	err := errors.New("received 503 Service Unavailable")
	if got := ClassifyPeerError(err); got != BackendUnavailable {
		t.Errorf("ClassifyPeerError() = %v, want %v", got, BackendUnavailable)
	}
}

func TestClassifyPeerErrorRecognizesBanned(t *testing.T) {
	err := errors.New("msg_banned: you are permanently banned from this channel")
	if got := ClassifyPeerError(err); got != BannedFromChannel {
		t.Errorf("ClassifyPeerError() = %v, want %v", got, BannedFromChannel)
	}
}

func TestClassifyPeerErrorRecognizesRateLimit(t *testing.T) {
	err := errors.New("429 too many requests")
	if got := ClassifyPeerError(err); got != TransientPeer {
		t.Errorf("ClassifyPeerError() = %v, want %v", got, TransientPeer)
	}
}

func TestClassifyPeerErrorDefaultsToUnknown(t *testing.T) {
	err := errors.New("something inexplicable happened")
	if got := ClassifyPeerError(err); got != ClassUnknown {
		t.Errorf("ClassifyPeerError() = %v, want %v", got, ClassUnknown)
	}
}

func TestRetryableClasses(t *testing.T) {
	retryable := []Class{BackendUnavailable, TransientPeer, ClassUnknown}
	notRetryable := []Class{StartupFatal, InvalidOutput, InvalidInputFromOperator, PolicyBlock, BannedFromChannel}

	for _, c := range retryable {
		if !c.Retryable() {
			t.Errorf("%v.Retryable() = false, want true", c)
		}
	}
	for _, c := range notRetryable {
		if c.Retryable() {
			t.Errorf("%v.Retryable() = true, want false", c)
		}
	}
}

func TestClassStringNames(t *testing.T) {
	cases := map[Class]string{
		StartupFatal:              "startup_fatal",
		BackendUnavailable:        "backend_unavailable",
		InvalidOutput:             "invalid_output",
		InvalidInputFromOperator:  "invalid_input_from_operator",
		PolicyBlock:               "policy_block",
		TransientPeer:             "transient_peer",
		BannedFromChannel:         "banned_from_channel",
		ClassUnknown:              "unknown",
	}
	for class, want := range cases {
		if got := class.String(); got != want {
			t.Errorf("%v.String() = %q, want %q", int(class), got, want)
		}
	}
}
