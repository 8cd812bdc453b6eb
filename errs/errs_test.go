package errs

import (
	"strings"
	"testing"

	"github.com/pkg/errors"
)

func TestErrorMessageCarriesStageAndID(t *testing.T) {
	err := New(DegeneratePower, StageNormalize, Sample(3, 1), "power is %v", 0.0)
	msg := err.Error()
	for _, want := range []string{"normalize", "degenerate power", "sample 3 timeslot 1", "power is 0"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message %q missing %q", msg, want)
		}
	}
}

func TestIsWalksWrappedChain(t *testing.T) {
	inner := New(MissingStatistic, StageDenormalize, Timeslot(2), "no record")
	outer := errors.Wrap(Wrap(inner, NonFiniteLoss, StageTrain, Epoch(4)), "run failed")

	if !Is(outer, NonFiniteLoss) {
		t.Fatalf("expected NonFiniteLoss in chain: %v", outer)
	}
	if !Is(outer, MissingStatistic) {
		t.Fatalf("expected MissingStatistic in chain: %v", outer)
	}
	if Is(outer, ShapeMismatch) {
		t.Fatalf("did not expect ShapeMismatch in chain")
	}
	if got := KindOf(outer); got != NonFiniteLoss {
		t.Fatalf("KindOf = %v, want %v", got, NonFiniteLoss)
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, Overlap, StageAssembly, Batch(0)) != nil {
		t.Fatalf("Wrap(nil) should be nil")
	}
	if Is(nil, Overlap) {
		t.Fatalf("Is(nil) should be false")
	}
	if KindOf(errors.New("plain")) != Unknown {
		t.Fatalf("plain error should have Unknown kind")
	}
}
