package transcript_test

import (
	"sync"
	"testing"

	"github.com/MrWong99/deskvoice/internal/transcript"
	"github.com/MrWong99/deskvoice/pkg/provider/s2s"
)

func TestAccumulator_OrderPreserving(t *testing.T) {
	t.Parallel()

	var a transcript.Accumulator
	for _, f := range []string{"Hel", "lo wor", "ld"} {
		a.OnFragment(s2s.SpeakerUser, f)
	}
	if got := a.Running().UserText; got != "Hello world" {
		t.Errorf("Running = %q; want %q", got, "Hello world")
	}

	turn := a.OnTurnComplete()
	if turn.UserText != "Hello world" || turn.AssistantText != "" {
		t.Errorf("turn = %+v", turn)
	}
	if after := a.Running(); !after.Empty() {
		t.Errorf("after reset = %+v; want empty", after)
	}
}

func TestAccumulator_SpeakersAreIndependent(t *testing.T) {
	t.Parallel()

	var a transcript.Accumulator
	a.OnFragment(s2s.SpeakerUser, "book a")
	a.OnFragment(s2s.SpeakerAssistant, "Sure,")
	a.OnFragment(s2s.SpeakerUser, " call")
	a.OnFragment(s2s.SpeakerAssistant, " booked.")
	a.OnFragment(s2s.Speaker("narrator"), "ignored")

	turn := a.OnTurnComplete()
	want := transcript.Turn{UserText: "book a call", AssistantText: "Sure, booked."}
	if turn != want {
		t.Errorf("turn = %+v; want %+v", turn, want)
	}
}

func TestAccumulator_ResetsOnlyOnTurnComplete(t *testing.T) {
	t.Parallel()

	var a transcript.Accumulator
	a.OnFragment(s2s.SpeakerUser, "first")
	_ = a.Running()
	_ = a.Running()
	a.OnFragment(s2s.SpeakerUser, " second")
	if got := a.OnTurnComplete().UserText; got != "first second" {
		t.Errorf("turn 1 = %q", got)
	}

	a.OnFragment(s2s.SpeakerUser, "third")
	if got := a.OnTurnComplete().UserText; got != "third" {
		t.Errorf("turn 2 = %q", got)
	}
	if !a.OnTurnComplete().Empty() {
		t.Error("empty turn expected")
	}
}

func TestAccumulator_ConcurrentFragments(t *testing.T) {
	t.Parallel()

	var a transcript.Accumulator
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(2)
		go func() { defer wg.Done(); a.OnFragment(s2s.SpeakerUser, "u") }()
		go func() { defer wg.Done(); a.OnFragment(s2s.SpeakerAssistant, "a") }()
	}
	wg.Wait()

	turn := a.OnTurnComplete()
	if len(turn.UserText) != 50 || len(turn.AssistantText) != 50 {
		t.Errorf("lengths = %d/%d; want 50/50", len(turn.UserText), len(turn.AssistantText))
	}
}
