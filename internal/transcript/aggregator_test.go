package transcript_test

import (
	"fmt"
	"slices"
	"testing"

	"github.com/MrWong99/livecopilot/internal/transcript"
	"github.com/MrWong99/livecopilot/pkg/types"
)

// --- Append / CommitTurn ---

func TestCommitTurn_CallerThenRemote(t *testing.T) {
	t.Parallel()

	a := transcript.New()
	a.Append(types.RoleCaller, "hi ")
	a.Append(types.RoleCaller, "there")
	a.Append(types.RoleRemote, "Hello!")

	got := a.CommitTurn()
	want := []types.Turn{
		{Role: types.RoleCaller, Text: "hi there"},
		{Role: types.RoleRemote, Text: "Hello!"},
	}
	if !slices.Equal(got, want) {
		t.Fatalf("CommitTurn() = %v, want %v", got, want)
	}
	if h := a.History(); !slices.Equal(h, want) {
		t.Errorf("History() = %v, want %v", h, want)
	}
	if c, r := a.Pending(); c != "" || r != "" {
		t.Errorf("Pending() = (%q, %q), want empty", c, r)
	}
}

func TestCommitTurn_RemoteBeforeCallerStillCommitsCallerFirst(t *testing.T) {
	t.Parallel()

	a := transcript.New()
	a.Append(types.RoleRemote, "answer")
	a.Append(types.RoleCaller, "question")

	got := a.CommitTurn()
	if len(got) != 2 || got[0].Role != types.RoleCaller || got[1].Role != types.RoleRemote {
		t.Fatalf("CommitTurn() = %v, want caller then remote", got)
	}
}

func TestCommitTurn_SkipsEmptySides(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		caller string
		remote string
		want   []types.Turn
	}{
		{name: "both empty", want: nil},
		{name: "caller only", caller: "x", want: []types.Turn{{Role: types.RoleCaller, Text: "x"}}},
		{name: "remote only", remote: "y", want: []types.Turn{{Role: types.RoleRemote, Text: "y"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a := transcript.New()
			a.Append(types.RoleCaller, tt.caller)
			a.Append(types.RoleRemote, tt.remote)
			got := a.CommitTurn()
			if !slices.Equal(got, tt.want) {
				t.Errorf("CommitTurn() = %v, want %v", got, tt.want)
			}
			if len(a.History()) != len(tt.want) {
				t.Errorf("len(History()) = %d, want %d", len(a.History()), len(tt.want))
			}
		})
	}
}

func TestAppend_NoTrimming(t *testing.T) {
	t.Parallel()

	a := transcript.New()
	a.AppendFragment(types.Fragment{Role: types.RoleCaller, Text: "  padded  "})
	a.CommitTurn()

	if got := a.History()[0].Text; got != "  padded  " {
		t.Errorf("text = %q, want %q", got, "  padded  ")
	}
}

// --- History bound ---

func TestHistory_EvictsOldestFirst(t *testing.T) {
	t.Parallel()

	a := transcript.New()
	for i := range 20 {
		a.Append(types.RoleCaller, fmt.Sprintf("turn %d", i))
		a.CommitTurn()
	}

	h := a.History()
	if len(h) != transcript.DefaultHistoryLimit {
		t.Fatalf("len(History()) = %d, want %d", len(h), transcript.DefaultHistoryLimit)
	}
	if h[0].Text != "turn 5" {
		t.Errorf("oldest = %q, want %q", h[0].Text, "turn 5")
	}
	if h[len(h)-1].Text != "turn 19" {
		t.Errorf("newest = %q, want %q", h[len(h)-1].Text, "turn 19")
	}
}

func TestHistory_BoundAppliesAcrossPairs(t *testing.T) {
	t.Parallel()

	a := transcript.New(transcript.WithHistoryLimit(3))
	a.Append(types.RoleCaller, "q1")
	a.Append(types.RoleRemote, "a1")
	a.CommitTurn()
	a.Append(types.RoleCaller, "q2")
	a.Append(types.RoleRemote, "a2")
	a.CommitTurn()

	want := []types.Turn{
		{Role: types.RoleRemote, Text: "a1"},
		{Role: types.RoleCaller, Text: "q2"},
		{Role: types.RoleRemote, Text: "a2"},
	}
	if got := a.History(); !slices.Equal(got, want) {
		t.Errorf("History() = %v, want %v", got, want)
	}
}

func TestHistory_ReturnsCopy(t *testing.T) {
	t.Parallel()

	a := transcript.New()
	a.Append(types.RoleCaller, "original")
	a.CommitTurn()

	h := a.History()
	h[0].Text = "mutated"
	if got := a.History()[0].Text; got != "original" {
		t.Errorf("history mutated through copy: %q", got)
	}
}

// --- Reset / Snapshot / Display ---

func TestReset_KeepsHistory(t *testing.T) {
	t.Parallel()

	a := transcript.New()
	a.Append(types.RoleCaller, "kept")
	a.CommitTurn()
	a.Append(types.RoleCaller, "dropped")
	a.Append(types.RoleRemote, "dropped too")
	a.Reset()

	if c, r := a.Pending(); c != "" || r != "" {
		t.Errorf("Pending() after Reset = (%q, %q), want empty", c, r)
	}
	if len(a.History()) != 1 {
		t.Errorf("len(History()) = %d, want 1", len(a.History()))
	}
}

func TestSnapshotAndDisplay(t *testing.T) {
	t.Parallel()

	a := transcript.New()
	a.Append(types.RoleCaller, "hi there")
	a.Append(types.RoleRemote, "Hello!")
	a.CommitTurn()
	a.Append(types.RoleCaller, "next")
	a.Append(types.RoleRemote, "partial")

	snap := a.Snapshot()
	if snap.PendingCaller != "next" || snap.PendingRemote != "partial" {
		t.Errorf("pending = (%q, %q)", snap.PendingCaller, snap.PendingRemote)
	}
	if len(snap.History) != 2 {
		t.Errorf("len(History) = %d, want 2", len(snap.History))
	}

	want := "caller: hi there\nremote: Hello!\ncaller: next\nremote: partial"
	if got := a.Display(); got != want {
		t.Errorf("Display() = %q, want %q", got, want)
	}
}

func TestDisplay_Empty(t *testing.T) {
	t.Parallel()

	if got := transcript.New().Display(); got != "" {
		t.Errorf("Display() = %q, want empty", got)
	}
}
