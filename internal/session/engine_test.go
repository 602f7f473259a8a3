package session_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/livecopilot/internal/capture"
	"github.com/MrWong99/livecopilot/internal/session"
	"github.com/MrWong99/livecopilot/internal/transcript"
	"github.com/MrWong99/livecopilot/pkg/audio"
	audiomock "github.com/MrWong99/livecopilot/pkg/audio/mock"
	"github.com/MrWong99/livecopilot/pkg/provider/live"
	livemock "github.com/MrWong99/livecopilot/pkg/provider/live/mock"
	"github.com/MrWong99/livecopilot/pkg/types"
)

// ── helpers ───────────────────────────────────────────────────────────────────

type recorder struct {
	mu       sync.Mutex
	statuses []bool
	states   []session.State
	errs     []string
	last     transcript.Snapshot
}

func (r *recorder) SessionStatusChanged(c bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, c)
}

func (r *recorder) StateChanged(s session.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) TranscriptChanged(t transcript.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = t
}

func (r *recorder) ActivityChanged(float64) {}

func (r *recorder) SessionError(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, msg)
}

func (r *recorder) Statuses() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.statuses)
}

func (r *recorder) Errors() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.errs)
}

type fixture struct {
	engine   *session.Engine
	platform *audiomock.Platform
	input    *audiomock.Input
	output   *audiomock.Output
	provider *livemock.Provider
	observer *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		input:    &audiomock.Input{},
		output:   audiomock.NewOutput(),
		provider: &livemock.Provider{},
		observer: &recorder{},
	}
	f.platform = &audiomock.Platform{Input: f.input, Output: f.output}
	f.engine = session.New(session.Config{
		Platform:     f.platform,
		Provider:     f.provider,
		ProviderName: "mock",
		Voice:        "Kore",
		Observer:     f.observer,
		ActivityRate: 1000,
	})
	t.Cleanup(func() { _ = f.engine.Close() })
	return f
}

func (f *fixture) start(t *testing.T, mode capture.Mode) *livemock.Session {
	t.Helper()
	if err := f.engine.Start(context.Background(), session.Request{Mode: mode}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sess := f.provider.LastSession()
	if sess == nil {
		t.Fatal("no remote session opened")
	}
	return sess
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func (f *fixture) waitState(t *testing.T, want session.State) {
	t.Helper()
	eventually(t, "state "+want.String(), func() bool {
		return f.engine.Snapshot().State == want
	})
}

// pcm returns silent 24 kHz mono PCM of duration d.
func pcm(d time.Duration) []byte {
	return make([]byte, 2*audio.DurationToFrames(d, 24000))
}

// ── lifecycle ─────────────────────────────────────────────────────────────────

func TestEngine_StartMicGoesLive(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.start(t, capture.Mic)

	snap := f.engine.Snapshot()
	if snap.State != session.Listening || !snap.Connected {
		t.Fatalf("state = %v connected = %v, want listening and connected", snap.State, snap.Connected)
	}
	if snap.Status != "ONLINE" {
		t.Errorf("status = %q, want ONLINE", snap.Status)
	}
	if snap.Source != "MIC ONLY" {
		t.Errorf("source = %q, want MIC ONLY", snap.Source)
	}
	if snap.SessionID == "" {
		t.Error("session id is empty")
	}

	calls := f.provider.ConnectCalls()
	if len(calls) != 1 {
		t.Fatalf("connect calls = %d, want 1", len(calls))
	}
	cfg := calls[0].Cfg
	if cfg.Instructions != session.DefaultInstructions[session.Copilot] {
		t.Errorf("instructions = %q, want copilot instructions", cfg.Instructions)
	}
	if cfg.Voice != "Kore" || !cfg.InputTranscription || !cfg.OutputTranscription {
		t.Errorf("unexpected session config %+v", cfg)
	}
	if got := f.platform.InputFormats(); len(got) != 1 || got[0] != session.CaptureFormat {
		t.Errorf("input formats = %v", got)
	}
	if got := f.observer.Statuses(); !slices.Equal(got, []bool{true}) {
		t.Errorf("statuses = %v, want [true]", got)
	}
}

func TestEngine_StartWhileActiveIsNoop(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.start(t, capture.Mic)

	if err := f.engine.Start(context.Background(), session.Request{Mode: capture.Dual}); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if n := len(f.provider.ConnectCalls()); n != 1 {
		t.Errorf("connect calls = %d, want 1", n)
	}
	if got := f.engine.Snapshot().Mode; got != capture.Mic {
		t.Errorf("mode = %v, want mic", got)
	}
}

func TestEngine_StartWhileConnectingIsNoop(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.provider.ConnectGate = make(chan struct{})

	firstErr := make(chan error, 1)
	go func() {
		firstErr <- f.engine.Start(context.Background(), session.Request{Mode: capture.Mic})
	}()
	eventually(t, "connect call", func() bool { return len(f.provider.ConnectCalls()) == 1 })

	if err := f.engine.Start(context.Background(), session.Request{Mode: capture.Dual}); err != nil {
		t.Fatalf("Start while connecting: %v", err)
	}
	close(f.provider.ConnectGate)
	if err := <-firstErr; err != nil {
		t.Fatalf("first Start: %v", err)
	}
	f.waitState(t, session.Listening)

	if n := len(f.provider.ConnectCalls()); n != 1 {
		t.Errorf("connect calls = %d, want 1", n)
	}
	if n := len(f.platform.InputFormats()); n != 1 {
		t.Errorf("inputs opened = %d, want 1", n)
	}
	if n := len(f.input.MicCalls()); n != 1 {
		t.Errorf("microphone requests = %d, want 1", n)
	}
	if got := f.engine.Snapshot().Mode; got != capture.Mic {
		t.Errorf("mode = %v, want mic", got)
	}
}

func TestEngine_StopReleasesEverythingOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sess := f.start(t, capture.Mic)
	mic := f.input.Mic()

	for range 2 {
		if err := f.engine.Stop(context.Background()); err != nil {
			t.Fatalf("Stop: %v", err)
		}
	}

	snap := f.engine.Snapshot()
	if snap.State != session.Closed || snap.Connected {
		t.Errorf("state = %v, want closed", snap.State)
	}
	if snap.LastError != "" {
		t.Errorf("last error = %q, want empty", snap.LastError)
	}
	if sess.CloseCount() != 1 {
		t.Errorf("session closed %d times, want 1", sess.CloseCount())
	}
	if mic.StopCount() != 1 {
		t.Errorf("mic stopped %d times, want 1", mic.StopCount())
	}
	if f.output.CloseCount() != 1 || f.input.CloseCount() != 1 {
		t.Errorf("output closed %d, input closed %d, want 1 each", f.output.CloseCount(), f.input.CloseCount())
	}
	if got := f.observer.Statuses(); !slices.Equal(got, []bool{true, false}) {
		t.Errorf("statuses = %v, want [true false]", got)
	}
}

func TestEngine_StopFromIdle(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if err := f.engine.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := f.engine.Snapshot().State; got != session.Closed {
		t.Errorf("state = %v, want closed", got)
	}
	if got := f.observer.Statuses(); len(got) != 0 {
		t.Errorf("statuses = %v, want none", got)
	}
}

func TestEngine_StopDuringConnectAborts(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.provider.ConnectGate = make(chan struct{})

	errCh := make(chan error, 1)
	go func() {
		errCh <- f.engine.Start(context.Background(), session.Request{Mode: capture.Mic})
	}()
	eventually(t, "connect call", func() bool { return len(f.provider.ConnectCalls()) == 1 })
	if got := f.engine.Snapshot().State; got != session.Connecting {
		t.Fatalf("state = %v, want connecting", got)
	}

	if err := f.engine.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := <-errCh; !errors.Is(err, session.ErrAborted) {
		t.Errorf("Start error = %v, want ErrAborted", err)
	}

	if !f.input.Mic().Stopped() {
		t.Error("microphone still running after Stop")
	}
	if f.input.CloseCount() != 1 || f.output.CloseCount() != 1 {
		t.Errorf("input closed %d, output closed %d, want 1 each", f.input.CloseCount(), f.output.CloseCount())
	}
	snap := f.engine.Snapshot()
	if snap.State != session.Closed || snap.LastError != "" {
		t.Errorf("state = %v last error = %q, want closed with no error", snap.State, snap.LastError)
	}
	if got := f.observer.Errors(); len(got) != 0 {
		t.Errorf("session errors = %v, want none", got)
	}
}

func TestEngine_StartFailures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mode    capture.Mode
		setup   func(f *fixture)
		wantErr error
		wantMsg string
	}{
		{
			name:    "dual without display audio",
			mode:    capture.Dual,
			setup:   func(f *fixture) { f.input.NoDisplayAudio = true },
			wantErr: audio.ErrNoAudioTrack,
			wantMsg: "No audio track found. Ensure you checked 'Share tab audio'.",
		},
		{
			name:    "microphone denied",
			mode:    capture.Mic,
			setup:   func(f *fixture) { f.input.MicErr = audio.ErrPermissionDenied },
			wantErr: audio.ErrPermissionDenied,
			wantMsg: "Capture permission denied. Allow microphone and screen audio access, then try again.",
		},
		{
			name:    "connect fails",
			mode:    capture.Mic,
			setup:   func(f *fixture) { f.provider.ConnectErr = errors.New("401") },
			wantErr: session.ErrTransport,
			wantMsg: "Connection failed. Check API key and system permissions.",
		},
		{
			name:    "output unavailable",
			mode:    capture.Mic,
			setup:   func(f *fixture) { f.platform.OpenOutputErr = errors.New("no device") },
			wantMsg: "Failed to start session.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			tt.setup(f)

			err := f.engine.Start(context.Background(), session.Request{Mode: tt.mode})
			if err == nil {
				t.Fatal("Start succeeded, want error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
			snap := f.engine.Snapshot()
			if snap.State != session.Closed || snap.LastError != tt.wantMsg {
				t.Errorf("state = %v last error = %q, want closed with %q", snap.State, snap.LastError, tt.wantMsg)
			}
			if got := f.observer.Errors(); !slices.Equal(got, []string{tt.wantMsg}) {
				t.Errorf("session errors = %v", got)
			}
			if got := f.observer.Statuses(); !slices.Equal(got, []bool{false}) {
				t.Errorf("statuses = %v, want [false]", got)
			}
			if f.input.CloseCount() != 1 {
				t.Errorf("input closed %d times, want 1", f.input.CloseCount())
			}
		})
	}
}

func TestEngine_DualWithoutDisplayAudioNeverConnects(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.input.NoDisplayAudio = true

	_ = f.engine.Start(context.Background(), session.Request{Mode: capture.Dual})

	if n := len(f.provider.ConnectCalls()); n != 0 {
		t.Errorf("connect calls = %d, want 0", n)
	}
	if n := len(f.input.MicCalls()); n != 0 {
		t.Errorf("microphone requested %d times, want 0", n)
	}
	if !f.input.Display().Stopped() {
		t.Error("display stream not stopped")
	}
}

func TestEngine_RestartAfterFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.provider.ConnectErr = errors.New("boom")
	if err := f.engine.Start(context.Background(), session.Request{Mode: capture.Mic}); err == nil {
		t.Fatal("first Start succeeded")
	}

	f.provider.ConnectErr = nil
	f.start(t, capture.Mic)
	snap := f.engine.Snapshot()
	if snap.State != session.Listening || snap.LastError != "" {
		t.Errorf("state = %v last error = %q, want listening with error cleared", snap.State, snap.LastError)
	}
}

// ── streaming ─────────────────────────────────────────────────────────────────

func TestEngine_PumpsEncodedFrames(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sess := f.start(t, capture.Mic)

	samples := []float32{0.5, -0.5, 0}
	f.input.Mic().Push(audio.AudioFrame{Samples: samples, SampleRate: 16000, Channels: 1})

	eventually(t, "audio sent", func() bool { return len(sess.Audio()) == 1 })
	want := audio.EncodePCM16(nil, samples)
	if got := sess.Audio()[0]; !slices.Equal(got, want) {
		t.Errorf("sent %v, want %v", got, want)
	}
}

func TestEngine_TranscriptTurns(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sess := f.start(t, capture.Mic)

	for _, ev := range []live.Event{
		{Kind: live.EventTranscript, Role: types.RoleRemote, Text: "Hello."},
		{Kind: live.EventTranscript, Role: types.RoleCaller, Text: "hi "},
		{Kind: live.EventTranscript, Role: types.RoleCaller, Text: "there"},
		{Kind: live.EventTurnComplete},
	} {
		sess.Emit(ev)
	}

	eventually(t, "committed turns", func() bool {
		return len(f.engine.Snapshot().Transcript.History) == 2
	})
	snap := f.engine.Snapshot()
	want := []types.Turn{
		{Role: types.RoleCaller, Text: "hi there"},
		{Role: types.RoleRemote, Text: "Hello."},
	}
	if !slices.Equal(snap.Transcript.History, want) {
		t.Errorf("history = %+v, want %+v", snap.Transcript.History, want)
	}
	if snap.Transcript.PendingCaller != "" || snap.Transcript.PendingRemote != "" {
		t.Errorf("pending not cleared: %+v", snap.Transcript)
	}
	if snap.Display != "caller: hi there\nremote: Hello." {
		t.Errorf("display = %q", snap.Display)
	}
}

func TestEngine_SpeakingFollowsPlayback(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sess := f.start(t, capture.Mic)

	sess.Emit(live.Event{Kind: live.EventAudio, Audio: pcm(100 * time.Millisecond)})
	sess.Emit(live.Event{Kind: live.EventAudio, Audio: pcm(100 * time.Millisecond)})
	eventually(t, "two voices", func() bool { return len(f.output.Voices()) == 2 })
	f.waitState(t, session.Speaking)

	voices := f.output.Voices()
	if voices[1].Start != voices[0].End {
		t.Errorf("second chunk starts at %v, want %v", voices[1].Start, voices[0].End)
	}
	if got := f.engine.Snapshot().Status; got != "BUSY" {
		t.Errorf("status = %q, want BUSY", got)
	}

	f.output.Advance(100 * time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	if got := f.engine.Snapshot().State; got != session.Speaking {
		t.Errorf("state after first chunk = %v, want speaking", got)
	}
	f.output.Advance(100 * time.Millisecond)
	f.waitState(t, session.Listening)
}

func TestEngine_MalformedAudioIsDropped(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sess := f.start(t, capture.Mic)

	sess.Emit(live.Event{Kind: live.EventAudio, Audio: []byte{1, 2, 3}})
	sess.Emit(live.Event{Kind: live.EventTranscript, Role: types.RoleRemote, Text: "still here"})
	eventually(t, "transcript after bad chunk", func() bool {
		return f.engine.Snapshot().Transcript.PendingRemote == "still here"
	})

	if n := len(f.output.Voices()); n != 0 {
		t.Errorf("voices = %d, want 0", n)
	}
	if got := f.engine.Snapshot().State; got != session.Listening {
		t.Errorf("state = %v, want listening", got)
	}
}

func TestEngine_StopFlushesPlayback(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sess := f.start(t, capture.Mic)

	sess.Emit(live.Event{Kind: live.EventAudio, Audio: pcm(time.Second)})
	f.waitState(t, session.Speaking)
	sess.Emit(live.Event{Kind: live.EventTranscript, Role: types.RoleCaller, Text: "half a sent"})
	eventually(t, "pending text", func() bool {
		return f.engine.Snapshot().Transcript.PendingCaller != ""
	})

	if err := f.engine.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !f.output.Voices()[0].Stopped() {
		t.Error("voice still playing after Stop")
	}
	if got := f.engine.Snapshot().Transcript.PendingCaller; got != "" {
		t.Errorf("pending caller = %q, want cleared", got)
	}
}

// ── remote termination ────────────────────────────────────────────────────────

func TestEngine_RemoteTermination(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		end     func(s *livemock.Session)
		wantMsg string
	}{
		{
			name:    "error event",
			end:     func(s *livemock.Session) { s.Emit(live.Event{Kind: live.EventError, Err: errors.New("quota")}) },
			wantMsg: "Connection failed. Check API key and system permissions.",
		},
		{
			name:    "transport drops",
			end:     func(s *livemock.Session) { s.Fail(errors.New("reset by peer")) },
			wantMsg: "Connection failed. Check API key and system permissions.",
		},
		{
			name: "clean hangup",
			end:  func(s *livemock.Session) { s.Hangup() },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			sess := f.start(t, capture.Mic)
			mic := f.input.Mic()

			tt.end(sess)
			f.waitState(t, session.Closed)

			if got := f.engine.Snapshot().LastError; got != tt.wantMsg {
				t.Errorf("last error = %q, want %q", got, tt.wantMsg)
			}
			var wantErrs []string
			if tt.wantMsg != "" {
				wantErrs = []string{tt.wantMsg}
			}
			if got := f.observer.Errors(); !slices.Equal(got, wantErrs) {
				t.Errorf("session errors = %v, want %v", got, wantErrs)
			}
			eventually(t, "capture released", mic.Stopped)
			eventually(t, "input closed", func() bool { return f.input.CloseCount() == 1 })
		})
	}
}

// ── persona ───────────────────────────────────────────────────────────────────

func TestEngine_ReconfigureUpdatesLiveSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sess := f.start(t, capture.Mic)

	if err := f.engine.Reconfigure(context.Background(), session.Practice); err != nil {
		t.Fatal(err)
	}
	eventually(t, "instructions update", func() bool { return len(sess.Instructions()) == 1 })
	if got := sess.Instructions()[0]; got != session.DefaultInstructions[session.Practice] {
		t.Errorf("instructions = %q", got)
	}
	if got := sess.Texts(); len(got) != 0 {
		t.Errorf("texts = %v, want none", got)
	}
	if got := f.engine.Snapshot().Persona; got != session.Practice {
		t.Errorf("persona = %q, want practice", got)
	}
}

func TestEngine_ReconfigureFallsBackToSignal(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.provider.Session = livemock.NewSession(16)
	f.provider.Session.UpdateInstructionsErr = live.ErrReconfigureUnsupported
	sess := f.start(t, capture.Mic)

	if err := f.engine.Reconfigure(context.Background(), "Practice"); err != nil {
		t.Fatal(err)
	}
	eventually(t, "switch signal", func() bool { return len(sess.Texts()) == 1 })
	want := "[SYSTEM_SIGNAL] SWITCH_MODE: PRACTICE. Please adjust your persona immediately."
	if got := sess.Texts()[0]; got != want {
		t.Errorf("text = %q, want %q", got, want)
	}
}

func TestEngine_ReconfigureWhileIdleAppliesToNextStart(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if err := f.engine.Reconfigure(context.Background(), session.Practice); err != nil {
		t.Fatal(err)
	}
	f.start(t, capture.Mic)

	cfg := f.provider.ConnectCalls()[0].Cfg
	if cfg.Instructions != session.DefaultInstructions[session.Practice] {
		t.Errorf("instructions = %q, want practice instructions", cfg.Instructions)
	}
}

func TestEngine_ReconfigureRejectsUnknownPersona(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if err := f.engine.Reconfigure(context.Background(), "pirate"); err == nil {
		t.Error("expected error for unknown persona")
	}
	if err := f.engine.Start(context.Background(), session.Request{Persona: "pirate"}); err == nil {
		t.Error("expected Start to reject unknown persona")
	}
}

func TestEngine_SetInstructionsOverrides(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.engine.SetInstructions(map[session.Persona]string{session.Copilot: "be brief"})
	f.start(t, capture.Mic)

	if got := f.provider.ConnectCalls()[0].Cfg.Instructions; got != "be brief" {
		t.Errorf("instructions = %q, want override", got)
	}
	if got := f.engine.Instructions()[session.Practice]; got != session.DefaultInstructions[session.Practice] {
		t.Errorf("practice instructions = %q, want default", got)
	}
}

// ── close ─────────────────────────────────────────────────────────────────────

func TestEngine_Close(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sess := f.start(t, capture.Mic)

	if err := f.engine.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.engine.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if sess.CloseCount() != 1 {
		t.Errorf("session closed %d times, want 1", sess.CloseCount())
	}
	if got := f.engine.Snapshot().State; got != session.Closed {
		t.Errorf("final state = %v, want closed", got)
	}
	if err := f.engine.Start(context.Background(), session.Request{}); !errors.Is(err, session.ErrEngineClosed) {
		t.Errorf("Start after Close = %v, want ErrEngineClosed", err)
	}
	if err := f.engine.Stop(context.Background()); err != nil {
		t.Errorf("Stop after Close = %v", err)
	}
}
