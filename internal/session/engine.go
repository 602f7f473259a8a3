// Package session implements the live session engine: it opens the capture
// devices, the playback output and the remote session, streams captured audio
// out, and routes remote events to playback and the transcript.
//
// All mutable engine state (the current attempt, its playback scheduler, the
// transcript aggregator and the lifecycle state) is owned by one loop
// goroutine. Public methods and background goroutines never touch that state
// directly; they post closures to the loop. Device acquisition, the remote
// open and resource release run off the loop, so it never waits on I/O.
//
// Every start creates an attempt. An attempt that has been stopped or
// superseded is stale: results and events it produces later are ignored and
// any resources it still delivers are released on arrival.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/livecopilot/internal/activity"
	"github.com/MrWong99/livecopilot/internal/capture"
	"github.com/MrWong99/livecopilot/internal/observe"
	"github.com/MrWong99/livecopilot/internal/playback"
	"github.com/MrWong99/livecopilot/internal/transcript"
	"github.com/MrWong99/livecopilot/pkg/audio"
	"github.com/MrWong99/livecopilot/pkg/provider/live"
)

// CaptureFormat is the format of the capture context: 16 kHz mono.
var CaptureFormat = audio.Format{SampleRate: 16000, Channels: 1}

// Config holds the dependencies of an [Engine].
type Config struct {
	// Platform opens the capture and playback contexts. Required.
	Platform audio.Platform

	// Provider opens remote sessions. Required.
	Provider live.Provider

	// ProviderName labels metrics and logs.
	ProviderName string

	// Voice is passed to the provider on connect.
	Voice string

	// Persona is the persona used until a request names another.
	// Default: [Copilot].
	Persona Persona

	// Instructions overrides [DefaultInstructions] per persona.
	Instructions map[Persona]string

	// Observer receives notifications. Default: [NopObserver].
	Observer Observer

	// Metrics records engine metrics. Default: [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// ActivityRate is the activity publish rate in Hz. Default: 60.
	ActivityRate int
}

// Request starts a session.
type Request struct {
	Mode capture.Mode

	// Persona, when non-empty, replaces the current persona before the
	// remote session is opened.
	Persona Persona
}

// Snapshot is a read-only view of the engine.
type Snapshot struct {
	State      State               `json:"state"`
	Status     string              `json:"status"`
	Connected  bool                `json:"connected"`
	Speaking   bool                `json:"speaking"`
	Mode       capture.Mode        `json:"mode"`
	Source     string              `json:"source,omitempty"`
	Persona    Persona             `json:"persona"`
	SessionID  string              `json:"session_id,omitempty"`
	Transcript transcript.Snapshot `json:"transcript"`
	Display    string              `json:"display"`
	LastError  string              `json:"last_error,omitempty"`
	Activity   float64             `json:"activity"`
}

// Engine runs at most one live session at a time.
//
// All exported methods are safe for concurrent use.
type Engine struct {
	platform     audio.Platform
	provider     live.Provider
	providerName string
	voice        string
	observer     Observer
	metrics      *observe.Metrics
	activityRate int

	posts    chan func()
	quit     chan struct{}
	loopDone chan struct{}
	final    atomic.Pointer[Snapshot]
	closing  sync.Once

	// Loop-owned state below. Never touch it outside a posted closure.
	state        State
	gen          uint64
	att          *attempt
	mode         capture.Mode
	persona      Persona
	instructions map[Persona]string
	transcript   *transcript.Aggregator
	lastErr      string
	activity     float64
}

// attempt is one Start, from Connecting until teardown.
type attempt struct {
	gen     uint64
	id      string
	mode    capture.Mode
	persona Persona
	log     *slog.Logger
	cancel  context.CancelFunc
	span    trace.Span
	started time.Time
	waiters []chan<- error
	opened  chan struct{} // closed once open has handed off or released

	// Set when the attempt goes live.
	res      *resources
	sched    *playback.Scheduler
	monitor  *activity.Monitor
	pumpDone chan struct{}
}

// resources are the devices and remote session opened for an attempt.
type resources struct {
	in   audio.Input
	cap  *capture.Handle
	out  audio.Output
	sess live.Session
}

// release closes everything in reverse dependency order: the remote session
// first so nothing more is streamed, then the capture, then the contexts.
// pumpDone, when non-nil, is awaited after the capture is released.
func (r *resources) release(log *slog.Logger, pumpDone <-chan struct{}) {
	if r == nil {
		return
	}
	if r.sess != nil {
		if err := r.sess.Close(); err != nil {
			log.Warn("session: close remote session", "err", err)
		}
	}
	if r.cap != nil {
		r.cap.Release()
	}
	if pumpDone != nil {
		<-pumpDone
	}
	if r.out != nil {
		if err := r.out.Close(); err != nil {
			log.Warn("session: close output", "err", err)
		}
	}
	if r.in != nil {
		if err := r.in.Close(); err != nil {
			log.Warn("session: close input", "err", err)
		}
	}
}

// New creates an Engine and starts its loop. Call [Engine.Close] to stop it.
func New(cfg Config) *Engine {
	e := &Engine{
		platform:     cfg.Platform,
		provider:     cfg.Provider,
		providerName: cfg.ProviderName,
		voice:        cfg.Voice,
		observer:     cfg.Observer,
		metrics:      cfg.Metrics,
		activityRate: cfg.ActivityRate,
		posts:        make(chan func()),
		quit:         make(chan struct{}),
		loopDone:     make(chan struct{}),
		state:        Idle,
		persona:      cfg.Persona,
		instructions: mergeInstructions(cfg.Instructions),
		transcript:   transcript.New(),
	}
	if e.observer == nil {
		e.observer = NopObserver{}
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	if e.persona == "" {
		e.persona = Copilot
	}
	if e.providerName == "" {
		e.providerName = "live"
	}
	go e.loop()
	return e
}

// ── Loop plumbing ─────────────────────────────────────────────────────────────

func (e *Engine) loop() {
	defer close(e.loopDone)
	defer func() {
		s := e.snapshot()
		e.final.Store(&s)
	}()
	for {
		select {
		case fn := <-e.posts:
			fn()
		case <-e.quit:
			return
		}
	}
}

// post runs fn on the loop. It reports false if the engine is closed, in
// which case fn never runs.
func (e *Engine) post(fn func()) bool {
	select {
	case e.posts <- fn:
		return true
	case <-e.quit:
		return false
	}
}

// postAsync queues fn without blocking the caller. Used by device and
// activity callbacks, which may fire on the loop itself.
func (e *Engine) postAsync(fn func()) {
	go e.post(fn)
}

// call runs fn on the loop and waits for it.
func (e *Engine) call(fn func()) bool {
	done := make(chan struct{})
	if !e.post(func() { fn(); close(done) }) {
		return false
	}
	<-done
	return true
}

func (e *Engine) setState(s State) {
	if e.state == s {
		return
	}
	e.state = s
	e.observer.StateChanged(s)
}

// current reports whether att is the live attempt.
func (e *Engine) current(att *attempt) bool {
	return att != nil && e.att == att && att.gen == e.gen
}

// ── Public API ────────────────────────────────────────────────────────────────

// Start opens a session. It is a silent no-op returning nil while a session
// is connecting or connected. Otherwise it blocks until the attempt is live
// (nil) or has failed (the cause), or until ctx is done. ctx bounds only the
// wait; cancelling it does not cancel the attempt. Use [Engine.Stop] for that.
func (e *Engine) Start(ctx context.Context, req Request) error {
	if req.Persona != "" {
		if _, err := ParsePersona(string(req.Persona)); err != nil {
			return err
		}
	}

	result := make(chan error, 1)
	if !e.post(func() { e.handleStart(ctx, req, result) }) {
		return ErrEngineClosed
	}
	select {
	case err := <-result:
		if errors.Is(err, ErrAlreadyActive) {
			slog.Debug("session: start ignored, session already active")
			return nil
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop tears down the current session or cancels a start in flight. It is
// idempotent and callable from any state. Stop waits until the torn-down
// session's resources are released or ctx is done.
func (e *Engine) Stop(ctx context.Context) error {
	var released <-chan struct{}
	if !e.call(func() { released = e.handleStop() }) {
		return nil
	}
	if released == nil {
		return nil
	}
	select {
	case <-released:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reconfigure switches the persona. When a session is live the new
// instructions are sent to it, falling back to a text signal when the
// provider cannot replace instructions in place. Delivery is best effort and
// unconfirmed; only an unknown persona is reported.
func (e *Engine) Reconfigure(_ context.Context, p Persona) error {
	p, err := ParsePersona(string(p))
	if err != nil {
		return err
	}
	if !e.post(func() { e.handleReconfigure(p) }) {
		return ErrEngineClosed
	}
	return nil
}

// SetInstructions replaces the instruction overrides. Live sessions keep
// their instructions until the next Reconfigure or Start.
func (e *Engine) SetInstructions(overrides map[Persona]string) {
	merged := mergeInstructions(overrides)
	e.post(func() { e.instructions = merged })
}

// Snapshot returns the current engine state. After Close it returns the
// final state.
func (e *Engine) Snapshot() Snapshot {
	var s Snapshot
	if e.call(func() { s = e.snapshot() }) {
		return s
	}
	<-e.loopDone
	return *e.final.Load()
}

// Close stops any session and terminates the loop. It is idempotent.
func (e *Engine) Close() error {
	e.closing.Do(func() {
		_ = e.Stop(context.Background())
		close(e.quit)
	})
	<-e.loopDone
	return nil
}

// ── Loop handlers ─────────────────────────────────────────────────────────────

func (e *Engine) snapshot() Snapshot {
	t := e.transcript.Snapshot()
	s := Snapshot{
		State:      e.state,
		Status:     e.state.StatusText(),
		Connected:  e.state.Connected(),
		Speaking:   e.state == Speaking,
		Mode:       e.mode,
		Persona:    e.persona,
		Transcript: t,
		Display:    t.Display(),
		LastError:  e.lastErr,
		Activity:   e.activity,
	}
	if e.att != nil {
		s.SessionID = e.att.id
		if e.att.res != nil {
			s.Source = e.att.res.cap.Label()
		}
	}
	return s
}

func (e *Engine) handleStart(reqCtx context.Context, req Request, result chan<- error) {
	if e.state.Active() {
		result <- ErrAlreadyActive
		return
	}
	if req.Persona != "" {
		e.persona = req.Persona
	}

	e.gen++
	e.lastErr = ""
	e.mode = req.Mode

	id := uuid.NewString()
	ctx, span, log := observe.StartSessionSpan(context.WithoutCancel(reqCtx), id, req.Mode.String(), string(e.persona))
	ctx, cancel := context.WithCancel(ctx)

	att := &attempt{
		gen:     e.gen,
		id:      id,
		log:     log,
		mode:    req.Mode,
		persona: e.persona,
		cancel:  cancel,
		span:    span,
		started: time.Now(),
		waiters: []chan<- error{result},
		opened:  make(chan struct{}),
	}
	e.att = att

	e.setState(Connecting)
	att.log.Info("session starting", "persona", att.persona, "provider", e.providerName)

	cfg := live.SessionConfig{
		Voice:               e.voice,
		Instructions:        e.instructions[att.persona],
		InputTranscription:  true,
		OutputTranscription: true,
	}
	go e.open(ctx, att, cfg)
}

// open runs the open sequence off the loop. On failure it releases whatever
// it acquired before reporting. On success the loop takes ownership unless
// the attempt went stale meanwhile, in which case open releases it.
func (e *Engine) open(ctx context.Context, att *attempt, cfg live.SessionConfig) {
	defer close(att.opened)

	res := &resources{}
	err := func() error {
		var err error
		if res.in, err = e.platform.OpenInput(ctx, CaptureFormat); err != nil {
			return fmt.Errorf("session: open input: %w", err)
		}
		if res.cap, err = capture.Acquire(ctx, res.in, capture.ForMode(att.mode)); err != nil {
			return err
		}
		if res.out, err = e.platform.OpenOutput(ctx, playback.Format); err != nil {
			return fmt.Errorf("session: open output: %w", err)
		}
		if res.sess, err = e.provider.Connect(ctx, cfg); err != nil {
			e.metrics.RecordProviderRequest(ctx, e.providerName, "connect", "error")
			return fmt.Errorf("%w: connect: %w", ErrTransport, err)
		}
		e.metrics.RecordProviderRequest(ctx, e.providerName, "connect", "ok")
		return nil
	}()

	if err != nil {
		res.release(att.log, nil)
		res = nil
	}
	accepted := make(chan bool, 1)
	if !e.post(func() { accepted <- e.handleOpened(att, res, err) }) {
		res.release(att.log, nil)
		return
	}
	if !<-accepted {
		res.release(att.log, nil)
	}
}

// handleOpened reports whether the loop took ownership of res.
func (e *Engine) handleOpened(att *attempt, res *resources, err error) bool {
	if !e.current(att) {
		if res != nil {
			att.log.Info("session: releasing resources of stale attempt")
		}
		return false
	}
	if err != nil {
		e.teardown(att, err)
		return false
	}

	att.res = res
	att.sched = playback.New(res.out, func(id uint64) {
		e.postAsync(func() { e.handleChunkEnded(att, id) })
	})
	att.monitor = activity.New(func(level float64) {
		e.postAsync(func() { e.handleActivity(att, level) })
	}, activity.WithRate(e.activityRate))
	att.pumpDone = make(chan struct{})

	ctx := trace.ContextWithSpan(context.Background(), att.span)
	go e.pump(att, res.cap.Frames(), res.sess, att.monitor)
	go e.consume(att, res.sess)
	att.monitor.Start(ctx)

	e.metrics.ActiveSessions.Add(ctx, 1)
	e.metrics.RecordSessionStart(ctx, att.mode.String(), "ok", time.Since(att.started).Seconds())
	att.span.End()

	e.setState(Listening)
	e.observer.SessionStatusChanged(true)
	att.log.Info("session live", "source", res.cap.Label(), "startup", time.Since(att.started))
	settle(att, nil)
	return true
}

// pump streams captured frames in capture order. Each frame is encoded into
// the same buffer and sent before the next frame is read.
func (e *Engine) pump(att *attempt, frames <-chan audio.AudioFrame, sess live.Session, mon *activity.Monitor) {
	defer close(att.pumpDone)
	ctx := context.Background()
	var buf []byte
	for f := range frames {
		mon.Observe(f.Samples)
		buf = audio.EncodePCM16(buf, f.Samples)
		if err := sess.SendAudio(buf); err != nil {
			cause := fmt.Errorf("%w: send audio: %w", ErrTransport, err)
			e.post(func() {
				if e.current(att) {
					e.teardown(att, cause)
				}
			})
			return
		}
		e.metrics.AudioFramesSent.Add(ctx, 1)
	}
}

// consume forwards remote events to the loop in arrival order.
func (e *Engine) consume(att *attempt, sess live.Session) {
	for ev := range sess.Events() {
		if !e.post(func() { e.handleEvent(att, ev) }) {
			audio.Drain(sess.Events())
			return
		}
	}
	err := sess.Err()
	e.post(func() { e.handleRemoteClosed(att, err) })
}

func (e *Engine) handleEvent(att *attempt, ev live.Event) {
	if !e.current(att) {
		return
	}
	ctx := context.Background()

	switch ev.Kind {
	case live.EventTranscript:
		e.transcript.Append(ev.Role, ev.Text)
		e.observer.TranscriptChanged(e.transcript.Snapshot())

	case live.EventTurnComplete:
		for _, t := range e.transcript.CommitTurn() {
			e.metrics.RecordTurn(ctx, t.Role.String())
		}
		e.observer.TranscriptChanged(e.transcript.Snapshot())

	case live.EventAudio:
		if _, err := att.sched.Enqueue(ev.Audio); err != nil {
			reason := "schedule"
			if errors.Is(err, audio.ErrMalformedPayload) {
				reason = "malformed"
			}
			att.log.Warn("session: dropping remote audio", "bytes", len(ev.Audio), "err", err)
			e.metrics.RecordPlaybackDrop(ctx, reason)
			return
		}
		e.metrics.PlaybackChunks.Add(ctx, 1)
		e.setState(Speaking)

	case live.EventError:
		e.metrics.RecordProviderError(ctx, e.providerName, "remote")
		e.teardown(att, fmt.Errorf("%w: %w", ErrTransport, ev.Err))
	}
}

func (e *Engine) handleRemoteClosed(att *attempt, err error) {
	if !e.current(att) {
		return
	}
	if err != nil {
		e.metrics.RecordProviderError(context.Background(), e.providerName, "transport")
		e.teardown(att, fmt.Errorf("%w: %w", ErrTransport, err))
		return
	}
	att.log.Info("session: remote closed the session")
	e.teardown(att, nil)
}

func (e *Engine) handleChunkEnded(att *attempt, id uint64) {
	if !e.current(att) || att.sched == nil {
		return
	}
	if !att.sched.Finished(id) && e.state == Speaking {
		e.setState(Listening)
	}
}

func (e *Engine) handleActivity(att *attempt, level float64) {
	if !e.current(att) {
		return
	}
	e.activity = level
	e.observer.ActivityChanged(level)
}

func (e *Engine) handleReconfigure(p Persona) {
	e.persona = p
	if !e.state.Connected() {
		return
	}
	att := e.att
	instr := e.instructions[p]
	sess := att.res.sess
	log := att.log
	go func() {
		ctx := context.Background()
		err := sess.UpdateInstructions(instr)
		if err == nil {
			e.metrics.RecordReconfigure(ctx, "update", "ok")
			log.Info("session: persona switched", "persona", p)
			return
		}
		log.Debug("session: in-place update failed, sending switch signal", "err", err)
		if err := sess.SendText(SwitchSignal(p)); err != nil {
			e.metrics.RecordReconfigure(ctx, "fallback", "error")
			log.Warn("session: persona switch signal failed", "persona", p, "err", err)
			return
		}
		e.metrics.RecordReconfigure(ctx, "fallback", "ok")
		log.Info("session: persona switch signalled", "persona", p)
	}()
}

func (e *Engine) handleStop() <-chan struct{} {
	if e.att == nil {
		e.setState(Closed)
		return nil
	}
	return e.teardown(e.att, ErrAborted)
}

// teardown ends att: it cancels a pending open, stops playback and the
// activity monitor, clears the accumulators, notifies observers and releases
// the devices and remote session off the loop. The returned channel is
// closed once every resource of att, including any still being opened, has
// been released.
func (e *Engine) teardown(att *attempt, cause error) <-chan struct{} {
	wasLive := e.state.Connected()

	att.cancel()
	if att.sched != nil {
		att.sched.Flush()
	}
	att.monitor.Stop()
	e.transcript.Reset()
	e.att = nil
	e.activity = 0

	ctx := context.Background()
	msg := UserMessage(cause)
	e.lastErr = msg
	switch {
	case wasLive:
		e.metrics.ActiveSessions.Add(ctx, -1)
	default:
		status := "error"
		if errors.Is(cause, ErrAborted) {
			status = "aborted"
		}
		e.metrics.RecordSessionStart(ctx, att.mode.String(), status, time.Since(att.started).Seconds())
		if cause != nil {
			att.span.RecordError(cause)
			att.span.SetStatus(codes.Error, msg)
		}
		att.span.End()
	}

	if cause != nil && msg != "" {
		att.log.Warn("session: torn down", "err", cause, "message", msg)
	} else {
		att.log.Info("session stopped")
	}

	e.setState(Closed)
	e.observer.SessionStatusChanged(false)
	if msg != "" {
		e.observer.SessionError(msg)
	}
	e.observer.TranscriptChanged(e.transcript.Snapshot())
	settle(att, cause)

	released := make(chan struct{})
	go func() {
		defer close(released)
		<-att.opened
		att.res.release(att.log, att.pumpDone)
	}()
	return released
}

// settle answers every Start waiting on att.
func settle(att *attempt, err error) {
	for _, w := range att.waiters {
		w <- err
	}
	att.waiters = nil
}

// Instructions returns a copy of the effective instructions per persona.
func (e *Engine) Instructions() map[Persona]string {
	var out map[Persona]string
	if !e.call(func() { out = maps.Clone(e.instructions) }) {
		return nil
	}
	return out
}
