package gemini_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/livecopilot/pkg/provider/live"
	"github.com/MrWong99/livecopilot/pkg/provider/live/gemini"
	"github.com/MrWong99/livecopilot/pkg/types"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startGeminiServer launches a test WebSocket server. The handler function
// receives the accepted *websocket.Conn. The server is automatically closed
// when the test finishes.
func startGeminiServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// sendSetupComplete sends the server-side setupComplete ack.
func sendSetupComplete(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
}

// acceptSetup consumes the setup message and acknowledges it.
func acceptSetup(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	var raw map[string]any
	readJSON(t, conn, &raw)
	sendSetupComplete(t, conn)
}

// newProvider creates a Provider pointing at the given test server.
func newProvider(srv *httptest.Server) *gemini.Provider {
	return gemini.New("test-api-key", gemini.WithBaseURL(wsURL(srv)))
}

// connect opens a session against srv and closes it at test end.
func connect(t *testing.T, srv *httptest.Server, cfg live.SessionConfig) live.Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	sess, err := newProvider(srv).Connect(ctx, cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

// nextEvent waits for the next event or fails the test.
func nextEvent(t *testing.T, sess live.Session) live.Event {
	t.Helper()
	select {
	case ev, ok := <-sess.Events():
		if !ok {
			t.Fatal("Events channel closed unexpectedly")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return live.Event{}
}

// ── Options ───────────────────────────────────────────────────────────────────

func TestNew_DefaultModel(t *testing.T) {
	t.Parallel()
	p := gemini.New("my-key")
	if p.Model() != gemini.DefaultModel {
		t.Errorf("Model() = %q, want %q", p.Model(), gemini.DefaultModel)
	}
	if gemini.Models[0] != gemini.DefaultModel {
		t.Errorf("Models[0] = %q, want default model first", gemini.Models[0])
	}
}

func TestWithModel_SetsModel(t *testing.T) {
	t.Parallel()

	modelCh := make(chan string, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg struct {
			Setup struct {
				Model string `json:"model"`
			} `json:"setup"`
		}
		readJSON(t, conn, &msg)
		modelCh <- msg.Setup.Model
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("key", gemini.WithModel("gemini-3-pro-preview"), gemini.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	if got, want := <-modelCh, "models/gemini-3-pro-preview"; got != want {
		t.Errorf("model = %q; want %q", got, want)
	}
}

// ── Connect ───────────────────────────────────────────────────────────────────

func TestConnect_SendsSetup(t *testing.T) {
	t.Parallel()

	type setupMsg struct {
		Setup struct {
			Model            string `json:"model"`
			GenerationConfig struct {
				ResponseModalities []string `json:"responseModalities"`
				SpeechConfig       struct {
					VoiceConfig struct {
						PrebuiltVoiceConfig struct {
							VoiceName string `json:"voiceName"`
						} `json:"prebuiltVoiceConfig"`
					} `json:"voiceConfig"`
				} `json:"speechConfig"`
			} `json:"generationConfig"`
			SystemInstruction *struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"systemInstruction"`
			InputAudioTranscription  *json.RawMessage `json:"inputAudioTranscription"`
			OutputAudioTranscription *json.RawMessage `json:"outputAudioTranscription"`
		} `json:"setup"`
	}

	received := make(chan setupMsg, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg setupMsg
		readJSON(t, conn, &msg)
		received <- msg
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	connect(t, srv, live.SessionConfig{
		Voice:               "Puck",
		Instructions:        "You are a coach.",
		InputTranscription:  true,
		OutputTranscription: true,
	})

	msg := <-received
	if want := "models/" + gemini.DefaultModel; msg.Setup.Model != want {
		t.Errorf("model = %q, want %q", msg.Setup.Model, want)
	}
	if got := msg.Setup.GenerationConfig.ResponseModalities; len(got) != 1 || got[0] != "audio" {
		t.Errorf("responseModalities = %v, want [audio]", got)
	}
	if got := msg.Setup.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName; got != "Puck" {
		t.Errorf("voice = %q, want Puck", got)
	}
	if msg.Setup.SystemInstruction == nil || msg.Setup.SystemInstruction.Parts[0].Text != "You are a coach." {
		t.Errorf("systemInstruction = %+v", msg.Setup.SystemInstruction)
	}
	if msg.Setup.InputAudioTranscription == nil || msg.Setup.OutputAudioTranscription == nil {
		t.Error("transcription configs missing from setup")
	}
}

func TestConnect_DefaultVoiceAndNoTranscription(t *testing.T) {
	t.Parallel()

	received := make(chan map[string]any, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg map[string]any
		readJSON(t, conn, &msg)
		received <- msg
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	connect(t, srv, live.SessionConfig{})

	setup := (<-received)["setup"].(map[string]any)
	if _, ok := setup["inputAudioTranscription"]; ok {
		t.Error("inputAudioTranscription present although not requested")
	}
	voice := setup["generationConfig"].(map[string]any)["speechConfig"].(map[string]any)["voiceConfig"].(map[string]any)["prebuiltVoiceConfig"].(map[string]any)["voiceName"]
	if voice != gemini.DefaultVoice {
		t.Errorf("voice = %v, want %s", voice, gemini.DefaultVoice)
	}
}

func TestConnect_IncludesAPIKeyInURL(t *testing.T) {
	t.Parallel()

	keyCh := make(chan string, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, r *http.Request) {
		keyCh <- r.URL.Query().Get("key")
		acceptSetup(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	connect(t, srv, live.SessionConfig{})
	if got := <-keyCh; got != "test-api-key" {
		t.Errorf("key = %q, want test-api-key", got)
	}
}

func TestConnect_WaitsForSetupComplete(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-release
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	done := make(chan error, 1)
	go func() {
		sess, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{})
		if err == nil {
			_ = sess.Close()
		}
		done <- err
	}()

	select {
	case err := <-done:
		t.Fatalf("Connect returned before setupComplete: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Connect: %v", err)
	}
}

func TestConnect_SetupErrorFails(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]any{
			"error": map[string]any{"code": 403, "message": "API key not valid"},
		})
	})

	_, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{})
	if err == nil || !strings.Contains(err.Error(), "API key not valid") {
		t.Fatalf("Connect err = %v, want API key error", err)
	}
}

func TestConnect_CancelledContext_ReturnsError(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := newProvider(srv).Connect(ctx, live.SessionConfig{}); err == nil {
		t.Fatal("Connect with cancelled context should fail")
	}
}

// ── Outbound ──────────────────────────────────────────────────────────────────

func TestSendAudio_EncodesAndSends(t *testing.T) {
	t.Parallel()

	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	type chunkMsg struct {
		RealtimeInput struct {
			MediaChunks []struct {
				MIMEType string `json:"mimeType"`
				Data     string `json:"data"`
			} `json:"mediaChunks"`
		} `json:"realtimeInput"`
	}
	got := make(chan chunkMsg, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		var msg chunkMsg
		readJSON(t, conn, &msg)
		got <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := connect(t, srv, live.SessionConfig{})
	if err := sess.SendAudio(pcm); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	// The buffer may be reused by the caller immediately.
	pcm[0] = 0xFF

	msg := <-got
	chunks := msg.RealtimeInput.MediaChunks
	if len(chunks) != 1 {
		t.Fatalf("mediaChunks = %d, want 1", len(chunks))
	}
	if chunks[0].MIMEType != "audio/pcm;rate=16000" {
		t.Errorf("mimeType = %q", chunks[0].MIMEType)
	}
	if want := base64.StdEncoding.EncodeToString([]byte{0x01, 0x02, 0x03, 0x04}); chunks[0].Data != want {
		t.Errorf("data = %q, want %q", chunks[0].Data, want)
	}
}

func TestSendText_UsesRealtimeInputText(t *testing.T) {
	t.Parallel()

	got := make(chan map[string]any, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		var msg map[string]any
		readJSON(t, conn, &msg)
		got <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := connect(t, srv, live.SessionConfig{})
	if err := sess.SendText("[SYSTEM_SIGNAL] SWITCH_MODE: PRACTICE."); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	ri, ok := (<-got)["realtimeInput"].(map[string]any)
	if !ok {
		t.Fatal("message has no realtimeInput")
	}
	if ri["text"] != "[SYSTEM_SIGNAL] SWITCH_MODE: PRACTICE." {
		t.Errorf("text = %v", ri["text"])
	}
	if _, has := ri["mediaChunks"]; has {
		t.Error("text message must not carry mediaChunks")
	}
}

func TestUpdateInstructions_Unsupported(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})
	sess := connect(t, srv, live.SessionConfig{})
	if err := sess.UpdateInstructions("x"); !errors.Is(err, live.ErrReconfigureUnsupported) {
		t.Errorf("err = %v, want ErrReconfigureUnsupported", err)
	}
}

func TestSendAudio_AfterClose_ReturnsError(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})
	sess := connect(t, srv, live.SessionConfig{})
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sess.SendAudio([]byte{1, 2}); !errors.Is(err, live.ErrSessionClosed) {
		t.Errorf("SendAudio after Close: err = %v, want ErrSessionClosed", err)
	}
	if err := sess.SendText("hi"); !errors.Is(err, live.ErrSessionClosed) {
		t.Errorf("SendText after Close: err = %v, want ErrSessionClosed", err)
	}
}

// ── Inbound ───────────────────────────────────────────────────────────────────

func TestEvents_DeliversDecodedAudio(t *testing.T) {
	t.Parallel()

	wantPCM := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{
					"parts": []map[string]any{
						{"inlineData": map[string]any{
							"mimeType": "audio/pcm;rate=24000",
							"data":     base64.StdEncoding.EncodeToString(wantPCM),
						}},
					},
				},
			},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := connect(t, srv, live.SessionConfig{})
	ev := nextEvent(t, sess)
	if ev.Kind != live.EventAudio {
		t.Fatalf("kind = %v, want audio", ev.Kind)
	}
	if string(ev.Audio) != string(wantPCM) {
		t.Errorf("audio = %v, want %v", ev.Audio, wantPCM)
	}
}

func TestEvents_OrderWithinMessage(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"inputTranscription":  map[string]any{"text": "ignored when output present"},
				"outputTranscription": map[string]any{"text": "Sure."},
				"turnComplete":        true,
				"modelTurn": map[string]any{
					"parts": []map[string]any{
						{"inlineData": map[string]any{"mimeType": "audio/pcm", "data": base64.StdEncoding.EncodeToString([]byte{0, 0})}},
					},
				},
			},
		})
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"inputTranscription": map[string]any{"text": "hi"},
			},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := connect(t, srv, live.SessionConfig{})

	want := []struct {
		kind live.EventKind
		role types.Role
		text string
	}{
		{live.EventTranscript, types.RoleRemote, "Sure."},
		{live.EventTurnComplete, 0, ""},
		{live.EventAudio, types.RoleRemote, ""},
		{live.EventTranscript, types.RoleCaller, "hi"},
	}
	for i, w := range want {
		ev := nextEvent(t, sess)
		if ev.Kind != w.kind || ev.Text != w.text || (w.role != 0 && ev.Role != w.role) {
			t.Errorf("event %d = {%v %v %q}, want {%v %v %q}", i, ev.Kind, ev.Role, ev.Text, w.kind, w.role, w.text)
		}
	}
}

func TestEvents_ServerErrorEndsSession(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, map[string]any{"error": map[string]any{"code": 500, "message": "quota exceeded"}})
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := connect(t, srv, live.SessionConfig{})
	ev := nextEvent(t, sess)
	if ev.Kind != live.EventError || ev.Err == nil || !strings.Contains(ev.Err.Error(), "quota exceeded") {
		t.Fatalf("event = %+v, want error event", ev)
	}
	select {
	case _, ok := <-sess.Events():
		if ok {
			t.Fatal("expected channel close after error event")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for channel close")
	}
	if sess.Err() == nil {
		t.Error("Err() = nil after server error")
	}
}

func TestEvents_AbnormalCloseSetsErr(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		conn.Close(websocket.StatusInternalError, "boom")
	})

	sess := connect(t, srv, live.SessionConfig{})
	select {
	case _, ok := <-sess.Events():
		if ok {
			t.Fatal("unexpected event")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for channel close")
	}
	if sess.Err() == nil {
		t.Error("Err() = nil after abnormal close")
	}
}

// ── Close ─────────────────────────────────────────────────────────────────────

func TestClose_IdempotentAndClosesEvents(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := connect(t, srv, live.SessionConfig{})
	for i := range 3 {
		if err := sess.Close(); err != nil {
			t.Fatalf("Close #%d: %v", i+1, err)
		}
	}
	select {
	case _, ok := <-sess.Events():
		if ok {
			t.Fatal("unexpected event after Close")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Events not closed after Close")
	}
	if err := sess.Err(); err != nil {
		t.Errorf("Err() after local Close = %v, want nil", err)
	}
}

func TestConcurrentSendAudio_DoesNotRace(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})
	sess := connect(t, srv, live.SessionConfig{})

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				_ = sess.SendAudio([]byte{0, 1, 2, 3})
			}
		}()
	}
	wg.Wait()
}
