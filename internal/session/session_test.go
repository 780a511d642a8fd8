package session_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/voxgate/voxgate/internal/bridge"
	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/internal/session"
	"github.com/voxgate/voxgate/internal/wire"
	"github.com/voxgate/voxgate/pkg/asr"
	"github.com/voxgate/voxgate/pkg/asr/mock"
	"github.com/voxgate/voxgate/pkg/audio"
)

func newTestMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("creating metrics: %v", err)
	}
	return m
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// testConfig returns tight pipeline settings so scenarios finish fast. The
// detector script, not the VAD config, decides segment boundaries in tests.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Audio.SampleRate = 16000
	cfg.Audio.VADChunkMS = 100
	cfg.Audio.MaxSegmentMS = 10000
	cfg.Audio.PreRollMS = 0
	cfg.Submit.MinTextChars = 2
	cfg.Submit.RequireSpeech = true
	cfg.Submit.MinIntervalMS = 0
	cfg.Submit.FilterFiller = true
	cfg.Merge.GapMS = 150
	cfg.Merge.MaxMS = 5000
	cfg.Interrupt.PreToken = true
	cfg.Interrupt.PostTokenMode = "always"
	cfg.Interrupt.MinChars = 6
	cfg.Backend.MaxPending = 4
	cfg.Backend.RequestTimeoutS = 5
	cfg.Backend.ConnectTimeoutS = 2
	cfg.Backend.ReconnectS = 0.05
	cfg.Backend.PingIntervalS = 30
	return cfg
}

// rich wraps plain text in the tag form recognizers emit.
func rich(text string) string {
	return "<|zh|><|EMO_UNKNOWN|><|Speech|><|withitn|>" + text
}

// utteranceBoundaries scripts n utterances: utterance i begins at chunk 2i
// and ends at chunk 2i+1.
func utteranceBoundaries(n int) map[int][]asr.Boundary {
	m := make(map[int][]asr.Boundary)
	for i := range n {
		m[2*i] = []asr.Boundary{{BeginMS: 0, EndMS: -1}}
		m[2*i+1] = []asr.Boundary{{BeginMS: -1, EndMS: 100}}
	}
	return m
}

// fakeBackend is a scripted LLM backend endpoint. respond maps one request
// to the messages sent back; a missing request_id is filled in from the
// request. Every request is also recorded and published on Requests.
type fakeBackend struct {
	srv      *httptest.Server
	Requests chan wire.LLMRequest

	mu      sync.Mutex
	respond func(req wire.LLMRequest) []wire.BackendMessage
}

func newFakeBackend(t *testing.T, respond func(req wire.LLMRequest) []wire.BackendMessage) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{Requests: make(chan wire.LLMRequest, 16), respond: respond}
	fb.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var req wire.LLMRequest
			if err := json.Unmarshal(data, &req); err != nil {
				continue
			}
			select {
			case fb.Requests <- req:
			default:
			}
			fb.mu.Lock()
			respond := fb.respond
			fb.mu.Unlock()
			if respond == nil {
				continue
			}
			for _, msg := range respond(req) {
				if msg.RequestID == "" {
					msg.RequestID = req.RequestID
				}
				out, err := json.Marshal(msg)
				if err != nil {
					continue
				}
				if err := conn.Write(ctx, websocket.MessageText, out); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(fb.srv.Close)
	return fb
}

func (fb *fakeBackend) nextRequest(t *testing.T) wire.LLMRequest {
	t.Helper()
	select {
	case req := <-fb.Requests:
		return req
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a backend request")
		return wire.LLMRequest{}
	}
}

// testEnv wires a real bridge and a real session over loopback websockets.
type testEnv struct {
	t       *testing.T
	cfg     *config.Config
	client  *websocket.Conn
	backend *fakeBackend
}

func newEnv(t *testing.T, cfg *config.Config, det *mock.Detector, rec *mock.Recognizer, respond func(req wire.LLMRequest) []wire.BackendMessage) *testEnv {
	t.Helper()

	fb := newFakeBackend(t, respond)
	cfg.Backend.URL = wsURL(fb.srv)
	m := newTestMetrics(t)

	b := bridge.New(cfg.Backend, m)
	bctx, bcancel := context.WithCancel(context.Background())
	bdone := make(chan struct{})
	go func() {
		defer close(bdone)
		_ = b.Run(bctx)
	}()
	t.Cleanup(func() {
		b.Stop()
		bcancel()
		<-bdone
	})

	wctx, wcancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer wcancel()
	if err := b.WaitConnected(wctx); err != nil {
		t.Fatalf("bridge never connected: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.CloseNow()
		sess, err := session.New(session.Options{
			Conn:       conn,
			Bridge:     b,
			Detector:   det,
			Recognizer: rec,
			Config:     cfg,
			Metrics:    m,
		})
		if err != nil {
			t.Errorf("creating session: %v", err)
			return
		}
		_ = sess.Run(r.Context())
	}))
	t.Cleanup(srv.Close)

	dctx, dcancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer dcancel()
	client, _, err := websocket.Dial(dctx, wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dialing session endpoint: %v", err)
	}
	client.SetReadLimit(1 << 20)
	t.Cleanup(func() { _ = client.CloseNow() })

	return &testEnv{t: t, cfg: cfg, client: client, backend: fb}
}

// speak sends one scripted utterance as two detector chunks of silence; the
// detector script supplies the boundaries, the recognizer the text.
func (e *testEnv) speak() {
	e.t.Helper()
	data := audio.Float32ToInt16LE(make([]float32, e.cfg.Audio.VADChunkSamples()))
	for range 2 {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := e.client.Write(ctx, websocket.MessageBinary, data)
		cancel()
		if err != nil {
			e.t.Fatalf("sending audio: %v", err)
		}
	}
}

func (e *testEnv) sendControl(raw string) {
	e.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := e.client.Write(ctx, websocket.MessageText, []byte(raw)); err != nil {
		e.t.Fatalf("sending control frame: %v", err)
	}
}

func (e *testEnv) readEvent() map[string]any {
	e.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := e.client.Read(ctx)
	if err != nil {
		e.t.Fatalf("reading client event: %v", err)
	}
	var ev map[string]any
	if err := json.Unmarshal(data, &ev); err != nil {
		e.t.Fatalf("decoding client event %q: %v", data, err)
	}
	return ev
}

// waitFor reads events until pred matches and returns everything seen,
// match included.
func (e *testEnv) waitFor(desc string, pred func(ev map[string]any) bool) []map[string]any {
	e.t.Helper()
	var seen []map[string]any
	for range 64 {
		ev := e.readEvent()
		seen = append(seen, ev)
		if pred(ev) {
			return seen
		}
	}
	e.t.Fatalf("gave up waiting for %s after %d events", desc, len(seen))
	return nil
}

func isStage(ev map[string]any, stage string) bool {
	return ev["event"] == wire.EventBackendState && ev["stage"] == stage
}

func isEvent(ev map[string]any, name string) bool {
	return ev["event"] == name
}

func stageIn(events []map[string]any, stage string) map[string]any {
	for _, ev := range events {
		if isStage(ev, stage) {
			return ev
		}
	}
	return nil
}

func eventIn(events []map[string]any, name string) map[string]any {
	for _, ev := range events {
		if isEvent(ev, name) {
			return ev
		}
	}
	return nil
}

func TestPipelineStreamsReply(t *testing.T) {
	t.Parallel()

	det := &mock.Detector{Boundaries: utteranceBoundaries(1)}
	rec := &mock.Recognizer{Results: []string{rich("你好世界")}}
	respond := func(req wire.LLMRequest) []wire.BackendMessage {
		return []wire.BackendMessage{
			{Type: wire.TypeLLMStream, Delta: "你"},
			{Type: wire.TypeLLMStream, Delta: "好"},
			{Type: wire.TypeLLMResponse, Reply: "你好!", Emotion: "HAPPY", Final: true},
		}
	}
	env := newEnv(t, testConfig(), det, rec, respond)

	status := env.readEvent()
	if !isEvent(status, wire.EventStatus) || status["message"] != "connected" {
		t.Fatalf("first event = %v, want connected status", status)
	}
	if up, ok := status["backend_connected"].(bool); !ok || !up {
		t.Fatalf("backend_connected = %v, want true", status["backend_connected"])
	}

	env.speak()
	events := env.waitFor("completed state", func(ev map[string]any) bool {
		return isStage(ev, wire.StageCompleted)
	})

	asrEv := eventIn(events, wire.EventASR)
	if asrEv == nil || asrEv["text"] != "你好世界" || asrEv["final"] != true {
		t.Fatalf("asr event = %v, want final 你好世界", asrEv)
	}
	queued := stageIn(events, wire.StageQueued)
	if queued == nil {
		t.Fatal("queued state never emitted")
	}
	if detail, _ := queued["detail"].(string); !strings.Contains(detail, "merge_reason=gap_or_window") || !strings.Contains(detail, "merge_count=1") {
		t.Fatalf("queued detail = %q, want merge diagnostics", queued["detail"])
	}
	if stageIn(events, wire.StageThinking) == nil {
		t.Fatal("thinking state never emitted")
	}
	if stageIn(events, wire.StageStreaming) == nil {
		t.Fatal("streaming state never emitted")
	}
	var deltas []string
	for _, ev := range events {
		if isEvent(ev, wire.EventBackendStream) {
			deltas = append(deltas, ev["delta"].(string))
		}
	}
	if strings.Join(deltas, "") != "你好" {
		t.Fatalf("streamed deltas = %v, want 你 + 好", deltas)
	}
	result := eventIn(events, wire.EventBackendResult)
	if result == nil || result["reply"] != "你好!" || result["final"] != true {
		t.Fatalf("result = %v, want final reply 你好!", result)
	}
	if result["emotion"] != "HAPPY" {
		t.Fatalf("result emotion = %v, want HAPPY", result["emotion"])
	}
	if _, ok := result["interrupted"]; ok {
		t.Fatalf("complete result carries interrupted flag: %v", result)
	}

	req := env.backend.nextRequest(t)
	if req.Text != "你好世界" || req.MergeCount != 1 || !req.Final {
		t.Fatalf("backend request = %+v, want single merged utterance", req)
	}
	if !strings.HasPrefix(req.RequestID, req.SessionID+"-r") {
		t.Fatalf("request id %q not derived from session id %q", req.RequestID, req.SessionID)
	}
}

func TestAdmissionFilters(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw    string
		reason string
	}{
		{rich("嗯嗯"), wire.ReasonFillerText},
		{rich("水"), wire.ReasonTextTooShort},
		{"<|zh|><|EMO_UNKNOWN|><|BGM|><|woitn|>背景音乐声", wire.ReasonNotSpeechEvent},
	}

	det := &mock.Detector{Boundaries: utteranceBoundaries(len(cases))}
	rec := &mock.Recognizer{}
	for _, tc := range cases {
		rec.Results = append(rec.Results, tc.raw)
	}
	env := newEnv(t, testConfig(), det, rec, nil)
	env.waitFor("connected status", func(ev map[string]any) bool {
		return isEvent(ev, wire.EventStatus)
	})

	for _, tc := range cases {
		env.speak()
		events := env.waitFor("filtered event", func(ev map[string]any) bool {
			return isEvent(ev, wire.EventFiltered)
		})
		filtered := eventIn(events, wire.EventFiltered)
		if filtered["reason"] != tc.reason {
			t.Errorf("utterance %q filtered as %v, want %s", tc.raw, filtered["reason"], tc.reason)
		}
		if eventIn(events, wire.EventASR) == nil {
			t.Errorf("utterance %q produced no asr event before filtering", tc.raw)
		}
	}
}

func TestKeepShortBypassesMinLength(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Submit.MinTextChars = 4 // "好的" is two runes
	det := &mock.Detector{Boundaries: utteranceBoundaries(1)}
	rec := &mock.Recognizer{Results: []string{rich("好的")}}
	respond := func(req wire.LLMRequest) []wire.BackendMessage {
		return []wire.BackendMessage{{Type: wire.TypeLLMResponse, Reply: "收到", Final: true}}
	}
	env := newEnv(t, cfg, det, rec, respond)

	env.speak()
	env.waitFor("completed state", func(ev map[string]any) bool {
		return isStage(ev, wire.StageCompleted)
	})
	if req := env.backend.nextRequest(t); req.Text != "好的" {
		t.Fatalf("backend request text = %q, want 好的", req.Text)
	}
}

func TestSubmitIntervalLimited(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Submit.MinIntervalMS = 60_000
	det := &mock.Detector{Boundaries: utteranceBoundaries(2)}
	rec := &mock.Recognizer{Results: []string{rich("第一句话"), rich("第二句话")}}
	respond := func(req wire.LLMRequest) []wire.BackendMessage {
		return []wire.BackendMessage{{Type: wire.TypeLLMResponse, Reply: "ok", Final: true}}
	}
	env := newEnv(t, cfg, det, rec, respond)

	env.speak()
	env.waitFor("first utterance queued", func(ev map[string]any) bool {
		return isStage(ev, wire.StageQueued)
	})

	env.speak()
	events := env.waitFor("filtered event", func(ev map[string]any) bool {
		return isEvent(ev, wire.EventFiltered)
	})
	filtered := eventIn(events, wire.EventFiltered)
	if filtered["reason"] != wire.ReasonIntervalLimited {
		t.Fatalf("second utterance filtered as %v, want %s", filtered["reason"], wire.ReasonIntervalLimited)
	}
}

func TestMergeJoinsUtterancesInGap(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Merge.GapMS = 400
	det := &mock.Detector{Boundaries: utteranceBoundaries(2)}
	rec := &mock.Recognizer{Results: []string{rich("帮我查下天气"), rich("顺便说个笑话")}}
	respond := func(req wire.LLMRequest) []wire.BackendMessage {
		return []wire.BackendMessage{{Type: wire.TypeLLMResponse, Reply: "好", Final: true}}
	}
	env := newEnv(t, cfg, det, rec, respond)

	env.speak()
	env.speak()
	events := env.waitFor("completed state", func(ev map[string]any) bool {
		return isStage(ev, wire.StageCompleted)
	})

	var queued int
	for _, ev := range events {
		if isStage(ev, wire.StageQueued) {
			queued++
		}
	}
	if queued != 1 {
		t.Fatalf("queued %d requests, want the two utterances merged into one", queued)
	}

	req := env.backend.nextRequest(t)
	if req.Text != "帮我查下天气 顺便说个笑话" {
		t.Fatalf("merged text = %q, want space-joined pair", req.Text)
	}
	if req.MergeCount != 2 || req.MergeReason != "gap_or_window" {
		t.Fatalf("merge diagnostics = count %d reason %q, want 2/gap_or_window", req.MergeCount, req.MergeReason)
	}
}

func TestPreTokenInterruptStealsBack(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	det := &mock.Detector{Boundaries: utteranceBoundaries(2)}
	rec := &mock.Recognizer{Results: []string{rich("今天天气如何"), rich("还要带伞吗")}}
	respond := func(req wire.LLMRequest) []wire.BackendMessage {
		if req.Text == "今天天气如何" {
			return nil // hold the first request with no tokens
		}
		return []wire.BackendMessage{{Type: wire.TypeLLMResponse, Reply: "晴，不用带伞", Final: true}}
	}
	env := newEnv(t, cfg, det, rec, respond)

	env.speak()
	env.waitFor("first request thinking", func(ev map[string]any) bool {
		return isStage(ev, wire.StageThinking)
	})
	first := env.backend.nextRequest(t)

	env.speak()
	events := env.waitFor("completed state", func(ev map[string]any) bool {
		return isStage(ev, wire.StageCompleted)
	})

	interrupting := stageIn(events, wire.StageInterrupting)
	if interrupting == nil || interrupting["detail"] != "pre_token" {
		t.Fatalf("interrupting state = %v, want detail pre_token", interrupting)
	}
	if interrupting["request_id"] != first.RequestID {
		t.Fatalf("interrupted request = %v, want %s", interrupting["request_id"], first.RequestID)
	}
	warn := eventIn(events, wire.EventWarn)
	if warn == nil || warn["message"] != "llm interrupted: pre_token" {
		t.Fatalf("warn = %v, want llm interrupted: pre_token", warn)
	}
	if stageIn(events, wire.StageInterrupted) == nil {
		t.Fatal("interrupted state never emitted")
	}
	// No tokens were streamed, so no partial result is surfaced.
	for _, ev := range events {
		if isEvent(ev, wire.EventBackendResult) && ev["interrupted"] == true {
			t.Fatalf("unexpected partial result: %v", ev)
		}
	}

	second := env.backend.nextRequest(t)
	if second.Text != "今天天气如何 还要带伞吗" {
		t.Fatalf("resubmitted text = %q, want stolen text joined in front", second.Text)
	}
	if second.MergeCount != 2 {
		t.Fatalf("merge count = %d, want 2", second.MergeCount)
	}
}

func TestPostTokenInterruptEmitsPartial(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	det := &mock.Detector{Boundaries: utteranceBoundaries(2)}
	rec := &mock.Recognizer{Results: []string{rich("讲一个长故事"), rich("先别讲了")}}
	respond := func(req wire.LLMRequest) []wire.BackendMessage {
		if req.Text == "讲一个长故事" {
			return []wire.BackendMessage{{Type: wire.TypeLLMStream, Delta: "从前"}}
		}
		return []wire.BackendMessage{{Type: wire.TypeLLMResponse, Reply: "好的", Final: true}}
	}
	env := newEnv(t, cfg, det, rec, respond)

	env.speak()
	env.waitFor("first streamed delta", func(ev map[string]any) bool {
		return isEvent(ev, wire.EventBackendStream)
	})
	first := env.backend.nextRequest(t)

	env.speak()
	events := env.waitFor("completed state", func(ev map[string]any) bool {
		return isStage(ev, wire.StageCompleted)
	})

	interrupting := stageIn(events, wire.StageInterrupting)
	if interrupting == nil || interrupting["detail"] != "post_token" {
		t.Fatalf("interrupting state = %v, want detail post_token", interrupting)
	}

	var partial map[string]any
	for _, ev := range events {
		if isEvent(ev, wire.EventBackendResult) && ev["interrupted"] == true {
			partial = ev
			break
		}
	}
	if partial == nil {
		t.Fatal("no partial result emitted")
	}
	if partial["reply"] != "从前" || partial["final"] != true {
		t.Fatalf("partial = %v, want final partial 从前", partial)
	}
	if partial["request_id"] != first.RequestID {
		t.Fatalf("partial request = %v, want %s", partial["request_id"], first.RequestID)
	}
	if _, ok := partial["emotion"]; ok {
		t.Fatalf("interrupted partial carries emotion: %v", partial)
	}

	second := env.backend.nextRequest(t)
	if second.Text != "先别讲了" || second.MergeCount != 1 {
		t.Fatalf("second request = %+v, want the new utterance alone", second)
	}
}

func TestQueueBusyRebuffers(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Backend.MaxPending = 1
	cfg.Interrupt.PreToken = false
	cfg.Interrupt.PostTokenMode = "off"
	det := &mock.Detector{Boundaries: utteranceBoundaries(3)}
	rec := &mock.Recognizer{Results: []string{rich("第一个请求"), rich("第二个请求"), rich("再加一件事")}}
	respond := func(req wire.LLMRequest) []wire.BackendMessage {
		return nil // hold everything so the queue stays occupied
	}
	env := newEnv(t, cfg, det, rec, respond)

	env.speak() // dispatched immediately, occupies the runner
	env.waitFor("first request thinking", func(ev map[string]any) bool {
		return isStage(ev, wire.StageThinking)
	})
	env.speak() // fills the single queue slot
	env.waitFor("second request queued", func(ev map[string]any) bool {
		return isStage(ev, wire.StageQueued)
	})

	env.speak() // must back-buffer
	events := env.waitFor("queue busy state", func(ev map[string]any) bool {
		return isStage(ev, wire.StageQueueBusy)
	})

	filtered := eventIn(events, wire.EventFiltered)
	if filtered == nil || filtered["reason"] != wire.ReasonQueueBusy {
		t.Fatalf("filtered = %v, want reason %s", filtered, wire.ReasonQueueBusy)
	}
	if filtered["text"] != "再加一件事" {
		t.Fatalf("buffered text = %v, want 再加一件事", filtered["text"])
	}
	busy := stageIn(events, wire.StageQueueBusy)
	if detail, _ := busy["detail"].(string); detail != wire.ReasonQueueBusy {
		t.Fatalf("queue_busy detail = %q, want %s", detail, wire.ReasonQueueBusy)
	}
}

func TestBackendErrorWarnsAndFails(t *testing.T) {
	t.Parallel()

	det := &mock.Detector{Boundaries: utteranceBoundaries(1)}
	rec := &mock.Recognizer{Results: []string{rich("触发一个错误")}}
	respond := func(req wire.LLMRequest) []wire.BackendMessage {
		return []wire.BackendMessage{{Type: wire.TypeLLMError, Error: "model exploded", Final: true}}
	}
	env := newEnv(t, testConfig(), det, rec, respond)

	env.speak()
	events := env.waitFor("failed state", func(ev map[string]any) bool {
		return isStage(ev, wire.StageFailed)
	})

	warn := eventIn(events, wire.EventWarn)
	if warn == nil || warn["message"] != "backend error: model exploded" {
		t.Fatalf("warn = %v, want backend error: model exploded", warn)
	}
	failed := stageIn(events, wire.StageFailed)
	if failed["detail"] != "model exploded" {
		t.Fatalf("failed detail = %v, want model exploded", failed["detail"])
	}
}

func TestBackendTimeout(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Backend.RequestTimeoutS = 0.3
	det := &mock.Detector{Boundaries: utteranceBoundaries(1)}
	rec := &mock.Recognizer{Results: []string{rich("一直不回复")}}
	env := newEnv(t, cfg, det, rec, nil)

	env.speak()
	events := env.waitFor("timeout state", func(ev map[string]any) bool {
		return isStage(ev, wire.StageTimeout)
	})

	warn := eventIn(events, wire.EventWarn)
	if warn == nil || warn["message"] != "backend request timeout after 0.3s" {
		t.Fatalf("warn = %v, want timeout warning with one decimal", warn)
	}
	timeoutEv := stageIn(events, wire.StageTimeout)
	if timeoutEv["detail"] != "0.3s" {
		t.Fatalf("timeout detail = %v, want 0.3s", timeoutEv["detail"])
	}
}

func TestFlushCommitsOpenWindow(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Merge.GapMS = 10_000 // gap alone would never fire during the test
	det := &mock.Detector{Boundaries: utteranceBoundaries(1)}
	rec := &mock.Recognizer{Results: []string{rich("把这句发出去")}}
	respond := func(req wire.LLMRequest) []wire.BackendMessage {
		return []wire.BackendMessage{{Type: wire.TypeLLMResponse, Reply: "已发送", Final: true}}
	}
	env := newEnv(t, cfg, det, rec, respond)

	env.speak()
	env.waitFor("asr event", func(ev map[string]any) bool {
		return isEvent(ev, wire.EventASR)
	})

	env.sendControl(`{"event":"flush"}`)
	events := env.waitFor("flushed status", func(ev map[string]any) bool {
		return isEvent(ev, wire.EventStatus) && ev["message"] == "flushed"
	})
	queued := stageIn(events, wire.StageQueued)
	if queued == nil {
		t.Fatal("flush did not commit the open window")
	}
	if detail, _ := queued["detail"].(string); !strings.Contains(detail, "merge_reason=flush") {
		t.Fatalf("queued detail = %q, want merge_reason=flush", detail)
	}

	if req := env.backend.nextRequest(t); req.MergeReason != "flush" {
		t.Fatalf("merge reason = %q, want flush", req.MergeReason)
	}
}

func TestPingPongAndUnknownControls(t *testing.T) {
	t.Parallel()

	det := &mock.Detector{}
	rec := &mock.Recognizer{}
	env := newEnv(t, testConfig(), det, rec, nil)
	env.waitFor("connected status", func(ev map[string]any) bool {
		return isEvent(ev, wire.EventStatus)
	})

	env.sendControl(`not json at all`)
	env.sendControl(`{"event":"dance"}`)
	env.sendControl(`{"event":"ping"}`)

	ev := env.readEvent()
	if !isEvent(ev, wire.EventPong) {
		t.Fatalf("event = %v, want pong (garbage and unknown controls ignored)", ev)
	}
	if ev["session_id"] == "" {
		t.Fatal("pong missing session_id")
	}
}
