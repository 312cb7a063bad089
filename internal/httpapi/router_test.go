package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"broll/internal/doctor"
	"broll/internal/handler"
	"broll/internal/httpapi/handlers"
	"broll/internal/jobs"
	"broll/internal/pkg/errors"
	"broll/internal/pkg/middleware"
	"broll/internal/worker"
	"broll/internal/worker/queue"
)

type stubRunner struct {
	obs   handler.Observer
	fail  *jobs.Failure
	delay time.Duration
}

func (s stubRunner) Run(ctx context.Context, id string, _ []byte) handler.Result {
	if s.delay > 0 {
		time.Sleep(s.delay)
		if ctx.Err() != nil {
			return handler.Result{JobID: id, State: jobs.StateFailed, Failure: &jobs.Failure{Kind: "CANCELED", Message: ctx.Err().Error()}}
		}
	}
	for _, st := range []jobs.State{jobs.StateReceived, jobs.StateTemplateResolved, jobs.StateRendering, jobs.StateEncoding} {
		s.obs(ctx, id, st)
	}
	if s.fail != nil {
		return handler.Result{JobID: id, State: jobs.StateFailed, Failure: s.fail}
	}
	return handler.Result{JobID: id, State: jobs.StateCompleted, Response: &handler.Response{
		VideoBase64:     "AAAA",
		Template:        "ai_cpu_activation",
		FileSizeBytes:   3,
		OutputObjectKey: "renders/" + id + "/output.mp4",
	}}
}

type memArchive map[string]string

func (m memArchive) Open(_ context.Context, key string) (io.ReadCloser, string, int64, error) {
	v, ok := m[key]
	if !ok {
		return nil, "", 0, errors.NotFound("object", key)
	}
	return io.NopCloser(strings.NewReader(v)), "video/mp4", int64(len(v)), nil
}

type testAPI struct {
	srv   *httptest.Server
	store *jobs.Memory
	queue *queue.Local
}

func newTestAPI(t *testing.T, secret string, fail *jobs.Failure, archive handlers.VideoSource) *testAPI {
	t.Helper()
	store := jobs.NewMemory()
	q := queue.NewLocal(8, 10*time.Millisecond)
	router := NewRouter(Deps{
		Deps: handlers.Deps{
			Store:   store,
			Queue:   q,
			Runner:  stubRunner{obs: worker.StoreObserver(store, nil), fail: fail},
			Archive: archive,
			Doctor: func(context.Context) []doctor.Result {
				return []doctor.Result{{Name: "Blender", Passed: true}, {Name: "nvidia-smi", Optional: true}}
			},
		},
		AuthSecret: secret,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testAPI{srv: srv, store: store, queue: q}
}

func (a *testAPI) do(t *testing.T, method, path, body, token string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, a.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestRunEnqueues(t *testing.T) {
	api := newTestAPI(t, "", nil, nil)

	resp, body := api.do(t, "POST", "/run", `{"input":{"template":"ai_cpu_activation"}}`, "")
	if resp.StatusCode != http.StatusOK || body["status"] != "IN_QUEUE" {
		t.Fatalf("unexpected response %d %v", resp.StatusCode, body)
	}
	id, _ := body["id"].(string)

	m, ok, err := api.queue.Pop(context.Background())
	if err != nil || !ok || m.ID != id {
		t.Fatalf("expected queued message for %s, got %+v ok=%v err=%v", id, m, ok, err)
	}
	if string(m.Input) != `{"template":"ai_cpu_activation"}` {
		t.Errorf("queued input = %s", m.Input)
	}

	resp, body = api.do(t, "GET", "/status/"+id, "", "")
	if resp.StatusCode != http.StatusOK || body["status"] != "IN_QUEUE" {
		t.Errorf("unexpected status response %d %v", resp.StatusCode, body)
	}
}

func TestRunRejectsBadBodies(t *testing.T) {
	api := newTestAPI(t, "", nil, nil)
	for _, body := range []string{``, `{}`, `{"input":null}`, `{"input":{},"webhook":"x"}`} {
		resp, out := api.do(t, "POST", "/run", body, "")
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("body %q: expected 400, got %d %v", body, resp.StatusCode, out)
		}
	}
}

func TestRunSyncReturnsOutput(t *testing.T) {
	api := newTestAPI(t, "", nil, memArchive{})

	resp, body := api.do(t, "POST", "/runsync", `{"input":{"template":"ai_cpu_activation"}}`, "")
	if resp.StatusCode != http.StatusOK || body["status"] != "COMPLETED" {
		t.Fatalf("unexpected response %d %v", resp.StatusCode, body)
	}
	out, _ := body["output"].(map[string]any)
	if out["video_base64"] != "AAAA" {
		t.Errorf("output = %v", out)
	}

	id, _ := body["id"].(string)
	rec, err := api.store.Get(context.Background(), id)
	if err != nil || rec.State != jobs.StateCompleted {
		t.Errorf("stored record = %+v err=%v", rec, err)
	}
}

func TestRunSyncOutlivesServerTimeouts(t *testing.T) {
	store := jobs.NewMemory()
	router := NewRouter(Deps{Deps: handlers.Deps{
		Store:  store,
		Queue:  queue.NewLocal(1, 10*time.Millisecond),
		Runner: stubRunner{obs: worker.StoreObserver(store, nil), delay: 600 * time.Millisecond},
	}})
	srv := httptest.NewUnstartedServer(router)
	srv.Config.ReadTimeout = 300 * time.Millisecond
	srv.Config.WriteTimeout = 300 * time.Millisecond
	srv.Start()
	t.Cleanup(srv.Close)

	resp, err := http.Post(srv.URL+"/runsync", "application/json", strings.NewReader(`{"input":{"template":"ai_cpu_activation"}}`))
	if err != nil {
		t.Fatalf("runsync response lost: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.StatusCode != http.StatusOK || body["status"] != "COMPLETED" {
		t.Fatalf("unexpected response %d %v", resp.StatusCode, body)
	}
}

func TestRunSyncFailureShape(t *testing.T) {
	api := newTestAPI(t, "", &jobs.Failure{Kind: "HARDWARE_UNAVAILABLE", Message: "no GPU compute backend available"}, nil)

	_, body := api.do(t, "POST", "/runsync", `{"input":{}}`, "")
	if body["status"] != "FAILED" {
		t.Fatalf("unexpected body %v", body)
	}
	if _, ok := body["output"]; ok {
		t.Error("failed job must not carry output")
	}
	e, _ := body["error"].(map[string]any)
	if e["kind"] != "HARDWARE_UNAVAILABLE" {
		t.Errorf("error = %v", e)
	}

	id, _ := body["id"].(string)
	_, status := api.do(t, "GET", "/status/"+id, "", "")
	if status["status"] != "FAILED" {
		t.Errorf("status = %v", status)
	}
}

func TestStatusNotFound(t *testing.T) {
	api := newTestAPI(t, "", nil, nil)
	resp, body := api.do(t, "GET", "/status/missing", "", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if e, _ := body["error"].(map[string]any); e["kind"] != "NOT_FOUND" {
		t.Errorf("body = %v", body)
	}
}

func TestVideoStreamsArchivedOutput(t *testing.T) {
	archive := memArchive{}
	api := newTestAPI(t, "", nil, archive)

	_, body := api.do(t, "POST", "/runsync", `{"input":{}}`, "")
	id, _ := body["id"].(string)
	archive["renders/"+id+"/output.mp4"] = "mp4-bytes"

	resp, err := http.Get(api.srv.URL + "/video/" + id)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(data) != "mp4-bytes" || resp.Header.Get("Content-Type") != "video/mp4" {
		t.Errorf("unexpected video response %d %q %v", resp.StatusCode, data, resp.Header)
	}

	if resp, _ := api.do(t, "GET", "/video/unknown", "", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown job, got %d", resp.StatusCode)
	}
}

func TestAuthProtectsJobRoutes(t *testing.T) {
	api := newTestAPI(t, "secret", nil, nil)

	if resp, _ := api.do(t, "POST", "/run", `{"input":{}}`, ""); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", resp.StatusCode)
	}
	token, err := middleware.IssueToken("secret", "tester", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if resp, _ := api.do(t, "POST", "/run", `{"input":{}}`, token); resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 with token, got %d", resp.StatusCode)
	}
	if resp, _ := api.do(t, "GET", "/health", "", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("health must stay public, got %d", resp.StatusCode)
	}
}

func TestDeepHealth(t *testing.T) {
	api := newTestAPI(t, "", nil, nil)

	_, body := api.do(t, "GET", "/health", "", "")
	if body["status"] != "ok" || body["checks"] != nil {
		t.Errorf("shallow health = %v", body)
	}

	_, body = api.do(t, "GET", "/health?deep=true", "", "")
	if body["status"] != "ok" {
		t.Errorf("deep health = %v", body)
	}
	checks, _ := body["checks"].(map[string]any)
	for _, name := range []string{"store", "queue", "host"} {
		c, _ := checks[name].(map[string]any)
		if c["status"] != "ok" {
			t.Errorf("check %s = %v", name, c)
		}
	}
}
