package rank

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"

	"rankengine/internal/config"
	"rankengine/internal/core/job"
	"rankengine/internal/core/keyword"
	rds "rankengine/internal/platform/redis"
	"rankengine/internal/platform/tasks"
)

const clientsYAML = `
clients:
  - code: acme
    name: Acme Plumbing
    domain: www.Acme.com
    locations:
      A: 2840
      B: 1023191
`

type fakeEnqueuer struct {
	tasks []*asynq.Task
	ids   []string
	opts  []tasks.EnqueueOptions
	err   error
}

func (f *fakeEnqueuer) Enqueue(task *asynq.Task, opts tasks.EnqueueOptions) error {
	f.tasks = append(f.tasks, task)
	f.ids = append(f.ids, opts.TaskID)
	f.opts = append(f.opts, opts)
	return f.err
}

type fakeRankings struct{ recs map[int][]keyword.Record }

func (f fakeRankings) List(_ context.Context, clientCode string, loc int) ([]keyword.Record, error) {
	if clientCode != "acme" {
		return nil, errors.New("unexpected client")
	}
	return f.recs[loc], nil
}

type handlerFixture struct {
	app    *fiber.App
	jobs   *job.Store
	events *rds.Service
	enq    *fakeEnqueuer
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	clients, err := config.ParseClients([]byte(clientsYAML))
	if err != nil {
		t.Fatalf("ParseClients() error = %v", err)
	}
	jobs, events := newJobStore(t)
	enq := &fakeEnqueuer{}
	rankings := fakeRankings{recs: map[int][]keyword.Record{
		2840: {keyword.NewRecord("acme", "blue widgets", 2840, "acme.com", "j0", nil)},
	}}
	svc := NewService(jobs, rankings, clients, enq, nil, ServiceOptions{MaxRetries: 3, JobTimeout: 2 * time.Hour})
	h := NewHandler(svc, events)

	app := fiber.New()
	api := app.Group("/v1")
	api.Post("/rank-jobs", h.HandleStart)
	api.Post("/rank-jobs/cancel", h.HandleCancel)
	api.Get("/rank-jobs/:jobId", h.HandleGet)
	api.Get("/rank-jobs/:jobId/events", h.HandleEvents)
	api.Get("/clients/:clientCode/rankings", h.HandleRankings)
	return &handlerFixture{app: app, jobs: jobs, events: events, enq: enq}
}

func (f *handlerFixture) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			r = bytes.NewBufferString(b)
		default:
			raw, _ := json.Marshal(b)
			r = bytes.NewReader(raw)
		}
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.app.Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, out
}

func (f *handlerFixture) start(t *testing.T) string {
	t.Helper()
	code, body := f.do(t, http.MethodPost, "/v1/rank-jobs", StartRequest{ClientCode: "acme", Keywords: []string{"blue widgets"}})
	if code != http.StatusOK {
		t.Fatalf("start status = %d: %s", code, body)
	}
	var resp startResponse
	_ = json.Unmarshal(body, &resp)
	return resp.JobID
}

func TestHandleStart(t *testing.T) {
	f := newHandlerFixture(t)
	code, body := f.do(t, http.MethodPost, "/v1/rank-jobs", StartRequest{
		ClientCode: " acme ",
		Keywords:   []string{"Blue  widgets", " blue widgets ", "", "   ", "red widgets"},
	})
	if code != http.StatusOK {
		t.Fatalf("status = %d: %s", code, body)
	}
	var resp startResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.JobID == "" {
		t.Fatalf("response = %s (%v)", body, err)
	}

	if len(f.enq.tasks) != 1 || f.enq.tasks[0].Type() != tasks.TaskTypeRankJob || f.enq.ids[0] != resp.JobID {
		t.Fatalf("enqueued = %v ids %v", f.enq.tasks, f.enq.ids)
	}
	if o := f.enq.opts[0]; o.Queue != tasks.QueueDefault || o.MaxRetries != 3 || o.Timeout != 2*time.Hour {
		t.Errorf("enqueue options = %+v", o)
	}
	var payload TaskPayload
	if err := json.Unmarshal(f.enq.tasks[0].Payload(), &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	wantTargets := []ScopeTarget{{Scope: job.ScopeA, LocationCode: 2840}, {Scope: job.ScopeB, LocationCode: 1023191}}
	if payload.JobID != resp.JobID || !reflect.DeepEqual(payload.Targets, wantTargets) {
		t.Errorf("payload = %+v", payload)
	}

	j, err := f.jobs.Get(context.Background(), resp.JobID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if want := []string{"Blue widgets", "red widgets"}; !reflect.DeepEqual(j.Keywords, want) {
		t.Errorf("keywords = %q, want %q", j.Keywords, want)
	}
	if j.Status != job.StatusQueued || j.SelectedDomain != "acme.com" || j.ClientCode != "acme" {
		t.Errorf("job = %+v", j)
	}
}

func TestHandleStartValidation(t *testing.T) {
	tests := []struct {
		name string
		body any
	}{
		{name: "invalid body", body: "{"},
		{name: "missing client", body: StartRequest{Keywords: []string{"x"}}},
		{name: "blank keywords", body: StartRequest{ClientCode: "acme", Keywords: []string{" ", ""}}},
		{name: "no keywords", body: StartRequest{ClientCode: "acme"}},
		{name: "unknown client", body: StartRequest{ClientCode: "globex", Keywords: []string{"x"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newHandlerFixture(t)
			code, body := f.do(t, http.MethodPost, "/v1/rank-jobs", tt.body)
			if code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400: %s", code, body)
			}
			if len(f.enq.tasks) != 0 {
				t.Error("task enqueued for an invalid request")
			}
		})
	}
}

func TestHandleStartEnqueueFailure(t *testing.T) {
	f := newHandlerFixture(t)
	f.enq.err = errors.New("redis down")

	code, _ := f.do(t, http.MethodPost, "/v1/rank-jobs", StartRequest{ClientCode: "acme", Keywords: []string{"x"}})
	if code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", code)
	}
	j, err := f.jobs.Get(context.Background(), f.enq.ids[0])
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if j.Status != job.StatusFailed || len(j.Errors) != 1 {
		t.Errorf("job after enqueue failure = %s %v", j.Status, j.Errors)
	}
}

func TestHandleStartDuplicateTaskIsQueued(t *testing.T) {
	f := newHandlerFixture(t)
	f.enq.err = tasks.ErrDuplicate

	code, body := f.do(t, http.MethodPost, "/v1/rank-jobs", StartRequest{ClientCode: "acme", Keywords: []string{"x"}})
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", code, body)
	}
	j, err := f.jobs.Get(context.Background(), f.enq.ids[0])
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if j.Status != job.StatusQueued || len(j.Errors) != 0 {
		t.Errorf("job = %s %v, want QUEUED without errors", j.Status, j.Errors)
	}
}

func TestHandleGet(t *testing.T) {
	f := newHandlerFixture(t)
	id := f.start(t)

	code, body := f.do(t, http.MethodGet, "/v1/rank-jobs/"+id, nil)
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, k := range []string{"jobId", "clientCode", "selectedDomain", "keywords", "status", "stage", "progress", "errors", "startedAt", "completedAt", "updatedAt"} {
		if _, ok := fields[k]; !ok {
			t.Errorf("field %q missing from %s", k, body)
		}
	}

	if code, _ := f.do(t, http.MethodGet, "/v1/rank-jobs/nope", nil); code != http.StatusNotFound {
		t.Errorf("unknown job status = %d, want 404", code)
	}
	if code, _ := f.do(t, http.MethodGet, "/v1/rank-jobs/nope/events", nil); code != http.StatusNotFound {
		t.Errorf("unknown job events status = %d, want 404", code)
	}
}

// jobFrames decodes the `event: job` frames of an SSE body.
func jobFrames(t *testing.T, body []byte) []job.Job {
	t.Helper()
	var out []job.Job
	for _, frame := range strings.Split(string(body), "\n\n") {
		data, ok := strings.CutPrefix(frame, "event: job\ndata: ")
		if !ok {
			continue
		}
		var j job.Job
		if err := json.Unmarshal([]byte(data), &j); err != nil {
			t.Fatalf("decode frame %q: %v", frame, err)
		}
		out = append(out, j)
	}
	return out
}

func TestHandleEventsTerminalJob(t *testing.T) {
	f := newHandlerFixture(t)
	id := f.start(t)
	if _, err := f.jobs.Cancel(context.Background(), id); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/rank-jobs/"+id+"/events", nil)
	resp, err := f.app.Test(req, 5000)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	frames := jobFrames(t, body)
	if len(frames) != 1 || frames[0].Status != job.StatusCancelled || frames[0].JobID != id {
		t.Errorf("frames = %+v, want one CANCELLED snapshot", frames)
	}
}

func TestHandleEventsStreamsUpdates(t *testing.T) {
	f := newHandlerFixture(t)
	id := f.start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type result struct {
		body []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		req := httptest.NewRequest(http.MethodGet, "/v1/rank-jobs/"+id+"/events", nil)
		resp, err := f.app.Test(req, -1)
		if err != nil {
			done <- result{err: err}
			return
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		done <- result{body: body, err: err}
	}()

	for {
		n, err := f.events.Client().PubSubNumSub(ctx, job.Key(id)).Result()
		if err != nil {
			t.Fatalf("PubSubNumSub() error = %v", err)
		}
		if n[job.Key(id)] > 0 {
			break
		}
		select {
		case <-ctx.Done():
			t.Fatal("events handler never subscribed")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if err := f.events.Publish(ctx, job.Key(id), job.EventUpdated); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if _, err := f.jobs.Cancel(ctx, id); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		t.Fatal("stream did not close after the job was cancelled")
	}
	if res.err != nil {
		t.Fatalf("events: %v", res.err)
	}
	frames := jobFrames(t, res.body)
	if len(frames) < 2 || len(frames) > 3 {
		t.Fatalf("got %d frames, want 2 or 3: %s", len(frames), res.body)
	}
	if frames[0].Status != job.StatusQueued {
		t.Errorf("first frame status = %s, want QUEUED", frames[0].Status)
	}
	if last := frames[len(frames)-1]; last.Status != job.StatusCancelled {
		t.Errorf("last frame status = %s, want CANCELLED", last.Status)
	}
}

func TestHandleCancel(t *testing.T) {
	f := newHandlerFixture(t)
	id := f.start(t)

	tests := []struct {
		name string
		body any
		want int
	}{
		{name: "missing id", body: map[string]string{}, want: http.StatusBadRequest},
		{name: "unknown id", body: cancelRequest{JobID: "nope"}, want: http.StatusNotFound},
		{name: "cancel", body: cancelRequest{JobID: id}, want: http.StatusOK},
		{name: "already cancelled", body: cancelRequest{JobID: id}, want: http.StatusConflict},
	}
	for _, tt := range tests {
		code, body := f.do(t, http.MethodPost, "/v1/rank-jobs/cancel", tt.body)
		if code != tt.want {
			t.Errorf("%s: status = %d, want %d: %s", tt.name, code, tt.want, body)
		}
	}

	j, _ := f.jobs.Get(context.Background(), id)
	if j.Status != job.StatusCancelled {
		t.Errorf("status = %s, want CANCELLED", j.Status)
	}
}

func TestHandleRankings(t *testing.T) {
	f := newHandlerFixture(t)

	code, body := f.do(t, http.MethodGet, "/v1/clients/acme/rankings?scope=a", nil)
	if code != http.StatusOK {
		t.Fatalf("status = %d: %s", code, body)
	}
	var recs []keyword.Record
	if err := json.Unmarshal(body, &recs); err != nil || len(recs) != 1 || recs[0].Keyword != "blue widgets" {
		t.Errorf("records = %s (%v)", body, err)
	}

	code, body = f.do(t, http.MethodGet, "/v1/clients/acme/rankings?ranked=true", nil)
	if code != http.StatusOK || string(body) != "[]" {
		t.Errorf("ranked only = %d %s, want empty list", code, body)
	}
	if code, _ := f.do(t, http.MethodGet, "/v1/clients/acme/rankings?ranked=perhaps", nil); code != http.StatusBadRequest {
		t.Errorf("bad ranked flag status = %d, want 400", code)
	}

	code, body = f.do(t, http.MethodGet, "/v1/clients/acme/rankings?scope=B", nil)
	if code != http.StatusOK || string(body) != "[]" {
		t.Errorf("scope B = %d %s, want empty list", code, body)
	}
	if code, _ := f.do(t, http.MethodGet, "/v1/clients/globex/rankings", nil); code != http.StatusNotFound {
		t.Errorf("unknown client status = %d, want 404", code)
	}
	if code, _ := f.do(t, http.MethodGet, "/v1/clients/acme/rankings?scope=C", nil); code != http.StatusBadRequest {
		t.Errorf("bad scope status = %d, want 400", code)
	}
}

func TestCleanKeywords(t *testing.T) {
	got := CleanKeywords([]string{" a  b ", "A B", "c", "", "C", "d"})
	if want := []string{"a b", "c", "d"}; !reflect.DeepEqual(got, want) {
		t.Errorf("CleanKeywords() = %q, want %q", got, want)
	}
}
