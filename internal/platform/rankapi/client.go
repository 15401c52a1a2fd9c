// Package rankapi talks to the remote SERP task API: it posts keyword
// batches as tasks and polls each task until it resolves.
package rankapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"rankengine/internal/logger"
	"rankengine/internal/utils/retry"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	codeOK          = 20000
	codeTaskCreated = 20100
	codeTaskHanded  = 40601
	codeTaskInQueue = 40602
	codeRejected    = 40000

	postPath = "/v3/serp/google/organic/task_post"
	getPath  = "/v3/serp/google/organic/task_get/advanced/"

	maxErrorBody = 512
)

// Status is the terminal state of a polled task.
type Status string

const (
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusTimeout   Status = "TIMEOUT"
)

var errPending = errors.New("task pending")

// JobContext identifies the job and scope a batch belongs to. It is sent as
// the task tag and used in logs. LanguageCode overrides the client default.
type JobContext struct {
	JobID        string
	Scope        string
	LanguageCode string
}

func (jc JobContext) tag() string { return jc.JobID + ":" + jc.Scope }

// Task is one submitted keyword. Rejected is set when the provider refused
// the task at post time; such tasks are never polled.
type Task struct {
	ID       string
	Keyword  string
	Rejected error
}

// Resolution is delivered once per task by AwaitResults.
type Resolution struct {
	TaskID  string
	Keyword string
	Status  Status
	Payload json.RawMessage
	Err     error
}

// SubmissionError means the provider refused a whole batch.
type SubmissionError struct {
	HTTPStatus int
	Code       int
	Message    string
	Err        error
}

func (e *SubmissionError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("submission failed: %v", e.Err)
	case e.Code != 0:
		return fmt.Sprintf("submission rejected: %d %s", e.Code, e.Message)
	default:
		return fmt.Sprintf("submission rejected: http %d %s", e.HTTPStatus, e.Message)
	}
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// TaskError is a provider-side failure of a single task.
type TaskError struct {
	Code    int
	Message string
}

func (e *TaskError) Error() string { return fmt.Sprintf("task failed: %d %s", e.Code, e.Message) }

type Options struct {
	BaseURL      string
	Login        string
	Password     string
	LanguageCode string
	// RPS caps requests per second across submissions and polls.
	RPS         int
	Concurrency int
	Poll        retry.Policy
	HTTPClient  *http.Client
}

type Client struct {
	baseURL      string
	login        string
	password     string
	languageCode string
	concurrency  int
	poll         retry.Policy
	http         *http.Client
	limiter      *rate.Limiter
	log          *logger.Logger
}

func New(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	limit := rate.Inf
	burst := 1
	if opts.RPS > 0 {
		limit = rate.Limit(opts.RPS)
		burst = opts.RPS
	}
	conc := opts.Concurrency
	if conc < 1 {
		conc = 1
	}
	lang := opts.LanguageCode
	if lang == "" {
		lang = "en"
	}
	return &Client{
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		login:        opts.Login,
		password:     opts.Password,
		languageCode: lang,
		concurrency:  conc,
		poll:         opts.Poll,
		http:         hc,
		limiter:      rate.NewLimiter(limit, burst),
		log:          logger.New("RankAPI"),
	}
}

type postTask struct {
	Keyword      string `json:"keyword"`
	LocationCode int    `json:"location_code"`
	LanguageCode string `json:"language_code"`
	Depth        int    `json:"depth"`
	Tag          string `json:"tag"`
}

type response struct {
	StatusCode    int            `json:"status_code"`
	StatusMessage string         `json:"status_message"`
	Tasks         []taskResponse `json:"tasks"`
}

type taskResponse struct {
	ID            string          `json:"id"`
	StatusCode    int             `json:"status_code"`
	StatusMessage string          `json:"status_message"`
	Data          struct {
		Keyword string `json:"keyword"`
	} `json:"data"`
	Result json.RawMessage `json:"result"`
}

// Submit posts one task per keyword. A batch-level refusal returns a
// *SubmissionError; individually refused keywords come back as rejected
// tasks. The returned slice has one task per keyword, in input order.
func (c *Client) Submit(ctx context.Context, keywords []string, locationCode, resultLimit int, jc JobContext) ([]Task, error) {
	if len(keywords) == 0 {
		return nil, nil
	}
	lang := jc.LanguageCode
	if lang == "" {
		lang = c.languageCode
	}
	body := make([]postTask, len(keywords))
	for i, kw := range keywords {
		body[i] = postTask{
			Keyword:      kw,
			LocationCode: locationCode,
			LanguageCode: lang,
			Depth:        resultLimit,
			Tag:          jc.tag(),
		}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &SubmissionError{Err: err}
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+postPath, bytes.NewReader(payload))
	if err != nil {
		return nil, &SubmissionError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.login, c.password)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &SubmissionError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &SubmissionError{HTTPStatus: resp.StatusCode, Message: readSnippet(resp.Body)}
	}
	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &SubmissionError{HTTPStatus: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if out.StatusCode != codeOK {
		return nil, &SubmissionError{HTTPStatus: resp.StatusCode, Code: out.StatusCode, Message: out.StatusMessage}
	}

	tasks := matchTasks(keywords, out.Tasks)
	c.log.LogDebugf("job %s scope %s: submitted %d tasks at location %d", jc.JobID, jc.Scope, len(tasks), locationCode)
	return tasks, nil
}

// matchTasks pairs returned tasks with keywords by echoed keyword (case
// folded, since the provider may lowercase it), then hands leftover tasks
// to unmatched keywords by position. Keywords with no task are rejected.
func matchTasks(keywords []string, returned []taskResponse) []Task {
	byKeyword := make(map[string][]int, len(returned))
	for i, t := range returned {
		if t.Data.Keyword != "" {
			k := strings.ToLower(t.Data.Keyword)
			byKeyword[k] = append(byKeyword[k], i)
		}
	}

	used := make([]bool, len(returned))
	assigned := make([]int, len(keywords))
	for i, kw := range keywords {
		assigned[i] = -1
		k := strings.ToLower(kw)
		if q := byKeyword[k]; len(q) > 0 {
			assigned[i] = q[0]
			used[q[0]] = true
			byKeyword[k] = q[1:]
		}
	}
	next := 0
	for i := range keywords {
		if assigned[i] >= 0 {
			continue
		}
		for next < len(returned) && used[next] {
			next++
		}
		if next < len(returned) {
			assigned[i] = next
			used[next] = true
		}
	}

	tasks := make([]Task, len(keywords))
	for i, kw := range keywords {
		if assigned[i] < 0 {
			tasks[i] = Task{Keyword: kw, Rejected: errors.New("no task returned for keyword")}
			continue
		}
		tr := returned[assigned[i]]
		if tr.StatusCode >= codeRejected || tr.ID == "" {
			tasks[i] = Task{ID: tr.ID, Keyword: kw, Rejected: &TaskError{Code: tr.StatusCode, Message: tr.StatusMessage}}
			continue
		}
		tasks[i] = Task{ID: tr.ID, Keyword: kw}
	}
	return tasks
}

// AwaitResults polls every task until it resolves and calls onResult once
// per task as soon as that task resolves. Calls to onResult never overlap.
// A task still pending when the poll budget runs out resolves as TIMEOUT.
// If ctx is cancelled, unresolved tasks are not delivered and ctx.Err() is
// returned.
func (c *Client) AwaitResults(ctx context.Context, tasks []Task, jc JobContext, onResult func(Resolution)) error {
	var mu sync.Mutex
	deliver := func(r Resolution) {
		mu.Lock()
		defer mu.Unlock()
		onResult(r)
	}

	g := new(errgroup.Group)
	g.SetLimit(c.concurrency)
	for _, t := range tasks {
		if t.Rejected != nil {
			deliver(Resolution{TaskID: t.ID, Keyword: t.Keyword, Status: StatusFailed, Err: t.Rejected})
			continue
		}
		if ctx.Err() != nil {
			break
		}
		t := t
		g.Go(func() error {
			res, ok := c.await(ctx, t, jc)
			if ok {
				deliver(res)
			}
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

func (c *Client) await(ctx context.Context, t Task, jc JobContext) (Resolution, bool) {
	res := Resolution{TaskID: t.ID, Keyword: t.Keyword}
	err := retry.Do(ctx, c.poll, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return retry.Permanent(err)
		}
		payload, err := c.taskGet(ctx, t.ID)
		if err != nil {
			return err
		}
		res.Payload = payload
		return nil
	})

	switch {
	case err == nil:
		res.Status = StatusCompleted
	case ctx.Err() != nil:
		return res, false
	case errors.Is(err, retry.ErrExhausted):
		res.Status = StatusTimeout
		res.Err = err
		c.log.LogWarnf("job %s scope %s: task %s (%q) timed out", jc.JobID, jc.Scope, t.ID, t.Keyword)
	default:
		res.Status = StatusFailed
		res.Err = err
	}
	return res, true
}

// taskGet fetches one task. It returns errPending while the task is queued,
// a permanent error when the provider failed it, and a retryable error for
// transport problems.
func (c *Client) taskGet(ctx context.Context, id string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+getPath+id, nil)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	req.SetBasicAuth(c.login, c.password)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, fmt.Errorf("task_get: http %d", resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, retry.Permanent(fmt.Errorf("task_get: http %d %s", resp.StatusCode, readSnippet(resp.Body)))
	}

	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("task_get: decode response: %w", err)
	}
	if out.StatusCode != codeOK {
		if out.StatusCode >= 50000 {
			return nil, fmt.Errorf("task_get: %d %s", out.StatusCode, out.StatusMessage)
		}
		return nil, retry.Permanent(&TaskError{Code: out.StatusCode, Message: out.StatusMessage})
	}
	if len(out.Tasks) == 0 {
		return nil, errPending
	}

	t := out.Tasks[0]
	switch t.StatusCode {
	case codeOK:
		return t.Result, nil
	case codeTaskHanded, codeTaskInQueue, codeTaskCreated:
		return nil, errPending
	default:
		return nil, retry.Permanent(&TaskError{Code: t.StatusCode, Message: t.StatusMessage})
	}
}

func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return strings.TrimSpace(string(b))
}
