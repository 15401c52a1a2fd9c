package rank

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"rankengine/internal/core/job"
	"rankengine/internal/core/keyword"
	"rankengine/internal/logger"
	"rankengine/internal/utils/parser"

	redisv8 "github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"
)

const heartbeatEvery = 15 * time.Second

type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (*redisv8.PubSub, error)
}

type Handler struct {
	service *Service
	events  Subscriber
	log     *logger.Logger
}

func NewHandler(service *Service, events Subscriber) *Handler {
	return &Handler{service: service, events: events, log: logger.New("RankHandler")}
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type startResponse struct {
	Success bool   `json:"success"`
	JobID   string `json:"jobId"`
}

type cancelRequest struct {
	JobID string `json:"jobId"`
}

func fail(c *fiber.Ctx, status int, msg string) error {
	return c.Status(status).JSON(errorResponse{Success: false, Error: msg})
}

func (h *Handler) HandleStart(c *fiber.Ctx) error {
	var req StartRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, "invalid body")
	}
	id, err := h.service.Enqueue(c.Context(), req)
	if err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			return fail(c, fiber.StatusBadRequest, ve.Msg)
		}
		return fail(c, fiber.StatusInternalServerError, err.Error())
	}
	return c.JSON(startResponse{Success: true, JobID: id})
}

func (h *Handler) HandleGet(c *fiber.Ctx) error {
	j, err := h.service.Get(c.Context(), c.Params("jobId"))
	if errors.Is(err, job.ErrNotFound) {
		return fail(c, fiber.StatusNotFound, "not_found")
	}
	if err != nil {
		return fail(c, fiber.StatusInternalServerError, err.Error())
	}
	return c.JSON(j)
}

func (h *Handler) HandleCancel(c *fiber.Ctx) error {
	var req cancelRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, "invalid body")
	}
	id := strings.TrimSpace(req.JobID)
	if id == "" {
		return fail(c, fiber.StatusBadRequest, "jobId is required")
	}
	j, err := h.service.Cancel(c.Context(), id)
	switch {
	case errors.Is(err, job.ErrNotFound):
		return fail(c, fiber.StatusNotFound, "not_found")
	case errors.Is(err, ErrAlreadyTerminal):
		if j != nil {
			return fail(c, fiber.StatusConflict, fmt.Sprintf("job is already %s", strings.ToLower(string(j.Status))))
		}
		return fail(c, fiber.StatusConflict, ErrAlreadyTerminal.Error())
	case err != nil:
		return fail(c, fiber.StatusInternalServerError, err.Error())
	}
	return c.JSON(j)
}

type rankingsQuery struct {
	Scope string `form:"scope,default=A"`
	// Ranked keeps only keywords where the selected domain ranks.
	Ranked bool `form:"ranked"`
}

func (h *Handler) HandleRankings(c *fiber.Ctx) error {
	var q rankingsQuery
	if err := parser.ParseQuery(c, &q); err != nil {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}
	recs, err := h.service.Rankings(c.Context(), c.Params("clientCode"), job.Scope(strings.ToUpper(q.Scope)))
	switch {
	case errors.Is(err, ErrUnknownClient):
		return fail(c, fiber.StatusNotFound, "unknown client")
	case errors.Is(err, ErrUnknownScope):
		return fail(c, fiber.StatusBadRequest, "scope must be A or B")
	case err != nil:
		return fail(c, fiber.StatusInternalServerError, err.Error())
	}
	if q.Ranked {
		ranked := make([]keyword.Record, 0, len(recs))
		for _, r := range recs {
			if r.DomainRank != nil {
				ranked = append(ranked, r)
			}
		}
		recs = ranked
	}
	return c.JSON(recs)
}

// HandleEvents streams job snapshots as server-sent events until the job
// reaches a terminal status or the client goes away.
func (h *Handler) HandleEvents(c *fiber.Ctx) error {
	id := c.Params("jobId")
	j, err := h.service.Get(c.Context(), id)
	if errors.Is(err, job.ErrNotFound) {
		return fail(c, fiber.StatusNotFound, "not_found")
	}
	if err != nil {
		return fail(c, fiber.StatusInternalServerError, err.Error())
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := h.events.Subscribe(ctx, job.Key(id))
	if err != nil {
		cancel()
		return fail(c, fiber.StatusInternalServerError, err.Error())
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer cancel()
		defer sub.Close()

		if err := writeEvent(w, j); err != nil || j.Status.Terminal() {
			return
		}
		heartbeat := time.NewTicker(heartbeatEvery)
		defer heartbeat.Stop()
		msgs := sub.Channel()
		for {
			select {
			case _, ok := <-msgs:
				if !ok {
					return
				}
				snap, err := h.service.Get(ctx, id)
				if err != nil {
					h.log.LogWarnf("events for job %s: %v", id, err)
					return
				}
				if err := writeEvent(w, snap); err != nil || snap.Status.Terminal() {
					return
				}
			case <-heartbeat.C:
				if _, err := w.WriteString(": ping\n\n"); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					return
				}
			}
		}
	}))
	return nil
}

func writeEvent(w *bufio.Writer, j *job.Job) error {
	b, err := json.Marshal(j)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: job\ndata: %s\n\n", b); err != nil {
		return err
	}
	return w.Flush()
}
