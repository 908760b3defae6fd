package document

import (
	"bufio"
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/docpipe/docpipe/services"
	"github.com/docpipe/docpipe/utils/response"
	"github.com/docpipe/docpipe/utils/sse"
)

// keepAliveInterval paces SSE comments so proxies keep the connection open
const keepAliveInterval = 15 * time.Second

// Stream handles GET /documents/:id/stream
//
// Emits "snapshot" events as the pipeline advances and a final "complete"
// event once the document reaches a terminal status.
func (h *Handler) Stream(c *fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return response.BadRequest(c, "Invalid document ID")
	}

	// Resolve the current snapshot before hijacking the connection so a
	// missing document still gets a proper 404
	snap, err := h.svc.Documents.Status(c.Context(), id)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			return response.NotFound(c, "Document not found")
		}
		return response.InternalServerError(c, err.Error())
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no") // Disable nginx buffering

	tracker := h.svc.Tracker
	initial := *snap

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		// The Fiber context is not valid inside the stream writer
		ctx := context.Background()

		if err := sse.SendSnapshot(w, initial); err != nil {
			return
		}
		if initial.Status.IsTerminal() {
			sse.SendComplete(w, initial)
			return
		}

		sub := tracker.Bus().Subscribe(id)
		defer tracker.Bus().Unsubscribe(sub)

		ticker := time.NewTicker(keepAliveInterval)
		defer ticker.Stop()

		for {
			select {
			case next, ok := <-sub.C:
				if !ok {
					// Document deleted or bus shut down
					sse.SendError(w, errors.New("stream closed"))
					return
				}
				if next.Status.IsTerminal() {
					sse.SendSnapshot(w, next)
					sse.SendComplete(w, next)
					return
				}
				if err := sse.SendSnapshot(w, next); err != nil {
					return
				}
			case <-ticker.C:
				if err := sse.SendKeepAlive(w); err != nil {
					return
				}
				// Re-check persisted state in case the terminal write raced the
				// bus subscription
				current, err := tracker.GetSnapshot(ctx, id)
				if err == nil && current != nil && current.Status.IsTerminal() {
					sse.SendSnapshot(w, *current)
					sse.SendComplete(w, *current)
					return
				}
			}
		}
	})

	return nil
}
