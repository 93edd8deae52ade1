package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/reasoner/internal/agent/core"
	"github.com/mohammad-safakhou/reasoner/internal/store"
	"github.com/mohammad-safakhou/reasoner/internal/team"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var convTracer = otel.Tracer("reasoner/internal/server/conversations")

// Starter launches conversation rounds in the background.
type Starter interface {
	Start(ctx context.Context, req team.Request) (string, error)
	Names() []string
}

// ConversationMemory is the read side of the conversation memory.
type ConversationMemory interface {
	Active(convID string) bool
	ChatMessages(ctx context.Context, convID string) (<-chan string, error)
	VisMessages(ctx context.Context, convID string) (string, error)
	GetMessages(ctx context.Context, convID string) ([]*core.Message, error)
	GetPlans(ctx context.Context, convID string) ([]core.Plan, error)
}

// ConversationLister lists stored conversations.
type ConversationLister interface {
	ListConversations(ctx context.Context, limit int) ([]store.ConversationSummary, error)
}

// SnapshotTailer follows snapshots mirrored by another process.
type SnapshotTailer interface {
	Exists(ctx context.Context, convID string) (bool, error)
	Tail(ctx context.Context, convID string) <-chan string
}

// ConversationsHandler serves the conversation API.
type ConversationsHandler struct {
	team      Starter
	memory    ConversationMemory
	lister    ConversationLister
	tailer    SnapshotTailer
	heartbeat time.Duration
	logger    *log.Logger
}

func (h *ConversationsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(authMiddleware(secret))
	g.POST("", h.create)
	g.GET("", h.list)
	g.GET("/:conv_id/messages", h.messages)
	g.GET("/:conv_id/plans", h.plans)
	g.GET("/:conv_id/stream", h.stream)
}

// Create conversation
//
//	@Summary	Start a conversation round
//	@Tags		conversations
//	@Accept		json
//	@Produce	json
//	@Param		payload	body		CreateConversationRequest	true	"Conversation payload"
//	@Success	202		{object}	CreateConversationResponse
//	@Failure	400		{object}	HTTPError
//	@Failure	404		{object}	HTTPError
//	@Failure	409		{object}	HTTPError
//	@Router		/api/conversations [post]
func (h *ConversationsHandler) create(c echo.Context) error {
	ctx, span := convTracer.Start(c.Request().Context(), "ConversationsHandler.create", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()
	var req CreateConversationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	reqCtx := req.Context
	if user, ok := c.Get("user_id").(string); ok && user != "" {
		if reqCtx == nil {
			reqCtx = make(map[string]interface{})
		}
		reqCtx["user_id"] = user
	}
	convID, err := h.team.Start(ctx, team.Request{
		Query:     req.Query,
		Agent:     req.Agent,
		SessionID: req.SessionID,
		Round:     req.Round,
		Context:   reqCtx,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		switch {
		case errors.Is(err, team.ErrEmptyQuery):
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		case errors.Is(err, core.ErrAgentNotFound):
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		case errors.Is(err, team.ErrConversationRunning):
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	span.SetAttributes(attribute.String("conv_id", convID))
	return c.JSON(http.StatusAccepted, CreateConversationResponse{
		ConvID:    convID,
		SessionID: core.SessionFromConv(convID),
		StreamURL: fmt.Sprintf("/api/conversations/%s/stream", convID),
	})
}

// List conversations
//
//	@Summary	List stored conversations
//	@Tags		conversations
//	@Produce	json
//	@Param		limit	query		int	false	"Maximum rows"
//	@Success	200		{array}		store.ConversationSummary
//	@Failure	503		{object}	HTTPError
//	@Router		/api/conversations [get]
func (h *ConversationsHandler) list(c echo.Context) error {
	if h.lister == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "conversation storage not configured")
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	convs, err := h.lister.ListConversations(c.Request().Context(), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if convs == nil {
		convs = []store.ConversationSummary{}
	}
	return c.JSON(http.StatusOK, convs)
}

// Messages
//
//	@Summary	Messages of a conversation; format=vis returns the rendered snapshot
//	@Tags		conversations
//	@Produce	json
//	@Param		conv_id	path		string	true	"Conversation id"
//	@Param		format	query		string	false	"raw or vis"
//	@Success	200		{object}	MessagesResponse
//	@Failure	404		{object}	HTTPError
//	@Router		/api/conversations/{conv_id}/messages [get]
func (h *ConversationsHandler) messages(c echo.Context) error {
	ctx := c.Request().Context()
	convID := c.Param("conv_id")
	if c.QueryParam("format") == "vis" {
		snapshot, err := h.memory.VisMessages(ctx, convID)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		return c.Blob(http.StatusOK, echo.MIMEApplicationJSONCharsetUTF8, []byte(snapshot))
	}
	msgs, err := h.memory.GetMessages(ctx, convID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if len(msgs) == 0 {
		return echo.NewHTTPError(http.StatusNotFound, "conversation not found")
	}
	return c.JSON(http.StatusOK, MessagesResponse{ConvID: convID, Messages: msgs})
}

// Plans
//
//	@Summary	Delegation plans of a conversation
//	@Tags		conversations
//	@Produce	json
//	@Param		conv_id	path		string	true	"Conversation id"
//	@Success	200		{object}	PlansResponse
//	@Router		/api/conversations/{conv_id}/plans [get]
func (h *ConversationsHandler) plans(c echo.Context) error {
	convID := c.Param("conv_id")
	plans, err := h.memory.GetPlans(c.Request().Context(), convID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if plans == nil {
		plans = []core.Plan{}
	}
	return c.JSON(http.StatusOK, PlansResponse{ConvID: convID, Plans: plans})
}

// Stream
//
//	@Summary	Live snapshots of a conversation as server-sent events
//	@Tags		conversations
//	@Produce	text/event-stream
//	@Param		conv_id	path		string	true	"Conversation id"
//	@Success	200		{string}	string
//	@Failure	404		{object}	HTTPError
//	@Router		/api/conversations/{conv_id}/stream [get]
func (h *ConversationsHandler) stream(c echo.Context) error {
	req := c.Request()
	convID := c.Param("conv_id")
	ctx, span := convTracer.Start(req.Context(), "ConversationsHandler.stream", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()
	span.SetAttributes(attribute.String("conv_id", convID))

	snapshots, err := h.source(ctx, convID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	resp.Flush()

	heartbeat := h.heartbeat
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := resp.Write([]byte(": ping\n\n")); err != nil {
				return nil
			}
			resp.Flush()
		case snap, ok := <-snapshots:
			if !ok {
				_ = writeEvent(resp, "done", "[DONE]")
				resp.Flush()
				return nil
			}
			if err := writeEvent(resp, "message", snap); err != nil {
				h.logger.Printf("stream %s: %v", convID, err)
				return nil
			}
			resp.Flush()
		}
	}
}

// source picks the live queue when this process runs the conversation, the
// mirrored stream when another process does, and the stored snapshot otherwise.
func (h *ConversationsHandler) source(ctx context.Context, convID string) (<-chan string, error) {
	if h.memory.Active(convID) {
		ch, err := h.memory.ChatMessages(ctx, convID)
		if err == nil {
			return ch, nil
		}
		h.logger.Printf("stream %s: %v", convID, err)
	}
	if h.tailer != nil {
		ok, err := h.tailer.Exists(ctx, convID)
		if err != nil {
			h.logger.Printf("stream %s: mirror lookup: %v", convID, err)
		}
		if ok {
			return h.tailer.Tail(ctx, convID), nil
		}
	}
	msgs, err := h.memory.GetMessages(ctx, convID)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if len(msgs) == 0 {
		return nil, echo.NewHTTPError(http.StatusNotFound, "conversation not found")
	}
	snapshot, err := h.memory.VisMessages(ctx, convID)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	ch := make(chan string, 1)
	ch <- snapshot
	close(ch)
	return ch, nil
}

func writeEvent(w http.ResponseWriter, event, data string) error {
	var b strings.Builder
	b.WriteString("event: ")
	b.WriteString(event)
	b.WriteByte('\n')
	for _, line := range strings.Split(data, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	_, err := w.Write([]byte(b.String()))
	return err
}
