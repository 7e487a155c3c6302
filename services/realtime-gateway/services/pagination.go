package services

import (
	"context"
	"errors"
	"fmt"

	"chorus/services/realtime-gateway/models"
	"chorus/services/realtime-gateway/utils"
)

// MessageStore is the durable ordered range read over messages.
type MessageStore interface {
	RangeMessages(ctx context.Context, q models.MessageRangeQuery) ([]models.Message, error)
}

type PaginationOptions struct {
	DefaultLimit int
	MaxLimit     int
}

// Paginator serves keyset pages of a conversation's history.
type Paginator struct {
	messages     MessageStore
	participants ParticipantStore
	opts         PaginationOptions
	logger       *utils.Logger
	metrics      *Metrics
}

func NewPaginator(messages MessageStore, participants ParticipantStore, opts PaginationOptions, logger *utils.Logger, metrics *Metrics) *Paginator {
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = 20
	}
	if opts.MaxLimit <= 0 {
		opts.MaxLimit = 50
	}
	if opts.DefaultLimit > opts.MaxLimit {
		opts.DefaultLimit = opts.MaxLimit
	}
	return &Paginator{
		messages:     messages,
		participants: participants,
		opts:         opts,
		logger:       logger,
		metrics:      metrics,
	}
}

// Page returns one page of messages for a participant of the conversation.
// After takes precedence over Before, and Before over Cursor.
func (p *Paginator) Page(ctx context.Context, userID string, req models.MessagePageRequest) (*models.MessagePage, error) {
	forward := req.After != ""
	direction := "backward"
	if forward {
		direction = "forward"
	}

	page, err := p.page(ctx, userID, req, forward)
	p.metrics.PaginationRequests.WithLabelValues(direction, paginationOutcome(err)).Inc()
	return page, err
}

func (p *Paginator) page(ctx context.Context, userID string, req models.MessagePageRequest, forward bool) (*models.MessagePage, error) {
	if req.ConversationID == "" {
		return nil, fmt.Errorf("%w: conversation id is required", ErrInvalidRequest)
	}

	raw := req.After
	if !forward {
		raw = req.Before
		if raw == "" {
			raw = req.Cursor
		}
	}

	q := models.MessageRangeQuery{
		ConversationID: req.ConversationID,
		Forward:        forward,
	}
	if raw != "" {
		c, err := DecodeCursor(raw)
		if err != nil {
			return nil, err
		}
		q.HasBound = true
		q.BoundTime = c.CreatedAt
		q.BoundID = c.ID
	}

	ok, err := p.participants.IsParticipant(ctx, req.ConversationID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotParticipant
	}

	limit := p.clamp(req.Limit)
	q.Limit = limit + 1

	rows, err := p.messages.RangeMessages(ctx, q)
	if err != nil {
		return nil, err
	}

	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}

	page := &models.MessagePage{Messages: rows}
	if page.Messages == nil {
		page.Messages = []models.Message{}
	}

	if forward {
		// Ascending: the last row is the newest.
		if hasMore {
			page.PrevCursor = cursorOf(rows[len(rows)-1])
		}
		return page, nil
	}

	// Descending: the first row is the newest, the last the oldest.
	if len(rows) > 0 {
		page.PrevCursor = cursorOf(rows[0])
	}
	if hasMore {
		page.NextCursor = cursorOf(rows[len(rows)-1])
	}
	return page, nil
}

func (p *Paginator) clamp(limit int) int {
	if limit <= 0 {
		return p.opts.DefaultLimit
	}
	if limit > p.opts.MaxLimit {
		return p.opts.MaxLimit
	}
	return limit
}

func cursorOf(m models.Message) *string {
	c := EncodeCursor(m)
	return &c
}

func paginationOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrMalformedCursor), errors.Is(err, ErrInvalidRequest):
		return "invalid"
	case errors.Is(err, ErrNotParticipant):
		return "denied"
	default:
		return "error"
	}
}
