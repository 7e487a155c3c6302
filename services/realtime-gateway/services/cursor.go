package services

import (
	"fmt"
	"strings"
	"time"

	"chorus/services/realtime-gateway/models"
)

const (
	cursorTimeLayout = "2006-01-02T15:04:05.000Z07:00"
	cursorSeparator  = "_"
)

// Cursor is a position in a conversation's (created_at, id) order.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

func (c Cursor) String() string {
	return c.CreatedAt.UTC().Format(cursorTimeLayout) + cursorSeparator + c.ID
}

// EncodeCursor returns the cursor pointing at m.
func EncodeCursor(m models.Message) string {
	return Cursor{CreatedAt: m.CreatedAt, ID: m.ID}.String()
}

// DecodeCursor parses a client-supplied cursor. The id part is opaque, so
// the split is on the last separator. Anything that does not re-encode to
// the same timestamp text is rejected.
func DecodeCursor(raw string) (Cursor, error) {
	i := strings.LastIndex(raw, cursorSeparator)
	if i <= 0 || i == len(raw)-1 {
		return Cursor{}, fmt.Errorf("%w: %q", ErrMalformedCursor, raw)
	}
	stamp, id := raw[:i], raw[i+1:]

	t, err := time.Parse(cursorTimeLayout, stamp)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %q", ErrMalformedCursor, raw)
	}
	t = t.UTC()
	if t.Format(cursorTimeLayout) != stamp {
		return Cursor{}, fmt.Errorf("%w: %q", ErrMalformedCursor, raw)
	}
	return Cursor{CreatedAt: t, ID: id}, nil
}
