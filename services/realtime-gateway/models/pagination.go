package models

import "time"

// MessagePageRequest is the input of a pagination call. At most one
// direction is honored: After wins over Before, Before wins over Cursor.
type MessagePageRequest struct {
	ConversationID string `json:"conversationId"`
	Before         string `json:"before,omitempty"`
	Cursor         string `json:"cursor,omitempty"`
	After          string `json:"after,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

// MessagePage is the output of a pagination call. Absent cursors encode as null.
type MessagePage struct {
	Messages   []Message `json:"messages"`
	NextCursor *string   `json:"nextCursor"`
	PrevCursor *string   `json:"prevCursor"`
}

// MessageRangeQuery is a bounded, ordered read over one conversation's
// messages. Without a bound it starts from the newest (backward) or
// oldest (forward) message.
type MessageRangeQuery struct {
	ConversationID string
	Forward        bool
	HasBound       bool
	BoundTime      time.Time
	BoundID        string
	Limit          int
}
