package msggate

import "time"

// Message is a single webhook-delivered message. Rows are immutable once
// stored: the first insert for a MessageID wins and later deliveries of the
// same identifier never create or mutate a row.
type Message struct {
	MessageID  string    `json:"message_id"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Timestamp  time.Time `json:"ts"`
	Text       *string   `json:"text"`
	ReceivedAt time.Time `json:"received_at,omitempty"`
}

type QueryParams struct {
	Limit  int
	Offset int
	// From restricts results to an exact sender match when non-empty.
	From string
	// Since restricts results to messages with Timestamp >= Since when set.
	Since *time.Time
	// Contains restricts results to messages whose text contains the value
	// as a case-sensitive substring when non-empty.
	Contains string
}

// Stats summarizes the stored message set. TopSenders holds at most the ten
// senders with the highest message counts; ties on equal counts resolve in
// lexicographic sender order so a fixed dataset always yields the same map.
type Stats struct {
	TotalMessages int            `json:"total_messages"`
	SendersCount  int            `json:"senders_count"`
	TopSenders    map[string]int `json:"messages_per_sender"`
	FirstTS       *time.Time     `json:"first_message_ts"`
	LastTS        *time.Time     `json:"last_message_ts"`
}
