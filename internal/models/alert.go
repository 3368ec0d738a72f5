package models

import "time"

// Alert pairs the previous and current record of a query with every
// subscriber registered for it when the alert was built.
type Alert struct {
	ID          string       `json:"id"`
	CreatedAt   time.Time    `json:"created_at"`
	Query       Query        `json:"query"`
	Previous    *ClassRecord `json:"previous,omitempty"`
	Current     ClassRecord  `json:"current"`
	Subscribers []int64      `json:"subscribers"`
	RawJSON     []byte       `json:"-"` // set by the transformer, published verbatim
}
