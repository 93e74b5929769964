package model

import "time"

type Dream struct {
	ID        int64      `json:"id"`
	UserID    int64      `json:"user_id"`
	Title     string     `json:"title"`
	Body      string     `json:"body"`
	DreamedOn *time.Time `json:"dreamed_on,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Interpretation is one AI-generated reading of a dream. Symbols is a JSON
// array as returned by the provider; the server does not interpret it.
type Interpretation struct {
	ID        int64     `json:"id"`
	DreamID   int64     `json:"dream_id"`
	Class     string    `json:"class"`
	Summary   string    `json:"summary"`
	Symbols   string    `json:"symbols"`
	Mood      string    `json:"mood"`
	CreatedAt time.Time `json:"created_at"`
}

type PushSubscription struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Endpoint  string    `json:"endpoint"`
	P256dhKey string    `json:"p256dh_key"`
	AuthKey   string    `json:"auth_key"`
	CreatedAt time.Time `json:"created_at"`
}
