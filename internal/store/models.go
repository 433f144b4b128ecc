package store

import "time"

type Receipt struct {
	ID              string
	AuthorID        string
	ClaimText       string
	ClaimType       string
	ImplicationText string
	ParentID        *string
	Visibility      string
	ForkCount       int
	ReactionCount   int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type Reaction struct {
	ID        string
	ReceiptID string
	UserID    string
	Kind      string
	CreatedAt time.Time
}

// ReactionCounts is the per-kind breakdown for a single receipt.
type ReactionCounts struct {
	Support  int
	Dispute  int
	Bookmark int
}

// ReconcileStats reports how many rows each reconciliation pass touched.
type ReconcileStats struct {
	ReactionRows int64
	ForkRows     int64
}

type UserBlock struct {
	BlockerID string
	BlockedID string
	CreatedAt time.Time
}
