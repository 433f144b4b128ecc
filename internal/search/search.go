package search

// Result is a single claim hit returned to the caller.
type Result struct {
	ID         string `json:"id"`
	ClaimText  string `json:"claimText"`
	Snippet    string `json:"snippet"`
	AuthorID   string `json:"authorId"`
	ClaimType  string `json:"claimType"`
	Visibility string `json:"visibility,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text   string
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over claims.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push receipts into a search index.
type Indexer interface {
	IndexReceipt(rec ReceiptRecord) error
	DeleteReceipt(id string) error
}

// ReceiptRecord is the data we index for a receipt. Only public receipts
// ever reach the index.
type ReceiptRecord struct {
	ID              string `json:"id"`
	ClaimText       string `json:"claimText"`
	ImplicationText string `json:"implicationText"`
	AuthorID        string `json:"authorId"`
	ClaimType       string `json:"claimType"`
	Visibility      string `json:"visibility"`
}
