// Package search provides full-text search over threads and their
// moderated message history.
package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultMessage ResultType = "message"
	ResultThread  ResultType = "thread"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type     ResultType `json:"type"`
	ID       string     `json:"id"`
	ThreadID int64      `json:"threadId"`
	Title    string     `json:"title"`
	Snippet  string     `json:"snippet"`
	Username string     `json:"username,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text           string
	FilterType     ResultType // empty = all types
	FilterThreadID int64      // 0 = all threads
	Limit          int
	Offset         int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// MessageRecord is the data we index for a message. Only the moderated
// text is indexed; the original is never searchable.
type MessageRecord struct {
	ID          string `json:"id"`
	ThreadID    int64  `json:"threadId"`
	Username    string `json:"username"`
	Text        string `json:"text"`
	WasModified bool   `json:"wasModified"`
	CreatedAt   string `json:"createdAt"`
}

// ThreadRecord is the data we index for a thread.
type ThreadRecord struct {
	ID            string `json:"id"`
	ThreadID      int64  `json:"threadId"`
	Title         string `json:"title"`
	IsClosed      bool   `json:"isClosed"`
	SwearingScore int    `json:"swearingScore"`
}
