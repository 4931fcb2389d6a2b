package models

import "time"

// Passage is one retrievable unit of the knowledge base: a numbered line
// from one section's source document. Index restarts at 1 per section.
type Passage struct {
	Section string `json:"section"`
	Index   int    `json:"index"`
	Text    string `json:"text"`
}

// QueryRecord is a row of query_history. FaithfulnessScore is nil when the
// question was asked without a reference answer.
type QueryRecord struct {
	ID                string
	UserQuery         string
	GeneratedResponse string
	FaithfulnessScore *float64
	LatencyMS         int
	CreatedAt         time.Time
}
