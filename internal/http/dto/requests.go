package dto

// GeneratePackRequest is the body of POST /audit/packs/generate.
// Timestamps are ISO 8601 / RFC 3339.
type GeneratePackRequest struct {
	FromTS string  `json:"from_ts"`
	ToTS   string  `json:"to_ts"`
	Limit  int     `json:"limit,omitempty"`
	Notes  *string `json:"notes,omitempty"`
}
