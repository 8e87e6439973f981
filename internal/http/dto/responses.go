package dto

type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

type SuccessResponse struct {
	OK   bool `json:"ok"`
	Data any  `json:"data,omitempty"`
}

type PackGeneratedResponse struct {
	PackID        string `json:"pack_id"`
	RowCount      int    `json:"row_count"`
	ManifestHash  string `json:"manifest_hash"`
	ChecksumsHash string `json:"checksums_hash"`
	Status        string `json:"status"`
}

type WatchdogResponse struct {
	MarkedFailedRuns []string `json:"marked_failed_runs"`
	TimeoutMinutes   int      `json:"timeout_minutes"`
	ActorID          string   `json:"actor_id"`
}
