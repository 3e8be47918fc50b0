package model

// EnrollmentFilter holds criteria for querying enrollments.
type EnrollmentFilter struct {
	ContactID  string   `json:"contact_id,omitempty"`
	SequenceID string   `json:"sequence_id,omitempty"`
	Status     []Status `json:"status,omitempty"`
	Sort       string   `json:"sort,omitempty"` // e.g. "-created_at", "due_at"; prefix "-" = descending
	Limit      int      `json:"limit,omitempty"`
	Offset     int      `json:"offset,omitempty"`
}
