package models

// Gated endpoint event names. Challenge fetches are high-frequency
// polling traffic and are exempt from both stats and the activity trail.
const (
	EventChallengeFetch = "api_get_captcha"
	EventVerify         = "api_verify"
)

// ActivityEntry is one row of the audit trail. IDs are assigned by the
// database at insertion and only ever grow; retrieval is newest-first.
type ActivityEntry struct {
	ID         int64          `json:"id"`
	Timestamp  string         `json:"timestamp"`
	APIKey     string         `json:"api_key"`
	EventType  string         `json:"event_type"`
	Detail     ActivityDetail `json:"details"`
	Success    bool           `json:"success"`
	SourceAddr string         `json:"ip_address"`
}

// ActivityDetail is the structured payload attached to an activity entry.
// Endpoint, Method, Path, RemoteAddr and Origin are filled on every entry;
// the subject fields only on successful verifications.
type ActivityDetail struct {
	SubjectName  string `json:"subject_name,omitempty"`
	RecordNumber string `json:"record_number,omitempty"`
	DateOfBirth  string `json:"date_of_birth,omitempty"`
	BirthPlace   string `json:"birth_place,omitempty"`
	Status       string `json:"status,omitempty"`
	Error        string `json:"error,omitempty"`
	Endpoint     string `json:"endpoint"`
	Method       string `json:"method"`
	Path         string `json:"path"`
	RemoteAddr   string `json:"remote_addr"`
	Origin       string `json:"origin"`
}
