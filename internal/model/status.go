package model

import "fmt"

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Staleness reasons reported by the manifest policy.
const (
	ReasonMissingFile    = "missing_file"
	ReasonUntracked      = "untracked"
	ReasonTTLExpired     = "ttl_expired"
	ReasonContentChanged = "content_changed"
	ReasonHashError      = "hash_error"
	ReasonForced         = "forced"
	ReasonNotIncremental = "not_incremental"
	ReasonFresh          = "fresh"
	// ReasonMirrorPending marks a fresh dataset whose bucket upload failed.
	ReasonMirrorPending = "mirror_pending"
)

func IsKnownStatus(status string) bool {
	return status == StatusSuccess || status == StatusError
}

// ValidateResult rejects results the merge step cannot interpret.
func ValidateResult(r Result) error {
	if r.ID == "" {
		return fmt.Errorf("result is missing an id")
	}
	if !IsKnownStatus(r.Status) {
		return fmt.Errorf("invalid result status %q (id=%s)", r.Status, r.ID)
	}
	if r.Status == StatusError && (r.Metadata.Usable() || r.Screenshot.Usable()) {
		return fmt.Errorf("error result carries usable fields (id=%s)", r.ID)
	}
	return nil
}
