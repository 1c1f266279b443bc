// Package artifact defines the stage artifact model: stage-specific payload
// schemas, their validation, and a content-addressable store for the payload
// bytes. The engine only ever holds a Ref; payload bytes live in the store.
package artifact

// Kind tags which variant of the payload union a stage produced.
type Kind string

const (
	// KindFileBased marks artifacts derived from raw source files.
	KindFileBased Kind = "file_based"
	// KindProfileBased marks artifacts derived from a configured profile.
	KindProfileBased Kind = "profile_based"
	// KindDefault marks the placeholder artifact installed when an optional
	// stage is skipped.
	KindDefault Kind = "default"
)

// Ref is the engine-visible handle to a stored payload. Replacing an artifact
// is "write new, swap ref, release old" — payloads are immutable once written.
type Ref struct {
	ID       string   `json:"id"` // sha256 hex of the payload bytes
	Kind     Kind     `json:"kind"`
	Size     int64    `json:"size"`
	Warnings []string `json:"warnings,omitempty"`
}

// Same reports whether two refs address identical content. Re-locking a stage
// with the same content is a no-op; a different ref triggers the cascade.
func (r *Ref) Same(o *Ref) bool {
	if r == nil || o == nil {
		return r == o
	}
	return r.ID == o.ID
}

// Clone returns a deep copy of the ref.
func (r *Ref) Clone() *Ref {
	if r == nil {
		return nil
	}
	c := *r
	if r.Warnings != nil {
		c.Warnings = append([]string(nil), r.Warnings...)
	}
	return &c
}
