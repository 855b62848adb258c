// Package schema defines the canonical review event model and payload types.
package schema

import (
	"strings"
	"time"
)

// EventKind identifies canonical review event categories.
type EventKind string

const (
	// KindPatchsetCreated marks the upload of a new patchset revision.
	KindPatchsetCreated EventKind = "patchset-created"
	// KindCommentAdded marks a review comment or verification vote.
	KindCommentAdded EventKind = "comment-added"
	// KindChangeMerged marks a change submitted to its target branch.
	KindChangeMerged EventKind = "change-merged"
	// KindChangeAbandoned marks a change withdrawn from review.
	KindChangeAbandoned EventKind = "change-abandoned"
	// KindReviewerAdded marks a reviewer being added to a change.
	KindReviewerAdded EventKind = "reviewer-added"
	// KindOther covers upstream event types the relay does not model.
	KindOther EventKind = "other"
)

// KnownKinds maps Gerrit wire event types onto canonical kinds. Wire types
// absent from this table normalize to KindOther.
var KnownKinds = map[string]EventKind{
	"patchset-created": KindPatchsetCreated,
	"comment-added":    KindCommentAdded,
	"change-merged":    KindChangeMerged,
	"change-abandoned": KindChangeAbandoned,
	"reviewer-added":   KindReviewerAdded,
}

// RawRecord is one framed payload read off the upstream transport.
type RawRecord struct {
	Payload    []byte
	Topic      string
	ReceivedAt time.Time
}

// Entity is a Gerrit account reference attached to changes and patchsets.
type Entity struct {
	Username string `json:"username"`
	Name     string `json:"name"`
	Email    string `json:"email,omitempty"`
}

// Change is the review change a wire event refers to.
type Change struct {
	ID            string `json:"id"`
	Number        int    `json:"number"`
	Project       string `json:"project"`
	Branch        string `json:"branch"`
	Topic         string `json:"topic,omitempty"`
	Subject       string `json:"subject"`
	URL           string `json:"url"`
	Status        string `json:"status"`
	CommitMessage string `json:"commitMessage"`
	Owner         Entity `json:"owner"`
}

// PatchSet is one revision of a change.
type PatchSet struct {
	Number    int    `json:"number"`
	Revision  string `json:"revision"`
	Kind      string `json:"kind"`
	Author    Entity `json:"author"`
	Uploader  Entity `json:"uploader"`
	Inserts   int    `json:"sizeInsertions"`
	Deletes   int    `json:"sizeDeletions"`
	CreatedOn int64  `json:"createdOn"`
}

// ReviewEvent is the canonical representation of one upstream occurrence.
// Kind and Project are always populated after normalization; an event that
// cannot yield both is rejected before entering the pipeline.
type ReviewEvent struct {
	Kind     EventKind
	WireType string
	Project  string

	ChangeID       string
	ChangeNumber   int
	PatchsetNumber int

	// AuthorEmail is the event-level actor; AuthorEmails additionally carries
	// the change owner and patchset author/uploader addresses for filtering.
	AuthorEmail  string
	AuthorEmails []string

	Change    Change
	PatchSet  PatchSet
	Comment   string
	Timestamp time.Time

	// RawPayload retains the decoded wire record for templating.
	RawPayload map[string]any
}

// HasAuthor reports whether any author email survived normalization.
func (e ReviewEvent) HasAuthor() bool {
	for _, email := range e.AuthorEmails {
		if strings.TrimSpace(email) != "" {
			return true
		}
	}
	return strings.TrimSpace(e.AuthorEmail) != ""
}
