// Package normalize parses raw transport records into canonical review events.
package normalize

import (
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/reviewrelay/reviewrelay/errs"
	"github.com/reviewrelay/reviewrelay/internal/schema"
)

// wireEvent mirrors the upstream stream-events JSON framing. Only the fields
// the relay consumes are declared; the full record is retained separately for
// templating.
type wireEvent struct {
	Type           string           `json:"type"`
	Change         *schema.Change   `json:"change"`
	PatchSet       *schema.PatchSet `json:"patchSet"`
	Author         *schema.Entity   `json:"author"`
	Uploader       *schema.Entity   `json:"uploader"`
	Reviewer       *schema.Entity   `json:"reviewer"`
	Comment        string           `json:"comment"`
	EventCreatedOn int64            `json:"eventCreatedOn"`
	Project        string           `json:"project"`
	RefUpdate      *refUpdate       `json:"refUpdate"`
}

type refUpdate struct {
	Project string `json:"project"`
	RefName string `json:"refName"`
}

// Normalize decodes one raw record into a canonical ReviewEvent. It is a pure
// function: same input, same event. A record that cannot yield both an event
// type and a project fails with a parse error and never enters the pipeline;
// unknown event types map to KindOther rather than being dropped.
func Normalize(rec schema.RawRecord) (schema.ReviewEvent, error) {
	var wire wireEvent
	if err := json.Unmarshal(rec.Payload, &wire); err != nil {
		return schema.ReviewEvent{}, errs.New("normalize", errs.CodeParse,
			errs.WithMessage("malformed record"), errs.WithCause(err))
	}

	wireType := strings.TrimSpace(wire.Type)
	if wireType == "" {
		return schema.ReviewEvent{}, errs.New("normalize", errs.CodeParse,
			errs.WithMessage("missing required field"), errs.WithField("field", "type"))
	}

	project := resolveProject(wire)
	if project == "" {
		return schema.ReviewEvent{}, errs.New("normalize", errs.CodeParse,
			errs.WithMessage("missing required field"),
			errs.WithField("field", "project"), errs.WithField("type", wireType))
	}

	kind, known := schema.KnownKinds[wireType]
	if !known {
		kind = schema.KindOther
	}

	event := schema.ReviewEvent{
		Kind:      kind,
		WireType:  wireType,
		Project:   project,
		Comment:   wire.Comment,
		Timestamp: eventTimestamp(wire, rec),
	}

	if wire.Change != nil {
		event.Change = *wire.Change
		event.ChangeID = wire.Change.ID
		event.ChangeNumber = wire.Change.Number
	}
	if wire.PatchSet != nil {
		event.PatchSet = *wire.PatchSet
		event.PatchsetNumber = wire.PatchSet.Number
	}

	event.AuthorEmail, event.AuthorEmails = resolveAuthors(wire)

	// Retain the decoded record verbatim for templating.
	var raw map[string]any
	if err := json.Unmarshal(rec.Payload, &raw); err == nil {
		event.RawPayload = raw
	}

	return event, nil
}

// resolveProject prefers the change's project, then the ref update's, then
// the record-level field carried by some event types.
func resolveProject(wire wireEvent) string {
	if wire.Change != nil {
		if project := strings.TrimSpace(wire.Change.Project); project != "" {
			return project
		}
	}
	if wire.RefUpdate != nil {
		if project := strings.TrimSpace(wire.RefUpdate.Project); project != "" {
			return project
		}
	}
	return strings.TrimSpace(wire.Project)
}

// resolveAuthors collects every account email attached to the event: the
// event-level actor first, then the change owner and patchset author and
// uploader. The primary email is the actor's when present.
func resolveAuthors(wire wireEvent) (primary string, all []string) {
	appendEmail := func(entity *schema.Entity) {
		if entity == nil {
			return
		}
		email := strings.TrimSpace(entity.Email)
		if email == "" {
			return
		}
		for _, existing := range all {
			if strings.EqualFold(existing, email) {
				return
			}
		}
		all = append(all, email)
	}

	appendEmail(wire.Author)
	appendEmail(wire.Uploader)
	appendEmail(wire.Reviewer)
	if wire.Change != nil {
		appendEmail(&wire.Change.Owner)
	}
	if wire.PatchSet != nil {
		appendEmail(&wire.PatchSet.Author)
		appendEmail(&wire.PatchSet.Uploader)
	}

	switch {
	case wire.Author != nil && strings.TrimSpace(wire.Author.Email) != "":
		primary = strings.TrimSpace(wire.Author.Email)
	case wire.Uploader != nil && strings.TrimSpace(wire.Uploader.Email) != "":
		primary = strings.TrimSpace(wire.Uploader.Email)
	case len(all) > 0:
		primary = all[0]
	}
	return primary, all
}

func eventTimestamp(wire wireEvent, rec schema.RawRecord) time.Time {
	if wire.EventCreatedOn > 0 {
		return time.Unix(wire.EventCreatedOn, 0).UTC()
	}
	if !rec.ReceivedAt.IsZero() {
		return rec.ReceivedAt.UTC()
	}
	return time.Now().UTC()
}
