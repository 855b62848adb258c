package dispatch

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/reviewrelay/reviewrelay/internal/observability"
	"github.com/reviewrelay/reviewrelay/internal/schema"
)

// templateInput is the flattened view handed to the per-kind templates.
type templateInput struct {
	Actor    string
	Project  string
	Branch   string
	Subject  string
	URL      string
	Patchset int
	Comment  string
	Inserts  string
	Deletes  string
}

var kindTemplates = map[schema.EventKind]*template.Template{
	schema.KindPatchsetCreated: template.Must(template.New("patchset-created").Parse(
		`{{.Actor}} proposed {{.Project}}{{if .Branch}} {{.Branch}}{{end}}: {{.Subject}} ({{.Inserts}}/{{.Deletes}}) {{.URL}}`)),
	schema.KindCommentAdded: template.Must(template.New("comment-added").Parse(
		`{{.Actor}} commented on {{.Project}}: {{.Subject}}{{if .Comment}} "{{.Comment}}"{{end}} {{.URL}}`)),
	schema.KindChangeMerged: template.Must(template.New("change-merged").Parse(
		`Merged {{.Project}}: {{.Subject}} {{.URL}}`)),
	schema.KindChangeAbandoned: template.Must(template.New("change-abandoned").Parse(
		`{{.Actor}} abandoned {{.Project}}: {{.Subject}} {{.URL}}`)),
	schema.KindReviewerAdded: template.Must(template.New("reviewer-added").Parse(
		`{{.Actor}} was added as a reviewer on {{.Project}}: {{.Subject}} {{.URL}}`)),
}

// Renderer produces the human-readable summary and optional body for a
// notification. Kinds without a template fall back to a one-line summary.
type Renderer struct {
	includeBody bool
}

// NewRenderer constructs a renderer. When includeBody is set,
// patchset-created notifications carry the full commit message.
func NewRenderer(includeBody bool) *Renderer {
	return &Renderer{includeBody: includeBody}
}

// Render formats the event. Render failures degrade to the fallback summary,
// never to an error.
func (r *Renderer) Render(e schema.ReviewEvent) (summary, body string) {
	tpl, ok := kindTemplates[e.Kind]
	if !ok {
		return fallbackSummary(e), ""
	}

	var buf strings.Builder
	if err := tpl.Execute(&buf, newTemplateInput(e)); err != nil {
		observability.Log().Warn("notification template failed",
			observability.F("kind", string(e.Kind)), observability.F("error", err))
		return fallbackSummary(e), ""
	}
	summary = strings.Join(strings.Fields(buf.String()), " ")

	if r.includeBody && e.Kind == schema.KindPatchsetCreated {
		body = e.Change.CommitMessage
	}
	return summary, body
}

func newTemplateInput(e schema.ReviewEvent) templateInput {
	return templateInput{
		Actor:    actorName(e),
		Project:  e.Project,
		Branch:   e.Change.Branch,
		Subject:  e.Change.Subject,
		URL:      e.Change.URL,
		Patchset: e.PatchsetNumber,
		Comment:  firstLine(e.Comment),
		Inserts:  fmt.Sprintf("+%d", e.PatchSet.Inserts),
		Deletes:  fmt.Sprintf("-%d", abs(e.PatchSet.Deletes)),
	}
}

// actorName picks the best display name available on the event, falling back
// to the actor email address.
func actorName(e schema.ReviewEvent) string {
	for _, entity := range []schema.Entity{e.PatchSet.Uploader, e.PatchSet.Author, e.Change.Owner} {
		if name := strings.TrimSpace(entity.Name); name != "" {
			return name
		}
	}
	if e.AuthorEmail != "" {
		return e.AuthorEmail
	}
	return "someone"
}

func fallbackSummary(e schema.ReviewEvent) string {
	kind := e.WireType
	if kind == "" {
		kind = string(e.Kind)
	}
	if e.Change.Subject != "" {
		return fmt.Sprintf("%s on %s: %s %s", kind, e.Project, e.Change.Subject, e.Change.URL)
	}
	return fmt.Sprintf("%s on %s", kind, e.Project)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = strings.TrimSpace(s[:idx])
	}
	return s
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
