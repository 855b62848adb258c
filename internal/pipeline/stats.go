package pipeline

import (
	"strings"
	"sync"

	"github.com/reviewrelay/reviewrelay/internal/schema"
)

// Stats tracks occurrence tables over the event stream: one per wire event
// type, per project, per reviewer (comment authors) and per uploader
// (patchset uploaders).
type Stats struct {
	mu         sync.Mutex
	eventTypes map[string]uint64
	projects   map[string]uint64
	reviewers  map[string]uint64
	uploaders  map[string]uint64
}

// StatsSnapshot is a point-in-time copy of the occurrence tables.
type StatsSnapshot struct {
	EventTypes map[string]uint64 `json:"event_types"`
	Projects   map[string]uint64 `json:"projects"`
	Reviewers  map[string]uint64 `json:"reviewers"`
	Uploaders  map[string]uint64 `json:"uploaders"`
}

func NewStats() *Stats {
	return &Stats{
		eventTypes: make(map[string]uint64),
		projects:   make(map[string]uint64),
		reviewers:  make(map[string]uint64),
		uploaders:  make(map[string]uint64),
	}
}

// Observe records one normalized event. Every event counts toward the type
// and project tables; reviewer and uploader tables only grow for comment and
// patchset events carrying an email.
func (s *Stats) Observe(e schema.ReviewEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wireType := e.WireType
	if wireType == "" {
		wireType = string(e.Kind)
	}
	s.eventTypes[wireType]++
	if e.Project != "" {
		s.projects[e.Project]++
	}

	switch e.Kind {
	case schema.KindCommentAdded:
		if who := strings.TrimSpace(e.AuthorEmail); who != "" {
			s.reviewers[who]++
		}
	case schema.KindPatchsetCreated:
		if who := strings.TrimSpace(e.PatchSet.Uploader.Email); who != "" {
			s.uploaders[who]++
		}
	}
}

// Snapshot copies the tables for the control surface.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatsSnapshot{
		EventTypes: copyTable(s.eventTypes),
		Projects:   copyTable(s.projects),
		Reviewers:  copyTable(s.reviewers),
		Uploaders:  copyTable(s.uploaders),
	}
}

func copyTable(src map[string]uint64) map[string]uint64 {
	dst := make(map[string]uint64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
