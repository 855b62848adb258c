package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/reviewrelay/reviewrelay/errs"
	"github.com/reviewrelay/reviewrelay/internal/config"
	"github.com/reviewrelay/reviewrelay/internal/observability"
	"github.com/reviewrelay/reviewrelay/internal/schema"
)

type recordingSink struct {
	sent    []Notification
	failFor map[string]error
}

func (s *recordingSink) Send(_ context.Context, msg Notification) error {
	if err, ok := s.failFor[msg.Room]; ok {
		return err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func sampleEvent() schema.ReviewEvent {
	return schema.ReviewEvent{
		Kind:           schema.KindPatchsetCreated,
		WireType:       "patchset-created",
		Project:        "nova",
		ChangeID:       "I7fa5c1",
		ChangeNumber:   12345,
		PatchsetNumber: 2,
		AuthorEmail:    "jane@example.com",
		Change: schema.Change{
			Project:       "nova",
			Branch:        "master",
			Subject:       "Fix live migration rollback",
			URL:           "https://review.openstack.org/12345",
			CommitMessage: "Fix live migration rollback\n\nLonger explanation.",
			Owner:         schema.Entity{Name: "Jane Doe", Email: "jane@example.com"},
		},
		PatchSet: schema.PatchSet{
			Number:   2,
			Uploader: schema.Entity{Name: "Jane Doe", Email: "jane@example.com"},
			Inserts:  10,
			Deletes:  -3,
		},
	}
}

func TestRenderPatchsetCreated(t *testing.T) {
	summary, body := NewRenderer(false).Render(sampleEvent())
	require.Equal(t,
		"Jane Doe proposed nova master: Fix live migration rollback (+10/-3) https://review.openstack.org/12345",
		summary)
	require.Empty(t, body)
}

func TestRenderIncludesCommitBody(t *testing.T) {
	_, body := NewRenderer(true).Render(sampleEvent())
	require.Equal(t, "Fix live migration rollback\n\nLonger explanation.", body)

	// Only patchset uploads carry the body.
	merged := sampleEvent()
	merged.Kind = schema.KindChangeMerged
	_, body = NewRenderer(true).Render(merged)
	require.Empty(t, body)
}

func TestRenderCommentFirstLineOnly(t *testing.T) {
	e := sampleEvent()
	e.Kind = schema.KindCommentAdded
	e.Comment = "Patch Set 2: Code-Review+2\n\nlooks good"

	summary, _ := NewRenderer(false).Render(e)
	require.Contains(t, summary, `"Patch Set 2: Code-Review+2"`)
	require.NotContains(t, summary, "looks good")
}

func TestRenderFallbackForUnknownKind(t *testing.T) {
	e := sampleEvent()
	e.Kind = schema.KindOther
	e.WireType = "topic-changed"

	summary, body := NewRenderer(true).Render(e)
	require.Equal(t,
		"topic-changed on nova: Fix live migration rollback https://review.openstack.org/12345",
		summary)
	require.Empty(t, body)
}

func TestActorNameFallsBackToEmail(t *testing.T) {
	e := sampleEvent()
	e.PatchSet.Uploader = schema.Entity{}
	e.PatchSet.Author = schema.Entity{}
	e.Change.Owner = schema.Entity{}

	summary, _ := NewRenderer(false).Render(e)
	require.Contains(t, summary, "jane@example.com proposed")
}

func TestDispatchFansOutToAllRooms(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(sink, config.SinkConfig{Rooms: []string{"#infra", "#nova", "#qa"}})

	require.NoError(t, d.Dispatch(context.Background(), sampleEvent()))
	require.Len(t, sink.sent, 3)

	seenIDs := make(map[string]struct{})
	for i, msg := range sink.sent {
		require.Equal(t, d.Rooms()[i], msg.Room)
		require.Equal(t, "https://review.openstack.org/12345", msg.Link)
		require.NotEmpty(t, msg.ID)
		seenIDs[msg.ID] = struct{}{}
	}
	require.Len(t, seenIDs, 3)
}

func TestDispatchContinuesPastSinkFailure(t *testing.T) {
	cause := errors.New("backend unreachable")
	sink := &recordingSink{failFor: map[string]error{"#infra": cause}}
	d := NewDispatcher(sink, config.SinkConfig{Rooms: []string{"#infra", "#nova"}})

	err := d.Dispatch(context.Background(), sampleEvent())
	require.Error(t, err)
	require.True(t, errs.IsCode(err, errs.CodeDispatch))
	require.ErrorIs(t, err, cause)

	// The healthy room still got its copy.
	require.Len(t, sink.sent, 1)
	require.Equal(t, "#nova", sink.sent[0].Room)
}

func TestDispatchHonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sink := &recordingSink{}
	d := NewDispatcher(sink, config.SinkConfig{Rooms: []string{"#infra"}, Rate: 0.001, Burst: 1})
	// First token is already spent after one send at this rate.
	require.NoError(t, d.Dispatch(context.Background(), sampleEvent()))

	err := d.Dispatch(ctx, sampleEvent())
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, sink.sent, 1)
}

type capturingLogger struct {
	warns []string
}

func (l *capturingLogger) Debug(string, ...observability.Field) {}
func (l *capturingLogger) Info(string, ...observability.Field)  {}
func (l *capturingLogger) Error(string, ...observability.Field) {}

func (l *capturingLogger) Warn(msg string, _ ...observability.Field) {
	l.warns = append(l.warns, msg)
}

func TestNewDispatcherWarnsOnEmptyRooms(t *testing.T) {
	logger := &capturingLogger{}
	observability.SetLogger(logger)
	defer observability.SetLogger(nil)

	d := NewDispatcher(&recordingSink{}, config.SinkConfig{Rate: 1, Burst: 5})
	require.Empty(t, d.Rooms())
	require.Len(t, logger.warns, 1)
	require.Contains(t, logger.warns[0], "no sink rooms configured")

	logger.warns = nil
	NewDispatcher(&recordingSink{}, config.SinkConfig{Rooms: []string{"#infra"}, Rate: 1, Burst: 5})
	require.Empty(t, logger.warns)
}
