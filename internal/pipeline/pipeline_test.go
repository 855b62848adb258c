package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/reviewrelay/reviewrelay/internal/config"
	"github.com/reviewrelay/reviewrelay/internal/dedup"
	"github.com/reviewrelay/reviewrelay/internal/dispatch"
	"github.com/reviewrelay/reviewrelay/internal/filter"
	"github.com/reviewrelay/reviewrelay/internal/schema"
)

// fakeSource feeds canned records through the RawRecordSource contract.
type fakeSource struct {
	records  chan schema.RawRecord
	startErr error
	stopOnce sync.Once
}

func newFakeSource() *fakeSource {
	return &fakeSource{records: make(chan schema.RawRecord, 64)}
}

func (s *fakeSource) Start(context.Context) error      { return s.startErr }
func (s *fakeSource) Records() <-chan schema.RawRecord { return s.records }
func (s *fakeSource) Stop()                            { s.stopOnce.Do(func() { close(s.records) }) }
func (s *fakeSource) push(payload string) {
	s.records <- schema.RawRecord{Payload: []byte(payload), ReceivedAt: time.Now().UTC()}
}

type countingSink struct {
	sent []dispatch.Notification
	err  error
}

func (s *countingSink) Send(_ context.Context, msg dispatch.Notification) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func patchsetCreated(project, changeID string, patchset int) string {
	return fmt.Sprintf(`{
		"type": "patchset-created",
		"eventCreatedOn": 1700000000,
		"change": {
			"id": %q, "number": 101, "project": %q, "branch": "master",
			"subject": "A change", "url": "https://review.example.org/101",
			"owner": {"name": "Jane", "email": "jane@example.com"}
		},
		"patchSet": {
			"number": %d,
			"uploader": {"name": "Jane", "email": "jane@example.com"}
		},
		"uploader": {"name": "Jane", "email": "jane@example.com"}
	}`, changeID, project, patchset)
}

func newTestPipeline(t *testing.T, src *fakeSource, sink dispatch.Sink,
	rules config.RulesConfig, cacheSize int) *Pipeline {
	t.Helper()
	cache, err := dedup.NewSeenCache(cacheSize, time.Hour)
	require.NoError(t, err)
	d := dispatch.NewDispatcher(sink, config.SinkConfig{Rooms: []string{"#review"}})
	return New(src, filter.NewRules(rules), cache, d, nil)
}

func runPipeline(t *testing.T, p *Pipeline, feed func(*fakeSource), src *fakeSource) {
	t.Helper()
	require.NoError(t, p.Start(context.Background()))
	feed(src)
	src.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))
}

func TestPipelineFilterAndDedupScenario(t *testing.T) {
	src := newFakeSource()
	sink := &countingSink{}
	p := newTestPipeline(t, src, sink, config.RulesConfig{Projects: []string{"nova"}}, 2)

	runPipeline(t, p, func(s *fakeSource) {
		s.push(patchsetCreated("nova", "I100", 1))
		s.push(patchsetCreated("neutron", "I200", 1))
		s.push(patchsetCreated("nova", "I100", 1)) // duplicate fingerprint
		s.push(patchsetCreated("nova", "I300", 1)) // new change
	}, src)

	require.Len(t, sink.sent, 2)

	snap := p.Metrics().Snapshot()
	require.Equal(t, uint64(4), snap.Received)
	require.Equal(t, uint64(1), snap.Filtered)
	require.Equal(t, uint64(1), snap.Duplicates)
	require.Equal(t, uint64(2), snap.Dispatched)
	require.Zero(t, snap.ParseFailures)
	require.Zero(t, snap.DispatchErrors)
}

func TestPipelineSurvivesMalformedRecords(t *testing.T) {
	src := newFakeSource()
	sink := &countingSink{}
	p := newTestPipeline(t, src, sink, config.RulesConfig{}, 16)

	runPipeline(t, p, func(s *fakeSource) {
		s.push(`{not json`)
		s.push(`{"change": {"project": "nova"}}`) // missing type
		s.push(patchsetCreated("nova", "I100", 1))
	}, src)

	require.Len(t, sink.sent, 1)

	snap := p.Metrics().Snapshot()
	require.Equal(t, uint64(3), snap.Received)
	require.Equal(t, uint64(2), snap.ParseFailures)
	require.Equal(t, uint64(1), snap.Dispatched)
}

func TestPipelineCountsDispatchErrors(t *testing.T) {
	src := newFakeSource()
	sink := &countingSink{err: errors.New("backend down")}
	p := newTestPipeline(t, src, sink, config.RulesConfig{}, 16)

	runPipeline(t, p, func(s *fakeSource) {
		s.push(patchsetCreated("nova", "I100", 1))
		s.push(patchsetCreated("nova", "I200", 1))
	}, src)

	snap := p.Metrics().Snapshot()
	require.Equal(t, uint64(2), snap.DispatchErrors)
	require.Zero(t, snap.Dispatched)
}

func TestPipelineSuppressesReplayAfterReconnect(t *testing.T) {
	// A transport drop and reconnect replays recent history; events already
	// cached before the drop must not dispatch again.
	src := newFakeSource()
	sink := &countingSink{}
	p := newTestPipeline(t, src, sink, config.RulesConfig{}, 16)

	runPipeline(t, p, func(s *fakeSource) {
		s.push(patchsetCreated("nova", "I100", 1))
		s.push(patchsetCreated("nova", "I200", 1))
		// reconnect: upstream replays both, then delivers one new event
		s.push(patchsetCreated("nova", "I100", 1))
		s.push(patchsetCreated("nova", "I200", 1))
		s.push(patchsetCreated("nova", "I300", 1))
	}, src)

	require.Len(t, sink.sent, 3)
	snap := p.Metrics().Snapshot()
	require.Equal(t, uint64(2), snap.Duplicates)
}

// cancellingSink cancels the pipeline's start context on its first delivery,
// simulating a shutdown signal arriving while an event is mid fan-out.
type cancellingSink struct {
	cancel context.CancelFunc
	once   sync.Once
	sent   []dispatch.Notification
}

func (s *cancellingSink) Send(_ context.Context, msg dispatch.Notification) error {
	s.once.Do(s.cancel)
	s.sent = append(s.sent, msg)
	return nil
}

func TestPipelineFinishesInFlightEventAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := newFakeSource()
	sink := &cancellingSink{cancel: cancel}

	cache, err := dedup.NewSeenCache(16, time.Hour)
	require.NoError(t, err)
	d := dispatch.NewDispatcher(sink, config.SinkConfig{
		Rooms: []string{"#infra", "#nova", "#qa"},
		Rate:  100,
		Burst: 1,
	})
	p := New(src, filter.NewRules(config.RulesConfig{}), cache, d, nil)

	require.NoError(t, p.Start(ctx))
	src.push(patchsetCreated("nova", "I100", 1))
	src.Stop()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	require.NoError(t, p.Stop(stopCtx))

	// All rooms got their copy even though the start context was cancelled
	// after the first send.
	require.Len(t, sink.sent, 3)
	snap := p.Metrics().Snapshot()
	require.Equal(t, uint64(1), snap.Dispatched)
	require.Zero(t, snap.DispatchErrors)
}

func TestPipelineStartPropagatesSourceError(t *testing.T) {
	src := newFakeSource()
	src.startErr = errors.New("auth failed")
	p := newTestPipeline(t, src, &countingSink{}, config.RulesConfig{}, 16)

	require.Error(t, p.Start(context.Background()))
}

func TestStatsTables(t *testing.T) {
	src := newFakeSource()
	sink := &countingSink{}
	p := newTestPipeline(t, src, sink, config.RulesConfig{}, 16)

	runPipeline(t, p, func(s *fakeSource) {
		s.push(patchsetCreated("nova", "I100", 1))
		s.push(patchsetCreated("neutron", "I200", 1))
		s.push(`{
			"type": "comment-added",
			"change": {"id": "I100", "project": "nova", "url": "https://review.example.org/101"},
			"patchSet": {"number": 1},
			"author": {"name": "Rev", "email": "rev@example.com"},
			"comment": "lgtm"
		}`)
	}, src)

	snap := p.Stats().Snapshot()
	require.Equal(t, uint64(2), snap.EventTypes["patchset-created"])
	require.Equal(t, uint64(1), snap.EventTypes["comment-added"])
	require.Equal(t, uint64(2), snap.Projects["nova"])
	require.Equal(t, uint64(1), snap.Projects["neutron"])
	require.Equal(t, uint64(1), snap.Reviewers["rev@example.com"])
	require.Equal(t, uint64(2), snap.Uploaders["jane@example.com"])
}
