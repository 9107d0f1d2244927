package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepmatter/chempipe/internal/infrastructure/messaging/kafka"
	"github.com/deepmatter/chempipe/internal/infrastructure/monitoring/logging"
	"github.com/deepmatter/chempipe/internal/pipeline"
	apperrors "github.com/deepmatter/chempipe/pkg/errors"
)

type publishedEvent struct {
	topic   string
	key     string
	payload interface{}
}

type fakePublisher struct {
	events []publishedEvent
	err    error
}

func (f *fakePublisher) Publish(ctx context.Context, topic, key string, payload interface{}) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, publishedEvent{topic: topic, key: key, payload: payload})
	return nil
}

func newTestNotifier(pub *fakePublisher) *Notifier {
	return newNotifierWithPublisher(pub, logging.NewNopLogger())
}

func TestRunStarted(t *testing.T) {
	pub := &fakePublisher{}
	n := newTestNotifier(pub)

	id := uuid.New()
	started := time.Now().UTC()
	err := n.RunStarted(context.Background(), &Run{
		ModelUUID:  id,
		DatasetKey: "delaney.csv",
		ModelType:  "NN",
		StartedAt:  started,
	})
	require.NoError(t, err)
	require.Len(t, pub.events, 1)
	assert.Equal(t, kafka.TopicRunStarted, pub.events[0].topic)
	assert.Equal(t, id.String(), pub.events[0].key)

	payload := pub.events[0].payload.(kafka.RunStartedPayload)
	assert.Equal(t, "delaney.csv", payload.DatasetKey)
	assert.Equal(t, "NN", payload.ModelType)
	assert.Equal(t, started, payload.StartedAt)
}

func TestEpochScored(t *testing.T) {
	pub := &fakePublisher{}
	n := newTestNotifier(pub)

	id := uuid.New()
	err := n.EpochScored(context.Background(), id, pipeline.EpochSummary{
		Epoch:     4,
		MeanScore: 0.61,
		StdScore:  0.02,
		Folds:     3,
	})
	require.NoError(t, err)
	require.Len(t, pub.events, 1)
	assert.Equal(t, kafka.TopicRunScored, pub.events[0].topic)

	payload := pub.events[0].payload.(kafka.RunScoredPayload)
	assert.Equal(t, 4, payload.Epoch)
	assert.Equal(t, 0.61, payload.ValidScore)
	assert.Equal(t, 3, payload.Folds)
}

func TestRunCompleted(t *testing.T) {
	pub := &fakePublisher{}
	n := newTestNotifier(pub)

	err := n.RunCompleted(context.Background(), uuid.New(), RunOutcome{
		BestEpoch:    2,
		EpochsRun:    10,
		BestScore:    0.82,
		BestChkptKey: "models/best_model.tar.gz",
	})
	require.NoError(t, err)
	require.Len(t, pub.events, 1)
	assert.Equal(t, kafka.TopicRunCompleted, pub.events[0].topic)

	payload := pub.events[0].payload.(kafka.RunCompletedPayload)
	assert.Equal(t, 2, payload.BestEpoch)
	assert.Equal(t, "models/best_model.tar.gz", payload.BestChkptKey)
	assert.False(t, payload.CompletedAt.IsZero())
}

func TestRunFailed_CarriesErrorCode(t *testing.T) {
	pub := &fakePublisher{}
	n := newTestNotifier(pub)

	runErr := apperrors.New(apperrors.CodeFitFailed, "fit failed on fold 1")
	err := n.RunFailed(context.Background(), uuid.New(), runErr)
	require.NoError(t, err)
	require.Len(t, pub.events, 1)

	payload := pub.events[0].payload.(kafka.RunFailedPayload)
	assert.Equal(t, string(apperrors.CodeFitFailed), payload.ErrorCode)
	assert.Contains(t, payload.Message, "fit failed")
}

func TestPublishFailureIsReturned(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker unreachable")}
	n := newTestNotifier(pub)

	err := n.RunStarted(context.Background(), &Run{ModelUUID: uuid.New()})
	require.Error(t, err)
}

func TestPayloadsAreJSONSerializable(t *testing.T) {
	pub := &fakePublisher{}
	n := newTestNotifier(pub)

	require.NoError(t, n.EpochScored(context.Background(), uuid.New(), pipeline.EpochSummary{Epoch: 1}))
	_, err := json.Marshal(pub.events[0].payload)
	require.NoError(t, err)
}
