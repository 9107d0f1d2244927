package tracker

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/deepmatter/chempipe/internal/infrastructure/messaging/kafka"
	"github.com/deepmatter/chempipe/internal/infrastructure/monitoring/logging"
	"github.com/deepmatter/chempipe/internal/pipeline"
	apperrors "github.com/deepmatter/chempipe/pkg/errors"
)

// publisher is the slice of kafka.Producer the notifier uses.
type publisher interface {
	Publish(ctx context.Context, topic, key string, payload interface{}) error
}

// Notifier emits run lifecycle events. Publish failures are logged and
// returned but are not fatal to the run; callers decide whether to abort.
type Notifier struct {
	pub publisher
	log logging.Logger
}

// NewNotifier wraps a Kafka producer.
func NewNotifier(p *kafka.Producer, log logging.Logger) *Notifier {
	return newNotifierWithPublisher(p, log)
}

func newNotifierWithPublisher(pub publisher, log logging.Logger) *Notifier {
	return &Notifier{pub: pub, log: log.Named("events")}
}

// RunStarted announces a new training run.
func (n *Notifier) RunStarted(ctx context.Context, run *Run) error {
	payload := kafka.RunStartedPayload{
		ModelUUID:  run.ModelUUID.String(),
		DatasetKey: run.DatasetKey,
		ModelType:  run.ModelType,
		StartedAt:  run.StartedAt,
	}
	return n.publish(ctx, kafka.TopicRunStarted, run.ModelUUID, payload)
}

// EpochScored announces one epoch's fold-averaged validation score.
func (n *Notifier) EpochScored(ctx context.Context, id uuid.UUID, summary pipeline.EpochSummary) error {
	payload := kafka.RunScoredPayload{
		ModelUUID:   id.String(),
		Epoch:       summary.Epoch,
		ValidScore:  summary.MeanScore,
		ScoreStddev: summary.StdScore,
		Folds:       summary.Folds,
	}
	return n.publish(ctx, kafka.TopicRunScored, id, payload)
}

// RunCompleted announces a finished run and its selected checkpoints.
func (n *Notifier) RunCompleted(ctx context.Context, id uuid.UUID, out RunOutcome) error {
	payload := kafka.RunCompletedPayload{
		ModelUUID:    id.String(),
		BestEpoch:    out.BestEpoch,
		EpochsRun:    out.EpochsRun,
		Truncated:    out.Truncated,
		BestScore:    out.BestScore,
		BestChkptKey: out.BestChkptKey,
		BaseChkptKey: out.BaseChkptKey,
		CompletedAt:  time.Now().UTC(),
	}
	return n.publish(ctx, kafka.TopicRunCompleted, id, payload)
}

// RunFailed announces a run aborted by an error.
func (n *Notifier) RunFailed(ctx context.Context, id uuid.UUID, runErr error) error {
	payload := kafka.RunFailedPayload{
		ModelUUID: id.String(),
		ErrorCode: string(apperrors.GetCode(runErr)),
		Message:   runErr.Error(),
		FailedAt:  time.Now().UTC(),
	}
	return n.publish(ctx, kafka.TopicRunFailed, id, payload)
}

func (n *Notifier) publish(ctx context.Context, topic string, id uuid.UUID, payload interface{}) error {
	if err := n.pub.Publish(ctx, topic, id.String(), payload); err != nil {
		n.log.Warn("run event publish failed",
			logging.String("topic", topic),
			logging.String("model_uuid", id.String()),
			logging.Err(err))
		return err
	}
	return nil
}
