package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/deepmatter/chempipe/pkg/errors"
	"github.com/deepmatter/chempipe/pkg/types/model"
)

// fakeRunner answers the runner protocol over in-memory pipes using a
// per-op response table.
type fakeRunner struct {
	conn     *runnerConn
	requests []runnerRequest
}

func startFakeRunner(t *testing.T, respond func(runnerRequest) runnerResponse) *fakeRunner {
	t.Helper()
	toRunner := newBlockingPipe()
	fromRunner := newBlockingPipe()

	f := &fakeRunner{conn: newRunnerConn(toRunner, fromRunner)}
	dec := json.NewDecoder(toRunner)
	enc := json.NewEncoder(fromRunner)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var req runnerRequest
			if err := dec.Decode(&req); err != nil {
				return
			}
			f.requests = append(f.requests, req)
			if req.Op == opClose {
				return
			}
			if err := enc.Encode(respond(req)); err != nil {
				return
			}
		}
	}()
	t.Cleanup(func() {
		toRunner.Close()
		fromRunner.Close()
		<-done
	})
	return f
}

// blockingPipe is an in-process io.ReadWriteCloser connecting the fake
// runner to the connection under test.
type blockingPipe struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func newBlockingPipe() *blockingPipe {
	r, w := io.Pipe()
	return &blockingPipe{r: r, w: w}
}

func (p *blockingPipe) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *blockingPipe) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *blockingPipe) Close() error {
	p.r.Close()
	return p.w.Close()
}

func TestRunnerConn_RoundTrip(t *testing.T) {
	f := startFakeRunner(t, func(req runnerRequest) runnerResponse {
		switch req.Op {
		case opPredict:
			preds := make([]float64, len(req.Features))
			for i := range preds {
				preds[i] = 42
			}
			return runnerResponse{OK: true, Predictions: preds}
		default:
			return runnerResponse{OK: true}
		}
	})

	_, err := f.conn.roundTrip(context.Background(),
		runnerRequest{Op: opFit, Features: [][]float64{{1}}, Responses: []float64{2}},
		apperrors.CodeFitFailed)
	require.NoError(t, err)

	resp, err := f.conn.roundTrip(context.Background(),
		runnerRequest{Op: opPredict, Features: [][]float64{{1}, {2}}},
		apperrors.CodePredictFailed)
	require.NoError(t, err)
	assert.Equal(t, []float64{42, 42}, resp.Predictions)

	require.Len(t, f.requests, 2)
	assert.Equal(t, opFit, f.requests[0].Op)
	assert.Equal(t, []float64{2}, f.requests[0].Responses)
}

func TestRunnerConn_ErrorReply(t *testing.T) {
	f := startFakeRunner(t, func(runnerRequest) runnerResponse {
		return runnerResponse{OK: false, Error: "singular matrix"}
	})

	_, err := f.conn.roundTrip(context.Background(),
		runnerRequest{Op: opFit}, apperrors.CodeFitFailed)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeFitFailed, apperrors.GetCode(err))
	assert.Contains(t, err.Error(), "singular matrix")
}

func TestRunnerConn_UnsupportedMapsToNotImplemented(t *testing.T) {
	f := startFakeRunner(t, func(runnerRequest) runnerResponse {
		return runnerResponse{Unsupported: true}
	})

	_, err := f.conn.roundTrip(context.Background(),
		runnerRequest{Op: opUncertainty}, apperrors.CodePredictFailed)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeNotImplemented, apperrors.GetCode(err))
}

func TestRunnerConn_CancelledContext(t *testing.T) {
	f := startFakeRunner(t, func(runnerRequest) runnerResponse {
		return runnerResponse{OK: true}
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.conn.roundTrip(ctx, runnerRequest{Op: opFit}, apperrors.CodeFitFailed)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeFitFailed, apperrors.GetCode(err))
}

func TestNewExecRegistry_KindTraits(t *testing.T) {
	r := NewExecRegistry("/usr/local/bin/chempipe-runner")
	assert.Equal(t, []model.Kind{model.KindNN, model.KindRF, model.KindXGBoost}, r.Kinds())

	_, nn, err := r.Hooks(testParams(t, "--model_type", "NN"))
	require.NoError(t, err)
	assert.True(t, nn.Iterative)
	assert.True(t, nn.SupportsUncertainty(model.Regression))
	assert.False(t, nn.SupportsUncertainty(model.Classification))

	_, rf, err := r.Hooks(testParams(t, "--model_type", "RF"))
	require.NoError(t, err)
	assert.False(t, rf.Iterative)
	assert.True(t, rf.SupportsUncertainty(model.Classification))

	_, xgb, err := r.Hooks(testParams(t, "--model_type", "xgb"))
	require.NoError(t, err)
	assert.False(t, xgb.SupportsUncertainty(model.Regression))
}

func TestExecEstimator_CloseKillsStuckRunner(t *testing.T) {
	old := closeGracePeriod
	closeGracePeriod = 100 * time.Millisecond
	t.Cleanup(func() { closeGracePeriod = old })

	// sleep never reads stdin, so it ignores the close request and the
	// closed pipe; Close must kill it instead of waiting forever.
	cmd := exec.Command("sleep", "60")
	in, err := cmd.StdinPipe()
	require.NoError(t, err)
	out, err := cmd.StdoutPipe()
	require.NoError(t, err)
	require.NoError(t, cmd.Start())

	est := &ExecEstimator{cmd: cmd, conn: newRunnerConn(in, out), in: in}

	start := time.Now()
	err = est.Close()
	require.Error(t, err, "a killed process reaps with a non-nil exit error")
	assert.Less(t, time.Since(start), 5*time.Second)
}
