package pipeline

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/deepmatter/chempipe/internal/config"
	apperrors "github.com/deepmatter/chempipe/pkg/errors"
	"github.com/deepmatter/chempipe/pkg/types/model"
)

// runnerRequest is one line-delimited JSON message sent to a model runner
// process. Args carries the run parameters as CLI tokens so the runner
// parses them with its own normalizer.
type runnerRequest struct {
	Op        string      `json:"op"`
	ModelType string      `json:"model_type,omitempty"`
	Args      []string    `json:"args,omitempty"`
	Features  [][]float64 `json:"features,omitempty"`
	Responses []float64   `json:"responses,omitempty"`
	Dir       string      `json:"dir,omitempty"`
}

// runnerResponse is the runner's reply to one request.
type runnerResponse struct {
	OK          bool      `json:"ok"`
	Error       string    `json:"error,omitempty"`
	Unsupported bool      `json:"unsupported,omitempty"`
	Predictions []float64 `json:"predictions,omitempty"`
	Std         []float64 `json:"std,omitempty"`
}

const (
	opInit        = "init"
	opFit         = "fit"
	opPredict     = "predict"
	opUncertainty = "uncertainty"
	opSave        = "save"
	opReload      = "reload"
	opClose       = "close"
)

// runnerConn drives the request/response protocol over a byte stream pair.
type runnerConn struct {
	enc *json.Encoder
	dec *json.Decoder
}

func newRunnerConn(w io.Writer, r io.Reader) *runnerConn {
	return &runnerConn{
		enc: json.NewEncoder(w),
		dec: json.NewDecoder(bufio.NewReader(r)),
	}
}

// roundTrip sends req and decodes the runner's reply. A reply with ok=false
// surfaces as an error carrying code; unsupported replies always map to
// CodeNotImplemented.
func (c *runnerConn) roundTrip(ctx context.Context, req runnerRequest, code apperrors.ErrorCode) (runnerResponse, error) {
	if err := ctx.Err(); err != nil {
		return runnerResponse{}, apperrors.Wrap(err, code, "model runner call cancelled")
	}
	if err := c.enc.Encode(req); err != nil {
		return runnerResponse{}, apperrors.Wrap(err, code, fmt.Sprintf("send %s request", req.Op))
	}
	var resp runnerResponse
	if err := c.dec.Decode(&resp); err != nil {
		return runnerResponse{}, apperrors.Wrap(err, code, fmt.Sprintf("read %s response", req.Op))
	}
	if resp.Unsupported {
		return resp, apperrors.New(apperrors.CodeNotImplemented,
			fmt.Sprintf("model runner does not support %s", req.Op))
	}
	if !resp.OK {
		return resp, apperrors.New(code, fmt.Sprintf("model runner %s failed: %s", req.Op, resp.Error))
	}
	return resp, nil
}

// ExecEstimator runs an external model process and trains it through the
// runner protocol. One process holds one model instance; the selector
// spawns a fresh process per fold for iterative families.
type ExecEstimator struct {
	cmd  *exec.Cmd
	conn *runnerConn
	in   io.Closer
}

// NewExecFactory returns a Factory that launches runnerPath for each
// estimator and initializes it with the run parameters.
func NewExecFactory(runnerPath string, kind model.Kind) Factory {
	return func(ctx context.Context, p *config.Params) (Estimator, error) {
		cmd := exec.Command(runnerPath)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeFitFailed, "open model runner stdin")
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeFitFailed, "open model runner stdout")
		}
		if err := cmd.Start(); err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeFitFailed,
				fmt.Sprintf("start model runner %q", runnerPath))
		}

		est := &ExecEstimator{cmd: cmd, conn: newRunnerConn(stdin, stdout), in: stdin}
		req := runnerRequest{Op: opInit, ModelType: string(kind), Args: p.Args()}
		if _, err := est.conn.roundTrip(ctx, req, apperrors.CodeFitFailed); err != nil {
			_ = est.Close()
			return nil, err
		}
		return est, nil
	}
}

func (e *ExecEstimator) Fit(ctx context.Context, features [][]float64, responses []float64) error {
	_, err := e.conn.roundTrip(ctx, runnerRequest{
		Op:        opFit,
		Features:  features,
		Responses: responses,
	}, apperrors.CodeFitFailed)
	return err
}

func (e *ExecEstimator) Predict(ctx context.Context, features [][]float64) ([]float64, error) {
	resp, err := e.conn.roundTrip(ctx, runnerRequest{
		Op:       opPredict,
		Features: features,
	}, apperrors.CodePredictFailed)
	if err != nil {
		return nil, err
	}
	if len(resp.Predictions) != len(features) {
		return nil, apperrors.Newf(apperrors.CodePredictFailed,
			"model runner returned %d predictions for %d rows", len(resp.Predictions), len(features))
	}
	return resp.Predictions, nil
}

func (e *ExecEstimator) Uncertainty(ctx context.Context, features [][]float64) ([]float64, error) {
	resp, err := e.conn.roundTrip(ctx, runnerRequest{
		Op:       opUncertainty,
		Features: features,
	}, apperrors.CodePredictFailed)
	if err != nil {
		return nil, err
	}
	return resp.Std, nil
}

func (e *ExecEstimator) Save(ctx context.Context, dir string) error {
	_, err := e.conn.roundTrip(ctx, runnerRequest{Op: opSave, Dir: dir}, apperrors.CodeCheckpointWrite)
	return err
}

func (e *ExecEstimator) Reload(ctx context.Context, dir string) error {
	_, err := e.conn.roundTrip(ctx, runnerRequest{Op: opReload, Dir: dir}, apperrors.CodeReloadFailed)
	return err
}

// closeGracePeriod bounds how long Close waits for the runner to exit on
// its own before it is killed.
var closeGracePeriod = 5 * time.Second

// Close asks the runner to exit and reaps the process. A runner that
// ignores the close request is killed after the grace period.
func (e *ExecEstimator) Close() error {
	_ = e.conn.enc.Encode(runnerRequest{Op: opClose})
	_ = e.in.Close()

	done := make(chan error, 1)
	go func() { done <- e.cmd.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(closeGracePeriod):
		_ = e.cmd.Process.Kill()
		return <-done
	}
}

// NewExecRegistry registers the three supported model families, all backed
// by the same runner binary. Uncertainty support mirrors the backing
// libraries: NN dropout sampling covers regression only, random forests
// derive a per-tree spread for both prediction types, and gradient boosting
// has no native estimate.
func NewExecRegistry(runnerPath string) *Registry {
	r := NewRegistry()
	r.Register(model.KindNN, KindHooks{
		New:       NewExecFactory(runnerPath, model.KindNN),
		Iterative: true,
		SupportsUncertainty: func(pt model.PredictionType) bool {
			return pt == model.Regression
		},
	})
	r.Register(model.KindRF, KindHooks{
		New:                 NewExecFactory(runnerPath, model.KindRF),
		SupportsUncertainty: func(model.PredictionType) bool { return true },
	})
	r.Register(model.KindXGBoost, KindHooks{
		New:                 NewExecFactory(runnerPath, model.KindXGBoost),
		SupportsUncertainty: func(model.PredictionType) bool { return false },
	})
	return r
}
