package config

import (
	"fmt"

	apperrors "github.com/deepmatter/chempipe/pkg/errors"
	"github.com/deepmatter/chempipe/pkg/types/model"
)

// finalize applies conditional defaults and validates a freshly normalized
// Params. It is called once at the end of normalization and again, through
// validateConcrete, on every concrete set Expand produces.
func (n *Normalizer) finalize(p *Params) error {
	pt := model.PredictionType(p.PredictionType)
	if !pt.Valid() {
		return apperrors.Validationf("prediction_type %q is invalid; expected regression or classification",
			p.PredictionType)
	}

	// The model-choice score defaults by prediction type when unset.
	if p.ModelChoiceScoreType == "" {
		p.ModelChoiceScoreType = string(model.DefaultScoreType(pt))
	}

	if err := validateSplit(p); err != nil {
		return err
	}

	return validateConcrete(p)
}

// validateSplit checks that the requested split fractions leave room for a
// training partition.
func validateSplit(p *Params) error {
	switch model.SplitStrategy(p.SplitStrategy) {
	case model.StrategyTrainValidTest:
		if p.SplitValidFrac+p.SplitTestFrac >= 1.0 {
			return apperrors.New(apperrors.CodeParamSplitFraction,
				fmt.Sprintf("split fractions for validation (%g) and test (%g) leave no room for a training set",
					p.SplitValidFrac, p.SplitTestFrac))
		}
	case model.StrategyKFoldCV:
		if p.SplitTestFrac >= 1.0 {
			return apperrors.New(apperrors.CodeParamSplitFraction,
				fmt.Sprintf("split fraction for test (%g) leaves no room for training and validation data",
					p.SplitTestFrac))
		}
		if p.NumFolds < 2 {
			return apperrors.Validationf("num_folds must be at least 2 for k_fold_cv, got %d", p.NumFolds)
		}
	default:
		return apperrors.Validationf("split_strategy %q is invalid; expected train_valid_test or k_fold_cv",
			p.SplitStrategy)
	}
	return nil
}

// validateConcrete checks the constraints that only hold for a concrete
// parameter set: in hyperparameter mode the searched fields still carry
// candidate sets, so these checks are deferred until after expansion.
func validateConcrete(p *Params) error {
	if p.Hyperparam {
		return nil
	}

	if p.ModelType != "" {
		if _, err := model.ParseKind(p.ModelType); err != nil {
			return apperrors.Wrap(err, apperrors.CodeValidation, "model_type")
		}
	}

	// Layered NN parameters must agree in length when set alongside
	// layer_sizes.
	if len(p.LayerSizes) > 0 {
		nlayers := len(p.LayerSizes)
		mismatch := (len(p.Dropouts) > 0 && len(p.Dropouts) != nlayers) ||
			(len(p.WeightInitStddevs) > 0 && len(p.WeightInitStddevs) != nlayers) ||
			(len(p.BiasInitConsts) > 0 && len(p.BiasInitConsts) != nlayers)
		if mismatch {
			return apperrors.New(apperrors.CodeParamLayerMismatch,
				fmt.Sprintf("layer_sizes, dropouts, weight_init_stddevs and bias_init_consts must share one length; layer_sizes has %d", nlayers))
		}
	}

	if p.MaxEpochs < 1 {
		return apperrors.Validationf("max_epochs must be at least 1, got %d", p.MaxEpochs)
	}
	if p.BaselineEpoch < 1 {
		return apperrors.Validationf("baseline_epoch must be at least 1, got %d", p.BaselineEpoch)
	}

	return nil
}
