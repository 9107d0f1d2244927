// Package model defines the shared enumeration types used across the
// chempipe pipeline: model families, prediction types, scoring rules,
// featurizers, splitters, and dataset subsets. Keeping them in pkg/types
// lets the config, dataset, and pipeline layers agree on vocabulary
// without import cycles.
package model

import (
	"fmt"
	"strings"
)

// Kind identifies the model family being trained. Model-family dispatch is
// done through a table keyed on Kind rather than subclassing.
type Kind string

const (
	KindNN      Kind = "NN"
	KindRF      Kind = "RF"
	KindXGBoost Kind = "xgboost"
)

// ParseKind maps a user-supplied string onto a Kind. Matching is
// case-insensitive for the ensemble kinds; "NN" is conventionally upper case
// but lower case is accepted too.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "nn":
		return KindNN, nil
	case "rf":
		return KindRF, nil
	case "xgboost", "xgb":
		return KindXGBoost, nil
	default:
		return "", fmt.Errorf("unknown model type %q (expected NN, RF, or xgboost)", s)
	}
}

// IsIterative reports whether the kind trains in epoch increments. Ensemble
// kinds fit in a single call and run exactly one "epoch".
func (k Kind) IsIterative() bool {
	return k == KindNN
}

// PredictionType distinguishes regression from classification runs.
type PredictionType string

const (
	Regression     PredictionType = "regression"
	Classification PredictionType = "classification"
)

// Valid reports whether p is one of the two supported prediction types.
func (p PredictionType) Valid() bool {
	return p == Regression || p == Classification
}

// ScoreType names the model-choice score used to rank epochs and
// hyperparameter sets.
type ScoreType string

const (
	ScoreR2       ScoreType = "r2"
	ScoreRMSE     ScoreType = "rmse"
	ScoreMAE      ScoreType = "mae"
	ScoreROCAUC   ScoreType = "roc_auc"
	ScorePRCAUC   ScoreType = "prc_auc"
	ScoreAccuracy ScoreType = "accuracy"
)

// DefaultScoreType returns the conventional model-choice score for a
// prediction type: ROC-AUC for classification, R² for regression.
func DefaultScoreType(p PredictionType) ScoreType {
	if p == Classification {
		return ScoreROCAUC
	}
	return ScoreR2
}

// FeaturizerType names the structure-to-vector conversion strategy.
type FeaturizerType string

const (
	FeaturizerECFP        FeaturizerType = "ecfp"
	FeaturizerDescriptors FeaturizerType = "descriptors"
	FeaturizerGraphConv   FeaturizerType = "graphconv"
)

// SplitterType names the dataset partitioning strategy.
type SplitterType string

const (
	SplitterIndex      SplitterType = "index"
	SplitterRandom     SplitterType = "random"
	SplitterScaffold   SplitterType = "scaffold"
	SplitterStratified SplitterType = "stratified"
)

// SplitStrategy selects between a single train/valid/test split and k-fold
// cross validation.
type SplitStrategy string

const (
	StrategyTrainValidTest SplitStrategy = "train_valid_test"
	StrategyKFoldCV        SplitStrategy = "k_fold_cv"
)

// Subset labels a dataset partition in performance records.
type Subset string

const (
	SubsetTrain Subset = "train"
	SubsetValid Subset = "valid"
	SubsetTest  Subset = "test"
	SubsetFull  Subset = "full"
)

// EpochLabel distinguishes the two persisted checkpoints of a run.
type EpochLabel string

const (
	LabelBest     EpochLabel = "best"
	LabelBaseline EpochLabel = "baseline"
)
