package errors

// ErrorCode is a string identifier for a specific failure category.
type ErrorCode string

func (c ErrorCode) String() string {
	return string(c)
}

// Common error codes shared by every layer of the pipeline.
const (
	CodeOK             ErrorCode = "OK"
	CodeUnknown        ErrorCode = "COMMON_000"
	CodeInternal       ErrorCode = "COMMON_001"
	CodeInvalidParam   ErrorCode = "COMMON_002"
	CodeNotFound       ErrorCode = "COMMON_003"
	CodeConflict       ErrorCode = "COMMON_004"
	CodeTimeout        ErrorCode = "COMMON_005"
	CodeValidation     ErrorCode = "COMMON_006"
	CodeSerialization  ErrorCode = "COMMON_007"
	CodeNotImplemented ErrorCode = "COMMON_008"
)

// Parameter-normalization error codes.
const (
	CodeParamUnknownKey      ErrorCode = "PARAM_001"
	CodeParamType            ErrorCode = "PARAM_002"
	CodeParamDuplicateFlag   ErrorCode = "PARAM_003"
	CodeParamLayerMismatch   ErrorCode = "PARAM_004"
	CodeParamListNotAllowed  ErrorCode = "PARAM_005"
	CodeParamSplitFraction   ErrorCode = "PARAM_006"
	CodeParamConfigFile      ErrorCode = "PARAM_007"
	CodeParamExpansion       ErrorCode = "PARAM_008"
)

// Dataset and featurization error codes.
const (
	CodeDatasetLoad        ErrorCode = "DATA_001"
	CodeDatasetEmpty       ErrorCode = "DATA_002"
	CodeDatasetColumn      ErrorCode = "DATA_003"
	CodeDatasetSplit       ErrorCode = "DATA_004"
	CodeInvalidSMILES      ErrorCode = "FEAT_001"
	CodeFeaturizeFailed    ErrorCode = "FEAT_002"
	CodeFeaturizerUnknown  ErrorCode = "FEAT_003"
	CodeFeatureCacheFailed ErrorCode = "FEAT_004"
)

// Training and model-selection error codes.
const (
	CodeModelKindUnknown  ErrorCode = "TRAIN_001"
	CodeFitFailed         ErrorCode = "TRAIN_002"
	CodePredictFailed     ErrorCode = "TRAIN_003"
	CodeReloadFailed      ErrorCode = "TRAIN_004"
	CodeNoEpochsCompleted ErrorCode = "TRAIN_005"
	CodeScoreTypeUnknown  ErrorCode = "TRAIN_006"
)

// Persistence error codes (checkpoints, transformers, run tracker).
const (
	CodeCheckpointWrite  ErrorCode = "STORE_001"
	CodeCheckpointRead   ErrorCode = "STORE_002"
	CodeTransformerWrite ErrorCode = "STORE_003"
	CodeTransformerRead  ErrorCode = "STORE_004"
	CodeObjectStore      ErrorCode = "STORE_005"
	CodeTrackerQuery     ErrorCode = "TRACK_001"
	CodeTrackerWrite     ErrorCode = "TRACK_002"
	CodeEventPublish     ErrorCode = "TRACK_003"
)

// Diversity-report error codes.
const (
	CodeDiversityFailed ErrorCode = "DIV_001"
	CodeVectorStore     ErrorCode = "DIV_002"
)
