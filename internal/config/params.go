package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/deepmatter/chempipe/pkg/types/model"
)

// Params is the structured parameter set for one training run. It replaces
// the flat stringly-typed namespace the pipeline historically used with an
// explicit typed struct; every recognized key maps onto exactly one field
// through the schema table in schema.go.
//
// A Params value is built once by a Normalizer and treated as immutable
// afterwards. In hyperparameter-search mode the searchable fields carry
// candidate sets instead (see Expand), and the struct fields hold defaults
// until expansion produces concrete sets.
type Params struct {
	// Dataset.
	DatasetKey           string
	Bucket               string
	DatasetName          string
	IDCol                string
	SmilesCol            string
	ResponseCols         []string
	MinCompoundNumber    int
	PreviouslySplit      bool
	PreviouslyFeaturized bool
	SaveResults          bool

	// Featurization.
	Featurizer     string
	DescriptorType string
	ECFPRadius     int
	ECFPSize       int

	// Model selection.
	ModelType            string
	PredictionType       string
	ModelChoiceScoreType string
	Uncertainty          bool
	Transformers         bool
	ClassNumber          int
	ClassName            string

	// Neural-network training.
	LayerSizes             []int
	Dropouts               []float64
	WeightInitStddevs      []float64
	BiasInitConsts         []float64
	LearningRate           float64
	BatchSize              int
	MaxEpochs              int
	BaselineEpoch          int
	OptimizerType          string
	WeightDecayPenalty     float64
	WeightDecayPenaltyType string
	LayerNums              []int
	NodeNums               []int
	DropoutList            []float64

	// Random forest.
	RFEstimators   int
	RFMaxFeatures  int
	RFMaxDepth     int

	// Gradient-boosted trees.
	XGBLearningRate     float64
	XGBGamma            float64
	XGBMinChildWeight   float64
	XGBSubsample        float64
	XGBColsampleBytree  float64
	XGBMaxDepth         int
	XGBNEstimators      int

	// Splitting.
	Splitter       string
	SplitStrategy  string
	SplitValidFrac float64
	SplitTestFrac  float64
	NumFolds       int
	SplitOnly      bool

	// Embedding / UMAP-style feature transforms.
	UmapDim       int
	UmapNeighbors int
	UmapMetric    string
	UmapTargWt    float64
	UmapMinDist   float64

	// Run layout and persistence.
	ResultDir         string
	OutputDir         string
	ModelBucket       string
	TransformerKey    string
	TransformerBucket string
	ConfigFile        string

	// Modes.
	Hyperparam bool
	Verbose    bool

	// search holds, per canonical key, the candidate values decoded in
	// hyperparameter mode when more than one candidate was supplied. Each
	// candidate has the field's normal-mode type. Populated only while
	// Hyperparam is true; cleared on the concrete sets Expand produces.
	search map[string][]interface{}
}

// defaultParams returns a Params populated with the schema defaults.
func defaultParams() *Params {
	return &Params{
		Bucket:               "chempipe-datasets",
		IDCol:                "compound_id",
		SmilesCol:            "rdkit_smiles",
		MinCompoundNumber:    200,
		PreviouslyFeaturized: true,

		DescriptorType: "moe",
		ECFPRadius:     2,
		ECFPSize:       1024,

		PredictionType: string(model.Regression),
		Uncertainty:    true,
		Transformers:   true,
		ClassNumber:    2,

		LearningRate:           0.0005,
		BatchSize:              50,
		MaxEpochs:              30,
		BaselineEpoch:          30,
		OptimizerType:          "adam",
		WeightDecayPenaltyType: "l2",

		RFEstimators:  500,
		RFMaxFeatures: 32,

		XGBLearningRate:    0.1,
		XGBMinChildWeight:  1.0,
		XGBSubsample:       1.0,
		XGBColsampleBytree: 1.0,
		XGBMaxDepth:        6,
		XGBNEstimators:     100,

		Splitter:       string(model.SplitterScaffold),
		SplitStrategy:  string(model.StrategyTrainValidTest),
		SplitValidFrac: 0.1,
		SplitTestFrac:  0.1,
		NumFolds:       5,

		UmapDim:       10,
		UmapNeighbors: 20,
		UmapMetric:    "euclidean",
		UmapMinDist:   0.05,

		ResultDir:         "./results",
		ModelBucket:       "chempipe-models",
		TransformerBucket: "chempipe-transformers",
	}
}

// Clone returns a deep copy of p. List fields and the candidate map are
// copied so mutations of the clone never alias the original.
func (p *Params) Clone() *Params {
	out := *p
	out.ResponseCols = append([]string(nil), p.ResponseCols...)
	out.LayerSizes = append([]int(nil), p.LayerSizes...)
	out.Dropouts = append([]float64(nil), p.Dropouts...)
	out.WeightInitStddevs = append([]float64(nil), p.WeightInitStddevs...)
	out.BiasInitConsts = append([]float64(nil), p.BiasInitConsts...)
	out.LayerNums = append([]int(nil), p.LayerNums...)
	out.NodeNums = append([]int(nil), p.NodeNums...)
	out.DropoutList = append([]float64(nil), p.DropoutList...)
	if p.search != nil {
		out.search = make(map[string][]interface{}, len(p.search))
		for k, v := range p.search {
			out.search[k] = append([]interface{}(nil), v...)
		}
	}
	return &out
}

// SearchKeys returns the canonical names of fields holding more than one
// hyperparameter candidate, in sorted order. Empty outside hyperparameter
// mode.
func (p *Params) SearchKeys() []string {
	keys := make([]string, 0, len(p.search))
	for k := range p.search {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Args serializes p back into "--key value" command-line tokens, one pair
// per field that differs from the schema default. List fields are joined
// with commas, so normalizing the result reproduces the same ordered values.
// Boolean fields emit a bare flag when they differ from their default.
func (p *Params) Args() []string {
	def := defaultParams()
	var out []string
	for _, key := range schemaKeys() {
		spec := schema[key]
		cur := spec.ptr(p)
		base := spec.ptr(def)

		if b, ok := cur.(*bool); ok {
			if *b != *base.(*bool) {
				out = append(out, "--"+key)
			}
			continue
		}

		val := formatFieldValue(cur)
		if val == "" || val == formatFieldValue(base) {
			continue
		}
		out = append(out, "--"+key, val)
	}
	return out
}

// formatFieldValue renders the value behind a schema field pointer as its
// command-line string form. Empty string means "unset".
func formatFieldValue(ptr interface{}) string {
	switch v := ptr.(type) {
	case *string:
		return *v
	case *int:
		return strconv.Itoa(*v)
	case *float64:
		return strconv.FormatFloat(*v, 'g', -1, 64)
	case *[]string:
		return strings.Join(*v, ",")
	case *[]int:
		parts := make([]string, len(*v))
		for i, x := range *v {
			parts[i] = strconv.Itoa(x)
		}
		return strings.Join(parts, ",")
	case *[]float64:
		parts := make([]string, len(*v))
		for i, x := range *v {
			parts[i] = strconv.FormatFloat(x, 'g', -1, 64)
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprintf("%v", ptr)
	}
}
