package config

import "sort"

// fieldKind is the normal-mode type a schema field decodes to. List kinds
// describe fields that remain lists after normalization; scalar kinds
// describe fields that collapse to (or only ever hold) a single value.
type fieldKind int

const (
	kindString fieldKind = iota
	kindInt
	kindFloat
	kindBool
	kindStringList
	kindIntList
	kindFloatList
)

func (k fieldKind) isList() bool {
	return k == kindStringList || k == kindIntList || k == kindFloatList
}

// fieldSpec describes one canonical parameter: its decoded type, a pointer
// accessor into Params, and the list-handling flags lifted from the
// historical per-key type tables.
type fieldSpec struct {
	kind fieldKind

	// ptr returns a typed pointer (*string, *int, *float64, *bool,
	// *[]string, *[]int or *[]float64) to the field inside p. All reads
	// and writes go through this accessor.
	ptr func(p *Params) interface{}

	// hyper marks fields whose values participate in hyperparameter-search
	// syntax (space-separated candidate groups of comma-separated values).
	hyper bool

	// scalarOnly marks fields that must not hold a list outside
	// hyperparameter mode; a delimiter in their value is a validation error.
	scalarOnly bool
}

// aliases maps legacy parameter names onto canonical schema keys. Rewriting
// happens before unknown-key filtering, so the legacy spellings never reach
// the warning path.
var aliases = map[string]string{
	"dataset_bucket": "bucket",
	"feat_type":      "featurizer",
	"y":              "response_cols",
	"optimizer":      "optimizer_type",
}

// schema is the fixed key table: canonical name → decoded type, Params
// field, and list-handling flags. Keys absent from this table are dropped
// with a warning during normalization.
//
// List kinds encode the keep-as-list rule: a list-kind field stays a list
// even when a single element is supplied, while scalar kinds collapse a
// single-element value to the scalar and reject multi-element values
// outside hyperparameter mode when scalarOnly is set.
var schema = map[string]fieldSpec{
	// Dataset.
	"dataset_key":           {kind: kindString, ptr: func(p *Params) interface{} { return &p.DatasetKey }},
	"bucket":                {kind: kindString, ptr: func(p *Params) interface{} { return &p.Bucket }},
	"dataset_name":          {kind: kindString, ptr: func(p *Params) interface{} { return &p.DatasetName }},
	"id_col":                {kind: kindString, ptr: func(p *Params) interface{} { return &p.IDCol }},
	"smiles_col":            {kind: kindString, ptr: func(p *Params) interface{} { return &p.SmilesCol }},
	"response_cols":         {kind: kindStringList, ptr: func(p *Params) interface{} { return &p.ResponseCols }},
	"min_compound_number":   {kind: kindInt, ptr: func(p *Params) interface{} { return &p.MinCompoundNumber }},
	"previously_split":      {kind: kindBool, ptr: func(p *Params) interface{} { return &p.PreviouslySplit }},
	"previously_featurized": {kind: kindBool, ptr: func(p *Params) interface{} { return &p.PreviouslyFeaturized }},
	"save_results":          {kind: kindBool, ptr: func(p *Params) interface{} { return &p.SaveResults }},

	// Featurization.
	"featurizer":      {kind: kindString, hyper: true, scalarOnly: true, ptr: func(p *Params) interface{} { return &p.Featurizer }},
	"descriptor_type": {kind: kindString, hyper: true, scalarOnly: true, ptr: func(p *Params) interface{} { return &p.DescriptorType }},
	"ecfp_radius":     {kind: kindInt, ptr: func(p *Params) interface{} { return &p.ECFPRadius }},
	"ecfp_size":       {kind: kindInt, ptr: func(p *Params) interface{} { return &p.ECFPSize }},

	// Model selection.
	"model_type":              {kind: kindString, hyper: true, scalarOnly: true, ptr: func(p *Params) interface{} { return &p.ModelType }},
	"prediction_type":         {kind: kindString, ptr: func(p *Params) interface{} { return &p.PredictionType }},
	"model_choice_score_type": {kind: kindString, ptr: func(p *Params) interface{} { return &p.ModelChoiceScoreType }},
	"uncertainty":             {kind: kindBool, ptr: func(p *Params) interface{} { return &p.Uncertainty }},
	"transformers":            {kind: kindBool, ptr: func(p *Params) interface{} { return &p.Transformers }},
	"class_number":            {kind: kindInt, ptr: func(p *Params) interface{} { return &p.ClassNumber }},
	"class_name":              {kind: kindString, ptr: func(p *Params) interface{} { return &p.ClassName }},

	// Neural-network training.
	"layer_sizes":               {kind: kindIntList, hyper: true, ptr: func(p *Params) interface{} { return &p.LayerSizes }},
	"dropouts":                  {kind: kindFloatList, hyper: true, ptr: func(p *Params) interface{} { return &p.Dropouts }},
	"weight_init_stddevs":       {kind: kindFloatList, hyper: true, ptr: func(p *Params) interface{} { return &p.WeightInitStddevs }},
	"bias_init_consts":          {kind: kindFloatList, hyper: true, ptr: func(p *Params) interface{} { return &p.BiasInitConsts }},
	"learning_rate":             {kind: kindFloat, hyper: true, scalarOnly: true, ptr: func(p *Params) interface{} { return &p.LearningRate }},
	"batch_size":                {kind: kindInt, ptr: func(p *Params) interface{} { return &p.BatchSize }},
	"max_epochs":                {kind: kindInt, ptr: func(p *Params) interface{} { return &p.MaxEpochs }},
	"baseline_epoch":            {kind: kindInt, ptr: func(p *Params) interface{} { return &p.BaselineEpoch }},
	"optimizer_type":            {kind: kindString, ptr: func(p *Params) interface{} { return &p.OptimizerType }},
	"weight_decay_penalty":      {kind: kindFloat, hyper: true, scalarOnly: true, ptr: func(p *Params) interface{} { return &p.WeightDecayPenalty }},
	"weight_decay_penalty_type": {kind: kindString, hyper: true, scalarOnly: true, ptr: func(p *Params) interface{} { return &p.WeightDecayPenaltyType }},
	"layer_nums":                {kind: kindIntList, hyper: true, ptr: func(p *Params) interface{} { return &p.LayerNums }},
	"node_nums":                 {kind: kindIntList, hyper: true, ptr: func(p *Params) interface{} { return &p.NodeNums }},
	"dropout_list":              {kind: kindFloatList, hyper: true, ptr: func(p *Params) interface{} { return &p.DropoutList }},

	// Random forest.
	"rf_estimators":   {kind: kindInt, hyper: true, ptr: func(p *Params) interface{} { return &p.RFEstimators }},
	"rf_max_features": {kind: kindInt, hyper: true, ptr: func(p *Params) interface{} { return &p.RFMaxFeatures }},
	"rf_max_depth":    {kind: kindInt, hyper: true, ptr: func(p *Params) interface{} { return &p.RFMaxDepth }},

	// Gradient-boosted trees.
	"xgb_learning_rate":    {kind: kindFloat, hyper: true, scalarOnly: true, ptr: func(p *Params) interface{} { return &p.XGBLearningRate }},
	"xgb_gamma":            {kind: kindFloat, hyper: true, scalarOnly: true, ptr: func(p *Params) interface{} { return &p.XGBGamma }},
	"xgb_min_child_weight": {kind: kindFloat, hyper: true, scalarOnly: true, ptr: func(p *Params) interface{} { return &p.XGBMinChildWeight }},
	"xgb_subsample":        {kind: kindFloat, hyper: true, scalarOnly: true, ptr: func(p *Params) interface{} { return &p.XGBSubsample }},
	"xgb_colsample_bytree": {kind: kindFloat, hyper: true, scalarOnly: true, ptr: func(p *Params) interface{} { return &p.XGBColsampleBytree }},
	"xgb_max_depth":        {kind: kindInt, hyper: true, scalarOnly: true, ptr: func(p *Params) interface{} { return &p.XGBMaxDepth }},
	"xgb_n_estimators":     {kind: kindInt, hyper: true, scalarOnly: true, ptr: func(p *Params) interface{} { return &p.XGBNEstimators }},

	// Splitting.
	"splitter":         {kind: kindString, hyper: true, scalarOnly: true, ptr: func(p *Params) interface{} { return &p.Splitter }},
	"split_strategy":   {kind: kindString, ptr: func(p *Params) interface{} { return &p.SplitStrategy }},
	"split_valid_frac": {kind: kindFloat, ptr: func(p *Params) interface{} { return &p.SplitValidFrac }},
	"split_test_frac":  {kind: kindFloat, ptr: func(p *Params) interface{} { return &p.SplitTestFrac }},
	"num_folds":        {kind: kindInt, ptr: func(p *Params) interface{} { return &p.NumFolds }},
	"split_only":       {kind: kindBool, ptr: func(p *Params) interface{} { return &p.SplitOnly }},

	// Embedding feature transforms.
	"umap_dim":       {kind: kindInt, hyper: true, ptr: func(p *Params) interface{} { return &p.UmapDim }},
	"umap_neighbors": {kind: kindInt, hyper: true, ptr: func(p *Params) interface{} { return &p.UmapNeighbors }},
	"umap_metric":    {kind: kindString, hyper: true, scalarOnly: true, ptr: func(p *Params) interface{} { return &p.UmapMetric }},
	"umap_targ_wt":   {kind: kindFloat, hyper: true, ptr: func(p *Params) interface{} { return &p.UmapTargWt }},
	"umap_min_dist":  {kind: kindFloat, hyper: true, ptr: func(p *Params) interface{} { return &p.UmapMinDist }},

	// Run layout and persistence.
	"result_dir":         {kind: kindString, ptr: func(p *Params) interface{} { return &p.ResultDir }},
	"output_dir":         {kind: kindString, ptr: func(p *Params) interface{} { return &p.OutputDir }},
	"model_bucket":       {kind: kindString, ptr: func(p *Params) interface{} { return &p.ModelBucket }},
	"transformer_key":    {kind: kindString, ptr: func(p *Params) interface{} { return &p.TransformerKey }},
	"transformer_bucket": {kind: kindString, ptr: func(p *Params) interface{} { return &p.TransformerBucket }},
	"config_file":        {kind: kindString, ptr: func(p *Params) interface{} { return &p.ConfigFile }},

	// Modes.
	"hyperparam": {kind: kindBool, ptr: func(p *Params) interface{} { return &p.Hyperparam }},
	"verbose":    {kind: kindBool, ptr: func(p *Params) interface{} { return &p.Verbose }},
}

// schemaKeys returns the canonical key names in sorted order, for
// deterministic iteration.
func schemaKeys() []string {
	keys := make([]string, 0, len(schema))
	for k := range schema {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
