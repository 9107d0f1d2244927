package config

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/deepmatter/chempipe/internal/infrastructure/monitoring/logging"
	apperrors "github.com/deepmatter/chempipe/pkg/errors"
)

// nullTokens are the string spellings treated as "unset" at the parameter
// boundary. Matching is exact, not case-folded, mirroring the accepted set
// used by run scripts in the wild.
var nullTokens = map[string]struct{}{
	"null": {}, "Null": {}, "NULL": {},
	"none": {}, "None": {}, "NONE": {},
	"N/A": {}, "n/a": {}, "NA": {},
	"NaN": {}, "nan": {}, "NAN": {},
}

func isNullToken(s string) bool {
	_, ok := nullTokens[s]
	return ok
}

// Normalizer turns raw configuration input (CLI-style token lists, nested
// maps, or JSON config files) into a structured Params. Warnings
// (unrecognized keys, duplicate nested keys) are non-fatal and reported
// through the injected logger; validation failures abort with a PARAM_*
// error before any training starts.
type Normalizer struct {
	log logging.Logger
}

// NewNormalizer builds a Normalizer reporting warnings to log. A nil log
// falls back to the nop logger.
func NewNormalizer(log logging.Logger) *Normalizer {
	if log == nil {
		log = logging.NewNopLogger()
	}
	return &Normalizer{log: log.Named("params")}
}

// FromArgs normalizes a CLI-style token list of the form
// ["--key", "value", "--flag", ...]. A "--config_file path" (or "--config
// path") pair loads the JSON file first; remaining tokens override the file's
// values. A repeated "--key" token is an immediate error.
func (n *Normalizer) FromArgs(args []string) (*Params, error) {
	if err := checkDuplicateFlags(args); err != nil {
		return nil, err
	}

	raw := map[string]interface{}{}
	configPath := ""

	i := 0
	for i < len(args) {
		tok := args[i]
		if !strings.HasPrefix(tok, "--") {
			return nil, apperrors.New(apperrors.CodeParamUnknownKey,
				fmt.Sprintf("unexpected token %q: expected --key", tok))
		}
		key := strings.TrimPrefix(tok, "--")

		// Bare flag when the next token is absent or is another key.
		if i+1 >= len(args) || strings.HasPrefix(args[i+1], "--") {
			raw[key] = flagToken{}
			i++
			continue
		}

		val := args[i+1]
		if key == "config_file" || key == "config" {
			configPath = val
		} else {
			raw[key] = val
		}
		i += 2
	}

	if configPath != "" {
		fileRaw, err := n.readConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		// CLI tokens win over file values.
		for k, v := range raw {
			fileRaw[k] = v
		}
		raw = fileRaw
		raw["config_file"] = configPath
	}

	return n.normalize(raw)
}

// FromMap normalizes a possibly nested parameter map, e.g. a decoded JSON
// configuration. Nested maps are flattened with last-value-wins semantics.
func (n *Normalizer) FromMap(m map[string]interface{}) (*Params, error) {
	flat := map[string]interface{}{}
	n.flatten(m, flat)
	return n.normalize(flat)
}

// FromFile normalizes the JSON configuration file at path.
func (n *Normalizer) FromFile(path string) (*Params, error) {
	raw, err := n.readConfigFile(path)
	if err != nil {
		return nil, err
	}
	raw["config_file"] = path
	return n.normalize(raw)
}

// readConfigFile loads a JSON config file through viper and returns the
// flattened raw map.
func (n *Normalizer) readConfigFile(path string) (map[string]interface{}, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeParamConfigFile,
			fmt.Sprintf("read config file %q", path))
	}

	flat := map[string]interface{}{}
	n.flatten(v.AllSettings(), flat)
	return flat, nil
}

// flagToken marks a bare "--flag" occurrence with no value token.
type flagToken struct{}

// checkDuplicateFlags rejects a token list in which the same "--key" appears
// more than once.
func checkDuplicateFlags(args []string) error {
	seen := map[string]int{}
	for _, tok := range args {
		if strings.HasPrefix(tok, "--") {
			seen[tok]++
		}
	}
	for tok, count := range seen {
		if count > 1 {
			return apperrors.New(apperrors.CodeParamDuplicateFlag,
				fmt.Sprintf("%s appears %d times on the command line", tok, count))
		}
	}
	return nil
}

// flatten recursively folds nested maps into out. A key seen twice with a
// different value is overwritten by the later occurrence, with a warning.
func (n *Normalizer) flatten(in map[string]interface{}, out map[string]interface{}) {
	for key, val := range in {
		if sub, ok := val.(map[string]interface{}); ok {
			n.flatten(sub, out)
			continue
		}
		if prev, dup := out[key]; dup && !reflect.DeepEqual(prev, val) {
			n.log.Warn("duplicate parameter, keeping last value",
				logging.String("key", key),
				logging.Any("value", val))
		}
		out[key] = val
	}
}

// normalize is the common tail: alias rewriting, unknown-key filtering,
// null-token folding, typed decoding, and validation.
func (n *Normalizer) normalize(raw map[string]interface{}) (*Params, error) {
	// Legacy aliases rewrite to canonical names before anything else. An
	// alias alongside its canonical key is a duplicate, same as repeating
	// the key itself.
	for legacy, canonical := range aliases {
		v, ok := raw[legacy]
		if !ok {
			continue
		}
		if _, both := raw[canonical]; both {
			return nil, apperrors.New(apperrors.CodeParamDuplicateFlag,
				fmt.Sprintf("%s and its alias %s are both set", canonical, legacy))
		}
		raw[canonical] = v
		delete(raw, legacy)
	}

	// Unknown keys are dropped with a single aggregate warning.
	var unknown []string
	for key := range raw {
		if _, ok := schema[key]; !ok {
			unknown = append(unknown, key)
			delete(raw, key)
		}
	}
	if len(unknown) > 0 {
		n.log.Warn("ignoring unrecognized parameters", logging.Strings("keys", unknown))
	}

	p := defaultParams()

	// Hyperparam mode changes list decoding, so resolve it first.
	if v, ok := raw["hyperparam"]; ok {
		b, err := decodeBool("hyperparam", v)
		if err != nil {
			return nil, err
		}
		p.Hyperparam = b
		delete(raw, "hyperparam")
	}

	for _, key := range schemaKeys() {
		v, ok := raw[key]
		if !ok {
			continue
		}
		if err := n.assign(p, key, v); err != nil {
			return nil, err
		}
	}

	if err := n.finalize(p); err != nil {
		return nil, err
	}
	return p, nil
}

// assign decodes one raw value into its Params field according to the
// schema entry and the current hyperparameter mode.
func (n *Normalizer) assign(p *Params, key string, raw interface{}) error {
	spec := schema[key]

	if spec.kind == kindBool {
		b, err := decodeBool(key, raw)
		if err != nil {
			return err
		}
		*spec.ptr(p).(*bool) = b
		return nil
	}

	if _, bare := raw.(flagToken); bare {
		return apperrors.New(apperrors.CodeParamType,
			fmt.Sprintf("--%s requires a value", key))
	}

	s, null := rawToString(raw)
	if null {
		clearField(p, spec)
		return nil
	}

	if p.Hyperparam && spec.hyper {
		return n.assignHyper(p, key, spec, s)
	}
	return assignNormal(p, key, spec, s)
}

// rawToString renders a raw input value as its boundary string form. Lists
// join with commas, matching how list-valued parameters are serialized at
// the CLI boundary. The second return is true when the value is a null
// token or a literal nil.
func rawToString(raw interface{}) (string, bool) {
	switch v := raw.(type) {
	case nil:
		return "", true
	case string:
		if isNullToken(v) {
			return "", true
		}
		return v, false
	case []interface{}:
		parts := make([]string, len(v))
		for i, item := range v {
			parts[i] = fmt.Sprintf("%v", item)
		}
		return strings.Join(parts, ","), false
	case []string:
		return strings.Join(v, ","), false
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), false
	case json.Number:
		return v.String(), false
	default:
		return fmt.Sprintf("%v", v), false
	}
}

// clearField resets a field to its explicit-unset value: empty string for
// strings, nil for lists. Numeric fields keep their defaults; a null token
// cannot meaningfully zero a numeric parameter.
func clearField(p *Params, spec fieldSpec) {
	switch ptr := spec.ptr(p).(type) {
	case *string:
		*ptr = ""
	case *[]string:
		*ptr = nil
	case *[]int:
		*ptr = nil
	case *[]float64:
		*ptr = nil
	}
}

func decodeBool(key string, raw interface{}) (bool, error) {
	switch v := raw.(type) {
	case flagToken:
		// A bare flag toggles the field away from its default.
		def := defaultParams()
		return !*schema[key].ptr(def).(*bool), nil
	case bool:
		return v, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1":
			return true, nil
		case "false", "0":
			return false, nil
		}
	}
	return false, apperrors.New(apperrors.CodeParamType,
		fmt.Sprintf("%s: cannot interpret %v as a boolean", key, raw))
}

// assignNormal decodes a value in normal (non-search) mode: comma-separated
// lists for list-kind fields, single scalars for scalar kinds. A delimiter
// inside a scalarOnly field is a validation error.
func assignNormal(p *Params, key string, spec fieldSpec, s string) error {
	parts := splitTrim(s, ",")

	switch ptr := spec.ptr(p).(type) {
	case *string:
		if spec.scalarOnly && (strings.Contains(s, ",") || strings.Contains(s, " ")) {
			return apperrors.New(apperrors.CodeParamListNotAllowed,
				fmt.Sprintf("%s cannot contain a comma or whitespace outside hyperparameter mode", key))
		}
		*ptr = s
		return nil

	case *[]string:
		*ptr = parts
		return nil

	case *int:
		if len(parts) == 0 {
			return apperrors.New(apperrors.CodeParamType,
				fmt.Sprintf("%s expects a numeric value, got %q", key, s))
		}
		if len(parts) > 1 {
			if spec.scalarOnly {
				return apperrors.New(apperrors.CodeParamListNotAllowed,
					fmt.Sprintf("%s is not accepted as a list outside hyperparameter mode", key))
			}
			return apperrors.New(apperrors.CodeParamType,
				fmt.Sprintf("%s expects a single value, got %d", key, len(parts)))
		}
		v, err := parseInt(key, parts[0])
		if err != nil {
			return err
		}
		*ptr = v
		return nil

	case *float64:
		if len(parts) == 0 {
			return apperrors.New(apperrors.CodeParamType,
				fmt.Sprintf("%s expects a numeric value, got %q", key, s))
		}
		if len(parts) > 1 {
			if spec.scalarOnly {
				return apperrors.New(apperrors.CodeParamListNotAllowed,
					fmt.Sprintf("%s is not accepted as a list outside hyperparameter mode", key))
			}
			return apperrors.New(apperrors.CodeParamType,
				fmt.Sprintf("%s expects a single value, got %d", key, len(parts)))
		}
		v, err := parseFloat(key, parts[0])
		if err != nil {
			return err
		}
		*ptr = v
		return nil

	case *[]int:
		list, err := parseIntList(key, parts)
		if err != nil {
			return err
		}
		*ptr = list
		return nil

	case *[]float64:
		list, err := parseFloatList(key, parts)
		if err != nil {
			return err
		}
		*ptr = list
		return nil
	}

	return apperrors.New(apperrors.CodeInternal,
		fmt.Sprintf("%s: unsupported schema field type", key))
}

// assignHyper decodes a value in hyperparameter-search mode. Numeric fields
// accept space-separated candidate groups of comma-separated values; string
// fields accept comma-separated candidates. A single candidate assigns the
// field directly; multiple candidates are recorded for Expand. Collapse
// rules are uniform with normal mode: list-kind fields stay lists, scalar
// kinds require single-element groups.
func (n *Normalizer) assignHyper(p *Params, key string, spec fieldSpec, s string) error {
	var candidates []interface{}

	switch spec.kind {
	case kindString:
		for _, c := range splitTrim(s, ",") {
			candidates = append(candidates, c)
		}

	case kindInt, kindIntList, kindFloat, kindFloatList:
		for _, group := range strings.Fields(s) {
			parts := splitTrim(group, ",")
			if len(parts) == 0 {
				return apperrors.New(apperrors.CodeParamType,
					fmt.Sprintf("%s has an empty candidate group %q", key, group))
			}
			switch spec.kind {
			case kindInt:
				if len(parts) > 1 {
					return apperrors.New(apperrors.CodeParamType,
						fmt.Sprintf("%s candidates must be single values, got group %q", key, group))
				}
				v, err := parseInt(key, parts[0])
				if err != nil {
					return err
				}
				candidates = append(candidates, v)
			case kindFloat:
				if len(parts) > 1 {
					return apperrors.New(apperrors.CodeParamType,
						fmt.Sprintf("%s candidates must be single values, got group %q", key, group))
				}
				v, err := parseFloat(key, parts[0])
				if err != nil {
					return err
				}
				candidates = append(candidates, v)
			case kindIntList:
				list, err := parseIntList(key, parts)
				if err != nil {
					return err
				}
				candidates = append(candidates, list)
			case kindFloatList:
				list, err := parseFloatList(key, parts)
				if err != nil {
					return err
				}
				candidates = append(candidates, list)
			}
		}

	default:
		return apperrors.New(apperrors.CodeInternal,
			fmt.Sprintf("%s: field kind does not support hyperparameter search", key))
	}

	if len(candidates) == 0 {
		return apperrors.New(apperrors.CodeParamType,
			fmt.Sprintf("%s: empty hyperparameter value", key))
	}

	if len(candidates) == 1 {
		return assignCandidate(p, key, spec, candidates[0])
	}

	if p.search == nil {
		p.search = map[string][]interface{}{}
	}
	p.search[key] = candidates
	return nil
}

// assignCandidate writes one already-typed candidate value into its field.
func assignCandidate(p *Params, key string, spec fieldSpec, c interface{}) error {
	switch ptr := spec.ptr(p).(type) {
	case *string:
		*ptr = c.(string)
	case *int:
		*ptr = c.(int)
	case *float64:
		*ptr = c.(float64)
	case *[]int:
		*ptr = c.([]int)
	case *[]float64:
		*ptr = c.([]float64)
	case *[]string:
		*ptr = c.([]string)
	default:
		return apperrors.New(apperrors.CodeInternal,
			fmt.Sprintf("%s: unsupported candidate type", key))
	}
	return nil
}

func splitTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := parts[:0]
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseInt(key, s string) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, apperrors.New(apperrors.CodeParamType,
			fmt.Sprintf("%s: %q is not an integer", key, s))
	}
	return v, nil
}

func parseFloat(key, s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, apperrors.New(apperrors.CodeParamType,
			fmt.Sprintf("%s: %q is not a number", key, s))
	}
	return v, nil
}

func parseIntList(key string, parts []string) ([]int, error) {
	out := make([]int, len(parts))
	for i, part := range parts {
		v, err := parseInt(key, part)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func parseFloatList(key string, parts []string) ([]float64, error) {
	out := make([]float64, len(parts))
	for i, part := range parts {
		v, err := parseFloat(key, part)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
