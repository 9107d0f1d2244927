// Package dataset loads tabular compound datasets and partitions them into
// train/validation/test subsets for the training pipeline. A Dataset is
// loaded once per run and treated as read-only afterwards; splits and
// feature matrices reference rows by index.
package dataset

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/deepmatter/chempipe/internal/config"
	"github.com/deepmatter/chempipe/internal/infrastructure/monitoring/logging"
	apperrors "github.com/deepmatter/chempipe/pkg/errors"
)

// Compound is one dataset row: a compound identifier, its SMILES structure,
// and the response values named by the run's response columns.
type Compound struct {
	ID        string
	SMILES    string
	Responses []float64
}

// Dataset is an immutable in-memory compound table.
type Dataset struct {
	Compounds    []Compound
	ResponseCols []string

	// Features is the featurized matrix, one row per compound. Nil until
	// a featurizer has run.
	Features [][]float64
}

// Len returns the number of compounds.
func (d *Dataset) Len() int { return len(d.Compounds) }

// Response returns the values of response column col across all compounds.
func (d *Dataset) Response(col int) []float64 {
	out := make([]float64, len(d.Compounds))
	for i, c := range d.Compounds {
		out[i] = c.Responses[col]
	}
	return out
}

// Loader reads compound datasets from CSV files according to the run
// parameters (id column, SMILES column, response columns).
type Loader struct {
	log logging.Logger
}

// NewLoader builds a Loader reporting through log.
func NewLoader(log logging.Logger) *Loader {
	if log == nil {
		log = logging.NewNopLogger()
	}
	return &Loader{log: log.Named("dataset")}
}

// LoadCSV reads the dataset at path using the column names in p. Rows with
// an unparsable response value are dropped with a warning. A dataset
// smaller than p.MinCompoundNumber is loaded with a warning; an empty one
// is an error.
func (l *Loader) LoadCSV(path string, p *config.Params) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeDatasetLoad,
			fmt.Sprintf("open dataset %q", path))
	}
	defer f.Close()

	ds, err := l.read(f, p)
	if err != nil {
		return nil, err
	}

	if ds.Len() < p.MinCompoundNumber {
		l.log.Warn("dataset below minimum compound count",
			logging.String("path", path),
			logging.Int("compounds", ds.Len()),
			logging.Int("minimum", p.MinCompoundNumber))
	}
	return ds, nil
}

func (l *Loader) read(r io.Reader, p *config.Params) (*Dataset, error) {
	if len(p.ResponseCols) == 0 {
		return nil, apperrors.New(apperrors.CodeDatasetColumn, "response_cols is required to load a dataset")
	}

	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeDatasetLoad, "read CSV header")
	}

	colIdx := map[string]int{}
	for i, name := range header {
		colIdx[name] = i
	}

	idCol, ok := colIdx[p.IDCol]
	if !ok {
		return nil, apperrors.New(apperrors.CodeDatasetColumn,
			fmt.Sprintf("id column %q not found in dataset header", p.IDCol))
	}
	smilesCol, ok := colIdx[p.SmilesCol]
	if !ok {
		return nil, apperrors.New(apperrors.CodeDatasetColumn,
			fmt.Sprintf("SMILES column %q not found in dataset header", p.SmilesCol))
	}
	respIdx := make([]int, len(p.ResponseCols))
	for i, name := range p.ResponseCols {
		idx, ok := colIdx[name]
		if !ok {
			return nil, apperrors.New(apperrors.CodeDatasetColumn,
				fmt.Sprintf("response column %q not found in dataset header", name))
		}
		respIdx[i] = idx
	}

	var compounds []Compound
	var dropped int
	for line := 2; ; line++ {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeDatasetLoad,
				fmt.Sprintf("read CSV line %d", line))
		}

		c := Compound{
			ID:        record[idCol],
			SMILES:    record[smilesCol],
			Responses: make([]float64, len(respIdx)),
		}
		bad := false
		for i, idx := range respIdx {
			v, err := strconv.ParseFloat(record[idx], 64)
			if err != nil {
				bad = true
				break
			}
			c.Responses[i] = v
		}
		if bad || c.SMILES == "" {
			dropped++
			continue
		}
		compounds = append(compounds, c)
	}

	if dropped > 0 {
		l.log.Warn("dropped rows with missing or unparsable values",
			logging.Int("rows", dropped))
	}
	if len(compounds) == 0 {
		return nil, apperrors.New(apperrors.CodeDatasetEmpty, "no usable compounds in dataset")
	}

	return &Dataset{
		Compounds:    compounds,
		ResponseCols: append([]string(nil), p.ResponseCols...),
	}, nil
}
