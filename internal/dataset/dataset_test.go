package dataset

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepmatter/chempipe/internal/config"
	"github.com/deepmatter/chempipe/internal/infrastructure/monitoring/logging"
	apperrors "github.com/deepmatter/chempipe/pkg/errors"
)

func testParams(t *testing.T, args ...string) *config.Params {
	t.Helper()
	n := config.NewNormalizer(logging.NewNopLogger())
	p, err := n.FromArgs(args)
	require.NoError(t, err)
	return p
}

const sampleCSV = `compound_id,rdkit_smiles,pIC50,extra
cmpd-1,CCO,5.1,x
cmpd-2,CCN,6.2,x
cmpd-3,c1ccccc1,4.8,x
cmpd-4,CC(=O)O,not-a-number,x
cmpd-5,,7.0,x
cmpd-6,CCCl,5.5,x
`

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadCSV(t *testing.T) {
	p := testParams(t, "--response_cols", "pIC50")
	l := NewLoader(logging.NewNopLogger())

	ds, err := l.LoadCSV(writeCSV(t, sampleCSV), p)
	require.NoError(t, err)

	// Rows 4 (bad response) and 5 (empty SMILES) drop.
	assert.Equal(t, 4, ds.Len())
	assert.Equal(t, "cmpd-1", ds.Compounds[0].ID)
	assert.Equal(t, []float64{5.1}, ds.Compounds[0].Responses)
	assert.Equal(t, []float64{5.1, 6.2, 4.8, 5.5}, ds.Response(0))
}

func TestLoadCSV_ColumnErrors(t *testing.T) {
	l := NewLoader(logging.NewNopLogger())

	p := testParams(t, "--response_cols", "missing_col")
	_, err := l.LoadCSV(writeCSV(t, sampleCSV), p)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeDatasetColumn))

	p = testParams(t, "--response_cols", "pIC50", "--id_col", "nope")
	_, err = l.LoadCSV(writeCSV(t, sampleCSV), p)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeDatasetColumn))

	p = testParams(t)
	_, err = l.LoadCSV(writeCSV(t, sampleCSV), p)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeDatasetColumn),
		"missing response_cols must be rejected")
}

func TestLoadCSV_Missing(t *testing.T) {
	p := testParams(t, "--response_cols", "pIC50")
	_, err := NewLoader(nil).LoadCSV("/no/such/file.csv", p)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeDatasetLoad))
}

func TestLoadCSV_Empty(t *testing.T) {
	p := testParams(t, "--response_cols", "pIC50")
	csv := "compound_id,rdkit_smiles,pIC50\ncmpd-1,,bad\n"
	_, err := NewLoader(nil).LoadCSV(writeCSV(t, csv), p)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeDatasetEmpty))
}
