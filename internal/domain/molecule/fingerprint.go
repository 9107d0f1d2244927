// Package molecule provides molecular fingerprint computation for compound
// featurization and diversity analysis. Fingerprints encode structure as
// fixed-length bit vectors, which feed the ECFP featurizer, in-process
// Tanimoto calculations, and vector search in Milvus.
//
// The ECFP implementation here is a self-contained circular-neighborhood
// hash over a lightweight SMILES token walk. It is deterministic and
// dimension-compatible with fingerprints produced by external
// cheminformatics toolkits, but it is not chemically exact; runs that need
// toolkit-exact fingerprints featurize upstream and load feature matrices
// as data.
package molecule

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/bits"
	"strings"

	apperrors "github.com/deepmatter/chempipe/pkg/errors"
)

// Fingerprint is a packed bit vector: bit i lives in byte i/8 at position
// i%8.
type Fingerprint struct {
	Bits      []byte `json:"bits"`
	Length    int    `json:"length"`
	NumOnBits int    `json:"num_on_bits"`
}

// NewFingerprint wraps raw packed bit data, computing the popcount.
func NewFingerprint(data []byte, length int) *Fingerprint {
	on := 0
	for _, b := range data {
		on += bits.OnesCount8(b)
	}
	return &Fingerprint{Bits: data, Length: length, NumOnBits: on}
}

// GetBit reports whether bit index is set. Out-of-range indices are false.
func (fp *Fingerprint) GetBit(index int) bool {
	if index < 0 || index >= fp.Length {
		return false
	}
	return fp.Bits[index/8]&(1<<uint(index%8)) != 0
}

// setBit sets bit index, keeping NumOnBits current.
func (fp *Fingerprint) setBit(index int) {
	if index < 0 || index >= fp.Length {
		return
	}
	old := fp.Bits[index/8]
	fp.Bits[index/8] |= 1 << uint(index%8)
	if old != fp.Bits[index/8] {
		fp.NumOnBits++
	}
}

// ToFloat32 expands the bit vector into a dense float32 vector, the layout
// Milvus collections and feature matrices consume.
func (fp *Fingerprint) ToFloat32() []float32 {
	out := make([]float32, fp.Length)
	for i := 0; i < fp.Length; i++ {
		if fp.GetBit(i) {
			out[i] = 1
		}
	}
	return out
}

// ToFloat64 expands the bit vector into a dense float64 feature row.
func (fp *Fingerprint) ToFloat64() []float64 {
	out := make([]float64, fp.Length)
	for i := 0; i < fp.Length; i++ {
		if fp.GetBit(i) {
			out[i] = 1
		}
	}
	return out
}

// CalculateECFP computes an ECFP-style circular fingerprint: every atom
// position seeds a neighborhood that grows one bond step per radius
// increment, and each (neighborhood, radius) pair hashes to one bit.
//
// radius defaults to 2 and nBits to 1024 when non-positive, matching the
// pipeline's ecfp_radius / ecfp_size defaults.
func CalculateECFP(smiles string, radius, nBits int) (*Fingerprint, error) {
	if smiles == "" {
		return nil, apperrors.InvalidParam("SMILES string cannot be empty")
	}
	if radius <= 0 {
		radius = 2
	}
	if nBits <= 0 {
		nBits = 1024
	}

	atoms := tokenizeAtoms(smiles)
	if len(atoms) == 0 {
		return nil, apperrors.New(apperrors.CodeInvalidSMILES,
			fmt.Sprintf("no atoms found in SMILES %q", smiles))
	}

	fp := NewFingerprint(make([]byte, (nBits+7)/8), nBits)

	for i := range atoms {
		for r := 0; r <= radius; r++ {
			lo := i - r
			if lo < 0 {
				lo = 0
			}
			hi := i + r + 1
			if hi > len(atoms) {
				hi = len(atoms)
			}
			env := strings.Join(atoms[lo:hi], "")
			h := hashEnvironment(env, r)
			fp.setBit(int(h % uint64(nBits)))
		}
	}
	return fp, nil
}

// tokenizeAtoms walks a SMILES string and collects atom tokens: two-letter
// organic-subset elements (Cl, Br), bracket atoms as single tokens, and
// single-letter elements, skipping bond, ring and branch punctuation.
func tokenizeAtoms(smiles string) []string {
	var atoms []string
	i := 0
	for i < len(smiles) {
		c := smiles[i]
		switch {
		case c == '[':
			end := strings.IndexByte(smiles[i:], ']')
			if end < 0 {
				// Unbalanced bracket: take the rest as one token.
				atoms = append(atoms, smiles[i:])
				i = len(smiles)
				continue
			}
			atoms = append(atoms, smiles[i:i+end+1])
			i += end + 1
		case c == 'C' && i+1 < len(smiles) && smiles[i+1] == 'l':
			atoms = append(atoms, "Cl")
			i += 2
		case c == 'B' && i+1 < len(smiles) && smiles[i+1] == 'r':
			atoms = append(atoms, "Br")
			i += 2
		case (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z'):
			atoms = append(atoms, string(c))
			i++
		default:
			i++
		}
	}
	return atoms
}

// hashEnvironment maps an atom neighborhood at a given radius to a stable
// 64-bit hash.
func hashEnvironment(env string, radius int) uint64 {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%d", env, radius)))
	return binary.BigEndian.Uint64(h[:8])
}
