// Package scoremat implements the sparse fragment-by-locus score matrix
// (component 4.B): a row-major compressed-sparse matrix over float64 values,
// with the row/column reductions and broadcast-multiply primitives the EM
// engine needs.
//
// Q is represented as three parallel arrays owned by one value (row
// pointers, column indices, values) rather than as an object graph, per §9:
// elementwise operations are fused loops over stored nonzeros, and no dense
// R*T intermediate is ever materialized.
package scoremat

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// Triplet is one (row, col, value) entry used to build a Matrix. Values
// must be strictly positive; duplicate (Row, Col) pairs are summed at
// construction time.
type Triplet struct {
	Row, Col int
	Val      float64
}

// Matrix is an R x T compressed-sparse-row matrix. Entries within a row are
// stored sorted by column. The zero Matrix is not valid; use NewFromTriplets
// or NewLike.
type Matrix struct {
	rows, cols int
	rowStart   []int // length rows+1
	colIdx     []int
	vals       []float64
}

// Rows returns the matrix's row count (R).
func (m *Matrix) Rows() int { return m.rows }

// Cols returns the matrix's column count (T).
func (m *Matrix) Cols() int { return m.cols }

// NNZ returns the total number of stored (nonzero) entries.
func (m *Matrix) NNZ() int { return len(m.vals) }

// Row returns the stored column indices and values for row i, in ascending
// column order. The returned slices alias m's storage and must not be
// mutated.
func (m *Matrix) Row(i int) (cols []int, vals []float64) {
	s, e := m.rowStart[i], m.rowStart[i+1]
	return m.colIdx[s:e], m.vals[s:e]
}

// NewFromTriplets builds a Matrix from a list of (row, col, value) triplets.
// Duplicate (row, col) pairs are summed. Out-of-range row/col indices or
// non-positive values are rejected.
func NewFromTriplets(rows, cols int, triplets []Triplet) (*Matrix, error) {
	type key struct{ r, c int }
	sums := make(map[key]float64, len(triplets))
	order := make([]key, 0, len(triplets))
	for _, t := range triplets {
		if t.Row < 0 || t.Row >= rows || t.Col < 0 || t.Col >= cols {
			return nil, fmt.Errorf("scoremat: triplet (%d,%d) out of range for %dx%d matrix", t.Row, t.Col, rows, cols)
		}
		if t.Val <= 0 {
			return nil, fmt.Errorf("scoremat: triplet (%d,%d) has non-positive value %v", t.Row, t.Col, t.Val)
		}
		k := key{t.Row, t.Col}
		if _, ok := sums[k]; !ok {
			order = append(order, k)
		}
		sums[k] += t.Val
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].r != order[j].r {
			return order[i].r < order[j].r
		}
		return order[i].c < order[j].c
	})

	m := &Matrix{rows: rows, cols: cols, rowStart: make([]int, rows+1)}
	m.colIdx = make([]int, len(order))
	m.vals = make([]float64, len(order))
	for i, k := range order {
		m.colIdx[i] = k.c
		m.vals[i] = sums[k]
		m.rowStart[k.r+1] = i + 1
	}
	// rowStart is currently the index one-past-the-last entry written for
	// each row that had at least one entry; fill in rows with no entries by
	// carrying the previous row's boundary forward.
	for i := 1; i <= rows; i++ {
		if m.rowStart[i] < m.rowStart[i-1] {
			m.rowStart[i] = m.rowStart[i-1]
		}
	}
	return m, nil
}

// clone returns a Matrix with the same sparsity pattern (rowStart, colIdx
// shared by reference -- both are immutable once built) and a fresh vals
// slice, the basis for every value-preserving-pattern elementwise op below.
func (m *Matrix) clone() *Matrix {
	vals := make([]float64, len(m.vals))
	return &Matrix{rows: m.rows, cols: m.cols, rowStart: m.rowStart, colIdx: m.colIdx, vals: vals}
}

// mapValues returns a new Matrix with the same sparsity pattern as m, each
// stored value replaced by f(row, col, v). This is the fused-loop primitive
// every zero-preserving scalar/elementwise op is built from.
func (m *Matrix) mapValues(f func(row, col int, v float64) float64) *Matrix {
	out := m.clone()
	for row := 0; row < m.rows; row++ {
		for i := m.rowStart[row]; i < m.rowStart[row+1]; i++ {
			out.vals[i] = f(row, m.colIdx[i], m.vals[i])
		}
	}
	return out
}

// Exp returns a new Matrix with math.Exp applied to every stored value.
// Zero entries are never represented, so Exp never needs to materialize
// exp(0)=1 for them; the sparsity pattern is preserved exactly.
func (m *Matrix) Exp() *Matrix {
	return m.mapValues(func(_, _ int, v float64) float64 { return math.Exp(v) })
}

// Scale returns a new Matrix with every stored value multiplied by s.
func (m *Matrix) Scale(s float64) *Matrix {
	return m.mapValues(func(_, _ int, v float64) float64 { return v * s })
}

// MultiplyRowVector returns a new Matrix with each stored value at (i,j)
// multiplied by v[i]. len(v) must equal m.Rows().
func (m *Matrix) MultiplyRowVector(v []float64) *Matrix {
	return m.mapValues(func(row, _ int, val float64) float64 { return val * v[row] })
}

// MultiplyColVector returns a new Matrix with each stored value at (i,j)
// multiplied by v[j]. len(v) must equal m.Cols().
func (m *Matrix) MultiplyColVector(v []float64) *Matrix {
	return m.mapValues(func(_, col int, val float64) float64 { return val * v[col] })
}

// Values returns every stored value across the whole matrix, in row-major,
// column-ascending order. The returned slice aliases m's storage and must
// not be mutated.
func (m *Matrix) Values() []float64 { return m.vals }

// NewLike builds a Matrix sharing pattern's sparsity pattern (its rowStart
// and colIdx, which are treated as immutable once built) with vals as the
// stored values at those positions. len(vals) must equal pattern.NNZ().
//
// This bypasses NewFromTriplets' strict-positivity check: downstream
// consumers (the EM engine's E-step/M-step) compute new values over an
// existing matrix's nonzero positions, and those values -- unlike a raw
// alignment score -- may legitimately be zero (e.g. a reassignment
// propensity driven to zero by the data).
func NewLike(pattern *Matrix, vals []float64) *Matrix {
	return &Matrix{rows: pattern.rows, cols: pattern.cols, rowStart: pattern.rowStart, colIdx: pattern.colIdx, vals: vals}
}

// RowMax returns, for every row, the maximum stored value (0 for a row with
// no stored entries).
func (m *Matrix) RowMax() []float64 {
	out := make([]float64, m.rows)
	for row := 0; row < m.rows; row++ {
		s, e := m.rowStart[row], m.rowStart[row+1]
		if s == e {
			continue
		}
		out[row] = floats.Max(m.vals[s:e])
	}
	return out
}

// RowNNZ returns, for every row, the count of stored (nonzero) entries.
func (m *Matrix) RowNNZ() []int {
	out := make([]int, m.rows)
	for row := 0; row < m.rows; row++ {
		out[row] = m.rowStart[row+1] - m.rowStart[row]
	}
	return out
}

// Max returns the maximum stored value across the whole matrix, and false if
// the matrix has no stored entries.
func (m *Matrix) Max() (float64, bool) {
	if len(m.vals) == 0 {
		return 0, false
	}
	return floats.Max(m.vals), true
}

// NormalizeRows returns a new Matrix where every row's stored values are
// divided by their row sum. A row summing to zero (i.e. an empty row, since
// stored values are always strictly positive) is left as all-zero.
func (m *Matrix) NormalizeRows() *Matrix {
	out := m.clone()
	for row := 0; row < m.rows; row++ {
		s, e := m.rowStart[row], m.rowStart[row+1]
		if s == e {
			continue
		}
		sum := floats.Sum(m.vals[s:e])
		if sum == 0 {
			continue
		}
		for i := s; i < e; i++ {
			out.vals[i] = m.vals[i] / sum
		}
	}
	return out
}

// RowArgmax returns a new Matrix, same dimensions as m, with exactly one
// stored entry per nonempty row: value 1 at the column holding that row's
// maximum value (ties broken by the lowest column index, i.e. stored
// order).
func (m *Matrix) RowArgmax() *Matrix {
	rowStart := make([]int, m.rows+1)
	colIdx := make([]int, 0, m.rows)
	vals := make([]float64, 0, m.rows)
	for row := 0; row < m.rows; row++ {
		s, e := m.rowStart[row], m.rowStart[row+1]
		rowStart[row] = len(colIdx)
		if s != e {
			bestCol := m.colIdx[s]
			bestVal := m.vals[s]
			for i := s + 1; i < e; i++ {
				if m.vals[i] > bestVal {
					bestVal = m.vals[i]
					bestCol = m.colIdx[i]
				}
			}
			colIdx = append(colIdx, bestCol)
			vals = append(vals, 1)
		}
	}
	rowStart[m.rows] = len(colIdx)
	return &Matrix{rows: m.rows, cols: m.cols, rowStart: rowStart, colIdx: colIdx, vals: vals}
}

// Threshold returns a new Matrix containing, for every stored value x, an
// entry of 1 where x >= tau and no entry (0) otherwise.
func (m *Matrix) Threshold(tau float64) *Matrix {
	rowStart := make([]int, m.rows+1)
	colIdx := make([]int, 0, len(m.vals))
	vals := make([]float64, 0, len(m.vals))
	for row := 0; row < m.rows; row++ {
		rowStart[row] = len(colIdx)
		s, e := m.rowStart[row], m.rowStart[row+1]
		for i := s; i < e; i++ {
			if m.vals[i] >= tau {
				colIdx = append(colIdx, m.colIdx[i])
				vals = append(vals, 1)
			}
		}
	}
	rowStart[m.rows] = len(colIdx)
	return &Matrix{rows: m.rows, cols: m.cols, rowStart: rowStart, colIdx: colIdx, vals: vals}
}

// ColSum returns, for every column, the sum of its stored values.
func (m *Matrix) ColSum() []float64 {
	out := make([]float64, m.cols)
	for row := 0; row < m.rows; row++ {
		s, e := m.rowStart[row], m.rowStart[row+1]
		for i := s; i < e; i++ {
			out[m.colIdx[i]] += m.vals[i]
		}
	}
	return out
}

// ColNNZ returns, for every column, the count of stored (nonzero) entries.
func (m *Matrix) ColNNZ() []int {
	out := make([]int, m.cols)
	for _, c := range m.colIdx {
		out[c]++
	}
	return out
}

// --- checkpoint serialization -----------------------------------------
//
// The byte layout is a fixed, documented format (not the teacher's BAM/PAM
// formats, and deliberately not a pickled/protobuf schema; see SPEC_FULL.md
// and §9): a small header followed by the three parallel arrays.
//
//	int32   rows
//	int32   cols
//	int32   nnz
//	int32[rows+1] rowStart
//	int32[nnz]    colIdx
//	float64[nnz]  vals

// WriteTo serializes m in the documented binary layout.
func (m *Matrix) WriteTo(w io.Writer) (n int64, err error) {
	var hdr [12]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(m.rows))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(m.cols))
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(m.vals)))
	if err = writeFull(w, hdr[:]); err != nil {
		return
	}
	n += int64(len(hdr))
	for _, arr := range [][]int{m.rowStart, m.colIdx} {
		buf := make([]byte, 4*len(arr))
		for i, v := range arr {
			binary.LittleEndian.PutUint32(buf[4*i:4*i+4], uint32(v))
		}
		if err = writeFull(w, buf); err != nil {
			return
		}
		n += int64(len(buf))
	}
	buf := make([]byte, 8*len(m.vals))
	for i, v := range m.vals {
		binary.LittleEndian.PutUint64(buf[8*i:8*i+8], math.Float64bits(v))
	}
	if err = writeFull(w, buf); err != nil {
		return
	}
	n += int64(len(buf))
	return
}

func writeFull(w io.Writer, buf []byte) error {
	_, err := w.Write(buf)
	return err
}

// ReadMatrix deserializes a Matrix written by WriteTo.
func ReadMatrix(r io.Reader) (*Matrix, error) {
	var hdr [12]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("scoremat: reading header: %w", err)
	}
	rows := int(binary.LittleEndian.Uint32(hdr[0:4]))
	cols := int(binary.LittleEndian.Uint32(hdr[4:8]))
	nnz := int(binary.LittleEndian.Uint32(hdr[8:12]))

	rowStart, err := readInts(r, rows+1)
	if err != nil {
		return nil, fmt.Errorf("scoremat: reading rowStart: %w", err)
	}
	colIdx, err := readInts(r, nnz)
	if err != nil {
		return nil, fmt.Errorf("scoremat: reading colIdx: %w", err)
	}
	buf := make([]byte, 8*nnz)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("scoremat: reading vals: %w", err)
	}
	vals := make([]float64, nnz)
	for i := range vals {
		vals[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[8*i : 8*i+8]))
	}
	return &Matrix{rows: rows, cols: cols, rowStart: rowStart, colIdx: colIdx, vals: vals}, nil
}

func readInts(r io.Reader, n int) ([]int, error) {
	buf := make([]byte, 4*n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	out := make([]int, n)
	for i := range out {
		out[i] = int(binary.LittleEndian.Uint32(buf[4*i : 4*i+4]))
	}
	return out, nil
}
