package ml

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"math/rand/v2"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Matrix represents a dense matrix with a flat data slice for performance.
type Matrix struct {
	rows, cols int
	data       []float64
	dense      *mat.Dense
}

// -------- CONSTRUCTORS ------- //
func NewMatrix(rows, cols int) *Matrix {
	return NewMatrixFromSlice(rows, cols, make([]float64, rows*cols))
}

// NewMatrixFromSlice wraps data without copying it.
func NewMatrixFromSlice(rows, cols int, data []float64) *Matrix {
	if len(data) != rows*cols {
		panic(fmt.Sprintf("matrix [%d, %d] cannot hold %d values", rows, cols, len(data)))
	}
	return &Matrix{rows: rows, cols: cols, data: data, dense: mat.NewDense(rows, cols, data)}
}

// ------- ACCESSORS ------ //
func (m *Matrix) Rows() int         { return m.rows }
func (m *Matrix) Cols() int         { return m.cols }
func (m *Matrix) Data() []float64   { return m.data }
func (m *Matrix) Dense() *mat.Dense { return m.dense }

// Row returns a view of row i backed by the matrix storage.
func (m *Matrix) Row(i int) []float64 {
	return m.data[i*m.cols : (i+1)*m.cols]
}

// SameShape reports whether m and b have identical dimensions.
func (m *Matrix) SameShape(b *Matrix) bool {
	return m.rows == b.rows && m.cols == b.cols
}

func (m *Matrix) Clone() *Matrix {
	return NewMatrixFromSlice(m.rows, m.cols, slices.Clone(m.data))
}

// -------- SERIALIZATION -------- //

// matrixWire is the gob layout of a Matrix inside state dicts and checkpoints.
type matrixWire struct {
	Rows, Cols int
	Data       []float64
}

func (m *Matrix) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(matrixWire{Rows: m.rows, Cols: m.cols, Data: m.data})
	return buf.Bytes(), err
}

func (m *Matrix) GobDecode(buf []byte) error {
	var w matrixWire
	if err := gob.NewDecoder(bytes.NewReader(buf)).Decode(&w); err != nil {
		return err
	}
	if w.Rows < 1 || w.Cols < 1 || len(w.Data) != w.Rows*w.Cols {
		return fmt.Errorf("matrix [%d, %d] payload has %d values", w.Rows, w.Cols, len(w.Data))
	}
	*m = *NewMatrixFromSlice(w.Rows, w.Cols, w.Data)
	return nil
}

// RandomizeNormal fills the matrix with N(0, std^2) samples drawn from rng.
func (m *Matrix) RandomizeNormal(rng *rand.Rand, std float64) {
	for i := range m.data {
		m.data[i] = rng.NormFloat64() * std
	}
}

func (m *Matrix) Reset() {
	clear(m.data)
}

// AddRowVector adds the 1×cols vector v to every row.
func (m *Matrix) AddRowVector(v *Matrix) {
	for i := range m.rows {
		floats.Add(m.Row(i), v.data)
	}
}

// ------ UTILITY FUNCTIONS ------
func MatMul(a, b mat.Matrix, out *Matrix) {
	out.dense.Mul(a, b)
}

// MatMulGo is the cache-tiled pure Go kernel kept as a baseline for the BLAS
// path in benchmarks.
func MatMulGo(a, b, out *Matrix) {
	const tile = 64
	if a.cols != b.rows || out.rows != a.rows || out.cols != b.cols {
		panic(fmt.Sprintf("matmul shape mismatch: [%d, %d] x [%d, %d] -> [%d, %d]",
			a.rows, a.cols, b.rows, b.cols, out.rows, out.cols))
	}
	out.Reset()
	for i := 0; i < a.rows; i += tile {
		iMax := min(i+tile, a.rows)
		for j := 0; j < b.cols; j += tile {
			jMax := min(j+tile, b.cols)
			for k := 0; k < a.cols; k += tile {
				kMax := min(k+tile, a.cols)
				for ii := i; ii < iMax; ii++ {
					dst := out.Row(ii)[j:jMax]
					for kk := k; kk < kMax; kk++ {
						floats.AddScaled(dst, a.data[ii*a.cols+kk], b.Row(kk)[j:jMax])
					}
				}
			}
		}
	}
}
