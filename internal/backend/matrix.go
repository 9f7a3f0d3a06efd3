package backend

import "math/rand"

// mat is a row-major [rows x cols] float32 matrix, sized to whatever the
// reference model's embedding and projection weights need.
type mat struct {
	rows, cols int
	data       []float32
}

func newMat(rows, cols int) mat {
	return mat{rows: rows, cols: cols, data: make([]float32, rows*cols)}
}

func (m mat) row(i int) []float32 {
	return m.data[i*m.cols : (i+1)*m.cols]
}

// fillRand deterministically fills m from seed, so the same seed always
// produces the same model.
func fillRand(m mat, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	for i := range m.data {
		m.data[i] = float32(rng.NormFloat64()) * 0.1
	}
}

// matVec computes dst = x * m (x is length m.rows, dst is length m.cols).
func matVec(m mat, x, dst []float32) {
	for j := range dst {
		dst[j] = 0
	}
	for i, xi := range x {
		if xi == 0 {
			continue
		}
		row := m.row(i)
		for j, w := range row {
			dst[j] += xi * w
		}
	}
}
