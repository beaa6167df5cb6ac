// Package fid computes the Fréchet distance between the feature activations of real and generated images,
// the "Fréchet Inception Distance" (FID) when the features come from InceptionV3.
//
// The metric is diagnostic only: it is computed on the host, with gonum, and never takes part in gradients.
package fid

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

var (
	// ErrTooFewSamples is returned when a set has fewer than 2 samples: its covariance is undefined.
	ErrTooFewSamples = errors.New("fid: at least 2 samples per set are required")

	// ErrNonFinite is returned when the distance is NaN or infinite.
	ErrNonFinite = errors.New("fid: non-finite distance")
)

// Distance returns the Fréchet distance between the Gaussians fitted to the rows (one per sample) of real and
// generated:
//
//	‖μr − μg‖² + tr(Σr + Σg − 2·sqrtm(Σr·Σg))
//
// Covariances are the unbiased sample covariances. The trace of sqrtm(Σr·Σg) is computed as the trace of
// sqrtm(Σr^½·Σg·Σr^½), which has the same eigenvalues and is symmetric. Negative eigenvalues coming from
// round-off are clamped to 0, which amounts to taking the real part of the matrix square root.
func Distance(real, generated *mat.Dense) (float64, error) {
	numReal, dimReal := real.Dims()
	numGen, dimGen := generated.Dims()
	if numReal < 2 || numGen < 2 {
		return math.NaN(), errors.Wrapf(ErrTooFewSamples, "got %d real and %d generated samples", numReal, numGen)
	}
	if dimReal != dimGen {
		return math.NaN(), errors.Errorf("fid: real features have dimension %d, generated have %d", dimReal, dimGen)
	}
	meanReal, covReal := moments(real)
	meanGen, covGen := moments(generated)

	var meanDiff float64
	for ii := range meanReal {
		d := meanReal[ii] - meanGen[ii]
		meanDiff += d * d
	}

	sqrtReal, err := sqrtSym(covReal)
	if err != nil {
		return math.NaN(), err
	}
	var product mat.Dense
	product.Mul(sqrtReal, covGen)
	product.Mul(&product, sqrtReal)
	eigenvalues, err := symEigenvalues(symmetrize(&product))
	if err != nil {
		return math.NaN(), err
	}
	var traceSqrt float64
	for _, lambda := range eigenvalues {
		traceSqrt += math.Sqrt(math.Max(lambda, 0))
	}

	distance := meanDiff + mat.Trace(covReal) + mat.Trace(covGen) - 2*traceSqrt
	if math.IsNaN(distance) || math.IsInf(distance, 0) {
		return distance, ErrNonFinite
	}
	// Round-off can take a zero distance slightly below 0.
	return math.Max(distance, 0), nil
}

// DistanceFromRows is Distance for features given as one slice per sample.
func DistanceFromRows(real, generated [][]float32) (float64, error) {
	if len(real) < 2 || len(generated) < 2 {
		return math.NaN(), errors.Wrapf(ErrTooFewSamples, "got %d real and %d generated samples", len(real), len(generated))
	}
	return Distance(toDense(real), toDense(generated))
}

func toDense(rows [][]float32) *mat.Dense {
	numCols := len(rows[0])
	data := make([]float64, 0, len(rows)*numCols)
	for _, row := range rows {
		for _, v := range row {
			data = append(data, float64(v))
		}
	}
	return mat.NewDense(len(rows), numCols, data)
}

// moments returns the per-column mean and the sample covariance of x.
func moments(x *mat.Dense) ([]float64, *mat.SymDense) {
	numRows, numCols := x.Dims()
	means := make([]float64, numCols)
	col := make([]float64, numRows)
	for j := range means {
		mat.Col(col, j, x)
		means[j] = stat.Mean(col, nil)
	}
	cov := mat.NewSymDense(numCols, nil)
	stat.CovarianceMatrix(cov, x, nil)
	return means, cov
}

// sqrtSym returns the square root of the symmetric positive semi-definite matrix a.
func sqrtSym(a *mat.SymDense) (*mat.Dense, error) {
	var eig mat.EigenSym
	if !eig.Factorize(a, true) {
		return nil, errors.Wrap(ErrNonFinite, "fid: eigendecomposition of the covariance failed")
	}
	values := eig.Values(nil)
	var vectors mat.Dense
	eig.VectorsTo(&vectors)
	n := len(values)
	roots := make([]float64, n)
	for ii, v := range values {
		roots[ii] = math.Sqrt(math.Max(v, 0))
	}
	var scaled, result mat.Dense
	scaled.Mul(&vectors, mat.NewDiagDense(n, roots))
	result.Mul(&scaled, vectors.T())
	return &result, nil
}

func symEigenvalues(a *mat.SymDense) ([]float64, error) {
	var eig mat.EigenSym
	if !eig.Factorize(a, false) {
		return nil, errors.Wrap(ErrNonFinite, "fid: eigendecomposition failed")
	}
	return eig.Values(nil), nil
}

// symmetrize returns (a + aᵀ) / 2.
func symmetrize(a *mat.Dense) *mat.SymDense {
	n, _ := a.Dims()
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sym.SetSym(i, j, (a.At(i, j)+a.At(j, i))/2)
		}
	}
	return sym
}
