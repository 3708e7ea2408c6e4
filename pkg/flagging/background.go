package flagging

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// subtractBackground returns amp minus a smooth estimate computed row by row
// (along time). Flagged samples do not contribute to the estimate.
func subtractBackground(bg Background, amp []float64, flags []bool, width, height int) []float64 {
	residual := make([]float64, len(amp))
	copy(residual, amp)
	if bg.Method == BackgroundNone || bg.Method == "" {
		return residual
	}

	var fft *fourier.FFT
	if bg.Method == BackgroundFourier && width > 1 {
		fft = fourier.NewFFT(width)
	}
	row := make([]float64, width)
	for r := 0; r < height; r++ {
		vals := amp[r*width : (r+1)*width]
		fl := flags[r*width : (r+1)*width]

		var smooth []float64
		switch bg.Method {
		case BackgroundFourier:
			smooth = lowPass(fft, vals, fl, bg.Cutoff, row)
		case BackgroundPolyfit:
			smooth = polyfit(vals, fl, bg.Order)
		}
		for i := range vals {
			residual[r*width+i] = vals[i] - smooth[i]
		}
	}
	return residual
}

// lowPass keeps the lowest cutoff fraction of the Fourier coefficients of a
// row. Flagged samples are replaced by the median of the unflagged ones.
func lowPass(fft *fourier.FFT, vals []float64, flags []bool, cutoff float64, scratch []float64) []float64 {
	fill := unflaggedMedian(vals, flags)
	for i, v := range vals {
		if flags[i] {
			scratch[i] = fill
		} else {
			scratch[i] = v
		}
	}
	if fft == nil {
		return append([]float64(nil), scratch...)
	}

	coeff := fft.Coefficients(nil, scratch)
	keep := int(cutoff * float64(len(coeff)))
	if keep < 1 {
		keep = 1
	}
	for k := keep; k < len(coeff); k++ {
		coeff[k] = 0
	}
	// the inverse transform is not normalised
	out := fft.Sequence(nil, coeff)
	n := float64(len(vals))
	for i := range out {
		out[i] /= n
	}
	return out
}

// polyfit fits a polynomial in time to the unflagged samples of a row by
// least squares and evaluates it on every sample.
func polyfit(vals []float64, flags []bool, order int) []float64 {
	n := len(vals)
	out := make([]float64, n)

	var xs, ys []float64
	for i, v := range vals {
		if !flags[i] {
			xs = append(xs, normalisedPosition(i, n))
			ys = append(ys, v)
		}
	}
	if order > len(xs)-1 {
		order = len(xs) - 1
	}
	if order < 1 {
		fill := unflaggedMedian(vals, flags)
		for i := range out {
			out[i] = fill
		}
		return out
	}

	cols := order + 1
	design := mat.NewDense(len(xs), cols, nil)
	for i, x := range xs {
		p := 1.0
		for c := 0; c < cols; c++ {
			design.Set(i, c, p)
			p *= x
		}
	}
	var qr mat.QR
	qr.Factorize(design)
	beta := mat.NewDense(cols, 1, nil)
	if err := qr.SolveTo(beta, false, mat.NewVecDense(len(ys), ys)); err != nil {
		fill := unflaggedMedian(vals, flags)
		for i := range out {
			out[i] = fill
		}
		return out
	}

	for i := range out {
		x := normalisedPosition(i, n)
		p, sum := 1.0, 0.0
		for c := 0; c < cols; c++ {
			sum += beta.At(c, 0) * p
			p *= x
		}
		out[i] = sum
	}
	return out
}

// normalisedPosition maps sample i of n onto [-1, 1].
func normalisedPosition(i, n int) float64 {
	if n < 2 {
		return 0
	}
	return 2*float64(i)/float64(n-1) - 1
}

func unflaggedMedian(vals []float64, flags []bool) float64 {
	sorted := make([]float64, 0, len(vals))
	for i, v := range vals {
		if !flags[i] {
			sorted = append(sorted, v)
		}
	}
	if len(sorted) == 0 {
		return 0
	}
	sort.Float64s(sorted)
	return stat.Quantile(0.5, stat.Empirical, sorted, nil)
}

// robustSigma estimates the noise level of the unflagged residuals from the
// median absolute deviation, falling back to the standard deviation when
// more than half of the samples are identical.
func robustSigma(residual []float64, flags []bool) float64 {
	vals := make([]float64, 0, len(residual))
	for i, v := range residual {
		if !flags[i] {
			vals = append(vals, v)
		}
	}
	if len(vals) < 2 {
		return 0
	}
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	median := stat.Quantile(0.5, stat.Empirical, sorted, nil)
	for i, v := range sorted {
		sorted[i] = math.Abs(v - median)
	}
	sort.Float64s(sorted)
	sigma := 1.4826 * stat.Quantile(0.5, stat.Empirical, sorted, nil)
	if sigma == 0 {
		sigma = stat.StdDev(vals, nil)
	}
	if math.IsNaN(sigma) || math.IsInf(sigma, 0) {
		return 0
	}
	return sigma
}
