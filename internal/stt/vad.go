package stt

import "math"

// silenceFloor is the mean absolute amplitude below which a window is
// treated as silence rather than as the end of speech.
const silenceFloor = 0.0001

// highPass applies a first-order RC high-pass filter in place.
func highPass(data []float32, cutoff float64, sampleRate int) {
	if len(data) < 2 || cutoff <= 0 || sampleRate <= 0 {
		return
	}
	rc := 1.0 / (2.0 * math.Pi * cutoff)
	dt := 1.0 / float64(sampleRate)
	alpha := float32(rc / (rc + dt))

	prevIn := data[0]
	prevOut := data[0]
	for i := 1; i < len(data); i++ {
		in := data[i]
		prevOut = alpha * (prevOut + in - prevIn)
		prevIn = in
		data[i] = prevOut
	}
}

// speechEnded reports whether the last lastMS of window are markedly
// quieter than the whole window. window is modified.
func speechEnded(window []float32, sampleRate, lastMS int, threshold, cutoff float64) bool {
	nLast := sampleRate * lastMS / 1000
	if nLast <= 0 || nLast >= len(window) {
		return false
	}
	highPass(window, cutoff, sampleRate)

	var all, last float64
	for i, s := range window {
		a := math.Abs(float64(s))
		all += a
		if i >= len(window)-nLast {
			last += a
		}
	}
	all /= float64(len(window))
	last /= float64(nLast)

	if all < silenceFloor && last < silenceFloor {
		return false
	}
	return last <= threshold*all
}
