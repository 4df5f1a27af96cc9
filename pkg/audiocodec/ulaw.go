// Package audiocodec synthesizes DTMF tones and performs G.711 µ-law
// companding for 8 kHz telephony audio.
//
// Grounded on the encode/decode tables in
// flowpbx-flowpbx/internal/media/mixer.go, generalized from a mixer's
// decode+encode round trip to a pure tone generator that never decodes
// carrier audio, only produces it.
package audiocodec

// SampleRate is the telephony sample rate used throughout this package.
const SampleRate = 8000

// FrameBytes is the size of one 20ms µ-law frame at 8 kHz: 160 bytes.
const FrameBytes = 160

// SilenceByte is the µ-law encoding of a zero-amplitude sample.
const SilenceByte byte = 0xFF

// linearToUlaw maps the full 16-bit signed range to its µ-law byte.
var linearToUlaw [65536]byte

func init() {
	for i := -32768; i <= 32767; i++ {
		linearToUlaw[uint16(int16(i))] = encodeUlaw(int16(i))
	}
}

// encodeUlaw converts a 16-bit linear PCM sample to a µ-law byte per
// G.711: bias 0x84, clip at 32635, 3-bit exponent from the highest set
// bit above the bias, 4-bit mantissa, complemented on output.
func encodeUlaw(sample int16) byte {
	const bias = 0x84
	const clip = 32635

	sign := byte(0)
	if sample < 0 {
		sign = 0x80
		sample = -sample
	}
	if sample > clip {
		sample = clip
	}
	sample += bias

	exponent := 7
	mask := int16(0x4000)
	for exponent > 0 {
		if sample&mask != 0 {
			break
		}
		exponent--
		mask >>= 1
	}

	mantissa := (sample >> uint(exponent+3)) & 0x0F
	return ^(sign | byte(exponent<<4) | byte(mantissa))
}

// dtmfTone is the ITU row/column frequency pair for a keypad character.
type dtmfTone struct {
	row, col float64
}

var dtmfTones = map[byte]dtmfTone{
	'1': {697, 1209}, '2': {697, 1336}, '3': {697, 1477}, 'A': {697, 1633},
	'4': {770, 1209}, '5': {770, 1336}, '6': {770, 1477}, 'B': {770, 1633},
	'7': {852, 1209}, '8': {852, 1336}, '9': {852, 1477}, 'C': {852, 1633},
	'*': {941, 1209}, '0': {941, 1336}, '#': {941, 1477}, 'D': {941, 1633},
}
