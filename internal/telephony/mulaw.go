package telephony

import "encoding/binary"

// G.711 mu-law codec based on the Sun Microsystems reference implementation.
// Twilio media streams carry mu-law at 8kHz; the agent expects PCM16LE at
// 16kHz.

var muLawDecodeTable [256]int16

func init() {
	for i := 0; i < 256; i++ {
		muLawDecodeTable[i] = decodeMuLawByte(byte(i))
	}
}

func decodeMuLawByte(uVal byte) int16 {
	uVal = ^uVal

	sign := uVal & 0x80
	exponent := (uVal >> 4) & 0x07
	mantissa := uVal & 0x0F

	// The geometric bias for mu-law is 33; alignment makes it 0x84 here.
	sample := int16((int32(mantissa)<<3 + 0x84) << exponent)
	sample -= 0x84

	if sign != 0 {
		return -sample
	}
	return sample
}

func encodeMuLawByte(pcm int16) byte {
	const (
		bias = 0x84
		clip = 32635
	)

	// Widen before negating; -32768 has no int16 counterpart.
	sample := int32(pcm)
	var sign int32
	if sample < 0 {
		sign = 0x80
		sample = -sample
	}
	if sample > clip {
		sample = clip
	}
	sample += bias

	exponent := int32(7)
	for mask := int32(0x4000); sample&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (sample >> (exponent + 3)) & 0x0F

	return ^byte(sign | exponent<<4 | mantissa)
}

// muLawToPCM16k decodes mu-law 8kHz to PCM16LE and upsamples to 16kHz by
// sample duplication.
func muLawToPCM16k(muLaw []byte) []byte {
	pcm := make([]byte, len(muLaw)*4)
	for i, b := range muLaw {
		v := uint16(muLawDecodeTable[b])
		binary.LittleEndian.PutUint16(pcm[i*4:i*4+2], v)
		binary.LittleEndian.PutUint16(pcm[i*4+2:i*4+4], v)
	}
	return pcm
}

// pcm16kToMuLaw downsamples PCM16LE 16kHz to 8kHz by dropping every other
// sample and encodes to mu-law.
func pcm16kToMuLaw(pcm []byte) []byte {
	sampleCount := len(pcm) / 2
	muLaw := make([]byte, 0, sampleCount/2+1)
	for i := 0; i < sampleCount; i += 2 {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		muLaw = append(muLaw, encodeMuLawByte(sample))
	}
	return muLaw
}
