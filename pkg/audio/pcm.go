package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

// pcmScale maps float samples onto the int16 range and back.
const pcmScale = 32768

// MIMEType returns the PCM mime type understood by the remote agent for the
// given sample rate, e.g. "audio/pcm;rate=16000".
func MIMEType(sampleRate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", sampleRate)
}

// EncodePCM16 quantises a block to 16-bit little-endian PCM using a plain
// linear mapping (sample * 32768). There is no dithering and no clamping:
// inputs outside [-1,1] wrap around the int16 range. A sample of exactly 1.0
// maps to 32767 so the closed range stays within one quantisation step.
func EncodePCM16(block Block) []byte {
	out := make([]byte, len(block)*2)
	for i, s := range block {
		// Truncate toward zero, then wrap into 16 bits.
		n := int32(s * pcmScale)
		if n == pcmScale {
			n = pcmScale - 1
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(n)))
	}
	return out
}

// DecodePCM16 converts 16-bit little-endian PCM to float samples
// (int / 32768.0). A trailing odd byte is ignored.
func DecodePCM16(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		v := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = float32(v) / pcmScale
	}
	return out
}

// EncodeBase64 quantises block to PCM16 and returns it as standard base64.
func EncodeBase64(block Block) string {
	return base64.StdEncoding.EncodeToString(EncodePCM16(block))
}

// DecodeBase64 decodes a base64 PCM16 payload into a playable [Buffer] at
// sampleRate.
func DecodeBase64(payload string, sampleRate int) (Buffer, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return Buffer{}, fmt.Errorf("audio: decode base64: %w", err)
	}
	return Buffer{Samples: DecodePCM16(raw), SampleRate: sampleRate}, nil
}
