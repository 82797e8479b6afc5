package sidetap

import (
	"encoding/binary"
	"io"
)

// WriteWAVHeader writes a canonical 44-byte PCM WAV header for
// numSamples mono 16-bit samples at sampleRate Hz (spec.md §6: PCM
// 16-bit, 16 kHz, mono segments). There is no third-party WAV encoder
// in the retrieval pack or an ecosystem-standard small one worth a
// dependency for a 44-byte fixed header; this is hand-rolled and
// justified in DESIGN.md.
func WriteWAVHeader(w io.Writer, sampleRate int, numSamples int) error {
	const (
		channels      = 1
		bitsPerSample = 16
	)
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8
	dataSize := numSamples * blockAlign
	riffSize := 36 + dataSize

	buf := make([]byte, 44)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(riffSize))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16) // fmt chunk size
	binary.LittleEndian.PutUint16(buf[20:22], 1)  // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], uint16(bitsPerSample))
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))

	_, err := w.Write(buf)
	return err
}
