package sidetap

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestWriteWAVHeaderFieldsForMono16kHz(t *testing.T) {
	var buf bytes.Buffer
	const sampleRate = 16000
	const numSamples = 8000 // half a second

	if err := WriteWAVHeader(&buf, sampleRate, numSamples); err != nil {
		t.Fatalf("WriteWAVHeader: %v", err)
	}
	b := buf.Bytes()
	if len(b) != 44 {
		t.Fatalf("expected a 44-byte header, got %d bytes", len(b))
	}
	if string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		t.Fatalf("missing RIFF/WAVE markers: %q", b[0:12])
	}
	if string(b[12:16]) != "fmt " || string(b[36:40]) != "data" {
		t.Fatalf("missing fmt/data chunk markers")
	}

	channels := binary.LittleEndian.Uint16(b[22:24])
	sr := binary.LittleEndian.Uint32(b[24:28])
	bits := binary.LittleEndian.Uint16(b[34:36])
	dataSize := binary.LittleEndian.Uint32(b[40:44])

	if channels != 1 {
		t.Fatalf("expected mono, got %d channels", channels)
	}
	if sr != sampleRate {
		t.Fatalf("expected sample rate %d, got %d", sampleRate, sr)
	}
	if bits != 16 {
		t.Fatalf("expected 16 bits per sample, got %d", bits)
	}
	if dataSize != numSamples*2 {
		t.Fatalf("expected data size %d, got %d", numSamples*2, dataSize)
	}
}

func TestWriteWAVHeaderZeroSamples(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteWAVHeader(&buf, 16000, 0); err != nil {
		t.Fatalf("WriteWAVHeader: %v", err)
	}
	dataSize := binary.LittleEndian.Uint32(buf.Bytes()[40:44])
	if dataSize != 0 {
		t.Fatalf("expected zero data size, got %d", dataSize)
	}
}
