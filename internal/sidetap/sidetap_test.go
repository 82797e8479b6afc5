package sidetap

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseSegmentIndex(t *testing.T) {
	cases := []struct {
		name    string
		wantIdx int
		wantOK  bool
	}{
		{"alice_abc123_segment_000.pcm", 0, true},
		{"alice_abc123_segment_042.wav", 42, true},
		{"alice_abc123.sdp", 0, false},
		{"not_a_segment_file.txt", 0, false},
	}
	for _, c := range cases {
		idx, ok := parseSegmentIndex(c.name)
		if ok != c.wantOK {
			t.Errorf("%s: ok = %v, want %v", c.name, ok, c.wantOK)
			continue
		}
		if ok && idx != c.wantIdx {
			t.Errorf("%s: idx = %d, want %d", c.name, idx, c.wantIdx)
		}
	}
}

func TestReadSegmentListSkipsBlankLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "segments.txt")
	content := "a_segment_000.pcm\n\nb_segment_001.pcm\n  \n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write segment list: %v", err)
	}

	names, err := readSegmentList(path)
	if err != nil {
		t.Fatalf("readSegmentList: %v", err)
	}
	want := []string{"a_segment_000.pcm", "b_segment_001.pcm"}
	if len(names) != len(want) {
		t.Fatalf("expected %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, names)
		}
	}
}

func TestWriteSDPFileEmbedsRTPPort(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.sdp")
	if err := writeSDPFile(path, 61000); err != nil {
		t.Fatalf("writeSDPFile: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read sdp: %v", err)
	}
	if !contains(string(b), "m=audio 61000 RTP/AVP 100") {
		t.Fatalf("sdp missing expected media line: %s", b)
	}
}

func TestWrapPCMAsWAVProducesValidHeaderAndRemovesSource(t *testing.T) {
	dir := t.TempDir()
	pcmPath := filepath.Join(dir, "x_segment_000.pcm")
	raw := make([]byte, 4*16000) // 2s of mono 16-bit samples at 16kHz
	if err := os.WriteFile(pcmPath, raw, 0o644); err != nil {
		t.Fatalf("write pcm: %v", err)
	}

	wavPath, err := wrapPCMAsWAV(pcmPath, 16000)
	if err != nil {
		t.Fatalf("wrapPCMAsWAV: %v", err)
	}
	if _, err := os.Stat(pcmPath); !os.IsNotExist(err) {
		t.Fatalf("expected source pcm to be removed")
	}
	b, err := os.ReadFile(wavPath)
	if err != nil {
		t.Fatalf("read wav: %v", err)
	}
	if len(b) != 44+len(raw) {
		t.Fatalf("expected %d bytes, got %d", 44+len(raw), len(b))
	}
	dataSize := binary.LittleEndian.Uint32(b[40:44])
	if int(dataSize) != len(raw) {
		t.Fatalf("expected data size %d, got %d", len(raw), dataSize)
	}
}

func TestWriteTranscriptFileRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "p1_20260730T000000Z.json")
	tf := TranscriptFile{
		RoomID:           "room1",
		ParticipantID:    "p1",
		SessionStartTime: time.Now().UTC(),
		Segments: []TranscriptSegmentRecord{
			{Index: 0, Text: "hi", Language: "en", Confidence: 0.9},
		},
		TotalSegments: 1,
	}
	if err := writeTranscriptFile(path, tf); err != nil {
		t.Fatalf("writeTranscriptFile: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file to exist: %v", err)
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (func() bool {
		for i := 0; i+len(substr) <= len(s); i++ {
			if s[i:i+len(substr)] == substr {
				return true
			}
		}
		return false
	})()
}
