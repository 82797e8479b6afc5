package sidetap

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bken/collabhub/internal/config"
)

func writeFakeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake_transcribe.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write fake script: %v", err)
	}
	return path
}

func baseCfg(script string) config.SideTapConfig {
	return config.SideTapConfig{
		TranscribeScript:      script,
		TranscribeModel:       "base",
		TranscribeDevice:      "cpu",
		TranscribeComputeType: "int8",
		TranscribeTimeout:     2 * time.Second,
	}
}

func TestTranscribeSuccess(t *testing.T) {
	script := writeFakeScript(t, `echo '{"success": true, "text": "hello world", "language": "en", "language_probability": 0.9, "duration": 1.5, "confidence": 0.87, "segments": []}'`)
	tr := NewTranscriber(baseCfg(script))

	res, err := tr.Transcribe(context.Background(), "/tmp/segment.wav")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "hello world" || res.Language != "en" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestTranscribeReportedFailure(t *testing.T) {
	script := writeFakeScript(t, `echo '{"success": false, "text": "", "language": "", "segments": []}'`)
	tr := NewTranscriber(baseCfg(script))

	_, err := tr.Transcribe(context.Background(), "/tmp/segment.wav")
	if err != ErrTranscribeFailed {
		t.Fatalf("expected ErrTranscribeFailed, got %v", err)
	}
}

func TestTranscribeTimeout(t *testing.T) {
	script := writeFakeScript(t, `sleep 5; echo '{"success": true}'`)
	cfg := baseCfg(script)
	cfg.TranscribeTimeout = 100 * time.Millisecond
	tr := NewTranscriber(cfg)

	_, err := tr.Transcribe(context.Background(), "/tmp/segment.wav")
	if err != ErrTranscribeTimeout {
		t.Fatalf("expected ErrTranscribeTimeout, got %v", err)
	}
}

func TestTranscribePassesContractFlags(t *testing.T) {
	script := writeFakeScript(t, `
for arg in "$@"; do
  if [ "$arg" = "--compute-type" ]; then
    found_compute_type=1
  fi
done
if [ -n "$found_compute_type" ]; then
  echo '{"success": true, "text": "ok", "segments": []}'
else
  echo '{"success": true, "text": "missing --compute-type", "segments": []}'
fi
`)
	tr := NewTranscriber(baseCfg(script))
	res, err := tr.Transcribe(context.Background(), "/tmp/segment.wav")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "ok" {
		t.Fatalf("unexpected result: %+v", res)
	}
}
