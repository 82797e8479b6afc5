package sidetap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"

	"github.com/bken/collabhub/internal/config"
)

// ErrTranscribeTimeout is returned when the transcription subprocess
// does not exit within the configured timeout (spec.md §6's 60 s cap).
var ErrTranscribeTimeout = errors.New("sidetap: transcription subprocess timed out")

// ErrTranscribeFailed is returned when the subprocess exits 0 but
// reports success=false in its JSON output.
var ErrTranscribeFailed = errors.New("sidetap: transcription subprocess reported failure")

// TranscribeSegment is one entry of TranscribeResult.Segments.
type TranscribeSegment struct {
	Start        float64 `json:"start"`
	End          float64 `json:"end"`
	Text         string  `json:"text"`
	AvgLogprob   float64 `json:"avg_logprob"`
	NoSpeechProb float64 `json:"no_speech_prob"`
}

// TranscribeResult is the JSON object the transcription subprocess
// prints to stdout, per spec.md §6's contract.
type TranscribeResult struct {
	Success             bool                `json:"success"`
	Text                string              `json:"text"`
	Language            string              `json:"language"`
	LanguageProbability float64             `json:"language_probability"`
	Duration            float64             `json:"duration"`
	Confidence          float64             `json:"confidence"`
	Segments            []TranscribeSegment `json:"segments"`
}

// Transcriber invokes the transcription worker subprocess with the
// documented flag contract and parses its JSON stdout.
type Transcriber struct {
	cfg config.SideTapConfig
}

// NewTranscriber builds a Transcriber bound to cfg.
func NewTranscriber(cfg config.SideTapConfig) *Transcriber {
	return &Transcriber{cfg: cfg}
}

// Transcribe runs "<script> <wavPath> --model <m> --device <d>
// --compute-type <t> [--language <lang>]", enforcing the configured
// timeout and requiring exit code 0 plus a parseable JSON object on
// stdout (spec.md §6).
func (t *Transcriber) Transcribe(ctx context.Context, wavPath string) (TranscribeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.TranscribeTimeout)
	defer cancel()

	args := []string{
		wavPath,
		"--model", t.cfg.TranscribeModel,
		"--device", t.cfg.TranscribeDevice,
		"--compute-type", t.cfg.TranscribeComputeType,
	}
	if t.cfg.TranscribeLanguage != "" {
		args = append(args, "--language", t.cfg.TranscribeLanguage)
	}

	cmd := exec.CommandContext(ctx, t.cfg.TranscribeScript, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return TranscribeResult{}, ErrTranscribeTimeout
	}
	if err != nil {
		return TranscribeResult{}, fmt.Errorf("sidetap: transcribe subprocess: %w: %s", err, stderr.String())
	}

	var res TranscribeResult
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		return TranscribeResult{}, fmt.Errorf("sidetap: parse transcribe output: %w", err)
	}
	if !res.Success {
		return res, ErrTranscribeFailed
	}
	return res, nil
}
