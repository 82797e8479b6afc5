package sidetap

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/itzmanish/mediasoup-go"

	"github.com/bken/collabhub/internal/config"
	"github.com/bken/collabhub/internal/protocol"
	"github.com/bken/collabhub/internal/transport"
)

var segmentIndexRE = regexp.MustCompile(`_segment_(\d+)\.(?:pcm|wav)$`)

// TranscriptSegmentRecord is one completed, transcribed segment within a
// session's spool file (spec.md §6).
type TranscriptSegmentRecord struct {
	Index      int       `json:"index"`
	Text       string    `json:"text"`
	Language   string    `json:"language"`
	Confidence float64   `json:"confidence"`
	StartedAt  time.Time `json:"startedAt"`
	EndedAt    time.Time `json:"endedAt"`
}

// TranscriptFile is the on-disk JSON spool for one audio session
// (spec.md §6: temp/transcripts/{roomId}/{pid}_{ISO-ts}.json).
type TranscriptFile struct {
	RoomID           string                    `json:"roomId"`
	ParticipantID    string                    `json:"participantId"`
	SessionStartTime time.Time                 `json:"sessionStartTime"`
	SessionEndTime   time.Time                 `json:"sessionEndTime"`
	TotalSegments    int                       `json:"totalSegments"`
	Segments         []TranscriptSegmentRecord `json:"segments"`
}

// session is one active AudioSession (spec.md §3): the port pair, the
// plain transport/consumer pair, the segmenter subprocess, and the
// bookkeeping that keeps lastProcessedSegment monotonic.
type session struct {
	mu sync.Mutex

	roomID        string
	participantID string
	producerID    string

	transport *mediasoup.PlainTransport
	consumer  *mediasoup.Consumer
	rtpPort   int
	rtcpPort  int

	dir         string
	sdpPath     string
	segListPath string
	prefix      string
	cmd         *exec.Cmd

	lastProcessedSegment int
	inFlight             map[int]bool

	transcriptPath string
	transcript     TranscriptFile
}

// Pipeline runs the audio side-tap for every audio producer across
// every room: port allocation, plain-transport/consumer provisioning,
// segmenter lifecycle, and the single filesystem watcher that drives
// transcription (spec.md §4.10, C10).
type Pipeline struct {
	cfg        config.SideTapConfig
	bx         transport.Broadcaster
	transcribe *Transcriber
	ports      *PortPool

	watcher *fsnotify.Watcher

	mu           sync.Mutex
	sessions     map[string]*session // keyed by producerID
	listToPID    map[string]string   // absolute segListPath -> producerID
	watchedDirs  map[string]int      // dir -> refcount

	stopOnce sync.Once
	done     chan struct{}
}

// NewPipeline builds a Pipeline and starts its filesystem watcher
// goroutine.
func NewPipeline(cfg config.SideTapConfig, bx transport.Broadcaster) (*Pipeline, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("sidetap: new watcher: %w", err)
	}
	p := &Pipeline{
		cfg:         cfg,
		bx:          bx,
		transcribe:  NewTranscriber(cfg),
		ports:       NewPortPool(cfg.PortRangeStart, cfg.PortRangeEnd),
		watcher:     w,
		sessions:    make(map[string]*session),
		listToPID:   make(map[string]string),
		watchedDirs: make(map[string]int),
		done:        make(chan struct{}),
	}
	go p.watchLoop()
	return p, nil
}

func (p *Pipeline) watchLoop() {
	for {
		select {
		case ev, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			p.onListChanged(ev.Name)
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("sidetap: watcher error", "err", err)
		case <-p.done:
			return
		}
	}
}

// Start provisions an audio session for producer on r's router, per
// spec.md §4.10 steps 1-6. router and producer are passed explicitly
// (the RTP capabilities come from router.RtpCapabilities()) so this package never imports internal/room and
// stays a leaf in the dependency graph (spec.md §9).
func (p *Pipeline) Start(
	ctx context.Context,
	router *mediasoup.Router,
	roomID, participantID string,
	producer *mediasoup.Producer,
) error {
	dir := filepath.Join(p.cfg.SegmentDir, roomID)
	transcriptDir := filepath.Join(p.cfg.TranscriptDir, roomID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("sidetap: ensure segment dir: %w", err)
	}
	if err := os.MkdirAll(transcriptDir, 0o755); err != nil {
		return fmt.Errorf("sidetap: ensure transcript dir: %w", err)
	}

	rtp, rtcp, err := p.ports.Allocate()
	if err != nil {
		return err
	}

	pt, err := router.CreatePlainTransport(mediasoup.PlainTransportOptions{
		ListenIp: mediasoup.TransportListenIp{Ip: "127.0.0.1"},
		RtcpMux:  false,
		Comedia:  false,
	})
	if err != nil {
		p.ports.Release(rtp)
		return fmt.Errorf("sidetap: create plain transport: %w", err)
	}
	if err := pt.Connect(mediasoup.PlainTransportConnectOptions{
		Ip:       "127.0.0.1",
		Port:     rtp,
		RtcpPort: rtcp,
	}); err != nil {
		pt.Close()
		p.ports.Release(rtp)
		return fmt.Errorf("sidetap: connect plain transport: %w", err)
	}

	consumer, err := pt.Consume(mediasoup.ConsumerOptions{
		ProducerId:      producer.Id(),
		RtpCapabilities: router.RtpCapabilities(),
		Paused:          false,
	})
	if err != nil {
		pt.Close()
		p.ports.Release(rtp)
		return fmt.Errorf("sidetap: create plain consumer: %w", err)
	}

	prefix := fmt.Sprintf("%s_%s", participantID, producer.Id())
	sdpPath := filepath.Join(dir, prefix+".sdp")
	segListPath := filepath.Join(dir, prefix+"_segments.txt")

	if err := writeSDPFile(sdpPath, rtp); err != nil {
		consumer.Close()
		pt.Close()
		p.ports.Release(rtp)
		return err
	}

	s := &session{
		roomID:        roomID,
		participantID: participantID,
		producerID:    producer.Id(),
		transport:     pt,
		consumer:      consumer,
		rtpPort:       rtp,
		rtcpPort:      rtcp,
		dir:           dir,
		sdpPath:       sdpPath,
		segListPath:   segListPath,
		prefix:        prefix,
		inFlight:      make(map[int]bool),
		transcriptPath: filepath.Join(
			transcriptDir,
			fmt.Sprintf("%s_%s.json", producer.Id(), time.Now().UTC().Format("20060102T150405Z")),
		),
		transcript: TranscriptFile{
			RoomID:           roomID,
			ParticipantID:    participantID,
			SessionStartTime: time.Now().UTC(),
		},
	}

	cmd, err := spawnSegmenter(sdpPath, dir, prefix, segListPath, p.cfg.SegmentDuration)
	if err != nil {
		consumer.Close()
		pt.Close()
		p.ports.Release(rtp)
		return fmt.Errorf("sidetap: spawn segmenter: %w", err)
	}
	s.cmd = cmd

	p.mu.Lock()
	p.sessions[producer.Id()] = s
	p.listToPID[segListPath] = producer.Id()
	p.addWatchLocked(dir)
	p.mu.Unlock()

	slog.Info("sidetap: session started", "room", roomID, "participant", participantID, "producer", producer.Id(), "rtp_port", rtp)
	return nil
}

// Stop tears an audio session down: kills the segmenter, closes the
// plain transport, deletes its SDP and segment-list files, and returns
// both ports to the pool (spec.md §4.10's stop step).
func (p *Pipeline) Stop(producerID string) {
	p.mu.Lock()
	s, ok := p.sessions[producerID]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.sessions, producerID)
	delete(p.listToPID, s.segListPath)
	p.removeWatchLocked(s.dir)
	p.mu.Unlock()

	s.mu.Lock()
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	if !s.consumer.Closed() {
		s.consumer.Close()
	}
	if !s.transport.Closed() {
		s.transport.Close()
	}
	s.transcript.SessionEndTime = time.Now().UTC()
	s.transcript.TotalSegments = len(s.transcript.Segments)
	_ = writeTranscriptFile(s.transcriptPath, s.transcript)
	s.mu.Unlock()

	_ = os.Remove(s.sdpPath)
	_ = os.Remove(s.segListPath)
	p.ports.Release(s.rtpPort)

	slog.Info("sidetap: session stopped", "room", s.roomID, "producer", producerID)
}

// Close stops the watcher goroutine. Active sessions are left to their
// owning Stop calls; Close does not tear them down itself.
func (p *Pipeline) Close() {
	p.stopOnce.Do(func() {
		close(p.done)
		_ = p.watcher.Close()
	})
}

func (p *Pipeline) addWatchLocked(dir string) {
	if p.watchedDirs[dir] == 0 {
		if err := p.watcher.Add(dir); err != nil {
			slog.Warn("sidetap: watch add failed", "dir", dir, "err", err)
		}
	}
	p.watchedDirs[dir]++
}

func (p *Pipeline) removeWatchLocked(dir string) {
	p.watchedDirs[dir]--
	if p.watchedDirs[dir] <= 0 {
		delete(p.watchedDirs, dir)
		_ = p.watcher.Remove(dir)
	}
}

// onListChanged handles a write to any tracked segment-list file: parse
// the new lines, and for each segment index greater than
// lastProcessedSegment and not already in flight, dispatch it for
// transcription (spec.md §4.10 step 7).
func (p *Pipeline) onListChanged(path string) {
	p.mu.Lock()
	pid, ok := p.listToPID[path]
	var s *session
	if ok {
		s = p.sessions[pid]
	}
	p.mu.Unlock()
	if s == nil {
		return
	}

	names, err := readSegmentList(path)
	if err != nil {
		slog.Warn("sidetap: read segment list failed", "path", path, "err", err)
		return
	}

	for _, name := range names {
		idx, ok := parseSegmentIndex(name)
		if !ok {
			continue
		}
		s.mu.Lock()
		already := idx <= s.lastProcessedSegment || s.inFlight[idx]
		if !already {
			s.inFlight[idx] = true
		}
		s.mu.Unlock()
		if already {
			continue
		}
		go p.processSegment(s, filepath.Join(s.dir, name), idx)
	}
}

func (p *Pipeline) processSegment(s *session, path string, idx int) {
	defer func() {
		s.mu.Lock()
		delete(s.inFlight, idx)
		s.mu.Unlock()
	}()

	wavPath := path
	if strings.HasSuffix(path, ".pcm") {
		var err error
		wavPath, err = wrapPCMAsWAV(path, 16000)
		if err != nil {
			slog.Warn("sidetap: wrap pcm segment failed", "path", path, "err", err)
			return
		}
	}

	start := time.Now().UTC()
	res, err := p.transcribe.Transcribe(context.Background(), wavPath)
	if err != nil {
		slog.Warn("sidetap: transcription failed, dropping segment", "path", wavPath, "idx", idx, "err", err)
		return
	}
	end := time.Now().UTC()

	s.mu.Lock()
	s.transcript.Segments = append(s.transcript.Segments, TranscriptSegmentRecord{
		Index:      idx,
		Text:       res.Text,
		Language:   res.Language,
		Confidence: res.Confidence,
		StartedAt:  start,
		EndedAt:    end,
	})
	s.transcript.TotalSegments = len(s.transcript.Segments)
	if idx > s.lastProcessedSegment {
		s.lastProcessedSegment = idx
	}
	roomID, participantID := s.roomID, s.participantID
	_ = writeTranscriptFile(s.transcriptPath, s.transcript)
	s.mu.Unlock()

	p.bx.BroadcastRoom(roomID, protocol.EvTranscription, protocol.TranscriptionEvent{
		RoomID:        roomID,
		ParticipantID: participantID,
		SegmentIndex:  idx,
		Text:          res.Text,
		Language:      res.Language,
		Confidence:    res.Confidence,
		StartedAt:     start.Unix(),
		EndedAt:       end.Unix(),
	})
}

func readSegmentList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var names []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			names = append(names, line)
		}
	}
	return names, scanner.Err()
}

func parseSegmentIndex(name string) (int, bool) {
	m := segmentIndexRE.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

func writeTranscriptFile(path string, t TranscriptFile) error {
	b, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// writeSDPFile describes the tapped stream for the segmenter: Opus
// 48000/2 on payload type 100, at the allocated RTP port (spec.md
// §4.10 step 5).
func writeSDPFile(path string, rtpPort int) error {
	sdp := fmt.Sprintf(
		"v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=collabhub sidetap\r\nc=IN IP4 127.0.0.1\r\nt=0 0\r\nm=audio %d RTP/AVP 100\r\na=rtpmap:100 opus/48000/2\r\n",
		rtpPort,
	)
	return os.WriteFile(path, []byte(sdp), 0o644)
}

// spawnSegmenter starts ffmpeg reading the SDP file and writing raw
// 16 kHz mono PCM segments of segDur, plus a flat segment-list file
// appended as each segment closes (spec.md §4.10 step 6). ffmpeg emits
// raw PCM rather than WAV here; wrapPCMAsWAV attaches the header this
// package owns before a segment is handed to the transcriber.
func spawnSegmenter(sdpPath, dir, prefix, segListPath string, segDur time.Duration) (*exec.Cmd, error) {
	pattern := filepath.Join(dir, prefix+"_segment_%03d.pcm")
	args := []string{
		"-nostdin", "-loglevel", "warning",
		"-protocol_whitelist", "file,udp,rtp",
		"-i", sdpPath,
		"-ar", "16000", "-ac", "1", "-f", "s16le",
		"-segment_time", fmt.Sprintf("%d", int(segDur.Seconds())),
		"-segment_list", segListPath,
		"-segment_list_type", "flat",
		"-reset_timestamps", "1",
		"-f", "segment",
		pattern,
	}
	cmd := exec.Command("ffmpeg", args...)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	go func() { _ = cmd.Wait() }()
	return cmd, nil
}

// wrapPCMAsWAV reads a raw s16le mono PCM file and writes a sibling
// .wav file with a WriteWAVHeader header, then removes the .pcm.
func wrapPCMAsWAV(pcmPath string, sampleRate int) (string, error) {
	raw, err := os.ReadFile(pcmPath)
	if err != nil {
		return "", err
	}
	wavPath := strings.TrimSuffix(pcmPath, ".pcm") + ".wav"
	f, err := os.Create(wavPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	numSamples := len(raw) / 2
	if err := WriteWAVHeader(f, sampleRate, numSamples); err != nil {
		return "", err
	}
	if _, err := f.Write(raw); err != nil {
		return "", err
	}
	_ = os.Remove(pcmPath)
	return wavPath, nil
}
