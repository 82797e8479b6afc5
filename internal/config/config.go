// Package config loads process configuration from the environment,
// following the teacher's env/flag convention in server/cli.go and
// server/server.go.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the full process configuration assembled from environment
// variables named in spec.md §6.
type Config struct {
	Redis    RedisConfig
	JWT      JWTConfig
	Jobs     JobsConfig
	Worker   WorkerConfig
	Lock     LockConfig
	Room     RoomConfig
	SideTap  SideTapConfig
	Messaging MessagingConfig
	Media    MediaConfig
	PublicIP string
}

// MediaConfig configures WebRTC transport creation (spec.md §4.6):
// listen IP and the bitrate settings for every WebRTC transport, upstream
// and downstream. MaxIncomingBitrate is carried through to mediasvc but
// is not applied to any transport.
type MediaConfig struct {
	ListenIP               string
	InitialOutgoingBitrate uint32
	MaxIncomingBitrate     uint32
}

// RedisConfig addresses the shared key-value store backing C2/C3.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
}

// Addr returns host:port for go-redis.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// JWTConfig carries the HMAC signing secret used to validate handshake
// tokens (spec.md §4.13 step 3).
type JWTConfig struct {
	Secret string
}

// JobsConfig addresses the external jobs service (spec.md §4.13 step 6).
type JobsConfig struct {
	BaseURL        string
	RequestTimeout time.Duration
	MaxRetries     int
}

// WorkerConfig configures the media worker pool (C1).
type WorkerConfig struct {
	Count          int
	RTCMinPort     uint16
	RTCMaxPort     uint16
	LogLevel       string
	SampleInterval time.Duration
	OverloadScore  float64
	WeightCPU      float64
	WeightRouters  float64
	WeightTransports float64
}

// LockConfig configures the distributed lock (C2).
type LockConfig struct {
	LeaseDuration     time.Duration
	ExtendThreshold   time.Duration
	MaxRetries        int
	RetryDelay        time.Duration
	RetryJitter       time.Duration
}

// RoomConfig configures room-level timers and the active-speaker engine.
type RoomConfig struct {
	ActiveSpeakerObserverInterval time.Duration
	RefreshInterval               time.Duration
	MaxActiveSpeakers             int
	PendingJoinTTL                time.Duration
}

// SideTapConfig configures the audio side-tap pipeline (C10).
type SideTapConfig struct {
	PortRangeStart   int
	PortRangeEnd     int
	SegmentDir       string
	TranscriptDir    string
	SegmentDuration  time.Duration
	TranscribeScript string
	TranscribeModel  string
	TranscribeDevice string
	TranscribeComputeType string
	TranscribeLanguage    string
	TranscribeTimeout time.Duration
}

// MessagingConfig selects the lock strategy the Open Question in
// spec.md §9 leaves unresolved at the source level; this config makes
// the choice explicit and production-selectable.
type MessagingConfig struct {
	// LockMode is "blocking" (withLock) or "nonblocking" (tryWithLock).
	LockMode string
}

// FromEnv builds a Config from the process environment, applying the
// defaults named throughout spec.md §4.
func FromEnv() (Config, error) {
	cfg := Config{
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "127.0.0.1"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: os.Getenv("REDIS_PASSWORD"),
		},
		JWT: JWTConfig{
			Secret: os.Getenv("JWT_SECRET"),
		},
		Jobs: JobsConfig{
			BaseURL:        getEnv("JOBS_SERVICE_URL", ""),
			RequestTimeout: 5 * time.Second,
			MaxRetries:     3,
		},
		Worker: WorkerConfig{
			Count:            getEnvInt("MEDIA_WORKER_COUNT", 0),
			RTCMinPort:       uint16(getEnvInt("MEDIA_RTC_MIN_PORT", 40000)),
			RTCMaxPort:       uint16(getEnvInt("MEDIA_RTC_MAX_PORT", 49999)),
			LogLevel:         getEnv("MEDIA_LOG_LEVEL", "error"),
			SampleInterval:   time.Second,
			OverloadScore:    80,
			WeightCPU:        1.0,
			WeightRouters:    2.0,
			WeightTransports: 0.5,
		},
		Lock: LockConfig{
			LeaseDuration:   10 * time.Second,
			ExtendThreshold: 500 * time.Millisecond,
			MaxRetries:      10,
			RetryDelay:      200 * time.Millisecond,
			RetryJitter:     100 * time.Millisecond,
		},
		Room: RoomConfig{
			ActiveSpeakerObserverInterval: 100 * time.Millisecond,
			RefreshInterval:               25 * time.Second,
			MaxActiveSpeakers:             10,
			PendingJoinTTL:                60 * time.Second,
		},
		SideTap: SideTapConfig{
			PortRangeStart:    60000,
			PortRangeEnd:      65000,
			SegmentDir:        getEnv("SIDETAP_SEGMENT_DIR", "temp/audio-segments"),
			TranscriptDir:     getEnv("SIDETAP_TRANSCRIPT_DIR", "temp/transcripts"),
			SegmentDuration:   30 * time.Second,
			TranscribeScript:  getEnv("TRANSCRIBE_SCRIPT", "transcribe.py"),
			TranscribeModel:   getEnv("TRANSCRIBE_MODEL", "base"),
			TranscribeDevice:  getEnv("TRANSCRIBE_DEVICE", "cpu"),
			TranscribeComputeType: getEnv("TRANSCRIBE_COMPUTE_TYPE", "int8"),
			TranscribeLanguage:    os.Getenv("TRANSCRIBE_LANGUAGE"),
			TranscribeTimeout: 60 * time.Second,
		},
		Messaging: MessagingConfig{
			LockMode: getEnv("MESSAGING_LOCK_MODE", "blocking"),
		},
		Media: MediaConfig{
			ListenIP:               getEnv("MEDIA_LISTEN_IP", "0.0.0.0"),
			InitialOutgoingBitrate: uint32(getEnvInt("MEDIA_INITIAL_OUTGOING_BITRATE", 1_000_000)),
			MaxIncomingBitrate:     uint32(getEnvInt("MEDIA_MAX_INCOMING_BITRATE", 1_500_000)),
		},
		PublicIP: getEnv("PUBLIC_IP", "127.0.0.1"),
	}
	if cfg.JWT.Secret == "" {
		return cfg, fmt.Errorf("JWT_SECRET is required")
	}
	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
