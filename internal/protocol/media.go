package protocol

// Media event names (anonymous namespace, spec.md §6).
const (
	EvJoinRoom         = "joinRoom"
	EvLeaveRoom        = "leaveRoom"
	EvRequestTransport = "requestTransport"
	EvConnectTransport = "connectTransport"
	EvStartProducing   = "startProducing"
	EvConsumeMedia     = "consumeMedia"
	EvUnpauseConsumer  = "unpauseConsumer"
	EvAudioChange      = "audioChange"
	EvCloseProducers   = "closeProducers"

	EvNewParticipant       = "newParticipant"
	EvParticipantLeft      = "participantLeft"
	EvNewProducer          = "newProducer"
	EvNewProducersToConsume = "newProducersToConsume"
	EvProducerClosed       = "producerClosed"
	EvUpdateActiveSpeakers = "updateActiveSpeakers"
	EvTranscription        = "transcription"
)

// StreamKind enumerates the semantic category of a produced/consumed
// track (spec.md §3).
type StreamKind string

const (
	KindAudio       StreamKind = "audio"
	KindVideo       StreamKind = "video"
	KindScreen      StreamKind = "screen"
	KindScreenAudio StreamKind = "screenAudio"
	KindScreenVideo StreamKind = "screenVideo"
	KindAR          StreamKind = "ar"
	KindDrawing     StreamKind = "drawing"
	KindDetection   StreamKind = "detection"
)

// MediaKind is the underlying media-plane kind a StreamKind maps to.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// IsAudioLike reports whether k maps to the audio media plane.
func (k StreamKind) IsAudioLike() bool {
	return k == KindAudio || k == KindScreenAudio
}

// MediaKindOf maps a StreamKind to its underlying media kind.
func (k StreamKind) MediaKindOf() MediaKind {
	if k.IsAudioLike() {
		return MediaAudio
	}
	return MediaVideo
}

// JoinRoomRequest is the joinRoom inbound payload.
type JoinRoomRequest struct {
	RoomID   string `json:"roomId"`
	UserName string `json:"userName"`
	Password string `json:"password,omitempty"`
}

// TransportRole distinguishes an upstream (producer) transport from a
// downstream (consumer) transport.
type TransportRole string

const (
	RoleProducer TransportRole = "producer"
	RoleConsumer TransportRole = "consumer"
)

// TransportRequest is the requestTransport inbound payload.
type TransportRequest struct {
	Role               TransportRole `json:"role"`
	StreamKind         StreamKind    `json:"streamKind,omitempty"`
	AssociatedProducer string        `json:"associatedProducerId,omitempty"`
	AudioPID           string        `json:"audioPid,omitempty"`
	VideoPID           string        `json:"videoPid,omitempty"`
}

// TransportParams mirrors what a mediasoup-go transport exposes to a
// client for ICE/DTLS negotiation.
type TransportParams struct {
	ID             string `json:"id"`
	IceParameters  any    `json:"iceParameters"`
	IceCandidates  any    `json:"iceCandidates"`
	DtlsParameters any    `json:"dtlsParameters"`
}

// ConnectTransportRequest is the connectTransport inbound payload.
type ConnectTransportRequest struct {
	AudioPID       string `json:"audioPid,omitempty"`
	DtlsParameters any    `json:"dtlsParameters"`
}

// StartProducingRequest is the startProducing inbound payload.
type StartProducingRequest struct {
	StreamKind    StreamKind `json:"streamKind"`
	RtpParameters any        `json:"rtpParameters"`
}

// ConsumeMediaRequest is the consumeMedia inbound payload.
type ConsumeMediaRequest struct {
	RtpCapabilities any    `json:"rtpCapabilities"`
	PID             string `json:"pid"`
	RequestedKind   StreamKind `json:"requestedKind,omitempty"`
}

// ConsumeMediaResponse is the consumeMedia success payload.
type ConsumeMediaResponse struct {
	ID            string     `json:"id"`
	ProducerID    string     `json:"producerId"`
	Kind          MediaKind  `json:"kind"`
	RtpParameters any        `json:"rtpParameters"`
}

// UnpauseConsumerRequest is the unpauseConsumer inbound payload.
type UnpauseConsumerRequest struct {
	PID string `json:"pid"`
}

// AudioChangeOp is mute|unmute.
type AudioChangeOp string

const (
	AudioMute   AudioChangeOp = "mute"
	AudioUnmute AudioChangeOp = "unmute"
)

// AudioChangeRequest is the audioChange inbound payload.
type AudioChangeRequest struct {
	Op AudioChangeOp `json:"op"`
}

// CloseProducersRequest is the closeProducers inbound payload.
type CloseProducersRequest struct {
	ProducerIDs []string `json:"producerIds"`
}

// AssociatedUser is one entry of NewProducersToConsume.associatedUsers.
type AssociatedUser struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// NewProducersToConsume is the bit-equivalent payload required by
// spec.md §6; slice lengths of AudioPidsToCreate, VideoPidsToCreate and
// AssociatedUsers must always match.
type NewProducersToConsume struct {
	RouterRtpCapabilities any               `json:"routerRtpCapabilities"`
	AudioPidsToCreate     []string          `json:"audioPidsToCreate"`
	VideoPidsToCreate     []*string         `json:"videoPidsToCreate"`
	AssociatedUsers       []AssociatedUser  `json:"associatedUsers"`
	ActiveSpeakerList     []string          `json:"activeSpeakerList"`
}

// NewParticipantEvent is broadcast when a peer joins a room.
type NewParticipantEvent struct {
	ParticipantID string `json:"participantId"`
	DisplayName   string `json:"displayName"`
}

// ParticipantLeftEvent is broadcast when a peer leaves a room.
type ParticipantLeftEvent struct {
	ParticipantID string `json:"participantId"`
}

// NewProducerEvent is broadcast when a peer starts producing.
type NewProducerEvent struct {
	ParticipantID string     `json:"participantId"`
	DisplayName   string     `json:"displayName"`
	Kind          StreamKind `json:"kind"`
	ProducerID    string     `json:"producerId"`
}

// ProducerClosedEvent is broadcast when a producer is closed.
type ProducerClosedEvent struct {
	ProducerID string     `json:"producerId"`
	Kind       StreamKind `json:"kind,omitempty"`
	UserID     string     `json:"userId,omitempty"`
}

// UpdateActiveSpeakersEvent is broadcast after every active-speaker
// reconciliation.
type UpdateActiveSpeakersEvent struct {
	ActiveSpeakerList []string `json:"activeSpeakerList"`
}

// TranscriptionEvent is broadcast when the side-tap pipeline produces a
// transcribed segment.
type TranscriptionEvent struct {
	RoomID        string  `json:"roomId"`
	ParticipantID string  `json:"participantId"`
	SegmentIndex  int     `json:"segmentIndex"`
	Text          string  `json:"text"`
	Language      string  `json:"language"`
	Confidence    float64 `json:"confidence"`
	StartedAt     int64   `json:"startedAt"`
	EndedAt       int64   `json:"endedAt"`
}
