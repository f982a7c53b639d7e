package core

import (
	"context"
	"encoding/json"
	"errors"
)

// MediaKind is the kind of a producer or consumer track.
type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

var (
	ErrUnsupported       = errors.New("operation not supported by media engine")
	ErrProducerNotFound  = errors.New("producer not found on router")
	ErrTransportClosed   = errors.New("transport closed")
	ErrCannotConsume     = errors.New("producer cannot be consumed with given capabilities")
	ErrNoWorkerAvailable = errors.New("no media worker available")
)

// MediaEventType names an engine-emitted event.
type MediaEventType string

const (
	EventDtlsStateChange        MediaEventType = "dtlsstatechange"
	EventTransportClose         MediaEventType = "transportclose"
	EventProducerClose          MediaEventType = "producerclose"
	EventProducerPause          MediaEventType = "producerpause"
	EventProducerResume         MediaEventType = "producerresume"
	EventLayersChange           MediaEventType = "layerschange"
	EventScore                  MediaEventType = "score"
	EventVideoOrientationChange MediaEventType = "videoorientationchange"
	EventClose                  MediaEventType = "close"
)

// MediaEvent is delivered through OnEvent. Data depends on Type:
// dtlsstatechange carries a state string, score and layerschange carry
// engine-specific JSON-serializable values.
type MediaEvent struct {
	Type MediaEventType
	Data any
}

// WorkerPool allocates workers across the whole service.
type WorkerPool interface {
	GetLeastLoadedWorker(ctx context.Context) (Worker, error)
}

type Worker interface {
	ID() string
	CreateRouter(ctx context.Context, opts RouterOptions) (Router, error)
}

type RouterOptions struct {
	RoomID string
}

// Router is a capacity-bounded routing unit living on one worker.
type Router interface {
	ID() string
	WorkerID() string
	RtpCapabilities() json.RawMessage
	CanConsume(producerID string, rtpCapabilities json.RawMessage) bool
	// PipeToRouter makes producerID consumable on target. Piping an already
	// piped producer is a no-op.
	PipeToRouter(ctx context.Context, producerID string, target Router) error
	CreateWebRtcTransport(ctx context.Context, opts WebRtcTransportOptions) (Transport, error)
	CreatePlainTransport(ctx context.Context, opts PlainTransportOptions) (Transport, error)
	Close()
	Closed() bool
}

type ListenIP struct {
	IP          string `json:"ip" mapstructure:"ip"`
	AnnouncedIP string `json:"announcedIp,omitempty" mapstructure:"announced_ip"`
}

type WebRtcTransportOptions struct {
	ListenIPs []ListenIP
	EnableUDP bool
	EnableTCP bool
	PreferUDP bool
	AppData   map[string]any
}

type PlainTransportOptions struct {
	ListenIP ListenIP
	RtcpMux  bool
	Comedia  bool
	AppData  map[string]any
}

type Transport interface {
	ID() string
	// Params is what a client needs to build its side of the transport.
	Params() json.RawMessage
	// Connect applies remote parameters; engines may return a reply for the client.
	Connect(ctx context.Context, params json.RawMessage) (json.RawMessage, error)
	RestartIce(ctx context.Context) (json.RawMessage, error)
	SetMaxIncomingBitrate(bitrate int) error
	Produce(ctx context.Context, opts ProduceOptions) (Producer, error)
	Consume(ctx context.Context, opts ConsumeOptions) (Consumer, error)
	OnEvent(fn func(MediaEvent))
	Close()
	Closed() bool
}

type ProduceOptions struct {
	Kind          MediaKind
	RtpParameters json.RawMessage
	AppData       map[string]any
}

type ConsumeOptions struct {
	ProducerID      string
	RtpCapabilities json.RawMessage
	Paused          bool
	AppData         map[string]any
}

type Producer interface {
	ID() string
	Kind() MediaKind
	Type() string
	Paused() bool
	AppData() map[string]any
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	OnEvent(fn func(MediaEvent))
	Close()
	Closed() bool
}

type Consumer interface {
	ID() string
	ProducerID() string
	Kind() MediaKind
	Type() string
	RtpParameters() json.RawMessage
	Paused() bool
	ProducerPaused() bool
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	SetPriority(ctx context.Context, priority int) error
	SetPreferredLayers(ctx context.Context, spatial, temporal int) error
	RequestKeyFrame(ctx context.Context) error
	OnEvent(fn func(MediaEvent))
	Close()
	Closed() bool
}
