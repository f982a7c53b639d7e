// Package engine is an in-process media engine built on pion/webrtc. Each
// worker owns a webrtc.API; routers, transports, producers and consumers live
// in memory and forward RTP between PeerConnections.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/pion/ice/v4"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Options struct {
	NumWorkers int
	// UDPPort, when set, multiplexes every PeerConnection over one UDP port.
	UDPPort   int
	ListenIPs []core.ListenIP
}

var videoFeedback = []webrtc.RTCPFeedback{
	{Type: "goog-remb"},
	{Type: "ccm", Parameter: "fir"},
	{Type: "nack"},
	{Type: "nack", Parameter: "pli"},
	{Type: "transport-cc"},
}

// codecs is the fixed set every worker negotiates.
var codecs = []struct {
	kind   webrtc.RTPCodecType
	params webrtc.RTPCodecParameters
}{
	{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}},
	{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType: webrtc.MimeTypeVP8, ClockRate: 90000, RTCPFeedback: videoFeedback,
		},
		PayloadType: 96,
	}},
	{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType: webrtc.MimeTypeH264, ClockRate: 90000, RTCPFeedback: videoFeedback,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		},
		PayloadType: 102,
	}},
}

// codecFor finds a registered codec by mime type, falling back to the first
// codec of kind.
func codecFor(kind core.MediaKind, mimeType string) (webrtc.RTPCodecCapability, bool) {
	var fallback *webrtc.RTPCodecCapability
	for i := range codecs {
		c := &codecs[i]
		if c.kind.String() != string(kind) {
			continue
		}
		if mimeType != "" && strings.EqualFold(c.params.MimeType, mimeType) {
			return c.params.RTPCodecCapability, true
		}
		if fallback == nil {
			fallback = &c.params.RTPCodecCapability
		}
	}
	if fallback == nil {
		return webrtc.RTPCodecCapability{}, false
	}
	return *fallback, true
}

func newAPI(settings webrtc.SettingEngine) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	for _, c := range codecs {
		if err := m.RegisterCodec(c.params, c.kind); err != nil {
			return nil, fmt.Errorf("register %s: %w", c.params.MimeType, err)
		}
	}
	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
		webrtc.WithSettingEngine(settings),
	), nil
}

// Engine is the worker pool. Workers share one setting engine and, when
// configured, one UDP mux.
type Engine struct {
	workers []*Worker
	mux     *ice.MultiUDPMuxDefault
	log     zerolog.Logger
}

var _ core.WorkerPool = (*Engine)(nil)

func New(opts Options) (*Engine, error) {
	if opts.NumWorkers <= 0 {
		return nil, errors.New("engine needs at least one worker")
	}
	logger := log.With().Str("module", "engine").Logger()

	settings := webrtc.SettingEngine{}
	settings.LoggerFactory = LoggerFactory{Log: logger}

	var announced []string
	for _, ip := range opts.ListenIPs {
		if ip.AnnouncedIP != "" {
			announced = append(announced, ip.AnnouncedIP)
		}
	}
	if len(announced) > 0 {
		settings.SetNAT1To1IPs(announced, webrtc.ICECandidateTypeHost)
	}

	e := &Engine{log: logger}
	if opts.UDPPort > 0 {
		mux, err := ice.NewMultiUDPMuxFromPort(opts.UDPPort)
		if err != nil {
			return nil, fmt.Errorf("listen udp %d: %w", opts.UDPPort, err)
		}
		settings.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4, webrtc.NetworkTypeUDP6})
		settings.SetICEUDPMux(mux)
		e.mux = mux
	}

	for n := 1; n <= opts.NumWorkers; n++ {
		api, err := newAPI(settings)
		if err != nil {
			e.Close()
			return nil, err
		}
		e.workers = append(e.workers, &Worker{
			id:      fmt.Sprintf("worker-%d", n),
			api:     api,
			routers: make(map[string]*Router),
		})
	}
	logger.Info().Int("workers", opts.NumWorkers).Int("udp_port", opts.UDPPort).Msg("media engine started")
	return e, nil
}

// GetLeastLoadedWorker picks the worker hosting the fewest routers.
func (e *Engine) GetLeastLoadedWorker(ctx context.Context) (core.Worker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var best *Worker
	bestLoad := 0
	for _, w := range e.workers {
		load := w.load()
		if best == nil || load < bestLoad {
			best, bestLoad = w, load
		}
	}
	if best == nil {
		return nil, core.ErrNoWorkerAvailable
	}
	return best, nil
}

// Close tears down every router and releases the UDP mux.
func (e *Engine) Close() {
	for _, w := range e.workers {
		w.close()
	}
	if e.mux != nil {
		if err := e.mux.Close(); err != nil {
			e.log.Warn().Err(err).Msg("close udp mux")
		}
	}
}

type Worker struct {
	id  string
	api *webrtc.API

	mu      sync.Mutex
	routers map[string]*Router
}

func (w *Worker) ID() string { return w.id }

func (w *Worker) CreateRouter(ctx context.Context, opts core.RouterOptions) (core.Router, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r := newRouter(w, opts.RoomID)
	w.mu.Lock()
	w.routers[r.id] = r
	w.mu.Unlock()
	return r, nil
}

func (w *Worker) load() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.routers)
}

func (w *Worker) removeRouter(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.routers, id)
}

func (w *Worker) close() {
	w.mu.Lock()
	routers := make([]*Router, 0, len(w.routers))
	for _, r := range w.routers {
		routers = append(routers, r)
	}
	w.mu.Unlock()
	for _, r := range routers {
		r.Close()
	}
}
