package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/skypro1111/usrp-recorder/internal/config"
	"github.com/skypro1111/usrp-recorder/internal/events"
	"github.com/skypro1111/usrp-recorder/internal/metrics"
	"github.com/skypro1111/usrp-recorder/internal/protocol"
	"github.com/skypro1111/usrp-recorder/internal/storage"
	"github.com/skypro1111/usrp-recorder/internal/transmission"
)

// PacketConn is the datagram socket consumed by the Receiver.
// *net.UDPConn satisfies it.
type PacketConn interface {
	ReadFrom(p []byte) (n int, addr net.Addr, err error)
	Close() error
	LocalAddr() net.Addr
}

// Publisher receives lifecycle events for the live feed
type Publisher interface {
	Publish(ev events.Event)
}

const defaultDrainTimeout = 10 * time.Second

// Receiver reads USRP datagrams and drives the transmission tracker
type Receiver struct {
	conn    PacketConn
	tracker *transmission.Tracker
	sink    storage.Sink
	logger  *slog.Logger

	metrics   *metrics.Metrics
	publisher Publisher
	queue     *storage.Queue

	readBufferSize int
	queueSize      int
	drainTimeout   time.Duration

	decode func(data []byte) (*protocol.Frame, error)

	// Counters
	datagramsReceived    atomic.Uint64
	shortReads           atomic.Uint64
	decodeErrors         atomic.Uint64
	badMagic             atomic.Uint64
	framesProcessed      atomic.Uint64
	transmissionsStarted atomic.Uint64
	flushesWritten       atomic.Uint64
	flushesFailed        atomic.Uint64
	flushesSkipped       atomic.Uint64
	flushesPartial       atomic.Uint64
}

// ReceiverStatistics represents receive loop counters
type ReceiverStatistics struct {
	DatagramsReceived    uint64 `json:"datagrams_received"`
	ShortReads           uint64 `json:"short_reads"`
	DecodeErrors         uint64 `json:"decode_errors"`
	BadMagic             uint64 `json:"bad_magic"`
	FramesProcessed      uint64 `json:"frames_processed"`
	TransmissionsStarted uint64 `json:"transmissions_started"`
	FlushesWritten       uint64 `json:"flushes_written"`
	FlushesFailed        uint64 `json:"flushes_failed"`
	FlushesSkipped       uint64 `json:"flushes_skipped"`
	FlushesPartial       uint64 `json:"flushes_partial"`
	QueueSize            int    `json:"queue_size"`
}

// ReceiverOption configures a Receiver
type ReceiverOption func(*Receiver)

// WithMetrics records Prometheus metrics
func WithMetrics(m *metrics.Metrics) ReceiverOption {
	return func(r *Receiver) {
		r.metrics = m
	}
}

// WithPublisher sends lifecycle events to p
func WithPublisher(p Publisher) ReceiverOption {
	return func(r *Receiver) {
		r.publisher = p
	}
}

// WithReadBufferSize sets the per-datagram read buffer
func WithReadBufferSize(n int) ReceiverOption {
	return func(r *Receiver) {
		if n > 0 {
			r.readBufferSize = n
		}
	}
}

// WithQueueSize stores flushes on a background worker with n pending slots.
// Zero keeps stores inline in the receive loop.
func WithQueueSize(n int) ReceiverOption {
	return func(r *Receiver) {
		r.queueSize = n
	}
}

// WithDrainTimeout bounds how long Run waits for queued stores on shutdown
func WithDrainTimeout(d time.Duration) ReceiverOption {
	return func(r *Receiver) {
		if d > 0 {
			r.drainTimeout = d
		}
	}
}

// Listen binds the UDP socket at cfg.ReceiveAddress
func Listen(cfg *config.Config, logger *slog.Logger) (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp", cfg.ReceiveAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address %s: %w", cfg.ReceiveAddress, err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on UDP %s: %w", cfg.ReceiveAddress, err)
	}

	if cfg.Server.SocketBufferSize > 0 {
		if err := conn.SetReadBuffer(cfg.Server.SocketBufferSize); err != nil {
			logger.Warn("Failed to set UDP read buffer size",
				slog.Int("buffer_size", cfg.Server.SocketBufferSize),
				slog.String("error", err.Error()),
			)
		}
	}

	return conn, nil
}

// NewReceiver creates a receive loop over conn
func NewReceiver(conn PacketConn, tracker *transmission.Tracker, sink storage.Sink,
	logger *slog.Logger, opts ...ReceiverOption) *Receiver {

	r := &Receiver{
		conn:           conn,
		tracker:        tracker,
		sink:           sink,
		logger:         logger,
		readBufferSize: 1024,
		drainTimeout:   defaultDrainTimeout,
		decode:         protocol.Decode,
	}
	for _, o := range opts {
		o(r)
	}

	if r.queueSize > 0 {
		r.queue = storage.NewQueue(sink, r.queueSize, r.handleResult, logger)
	}

	return r
}

// Run reads datagrams until ctx is cancelled or the socket fails.
// Cancellation closes the socket and returns nil; any other receive error is returned.
func (r *Receiver) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		_ = r.conn.Close()
	})
	defer stop()
	defer r.drainQueue()

	r.logger.Info("USRP receiver started",
		slog.String("address", r.conn.LocalAddr().String()),
		slog.Int("read_buffer_size", r.readBufferSize),
		slog.Bool("async_storage", r.queue != nil),
	)

	buffer := make([]byte, r.readBufferSize)

	for {
		n, remoteAddr, err := r.conn.ReadFrom(buffer)
		if err != nil {
			if ctx.Err() != nil {
				r.logger.Info("USRP receiver stopped", slog.Uint64("datagrams_received", r.datagramsReceived.Load()))
				return nil
			}
			_ = r.conn.Close()
			return fmt.Errorf("failed to read UDP datagram: %w", err)
		}

		r.handleDatagram(ctx, buffer[:n], remoteAddr)
	}
}

// handleDatagram processes one received datagram
func (r *Receiver) handleDatagram(ctx context.Context, data []byte, remoteAddr net.Addr) {
	r.datagramsReceived.Add(1)
	if r.metrics != nil {
		r.metrics.RecordDatagram()
	}

	if len(data) < protocol.MagicSize {
		r.shortReads.Add(1)
		if r.metrics != nil {
			r.metrics.RecordShortRead()
		}
		r.logger.Warn("bytes read is too small",
			slog.Int("bytes", len(data)),
			slog.String("remote_addr", addrString(remoteAddr)),
		)
		return
	}

	frame, err := r.decode(data)
	if err != nil {
		r.decodeErrors.Add(1)
		if r.metrics != nil {
			r.metrics.RecordDecodeError()
		}
		r.logger.Warn("Dropping malformed datagram",
			slog.Int("bytes", len(data)),
			slog.String("remote_addr", addrString(remoteAddr)),
			slog.String("error", err.Error()),
		)
		return
	}

	if !frame.MagicOK {
		r.badMagic.Add(1)
		if r.metrics != nil {
			r.metrics.RecordBadMagic()
		}
		r.logger.Warn("not a USRP packet",
			slog.String("magic", fmt.Sprintf("%q", frame.Magic[:])),
			slog.String("remote_addr", addrString(remoteAddr)),
		)
	}

	r.framesProcessed.Add(1)
	if r.metrics != nil {
		r.metrics.RecordFrame(frame.Type.String())
	}

	flush, ev := r.tracker.Apply(frame)
	r.handleEvent(ev, frame)

	if flush != nil {
		r.store(ctx, flush)
	}
}

func (r *Receiver) handleEvent(ev transmission.Event, frame *protocol.Frame) {
	cur := r.tracker.Current()

	switch ev.Kind {
	case transmission.EventNone:
		return

	case transmission.EventStarted:
		r.transmissionsStarted.Add(1)
		if r.metrics != nil {
			r.metrics.RecordTransmissionStarted()
		}
		if ev.Err != nil {
			r.logger.Warn("Malformed identification, using sentinel callsign",
				slog.String("error", ev.Err.Error()))
		}
		r.logger.Info("Transmission started",
			slog.String("transmission_id", cur.ID),
			slog.String("callsign", cur.Callsign),
			slog.String("frame_type", frame.Type.String()),
		)
		r.publish(events.Event{
			Type:           events.TransmissionStarted,
			TransmissionID: cur.ID,
			Group:          cur.Group,
			Callsign:       cur.Callsign,
			Talkgroup:      cur.Talkgroup,
		})

	case transmission.EventEnded:
		duration := cur.Duration()
		if r.metrics != nil {
			r.metrics.RecordTransmissionEnded(duration.Seconds())
		}
		r.logger.Info("Transmission ended",
			slog.String("transmission_id", cur.ID),
			slog.String("callsign", cur.Callsign),
			slog.Duration("duration", duration),
			slog.Int("bytes", len(cur.Audio)),
		)
		r.publish(events.Event{
			Type:            events.TransmissionEnded,
			TransmissionID:  cur.ID,
			Group:           cur.Group,
			Callsign:        cur.Callsign,
			Talkgroup:       cur.Talkgroup,
			DurationSeconds: duration.Seconds(),
			Bytes:           len(cur.Audio),
		})
	}

	if r.metrics != nil {
		audioBytes := len(cur.Audio)
		if r.tracker.State().Phase == transmission.PhaseClosed {
			audioBytes = 0
		}
		r.metrics.SetCurrentAudioBytes(audioBytes)
	}
}

// store hands a completed transmission to storage. Failures never abort the loop.
func (r *Receiver) store(ctx context.Context, req *transmission.FlushRequest) {
	if r.queue != nil {
		if err := r.queue.Store(ctx, req); err != nil {
			r.handleResult(req, err)
		}
		if r.metrics != nil {
			r.metrics.SetQueueSize(r.queue.Len())
		}
		return
	}

	r.handleResult(req, r.sink.Store(ctx, req))
}

// handleResult logs and counts a store outcome. It may run on the queue worker.
func (r *Receiver) handleResult(req *transmission.FlushRequest, err error) {
	ev := events.Event{
		TransmissionID:  req.ID,
		Group:           req.Group,
		Callsign:        req.Callsign,
		Talkgroup:       req.Talkgroup,
		DurationSeconds: req.Duration().Seconds(),
		Bytes:           len(req.Audio),
	}

	var partial *storage.PartialError

	var result string
	switch {
	case errors.Is(err, storage.ErrSkipped):
		r.flushesSkipped.Add(1)
		result = metrics.FlushSkipped
		ev.Type = events.FlushSkipped
		ev.Error = err.Error()
		r.logger.Info("not writing transmission",
			slog.String("transmission_id", req.ID),
			slog.String("callsign", req.Callsign),
			slog.String("reason", err.Error()),
		)

	case errors.As(err, &partial):
		r.flushesPartial.Add(1)
		result = metrics.FlushPartial
		ev.Type = events.FlushPartial
		ev.Error = err.Error()
		r.logger.Warn("Stored transmission in some sinks only",
			slog.String("transmission_id", req.ID),
			slog.String("callsign", req.Callsign),
			slog.Int("bytes", len(req.Audio)),
			slog.Int("stored", partial.Stored),
			slog.Int("failed", partial.Failed),
			slog.String("error", err.Error()),
		)

	case err != nil:
		r.flushesFailed.Add(1)
		result = metrics.FlushFailed
		ev.Type = events.FlushFailed
		ev.Error = err.Error()
		r.logger.Error("Failed to store transmission",
			slog.String("transmission_id", req.ID),
			slog.String("callsign", req.Callsign),
			slog.Int("bytes", len(req.Audio)),
			slog.String("error", err.Error()),
		)

	default:
		r.flushesWritten.Add(1)
		result = metrics.FlushWritten
		ev.Type = events.FlushWritten
		r.logger.Info("Stored transmission",
			slog.String("transmission_id", req.ID),
			slog.String("group", req.Group),
			slog.String("callsign", req.Callsign),
			slog.Int("bytes", len(req.Audio)),
		)
	}

	if r.metrics != nil {
		r.metrics.RecordFlush(result, len(req.Audio))
	}
	r.publish(ev)
}

func (r *Receiver) publish(ev events.Event) {
	if r.publisher != nil {
		r.publisher.Publish(ev)
	}
}

// drainQueue waits for queued stores after the loop exits
func (r *Receiver) drainQueue() {
	if r.queue == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.drainTimeout)
	defer cancel()

	if err := r.queue.Close(ctx); err != nil {
		r.logger.Error("Storage queue did not drain",
			slog.Int("pending", r.queue.Len()),
			slog.String("error", err.Error()),
		)
	}
	if r.metrics != nil {
		r.metrics.SetQueueSize(r.queue.Len())
	}
}

// GetStatistics returns current receiver statistics
func (r *Receiver) GetStatistics() ReceiverStatistics {
	stats := ReceiverStatistics{
		DatagramsReceived:    r.datagramsReceived.Load(),
		ShortReads:           r.shortReads.Load(),
		DecodeErrors:         r.decodeErrors.Load(),
		BadMagic:             r.badMagic.Load(),
		FramesProcessed:      r.framesProcessed.Load(),
		TransmissionsStarted: r.transmissionsStarted.Load(),
		FlushesWritten:       r.flushesWritten.Load(),
		FlushesFailed:        r.flushesFailed.Load(),
		FlushesSkipped:       r.flushesSkipped.Load(),
		FlushesPartial:       r.flushesPartial.Load(),
	}
	if r.queue != nil {
		stats.QueueSize = r.queue.Len()
	}
	return stats
}

// Tracker returns the tracker driven by this receiver
func (r *Receiver) Tracker() *transmission.Tracker {
	return r.tracker
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}
