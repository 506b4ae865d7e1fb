package lasp

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
)

// TransportConfig configures the QUIC data plane carrying operations and
// alias protocol messages between mesh members.
type TransportConfig struct {
	// TlsConfig should be configured to ensure mTLS is enabled between
	// the peers; it is the only way to secure a mesh at this time.
	TlsConfig *tls.Config

	// BindAddr and BindPort are where the data plane listens.
	BindAddr string
	BindPort int

	// DialTimeout bounds the sending of an asynchronous message (dial and
	// stream establishment); synchronous requests use the caller's context.
	DialTimeout time.Duration

	// MetricLabels to add to every metric emitted by the transport.
	MetricLabels []metrics.Label

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler
}

// requestHandler serves one synchronous operation and returns the reply
// frame. It may block for as long as the operation suspends; each inbound
// stream is served on its own goroutine and the context dies with the
// stream, so a caller hanging up unparks whatever the operation waits on.
type requestHandler func(ctx context.Context, fr *frame) *frame

// messageHandler consumes one asynchronous message. Best-effort: there is
// no reply and no retry.
type messageHandler func(fr *frame)

// transport is the QUIC layer: one bidi stream per synchronous operation,
// one uni stream per asynchronous message, connections cached per peer.
type transport struct {
	cfg    *TransportConfig
	logger *slog.Logger
	msink  metrics.MetricSink

	onRequest requestHandler
	onMessage messageHandler

	// graceful termination asked, do not spam connection errors in logs
	gracefulTerm atomic.Bool

	hostsCxs  map[string][]hostCx
	hostsLock sync.RWMutex

	tr    *quic.Transport
	ln    *quic.Listener
	udpLn *net.UDPConn
}

type hostCx struct {
	quic.Connection
}

func newTransport(cfg *TransportConfig, onRequest requestHandler, onMessage messageHandler) (t *transport, err error) {
	if cfg.TlsConfig == nil {
		return nil, ErrNoTLSConfig
	}

	t = &transport{
		cfg:       cfg,
		onRequest: onRequest,
		onMessage: onMessage,
		hostsCxs:  make(map[string][]hostCx),
	}

	if cfg.LogHandler == nil {
		t.logger = slog.Default()
	} else {
		t.logger = slog.New(cfg.LogHandler)
	}

	if cfg.MetricSink == nil {
		t.msink = metrics.Default()
	} else {
		t.msink = cfg.MetricSink
	}

	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 30 * time.Second
	}

	defer func() {
		if err != nil {
			t.Shutdown()
		}
	}()

	addr := net.ParseIP(cfg.BindAddr)
	if addr == nil {
		addr = net.IPv4zero
	}

	udpLn, err := net.ListenUDP("udp", &net.UDPAddr{IP: addr, Port: cfg.BindPort})
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate UDP listener: %w", err)
	}
	t.udpLn = udpLn

	t.tr = &quic.Transport{
		Conn: udpLn,
	}

	ln, err := t.tr.Listen(cfg.TlsConfig, &quic.Config{
		Versions:              []quic.Version{quic.Version2, quic.Version1},
		MaxIncomingStreams:    10000,
		MaxIncomingUniStreams: 10000,
		MaxIdleTimeout:        1 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate QUIC listener: %w", err)
	}
	t.ln = ln

	go t.acceptCx()
	return t, nil
}

// localAddr is the advertised data plane address.
func (t *transport) localAddr() string {
	if t.udpLn == nil {
		return ""
	}
	return t.udpLn.LocalAddr().String()
}

// request opens a stream to the peer, sends one frame and waits for the
// reply. The stream lives as long as the operation suspends on the remote
// owner.
func (t *transport) request(ctx context.Context, addr string, fr *frame) (*frame, error) {
	hcx, err := t.getActiveCx(ctx, addr)
	if err != nil {
		t.msink.IncrCounterWithLabels(
			MetricLaspStreamOutErrorCount,
			1.0,
			append(t.cfg.MetricLabels, LabelError.M("no_conn_to_host")),
		)
		return nil, err
	}

	stream, err := hcx.OpenStreamSync(ctx)
	if err != nil {
		t.msink.IncrCounterWithLabels(
			MetricLaspStreamOutErrorCount,
			1.0,
			append(t.cfg.MetricLabels, LabelError.M("cannot_open_stream")),
		)
		return nil, err
	}
	defer stream.Close()

	if err := writeFrame(stream, fr); err != nil {
		return nil, err
	}
	t.msink.IncrCounterWithLabels(
		MetricLaspStreamOutCount, 1.0, t.cfg.MetricLabels)

	if dl, hasDl := ctx.Deadline(); hasDl {
		stream.SetReadDeadline(dl)
	}
	return readFrame(bufio.NewReader(stream))
}

// send fires one asynchronous message on a uni stream. Delivery is
// best-effort: a lost message is not detected here.
func (t *transport) send(ctx context.Context, addr string, fr *frame) error {
	hcx, err := t.getActiveCx(ctx, addr)
	if err != nil {
		return err
	}

	stream, err := hcx.OpenUniStreamSync(ctx)
	if err != nil {
		t.msink.IncrCounterWithLabels(
			MetricLaspStreamOutErrorCount,
			1.0,
			append(t.cfg.MetricLabels, LabelError.M("cannot_open_uni_stream")),
		)
		return err
	}

	if err := writeFrame(stream, fr); err != nil {
		stream.CancelWrite(QErrStreamProtocolViolation)
		return err
	}
	t.msink.IncrCounterWithLabels(
		MetricLaspStreamOutCount, 1.0, t.cfg.MetricLabels)
	return stream.Close()
}

func (t *transport) Shutdown() error {
	if !t.gracefulTerm.CompareAndSwap(false, true) {
		return nil
	}

	t.hostsLock.Lock()
	for _, cxs := range t.hostsCxs {
		for _, cx := range cxs {
			QErrShutdownConn.Close(cx.Connection, "we are shutting down! bye!")
		}
	}
	t.hostsLock.Unlock()

	if t.tr != nil {
		t.tr.Close()
	}

	if t.udpLn != nil {
		t.udpLn.Close()
	}
	return nil
}

func (t *transport) acceptCx() {
	for {
		conn, err := t.ln.Accept(context.TODO())
		if err != nil {
			if !t.gracefulTerm.Load() {
				t.logger.Warn("unexpected QUIC listener closure", LabelError.L(err))
			}
			return
		}

		t.handleConn(conn)
	}
}

func (t *transport) handleConn(conn quic.Connection) hostCx {
	peer := conn.RemoteAddr().String()
	mLabels := append(t.cfg.MetricLabels, LabelPeerAddr.M(peer))

	hcx := hostCx{Connection: conn}
	t.hostsLock.Lock()
	cxs, _ := t.garbageCollectCxs(peer)
	t.hostsCxs[peer] = append(cxs, hcx)
	t.hostsLock.Unlock()

	t.msink.IncrCounterWithLabels(MetricLaspConnEstCount, 1.0, mLabels)

	go t.handleStreams(hcx)
	go t.handleUniStreams(hcx)
	return hcx
}

func (t *transport) handleStreams(hcx hostCx) {
	ctx := hcx.Context()
	logger := t.logger.With(LabelPeerAddr.L(hcx.RemoteAddr()))
	mLabels := append(t.cfg.MetricLabels, LabelPeerAddr.M(hcx.RemoteAddr().String()))

	for {
		stream, err := hcx.AcceptStream(ctx)
		if t.gracefulTerm.Load() {
			logger.Debug("stream listener gracefully shutting down")
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.msink.IncrCounterWithLabels(
				MetricLaspStreamInErrorCount,
				1.0,
				append(mLabels, LabelError.M("unknown")),
			)
			logger.Warn("error accepting stream", LabelError.L(err))
			continue
		}

		t.msink.IncrCounterWithLabels(MetricLaspStreamInCount, 1.0, mLabels)
		go t.serveStream(stream, logger, mLabels)
	}
}

// serveStream handles one synchronous operation: the handler may suspend
// for a long time, so each stream gets its own goroutine and the caller's
// stream stays open until the reply is ready.
func (t *transport) serveStream(stream quic.Stream, logger *slog.Logger, mLabels []metrics.Label) {
	defer stream.Close()

	fr, err := readFrame(bufio.NewReader(stream))
	if err != nil {
		logger.Warn("protocol violation: malformed frame", LabelError.L(err))
		stream.CancelRead(QErrStreamProtocolViolation)
		stream.CancelWrite(QErrStreamProtocolViolation)
		t.msink.IncrCounterWithLabels(
			MetricLaspStreamInErrorCount,
			1.0,
			append(mLabels, LabelError.M("protocol_violation")),
		)
		return
	}

	reply := t.onRequest(stream.Context(), fr)
	if err := writeFrame(stream, reply); err != nil {
		logger.Warn("failed to write reply", LabelError.L(err))
	}
}

func (t *transport) handleUniStreams(hcx hostCx) {
	ctx := hcx.Context()
	logger := t.logger.With(LabelPeerAddr.L(hcx.RemoteAddr()))
	mLabels := append(t.cfg.MetricLabels, LabelPeerAddr.M(hcx.RemoteAddr().String()))

	for {
		stream, err := hcx.AcceptUniStream(ctx)
		if t.gracefulTerm.Load() {
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("error accepting uni stream", LabelError.L(err))
			continue
		}

		go func() {
			fr, err := readFrame(bufio.NewReader(stream))
			if err != nil {
				logger.Warn("protocol violation: malformed message", LabelError.L(err))
				stream.CancelRead(QErrStreamProtocolViolation)
				t.msink.IncrCounterWithLabels(
					MetricLaspStreamInErrorCount,
					1.0,
					append(mLabels, LabelError.M("protocol_violation")),
				)
				return
			}
			t.onMessage(fr)
		}()
	}
}

func (t *transport) getActiveCx(ctx context.Context, addr string) (hostCx, error) {
	t.hostsLock.RLock()
	cx, hasCx := t.firstActiveCx(addr)
	t.hostsLock.RUnlock()
	if hasCx {
		return cx, nil
	}
	return t.dial(ctx, addr)
}

func (t *transport) dial(ctx context.Context, target string) (hostCx, error) {
	addr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return hostCx{}, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}

	cx, err := t.tr.Dial(ctx, addr, t.cfg.TlsConfig, &quic.Config{
		Versions:              []quic.Version{quic.Version2, quic.Version1},
		MaxIncomingStreams:    10000,
		MaxIncomingUniStreams: 10000,
		MaxIdleTimeout:        1 * time.Minute,
	})
	if t.gracefulTerm.Load() {
		return hostCx{}, ErrShutdown
	}
	if err != nil {
		t.msink.IncrCounterWithLabels(
			MetricLaspConnErrorCount,
			1.0,
			append(t.cfg.MetricLabels, LabelPeerAddr.M(target)),
		)
		return hostCx{}, err
	}

	return t.handleConn(cx), nil
}

// not thread safe!
// must be called by an holder of Write lock
func (t *transport) garbageCollectCxs(addr string) ([]hostCx, bool) {
	cxs, hasCxs := t.hostsCxs[addr]
	if !hasCxs {
		return cxs, hasCxs
	}

	cleanedUpList := make([]hostCx, 0, len(cxs))
	for _, cx := range cxs {
		if cx.Context().Err() == nil {
			cleanedUpList = append(cleanedUpList, cx)
		}
	}

	if len(cleanedUpList) == 0 {
		delete(t.hostsCxs, addr)
		return nil, false
	}
	t.hostsCxs[addr] = cleanedUpList
	return cleanedUpList, true
}

// not thread safe!
// must be called by an holder of Read lock
func (t *transport) firstActiveCx(addr string) (hostCx, bool) {
	cxs, hasCxs := t.hostsCxs[addr]
	if !hasCxs {
		return hostCx{}, false
	}

	for _, cx := range cxs {
		if cx.Context().Err() == nil {
			return cx, true
		}
	}

	return hostCx{}, false
}
