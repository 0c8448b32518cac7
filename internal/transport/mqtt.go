package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/gary-y/safestream/internal/camera"
	"github.com/gary-y/safestream/internal/media"
	"github.com/gary-y/safestream/internal/types"
)

// Signaling envelope types
const (
	signalOffer  = "offer"
	signalAnswer = "answer"
	signalHangup = "hangup"
	signalReject = "reject"
)

// signalEnvelope is one signaling message on a peer's signal topic
type signalEnvelope struct {
	Type   string `json:"type"`
	From   string `json:"from"`
	To     string `json:"to"`
	CallID string `json:"call_id"`
	Reason string `json:"reason,omitempty"`
}

// frameEnvelope carries one video frame on a call's media topic
type frameEnvelope struct {
	Seq         uint64 `msgpack:"seq"`
	TimestampMS int64  `msgpack:"ts"`
	Width       int    `msgpack:"w"`
	Height      int    `msgpack:"h"`
	JPEG        []byte `msgpack:"jpeg"`
}

// MQTTConfig configures the MQTT signaling/media transport
type MQTTConfig struct {
	Broker       string
	EndpointID   string
	SignalPrefix string // e.g. safestream/peer
	MediaPrefix  string // e.g. safestream/media
	SignalQoS    byte
	JPEGQuality  int
}

// MQTTTransport multiplexes call signaling and frame relay over an MQTT
// broker: JSON envelopes on per-peer signal topics, msgpack-encoded JPEG
// frames on per-call media topics.
type MQTTTransport struct {
	cfg MQTTConfig
}

// NewMQTTTransport validates the configuration
func NewMQTTTransport(cfg MQTTConfig) (*MQTTTransport, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("transport: broker is required")
	}
	if cfg.EndpointID == "" {
		cfg.EndpointID = uuid.New().String()
	}
	if cfg.SignalPrefix == "" {
		cfg.SignalPrefix = "safestream/peer"
	}
	if cfg.MediaPrefix == "" {
		cfg.MediaPrefix = "safestream/media"
	}
	if cfg.SignalQoS == 0 {
		cfg.SignalQoS = 1
	}
	if cfg.JPEGQuality == 0 {
		cfg.JPEGQuality = 70
	}
	return &MQTTTransport{cfg: cfg}, nil
}

// Open implements Transport: connects to the broker, subscribes the
// endpoint's signal topic and reports readiness once connected.
func (t *MQTTTransport) Open(ctx context.Context) (Endpoint, error) {
	ep := &mqttEndpoint{
		cfg:      t.cfg,
		id:       t.cfg.EndpointID,
		ready:    make(chan struct{}),
		incoming: make(chan Call, 4),
		errors:   make(chan error, 4),
		calls:    make(map[string]*mqttCall),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", t.cfg.Broker))
	opts.SetClientID(t.cfg.EndpointID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		ep.readyOnce.Do(func() { close(ep.ready) })
		slog.Info("signaling connection established",
			"broker", t.cfg.Broker,
			"endpoint_id", t.cfg.EndpointID,
		)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		slog.Warn("signaling connection lost, will auto-reconnect", "error", err)
		select {
		case ep.errors <- types.NewError(types.ErrTransport, err):
		default:
		}
	}

	ep.client = mqtt.NewClient(opts)

	token := ep.client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return nil, fmt.Errorf("transport: broker connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("transport: broker connection failed: %w", err)
	}

	signalTopic := fmt.Sprintf("%s/%s", t.cfg.SignalPrefix, ep.id)
	sub := ep.client.Subscribe(signalTopic, t.cfg.SignalQoS, ep.handleSignal)
	if !sub.WaitTimeout(5 * time.Second) {
		ep.client.Disconnect(250)
		return nil, fmt.Errorf("transport: signal subscription timeout")
	}
	if err := sub.Error(); err != nil {
		ep.client.Disconnect(250)
		return nil, fmt.Errorf("transport: signal subscription failed: %w", err)
	}

	slog.Info("endpoint registered", "endpoint_id", ep.id, "signal_topic", signalTopic)
	return ep, nil
}

type mqttEndpoint struct {
	cfg    MQTTConfig
	client mqtt.Client
	id     string

	ready     chan struct{}
	readyOnce sync.Once
	incoming  chan Call
	errors    chan error

	mu     sync.Mutex
	calls  map[string]*mqttCall
	closed bool
}

func (e *mqttEndpoint) ID() string             { return e.id }
func (e *mqttEndpoint) Ready() <-chan struct{} { return e.ready }
func (e *mqttEndpoint) Incoming() <-chan Call  { return e.incoming }
func (e *mqttEndpoint) Errors() <-chan error   { return e.errors }

// PlaceCall implements Endpoint
func (e *mqttEndpoint) PlaceCall(ctx context.Context, peerID string, local camera.MediaStream) (Call, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, fmt.Errorf("transport: endpoint closed")
	}
	e.mu.Unlock()

	call := newMQTTCall(e, uuid.New().String(), peerID, true)
	call.local = local

	if err := call.subscribeMedia(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.calls[call.id] = call
	e.mu.Unlock()

	if err := e.publishSignal(peerID, signalEnvelope{
		Type:   signalOffer,
		From:   e.id,
		To:     peerID,
		CallID: call.id,
	}); err != nil {
		e.dropCall(call.id)
		call.end(nil, false)
		return nil, err
	}

	slog.Info("outbound call placed", "peer_id", peerID, "call_id", call.id)
	return call, nil
}

// handleSignal processes one signaling envelope addressed to this endpoint
func (e *mqttEndpoint) handleSignal(client mqtt.Client, msg mqtt.Message) {
	var env signalEnvelope
	if err := json.Unmarshal(msg.Payload(), &env); err != nil {
		slog.Error("failed to parse signal envelope", "error", err)
		return
	}

	slog.Debug("signal received", "type", env.Type, "from", env.From, "call_id", env.CallID)

	switch env.Type {
	case signalOffer:
		call := newMQTTCall(e, env.CallID, env.From, false)
		if err := call.subscribeMedia(); err != nil {
			slog.Error("failed to subscribe call media", "error", err, "call_id", env.CallID)
			return
		}

		e.mu.Lock()
		e.calls[call.id] = call
		e.mu.Unlock()

		select {
		case e.incoming <- call:
		default:
			// Single call per process: no room means busy
			e.dropCall(call.id)
			call.end(nil, false)
			e.publishSignal(env.From, signalEnvelope{
				Type: signalReject, From: e.id, To: env.From, CallID: env.CallID, Reason: "busy",
			})
		}

	case signalAnswer:
		if call := e.lookupCall(env.CallID); call != nil {
			call.establish()
		}

	case signalHangup:
		if call := e.lookupCall(env.CallID); call != nil {
			e.dropCall(env.CallID)
			call.end(nil, false)
		}

	case signalReject:
		if call := e.lookupCall(env.CallID); call != nil {
			e.dropCall(env.CallID)
			call.end(types.Errorf(types.ErrCall, "call rejected: %s", env.Reason), false)
		}

	default:
		slog.Warn("unknown signal type", "type", env.Type)
	}
}

func (e *mqttEndpoint) lookupCall(id string) *mqttCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[id]
}

func (e *mqttEndpoint) dropCall(id string) {
	e.mu.Lock()
	delete(e.calls, id)
	e.mu.Unlock()
}

func (e *mqttEndpoint) publishSignal(peerID string, env signalEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("transport: marshal envelope: %w", err)
	}
	topic := fmt.Sprintf("%s/%s", e.cfg.SignalPrefix, peerID)
	token := e.client.Publish(topic, e.cfg.SignalQoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return fmt.Errorf("transport: signal publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("transport: signal publish failed: %w", err)
	}
	return nil
}

// Close implements Endpoint: hangs up every live call and disconnects
func (e *mqttEndpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	calls := make([]*mqttCall, 0, len(e.calls))
	for _, c := range e.calls {
		calls = append(calls, c)
	}
	e.calls = make(map[string]*mqttCall)
	e.mu.Unlock()

	for _, c := range calls {
		c.end(nil, true)
	}

	if e.client != nil && e.client.IsConnected() {
		e.client.Disconnect(250)
	}
	slog.Info("endpoint closed", "endpoint_id", e.id)
	return nil
}

// mqttCall is one peer connection relayed through the broker
type mqttCall struct {
	ep       *mqttEndpoint
	id       string
	peerID   string
	outbound bool

	remote chan camera.MediaStream
	done   chan struct{}

	mu          sync.Mutex
	local       camera.MediaStream
	rstream     *remoteStream
	err         error
	answered    bool
	established bool
	closed      bool
	pumpStop    chan struct{}
}

func newMQTTCall(ep *mqttEndpoint, id, peerID string, outbound bool) *mqttCall {
	return &mqttCall{
		ep:       ep,
		id:       id,
		peerID:   peerID,
		outbound: outbound,
		remote:   make(chan camera.MediaStream, 1),
		done:     make(chan struct{}),
		pumpStop: make(chan struct{}),
	}
}

func (c *mqttCall) PeerID() string { return c.peerID }

// Answer implements Call: accepts an inbound call with the local stream
func (c *mqttCall) Answer(local camera.MediaStream) error {
	if c.outbound {
		return fmt.Errorf("transport: cannot answer an outbound call")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("transport: call already ended")
	}
	if c.answered {
		c.mu.Unlock()
		return fmt.Errorf("transport: call already answered")
	}
	c.answered = true
	c.local = local
	c.mu.Unlock()

	if err := c.ep.publishSignal(c.peerID, signalEnvelope{
		Type:   signalAnswer,
		From:   c.ep.id,
		To:     c.peerID,
		CallID: c.id,
	}); err != nil {
		return err
	}

	c.establish()
	slog.Info("inbound call answered", "peer_id", c.peerID, "call_id", c.id)
	return nil
}

// establish starts relaying local frames. Runs once per call: when the
// answer is sent (inbound) or received (outbound).
func (c *mqttCall) establish() {
	c.mu.Lock()
	if c.established || c.closed || c.local == nil {
		c.mu.Unlock()
		return
	}
	c.established = true
	local := c.local
	c.mu.Unlock()

	go c.pumpLocal(local)
}

// pumpLocal publishes local frames on this side's media topic
func (c *mqttCall) pumpLocal(local camera.MediaStream) {
	topic := c.mediaTopic(c.ep.id)
	frames := local.Frames()

	for {
		select {
		case <-c.pumpStop:
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			encoded, err := media.EncodeJPEG(frame, c.ep.cfg.JPEGQuality)
			if err != nil {
				slog.Debug("frame encode failed, skipping", "error", err)
				continue
			}
			payload, err := msgpack.Marshal(frameEnvelope{
				Seq:         frame.Seq,
				TimestampMS: frame.Timestamp.UnixMilli(),
				Width:       frame.Width,
				Height:      frame.Height,
				JPEG:        encoded,
			})
			if err != nil {
				continue
			}
			// QoS 0, fire and forget: a lost frame is cheaper than a late one
			c.ep.client.Publish(topic, 0, false, payload)
		}
	}
}

// subscribeMedia listens for the far end's frames
func (c *mqttCall) subscribeMedia() error {
	topic := c.mediaTopic(c.peerID)
	token := c.ep.client.Subscribe(topic, 0, c.handleMedia)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("transport: media subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("transport: media subscription failed: %w", err)
	}
	return nil
}

// handleMedia decodes one far-end frame and feeds the remote stream,
// materializing it on first arrival.
func (c *mqttCall) handleMedia(client mqtt.Client, msg mqtt.Message) {
	var env frameEnvelope
	if err := msgpack.Unmarshal(msg.Payload(), &env); err != nil {
		slog.Debug("media envelope decode failed", "error", err)
		return
	}
	rgb, width, height, err := media.DecodeJPEG(env.JPEG)
	if err != nil {
		slog.Debug("media frame decode failed", "error", err)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.rstream == nil {
		c.rstream = newRemoteStream("remote-"+c.id, nil)
		select {
		case c.remote <- c.rstream:
		default:
		}
	}
	rs := c.rstream
	c.mu.Unlock()

	rs.push(types.Frame{
		Seq:       env.Seq,
		Timestamp: time.UnixMilli(env.TimestampMS),
		Width:     width,
		Height:    height,
		Data:      rgb,
		Source:    "remote",
		TraceID:   uuid.New().String(),
	})
}

func (c *mqttCall) mediaTopic(senderID string) string {
	return fmt.Sprintf("%s/%s/%s", c.ep.cfg.MediaPrefix, c.id, senderID)
}

func (c *mqttCall) RemoteStream() <-chan camera.MediaStream { return c.remote }
func (c *mqttCall) Done() <-chan struct{}                   { return c.done }

func (c *mqttCall) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close implements Call: local hangup, notifies the peer
func (c *mqttCall) Close() error {
	c.ep.dropCall(c.id)
	c.end(nil, true)
	return nil
}

// end tears down the call once: stops the pump, the media subscription
// and the remote stream. notifyPeer sends the hangup envelope.
func (c *mqttCall) end(err error, notifyPeer bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.err = err
	rs := c.rstream
	c.mu.Unlock()

	close(c.pumpStop)

	if c.ep.client.IsConnected() {
		c.ep.client.Unsubscribe(c.mediaTopic(c.peerID))
	}
	if rs != nil {
		rs.Stop()
	}
	if notifyPeer {
		if perr := c.ep.publishSignal(c.peerID, signalEnvelope{
			Type:   signalHangup,
			From:   c.ep.id,
			To:     c.peerID,
			CallID: c.id,
		}); perr != nil {
			slog.Debug("hangup notification failed", "error", perr)
		}
	}

	close(c.done)
	slog.Info("call ended", "call_id", c.id, "peer_id", c.peerID, "error", err)
}

var _ Transport = (*MQTTTransport)(nil)
var _ Endpoint = (*mqttEndpoint)(nil)
var _ Call = (*mqttCall)(nil)
