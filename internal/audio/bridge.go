package audio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"readaloud/internal/domain"
	"readaloud/internal/ports"
)

const (
	defaultPermissionTimeout = 15 * time.Second
	bridgeStopTimeout        = 2 * time.Second
	bridgeWriteTimeout       = 5 * time.Second
)

// Bridge message types. Audio travels as binary frames between start and
// stopped.
const (
	msgHello      = "hello"
	msgOpen       = "open"
	msgPermission = "permission"
	msgStart      = "start"
	msgStop       = "stop"
	msgStopped    = "stopped"
	msgClose      = "close"
)

type bridgeMessage struct {
	Type      string   `json:"type"`
	Supported []string `json:"supported,omitempty"`
	Granted   bool     `json:"granted,omitempty"`
	Error     string   `json:"error,omitempty"`
	MimeType  string   `json:"mimeType,omitempty"`
}

// BridgeCapture captures audio from a browser page running MediaRecorder. The
// page connects over a websocket and announces the formats it can record.
type BridgeCapture struct {
	upgrader          websocket.Upgrader
	permissionTimeout time.Duration
	logger            *zap.Logger

	mu     sync.Mutex
	client *bridgeClient
	inUse  bool
}

func NewBridgeCapture(permissionTimeout time.Duration, logger *zap.Logger) *BridgeCapture {
	if permissionTimeout <= 0 {
		permissionTimeout = defaultPermissionTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BridgeCapture{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 4 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		permissionTimeout: permissionTimeout,
		logger:            logger.With(zap.String("component", "browser_bridge")),
	}
}

// Connected reports whether a capture page is attached.
func (b *BridgeCapture) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.client != nil
}

// ServeHTTP upgrades the capture page connection. A newer page replaces an
// older one.
func (b *BridgeCapture) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("capture page upgrade failed", zap.Error(err))
		return
	}

	var hello bridgeMessage
	if err := conn.ReadJSON(&hello); err != nil || hello.Type != msgHello {
		b.logger.Warn("capture page did not say hello", zap.Error(err))
		_ = conn.Close()
		return
	}

	client := &bridgeClient{
		conn:      conn,
		supported: hello.Supported,
		control:   make(chan bridgeMessage, 8),
		done:      make(chan struct{}),
		logger:    b.logger,
	}

	b.mu.Lock()
	previous := b.client
	b.client = client
	b.mu.Unlock()
	if previous != nil {
		previous.shutdown()
	}

	b.logger.Info("capture page connected", zap.Strings("supported", hello.Supported), zap.String("remote", r.RemoteAddr))
	client.readLoop()

	b.mu.Lock()
	if b.client == client {
		b.client = nil
	}
	b.mu.Unlock()
	b.logger.Info("capture page disconnected")
}

// Open asks the page for microphone access and waits for its answer.
func (b *BridgeCapture) Open(ctx context.Context) (ports.AudioDevice, error) {
	b.mu.Lock()
	if b.inUse {
		b.mu.Unlock()
		return nil, domain.ErrSessionBusy
	}
	client := b.client
	if client == nil {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: no capture page connected", domain.ErrDeviceNotFound)
	}
	b.inUse = true
	b.mu.Unlock()

	client.drainControl()
	if err := client.send(bridgeMessage{Type: msgOpen}); err != nil {
		b.release()
		return nil, fmt.Errorf("%w: %v", domain.ErrDeviceNotFound, err)
	}

	timer := time.NewTimer(b.permissionTimeout)
	defer timer.Stop()

	for {
		select {
		case msg := <-client.control:
			if msg.Type != msgPermission {
				continue
			}
			if !msg.Granted {
				b.release()
				return nil, permissionError(msg.Error)
			}
			return &bridgeDevice{
				capture: b,
				client:  client,
				chunks:  make(chan []byte, 256),
				ended:   make(chan struct{}),
			}, nil
		case <-client.done:
			b.release()
			return nil, fmt.Errorf("%w: capture page disconnected", domain.ErrDeviceNotFound)
		case <-timer.C:
			_ = client.send(bridgeMessage{Type: msgClose})
			b.release()
			return nil, fmt.Errorf("%w: no answer within %s", domain.ErrPermissionDenied, b.permissionTimeout)
		case <-ctx.Done():
			_ = client.send(bridgeMessage{Type: msgClose})
			b.release()
			return nil, ctx.Err()
		}
	}
}

func (b *BridgeCapture) release() {
	b.mu.Lock()
	b.inUse = false
	b.mu.Unlock()
}

// permissionError maps the DOMException name reported by getUserMedia.
func permissionError(name string) error {
	switch name {
	case "NotFoundError", "OverconstrainedError", "NotReadableError":
		return fmt.Errorf("%w: %s", domain.ErrDeviceNotFound, name)
	case "":
		return domain.ErrPermissionDenied
	default:
		return fmt.Errorf("%w: %s", domain.ErrPermissionDenied, name)
	}
}

type bridgeClient struct {
	conn      *websocket.Conn
	supported []string
	control   chan bridgeMessage
	done      chan struct{}
	logger    *zap.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	device   *bridgeDevice
	doneOnce sync.Once
}

func (c *bridgeClient) send(msg bridgeMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(bridgeWriteTimeout))
	return c.conn.WriteJSON(msg)
}

func (c *bridgeClient) drainControl() {
	for {
		select {
		case <-c.control:
		default:
			return
		}
	}
}

func (c *bridgeClient) attach(device *bridgeDevice) {
	c.mu.Lock()
	c.device = device
	c.mu.Unlock()
}

func (c *bridgeClient) detach(device *bridgeDevice) {
	c.mu.Lock()
	if c.device == device {
		c.device = nil
	}
	c.mu.Unlock()
}

func (c *bridgeClient) current() *bridgeDevice {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.device
}

func (c *bridgeClient) readLoop() {
	defer c.shutdown()

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if device := c.current(); device != nil {
				device.end(fmt.Errorf("capture page connection lost: %w", err))
			}
			return
		}

		if kind == websocket.BinaryMessage {
			if device := c.current(); device != nil {
				device.deliver(data)
			}
			continue
		}

		var msg bridgeMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("ignoring malformed bridge message", zap.Error(err))
			continue
		}
		switch msg.Type {
		case msgStopped:
			if device := c.current(); device != nil {
				device.end(nil)
			}
		default:
			select {
			case c.control <- msg:
			default:
				c.logger.Warn("dropping bridge message", zap.String("type", msg.Type))
			}
		}
	}
}

func (c *bridgeClient) shutdown() {
	c.doneOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

type bridgeDevice struct {
	capture *BridgeCapture
	client  *bridgeClient
	chunks  chan []byte
	ended   chan struct{}

	mu        sync.Mutex
	started   bool
	finished  bool
	err       error
	closeOnce sync.Once
}

func (d *bridgeDevice) NegotiateFormat(candidates []string) string {
	for _, candidate := range candidates {
		for _, supported := range d.client.supported {
			if candidate == supported {
				return candidate
			}
		}
	}
	return ""
}

func (d *bridgeDevice) Start(_ context.Context, mimeType string) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("%w: device already started", domain.ErrSessionBusy)
	}
	d.started = true
	d.mu.Unlock()

	d.client.attach(d)
	if err := d.client.send(bridgeMessage{Type: msgStart, MimeType: mimeType}); err != nil {
		d.client.detach(d)
		return fmt.Errorf("%w: %v", domain.ErrCaptureFailed, err)
	}
	return nil
}

func (d *bridgeDevice) Chunks() <-chan []byte {
	return d.chunks
}

func (d *bridgeDevice) deliver(chunk []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.finished || len(chunk) == 0 {
		return
	}
	d.chunks <- chunk
}

// end closes the chunk stream once. A non-nil err marks a device failure.
func (d *bridgeDevice) end(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.finished {
		return
	}
	d.finished = true
	d.err = err
	close(d.chunks)
	close(d.ended)
}

// Stop asks the page to flush its recorder and waits for the last chunk.
func (d *bridgeDevice) Stop() error {
	d.mu.Lock()
	started, finished := d.started, d.finished
	d.mu.Unlock()
	if !started || finished {
		return nil
	}

	if err := d.client.send(bridgeMessage{Type: msgStop}); err != nil {
		d.end(nil)
		return fmt.Errorf("send stop: %w", err)
	}
	select {
	case <-d.ended:
	case <-time.After(bridgeStopTimeout):
		d.capture.logger.Warn("capture page did not confirm stop")
		d.end(nil)
	}
	return nil
}

// Close releases the page's microphone tracks and frees the bridge.
func (d *bridgeDevice) Close() error {
	var err error
	d.closeOnce.Do(func() {
		err = d.Stop()
		d.end(nil)
		d.client.detach(d)
		if sendErr := d.client.send(bridgeMessage{Type: msgClose}); sendErr != nil && !errors.Is(sendErr, websocket.ErrCloseSent) {
			d.capture.logger.Debug("failed to send close to capture page", zap.Error(sendErr))
		}
		d.capture.release()
	})
	return err
}

func (d *bridgeDevice) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}
