package iot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"liyu1981.xyz/agri-telemetry-service/pkg/models"
)

type FrameKind int

const (
	FrameReading FrameKind = iota
	FrameHeartbeat
)

func (k FrameKind) String() string {
	if k == FrameHeartbeat {
		return "heartbeat"
	}
	return "reading"
}

// Frame is one message received from a device. Data holds a serialized
// SensorReading for reading frames and is ignored for heartbeats.
type Frame struct {
	Kind       FrameKind
	Data       []byte
	ReceivedAt time.Time
}

// DeviceTransport opens the connection of one device. Connect returns once the
// handshake completed or ctx expired.
type DeviceTransport interface {
	Connect(ctx context.Context, deviceID string) (Session, error)
}

// Session is an established device connection. Receive blocks until a frame
// arrives, the connection is lost or ctx is done.
type Session interface {
	Receive(ctx context.Context) (Frame, error)
	Close() error
}

// Pusher is implemented by transports that accept frames from outside the
// connection itself, like HTTP ingest.
type Pusher interface {
	Offer(deviceID string, frame Frame) error
}

// Drainer is implemented by transports that buffer frames per device. Pending
// removes and returns what was not received yet.
type Drainer interface {
	Pending(deviceID string) []Frame
}

var (
	ErrInboxFull     = errors.New("device inbox full")
	ErrSessionClosed = errors.New("session closed")
)

// ChanTransport is an in-process transport backed by one buffered inbox per
// device. It serves HTTP push ingest and drives channels in tests.
type ChanTransport struct {
	mu      sync.Mutex
	size    int
	inboxes map[string]*inbox
}

type inbox struct {
	frames chan Frame
	// failConnect makes the next Connect attempts fail, for tests
	failConnect int
	// lost is closed to break the current session
	lost chan struct{}
}

func NewChanTransport(size int) *ChanTransport {
	if size <= 0 {
		size = 256
	}
	return &ChanTransport{size: size, inboxes: make(map[string]*inbox)}
}

func (t *ChanTransport) get(deviceID string) *inbox {
	in, ok := t.inboxes[deviceID]
	if !ok {
		in = &inbox{frames: make(chan Frame, t.size), lost: make(chan struct{})}
		t.inboxes[deviceID] = in
	}
	return in
}

func (t *ChanTransport) Connect(ctx context.Context, deviceID string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	in := t.get(deviceID)
	if in.failConnect > 0 {
		in.failConnect--
		return nil, fmt.Errorf("%w: %s refused connection", models.ErrConnectionLost, deviceID)
	}
	return &chanSession{in: in, lost: in.lost, closed: make(chan struct{})}, nil
}

// Offer queues a frame without blocking.
func (t *ChanTransport) Offer(deviceID string, frame Frame) error {
	t.mu.Lock()
	in := t.get(deviceID)
	t.mu.Unlock()

	if frame.ReceivedAt.IsZero() {
		frame.ReceivedAt = time.Now()
	}
	select {
	case in.frames <- frame:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrInboxFull, deviceID)
	}
}

func (t *ChanTransport) Pending(deviceID string) []Frame {
	t.mu.Lock()
	in, ok := t.inboxes[deviceID]
	t.mu.Unlock()
	if !ok {
		return nil
	}
	var out []Frame
	for {
		select {
		case f := <-in.frames:
			out = append(out, f)
		default:
			return out
		}
	}
}

// Drop breaks the current session of a device and refuses the next failures
// connection attempts.
func (t *ChanTransport) Drop(deviceID string, failures int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	in := t.get(deviceID)
	close(in.lost)
	in.lost = make(chan struct{})
	in.failConnect = failures
}

// DropAll breaks every current session, as when a shared broker connection
// is lost.
func (t *ChanTransport) DropAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, in := range t.inboxes {
		close(in.lost)
		in.lost = make(chan struct{})
	}
}

func (t *ChanTransport) Close() error {
	t.DropAll()
	return nil
}

type chanSession struct {
	in        *inbox
	lost      chan struct{}
	closeOnce sync.Once
	closed    chan struct{}
}

func (s *chanSession) Receive(ctx context.Context) (Frame, error) {
	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-s.closed:
		return Frame{}, ErrSessionClosed
	case <-s.lost:
		return Frame{}, models.ErrConnectionLost
	case f := <-s.in.frames:
		return f, nil
	}
}

func (s *chanSession) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}
