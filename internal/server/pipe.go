package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/codefionn/hostlink/internal/logger"
	"github.com/codefionn/hostlink/internal/protocol"
)

// pipeScanBuffer bounds a single process-channel frame
const pipeScanBuffer = 8 << 20

// PipeEndpoint serves the process channel between the worker and the host:
// newline-delimited JSON frames over the worker's stdin/stdout. Inbound
// "message" frames are dispatched like any other connection's traffic;
// outbound envelopes are wrapped in "receive" frames. Log lines and interface
// refreshes ride the same channel as "log" and "refreshInterface" frames.
type PipeEndpoint struct {
	in  io.Reader
	out io.Writer
	mgr *ConnectionManager

	writeMu sync.Mutex
	conn    *Connection
	log     *logger.Logger
}

// NewPipeEndpoint creates the endpoint and registers its connection with the
// manager so it participates in event broadcasts.
func NewPipeEndpoint(in io.Reader, out io.Writer, mgr *ConnectionManager, log *logger.Logger) *PipeEndpoint {
	if log == nil {
		log = logger.Global()
	}
	p := &PipeEndpoint{
		in:  in,
		out: out,
		mgr: mgr,
		log: log.WithPrefix("pipe"),
	}
	p.conn = mgr.AddConnection(&pipeSender{endpoint: p})
	return p
}

// Run reads frames from the host until the channel closes or ctx is
// cancelled. It returns nil on orderly EOF: the host closing our stdin is a
// normal shutdown signal. Scanning happens on its own goroutine so a signal
// interrupts Run even while the channel is idle; the reader goroutine itself
// lingers on the blocked read until the input closes with the process.
func (p *PipeEndpoint) Run(ctx context.Context) error {
	lines := make(chan []byte)
	scanErr := make(chan error, 1)

	go func() {
		scanner := bufio.NewScanner(p.in)
		scanner.Buffer(make([]byte, 64*1024), pipeScanBuffer)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		var line []byte
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-scanErr:
			if err != nil {
				return fmt.Errorf("process channel read failed: %w", err)
			}
			return nil
		case line = <-lines:
		}

		if len(line) == 0 {
			continue
		}

		var frame protocol.Frame
		if err := json.Unmarshal(line, &frame); err != nil {
			p.log.Error("dropping unparsable frame: %v", err)
			continue
		}

		switch frame.Type {
		case protocol.FrameMessage:
			p.mgr.Dispatch(p.conn, []byte(frame.Message))
		default:
			p.log.Warn("unknown frame type %q from host", frame.Type)
		}
	}
}

// writeFrame serializes one frame as a single line on the channel
func (p *PipeEndpoint) writeFrame(frame *protocol.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := p.out.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("process channel write failed: %w", err)
	}
	return nil
}

// SendRefreshInterface pushes the full API description to the host so it can
// rebuild its command-proxy surface.
func (p *PipeEndpoint) SendRefreshInterface(spec []protocol.DomainDescription) {
	if err := p.writeFrame(&protocol.Frame{Type: protocol.FrameRefreshInterface, Spec: spec}); err != nil {
		p.log.Error("failed to push interface refresh: %v", err)
	}
}

// SendLog mirrors a worker log line to the host
func (p *PipeEndpoint) SendLog(level logger.Level, message string) {
	// best effort: the logger must never block or fail the worker
	_ = p.writeFrame(&protocol.Frame{Type: protocol.FrameLog, Level: level.String(), Message: message})
}

// pipeSender delivers connection envelopes as "receive" frames
type pipeSender struct {
	endpoint *PipeEndpoint
}

func (s *pipeSender) writeEnvelope(env *protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return s.endpoint.writeFrame(&protocol.Frame{Type: protocol.FrameReceive, Message: string(data)})
}

func (s *pipeSender) close() error {
	if closer, ok := s.endpoint.out.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
