package remote

import (
	"bufio"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/INLOpen/nexusvolume/core"
)

// Client is a VolumeStore talking to a Server over TCP. Requests are
// serialized on one connection; a failed exchange drops the connection so
// the next call redials. Network failures surface as core.TransportError so
// callers can tell a retryable outage from a store rejection.
type Client struct {
	mu     sync.Mutex
	addr   string
	logger *slog.Logger

	dialTimeout time.Duration
	conn        net.Conn
	reader      *bufio.Reader
	writer      *bufio.Writer
}

var _ VolumeStore = (*Client)(nil)

// NewClient creates a client for the store at addr. No connection is made
// until the first call.
func NewClient(addr string, dialTimeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	return &Client{
		addr:        addr,
		dialTimeout: dialTimeout,
		logger:      logger.With("component", "StoreClient"),
	}
}

func (c *Client) connect(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	dialer := net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return core.NewTransportError("dial", err)
	}
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	c.writer = bufio.NewWriter(conn)
	c.logger.Debug("Connected to store", "address", c.addr)
	return nil
}

func (c *Client) drop() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.reader = nil
		c.writer = nil
	}
}

// roundTrip sends one request frame and reads one response frame under the
// client lock. Any wire failure tears the connection down.
func (c *Client) roundTrip(ctx context.Context, op string, cmdType CommandType, req IPacket) (CommandType, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	if err := c.connect(ctx); err != nil {
		return 0, nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
	} else {
		c.conn.SetDeadline(time.Time{})
	}

	payload, err := req.MarshalBinary()
	if err != nil {
		return 0, nil, fmt.Errorf("failed to marshal %s request: %w", op, err)
	}
	if err := WriteFrame(c.writer, cmdType, payload); err != nil {
		c.drop()
		return 0, nil, core.NewTransportError(op, err)
	}
	if err := c.writer.Flush(); err != nil {
		c.drop()
		return 0, nil, core.NewTransportError(op, err)
	}

	respType, respPayload, err := ReadFrame(c.reader)
	if err != nil {
		c.drop()
		return 0, nil, core.NewTransportError(op, err)
	}
	return respType, respPayload, nil
}

// expectOK decodes a generic response and converts an error status into a
// plain (non-transport) error carrying the store's message.
func (c *Client) expectOK(op string, respType CommandType, payload []byte) error {
	if respType != CmdResponse {
		c.mu.Lock()
		c.drop()
		c.mu.Unlock()
		return core.NewTransportError(op, fmt.Errorf("unexpected response frame type %d", respType))
	}
	var resp ResponsePacket
	if err := resp.UnmarshalBinary(payload); err != nil {
		return core.NewTransportError(op, err)
	}
	if resp.Status != StatusOK {
		return fmt.Errorf("store rejected %s: %s", op, resp.Message)
	}
	return nil
}

// PutChunk submits one chunk for volumeID.
func (c *Client) PutChunk(ctx context.Context, volumeID uuid.UUID, addr core.ChunkAddress, payload []byte) error {
	respType, respPayload, err := c.roundTrip(ctx, "put_chunk", CmdPutChunk, &PutChunkPacket{
		VolumeID: volumeID,
		Address:  addr,
		Payload:  payload,
	})
	if err != nil {
		return err
	}
	return c.expectOK("put_chunk", respType, respPayload)
}

// HasChunk asks the store whether it holds addr for volumeID.
func (c *Client) HasChunk(ctx context.Context, volumeID uuid.UUID, addr core.ChunkAddress) (bool, error) {
	respType, respPayload, err := c.roundTrip(ctx, "has_chunk", CmdHasChunk, &HasChunkPacket{
		VolumeID: volumeID,
		Address:  addr,
	})
	if err != nil {
		return false, err
	}
	if respType == CmdResponse {
		return false, c.expectOK("has_chunk", respType, respPayload)
	}
	if respType != CmdHasResponse {
		return false, core.NewTransportError("has_chunk", fmt.Errorf("unexpected response frame type %d", respType))
	}
	var resp HasResponsePacket
	if err := resp.UnmarshalBinary(respPayload); err != nil {
		return false, core.NewTransportError("has_chunk", err)
	}
	return resp.Exists, nil
}

// State fetches the store's confirmed state for volumeID.
func (c *Client) State(ctx context.Context, volumeID uuid.UUID) (RemoteState, error) {
	respType, respPayload, err := c.roundTrip(ctx, "state", CmdState, &StatePacket{VolumeID: volumeID})
	if err != nil {
		return RemoteState{}, err
	}
	if respType == CmdResponse {
		return RemoteState{}, c.expectOK("state", respType, respPayload)
	}
	if respType != CmdStateResponse {
		return RemoteState{}, core.NewTransportError("state", fmt.Errorf("unexpected response frame type %d", respType))
	}
	var resp StateResponsePacket
	if err := resp.UnmarshalBinary(respPayload); err != nil {
		return RemoteState{}, core.NewTransportError("state", err)
	}
	return RemoteState{
		Known:             resp.Known,
		ConfirmedSeq:      resp.ConfirmedSeq,
		ConfirmedChecksum: resp.Checksum,
		LastSessionID:     resp.LastSessionID,
	}, nil
}

// Confirm asks the store to atomically advance volumeID to targetSeq.
func (c *Client) Confirm(ctx context.Context, volumeID uuid.UUID, sessionID uuid.UUID, targetSeq uint64, checksum [sha256.Size]byte, chunks []core.ChunkAddress) error {
	respType, respPayload, err := c.roundTrip(ctx, "confirm", CmdConfirm, &ConfirmPacket{
		VolumeID:  volumeID,
		SessionID: sessionID,
		TargetSeq: targetSeq,
		Checksum:  checksum,
		Chunks:    chunks,
	})
	if err != nil {
		return err
	}
	return c.expectOK("confirm", respType, respPayload)
}

// Close tears down the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drop()
	return nil
}
