package remote

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
)

// Server serves the volume store protocol over raw TCP, delegating every
// request to a backing VolumeStore.
type Server struct {
	listener net.Listener
	readyCh  chan struct{}
	store    VolumeStore
	logger   *slog.Logger
	connWg   sync.WaitGroup
	started  bool
	quit     chan struct{}
	mu       sync.Mutex
}

// NewServer creates a server backed by store.
func NewServer(store VolumeStore, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:   store,
		readyCh: make(chan struct{}),
		logger:  logger.With("component", "StoreServer"),
		quit:    make(chan struct{}),
	}
}

// Start runs the accept loop on lis. It blocks until Stop is called or the
// listener fails, so it should be run in a goroutine.
func (s *Server) Start(lis net.Listener) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("server already started")
	}
	s.listener = lis
	s.started = true
	s.mu.Unlock()
	close(s.readyCh)
	s.logger.Info("Store server listening", "address", lis.Addr().String())

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				s.logger.Info("Server shutting down, stopping accept loop.")
				return nil
			default:
				s.logger.Error("Failed to accept connection", "error", err)
				return fmt.Errorf("failed to accept connection: %w", err)
			}
		}
		s.connWg.Add(1)
		go s.handleConnection(conn)
	}
}

// Ready is closed once the accept loop is running.
func (s *Server) Ready() <-chan struct{} {
	return s.readyCh
}

// Stop closes the listener and waits for active connections to drain.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	s.logger.Info("Stopping store server...")
	close(s.quit)
	if s.listener != nil {
		s.listener.Close()
	}
	s.connWg.Wait()
	s.logger.Info("All store connections closed. Server stopped.")
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.connWg.Done()
	defer conn.Close()
	s.logger.Debug("Accepted new connection", "remote_addr", conn.RemoteAddr())

	// Unblock a pending ReadFrame when the server shuts down.
	go func() {
		<-s.quit
		conn.Close()
	}()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	defer writer.Flush()

	ctx := context.Background()

	for {
		select {
		case <-s.quit:
			return
		default:
		}

		cmdType, payload, err := ReadFrame(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && !strings.Contains(err.Error(), "use of closed network connection") {
				s.logger.Warn("Failed to read frame, closing connection", "remote_addr", conn.RemoteAddr(), "error", err)
			}
			return
		}

		if err := s.handleCommand(ctx, writer, cmdType, payload); err != nil {
			s.logger.Warn("Failed to handle command, closing connection", "remote_addr", conn.RemoteAddr(), "error", err)
			return
		}
		if err := writer.Flush(); err != nil {
			s.logger.Warn("Failed to flush writer, closing connection", "remote_addr", conn.RemoteAddr(), "error", err)
			return
		}
	}
}

func (s *Server) handleCommand(ctx context.Context, w io.Writer, cmdType CommandType, payload []byte) error {
	switch cmdType {
	case CmdPutChunk:
		var req PutChunkPacket
		if err := req.UnmarshalBinary(payload); err != nil {
			return s.writeResponse(w, StatusError, err.Error())
		}
		if err := s.store.PutChunk(ctx, req.VolumeID, req.Address, req.Payload); err != nil {
			return s.writeResponse(w, StatusError, err.Error())
		}
		return s.writeResponse(w, StatusOK, "")

	case CmdHasChunk:
		var req HasChunkPacket
		if err := req.UnmarshalBinary(payload); err != nil {
			return s.writeResponse(w, StatusError, err.Error())
		}
		exists, err := s.store.HasChunk(ctx, req.VolumeID, req.Address)
		if err != nil {
			return s.writeResponse(w, StatusError, err.Error())
		}
		resp := HasResponsePacket{Status: StatusOK, Exists: exists}
		out, err := resp.MarshalBinary()
		if err != nil {
			return err
		}
		return WriteFrame(w, CmdHasResponse, out)

	case CmdState:
		var req StatePacket
		if err := req.UnmarshalBinary(payload); err != nil {
			return s.writeResponse(w, StatusError, err.Error())
		}
		state, err := s.store.State(ctx, req.VolumeID)
		if err != nil {
			return s.writeResponse(w, StatusError, err.Error())
		}
		resp := StateResponsePacket{
			Status:        StatusOK,
			Known:         state.Known,
			ConfirmedSeq:  state.ConfirmedSeq,
			Checksum:      state.ConfirmedChecksum,
			LastSessionID: state.LastSessionID,
		}
		out, err := resp.MarshalBinary()
		if err != nil {
			return err
		}
		return WriteFrame(w, CmdStateResponse, out)

	case CmdConfirm:
		var req ConfirmPacket
		if err := req.UnmarshalBinary(payload); err != nil {
			return s.writeResponse(w, StatusError, err.Error())
		}
		if err := s.store.Confirm(ctx, req.VolumeID, req.SessionID, req.TargetSeq, req.Checksum, req.Chunks); err != nil {
			return s.writeResponse(w, StatusError, err.Error())
		}
		return s.writeResponse(w, StatusOK, "")

	default:
		return s.writeResponse(w, StatusError, fmt.Sprintf("unknown command type %d", cmdType))
	}
}

func (s *Server) writeResponse(w io.Writer, status StatusOp, message string) error {
	resp := ResponsePacket{Status: status, Message: message}
	out, err := resp.MarshalBinary()
	if err != nil {
		return err
	}
	return WriteFrame(w, CmdResponse, out)
}
