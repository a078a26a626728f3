package registrysvc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/ehrlich-b/claude-slack-bridge/internal/chatprovider"
	"github.com/ehrlich-b/claude-slack-bridge/internal/dmmode"
	"github.com/ehrlich-b/claude-slack-bridge/internal/logger"
	"github.com/ehrlich-b/claude-slack-bridge/internal/store"
)

// acceptPollInterval bounds how long Accept blocks before the server
// re-checks ctx, so shutdown is prompt without needing a second
// goroutine per listener (spec §5 "1 s accept poll").
const acceptPollInterval = time.Second

// Server is the Registry's RPC endpoint: a Unix socket dispatching
// commands against the persistent store and, optionally, a chat
// provider for thread/channel creation.
type Server struct {
	SocketPath     string
	Store          *store.Store
	Provider       chatprovider.Provider // nil disables chat-side registration side effects
	DefaultChannel string
	DM             *dmmode.Handler // nil disables DM-subscription cleanup on session end

	listener *net.UnixListener
}

// ListenAndServe binds SocketPath (removing any stale socket file
// first) and serves connections until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	addr, err := net.ResolveUnixAddr("unix", s.SocketPath)
	if err != nil {
		return fmt.Errorf("resolve socket addr: %w", err)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.SocketPath, err)
	}
	s.listener = ln
	defer func() {
		ln.Close()
		os.Remove(s.SocketPath)
	}()

	log := logger.With("registry")
	log.Info("registry RPC listening", "path", s.SocketPath)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		ln.SetDeadline(time.Now().Add(acceptPollInterval))
		conn, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("accept error", "err", err)
			continue
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	log := logger.With("registry")

	reader := bufio.NewReaderSize(io.LimitReader(conn, MaxRequestBytes+1), 64*1024)
	line, err := reader.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return
	}
	if len(line) > MaxRequestBytes {
		writeResponse(conn, Response{Success: false, Error: "request too large"})
		return
	}

	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		writeResponse(conn, Response{Success: false, Error: "malformed request: " + err.Error()})
		return
	}

	resp := s.dispatch(req)
	if err := writeResponse(conn, resp); err != nil {
		log.Warn("write response failed", "err", err)
	}
}

func writeResponse(w io.Writer, resp Response) error {
	b, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = w.Write(b)
	return err
}

func (s *Server) dispatch(req Request) Response {
	log := logger.With("registry")
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic handling request", "command", req.Command, "panic", r)
		}
	}()

	switch req.Command {
	case CmdRegister, CmdRegisterSimple:
		return s.handleRegister(req)
	case CmdRegisterExisting:
		return s.handleRegisterExisting(req)
	case CmdUnregister:
		return s.handleUnregister(req)
	case CmdGet:
		return s.handleGet(req)
	case CmdList:
		return s.handleList(req)
	case CmdUpdate:
		return s.handleUpdate(req)
	default:
		return Response{Success: false, Error: fmt.Sprintf("unknown command %q", req.Command)}
	}
}

func dataString(data map[string]any, key string) string {
	v, _ := data[key].(string)
	return v
}

func dataBool(data map[string]any, key string) bool {
	v, _ := data[key].(bool)
	return v
}
