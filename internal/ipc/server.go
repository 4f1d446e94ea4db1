// Package ipc is the daemon's control socket.
//
// Protocol: line-delimited JSON over a Unix domain socket.
//   - Client sends: {"type": "edit_config", "data": {"mode": "low", "kp": 0.4}}
//   - Server responds: {"status": "ok", "data": {...}} or {"status": "error", "error": "msg"}
package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
)

// Serve listens on socketPath and answers requests with h until ctx is canceled.
func Serve(ctx context.Context, socketPath string, h Handler, logger *slog.Logger) error {
	if err := os.RemoveAll(socketPath); err != nil {
		return fmt.Errorf("remove existing socket: %w", err)
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	defer listener.Close()
	defer os.Remove(socketPath)

	// Owner and group only.
	if err := os.Chmod(socketPath, 0o660); err != nil {
		return fmt.Errorf("chmod socket: %w", err)
	}

	logger.Info("IPC listening", "socket", socketPath)

	// Closing the listener unblocks Accept.
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				logger.Debug("IPC listener closed")
				return nil
			}
			logger.Error("IPC accept error", "error", err)
			continue
		}

		go handleConn(ctx, conn, h, logger)
	}
}

// handleConn answers every request line on conn until the client hangs up or ctx
// is canceled.
func handleConn(ctx context.Context, conn net.Conn, h Handler, logger *slog.Logger) {
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	scanner := bufio.NewScanner(conn)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		logger.Debug("IPC received", "line", string(line))

		var resp Response
		req, err := UnmarshalRequest(line)
		if err != nil {
			resp = errorResponse(fmt.Errorf("parse request: %w", err))
		} else {
			resp = Dispatch(h, req)
		}

		if resp.Status == StatusError {
			logger.Warn("IPC request failed", "error", resp.Error)
		}
		if err := encoder.Encode(resp); err != nil {
			logger.Error("IPC failed to send response", "error", err)
			return
		}
	}

	logger.Debug("IPC connection closed")
}
