package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/labstack/echo/v4"

	"github.com/rendis/agentchain/internal/streaming"
	"github.com/rendis/agentchain/pkg/schema"
)

const sseKeepAlive = 15 * time.Second

type connectedMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

var greeting = connectedMessage{Type: schema.EventConnected, Message: "Connected to workflow updates"}

// frameWriter writes whole websocket frames. Each frame is compiled into one
// buffer and written with a single Write under the lock, so pong replies from
// the reader never land inside an event frame.
type frameWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (fw *frameWriter) writeFrame(f ws.Frame) error {
	b, err := ws.CompileFrame(f)
	if err != nil {
		return err
	}
	fw.mu.Lock()
	defer fw.mu.Unlock()
	_, err = fw.w.Write(b)
	return err
}

func (fw *frameWriter) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return fw.writeFrame(ws.NewTextFrame(data))
}

// readClient consumes client frames until the connection fails or the client
// closes it. Pings are answered through fw and data frames are discarded.
func readClient(r io.Reader, fw *frameWriter) error {
	for {
		hdr, err := ws.ReadHeader(r)
		if err != nil {
			return err
		}
		if !hdr.OpCode.IsControl() {
			if _, err := io.CopyN(io.Discard, r, hdr.Length); err != nil {
				return err
			}
			continue
		}
		if hdr.Length > ws.MaxControlFramePayloadSize {
			return ws.ErrProtocolControlPayloadOverflow
		}
		payload := make([]byte, hdr.Length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return err
		}
		if hdr.Masked {
			ws.Cipher(payload, hdr.Mask, 0)
		}
		switch hdr.OpCode {
		case ws.OpPing:
			if err := fw.writeFrame(ws.NewPongFrame(payload)); err != nil {
				return err
			}
		case ws.OpClose:
			_ = fw.writeFrame(ws.NewCloseFrame(payload))
			return io.EOF
		}
	}
}

// handleWebsocket upgrades to a websocket and streams workflow events until
// the client goes away. ?workflow_id restricts the stream to one workflow.
func (s *Server) handleWebsocket(c echo.Context) error {
	conn, brw, _, err := ws.UpgradeHTTP(c.Request(), c.Response())
	if err != nil {
		// UpgradeHTTP has already answered the client.
		s.deps.Logger.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return nil
	}
	defer conn.Close()
	fw := &frameWriter{w: conn}

	listener := streaming.NewChanListener(streaming.DefaultBuffer, streaming.EventFilter{WorkflowID: c.QueryParam("workflow_id")})
	defer listener.Close()

	if err := fw.writeJSON(greeting); err != nil {
		return nil
	}

	sub := s.deps.Hub.Register(listener)
	defer s.deps.Hub.Unregister(sub)

	// Bytes the client sent right after the handshake may already be buffered.
	var r io.Reader = conn
	if brw != nil && brw.Reader.Buffered() > 0 {
		r = io.MultiReader(brw.Reader, conn)
	}
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		_ = readClient(r, fw)
	}()

	ctx := c.Request().Context()
	for {
		select {
		case ev := <-listener.Events():
			if err := fw.writeJSON(ev); err != nil {
				return nil
			}
		case <-listener.Done():
			// Pruned by the hub for falling behind.
			return nil
		case <-gone:
			return nil
		case <-ctx.Done():
			return nil
		case <-s.deps.Done:
			_ = fw.writeFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusGoingAway, "server shutting down")))
			return nil
		}
	}
}

// handleSSE streams the same events as the websocket as Server-Sent Events.
func (s *Server) handleSSE(c echo.Context) error {
	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.Header().Set(echo.HeaderConnection, "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	listener := streaming.NewChanListener(streaming.DefaultBuffer, streaming.EventFilter{WorkflowID: c.QueryParam("workflow_id")})
	defer listener.Close()
	sub := s.deps.Hub.Register(listener)
	defer s.deps.Hub.Unregister(sub)

	if err := writeSSE(w, greeting.Type, greeting); err != nil {
		return nil
	}

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	ctx := c.Request().Context()
	for {
		select {
		case ev := <-listener.Events():
			if err := writeSSE(w, ev.Type, ev); err != nil {
				return nil
			}
		case <-keepAlive.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return nil
			}
			w.Flush()
		case <-listener.Done():
			return nil
		case <-ctx.Done():
			return nil
		case <-s.deps.Done:
			return nil
		}
	}
}

func writeSSE(w *echo.Response, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	w.Flush()
	return nil
}
