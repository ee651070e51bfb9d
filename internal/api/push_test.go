package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentchain/internal/streaming"
	"github.com/rendis/agentchain/pkg/schema"
)

// writeRecorder keeps every Write call separately.
type writeRecorder struct {
	mu     sync.Mutex
	writes [][]byte
}

func (w *writeRecorder) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes = append(w.writes, append([]byte(nil), p...))
	return len(p), nil
}

func TestFrameWriter_OneWritePerFrame(t *testing.T) {
	rec := &writeRecorder{}
	fw := &frameWriter{w: rec}

	stage := schema.StageArchitect
	ev := streaming.NewWorkflowUpdate("wf-1", schema.WorkflowStatusRunning, &stage, nil)
	require.NoError(t, fw.writeJSON(ev))
	require.NoError(t, fw.writeFrame(ws.NewPongFrame([]byte("hi"))))

	require.Len(t, rec.writes, 2)

	text, err := ws.ReadFrame(bytes.NewReader(rec.writes[0]))
	require.NoError(t, err)
	assert.Equal(t, ws.OpText, text.Header.OpCode)
	assert.False(t, text.Header.Masked)
	var got streaming.Event
	require.NoError(t, json.Unmarshal(text.Payload, &got))
	assert.Equal(t, "wf-1", got.WorkflowID)

	pong, err := ws.ReadFrame(bytes.NewReader(rec.writes[1]))
	require.NoError(t, err)
	assert.Equal(t, ws.OpPong, pong.Header.OpCode)
	assert.Equal(t, "hi", string(pong.Payload))
}

func clientFrame(t *testing.T, f ws.Frame) []byte {
	t.Helper()
	b, err := ws.CompileFrame(ws.MaskFrame(f))
	require.NoError(t, err)
	return b
}

func TestReadClient(t *testing.T) {
	var in bytes.Buffer
	in.Write(clientFrame(t, ws.NewTextFrame([]byte("ignored"))))
	in.Write(clientFrame(t, ws.NewPingFrame([]byte("p1"))))
	in.Write(clientFrame(t, ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, "bye"))))
	in.Write(clientFrame(t, ws.NewPingFrame([]byte("after close"))))

	rec := &writeRecorder{}
	err := readClient(&in, &frameWriter{w: rec})
	assert.ErrorIs(t, err, io.EOF)

	require.Len(t, rec.writes, 2, "one pong and one close reply")
	pong, err := ws.ReadFrame(bytes.NewReader(rec.writes[0]))
	require.NoError(t, err)
	assert.Equal(t, ws.OpPong, pong.Header.OpCode)
	assert.Equal(t, "p1", string(pong.Payload))

	closing, err := ws.ReadFrame(bytes.NewReader(rec.writes[1]))
	require.NoError(t, err)
	assert.Equal(t, ws.OpClose, closing.Header.OpCode)
}

func TestReadClient_RejectsOversizedControlFrame(t *testing.T) {
	hdr := ws.Header{Fin: true, OpCode: ws.OpPing, Length: 1 << 20, Masked: true}
	var in bytes.Buffer
	require.NoError(t, ws.WriteHeader(&in, hdr))

	err := readClient(&in, &frameWriter{w: io.Discard})
	assert.ErrorIs(t, err, ws.ErrProtocolControlPayloadOverflow)
}

func TestWebsocketPingsDuringStream(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	rw, closeConn := dialWS(t, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/workflows")
	defer closeConn()

	_, err := wsutil.ReadServerText(rw)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return env.hub.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	const n = 40
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			_ = wsutil.WriteClientMessage(rw, ws.OpPing, []byte(fmt.Sprintf("ping-%d", i)))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			env.hub.Broadcast(context.Background(), streaming.NewWorkflowUpdate(fmt.Sprintf("wf-%d", i), schema.WorkflowStatusRunning, nil, nil))
		}
	}()

	var events, pongs []string
	for len(events) < n || len(pongs) < n {
		f, err := ws.ReadFrame(rw)
		require.NoError(t, err)
		switch f.Header.OpCode {
		case ws.OpText:
			var ev streaming.Event
			require.NoError(t, json.Unmarshal(f.Payload, &ev), string(f.Payload))
			events = append(events, ev.WorkflowID)
		case ws.OpPong:
			pongs = append(pongs, string(f.Payload))
		default:
			t.Fatalf("unexpected opcode %v", f.Header.OpCode)
		}
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		assert.Equal(t, fmt.Sprintf("wf-%d", i), events[i])
		assert.Equal(t, fmt.Sprintf("ping-%d", i), pongs[i])
	}
}
