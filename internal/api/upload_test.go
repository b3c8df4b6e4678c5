package api

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/reflash/internal/config"
	"grimm.is/reflash/internal/flash"
	"grimm.is/reflash/internal/update"
)

func TestUpload_StalledClientTimesOut(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Flash.RecvTimeout = "100ms" })
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	conn, err := net.Dial("tcp", ts.Listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))

	// Promise three units, send one and a bit, then go quiet.
	_, err = fmt.Fprintf(conn, "POST /upload?label=storage HTTP/1.1\r\nHost: reflash\r\n"+
		"Content-Type: application/octet-stream\r\nContent-Length: %d\r\n\r\n", 3*4096)
	require.NoError(t, err)
	_, err = conn.Write(image(4096+10, 0x33))
	require.NoError(t, err)

	started := time.Now()
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "Upload incomplete", string(body))
	assert.Less(t, time.Since(started), 5*time.Second)

	id := resp.Header.Get("X-Session-Id")
	require.NotEmpty(t, id)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/sessions/"+id, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var res update.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, update.StateFailed, res.State)
	assert.Equal(t, update.PhaseReceive, res.Phase)
	assert.Contains(t, res.Error, update.ErrStreamTimeout.Error())
	assert.EqualValues(t, 4096+10, res.Received)

	// The open run was never flushed.
	assert.Equal(t, bytes.Repeat([]byte{flash.ErasedByte}, 64<<10), env.region(t, "storage")[:64<<10])
}

func TestDeadlineReader_Unsupported(t *testing.T) {
	// A recorder cannot set deadlines; reads pass straight through.
	rec := httptest.NewRecorder()
	r := newDeadlineReader(&accessLogWriter{ResponseWriter: rec}, bytes.NewReader([]byte("abc")), time.Second)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))

	assert.IsType(t, &bytes.Reader{}, newDeadlineReader(rec, bytes.NewReader(nil), 0))
}
