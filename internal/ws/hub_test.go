package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	diag "github.com/coreman2200/neostrip/internal/diagnostics"
	"github.com/coreman2200/neostrip/internal/frame"
	"github.com/coreman2200/neostrip/internal/led"
	"github.com/coreman2200/neostrip/internal/pixel"
)

type fakeCtl struct {
	mu  sync.Mutex
	src frame.Source
}

func (f *fakeCtl) SetSource(src frame.Source) {
	f.mu.Lock()
	f.src = src
	f.mu.Unlock()
}

func (f *fakeCtl) source() frame.Source {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.src
}

func (f *fakeCtl) Counters() frame.Counters { return frame.Counters{Frames: 9, Failures: 1, Late: 2} }
func (f *fakeCtl) Len() int                 { return 2 }
func (f *fakeCtl) Backend() string          { return "serial" }

func newServer(t *testing.T) (*Hub, *fakeCtl, string) {
	h := NewHub(frame.SourceRandom, pixel.Pixel{R: 7}, frame.DefaultMask)
	ctl := &fakeCtl{}
	h.Attach(ctl)
	srv := httptest.NewServer(h.Mux())
	t.Cleanup(srv.Close)
	return h, ctl, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	return c
}

func TestFramesBroadcast(t *testing.T) {
	h, _, base := newServer(t)
	c := dial(t, base+"/ws")

	var st statusMsg
	require.NoError(t, c.ReadJSON(&st))
	assert.Equal(t, statusMsg{Backend: "serial", Pixels: 2, Source: "random", Color: "070000"}, st)

	h.Observe(frame.Result{ID: 5, Start: time.Now()}, pixel.Strip{{R: 1, G: 2, B: 3}, {R: 4, G: 5, B: 6}})

	var fm frameMsg
	require.NoError(t, c.ReadJSON(&fm))
	assert.Equal(t, uint64(5), fm.FrameID)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, fm.RGB)
}

func TestDiagOnFailedFrame(t *testing.T) {
	h, _, base := newServer(t)
	c := dial(t, base+"/diag")
	var st statusMsg
	require.NoError(t, c.ReadJSON(&st))

	h.Observe(frame.Result{ID: 1}, pixel.NewStrip(2))
	h.Observe(frame.Result{ID: 2, Err: &led.TxError{Backend: "pulse", Pixel: 1, Err: led.ErrInjected}}, pixel.NewStrip(2))

	var d diag.Diagnostic
	require.NoError(t, c.ReadJSON(&d))
	assert.Equal(t, diag.CodeTxFail, d.Code, "clean frame sends nothing")
}

func TestControlSetsSource(t *testing.T) {
	_, ctl, base := newServer(t)
	c := dial(t, base+"/control")

	require.NoError(t, c.WriteJSON(ControlMsg{Source: frame.SourceSolid, Color: "#000300"}))
	var st statusMsg
	require.NoError(t, c.ReadJSON(&st))
	assert.Equal(t, "solid", st.Source)
	assert.Equal(t, "000300", st.Color)
	assert.Equal(t, frame.Solid{Color: pixel.Pixel{G: 3}}, ctl.source())

	require.NoError(t, c.WriteJSON(ControlMsg{Source: "plasma"}))
	require.NoError(t, c.ReadJSON(&st))
	assert.Equal(t, "solid", st.Source, "unknown source is ignored")
}

func TestHealth(t *testing.T) {
	h, _, _ := newServer(t)
	h.Observe(frame.Result{ID: 3}, pixel.NewStrip(2))

	rec := httptest.NewRecorder()
	h.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, float64(3), resp["frame_id"])
	assert.Equal(t, "serial", resp["backend"])
	assert.Equal(t, float64(1), resp["failures"])
	assert.Equal(t, float64(2), resp["late"])
}
