package portal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/meerkat-bl/bluse/kernel/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePortal struct {
	t      *testing.T
	server *httptest.Server
	calls  chan rpcRequest
}

func newFakePortal(t *testing.T) *fakePortal {
	fp := &fakePortal{t: t, calls: make(chan rpcRequest, 16)}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/client/1", func(w http.ResponseWriter, r *http.Request) {
		base := fp.server.URL
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"client": map[string]string{
				"websocket":       "ws" + strings.TrimPrefix(base, "http") + "/ws",
				"monitor":         base + "/monitor",
				"schedule_blocks": base + "/sb",
				"sub_nr":          "1",
			},
		})
	})
	mux.HandleFunc("/monitor/list-sensors/all", func(w http.ResponseWriter, r *http.Request) {
		filter := r.URL.Query().Get("name_filter")
		var out []sensorReading
		if filter == "target" || filter == "^target$" {
			out = append(out, sensorReading{Name: "target", Value: "Moon, radec", Status: "nominal", Time: 1534657577.373, ValueTime: 1534657577.1})
		}
		if filter == "weight" {
			out = append(out, sensorReading{Name: "weight", Value: 3.5, Status: "warn", Time: 2, ValueTime: 1})
		}
		_ = json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("/sb/scheduled", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]interface{}{
			{"id_code": "20161010-0001", "sub_nr": 1},
			{"id_code": "20161010-0002", "sub_nr": 2},
		})
	})
	upgrader := websocket.Upgrader{}
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var req rpcRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			fp.calls <- req
			switch req.Method {
			case "subscribe":
				_ = conn.WriteJSON(map[string]interface{}{"jsonrpc": "2.0", "id": req.Id, "result": 1})
			case "set_sampling_strategies":
				sensor, _ := req.Params[1].(string)
				ok := sensor != "m999_marked_faulty"
				_ = conn.WriteJSON(map[string]interface{}{"jsonrpc": "2.0", "id": req.Id,
					"result": map[string]interface{}{sensor: map[string]interface{}{"success": ok, "info": "unknown sensor"}}})
				if ok {
					_ = conn.WriteJSON(map[string]interface{}{"jsonrpc": "2.0", "result": map[string]interface{}{
						"msg_pattern": req.Params[0].(string) + ":*",
						"msg_channel": req.Params[0].(string) + ":" + sensor,
						"msg_data": map[string]interface{}{
							"name": sensor, "value": false, "status": "nominal",
							"timestamp": 10.5, "received_timestamp": 10.7,
						},
					}})
				}
			default:
				_ = conn.WriteJSON(map[string]interface{}{"jsonrpc": "2.0", "id": req.Id,
					"error": map[string]interface{}{"code": -32601, "message": "method not found"}})
			}
		}
	})
	fp.server = httptest.NewServer(mux)
	t.Cleanup(fp.server.Close)
	return fp
}

func (fp *fakePortal) camURL() string {
	return fp.server.URL + "/api/client/1"
}

func dialTest(t *testing.T, fp *fakePortal) Session {
	d := &KATPortalDialer{UpdateBuffer: 4, DeliveryTimeout: 50 * time.Millisecond}
	s, err := d.Dial(context.Background(), fp.camURL())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestKATPortal_SubscribeAndReceiveUpdate(t *testing.T) {
	fp := newFakePortal(t)
	s := dialTest(t, fp)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, s.Connect(ctx))
	n, err := s.Subscribe(ctx, "namespace_x")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.SetSamplingStrategy(ctx, "namespace_x", "m000_data_suspect", "event"))

	select {
	case upd := <-s.Updates():
		assert.Equal(t, "m000_data_suspect", upd.Sensor)
		assert.Equal(t, "namespace_x", upd.Namespace)
		assert.Equal(t, "false", upd.Sample.Value)
		assert.Equal(t, model.StatusNominal, upd.Sample.Status)
		assert.Equal(t, 10.7, upd.Sample.Timestamp)
		assert.Equal(t, 10.5, upd.Sample.ValueTimestamp)
	case <-ctx.Done():
		t.Fatal("no update received")
	}
}

func TestKATPortal_SetSamplingStrategyRejected(t *testing.T) {
	fp := newFakePortal(t)
	s := dialTest(t, fp)
	ctx := context.Background()

	require.NoError(t, s.Connect(ctx))
	err := s.SetSamplingStrategy(ctx, "ns", "m999_marked_faulty", "event")
	assert.True(t, model.IsKind(err, model.SensorNotFound))
}

func TestKATPortal_CallBeforeConnect(t *testing.T) {
	fp := newFakePortal(t)
	s := dialTest(t, fp)

	_, err := s.Subscribe(context.Background(), "ns")
	assert.True(t, model.IsKind(err, model.PortalUnreachable))
}

func TestKATPortal_SensorQueries(t *testing.T) {
	fp := newFakePortal(t)
	s := dialTest(t, fp)
	ctx := context.Background()

	names, err := s.SensorNames(ctx, []string{"target", "weight", "nothing"})
	require.NoError(t, err)
	assert.Equal(t, []string{"target", "weight"}, names)

	sample, err := s.SensorValue(ctx, "target")
	require.NoError(t, err)
	assert.Equal(t, "Moon, radec", sample.Value)
	assert.Equal(t, 1534657577.373, sample.Timestamp)

	_, err = s.SensorValue(ctx, "nothing")
	assert.True(t, model.IsKind(err, model.SensorNotFound))
}

func TestKATPortal_ScheduleBlocks(t *testing.T) {
	fp := newFakePortal(t)
	s := dialTest(t, fp)

	ids, err := s.ScheduleBlocks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"20161010-0001"}, ids)
}

func TestKATPortal_Unreachable(t *testing.T) {
	d := &KATPortalDialer{}
	s, err := d.Dial(context.Background(), "http://127.0.0.1:1/api/client/1")
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = s.Connect(ctx)
	assert.True(t, model.IsKind(err, model.PortalUnreachable))
}

func TestKATPortal_CloseIdempotent(t *testing.T) {
	fp := newFakePortal(t)
	s := dialTest(t, fp)
	require.NoError(t, s.Connect(context.Background()))

	require.NoError(t, s.Close())
	assert.NoError(t, s.Close())

	select {
	case _, open := <-s.Updates():
		assert.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("updates channel not closed")
	}
}

func TestDecodeUpdate_MissingName(t *testing.T) {
	_, err := decodeUpdate(map[string]interface{}{"result": map[string]interface{}{"msg_data": map[string]interface{}{}}})
	assert.Error(t, err)
}
