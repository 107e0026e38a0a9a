package portal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/meerkat-bl/bluse/kernel/model"
	"github.com/michaelquigley/pfxlog"
	"github.com/pkg/errors"
)

// KATPortalDialer creates sessions against the MeerKAT CAM portal.
type KATPortalDialer struct {
	HTTPClient      *http.Client
	UpdateBuffer    int
	DeliveryTimeout time.Duration
}

func (d *KATPortalDialer) Dial(_ context.Context, camURL string) (Session, error) {
	if _, err := url.Parse(camURL); err != nil || camURL == "" {
		return nil, model.NewCommandError(model.PortalUnreachable, "", errors.Errorf("invalid cam_url '%s'", camURL))
	}
	httpClient := d.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	buffer := d.UpdateBuffer
	if buffer <= 0 {
		buffer = 256
	}
	deliveryTimeout := d.DeliveryTimeout
	if deliveryTimeout <= 0 {
		deliveryTimeout = 100 * time.Millisecond
	}
	return &KATPortal{
		camURL:          camURL,
		http:            httpClient,
		deliveryTimeout: deliveryTimeout,
		updates:         make(chan Update, buffer),
		pending:         make(map[string]chan rpcResponse),
		closed:          make(chan struct{}),
	}, nil
}

// Sitemap is the portal's description of its endpoints for one subarray.
type Sitemap struct {
	Websocket      string `json:"websocket"`
	Monitor        string `json:"monitor"`
	ScheduleBlocks string `json:"schedule_blocks"`
	SubNr          string `json:"sub_nr"`
}

// KATPortal is a Session speaking JSON-RPC 2.0 over the portal websocket for
// subscriptions and plain HTTP for sensor and schedule block queries.
type KATPortal struct {
	camURL          string
	http            *http.Client
	deliveryTimeout time.Duration

	mu      sync.Mutex
	sitemap *Sitemap
	conn    *websocket.Conn

	writeMu sync.Mutex
	pendMu  sync.Mutex
	pending map[string]chan rpcResponse

	updates   chan Update
	closed    chan struct{}
	closeOnce sync.Once
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	Id      string        `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (p *KATPortal) unreachable(err error, format string, args ...interface{}) error {
	return model.NewCommandError(model.PortalUnreachable, "", errors.Wrapf(err, format, args...))
}

func (p *KATPortal) loadSitemap(ctx context.Context) (*Sitemap, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sitemap != nil {
		return p.sitemap, nil
	}

	var body struct {
		Client Sitemap `json:"client"`
	}
	if err := p.getJSON(ctx, p.camURL, &body); err != nil {
		return nil, p.unreachable(err, "fetching sitemap from %s", p.camURL)
	}
	p.sitemap = &body.Client
	return p.sitemap, nil
}

func (p *KATPortal) getJSON(ctx context.Context, target string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("unexpected status %s from %s", resp.Status, target)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Connect opens the websocket and starts the reader goroutine.
func (p *KATPortal) Connect(ctx context.Context) error {
	sitemap, err := p.loadSitemap(ctx)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		return nil
	}
	select {
	case <-p.closed:
		return p.unreachable(errors.New("session closed"), "connecting to %s", sitemap.Websocket)
	default:
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, sitemap.Websocket, nil)
	if err != nil {
		return p.unreachable(err, "dialing %s", sitemap.Websocket)
	}
	p.conn = conn
	go p.readLoop(conn)
	return nil
}

func (p *KATPortal) readLoop(conn *websocket.Conn) {
	log := pfxlog.Logger().WithField("portal", p.camURL)
	defer p.failPending()
	defer close(p.updates)

	for {
		var frame map[string]interface{}
		if err := conn.ReadJSON(&frame); err != nil {
			select {
			case <-p.closed:
			default:
				log.WithError(err).Warn("portal websocket closed")
			}
			return
		}

		if id, ok := frame["id"].(string); ok && id != "" {
			p.resolve(id, frame)
			continue
		}

		upd, err := decodeUpdate(frame)
		if err != nil {
			log.WithError(err).Debug("ignoring portal frame")
			continue
		}
		p.deliver(upd)
	}
}

// deliver hands an update to the consumer, waiting at most deliveryTimeout so
// a stalled consumer cannot stall the websocket reader.
func (p *KATPortal) deliver(upd Update) {
	select {
	case p.updates <- upd:
		return
	default:
	}
	timer := time.NewTimer(p.deliveryTimeout)
	defer timer.Stop()
	select {
	case p.updates <- upd:
	case <-timer.C:
		pfxlog.Logger().WithField("sensor", upd.Sensor).Warn("update buffer full, dropping sensor update")
	case <-p.closed:
	}
}

func (p *KATPortal) resolve(id string, frame map[string]interface{}) {
	p.pendMu.Lock()
	ch, ok := p.pending[id]
	delete(p.pending, id)
	p.pendMu.Unlock()
	if !ok {
		return
	}

	raw, _ := json.Marshal(frame)
	var resp rpcResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		resp.Error = &rpcError{Code: -32700, Message: err.Error()}
	}
	ch <- resp
}

func (p *KATPortal) failPending() {
	p.pendMu.Lock()
	defer p.pendMu.Unlock()
	for id, ch := range p.pending {
		ch <- rpcResponse{Error: &rpcError{Code: -32000, Message: "connection closed"}}
		delete(p.pending, id)
	}
}

func (p *KATPortal) call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return nil, p.unreachable(errors.New("not connected"), "calling %s", method)
	}

	req := rpcRequest{JSONRPC: "2.0", Method: method, Params: params, Id: uuid.NewString()}
	ch := make(chan rpcResponse, 1)
	p.pendMu.Lock()
	p.pending[req.Id] = ch
	p.pendMu.Unlock()

	p.writeMu.Lock()
	err := conn.WriteJSON(req)
	p.writeMu.Unlock()
	if err != nil {
		p.forget(req.Id)
		return nil, p.unreachable(err, "sending %s", method)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, p.unreachable(errors.New(resp.Error.Message), "%s failed with code %d", method, resp.Error.Code)
		}
		return resp.Result, nil
	case <-ctx.Done():
		p.forget(req.Id)
		return nil, p.unreachable(ctx.Err(), "waiting for %s", method)
	}
}

func (p *KATPortal) forget(id string) {
	p.pendMu.Lock()
	delete(p.pending, id)
	p.pendMu.Unlock()
}

// Subscribe joins namespace and returns the number of subscriptions the
// portal reports for it.
func (p *KATPortal) Subscribe(ctx context.Context, namespace string) (int, error) {
	raw, err := p.call(ctx, "subscribe", namespace, []string{namespace + ":*"})
	if err != nil {
		return 0, err
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, p.unreachable(err, "decoding subscribe result")
	}
	return n, nil
}

func (p *KATPortal) SetSamplingStrategy(ctx context.Context, namespace, sensor, strategy string) error {
	raw, err := p.call(ctx, "set_sampling_strategies", namespace, sensor, strategy)
	if err != nil {
		return err
	}
	// the portal answers with a map of sensor name to per-sensor outcome
	var outcome map[string]struct {
		Success bool   `json:"success"`
		Info    string `json:"info"`
	}
	if err := json.Unmarshal(raw, &outcome); err != nil || len(outcome) == 0 {
		return nil
	}
	if o, ok := outcome[sensor]; ok && !o.Success {
		return model.NewCommandError(model.SensorNotFound, "", errors.Errorf("set strategy on %s: %s", sensor, o.Info))
	}
	return nil
}

func (p *KATPortal) listSensors(ctx context.Context, filter string) ([]sensorReading, error) {
	sitemap, err := p.loadSitemap(ctx)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("reading_only", "1")
	q.Set("name_filter", filter)
	target := fmt.Sprintf("%s/list-sensors/all?%s", sitemap.Monitor, q.Encode())

	var readings []sensorReading
	if err := p.getJSON(ctx, target, &readings); err != nil {
		return nil, p.unreachable(err, "listing sensors matching '%s'", filter)
	}
	return readings, nil
}

// SensorNames resolves name patterns (regular expressions) to sensor names.
func (p *KATPortal) SensorNames(ctx context.Context, patterns []string) ([]string, error) {
	seen := make(map[string]struct{})
	for _, pattern := range patterns {
		readings, err := p.listSensors(ctx, pattern)
		if err != nil {
			return nil, err
		}
		for _, r := range readings {
			seen[r.Name] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (p *KATPortal) SensorValue(ctx context.Context, name string) (model.SensorSample, error) {
	readings, err := p.listSensors(ctx, "^"+regexp.QuoteMeta(name)+"$")
	if err != nil {
		return model.SensorSample{}, err
	}
	for _, r := range readings {
		if r.Name == name {
			return r.sample(), nil
		}
	}
	return model.SensorSample{}, model.NewCommandError(model.SensorNotFound, "", errors.Errorf("sensor '%s' not found", name))
}

// ScheduleBlocks returns the ids of schedule blocks scheduled on this subarray.
func (p *KATPortal) ScheduleBlocks(ctx context.Context) ([]string, error) {
	sitemap, err := p.loadSitemap(ctx)
	if err != nil {
		return nil, err
	}
	var blocks []struct {
		IdCode string `json:"id_code"`
		SubNr  int    `json:"sub_nr"`
	}
	if err := p.getJSON(ctx, sitemap.ScheduleBlocks+"/scheduled", &blocks); err != nil {
		return nil, p.unreachable(err, "listing schedule blocks")
	}
	var ids []string
	for _, b := range blocks {
		if fmt.Sprint(b.SubNr) == sitemap.SubNr {
			ids = append(ids, b.IdCode)
		}
	}
	return ids, nil
}

func (p *KATPortal) Updates() <-chan Update {
	return p.updates
}

// Close ends the session. It is safe to call more than once.
func (p *KATPortal) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		p.mu.Lock()
		conn := p.conn
		p.mu.Unlock()
		if conn == nil {
			close(p.updates)
			return
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = conn.Close()
	})
	return err
}
