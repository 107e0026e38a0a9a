package model

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// ProductID names a data product (subarray observation). It is unique among
// active products only; CAM may reuse it after deconfigure.
type ProductID string

// LifecycleState is the coordinator-side state of a data product.
type LifecycleState string

const (
	Unconfigured LifecycleState = "unconfigured"
	Configured   LifecycleState = "configured"
	Initialized  LifecycleState = "initialized"
	Capturing    LifecycleState = "capturing"
	Stopped      LifecycleState = "stopped"
	Done         LifecycleState = "done"
)

// Streams maps stream type to stream name to URI, as delivered in the
// configure request.
type Streams map[string]map[string]string

const (
	CamStreamType = "cam.http"
	CamStreamName = "camdata"
)

// CamURL returns the portal connection string carried by the cam.http stream.
func (s Streams) CamURL() (string, bool) {
	byName, ok := s[CamStreamType]
	if !ok {
		return "", false
	}
	url, ok := byName[CamStreamName]
	return url, ok && url != ""
}

// ProductRecord is everything the coordinator knows about one active product.
type ProductRecord struct {
	Id         ProductID      `json:"product_id"`
	Antennas   []string       `json:"antennas"`
	NChannels  int            `json:"n_channels"`
	ProxyName  string         `json:"proxy_name"`
	Streams    Streams        `json:"streams"`
	CamURL     string         `json:"cam_url"`
	State      LifecycleState `json:"state"`
	Configured float64        `json:"configured_at"`
}

// Clone returns a deep copy safe to hand to readers outside the table lock.
func (r *ProductRecord) Clone() *ProductRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Antennas = append([]string(nil), r.Antennas...)
	if r.Streams != nil {
		c.Streams = make(Streams, len(r.Streams))
		for streamType, byName := range r.Streams {
			inner := make(map[string]string, len(byName))
			for k, v := range byName {
				inner[k] = v
			}
			c.Streams[streamType] = inner
		}
	}
	return &c
}

// ParseAntennas splits the comma separated antenna roster. Names are passed
// through unvalidated; only an empty roster is rejected.
func ParseAntennas(csv string) ([]string, error) {
	if strings.TrimSpace(csv) == "" {
		return nil, errors.New("antennas_csv is empty")
	}
	return strings.Split(csv, ","), nil
}

// ParseStreams decodes the streams JSON and requires cam.http.camdata.
func ParseStreams(raw string) (Streams, string, error) {
	var streams Streams
	if err := json.Unmarshal([]byte(raw), &streams); err != nil {
		return nil, "", errors.Wrap(err, "streams_json is not a stream-type to stream-name mapping")
	}
	url, ok := streams.CamURL()
	if !ok {
		return nil, "", errors.Errorf("streams_json is missing %s.%s", CamStreamType, CamStreamName)
	}
	return streams, url, nil
}
