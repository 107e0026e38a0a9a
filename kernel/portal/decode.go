package portal

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/meerkat-bl/bluse/kernel/model"
	"github.com/oliveagle/jsonpath"
	"github.com/pkg/errors"
)

var (
	pathChannel      = mustCompile("$.result.msg_channel")
	pathName         = mustCompile("$.result.msg_data.name")
	pathValue        = mustCompile("$.result.msg_data.value")
	pathStatus       = mustCompile("$.result.msg_data.status")
	pathTimestamp    = mustCompile("$.result.msg_data.timestamp")
	pathReceivedTime = mustCompile("$.result.msg_data.received_timestamp")
)

func mustCompile(path string) *jsonpath.Compiled {
	c, err := jsonpath.Compile(path)
	if err != nil {
		panic(err)
	}
	return c
}

// decodeUpdate extracts a sensor update from a pushed websocket frame:
//
//	{"result": {"msg_channel": "<namespace>:<sensor>",
//	            "msg_data": {"name", "value", "status", "timestamp", "received_timestamp"}}}
func decodeUpdate(frame interface{}) (Update, error) {
	rawName, err := pathName.Lookup(frame)
	if err != nil {
		return Update{}, errors.Wrap(err, "update has no msg_data.name")
	}
	name, ok := rawName.(string)
	if !ok || name == "" {
		return Update{}, errors.Errorf("update msg_data.name is %T, not a string", rawName)
	}

	upd := Update{Sensor: name}
	if ch, err := pathChannel.Lookup(frame); err == nil {
		if s, ok := ch.(string); ok {
			upd.Namespace = namespaceOf(s)
		}
	}

	value, _ := pathValue.Lookup(frame)
	upd.Sample.Value = valueString(value)

	status, _ := pathStatus.Lookup(frame)
	if s, ok := status.(string); ok {
		upd.Sample.Status = model.ParseSensorStatus(s)
	} else {
		upd.Sample.Status = model.StatusUnknown
	}

	valueTs, _ := pathTimestamp.Lookup(frame)
	upd.Sample.ValueTimestamp = floatOf(valueTs)
	received, _ := pathReceivedTime.Lookup(frame)
	upd.Sample.Timestamp = floatOf(received)
	if upd.Sample.Timestamp == 0 {
		upd.Sample.Timestamp = upd.Sample.ValueTimestamp
	}
	return upd, nil
}

func namespaceOf(channel string) string {
	if i := strings.Index(channel, ":"); i >= 0 {
		return channel[:i]
	}
	return channel
}

// valueString renders a sensor value as text: strings verbatim, everything
// else as its JSON encoding.
func valueString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

func floatOf(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	default:
		return 0
	}
}

// sensorReading is one entry of a list-sensors reply.
type sensorReading struct {
	Name      string      `json:"name"`
	Value     interface{} `json:"value"`
	Status    string      `json:"status"`
	Time      float64     `json:"time"`
	ValueTime float64     `json:"value_ts"`
}

func (r sensorReading) sample() model.SensorSample {
	return model.SensorSample{
		Timestamp:      r.Time,
		ValueTimestamp: r.ValueTime,
		Value:          valueString(r.Value),
		Status:         model.ParseSensorStatus(r.Status),
	}
}
