package katcp

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/openziti/foundation/v2/concurrenz"
	"github.com/pkg/errors"
)

const (
	DeviceOK       = "ok"
	DeviceDegraded = "degraded"
	DeviceFail     = "fail"

	Version = "1.0"
)

// KATCP v5 sensor statuses.
const (
	SensorNominal = "nominal"
	SensorWarn    = "warn"
)

type sensorReading struct {
	value     string
	status    string
	timestamp time.Time
}

type deviceSensor struct {
	description string
	units       string
	kind        string
	params      []string
	read        func(s *Server) sensorReading
}

// deviceHealth is the device-status reading, degraded while the most recent
// lifecycle command has failed.
type deviceHealth struct {
	current concurrenz.AtomicValue[sensorReading]
}

func newDeviceHealth(now time.Time) *deviceHealth {
	h := &deviceHealth{}
	h.current.Store(sensorReading{value: DeviceOK, status: SensorNominal, timestamp: now})
	return h
}

func (h *deviceHealth) record(err error, now time.Time) {
	if err != nil {
		h.current.Store(sensorReading{value: DeviceDegraded, status: SensorWarn, timestamp: now})
		return
	}
	h.current.Store(sensorReading{value: DeviceOK, status: SensorNominal, timestamp: now})
}

func (h *deviceHealth) read() sensorReading {
	return h.current.Load()
}

var deviceSensors = map[string]deviceSensor{
	"device-status": {
		description: "Health status of BLUSE",
		kind:        "discrete",
		params:      []string{DeviceOK, DeviceDegraded, DeviceFail},
		read:        func(s *Server) sensorReading { return s.health.read() },
	},
	"local-time-synced": {
		description: "Indicates BLUSE is NTP syncronised.",
		kind:        "boolean",
		read: func(s *Server) sensorReading {
			return sensorReading{value: "1", status: SensorNominal, timestamp: s.started}
		},
	},
	"version": {
		description: "Reports the current BLUSE version",
		kind:        "string",
		read: func(s *Server) sensorReading {
			return sensorReading{value: Version, status: SensorNominal, timestamp: s.started}
		},
	},
}

// sensorNames resolves the optional name argument of the sensor requests.
func sensorNames(req *Message) ([]string, error) {
	if len(req.Args) > 0 {
		if _, found := deviceSensors[req.Args[0]]; !found {
			return nil, errors.Errorf("Unknown sensor name: %s.", req.Args[0])
		}
		return []string{req.Args[0]}, nil
	}
	names := make([]string, 0, len(deviceSensors))
	for name := range deviceSensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *Server) sensorList(_ context.Context, req *Message, w *replyWriter) {
	names, err := sensorNames(req)
	if err != nil {
		w.send(fail(req, err))
		return
	}
	for _, name := range names {
		sensor := deviceSensors[name]
		args := append([]string{name, sensor.description, sensor.units, sensor.kind}, sensor.params...)
		w.send(NewInform(req, args...))
	}
	w.send(NewReply(req, StatusOK, strconv.Itoa(len(names))))
}

func (s *Server) sensorValue(_ context.Context, req *Message, w *replyWriter) {
	names, err := sensorNames(req)
	if err != nil {
		w.send(fail(req, err))
		return
	}
	for _, name := range names {
		r := deviceSensors[name].read(s)
		w.send(NewInform(req, katcpTimestamp(r.timestamp), "1", name, r.status, r.value))
	}
	w.send(NewReply(req, StatusOK, strconv.Itoa(len(names))))
}

// katcpTimestamp formats t as seconds since the epoch with millisecond precision.
func katcpTimestamp(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixMilli())/1000, 'f', 3, 64)
}
