package archive

import (
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/meerkat-bl/bluse/kernel/model"
	"github.com/michaelquigley/pfxlog"
)

const Measurement = "sensor"

type InfluxConfig struct {
	URL       string
	Token     string
	Org       string
	Bucket    string
	BatchSize uint
}

// Influx archives every persisted sensor sample as a point in an InfluxDB
// bucket. Writes are batched and never block the update path.
type Influx struct {
	client influxdb2.Client
	writer api.WriteAPI
	done   chan struct{}
}

func NewInflux(cfg InfluxConfig) *Influx {
	opts := influxdb2.DefaultOptions()
	if cfg.BatchSize > 0 {
		opts.SetBatchSize(cfg.BatchSize)
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)
	i := &Influx{
		client: client,
		writer: client.WriteAPI(cfg.Org, cfg.Bucket),
		done:   make(chan struct{}),
	}
	go i.logErrors()
	return i
}

func (i *Influx) logErrors() {
	log := pfxlog.Logger().WithField("sink", "influx")
	for {
		select {
		case err, open := <-i.writer.Errors():
			if !open {
				return
			}
			log.WithError(err).Warn("failed to archive sensor samples")
		case <-i.done:
			return
		}
	}
}

func (i *Influx) WriteSample(id model.ProductID, sensor string, sample model.SensorSample) {
	ts := time.Unix(0, int64(sample.Timestamp*float64(time.Second)))
	if sample.Timestamp == 0 {
		ts = time.Now()
	}
	p := influxdb2.NewPoint(Measurement,
		map[string]string{"product": string(id), "sensor": sensor},
		map[string]interface{}{
			"value":           sample.Value,
			"status":          string(sample.Status),
			"value_timestamp": sample.ValueTimestamp,
		},
		ts)
	i.writer.WritePoint(p)
}

// Flush sends any buffered points.
func (i *Influx) Flush() {
	i.writer.Flush()
}

func (i *Influx) Close() {
	i.writer.Flush()
	close(i.done)
	i.client.Close()
}
