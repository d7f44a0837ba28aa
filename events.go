package ldtelemetry

import (
	"encoding/json"

	"github.com/launchdarkly/go-jsonstream/v3/jreader"
	"github.com/launchdarkly/go-sdk-common/v3/ldtime"
	"github.com/launchdarkly/go-sdk-common/v3/ldvalue"
)

// Event is a single analytics event. Events are immutable once submitted; the pipeline
// owns whichever copy it is currently holding.
type Event struct {
	// Stream is the name of the logical stream this event belongs to. It must match a
	// key in the stream configuration for the event to be delivered.
	Stream string `json:"stream"`
	// CreationDate is when the event was created. If zero, it is stamped at submit time.
	CreationDate ldtime.UnixMillisecondTime `json:"creationDate"`
	// Data is the event payload. It is opaque to the pipeline.
	Data ldvalue.Value `json:"data"`
}

// SamplingUnit is the identifier scope over which a sampling decision is held constant.
type SamplingUnit string

const (
	// SamplingUnitSession samples per session: a session is either entirely in the
	// sample or entirely out of it, across process restarts.
	SamplingUnitSession SamplingUnit = "session"
	// SamplingUnitPageview samples per pageview.
	SamplingUnitPageview SamplingUnit = "pageview"
	// SamplingUnitDevice samples per device, using the identifier supplied in
	// Config.DeviceID.
	SamplingUnitDevice SamplingUnit = "device"
)

// SamplingConfig describes probabilistic inclusion for one stream.
type SamplingConfig struct {
	// Rate is the inclusion probability, in [0.0, 1.0].
	Rate float64 `json:"rate"`
	// Unit selects which identifier the decision is derived from.
	Unit SamplingUnit `json:"unit"`
}

// StreamConfig is the configuration for one event stream. Configurations are immutable
// once installed in the registry; refreshes replace the whole set.
type StreamConfig struct {
	// Stream is the stream name.
	Stream string `json:"-"`
	// Destination is the collector path for this stream, appended to the sender's base
	// URI.
	Destination string `json:"destination,omitempty"`
	// Sampling is the stream's sampling configuration. A nil value means every event
	// is included.
	Sampling *SamplingConfig `json:"sampling,omitempty"`
}

// The stream configuration document, as served by the remote endpoint, stored in the
// persistent snapshot, and read from local files:
//
//	{
//	  "streams": {
//	    "checkout": {
//	      "destination": "/events/checkout",
//	      "sampling": {"rate": 0.5, "unit": "session"}
//	    }
//	  }
//	}
type streamConfigsDocument struct {
	Streams map[string]StreamConfig `json:"streams"`
}

// parseStreamConfigsJSON parses the stream configuration document with the streaming
// JSON parser. Unrecognized properties are skipped for forwards compatibility.
func parseStreamConfigsJSON(data []byte) ([]StreamConfig, error) {
	var ret []StreamConfig
	r := jreader.NewReader(data)
	for obj := r.Object(); obj.Next(); {
		if string(obj.Name()) != "streams" {
			continue
		}
		for streamsObj := r.Object(); streamsObj.Next(); {
			config := StreamConfig{Stream: string(streamsObj.Name())}
			for configObj := r.Object(); configObj.Next(); {
				switch string(configObj.Name()) {
				case "destination":
					config.Destination = r.String()
				case "sampling":
					samplingObj := r.ObjectOrNull()
					defined := samplingObj.IsDefined()
					var sampling SamplingConfig
					for samplingObj.Next() {
						switch string(samplingObj.Name()) {
						case "rate":
							sampling.Rate = r.Float64()
						case "unit":
							sampling.Unit = SamplingUnit(r.String())
						}
					}
					if defined {
						config.Sampling = &sampling
					}
				}
			}
			ret = append(ret, config)
		}
	}
	return ret, r.Error()
}

// marshalStreamConfigs renders a configuration set as the standard document, for the
// persisted snapshot.
func marshalStreamConfigs(configs []StreamConfig) ([]byte, error) {
	doc := streamConfigsDocument{Streams: make(map[string]StreamConfig, len(configs))}
	for _, c := range configs {
		doc.Streams[c.Stream] = c
	}
	return json.Marshal(doc)
}

// marshalEventBatch renders a batch of events for one stream as the JSON array payload
// handed to the EventSender.
func marshalEventBatch(events []Event) ([]byte, error) {
	return json.Marshal(events)
}
