package ldtelemetry

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/launchdarkly/go-sdk-common/v3/ldlog"
	"github.com/launchdarkly/go-sdk-common/v3/ldtime"
)

const (
	payloadIDHeader    = "X-Telemetry-Payload-ID"
	eventSchemaHeader  = "X-Telemetry-Event-Schema"
	currentEventSchema = "1"
)

// defaultEventSender delivers event batches over HTTP. Each batch is POSTed as a JSON
// array to the base URI plus the stream's destination path, with a unique payload ID
// header so the collector can deduplicate retransmissions.
//
// In fire-and-forget mode the sender does not wait for the response body; in verbose
// mode it reads the full response and picks up the server's reported time from the
// Date header. The mode is a policy supplied by the caller (typically from a release
// channel flag), not something the pipeline decides.
type defaultEventSender struct {
	httpClient    *http.Client
	baseURI       string
	headers       http.Header
	fireAndForget bool
	loggers       ldlog.Loggers
}

// NewDefaultEventSender creates the standard HTTP implementation of EventSender.
func NewDefaultEventSender(
	httpClient *http.Client,
	baseURI string,
	headers http.Header,
	fireAndForget bool,
	loggers ldlog.Loggers,
) EventSender {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &defaultEventSender{
		httpClient:    httpClient,
		baseURI:       strings.TrimRight(baseURI, "/"),
		headers:       headers,
		fireAndForget: fireAndForget,
		loggers:       loggers,
	}
}

func (s *defaultEventSender) SendEventData(config StreamConfig, data []byte, eventCount int) EventSenderResult {
	uri := addPath(s.baseURI, config.Destination)

	req, err := http.NewRequest("POST", uri, bytes.NewReader(data))
	if err != nil {
		s.loggers.Errorf("Unable to create request for %s: %s", uri, err)
		return EventSenderResult{}
	}
	for k, vv := range s.headers {
		req.Header[k] = vv
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(eventSchemaHeader, currentEventSchema)
	req.Header.Set(payloadIDHeader, uuid.New().String())

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.loggers.Warnf("Unexpected error while sending %d events to %s: %s", eventCount, uri, err)
		return EventSenderResult{}
	}

	result := EventSenderResult{StatusCode: resp.StatusCode}
	if resp.StatusCode/100 == 2 {
		result.Success = true
		if !s.fireAndForget {
			_, _ = io.ReadAll(resp.Body)
			result.TimeFromServer = parseServerDate(resp.Header.Get("Date"))
		}
	} else {
		result.MustRetry = resp.StatusCode >= 500
		s.loggers.Warn(httpErrorMessage(resp.StatusCode,
			"event delivery", "some events were dropped"))
	}
	_ = resp.Body.Close()
	return result
}

func parseServerDate(value string) ldtime.UnixMillisecondTime {
	if value == "" {
		return 0
	}
	t, err := http.ParseTime(value)
	if err != nil {
		return 0
	}
	return ldtime.UnixMillisFromTime(t.Round(time.Millisecond))
}

// addPath concatenates a subpath to a URL in a way that will not cause a double slash.
func addPath(baseURI string, path string) string {
	return strings.TrimSuffix(baseURI, "/") + "/" + strings.TrimPrefix(path, "/")
}
