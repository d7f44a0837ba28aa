package ldtelemetry

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gregjones/httpcache"
	"github.com/launchdarkly/go-sdk-common/v3/ldlog"
)

// streamConfigsPath is the resource path of the stream configuration document, relative
// to the polling base URI.
const streamConfigsPath = "/telemetry/streams"

const (
	pollingErrorContext     = "on stream configuration request"
	pollingWillRetryMessage = "will retry at next scheduled poll interval"
)

type malformedJSONError struct {
	innerError error
}

func (e malformedJSONError) Error() string {
	return e.innerError.Error()
}

// streamConfigRequester allows pollingConfigSource to delegate fetching to another
// component, which is useful for testing the polling logic without an HTTP server.
type streamConfigRequester interface {
	requestAll() (configs []StreamConfig, cached bool, err error)
}

// streamConfigRequestorImpl fetches the configuration document over HTTP. The client is
// decorated with an in-memory HTTP cache so that unchanged documents cost a 304 and are
// reported as cached rather than re-parsed.
type streamConfigRequestorImpl struct {
	httpClient *http.Client
	baseURI    string
	headers    http.Header
	loggers    ldlog.Loggers
}

func newStreamConfigRequestor(
	httpClient *http.Client,
	baseURI string,
	headers http.Header,
	loggers ldlog.Loggers,
) streamConfigRequester {
	modifiedClient := *httpClient
	modifiedClient.Transport = &httpcache.Transport{
		Cache:               httpcache.NewMemoryCache(),
		MarkCachedResponses: true,
		Transport:           httpClient.Transport,
	}

	return &streamConfigRequestorImpl{
		httpClient: &modifiedClient,
		baseURI:    strings.TrimRight(baseURI, "/"),
		headers:    headers,
		loggers:    loggers,
	}
}

func (r *streamConfigRequestorImpl) requestAll() ([]StreamConfig, bool, error) {
	if r.loggers.IsDebugEnabled() {
		r.loggers.Debug("Polling for stream configuration updates")
	}

	body, cached, err := r.makeRequest(streamConfigsPath)
	if err != nil {
		return nil, false, err
	}
	if cached {
		return nil, true, nil
	}

	configs, err := parseStreamConfigsJSON(body)
	if err != nil {
		return nil, false, malformedJSONError{err}
	}
	return configs, false, nil
}

func (r *streamConfigRequestorImpl) makeRequest(resource string) ([]byte, bool, error) {
	req, reqErr := http.NewRequest("GET", r.baseURI+resource, nil)
	if reqErr != nil {
		return nil, false, reqErr
	}
	url := req.URL.String()

	for k, vv := range r.headers {
		req.Header[k] = vv
	}

	res, resErr := r.httpClient.Do(req)
	if resErr != nil {
		return nil, false, resErr
	}

	defer func() {
		_, _ = io.ReadAll(res.Body)
		_ = res.Body.Close()
	}()

	if err := checkForHTTPError(res.StatusCode, url); err != nil {
		return nil, false, err
	}

	cached := res.Header.Get(httpcache.XFromCache) != ""

	body, ioErr := io.ReadAll(res.Body)
	if ioErr != nil {
		return nil, false, ioErr
	}
	return body, cached, nil
}

// pollingConfigSource periodically fetches the full stream configuration set and
// replaces the registry content with it.
type pollingConfigSource struct {
	sink               StreamConfigUpdateSink
	requester          streamConfigRequester
	pollInterval       time.Duration
	loggers            ldlog.Loggers
	setInitializedOnce sync.Once
	isInitialized      atomic.Bool
	quit               chan struct{}
	closeOnce          sync.Once
}

func newPollingConfigSource(
	sink StreamConfigUpdateSink,
	requester streamConfigRequester,
	pollInterval time.Duration,
	loggers ldlog.Loggers,
) *pollingConfigSource {
	return &pollingConfigSource{
		sink:         sink,
		requester:    requester,
		pollInterval: pollInterval,
		loggers:      loggers,
		quit:         make(chan struct{}),
	}
}

func (p *pollingConfigSource) Start(closeWhenReady chan<- struct{}) {
	p.loggers.Infof("Starting stream configuration polling with interval: %+v", p.pollInterval)

	ticker := newTickerWithInitialTick(p.pollInterval)

	go func() {
		defer ticker.Stop()

		var readyOnce sync.Once
		notifyReady := func() {
			readyOnce.Do(func() {
				close(closeWhenReady)
			})
		}
		// Ensure we stop waiting for initialization if we exit, even if initialization
		// fails.
		defer notifyReady()

		for {
			select {
			case <-p.quit:
				return
			case <-ticker.C:
				if err := p.Refresh(); err != nil {
					if hse, ok := err.(httpStatusError); ok {
						if !isHTTPErrorRecoverable(hse.Code) {
							p.loggers.Errorf("Error %s (giving up permanently): %s", pollingErrorContext, err)
							notifyReady()
							return
						}
					}
					p.loggers.Warnf("Error %s (%s): %s", pollingErrorContext, pollingWillRetryMessage, err)
					continue
				}
				p.setInitializedOnce.Do(func() {
					p.isInitialized.Store(true)
					p.loggers.Info("First stream configuration request successful")
					notifyReady()
				})
			}
		}
	}()
}

// Refresh performs a single synchronous fetch-and-replace. The registry keeps its last
// good data when the fetch fails.
func (p *pollingConfigSource) Refresh() error {
	configs, cached, err := p.requester.requestAll()
	if err != nil {
		return err
	}
	// We replace the registry content only if the response wasn't served from the HTTP
	// cache; a cached response means nothing has changed.
	if !cached {
		p.sink.Init(configs)
	}
	p.setInitializedOnce.Do(func() {
		p.isInitialized.Store(true)
	})
	return nil
}

func (p *pollingConfigSource) IsInitialized() bool {
	return p.isInitialized.Load()
}

func (p *pollingConfigSource) Close() error {
	p.closeOnce.Do(func() {
		close(p.quit)
	})
	return nil
}

type tickerWithInitialTick struct {
	*time.Ticker
	C <-chan time.Time
}

func newTickerWithInitialTick(interval time.Duration) *tickerWithInitialTick {
	c := make(chan time.Time)
	ticker := time.NewTicker(interval)
	t := &tickerWithInitialTick{
		C:      c,
		Ticker: ticker,
	}
	go func() {
		c <- time.Now() // Ensure we do an initial poll immediately
		for tt := range ticker.C {
			c <- tt
		}
	}()
	return t
}

// PollingConfigSourceBuilder configures the polling stream configuration source.
//
// Obtain one from PollingConfigSource(), change any properties, and store it in
// Config.ConfigSource:
//
//	config := ldtelemetry.Config{
//	    ConfigSource: ldtelemetry.PollingConfigSource().
//	        BaseURI("https://config.example.com").
//	        PollInterval(10 * time.Minute),
//	}
type PollingConfigSourceBuilder struct {
	baseURI      string
	pollInterval time.Duration
}

// PollingConfigSource returns a configurable factory for the polling source.
func PollingConfigSource() *PollingConfigSourceBuilder {
	return &PollingConfigSourceBuilder{pollInterval: DefaultPollInterval}
}

// BaseURI sets the base URI of the configuration service.
func (b *PollingConfigSourceBuilder) BaseURI(baseURI string) *PollingConfigSourceBuilder {
	b.baseURI = baseURI
	return b
}

// PollInterval sets the interval between polls. The default is DefaultPollInterval.
func (b *PollingConfigSourceBuilder) PollInterval(interval time.Duration) *PollingConfigSourceBuilder {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	b.pollInterval = interval
	return b
}

// CreateStreamConfigSource is called internally during client construction.
func (b *PollingConfigSourceBuilder) CreateStreamConfigSource(
	config Config,
	sink StreamConfigUpdateSink,
) (StreamConfigSource, error) {
	if b.baseURI == "" {
		return nil, errors.New("polling config source requires a base URI")
	}
	requester := newStreamConfigRequestor(config.httpClientOrDefault(), b.baseURI, config.Headers, config.Loggers)
	return newPollingConfigSource(sink, requester, b.pollInterval, config.Loggers), nil
}
