package ldtelemetry

type nullEventSender struct{}

// NewNullEventSender returns an EventSender that discards all event data. Setting it as
// Config.Sender turns off event delivery entirely while leaving the rest of the
// pipeline (sampling, buffering) functional.
func NewNullEventSender() EventSender {
	return nullEventSender{}
}

func (n nullEventSender) SendEventData(config StreamConfig, data []byte, eventCount int) EventSenderResult {
	return EventSenderResult{Success: true}
}
