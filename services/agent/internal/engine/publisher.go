package engine

import (
	"github.com/rs/zerolog"
)

// Sink consumes the ordered event stream of one run. The live SSE channel
// and the durable history log are both sinks; neither gates the other.
type Sink interface {
	Write(ev Event) error
}

// Publisher fans each event out to its sinks in registration order. A sink
// failure is logged and never stops delivery to the remaining sinks, so a
// disconnected caller cannot halt persistence and a broken store cannot
// halt the live stream.
type Publisher struct {
	sinks []Sink
	log   zerolog.Logger
}

// NewPublisher creates a Publisher over the given sinks.
func NewPublisher(log zerolog.Logger, sinks ...Sink) *Publisher {
	return &Publisher{sinks: sinks, log: log}
}

// Publish delivers ev to every sink. Events are delivered fully before
// Publish returns, which keeps the per-run event order total.
func (p *Publisher) Publish(ev Event) {
	if p == nil {
		return
	}
	for _, sink := range p.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Write(ev); err != nil {
			p.log.Warn().Err(err).Str("step", string(ev.Step)).Msg("event sink write failed")
		}
	}
}
