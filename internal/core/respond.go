package core

import (
	"golang.org/x/time/rate"

	"packetsender/config"
	"packetsender/internal/metrics"
	"packetsender/packet"
	"packetsender/util"
)

// Responder decides the automatic reply to an inbound payload.  Smart
// rules are tried first; the fixed response is the fallback.
type Responder struct {
	smart    bool
	rules    packet.SmartRules
	fixed    bool
	fixedHex string

	macros  *packet.Macros
	limiter *rate.Limiter
	metrics *metrics.Collector
	logger  *util.Logger
}

// NewResponder builds a responder from the configuration snapshot.
// mc may be nil.
func NewResponder(cfg *config.Engine, m *packet.Macros, mc *metrics.Collector, logger *util.Logger) *Responder {
	if m == nil {
		m = packet.NewMacros()
	}
	r := &Responder{
		smart:    cfg.SmartResponseEnabled,
		rules:    cfg.SmartRules,
		fixed:    cfg.SendResponse,
		fixedHex: cfg.ResponseHex,
		macros:   m,
		metrics:  mc,
		logger:   logger,
	}
	if cfg.ReplyRateLimit > 0 {
		burst := cfg.ReplyBurst
		if burst < 1 {
			burst = config.DefaultReplyBurst
		}
		r.limiter = rate.NewLimiter(rate.Limit(cfg.ReplyRateLimit), burst)
	}
	return r
}

// Reply returns the payload to send back for data.  ok is false when
// nothing should be sent; an empty payload with ok set is a valid
// (empty) reply.
func (r *Responder) Reply(data []byte) ([]byte, bool) {
	if r == nil {
		return nil, false
	}
	reply, ok := r.choose(data)
	if !ok {
		return nil, false
	}
	if r.limiter != nil && !r.limiter.Allow() {
		r.metrics.ReplyLimited()
		r.logger.Debug("reply suppressed by rate limit")
		return nil, false
	}
	return reply, true
}

func (r *Responder) choose(data []byte) ([]byte, bool) {
	if r.smart {
		if reply := packet.Match(r.rules, data, r.macros); len(reply) > 0 {
			return reply, true
		}
	}
	if !r.fixed {
		return nil, false
	}
	b, err := packet.HexToBytes(r.macros.ExpandHex(r.fixedHex))
	if err != nil {
		r.logger.Debug("fixed response %q: %v", r.fixedHex, err)
		return nil, false
	}
	return b, true
}
