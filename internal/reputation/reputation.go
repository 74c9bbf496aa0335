// Package reputation is the engine-side stub of the external identity
// and reputation system. It exposes the read-only tier lookup injected
// into settlement handlers and the reliability penalty sink consumed by
// netting; everything else about reputation lives outside this repo.
package reputation

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// Tier thresholds over recorded settlement volume.
const (
	silverVolume   = 100_000
	goldVolume     = 1_000_000
	platinumVolume = 10_000_000
)

// nonResponsePenalty shaves recorded volume per missed ack, so
// chronically unresponsive peers drift down a tier.
const nonResponsePenalty = 50_000

// Provider is a static, in-process reputation view.
type Provider struct {
	mu           sync.RWMutex
	volume       map[string]int64
	nonResponses map[string]int
	logger       *slog.Logger
}

// NewProvider creates an empty reputation provider.
func NewProvider(logger *slog.Logger) *Provider {
	return &Provider{
		volume:       make(map[string]int64),
		nonResponses: make(map[string]int),
		logger:       logger,
	}
}

// RecordVolume accrues settled volume for a peer.
func (p *Provider) RecordVolume(peerAddr string, amt int64) {
	if amt <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.volume[strings.ToLower(peerAddr)] += amt
}

// Tier classifies a peer by its effective settlement volume.
func (p *Provider) Tier(_ context.Context, peerAddr string) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	peerAddr = strings.ToLower(peerAddr)
	v := p.volume[peerAddr] - int64(p.nonResponses[peerAddr])*nonResponsePenalty
	switch {
	case v >= platinumVolume:
		return "platinum", nil
	case v >= goldVolume:
		return "gold", nil
	case v >= silverVolume:
		return "silver", nil
	default:
		return "bronze", nil
	}
}

// RecordNonResponse accrues a reliability penalty for a peer that
// missed a netting ack window.
func (p *Provider) RecordNonResponse(_ context.Context, peerAddr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	peerAddr = strings.ToLower(peerAddr)
	p.nonResponses[peerAddr]++
	p.logger.Warn("reliability penalty recorded",
		"peer", peerAddr, "non_responses", p.nonResponses[peerAddr])
}

// NonResponses returns a peer's missed-ack count.
func (p *Provider) NonResponses(peerAddr string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.nonResponses[strings.ToLower(peerAddr)]
}
