package device

import (
	"context"
	"errors"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

// Prober checks whether a customer host answers.
type Prober interface {
	Probe(ctx context.Context, address string) (bool, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, address string) (bool, error)

func (f ProberFunc) Probe(ctx context.Context, address string) (bool, error) {
	return f(ctx, address)
}

// ICMPProber pings hosts directly from this process.
type ICMPProber struct {
	Count      int
	Timeout    time.Duration
	Privileged bool
}

// NewICMPProber creates a direct prober sending count echo requests.
func NewICMPProber(count int, timeout time.Duration, privileged bool) *ICMPProber {
	if count <= 0 {
		count = DefaultPingCount
	}
	return &ICMPProber{Count: count, Timeout: timeout, Privileged: privileged}
}

func (p *ICMPProber) Probe(ctx context.Context, address string) (bool, error) {
	pinger, err := probing.NewPinger(address)
	if err != nil {
		return false, err
	}
	pinger.Count = p.Count
	pinger.Timeout = p.Timeout
	pinger.SetPrivileged(p.Privileged)

	if err := pinger.RunWithContext(ctx); err != nil {
		return false, err
	}
	return pinger.Statistics().PacketsRecv > 0, nil
}

// GatewayProber asks the router to ping the host.
type GatewayProber struct {
	Gateway Gateway
}

func (p GatewayProber) Probe(ctx context.Context, address string) (bool, error) {
	return p.Gateway.Ping(ctx, address)
}

type chain []Prober

// Chain tries each prober in order and stops at the first success. When every
// prober fails the result is false, with the joined errors of those that
// could not run.
func Chain(probers ...Prober) Prober {
	return chain(probers)
}

func (c chain) Probe(ctx context.Context, address string) (bool, error) {
	var errs []error
	for _, p := range c {
		ok, err := p.Probe(ctx, address)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			return true, nil
		}
	}
	return false, errors.Join(errs...)
}
