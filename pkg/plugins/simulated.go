package plugins

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// SimulatedConfig controls the outcome distribution of a SimulatedPlugin. Rates are
// fractions in [0,1]; whatever remains after DeclineRate and ErrorRate is approved.
type SimulatedConfig struct {
	Name        string
	DeclineRate float64
	ErrorRate   float64
	MinLatency  time.Duration
	MaxLatency  time.Duration
	Seed        int64
}

// SimulatedPlugin is a provider that never leaves the process. Useful for sandboxes
// and load tests.
type SimulatedPlugin struct {
	config SimulatedConfig
	rng    *rand.Rand
	mu     sync.Mutex
	log    *logrus.Logger
}

// NewSimulatedPlugin creates a simulated provider
func NewSimulatedPlugin(cfg SimulatedConfig, log *logrus.Logger) *SimulatedPlugin {
	if cfg.Name == "" {
		cfg.Name = "simulated"
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	if log == nil {
		log = logrus.New()
	}

	return &SimulatedPlugin{
		config: cfg,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		log:    log,
	}
}

func (p *SimulatedPlugin) Name() string {
	return p.config.Name
}

// ProcessPayment implements PaymentPlugin
func (p *SimulatedPlugin) ProcessPayment(ctx context.Context, req *PaymentRequest) (*PaymentInfo, error) {
	p.mu.Lock()
	roll := p.rng.Float64()
	latency := p.config.MinLatency
	if spread := p.config.MaxLatency - p.config.MinLatency; spread > 0 {
		latency += time.Duration(p.rng.Int63n(int64(spread)))
	}
	p.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	entry := p.log.WithFields(logrus.Fields{
		"plugin":     p.config.Name,
		"payment_id": req.PaymentID,
		"attempt_id": req.AttemptID,
	})

	switch {
	case roll < p.config.ErrorRate:
		entry.Debug("Simulating provider failure")
		return nil, fmt.Errorf("simulated provider failure for attempt %s", req.AttemptID)
	case roll < p.config.ErrorRate+p.config.DeclineRate:
		entry.Debug("Simulating decline")
		return &PaymentInfo{
			Status:           StatusError,
			Amount:           req.Amount,
			GatewayErrorCode: "card_declined",
			GatewayError:     "simulated decline",
			EffectiveDate:    time.Now(),
		}, nil
	default:
		return &PaymentInfo{
			Status:        StatusProcessed,
			Amount:        req.Amount,
			ReferenceID:   "sim_" + uuid.NewString(),
			EffectiveDate: time.Now(),
		}, nil
	}
}
