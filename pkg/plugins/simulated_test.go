package plugins

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func simulatedRequest() *PaymentRequest {
	return &PaymentRequest{
		AccountKey: "acme",
		PaymentID:  uuid.New(),
		AttemptID:  uuid.New(),
		Amount:     decimal.NewFromInt(10),
		Currency:   "USD",
	}
}

func TestSimulatedPlugin_AlwaysApproves(t *testing.T) {
	p := NewSimulatedPlugin(SimulatedConfig{Name: "sandbox", Seed: 1}, nil)
	assert.Equal(t, "sandbox", p.Name())

	for i := 0; i < 20; i++ {
		info, err := p.ProcessPayment(context.Background(), simulatedRequest())
		require.NoError(t, err)
		assert.Equal(t, StatusProcessed, info.Status)
		assert.NotEmpty(t, info.ReferenceID)
	}
}

func TestSimulatedPlugin_AlwaysDeclines(t *testing.T) {
	p := NewSimulatedPlugin(SimulatedConfig{DeclineRate: 1, Seed: 1}, nil)

	info, err := p.ProcessPayment(context.Background(), simulatedRequest())
	require.NoError(t, err)
	assert.Equal(t, StatusError, info.Status)
	assert.Equal(t, "card_declined", info.GatewayErrorCode)
}

func TestSimulatedPlugin_AlwaysFails(t *testing.T) {
	p := NewSimulatedPlugin(SimulatedConfig{ErrorRate: 1, Seed: 1}, nil)

	info, err := p.ProcessPayment(context.Background(), simulatedRequest())
	assert.Error(t, err)
	assert.Nil(t, info)
}

func TestSimulatedPlugin_HonorsContext(t *testing.T) {
	p := NewSimulatedPlugin(SimulatedConfig{MinLatency: time.Second, MaxLatency: 2 * time.Second}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := p.ProcessPayment(ctx, simulatedRequest())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
