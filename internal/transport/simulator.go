package transport

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/google/uuid"
)

// Simulator is a provider client for local runs and tests. It accepts sends
// at the configured rate and fails the remainder, splitting failures between
// transient and permanent.
type Simulator struct {
	SuccessRate    float64 // default 0.95
	PermanentShare float64 // share of failures that are permanent, default 0.2

	mu   sync.Mutex
	rnd  *rand.Rand
	sent int
}

func NewSimulator(seed int64) *Simulator {
	return &Simulator{
		SuccessRate:    0.95,
		PermanentShare: 0.2,
		rnd:            rand.New(rand.NewSource(seed)),
	}
}

func (s *Simulator) Send(_ context.Context, channel ChannelRef, recipient, _, _ string) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	roll := s.rnd.Float64()
	if roll >= s.SuccessRate {
		if s.rnd.Float64() < s.PermanentShare {
			return nil, Permanent("invalid_recipient", fmt.Sprintf("recipient %s rejected", recipient))
		}
		return nil, Transient("provider_timeout", "simulated timeout")
	}

	s.sent++
	return &Result{
		ProviderMessageID: fmt.Sprintf("sim-%s-%s", channel.ID, uuid.NewString()),
	}, nil
}

func (s *Simulator) StartTyping(context.Context, ChannelRef, string) error { return nil }
func (s *Simulator) StopTyping(context.Context, ChannelRef, string) error  { return nil }

// Sent returns how many sends the simulator accepted.
func (s *Simulator) Sent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}
