package agent

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestApprovalRespond(t *testing.T) {
	m := NewApprovalManager(zerolog.Nop(), time.Second)

	ch := m.Register("s1")
	assert.True(t, m.HasPending("s1"))
	assert.True(t, m.Respond("s1", true))
	assert.False(t, m.HasPending("s1"))

	decision := m.Await(context.Background(), ch, "s1", "fs:read_file")
	assert.True(t, decision.Approved)
	assert.False(t, decision.TimedOut)
}

func TestApprovalRespondWithoutPending(t *testing.T) {
	m := NewApprovalManager(zerolog.Nop(), time.Second)
	assert.False(t, m.Respond("ghost", true))
}

func TestApprovalTimeoutFailsOpen(t *testing.T) {
	m := NewApprovalManager(zerolog.Nop(), 20*time.Millisecond)

	ch := m.Register("s1")
	decision := m.Await(context.Background(), ch, "s1", "fs:read_file")
	assert.True(t, decision.Approved)
	assert.True(t, decision.TimedOut)
}

func TestApprovalCancelledContextDenies(t *testing.T) {
	m := NewApprovalManager(zerolog.Nop(), time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ch := m.Register("s1")
	decision := m.Await(ctx, ch, "s1", "fs:read_file")
	assert.False(t, decision.Approved)
}
