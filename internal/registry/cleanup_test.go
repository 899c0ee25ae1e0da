package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satriahrh/callbridge/domain/entities"
)

func TestCleanupServiceExpiresSessions(t *testing.T) {
	r := New(Config{}, nil)
	s, err := r.CreateSession(SessionDescriptor{CallID: "call-1"})
	require.NoError(t, err)

	svc := NewCleanupService(r, 10*time.Millisecond, time.Nanosecond, nil)
	svc.Start()
	defer svc.Stop()

	require.Eventually(t, func() bool {
		_, ok := r.GetSession(s.ID)
		return !ok
	}, time.Second, 5*time.Millisecond)

	history := r.History()
	require.Len(t, history, 1)
	assert.Equal(t, entities.EndReasonExpired, history[0].EndReason)
}

func TestCleanupServiceStop(t *testing.T) {
	svc := NewCleanupService(New(Config{}, nil), time.Hour, time.Hour, nil)

	// Stop without Start must not block.
	svc.Stop()
	svc.Stop()

	svc = NewCleanupService(New(Config{}, nil), time.Hour, time.Hour, nil)
	svc.Start()
	svc.Stop()
	svc.Stop()
}
