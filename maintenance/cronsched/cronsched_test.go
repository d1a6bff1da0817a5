package cronsched

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterValidatesExpression(t *testing.T) {
	s := New()
	defer s.Stop()

	err := s.RegisterSchedule("sweep", "not-a-cron", func() {})
	assert.Error(t, err)

	err = s.RegisterSchedule("sweep", "*/5 * * * *", func() {})
	assert.NoError(t, err)
}

func TestRegisterTwiceReplaces(t *testing.T) {
	s := New()
	defer s.Stop()

	require.NoError(t, s.RegisterSchedule("sweep", "* * * * *", func() {}))
	require.NoError(t, s.RegisterSchedule("sweep", "*/10 * * * *", func() {}))

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Len(t, s.entries, 1)
}

func TestUnregisterUnknownIsNoop(t *testing.T) {
	s := New()
	defer s.Stop()

	assert.NoError(t, s.UnregisterSchedule("never-registered"))
}

func TestUnregisterRemoves(t *testing.T) {
	s := New()
	defer s.Stop()

	require.NoError(t, s.RegisterSchedule("sweep", "* * * * *", func() {}))
	require.NoError(t, s.UnregisterSchedule("sweep"))

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Empty(t, s.entries)
}
