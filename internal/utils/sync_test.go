package utils

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOptionalRWMutexDisabled(t *testing.T) {
	m := OptionalRWMutex{UseMutex: false}

	// Without the mutex, nested locks never block
	m.Lock()
	m.Lock()
	m.RLock()
	m.RUnlock()
	m.Unlock()
	m.Unlock()

	require.True(t, m.Mutex.TryLock())
	m.Mutex.Unlock()
}

func TestOptionalRWMutexEnabled(t *testing.T) {
	m := OptionalRWMutex{UseMutex: true}

	m.RLock()
	require.False(t, m.Mutex.TryLock())
	require.True(t, m.Mutex.TryRLock())
	m.Mutex.RUnlock()
	m.RUnlock()

	m.Lock()
	require.False(t, m.Mutex.TryRLock())
	m.Unlock()
}
