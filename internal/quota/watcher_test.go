package quota

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyWatcher_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writePolicyFile(t, dir, "policies:\n  chat_calls:\n    limit: 300\n    warning_threshold: 240\n    stop_threshold: 290\n")

	base := DefaultPolicies(100)
	initial, err := LoadPolicyFile(path, base)
	require.NoError(t, err)
	set, err := NewPolicySet(initial)
	require.NoError(t, err)

	w := NewPolicyWatcher(path, base, set)
	w.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Watch(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the watcher a moment to register the directory.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("policies:\n  chat_calls:\n    limit: 500\n    warning_threshold: 400\n    stop_threshold: 450\n"), 0o600))

	require.Eventually(t, func() bool {
		p, _ := set.Get("chat_calls")
		return p.Limit == 500
	}, 3*time.Second, 20*time.Millisecond)
}

func TestPolicyWatcher_KeepsPreviousOnInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := writePolicyFile(t, dir, "policies: {}\n")

	set, err := NewPolicySet(DefaultPolicies(100))
	require.NoError(t, err)
	w := NewPolicyWatcher(path, DefaultPolicies(100), set)

	require.NoError(t, os.WriteFile(path, []byte("policies:\n  chat_calls:\n    warning_threshold: 999\n"), 0o600))
	assert.Error(t, w.Reload())

	p, ok := set.Get("chat_calls")
	require.True(t, ok)
	assert.Equal(t, 160.0, p.WarningThreshold)
}
