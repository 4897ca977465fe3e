package main

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsValidIPv4(t *testing.T) {
	valid := []string{
		"0.0.0.0",
		"127.0.0.1",
		"192.168.1.1",
		"255.255.255.255",
		"001.002.003.004",
	}
	for _, ip := range valid {
		assert.True(t, IsValidIPv4(ip), ip)
	}

	invalid := []string{
		"",
		"999.1.1.1",
		"1.2.3",
		"1.2.3.4.5",
		"1.2.3.256",
		"1.2.3.-1",
		"a.b.c.d",
		"1..2.3",
		"1.2.3.4 ",
		"2001:db8::1",
		"1.2.3.1234",
	}
	for _, ip := range invalid {
		assert.False(t, IsValidIPv4(ip), ip)
	}
}

func TestIsValidPort(t *testing.T) {
	valid := []string{"0", "22", "8080", "65535", "00022", "065535", "0000000080"}
	for _, p := range valid {
		assert.True(t, IsValidPort(p), p)
	}

	invalid := []string{"", "-1", "65536", "99999", "123456", "065536", "22a", " 22", "0x16"}
	for _, p := range invalid {
		assert.False(t, IsValidPort(p), p)
	}
}

func TestNewCorrelationToken(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 64; i++ {
		token := NewCorrelationToken()
		require.Len(t, token, 5)
		for _, c := range token {
			assert.True(t, (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f'), token)
		}
		seen[token] = true
	}
	// 3 random bytes give ~1M values; 64 draws colliding into one value
	// would mean the generator is broken.
	assert.Greater(t, len(seen), 1)
}

func TestInstallCommandSelection(t *testing.T) {
	assert.Contains(t, installCommandWithMySQL, "INSTALL_MYSQL=true")
	assert.Contains(t, installCommandPlain, "INSTALL_MYSQL=false")
	assert.NotEqual(t, installCommandWithMySQL, installCommandPlain)
}

func TestHasInstallRole(t *testing.T) {
	required := snowflake.ID(1111)

	assert.True(t, hasInstallRole([]snowflake.ID{5, required, 9}, required))
	assert.False(t, hasInstallRole([]snowflake.ID{5, 9}, required))
	assert.False(t, hasInstallRole(nil, required))
}

func TestDeniedRequestTouchesNothing(t *testing.T) {
	require.NoError(t, InitStats(filepath.Join(t.TempDir(), "stats.json")))
	before := Stats.Snapshot()

	require.False(t, hasInstallRole([]snowflake.ID{100, 200}, snowflake.ID(300)))

	// A denied request never registers a pending choice or touches stats.
	_, found := pendingInstalls.Load("deny1")
	assert.False(t, found)
	assert.Equal(t, before, Stats.Snapshot())
}

func TestPendingInstallTimeout(t *testing.T) {
	require.NoError(t, InitStats(filepath.Join(t.TempDir(), "stats.json")))
	before := Stats.Snapshot()

	req := &InstallRequest{Token: "aa111", UserID: 42, Loc: GetLocale("en")}
	fired := make(chan *pendingInstall, 1)
	registerPendingInstall(&pendingInstall{req: req}, 10*time.Millisecond, func(p *pendingInstall) {
		fired <- p
	})

	select {
	case p := <-fired:
		assert.Same(t, req, p.req)
	case <-time.After(time.Second):
		t.Fatal("prompt timeout never fired")
	}

	// The request is gone; a late click cannot start a run and stats are
	// untouched.
	_, result := claimPendingInstall("aa111", 42)
	assert.Equal(t, claimExpired, result)
	assert.Equal(t, before, Stats.Snapshot())
}

func TestPendingInstallClaim(t *testing.T) {
	req := &InstallRequest{Token: "bb222", UserID: 42, Loc: GetLocale("en")}
	registerPendingInstall(&pendingInstall{req: req}, time.Minute, func(*pendingInstall) {
		t.Error("timeout fired after claim")
	})

	_, result := claimPendingInstall("bb222", 7)
	assert.Equal(t, claimWrongUser, result)

	p, result := claimPendingInstall("bb222", 42)
	require.Equal(t, claimOK, result)
	assert.Same(t, req, p.req)

	// Second click on the same prompt.
	_, result = claimPendingInstall("bb222", 42)
	assert.Equal(t, claimExpired, result)

	// Unknown token.
	_, result = claimPendingInstall("zz999", 42)
	assert.Equal(t, claimExpired, result)
}

func TestStreamProgressLoopStopsCleanly(t *testing.T) {
	var mu sync.Mutex
	var edits []string

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		streamProgressLoop(5*time.Millisecond, stop,
			func() string { return "line one\nline two" },
			func(latest string) {
				mu.Lock()
				edits = append(edits, latest)
				mu.Unlock()
			})
	}()

	time.Sleep(30 * time.Millisecond)
	close(stop)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("progress loop did not acknowledge stop")
	}

	mu.Lock()
	count := len(edits)
	mu.Unlock()
	assert.Greater(t, count, 0)

	// No edit may land after the loop has returned; the completion message
	// would otherwise be overwritten.
	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, count, len(edits))
	mu.Unlock()
}

func TestStreamProgressLoopSkipsEmptyOutput(t *testing.T) {
	stop := make(chan struct{})
	done := make(chan struct{})
	edited := false
	go func() {
		defer close(done)
		streamProgressLoop(5*time.Millisecond, stop,
			func() string { return "" },
			func(string) { edited = true })
	}()

	time.Sleep(30 * time.Millisecond)
	close(stop)
	<-done
	assert.False(t, edited)
}
