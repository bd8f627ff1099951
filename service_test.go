package main

import (
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeEventLog(t *testing.T) string {
	t.Helper()

	logPath := filepath.Join(t.TempDir(), "events.log")
	require.NoError(t, os.WriteFile(logPath, []byte(
		"1\t0\tAdded\tRed Cross\t{\"name\":\"Red Cross\"}\n",
	), 0o644))
	return logPath
}

func freePort(t *testing.T) string {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()

	_, port, err := net.SplitHostPort(lis.Addr().String())
	require.NoError(t, err)
	return port
}

func TestService_RapidReloadsLeaveNoOrphans(t *testing.T) {
	port := freePort(t)
	t.Setenv("EVENT_LOG_PATH", writeEventLog(t))
	t.Setenv("FRONTEND_PORT", port)

	conf := defaultConfig
	conf.ReconciliationIntervalMs = 20

	s := NewService(&conf, nil, slog.Default())
	for i := 0; i < 5; i++ {
		next := conf
		if i%2 == 1 {
			next.Frontend = "GRPC"
		}
		require.NoError(t, s.Reload(&next))
	}

	require.Eventually(t, func() bool {
		fd := s.Feed()
		return fd != nil && len(fd.ActiveEntities()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	s.Stop()
	assert.Nil(t, s.Feed())

	conn, err := net.DialTimeout("tcp", "127.0.0.1:"+port, 200*time.Millisecond)
	if err == nil {
		conn.Close()
	}
	assert.Error(t, err, "frontend still listening after Stop")
}

func TestService_StartReloadStop(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "events.log")
	require.NoError(t, os.WriteFile(logPath, []byte(
		"1\t0\tAdded\tRed Cross\t{\"name\":\"Red Cross\"}\n"+
			"2\t0\tAdded\tAcme\t{\"name\":\"Acme\"}\n"+
			"3\t0\tRemoved\tAcme\t\n",
	), 0o644))

	t.Setenv("EVENT_LOG_PATH", logPath)
	t.Setenv("FRONTEND_PORT", "0")

	conf := defaultConfig
	conf.ReconciliationIntervalMs = 20

	s := NewService(&conf, nil, slog.Default())
	go s.run()
	defer s.Stop()

	require.Eventually(t, func() bool {
		fd := s.Feed()
		return fd != nil && len(fd.ActiveEntities()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Red Cross", s.Feed().ActiveEntities()[0].Key)

	before := s.Feed()
	reloaded := conf
	reloaded.Frontend = "GRPC"
	require.NoError(t, s.Reload(&reloaded))

	require.Eventually(t, func() bool {
		fd := s.Feed()
		return fd != nil && fd != before && len(fd.ActiveEntities()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestService_StartFailsWithoutSource(t *testing.T) {
	t.Setenv("EVENT_LOG_PATH", filepath.Join(t.TempDir(), "missing.log"))

	conf := defaultConfig
	s := NewService(&conf, nil, slog.Default())

	assert.Error(t, s.Start())
	assert.Nil(t, s.Feed())
}
