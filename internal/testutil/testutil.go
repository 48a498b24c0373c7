// Package testutil gates integration tests that need a live ClickHouse
// server. Nothing runs by default: tests skip unless the environment
// names a server, and they write real rows to it, so point the variable
// at a disposable instance.
package testutil

import (
	"context"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"

	"github.com/wsprdaemon/wsprserver/internal/appconfig"
)

const addrEnv = "WSPRSERVER_TEST_CLICKHOUSE"

// RequireClickHouse returns connection settings for the test server, or
// skips tb when WSPRSERVER_TEST_CLICKHOUSE is unset or the server does
// not answer. User and password come from the matching _USER and
// _PASSWORD variables.
func RequireClickHouse(tb testing.TB) appconfig.DatabaseConfig {
	tb.Helper()
	addr := os.Getenv(addrEnv)
	if addr == "" {
		tb.Skipf("%s not set; skipping integration test", addrEnv)
	}
	cfg := databaseConfig(tb, addr)
	if !TryPing(cfg) {
		tb.Skipf("clickhouse not reachable at %s; skipping integration test", addr)
	}
	return cfg
}

// TryPing reports whether a ClickHouse server answers within 2 seconds.
func TryPing(cfg appconfig.DatabaseConfig) bool {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))},
		Auth: clickhouse.Auth{
			Username: cfg.User,
			Password: cfg.Password,
		},
		DialTimeout: 2 * time.Second,
	})
	if err != nil {
		return false
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return conn.Ping(ctx) == nil
}

func databaseConfig(tb testing.TB, addr string) appconfig.DatabaseConfig {
	tb.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		tb.Fatalf("%s=%q: want host:port: %v", addrEnv, addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		tb.Fatalf("%s=%q: bad port: %v", addrEnv, addr, err)
	}

	cfg := appconfig.Defaults().Database
	cfg.Host = host
	cfg.Port = port
	if v := os.Getenv(addrEnv + "_USER"); v != "" {
		cfg.User = v
	}
	if v := os.Getenv(addrEnv + "_PASSWORD"); v != "" {
		cfg.Password = v
	}
	return cfg
}
