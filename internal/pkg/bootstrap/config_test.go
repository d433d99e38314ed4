package bootstrap

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stockflow/internal/pkg/nacos"
)

type fakeRemote struct {
	content string
	err     error
	closed  bool
}

func (f *fakeRemote) Fetch(string, string) (string, error) { return f.content, f.err }
func (f *fakeRemote) Close()                               { f.closed = true }

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	require.NoError(t, err)
	require.Equal(t, DefaultStreamKey, cfg.Stream.Key)
	require.Equal(t, DefaultConsumerGroup, cfg.Stream.Group)
	require.Equal(t, int64(1), cfg.Stream.BatchSize)
	require.Equal(t, 2*time.Second, cfg.Stream.PollInterval)
	require.Equal(t, LockProviderRedis, cfg.Lock.Provider)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := writeConfig(t, `
stream:
  batchSize: 5
  pollInterval: 500ms
lock:
  wait: 8s
infra:
  redis:
    addrs: redis-a:6379
`)
	t.Setenv("REDIS_ADDRS", "redis-b:6379")
	t.Setenv("CONSUMER_NAME", "worker-1")

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	require.Equal(t, int64(5), cfg.Stream.BatchSize)
	require.Equal(t, 500*time.Millisecond, cfg.Stream.PollInterval)
	require.Equal(t, 8*time.Second, cfg.Lock.Wait)
	require.Equal(t, "redis-b:6379", cfg.Infra.Redis.Addrs)
	require.Equal(t, "worker-1", cfg.Stream.Consumer)
}

func TestLoadNacosOverlay(t *testing.T) {
	path := writeConfig(t, `
infra:
  nacos:
    serverAddrs: nacos:8848
stream:
  maxLen: 100
`)
	remote := &fakeRemote{content: "stream:\n  maxLen: 500\n"}
	var gotAddrs string
	cfg, err := Load(path, func(addrs, _ string) (nacos.ConfigSource, error) {
		gotAddrs = addrs
		return remote, nil
	})
	require.NoError(t, err)
	require.Equal(t, "nacos:8848", gotAddrs)
	require.Equal(t, int64(500), cfg.Stream.MaxLen)
	require.True(t, remote.closed)
}

func TestLoadNacosFailure(t *testing.T) {
	path := writeConfig(t, "infra:\n  nacos:\n    serverAddrs: nacos:8848\n")
	_, err := Load(path, func(string, string) (nacos.ConfigSource, error) {
		return &fakeRemote{err: errors.New("unreachable")}, nil
	})
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	bad := Default()
	bad.Stream.BatchSize = 0
	bad.Lock.Provider = "etcd"
	bad.Infra.MySQL.DSN = "::not a dsn"
	err := bad.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "batchSize")
	require.Contains(t, err.Error(), "lock.provider")
	require.Contains(t, err.Error(), "mysql.dsn")

	zk := Default()
	zk.Lock.Provider = LockProviderZookeeper
	require.Error(t, zk.Validate())
	zk.Infra.Zookeeper.Servers = "zk:2181"
	require.NoError(t, zk.Validate())
}

func TestKafkaBrokers(t *testing.T) {
	cfg := Default()
	require.Nil(t, cfg.KafkaBrokers())
	cfg.Infra.Kafka.Brokers = "k1:9092,k2:9092"
	require.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers())
}

func TestRunStopsWorkersAndRunsHooks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var order []string
	started := make(chan struct{})

	go func() {
		<-started
		cancel()
	}()

	err := Run(ctx, AppInfo{
		ServiceName: "test",
		Workers: []func(context.Context) error{
			func(ctx context.Context) error {
				close(started)
				<-ctx.Done()
				return nil
			},
		},
		OnShutdown: []func(context.Context) error{
			func(context.Context) error { order = append(order, "first"); return nil },
			func(context.Context) error { order = append(order, "second"); return nil },
		},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"second", "first"}, order)
}
