package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

const incrScript = `return redis.call('incrby', KEYS[1], ARGV[1])`

func TestRunScript(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	c, err := NewClient(ctx, mr.Addr())
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.LoadScriptFromContent(ctx, "incr", incrScript))

	res, err := c.RunScript(ctx, "incr", []string{"counter"}, 3)
	require.NoError(t, err)
	require.Equal(t, int64(3), res)

	// 脚本缓存被清空后仍然能够执行
	mr.FlushAll()
	require.NoError(t, c.GetClient().ScriptFlush(ctx).Err())
	res, err = c.RunScript(ctx, "incr", []string{"counter"}, 2)
	require.NoError(t, err)
	require.Equal(t, int64(2), res)
}

func TestRunScriptNotLoaded(t *testing.T) {
	mr := miniredis.RunT(t)
	c := Wrap(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))

	_, err := c.RunScript(context.Background(), "missing", nil)
	require.Error(t, err)
}

func TestNewClientRequiresAddress(t *testing.T) {
	_, err := NewClient(context.Background(), " , ")
	require.Error(t, err)
}
