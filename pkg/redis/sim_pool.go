package redis

import (
	"context"
	"errors"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// ErrPoolEmpty 对应形态的 ICCID 池已空。
var ErrPoolEmpty = errors.New("iccid pool empty")

// luaReserveICCID：Redis 内原子「查已预留 → 否则 LPOP 池 → 记录预留」。
// 同一订单重复预留返回已有 ICCID，天然幂等。
// KEYS[1]=预留hash，KEYS[2]=池key，ARGV[1]=订单号；池空返回 ''。
const luaReserveICCID = `
local reserved = redis.call('HGET', KEYS[1], ARGV[1])
if reserved then
  return reserved
end
local iccid = redis.call('LPOP', KEYS[2])
if not iccid then
  return ''
end
redis.call('HSET', KEYS[1], ARGV[1], iccid)
return iccid
`

// luaReleaseICCIDOnce 通过 SETNX 锁保证「同一订单只回收一次」：
// 取出预留的 ICCID 推回池尾并删除预留记录。
const luaReleaseICCIDOnce = `
local lockKey = KEYS[1]
local reservedKey = KEYS[2]
local poolKey = KEYS[3]
local orderNo = ARGV[1]
local ttlSec = tonumber(ARGV[2])

if redis.call('SETNX', lockKey, '1') == 0 then
  return 0
end
redis.call('EXPIRE', lockKey, ttlSec)
local iccid = redis.call('HGET', reservedKey, orderNo)
if iccid then
  redis.call('RPUSH', poolKey, iccid)
  redis.call('HDEL', reservedKey, orderNo)
  return 1
end
return 0
`

// ReserveICCID 从池中为订单预留一个 ICCID。重复调用返回同一结果。
func ReserveICCID(ctx context.Context, rdb *rd.Client, orderNo, simType string) (string, error) {
	iccid, err := rdb.Eval(ctx, luaReserveICCID,
		[]string{SimReservationsKey(), SimPoolKey(simType)}, orderNo).Text()
	if err != nil {
		return "", err
	}
	if iccid == "" {
		return "", ErrPoolEmpty
	}
	return iccid, nil
}

// ReleaseICCIDOnce 幂等回收订单预留的 ICCID：
// - 首次回收返回 true
// - 重复回收返回 false（不会重复入池）
func ReleaseICCIDOnce(ctx context.Context, rdb *rd.Client, orderNo, simType string) (bool, error) {
	const lockTTLSeconds = int64((7 * 24 * time.Hour) / time.Second)

	n, err := rdb.Eval(ctx, luaReleaseICCIDOnce,
		[]string{SimReleaseLockKey(orderNo), SimReservationsKey(), SimPoolKey(simType)},
		orderNo, lockTTLSeconds).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// LoadPool 向池中追加可用 ICCID（预热 / 补货）。
func LoadPool(ctx context.Context, rdb *rd.Client, simType string, iccids ...string) error {
	if len(iccids) == 0 {
		return nil
	}
	vals := make([]any, 0, len(iccids))
	for _, id := range iccids {
		vals = append(vals, id)
	}
	return rdb.RPush(ctx, SimPoolKey(simType), vals...).Err()
}
