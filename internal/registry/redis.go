package registry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

// RedisRegistry keeps each driver in a hash and every online, unclaimed
// driver in a per-class sorted set scored by the time it became available.
// All state changes run as Lua scripts so each one is a single atomic step
// on the server.
type RedisRegistry struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisRegistry(addr, password, prefix string) (*RedisRegistry, error) {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisRegistry{client: c, prefix: prefix, now: time.Now}, nil
}

func (r *RedisRegistry) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisRegistry) Close() error { return r.client.Close() }

func (r *RedisRegistry) driverKey(id string) string { return r.prefix + "driver:" + id }

func (r *RedisRegistry) claimKey(rideID string) string { return r.prefix + "claim:" + rideID }

func (r *RedisRegistry) availablePrefix() string { return r.prefix + "available:" }

func (r *RedisRegistry) availableKey(class models.VehicleClass) string {
	return r.availablePrefix() + string(class)
}

// upsertScript: KEYS[1]=driver hash; ARGV=class,name,phone,reg,availPrefix,score,id,updated.
// New drivers start offline. A class change moves a queued driver to the new set.
var upsertScript = redis.NewScript(`
local old = redis.call('HGET', KEYS[1], 'class')
redis.call('HSET', KEYS[1], 'class', ARGV[1], 'name', ARGV[2], 'phone', ARGV[3], 'vehicle_reg', ARGV[4], 'updated', ARGV[8])
if redis.call('HSETNX', KEYS[1], 'online', '0') == 1 then
  return 1
end
if old and old ~= ARGV[1] then
  if redis.call('ZREM', ARGV[5] .. old, ARGV[7]) == 1 then
    redis.call('ZADD', ARGV[5] .. ARGV[1], ARGV[6], ARGV[7])
  end
end
return 1
`)

// setOnlineScript: KEYS[1]=driver hash; ARGV=online,availPrefix,score,id,updated.
var setOnlineScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
local class = redis.call('HGET', KEYS[1], 'class')
redis.call('HSET', KEYS[1], 'online', ARGV[1], 'updated', ARGV[5])
local zkey = ARGV[2] .. class
if ARGV[1] == '1' then
  local claimed = redis.call('HGET', KEYS[1], 'claimed_by')
  if not claimed or claimed == '' then
    redis.call('ZADD', zkey, 'NX', ARGV[3], ARGV[4])
  end
else
  redis.call('ZREM', zkey, ARGV[4])
end
return 1
`)

// claimScript: KEYS[1]=available set, KEYS[2]=ride claim key; ARGV=rideID,driverPrefix,updated.
// Stale members (offline or already claimed) are dropped while popping. The
// reply is the driver id followed by its hash, read in the same step.
var claimScript = redis.NewScript(`
while true do
  local popped = redis.call('ZPOPMIN', KEYS[1])
  if #popped == 0 then
    return false
  end
  local id = popped[1]
  local key = ARGV[2] .. id
  local online = redis.call('HGET', key, 'online')
  local claimed = redis.call('HGET', key, 'claimed_by')
  if online == '1' and (not claimed or claimed == '') then
    redis.call('HSET', key, 'claimed_by', ARGV[1], 'updated', ARGV[3])
    redis.call('SET', KEYS[2], id)
    local out = redis.call('HGETALL', key)
    table.insert(out, 1, id)
    return out
  end
end
`)

// releaseScript: KEYS[1]=driver hash, KEYS[2]=ride claim key; ARGV=rideID,availPrefix,score,id,updated.
var releaseScript = redis.NewScript(`
redis.call('DEL', KEYS[2])
if redis.call('HGET', KEYS[1], 'claimed_by') ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'claimed_by', '', 'updated', ARGV[5])
if redis.call('HGET', KEYS[1], 'online') == '1' then
  local class = redis.call('HGET', KEYS[1], 'class')
  redis.call('ZADD', ARGV[2] .. class, ARGV[3], ARGV[4])
end
return 1
`)

func (r *RedisRegistry) Upsert(ctx context.Context, d models.Driver) error {
	now := r.now()
	err := upsertScript.Run(ctx, r.client, []string{r.driverKey(d.ID)},
		string(d.Class), d.Profile.Name, d.Profile.Phone, d.Profile.VehicleReg,
		r.availablePrefix(), score(now), d.ID, now.Format(time.RFC3339Nano)).Err()
	if err != nil {
		return apperr.Internal(err, "upsert driver %s", d.ID)
	}
	return nil
}

func (r *RedisRegistry) SetOnline(ctx context.Context, driverID string, online bool) error {
	now := r.now()
	flag := "0"
	if online {
		flag = "1"
	}
	res, err := setOnlineScript.Run(ctx, r.client, []string{r.driverKey(driverID)},
		flag, r.availablePrefix(), score(now), driverID, now.Format(time.RFC3339Nano)).Int()
	if err != nil {
		return apperr.Internal(err, "set driver %s online=%t", driverID, online)
	}
	if res < 0 {
		return apperr.NotFound("driver %s not registered", driverID)
	}
	return nil
}

func (r *RedisRegistry) ClaimAvailable(ctx context.Context, class models.VehicleClass, rideID string) (models.Driver, error) {
	res, err := claimScript.Run(ctx, r.client, []string{r.availableKey(class), r.claimKey(rideID)},
		rideID, r.prefix+"driver:", r.now().Format(time.RFC3339Nano)).StringSlice()
	if errors.Is(err, redis.Nil) {
		return models.Driver{}, apperr.ErrNoDriverAvailable
	}
	if err != nil {
		return models.Driver{}, apperr.Internal(err, "claim %s driver", class)
	}
	if len(res) == 0 || len(res)%2 != 1 {
		return models.Driver{}, apperr.Internal(fmt.Errorf("unexpected reply length %d", len(res)), "claim %s driver", class)
	}
	m := make(map[string]string, len(res)/2)
	for i := 1; i+1 < len(res); i += 2 {
		m[res[i]] = res[i+1]
	}
	return driverFromHash(res[0], m), nil
}

func (r *RedisRegistry) Release(ctx context.Context, driverID, rideID string) (bool, error) {
	if rideID == "" {
		return false, nil
	}
	now := r.now()
	res, err := releaseScript.Run(ctx, r.client, []string{r.driverKey(driverID), r.claimKey(rideID)},
		rideID, r.availablePrefix(), score(now), driverID, now.Format(time.RFC3339Nano)).Int()
	if err != nil {
		return false, apperr.Internal(err, "release driver %s", driverID)
	}
	return res == 1, nil
}

func (r *RedisRegistry) ReleaseRide(ctx context.Context, rideID string) (bool, error) {
	driverID, err := r.client.Get(ctx, r.claimKey(rideID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, apperr.Internal(err, "look up claim of ride %s", rideID)
	}
	return r.Release(ctx, driverID, rideID)
}

func (r *RedisRegistry) Get(ctx context.Context, driverID string) (models.Driver, error) {
	m, err := r.client.HGetAll(ctx, r.driverKey(driverID)).Result()
	if err != nil {
		return models.Driver{}, apperr.Internal(err, "get driver %s", driverID)
	}
	if len(m) == 0 {
		return models.Driver{}, apperr.NotFound("driver %s not registered", driverID)
	}
	return driverFromHash(driverID, m), nil
}

func driverFromHash(driverID string, m map[string]string) models.Driver {
	d := models.Driver{
		ID:        driverID,
		Class:     models.VehicleClass(m["class"]),
		Profile:   models.DriverProfile{Name: m["name"], Phone: m["phone"], VehicleReg: m["vehicle_reg"]},
		Online:    m["online"] == "1",
		ClaimedBy: m["claimed_by"],
	}
	if ts, err := time.Parse(time.RFC3339Nano, m["updated"]); err == nil {
		d.Updated = ts
	}
	return d
}

func score(t time.Time) string { return strconv.FormatInt(t.UnixMicro(), 10) }
