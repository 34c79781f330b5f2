package presence

import "github.com/redis/go-redis/v9"

// Script results.
const (
	resultDiscarded = 0
	resultApplied   = 1
	resultChanged   = 2
)

// markScript writes status and owner unless the stored record is newer.
// KEYS: record, online set. ARGV: userID, status, ts, owner.
var markScript = redis.NewScript(`
local last = tonumber(redis.call('HGET', KEYS[1], 'last_seen_ms') or '0')
local ts = tonumber(ARGV[3])
if ts < last then
	return 0
end
local prev = redis.call('HGET', KEYS[1], 'status')
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'last_seen_ms', ARGV[3], 'owner', ARGV[4])
redis.call('HDEL', KEYS[1], 'chosen')
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
if prev ~= ARGV[2] then
	return 2
end
return 1
`)

// offlineScript sets offline only when the caller still owns the record and
// the record is not newer than the write. chosen is 1 when the user asked
// for offline; such a record is not revived by refreshScript.
// KEYS: record, online set. ARGV: userID, owner, ts, chosen.
var offlineScript = redis.NewScript(`
local owner = redis.call('HGET', KEYS[1], 'owner')
if owner ~= ARGV[2] then
	return 0
end
local last = tonumber(redis.call('HGET', KEYS[1], 'last_seen_ms') or '0')
if tonumber(ARGV[3]) < last then
	return 0
end
local prev = redis.call('HGET', KEYS[1], 'status')
redis.call('HSET', KEYS[1], 'status', 'offline', 'last_seen_ms', ARGV[3], 'chosen', ARGV[4])
redis.call('ZREM', KEYS[2], ARGV[1])
if prev ~= 'offline' then
	return 2
end
return 1
`)

// heartbeatScript refreshes last_seen_ms of a live record.
// KEYS: record, online set. ARGV: userID, ts.
var heartbeatScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status or status == 'offline' then
	return 0
end
local last = tonumber(redis.call('HGET', KEYS[1], 'last_seen_ms') or '0')
local ts = tonumber(ARGV[2])
if ts > last then
	redis.call('HSET', KEYS[1], 'last_seen_ms', ARGV[2])
	redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
end
return 1
`)

// refreshScript is the periodic claim of a process that still holds
// sessions of the user. A live record gets a fresh last_seen_ms. An offline
// record left by another process or by the sweep is put back online and
// owned by the caller, unless the user chose offline.
// KEYS: record, online set. ARGV: userID, ts, owner.
var refreshScript = redis.NewScript(`
local ts = tonumber(ARGV[2])
local last = tonumber(redis.call('HGET', KEYS[1], 'last_seen_ms') or '0')
local status = redis.call('HGET', KEYS[1], 'status')
if status and status ~= 'offline' then
	if ts > last then
		redis.call('HSET', KEYS[1], 'last_seen_ms', ARGV[2])
		redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
	end
	return 1
end
if redis.call('HGET', KEYS[1], 'chosen') == '1' or ts < last then
	return 0
end
redis.call('HSET', KEYS[1], 'status', 'online', 'last_seen_ms', ARGV[2], 'owner', ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return 2
`)

// sweepScript flips a record to offline if it was not refreshed after cutoff.
// KEYS: record, online set. ARGV: userID, cutoff.
var sweepScript = redis.NewScript(`
local last = tonumber(redis.call('HGET', KEYS[1], 'last_seen_ms') or '0')
if last > tonumber(ARGV[2]) then
	return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
local status = redis.call('HGET', KEYS[1], 'status')
if not status or status == 'offline' then
	return 0
end
redis.call('HSET', KEYS[1], 'status', 'offline')
return 2
`)
