package redis

const (
	// createRecordScript creates a monthly record unless one already exists
	// for the same natural key. Returns the id of the record that owns the key.
	createRecordScript = `
local index_key = KEYS[1]     -- voiceusage:period:{userID}:{start}:{end}
local record_key = KEYS[2]    -- voiceusage:record:{id}
local user_index = KEYS[3]    -- voiceusage:user:{userID}
local period_index = KEYS[4]  -- voiceusage:periods

local id = ARGV[1]

local existing = redis.call('GET', index_key)
if existing then
  return existing
end

redis.call('SET', index_key, id)
redis.call('HSET', record_key,
  'id', id,
  'user_id', ARGV[2],
  'period_start', ARGV[3],
  'period_end', ARGV[4],
  'sessions_started', ARGV[7],
  'sessions_completed', ARGV[8],
  'seconds_used', ARGV[9],
  'last_session_at', ARGV[10],
  'created_at', ARGV[11],
  'updated_at', ARGV[12]
)

-- Score by period start for history, by period end for retention
redis.call('ZADD', user_index, ARGV[5], id)
redis.call('ZADD', period_index, ARGV[6], id)

return id
`

	// incrementRecordScript atomically applies counter deltas to a record
	// and returns the updated hash. Returns nil if the record does not exist.
	incrementRecordScript = `
local record_key = KEYS[1]    -- voiceusage:record:{id}

local started = tonumber(ARGV[1])
local completed = tonumber(ARGV[2])
local seconds = tonumber(ARGV[3])
local now = ARGV[4]
local max_seconds = tonumber(ARGV[5])

if redis.call('EXISTS', record_key) == 0 then
  return false
end

if started > 0 then
  redis.call('HINCRBY', record_key, 'sessions_started', started)
end
if completed > 0 then
  redis.call('HINCRBY', record_key, 'sessions_completed', completed)
end
if seconds > 0 then
  local used = tonumber(redis.call('HGET', record_key, 'seconds_used') or '0')
  used = math.min(used + math.min(seconds, max_seconds), max_seconds)
  redis.call('HSET', record_key, 'seconds_used', string.format('%d', used))
end

redis.call('HSET', record_key, 'last_session_at', now, 'updated_at', now)

return redis.call('HGETALL', record_key)
`

	// deleteRecordScript removes a record and every index entry pointing at it
	deleteRecordScript = `
local record_key = KEYS[1]    -- voiceusage:record:{id}
local index_key = KEYS[2]     -- voiceusage:period:{userID}:{start}:{end}
local user_index = KEYS[3]    -- voiceusage:user:{userID}
local period_index = KEYS[4]  -- voiceusage:periods

local id = ARGV[1]

local removed = redis.call('DEL', record_key)
if redis.call('GET', index_key) == id then
  redis.call('DEL', index_key)
end
redis.call('ZREM', user_index, id)
redis.call('ZREM', period_index, id)

return removed
`
)
