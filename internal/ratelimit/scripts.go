package ratelimit

import "github.com/redis/go-redis/v9"

// warningScript marks a window as warned the first time its usage crosses
// the threshold. Returns {triggered, sent, limit}.
var warningScript = redis.NewScript(`
local sent = tonumber(redis.call('HGET', KEYS[1], 'sent') or '0')
local limit = tonumber(redis.call('HGET', KEYS[1], 'limit') or '0')
local threshold = tonumber(redis.call('HGET', KEYS[1], 'threshold') or '0')
if limit <= 0 or threshold <= 0 then
  return {0, sent, limit}
end
if redis.call('HGET', KEYS[1], 'warning_sent') == '1' then
  return {0, sent, limit}
end
if sent / limit >= threshold then
  redis.call('HSET', KEYS[1], 'warning_sent', '1')
  return {1, sent, limit}
end
return {0, sent, limit}
`)

// resetScript zeroes the counter and warning flag of a window whose
// reset time has passed. ARGV[1] is now in unix milliseconds.
var resetScript = redis.NewScript(`
local reset = tonumber(redis.call('HGET', KEYS[1], 'reset_at') or '0')
if reset > 0 and reset < tonumber(ARGV[1]) then
  redis.call('HSET', KEYS[1], 'sent', '0')
  redis.call('HSET', KEYS[1], 'warning_sent', '0')
  return 1
end
return 0
`)
