package broker

import "github.com/redis/go-redis/v9"

// Lua scripts keep multi-key routing and lifecycle decisions atomic on the Redis side.
// Every script receives the namespace and computes the keys it needs with the same
// layout as schema.go.

// luaHelpers is prepended to every script.
const luaHelpers = `
local function queue_prefix(ns) return 'globals:' .. ns .. ':queue:' end
local function binding_key(ns, ex, rk) return 'globals:' .. ns .. ':exchange:' .. ex .. ':route:' .. rk end
local function routes_key(ns, ex) return 'globals:' .. ns .. ':exchange:' .. ex .. ':routes' end

local function drop_queue(ns, q)
  local base = queue_prefix(ns) .. q
  local sep = string.char(31)
  for _, member in ipairs(redis.call('SMEMBERS', base .. ':bindings')) do
    local i = string.find(member, sep, 1, true)
    if i then
      local ex = string.sub(member, 1, i - 1)
      local rk = string.sub(member, i + 1)
      local bk = binding_key(ns, ex, rk)
      redis.call('SREM', bk, q)
      if redis.call('SCARD', bk) == 0 then
        redis.call('SREM', routes_key(ns, ex), rk)
      end
    end
  end
  redis.call('DEL', base, base .. ':messages', base .. ':consumers', base .. ':bindings')
end

local function lease(ns, q, ms)
  local base = queue_prefix(ns) .. q
  redis.call('PEXPIRE', base, ms)
  redis.call('PEXPIRE', base .. ':messages', ms)
  redis.call('PEXPIRE', base .. ':bindings', ms)
  redis.call('PEXPIRE', base .. ':consumers', ms)
end

local function persist(ns, q)
  local base = queue_prefix(ns) .. q
  redis.call('PERSIST', base)
  redis.call('PERSIST', base .. ':messages')
  redis.call('PERSIST', base .. ':bindings')
end

local function expire_idle(ns, q, ms)
  local base = queue_prefix(ns) .. q
  redis.call('PEXPIRE', base, ms)
  redis.call('PEXPIRE', base .. ':messages', ms)
  redis.call('PEXPIRE', base .. ':bindings', ms)
end
`

// publishScript routes one payload.
// ARGV: namespace, exchange, routing key, payload. Returns the number of queues reached.
var publishScript = redis.NewScript(luaHelpers + `
local ns, ex, rk, payload = ARGV[1], ARGV[2], ARGV[3], ARGV[4]

local function push(q)
  local base = queue_prefix(ns) .. q
  if redis.call('EXISTS', base) == 0 then
    return false
  end
  redis.call('RPUSH', base .. ':messages', payload)
  local ttl = redis.call('PTTL', base)
  if ttl > 0 then
    redis.call('PEXPIRE', base .. ':messages', ttl)
  end
  return true
end

if ex == '' then
  if push(rk) then return 1 end
  return 0
end

local bk = binding_key(ns, ex, rk)
local delivered = 0
for _, q in ipairs(redis.call('SMEMBERS', bk)) do
  if push(q) then
    delivered = delivered + 1
  else
    redis.call('SREM', bk, q)
  end
end
if redis.call('SCARD', bk) == 0 then
  redis.call('SREM', routes_key(ns, ex), rk)
end
return delivered
`)

// declareQueueScript creates queue metadata if absent and arms idle expiry.
// ARGV: namespace, queue, durable, auto_delete, expires_ms, now_ms.
var declareQueueScript = redis.NewScript(luaHelpers + `
local ns, q = ARGV[1], ARGV[2]
local base = queue_prefix(ns) .. q
if redis.call('EXISTS', base) == 0 then
  redis.call('HSET', base, 'durable', ARGV[3], 'auto_delete', ARGV[4], 'expires_ms', ARGV[5])
end
redis.call('ZREMRANGEBYSCORE', base .. ':consumers', '-inf', '(' .. ARGV[6])
local expires = tonumber(redis.call('HGET', base, 'expires_ms') or '0') or 0
if expires > 0 and redis.call('ZCARD', base .. ':consumers') == 0 then
  expire_idle(ns, q, expires)
end
return 1
`)

// inspectQueueScript returns {consumers, messages}, or {-1, 0} when the queue is absent.
// ARGV: namespace, queue, now_ms.
var inspectQueueScript = redis.NewScript(luaHelpers + `
local base = queue_prefix(ARGV[1]) .. ARGV[2]
if redis.call('EXISTS', base) == 0 then
  return {-1, 0}
end
redis.call('ZREMRANGEBYSCORE', base .. ':consumers', '-inf', '(' .. ARGV[3])
return {redis.call('ZCARD', base .. ':consumers'), redis.call('LLEN', base .. ':messages')}
`)

// bindQueueScript records a binding in both directions.
// ARGV: namespace, queue, exchange, routing key. Returns 0 when the queue is absent.
var bindQueueScript = redis.NewScript(luaHelpers + `
local ns, q, ex, rk = ARGV[1], ARGV[2], ARGV[3], ARGV[4]
local base = queue_prefix(ns) .. q
if redis.call('EXISTS', base) == 0 then
  return 0
end
redis.call('SADD', binding_key(ns, ex, rk), q)
redis.call('SADD', routes_key(ns, ex), rk)
redis.call('SADD', base .. ':bindings', ex .. string.char(31) .. rk)
local ttl = redis.call('PTTL', base)
if ttl > 0 then
  redis.call('PEXPIRE', base .. ':bindings', ttl)
end
return 1
`)

// deleteQueueScript deletes a queue, optionally only when unused or empty.
// ARGV: namespace, queue, now_ms, if_unused, if_empty.
// Returns 1 deleted, 0 absent, -1 in use, -2 not empty.
var deleteQueueScript = redis.NewScript(luaHelpers + `
local ns, q = ARGV[1], ARGV[2]
local base = queue_prefix(ns) .. q
if redis.call('EXISTS', base) == 0 then
  return 0
end
redis.call('ZREMRANGEBYSCORE', base .. ':consumers', '-inf', '(' .. ARGV[3])
if ARGV[4] == '1' and redis.call('ZCARD', base .. ':consumers') > 0 then
  return -1
end
if ARGV[5] == '1' and redis.call('LLEN', base .. ':messages') > 0 then
  return -2
end
drop_queue(ns, q)
return 1
`)

// deleteExchangeScript deletes an exchange and its bindings.
// ARGV: namespace, exchange, if_unused. Returns 1 deleted, -1 in use.
var deleteExchangeScript = redis.NewScript(luaHelpers + `
local ns, ex = ARGV[1], ARGV[2]
local rkeys = routes_key(ns, ex)
local live = 0
for _, rk in ipairs(redis.call('SMEMBERS', rkeys)) do
  local bk = binding_key(ns, ex, rk)
  for _, q in ipairs(redis.call('SMEMBERS', bk)) do
    if redis.call('EXISTS', queue_prefix(ns) .. q) == 1 then
      live = live + 1
    else
      redis.call('SREM', bk, q)
    end
  end
  if redis.call('SCARD', bk) == 0 then
    redis.call('SREM', rkeys, rk)
  end
end
if ARGV[3] == '1' and live > 0 then
  return -1
end
for _, rk in ipairs(redis.call('SMEMBERS', rkeys)) do
  redis.call('DEL', binding_key(ns, ex, rk))
end
redis.call('DEL', rkeys, 'globals:' .. ns .. ':exchange:' .. ex)
return 1
`)

// registerConsumerScript adds a consumer and replaces idle expiry with a lease.
// A queue whose consumers all stop renewing the lease disappears with its backlog.
// ARGV: namespace, queue, consumer id, deadline_ms, lease_ms. Returns 0 when the queue is absent.
var registerConsumerScript = redis.NewScript(luaHelpers + `
local base = queue_prefix(ARGV[1]) .. ARGV[2]
if redis.call('EXISTS', base) == 0 then
  return 0
end
redis.call('ZADD', base .. ':consumers', ARGV[4], ARGV[3])
lease(ARGV[1], ARGV[2], ARGV[5])
return 1
`)

// heartbeatScript renews a consumer's deadline and the queue lease. It never
// resurrects a registration removed by Cancel or a queue delete.
// ARGV: namespace, queue, consumer id, deadline_ms, lease_ms. Returns 0 when unregistered.
var heartbeatScript = redis.NewScript(luaHelpers + `
local base = queue_prefix(ARGV[1]) .. ARGV[2]
if redis.call('EXISTS', base) == 0 then
  return 0
end
if not redis.call('ZSCORE', base .. ':consumers', ARGV[3]) then
  return 0
end
redis.call('ZADD', base .. ':consumers', ARGV[4], ARGV[3])
lease(ARGV[1], ARGV[2], ARGV[5])
return 1
`)

// unregisterConsumerScript removes a consumer and applies auto-delete or idle expiry
// when it was the last one.
// ARGV: namespace, queue, consumer id, now_ms. Returns 2 when the queue was auto-deleted.
var unregisterConsumerScript = redis.NewScript(luaHelpers + `
local ns, q = ARGV[1], ARGV[2]
local base = queue_prefix(ns) .. q
redis.call('ZREM', base .. ':consumers', ARGV[3])
if redis.call('EXISTS', base) == 0 then
  return 0
end
redis.call('ZREMRANGEBYSCORE', base .. ':consumers', '-inf', '(' .. ARGV[4])
if redis.call('ZCARD', base .. ':consumers') > 0 then
  return 1
end
if redis.call('HGET', base, 'auto_delete') == 'true' then
  drop_queue(ns, q)
  return 2
end
local expires = tonumber(redis.call('HGET', base, 'expires_ms') or '0') or 0
if expires > 0 then
  expire_idle(ns, q, expires)
else
  persist(ns, q)
end
return 1
`)

// requeueScript puts a payload a stopped consumer popped back at the head of its queue.
// ARGV: namespace, queue, payload. Returns 0 when the queue no longer exists.
var requeueScript = redis.NewScript(luaHelpers + `
local ns, q, payload = ARGV[1], ARGV[2], ARGV[3]
local base = queue_prefix(ns) .. q
if redis.call('EXISTS', base) == 0 then
  return 0
end
redis.call('LPUSH', base .. ':messages', payload)
local ttl = redis.call('PTTL', base)
if ttl > 0 then
  redis.call('PEXPIRE', base .. ':messages', ttl)
end
return 1
`)
