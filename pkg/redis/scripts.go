package redis

// 所有状态迁移都在一个 Lua 脚本里完成：校验、写状态、写调度索引、写 outbox 事件。
// Redis 单线程执行脚本，其它客户端看不到中间态；事件与状态同一事务提交，
// 因此同一拍卖的事件在 Stream 里的顺序就是提交顺序。

// luaCreateAuction
// KEYS[1]=拍卖 hash，KEYS[2]=调度 zset，KEYS[3]=事件 stream
// ARGV: 1 auction_id 2 seller_id 3 title 4 description 5 starting_price 6 reserve_price(空串表示无)
//
//	7 start_ms 8 end_ms 9 now_ms 10 event_id
//
// 返回 1 表示已创建，0 表示 id 已存在。
const luaCreateAuction = `
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1],
  'auction_id', ARGV[1],
  'seller_id', ARGV[2],
  'title', ARGV[3],
  'description', ARGV[4],
  'status', 'OPEN',
  'starting_price', ARGV[5],
  'start_time_ms', ARGV[7],
  'end_time_ms', ARGV[8],
  'created_at_ms', ARGV[9],
  'updated_at_ms', ARGV[9]
)
if ARGV[6] ~= '' then
  redis.call('HSET', KEYS[1], 'reserve_price', ARGV[6])
end
redis.call('ZADD', KEYS[2], ARGV[8], ARGV[1])

local fields = {
  'event_id', ARGV[10],
  'event_type', 'AUCTION_CREATED',
  'auction_id', ARGV[1],
  'occurred_at', ARGV[9],
  'seller_id', ARGV[2],
  'title', ARGV[3],
  'description', ARGV[4],
  'starting_price', ARGV[5],
  'start_time', ARGV[7],
  'end_time', ARGV[8],
  'status', 'OPEN'
}
if ARGV[6] ~= '' then
  table.insert(fields, 'reserve_price')
  table.insert(fields, ARGV[6])
end
redis.call('XADD', KEYS[3], '*', unpack(fields))
return 1
`

// luaPlaceBid 按固定顺序校验：存在 → OPEN → 已开始 → 未结束 → ≥起拍价 → 严格高于当前最高价。
// KEYS[1]=拍卖 hash，KEYS[2]=出价 zset，KEYS[3]=出价 hash，KEYS[4]=事件 stream
// ARGV: 1 now_ms 2 bid_id 3 bidder_id 4 amount 5 auction_id 6 event_id
// 返回 { code } 或 { 'OK', highest_bid, highest_bidder_id }
const luaPlaceBid = `
if redis.call('EXISTS', KEYS[1]) == 0 then
  return { 'NOT_FOUND' }
end
local status = redis.call('HGET', KEYS[1], 'status')
if status ~= 'OPEN' then
  return { 'NOT_OPEN' }
end
local now = tonumber(ARGV[1])
local startTime = tonumber(redis.call('HGET', KEYS[1], 'start_time_ms'))
local endTime = tonumber(redis.call('HGET', KEYS[1], 'end_time_ms'))
if now < startTime then
  return { 'NOT_STARTED' }
end
if now > endTime then
  return { 'ENDED' }
end
local amount = tonumber(ARGV[4])
local startingPrice = tonumber(redis.call('HGET', KEYS[1], 'starting_price'))
if amount < startingPrice then
  return { 'BELOW_START' }
end
local highestBid = redis.call('HGET', KEYS[1], 'highest_bid')
if highestBid and amount <= tonumber(highestBid) then
  return { 'BELOW_HIGHEST' }
end

redis.call('HSET', KEYS[3],
  'bid_id', ARGV[2],
  'auction_id', ARGV[5],
  'bidder_id', ARGV[3],
  'amount', ARGV[4],
  'placed_at_ms', ARGV[1]
)
redis.call('ZADD', KEYS[2], amount, ARGV[2])
redis.call('HSET', KEYS[1],
  'highest_bid', ARGV[4],
  'highest_bidder_id', ARGV[3],
  'updated_at_ms', ARGV[1]
)
redis.call('XADD', KEYS[4], '*',
  'event_id', ARGV[6],
  'event_type', 'BID_PLACED',
  'auction_id', ARGV[5],
  'occurred_at', ARGV[1],
  'bid_id', ARGV[2],
  'bidder_id', ARGV[3],
  'amount', ARGV[4],
  'status', 'OPEN'
)
return { 'OK', ARGV[4], ARGV[3] }
`

// luaCloseAuction 有最高出价即成交（不单独校验保留价），否则流拍。
// KEYS[1]=拍卖 hash，KEYS[2]=事件 stream
// ARGV: 1 now_ms 2 auction_id 3 event_id
// 返回 { code } 或 { 'OK', final_status, winning_bid|'', winner|'' }
const luaCloseAuction = `
if redis.call('EXISTS', KEYS[1]) == 0 then
  return { 'NOT_FOUND' }
end
local status = redis.call('HGET', KEYS[1], 'status')
if status ~= 'OPEN' then
  return { 'NOT_OPEN' }
end
local highestBid = redis.call('HGET', KEYS[1], 'highest_bid')
local highestBidderId = redis.call('HGET', KEYS[1], 'highest_bidder_id')
local final = 'CLOSED_NO_SALE'
if highestBid then
  final = 'CLOSED'
end
redis.call('HSET', KEYS[1],
  'status', final,
  'updated_at_ms', ARGV[1]
)

local fields = {
  'event_id', ARGV[3],
  'event_type', 'AUCTION_CLOSED',
  'auction_id', ARGV[2],
  'occurred_at', ARGV[1],
  'status', final
}
if highestBid then
  table.insert(fields, 'bidder_id')
  table.insert(fields, highestBidderId)
  table.insert(fields, 'amount')
  table.insert(fields, highestBid)
end
redis.call('XADD', KEYS[2], '*', unpack(fields))

if highestBid then
  return { 'OK', final, highestBid, highestBidderId }
end
return { 'OK', final, '', '' }
`
