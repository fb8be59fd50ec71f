package repository

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"emperror.dev/errors"
	"github.com/go-redis/redis/v8"

	"github.com/lvdashuaibi/teamvote/config"
	"github.com/lvdashuaibi/teamvote/internal/model"
)

const (
	// Redis键前缀
	TallyKey           = "teamvote:tally:"
	TallyGenerationKey = "teamvote:tally_gen:"

	// 失效代数的保留时间，远大于一次计票的耗时
	generationTTL = 24 * time.Hour

	// 代数未变才写入；键不存在视为 0
	setIfGenerationScript = `
local cur = redis.call("GET", KEYS[1])
if (cur or "0") == ARGV[1] then
	redis.call("SET", KEYS[2], ARGV[2], "PX", ARGV[3])
	return 1
end
return 0`

	invalidateScript = `
redis.call("INCR", KEYS[1])
redis.call("PEXPIRE", KEYS[1], ARGV[1])
redis.call("DEL", KEYS[2])
return 1`
)

// TallyCache 计票结果缓存，跨实例共享；每次成功投票后失效。
// 每个议题带一个失效代数，计算开始前读取，写回时代数变了就放弃写入。
type TallyCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewTallyCache(ctx context.Context) (*TallyCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.AppConfig.Redis.DataAddress,
		Password:     config.AppConfig.Redis.Password,
		DB:           config.AppConfig.Redis.DB,
		PoolSize:     config.AppConfig.Redis.PoolSize,
		MaxRetries:   config.AppConfig.Redis.MaxRetries,
		DialTimeout:  config.AppConfig.Redis.Timeout,
		ReadTimeout:  config.AppConfig.Redis.Timeout,
		WriteTimeout: config.AppConfig.Redis.Timeout,
	})

	// 测试连接
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, "Redis数据节点连接测试失败")
	}

	return NewTallyCacheWithClient(client, config.AppConfig.Redis.TallyTTL), nil
}

func NewTallyCacheWithClient(client *redis.Client, ttl time.Duration) *TallyCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &TallyCache{client: client, ttl: ttl}
}

// GetTally 从缓存获取计票结果，未命中返回 false
func (c *TallyCache) GetTally(ctx context.Context, topicID string) (*model.Tally, bool, error) {
	data, err := c.client.Get(ctx, TallyKey+topicID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, errors.Wrap(err, "获取计票缓存失败")
	}

	var tally model.Tally
	if err := json.Unmarshal(data, &tally); err != nil {
		return nil, false, errors.Wrap(err, "解析计票缓存失败")
	}
	return &tally, true, nil
}

// Generation 返回议题当前的失效代数
func (c *TallyCache) Generation(ctx context.Context, topicID string) (int64, error) {
	gen, err := c.client.Get(ctx, TallyGenerationKey+topicID).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, errors.Wrap(err, "获取计票缓存代数失败")
	}
	return gen, nil
}

// SetTally 代数仍为 gen 时写入计票缓存，返回是否写入
func (c *TallyCache) SetTally(ctx context.Context, tally *model.Tally, gen int64) (bool, error) {
	data, err := json.Marshal(tally)
	if err != nil {
		return false, errors.Wrap(err, "序列化计票结果失败")
	}

	keys := []string{TallyGenerationKey + tally.TopicID, TallyKey + tally.TopicID}
	stored, err := c.client.Eval(ctx, setIfGenerationScript, keys,
		strconv.FormatInt(gen, 10), data, c.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, errors.Wrap(err, "设置计票缓存失败")
	}
	return stored == 1, nil
}

// DeleteTally 删除计票缓存并推进失效代数
func (c *TallyCache) DeleteTally(ctx context.Context, topicID string) error {
	keys := []string{TallyGenerationKey + topicID, TallyKey + topicID}
	if err := c.client.Eval(ctx, invalidateScript, keys, generationTTL.Milliseconds()).Err(); err != nil {
		return errors.Wrap(err, "删除计票缓存失败")
	}
	return nil
}

// Close 关闭Redis连接
func (c *TallyCache) Close() error {
	return c.client.Close()
}
