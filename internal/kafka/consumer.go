package kafka

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"emperror.dev/errors"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/lvdashuaibi/teamvote/config"
	"github.com/lvdashuaibi/teamvote/internal/model"
)

const maxWorkers = 8

// messageReader 是 *kafka.Reader 用到的部分
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type Consumer struct {
	readers []messageReader
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  logrus.FieldLogger
}

type MessageHandler func(ctx context.Context, event *model.VoteEvent) error

// NewConsumer 按分区数创建消费者组 reader，最多 maxWorkers 个
func NewConsumer(ctx context.Context, logger logrus.FieldLogger) (*Consumer, error) {
	conn, err := kafka.DialLeader(ctx, "tcp", config.AppConfig.Kafka.Brokers[0], config.AppConfig.Kafka.Topic, 0)
	if err != nil {
		return nil, errors.Wrap(err, "连接Kafka失败")
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions()
	if err != nil {
		return nil, errors.Wrap(err, "读取分区信息失败")
	}

	workers := countPartitions(partitions, config.AppConfig.Kafka.Topic)
	if workers > maxWorkers {
		workers = maxWorkers
	}
	if workers < 1 {
		workers = 1
	}

	readers := make([]messageReader, 0, workers)
	for i := 0; i < workers; i++ {
		readers = append(readers, kafka.NewReader(kafka.ReaderConfig{
			Brokers:  config.AppConfig.Kafka.Brokers,
			Topic:    config.AppConfig.Kafka.Topic,
			GroupID:  config.AppConfig.Kafka.GroupID,
			MinBytes: 1,
			MaxBytes: 10e6, // 10MB
		}))
	}

	logger.WithFields(logrus.Fields{
		"group_id": config.AppConfig.Kafka.GroupID,
		"workers":  workers,
	}).Info("创建Kafka消费者")
	return newConsumer(readers, logger), nil
}

func newConsumer(readers []messageReader, logger logrus.FieldLogger) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		readers: readers,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.WithField("component", "kafka_consumer"),
	}
}

// StartConsuming 每个 reader 一个 goroutine
func (c *Consumer) StartConsuming(handler MessageHandler) {
	for i, reader := range c.readers {
		c.wg.Add(1)
		go func(workerID int, r messageReader) {
			defer c.wg.Done()
			c.consumeMessages(workerID, r, handler)
		}(i, reader)
	}
	c.logger.WithField("workers", len(c.readers)).Info("已启动Kafka消费者")
}

func (c *Consumer) consumeMessages(workerID int, reader messageReader, handler MessageHandler) {
	logger := c.logger.WithField("worker", workerID)

	for {
		m, err := reader.ReadMessage(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			logger.WithError(err).Warn("读取消息失败")
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		event, err := decodeEvent(m)
		if err != nil {
			logger.WithField("offset", m.Offset).WithError(err).Warn("解析消息失败，跳过")
			continue
		}

		if err := handler(c.ctx, event); err != nil {
			logger.WithFields(logrus.Fields{"topic_id": event.TopicID, "offset": m.Offset}).WithError(err).Error("处理投票事件失败")
		}
	}
}

func decodeEvent(m kafka.Message) (*model.VoteEvent, error) {
	var event model.VoteEvent
	if err := json.Unmarshal(m.Value, &event); err != nil {
		return nil, errors.Wrap(err, "反序列化投票事件失败")
	}
	if event.TopicID == "" {
		event.TopicID = string(m.Key)
	}
	if event.TopicID == "" {
		return nil, errors.New("投票事件缺少议题ID")
	}
	return &event, nil
}

// Stop 停止消费并关闭所有 reader
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()

	var errs []error
	for _, reader := range c.readers {
		if err := reader.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.logger.Info("Kafka消费者已停止")
	return errors.Combine(errs...)
}
