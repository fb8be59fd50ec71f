package kafka

import (
	"context"
	"encoding/json"
	"time"

	"emperror.dev/errors"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/lvdashuaibi/teamvote/config"
	"github.com/lvdashuaibi/teamvote/internal/model"
)

// messageWriter 是 *kafka.Writer 用到的部分
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Producer struct {
	writer messageWriter
	logger logrus.FieldLogger
}

func NewProducer(ctx context.Context, logger logrus.FieldLogger) (*Producer, error) {
	// 启动时确认主题存在
	conn, err := kafka.DialLeader(ctx, "tcp", config.AppConfig.Kafka.Brokers[0], config.AppConfig.Kafka.Topic, 0)
	if err != nil {
		return nil, errors.Wrap(err, "连接Kafka失败")
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions()
	if err != nil {
		return nil, errors.Wrap(err, "读取分区信息失败")
	}
	logger.WithFields(logrus.Fields{
		"topic":      config.AppConfig.Kafka.Topic,
		"partitions": countPartitions(partitions, config.AppConfig.Kafka.Topic),
	}).Info("Kafka生产者已连接")

	// 使用Hash分区器，同一议题的事件进入同一分区
	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.AppConfig.Kafka.Brokers...),
		Topic:        config.AppConfig.Kafka.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	return newProducer(writer, logger), nil
}

func newProducer(w messageWriter, logger logrus.FieldLogger) *Producer {
	return &Producer{writer: w, logger: logger.WithField("component", "kafka_producer")}
}

func countPartitions(partitions []kafka.Partition, topic string) int {
	n := 0
	for _, p := range partitions {
		if p.Topic == topic {
			n++
		}
	}
	return n
}

func encodeEvent(event *model.VoteEvent) (kafka.Message, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, errors.Wrap(err, "序列化投票事件失败")
	}
	return kafka.Message{
		Key:   []byte(event.TopicID),
		Value: data,
		Time:  time.Now(),
	}, nil
}

// SendVoteEvent 发送投票事件到Kafka，以议题ID作为分区key
func (p *Producer) SendVoteEvent(ctx context.Context, event *model.VoteEvent) error {
	msg, err := encodeEvent(event)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return errors.WrapIfWithDetails(err, "发送投票事件失败", "topic_id", event.TopicID)
	}
	return nil
}

// Close 关闭Kafka生产者
func (p *Producer) Close() error {
	return p.writer.Close()
}
