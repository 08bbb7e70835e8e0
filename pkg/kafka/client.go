// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"omni-agent-go/internal/config"
	"omni-agent-go/pkg/log"
	"omni-agent-go/pkg/tasks"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
)

const (
	maxAttempts  = 3
	retryBackoff = 2 * time.Second
)

// TaskProcessor 是任何可以处理导入任务的服务，用于解耦消费者与具体的管道实现。
// Process 返回错误表示可重试；重试次数用尽后调用 GiveUp，由实现方把任务收尾。
type TaskProcessor interface {
	Process(ctx context.Context, task tasks.IngestionTask) error
	GiveUp(ctx context.Context, task tasks.IngestionTask, cause error)
}

// attemptCounter 记录每个任务累计失败的次数。
type attemptCounter interface {
	Incr(ctx context.Context, jobID string) (int64, error)
	Reset(ctx context.Context, jobID string)
}

// redisCounter 把失败次数存在 Redis 中，消费者重启后仍然有效。
type redisCounter struct {
	rdb *redis.Client
}

func (c redisCounter) Incr(ctx context.Context, jobID string) (int64, error) {
	attempts, err := c.rdb.Incr(ctx, attemptsKey(jobID)).Result()
	if err != nil {
		return 0, err
	}
	_ = c.rdb.Expire(ctx, attemptsKey(jobID), 24*time.Hour).Err()
	return attempts, nil
}

func (c redisCounter) Reset(ctx context.Context, jobID string) {
	_ = c.rdb.Del(ctx, attemptsKey(jobID)).Err()
}

// Producer 把导入任务写入 Kafka。
type Producer struct {
	writer *kafka.Writer
}

// NewProducer 初始化 Kafka 生产者。
func NewProducer(cfg config.KafkaConfig) *Producer {
	w := &kafka.Writer{
		Addr:     kafka.TCP(strings.Split(cfg.Brokers, ",")...),
		Topic:    cfg.Topic,
		Balancer: &kafka.LeastBytes{},
	}
	log.Info("Kafka 生产者初始化成功")
	return &Producer{writer: w}
}

// Dispatch 发送一个导入任务到 Kafka，以任务 ID 作为消息 key。
func (p *Producer) Dispatch(ctx context.Context, task tasks.IngestionTask) error {
	taskBytes, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(task.JobID),
		Value: taskBytes,
	})
}

// Close 关闭生产者。
func (p *Producer) Close() error {
	return p.writer.Close()
}

// StartConsumer 启动一个 Kafka 消费者来处理导入任务，ctx 取消时退出。
// kafka-go 在同一会话内不会重投未提交的消息，所以失败的任务在这里原地重试，
// 达到 3 次后调用 GiveUp 并提交 offset。
func StartConsumer(ctx context.Context, cfg config.KafkaConfig, processor TaskProcessor, rdb *redis.Client) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  strings.Split(cfg.Brokers, ","),
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	defer func() {
		if err := r.Close(); err != nil {
			log.Errorf("关闭 Kafka 消费者失败: %v", err)
		}
	}()

	log.Infof("Kafka 消费者已启动，正在监听主题 '%s'", cfg.Topic)
	counter := redisCounter{rdb: rdb}

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				log.Info("Kafka 消费者已停止")
				return
			}
			log.Error("从 Kafka 读取消息失败", err)
			return
		}

		var task tasks.IngestionTask
		if err := json.Unmarshal(m.Value, &task); err != nil {
			log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(m.Value))
			// 消息格式错误，直接提交，避免阻塞队列
			commit(ctx, r, m)
			continue
		}

		if handleTask(ctx, processor, counter, task, retryBackoff) {
			commit(ctx, r, m)
		}
	}
}

// handleTask 处理一个任务，失败时按 backoff 递增等待后重试。
// 返回 true 表示任务已处理完（成功或已放弃），可以提交 offset；
// ctx 取消时返回 false，消息留给下一次会话。
func handleTask(ctx context.Context, processor TaskProcessor, counter attemptCounter, task tasks.IngestionTask, backoff time.Duration) bool {
	var local int64
	for {
		err := processor.Process(ctx, task)
		if err == nil {
			counter.Reset(ctx, task.JobID)
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		local++
		attempts, cerr := counter.Incr(ctx, task.JobID)
		if cerr != nil {
			log.Warnf("记录任务失败次数出错, 使用本地计数: job=%s, Error: %v", task.JobID, cerr)
		}
		if attempts < local {
			attempts = local
		}
		log.Errorf("处理导入任务失败(第 %d 次): job=%s, Error: %v", attempts, task.JobID, err)

		if attempts >= maxAttempts {
			log.Errorf("导入任务多次失败(>=%d)，放弃并提交 offset: job=%s", maxAttempts, task.JobID)
			processor.GiveUp(ctx, task, err)
			counter.Reset(ctx, task.JobID)
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff * time.Duration(attempts)):
		}
	}
}

func attemptsKey(jobID string) string {
	return fmt.Sprintf("kafka:attempts:%s", jobID)
}

func commit(ctx context.Context, r *kafka.Reader, m kafka.Message) {
	if err := r.CommitMessages(ctx, m); err != nil {
		log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
	}
}
