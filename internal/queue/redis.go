package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vivektripaathi/remote-job-executor/internal/entity"
)

// Lane is a pair of redis lists backing one priority level.
type Lane struct {
	Priority      entity.JobPriority
	QueueKey      string
	ProcessingKey string
}

// redisQueue implements a reliable dispatch queue with priorities using
// redis lists, one lane per priority.
// Claim: BRPopLPush lane.queue -> lane.processing
// Ack:   LRem from the processing list recorded in processingMapKey
type redisQueue struct {
	rdb              *redis.Client
	processingMapKey string

	lanes [3]Lane // high, medium, low; claim order
}

// NewRedis creates a redis-backed queue. baseQueueKey and
// baseProcessingKey are suffixed per lane (":high", ":medium", ":low").
func NewRedis(rdb *redis.Client, baseQueueKey, baseProcessingKey string) Queue {
	mk := func(p entity.JobPriority, suffix string) Lane {
		return Lane{
			Priority:      p,
			QueueKey:      baseQueueKey + suffix,
			ProcessingKey: baseProcessingKey + suffix,
		}
	}
	return &redisQueue{
		rdb:              rdb,
		processingMapKey: baseProcessingKey + ":map",
		lanes: [3]Lane{
			mk(entity.PriorityHigh, ":high"),
			mk(entity.PriorityMedium, ":medium"),
			mk(entity.PriorityLow, ":low"),
		},
	}
}

func (q *redisQueue) laneByPriority(p entity.JobPriority) Lane {
	for _, ln := range q.lanes {
		if ln.Priority == p {
			return ln
		}
	}
	return q.lanes[2]
}

func (q *redisQueue) Enqueue(ctx context.Context, req Request) error {
	ln := q.laneByPriority(req.Priority)
	return q.rdb.LPush(ctx, ln.QueueKey, req.JobID.String()).Err()
}

// Claim tries lanes in priority order with short blocking slots, so it
// is "mostly blocking" but still respects priority for work arriving
// while it waits.
func (q *redisQueue) Claim(ctx context.Context) (Request, error) {
	const slot = 1 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return Request{}, err
		}

		for _, ln := range q.lanes {
			id, err := q.rdb.BRPopLPush(ctx, ln.QueueKey, ln.ProcessingKey, slot).Result()
			if err == nil {
				// Remember which processing list holds this id so Ack can
				// remove it later.
				if hErr := q.rdb.HSet(ctx, q.processingMapKey, id, ln.ProcessingKey).Err(); hErr != nil {
					return Request{}, hErr
				}
				jobID, pErr := uuid.Parse(id)
				if pErr != nil {
					// Garbage entry; drop it rather than wedging the lane.
					_ = q.rdb.LRem(ctx, ln.ProcessingKey, 1, id).Err()
					continue
				}
				return Request{JobID: jobID, Priority: ln.Priority, EnqueuedAt: time.Now()}, nil
			}
			if errors.Is(err, redis.Nil) {
				continue // nothing in this lane during the wait slot
			}
			if ctx.Err() != nil {
				return Request{}, ctx.Err()
			}
			return Request{}, err
		}
	}
}

func (q *redisQueue) Ack(ctx context.Context, jobID uuid.UUID) error {
	id := jobID.String()

	processingKey, err := q.rdb.HGet(ctx, q.processingMapKey, id).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Mapping missing; best effort removal from every lane.
			for _, ln := range q.lanes {
				_ = q.rdb.LRem(ctx, ln.ProcessingKey, 1, id).Err()
			}
			return nil
		}
		return err
	}

	if err := q.rdb.LRem(ctx, processingKey, 1, id).Err(); err != nil {
		return err
	}
	_ = q.rdb.HDel(ctx, q.processingMapKey, id).Err()
	return nil
}

func (q *redisQueue) Remove(ctx context.Context, jobID uuid.UUID) (bool, error) {
	id := jobID.String()

	for _, ln := range q.lanes {
		n, err := q.rdb.LRem(ctx, ln.QueueKey, 1, id).Result()
		if err != nil {
			return false, err
		}
		if n > 0 {
			return true, nil
		}
	}
	return false, nil
}

// RequeueStale moves items from processing lists back to their queues,
// lane by lane. It is a simple reaper giving at-least-once delivery
// when a worker dies between claim and ack.
func (q *redisQueue) RequeueStale(ctx context.Context, maxPerLane int64) (int64, error) {
	var moved int64

	for _, ln := range q.lanes {
		for i := int64(0); i < maxPerLane; i++ {
			id, err := q.rdb.RPopLPush(ctx, ln.ProcessingKey, ln.QueueKey).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					break
				}
				return moved, err
			}
			if id != "" {
				moved++
				_ = q.rdb.HDel(ctx, q.processingMapKey, id).Err()
			}
		}
	}

	return moved, nil
}

func (q *redisQueue) Close() error { return q.rdb.Close() }
