package service

import (
	"context"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/faktur/internal/event"
	outboxdomain "github.com/smallbiznis/faktur/internal/outbox/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node

	mu        sync.RWMutex
	listeners []outboxdomain.Listener
}

func NewService(p ServiceParam) outboxdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("outbox.service"),
		genID: p.GenID,
	}
}

func (s *Service) Subscribe(listener outboxdomain.Listener) {
	if listener == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, listener)
}

func (s *Service) Stage(ctx context.Context, tx *gorm.DB, aggregateType, aggregateID string, events []event.Event) error {
	if tx == nil {
		return outboxdomain.ErrNilTransaction
	}
	if len(events) == 0 {
		return nil
	}

	now := time.Now().UTC()
	rows := make([]outboxdomain.OutboxEvent, 0, len(events))
	for _, evt := range events {
		payload := datatypes.JSONMap{}
		for k, v := range evt.Payload {
			payload[k] = v
		}
		rows = append(rows, outboxdomain.OutboxEvent{
			ID:            s.genID.Generate(),
			EventID:       evt.ID,
			EventType:     evt.Kind,
			AggregateType: aggregateType,
			AggregateID:   aggregateID,
			Payload:       payload,
			OccurredAt:    evt.OccurredAt,
			CreatedAt:     now,
		})
	}

	return tx.WithContext(ctx).Create(&rows).Error
}

func (s *Service) DispatchPending(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}

	var pending []outboxdomain.OutboxEvent
	err := s.db.WithContext(ctx).
		Where("published = ?", false).
		Order("created_at asc, id asc").
		Limit(batchSize).
		Find(&pending).Error
	if err != nil {
		return 0, err
	}

	s.mu.RLock()
	listeners := make([]outboxdomain.Listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.RUnlock()

	published := 0
	for _, row := range pending {
		if err := s.deliver(ctx, row, listeners); err != nil {
			s.log.Warn("outbox delivery failed",
				zap.String("event_id", row.EventID),
				zap.String("event_type", row.EventType),
				zap.Error(err),
			)
			continue
		}

		now := time.Now().UTC()
		err := s.db.WithContext(ctx).
			Model(&outboxdomain.OutboxEvent{}).
			Where("id = ? AND published = ?", row.ID, false).
			Updates(map[string]any{"published": true, "published_at": now}).Error
		if err != nil {
			return published, err
		}
		published++
	}

	return published, nil
}

func (s *Service) deliver(ctx context.Context, row outboxdomain.OutboxEvent, listeners []outboxdomain.Listener) error {
	for _, listener := range listeners {
		if err := listener(ctx, row); err != nil {
			return err
		}
	}
	return nil
}
