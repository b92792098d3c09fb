package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"swing-trader/internal/domain"
	"swing-trader/internal/metrics"
	"swing-trader/internal/store"
)

const defaultCooldown = 10 * time.Minute

// Service 负责告警去重、日志输出、计数与落库。
type Service struct {
	alerts   store.AlertStore
	metrics  *metrics.Registry
	cooldown time.Duration
	logger   *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	lastSent map[alertKey]time.Time
}

var _ Notifier = (*Service)(nil)

// NewService 初始化告警服务。alerts 与 reg 均可为空。
func NewService(alerts store.AlertStore, reg *metrics.Registry, cooldown time.Duration, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	return &Service{
		alerts:   alerts,
		metrics:  reg,
		cooldown: cooldown,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		lastSent: make(map[alertKey]time.Time),
	}
}

// Notify 发送告警，被冷却抑制时返回 false。落库失败只记录警告。
func (s *Service) Notify(ctx context.Context, severity domain.Severity, alertType, message string, fields map[string]string) bool {
	now := s.now()
	key := alertKey{severity: severity, alertType: alertType, message: message}

	s.mu.Lock()
	for k, at := range s.lastSent {
		if now.Sub(at) >= s.cooldown {
			delete(s.lastSent, k)
		}
	}
	if _, ok := s.lastSent[key]; ok {
		s.mu.Unlock()
		s.logger.Debug("告警处于冷却期，已抑制", zap.String("type", alertType), zap.String("message", message))
		return false
	}
	s.lastSent[key] = now
	s.mu.Unlock()

	logFields := make([]zap.Field, 0, len(fields)+2)
	logFields = append(logFields, zap.String("alert_type", alertType), zap.String("severity", string(severity)))
	for k, v := range fields {
		logFields = append(logFields, zap.String(k, v))
	}
	switch severity {
	case domain.SeverityCritical:
		s.logger.Error(message, logFields...)
	case domain.SeverityWarning:
		s.logger.Warn(message, logFields...)
	default:
		s.logger.Info(message, logFields...)
	}

	s.metrics.ObserveAlert(string(severity), alertType)

	if s.alerts != nil {
		if err := s.alerts.InsertAlert(ctx, domain.AlertEvent{
			Severity:  severity,
			Type:      alertType,
			Message:   message,
			Context:   fields,
			CreatedAt: now,
		}); err != nil {
			s.logger.Warn("记录告警失败", zap.Error(err))
		}
	}
	return true
}

// Recent 返回最近的告警，最新的在前。
func (s *Service) Recent(ctx context.Context, limit int) ([]domain.AlertEvent, error) {
	if s.alerts == nil {
		return []domain.AlertEvent{}, nil
	}
	if limit <= 0 {
		limit = 100
	}
	events, err := s.alerts.ListAlerts(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("monitor: 查询告警失败: %w", err)
	}
	return events, nil
}
