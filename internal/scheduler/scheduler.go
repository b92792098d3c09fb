package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"swing-trader/internal/config"
)

const (
	minTick            = 5 * time.Second
	minMonitorInterval = time.Minute
	// seenRetention 为去重键的保留期，超过后被清理。
	seenRetention = 8 * 24 * time.Hour
)

// JobKind 为定时任务类型。
type JobKind string

const (
	JobPremarket   JobKind = "premarket_entry"
	JobMonitor     JobKind = "monitor"
	JobEODClose    JobKind = "eod_close"
	JobBacktest    JobKind = "backtest"
	JobStrategyLab JobKind = "strategy_lab"
)

// JobFunc 为任务实现。
type JobFunc func(ctx context.Context) error

// Jobs 为全部定时任务，未设置的任务不会触发。
type Jobs struct {
	Premarket   JobFunc
	Monitor     JobFunc
	EODClose    JobFunc
	Backtest    JobFunc
	StrategyLab JobFunc
}

type seenKey struct {
	kind   JobKind
	period string
}

// State 为调度器的对外状态。
type State struct {
	Running         bool                  `json:"running"`
	TickInterval    time.Duration         `json:"tickInterval"`
	MonitorInterval time.Duration         `json:"monitorInterval"`
	LastRuns        map[JobKind]time.Time `json:"lastRuns"`
	LastErrors      map[JobKind]string    `json:"lastErrors"`
}

type clock struct {
	hour, minute int
}

func (c clock) minutes() int { return c.hour*60 + c.minute }

func parseClock(s string) (clock, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return clock{}, fmt.Errorf("scheduler: 时间格式无效 %q: %w", s, err)
	}
	return clock{hour: t.Hour(), minute: t.Minute()}, nil
}

func parseWeekday(s string) (time.Weekday, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if key == name || key == name[:3] {
			return d, nil
		}
	}
	return time.Sunday, fmt.Errorf("scheduler: 星期无效 %q", s)
}

// Scheduler 周期检查当前本地时间，按日期/星期与时刻触发任务。
// 同一分钟只评估一次；每个任务在同一周期内只触发一次；有任务在跑时不触发。
type Scheduler struct {
	jobs            Jobs
	canRun          func(ctx context.Context) bool
	loc             *time.Location
	tick            time.Duration
	monitorInterval time.Duration
	premarketAt     clock
	eodAt           clock
	windowStart     clock
	windowEnd       clock
	backtestAt      clock
	backtestDay     time.Weekday
	labAt           clock
	labDay          time.Weekday
	logger          *zap.Logger
	now             func() time.Time

	mu         sync.Mutex
	running    bool
	lastMinute string
	seen       map[seenKey]time.Time
	lastRuns   map[JobKind]time.Time
	lastErrors map[JobKind]string
}

// New 创建调度器。canRun 为空时视为总是可运行。
func New(cfg config.SchedulerConfig, loc *time.Location, jobs Jobs, canRun func(ctx context.Context) bool, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if loc == nil {
		loc = time.UTC
	}
	if canRun == nil {
		canRun = func(context.Context) bool { return true }
	}

	s := &Scheduler{
		jobs:            jobs,
		canRun:          canRun,
		loc:             loc,
		tick:            maxDuration(cfg.TickInterval, minTick),
		monitorInterval: maxDuration(cfg.MonitorInterval, minMonitorInterval),
		logger:          logger,
		now:             time.Now,
		seen:            make(map[seenKey]time.Time),
		lastRuns:        make(map[JobKind]time.Time),
		lastErrors:      make(map[JobKind]string),
	}

	var err error
	if s.premarketAt, err = parseClock(cfg.PremarketAt); err != nil {
		return nil, err
	}
	if s.eodAt, err = parseClock(cfg.EODAt); err != nil {
		return nil, err
	}
	if s.windowStart, err = parseClock(cfg.MonitorWindowStart); err != nil {
		return nil, err
	}
	if s.windowEnd, err = parseClock(cfg.MonitorWindowEnd); err != nil {
		return nil, err
	}
	if s.backtestAt, err = parseClock(cfg.BacktestAt); err != nil {
		return nil, err
	}
	if s.backtestDay, err = parseWeekday(cfg.BacktestWeekday); err != nil {
		return nil, err
	}
	if s.labAt, err = parseClock(cfg.StrategyLabAt); err != nil {
		return nil, err
	}
	if s.labDay, err = parseWeekday(cfg.StrategyLabWeekday); err != nil {
		return nil, err
	}
	return s, nil
}

func maxDuration(v, floor time.Duration) time.Duration {
	if v < floor {
		return floor
	}
	return v
}

// Run 阻塞运行直到 ctx 结束。
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	s.logger.Info("调度器已启动",
		zap.Duration("tick", s.tick),
		zap.Duration("monitor_interval", s.monitorInterval),
		zap.String("timezone", s.loc.String()),
	)

	s.Tick(ctx)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("调度器已停止")
			if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick 评估一次当前时刻。任务在当前 goroutine 内同步执行。
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now().In(s.loc)
	minute := now.Format("2006-01-02 15:04")

	s.mu.Lock()
	if minute == s.lastMinute {
		s.mu.Unlock()
		return
	}
	s.evict(now)
	s.mu.Unlock()

	date := now.Format("2006-01-02")
	hm := clock{hour: now.Hour(), minute: now.Minute()}
	weekday := now.Weekday()
	tradingDay := weekday >= time.Monday && weekday <= time.Friday

	busy := false
	if tradingDay && hm == s.premarketAt {
		busy = !s.tryRun(ctx, JobPremarket, date, s.jobs.Premarket, now) || busy
	}
	if tradingDay && hm.minutes() >= s.windowStart.minutes() && hm.minutes() <= s.windowEnd.minutes() {
		bucket := now.Unix() / int64(s.monitorInterval/time.Second)
		busy = !s.tryRun(ctx, JobMonitor, fmt.Sprintf("%d", bucket), s.jobs.Monitor, now) || busy
	}
	if tradingDay && hm == s.eodAt {
		busy = !s.tryRun(ctx, JobEODClose, date, s.jobs.EODClose, now) || busy
	}
	if weekday == s.backtestDay && hm == s.backtestAt {
		busy = !s.tryRun(ctx, JobBacktest, date, s.jobs.Backtest, now) || busy
	}
	if weekday == s.labDay && hm == s.labAt {
		busy = !s.tryRun(ctx, JobStrategyLab, date, s.jobs.StrategyLab, now) || busy
	}

	// 有任务因忙被跳过时，同一分钟内的下一次 tick 仍会重新评估。
	if !busy {
		s.mu.Lock()
		s.lastMinute = minute
		s.mu.Unlock()
	}
}

// tryRun 在周期未执行过且当前空闲时运行任务。仅在因忙跳过时返回 false。
func (s *Scheduler) tryRun(ctx context.Context, kind JobKind, period string, fn JobFunc, now time.Time) bool {
	if fn == nil {
		return true
	}
	key := seenKey{kind: kind, period: period}

	s.mu.Lock()
	if _, ok := s.seen[key]; ok {
		s.mu.Unlock()
		return true
	}
	s.mu.Unlock()

	if !s.canRun(ctx) {
		s.logger.Debug("已有任务在运行，跳过", zap.String("job", string(kind)))
		return false
	}

	s.mu.Lock()
	s.seen[key] = now
	s.mu.Unlock()

	err := s.invoke(ctx, fn)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.lastErrors[kind] = err.Error()
		s.logger.Error("定时任务失败", zap.String("job", string(kind)), zap.String("period", period), zap.Error(err))
		return true
	}
	s.lastRuns[kind] = s.now().UTC()
	delete(s.lastErrors, kind)
	s.logger.Info("定时任务完成", zap.String("job", string(kind)), zap.String("period", period))
	return true
}

func (s *Scheduler) invoke(ctx context.Context, fn JobFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduler: 任务 panic: %v", r)
		}
	}()
	return fn(ctx)
}

func (s *Scheduler) evict(now time.Time) {
	for k, at := range s.seen {
		if now.Sub(at) > seenRetention {
			delete(s.seen, k)
		}
	}
}

// State 返回调度器状态快照。
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := State{
		Running:         s.running,
		TickInterval:    s.tick,
		MonitorInterval: s.monitorInterval,
		LastRuns:        make(map[JobKind]time.Time, len(s.lastRuns)),
		LastErrors:      make(map[JobKind]string, len(s.lastErrors)),
	}
	for k, v := range s.lastRuns {
		out.LastRuns[k] = v
	}
	for k, v := range s.lastErrors {
		out.LastErrors[k] = v
	}
	return out
}
