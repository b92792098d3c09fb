package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"swing-trader/internal/backtest"
	"swing-trader/internal/circuit"
	"swing-trader/internal/config"
	"swing-trader/internal/domain"
	"swing-trader/internal/execution"
	"swing-trader/internal/lock"
	"swing-trader/internal/metrics"
	"swing-trader/internal/monitor"
	"swing-trader/internal/oms"
	"swing-trader/internal/portfolio"
	"swing-trader/internal/position"
	"swing-trader/internal/risk"
	"swing-trader/internal/screener"
	"swing-trader/internal/signal"
	"swing-trader/internal/store"
	"swing-trader/internal/strategylab"
)

const stateRealizedPnL = "realized_pnl"

var (
	// ErrPassInFlight 表示已有任务在运行。
	ErrPassInFlight = errors.New("app: 已有任务在运行")
	// ErrPrecondition 表示交易前检查未通过。
	ErrPrecondition = errors.New("app: 交易前检查未通过")
)

// Deps 为编排所需的组件。
type Deps struct {
	Repo      store.Repository
	Screener  *screener.Service
	Risk      *risk.Engine
	Tracker   *risk.DailyTracker
	Executor  *execution.Executor
	Portfolio *portfolio.Service
	Positions *position.Monitor
	Backtest  *backtest.Engine
	Lab       *strategylab.Lab
	Alerts    monitor.Notifier
	Metrics   *metrics.Registry
	Guard     lock.Guard
}

func (d Deps) validate() error {
	switch {
	case d.Repo == nil:
		return errors.New("app: repo 不能为空")
	case d.Screener == nil:
		return errors.New("app: screener 不能为空")
	case d.Risk == nil || d.Tracker == nil:
		return errors.New("app: risk 不能为空")
	case d.Executor == nil:
		return errors.New("app: executor 不能为空")
	case d.Portfolio == nil:
		return errors.New("app: portfolio 不能为空")
	case d.Positions == nil:
		return errors.New("app: position monitor 不能为空")
	case d.Backtest == nil || d.Lab == nil:
		return errors.New("app: backtest 不能为空")
	case d.Alerts == nil:
		return errors.New("app: alerts 不能为空")
	case d.Guard == nil:
		return errors.New("app: guard 不能为空")
	}
	return nil
}

// Orchestrator 对外暴露各个交易任务。任务之间互斥，同一时刻只运行一个。
type Orchestrator struct {
	cfg     *config.Config
	deps    Deps
	builder *signal.Builder
	loc     *time.Location
	logger  *zap.Logger
	now     func() time.Time

	mu             sync.Mutex
	realized       float64
	realizedLoaded bool
}

// NewOrchestrator 创建任务编排器。
func NewOrchestrator(cfg *config.Config, deps Deps, logger *zap.Logger) (*Orchestrator, error) {
	if cfg == nil {
		return nil, errors.New("app: config 不能为空")
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:     cfg,
		deps:    deps,
		builder: signal.NewBuilder(signal.ParamsFromConfig(cfg.Strategy)),
		loc:     cfg.App.Location(),
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// CanRun 表示当前没有任务在运行，供调度器使用。
func (o *Orchestrator) CanRun(ctx context.Context) bool {
	holder, err := o.deps.Guard.Holder(ctx)
	if err != nil {
		o.logger.Warn("读取任务锁失败", zap.Error(err))
		return false
	}
	return holder == ""
}

// Equity 为账户资金加累计已实现盈亏。
func (o *Orchestrator) Equity() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg.Account.Capital + o.realized
}

// Entry 为盘前入场：检查、对账、筛选、生成信号，逐个过风控后下单。
// 连续下单失败达到阈值后熔断，剩余信号不再尝试。
func (o *Orchestrator) Entry(ctx context.Context) (res EntryResult, err error) {
	started := o.now()
	defer func() { o.finish(ctx, PassEntry, started, err) }()

	release, err := o.begin(ctx, PassEntry)
	if err != nil {
		return res, err
	}
	defer release()

	if err = o.prepare(ctx); err != nil {
		return res, err
	}
	if _, err = o.preflight(ctx); err != nil {
		return res, err
	}
	audit, _, err := o.reconcile(ctx)
	if err != nil {
		return res, err
	}

	now := o.now()
	res.TradingDate = now.In(o.loc).Format("2006-01-02")
	res.Equity = o.Equity()
	res.Reconcile = audit
	res.Placed = []PlacedOrder{}
	res.Skipped = []SkippedSignal{}

	signals, err := o.buildSignals(ctx, res.Equity)
	if err != nil {
		return res, err
	}
	res.Signals = len(signals)

	breaker := circuit.NewBreaker(o.cfg.Risk.MaxConsecutiveOrderErrors)
	breaker.OnTrip(func(reason string) {
		o.deps.Metrics.ObserveCircuitTrip()
		o.deps.Alerts.Notify(ctx, domain.SeverityCritical, monitor.AlertCircuitBreaker,
			"连续下单失败，本次入场已熔断", map[string]string{"last_error": reason})
	})

	for _, sig := range signals {
		if !breaker.Allow() {
			res.CircuitOpen = true
			res.Skipped = append(res.Skipped, SkippedSignal{Symbol: sig.Symbol, Reason: "circuit breaker open"})
			continue
		}

		positions, err := o.deps.Portfolio.Positions(ctx)
		if err != nil {
			return res, err
		}
		decision := o.deps.Risk.PreTradeCheck(sig, positions)
		if !decision.OK {
			o.deps.Metrics.ObserveRiskReject(decision.Reason)
			res.Skipped = append(res.Skipped, SkippedSignal{Symbol: sig.Symbol, Reason: decision.Reason})
			continue
		}

		intent := domain.OrderIntent{
			IdempotencyKey: oms.EntryKey(res.TradingDate, sig.Symbol, sig.Side),
			Symbol:         sig.Symbol,
			Side:           sig.Side,
			Qty:            sig.Qty,
			Type:           domain.OrderTypeMarket,
			TIF:            domain.TIFDay,
			Price:          domain.Float(sig.EntryPrice),
			CreatedAt:      now,
			Reason:         sig.Reason,
		}
		result, submitErr := o.deps.Executor.Submit(ctx, intent)
		if submitErr != nil {
			// 订单未能登记说明是持久化或参数问题，不计入熔断
			if result.Order.OrderID == "" {
				return res, submitErr
			}
			o.deps.Metrics.ObserveOrder(string(sig.Side), string(result.Order.State))
			o.deps.Alerts.Notify(ctx, domain.SeverityWarning, monitor.AlertOrderRejected,
				fmt.Sprintf("%s 入场下单失败", sig.Symbol), map[string]string{"error": submitErr.Error()})
			res.Skipped = append(res.Skipped, SkippedSignal{Symbol: sig.Symbol, Reason: submitErr.Error()})
			breaker.RecordFailure(submitErr)
			continue
		}
		if result.Duplicate {
			res.Skipped = append(res.Skipped, SkippedSignal{
				Symbol: sig.Symbol,
				Reason: fmt.Sprintf("order already exists (%s)", result.Order.State),
			})
			continue
		}

		breaker.RecordSuccess()
		o.deps.Risk.RegisterOrder()
		o.deps.Metrics.ObserveOrder(string(sig.Side), string(result.Order.State))
		if result.Fill == nil {
			continue
		}
		fill := *result.Fill
		if _, err := o.deps.Portfolio.ApplyFill(ctx, fill); err != nil {
			return res, err
		}
		if err := o.deps.Positions.TrackEntry(ctx, fill, sig); err != nil {
			return res, err
		}
		res.Placed = append(res.Placed, PlacedOrder{
			Symbol:  fill.Symbol,
			OrderID: result.Order.OrderID,
			Qty:     fill.Qty,
			Price:   fill.Price,
			Stop:    sig.StopPrice,
			Target:  sig.TargetPrice,
		})
	}

	o.saveCounters(ctx)
	o.record(ctx, PassEntry, map[string]any{
		"placed":      len(res.Placed),
		"skipped":     res.Skipped,
		"circuitOpen": res.CircuitOpen,
	})
	o.logger.Info("入场任务完成",
		zap.Int("signals", res.Signals),
		zap.Int("placed", len(res.Placed)),
		zap.Int("skipped", len(res.Skipped)),
		zap.Bool("circuit_open", res.CircuitOpen),
	)
	return res, nil
}

// PreviewEntry 生成信号并评估风控，但不下单。
func (o *Orchestrator) PreviewEntry(ctx context.Context) (res PreviewResult, err error) {
	started := o.now()
	defer func() { o.finish(ctx, PassPreview, started, err) }()

	release, err := o.begin(ctx, PassPreview)
	if err != nil {
		return res, err
	}
	defer release()

	if err = o.prepare(ctx); err != nil {
		return res, err
	}

	res.GeneratedAt = o.now()
	res.Equity = o.Equity()
	res.Rows = []PreviewRow{}

	signals, err := o.buildSignals(ctx, res.Equity)
	if err != nil {
		return res, err
	}
	positions, err := o.deps.Portfolio.Positions(ctx)
	if err != nil {
		return res, err
	}
	for _, sig := range signals {
		row := PreviewRow{
			Symbol:      sig.Symbol,
			Side:        sig.Side,
			Qty:         sig.Qty,
			EntryPrice:  sig.EntryPrice,
			StopPrice:   sig.StopPrice,
			TargetPrice: sig.TargetPrice,
			Notional:    sig.Notional(),
			RankScore:   sig.RankScore,
			Status:      "eligible",
			Reason:      "ok",
		}
		if decision := o.deps.Risk.PreTradeCheck(sig, positions); !decision.OK {
			row.Status = "skip"
			row.Reason = decision.Reason
			res.Skipped++
		} else {
			res.Eligible++
		}
		res.Rows = append(res.Rows, row)
	}
	res.Total = len(res.Rows)
	return res, nil
}

// Monitor 为盘中监控：对账后抬升移动止损，跌破止损的持仓市价离场。
func (o *Orchestrator) Monitor(ctx context.Context) (res MonitorResult, err error) {
	started := o.now()
	defer func() { o.finish(ctx, PassMonitor, started, err) }()

	release, err := o.begin(ctx, PassMonitor)
	if err != nil {
		return res, err
	}
	defer release()

	if err = o.prepare(ctx); err != nil {
		return res, err
	}
	if _, err = o.preflight(ctx); err != nil {
		return res, err
	}
	audit, dropped, err := o.reconcile(ctx)
	if err != nil {
		return res, err
	}
	res.Reconcile = audit
	res.Dropped = dropped

	exits, evalErr := o.deps.Positions.EvaluateAndAct(ctx)
	o.applyExits(ctx, exits)
	res.Exits = exits
	res.Managed = len(o.deps.Positions.Managed())
	if evalErr != nil {
		return res, fmt.Errorf("app: 监控周期部分失败: %w", evalErr)
	}

	o.record(ctx, PassMonitor, map[string]any{"exits": exits})
	return res, nil
}

// Reconcile 以券商持仓为准修正本地持仓并清理止损状态。
func (o *Orchestrator) Reconcile(ctx context.Context) (res ReconcileResult, err error) {
	started := o.now()
	defer func() { o.finish(ctx, PassReconcile, started, err) }()

	release, err := o.begin(ctx, PassReconcile)
	if err != nil {
		return res, err
	}
	defer release()

	if err = o.prepare(ctx); err != nil {
		return res, err
	}
	audit, dropped, err := o.reconcile(ctx)
	if err != nil {
		return res, err
	}
	res.Audit = audit
	res.Dropped = dropped
	res.Positions = len(audit.Upserted)

	o.record(ctx, PassReconcile, map[string]any{"drifts": len(audit.Drifts), "removed": audit.Removed})
	return res, nil
}

// EODClose 市价卖出全部持仓。
func (o *Orchestrator) EODClose(ctx context.Context) (res EODCloseResult, err error) {
	started := o.now()
	defer func() { o.finish(ctx, PassEODClose, started, err) }()

	release, err := o.begin(ctx, PassEODClose)
	if err != nil {
		return res, err
	}
	defer release()

	if err = o.prepare(ctx); err != nil {
		return res, err
	}
	if _, err = o.preflight(ctx); err != nil {
		return res, err
	}
	if _, _, err = o.reconcile(ctx); err != nil {
		return res, err
	}

	exits, exitErr := o.deps.Positions.ExitAll(ctx, position.ReasonEODClose)
	o.applyExits(ctx, exits)
	res.Exits = exits
	res.Closed = len(exits)
	if exitErr != nil {
		return res, fmt.Errorf("app: 收盘清仓部分失败: %w", exitErr)
	}

	o.record(ctx, PassEODClose, map[string]any{"closedPositions": res.Closed})
	return res, nil
}

// Preflight 执行交易前检查，未通过时返回 ErrPrecondition。
func (o *Orchestrator) Preflight(ctx context.Context) (res execution.PreflightResult, err error) {
	started := o.now()
	defer func() { o.finish(ctx, PassPreflight, started, err) }()

	release, err := o.begin(ctx, PassPreflight)
	if err != nil {
		return res, err
	}
	defer release()

	return o.preflight(ctx)
}

// Backtest 回测并保存结果。cfg 为空时使用配置默认值与最近 window_days 天的区间。
func (o *Orchestrator) Backtest(ctx context.Context, cfg *backtest.Config) (res BacktestResult, err error) {
	started := o.now()
	defer func() { o.finish(ctx, PassBacktest, started, err) }()

	release, err := o.begin(ctx, PassBacktest)
	if err != nil {
		return res, err
	}
	defer release()

	run := o.backtestConfig(o.cfg.Backtest.WindowDays)
	if cfg != nil {
		run = *cfg
	}
	result, err := o.deps.Backtest.Run(ctx, run)
	if err != nil {
		return res, err
	}
	res.Result = result

	record, err := result.Record()
	if err != nil {
		return res, err
	}
	record.CreatedAt = o.now()
	id, err := o.deps.Repo.InsertBacktestRun(ctx, record)
	if err != nil {
		return res, fmt.Errorf("app: 保存回测结果失败: %w", err)
	}
	res.RunID = id

	o.putState(ctx, "last_backtest_run", map[string]any{"runId": id, "metrics": result.Metrics})
	return res, nil
}

// StrategyLab 以当前策略参数为中心做参数扫描。base 为空时使用配置默认值。
func (o *Orchestrator) StrategyLab(ctx context.Context, base *backtest.Config) (res strategylab.Report, err error) {
	started := o.now()
	defer func() { o.finish(ctx, PassStrategyLab, started, err) }()

	release, err := o.begin(ctx, PassStrategyLab)
	if err != nil {
		return res, err
	}
	defer release()

	run := o.backtestConfig(o.cfg.StrategyLab.LookbackDays)
	if base != nil {
		run = *base
	}
	res, err = o.deps.Lab.Sweep(ctx, run)
	if err != nil {
		return res, err
	}

	summary := map[string]any{"runId": res.RunID, "candidates": len(res.Candidates)}
	if rec := res.Recommendation; rec != nil {
		summary["approved"] = rec.Approved
		summary["rank"] = rec.Candidate.Rank
	}
	o.putState(ctx, "last_strategy_lab_run", summary)
	return res, nil
}

func (o *Orchestrator) backtestConfig(windowDays int) backtest.Config {
	if windowDays <= 0 {
		windowDays = 365
	}
	to := o.now().In(o.loc)
	from := to.AddDate(0, 0, -windowDays)
	return backtest.ConfigFromSettings(o.cfg.Backtest, o.cfg.Strategy, o.cfg.Universe.Symbols, from, to)
}

func (o *Orchestrator) begin(ctx context.Context, pass string) (func(), error) {
	release, err := o.deps.Guard.TryAcquire(ctx, pass)
	if err != nil {
		if errors.Is(err, lock.ErrHeld) {
			return nil, fmt.Errorf("%w: %s", ErrPassInFlight, err.Error())
		}
		return nil, fmt.Errorf("app: 获取任务锁失败: %w", err)
	}
	o.logger.Info("任务开始", zap.String("pass", pass))
	return func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			o.logger.Warn("释放任务锁失败", zap.String("pass", pass), zap.Error(err))
		}
	}, nil
}

func (o *Orchestrator) finish(ctx context.Context, pass string, started time.Time, err error) {
	o.deps.Metrics.ObservePass(pass, started, err)
	if err == nil {
		return
	}
	if errors.Is(err, ErrPassInFlight) {
		o.logger.Info("已有任务在运行，跳过", zap.String("pass", pass))
		return
	}
	o.logger.Error("任务失败", zap.String("pass", pass), zap.Error(err))
	if !errors.Is(err, ErrPrecondition) {
		o.deps.Alerts.Notify(ctx, domain.SeverityWarning, monitor.AlertPassFailed,
			fmt.Sprintf("%s 任务失败", pass), map[string]string{"error": err.Error()})
	}
}

// prepare 在交易日切换时重置风控计数，并加载累计已实现盈亏。
func (o *Orchestrator) prepare(ctx context.Context) error {
	if _, err := o.deps.Tracker.Roll(ctx, o.now()); err != nil {
		return fmt.Errorf("app: 风控日度切换失败: %w", err)
	}
	return o.loadRealized(ctx)
}

func (o *Orchestrator) preflight(ctx context.Context) (execution.PreflightResult, error) {
	trader := o.deps.Executor.Trader()
	res, err := trader.Preflight(ctx)
	if err == nil && res.OK {
		return res, nil
	}
	msg := res.Message
	if err != nil {
		msg = err.Error()
	}
	o.deps.Alerts.Notify(ctx, domain.SeverityCritical, monitor.AlertPrecondition, msg,
		map[string]string{"mode": trader.Mode()})
	return res, fmt.Errorf("%w: %s", ErrPrecondition, msg)
}

// reconcile 必须在任何读取持仓的止损评估之前完成。
func (o *Orchestrator) reconcile(ctx context.Context) (domain.ReconcileAudit, []string, error) {
	held, err := o.deps.Executor.Trader().Positions(ctx)
	if err != nil {
		return domain.ReconcileAudit{}, nil, fmt.Errorf("app: 获取券商持仓失败: %w", err)
	}
	audit, err := o.deps.Portfolio.Reconcile(ctx, held)
	if err != nil {
		return audit, nil, err
	}
	if audit.HasDrift() {
		o.deps.Metrics.ObserveDrifts(len(audit.Drifts))
		o.deps.Alerts.Notify(ctx, domain.SeverityWarning, monitor.AlertReconcileDrift,
			"本地持仓与券商不一致，已按券商修正", map[string]string{
				"audit_id": audit.ID,
				"drifts":   strconv.Itoa(len(audit.Drifts)),
				"removed":  strconv.Itoa(len(audit.Removed)),
			})
	}
	dropped, err := o.deps.Positions.ReconcileWithPositions(ctx)
	if err != nil {
		return audit, dropped, err
	}
	return audit, dropped, nil
}

func (o *Orchestrator) buildSignals(ctx context.Context, equity float64) ([]domain.Signal, error) {
	to := o.now().In(o.loc)
	lookback := o.cfg.Universe.LookbackDays
	if lookback <= 0 {
		lookback = 30
	}
	criteria := screener.CriteriaFromConfig(o.cfg.Screener, o.cfg.Universe.Symbols, to.AddDate(0, 0, -lookback), to)
	result, err := o.deps.Screener.Run(ctx, criteria)
	if err != nil {
		return nil, err
	}
	if len(result.Skipped) > 0 {
		o.logger.Debug("部分标的未参与筛选", zap.Any("skipped", result.Skipped))
	}
	return o.builder.Build(result.Rows, equity), nil
}

// applyExits 记录离场的已实现盈亏，亏损计入当日风控。
func (o *Orchestrator) applyExits(ctx context.Context, exits []position.Exit) {
	if len(exits) == 0 {
		return
	}
	total := 0.0
	for _, exit := range exits {
		o.deps.Metrics.ObserveExit(exit.Reason)
		if exit.RealizedPnL < 0 {
			o.deps.Risk.RegisterLoss(exit.RealizedPnL)
		}
		total += exit.RealizedPnL
		o.deps.Alerts.Notify(ctx, domain.SeverityInfo, monitor.AlertExit,
			fmt.Sprintf("%s 离场 (%s)", exit.Symbol, exit.Reason), map[string]string{
				"qty":          strconv.FormatInt(exit.Qty, 10),
				"price":        strconv.FormatFloat(exit.Price, 'f', 2, 64),
				"realized_pnl": strconv.FormatFloat(exit.RealizedPnL, 'f', 2, 64),
				"order_id":     exit.OrderID,
			})
	}

	o.mu.Lock()
	o.realized += total
	realized := o.realized
	o.mu.Unlock()

	if err := o.deps.Repo.PutState(ctx, stateRealizedPnL, strconv.FormatFloat(realized, 'f', -1, 64)); err != nil {
		o.logger.Warn("保存累计盈亏失败", zap.Error(err))
	}
	o.saveCounters(ctx)
}

func (o *Orchestrator) loadRealized(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.realizedLoaded {
		return nil
	}
	raw, err := o.deps.Repo.GetState(ctx, stateRealizedPnL)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return fmt.Errorf("app: 读取累计盈亏失败: %w", err)
	default:
		v, parseErr := strconv.ParseFloat(raw, 64)
		if parseErr != nil {
			o.logger.Warn("累计盈亏格式无效，按 0 处理", zap.String("raw", raw), zap.Error(parseErr))
		} else {
			o.realized = v
		}
	}
	o.realizedLoaded = true
	return nil
}

func (o *Orchestrator) saveCounters(ctx context.Context) {
	if err := o.deps.Tracker.Save(ctx); err != nil {
		o.logger.Warn("保存风控计数失败", zap.Error(err))
	}
}

// record 写入当日快照与 last_<pass>_run 状态，失败只记日志。
func (o *Orchestrator) record(ctx context.Context, pass string, summary map[string]any) {
	positions, err := o.deps.Portfolio.Positions(ctx)
	if err != nil {
		o.logger.Warn("读取持仓失败，跳过快照", zap.String("pass", pass), zap.Error(err))
		return
	}
	equity := o.Equity()
	o.mu.Lock()
	realized := o.realized
	o.mu.Unlock()

	now := o.now()
	snap := domain.DailySnapshot{
		Date:          now.In(o.loc).Format("2006-01-02"),
		Equity:        equity,
		RealizedPnL:   realized,
		OpenPositions: len(positions),
		OrdersToday:   o.deps.Risk.Counters().OrdersToday,
		Note:          pass,
		CreatedAt:     now,
	}
	if err := o.deps.Repo.InsertSnapshot(ctx, snap); err != nil {
		o.logger.Warn("写入快照失败", zap.String("pass", pass), zap.Error(err))
	}
	o.deps.Metrics.SetPortfolio(len(positions), equity)

	if summary == nil {
		summary = map[string]any{}
	}
	summary["positions"] = len(positions)
	o.putState(ctx, "last_"+pass+"_run", summary)
}

func (o *Orchestrator) putState(ctx context.Context, key string, summary map[string]any) {
	payload := map[string]any{"at": o.now().Format(time.RFC3339)}
	for k, v := range summary {
		payload[k] = v
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		o.logger.Warn("序列化任务状态失败", zap.String("key", key), zap.Error(err))
		return
	}
	if err := o.deps.Repo.PutState(ctx, key, string(raw)); err != nil {
		o.logger.Warn("写入任务状态失败", zap.String("key", key), zap.Error(err))
	}
}
