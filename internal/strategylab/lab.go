package strategylab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"swing-trader/internal/backtest"
	"swing-trader/internal/domain"
	"swing-trader/internal/exchange"
	"swing-trader/internal/signal"
	"swing-trader/internal/store"
)

// BarSource 为回测窗口加载一次日线，所有候选共享。
type BarSource interface {
	Load(ctx context.Context, cfg backtest.Config) (map[string][]exchange.Bar, error)
}

var _ BarSource = (*backtest.Engine)(nil)

// Candidate 为单组参数的回测结论。
type Candidate struct {
	Rank       int              `json:"rank"`
	Params     signal.Params    `json:"params"`
	Metrics    backtest.Metrics `json:"metrics"`
	Stability  float64          `json:"stability"`
	Robustness float64          `json:"robustness"`
	Passed     bool             `json:"passed"`
	Reasons    []string         `json:"reasons"`
}

// Recommendation 为扫描结论：通过全部门槛且得分最高的候选；
// 都未通过时给出排名第一的候选并标记为未批准。
type Recommendation struct {
	Candidate Candidate `json:"candidate"`
	Approved  bool      `json:"approved"`
	Reasons   []string  `json:"reasons"`
}

// Report 为一次参数扫描的输出。
type Report struct {
	RunID          int64           `json:"runId"`
	From           string          `json:"from"`
	To             string          `json:"to"`
	Guardrails     Guardrails      `json:"guardrails"`
	Candidates     []Candidate     `json:"candidates"`
	Recommendation *Recommendation `json:"recommendation,omitempty"`
}

// Lab 在同一历史窗口上回测一组参数并给出推荐。
type Lab struct {
	source        BarSource
	runs          store.RunStore
	guardrails    Guardrails
	maxCandidates int
	logger        *zap.Logger
	now           func() time.Time
}

// NewLab 创建参数扫描器。runs 为空时不持久化。
func NewLab(source BarSource, runs store.RunStore, guardrails Guardrails, maxCandidates int, logger *zap.Logger) *Lab {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxCandidates <= 0 {
		maxCandidates = 24
	}
	return &Lab{
		source:        source,
		runs:          runs,
		guardrails:    guardrails,
		maxCandidates: maxCandidates,
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Sweep 以 base.Params 为中心生成参数网格，逐个回测、打分并排序。
func (l *Lab) Sweep(ctx context.Context, base backtest.Config) (Report, error) {
	report := Report{
		From:       base.From.Format("2006-01-02"),
		To:         base.To.Format("2006-01-02"),
		Guardrails: l.guardrails,
	}

	bars, err := l.source.Load(ctx, base)
	if err != nil {
		return report, fmt.Errorf("strategylab: 加载日线失败: %w", err)
	}

	grid := Grid(base.Params, l.maxCandidates)
	candidates := make([]Candidate, 0, len(grid))
	for _, params := range grid {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		cfg := base
		cfg.Params = params
		res, err := backtest.RunWithBars(cfg, bars)
		if err != nil {
			if errors.Is(err, backtest.ErrNoData) {
				return report, fmt.Errorf("strategylab: %w", err)
			}
			return report, fmt.Errorf("strategylab: 回测候选失败: %w", err)
		}
		candidates = append(candidates, Evaluate(params, res.Metrics, res.Config.InitialCapital, l.guardrails))
	}

	report.Candidates = RankCandidates(candidates)
	report.Recommendation = Recommend(report.Candidates)

	if l.runs != nil {
		record, err := report.record(l.now())
		if err != nil {
			return report, err
		}
		id, err := l.runs.InsertLabRun(ctx, record)
		if err != nil {
			return report, fmt.Errorf("strategylab: 保存扫描结果失败: %w", err)
		}
		report.RunID = id
	}

	if rec := report.Recommendation; rec != nil {
		l.logger.Info("参数扫描完成",
			zap.Int("candidates", len(report.Candidates)),
			zap.Int64("run_id", report.RunID),
			zap.Bool("approved", rec.Approved),
			zap.Int("rank", rec.Candidate.Rank),
			zap.Float64("robustness", rec.Candidate.Robustness),
			zap.Strings("reasons", rec.Reasons),
		)
	}
	return report, nil
}

// Evaluate 对单个候选打分并检查门槛。
func Evaluate(params signal.Params, m backtest.Metrics, initialCapital float64, g Guardrails) Candidate {
	stability := Stability(m, g)
	reasons := g.Check(m)
	return Candidate{
		Params:     params,
		Metrics:    m,
		Stability:  stability,
		Robustness: Robustness(m, stability, initialCapital, params.RiskPerTrade),
		Passed:     len(reasons) == 0,
		Reasons:    reasons,
	}
}

// RankCandidates 按稳健得分降序排列并编号，得分相同时保持网格顺序。
func RankCandidates(candidates []Candidate) []Candidate {
	out := append([]Candidate(nil), candidates...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Robustness > out[j].Robustness })
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

// Recommend 从已排序的候选中选出推荐。
func Recommend(ranked []Candidate) *Recommendation {
	if len(ranked) == 0 {
		return nil
	}
	for _, c := range ranked {
		if c.Passed {
			return &Recommendation{Candidate: c, Approved: true, Reasons: []string{}}
		}
	}
	top := ranked[0]
	return &Recommendation{Candidate: top, Approved: false, Reasons: append([]string(nil), top.Reasons...)}
}

func (r Report) record(now time.Time) (domain.LabRunRecord, error) {
	out := domain.LabRunRecord{
		From:       r.From,
		To:         r.To,
		Candidates: make([]domain.LabCandidateRecord, 0, len(r.Candidates)),
		CreatedAt:  now,
	}
	for _, c := range r.Candidates {
		params, err := json.Marshal(c.Params)
		if err != nil {
			return out, fmt.Errorf("strategylab: 序列化参数失败: %w", err)
		}
		metrics, err := json.Marshal(c.Metrics)
		if err != nil {
			return out, fmt.Errorf("strategylab: 序列化指标失败: %w", err)
		}
		out.Candidates = append(out.Candidates, domain.LabCandidateRecord{
			Rank:       c.Rank,
			Params:     params,
			Metrics:    metrics,
			Robustness: c.Robustness,
			Stability:  c.Stability,
			Passed:     c.Passed,
			Reasons:    c.Reasons,
		})
	}
	if r.Recommendation != nil {
		out.Recommendation = &domain.LabRecommendation{
			Rank:     r.Recommendation.Candidate.Rank,
			Approved: r.Recommendation.Approved,
			Reasons:  r.Recommendation.Reasons,
		}
	}
	return out, nil
}
