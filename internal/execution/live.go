package execution

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"swing-trader/internal/broker"
	"swing-trader/internal/config"
	"swing-trader/internal/domain"
	"swing-trader/internal/exchange"
)

var tickSize = decimal.RequireFromString("0.05")

// LiveTrader 通过券商 REST 接口真实下单。
type LiveTrader struct {
	client     *broker.Client
	quotes     exchange.LtpProvider
	cfg        config.BrokerConfig
	classifier Classifier
	logger     *zap.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewLiveTrader 创建实盘执行器。
func NewLiveTrader(client *broker.Client, quotes exchange.LtpProvider, cfg config.BrokerConfig, logger *zap.Logger) *LiveTrader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LiveTrader{
		client:     client,
		quotes:     quotes,
		cfg:        cfg,
		classifier: NewClassifier(cfg.FallbackHints, cfg.FallbackVariety, cfg.EnableVarietyFallback),
		logger:     logger,
		sleep:      sleepContext,
	}
}

// Mode 返回 live。
func (t *LiveTrader) Mode() string { return config.ModeLive }

// Preflight 调用一次用户信息接口验证会话。
func (t *LiveTrader) Preflight(ctx context.Context) (PreflightResult, error) {
	if !t.client.HasCredentials() {
		return PreflightResult{Mode: config.ModeLive, Message: "Missing broker credentials"}, errors.New("execution: 缺少券商凭证")
	}
	var profile struct {
		UserID string `json:"user_id"`
	}
	if err := t.client.Get(ctx, "/user/profile", nil, &profile); err != nil {
		return PreflightResult{Mode: config.ModeLive, Message: "Live preflight failed: " + err.Error()},
			fmt.Errorf("execution: 交易前检查失败: %w", err)
	}
	return PreflightResult{OK: true, Mode: config.ModeLive, Message: "Live preflight passed", AccountID: profile.UserID}, nil
}

// Place 以配置的 variety 提交订单，必要时按提示切换一次 variety，然后轮询成交均价。
func (t *LiveTrader) Place(ctx context.Context, intent domain.OrderIntent) (Placement, error) {
	variety := t.cfg.OrderVariety
	form := t.orderForm(intent)

	orderID, err := t.submit(ctx, variety, form)
	outcome := t.classifier.Classify(variety, orderID, err)
	if outcome.Kind == OutcomeRetryableHint {
		t.logger.Warn("券商提示切换 variety，重试一次",
			zap.String("symbol", intent.Symbol),
			zap.String("from", variety),
			zap.String("to", outcome.Variety),
			zap.String("reason", outcome.Reason),
		)
		variety = outcome.Variety
		orderID, err = t.submit(ctx, variety, form)
		outcome = t.classifier.Classify(variety, orderID, err)
		if outcome.Kind == OutcomeRetryableHint {
			outcome = Outcome{Kind: OutcomeRejected, Reason: outcome.Reason}
		}
	}
	if outcome.Kind == OutcomeRejected {
		if err != nil && !errors.Is(err, broker.ErrNonRetryable) && broker.StatusOf(err) == 0 {
			// 网络层错误，不确定券商是否收到
			return Placement{}, fmt.Errorf("execution: 提交 %s 订单失败: %w", intent.Symbol, err)
		}
		return Placement{}, &RejectionError{
			Symbol:  intent.Symbol,
			Variety: variety,
			Reason:  outcome.Reason,
			Hint:    DiagnosticHint(outcome.Reason),
		}
	}

	placement := Placement{
		BrokerOrderID: outcome.OrderID,
		Variety:       variety,
		Status:        "OPEN",
		PlacedAt:      time.Now().UTC(),
	}
	t.logger.Info("订单已提交",
		zap.String("symbol", intent.Symbol),
		zap.String("broker_order_id", placement.BrokerOrderID),
		zap.String("variety", variety),
	)

	return t.poll(ctx, intent, placement)
}

func (t *LiveTrader) submit(ctx context.Context, variety string, form url.Values) (string, error) {
	var resp struct {
		OrderID string `json:"order_id"`
	}
	if err := t.client.PostForm(ctx, "/orders/"+variety, form, &resp); err != nil {
		return "", err
	}
	return resp.OrderID, nil
}

func (t *LiveTrader) orderForm(intent domain.OrderIntent) url.Values {
	orderType := intent.Type
	if orderType == "" {
		orderType = domain.OrderTypeMarket
	}
	validity := intent.TIF
	if validity == "" {
		validity = domain.TIFDay
	}
	form := url.Values{}
	form.Set("tradingsymbol", intent.Symbol)
	form.Set("exchange", t.cfg.Exchange)
	form.Set("transaction_type", string(intent.Side))
	form.Set("order_type", string(orderType))
	form.Set("quantity", decimal.NewFromInt(intent.Qty).String())
	form.Set("product", t.cfg.Product)
	form.Set("validity", string(validity))
	if orderType == domain.OrderTypeLimit && intent.Price != nil {
		form.Set("price", roundToTick(*intent.Price).StringFixed(2))
	}
	return form
}

func roundToTick(price float64) decimal.Decimal {
	return decimal.NewFromFloat(price).Div(tickSize).Round(0).Mul(tickSize)
}

type orderHistoryEntry struct {
	Status          string  `json:"status"`
	StatusMessage   string  `json:"status_message"`
	AveragePrice    float64 `json:"average_price"`
	FilledQuantity  int64   `json:"filled_quantity"`
	PendingQuantity int64   `json:"pending_quantity"`
}

// poll 轮询订单状态。REJECTED/CANCELLED 立即报错；次数耗尽仍未终结时 AvgPrice 为 nil。
func (t *LiveTrader) poll(ctx context.Context, intent domain.OrderIntent, placement Placement) (Placement, error) {
	attempts := t.cfg.PollAttempts
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if err := t.sleep(ctx, t.cfg.PollInterval); err != nil {
				return placement, err
			}
		}

		var history []orderHistoryEntry
		if err := t.client.Get(ctx, "/orders/"+placement.BrokerOrderID, nil, &history); err != nil {
			t.logger.Warn("查询订单状态失败",
				zap.String("broker_order_id", placement.BrokerOrderID),
				zap.Int("attempt", i+1),
				zap.Error(err),
			)
			continue
		}
		if len(history) == 0 {
			continue
		}
		latest := history[len(history)-1]
		status := strings.ToUpper(latest.Status)
		placement.Status = status
		placement.FilledQty = latest.FilledQuantity

		switch status {
		case "COMPLETE":
			if latest.AveragePrice > 0 {
				placement.AvgPrice = domain.Float(latest.AveragePrice)
			}
			if placement.FilledQty == 0 {
				placement.FilledQty = intent.Qty
			}
			return placement, nil
		case "REJECTED", "CANCELLED":
			reason := latest.StatusMessage
			if reason == "" {
				reason = "order " + strings.ToLower(status) + " by broker"
			}
			return placement, &RejectionError{
				Symbol:  intent.Symbol,
				Variety: placement.Variety,
				Status:  status,
				Reason:  reason,
				Hint:    DiagnosticHint(reason),
			}
		}
	}

	t.logger.Warn("订单轮询次数耗尽，未获得成交均价",
		zap.String("broker_order_id", placement.BrokerOrderID),
		zap.String("last_status", placement.Status),
	)
	placement.AvgPrice = nil
	return placement, nil
}

type brokerPosition struct {
	TradingSymbol string  `json:"tradingsymbol"`
	Exchange      string  `json:"exchange"`
	Product       string  `json:"product"`
	Quantity      int64   `json:"quantity"`
	AveragePrice  float64 `json:"average_price"`
}

// Positions 返回券商侧配置交易所下的净多头持仓。
func (t *LiveTrader) Positions(ctx context.Context) ([]BrokerPosition, error) {
	var payload struct {
		Net []brokerPosition `json:"net"`
	}
	if err := t.client.Get(ctx, "/portfolio/positions", nil, &payload); err != nil {
		return nil, fmt.Errorf("execution: 获取券商持仓失败: %w", err)
	}

	merged := make(map[string]*BrokerPosition)
	order := make([]string, 0, len(payload.Net))
	for _, p := range payload.Net {
		if t.cfg.Exchange != "" && !strings.EqualFold(p.Exchange, t.cfg.Exchange) {
			continue
		}
		if p.Quantity <= 0 {
			continue
		}
		if existing, ok := merged[p.TradingSymbol]; ok {
			// 同一标的多个 product，按数量加权合并
			total := existing.Qty + p.Quantity
			existing.AvgPrice = (existing.AvgPrice*float64(existing.Qty) + p.AveragePrice*float64(p.Quantity)) / float64(total)
			existing.Qty = total
			continue
		}
		merged[p.TradingSymbol] = &BrokerPosition{Symbol: p.TradingSymbol, Qty: p.Quantity, AvgPrice: p.AveragePrice}
		order = append(order, p.TradingSymbol)
	}

	out := make([]BrokerPosition, 0, len(order))
	for _, symbol := range order {
		out = append(out, *merged[symbol])
	}
	return out, nil
}

// LTP 返回最新价。
func (t *LiveTrader) LTP(ctx context.Context, symbol string) (float64, error) {
	return t.quotes.LTP(ctx, symbol)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
