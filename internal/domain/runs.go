package domain

import (
	"encoding/json"
	"time"
)

// BacktestRunRecord 为持久化的回测结果，配置与指标以 JSON 保存。
type BacktestRunRecord struct {
	ID        int64           `json:"id"`
	Label     string          `json:"label"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Config    json.RawMessage `json:"config"`
	Summary   json.RawMessage `json:"summary"`
	CreatedAt time.Time       `json:"createdAt"`
}

// LabCandidateRecord 为参数扫描中的单个候选。
type LabCandidateRecord struct {
	Rank       int             `json:"rank"`
	Params     json.RawMessage `json:"params"`
	Metrics    json.RawMessage `json:"metrics"`
	Robustness float64         `json:"robustness"`
	Stability  float64         `json:"stability"`
	Passed     bool            `json:"passed"`
	Reasons    []string        `json:"reasons"`
}

// LabRecommendation 为一次扫描的推荐结论。
type LabRecommendation struct {
	Rank     int      `json:"rank"`
	Approved bool     `json:"approved"`
	Reasons  []string `json:"reasons"`
}

// LabRunRecord 为一次参数扫描，连同候选与推荐在一个事务内写入。
type LabRunRecord struct {
	ID             int64                `json:"id"`
	From           string               `json:"from"`
	To             string               `json:"to"`
	Candidates     []LabCandidateRecord `json:"candidates"`
	Recommendation *LabRecommendation   `json:"recommendation,omitempty"`
	CreatedAt      time.Time            `json:"createdAt"`
}
