package consts

// Supported market identifiers.
const (
	Market_AShare = "A-share"
	Market_US     = "US"
	Market_HK     = "HK"
)

// MarketInfo describes one supported market for dashboards and the
// validation helper.
type MarketInfo struct {
	Name         string   `json:"name"`
	Currency     string   `json:"currency"`
	TradingHours string   `json:"trading_hours"`
	Timezone     string   `json:"timezone"`
	CodeFormat   string   `json:"code_format"`
	CodeExamples []string `json:"code_examples"`
}

// Markets lists every supported market keyed by identifier.
var Markets = map[string]MarketInfo{
	Market_AShare: {
		Name:         "A-Share (China)",
		Currency:     "CNY",
		TradingHours: "09:30-11:30, 13:00-15:00",
		Timezone:     "Asia/Shanghai",
		CodeFormat:   "6-digit number (e.g. 600519, 000001)",
		CodeExamples: []string{"600519", "000858", "300750"},
	},
	Market_US: {
		Name:         "US Stock",
		Currency:     "USD",
		TradingHours: "09:30-16:00 ET",
		Timezone:     "America/New_York",
		CodeFormat:   "Letter ticker (e.g. AAPL, MSFT)",
		CodeExamples: []string{"AAPL", "MSFT", "GOOGL", "NVDA", "TSLA"},
	},
	Market_HK: {
		Name:         "HK Stock",
		Currency:     "HKD",
		TradingHours: "09:30-12:00, 13:00-16:00 HKT",
		Timezone:     "Asia/Hong_Kong",
		CodeFormat:   "Number.HK (e.g. 0700.HK, 9988.HK)",
		CodeExamples: []string{"0700.HK", "9988.HK", "0005.HK"},
	},
}

// ModelPreset names an engine model and the provider that serves it.
type ModelPreset struct {
	Provider    string `json:"provider"`
	DisplayName string `json:"display_name"`
}

// DefaultModel is used when a creation request names no model.
const DefaultModel = "deepseek-v3"

// ModelPresets lists the models the engine accepts.
var ModelPresets = map[string]ModelPreset{
	"deepseek-v3":     {Provider: "dashscope", DisplayName: "DeepSeek V3"},
	"qwen3-max":       {Provider: "dashscope", DisplayName: "Qwen3 Max"},
	"gpt-4o":          {Provider: "openrouter", DisplayName: "GPT-4o"},
	"claude-sonnet-4": {Provider: "openrouter", DisplayName: "Claude Sonnet 4"},
}

// IsMarket reports whether market is a supported identifier.
func IsMarket(market string) bool {
	_, ok := Markets[market]
	return ok
}
