package consts

// Pipeline stage display names, in execution order.
const (
	Stage_MarketAnalyst       = "Market Analyst"
	Stage_SocialAnalyst       = "Social Analyst"
	Stage_NewsAnalyst         = "News Analyst"
	Stage_FundamentalsAnalyst = "Fundamentals Analyst"
	Stage_BullResearcher      = "Bull Researcher"
	Stage_BearResearcher      = "Bear Researcher"
	Stage_ResearchManager     = "Research Manager"
	Stage_Trader              = "Trader"
	Stage_RiskyAnalyst        = "Risky Analyst"
	Stage_SafeAnalyst         = "Safe Analyst"
	Stage_NeutralAnalyst      = "Neutral Analyst"
	Stage_RiskManager         = "Risk Manager"
	Stage_PortfolioManager    = "Portfolio Manager"
)

// StageOrder is the fixed order in which the engine runs pipeline stages.
var StageOrder = []string{
	Stage_MarketAnalyst,
	Stage_SocialAnalyst,
	Stage_NewsAnalyst,
	Stage_FundamentalsAnalyst,
	Stage_BullResearcher,
	Stage_BearResearcher,
	Stage_ResearchManager,
	Stage_Trader,
	Stage_RiskyAnalyst,
	Stage_SafeAnalyst,
	Stage_NeutralAnalyst,
	Stage_RiskManager,
	Stage_PortfolioManager,
}

// Analyst selection keys accepted at session creation and forwarded to
// the engine.
const (
	Analyst_Market       = "market"
	Analyst_Social       = "social"
	Analyst_News         = "news"
	Analyst_Fundamentals = "fundamentals"
)

// DefaultAnalysts is the selection used when a request names none.
var DefaultAnalysts = []string{
	Analyst_Market,
	Analyst_Social,
	Analyst_News,
	Analyst_Fundamentals,
}

// AnalystStages maps a selection key to the stage it enables.
var AnalystStages = map[string]string{
	Analyst_Market:       Stage_MarketAnalyst,
	Analyst_Social:       Stage_SocialAnalyst,
	Analyst_News:         Stage_NewsAnalyst,
	Analyst_Fundamentals: Stage_FundamentalsAnalyst,
}

// IsStage reports whether name is one of the fixed pipeline stages.
func IsStage(name string) bool {
	for _, s := range StageOrder {
		if s == name {
			return true
		}
	}
	return false
}

// NextStage returns the stage after name in the fixed order, or "" when
// name is the last stage or unknown.
func NextStage(name string) string {
	for i, s := range StageOrder {
		if s == name && i+1 < len(StageOrder) {
			return StageOrder[i+1]
		}
	}
	return ""
}
