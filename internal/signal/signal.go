// Package signal normalizes the engine's final recommendation text into
// a BUY/SELL/HOLD decision.
package signal

import (
	"regexp"
	"strings"
)

// Decisions the engine may conclude.
const (
	DecisionBuy  = "BUY"
	DecisionSell = "SELL"
	DecisionHold = "HOLD"
)

var exactDecision = regexp.MustCompile(`(?i)^\s*(buy|sell|hold)\s*\.?\s*$`)

var buyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(buy|purchase|long|bullish|accumulate)\b`),
	regexp.MustCompile(`(?i)\b(strong buy|recommended buy|buy recommendation)\b`),
	regexp.MustCompile(`(?i)\b(undervalued|oversold|upside potential)\b`),
}

var sellPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(sell|short|bearish|divest|exit)\b`),
	regexp.MustCompile(`(?i)\b(strong sell|sell recommendation|avoid)\b`),
	regexp.MustCompile(`(?i)\b(overvalued|overbought|downside risk)\b`),
}

var holdPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(hold|maintain|neutral|wait|sideways)\b`),
	regexp.MustCompile(`(?i)\b(no action|stay put|keep position)\b`),
}

// ExtractDecision turns the content of a complete event into one of
// BUY, SELL, or HOLD. Short exact answers are taken verbatim; longer
// narratives are scored by pattern matches. Empty or unparseable
// content defaults to HOLD.
func ExtractDecision(content string) string {
	if m := exactDecision.FindStringSubmatch(content); m != nil {
		return strings.ToUpper(m[1])
	}

	text := strings.ToLower(content)
	buyScore := countMatches(buyPatterns, text)
	sellScore := countMatches(sellPatterns, text)
	holdScore := countMatches(holdPatterns, text)

	if buyScore > sellScore && buyScore > holdScore {
		return DecisionBuy
	}
	if sellScore > buyScore && sellScore > holdScore {
		return DecisionSell
	}
	return DecisionHold
}

func countMatches(patterns []*regexp.Regexp, text string) int {
	count := 0
	for _, pattern := range patterns {
		count += len(pattern.FindAllString(text, -1))
	}
	return count
}
