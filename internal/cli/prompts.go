package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/AlecAivazis/survey/v2"

	"github.com/dyike/TradeFlowGo/consts"
	"github.com/dyike/TradeFlowGo/internal/marketdata"
)

// PromptForMarket asks which market the ticker trades in.
func PromptForMarket() (string, error) {
	options := []string{consts.Market_AShare, consts.Market_US, consts.Market_HK}
	labels := make([]string, len(options))
	for i, m := range options {
		info := consts.Markets[m]
		labels[i] = fmt.Sprintf("%s - %s (%s)", m, info.Name, info.CodeFormat)
	}

	var selected string
	prompt := &survey.Select{
		Message: "Select market:",
		Options: labels,
		Default: labels[0],
	}
	if err := survey.AskOne(prompt, &selected); err != nil {
		return "", err
	}
	return strings.SplitN(selected, " -", 2)[0], nil
}

// PromptForTicker asks for a ticker and validates it against the
// market's code format.
func PromptForTicker(market string) (string, error) {
	info := consts.Markets[market]
	var ticker string
	prompt := &survey.Input{
		Message: fmt.Sprintf("Enter the ticker symbol (e.g. %s):", strings.Join(info.CodeExamples, ", ")),
		Help:    info.CodeFormat,
	}

	err := survey.AskOne(prompt, &ticker, survey.WithValidator(func(val interface{}) error {
		str := strings.TrimSpace(strings.ToUpper(val.(string)))
		if str == "" {
			return fmt.Errorf("ticker cannot be empty")
		}
		return marketdata.ValidateFormat(str, market)
	}))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(strings.ToUpper(ticker)), nil
}

// PromptForModel asks which engine model preset to run with.
func PromptForModel() (string, error) {
	keys := make([]string, 0, len(consts.ModelPresets))
	for key := range consts.ModelPresets {
		keys = append(keys, key)
	}
	labels := make([]string, len(keys))
	defaultLabel := ""
	for i, key := range keys {
		preset := consts.ModelPresets[key]
		labels[i] = fmt.Sprintf("%s - %s (%s)", key, preset.DisplayName, preset.Provider)
		if key == consts.DefaultModel {
			defaultLabel = labels[i]
		}
	}

	var selected string
	prompt := &survey.Select{
		Message: "Select model:",
		Options: labels,
		Default: defaultLabel,
	}
	if err := survey.AskOne(prompt, &selected); err != nil {
		return "", err
	}
	return strings.SplitN(selected, " -", 2)[0], nil
}

// PromptForDate asks for the analysis date, defaulting to today.
func PromptForDate() (string, error) {
	var dateStr string
	prompt := &survey.Input{
		Message: "Enter the analysis date (YYYY-MM-DD) or press Enter for today:",
		Default: time.Now().Format("2006-01-02"),
	}

	err := survey.AskOne(prompt, &dateStr, survey.WithValidator(func(val interface{}) error {
		str := strings.TrimSpace(val.(string))
		if str == "" {
			return nil
		}
		if _, err := time.Parse("2006-01-02", str); err != nil {
			return fmt.Errorf("invalid date format, use YYYY-MM-DD")
		}
		return nil
	}))
	if err != nil {
		return "", err
	}
	dateStr = strings.TrimSpace(dateStr)
	if dateStr == "" {
		dateStr = time.Now().Format("2006-01-02")
	}
	return dateStr, nil
}

// PromptForAnalysts asks which analyst stages to enable.
func PromptForAnalysts() ([]string, error) {
	labels := make([]string, len(consts.DefaultAnalysts))
	for i, key := range consts.DefaultAnalysts {
		labels[i] = fmt.Sprintf("%s - %s", key, consts.AnalystStages[key])
	}

	var selected []string
	prompt := &survey.MultiSelect{
		Message: "Select analyst team members:",
		Options: labels,
		Default: labels,
		Help:    "Use space to toggle, enter to confirm.",
	}
	err := survey.AskOne(prompt, &selected, survey.WithValidator(func(val interface{}) error {
		answers, ok := val.([]survey.OptionAnswer)
		if !ok {
			return fmt.Errorf("invalid selection type")
		}
		if len(answers) == 0 {
			return fmt.Errorf("select at least one analyst")
		}
		return nil
	}))
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(selected))
	for _, label := range selected {
		keys = append(keys, strings.SplitN(label, " -", 2)[0])
	}
	return keys, nil
}

// PromptForConfirmation shows the selections and asks to proceed.
func PromptForConfirmation(req CreateRequest) (bool, error) {
	fmt.Println()
	fmt.Printf("  Ticker:    %s\n", req.Ticker)
	fmt.Printf("  Market:    %s\n", req.Market)
	fmt.Printf("  Model:     %s\n", req.Model)
	fmt.Printf("  Date:      %s\n", req.EndDate)
	fmt.Printf("  Analysts:  %s\n", strings.Join(req.Analysts, ", "))
	fmt.Println()

	var confirmed bool
	prompt := &survey.Confirm{
		Message: "Start this analysis?",
		Default: true,
	}
	err := survey.AskOne(prompt, &confirmed)
	return confirmed, err
}
