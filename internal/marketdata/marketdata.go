// Package marketdata validates tickers against their market and looks
// up quote details from external vendors.
package marketdata

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	lpconfig "github.com/longportapp/openapi-go/config"
	lpquote "github.com/longportapp/openapi-go/quote"
	"github.com/piquette/finance-go/quote"
	"github.com/shopspring/decimal"

	"github.com/dyike/TradeFlowGo/config"
	"github.com/dyike/TradeFlowGo/consts"
	"github.com/dyike/TradeFlowGo/internal/cache"
	"github.com/dyike/TradeFlowGo/models"
)

var (
	ashareCode = regexp.MustCompile(`^\d{6}$`)
	usCode     = regexp.MustCompile(`^[A-Z]{1,5}(\.[A-Z])?$`)
	hkCode     = regexp.MustCompile(`^\d{4,5}\.HK$`)
)

// yahooQuote is swapped out in tests.
var yahooQuote = quote.Get

// ValidateFormat checks that ticker matches the code format of market.
// It performs no network lookups.
func ValidateFormat(ticker, market string) error {
	info, ok := consts.Markets[market]
	if !ok {
		return fmt.Errorf("%w: unsupported market %q", models.ErrValidation, market)
	}

	valid := false
	switch market {
	case consts.Market_AShare:
		valid = ashareCode.MatchString(ticker)
	case consts.Market_US:
		valid = usCode.MatchString(ticker)
	case consts.Market_HK:
		valid = hkCode.MatchString(ticker)
	}
	if !valid {
		return fmt.Errorf("%w: ticker %q does not match %s format (%s)",
			models.ErrValidation, ticker, market, info.CodeFormat)
	}
	return nil
}

// Result is the outcome of a ticker lookup.
type Result struct {
	Ticker   string          `json:"ticker"`
	Market   string          `json:"market"`
	Valid    bool            `json:"valid"`
	Name     string          `json:"name,omitempty"`
	Price    decimal.Decimal `json:"price,omitempty"`
	Currency string          `json:"currency,omitempty"`
	Reason   string          `json:"reason,omitempty"`
}

// Validator looks up tickers against external quote vendors. US and HK
// tickers go through Yahoo Finance; A-share names come from the
// suggestion API with an HTML scrape fallback. When Longport keys are
// configured its static info is preferred for HK and A-share names.
type Validator struct {
	client   *resty.Client
	quoteCtx *lpquote.QuoteContext
	cache    *cache.Cache
	logger   *slog.Logger
}

// New builds a Validator. Longport is optional: missing keys simply
// disable that vendor.
func New(cfg *config.Config, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "marketdata")

	client := resty.New()
	client.SetTimeout(15 * time.Second)
	client.SetHeader("User-Agent", "Mozilla/5.0 (compatible; TradeFlowGo/1.0)")

	cacheEnabled := cfg == nil || cfg.CacheEnabled
	v := &Validator{
		client: client,
		cache:  cache.New(30*time.Minute, cacheEnabled),
		logger: logger,
	}

	if cfg != nil && cfg.LongportAppKey != "" && cfg.LongportAppSecret != "" && cfg.LongportAccessToken != "" {
		conf, err := lpconfig.New(lpconfig.WithConfigKey(
			cfg.LongportAppKey, cfg.LongportAppSecret, cfg.LongportAccessToken))
		if err != nil {
			logger.Warn("longport config rejected, vendor disabled", "error", err)
		} else if qc, err := lpquote.NewFromCfg(conf); err != nil {
			logger.Warn("longport quote context failed, vendor disabled", "error", err)
		} else {
			v.quoteCtx = qc
		}
	}

	return v
}

// Lookup validates ticker format for market and, when the format holds,
// asks the market's vendor for the instrument name and last price.
// Vendor failures degrade to a format-only result rather than an error.
func (v *Validator) Lookup(ctx context.Context, ticker, market string) (*Result, error) {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	res := &Result{Ticker: ticker, Market: market}

	if err := ValidateFormat(ticker, market); err != nil {
		res.Reason = err.Error()
		return res, nil
	}
	res.Valid = true
	res.Currency = consts.Markets[market].Currency

	key := market + ":" + ticker
	if cached, ok := v.cache.Get(key); ok {
		if hit, ok := cached.(Result); ok {
			return &hit, nil
		}
	}

	switch market {
	case consts.Market_US, consts.Market_HK:
		v.lookupYahoo(ctx, res)
	case consts.Market_AShare:
		v.lookupAShare(ctx, res)
	}
	if res.Name != "" {
		v.cache.Set(key, *res)
	}
	return res, nil
}

func (v *Validator) lookupYahoo(ctx context.Context, res *Result) {
	q, err := yahooQuote(res.Ticker)
	if err != nil || q == nil {
		v.logger.Warn("yahoo quote lookup failed", "ticker", res.Ticker, "error", err)
		if res.Market == consts.Market_HK {
			v.lookupLongport(ctx, res, res.Ticker)
		}
		return
	}
	res.Name = q.ShortName
	res.Price = decimal.NewFromFloat(q.RegularMarketPrice)
}

// lookupAShare resolves a 6-digit code to a name via the suggestion
// API, falling back to scraping the quote page when the API misses,
// and to Longport static info when configured.
func (v *Validator) lookupAShare(ctx context.Context, res *Result) {
	if name, ok := v.suggestAShareName(ctx, res.Ticker); ok {
		res.Name = name
		return
	}
	if name, ok := v.scrapeAShareName(ctx, res.Ticker); ok {
		res.Name = name
		return
	}
	v.lookupLongport(ctx, res, res.Ticker+exchangeSuffix(res.Ticker))
}

type suggestResponse struct {
	QuotationCodeTable struct {
		Data []struct {
			Code string `json:"Code"`
			Name string `json:"Name"`
		} `json:"Data"`
	} `json:"QuotationCodeTable"`
}

func (v *Validator) suggestAShareName(ctx context.Context, code string) (string, bool) {
	var out suggestResponse
	resp, err := v.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"input": code,
			"type":  "14",
			"count": "1",
		}).
		SetResult(&out).
		Get("https://searchapi.eastmoney.com/api/suggest/get")
	if err != nil || resp.StatusCode() != 200 {
		v.logger.Warn("a-share suggestion lookup failed", "code", code, "error", err)
		return "", false
	}
	for _, row := range out.QuotationCodeTable.Data {
		if row.Code == code && row.Name != "" {
			return row.Name, true
		}
	}
	return "", false
}

func (v *Validator) scrapeAShareName(ctx context.Context, code string) (string, bool) {
	url := fmt.Sprintf("https://quote.eastmoney.com/%s%s.html",
		strings.ToLower(strings.TrimPrefix(exchangeSuffix(code), ".")), code)
	resp, err := v.client.R().SetContext(ctx).Get(url)
	if err != nil || resp.StatusCode() != 200 {
		v.logger.Warn("a-share page scrape failed", "code", code, "error", err)
		return "", false
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(resp.String()))
	if err != nil {
		return "", false
	}
	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		return "", false
	}
	// Quote page titles lead with the instrument name.
	if idx := strings.IndexAny(title, "(（"); idx > 0 {
		title = strings.TrimSpace(title[:idx])
	}
	return title, title != ""
}

func (v *Validator) lookupLongport(ctx context.Context, res *Result, symbol string) {
	if v.quoteCtx == nil {
		return
	}
	infos, err := v.quoteCtx.StaticInfo(ctx, []string{symbol})
	if err != nil || len(infos) == 0 {
		v.logger.Warn("longport static info failed", "symbol", symbol, "error", err)
		return
	}
	res.Name = infos[0].NameEn
	if res.Name == "" {
		res.Name = infos[0].NameCn
	}
}

// exchangeSuffix maps a 6-digit A-share code to its exchange suffix.
// Shanghai codes start with 6, everything else trades in Shenzhen.
func exchangeSuffix(code string) string {
	if strings.HasPrefix(code, "6") {
		return ".SH"
	}
	return ".SZ"
}
