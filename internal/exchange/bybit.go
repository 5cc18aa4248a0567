package exchange

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"optiondesk/internal/models"
	"optiondesk/pkg/ratelimit"
	"optiondesk/pkg/retry"
	"optiondesk/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	BybitBaseURL = "https://api.bybit.com"

	endpointInstruments = "/v5/market/instruments-info"
	endpointTickers     = "/v5/market/tickers"
	endpointOrderBook   = "/v5/market/orderbook"
	endpointVolatility  = "/v5/market/historical-volatility"
	endpointDelivery    = "/v5/market/delivery-price"

	instrumentsPageLimit = 1000
	deliveryPageLimit    = 200
	// защита от зацикливания курсора
	maxPages = 50
)

// BybitConfig настройки REST клиента
type BybitConfig struct {
	BaseURL string
	Retry   retry.Config
	Rate    float64 // запросов в секунду
	Burst   int
}

// DefaultBybitConfig конфигурация по умолчанию
func DefaultBybitConfig() BybitConfig {
	return BybitConfig{
		BaseURL: BybitBaseURL,
		Retry:   retry.DefaultConfig(),
		Rate:    ratelimit.DefaultRate,
		Burst:   ratelimit.DefaultBurst,
	}
}

// BybitClient публичный REST Bybit V5 (без ключей)
type BybitClient struct {
	baseURL string
	http    *HTTPClient
	limiter *ratelimit.MultiLimiter
	retry   retry.Config
	logger  *utils.Logger
}

// NewBybitClient создаёт клиент. nil httpClient/logger заменяются значениями по умолчанию.
func NewBybitClient(cfg BybitConfig, httpClient *HTTPClient, logger *utils.Logger) *BybitClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = BybitBaseURL
	}
	if httpClient == nil {
		httpClient = NewHTTPClient(DefaultHTTPClientConfig())
	}
	if logger == nil {
		logger = utils.L()
	}

	limiter := ratelimit.NewMultiLimiter(cfg.Rate, cfg.Burst)
	// тяжёлые постраничные запросы отдельно
	limiter.Add(endpointInstruments, 2, 4)
	limiter.Add(endpointDelivery, 2, 4)

	c := &BybitClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    httpClient,
		limiter: limiter,
		retry:   cfg.Retry,
		logger:  logger.WithComponent("bybit_rest"),
	}
	if c.retry.OnRetry == nil {
		c.retry.OnRetry = func(attempt int, err error, delay time.Duration) {
			c.logger.Warn("REST request failed, retrying",
				utils.Int("attempt", attempt),
				utils.Delay(delay),
				utils.Err(err))
		}
	}
	return c
}

// Close освобождает соединения
func (c *BybitClient) Close() {
	c.http.Close()
}

// ============================================================
// Транспорт
// ============================================================

type baseResponse struct {
	RetCode int                 `json:"retCode"`
	RetMsg  string              `json:"retMsg"`
	Result  jsoniter.RawMessage `json:"result"`
}

// get выполняет GET с лимитом частоты и повторами, декодирует result в out
func (c *BybitClient) get(ctx context.Context, endpoint string, params url.Values, out interface{}) error {
	return retry.Do(ctx, func() error {
		if err := c.limiter.Wait(ctx, endpoint); err != nil {
			return retry.Permanent(err)
		}
		return c.doGet(ctx, endpoint, params, out)
	}, c.retry)
}

func (c *BybitClient) doGet(ctx context.Context, endpoint string, params url.Values, out interface{}) error {
	reqURL := c.baseURL + endpoint
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	latency := func() float64 { return float64(time.Since(start).Microseconds()) / 1000 }

	resp, err := c.http.Do(req)
	if err != nil {
		RecordRequest(endpoint, "transport_error", latency())
		return fmt.Errorf("GET %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		RecordRequest(endpoint, "transport_error", latency())
		return fmt.Errorf("read %s: %w", endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		RecordRequest(endpoint, "http_error", latency())
		statusErr := fmt.Errorf("%w: %s returned %d", ErrBadStatus, endpoint, resp.StatusCode)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return statusErr
		}
		return retry.Permanent(statusErr)
	}

	var base baseResponse
	if err := json.Unmarshal(body, &base); err != nil {
		RecordRequest(endpoint, "api_error", latency())
		return retry.Permanent(fmt.Errorf("decode %s: %w", endpoint, err))
	}
	if base.RetCode != 0 {
		RecordRequest(endpoint, "api_error", latency())
		return &ExchangeError{
			Exchange: "bybit",
			Code:     strconv.Itoa(base.RetCode),
			Message:  base.RetMsg,
		}
	}

	RecordRequest(endpoint, "ok", latency())
	c.logger.Debug("REST response", utils.Endpoint(endpoint), utils.Latency(latency()))

	if out == nil || len(base.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(base.Result, out); err != nil {
		return retry.Permanent(fmt.Errorf("decode %s result: %w", endpoint, err))
	}
	return nil
}

// num разбирает числовую строку Bybit; пустая или мусор = nil
func num(s string) *float64 {
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func numOr(s string, def float64) float64 {
	if p := num(s); p != nil {
		return *p
	}
	return def
}

func first(values ...string) *float64 {
	for _, s := range values {
		if p := num(s); p != nil {
			return p
		}
	}
	return nil
}

// ============================================================
// Инструменты
// ============================================================

type instrumentItem struct {
	Symbol       string `json:"symbol"`
	Status       string `json:"status"`
	BaseCoin     string `json:"baseCoin"`
	SettleCoin   string `json:"settleCoin"`
	OptionsType  string `json:"optionsType"`
	DeliveryTime string `json:"deliveryTime"`
}

type instrumentsPage struct {
	Category       string           `json:"category"`
	NextPageCursor string           `json:"nextPageCursor"`
	List           []instrumentItem `json:"list"`
}

// GetInstruments список опционов по базовой монете (все страницы)
func (c *BybitClient) GetInstruments(ctx context.Context, baseCoin string) ([]models.Instrument, error) {
	var out []models.Instrument
	cursor := ""
	seen := make(map[string]struct{})

	for page := 0; page < maxPages; page++ {
		params := url.Values{}
		params.Set("category", CategoryOption)
		params.Set("baseCoin", strings.ToUpper(baseCoin))
		params.Set("limit", strconv.Itoa(instrumentsPageLimit))
		if cursor != "" {
			params.Set("cursor", cursor)
		}

		var p instrumentsPage
		if err := c.get(ctx, endpointInstruments, params, &p); err != nil {
			return nil, fmt.Errorf("get instruments %s: %w", baseCoin, err)
		}

		for _, item := range p.List {
			inst, ok := toInstrument(item)
			if !ok {
				c.logger.Debug("skip unparsable instrument", utils.Symbol(item.Symbol))
				continue
			}
			out = append(out, inst)
		}

		if p.NextPageCursor == "" {
			break
		}
		if _, dup := seen[p.NextPageCursor]; dup {
			break
		}
		seen[p.NextPageCursor] = struct{}{}
		cursor = p.NextPageCursor
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].ExpiryMs != out[j].ExpiryMs {
			return out[i].ExpiryMs < out[j].ExpiryMs
		}
		if out[i].Strike != out[j].Strike {
			return out[i].Strike < out[j].Strike
		}
		return out[i].Type < out[j].Type
	})
	return out, nil
}

func toInstrument(item instrumentItem) (models.Instrument, bool) {
	inst, err := models.ParseOptionSymbol(item.Symbol)
	if err != nil {
		return models.Instrument{}, false
	}
	inst.Symbol = item.Symbol
	inst.Status = item.Status
	if item.BaseCoin != "" {
		inst.BaseCoin = item.BaseCoin
	}
	if item.SettleCoin != "" {
		inst.SettleCoin = item.SettleCoin
	}
	switch strings.ToLower(item.OptionsType) {
	case "call":
		inst.Type = models.OptionCall
	case "put":
		inst.Type = models.OptionPut
	}
	if ms, err := strconv.ParseInt(item.DeliveryTime, 10, 64); err == nil && ms > 0 {
		inst.ExpiryMs = ms
	}
	return inst, true
}

// ============================================================
// Тикеры
// ============================================================

// Поля тикера опционов и линейных контрактов REST V5
type tickerItem struct {
	Symbol          string `json:"symbol"`
	Bid1Price       string `json:"bid1Price"`
	Ask1Price       string `json:"ask1Price"`
	LastPrice       string `json:"lastPrice"`
	MarkPrice       string `json:"markPrice"`
	MarkIv          string `json:"markIv"`
	IndexPrice      string `json:"indexPrice"`
	UnderlyingPrice string `json:"underlyingPrice"`
	OpenInterest    string `json:"openInterest"`
	Delta           string `json:"delta"`
	Gamma           string `json:"gamma"`
	Vega            string `json:"vega"`
	Theta           string `json:"theta"`
	Change24h       string `json:"change24h"`
	Price24hPcnt    string `json:"price24hPcnt"`
}

type tickersResult struct {
	Category string       `json:"category"`
	List     []tickerItem `json:"list"`
}

// GetTickers снимок тикеров категории
func (c *BybitClient) GetTickers(ctx context.Context, category, filter string) ([]TickerSnapshot, error) {
	params := url.Values{}
	params.Set("category", category)
	if filter != "" {
		if category == CategoryOption {
			params.Set("baseCoin", strings.ToUpper(filter))
		} else {
			params.Set("symbol", filter)
		}
	}

	var res tickersResult
	if err := c.get(ctx, endpointTickers, params, &res); err != nil {
		return nil, fmt.Errorf("get tickers %s/%s: %w", category, filter, err)
	}

	out := make([]TickerSnapshot, 0, len(res.List))
	for _, item := range res.List {
		if item.Symbol == "" {
			continue
		}
		out = append(out, TickerSnapshot{Symbol: item.Symbol, Update: tickerUpdate(item)})
	}
	return out, nil
}

// tickerUpdate REST отдаёт markIv долей (0.55), котировка хранит проценты
func tickerUpdate(item tickerItem) models.QuoteUpdate {
	u := models.QuoteUpdate{
		TickerBid:    num(item.Bid1Price),
		TickerAsk:    num(item.Ask1Price),
		Mark:         num(item.MarkPrice),
		Index:        num(item.IndexPrice),
		Underlying:   num(item.UnderlyingPrice),
		Delta:        num(item.Delta),
		Gamma:        num(item.Gamma),
		Vega:         num(item.Vega),
		Theta:        num(item.Theta),
		OpenInterest: num(item.OpenInterest),
		Last:         num(item.LastPrice),
		Change24h:    first(item.Change24h, item.Price24hPcnt),
	}
	if iv := num(item.MarkIv); iv != nil {
		u.MarkIV = models.F(*iv * 100)
	}
	// нулевой bid/ask в REST означает пустую сторону
	if u.TickerBid != nil && *u.TickerBid <= 0 {
		u.TickerBid = nil
	}
	if u.TickerAsk != nil && *u.TickerAsk <= 0 {
		u.TickerAsk = nil
	}
	return u
}

// ============================================================
// Стакан
// ============================================================

type orderBookResult struct {
	Symbol string     `json:"s"`
	Bids   [][]string `json:"b"`
	Asks   [][]string `json:"a"`
	Ts     int64      `json:"ts"`
}

// GetOrderBookTop лучший уровень стакана. Пустая сторона = NaN.
func (c *BybitClient) GetOrderBookTop(ctx context.Context, category, symbol string) (BookTop, error) {
	params := url.Values{}
	params.Set("category", category)
	params.Set("symbol", symbol)
	params.Set("limit", "1")

	var res orderBookResult
	if err := c.get(ctx, endpointOrderBook, params, &res); err != nil {
		return BookTop{}, fmt.Errorf("get orderbook %s: %w", symbol, err)
	}

	top := BookTop{Symbol: symbol, Bid: math.NaN(), Ask: math.NaN()}
	if res.Ts > 0 {
		top.Time = utils.FromUnixMillis(res.Ts)
	}
	if len(res.Bids) > 0 && len(res.Bids[0]) >= 2 {
		top.Bid = numOr(res.Bids[0][0], math.NaN())
		top.BidSize = numOr(res.Bids[0][1], 0)
	}
	if len(res.Asks) > 0 && len(res.Asks[0]) >= 2 {
		top.Ask = numOr(res.Asks[0][0], math.NaN())
		top.AskSize = numOr(res.Asks[0][1], 0)
	}
	return top, nil
}

// ============================================================
// Историческая волатильность
// ============================================================

type volatilityItem struct {
	Period int    `json:"period"`
	Value  string `json:"value"`
	Time   string `json:"time"`
}

// GetHistoricalVolatility последнее значение HV за period дней
func (c *BybitClient) GetHistoricalVolatility(ctx context.Context, baseCoin string, period int) (HistoricalVolatility, error) {
	params := url.Values{}
	params.Set("category", CategoryOption)
	params.Set("baseCoin", strings.ToUpper(baseCoin))
	if period > 0 {
		params.Set("period", strconv.Itoa(period))
	}

	var items []volatilityItem
	if err := c.get(ctx, endpointVolatility, params, &items); err != nil {
		return HistoricalVolatility{}, fmt.Errorf("get historical volatility %s: %w", baseCoin, err)
	}

	var best HistoricalVolatility
	var bestMs int64 = -1
	for _, item := range items {
		v := num(item.Value)
		if v == nil || *v <= 0 {
			continue
		}
		ms, _ := strconv.ParseInt(item.Time, 10, 64)
		if ms > bestMs {
			bestMs = ms
			best = HistoricalVolatility{Period: item.Period, Value: *v, Time: utils.FromUnixMillis(ms)}
		}
	}
	if bestMs < 0 {
		return HistoricalVolatility{}, fmt.Errorf("historical volatility %s: %w", baseCoin, ErrEmptyResult)
	}
	return best, nil
}

// ============================================================
// Цены поставки
// ============================================================

type deliveryItem struct {
	Symbol        string `json:"symbol"`
	DeliveryPrice string `json:"deliveryPrice"`
	DeliveryTime  string `json:"deliveryTime"`
}

type deliveryPage struct {
	NextPageCursor string         `json:"nextPageCursor"`
	List           []deliveryItem `json:"list"`
}

// GetDeliveryPrices цены поставки истёкших опционов базовой монеты
func (c *BybitClient) GetDeliveryPrices(ctx context.Context, baseCoin string) ([]DeliveryPrice, error) {
	var out []DeliveryPrice
	cursor := ""
	seen := make(map[string]struct{})

	for page := 0; page < maxPages; page++ {
		params := url.Values{}
		params.Set("category", CategoryOption)
		params.Set("baseCoin", strings.ToUpper(baseCoin))
		params.Set("limit", strconv.Itoa(deliveryPageLimit))
		if cursor != "" {
			params.Set("cursor", cursor)
		}

		var p deliveryPage
		if err := c.get(ctx, endpointDelivery, params, &p); err != nil {
			return nil, fmt.Errorf("get delivery prices %s: %w", baseCoin, err)
		}

		for _, item := range p.List {
			price := num(item.DeliveryPrice)
			ms, err := strconv.ParseInt(item.DeliveryTime, 10, 64)
			if price == nil || *price <= 0 || err != nil {
				continue
			}
			out = append(out, DeliveryPrice{Symbol: item.Symbol, Price: *price, DeliveryTime: ms})
		}

		if p.NextPageCursor == "" {
			break
		}
		if _, dup := seen[p.NextPageCursor]; dup {
			break
		}
		seen[p.NextPageCursor] = struct{}{}
		cursor = p.NextPageCursor
	}
	return out, nil
}

// DeliveryPriceByExpiry цена поставки на каждую экспирацию.
// Все опционы одной экспирации поставляются по одной цене, берётся первая.
func DeliveryPriceByExpiry(prices []DeliveryPrice) map[int64]float64 {
	out := make(map[int64]float64)
	for _, p := range prices {
		if _, ok := out[p.DeliveryTime]; !ok {
			out[p.DeliveryTime] = p.Price
		}
	}
	return out
}
