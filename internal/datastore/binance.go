package datastore

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"orrery/internal/model"

	"github.com/adshao/go-binance/v2/futures"
)

const maxKlineLimit = 1500

// BinanceConfig 控制 REST 客户端行为，零值可用。
type BinanceConfig struct {
	RESTBaseURL string
	HTTPTimeout time.Duration
	ProxyURL    string
}

func (c BinanceConfig) withDefaults() BinanceConfig {
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 15 * time.Second
	}
	return c
}

// BinanceSource 基于 go-binance SDK 拉取合约 K 线与品种元数据。
type BinanceSource struct {
	cfg    BinanceConfig
	client *futures.Client
}

func NewBinanceSource(cfg BinanceConfig) (*BinanceSource, error) {
	final := cfg.withDefaults()
	client := futures.NewClient("", "")
	if base := strings.TrimSpace(final.RESTBaseURL); base != "" {
		client.BaseURL = base
	}
	httpClient := &http.Client{Timeout: final.HTTPTimeout}
	if final.ProxyURL != "" {
		proxyURL, err := url.Parse(final.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url: %w", err)
		}
		baseTransport, ok := http.DefaultTransport.(*http.Transport)
		if !ok || baseTransport == nil {
			return nil, fmt.Errorf("http DefaultTransport is not *http.Transport")
		}
		transport := baseTransport.Clone()
		transport.Proxy = http.ProxyURL(proxyURL)
		httpClient.Transport = transport
	}
	client.HTTPClient = httpClient
	return &BinanceSource{cfg: final, client: client}, nil
}

func (s *BinanceSource) Name() string { return "binance" }

// Fetch 拉取指定区间的已收盘 K 线。
func (s *BinanceSource) Fetch(ctx context.Context, req FetchRequest) ([]model.Bar, error) {
	productID := cleanSymbol(req.ProductID)
	if productID == "" {
		return nil, fmt.Errorf("product id is required")
	}
	interval := strings.ToLower(strings.TrimSpace(req.Interval))
	if interval == "" {
		return nil, fmt.Errorf("interval is required")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 500
	}
	if limit > maxKlineLimit {
		limit = maxKlineLimit
	}
	svc := s.client.NewKlinesService().Symbol(productID).Interval(interval).Limit(limit)
	if req.Start > 0 {
		svc = svc.StartTime(req.Start)
	}
	if req.End > 0 {
		svc = svc.EndTime(req.End)
	}
	kls, err := svc.Do(ctx)
	if err != nil {
		return nil, err
	}
	nowMs := time.Now().UnixMilli()
	out := make([]model.Bar, 0, len(kls))
	for _, kl := range kls {
		if kl == nil {
			continue
		}
		b := model.Bar{
			ProductID: req.ProductID,
			Timeframe: interval,
			StartTime: kl.OpenTime,
			// Binance 的 close_time 为闭区间毫秒（xx:59.999），+1 对齐到网格
			EndTime: kl.CloseTime + 1,
			Open:    parseFloat(kl.Open),
			High:    parseFloat(kl.High),
			Low:     parseFloat(kl.Low),
			Close:   parseFloat(kl.Close),
			Volume:  parseFloat(kl.Volume),
		}
		// 尚未收盘的 K 线不落盘
		if b.EndTime > nowMs {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

// FetchProduct 通过 exchange info 获取品种元数据（价格/数量步长）。
func (s *BinanceSource) FetchProduct(ctx context.Context, productID string) (model.Product, error) {
	symbol := cleanSymbol(productID)
	if symbol == "" {
		return model.Product{}, fmt.Errorf("product id is required")
	}
	info, err := s.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return model.Product{}, err
	}
	for _, sym := range info.Symbols {
		if !strings.EqualFold(sym.Symbol, symbol) {
			continue
		}
		p := model.Product{
			ProductID:     productID,
			DatasourceID:  s.Name(),
			BaseCurrency:  sym.BaseAsset,
			QuoteCurrency: sym.QuoteAsset,
		}
		if f := sym.PriceFilter(); f != nil {
			p.PriceStep = parseFloat(f.TickSize)
		}
		if f := sym.LotSizeFilter(); f != nil {
			p.VolumeStep = parseFloat(f.StepSize)
		}
		return p, nil
	}
	return model.Product{}, fmt.Errorf("unknown symbol: %s", productID)
}

// cleanSymbol 去掉分隔符并转大写（ETH/USDT -> ETHUSDT）。
func cleanSymbol(s string) string {
	s = strings.TrimSpace(s)
	s = strings.NewReplacer("/", "", "-", "", "_", "").Replace(s)
	return strings.ToUpper(s)
}

func parseFloat(v string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
	return f
}
