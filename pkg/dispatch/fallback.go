package dispatch

import (
	"context"
	"fmt"
	"math"
	"regexp"

	"github.com/akfin/datagate/pkg/table"
)

// stockCodeRE matches six-digit A-share codes embedded in prose.
var stockCodeRE = regexp.MustCompile(`\b\d{6}\b`)

// Trend and volatility thresholds, in percent.
const (
	trendBand     = 5.0
	volLowBand    = 1.5
	volHighBand   = 3.0
	volumeShrink  = 0.7
	volumeExpand  = 1.5
	fallbackIface = "stock_zh_a_hist"
)

// fallbackAnalyze is the rule-based degraded path. It extracts the first
// stock code from the query, pulls the current-year daily history for it,
// and derives insights from price trend, volatility and volume. At most
// one upstream call is made; confidence is always null.
func (d *Dispatcher) fallbackAnalyze(ctx context.Context, caller, query string) (*Envelope, error) {
	code := stockCodeRE.FindString(query)
	if code == "" {
		// No instrument in the query: answer with a market overview note
		// rather than guessing a symbol.
		return &Envelope{
			Summary: "当前处于规则分析模式, 未能从问题中识别出股票代码。" +
				"请在问题中包含六位股票代码(如 600519), 以便获取行情数据进行分析。",
			Recommendations: []string{"在查询中提供具体的股票代码", "稍后重试智能分析模式"},
			Raw:             query,
		}, nil
	}

	now := d.now()
	params := map[string]string{
		"symbol":     code,
		"period":     "daily",
		"start_date": fmt.Sprintf("%d0101", now.Year()),
		"end_date":   now.Format("20060102"),
	}

	t, err := d.fetch.GetOrCompute(ctx, fallbackIface, params)
	if err != nil {
		return &Envelope{
			Summary: fmt.Sprintf("当前处于规则分析模式, 且获取 %s 的行情数据失败, 无法给出量化结论。", code),
			Raw:     query,
		}, nil
	}
	return analyzeHistory(code, t, query), nil
}

// analyzeHistory derives the templated envelope from a daily OHLCV table.
func analyzeHistory(code string, t *table.Table, raw string) *Envelope {
	closes := numericColumn(t, "收盘", "close")
	volumes := numericColumn(t, "成交量", "volume")

	env := &Envelope{
		Summary: fmt.Sprintf("规则分析模式: 基于 %s 今年以来 %d 个交易日的行情数据生成。", code, t.Len()),
		ChartsSuggested: []string{"kline", "volume"},
		Raw:             raw,
	}
	if len(closes) < 2 {
		env.Summary += " 可用数据不足, 无法计算趋势指标。"
		return env
	}

	risk := 0

	trend := (closes[len(closes)-1] - closes[0]) / closes[0] * 100
	switch {
	case trend > trendBand:
		env.Insights = append(env.Insights, fmt.Sprintf("期间累计上涨 %.2f%%, 整体呈上升趋势", trend))
	case trend < -trendBand:
		env.Insights = append(env.Insights, fmt.Sprintf("期间累计下跌 %.2f%%, 整体呈下降趋势", -trend))
		risk++
	default:
		env.Insights = append(env.Insights, fmt.Sprintf("期间涨跌幅 %.2f%%, 整体横盘整理", trend))
	}

	vol := dailyVolatility(closes)
	switch {
	case vol > volHighBand:
		env.Insights = append(env.Insights, fmt.Sprintf("日均波动 %.2f%%, 波动性较高", vol))
		risk += 2
	case vol > volLowBand:
		env.Insights = append(env.Insights, fmt.Sprintf("日均波动 %.2f%%, 波动性中等", vol))
		risk++
	default:
		env.Insights = append(env.Insights, fmt.Sprintf("日均波动 %.2f%%, 波动性较低", vol))
	}

	if ratio, ok := volumeRatio(volumes); ok {
		switch {
		case ratio < volumeShrink:
			env.Insights = append(env.Insights, fmt.Sprintf("近期成交量为均量的 %.2f 倍, 明显缩量", ratio))
		case ratio > volumeExpand:
			env.Insights = append(env.Insights, fmt.Sprintf("近期成交量为均量的 %.2f 倍, 明显放量", ratio))
			risk++
		default:
			env.Insights = append(env.Insights, fmt.Sprintf("近期成交量为均量的 %.2f 倍, 量能平稳", ratio))
		}
	}

	level := RiskLow
	switch {
	case risk >= 3:
		level = RiskHigh
	case risk >= 1:
		level = RiskMedium
	}
	env.RiskLevel = &level

	switch level {
	case RiskHigh:
		env.Recommendations = append(env.Recommendations, "波动与趋势风险偏高, 建议控制仓位并设置止损")
	case RiskMedium:
		env.Recommendations = append(env.Recommendations, "存在一定波动风险, 建议分批建仓并关注量价变化")
	default:
		env.Recommendations = append(env.Recommendations, "走势相对平稳, 可结合基本面进一步研究")
	}
	env.Recommendations = append(env.Recommendations, "规则分析仅供参考, 不构成投资建议")
	return env
}

// numericColumn pulls the first matching column as floats, skipping
// non-numeric cells.
func numericColumn(t *table.Table, names ...string) []float64 {
	idx := -1
	for _, name := range names {
		for i, f := range t.Fields {
			if f == name {
				idx = i
				break
			}
		}
		if idx >= 0 {
			break
		}
	}
	if idx < 0 {
		return nil
	}
	out := make([]float64, 0, t.Len())
	for _, row := range t.Rows {
		if idx >= len(row) {
			continue
		}
		switch row[idx].Kind() {
		case table.KindFloat:
			out = append(out, row[idx].Float())
		case table.KindInt:
			out = append(out, float64(row[idx].Int()))
		}
	}
	return out
}

// dailyVolatility is the mean absolute day-over-day percent change.
func dailyVolatility(closes []float64) float64 {
	var sum float64
	n := 0
	for i := 1; i < len(closes); i++ {
		if closes[i-1] == 0 {
			continue
		}
		sum += math.Abs((closes[i] - closes[i-1]) / closes[i-1] * 100)
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// volumeRatio compares the last five sessions against the whole window.
func volumeRatio(volumes []float64) (float64, bool) {
	if len(volumes) < 6 {
		return 0, false
	}
	var total float64
	for _, v := range volumes {
		total += v
	}
	mean := total / float64(len(volumes))
	if mean == 0 {
		return 0, false
	}
	var recent float64
	for _, v := range volumes[len(volumes)-5:] {
		recent += v
	}
	return recent / 5 / mean, true
}
