package backtest

import (
	"fmt"
	"io"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"
)

const (
	reportBackground    = "#060c1b"
	reportTextPrimary   = "#eceff4"
	reportTextSecondary = "#9ca3af"
	reportEquityColor   = "#3b82f6"
	reportBalanceColor  = "#fbbf24"
	reportMarginColor   = "#a78bfa"

	reportWidthPx  = 1280
	reportHeightPx = 520
)

// RenderReport 把一次 run 的资金曲线渲染为静态 HTML 页面。
func RenderReport(w io.Writer, run Run, frames []Frame) error {
	if len(frames) == 0 {
		return fmt.Errorf("run %s 没有资金切面", run.ID)
	}
	page := components.NewPage()
	page.SetLayout(components.PageFlexLayout)
	page.AddCharts(buildEquityChart(run, frames), buildMarginChart(run, frames))
	return page.Render(w)
}

func buildEquityChart(run Run, frames []Frame) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			Theme:           types.ThemeWesteros,
			Width:           fmt.Sprintf("%dpx", reportWidthPx),
			Height:          fmt.Sprintf("%dpx", reportHeightPx),
			BackgroundColor: reportBackground,
		}),
		charts.WithTitleOpts(opts.Title{
			Title: fmt.Sprintf("%s %s %s", run.Script, run.ProductID, run.Timeframe),
			Subtitle: fmt.Sprintf("profit=%.4f return=%.2f%% winRate=%.1f%% maxDD=%.2f%%",
				run.Stats.Profit, run.Stats.ReturnPct, run.Stats.WinRate, run.Stats.MaxDrawdownPct),
			Left:          "left",
			Top:           "10",
			TitleStyle:    &opts.TextStyle{Color: reportTextPrimary, FontSize: 18},
			SubtitleStyle: &opts.TextStyle{Color: reportTextSecondary},
		}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), TextStyle: &opts.TextStyle{Color: reportTextPrimary}}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", XAxisIndex: []int{0}}),
		charts.WithXAxisOpts(opts.XAxis{
			Type:      "category",
			AxisLabel: &opts.AxisLabel{Color: reportTextSecondary},
		}),
		charts.WithYAxisOpts(opts.YAxis{
			Scale:     opts.Bool(true),
			AxisLabel: &opts.AxisLabel{Color: reportTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(true), LineStyle: &opts.LineStyle{Color: reportTextSecondary, Opacity: opts.Float(0.2)}},
		}),
	)
	line.SetSeriesOptions(charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))

	xAxis := frameXAxis(frames)
	equity := make([]opts.LineData, len(frames))
	balance := make([]opts.LineData, len(frames))
	for i, f := range frames {
		equity[i] = opts.LineData{Value: f.Equity}
		balance[i] = opts.LineData{Value: f.Balance}
	}
	line.SetXAxis(xAxis)
	line.AddSeries("Equity", equity, charts.WithLineStyleOpts(opts.LineStyle{Color: reportEquityColor, Width: 2}))
	line.AddSeries("Balance", balance, charts.WithLineStyleOpts(opts.LineStyle{Color: reportBalanceColor, Width: 2}))
	return line
}

func buildMarginChart(run Run, frames []Frame) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			Theme:           types.ThemeWesteros,
			Width:           fmt.Sprintf("%dpx", reportWidthPx),
			Height:          "280px",
			BackgroundColor: reportBackground,
		}),
		charts.WithTitleOpts(opts.Title{Title: "Margin / Floating", Left: "left", TitleStyle: &opts.TextStyle{Color: reportTextPrimary}}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), TextStyle: &opts.TextStyle{Color: reportTextSecondary}}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{AxisLabel: &opts.AxisLabel{Show: opts.Bool(false)}}),
		charts.WithYAxisOpts(opts.YAxis{
			AxisLabel: &opts.AxisLabel{Show: opts.Bool(true), Color: reportTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(true), LineStyle: &opts.LineStyle{Color: reportTextSecondary, Opacity: opts.Float(0.15)}},
		}),
	)
	line.SetSeriesOptions(charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))

	margin := make([]opts.LineData, len(frames))
	profit := make([]opts.LineData, len(frames))
	for i, f := range frames {
		margin[i] = opts.LineData{Value: f.Margin}
		profit[i] = opts.LineData{Value: f.Profit}
	}
	line.SetXAxis(frameXAxis(frames))
	line.AddSeries("Margin", margin, charts.WithLineStyleOpts(opts.LineStyle{Color: reportMarginColor, Width: 2}))
	line.AddSeries("Floating", profit, charts.WithLineStyleOpts(opts.LineStyle{Color: reportEquityColor, Width: 1}))
	return line
}

func frameXAxis(frames []Frame) []string {
	x := make([]string, len(frames))
	for i, f := range frames {
		x[i] = time.UnixMilli(f.TS).UTC().Format("01-02 15:04")
	}
	return x
}
