package reporter

import (
	"fmt"
	"io"
	"math"
	"time"

	"binance-signal-bot-go/internal/models"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Metrics aggregates the performance of one backtest run. A "trade" is a
// completed round trip: one buy closed by one sell.
type Metrics struct {
	InitialBalance   float64
	FinalBalance     float64
	TotalProfit      float64
	ProfitPercentage float64

	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	WinRate       float64
	AvgProfitLoss float64
	MaxDrawdown   float64
	TotalFees     float64

	OpenPositionQty float64

	StartTime time.Time
	EndTime   time.Time
}

// ComputeMetrics derives performance numbers from a fill log and the
// per-candle equity series. Fills are expected in execution order.
func ComputeMetrics(initialBalance, finalEquity, totalFees float64, equityCurve []float64, fills []models.Trade) *Metrics {
	m := &Metrics{
		InitialBalance: initialBalance,
		FinalBalance:   finalEquity,
		TotalFees:      totalFees,
	}

	var openCost, openQty float64
	var totalWin, totalLoss float64
	for _, fill := range fills {
		switch fill.Side {
		case "BUY":
			openCost = fill.QuoteQuantity
			openQty = fill.Quantity
		case "SELL":
			profit := fill.QuoteQuantity - openCost
			m.TotalTrades++
			if profit > 0 {
				m.WinningTrades++
				totalWin += profit
			} else {
				m.LosingTrades++
				totalLoss += profit
			}
			openCost, openQty = 0, 0
		}
	}
	m.OpenPositionQty = openQty

	if m.TotalTrades > 0 {
		m.WinRate = float64(m.WinningTrades) / float64(m.TotalTrades) * 100
	}
	if m.WinningTrades > 0 && m.LosingTrades > 0 {
		avgWin := totalWin / float64(m.WinningTrades)
		avgLoss := math.Abs(totalLoss / float64(m.LosingTrades))
		m.AvgProfitLoss = avgWin / avgLoss
	}

	m.TotalProfit = m.FinalBalance - m.InitialBalance
	if m.InitialBalance != 0 {
		m.ProfitPercentage = m.TotalProfit / m.InitialBalance * 100
	}
	m.MaxDrawdown = maxDrawdown(equityCurve) * 100

	return m
}

func maxDrawdown(equityCurve []float64) float64 {
	if len(equityCurve) < 2 {
		return 0
	}
	peak := equityCurve[0]
	worst := 0.0
	for _, equity := range equityCurve {
		if equity > peak {
			peak = equity
		}
		if peak > 0 {
			if dd := (peak - equity) / peak; dd > worst {
				worst = dd
			}
		}
	}
	return worst
}

// RenderBacktestReport writes a human-readable results table.
func RenderBacktestReport(w io.Writer, symbol, strategy string, m *Metrics) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.SetTitle(fmt.Sprintf("Backtest %s / %s", symbol, strategy))

	t.AppendRows([]table.Row{
		{"Period", fmt.Sprintf("%s to %s",
			m.StartTime.Format("2006-01-02 15:04"), m.EndTime.Format("2006-01-02 15:04"))},
		{"Initial balance", fmt.Sprintf("%.2f", m.InitialBalance)},
		{"Final balance", fmt.Sprintf("%.2f", m.FinalBalance)},
		{"Total profit", fmt.Sprintf("%.2f (%.2f%%)", m.TotalProfit, m.ProfitPercentage)},
		{"Total fees", fmt.Sprintf("%.2f", m.TotalFees)},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"Round trips", m.TotalTrades},
		{"Winning", m.WinningTrades},
		{"Losing", m.LosingTrades},
		{"Win rate", fmt.Sprintf("%.2f%%", m.WinRate)},
		{"Avg win/loss", fmt.Sprintf("%.2f", m.AvgProfitLoss)},
		{"Max drawdown", fmt.Sprintf("%.2f%%", m.MaxDrawdown)},
	})
	if m.OpenPositionQty > 0 {
		t.AppendSeparator()
		t.AppendRow(table.Row{"Open position", fmt.Sprintf("%.8f (valued into final balance)", m.OpenPositionQty)})
	}
	t.Render()
}

// RenderFleetStatus writes one row per bot record. active reports whether
// the bot's loop is live in this process right now.
func RenderFleetStatus(w io.Writer, records []models.BotRecord, active func(id string) bool) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"ID", "Symbol", "TF", "Strategy", "Status", "Live", "Trades", "Win %", "Profit", "Last Run", "Last Error"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Last Error", WidthMax: 40, WidthMaxEnforcer: text.WrapSoft},
	})

	for _, rec := range records {
		lastRun := "-"
		if !rec.LastRunAt.IsZero() {
			lastRun = rec.LastRunAt.Format("01-02 15:04:05")
		}
		live := ""
		if active != nil && active(rec.Config.ID) {
			live = "yes"
		}
		t.AppendRow(table.Row{
			rec.Config.ID,
			rec.Config.Symbol,
			rec.Config.Timeframe,
			rec.Config.StrategyType,
			string(rec.Status),
			live,
			rec.TotalTrades,
			fmt.Sprintf("%.1f", rec.WinRate()),
			fmt.Sprintf("%.2f", rec.TotalProfit),
			lastRun,
			rec.LastError,
		})
	}
	t.Render()
}
