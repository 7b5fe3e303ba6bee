// Package reporter renders fleet status tables for console output.
package reporter

import (
	"fmt"
	"io"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"botfleet/internal/domain"
	"botfleet/internal/orchestrator"
)

// WriteFleetTable renders one row per agent status, sorted by user id.
func WriteFleetTable(w io.Writer, statuses []domain.AgentStatus) {
	sorted := make([]domain.AgentStatus, len(statuses))
	copy(sorted, statuses)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].UserID < sorted[j].UserID })

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{
		"User", "Running", "Symbol", "TF", "Lev", "Side", "Entry", "Price",
		"uPnL", "Trades", "PnL", "Balance", "Status",
	})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Entry", Align: text.AlignRight},
		{Name: "Price", Align: text.AlignRight},
		{Name: "uPnL", Align: text.AlignRight},
		{Name: "PnL", Align: text.AlignRight},
		{Name: "Balance", Align: text.AlignRight},
	})

	for _, s := range sorted {
		t.AppendRow(table.Row{
			s.UserID,
			s.IsRunning,
			s.Symbol,
			s.Timeframe,
			fmt.Sprintf("%dx", s.Leverage),
			string(s.PositionSide),
			fmt.Sprintf("%.4f", s.EntryPrice),
			fmt.Sprintf("%.4f", s.CurrentPrice),
			fmt.Sprintf("%.2f", s.UnrealizedPNL),
			s.TotalTrades,
			fmt.Sprintf("%.2f", s.TotalPNL),
			fmt.Sprintf("%.2f", s.Balance),
			s.StatusMessage,
		})
	}
	t.Render()
}

// WriteSystemStats renders the aggregate fleet summary.
func WriteSystemStats(w io.Writer, stats orchestrator.SystemStats) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Metric", "Value"})
	t.AppendRows([]table.Row{
		{"Active bots", stats.ActiveBots},
		{"Bots with open positions", stats.BotsWithPositions},
		{"Total trades", stats.TotalTrades},
		{"Total PnL (USDT)", fmt.Sprintf("%.2f", stats.TotalPNL)},
		{"Percentage-sized bots", stats.PercentageMode},
		{"Fixed-sized bots", stats.FixedMode},
	})
	t.Render()
}
