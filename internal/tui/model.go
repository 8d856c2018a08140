// Package tui implements a small operator dashboard over the running
// engine: the Price Cache, open positions, and the breaker/hibernation
// status the Safety Supervisor and Strategy Engine track.
package tui

import (
	"fmt"
	"sort"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"engine/internal/model"
	"engine/internal/pricefeed"
	"engine/internal/safety"
	"engine/internal/state"
	"engine/internal/strategy"
)

var (
	colorBorder  = lipgloss.Color("#2e7de9")
	colorText    = lipgloss.Color("#a9b1d6")
	colorActive  = lipgloss.Color("#7aa2f7")
	colorProfit  = lipgloss.Color("#9ece6a")
	colorLoss    = lipgloss.Color("#f7768e")
	colorWarning = lipgloss.Color("#ff9e64")

	styleHeader = lipgloss.NewStyle().Bold(true).Foreground(colorActive)
	styleBox    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(colorBorder).Padding(0, 1)
	styleProfit = lipgloss.NewStyle().Foreground(colorProfit)
	styleLoss   = lipgloss.NewStyle().Foreground(colorLoss)
	styleWarn   = lipgloss.NewStyle().Foreground(colorWarning).Bold(true)
	styleDim    = lipgloss.NewStyle().Foreground(colorText)
)

// refreshMsg triggers a re-read of the running components.
type refreshMsg time.Time

// Model is the dashboard's bubbletea model. It is read-only: it issues
// no trading commands, only renders state pulled from the other
// components on each tick.
type Model struct {
	store      *state.Store
	feed       *pricefeed.Feed
	engine     *strategy.Engine
	supervisor *safety.Supervisor

	refreshInterval time.Duration

	quitting bool

	positions []*model.Position
	cache     map[string]model.PriceTick
	stats     *state.Stats
	breaker   bool
	hibernate bool
	loadErr   error
}

// New builds the dashboard model over the engine's running components.
func New(store *state.Store, feed *pricefeed.Feed, engine *strategy.Engine, supervisor *safety.Supervisor, refreshInterval time.Duration) Model {
	if refreshInterval <= 0 {
		refreshInterval = 500 * time.Millisecond
	}
	return Model{
		store:           store,
		feed:            feed,
		engine:          engine,
		supervisor:      supervisor,
		refreshInterval: refreshInterval,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(tea.SetWindowTitle("engine dashboard"), m.tick(), m.refresh())
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.refreshInterval, func(t time.Time) tea.Msg { return refreshMsg(t) })
}

func (m Model) refresh() tea.Cmd {
	return func() tea.Msg {
		positions, err := m.store.GetActivePositions()
		if err != nil {
			return refreshedState{err: err}
		}
		stats, err := m.store.GetStats()
		if err != nil {
			return refreshedState{err: err}
		}
		sort.Slice(positions, func(i, j int) bool { return positions[i].TokenMint < positions[j].TokenMint })
		return refreshedState{
			positions: positions,
			cache:     m.feed.Cache().Snapshot(),
			stats:     stats,
			breaker:   m.engine.Tripped(),
			hibernate: m.supervisor.Hibernating(),
		}
	}
}

type refreshedState struct {
	positions []*model.Position
	cache     map[string]model.PriceTick
	stats     *state.Stats
	breaker   bool
	hibernate bool
	err       error
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		}
	case refreshMsg:
		return m, tea.Batch(m.tick(), m.refresh())
	case refreshedState:
		if msg.err != nil {
			m.loadErr = msg.err
			return m, nil
		}
		m.loadErr = nil
		m.positions = msg.positions
		m.cache = msg.cache
		m.stats = msg.stats
		m.breaker = msg.breaker
		m.hibernate = msg.hibernate
	}
	return m, nil
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}

	header := styleHeader.Render("engine dashboard") + "  " + styleDim.Render(time.Now().Format("15:04:05"))
	if m.hibernate {
		header += "  " + styleWarn.Render("HIBERNATING")
	}
	if m.breaker {
		header += "  " + styleWarn.Render("BREAKER TRIPPED")
	}

	var body string
	if m.loadErr != nil {
		body = styleLoss.Render(fmt.Sprintf("refresh error: %v", m.loadErr))
	} else {
		body = styleBox.Render(m.renderStats()) + "\n" + styleBox.Render(m.renderPositions())
	}

	return header + "\n\n" + body + "\n\n" + styleDim.Render("q to quit")
}

func (m Model) renderStats() string {
	if m.stats == nil {
		return "loading stats..."
	}
	pnl := m.stats.TotalPnLNative
	pnlStyle := styleProfit
	if pnl.IsNegative() {
		pnlStyle = styleLoss
	}
	return fmt.Sprintf("trades: %d  wins: %d  losses: %d  pnl: %s",
		m.stats.TotalTrades, m.stats.Wins, m.stats.Losses, pnlStyle.Render(pnl.StringFixed(6)))
}

func (m Model) renderPositions() string {
	if len(m.positions) == 0 {
		return styleDim.Render("no open positions")
	}

	lines := make([]string, 0, len(m.positions)+1)
	lines = append(lines, styleDim.Render(fmt.Sprintf("%-12s %-8s %10s %10s %8s", "mint", "symbol", "entry", "current", "source")))
	for _, p := range m.positions {
		source := "-"
		if tick, ok := m.cache[p.TokenMint]; ok {
			source = string(tick.Source)
		}
		mint := p.TokenMint
		if len(mint) > 12 {
			mint = mint[:12]
		}
		lines = append(lines, fmt.Sprintf("%-12s %-8s %10s %10s %8s",
			mint, p.Symbol, p.EntryPrice.StringFixed(8), p.CurrentPrice.StringFixed(8), source))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}
