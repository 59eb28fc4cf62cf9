package main

import (
	"context"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/martian-engineering/lcm/internal/lcm"
)

type browserMode int

const (
	modeSearch browserMode = iota
	modeResults
	modeDescribe
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	selectedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("212")).Bold(true)
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
)

type browserModel struct {
	ctx       context.Context
	retrieval *lcm.Retrieval

	mode     browserMode
	query    string
	hits     []lcm.GrepHit
	cursor   int
	describe *lcm.DescribeResult
	err      error
}

func newBrowserModel(ctx context.Context, r *lcm.Retrieval) browserModel {
	return browserModel{ctx: ctx, retrieval: r, mode: modeSearch}
}

func (m browserModel) Init() tea.Cmd {
	return nil
}

func (m browserModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch m.mode {
		case modeSearch:
			return m.updateSearch(msg)
		case modeResults:
			return m.updateResults(msg)
		case modeDescribe:
			return m.updateDescribe(msg)
		}
	}
	return m, nil
}

func (m browserModel) updateSearch(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC, tea.KeyEsc:
		return m, tea.Quit
	case tea.KeyEnter:
		if strings.TrimSpace(m.query) == "" {
			return m, nil
		}
		hits, err := m.retrieval.Grep(m.ctx, lcm.GrepQuery{
			Pattern:          m.query,
			Mode:             lcm.GrepModeRegex,
			Scope:            lcm.GrepScopeBoth,
			AllConversations: true,
			Limit:            50,
		})
		m.err = err
		m.hits = hits
		m.cursor = 0
		m.mode = modeResults
		return m, nil
	case tea.KeyBackspace:
		if len(m.query) > 0 {
			m.query = m.query[:len(m.query)-1]
		}
		return m, nil
	case tea.KeyRunes:
		m.query += string(msg.Runes)
		return m, nil
	}
	return m, nil
}

func (m browserModel) updateResults(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		return m, tea.Quit
	case "esc":
		m.mode = modeSearch
		return m, nil
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
		return m, nil
	case "down", "j":
		if m.cursor < len(m.hits)-1 {
			m.cursor++
		}
		return m, nil
	case "enter":
		if len(m.hits) == 0 {
			return m, nil
		}
		hit := m.hits[m.cursor]
		if hit.Kind != "summary" {
			return m, nil
		}
		result, err := m.retrieval.Describe(m.ctx, hit.ID, 8000)
		if err != nil {
			m.err = err
			return m, nil
		}
		m.describe = &result
		m.err = nil
		m.mode = modeDescribe
		return m, nil
	}
	return m, nil
}

func (m browserModel) updateDescribe(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		return m, tea.Quit
	case "esc":
		m.mode = modeResults
		return m, nil
	}
	return m, nil
}

func (m browserModel) View() string {
	switch m.mode {
	case modeSearch:
		return m.viewSearch()
	case modeResults:
		return m.viewResults()
	case modeDescribe:
		return m.viewDescribe()
	}
	return ""
}

func (m browserModel) viewSearch() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("lcminspect"))
	b.WriteString("\n\n")
	b.WriteString(fmt.Sprintf("search> %s_\n\n", m.query))
	b.WriteString(dimStyle.Render("enter: search across messages and summaries · ctrl+c: quit"))
	return b.String()
}

func (m browserModel) viewResults() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("results for %q", m.query)))
	b.WriteString("\n\n")
	if m.err != nil {
		b.WriteString(fmt.Sprintf("error: %v\n", m.err))
	} else if len(m.hits) == 0 {
		b.WriteString(dimStyle.Render("no hits\n"))
	}
	for i, h := range m.hits {
		line := fmt.Sprintf("%s  %-8s  %s", h.ID, h.Kind, h.Snippet)
		if i == m.cursor {
			b.WriteString(selectedStyle.Render("> " + line))
		} else {
			b.WriteString("  " + line)
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(dimStyle.Render("j/k: move · enter: describe (summaries only) · esc: back to search · q: quit"))
	return b.String()
}

func (m browserModel) viewDescribe() string {
	if m.describe == nil {
		return dimStyle.Render("nothing to describe\n")
	}
	d := *m.describe
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("summary %s", d.Summary.SummaryID)))
	b.WriteString("\n\n")
	b.WriteString(fmt.Sprintf("kind:     %s\ndepth:    %d\nparents:  %v\nchildren: %v\n\n", d.Summary.Kind, d.Summary.Depth, d.ParentIDs, d.ChildIDs))
	b.WriteString("subtree:\n")
	for _, n := range d.SubtreeManifest {
		b.WriteString(fmt.Sprintf("  %s depth=%d descendants=%d fits(summaries=%t, +messages=%t)\n",
			n.SummaryID, n.Depth, n.DescendantCount, n.BudgetFit.SummariesOnly, n.BudgetFit.WithMessages))
	}
	b.WriteString("\n")
	b.WriteString(dimStyle.Render("esc: back to results · q: quit"))
	return b.String()
}
