// Package render provides table renderers for run listings
package render

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Padding(0, 1)

	cellStyle = lipgloss.NewStyle().
			Padding(0, 1)

	borderStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	statusStyles = map[string]lipgloss.Style{
		"COMPLETE":   lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Padding(0, 1),
		"INCOMPLETE": lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Padding(0, 1),
		"FAIL":       lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Padding(0, 1),
		"READY":      lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Padding(0, 1),
	}
)

// Styled renders bordered tables with status-colored cells
type Styled struct {
	w io.Writer
}

// NewStyled creates a styled renderer writing to w
func NewStyled(w io.Writer) *Styled {
	return &Styled{w: w}
}

// RenderTable writes the table to the underlying writer
func (s *Styled) RenderTable(headers []string, rows [][]string) error {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if row >= 0 && row < len(rows) && col < len(rows[row]) {
				if st, ok := statusStyles[rows[row][col]]; ok {
					return st
				}
			}
			return cellStyle
		})
	_, err := fmt.Fprintln(s.w, t.String())
	return err
}

// Plain renders tab-aligned columns without styling
type Plain struct {
	w io.Writer
}

// NewPlain creates a plain renderer writing to w
func NewPlain(w io.Writer) *Plain {
	return &Plain{w: w}
}

// RenderTable writes the table to the underlying writer
func (p *Plain) RenderTable(headers []string, rows [][]string) error {
	tw := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}
