// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package diagnostics

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"
)

var (
	titleStyle     = lipgloss.NewStyle().Bold(true).Padding(1, 0, 0, 0)
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1).Align(lipgloss.Right)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1).Align(lipgloss.Right)
	centerRowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "12", Dark: "12"}).
			Bold(true).
			PaddingLeft(1).PaddingRight(1).Align(lipgloss.Right)
)

// Table renders the per-bin means of quantity, one table per axis, with one column per head.
// The row of the center bucket (delta 0) is highlighted.
func (r *Report) Table(quantity string) string {
	var parts []string
	for _, axis := range r.Axes {
		parts = append(parts, titleStyle.Render(fmt.Sprintf("%s per %s-delta", quantity, axis.Name)))
		parts = append(parts, axis.table(quantity, r.NumHeads).Render())
	}
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func (a *AxisReport) table(quantity string, numHeads int) *lgtable.Table {
	deltas := a.Deltas()
	header := []string{"delta", "edges"}
	for head := range numHeads {
		header = append(header, fmt.Sprintf("head #%d", head))
	}
	t := lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		Headers(header...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row < 0:
				return headerRowStyle
			case row < len(deltas) && deltas[row] == 0:
				return centerRowStyle
			case row%2 == 0:
				return oddRowStyle
			default:
				return evenRowStyle
			}
		})
	counts := a.Counts()
	means := make([][]float64, numHeads)
	for head := range numHeads {
		means[head] = a.Means(quantity, head)
	}
	for row, delta := range deltas {
		cells := []string{fmt.Sprintf("%+d", delta), strconv.Itoa(counts[row])}
		for head := range numHeads {
			cells = append(cells, fmt.Sprintf("%.4f", means[head][row]))
		}
		t.Row(cells...)
	}
	return t
}

// WriteCSV writes one CSV file per axis to dir, with all the columns of AxisReport.Frame.
// It returns the paths of the files written.
func (r *Report) WriteCSV(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "diagnostics: failed to create directory %q", dir)
	}
	var paths []string
	for _, axis := range r.Axes {
		path := filepath.Join(dir, fmt.Sprintf("%s_%s.csv", r.ID, axis.Name))
		f, err := os.Create(path)
		if err != nil {
			return paths, errors.Wrapf(err, "diagnostics: failed to create %q", path)
		}
		err = axis.Frame.WriteCSV(f)
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			return paths, errors.Wrapf(err, "diagnostics: failed to write %q", path)
		}
		paths = append(paths, path)
	}
	klog.V(1).Infof("diagnostics: wrote %s", strings.Join(paths, ", "))
	return paths, nil
}

// Plot saves one plot per axis of the per-bin means of quantity against the delta of the bin, with one line
// per head. The format is given by the extension (e.g.: "png" or "svg").
// It returns the paths of the files written.
func (r *Report) Plot(quantity, dir, extension string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "diagnostics: failed to create directory %q", dir)
	}
	var paths []string
	for _, axis := range r.Axes {
		p, err := axis.plot(quantity, r.NumHeads)
		if err != nil {
			return paths, err
		}
		path := filepath.Join(dir, fmt.Sprintf("%s_%s_%s.%s", r.ID, quantity, axis.Name, extension))
		if err := p.Save(8*vg.Inch, 5*vg.Inch, path); err != nil {
			return paths, errors.Wrapf(err, "diagnostics: failed to save plot %q", path)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func (a *AxisReport) plot(quantity string, numHeads int) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Mean %s per %s-delta", quantity, a.Name)
	p.X.Label.Text = a.Name + "-delta"
	p.Y.Label.Text = quantity
	p.Add(plotter.NewGrid())

	deltas := a.Deltas()
	var lines []any
	for head := range numHeads {
		means := a.Means(quantity, head)
		points := make(plotter.XYs, len(deltas))
		for ii, delta := range deltas {
			points[ii].X = float64(delta)
			points[ii].Y = means[ii]
		}
		lines = append(lines, fmt.Sprintf("head #%d", head), points)
	}
	if err := plotutil.AddLinePoints(p, lines...); err != nil {
		return nil, errors.Wrapf(err, "diagnostics: failed to plot axis %q", a.Name)
	}
	return p, nil
}
