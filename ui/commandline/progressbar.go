// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/graphfreeze/ml/freeze"
	"github.com/gomlx/graphfreeze/types/tensors"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// progressBar holds a progressbar being displayed while variables are frozen.
type progressBar struct {
	w     io.Writer
	bar   *progressbar.ProgressBar
	total int
	start time.Time

	// Accumulated stats of the variables frozen so far.
	count         int
	numParameters int
	memory        uintptr

	termenv    *termenv.Output
	statsStyle lipgloss.Style
	statsTable *lgtable.Table
}

// AttachProgressBar creates a commandline progress bar (written to os.Stderr) and attaches it to
// the freezing configuration, so that it advances as each variable is frozen. When the last
// variable is frozen, a table with the totals is printed.
//
// It returns the same config, so it can be chained:
//
//	frozen, err := commandline.AttachProgressBar(freeze.Build(sess).Outputs(outputs...)).Done()
func AttachProgressBar(config *freeze.Config) *freeze.Config {
	return attachProgressBar(config, os.Stderr)
}

func attachProgressBar(config *freeze.Config, w io.Writer) *freeze.Config {
	total := config.NumVariablesToFreeze()
	if total == 0 {
		return config
	}
	pBar := newProgressBar(w, total)
	return config.OnVariable(pBar.onVariable)
}

func newProgressBar(w io.Writer, total int) *progressBar {
	pBar := &progressBar{
		w:          w,
		total:      total,
		start:      time.Now(),
		termenv:    termenv.NewOutput(w),
		statsStyle: lipgloss.NewStyle().PaddingLeft(8),
	}
	pBar.bar = progressbar.NewOptions(total,
		progressbar.OptionSetDescription("Freezing"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("vars"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(w),
	)
	pBar.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	return pBar
}

func (pBar *progressBar) onVariable(name string, value *tensors.Tensor) {
	pBar.count++
	pBar.numParameters += value.Size()
	pBar.memory += value.Memory()
	pBar.bar.Describe(name)
	_ = pBar.bar.Add(1)
	if pBar.count == pBar.total {
		pBar.printStats()
	}
}

// printStats prints the totals once all variables are frozen.
func (pBar *progressBar) printStats() {
	pBar.statsTable.Data(lgtable.NewStringData())
	pBar.statsTable.Row("Variables frozen", humanize.Comma(int64(pBar.count)))
	pBar.statsTable.Row("Parameters", humanize.Comma(int64(pBar.numParameters)))
	pBar.statsTable.Row("Memory", humanize.Bytes(uint64(pBar.memory)))
	pBar.statsTable.Row("Duration", FormatDuration(time.Since(pBar.start)))

	pBar.termenv.HideCursor()
	_, _ = fmt.Fprintln(pBar.w)
	_, _ = fmt.Fprintln(pBar.w, pBar.statsStyle.Render(pBar.statsTable.String()))
	pBar.termenv.ShowCursor()
}
