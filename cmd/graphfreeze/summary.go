// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/graphfreeze/graph"
	"github.com/gomlx/graphfreeze/ml/session"
	"github.com/janpfeifer/must"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(alignments ...lipgloss.Position) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if row < 0 {
				s = headerRowStyle
				return
			}
			switch {
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			} else if len(alignments) > 0 {
				alignment = alignments[len(alignments)-1]
			}
			s = s.Align(alignment)
			return
		})
}

// summary prints the sizes of the frozen graph and the ops it uses.
func summary(opts options, sess *session.Session, frozen *graph.Graph, numFrozen int, path string) {
	original := must.M1(sess.Graph())

	// Parameters embedded as constants.
	var numParameters int
	var totalMemory uintptr
	for _, name := range sess.VariableNames() {
		node := frozen.Node(name)
		if node == nil || node.Op != "Const" {
			continue
		}
		if value := node.Attr("value"); value != nil && value.Tensor != nil {
			numParameters += value.Tensor.Size()
			totalMemory += value.Tensor.Memory()
		}
	}

	fmt.Println(titleStyle.Render("Summary"))
	table := newPlainTable(lipgloss.Right, lipgloss.Left)
	table.Row("model", opts.modelDir)
	table.Row("frozen graph", path)
	table.Row("# nodes", fmt.Sprintf("%s (of %s)",
		humanize.Comma(int64(frozen.NumNodes())), humanize.Comma(int64(original.NumNodes()))))
	table.Row("# variables frozen", humanize.Comma(int64(numFrozen)))
	table.Row("# variables kept", humanize.Comma(int64(sess.NumVariables()-numFrozen)))
	table.Row("# parameters", humanize.Comma(int64(numParameters)))
	table.Row("# bytes", humanize.Bytes(uint64(totalMemory)))
	fmt.Println(table.Render())

	fmt.Println(titleStyle.Render("Ops"))
	table = newPlainTable(lipgloss.Left, lipgloss.Right)
	table.Headers("Op", "# Nodes")
	for _, op := range sortedOps(frozen.OpCounts()) {
		table.Row(op.name, humanize.Comma(int64(op.count)))
	}
	fmt.Println(table.Render())
}

type opCount struct {
	name  string
	count int
}

// sortedOps returns the op counts sorted by decreasing count, then by name.
func sortedOps(counts map[string]int) []opCount {
	ops := make([]opCount, 0, len(counts))
	for name, count := range counts {
		ops = append(ops, opCount{name, count})
	}
	slices.SortFunc(ops, func(a, b opCount) int {
		if c := cmp.Compare(b.count, a.count); c != 0 {
			return c
		}
		return cmp.Compare(a.name, b.name)
	})
	return ops
}
