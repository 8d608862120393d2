package plan

import (
	"fmt"
	"strings"
)

// Describe renders node as an indented tree of one line per operator,
// grounded on the teacher's optimizations.go heuristics (join algorithm
// choice, predicate placement) now made introspectable via EXPLAIN rather
// than only applied silently during Build.
func Describe(node Node) []string {
	var lines []string
	describe(node, 0, &lines)
	return lines
}

func describe(node Node, depth int, lines *[]string) {
	indent := strings.Repeat("  ", depth)
	switch n := node.(type) {
	case *TableScan:
		label := n.Table.Name
		if n.Alias != "" && n.Alias != n.Table.Name {
			label = fmt.Sprintf("%s AS %s", label, n.Alias)
		}
		*lines = append(*lines, fmt.Sprintf("%sTableScan %s", indent, label))
	case *IndexScan:
		*lines = append(*lines, fmt.Sprintf("%sIndexScan %s USING %s", indent, n.Table.Name, n.Index.Name))
	case *Filter:
		*lines = append(*lines, fmt.Sprintf("%sFilter", indent))
		describe(n.Input, depth+1, lines)
	case *Projection:
		*lines = append(*lines, fmt.Sprintf("%sProjection (%d cols)", indent, len(n.Items)))
		describe(n.Input, depth+1, lines)
	case *Join:
		algo := "NestedLoopJoin"
		if n.Algo == HashJoin {
			algo = "HashJoin"
		}
		if n.LeftOuter {
			algo = "Left" + algo
		}
		*lines = append(*lines, fmt.Sprintf("%s%s", indent, algo))
		describe(n.Left, depth+1, lines)
		describe(n.Right, depth+1, lines)
	case *Aggregate:
		*lines = append(*lines, fmt.Sprintf("%sAggregate (%d fn, %d group key(s))", indent, len(n.Aggs), len(n.GroupBy)))
		describe(n.Input, depth+1, lines)
	case *Sort:
		*lines = append(*lines, fmt.Sprintf("%sSort (%d key(s))", indent, len(n.Keys)))
		describe(n.Input, depth+1, lines)
	case *Limit:
		*lines = append(*lines, fmt.Sprintf("%sLimit %d", indent, n.N))
		describe(n.Input, depth+1, lines)
	case *Insert:
		*lines = append(*lines, fmt.Sprintf("%sInsert %s (%d row(s))", indent, n.Table.Name, len(n.Rows)))
	case *Update:
		*lines = append(*lines, fmt.Sprintf("%sUpdate %s", indent, n.Table.Name))
		describe(n.Input, depth+1, lines)
	case *Delete:
		*lines = append(*lines, fmt.Sprintf("%sDelete %s", indent, n.Table.Name))
		describe(n.Input, depth+1, lines)
	case *CreateTable:
		*lines = append(*lines, fmt.Sprintf("%sCreateTable %s", indent, n.Stmt.Name))
	case *DropTable:
		*lines = append(*lines, fmt.Sprintf("%sDropTable %s", indent, n.Stmt.Name))
	case *CreateIndex:
		*lines = append(*lines, fmt.Sprintf("%sCreateIndex %s ON %s", indent, n.Stmt.Name, n.Stmt.Table))
	case *DropIndex:
		*lines = append(*lines, fmt.Sprintf("%sDropIndex %s", indent, n.Stmt.Name))
	case *Begin:
		*lines = append(*lines, fmt.Sprintf("%sBegin", indent))
	case *Commit:
		*lines = append(*lines, fmt.Sprintf("%sCommit", indent))
	case *Rollback:
		*lines = append(*lines, fmt.Sprintf("%sRollback", indent))
	case *Explain:
		*lines = append(*lines, fmt.Sprintf("%sExplain", indent))
		describe(n.Inner, depth+1, lines)
	default:
		*lines = append(*lines, fmt.Sprintf("%s%T", indent, node))
	}
}
