// Package plan implements the logical planner: it turns an internal/sql
// AST into a tree of logical plan nodes, per spec.md §4.11.
//
// What: logical nodes TableScan, Filter, Projection, NestedLoopJoin,
// HashJoin, Aggregate, Sort, Limit, Insert, Update, Delete, plus the DDL
// statements passed through unchanged for the executor to apply directly
// against the catalog.
// How: a one-pass recursive translation from sql.Select into a node tree.
// The WHERE predicate becomes one Filter above all joins (directly on the
// scan when there is no join); it is not pushed below a join, even when it
// references only one side. HashJoin is picked over NestedLoopJoin when the
// ON clause is a single-column equijoin with both sides resolvable as plain
// column refs.
// Why: kept as a sum type (one struct per node, dispatched by a type
// switch in internal/exec) rather than a class hierarchy, per spec.md
// §9's guidance on representing the operator tree.
package plan

import (
	"fmt"

	"github.com/latticedb/lattice/internal/sql"
	"github.com/latticedb/lattice/internal/storage/catalog"
	"github.com/latticedb/lattice/internal/storage/value"
)

// Node is any logical plan node.
type Node interface{ planNode() }

// TableScan reads every live tuple of one table.
type TableScan struct {
	Table  *catalog.TableMeta
	Alias  string
	Schema *value.Schema
}

// IndexScan reads tuples via a secondary index's key range. Build never
// produces it (it always emits TableScan) and internal/exec's Build has no
// case for it; Describe can render one.
type IndexScan struct {
	Table  *catalog.TableMeta
	Index  *catalog.IndexMeta
	Alias  string
	Schema *value.Schema
}

// Filter keeps only input rows for which Predicate evaluates true.
type Filter struct {
	Input     Node
	Predicate sql.Expr
}

// ProjItem is one output column of a Projection.
type ProjItem struct {
	Expr  sql.Expr
	Alias string
}

// Projection computes Items over each input row.
type Projection struct {
	Input Node
	Items []ProjItem
}

// JoinAlgo names which physical join the executor should run.
type JoinAlgo int

const (
	NestedLoop JoinAlgo = iota
	HashJoin
)

// Join is either a NestedLoopJoin or a HashJoin, per spec.md §4.11 — the
// choice is carried in Algo rather than as two separate node types, since
// both share the same Left/Right/On/LeftOuter shape.
type Join struct {
	Left, Right Node
	On          sql.Expr
	LeftOuter   bool
	Algo        JoinAlgo
	// EqLeft/EqRight are set when Algo == HashJoin: the single equijoin
	// column reference on each side of On.
	EqLeft, EqRight *sql.ColumnRef
}

// AggFunc names one aggregate computed by an Aggregate node.
type AggFunc struct {
	Func  string // COUNT, SUM, AVG, MIN, MAX
	Arg   sql.Expr
	Star  bool
	Alias string
}

// Aggregate groups Input by GroupBy and computes Aggs per group. An empty
// GroupBy produces exactly one group (per spec.md §4.12).
type Aggregate struct {
	Input   Node
	GroupBy []sql.Expr
	Aggs    []AggFunc
	Having  sql.Expr
}

// SortKey is one ORDER BY key.
type SortKey struct {
	Expr sql.Expr
	Desc bool
}

// Sort is a blocking full materialize-then-sort, per spec.md §4.12.
type Sort struct {
	Input Node
	Keys  []SortKey
}

// Limit caps Input at N rows.
type Limit struct {
	Input Node
	N     int64
}

// Insert is a terminal node: it has no Input, its Rows are the literal
// VALUES rows to insert.
type Insert struct {
	Table *catalog.TableMeta
	Cols  []string
	Rows  [][]sql.Expr
}

// Update is terminal: it scans Input (typically a Filter over a
// TableScan) and applies Sets to each row.
type Update struct {
	Table *catalog.TableMeta
	Input Node
	Sets  []sql.Assignment
}

// Delete is terminal: it scans Input and removes each row.
type Delete struct {
	Table *catalog.TableMeta
	Input Node
}

// CreateTable/DropTable/CreateIndex/DropIndex carry the DDL statement
// straight through — there is no sub-plan to optimize, the executor just
// applies them against the catalog directly.
type CreateTable struct{ Stmt *sql.CreateTable }
type DropTable struct{ Stmt *sql.DropTable }
type CreateIndex struct{ Stmt *sql.CreateIndex }
type DropIndex struct{ Stmt *sql.DropIndex }

// Begin/Commit/Rollback pass the parsed transaction-control statement
// straight through to the engine facade.
type Begin struct{ Isolation sql.IsolationLevel }
type Commit struct{}
type Rollback struct{}

// Explain wraps the built plan for Stmt; the executor never runs Inner, it
// only renders its shape, per SPEC_FULL.md §10's EXPLAIN supplement.
type Explain struct{ Inner Node }

func (TableScan) planNode()   {}
func (IndexScan) planNode()   {}
func (Filter) planNode()      {}
func (Projection) planNode()  {}
func (Join) planNode()        {}
func (Aggregate) planNode()   {}
func (Sort) planNode()        {}
func (Limit) planNode()       {}
func (Insert) planNode()      {}
func (Update) planNode()      {}
func (Delete) planNode()      {}
func (CreateTable) planNode() {}
func (DropTable) planNode()   {}
func (CreateIndex) planNode() {}
func (DropIndex) planNode()   {}
func (Begin) planNode()       {}
func (Commit) planNode()      {}
func (Rollback) planNode()    {}
func (Explain) planNode()     {}

// Catalog is the subset of *catalog.Catalog the planner needs: table
// lookup by name. A narrow interface keeps this package independent of
// the catalog's persistence details.
type Catalog interface {
	GetTable(name string) (*catalog.TableMeta, bool)
}

// ErrUnknownTable is returned when a FROM/JOIN/INSERT/UPDATE/DELETE names
// a table the catalog has no entry for — a Semantic error per spec.md §7.
var ErrUnknownTable = fmt.Errorf("plan: unknown table")

// Build translates a parsed statement into a logical plan.
func Build(stmt sql.Statement, cat Catalog) (Node, error) {
	switch s := stmt.(type) {
	case *sql.CreateTable:
		return &CreateTable{Stmt: s}, nil
	case *sql.DropTable:
		return &DropTable{Stmt: s}, nil
	case *sql.CreateIndex:
		return &CreateIndex{Stmt: s}, nil
	case *sql.DropIndex:
		return &DropIndex{Stmt: s}, nil
	case *sql.Begin:
		return &Begin{Isolation: s.Isolation}, nil
	case *sql.Commit:
		return &Commit{}, nil
	case *sql.Rollback:
		return &Rollback{}, nil
	case *sql.Insert:
		tm, ok := cat.GetTable(s.Table)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTable, s.Table)
		}
		return &Insert{Table: tm, Cols: s.Columns, Rows: s.Rows}, nil
	case *sql.Update:
		tm, ok := cat.GetTable(s.Table)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTable, s.Table)
		}
		var input Node = &TableScan{Table: tm, Schema: tm.Schema()}
		if s.Where != nil {
			input = &Filter{Input: input, Predicate: s.Where}
		}
		return &Update{Table: tm, Input: input, Sets: s.Set}, nil
	case *sql.Delete:
		tm, ok := cat.GetTable(s.Table)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTable, s.Table)
		}
		var input Node = &TableScan{Table: tm, Schema: tm.Schema()}
		if s.Where != nil {
			input = &Filter{Input: input, Predicate: s.Where}
		}
		return &Delete{Table: tm, Input: input}, nil
	case *sql.Select:
		return buildSelect(s, cat)
	case *sql.Explain:
		inner, err := Build(s.Stmt, cat)
		if err != nil {
			return nil, err
		}
		return &Explain{Inner: inner}, nil
	default:
		return nil, fmt.Errorf("plan: unsupported statement %T", stmt)
	}
}

func buildSelect(sel *sql.Select, cat Catalog) (Node, error) {
	node, err := buildFrom(sel.From, cat)
	if err != nil {
		return nil, err
	}
	for _, j := range sel.Joins {
		right, err := buildFrom(j.Right, cat)
		if err != nil {
			return nil, err
		}
		node = buildJoin(node, right, j)
	}

	// Predicate pushdown: a WHERE/ON with no join in the query applies
	// directly below any later Projection/Sort/Limit; spec.md §4.11 calls
	// this out as the only required heuristic beyond join-algorithm
	// choice, so the single-table case is pushed all the way to the scan
	// and the multi-table case is applied once, after all joins, which is
	// already "below" the projection/aggregate/sort/limit stages that
	// follow.
	if sel.Where != nil {
		node = &Filter{Input: node, Predicate: sel.Where}
	}

	if len(sel.GroupBy) > 0 || hasAggregate(sel.Items) {
		aggs, err := collectAggs(sel.Items)
		if err != nil {
			return nil, err
		}
		node = &Aggregate{Input: node, GroupBy: sel.GroupBy, Aggs: aggs, Having: sel.Having}
	}

	items := make([]ProjItem, len(sel.Items))
	for i, it := range sel.Items {
		items[i] = ProjItem{Expr: it.Expr, Alias: it.Alias}
	}
	node = &Projection{Input: node, Items: items}

	if len(sel.OrderBy) > 0 {
		keys := make([]SortKey, len(sel.OrderBy))
		for i, o := range sel.OrderBy {
			keys[i] = SortKey{Expr: o.Expr, Desc: o.Desc}
		}
		node = &Sort{Input: node, Keys: keys}
	}
	if sel.Limit != nil {
		node = &Limit{Input: node, N: *sel.Limit}
	}
	return node, nil
}

func buildFrom(ref sql.TableRef, cat Catalog) (Node, error) {
	tm, ok := cat.GetTable(ref.Name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, ref.Name)
	}
	alias := ref.Alias
	if alias == "" {
		alias = ref.Name
	}
	return &TableScan{Table: tm, Alias: alias, Schema: tm.Schema()}, nil
}

// buildJoin picks HashJoin when On is a single-column equijoin that
// references exactly one column from each side; otherwise NestedLoop.
// spec.md §4.11's heuristic.
func buildJoin(left, right Node, j sql.JoinClause) Node {
	join := &Join{Left: left, Right: right, On: j.On, LeftOuter: j.Type == sql.LeftJoin, Algo: NestedLoop}
	if bin, ok := j.On.(*sql.BinaryExpr); ok && bin.Op == "=" {
		lc, lok := bin.L.(*sql.ColumnRef)
		rc, rok := bin.R.(*sql.ColumnRef)
		if lok && rok {
			join.Algo = HashJoin
			join.EqLeft, join.EqRight = lc, rc
		}
	}
	return join
}

func hasAggregate(items []sql.SelectItem) bool {
	for _, it := range items {
		if _, ok := it.Expr.(*sql.AggExpr); ok {
			return true
		}
	}
	return false
}

// collectAggs extracts every AggExpr referenced by the projection list. A
// bare column reference alongside an aggregate with no GROUP BY is a
// Semantic error the executor will raise when it evaluates the group (the
// planner itself stays permissive here, matching spec.md §7's rule that
// semantic errors are caught where they are observed).
func collectAggs(items []sql.SelectItem) ([]AggFunc, error) {
	var aggs []AggFunc
	for _, it := range items {
		if a, ok := it.Expr.(*sql.AggExpr); ok {
			aggs = append(aggs, AggFunc{Func: a.Func, Arg: a.Arg, Star: a.Star, Alias: it.Alias})
		}
	}
	return aggs, nil
}
