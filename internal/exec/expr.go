package exec

import (
	"fmt"

	"github.com/latticedb/lattice/internal/sql"
	"github.com/latticedb/lattice/internal/storage/value"
)

// tri-state boolean logic, grounded on engine/exec.go's toTri/triAnd/
// triOr/triNot (tvFalse/tvTrue/tvUnknown), translated to operate on
// value.Value instead of `any` since this build's expression evaluator
// is typed throughout.
type tri uint8

const (
	triFalse tri = iota
	triTrue
	triUnknown
)

func toTri(v value.Value) tri {
	if v.IsNull() {
		return triUnknown
	}
	if v.Kind == value.Boolean {
		if v.B {
			return triTrue
		}
		return triFalse
	}
	return triUnknown
}

func triAnd(a, b tri) tri {
	if a == triFalse || b == triFalse {
		return triFalse
	}
	if a == triTrue && b == triTrue {
		return triTrue
	}
	return triUnknown
}

func triOr(a, b tri) tri {
	if a == triTrue || b == triTrue {
		return triTrue
	}
	if a == triFalse && b == triFalse {
		return triFalse
	}
	return triUnknown
}

func triToValue(t tri) value.Value {
	switch t {
	case triTrue:
		return value.NewBool(true)
	case triFalse:
		return value.NewBool(false)
	default:
		return value.NullValue
	}
}

// evalExpr evaluates e against row, grounded on engine/exec.go's evalExpr
// dispatch (Literal/VarRef/Unary/Binary/IsNull recursion). An AggExpr is
// not computed here: it is resolved as the column an Aggregate operator
// below produced for it (see the *sql.AggExpr case).
func evalExpr(row Row, e sql.Expr) (value.Value, error) {
	switch ex := e.(type) {
	case *sql.Literal:
		return ex.Val, nil
	case *sql.ColumnRef:
		return row.resolve(ex)
	case *sql.StarExpr:
		return value.NullValue, fmt.Errorf("exec: * is not a scalar expression")
	case *sql.UnaryExpr:
		return evalUnary(row, ex)
	case *sql.BinaryExpr:
		return evalBinary(row, ex)
	case *sql.IsNullExpr:
		v, err := evalExpr(row, ex.X)
		if err != nil {
			return value.NullValue, err
		}
		is := v.IsNull()
		if ex.Negate {
			is = !is
		}
		return value.NewBool(is), nil
	case *sql.AggExpr:
		// An AggExpr reaching evalExpr means this row came from (or sits
		// above) an Aggregate operator, which names its output columns by
		// aggDisplayName(agg); resolving by that name lets Projection/
		// Sort/HAVING reference an aggregate the same way they reference
		// any other column, with no separate "aggregate context" needed.
		return row.resolve(&sql.ColumnRef{Name: aggDisplayName(ex)})
	default:
		return value.NullValue, fmt.Errorf("exec: unknown expression %T", e)
	}
}

func evalUnary(row Row, ex *sql.UnaryExpr) (value.Value, error) {
	v, err := evalExpr(row, ex.X)
	if err != nil {
		return value.NullValue, err
	}
	switch ex.Op {
	case "-":
		if v.IsNull() {
			return value.NullValue, nil
		}
		f, ok := asFloat(v)
		if !ok {
			return value.NullValue, fmt.Errorf("exec: unary - expects a numeric operand")
		}
		return value.NewDouble(-f), nil
	case "NOT":
		return triToValue(triNotOf(v)), nil
	default:
		return value.NullValue, fmt.Errorf("exec: unknown unary operator %q", ex.Op)
	}
}

func triNotOf(v value.Value) tri {
	switch toTri(v) {
	case triTrue:
		return triFalse
	case triFalse:
		return triTrue
	default:
		return triUnknown
	}
}

func evalBinary(row Row, ex *sql.BinaryExpr) (value.Value, error) {
	switch ex.Op {
	case "AND", "OR":
		return evalLogical(row, ex)
	}
	lv, err := evalExpr(row, ex.L)
	if err != nil {
		return value.NullValue, err
	}
	rv, err := evalExpr(row, ex.R)
	if err != nil {
		return value.NullValue, err
	}
	switch ex.Op {
	case "+", "-", "*", "/":
		return evalArithmetic(ex.Op, lv, rv)
	case "=", "!=", "<>", "<", "<=", ">", ">=":
		return evalComparison(ex.Op, lv, rv)
	default:
		return value.NullValue, fmt.Errorf("exec: unknown binary operator %q", ex.Op)
	}
}

func evalLogical(row Row, ex *sql.BinaryExpr) (value.Value, error) {
	lv, err := evalExpr(row, ex.L)
	if err != nil {
		return value.NullValue, err
	}
	lt := toTri(lv)
	if ex.Op == "AND" && lt == triFalse {
		return value.NewBool(false), nil
	}
	if ex.Op == "OR" && lt == triTrue {
		return value.NewBool(true), nil
	}
	rv, err := evalExpr(row, ex.R)
	if err != nil {
		return value.NullValue, err
	}
	rt := toTri(rv)
	if ex.Op == "AND" {
		return triToValue(triAnd(lt, rt)), nil
	}
	return triToValue(triOr(lt, rt)), nil
}

// asFloat widens a numeric or timestamp Value to float64, mirroring
// engine/exec.go's numeric() helper but defined here over value.Value
// (that file's equivalent operates on `any`, so the switch cases differ
// even though the intent — int/bigint/double/timestamp all compare and
// arithmetic as floats — is identical).
func asFloat(v value.Value) (float64, bool) {
	switch v.Kind {
	case value.Integer:
		return float64(v.I32), true
	case value.BigInt:
		return float64(v.I64), true
	case value.Double:
		return v.F64, true
	case value.Timestamp:
		return float64(v.TS), true
	default:
		return 0, false
	}
}

func evalArithmetic(op string, lv, rv value.Value) (value.Value, error) {
	if op == "+" && (lv.Kind == value.Varchar || rv.Kind == value.Varchar) {
		if lv.IsNull() || rv.IsNull() {
			return value.NullValue, nil
		}
		return value.NewVarchar(lv.String() + rv.String()), nil
	}
	if lv.IsNull() || rv.IsNull() {
		return value.NullValue, nil
	}
	lf, lok := asFloat(lv)
	rf, rok := asFloat(rv)
	if !lok || !rok {
		return value.NullValue, fmt.Errorf("exec: %s expects numeric operands, got %s and %s", op, lv.Kind, rv.Kind)
	}
	switch op {
	case "+":
		return value.NewDouble(lf + rf), nil
	case "-":
		return value.NewDouble(lf - rf), nil
	case "*":
		return value.NewDouble(lf * rf), nil
	case "/":
		if rf == 0 {
			return value.NullValue, fmt.Errorf("exec: division by zero")
		}
		return value.NewDouble(lf / rf), nil
	default:
		return value.NullValue, fmt.Errorf("exec: unknown arithmetic operator %q", op)
	}
}

// evalComparison implements spec.md's "NULL compares as unknown" rule
// (spec.md's Value section): either side NULL makes the whole predicate
// NULL, which toTri then treats as excluding the row — distinct from
// value.Compare, which imposes a total order (NULL sorts first) for
// B+Tree keys and ORDER BY rather than three-valued predicate logic.
func evalComparison(op string, lv, rv value.Value) (value.Value, error) {
	if lv.IsNull() || rv.IsNull() {
		return value.NullValue, nil
	}
	cmp, err := value.Compare(lv, rv)
	if err != nil {
		return value.NullValue, err
	}
	switch op {
	case "=":
		return value.NewBool(cmp == 0), nil
	case "!=", "<>":
		return value.NewBool(cmp != 0), nil
	case "<":
		return value.NewBool(cmp < 0), nil
	case "<=":
		return value.NewBool(cmp <= 0), nil
	case ">":
		return value.NewBool(cmp > 0), nil
	case ">=":
		return value.NewBool(cmp >= 0), nil
	default:
		return value.NullValue, fmt.Errorf("exec: unknown comparison operator %q", op)
	}
}

// evalPredicate evaluates e as a WHERE/ON/HAVING predicate: only a
// three-valued-true result keeps the row, per spec.md's Value semantics
// ("a predicate yielding unknown excludes the row").
func evalPredicate(row Row, e sql.Expr) (bool, error) {
	if e == nil {
		return true, nil
	}
	v, err := evalExpr(row, e)
	if err != nil {
		return false, err
	}
	return toTri(v) == triTrue, nil
}
