package exec

import (
	"testing"

	"github.com/latticedb/lattice/internal/sql"
	"github.com/latticedb/lattice/internal/storage/value"
)

func TestToTri(t *testing.T) {
	if toTri(value.NewBool(true)) != triTrue {
		t.Fatal("expected triTrue")
	}
	if toTri(value.NewBool(false)) != triFalse {
		t.Fatal("expected triFalse")
	}
	if toTri(value.NullValue) != triUnknown {
		t.Fatal("expected triUnknown for NULL")
	}
}

func TestTriAndOr(t *testing.T) {
	if triAnd(triTrue, triFalse) != triFalse {
		t.Fatal("AND with a FALSE operand must be FALSE")
	}
	if triAnd(triTrue, triUnknown) != triUnknown {
		t.Fatal("AND(TRUE, UNKNOWN) must be UNKNOWN")
	}
	if triOr(triFalse, triUnknown) != triUnknown {
		t.Fatal("OR(FALSE, UNKNOWN) must be UNKNOWN")
	}
	if triOr(triTrue, triUnknown) != triTrue {
		t.Fatal("OR with a TRUE operand must be TRUE regardless of the other")
	}
}

func row1(cols []ColumnInfo, vals ...value.Value) Row {
	return Row{Values: vals, Cols: cols}
}

func TestEvalComparison_NullIsUnknown(t *testing.T) {
	v, err := evalComparison("=", value.NullValue, value.NewInt(1))
	if err != nil {
		t.Fatal(err)
	}
	if !v.IsNull() {
		t.Fatalf("expected NULL (unknown) result, got %v", v)
	}
}

func TestEvalComparison_Numeric(t *testing.T) {
	v, err := evalComparison("<", value.NewInt(1), value.NewDouble(2.5))
	if err != nil {
		t.Fatal(err)
	}
	if !v.B {
		t.Fatal("expected 1 < 2.5 to be true")
	}
}

func TestEvalArithmetic_StringConcat(t *testing.T) {
	v, err := evalArithmetic("+", value.NewVarchar("foo"), value.NewVarchar("bar"))
	if err != nil {
		t.Fatal(err)
	}
	if v.S != "foobar" {
		t.Fatalf("expected concatenation, got %q", v.S)
	}
}

func TestEvalArithmetic_DivisionByZero(t *testing.T) {
	_, err := evalArithmetic("/", value.NewInt(1), value.NewInt(0))
	if err == nil {
		t.Fatal("expected division by zero error")
	}
}

func TestEvalExpr_ColumnRefResolution(t *testing.T) {
	cols := []ColumnInfo{{Table: "u", Name: "id"}, {Table: "u", Name: "name"}}
	r := row1(cols, value.NewInt(7), value.NewVarchar("bob"))

	v, err := evalExpr(r, &sql.ColumnRef{Table: "u", Name: "NAME"})
	if err != nil {
		t.Fatal(err)
	}
	if v.S != "bob" {
		t.Fatalf("expected case-insensitive column resolution, got %v", v)
	}

	if _, err := evalExpr(r, &sql.ColumnRef{Table: "other", Name: "id"}); err == nil {
		t.Fatal("expected an error for a mismatched table qualifier")
	}
}

func TestEvalPredicate_UnknownExcludesRow(t *testing.T) {
	cols := []ColumnInfo{{Name: "n"}}
	r := row1(cols, value.NullValue)
	keep, err := evalPredicate(r, &sql.BinaryExpr{Op: "=", L: &sql.ColumnRef{Name: "n"}, R: &sql.Literal{Val: value.NewInt(1)}})
	if err != nil {
		t.Fatal(err)
	}
	if keep {
		t.Fatal("a NULL comparison must not satisfy a predicate")
	}
}

func TestEvalLogical_ShortCircuit(t *testing.T) {
	cols := []ColumnInfo{{Name: "n"}}
	r := row1(cols, value.NewInt(1))
	// FALSE AND <anything referencing an unknown column> must short-circuit
	// to FALSE without evaluating the right side (which would error).
	expr := &sql.BinaryExpr{
		Op: "AND",
		L:  &sql.Literal{Val: value.NewBool(false)},
		R:  &sql.ColumnRef{Name: "does_not_exist"},
	}
	v, err := evalExpr(r, expr)
	if err != nil {
		t.Fatalf("expected short-circuit to avoid the error, got %v", err)
	}
	if v.B {
		t.Fatal("expected FALSE")
	}
}
