package sql

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/latticedb/lattice/internal/storage/value"
)

// Parser holds the lexer and current/peek tokens for recursive-descent
// parsing, grounded on internal/engine/parser.go's Parser shape.
type Parser struct {
	lx   *lexer
	cur  token
	peek token
}

// NewParser creates a parser for the given SQL text.
func NewParser(s string) *Parser {
	p := &Parser{lx: newLexer(s)}
	p.cur = p.lx.nextToken()
	p.peek = p.lx.nextToken()
	return p
}

// Parse parses exactly one statement, per spec.md §4.10's grammar. A
// trailing `;` is optional and consumed if present.
func Parse(s string) (Statement, error) {
	p := NewParser(s)
	stmt, err := p.ParseStatement()
	if err != nil {
		return nil, err
	}
	if p.cur.Typ == tSymbol && p.cur.Val == ";" {
		p.next()
	}
	if p.cur.Typ != tEOF {
		return nil, p.errf("unexpected trailing input %q", p.cur.Val)
	}
	return stmt, nil
}

func (p *Parser) next() { p.cur, p.peek = p.peek, p.lx.nextToken() }

func (p *Parser) errf(format string, a ...any) error {
	return fmt.Errorf("syntax error near %q: %s", p.cur.Val, fmt.Sprintf(format, a...))
}

func (p *Parser) expectSymbol(sym string) error {
	if p.cur.Typ == tSymbol && p.cur.Val == sym {
		p.next()
		return nil
	}
	return p.errf("expected %q", sym)
}

func (p *Parser) expectKeyword(kw string) error {
	if p.cur.Typ == tKeyword && p.cur.Val == kw {
		p.next()
		return nil
	}
	return p.errf("expected %q", kw)
}

func (p *Parser) isKeyword(kw string) bool {
	return p.cur.Typ == tKeyword && p.cur.Val == kw
}

func (p *Parser) isSymbol(sym string) bool {
	return p.cur.Typ == tSymbol && p.cur.Val == sym
}

// parseIdent accepts a bare or double-quoted identifier. Keywords that
// double as common column names are not accepted here — the closed
// grammar has no ambiguous cases that require it.
func (p *Parser) parseIdent() (string, error) {
	if p.cur.Typ != tIdent {
		return "", p.errf("expected identifier")
	}
	name := p.cur.Val
	p.next()
	return name, nil
}

// ── Statement dispatch ──────────────────────────────────────────────────

// ParseStatement parses a single statement from the current token position.
func (p *Parser) ParseStatement() (Statement, error) {
	switch {
	case p.isKeyword("EXPLAIN"):
		return p.parseExplain()
	case p.isKeyword("CREATE"):
		return p.parseCreate()
	case p.isKeyword("DROP"):
		return p.parseDrop()
	case p.isKeyword("INSERT"):
		return p.parseInsert()
	case p.isKeyword("UPDATE"):
		return p.parseUpdate()
	case p.isKeyword("DELETE"):
		return p.parseDelete()
	case p.isKeyword("SELECT"):
		return p.parseSelect()
	case p.isKeyword("BEGIN"):
		return p.parseBegin()
	case p.isKeyword("COMMIT"):
		p.next()
		return &Commit{}, nil
	case p.isKeyword("ROLLBACK"):
		p.next()
		return &Rollback{}, nil
	default:
		return nil, p.errf("expected a statement")
	}
}

// parseExplain parses `EXPLAIN <stmt>`, wrapping whatever statement
// follows. A nested EXPLAIN is rejected rather than silently ignored.
func (p *Parser) parseExplain() (Statement, error) {
	p.next()
	inner, err := p.ParseStatement()
	if err != nil {
		return nil, err
	}
	if _, ok := inner.(*Explain); ok {
		return nil, p.errf("EXPLAIN cannot be nested")
	}
	return &Explain{Stmt: inner}, nil
}

func (p *Parser) parseBegin() (Statement, error) {
	p.next()
	if p.isKeyword("TRANSACTION") {
		p.next()
	}
	iso := DefaultIsolation
	if p.isKeyword("READ") {
		p.next()
		if err := p.expectKeyword("COMMITTED"); err != nil {
			return nil, err
		}
		iso = ReadCommitted
	} else if p.isKeyword("REPEATABLE") {
		p.next()
		if err := p.expectKeyword("READ"); err != nil {
			return nil, err
		}
		iso = RepeatableRead
	}
	return &Begin{Isolation: iso}, nil
}

// ── DDL ──────────────────────────────────────────────────────────────────

func (p *Parser) parseCreate() (Statement, error) {
	p.next()
	if p.isKeyword("TABLE") {
		p.next()
		return p.parseCreateTable()
	}
	unique := false
	if p.isKeyword("UNIQUE") {
		unique = true
		p.next()
	}
	if err := p.expectKeyword("INDEX"); err != nil {
		return nil, err
	}
	return p.parseCreateIndex(unique)
}

func (p *Parser) parseCreateTable() (Statement, error) {
	name, err := p.parseIdent()
	if err != nil {
		return nil, err
	}
	if err := p.expectSymbol("("); err != nil {
		return nil, err
	}
	var cols []ColumnDef
	for {
		col, err := p.parseColumnDef()
		if err != nil {
			return nil, err
		}
		cols = append(cols, col)
		if p.isSymbol(",") {
			p.next()
			continue
		}
		break
	}
	if err := p.expectSymbol(")"); err != nil {
		return nil, err
	}
	return &CreateTable{Name: name, Columns: cols}, nil
}

func (p *Parser) parseColumnDef() (ColumnDef, error) {
	name, err := p.parseIdent()
	if err != nil {
		return ColumnDef{}, err
	}
	kind, declLen, err := p.parseTypeName()
	if err != nil {
		return ColumnDef{}, err
	}
	col := ColumnDef{Name: name, Type: kind, DeclLen: declLen, Nullable: true}
	for {
		switch {
		case p.isKeyword("PRIMARY"):
			p.next()
			if err := p.expectKeyword("KEY"); err != nil {
				return ColumnDef{}, err
			}
			col.PK = true
			col.Nullable = false
		case p.isKeyword("UNIQUE"):
			p.next()
			col.Unique = true
		case p.isKeyword("NOT"):
			p.next()
			if err := p.expectKeyword("NULL"); err != nil {
				return ColumnDef{}, err
			}
			col.Nullable = false
		case p.isKeyword("NULL"):
			p.next()
			col.Nullable = true
		default:
			return col, nil
		}
	}
}

// parseTypeName parses one of the closed set of type keywords, with an
// optional `(n)` declared length for VARCHAR.
func (p *Parser) parseTypeName() (value.Kind, uint32, error) {
	if p.cur.Typ != tKeyword {
		return 0, 0, p.errf("expected a type name")
	}
	var kind value.Kind
	switch p.cur.Val {
	case "INTEGER":
		kind = value.Integer
	case "BIGINT":
		kind = value.BigInt
	case "DOUBLE":
		kind = value.Double
	case "VARCHAR":
		kind = value.Varchar
	case "BOOLEAN":
		kind = value.Boolean
	case "TIMESTAMP":
		kind = value.Timestamp
	default:
		return 0, 0, p.errf("unknown type %q", p.cur.Val)
	}
	p.next()
	var declLen uint32
	if p.isSymbol("(") {
		p.next()
		if p.cur.Typ != tNumber {
			return 0, 0, p.errf("expected a length")
		}
		n, err := strconv.ParseUint(p.cur.Val, 10, 32)
		if err != nil {
			return 0, 0, p.errf("invalid length %q", p.cur.Val)
		}
		declLen = uint32(n)
		p.next()
		if err := p.expectSymbol(")"); err != nil {
			return 0, 0, err
		}
	}
	return kind, declLen, nil
}

func (p *Parser) parseDrop() (Statement, error) {
	p.next()
	if p.isKeyword("TABLE") {
		p.next()
		name, err := p.parseIdent()
		if err != nil {
			return nil, err
		}
		return &DropTable{Name: name}, nil
	}
	if err := p.expectKeyword("INDEX"); err != nil {
		return nil, err
	}
	name, err := p.parseIdent()
	if err != nil {
		return nil, err
	}
	return &DropIndex{Name: name}, nil
}

func (p *Parser) parseCreateIndex(unique bool) (Statement, error) {
	name, err := p.parseIdent()
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("ON"); err != nil {
		return nil, err
	}
	table, err := p.parseIdent()
	if err != nil {
		return nil, err
	}
	if err := p.expectSymbol("("); err != nil {
		return nil, err
	}
	var cols []string
	for {
		c, err := p.parseIdent()
		if err != nil {
			return nil, err
		}
		cols = append(cols, c)
		if p.isSymbol(",") {
			p.next()
			continue
		}
		break
	}
	if err := p.expectSymbol(")"); err != nil {
		return nil, err
	}
	return &CreateIndex{Name: name, Table: table, Columns: cols, Unique: unique}, nil
}

// ── DML ──────────────────────────────────────────────────────────────────

func (p *Parser) parseInsert() (Statement, error) {
	p.next()
	if err := p.expectKeyword("INTO"); err != nil {
		return nil, err
	}
	table, err := p.parseIdent()
	if err != nil {
		return nil, err
	}
	var cols []string
	if p.isSymbol("(") {
		p.next()
		for {
			c, err := p.parseIdent()
			if err != nil {
				return nil, err
			}
			cols = append(cols, c)
			if p.isSymbol(",") {
				p.next()
				continue
			}
			break
		}
		if err := p.expectSymbol(")"); err != nil {
			return nil, err
		}
	}
	if err := p.expectKeyword("VALUES"); err != nil {
		return nil, err
	}
	var rows [][]Expr
	for {
		row, err := p.parseValuesRow()
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
		if p.isSymbol(",") {
			p.next()
			continue
		}
		break
	}
	return &Insert{Table: table, Columns: cols, Rows: rows}, nil
}

func (p *Parser) parseValuesRow() ([]Expr, error) {
	if err := p.expectSymbol("("); err != nil {
		return nil, err
	}
	var row []Expr
	for {
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		row = append(row, e)
		if p.isSymbol(",") {
			p.next()
			continue
		}
		break
	}
	if err := p.expectSymbol(")"); err != nil {
		return nil, err
	}
	return row, nil
}

func (p *Parser) parseUpdate() (Statement, error) {
	p.next()
	table, err := p.parseIdent()
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("SET"); err != nil {
		return nil, err
	}
	var sets []Assignment
	for {
		col, err := p.parseIdent()
		if err != nil {
			return nil, err
		}
		if err := p.expectSymbol("="); err != nil {
			return nil, err
		}
		val, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		sets = append(sets, Assignment{Column: col, Value: val})
		if p.isSymbol(",") {
			p.next()
			continue
		}
		break
	}
	var where Expr
	if p.isKeyword("WHERE") {
		p.next()
		where, err = p.parseExpr()
		if err != nil {
			return nil, err
		}
	}
	return &Update{Table: table, Set: sets, Where: where}, nil
}

func (p *Parser) parseDelete() (Statement, error) {
	p.next()
	if err := p.expectKeyword("FROM"); err != nil {
		return nil, err
	}
	table, err := p.parseIdent()
	if err != nil {
		return nil, err
	}
	var where Expr
	if p.isKeyword("WHERE") {
		p.next()
		where, err = p.parseExpr()
		if err != nil {
			return nil, err
		}
	}
	return &Delete{Table: table, Where: where}, nil
}

// ── SELECT ───────────────────────────────────────────────────────────────

func (p *Parser) parseSelect() (*Select, error) {
	p.next()
	sel := &Select{}
	if p.isKeyword("DISTINCT") {
		sel.Distinct = true
		p.next()
	}
	items, err := p.parseSelectItems()
	if err != nil {
		return nil, err
	}
	sel.Items = items

	if err := p.expectKeyword("FROM"); err != nil {
		return nil, err
	}
	from, err := p.parseTableRef()
	if err != nil {
		return nil, err
	}
	sel.From = from

	for p.isKeyword("JOIN") || p.isKeyword("LEFT") || p.isKeyword("INNER") {
		jt := InnerJoin
		if p.isKeyword("LEFT") {
			jt = LeftJoin
			p.next()
			if p.isKeyword("OUTER") {
				p.next()
			}
		} else if p.isKeyword("INNER") {
			p.next()
		}
		if err := p.expectKeyword("JOIN"); err != nil {
			return nil, err
		}
		right, err := p.parseTableRef()
		if err != nil {
			return nil, err
		}
		if err := p.expectKeyword("ON"); err != nil {
			return nil, err
		}
		on, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		sel.Joins = append(sel.Joins, JoinClause{Type: jt, Right: right, On: on})
	}

	if p.isKeyword("WHERE") {
		p.next()
		w, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		sel.Where = w
	}
	if p.isKeyword("GROUP") {
		p.next()
		if err := p.expectKeyword("BY"); err != nil {
			return nil, err
		}
		for {
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			sel.GroupBy = append(sel.GroupBy, e)
			if p.isSymbol(",") {
				p.next()
				continue
			}
			break
		}
	}
	if p.isKeyword("HAVING") {
		p.next()
		h, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		sel.Having = h
	}
	if p.isKeyword("ORDER") {
		p.next()
		if err := p.expectKeyword("BY"); err != nil {
			return nil, err
		}
		for {
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			desc := false
			if p.isKeyword("DESC") {
				desc = true
				p.next()
			} else if p.isKeyword("ASC") {
				p.next()
			}
			sel.OrderBy = append(sel.OrderBy, OrderItem{Expr: e, Desc: desc})
			if p.isSymbol(",") {
				p.next()
				continue
			}
			break
		}
	}
	if p.isKeyword("LIMIT") {
		p.next()
		if p.cur.Typ != tNumber {
			return nil, p.errf("expected a number after LIMIT")
		}
		n, err := strconv.ParseInt(p.cur.Val, 10, 64)
		if err != nil {
			return nil, p.errf("invalid LIMIT %q", p.cur.Val)
		}
		sel.Limit = &n
		p.next()
	}
	if p.isKeyword("FOR") {
		p.next()
		if err := p.expectKeyword("SYSTEM_TIME"); err != nil {
			return nil, err
		}
		if err := p.expectKeyword("AS"); err != nil {
			return nil, err
		}
		if err := p.expectKeyword("OF"); err != nil {
			return nil, err
		}
		if err := p.expectKeyword("TX"); err != nil {
			return nil, err
		}
		if p.cur.Typ != tNumber {
			return nil, p.errf("expected a transaction id after TX")
		}
		n, err := strconv.ParseUint(p.cur.Val, 10, 64)
		if err != nil {
			return nil, p.errf("invalid transaction id %q", p.cur.Val)
		}
		sel.AsOf = &AsOfTx{TxID: n}
		p.next()
	}
	return sel, nil
}

func (p *Parser) parseSelectItems() ([]SelectItem, error) {
	var items []SelectItem
	for {
		if p.isSymbol("*") {
			p.next()
			items = append(items, SelectItem{Expr: &StarExpr{}})
		} else {
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			alias := ""
			if p.isKeyword("AS") {
				p.next()
				a, err := p.parseIdent()
				if err != nil {
					return nil, err
				}
				alias = a
			}
			items = append(items, SelectItem{Expr: e, Alias: alias})
		}
		if p.isSymbol(",") {
			p.next()
			continue
		}
		break
	}
	return items, nil
}

func (p *Parser) parseTableRef() (TableRef, error) {
	name, err := p.parseIdent()
	if err != nil {
		return TableRef{}, err
	}
	alias := ""
	if p.isKeyword("AS") {
		p.next()
		a, err := p.parseIdent()
		if err != nil {
			return TableRef{}, err
		}
		alias = a
	} else if p.cur.Typ == tIdent {
		alias = p.cur.Val
		p.next()
	}
	return TableRef{Name: name, Alias: alias}, nil
}

// ── Expressions ──────────────────────────────────────────────────────────
//
// Precedence, low to high: OR, AND, NOT, comparison, additive,
// multiplicative, unary. Grounded on internal/engine/parser.go's
// expression-precedence ladder.

func (p *Parser) parseExpr() (Expr, error) { return p.parseOr() }

func (p *Parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("OR") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: "OR", L: left, R: right}
	}
	return left, nil
}

func (p *Parser) parseAnd() (Expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("AND") {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: "AND", L: left, R: right}
	}
	return left, nil
}

func (p *Parser) parseNot() (Expr, error) {
	if p.isKeyword("NOT") {
		p.next()
		x, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{Op: "NOT", X: x}, nil
	}
	return p.parseComparison()
}

func (p *Parser) parseComparison() (Expr, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	if p.isKeyword("IS") {
		p.next()
		negate := false
		if p.isKeyword("NOT") {
			negate = true
			p.next()
		}
		if err := p.expectKeyword("NULL"); err != nil {
			return nil, err
		}
		return &IsNullExpr{X: left, Negate: negate}, nil
	}
	if p.cur.Typ == tSymbol {
		switch p.cur.Val {
		case "=", "!=", "<>", "<", "<=", ">", ">=":
			op := p.cur.Val
			p.next()
			right, err := p.parseAdditive()
			if err != nil {
				return nil, err
			}
			return &BinaryExpr{Op: op, L: left, R: right}, nil
		}
	}
	return left, nil
}

func (p *Parser) parseAdditive() (Expr, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for p.cur.Typ == tSymbol && (p.cur.Val == "+" || p.cur.Val == "-") {
		op := p.cur.Val
		p.next()
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: op, L: left, R: right}
	}
	return left, nil
}

func (p *Parser) parseMultiplicative() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.cur.Typ == tSymbol && (p.cur.Val == "*" || p.cur.Val == "/") {
		op := p.cur.Val
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: op, L: left, R: right}
	}
	return left, nil
}

func (p *Parser) parseUnary() (Expr, error) {
	if p.cur.Typ == tSymbol && p.cur.Val == "-" {
		p.next()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{Op: "-", X: x}, nil
	}
	return p.parsePrimary()
}

func (p *Parser) parsePrimary() (Expr, error) {
	switch {
	case p.isSymbol("("):
		p.next()
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expectSymbol(")"); err != nil {
			return nil, err
		}
		return e, nil
	case p.cur.Typ == tNumber:
		return p.parseNumberLiteral()
	case p.cur.Typ == tString:
		v := value.NewVarchar(p.cur.Val)
		p.next()
		return &Literal{Val: v}, nil
	case p.isKeyword("TRUE"):
		p.next()
		return &Literal{Val: value.NewBool(true)}, nil
	case p.isKeyword("FALSE"):
		p.next()
		return &Literal{Val: value.NewBool(false)}, nil
	case p.isKeyword("NULL"):
		p.next()
		return &Literal{Val: value.NullValue}, nil
	case p.isAggFunc():
		return p.parseAggCall()
	case p.cur.Typ == tIdent:
		return p.parseColumnRef()
	default:
		return nil, p.errf("expected an expression")
	}
}

func (p *Parser) parseNumberLiteral() (Expr, error) {
	s := p.cur.Val
	p.next()
	if strings.Contains(s, ".") {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, p.errf("invalid number %q", s)
		}
		return &Literal{Val: value.NewDouble(f)}, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, p.errf("invalid number %q", s)
	}
	if n >= -(1<<31) && n < (1<<31) {
		return &Literal{Val: value.NewInt(int32(n))}, nil
	}
	return &Literal{Val: value.NewBigInt(n)}, nil
}

func (p *Parser) isAggFunc() bool {
	if p.cur.Typ != tKeyword {
		return false
	}
	switch p.cur.Val {
	case "COUNT", "SUM", "AVG", "MIN", "MAX":
		return true
	default:
		return false
	}
}

func (p *Parser) parseAggCall() (Expr, error) {
	fn := p.cur.Val
	p.next()
	if err := p.expectSymbol("("); err != nil {
		return nil, err
	}
	if fn == "COUNT" && p.isSymbol("*") {
		p.next()
		if err := p.expectSymbol(")"); err != nil {
			return nil, err
		}
		return &AggExpr{Func: fn, Star: true}, nil
	}
	arg, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if err := p.expectSymbol(")"); err != nil {
		return nil, err
	}
	return &AggExpr{Func: fn, Arg: arg}, nil
}

func (p *Parser) parseColumnRef() (Expr, error) {
	first, err := p.parseIdent()
	if err != nil {
		return nil, err
	}
	if p.isSymbol(".") {
		p.next()
		second, err := p.parseIdent()
		if err != nil {
			return nil, err
		}
		return &ColumnRef{Table: first, Name: second}, nil
	}
	return &ColumnRef{Name: first}, nil
}
