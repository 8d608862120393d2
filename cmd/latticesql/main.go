// Command latticesql is an interactive SQL REPL over internal/engine,
// grounded on the teacher's cmd/repl: read statements terminated by ';'
// from stdin, execute each against the engine via database/sql, and print
// results with text/tabwriter.
package main

import (
	"bufio"
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	_ "github.com/latticedb/lattice/internal/driver"
)

const (
	exitOK       = 0
	exitExecErr  = 1
	exitIOErr    = 2
	exitRecovery = 3
)

var (
	flagDSN  = flag.String("dsn", "", "DSN (file:path.lat?options, or mem:// for a scratch database)")
	flagEcho = flag.Bool("echo", false, "Echo each statement before executing it")
)

func main() {
	flag.Parse()

	dsn := *flagDSN
	if dsn == "" {
		dsn = "mem://"
	}

	db, err := sql.Open("lattice", dsn)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open error:", err)
		os.Exit(exitIOErr)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		fmt.Fprintln(os.Stderr, "open error:", err)
		if strings.Contains(err.Error(), "recover") {
			os.Exit(exitRecovery)
		}
		os.Exit(exitIOErr)
	}

	os.Exit(runREPL(db, *flagEcho))
}

func runREPL(db *sql.DB, echo bool) int {
	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 1024), 4*1024*1024)

	interactive := false
	if fi, err := os.Stdin.Stat(); err == nil {
		interactive = (fi.Mode() & os.ModeCharDevice) != 0
	}
	if interactive {
		fmt.Println("latticesql REPL. Terminate statements with ';'. '.quit' to exit.")
	}

	var buf strings.Builder
	code := exitOK

	for {
		if buf.Len() == 0 && interactive {
			fmt.Print("sql> ")
		} else if interactive {
			fmt.Print(" ... ")
		}

		if !sc.Scan() {
			return code
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}
		if buf.Len() == 0 && strings.HasPrefix(line, ".") {
			if line == ".quit" || line == ".exit" {
				return code
			}
			continue
		}

		buf.WriteString(line)
		buf.WriteString(" ")
		if !strings.HasSuffix(line, ";") {
			continue
		}

		stmt := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(buf.String()), ";"))
		buf.Reset()
		if stmt == "" {
			continue
		}
		if echo {
			fmt.Println(stmt)
		}
		if err := execOne(db, stmt); err != nil {
			fmt.Fprintln(os.Stderr, "ERR:", err)
			code = exitExecErr
		}
	}
}

func execOne(db *sql.DB, stmt string) error {
	upper := strings.ToUpper(strings.TrimSpace(stmt))
	if strings.HasPrefix(upper, "SELECT") || strings.HasPrefix(upper, "EXPLAIN") {
		return runQuery(db, stmt)
	}
	res, err := db.ExecContext(context.Background(), stmt)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		fmt.Printf("(%d row(s) affected)\n", n)
	}
	return nil
}

func runQuery(db *sql.DB, stmt string) error {
	rows, err := db.QueryContext(context.Background(), stmt)
	if err != nil {
		return err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(cols, "\t"))

	dest := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range dest {
		ptrs[i] = &dest[i]
	}

	n := 0
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		vals := make([]string, len(cols))
		for i, v := range dest {
			vals[i] = fmt.Sprint(v)
		}
		fmt.Fprintln(w, strings.Join(vals, "\t"))
		n++
	}
	w.Flush()
	fmt.Printf("(%d row(s))\n", n)
	return rows.Err()
}

