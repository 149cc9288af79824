package sql

import (
	"strings"
	"testing"

	"minidb/pkg/types"
)

// --- Lexer tests ---

func TestLexerKeywords(t *testing.T) {
	input := "SELECT INSERT UPDATE DELETE FROM WHERE INTO VALUES SET AND OR NOT NULL BEGIN COMMIT ROLLBACK CREATE TABLE INT TEXT BOOL TRUE FALSE"
	tokens := Tokenize(input)

	expected := []TokenType{
		TokenSelect, TokenInsert, TokenUpdate, TokenDelete,
		TokenFrom, TokenWhere, TokenInto, TokenValues,
		TokenSet, TokenAnd, TokenOr, TokenNot, TokenNull,
		TokenBegin, TokenCommit, TokenRollback,
		TokenCreate, TokenTable, TokenInt, TokenText, TokenBool,
		TokenTrue, TokenFalse, TokenEOF,
	}

	if len(tokens) != len(expected) {
		t.Fatalf("token count = %d, want %d", len(tokens), len(expected))
	}
	for i, tok := range tokens {
		if tok.Type != expected[i] {
			t.Errorf("token[%d].Type = %s, want %s", i, tok.Type, expected[i])
		}
	}
}

func TestLexerCaseInsensitive(t *testing.T) {
	tokens := Tokenize("select FROM where")
	if tokens[0].Type != TokenSelect {
		t.Errorf("'select' should be TokenSelect, got %s", tokens[0].Type)
	}
	if tokens[1].Type != TokenFrom {
		t.Errorf("'FROM' should be TokenFrom, got %s", tokens[1].Type)
	}
	if tokens[2].Type != TokenWhere {
		t.Errorf("'where' should be TokenWhere, got %s", tokens[2].Type)
	}
}

func TestLexerIdentifiers(t *testing.T) {
	tokens := Tokenize("my_table column1")
	if tokens[0].Type != TokenIdent || tokens[0].Literal != "my_table" {
		t.Errorf("token[0] = %v, want Ident 'my_table'", tokens[0])
	}
	if tokens[1].Type != TokenIdent || tokens[1].Literal != "column1" {
		t.Errorf("token[1] = %v, want Ident 'column1'", tokens[1])
	}
}

func TestLexerNumbers(t *testing.T) {
	tokens := Tokenize("42 -7 0")
	if tokens[0].Type != TokenNumber || tokens[0].Literal != "42" {
		t.Errorf("token[0] = %v, want Number '42'", tokens[0])
	}
	if tokens[1].Type != TokenNumber || tokens[1].Literal != "-7" {
		t.Errorf("token[1] = %v, want Number '-7'", tokens[1])
	}
	if tokens[2].Type != TokenNumber || tokens[2].Literal != "0" {
		t.Errorf("token[2] = %v, want Number '0'", tokens[2])
	}
}

func TestLexerStrings(t *testing.T) {
	tokens := Tokenize("'hello' 'world'")
	if tokens[0].Type != TokenString || tokens[0].Literal != "hello" {
		t.Errorf("token[0] = %v, want String 'hello'", tokens[0])
	}
	if tokens[1].Type != TokenString || tokens[1].Literal != "world" {
		t.Errorf("token[1] = %v, want String 'world'", tokens[1])
	}
}

func TestLexerOperators(t *testing.T) {
	tests := []struct {
		input string
		want  TokenType
	}{
		{"=", TokenEq},
		{"!=", TokenNe},
		{"<>", TokenNe},
		{"<", TokenLt},
		{"<=", TokenLe},
		{">", TokenGt},
		{">=", TokenGe},
	}
	for _, tt := range tests {
		tokens := Tokenize(tt.input)
		if tokens[0].Type != tt.want {
			t.Errorf("Tokenize(%q)[0].Type = %s, want %s", tt.input, tokens[0].Type, tt.want)
		}
	}
}

func TestLexerPunctuation(t *testing.T) {
	tokens := Tokenize(", ( ) * ;")
	expected := []TokenType{TokenComma, TokenLParen, TokenRParen, TokenStar, TokenSemicolon, TokenEOF}
	for i, tok := range tokens {
		if tok.Type != expected[i] {
			t.Errorf("token[%d].Type = %s, want %s", i, tok.Type, expected[i])
		}
	}
}

func TestLexerBangError(t *testing.T) {
	tokens := Tokenize("!")
	if tokens[0].Type != TokenError {
		t.Errorf("'!' should be TokenError, got %s", tokens[0].Type)
	}
}

// --- Parser tests ---

func TestParseSelectStar(t *testing.T) {
	p := NewParser("SELECT * FROM users")
	stmt, err := p.Parse()
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	sel, ok := stmt.(*SelectStmt)
	if !ok {
		t.Fatalf("expected *SelectStmt, got %T", stmt)
	}
	if len(sel.Columns) != 1 || sel.Columns[0] != "*" {
		t.Errorf("Columns = %v, want [*]", sel.Columns)
	}
	if sel.TableName != "users" {
		t.Errorf("TableName = %q, want %q", sel.TableName, "users")
	}
	if sel.Where != nil {
		t.Error("Where should be nil")
	}
}

func TestParseSelectColumns(t *testing.T) {
	p := NewParser("SELECT id, name FROM users")
	stmt, _ := p.Parse()

	sel := stmt.(*SelectStmt)
	if len(sel.Columns) != 2 {
		t.Errorf("Columns = %v, want 2 columns", sel.Columns)
	}
	if sel.Columns[0] != "id" || sel.Columns[1] != "name" {
		t.Errorf("Columns = %v, want [id, name]", sel.Columns)
	}
}

func TestParseSelectWhere(t *testing.T) {
	p := NewParser("SELECT * FROM users WHERE id = 1")
	stmt, err := p.Parse()
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	sel := stmt.(*SelectStmt)
	if sel.Where == nil {
		t.Fatal("Where should not be nil")
	}

	bin, ok := sel.Where.(*BinaryExpr)
	if !ok {
		t.Fatalf("Where should be *BinaryExpr, got %T", sel.Where)
	}
	if bin.Op != TokenEq {
		t.Errorf("Op = %s, want =", bin.Op)
	}
}

func TestParseSelectWhereAnd(t *testing.T) {
	p := NewParser("SELECT * FROM users WHERE id = 1 AND name = 'alice'")
	stmt, err := p.Parse()
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	sel := stmt.(*SelectStmt)
	bin, ok := sel.Where.(*BinaryExpr)
	if !ok {
		t.Fatalf("Where should be *BinaryExpr, got %T", sel.Where)
	}
	if bin.Op != TokenAnd {
		t.Errorf("Op = %s, want AND", bin.Op)
	}
}

func TestParseSelectWhereOr(t *testing.T) {
	p := NewParser("SELECT * FROM users WHERE id = 1 OR id = 2")
	stmt, err := p.Parse()
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	sel := stmt.(*SelectStmt)
	bin, ok := sel.Where.(*BinaryExpr)
	if !ok {
		t.Fatalf("Where should be *BinaryExpr, got %T", sel.Where)
	}
	if bin.Op != TokenOr {
		t.Errorf("Op = %s, want OR", bin.Op)
	}
}

func TestParseInsertWithColumns(t *testing.T) {
	p := NewParser("INSERT INTO users (id, name) VALUES (1, 'alice')")
	stmt, err := p.Parse()
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	ins, ok := stmt.(*InsertStmt)
	if !ok {
		t.Fatalf("expected *InsertStmt, got %T", stmt)
	}
	if ins.TableName != "users" {
		t.Errorf("TableName = %q, want %q", ins.TableName, "users")
	}
	if len(ins.Columns) != 2 {
		t.Errorf("Columns count = %d, want 2", len(ins.Columns))
	}
	if len(ins.Values) != 2 {
		t.Errorf("Values count = %d, want 2", len(ins.Values))
	}
}

func TestParseInsertWithoutColumns(t *testing.T) {
	p := NewParser("INSERT INTO users VALUES (1, 'alice')")
	stmt, err := p.Parse()
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	ins := stmt.(*InsertStmt)
	if len(ins.Columns) != 0 {
		t.Errorf("Columns = %v, want empty", ins.Columns)
	}
	if len(ins.Values) != 2 {
		t.Errorf("Values count = %d, want 2", len(ins.Values))
	}
}

func TestParseUpdate(t *testing.T) {
	p := NewParser("UPDATE users SET name = 'bob' WHERE id = 1")
	stmt, err := p.Parse()
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	upd, ok := stmt.(*UpdateStmt)
	if !ok {
		t.Fatalf("expected *UpdateStmt, got %T", stmt)
	}
	if upd.TableName != "users" {
		t.Errorf("TableName = %q, want %q", upd.TableName, "users")
	}
	if len(upd.Set) != 1 {
		t.Errorf("Set count = %d, want 1", len(upd.Set))
	}
	if _, ok := upd.Set["name"]; !ok {
		t.Error("Set should contain 'name'")
	}
	if upd.Where == nil {
		t.Error("Where should not be nil")
	}
}

func TestParseDelete(t *testing.T) {
	p := NewParser("DELETE FROM users WHERE id = 1")
	stmt, err := p.Parse()
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	del, ok := stmt.(*DeleteStmt)
	if !ok {
		t.Fatalf("expected *DeleteStmt, got %T", stmt)
	}
	if del.TableName != "users" {
		t.Errorf("TableName = %q, want %q", del.TableName, "users")
	}
	if del.Where == nil {
		t.Error("Where should not be nil")
	}
}

func TestParseDeleteWithoutWhere(t *testing.T) {
	p := NewParser("DELETE FROM users")
	stmt, err := p.Parse()
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	del := stmt.(*DeleteStmt)
	if del.Where != nil {
		t.Error("Where should be nil")
	}
}

func TestParseBeginCommitRollback(t *testing.T) {
	tests := []struct {
		sql  string
		want interface{}
	}{
		{"BEGIN", &BeginStmt{}},
		{"COMMIT", &CommitStmt{}},
		{"ROLLBACK", &RollbackStmt{}},
	}

	for _, tt := range tests {
		p := NewParser(tt.sql)
		stmt, err := p.Parse()
		if err != nil {
			t.Fatalf("Parse(%q) error = %v", tt.sql, err)
		}
		switch tt.want.(type) {
		case *BeginStmt:
			if _, ok := stmt.(*BeginStmt); !ok {
				t.Errorf("Parse(%q) = %T, want *BeginStmt", tt.sql, stmt)
			}
		case *CommitStmt:
			if _, ok := stmt.(*CommitStmt); !ok {
				t.Errorf("Parse(%q) = %T, want *CommitStmt", tt.sql, stmt)
			}
		case *RollbackStmt:
			if _, ok := stmt.(*RollbackStmt); !ok {
				t.Errorf("Parse(%q) = %T, want *RollbackStmt", tt.sql, stmt)
			}
		}
	}
}

func TestParseCreateTable(t *testing.T) {
	p := NewParser("CREATE TABLE users (id INT NOT NULL, name TEXT, active BOOL)")
	stmt, err := p.Parse()
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	ct, ok := stmt.(*CreateTableStmt)
	if !ok {
		t.Fatalf("expected *CreateTableStmt, got %T", stmt)
	}
	if ct.TableName != "users" {
		t.Errorf("TableName = %q, want %q", ct.TableName, "users")
	}
	if len(ct.Columns) != 3 {
		t.Fatalf("Columns count = %d, want 3", len(ct.Columns))
	}

	// Column 0: id INT NOT NULL
	if ct.Columns[0].Name != "id" || ct.Columns[0].Type != types.ValueTypeInt || ct.Columns[0].Nullable {
		t.Errorf("Column[0] = %+v", ct.Columns[0])
	}
	// Column 1: name TEXT (nullable by default)
	if ct.Columns[1].Name != "name" || ct.Columns[1].Type != types.ValueTypeString || !ct.Columns[1].Nullable {
		t.Errorf("Column[1] = %+v", ct.Columns[1])
	}
	// Column 2: active BOOL
	if ct.Columns[2].Name != "active" || ct.Columns[2].Type != types.ValueTypeBool {
		t.Errorf("Column[2] = %+v", ct.Columns[2])
	}
}

func TestParseComparisonOperators(t *testing.T) {
	ops := []struct {
		sql string
		op  TokenType
	}{
		{"SELECT * FROM t WHERE x = 1", TokenEq},
		{"SELECT * FROM t WHERE x != 1", TokenNe},
		{"SELECT * FROM t WHERE x < 1", TokenLt},
		{"SELECT * FROM t WHERE x <= 1", TokenLe},
		{"SELECT * FROM t WHERE x > 1", TokenGt},
		{"SELECT * FROM t WHERE x >= 1", TokenGe},
	}

	for _, tt := range ops {
		p := NewParser(tt.sql)
		stmt, err := p.Parse()
		if err != nil {
			t.Fatalf("Parse(%q) error = %v", tt.sql, err)
		}
		sel := stmt.(*SelectStmt)
		bin := sel.Where.(*BinaryExpr)
		if bin.Op != tt.op {
			t.Errorf("Parse(%q) Op = %s, want %s", tt.sql, bin.Op, tt.op)
		}
	}
}

func TestParseInvalidSQL(t *testing.T) {
	tests := []string{
		"INVALID STATEMENT",
		"",
	}

	for _, sql := range tests {
		p := NewParser(sql)
		_, err := p.Parse()
		if err == nil {
			t.Errorf("Parse(%q) should error", sql)
		}
	}
}

func TestParseInsertValueTypes(t *testing.T) {
	p := NewParser("INSERT INTO t VALUES (42, 'hello', TRUE, FALSE, NULL)")
	stmt, err := p.Parse()
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	ins := stmt.(*InsertStmt)
	if len(ins.Values) != 5 {
		t.Fatalf("Values count = %d, want 5", len(ins.Values))
	}

	// Check integer
	lit0 := ins.Values[0].(*LiteralExpr)
	if lit0.Value.Type != types.ValueTypeInt || lit0.Value.IntVal != 42 {
		t.Errorf("Values[0] = %v, want Int 42", lit0.Value)
	}

	// Check string
	lit1 := ins.Values[1].(*LiteralExpr)
	if lit1.Value.Type != types.ValueTypeString || lit1.Value.StrVal != "hello" {
		t.Errorf("Values[1] = %v, want String 'hello'", lit1.Value)
	}

	// Check true
	lit2 := ins.Values[2].(*LiteralExpr)
	if lit2.Value.Type != types.ValueTypeBool || !lit2.Value.BoolVal {
		t.Errorf("Values[2] = %v, want Bool true", lit2.Value)
	}

	// Check false
	lit3 := ins.Values[3].(*LiteralExpr)
	if lit3.Value.Type != types.ValueTypeBool || lit3.Value.BoolVal {
		t.Errorf("Values[3] = %v, want Bool false", lit3.Value)
	}

	// Check null
	lit4 := ins.Values[4].(*LiteralExpr)
	if !lit4.Value.IsNull {
		t.Errorf("Values[4] = %v, want NULL", lit4.Value)
	}
}

func TestParseUpdateMultipleSet(t *testing.T) {
	p := NewParser("UPDATE users SET name = 'bob', age = 30")
	stmt, err := p.Parse()
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	upd := stmt.(*UpdateStmt)
	if len(upd.Set) != 2 {
		t.Errorf("Set count = %d, want 2", len(upd.Set))
	}
}

func TestTokenTypeString(t *testing.T) {
	s := TokenSelect.String()
	if s != "SELECT" {
		t.Errorf("TokenSelect.String() = %q, want %q", s, "SELECT")
	}

	s = TokenType(999).String()
	if s == "" {
		t.Error("unknown TokenType.String() should not be empty")
	}
}

func TestTokenString(t *testing.T) {
	tok := Token{Type: TokenSelect, Literal: "SELECT"}
	s := tok.String()
	if s == "" {
		t.Error("Token.String() should not be empty")
	}
}

func TestParserErrors(t *testing.T) {
	p := NewParser("SELECT")
	_, err := p.Parse()
	if err == nil {
		t.Fatal("incomplete SELECT should error")
	}
}

func TestParseCreateTableFloatAndDate(t *testing.T) {
	p := NewParser("CREATE TABLE orders (id INT, total FLOAT, placed_on DATE)")
	stmt, err := p.Parse()
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	ct := stmt.(*CreateTableStmt)
	if len(ct.Columns) != 3 {
		t.Fatalf("Columns count = %d, want 3", len(ct.Columns))
	}
	if ct.Columns[1].Name != "total" || ct.Columns[1].Type != types.ValueTypeFloat {
		t.Errorf("Column[1] = %+v", ct.Columns[1])
	}
	if ct.Columns[2].Name != "placed_on" || ct.Columns[2].Type != types.ValueTypeDate {
		t.Errorf("Column[2] = %+v", ct.Columns[2])
	}
}

func TestParseFloatLiteral(t *testing.T) {
	p := NewParser("INSERT INTO t VALUES (3.14)")
	stmt, err := p.Parse()
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	ins := stmt.(*InsertStmt)
	lit := ins.Values[0].(*LiteralExpr)
	if lit.Value.Type != types.ValueTypeFloat || lit.Value.FloatVal != 3.14 {
		t.Errorf("Values[0] = %v, want Float 3.14", lit.Value)
	}
}

func TestParseSelectOrderBy(t *testing.T) {
	p := NewParser("SELECT * FROM users ORDER BY id")
	stmt, err := p.Parse()
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	sel := stmt.(*SelectStmt)
	if sel.OrderBy != "id" {
		t.Errorf("OrderBy = %q, want id", sel.OrderBy)
	}
	if sel.Desc {
		t.Error("Desc should default to false")
	}
}

func TestParseSelectOrderByDesc(t *testing.T) {
	p := NewParser("SELECT * FROM users ORDER BY id DESC")
	stmt, err := p.Parse()
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	sel := stmt.(*SelectStmt)
	if sel.OrderBy != "id" || !sel.Desc {
		t.Errorf("OrderBy/Desc = %q/%v, want id/true", sel.OrderBy, sel.Desc)
	}
}

func TestParseSelectLimit(t *testing.T) {
	p := NewParser("SELECT * FROM users LIMIT 5")
	stmt, err := p.Parse()
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	sel := stmt.(*SelectStmt)
	if sel.Limit == nil || *sel.Limit != 5 {
		t.Errorf("Limit = %v, want 5", sel.Limit)
	}
}

func TestParseSelectOrderByLimit(t *testing.T) {
	p := NewParser("SELECT * FROM users ORDER BY id DESC LIMIT 3")
	stmt, err := p.Parse()
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	sel := stmt.(*SelectStmt)
	if sel.OrderBy != "id" || !sel.Desc || sel.Limit == nil || *sel.Limit != 3 {
		t.Errorf("unexpected select: OrderBy=%q Desc=%v Limit=%v", sel.OrderBy, sel.Desc, sel.Limit)
	}
}

func TestParseExplainSelect(t *testing.T) {
	p := NewParser("EXPLAIN SELECT * FROM users WHERE id = 1")
	stmt, err := p.Parse()
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	ex, ok := stmt.(*ExplainStmt)
	if !ok {
		t.Fatalf("expected *ExplainStmt, got %T", stmt)
	}
	if _, ok := ex.Inner.(*SelectStmt); !ok {
		t.Errorf("Inner = %T, want *SelectStmt", ex.Inner)
	}
}

func TestExecutorOrderByAndLimit(t *testing.T) {
	dir := t.TempDir()
	e := newExecutorTestEngine(t, dir)

	e.Execute("CREATE TABLE nums (n INT)")
	for _, v := range []int{3, 1, 2} {
		e.Execute("INSERT INTO nums VALUES (" + itoaHelper(v) + ")")
	}

	result := e.Execute("SELECT * FROM nums ORDER BY n LIMIT 2")
	if result.Error != nil {
		t.Fatalf("Execute() error = %v", result.Error)
	}
	if len(result.Rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(result.Rows))
	}
	if result.Rows[0].Values[0].IntVal != 1 || result.Rows[1].Values[0].IntVal != 2 {
		t.Errorf("unexpected order: %v", result.Rows)
	}
}

func TestExecutorExplainUsesIndexRangeScan(t *testing.T) {
	dir := t.TempDir()
	e := newExecutorTestEngine(t, dir)

	e.Execute("CREATE TABLE nums (n INT)")
	e.Execute("INSERT INTO nums VALUES (1)")
	if result := e.Execute("CREATE INDEX ON nums(n)"); result.Error != nil {
		t.Fatalf("CREATE INDEX error = %v", result.Error)
	}

	result := e.Execute("EXPLAIN SELECT * FROM nums WHERE n = 1")
	if result.Error != nil {
		t.Fatalf("EXPLAIN error = %v", result.Error)
	}
	if result.Plan == "" {
		t.Fatal("Plan should be populated")
	}
}

func TestExecutorExplainDoesNotTouchLocks(t *testing.T) {
	dir := t.TempDir()
	e := newExecutorTestEngine(t, dir)

	e.Execute("CREATE TABLE nums (n INT)")
	e.Execute("BEGIN")
	result := e.Execute("EXPLAIN SELECT * FROM nums WHERE n = 1")
	if result.Error != nil {
		t.Fatalf("EXPLAIN error = %v", result.Error)
	}
	if result.Plan == "" {
		t.Error("Plan should be populated")
	}
	e.Execute("ROLLBACK")
}

func TestExecutorDateColumnAcceptsStringLiteral(t *testing.T) {
	dir := t.TempDir()
	e := newExecutorTestEngine(t, dir)

	e.Execute("CREATE TABLE events (id INT, happened_on DATE)")
	result := e.Execute("INSERT INTO events VALUES (1, '2024-03-01')")
	if result.Error != nil {
		t.Fatalf("INSERT error = %v", result.Error)
	}

	sel := e.Execute("SELECT * FROM events")
	if sel.Error != nil {
		t.Fatalf("SELECT error = %v", sel.Error)
	}
	if len(sel.Rows) != 1 || sel.Rows[0].Values[1].Type != types.ValueTypeDate {
		t.Fatalf("unexpected row: %v", sel.Rows)
	}
}

func TestParseDropTable(t *testing.T) {
	p := NewParser("DROP TABLE orders")
	stmt, err := p.Parse()
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	dt, ok := stmt.(*DropTableStmt)
	if !ok {
		t.Fatalf("expected *DropTableStmt, got %T", stmt)
	}
	if dt.TableName != "orders" {
		t.Errorf("TableName = %q, want orders", dt.TableName)
	}
}

func TestParseCreateIndex(t *testing.T) {
	p := NewParser("CREATE INDEX ON orders(id)")
	stmt, err := p.Parse()
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	ci, ok := stmt.(*CreateIndexStmt)
	if !ok {
		t.Fatalf("expected *CreateIndexStmt, got %T", stmt)
	}
	if ci.TableName != "orders" || ci.ColumnName != "id" {
		t.Errorf("TableName/ColumnName = %q/%q, want orders/id", ci.TableName, ci.ColumnName)
	}
}

func TestParseDropIndex(t *testing.T) {
	p := NewParser("DROP INDEX ON orders")
	stmt, err := p.Parse()
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	di, ok := stmt.(*DropIndexStmt)
	if !ok {
		t.Fatalf("expected *DropIndexStmt, got %T", stmt)
	}
	if di.TableName != "orders" {
		t.Errorf("TableName = %q, want orders", di.TableName)
	}
}

func TestExecutorCreateTableIsTransactional(t *testing.T) {
	dir := t.TempDir()
	e := newExecutorTestEngine(t, dir)

	result := e.Execute("CREATE TABLE widgets (id INT)")
	if result.Error != nil {
		t.Fatalf("CREATE TABLE error = %v", result.Error)
	}
	if e.HasTransaction() {
		t.Error("auto-committed CREATE TABLE should leave no open transaction")
	}

	sel := e.Execute("SELECT * FROM widgets")
	if sel.Error != nil {
		t.Fatalf("SELECT after CREATE TABLE error = %v", sel.Error)
	}
}

func TestExecutorCreateTableRollsBackOnDuplicateName(t *testing.T) {
	dir := t.TempDir()
	e := newExecutorTestEngine(t, dir)

	e.Execute("CREATE TABLE widgets (id INT)")
	result := e.Execute("CREATE TABLE widgets (id INT)")
	if result.Error == nil {
		t.Fatal("expected error creating a duplicate table")
	}
	if e.HasTransaction() {
		t.Error("failed CREATE TABLE should not leave an open transaction")
	}
}

func TestExecutorDropTable(t *testing.T) {
	dir := t.TempDir()
	e := newExecutorTestEngine(t, dir)

	e.Execute("CREATE TABLE widgets (id INT)")
	e.Execute("INSERT INTO widgets VALUES (1)")

	result := e.Execute("DROP TABLE widgets")
	if result.Error != nil {
		t.Fatalf("DROP TABLE error = %v", result.Error)
	}

	sel := e.Execute("SELECT * FROM widgets")
	if sel.Error == nil {
		t.Fatal("expected error selecting from a dropped table")
	}
}

func TestExecutorDropNonExistentTable(t *testing.T) {
	dir := t.TempDir()
	e := newExecutorTestEngine(t, dir)

	result := e.Execute("DROP TABLE ghosts")
	if result.Error == nil {
		t.Fatal("expected error dropping a table that does not exist")
	}
}

func TestExecutorCreateIndexThenDropIndex(t *testing.T) {
	dir := t.TempDir()
	e := newExecutorTestEngine(t, dir)

	e.Execute("CREATE TABLE nums (n INT)")
	e.Execute("INSERT INTO nums VALUES (1)")

	if result := e.Execute("CREATE INDEX ON nums(n)"); result.Error != nil {
		t.Fatalf("CREATE INDEX error = %v", result.Error)
	}

	explain := e.Execute("EXPLAIN SELECT * FROM nums WHERE n = 1")
	if explain.Plan == "" || !strings.Contains(explain.Plan, "Index Range Scan") {
		t.Fatalf("Plan = %q, want an index range scan after CREATE INDEX", explain.Plan)
	}

	if result := e.Execute("DROP INDEX ON nums"); result.Error != nil {
		t.Fatalf("DROP INDEX error = %v", result.Error)
	}

	explain = e.Execute("EXPLAIN SELECT * FROM nums WHERE n = 1")
	if !strings.Contains(explain.Plan, "Seq Scan") {
		t.Fatalf("Plan = %q, want a seq scan after DROP INDEX", explain.Plan)
	}
}

func TestExecutorDropIndexWithoutIndex(t *testing.T) {
	dir := t.TempDir()
	e := newExecutorTestEngine(t, dir)

	e.Execute("CREATE TABLE nums (n INT)")
	result := e.Execute("DROP INDEX ON nums")
	if result.Error == nil {
		t.Fatal("expected error dropping an index that was never created")
	}
}

func itoaHelper(n int) string {
	if n == 0 {
		return "0"
	}
	s := ""
	for n > 0 {
		s = string(rune('0'+n%10)) + s
		n /= 10
	}
	return s
}
