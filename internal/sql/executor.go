package sql

import (
	"fmt"
	"sort"
	"time"

	"minidb/internal/catalog"
	"minidb/internal/index"
	"minidb/internal/lock"
	"minidb/internal/storage"
	"minidb/internal/txn"
	"minidb/internal/wal"
	"minidb/pkg/types"
)

// TableStore is the storage surface the executor needs: resolving a
// table's catalog entry, its heap, and its optional index. Engine
// implements this, owning the lifecycle of the underlying files.
type TableStore interface {
	CreateTable(name string, columns []types.Column) (catalog.TableInfo, error)
	DropTable(name string) error
	Lookup(name string) (catalog.TableInfo, bool)
	Heap(name string) (*storage.TableHeap, error)
	Index(name string) (*index.BTree, bool)
	CreateIndex(tableName, columnName string) error
	DropIndex(tableName string) error
}

// Executor executes parsed SQL statements against a TableStore under
// strict two-phase locking: a statement acquires its table lock before
// touching storage and never releases it directly, leaving that to the
// owning transaction's commit or abort.
type Executor struct {
	txnManager  *txn.Manager
	walWriter   *wal.Writer
	lockManager *lock.Manager
	store       TableStore

	lockTimeout time.Duration

	// currentTxn is set between BEGIN and COMMIT/ROLLBACK in REPL mode;
	// nil means every statement runs in its own auto-committed transaction.
	currentTxn *txn.Transaction
}

// Result represents the result of a query.
type Result struct {
	Columns []string
	Rows    []types.Row
	Message string
	Error   error
	Plan    string // set only for EXPLAIN
}

// NewExecutor creates a SQL executor over store, coordinating commits
// through txnManager and locks through lockManager.
func NewExecutor(txnManager *txn.Manager, walWriter *wal.Writer, store TableStore, lockManager *lock.Manager) *Executor {
	return &Executor{
		txnManager:  txnManager,
		walWriter:   walWriter,
		lockManager: lockManager,
		store:       store,
		lockTimeout: 5 * time.Second,
	}
}

// SetLockTimeout overrides the wait bound used for every lock acquired
// by a statement.
func (e *Executor) SetLockTimeout(d time.Duration) {
	e.lockTimeout = d
}

// Execute parses and runs a single SQL statement.
func (e *Executor) Execute(sqlStr string) *Result {
	parser := NewParser(sqlStr)
	stmt, err := parser.Parse()
	if err != nil {
		return &Result{Error: err}
	}

	switch s := stmt.(type) {
	case *BeginStmt:
		return e.executeBegin()
	case *CommitStmt:
		return e.executeCommit()
	case *RollbackStmt:
		return e.executeRollback()
	case *CreateTableStmt:
		return e.executeCreateTable(s)
	case *DropTableStmt:
		return e.executeDropTable(s)
	case *CreateIndexStmt:
		return e.executeCreateIndex(s)
	case *DropIndexStmt:
		return e.executeDropIndex(s)
	case *InsertStmt:
		return e.executeInsert(s)
	case *SelectStmt:
		return e.executeSelect(s)
	case *UpdateStmt:
		return e.executeUpdate(s)
	case *DeleteStmt:
		return e.executeDelete(s)
	case *ExplainStmt:
		return e.executeExplain(s)
	default:
		return &Result{Error: fmt.Errorf("unknown statement type")}
	}
}

func (e *Executor) executeBegin() *Result {
	if e.currentTxn != nil {
		return &Result{Error: fmt.Errorf("transaction already in progress")}
	}
	e.currentTxn = e.txnManager.Begin()
	return &Result{Message: fmt.Sprintf("BEGIN (txn %d)", e.currentTxn.ID)}
}

func (e *Executor) executeCommit() *Result {
	if e.currentTxn == nil {
		return &Result{Error: fmt.Errorf("no transaction in progress")}
	}
	txnID := e.currentTxn.ID
	if err := e.txnManager.Commit(e.currentTxn); err != nil {
		return &Result{Error: err}
	}
	e.currentTxn = nil
	return &Result{Message: fmt.Sprintf("COMMIT (txn %d)", txnID)}
}

func (e *Executor) executeRollback() *Result {
	if e.currentTxn == nil {
		return &Result{Error: fmt.Errorf("no transaction in progress")}
	}
	txnID := e.currentTxn.ID
	if err := e.txnManager.Rollback(e.currentTxn); err != nil {
		return &Result{Error: err}
	}
	e.currentTxn = nil
	return &Result{Message: fmt.Sprintf("ROLLBACK (txn %d)", txnID)}
}

// getTransaction returns the in-progress REPL transaction, or begins
// and returns a fresh one that the caller must commit or roll back
// itself once its single statement is done.
func (e *Executor) getTransaction() (*txn.Transaction, bool) {
	if e.currentTxn != nil {
		return e.currentTxn, false
	}
	return e.txnManager.Begin(), true
}

func (e *Executor) finish(txn *txn.Transaction, autoCommit bool) {
	if !autoCommit {
		return
	}
	e.txnManager.Commit(txn)
}

func (e *Executor) abort(txn *txn.Transaction, autoCommit bool) {
	if autoCommit {
		e.txnManager.Rollback(txn)
	}
}

func lockError(res lock.Result, resource string) error {
	switch res {
	case lock.Timeout:
		return fmt.Errorf("lock timeout waiting for %s", resource)
	case lock.Deadlock:
		return fmt.Errorf("deadlock detected acquiring %s", resource)
	case lock.Aborted:
		return fmt.Errorf("lock wait aborted for %s", resource)
	default:
		return fmt.Errorf("could not acquire lock on %s", resource)
	}
}

// executeCreateTable runs CREATE TABLE as an implicit single-statement
// transaction: it acquires the new table's lock and commits or rolls
// back exactly like a DML statement, even though nothing is WAL-logged
// at the row level.
func (e *Executor) executeCreateTable(stmt *CreateTableStmt) *Result {
	columns := make([]types.Column, len(stmt.Columns))
	for i, col := range stmt.Columns {
		columns[i] = types.Column{Name: col.Name, Type: col.Type, Nullable: col.Nullable}
	}

	txnHandle, autoCommit := e.getTransaction()
	resource := lock.TableResource(stmt.TableName)
	if res := e.lockManager.AcquireTimeout(txnHandle.ID, resource, lock.Exclusive, e.lockTimeout); res != lock.Granted {
		e.abort(txnHandle, autoCommit)
		return &Result{Error: lockError(res, stmt.TableName)}
	}

	info, err := e.store.CreateTable(stmt.TableName, columns)
	if err != nil {
		e.abort(txnHandle, autoCommit)
		return &Result{Error: err}
	}

	e.finish(txnHandle, autoCommit)
	return &Result{Message: fmt.Sprintf("CREATE TABLE %s (id=%d)", stmt.TableName, info.TableID)}
}

// executeDropTable drops a table through the same implicit
// single-statement transaction as CREATE TABLE.
func (e *Executor) executeDropTable(stmt *DropTableStmt) *Result {
	if _, ok := e.store.Lookup(stmt.TableName); !ok {
		return &Result{Error: fmt.Errorf("table %s does not exist", stmt.TableName)}
	}

	txnHandle, autoCommit := e.getTransaction()
	resource := lock.TableResource(stmt.TableName)
	if res := e.lockManager.AcquireTimeout(txnHandle.ID, resource, lock.Exclusive, e.lockTimeout); res != lock.Granted {
		e.abort(txnHandle, autoCommit)
		return &Result{Error: lockError(res, stmt.TableName)}
	}

	if err := e.store.DropTable(stmt.TableName); err != nil {
		e.abort(txnHandle, autoCommit)
		return &Result{Error: err}
	}

	e.finish(txnHandle, autoCommit)
	return &Result{Message: fmt.Sprintf("DROP TABLE %s", stmt.TableName)}
}

// executeCreateIndex builds a B+Tree index for a table's column under
// the table's exclusive lock, just as CREATE TABLE does.
func (e *Executor) executeCreateIndex(stmt *CreateIndexStmt) *Result {
	if _, ok := e.store.Lookup(stmt.TableName); !ok {
		return &Result{Error: fmt.Errorf("table %s does not exist", stmt.TableName)}
	}

	txnHandle, autoCommit := e.getTransaction()
	resource := lock.TableResource(stmt.TableName)
	if res := e.lockManager.AcquireTimeout(txnHandle.ID, resource, lock.Exclusive, e.lockTimeout); res != lock.Granted {
		e.abort(txnHandle, autoCommit)
		return &Result{Error: lockError(res, stmt.TableName)}
	}

	if err := e.store.CreateIndex(stmt.TableName, stmt.ColumnName); err != nil {
		e.abort(txnHandle, autoCommit)
		return &Result{Error: err}
	}

	e.finish(txnHandle, autoCommit)
	return &Result{Message: fmt.Sprintf("CREATE INDEX ON %s(%s)", stmt.TableName, stmt.ColumnName)}
}

// executeDropIndex removes a table's index under the table's exclusive
// lock.
func (e *Executor) executeDropIndex(stmt *DropIndexStmt) *Result {
	if _, ok := e.store.Lookup(stmt.TableName); !ok {
		return &Result{Error: fmt.Errorf("table %s does not exist", stmt.TableName)}
	}

	txnHandle, autoCommit := e.getTransaction()
	resource := lock.TableResource(stmt.TableName)
	if res := e.lockManager.AcquireTimeout(txnHandle.ID, resource, lock.Exclusive, e.lockTimeout); res != lock.Granted {
		e.abort(txnHandle, autoCommit)
		return &Result{Error: lockError(res, stmt.TableName)}
	}

	if err := e.store.DropIndex(stmt.TableName); err != nil {
		e.abort(txnHandle, autoCommit)
		return &Result{Error: err}
	}

	e.finish(txnHandle, autoCommit)
	return &Result{Message: fmt.Sprintf("DROP INDEX ON %s", stmt.TableName)}
}

func (e *Executor) executeInsert(stmt *InsertStmt) *Result {
	info, ok := e.store.Lookup(stmt.TableName)
	if !ok {
		return &Result{Error: fmt.Errorf("table %s does not exist", stmt.TableName)}
	}
	schema := info.Schema()

	txnHandle, autoCommit := e.getTransaction()
	resource := lock.TableResource(stmt.TableName)
	if res := e.lockManager.AcquireTimeout(txnHandle.ID, resource, lock.Exclusive, e.lockTimeout); res != lock.Granted {
		e.abort(txnHandle, autoCommit)
		return &Result{Error: lockError(res, stmt.TableName)}
	}

	columns := stmt.Columns
	if len(columns) == 0 {
		for _, col := range schema.Columns {
			columns = append(columns, col.Name)
		}
	}
	if len(columns) != len(stmt.Values) {
		e.abort(txnHandle, autoCommit)
		return &Result{Error: fmt.Errorf("column count mismatch: %d columns, %d values", len(columns), len(stmt.Values))}
	}

	row := types.Row{Values: make([]types.Value, len(schema.Columns))}
	for i := range row.Values {
		row.Values[i] = types.Value{Type: types.ValueTypeNull, IsNull: true}
	}

	for i, colName := range columns {
		idx := schema.ColumnIndex(colName)
		if idx < 0 {
			e.abort(txnHandle, autoCommit)
			return &Result{Error: fmt.Errorf("unknown column %q", colName)}
		}
		val := e.evaluateExpr(stmt.Values[i], nil)
		coerced, err := coerceToColumnType(val, schema.Columns[idx].Type)
		if err != nil {
			e.abort(txnHandle, autoCommit)
			return &Result{Error: err}
		}
		row.Values[idx] = coerced
	}

	if err := catalog.Validate(schema, row); err != nil {
		e.abort(txnHandle, autoCommit)
		return &Result{Error: err}
	}

	data, err := types.EncodeRow(row, schema)
	if err != nil {
		e.abort(txnHandle, autoCommit)
		return &Result{Error: err}
	}

	heap, err := e.store.Heap(stmt.TableName)
	if err != nil {
		e.abort(txnHandle, autoCommit)
		return &Result{Error: err}
	}

	rid, err := heap.Insert(data)
	if err != nil {
		e.abort(txnHandle, autoCommit)
		return &Result{Error: fmt.Errorf("insert failed: %w", err)}
	}

	if e.walWriter != nil {
		e.walWriter.LogInsert(txnHandle.ID, stmt.TableName, rid.PageID, rid.SlotNum, data)
	}

	if idx, hasIdx := e.store.Index(stmt.TableName); hasIdx {
		keyIdx := schema.ColumnIndex(idx.Column())
		if keyIdx >= 0 {
			key, err := index.EncodeKey(row.Values[keyIdx])
			if err == nil {
				idx.Insert(key, rid)
			}
		}
	}

	e.finish(txnHandle, autoCommit)
	return &Result{Message: fmt.Sprintf("INSERT 1 (page=%d, slot=%d)", rid.PageID, rid.SlotNum)}
}

func (e *Executor) executeSelect(stmt *SelectStmt) *Result {
	info, ok := e.store.Lookup(stmt.TableName)
	if !ok {
		return &Result{Error: fmt.Errorf("table %s does not exist", stmt.TableName)}
	}
	schema := info.Schema()

	txnHandle, autoCommit := e.getTransaction()
	resource := lock.TableResource(stmt.TableName)
	if res := e.lockManager.AcquireTimeout(txnHandle.ID, resource, lock.Shared, e.lockTimeout); res != lock.Granted {
		e.abort(txnHandle, autoCommit)
		return &Result{Error: lockError(res, stmt.TableName)}
	}

	heap, err := e.store.Heap(stmt.TableName)
	if err != nil {
		e.abort(txnHandle, autoCommit)
		return &Result{Error: err}
	}

	tuples, err := heap.Scan()
	if err != nil {
		e.abort(txnHandle, autoCommit)
		return &Result{Error: fmt.Errorf("scan failed: %w", err)}
	}

	result := &Result{}
	if len(stmt.Columns) == 1 && stmt.Columns[0] == "*" {
		for _, col := range schema.Columns {
			result.Columns = append(result.Columns, col.Name)
		}
	} else {
		result.Columns = stmt.Columns
	}

	type scored struct {
		row      types.Row
		orderVal types.Value
	}
	var matched []scored

	for _, t := range tuples {
		row, err := types.DecodeRow(t.Data, schema)
		if err != nil {
			e.abort(txnHandle, autoCommit)
			return &Result{Error: fmt.Errorf("decode row: %w", err)}
		}

		rowMap := rowToMap(schema, row)
		if stmt.Where != nil && !e.evaluateCondition(stmt.Where, rowMap) {
			continue
		}

		projected := types.Row{Values: make([]types.Value, len(result.Columns))}
		for i, colName := range result.Columns {
			if val, ok := rowMap[colName]; ok {
				projected.Values[i] = val
			} else {
				projected.Values[i] = types.Value{IsNull: true}
			}
		}

		var orderVal types.Value
		if stmt.OrderBy != "" {
			orderVal = rowMap[stmt.OrderBy]
		}
		matched = append(matched, scored{row: projected, orderVal: orderVal})
	}

	if stmt.OrderBy != "" {
		sort.SliceStable(matched, func(i, j int) bool {
			less := valueLess(matched[i].orderVal, matched[j].orderVal)
			if stmt.Desc {
				return valueLess(matched[j].orderVal, matched[i].orderVal)
			}
			return less
		})
	}

	for _, m := range matched {
		result.Rows = append(result.Rows, m.row)
	}

	if stmt.Limit != nil && int64(len(result.Rows)) > *stmt.Limit {
		result.Rows = result.Rows[:*stmt.Limit]
	}

	e.finish(txnHandle, autoCommit)
	result.Message = fmt.Sprintf("SELECT %d rows", len(result.Rows))
	return result
}

func (e *Executor) executeUpdate(stmt *UpdateStmt) *Result {
	info, ok := e.store.Lookup(stmt.TableName)
	if !ok {
		return &Result{Error: fmt.Errorf("table %s does not exist", stmt.TableName)}
	}
	schema := info.Schema()

	txnHandle, autoCommit := e.getTransaction()
	resource := lock.TableResource(stmt.TableName)
	if res := e.lockManager.AcquireTimeout(txnHandle.ID, resource, lock.Exclusive, e.lockTimeout); res != lock.Granted {
		e.abort(txnHandle, autoCommit)
		return &Result{Error: lockError(res, stmt.TableName)}
	}

	heap, err := e.store.Heap(stmt.TableName)
	if err != nil {
		e.abort(txnHandle, autoCommit)
		return &Result{Error: err}
	}

	tuples, err := heap.Scan()
	if err != nil {
		e.abort(txnHandle, autoCommit)
		return &Result{Error: fmt.Errorf("scan failed: %w", err)}
	}

	// Every row this UPDATE will touch is decided against the original
	// scan before any row is written: a scan-and-update plan must never
	// revisit a row it has already rewritten.
	type change struct {
		rid    types.RID
		before []byte
		after  []byte
	}
	var plan []change

	for _, t := range tuples {
		row, err := types.DecodeRow(t.Data, schema)
		if err != nil {
			e.abort(txnHandle, autoCommit)
			return &Result{Error: fmt.Errorf("decode row: %w", err)}
		}

		rowMap := rowToMap(schema, row)
		if stmt.Where != nil && !e.evaluateCondition(stmt.Where, rowMap) {
			continue
		}

		newValues := append([]types.Value(nil), row.Values...)
		newRow := types.Row{Values: newValues}
		for colName, expr := range stmt.Set {
			idx := schema.ColumnIndex(colName)
			if idx < 0 {
				e.abort(txnHandle, autoCommit)
				return &Result{Error: fmt.Errorf("unknown column %q", colName)}
			}
			val := e.evaluateExpr(expr, rowMap)
			coerced, err := coerceToColumnType(val, schema.Columns[idx].Type)
			if err != nil {
				e.abort(txnHandle, autoCommit)
				return &Result{Error: err}
			}
			newRow.Values[idx] = coerced
		}

		if err := catalog.Validate(schema, newRow); err != nil {
			e.abort(txnHandle, autoCommit)
			return &Result{Error: err}
		}

		newData, err := types.EncodeRow(newRow, schema)
		if err != nil {
			e.abort(txnHandle, autoCommit)
			return &Result{Error: err}
		}

		plan = append(plan, change{rid: t.RID, before: t.Data, after: newData})
	}

	for _, c := range plan {
		if err := heap.Update(c.rid, c.after); err != nil {
			e.abort(txnHandle, autoCommit)
			return &Result{Error: fmt.Errorf("update failed: %w", err)}
		}
		if e.walWriter != nil {
			e.walWriter.LogUpdate(txnHandle.ID, stmt.TableName, c.rid.PageID, c.rid.SlotNum, c.before, c.after)
		}
	}

	e.finish(txnHandle, autoCommit)
	return &Result{Message: fmt.Sprintf("UPDATE %d", len(plan))}
}

func (e *Executor) executeDelete(stmt *DeleteStmt) *Result {
	info, ok := e.store.Lookup(stmt.TableName)
	if !ok {
		return &Result{Error: fmt.Errorf("table %s does not exist", stmt.TableName)}
	}
	schema := info.Schema()

	txnHandle, autoCommit := e.getTransaction()
	resource := lock.TableResource(stmt.TableName)
	if res := e.lockManager.AcquireTimeout(txnHandle.ID, resource, lock.Exclusive, e.lockTimeout); res != lock.Granted {
		e.abort(txnHandle, autoCommit)
		return &Result{Error: lockError(res, stmt.TableName)}
	}

	heap, err := e.store.Heap(stmt.TableName)
	if err != nil {
		e.abort(txnHandle, autoCommit)
		return &Result{Error: err}
	}

	tuples, err := heap.Scan()
	if err != nil {
		e.abort(txnHandle, autoCommit)
		return &Result{Error: fmt.Errorf("scan failed: %w", err)}
	}

	type removal struct {
		rid    types.RID
		before []byte
	}
	var plan []removal

	for _, t := range tuples {
		row, err := types.DecodeRow(t.Data, schema)
		if err != nil {
			e.abort(txnHandle, autoCommit)
			return &Result{Error: fmt.Errorf("decode row: %w", err)}
		}
		if stmt.Where != nil && !e.evaluateCondition(stmt.Where, rowToMap(schema, row)) {
			continue
		}
		plan = append(plan, removal{rid: t.RID, before: t.Data})
	}

	for _, r := range plan {
		if err := heap.Delete(r.rid); err != nil {
			e.abort(txnHandle, autoCommit)
			return &Result{Error: fmt.Errorf("delete failed: %w", err)}
		}
		if e.walWriter != nil {
			e.walWriter.LogDelete(txnHandle.ID, stmt.TableName, r.rid.PageID, r.rid.SlotNum, r.before)
		}
	}

	e.finish(txnHandle, autoCommit)
	return &Result{Message: fmt.Sprintf("DELETE %d", len(plan))}
}

// executeExplain plans the inner statement without acquiring any lock
// or touching storage, reporting whether it would run as a table scan
// or an index range scan.
func (e *Executor) executeExplain(stmt *ExplainStmt) *Result {
	var tableName string
	var where Expr

	switch s := stmt.Inner.(type) {
	case *SelectStmt:
		tableName, where = s.TableName, s.Where
	case *UpdateStmt:
		tableName, where = s.TableName, s.Where
	case *DeleteStmt:
		tableName, where = s.TableName, s.Where
	default:
		return &Result{Message: "EXPLAIN: plan not applicable to this statement", Plan: "n/a"}
	}

	if _, ok := e.store.Lookup(tableName); !ok {
		return &Result{Error: fmt.Errorf("table %s does not exist", tableName)}
	}

	plan := fmt.Sprintf("Seq Scan on %s", tableName)
	if idx, hasIdx := e.store.Index(tableName); hasIdx {
		if col, ok := equalityColumn(where); ok && col == idx.Column() {
			plan = fmt.Sprintf("Index Range Scan on %s using index(%s)", tableName, idx.Column())
		}
	}

	return &Result{Message: plan, Plan: plan}
}

// equalityColumn reports the column name of a top-level "column = literal"
// predicate, if where is exactly that shape.
func equalityColumn(where Expr) (string, bool) {
	bin, ok := where.(*BinaryExpr)
	if !ok || bin.Op != TokenEq {
		return "", false
	}
	if col, ok := bin.Left.(*ColumnExpr); ok {
		if _, ok := bin.Right.(*LiteralExpr); ok {
			return col.Name, true
		}
	}
	if col, ok := bin.Right.(*ColumnExpr); ok {
		if _, ok := bin.Left.(*LiteralExpr); ok {
			return col.Name, true
		}
	}
	return "", false
}

// HasTransaction returns true if there's an active REPL transaction.
func (e *Executor) HasTransaction() bool {
	return e.currentTxn != nil
}

// CurrentTxnID returns the active REPL transaction's ID, if any.
func (e *Executor) CurrentTxnID() types.TxnID {
	if e.currentTxn != nil {
		return e.currentTxn.ID
	}
	return types.InvalidTxnID
}

func rowToMap(schema types.Schema, row types.Row) map[string]types.Value {
	m := make(map[string]types.Value, len(schema.Columns))
	for i, col := range schema.Columns {
		if i < len(row.Values) {
			m[col.Name] = row.Values[i]
		}
	}
	return m
}

// coerceToColumnType adapts a literal value to the column's declared
// type: a DATE column accepts either an integer day count or a quoted
// "YYYY-MM-DD" string, and an INT literal widens to FLOAT.
func coerceToColumnType(v types.Value, colType types.ValueType) (types.Value, error) {
	if v.IsNull || v.Type == types.ValueTypeNull {
		return types.Value{Type: types.ValueTypeNull, IsNull: true}, nil
	}

	if v.Type == colType {
		return v, nil
	}

	switch colType {
	case types.ValueTypeDate:
		if v.Type == types.ValueTypeString {
			t, err := time.Parse("2006-01-02", v.StrVal)
			if err != nil {
				return types.Value{}, fmt.Errorf("invalid date literal %q: %w", v.StrVal, err)
			}
			days := t.Unix() / 86400
			return types.Value{Type: types.ValueTypeDate, IntVal: days}, nil
		}
		if v.Type == types.ValueTypeInt {
			return types.Value{Type: types.ValueTypeDate, IntVal: v.IntVal}, nil
		}
	case types.ValueTypeFloat:
		if v.Type == types.ValueTypeInt {
			return types.Value{Type: types.ValueTypeFloat, FloatVal: float64(v.IntVal)}, nil
		}
	}

	return types.Value{}, fmt.Errorf("cannot use %s value where %s is expected", v.Type, colType)
}

func (e *Executor) evaluateExpr(expr Expr, rowData map[string]types.Value) types.Value {
	switch ex := expr.(type) {
	case *LiteralExpr:
		return ex.Value
	case *ColumnExpr:
		if rowData != nil {
			if val, ok := rowData[ex.Name]; ok {
				return val
			}
		}
		return types.Value{IsNull: true}
	default:
		return types.Value{IsNull: true}
	}
}

func (e *Executor) evaluateCondition(expr Expr, rowData map[string]types.Value) bool {
	switch ex := expr.(type) {
	case *BinaryExpr:
		switch ex.Op {
		case TokenAnd:
			return e.evaluateCondition(ex.Left, rowData) && e.evaluateCondition(ex.Right, rowData)
		case TokenOr:
			return e.evaluateCondition(ex.Left, rowData) || e.evaluateCondition(ex.Right, rowData)
		default:
			left := e.evaluateExpr(ex.Left, rowData)
			right := e.evaluateExpr(ex.Right, rowData)
			return e.compare(left, right, ex.Op)
		}
	case *LiteralExpr:
		return ex.Value.BoolVal
	default:
		return false
	}
}

func (e *Executor) compare(left, right types.Value, op TokenType) bool {
	if left.IsNull || right.IsNull {
		return false
	}

	switch op {
	case TokenEq:
		return valuesEqual(left, right)
	case TokenNe:
		return !valuesEqual(left, right)
	case TokenLt:
		return valueLess(left, right)
	case TokenLe:
		return valueLess(left, right) || valuesEqual(left, right)
	case TokenGt:
		return !valueLess(left, right) && !valuesEqual(left, right)
	case TokenGe:
		return !valueLess(left, right) || valuesEqual(left, right)
	default:
		return false
	}
}

func valuesEqual(left, right types.Value) bool {
	if left.Type != right.Type {
		return false
	}
	switch left.Type {
	case types.ValueTypeInt, types.ValueTypeDate:
		return left.IntVal == right.IntVal
	case types.ValueTypeString:
		return left.StrVal == right.StrVal
	case types.ValueTypeBool:
		return left.BoolVal == right.BoolVal
	case types.ValueTypeFloat:
		return left.FloatVal == right.FloatVal
	default:
		return false
	}
}

func valueLess(left, right types.Value) bool {
	if left.Type != right.Type {
		return false
	}
	switch left.Type {
	case types.ValueTypeInt, types.ValueTypeDate:
		return left.IntVal < right.IntVal
	case types.ValueTypeString:
		return left.StrVal < right.StrVal
	case types.ValueTypeFloat:
		return left.FloatVal < right.FloatVal
	default:
		return false
	}
}
