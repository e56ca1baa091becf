package tenancy

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"
)

// TenantColumn is the column that opts a table into scoping
const TenantColumn = "tenant_id"

// Enforcer is a gorm plugin that confines every statement on a tenant-scoped
// table to the tenant in the statement's context. A table is tenant-scoped
// when its model declares a tenant_id column and it is not exempt.
type Enforcer struct {
	column string
	exempt map[string]struct{}
	scoped sync.Map // table name -> struct{}
	log    *logrus.Entry
}

// EnforcerOption configures an Enforcer
type EnforcerOption func(*Enforcer)

// WithExemptTables adds tables that are never scoped even if they carry a
// tenant_id column
func WithExemptTables(tables ...string) EnforcerOption {
	return func(e *Enforcer) {
		for _, t := range tables {
			e.exempt[t] = struct{}{}
		}
	}
}

// WithLogger sets the logger used for blocked statements
func WithLogger(log *logrus.Entry) EnforcerOption {
	return func(e *Enforcer) {
		e.log = log
	}
}

// NewEnforcer creates the plugin. The tenants table is always exempt.
func NewEnforcer(opts ...EnforcerOption) *Enforcer {
	e := &Enforcer{
		column: TenantColumn,
		exempt: map[string]struct{}{"tenants": {}},
		log:    logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.WithField("component", "tenancy.enforcer")
	return e
}

// Name implements gorm.Plugin
func (e *Enforcer) Name() string {
	return "tenancy:enforcer"
}

// Initialize implements gorm.Plugin
func (e *Enforcer) Initialize(db *gorm.DB) error {
	cb := db.Callback()
	if err := cb.Query().Before("gorm:query").Register("tenancy:scope_query", e.scopeStatement("query")); err != nil {
		return err
	}
	if err := cb.Row().Before("gorm:row").Register("tenancy:scope_row", e.scopeStatement("row")); err != nil {
		return err
	}
	if err := cb.Raw().Before("gorm:raw").Register("tenancy:scope_raw", e.scopeStatement("raw")); err != nil {
		return err
	}
	if err := cb.Delete().Before("gorm:delete").Register("tenancy:scope_delete", e.scopeStatement("delete")); err != nil {
		return err
	}
	if err := cb.Update().Before("gorm:update").Register("tenancy:scope_update", e.scopeUpdate); err != nil {
		return err
	}
	return cb.Create().Before("gorm:create").Register("tenancy:scope_create", e.scopeCreate)
}

// Register records the tables of models as tenant-scoped up front, so that
// statements naming only the table (db.Table("promotions")) are scoped too.
func (e *Enforcer) Register(db *gorm.DB, models ...interface{}) error {
	for _, m := range models {
		stmt := &gorm.Statement{DB: db}
		if err := stmt.Parse(m); err != nil {
			return fmt.Errorf("failed to parse %T: %w", m, err)
		}
		if f := stmt.Schema.LookUpField(e.column); f != nil && !e.isExempt(stmt.Schema.Table) {
			e.scoped.Store(stmt.Schema.Table, struct{}{})
		}
	}
	return nil
}

// IsScopedTable reports whether table is known to be tenant-scoped
func (e *Enforcer) IsScopedTable(table string) bool {
	_, ok := e.scoped.Load(table)
	return ok
}

type target struct {
	table  string
	column string
	field  *schema.Field
	// opaque marks a statement whose table could not be determined, so no
	// predicate can be added to it
	opaque bool
}

func (e *Enforcer) isExempt(table string) bool {
	_, ok := e.exempt[table]
	return ok
}

// target returns the tenant column of stmt's table, if the table is scoped.
// Statements whose table cannot be read off the statement are returned as
// opaque and may only run without a tenant scope.
func (e *Enforcer) target(stmt *gorm.Statement) (target, bool) {
	if stmt.Schema != nil {
		table := stmt.Table
		if table == "" {
			table = stmt.Schema.Table
		}
		if e.isExempt(stmt.Schema.Table) || e.isExempt(table) {
			return target{}, false
		}
		f := stmt.Schema.LookUpField(e.column)
		if f == nil || f.DBName == "" {
			return target{}, false
		}
		e.scoped.Store(stmt.Schema.Table, struct{}{})
		return target{table: table, column: f.DBName, field: f}, true
	}

	if stmt.TableExpr == nil && stmt.Table == "" {
		// raw SQL naming no model or table
		return target{opaque: true}, stmt.SQL.Len() > 0
	}

	from := stmt.Table
	if stmt.TableExpr != nil {
		from = stmt.TableExpr.SQL
	}
	base, ok := baseTable(from)
	if !ok {
		return target{table: from, column: e.column, opaque: true}, true
	}
	if e.isExempt(base) || !e.IsScopedTable(base) {
		return target{}, false
	}
	if stmt.Table == "" {
		return target{table: base, column: e.column, opaque: true}, true
	}
	// the predicate is qualified with stmt.Table, which is the alias if any
	return target{table: stmt.Table, column: e.column}, true
}

// baseTable reads the table out of a FROM expression of the form
// "name", "name alias" or "name AS alias". Names may be quoted or schema
// qualified. Anything else, such as a join list or subquery, is refused.
func baseTable(expr string) (string, bool) {
	fields := strings.Fields(expr)
	switch {
	case len(fields) == 1:
	case len(fields) == 2 && isIdent(fields[1]):
	case len(fields) == 3 && strings.EqualFold(fields[1], "as") && isIdent(fields[2]):
	default:
		return "", false
	}

	name := fields[0]
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	name = strings.Trim(name, "\"`[]")
	if !isIdent(name) {
		return "", false
	}
	return name, true
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r != '_' && (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

func (e *Enforcer) reject(db *gorm.DB, op string, t target, s Scope, err error) {
	e.log.WithFields(logrus.Fields{
		"operation": op,
		"table":     t.table,
		"scope":     s.String(),
	}).WithError(err).Warn("Blocked tenant-scoped statement")
	_ = db.AddError(err)
}

// scopeStatement predicates reads, deletes and raw statements
func (e *Enforcer) scopeStatement(op string) func(*gorm.DB) {
	return func(db *gorm.DB) {
		if db.Error != nil {
			return
		}
		stmt := db.Statement
		t, ok := e.target(stmt)
		if !ok {
			return
		}

		s := ScopeFrom(stmt.Context)
		switch s.Mode() {
		case ModeWithoutTenant:
			return
		case ModeUnarmed:
			e.reject(db, op, t, s, ErrNoTenantScope)
			return
		}

		if stmt.SQL.Len() > 0 || t.opaque {
			e.reject(db, op, t, s, ErrRawQueryScoped)
			return
		}
		if op == "delete" && !db.AllowGlobalUpdate && !hasConditions(stmt) {
			_ = db.AddError(gorm.ErrMissingWhereClause)
			return
		}

		id, _ := s.TenantID()
		addTenantCondition(stmt, t.column, id)
	}
}

func (e *Enforcer) scopeUpdate(db *gorm.DB) {
	if db.Error != nil {
		return
	}
	stmt := db.Statement
	t, ok := e.target(stmt)
	if !ok {
		return
	}

	s := ScopeFrom(stmt.Context)
	switch s.Mode() {
	case ModeWithoutTenant:
		return
	case ModeUnarmed:
		e.reject(db, "update", t, s, ErrNoTenantScope)
		return
	}
	if stmt.SQL.Len() > 0 || t.opaque {
		e.reject(db, "update", t, s, ErrRawQueryScoped)
		return
	}

	if !db.AllowGlobalUpdate && !hasConditions(stmt) {
		_ = db.AddError(gorm.ErrMissingWhereClause)
		return
	}

	id, _ := s.TenantID()
	if err := checkAssignments(stmt, t, id); err != nil {
		e.reject(db, "update", t, s, err)
		return
	}
	addTenantCondition(stmt, t.column, id)
}

func (e *Enforcer) scopeCreate(db *gorm.DB) {
	if db.Error != nil {
		return
	}
	stmt := db.Statement
	t, ok := e.target(stmt)
	if !ok {
		return
	}

	s := ScopeFrom(stmt.Context)
	if !s.IsArmed() {
		e.reject(db, "create", t, s, ErrNoTenantScope)
		return
	}

	id, tenantMode := s.TenantID()
	if tenantMode && t.opaque {
		e.reject(db, "create", t, s, ErrRawQueryScoped)
		return
	}
	if err := stampRecords(stmt, t, id, tenantMode); err != nil {
		e.reject(db, "create", t, s, err)
		return
	}
	if tenantMode {
		guardUpsert(stmt, t.column, id)
	}
}

func tenantColumn(column string) clause.Column {
	return clause.Column{Table: clause.CurrentTable, Name: column}
}

// grouped renders its conditions inside one pair of parentheses
type grouped clause.Where

func (g grouped) Build(builder clause.Builder) {
	builder.WriteByte('(')
	clause.Where(g).Build(builder)
	builder.WriteByte(')')
}

// addTenantCondition groups the caller's conditions and ANDs the tenant
// predicate after them, so an OR in the caller's WHERE cannot escape it
func addTenantCondition(stmt *gorm.Statement, column string, id uuid.UUID) {
	cond := clause.Eq{Column: tenantColumn(column), Value: id}

	c := stmt.Clauses["WHERE"]
	where, _ := c.Expression.(clause.Where)
	exprs := make([]clause.Expression, 0, 2)
	if len(where.Exprs) > 0 {
		exprs = append(exprs, grouped{Exprs: where.Exprs})
	}
	exprs = append(exprs, cond)

	c.Name = "WHERE"
	c.Expression = clause.Where{Exprs: exprs}
	stmt.Clauses["WHERE"] = c
}

// hasConditions reports whether an update or delete names its rows, either
// by WHERE or by primary key. The tenant predicate alone would otherwise
// turn an accidental global write into a tenant-wide one.
func hasConditions(stmt *gorm.Statement) bool {
	if c, ok := stmt.Clauses["WHERE"]; ok {
		if where, ok := c.Expression.(clause.Where); ok && len(where.Exprs) > 0 {
			return true
		}
	}
	if stmt.Schema == nil || len(stmt.Schema.PrimaryFields) == 0 {
		return false
	}

	rv := stmt.ReflectValue
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			if hasPrimaryKey(stmt, reflect.Indirect(rv.Index(i))) {
				return true
			}
		}
	case reflect.Struct:
		return hasPrimaryKey(stmt, rv)
	}
	return false
}

func hasPrimaryKey(stmt *gorm.Statement, rv reflect.Value) bool {
	if rv.Kind() != reflect.Struct {
		return false
	}
	for _, f := range stmt.Schema.PrimaryFields {
		if _, zero := f.ValueOf(stmt.Context, rv); !zero {
			return true
		}
	}
	return false
}

// guardUpsert restricts the DO UPDATE branch of an upsert to rows that
// already belong to the tenant
func guardUpsert(stmt *gorm.Statement, column string, id uuid.UUID) {
	c, ok := stmt.Clauses["ON CONFLICT"]
	if !ok {
		return
	}
	oc, ok := c.Expression.(clause.OnConflict)
	if !ok || oc.DoNothing {
		return
	}
	oc.Where.Exprs = append(oc.Where.Exprs, clause.Eq{Column: tenantColumn(column), Value: id})
	c.Expression = oc
	stmt.Clauses["ON CONFLICT"] = c
}

// checkAssignments rejects updates that would move a row to another tenant
// and fills a zero tenant id on addressable records
func checkAssignments(stmt *gorm.Statement, t target, id uuid.UUID) error {
	switch dest := stmt.Dest.(type) {
	case map[string]interface{}:
		return checkMap(dest, t, id, true, false)
	case *map[string]interface{}:
		if dest != nil {
			return checkMap(*dest, t, id, true, false)
		}
		return nil
	}
	if t.field == nil {
		return nil
	}

	if stmt.Dest != nil {
		rv := reflect.ValueOf(stmt.Dest)
		for rv.Kind() == reflect.Ptr && !rv.IsNil() {
			rv = rv.Elem()
		}
		if rv.Kind() == reflect.Struct {
			if err := checkRecord(stmt.Context, t, rv, id, true, false); err != nil {
				return err
			}
		}
	}

	if rv := stmt.ReflectValue; rv.IsValid() && rv.Kind() == reflect.Struct {
		return checkRecord(stmt.Context, t, rv, id, true, false)
	}
	return nil
}

// stampRecords sets or verifies the tenant id of every record being created
func stampRecords(stmt *gorm.Statement, t target, id uuid.UUID, tenantMode bool) error {
	switch dest := stmt.Dest.(type) {
	case map[string]interface{}:
		return checkMap(dest, t, id, tenantMode, true)
	case *map[string]interface{}:
		if dest == nil {
			return nil
		}
		return checkMap(*dest, t, id, tenantMode, true)
	case []map[string]interface{}:
		for _, m := range dest {
			if err := checkMap(m, t, id, tenantMode, true); err != nil {
				return err
			}
		}
		return nil
	case *[]map[string]interface{}:
		if dest == nil {
			return nil
		}
		for _, m := range *dest {
			if err := checkMap(m, t, id, tenantMode, true); err != nil {
				return err
			}
		}
		return nil
	}

	if t.field == nil {
		if tenantMode {
			return nil
		}
		return ErrMissingTenantID
	}

	rv := stmt.ReflectValue
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			elem := reflect.Indirect(rv.Index(i))
			if elem.Kind() != reflect.Struct {
				continue
			}
			if err := checkRecord(stmt.Context, t, elem, id, tenantMode, true); err != nil {
				return err
			}
		}
		return nil
	case reflect.Struct:
		return checkRecord(stmt.Context, t, rv, id, tenantMode, true)
	}
	return nil
}

func checkRecord(ctx context.Context, t target, rv reflect.Value, id uuid.UUID, tenantMode, required bool) error {
	v, zero := t.field.ValueOf(ctx, rv)
	if zero {
		if !tenantMode {
			if required {
				return ErrMissingTenantID
			}
			return nil
		}
		if !rv.CanAddr() {
			if required {
				return ErrMissingTenantID
			}
			return nil
		}
		return t.field.Set(ctx, rv, tenantValue(t.field.FieldType, id))
	}
	if tenantMode && !sameTenant(v, id) {
		return &ScopeViolationError{Table: t.table, Expected: id, Actual: fmt.Sprint(v)}
	}
	return nil
}

func checkMap(m map[string]interface{}, t target, id uuid.UUID, tenantMode, required bool) error {
	key := t.column
	v, ok := m[key]
	if !ok && t.field != nil {
		if fv, byName := m[t.field.Name]; byName {
			key, v, ok = t.field.Name, fv, true
		}
	}

	if !ok || isZeroTenant(v) {
		if !tenantMode {
			if required {
				return ErrMissingTenantID
			}
			return nil
		}
		if required || ok {
			m[key] = id
		}
		return nil
	}
	if tenantMode && !sameTenant(v, id) {
		return &ScopeViolationError{Table: t.table, Expected: id, Actual: fmt.Sprint(v)}
	}
	return nil
}

func tenantValue(typ reflect.Type, id uuid.UUID) interface{} {
	if typ != nil && typ.Kind() == reflect.String {
		return id.String()
	}
	return id
}

func isZeroTenant(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return true
	case uuid.UUID:
		return t == uuid.Nil
	case *uuid.UUID:
		return t == nil || *t == uuid.Nil
	case string:
		return t == ""
	}
	return false
}

func sameTenant(v interface{}, id uuid.UUID) bool {
	switch t := v.(type) {
	case uuid.UUID:
		return t == id
	case *uuid.UUID:
		return t != nil && *t == id
	case string:
		parsed, err := uuid.Parse(t)
		return err == nil && parsed == id
	case []byte:
		parsed, err := uuid.ParseBytes(t)
		return err == nil && parsed == id
	}
	return fmt.Sprint(v) == id.String()
}
