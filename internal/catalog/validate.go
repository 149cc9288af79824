package catalog

import (
	"fmt"

	"minidb/internal/storeerr"
	"minidb/pkg/types"
)

// Validate checks a row against a schema before it is inserted or
// updated: the column count must match, NOT NULL columns must not carry
// a null value, and a present value's type must match its column's
// declared type. Violations are returned as a wrapped
// storeerr.ErrSchemaViolation so callers can classify them without
// string matching.
func Validate(schema types.Schema, row types.Row) error {
	if len(row.Values) != len(schema.Columns) {
		return fmt.Errorf("%w: table %q expects %d columns, got %d",
			storeerr.ErrSchemaViolation, schema.TableName, len(schema.Columns), len(row.Values))
	}

	for i, col := range schema.Columns {
		v := row.Values[i]

		if v.IsNull {
			if !col.Nullable {
				return fmt.Errorf("%w: column %q of table %q is NOT NULL",
					storeerr.ErrSchemaViolation, col.Name, schema.TableName)
			}
			continue
		}

		if v.Type != col.Type {
			return fmt.Errorf("%w: column %q of table %q expects %s, got %s",
				storeerr.ErrSchemaViolation, col.Name, schema.TableName, col.Type, v.Type)
		}
	}

	return nil
}
