package sqlstore

import (
	"fmt"
	"strings"
)

// =============================================================================
// DIALECTS
// =============================================================================

// dialect holds everything that differs between SQLite and MySQL. DML is
// shared: both drivers take ? placeholders.
type dialect struct {
	name string

	// types expands the column type tokens used by the table definitions.
	types *strings.Replacer

	// inlineIndexes puts secondary indexes inside CREATE TABLE (MySQL has no
	// CREATE INDEX IF NOT EXISTS).
	inlineIndexes bool

	// bumpSequence inserts a counter at 1 or increments it.
	bumpSequence string
}

var sqliteDialect = dialect{
	name: DriverSQLite,
	types: strings.NewReplacer(
		"$PK", "INTEGER PRIMARY KEY AUTOINCREMENT",
		"$KEY", "TEXT",
		"$TEXT", "TEXT",
		"$MONEY", "TEXT",
		"$TS", "DATETIME",
		"$BOOL", "INTEGER",
		"$INT", "INTEGER",
	),
	bumpSequence: `INSERT INTO sequences (name, value) VALUES (?, 1)
		ON CONFLICT(name) DO UPDATE SET value = value + 1`,
}

var mysqlDialect = dialect{
	name: DriverMySQL,
	types: strings.NewReplacer(
		"$PK", "BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY",
		"$KEY", "VARCHAR(191)",
		"$TEXT", "TEXT",
		"$MONEY", "DECIMAL(18,2)",
		"$TS", "DATETIME(6)",
		"$BOOL", "TINYINT(1)",
		"$INT", "BIGINT",
	),
	inlineIndexes: true,
	bumpSequence: `INSERT INTO sequences (name, value) VALUES (?, 1)
		ON DUPLICATE KEY UPDATE value = value + 1`,
}

// concat renders a string concatenation expression.
func (d dialect) concat(parts ...string) string {
	if d.name == DriverMySQL {
		return "CONCAT(" + strings.Join(parts, ", ") + ")"
	}
	return strings.Join(parts, " || ")
}

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case DriverSQLite:
		return sqliteDialect, nil
	case DriverMySQL:
		return mysqlDialect, nil
	}
	return dialect{}, fmt.Errorf("unsupported driver %q", driver)
}

// =============================================================================
// SCHEMA
// =============================================================================

type index struct {
	name    string
	columns string
}

type table struct {
	name        string
	definitions []string
	indexes     []index
}

// statements renders the schema as one DDL statement per element.
func (d dialect) statements() []string {
	var out []string
	for _, t := range schema {
		defs := make([]string, 0, len(t.definitions)+len(t.indexes))
		for _, def := range t.definitions {
			defs = append(defs, d.types.Replace(def))
		}
		if d.inlineIndexes {
			for _, ix := range t.indexes {
				defs = append(defs, fmt.Sprintf("INDEX %s (%s)", ix.name, ix.columns))
			}
		}
		out = append(out, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)",
			t.name, strings.Join(defs, ",\n\t")))
		if !d.inlineIndexes {
			for _, ix := range t.indexes {
				out = append(out, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
					ix.name, t.name, ix.columns))
			}
		}
	}
	return out
}

// Tables in dependency order. Reset deletes them in reverse.
var schema = []table{
	{
		name: "payment_types",
		definitions: []string{
			"id $PK",
			"code $KEY NOT NULL",
			"description $TEXT NOT NULL",
			"active $BOOL NOT NULL",
			"UNIQUE (code)",
		},
	},
	{
		name: "growers",
		definitions: []string{
			"id $PK",
			"grower_number $KEY NOT NULL",
			"name $TEXT NOT NULL",
			"on_hold $BOOL NOT NULL",
			"pays_electronically $BOOL NOT NULL",
			"created_at $TS NOT NULL",
			"UNIQUE (grower_number)",
		},
	},
	{
		name: "receipts",
		definitions: []string{
			"id $PK",
			"receipt_number $KEY NOT NULL",
			"grower_id $INT NOT NULL",
			"import_batch_id $INT NOT NULL",
			"receipt_date $TS NOT NULL",
			"amount $MONEY NOT NULL",
			"status $KEY NOT NULL",
			"notes $TEXT NOT NULL",
			"voided_at $TS NULL",
			"voided_by $TEXT NOT NULL",
			"created_at $TS NOT NULL",
		},
		indexes: []index{
			{"idx_receipts_grower", "grower_id"},
			{"idx_receipts_import_batch", "import_batch_id"},
		},
	},
	{
		name: "payment_batches",
		definitions: []string{
			"id $PK",
			"batch_number $KEY NOT NULL",
			"payment_type_id $INT NOT NULL",
			"batch_date $TS NOT NULL",
			"status $KEY NOT NULL",
			"total_amount $MONEY NULL",
			"total_growers $INT NULL",
			"total_receipts $INT NULL",
			"notes $TEXT NOT NULL",
			"created_at $TS NOT NULL",
			"created_by $TEXT NOT NULL",
			"modified_at $TS NULL",
			"modified_by $TEXT NOT NULL",
			"processed_at $TS NULL",
			"processed_by $TEXT NOT NULL",
			"is_deleted $BOOL NOT NULL",
			"UNIQUE (batch_number)",
		},
		indexes: []index{
			{"idx_batches_status", "status"},
		},
	},
	{
		name: "payment_allocations",
		definitions: []string{
			"id $PK",
			"batch_id $INT NOT NULL",
			"grower_id $INT NOT NULL",
			"receipt_id $INT NOT NULL",
			"price_schedule_id $INT NOT NULL",
			"amount $MONEY NOT NULL",
			"status $KEY NOT NULL",
			"created_at $TS NOT NULL",
		},
		indexes: []index{
			{"idx_allocations_batch", "batch_id, grower_id"},
			{"idx_allocations_receipt", "receipt_id"},
		},
	},
	{
		name: "grower_account_entries",
		definitions: []string{
			"id $PK",
			"grower_id $INT NOT NULL",
			"batch_id $INT NOT NULL",
			"entry_date $TS NOT NULL",
			"description $TEXT NOT NULL",
			"debit $MONEY NOT NULL",
			"credit $MONEY NOT NULL",
			"is_deleted $BOOL NOT NULL",
			"deleted_at $TS NULL",
			"deleted_by $TEXT NOT NULL",
		},
		indexes: []index{
			{"idx_account_entries_batch", "batch_id"},
		},
	},
	{
		// lock_key is "<schedule>:<type>" while active and NULL once released,
		// so the unique index only covers non-deleted locks.
		name: "price_schedule_locks",
		definitions: []string{
			"id $PK",
			"price_schedule_id $INT NOT NULL",
			"payment_type_id $INT NOT NULL",
			"batch_id $INT NOT NULL",
			"lock_key $KEY NULL",
			"locked_at $TS NOT NULL",
			"locked_by $TEXT NOT NULL",
			"is_deleted $BOOL NOT NULL",
			"deleted_at $TS NULL",
			"deleted_by $TEXT NOT NULL",
			"UNIQUE (lock_key)",
		},
		indexes: []index{
			{"idx_locks_batch", "batch_id"},
		},
	},
	{
		name: "advance_cheques",
		definitions: []string{
			"id $PK",
			"advance_number $KEY NOT NULL",
			"grower_id $INT NOT NULL",
			"original_amount $MONEY NOT NULL",
			"current_amount $MONEY NOT NULL",
			"total_deducted $MONEY NOT NULL",
			"reason $TEXT NOT NULL",
			"status $KEY NOT NULL",
			"advance_date $TS NOT NULL",
			"created_at $TS NOT NULL",
			"created_by $TEXT NOT NULL",
			"printed_at $TS NULL",
			"printed_by $TEXT NOT NULL",
			"delivered_at $TS NULL",
			"delivered_by $TEXT NOT NULL",
			"voided_at $TS NULL",
			"voided_by $TEXT NOT NULL",
			"void_reason $TEXT NOT NULL",
			"deducted_at $TS NULL",
			"deducted_by $TEXT NOT NULL",
			"deducted_from_batch_id $INT NULL",
			"is_deleted $BOOL NOT NULL",
			"UNIQUE (advance_number)",
		},
		indexes: []index{
			{"idx_advances_grower", "grower_id, status"},
		},
	},
	{
		name: "advance_deductions",
		definitions: []string{
			"id $PK",
			"advance_id $INT NOT NULL",
			"batch_id $INT NOT NULL",
			"amount $MONEY NOT NULL",
			"deduction_date $TS NOT NULL",
			"is_voided $BOOL NOT NULL",
			"is_deleted $BOOL NOT NULL",
			"created_at $TS NOT NULL",
			"created_by $TEXT NOT NULL",
			"voided_at $TS NULL",
			"voided_by $TEXT NOT NULL",
		},
		indexes: []index{
			{"idx_deductions_advance", "advance_id"},
			{"idx_deductions_batch", "batch_id"},
		},
	},
	{
		name: "cheques",
		definitions: []string{
			"id $PK",
			"cheque_number $KEY NOT NULL",
			"grower_id $INT NOT NULL",
			"batch_id $INT NULL",
			"amount $MONEY NOT NULL",
			"cheque_date $TS NOT NULL",
			"status $KEY NOT NULL",
			"is_consolidated $BOOL NOT NULL",
			"created_at $TS NOT NULL",
			"created_by $TEXT NOT NULL",
			"voided_at $TS NULL",
			"voided_by $TEXT NOT NULL",
			"void_reason $TEXT NOT NULL",
			"UNIQUE (cheque_number)",
		},
		indexes: []index{
			{"idx_cheques_batch", "batch_id"},
			{"idx_cheques_grower", "grower_id"},
		},
	},
	{
		name: "consolidated_cheques",
		definitions: []string{
			"id $PK",
			"cheque_id $INT NOT NULL",
			"batch_id $INT NOT NULL",
			"amount $MONEY NOT NULL",
			"created_at $TS NOT NULL",
			"created_by $TEXT NOT NULL",
			"UNIQUE (cheque_id, batch_id)",
		},
		indexes: []index{
			{"idx_consolidated_batch", "batch_id"},
		},
	},
	{
		name: "reconciliation_reports",
		definitions: []string{
			"id $PK",
			"batch_id $INT NOT NULL",
			"expected_amount $MONEY NOT NULL",
			"actual_amount $MONEY NOT NULL",
			"difference $MONEY NOT NULL",
			"status $KEY NOT NULL",
			"exception_count $INT NOT NULL",
			"generated_at $TS NOT NULL",
			"generated_by $TEXT NOT NULL",
		},
		indexes: []index{
			{"idx_reports_batch", "batch_id"},
		},
	},
	{
		name: "payment_exceptions",
		definitions: []string{
			"id $PK",
			"exception_type $KEY NOT NULL",
			"batch_id $INT NULL",
			"grower_id $INT NULL",
			"advance_id $INT NULL",
			"expected_amount $MONEY NOT NULL",
			"actual_amount $MONEY NOT NULL",
			"description $TEXT NOT NULL",
			"status $KEY NOT NULL",
			"detected_at $TS NOT NULL",
			"resolved_at $TS NULL",
			"resolved_by $TEXT NOT NULL",
			"resolution_notes $TEXT NOT NULL",
		},
		indexes: []index{
			{"idx_exceptions_batch", "batch_id, status"},
			{"idx_exceptions_advance", "advance_id"},
		},
	},
	{
		name: "audit_log",
		definitions: []string{
			"id $KEY NOT NULL PRIMARY KEY",
			"ts $TS NOT NULL",
			"actor $TEXT NOT NULL",
			"action $KEY NOT NULL",
			"entity_type $KEY NOT NULL",
			"entity_id $INT NOT NULL",
			"details $TEXT NOT NULL",
		},
		indexes: []index{
			{"idx_audit_entity", "entity_type, entity_id"},
		},
	},
	{
		name: "sequences",
		definitions: []string{
			"name $KEY NOT NULL PRIMARY KEY",
			"value $INT NOT NULL",
		},
	},
}
