package sqlstore

import (
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"

	"github.com/warp/grower-ledger/ledger"
)

const mysqlDuplicateEntry = 1062

// classify maps driver uniqueness violations to ledger.ErrDuplicate.
func classify(err error) error {
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: %v", ledger.ErrDuplicate, err)
	}
	return err
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number == mysqlDuplicateEntry
	}
	return false
}
