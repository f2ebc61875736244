// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

func countRows(conn *sqlite.Conn, table string, out *int) error {
	return sqlitex.Execute(conn, "SELECT COUNT(*) FROM "+table, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			*out = stmt.ColumnInt(0)
			return nil
		},
	})
}

func groundTruthAccepted(conn *sqlite.Conn, requestID, modelID string) (bool, error) {
	accepted := false
	err := sqlitex.Execute(conn,
		"SELECT accepted FROM ground_truth WHERE request_id = ? AND model_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{requestID, modelID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				accepted = stmt.ColumnInt(0) != 0
				return nil
			},
		})
	return accepted, err
}
