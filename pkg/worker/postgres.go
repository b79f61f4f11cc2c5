package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/noetl/noetl/pkg/dispatch"
	"github.com/noetl/noetl/pkg/models"
	"github.com/noetl/noetl/pkg/template"
)

// PostgresExecutor runs the postgres tool: one statement against the
// configured DSN. Query rows become the result; exec statements report the
// affected row count. Used both as a step body and as a sink target.
type PostgresExecutor struct {
	// defaultDSN backs statements whose tool omits a DSN.
	defaultDSN string
}

// NewPostgresExecutor builds the postgres executor.
func NewPostgresExecutor(defaultDSN string) *PostgresExecutor {
	return &PostgresExecutor{defaultDSN: defaultDSN}
}

// Execute renders and runs the tool's statement.
func (e *PostgresExecutor) Execute(ctx context.Context, spec *dispatch.TaskSpec) (json.RawMessage, error) {
	tool := spec.Tool.Postgres
	if tool == nil {
		return nil, &ExecError{Kind: models.KindInputValidation, Message: "postgres task missing tool config"}
	}

	env := template.Context{}
	for k, v := range spec.Inputs {
		env[k] = v
	}

	dsn := e.defaultDSN
	if tool.DSN != "" {
		rendered, err := renderText(tool.DSN, env)
		if err != nil {
			return nil, &ExecError{Kind: models.KindInputValidation, Message: fmt.Sprintf("bad dsn template: %v", err)}
		}
		dsn = rendered
	}
	if dsn == "" {
		return nil, &ExecError{Kind: models.KindInputValidation, Message: "postgres task has no dsn"}
	}

	statement, err := renderText(tool.Statement, env)
	if err != nil {
		return nil, &ExecError{Kind: models.KindInputValidation, Message: fmt.Sprintf("bad statement template: %v", err)}
	}

	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = conn.Close(context.Background()) }()

	rows, err := conn.Query(ctx, statement)
	if err != nil {
		return nil, fmt.Errorf("statement failed: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var records []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to read row: %w", err)
		}
		record := make(map[string]any, len(fields))
		for i, fd := range fields {
			record[fd.Name] = values[i]
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("statement failed: %w", err)
	}

	if len(fields) == 0 {
		return json.Marshal(map[string]any{
			"rows_affected": rows.CommandTag().RowsAffected(),
		})
	}
	if records == nil {
		records = []map[string]any{}
	}
	return json.Marshal(map[string]any{
		"rows":      records,
		"row_count": len(records),
	})
}
