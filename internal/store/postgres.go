package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog/log"

	"github.com/admproto/admp-hub/internal/store/migrations"
)

// Postgres is the PostgreSQL-backed document store. Documents live in a
// single JSONB table; filters and ordering are pushed down as JSONB
// expressions, and Claim uses SELECT ... FOR UPDATE SKIP LOCKED.
type Postgres struct {
	pool *pgxpool.Pool
}

// gooseLogger adapts zerolog to the goose.Logger interface.
type gooseLogger struct{}

func (gooseLogger) Fatalf(format string, v ...any) { log.Error().Msgf(format, v...) }
func (gooseLogger) Printf(format string, v ...any) { log.Info().Msgf(format, v...) }

// ConnectPostgres creates a pgxpool.Pool from the given DSN with the
// specified connection limits and verifies it with a ping.
func ConnectPostgres(ctx context.Context, dsn string, maxConns, minConns int) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	cfg.MaxConns = int32(maxConns)
	cfg.MinConns = int32(minConns)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

// MigratePostgres runs all pending goose migrations using the embedded SQL files.
func MigratePostgres(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open sql connection for migrations: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(gooseLogger{})

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}

	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

var fieldPattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// fieldExpr renders the JSONB accessor for a top-level field. Field names
// come from internal callers only, but are validated anyway.
func fieldExpr(field string) (string, error) {
	if !fieldPattern.MatchString(field) {
		return "", fmt.Errorf("store: invalid field name %q", field)
	}
	return "doc->>'" + field + "'", nil
}

// buildWhere renders the filter conditions into SQL, appending bind values
// to args. The returned clauses do not include the collection predicate.
func buildWhere(conds []condition, args *[]any) ([]string, error) {
	clauses := make([]string, 0, len(conds))
	for _, c := range conds {
		expr, err := fieldExpr(c.field)
		if err != nil {
			return nil, err
		}
		if c.op == "=" {
			switch v := c.value.(type) {
			case []string:
				*args = append(*args, v)
				clauses = append(clauses, fmt.Sprintf("%s = ANY($%d)", expr, len(*args)))
			case string:
				*args = append(*args, v)
				clauses = append(clauses, fmt.Sprintf("%s = $%d", expr, len(*args)))
			case bool:
				*args = append(*args, v)
				clauses = append(clauses, fmt.Sprintf("(%s)::boolean = $%d", expr, len(*args)))
			default:
				n, ok := toNumber(v)
				if !ok {
					return nil, fmt.Errorf("store: unsupported filter value for field %q", c.field)
				}
				*args = append(*args, n)
				clauses = append(clauses, fmt.Sprintf("(%s)::numeric = $%d", expr, len(*args)))
			}
			continue
		}
		n, _ := toNumber(c.value)
		*args = append(*args, n)
		clauses = append(clauses, fmt.Sprintf("(%s)::numeric %s $%d", expr, c.op, len(*args)))
	}
	return clauses, nil
}

// buildQuery assembles the full SELECT for List and Claim.
func buildQuery(collection string, opts ListOptions, forUpdate bool) (string, []any, error) {
	conds, err := parseFilter(opts.Filter)
	if err != nil {
		return "", nil, err
	}

	args := []any{collection}
	clauses := []string{"collection = $1"}

	where, err := buildWhere(conds, &args)
	if err != nil {
		return "", nil, err
	}
	clauses = append(clauses, where...)

	dir := "ASC"
	cmp := ">"
	if opts.Desc {
		dir = "DESC"
		cmp = "<"
	}

	orderCols := "id " + dir
	if opts.OrderBy != "" {
		expr, err := fieldExpr(opts.OrderBy)
		if err != nil {
			return "", nil, err
		}
		orderCols = fmt.Sprintf("(%s)::numeric %s, id %s", expr, dir, dir)
		if opts.Cursor != "" {
			cur, err := decodeCursor(opts.Cursor)
			if err != nil {
				return "", nil, err
			}
			args = append(args, cur.Key, cur.ID)
			clauses = append(clauses, fmt.Sprintf("((%s)::numeric, id) %s ($%d, $%d)", expr, cmp, len(args)-1, len(args)))
		}
	} else if opts.Cursor != "" {
		cur, err := decodeCursor(opts.Cursor)
		if err != nil {
			return "", nil, err
		}
		args = append(args, cur.ID)
		clauses = append(clauses, fmt.Sprintf("id %s $%d", cmp, len(args)))
	}

	limit := clampLimit(opts.Limit)
	q := fmt.Sprintf(
		"SELECT id, doc FROM documents WHERE %s ORDER BY %s LIMIT %d",
		strings.Join(clauses, " AND "), orderCols, limit+1,
	)
	if forUpdate {
		q = fmt.Sprintf(
			"SELECT id, doc FROM documents WHERE %s ORDER BY %s LIMIT 1 FOR UPDATE SKIP LOCKED",
			strings.Join(clauses, " AND "), orderCols,
		)
	}
	return q, args, nil
}

// Get returns the document with the given id, or ErrNotFound.
func (p *Postgres) Get(ctx context.Context, collection, id string) (json.RawMessage, error) {
	var doc json.RawMessage
	err := p.pool.QueryRow(ctx,
		"SELECT doc FROM documents WHERE collection = $1 AND id = $2",
		collection, id,
	).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapPGErr("get", err)
	}
	return doc, nil
}

// Put creates or replaces a document.
func (p *Postgres) Put(ctx context.Context, collection, id string, doc json.RawMessage) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO documents (collection, id, doc) VALUES ($1, $2, $3)
		 ON CONFLICT (collection, id) DO UPDATE SET doc = excluded.doc`,
		collection, id, doc,
	)
	if err != nil {
		return wrapPGErr("put", err)
	}
	return nil
}

// Insert creates a document, failing with ErrConflict if the id exists.
func (p *Postgres) Insert(ctx context.Context, collection, id string, doc json.RawMessage) error {
	_, err := p.pool.Exec(ctx,
		"INSERT INTO documents (collection, id, doc) VALUES ($1, $2, $3)",
		collection, id, doc,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return wrapPGErr("insert", err)
	}
	return nil
}

// Delete removes a document. Deleting a missing document is a no-op.
func (p *Postgres) Delete(ctx context.Context, collection, id string) error {
	_, err := p.pool.Exec(ctx,
		"DELETE FROM documents WHERE collection = $1 AND id = $2",
		collection, id,
	)
	if err != nil {
		return wrapPGErr("delete", err)
	}
	return nil
}

// List returns matching documents in the requested order with pushed-down
// filtering.
func (p *Postgres) List(ctx context.Context, collection string, opts ListOptions) ([]json.RawMessage, string, error) {
	q, args, err := buildQuery(collection, opts, false)
	if err != nil {
		return nil, "", err
	}

	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, "", wrapPGErr("list", err)
	}
	defer rows.Close()

	matched := make([]doc, 0)
	for rows.Next() {
		var id string
		var raw json.RawMessage
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, "", wrapPGErr("scan", err)
		}
		d, err := decodeDoc(id, raw)
		if err != nil {
			return nil, "", err
		}
		matched = append(matched, d)
	}
	if err := rows.Err(); err != nil {
		return nil, "", wrapPGErr("iterate", err)
	}

	limit := clampLimit(opts.Limit)
	next := ""
	if len(matched) > limit {
		matched = matched[:limit]
		last := matched[len(matched)-1]
		k, _ := orderKey(last, opts.OrderBy)
		next = encodeCursor(cursor{Key: k, ID: last.id})
	}

	out := make([]json.RawMessage, len(matched))
	for i, d := range matched {
		out[i] = d.raw
	}
	return out, next, nil
}

// Claim locks the first matching row with SKIP LOCKED, applies mutate, and
// writes the result in the same transaction.
func (p *Postgres) Claim(ctx context.Context, collection string, opts ListOptions, mutate Mutate) (json.RawMessage, error) {
	q, args, err := buildQuery(collection, opts, true)
	if err != nil {
		return nil, err
	}

	var mutated json.RawMessage
	err = p.withTx(ctx, func(tx pgx.Tx) error {
		var id string
		var raw json.RawMessage
		if err := tx.QueryRow(ctx, q, args...).Scan(&id, &raw); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNoMatch
			}
			return wrapPGErr("claim select", err)
		}
		mutated, err = mutate(raw)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			"UPDATE documents SET doc = $3 WHERE collection = $1 AND id = $2",
			collection, id, mutated,
		); err != nil {
			return wrapPGErr("claim update", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return mutated, nil
}

// Apply performs the batch in one transaction. An Insert write uses a plain
// INSERT so a unique violation rolls the whole batch back as ErrConflict.
func (p *Postgres) Apply(ctx context.Context, writes []Write) error {
	return p.withTx(ctx, func(tx pgx.Tx) error {
		for _, w := range writes {
			if w.Doc == nil {
				if _, err := tx.Exec(ctx,
					"DELETE FROM documents WHERE collection = $1 AND id = $2",
					w.Collection, w.ID,
				); err != nil {
					return wrapPGErr("apply delete", err)
				}
				continue
			}
			if w.Insert {
				if _, err := tx.Exec(ctx,
					"INSERT INTO documents (collection, id, doc) VALUES ($1, $2, $3)",
					w.Collection, w.ID, w.Doc,
				); err != nil {
					if isUniqueViolation(err) {
						return ErrConflict
					}
					return wrapPGErr("apply insert", err)
				}
				continue
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO documents (collection, id, doc) VALUES ($1, $2, $3)
				 ON CONFLICT (collection, id) DO UPDATE SET doc = excluded.doc`,
				w.Collection, w.ID, w.Doc,
			); err != nil {
				return wrapPGErr("apply put", err)
			}
		}
		return nil
	})
}

// withTx runs fn inside a transaction. The deferred rollback after a
// successful commit is a safe no-op.
func (p *Postgres) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return wrapPGErr("begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapPGErr("commit", err)
	}
	return nil
}

// Ping verifies the connection.
func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return wrapPGErr("ping", err)
	}
	return nil
}

// Close releases the pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// isUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// wrapPGErr tags transport failures as retriable ErrUnavailable.
func wrapPGErr(op string, err error) error {
	return fmt.Errorf("postgres %s: %w: %w", op, ErrUnavailable, err)
}
