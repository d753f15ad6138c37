package contextstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS contexts (
	context_id        TEXT PRIMARY KEY,
	context_type      TEXT NOT NULL,
	created_at        INTEGER NOT NULL,
	updated_at        INTEGER NOT NULL,
	session_id        TEXT,
	agent_id          TEXT,
	task_id           TEXT,
	workflow_id       TEXT,
	parent_context_id TEXT,
	related_ids       TEXT NOT NULL DEFAULT '[]',
	tags              TEXT NOT NULL DEFAULT '[]',
	expires_at        INTEGER,
	content           TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_contexts_type ON contexts(context_type);
CREATE INDEX IF NOT EXISTS idx_contexts_session ON contexts(session_id);
CREATE INDEX IF NOT EXISTS idx_contexts_agent ON contexts(agent_id);
CREATE INDEX IF NOT EXISTS idx_contexts_task ON contexts(task_id);
CREATE INDEX IF NOT EXISTS idx_contexts_workflow ON contexts(workflow_id);

CREATE TABLE IF NOT EXISTS context_edges (
	from_id    TEXT NOT NULL,
	to_id      TEXT NOT NULL,
	relation   TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (from_id, to_id, relation)
);
CREATE INDEX IF NOT EXISTS idx_edges_from ON context_edges(from_id);

CREATE TABLE IF NOT EXISTS context_tags (
	context_id TEXT NOT NULL,
	tag        TEXT NOT NULL,
	PRIMARY KEY (context_id, tag)
);
CREATE INDEX IF NOT EXISTS idx_tags_tag ON context_tags(tag);
`

// SQLiteConfig holds durable-tier settings.
type SQLiteConfig struct {
	// Path is the database file path. ":memory:" with PoolSize 1 works
	// for tests.
	Path string

	// PoolSize is the connection pool size. Defaults to
	// max(NumCPU, 4).
	PoolSize int
}

// SQLiteTier is the durable relational tier: metadata columns, a JSON
// content blob, an explicit relationship edge table, and a tag table.
// It is authoritative for multi-predicate filters and relationship
// traversal, and the only tier intended to be shared across processes.
type SQLiteTier struct {
	pool   *sqlitex.Pool
	logger *zap.Logger
	path   string
}

// NewSQLiteTier opens (creating if needed) the durable tier database.
func NewSQLiteTier(cfg SQLiteConfig, logger *zap.Logger) (*SQLiteTier, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: sqlite path is required", ErrTierUnavailable)
	}

	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = runtime.NumCPU()
		if poolSize < 4 {
			poolSize = 4
		}
	}
	if cfg.Path == ":memory:" {
		// In-memory connections are independent databases.
		poolSize = 1
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, "PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"+sqliteSchema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite pool %s: %w", cfg.Path, err)
	}

	logger.Info("sqlite durable tier opened",
		zap.String("path", cfg.Path),
		zap.Int("pool_size", poolSize),
	)

	return &SQLiteTier{pool: pool, logger: logger, path: cfg.Path}, nil
}

// Name returns the tier name.
func (t *SQLiteTier) Name() string { return TierDurable }

// Store upserts the object row and replaces its tag rows.
func (t *SQLiteTier) Store(ctx context.Context, obj *Object) error {
	if err := obj.Validate(); err != nil {
		return err
	}

	conn, err := t.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTierUnavailable, err)
	}
	defer t.pool.Put(conn)

	content, err := json.Marshal(obj.Content)
	if err != nil {
		return fmt.Errorf("marshaling content for %s: %w", obj.Metadata.ContextID, err)
	}
	related, err := json.Marshal(nonNil(obj.Metadata.RelatedContextIDs))
	if err != nil {
		return fmt.Errorf("marshaling related ids: %w", err)
	}
	tags, err := json.Marshal(nonNil(obj.Metadata.Tags))
	if err != nil {
		return fmt.Errorf("marshaling tags: %w", err)
	}

	var expiresAt any
	if obj.ExpiresAt != nil {
		expiresAt = obj.ExpiresAt.UnixNano()
	}

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer endFn(&err)

	err = sqlitex.Execute(conn, `INSERT INTO contexts
		(context_id, context_type, created_at, updated_at, session_id,
		 agent_id, task_id, workflow_id, parent_context_id, related_ids,
		 tags, expires_at, content)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(context_id) DO UPDATE SET
			context_type = excluded.context_type,
			updated_at = excluded.updated_at,
			session_id = excluded.session_id,
			agent_id = excluded.agent_id,
			task_id = excluded.task_id,
			workflow_id = excluded.workflow_id,
			parent_context_id = excluded.parent_context_id,
			related_ids = excluded.related_ids,
			tags = excluded.tags,
			expires_at = excluded.expires_at,
			content = excluded.content`,
		&sqlitex.ExecOptions{Args: []any{
			obj.Metadata.ContextID,
			obj.Metadata.ContextType,
			obj.Metadata.CreatedAt.UnixNano(),
			obj.Metadata.UpdatedAt.UnixNano(),
			obj.Metadata.SessionID,
			obj.Metadata.AgentID,
			obj.Metadata.TaskID,
			obj.Metadata.WorkflowID,
			obj.Metadata.ParentContextID,
			string(related),
			string(tags),
			expiresAt,
			string(content),
		}})
	if err != nil {
		return fmt.Errorf("upserting context %s: %w", obj.Metadata.ContextID, err)
	}

	err = sqlitex.Execute(conn, "DELETE FROM context_tags WHERE context_id = ?",
		&sqlitex.ExecOptions{Args: []any{obj.Metadata.ContextID}})
	if err != nil {
		return fmt.Errorf("clearing tags for %s: %w", obj.Metadata.ContextID, err)
	}
	for _, tag := range obj.Metadata.Tags {
		err = sqlitex.Execute(conn, "INSERT OR IGNORE INTO context_tags (context_id, tag) VALUES (?, ?)",
			&sqlitex.ExecOptions{Args: []any{obj.Metadata.ContextID, tag}})
		if err != nil {
			return fmt.Errorf("inserting tag %q for %s: %w", tag, obj.Metadata.ContextID, err)
		}
	}

	return nil
}

// GetByID returns the object or ErrNotFound.
func (t *SQLiteTier) GetByID(ctx context.Context, id string) (*Object, error) {
	conn, err := t.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTierUnavailable, err)
	}
	defer t.pool.Put(conn)

	var obj *Object
	err = sqlitex.Execute(conn, selectContexts+" WHERE context_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				scanned, scanErr := scanContext(stmt)
				if scanErr != nil {
					return scanErr
				}
				obj = scanned
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("querying context %s: %w", id, err)
	}
	if obj == nil || obj.Expired(time.Now()) {
		return nil, ErrNotFound
	}
	return obj, nil
}

const selectContexts = `SELECT context_id, context_type, created_at, updated_at,
	session_id, agent_id, task_id, workflow_id, parent_context_id,
	related_ids, tags, expires_at, content FROM contexts`

// FindByFilter builds a parameterized query over the metadata columns,
// with tag predicates as EXISTS subqueries against context_tags.
func (t *SQLiteTier) FindByFilter(ctx context.Context, filter Filter) ([]*Object, error) {
	conn, err := t.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTierUnavailable, err)
	}
	defer t.pool.Put(conn)

	var clauses []string
	var args []any
	add := func(clause string, value any) {
		clauses = append(clauses, clause)
		args = append(args, value)
	}

	if filter.ContextType != "" {
		add("context_type = ?", filter.ContextType)
	}
	if filter.SessionID != "" {
		add("session_id = ?", filter.SessionID)
	}
	if filter.AgentID != "" {
		add("agent_id = ?", filter.AgentID)
	}
	if filter.TaskID != "" {
		add("task_id = ?", filter.TaskID)
	}
	if filter.WorkflowID != "" {
		add("workflow_id = ?", filter.WorkflowID)
	}
	for _, tag := range filter.Tags {
		add("EXISTS (SELECT 1 FROM context_tags ct WHERE ct.context_id = contexts.context_id AND ct.tag = ?)", tag)
	}
	add("(expires_at IS NULL OR expires_at > ?)", time.Now().UnixNano())

	query := selectContexts + " WHERE " + strings.Join(clauses, " AND ") + " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	var out []*Object
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			obj, scanErr := scanContext(stmt)
			if scanErr != nil {
				return scanErr
			}
			out = append(out, obj)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("filter query: %w", err)
	}
	return out, nil
}

// Delete removes the object row, its tags, and its edges.
func (t *SQLiteTier) Delete(ctx context.Context, id string) error {
	conn, err := t.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTierUnavailable, err)
	}
	defer t.pool.Put(conn)

	for _, stmt := range []string{
		"DELETE FROM contexts WHERE context_id = ?",
		"DELETE FROM context_tags WHERE context_id = ?",
		"DELETE FROM context_edges WHERE from_id = ? OR to_id = ?",
	} {
		args := []any{id}
		if strings.Contains(stmt, "to_id") {
			args = []any{id, id}
		}
		if err := sqlitex.Execute(conn, stmt, &sqlitex.ExecOptions{Args: args}); err != nil {
			return fmt.Errorf("deleting context %s: %w", id, err)
		}
	}
	return nil
}

// RecordEdge persists a directed relationship edge. Duplicate edges are
// ignored.
func (t *SQLiteTier) RecordEdge(ctx context.Context, fromID, toID, relation string) error {
	conn, err := t.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTierUnavailable, err)
	}
	defer t.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"INSERT OR IGNORE INTO context_edges (from_id, to_id, relation, created_at) VALUES (?, ?, ?, ?)",
		&sqlitex.ExecOptions{Args: []any{fromID, toID, relation, time.Now().UnixNano()}})
	if err != nil {
		return fmt.Errorf("recording edge %s -> %s: %w", fromID, toID, err)
	}
	return nil
}

// RelatedIDs returns ids with a recorded edge from the given id.
func (t *SQLiteTier) RelatedIDs(ctx context.Context, id string) ([]string, error) {
	conn, err := t.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTierUnavailable, err)
	}
	defer t.pool.Put(conn)

	var ids []string
	err = sqlitex.Execute(conn,
		"SELECT to_id FROM context_edges WHERE from_id = ? ORDER BY created_at ASC",
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				ids = append(ids, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("querying edges for %s: %w", id, err)
	}
	return ids, nil
}

// Healthy verifies a connection can be taken and queried.
func (t *SQLiteTier) Healthy(ctx context.Context) bool {
	checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	conn, err := t.pool.Take(checkCtx)
	if err != nil {
		return false
	}
	defer t.pool.Put(conn)
	return sqlitex.Execute(conn, "SELECT 1", nil) == nil
}

// Close closes the connection pool.
func (t *SQLiteTier) Close() error {
	return t.pool.Close()
}

func scanContext(stmt *sqlite.Stmt) (*Object, error) {
	obj := &Object{
		Metadata: Metadata{
			ContextID:       stmt.ColumnText(0),
			ContextType:     stmt.ColumnText(1),
			CreatedAt:       time.Unix(0, stmt.ColumnInt64(2)).UTC(),
			UpdatedAt:       time.Unix(0, stmt.ColumnInt64(3)).UTC(),
			SessionID:       stmt.ColumnText(4),
			AgentID:         stmt.ColumnText(5),
			TaskID:          stmt.ColumnText(6),
			WorkflowID:      stmt.ColumnText(7),
			ParentContextID: stmt.ColumnText(8),
		},
	}

	if err := json.Unmarshal([]byte(stmt.ColumnText(9)), &obj.Metadata.RelatedContextIDs); err != nil {
		return nil, fmt.Errorf("decoding related ids for %s: %w", obj.Metadata.ContextID, err)
	}
	if err := json.Unmarshal([]byte(stmt.ColumnText(10)), &obj.Metadata.Tags); err != nil {
		return nil, fmt.Errorf("decoding tags for %s: %w", obj.Metadata.ContextID, err)
	}
	if stmt.ColumnType(11) != sqlite.TypeNull {
		expires := time.Unix(0, stmt.ColumnInt64(11)).UTC()
		obj.ExpiresAt = &expires
	}
	if err := json.Unmarshal([]byte(stmt.ColumnText(12)), &obj.Content); err != nil {
		return nil, fmt.Errorf("decoding content for %s: %w", obj.Metadata.ContextID, err)
	}
	return obj, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

var (
	_ Tier         = (*SQLiteTier)(nil)
	_ EdgeRecorder = (*SQLiteTier)(nil)
)
