// Package vectorindex stores tool and method embeddings in SQLite and
// serves the two-level fallback search: a coarse pass over per-server
// vectors, then a fine pass over method vectors within the shortlist.
package vectorindex

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"orchd/internal/domain"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS server_vectors (
	server      TEXT PRIMARY KEY,
	description TEXT NOT NULL,
	embedding   BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS method_vectors (
	server      TEXT NOT NULL,
	method      TEXT NOT NULL,
	description TEXT NOT NULL,
	embedding   BLOB NOT NULL,
	PRIMARY KEY (server, method)
);
`

// Index is the persistent embedding store.
type Index struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (or creates) the index database. An empty path keeps the
// index in memory, which is the default since entries are re-seeded
// at startup anyway.
func Open(path string, logger *zap.Logger) (*Index, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dsn := path
	if dsn == "" {
		dsn = "file:vectorindex?mode=memory&cache=shared"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open vector index: %w", err)
	}
	// The shared-cache in-memory DB disappears with its last
	// connection; a single connection also sidesteps table locks.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create vector index schema: %w", err)
	}
	return &Index{db: db, logger: logger.Named("vectorindex")}, nil
}

func (ix *Index) Close() error { return ix.db.Close() }

// Rebuild replaces the whole corpus with the given tool set. Server
// vectors summarize a server's methods; method vectors carry the
// per-method descriptions.
func (ix *Index) Rebuild(ctx context.Context, embedder Embedder, tools []domain.DiscoveredTool) error {
	byServer := map[string][]domain.DiscoveredTool{}
	for _, t := range tools {
		byServer[t.Ref.Server] = append(byServer[t.Ref.Server], t)
	}

	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM server_vectors`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM method_vectors`); err != nil {
		return err
	}

	for server, methods := range byServer {
		var summary strings.Builder
		summary.WriteString(server)
		for _, m := range methods {
			summary.WriteString(" ")
			summary.WriteString(m.Ref.Method)
			summary.WriteString(" ")
			summary.WriteString(m.Description)
		}
		blob, err := embedBlob(ctx, embedder, summary.String())
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO server_vectors (server, description, embedding) VALUES (?, ?, ?)`,
			server, summary.String(), blob); err != nil {
			return err
		}

		for _, m := range methods {
			text := m.Ref.Method + " " + m.Description
			blob, err := embedBlob(ctx, embedder, text)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO method_vectors (server, method, description, embedding) VALUES (?, ?, ?, ?)`,
				m.Ref.Server, m.Ref.Method, m.Description, blob); err != nil {
				return err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	ix.logger.Info("vector index rebuilt",
		zap.Int("servers", len(byServer)),
		zap.Int("methods", len(tools)))
	return nil
}

// topServers runs the coarse pass: servers ranked by similarity to
// the query vector.
func (ix *Index) topServers(ctx context.Context, query []float32, limit int) ([]string, error) {
	blob, err := vec.SerializeFloat32(query)
	if err != nil {
		return nil, err
	}
	rows, err := ix.db.QueryContext(ctx, `
		SELECT server, vec_distance_cosine(embedding, ?) AS distance
		FROM server_vectors
		ORDER BY distance ASC
		LIMIT ?`, blob, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var servers []string
	for rows.Next() {
		var server string
		var distance float64
		if err := rows.Scan(&server, &distance); err != nil {
			return nil, err
		}
		servers = append(servers, server)
	}
	return servers, rows.Err()
}

// methodHit is one fine-pass result, embedding included so the
// clustering step can compare hits pairwise.
type methodHit struct {
	server      string
	method      string
	description string
	score       float64
	embedding   []float32
}

// topMethods runs the fine pass within the shortlisted servers.
func (ix *Index) topMethods(ctx context.Context, query []float32, servers []string, limit int) ([]methodHit, error) {
	if len(servers) == 0 {
		return nil, nil
	}
	blob, err := vec.SerializeFloat32(query)
	if err != nil {
		return nil, err
	}

	placeholders := strings.Repeat("?,", len(servers))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(servers)+2)
	args = append(args, blob)
	for _, s := range servers {
		args = append(args, s)
	}
	args = append(args, limit)

	rows, err := ix.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT server, method, description, embedding,
			vec_distance_cosine(embedding, ?) AS distance
		FROM method_vectors
		WHERE server IN (%s)
		ORDER BY distance ASC
		LIMIT ?`, placeholders), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []methodHit
	for rows.Next() {
		var h methodHit
		var raw []byte
		var distance float64
		if err := rows.Scan(&h.server, &h.method, &h.description, &raw, &distance); err != nil {
			return nil, err
		}
		h.score = 1 - distance
		h.embedding = deserializeFloat32(raw)
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func embedBlob(ctx context.Context, embedder Embedder, text string) ([]byte, error) {
	v, err := embedder.Embed(ctx, text)
	if err != nil {
		return nil, &domain.CollaboratorError{Which: domain.CollaboratorEmbedder, Cause: err}
	}
	return vec.SerializeFloat32(v)
}

func deserializeFloat32(raw []byte) []float32 {
	out := make([]float32, len(raw)/4)
	for i := range out {
		bits := binary.LittleEndian.Uint32(raw[i*4:])
		out[i] = math.Float32frombits(bits)
	}
	return out
}
