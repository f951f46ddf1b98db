package db

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/rawblock/chaintrace-engine/internal/alerts"
	"github.com/rawblock/chaintrace-engine/pkg/models"
)

// schemaSQL is compiled into the binary at build time.
// This ensures schema init works inside the Docker runtime image which
// does not copy internal/db/schema.sql into the final stage.
//
//go:embed schema.sql
var schemaSQL string

type PostgresStore struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// RunRecord mirrors one row of the investigations table
type RunRecord struct {
	ID        string    `json:"id"`
	Chain     string    `json:"chain"`
	Asset     string    `json:"asset"`
	Announce  time.Time `json:"announce"`
	LPUSD     float64   `json:"lpUsd"`
	Mode      string    `json:"mode"`
	StartedAt time.Time `json:"startedAt"`
}

// Connect initializes the connection pool to PostgreSQL using pgx
func Connect(ctx context.Context, connStr string, log zerolog.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping failed: %w", err)
	}

	log = log.With().Str("component", "db").Logger()
	log.Info().Msg("connected to postgres")
	return &PostgresStore{pool: pool, log: log}, nil
}

// Close gracefully closes the connection pool
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema executes the embedded schema.sql DDL statements.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema migrations: %w", err)
	}
	s.log.Info().Msg("schema initialized")
	return nil
}

// SaveRun upserts investigation metadata for durable case storage.
func (s *PostgresStore) SaveRun(ctx context.Context, rec RunRecord) error {
	sql := `
		INSERT INTO investigations (id, chain, asset, announce_at, lp_usd, mode, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			chain = EXCLUDED.chain,
			asset = EXCLUDED.asset,
			announce_at = EXCLUDED.announce_at,
			lp_usd = EXCLUDED.lp_usd,
			mode = EXCLUDED.mode,
			updated_at = NOW();
	`
	_, err := s.pool.Exec(ctx, sql, rec.ID, rec.Chain, rec.Asset, rec.Announce, rec.LPUSD, rec.Mode, rec.StartedAt)
	return err
}

// ListRuns returns stored investigations, newest first.
func (s *PostgresStore) ListRuns(ctx context.Context) ([]RunRecord, error) {
	sql := `
		SELECT id, chain, asset, announce_at, lp_usd, mode, started_at
		FROM investigations
		ORDER BY started_at DESC;
	`
	rows, err := s.pool.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recs := make([]RunRecord, 0)
	for rows.Next() {
		var r RunRecord
		if err := rows.Scan(&r.ID, &r.Chain, &r.Asset, &r.Announce, &r.LPUSD, &r.Mode, &r.StartedAt); err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// SaveObservation persists one ledger entry. Replayed duplicates are
// ignored; the EID was already assigned when the row first landed.
func (s *PostgresStore) SaveObservation(ctx context.Context, runID string, obs models.Observation) error {
	body, err := json.Marshal(obs)
	if err != nil {
		return fmt.Errorf("marshal observation %d: %w", obs.EID, err)
	}
	sql := `
		INSERT INTO observations (run_id, eid, kind, source_url, fetched_at, payload_hash, tier, body)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (run_id, eid) DO NOTHING;
	`
	_, err = s.pool.Exec(ctx, sql, runID, obs.EID, string(obs.Kind),
		obs.SourceURL, obs.FetchedAt, obs.PayloadHash, int(obs.Tier), body)
	return err
}

// LoadObservations returns a run's ledger in EID order, for replaying
// derived state on process boot.
func (s *PostgresStore) LoadObservations(ctx context.Context, runID string) ([]models.Observation, error) {
	sql := `SELECT body FROM observations WHERE run_id = $1 ORDER BY eid;`
	rows, err := s.pool.Query(ctx, sql, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	obs := make([]models.Observation, 0)
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var o models.Observation
		if err := json.Unmarshal(body, &o); err != nil {
			return nil, fmt.Errorf("corrupt observation row in run %s: %w", runID, err)
		}
		obs = append(obs, o)
	}
	return obs, rows.Err()
}

// ReplaceClusters swaps a run's cluster set in one transaction.
// Recompute never patches clusters in place, so neither does storage.
func (s *PostgresStore) ReplaceClusters(ctx context.Context, runID string, clusters []models.Cluster) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM clusters WHERE run_id = $1;`, runID); err != nil {
		return fmt.Errorf("failed to clear clusters: %w", err)
	}

	insertSQL := `
		INSERT INTO clusters
			(run_id, id, relation_score, insider_score, link_confidence,
			 relation_label, insider_label, demoted, provenance, body)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10);
	`
	for _, c := range clusters {
		body, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("marshal cluster %s: %w", c.ID, err)
		}
		_, err = tx.Exec(ctx, insertSQL, runID, c.ID,
			c.RelationScore, c.InsiderScore, c.LinkConfidence,
			c.RelationLabel, c.InsiderLabel, c.Demoted, c.ThresholdProvenance, body)
		if err != nil {
			return fmt.Errorf("failed to insert cluster %s: %w", c.ID, err)
		}
	}
	return tx.Commit(ctx)
}

// LoadClusters returns a run's stored clusters sorted by relation score.
func (s *PostgresStore) LoadClusters(ctx context.Context, runID string) ([]models.Cluster, error) {
	sql := `SELECT body FROM clusters WHERE run_id = $1 ORDER BY relation_score DESC, id;`
	return scanBodies[models.Cluster](ctx, s.pool, sql, runID)
}

// SaveClaim upserts the current resolution state of one claim.
func (s *PostgresStore) SaveClaim(ctx context.Context, runID string, claim models.Claim) error {
	body, err := json.Marshal(claim)
	if err != nil {
		return fmt.Errorf("marshal claim %s: %w", claim.ID, err)
	}
	sql := `
		INSERT INTO claims (run_id, id, kind, status, statement, body)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (run_id, id) DO UPDATE SET
			status = EXCLUDED.status,
			body = EXCLUDED.body,
			updated_at = NOW();
	`
	_, err = s.pool.Exec(ctx, sql, runID, claim.ID,
		string(claim.Kind), string(claim.Status), claim.Statement, body)
	return err
}

// LoadClaims returns a run's claims ordered by claim ID.
func (s *PostgresStore) LoadClaims(ctx context.Context, runID string) ([]models.Claim, error) {
	sql := `SELECT body FROM claims WHERE run_id = $1 ORDER BY id;`
	return scanBodies[models.Claim](ctx, s.pool, sql, runID)
}

// AppendContradiction logs one contradiction record. The log is
// append-only; resolution shows up as a later record, never an update.
func (s *PostgresStore) AppendContradiction(ctx context.Context, runID string, rec models.ContradictionRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal contradiction for %s: %w", rec.ClaimID, err)
	}
	sql := `
		INSERT INTO contradictions (run_id, claim_id, detected_at, body)
		VALUES ($1, $2, $3, $4);
	`
	_, err = s.pool.Exec(ctx, sql, runID, rec.ClaimID, rec.DetectedAt, body)
	return err
}

// LoadContradictions returns a run's contradiction log in detection order.
func (s *PostgresStore) LoadContradictions(ctx context.Context, runID string) ([]models.ContradictionRecord, error) {
	sql := `SELECT body FROM contradictions WHERE run_id = $1 ORDER BY seq;`
	return scanBodies[models.ContradictionRecord](ctx, s.pool, sql, runID)
}

// SaveAlert persists one emitted alert for the history endpoints.
func (s *PostgresStore) SaveAlert(ctx context.Context, alert alerts.Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert %s: %w", alert.ID, err)
	}
	sql := `
		INSERT INTO alerts (id, run_id, severity, alert_type, title, body, emitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING;
	`
	_, err = s.pool.Exec(ctx, sql, alert.ID, alert.RunID,
		alert.Severity, alert.AlertType, alert.Title, body, alert.Timestamp)
	return err
}

// LoadAlerts returns a run's alerts, newest first, capped at limit.
func (s *PostgresStore) LoadAlerts(ctx context.Context, runID string, limit int) ([]alerts.Alert, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	sql := `
		SELECT body FROM alerts
		WHERE run_id = $1
		ORDER BY emitted_at DESC
		LIMIT $2;
	`
	return scanBodies[alerts.Alert](ctx, s.pool, sql, runID, limit)
}

// GetPool exposes the connection pool for subsystems that need raw access
func (s *PostgresStore) GetPool() *pgxpool.Pool {
	return s.pool
}

func scanBodies[T any](ctx context.Context, pool *pgxpool.Pool, sql string, args ...any) ([]T, error) {
	rows, err := pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectBodies[T](rows)
}

func collectBodies[T any](rows pgx.Rows) ([]T, error) {
	out := make([]T, 0)
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal(body, &v); err != nil {
			return nil, fmt.Errorf("corrupt row: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
