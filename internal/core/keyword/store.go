package keyword

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"rankengine/internal/core/serp"
	"rankengine/internal/utils/chunk"
)

// loadBatch keeps IN (...) lists well below sqlite's variable limit.
const loadBatch = 500

const schema = `
CREATE TABLE IF NOT EXISTS keyword_rankings (
	client_code     TEXT    NOT NULL,
	keyword         TEXT    NOT NULL,
	location_code   INTEGER NOT NULL,
	selected_domain TEXT    NOT NULL DEFAULT '',
	job_id          TEXT    NOT NULL DEFAULT '',
	results         TEXT    NOT NULL DEFAULT '[]',
	domain_rank     INTEGER,
	fetched_at      TEXT    NOT NULL,
	PRIMARY KEY (client_code, keyword, location_code)
);
CREATE INDEX IF NOT EXISTS idx_keyword_rankings_job ON keyword_rankings (job_id);
`

// Record is the stored ranking snapshot for one keyword in one location.
type Record struct {
	ClientCode     string       `json:"clientCode"`
	Keyword        string       `json:"keyword"`
	LocationCode   int          `json:"locationCode"`
	SelectedDomain string       `json:"selectedDomain"`
	JobID          string       `json:"jobId"`
	Results        []serp.Entry `json:"results"`
	DomainRank     *int         `json:"domainRank"`
	FetchedAt      time.Time    `json:"fetchedAt"`
}

// NewRecord builds a record and resolves where selectedDomain ranks.
func NewRecord(clientCode, kw string, locationCode int, selectedDomain, jobID string, results []serp.Entry) Record {
	if results == nil {
		results = []serp.Entry{}
	}
	r := Record{
		ClientCode:     clientCode,
		Keyword:        kw,
		LocationCode:   locationCode,
		SelectedDomain: selectedDomain,
		JobID:          jobID,
		Results:        results,
	}
	if rank, ok := serp.DomainRank(results, selectedDomain); ok {
		r.DomainRank = &rank
	}
	return r
}

func (r Record) HasResults() bool { return len(r.Results) > 0 }

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(ctx context.Context, db *sql.DB) (*Store, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("migrate keyword store: %w", err)
	}
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Load returns the stored records among keywords for one client and
// location, keyed by keyword. Keywords without a row are absent.
func (s *Store) Load(ctx context.Context, clientCode string, locationCode int, keywords []string) (map[string]Record, error) {
	out := make(map[string]Record, len(keywords))
	for _, batch := range chunk.Split(keywords, loadBatch) {
		args := make([]any, 0, len(batch)+2)
		args = append(args, clientCode, locationCode)
		for _, kw := range batch {
			args = append(args, kw)
		}
		q := `SELECT client_code, keyword, location_code, selected_domain, job_id, results, domain_rank, fetched_at
FROM keyword_rankings WHERE client_code = ? AND location_code = ? AND keyword IN (` +
			strings.TrimSuffix(strings.Repeat("?,", len(batch)), ",") + `)`
		recs, err := s.query(ctx, q, args...)
		if err != nil {
			return nil, fmt.Errorf("load keywords: %w", err)
		}
		for _, r := range recs {
			out[r.Keyword] = r
		}
	}
	return out, nil
}

// List returns every stored record for a client and location, by keyword.
func (s *Store) List(ctx context.Context, clientCode string, locationCode int) ([]Record, error) {
	recs, err := s.query(ctx, `SELECT client_code, keyword, location_code, selected_domain, job_id, results, domain_rank, fetched_at
FROM keyword_rankings WHERE client_code = ? AND location_code = ? ORDER BY keyword`, clientCode, locationCode)
	if err != nil {
		return nil, fmt.Errorf("list keywords: %w", err)
	}
	return recs, nil
}

// BatchWrite upserts all records in one transaction: either every record is
// written or none is.
func (s *Store) BatchWrite(ctx context.Context, recs []Record) (err error) {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch write: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO keyword_rankings (client_code, keyword, location_code, selected_domain, job_id, results, domain_rank, fetched_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (client_code, keyword, location_code) DO UPDATE SET
	selected_domain = excluded.selected_domain,
	job_id          = excluded.job_id,
	results         = excluded.results,
	domain_rank     = excluded.domain_rank,
	fetched_at      = excluded.fetched_at`)
	if err != nil {
		return fmt.Errorf("prepare batch write: %w", err)
	}
	defer stmt.Close()

	now := s.now()
	for _, r := range recs {
		results := r.Results
		if results == nil {
			results = []serp.Entry{}
		}
		b, err := json.Marshal(results)
		if err != nil {
			return fmt.Errorf("encode results for %q: %w", r.Keyword, err)
		}
		var rank sql.NullInt64
		if r.DomainRank != nil {
			rank = sql.NullInt64{Int64: int64(*r.DomainRank), Valid: true}
		}
		fetched := r.FetchedAt
		if fetched.IsZero() {
			fetched = now
		}
		if _, err := stmt.ExecContext(ctx, r.ClientCode, r.Keyword, r.LocationCode, r.SelectedDomain, r.JobID,
			string(b), rank, fetched.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("write %q: %w", r.Keyword, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch write: %w", err)
	}
	return nil
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r       Record
			results string
			rank    sql.NullInt64
			fetched string
		)
		if err := rows.Scan(&r.ClientCode, &r.Keyword, &r.LocationCode, &r.SelectedDomain, &r.JobID, &results, &rank, &fetched); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(results), &r.Results); err != nil {
			return nil, fmt.Errorf("decode results for %q: %w", r.Keyword, err)
		}
		if rank.Valid {
			v := int(rank.Int64)
			r.DomainRank = &v
		}
		if t, err := time.Parse(time.RFC3339Nano, fetched); err == nil {
			r.FetchedAt = t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
