// Package db provides the optional Postgres archive: session summaries are
// mirrored into a table alongside the CSV log so long-running deployments can
// query history. The archive is enabled by setting DB_DSN; without it the
// monitor runs file-only.
package db

import (
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'

	"github.com/onnwee/streamwatch/sink"
	"github.com/onnwee/streamwatch/stream"
)

// Connect opens a Postgres connection for the given DSN.
func Connect(dsn string) (*sql.DB, error) {
	return sql.Open("pgx", dsn)
}

// Archive appends session summaries to the session_summaries table. It
// implements sink.SummaryWriter.
type Archive struct {
	DB *sql.DB
}

func (a *Archive) Append(s sink.Summary) error {
	count := func(k stream.Kind) int { return s.Counts[k] }
	_, err := a.DB.Exec(`INSERT INTO session_summaries
		(at, streamer, action, status, duration_seconds, comments, gifts, follows, shares, joins, likes, tags, notes, error)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		s.At, s.Streamer, s.Action, s.Status, s.Duration.Seconds(),
		count(stream.KindComment), count(stream.KindGift), count(stream.KindFollow),
		count(stream.KindShare), count(stream.KindJoin), count(stream.KindLike),
		strings.Join(s.Tags, ";"), s.Notes, s.Err)
	return err
}
