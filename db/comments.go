package db

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"
)

// CommentArchive mirrors one session's comment rows into the session_comments
// table. It implements sink.EventSink and receives records in the comment CSV
// column order (timestamp, user_id, nickname, comment, follower_count).
type CommentArchive struct {
	DB       *sql.DB
	Streamer string
}

func (c *CommentArchive) Write(record []string) error {
	if len(record) < 5 {
		return fmt.Errorf("comment record has %d columns, want 5", len(record))
	}
	at, err := time.Parse(time.RFC3339Nano, record[0])
	if err != nil {
		return fmt.Errorf("comment timestamp: %w", err)
	}
	followers, _ := strconv.Atoi(record[4])
	_, err = c.DB.Exec(`INSERT INTO session_comments
		(at, streamer, user_id, nickname, comment, follower_count)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		at, c.Streamer, record[1], record[2], record[3], followers)
	return err
}

func (c *CommentArchive) Close() error { return nil }
