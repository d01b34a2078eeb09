package ingest

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/facialdata/collector/internal/models"
)

// Repository persists sessions, videos, and client logs in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an ingest repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateSession inserts a new collection session.
func (r *Repository) CreateSession(ctx context.Context, s models.CollectionSession) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO collection_sessions (id, participant_id, participant_name, created_at)
		VALUES ($1, $2, $3, $4)`,
		s.ID, s.ParticipantID, s.ParticipantName, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession fetches a session by id, or nil when absent.
func (r *Repository) GetSession(ctx context.Context, id uuid.UUID) (*models.CollectionSession, error) {
	var s models.CollectionSession
	err := r.pool.QueryRow(ctx, `
		SELECT id, participant_id, participant_name, created_at
		FROM collection_sessions WHERE id = $1`, id,
	).Scan(&s.ID, &s.ParticipantID, &s.ParticipantName, &s.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select session: %w", err)
	}
	return &s, nil
}

// ListSessions returns all sessions, newest first.
func (r *Repository) ListSessions(ctx context.Context) ([]models.CollectionSession, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, participant_id, participant_name, created_at
		FROM collection_sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("select sessions: %w", err)
	}
	defer rows.Close()

	var out []models.CollectionSession
	for rows.Next() {
		var s models.CollectionSession
		if err := rows.Scan(&s.ID, &s.ParticipantID, &s.ParticipantName, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// CreateVideo records an assembled video; re-delivery of the same
// (session, video) updates the file details in place.
func (r *Repository) CreateVideo(ctx context.Context, v models.CollectionVideo) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO collection_videos (session_id, video_id, slot_id, file_path, file_size, uploaded_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (session_id, video_id)
		DO UPDATE SET file_path = EXCLUDED.file_path, file_size = EXCLUDED.file_size, uploaded_at = now()`,
		v.SessionID, v.VideoID, v.SlotID, v.FilePath, v.FileSize,
	)
	if err != nil {
		return fmt.Errorf("insert video: %w", err)
	}
	return nil
}

// SetVideoMetadata attaches the structured metadata document to a video row.
func (r *Repository) SetVideoMetadata(ctx context.Context, sessionID uuid.UUID, videoID, slotID string, metadata []byte) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE collection_videos
		SET metadata = $1, slot_id = CASE WHEN $2 <> '' THEN $2 ELSE slot_id END
		WHERE session_id = $3 AND video_id = $4`,
		metadata, slotID, sessionID, videoID,
	)
	if err != nil {
		return fmt.Errorf("update video metadata: %w", err)
	}
	return nil
}

// SetVideoArchive records the S3 location after the archive worker uploads.
func (r *Repository) SetVideoArchive(ctx context.Context, sessionID uuid.UUID, videoID, s3Key, s3URL string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE collection_videos SET s3_key = $1, s3_url = $2
		WHERE session_id = $3 AND video_id = $4`,
		s3Key, s3URL, sessionID, videoID,
	)
	if err != nil {
		return fmt.Errorf("update video archive: %w", err)
	}
	return nil
}

// ListVideos returns all videos for a session in upload order.
func (r *Repository) ListVideos(ctx context.Context, sessionID uuid.UUID) ([]models.CollectionVideo, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, session_id, video_id, slot_id, file_path, file_size, s3_key, s3_url, uploaded_at
		FROM collection_videos WHERE session_id = $1 ORDER BY uploaded_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("select videos: %w", err)
	}
	defer rows.Close()

	var out []models.CollectionVideo
	for rows.Next() {
		var v models.CollectionVideo
		if err := rows.Scan(&v.ID, &v.SessionID, &v.VideoID, &v.SlotID, &v.FilePath, &v.FileSize, &v.S3Key, &v.S3URL, &v.UploadedAt); err != nil {
			return nil, fmt.Errorf("scan video: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// GetVideo fetches a single video row, or nil when absent.
func (r *Repository) GetVideo(ctx context.Context, sessionID uuid.UUID, videoID string) (*models.CollectionVideo, error) {
	var v models.CollectionVideo
	err := r.pool.QueryRow(ctx, `
		SELECT id, session_id, video_id, slot_id, file_path, file_size, s3_key, s3_url, uploaded_at
		FROM collection_videos WHERE session_id = $1 AND video_id = $2`, sessionID, videoID,
	).Scan(&v.ID, &v.SessionID, &v.VideoID, &v.SlotID, &v.FilePath, &v.FileSize, &v.S3Key, &v.S3URL, &v.UploadedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select video: %w", err)
	}
	return &v, nil
}

// DeleteVideo removes a video row.
func (r *Repository) DeleteVideo(ctx context.Context, sessionID uuid.UUID, videoID string) error {
	_, err := r.pool.Exec(ctx, `
		DELETE FROM collection_videos WHERE session_id = $1 AND video_id = $2`,
		sessionID, videoID,
	)
	if err != nil {
		return fmt.Errorf("delete video: %w", err)
	}
	return nil
}

// Stats returns overall collection counts for the operator dashboard.
func (r *Repository) Stats(ctx context.Context) (sessions, videos int, totalBytes int64, err error) {
	err = r.pool.QueryRow(ctx, `
		SELECT
			(SELECT count(*) FROM collection_sessions),
			(SELECT count(*) FROM collection_videos),
			(SELECT coalesce(sum(file_size), 0) FROM collection_videos)`,
	).Scan(&sessions, &videos, &totalBytes)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("select stats: %w", err)
	}
	return sessions, videos, totalBytes, nil
}

// InsertClientLog stores a shipped client log line.
func (r *Repository) InsertClientLog(ctx context.Context, sessionID, level, message string, logContext []byte) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO client_logs (session_id, level, message, context)
		VALUES ($1, $2, $3, $4)`,
		sessionID, level, message, logContext,
	)
	if err != nil {
		return fmt.Errorf("insert client log: %w", err)
	}
	return nil
}

// ClientLog is one shipped client log entry.
type ClientLog struct {
	ID       int64  `json:"id"`
	Session  string `json:"session_id"`
	Level    string `json:"level"`
	Message  string `json:"message"`
	Context  []byte `json:"context,omitempty"`
	LoggedAt string `json:"logged_at"`
}

// ListClientLogs returns the most recent logs for a session.
func (r *Repository) ListClientLogs(ctx context.Context, sessionID string, limit int) ([]ClientLog, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, session_id, level, message, context, logged_at::text
		FROM client_logs WHERE session_id = $1
		ORDER BY logged_at DESC LIMIT $2`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("select client logs: %w", err)
	}
	defer rows.Close()

	var out []ClientLog
	for rows.Next() {
		var l ClientLog
		if err := rows.Scan(&l.ID, &l.Session, &l.Level, &l.Message, &l.Context, &l.LoggedAt); err != nil {
			return nil, fmt.Errorf("scan client log: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
