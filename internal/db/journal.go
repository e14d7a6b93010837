package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/sightline/internal/vision"
)

// ErrSessionNotFound is returned for unknown session ids.
var ErrSessionNotFound = errors.New("session not found")

// Session is one run of the pipeline from Initialize to Destroy.
type Session struct {
	ID          string     `json:"id"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	Delegate    string     `json:"delegate"`
	ModelPath   string     `json:"model_path,omitempty"`
	OptionsJSON string     `json:"options,omitempty"`
}

// EventRecord is a stored track lifecycle event.
type EventRecord struct {
	ID         int64      `json:"id"`
	SessionID  string     `json:"session_id"`
	FrameSeq   uint64     `json:"frame_seq"`
	Kind       string     `json:"kind"`
	TrackID    int64      `json:"track_id"`
	Label      string     `json:"label"`
	Confidence float64    `json:"confidence"`
	Hits       int        `json:"hits"`
	Box        vision.Box `json:"box"`
	RecordedAt time.Time  `json:"recorded_at"`
}

// LatencySummary describes inference time over a session's frames.
type LatencySummary struct {
	Frames     int     `json:"frames"`
	Detections int     `json:"detections"`
	MeanMs     float64 `json:"mean_ms"`
	StdDevMs   float64 `json:"stddev_ms"`
	P50Ms      float64 `json:"p50_ms"`
	P95Ms      float64 `json:"p95_ms"`
	MaxMs      float64 `json:"max_ms"`
}

// FrameStat is the stored stats of one processed frame.
type FrameStat struct {
	FrameSeq   uint64    `json:"frame_seq"`
	TimeMs     int       `json:"time_ms"`
	FPS        int       `json:"fps"`
	Detections int       `json:"detections"`
	Delegate   string    `json:"delegate"`
	RecordedAt time.Time `json:"recorded_at"`
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnixSeconds(s float64) time.Time {
	return time.Unix(0, int64(s*1e9)).UTC()
}

// StartSession records a new session and returns it. options is stored as
// JSON for later inspection.
func (db *DB) StartSession(delegate vision.Delegate, modelPath string, options any) (Session, error) {
	s := Session{
		ID:        uuid.NewString(),
		StartedAt: time.Now().UTC(),
		Delegate:  string(delegate),
		ModelPath: modelPath,
	}
	if options != nil {
		b, err := json.Marshal(options)
		if err != nil {
			return Session{}, fmt.Errorf("failed to encode session options: %w", err)
		}
		s.OptionsJSON = string(b)
	}
	_, err := db.Exec(
		`INSERT INTO sessions (session_id, started_unix, delegate, model_path, options_json)
		 VALUES (?, ?, ?, ?, ?)`,
		s.ID, unixSeconds(s.StartedAt), s.Delegate, s.ModelPath, s.OptionsJSON,
	)
	if err != nil {
		return Session{}, fmt.Errorf("failed to insert session: %w", err)
	}
	return s, nil
}

// EndSession stamps the end time of a session.
func (db *DB) EndSession(id string, at time.Time) error {
	res, err := db.Exec(`UPDATE sessions SET ended_unix = ? WHERE session_id = ?`, unixSeconds(at), id)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}

// Sessions returns up to limit sessions, newest first.
func (db *DB) Sessions(limit int) ([]Session, error) {
	rows, err := db.Query(
		`SELECT session_id, started_unix, ended_unix, delegate, COALESCE(model_path, ''), COALESCE(options_json, '')
		 FROM sessions ORDER BY started_unix DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var (
			s       Session
			started float64
			ended   sql.NullFloat64
		)
		if err := rows.Scan(&s.ID, &started, &ended, &s.Delegate, &s.ModelPath, &s.OptionsJSON); err != nil {
			return nil, err
		}
		s.StartedAt = fromUnixSeconds(started)
		if ended.Valid {
			t := fromUnixSeconds(ended.Float64)
			s.EndedAt = &t
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// RecordTrackEvents stores every event of one frame in a single
// transaction.
func (db *DB) RecordTrackEvents(sessionID string, frameSeq uint64, events []vision.TrackEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO track_events (session_id, frame_seq, kind, track_id, label, confidence, hits,
			x, y, width, height, recorded_unix)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare event insert: %w", err)
	}
	defer stmt.Close()

	now := unixSeconds(time.Now())
	for _, ev := range events {
		tr := ev.Track
		if _, err := stmt.Exec(sessionID, int64(frameSeq), string(ev.Kind), tr.ID, tr.Label, tr.Confidence, tr.Hits,
			tr.Box.X, tr.Box.Y, tr.Box.Width, tr.Box.Height, now); err != nil {
			return fmt.Errorf("failed to insert track event: %w", err)
		}
	}
	return tx.Commit()
}

// RecentEvents returns up to limit events across sessions, newest first.
// An empty sessionID matches every session.
func (db *DB) RecentEvents(sessionID string, limit int) ([]EventRecord, error) {
	rows, err := db.Query(
		`SELECT event_id, session_id, frame_seq, kind, track_id, label, confidence, hits,
			x, y, width, height, recorded_unix
		 FROM track_events
		 WHERE (? = '' OR session_id = ?)
		 ORDER BY event_id DESC LIMIT ?`, sessionID, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var (
			e        EventRecord
			seq      int64
			recorded float64
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &seq, &e.Kind, &e.TrackID, &e.Label, &e.Confidence, &e.Hits,
			&e.Box.X, &e.Box.Y, &e.Box.Width, &e.Box.Height, &recorded); err != nil {
			return nil, err
		}
		e.FrameSeq = uint64(seq)
		e.RecordedAt = fromUnixSeconds(recorded)
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecordFrameStats stores the stats of one processed frame.
func (db *DB) RecordFrameStats(sessionID string, frameSeq uint64, delegate vision.Delegate, stats vision.InferenceStats) error {
	_, err := db.Exec(
		`INSERT OR REPLACE INTO frame_stats (session_id, frame_seq, time_ms, fps, detections, delegate, recorded_unix)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sessionID, int64(frameSeq), stats.TimeMs, stats.FPS, stats.TotalDetections, string(delegate), unixSeconds(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to insert frame stats: %w", err)
	}
	return nil
}

func (db *DB) sessionExists(id string) error {
	var one int
	err := db.QueryRow(`SELECT 1 FROM sessions WHERE session_id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return err
}

// FrameStats returns the last limit frames of a session in frame order.
func (db *DB) FrameStats(sessionID string, limit int) ([]FrameStat, error) {
	if err := db.sessionExists(sessionID); err != nil {
		return nil, err
	}
	rows, err := db.Query(
		`SELECT frame_seq, time_ms, fps, detections, delegate, recorded_unix
		 FROM frame_stats WHERE session_id = ?
		 ORDER BY frame_seq DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FrameStat
	for rows.Next() {
		var (
			f        FrameStat
			seq      int64
			recorded float64
		)
		if err := rows.Scan(&seq, &f.TimeMs, &f.FPS, &f.Detections, &f.Delegate, &recorded); err != nil {
			return nil, err
		}
		f.FrameSeq = uint64(seq)
		f.RecordedAt = fromUnixSeconds(recorded)
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}

// Latency summarises inference time for a session.
func (db *DB) Latency(sessionID string) (LatencySummary, error) {
	if err := db.sessionExists(sessionID); err != nil {
		return LatencySummary{}, err
	}

	rows, err := db.Query(`SELECT time_ms, detections FROM frame_stats WHERE session_id = ?`, sessionID)
	if err != nil {
		return LatencySummary{}, err
	}
	defer rows.Close()

	var (
		times []float64
		sum   LatencySummary
	)
	for rows.Next() {
		var ms, n int
		if err := rows.Scan(&ms, &n); err != nil {
			return LatencySummary{}, err
		}
		times = append(times, float64(ms))
		sum.Detections += n
	}
	if err := rows.Err(); err != nil {
		return LatencySummary{}, err
	}
	return summarize(times, sum), nil
}

func summarize(times []float64, sum LatencySummary) LatencySummary {
	sum.Frames = len(times)
	if len(times) == 0 {
		return sum
	}
	sort.Float64s(times)
	if len(times) > 1 {
		sum.MeanMs, sum.StdDevMs = stat.MeanStdDev(times, nil)
	} else {
		sum.MeanMs = times[0]
	}
	sum.P50Ms = stat.Quantile(0.5, stat.Empirical, times, nil)
	sum.P95Ms = stat.Quantile(0.95, stat.Empirical, times, nil)
	sum.MaxMs = times[len(times)-1]
	return sum
}
