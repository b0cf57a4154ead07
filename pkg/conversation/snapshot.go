package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/harun/threadkeeper/internal/observability"
	"github.com/harun/threadkeeper/internal/tracing"
	"github.com/harun/threadkeeper/pkg/storage"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const snapshotVersion = 1

type snapshotFile struct {
	Version  int                        `json:"version"`
	SavedAt  time.Time                  `json:"saved_at"`
	Sessions map[string]snapshotSession `json:"sessions"`
}

type snapshotSession struct {
	ThreadID       string            `json:"thread_id"`
	ChannelID      string            `json:"channel_id"`
	OwnerID        string            `json:"user_id"`
	CreatedAt      time.Time         `json:"created_at"`
	LastActivity   time.Time         `json:"last_activity"`
	Messages       []snapshotMessage `json:"messages"`
	ContextSummary string            `json:"context_summary"`
	IsActive       bool              `json:"is_active"`
	SessionID      string            `json:"session_id"`
}

type snapshotMessage struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	AuthorID  string    `json:"user_id"`
	Content   string    `json:"content"`
	Role      Role      `json:"role"`
	ThreadID  string    `json:"thread_id"`
}

func toSnapshot(s Session) snapshotSession {
	out := snapshotSession{
		ThreadID:       s.ThreadID,
		ChannelID:      s.ChannelID,
		OwnerID:        s.OwnerID,
		CreatedAt:      s.CreatedAt,
		LastActivity:   s.LastActivity,
		Messages:       make([]snapshotMessage, 0, len(s.Messages)),
		ContextSummary: s.ContextSummary,
		IsActive:       s.IsActive,
		SessionID:      s.SessionID,
	}
	for _, m := range s.Messages {
		out.Messages = append(out.Messages, snapshotMessage{
			ID:        m.ID,
			Timestamp: m.Timestamp,
			AuthorID:  m.AuthorID,
			Content:   m.Content,
			Role:      m.Role,
			ThreadID:  m.ThreadID,
		})
	}
	return out
}

func (r snapshotSession) session() Session {
	s := Session{
		ThreadID:       r.ThreadID,
		ChannelID:      r.ChannelID,
		OwnerID:        r.OwnerID,
		CreatedAt:      r.CreatedAt,
		LastActivity:   r.LastActivity,
		ContextSummary: r.ContextSummary,
		IsActive:       r.IsActive,
		SessionID:      r.SessionID,
	}
	if len(r.Messages) > 0 {
		s.Messages = make([]Message, 0, len(r.Messages))
		for _, m := range r.Messages {
			s.Messages = append(s.Messages, Message{
				ID:        m.ID,
				Timestamp: m.Timestamp,
				AuthorID:  m.AuthorID,
				Content:   m.Content,
				Role:      m.Role,
				ThreadID:  m.ThreadID,
			})
		}
	}
	return s
}

// EncodeSnapshot serializes sessions into the versioned snapshot format.
func EncodeSnapshot(sessions []Session, savedAt time.Time) ([]byte, error) {
	file := snapshotFile{
		Version:  snapshotVersion,
		SavedAt:  savedAt.UTC(),
		Sessions: make(map[string]snapshotSession, len(sessions)),
	}
	for _, s := range sessions {
		file.Sessions[s.ThreadID] = toSnapshot(s)
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return data, nil
}

// DecodeSnapshot parses data produced by EncodeSnapshot. Records whose key
// disagrees with their thread id are keyed by the map key.
func DecodeSnapshot(data []byte) (map[string]Session, error) {
	var file snapshotFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if file.Version != snapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", file.Version)
	}

	out := make(map[string]Session, len(file.Sessions))
	for threadID, rec := range file.Sessions {
		s := rec.session()
		s.ThreadID = threadID
		out[threadID] = s
	}
	return out, nil
}

// Persister writes and reads session snapshots through a storage blob.
type Persister struct {
	blob   storage.Blob
	logger zerolog.Logger
}

func NewPersister(blob storage.Blob, logger zerolog.Logger) *Persister {
	return &Persister{
		blob:   blob,
		logger: logger.With().Str("component", "persister").Str("target", blob.Name()).Logger(),
	}
}

// Target names the backing blob.
func (p *Persister) Target() string {
	return p.blob.Name()
}

// Save replaces the stored snapshot with sessions.
func (p *Persister) Save(ctx context.Context, sessions []Session, now time.Time) error {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerStorage, "snapshot.save",
		attribute.String("target", p.blob.Name()),
		attribute.Int("sessions", len(sessions)),
	)
	defer span.End()

	start := time.Now()
	data, err := EncodeSnapshot(sessions, now)
	if err != nil {
		observability.RecordSnapshotError("save")
		tracing.RecordError(span, err)
		return err
	}
	if err := p.blob.Write(ctx, data); err != nil {
		observability.RecordSnapshotError("save")
		tracing.RecordError(span, err)
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	observability.RecordSnapshotSave(time.Since(start))

	p.logger.Debug().
		Int("sessions", len(sessions)).
		Int("bytes", len(data)).
		Msg("Snapshot saved")
	return nil
}

// Load returns the stored sessions. A missing snapshot yields an empty map.
// A snapshot that cannot be parsed is logged and also yields an empty map so
// the daemon can start. Only read failures are returned.
func (p *Persister) Load(ctx context.Context) (map[string]Session, error) {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerStorage, "snapshot.load",
		attribute.String("target", p.blob.Name()),
	)
	defer span.End()

	start := time.Now()
	data, err := p.blob.Read(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			p.logger.Info().Msg("No snapshot found, starting empty")
			return map[string]Session{}, nil
		}
		observability.RecordSnapshotError("load")
		tracing.RecordError(span, err)
		return map[string]Session{}, fmt.Errorf("failed to load snapshot: %w", err)
	}

	sessions, err := DecodeSnapshot(data)
	if err != nil {
		observability.RecordSnapshotError("decode")
		tracing.RecordError(span, err)
		p.logger.Error().Err(err).Msg("Snapshot is unreadable, starting empty")
		return map[string]Session{}, nil
	}
	observability.RecordSnapshotLoad(time.Since(start))

	p.logger.Info().Int("sessions", len(sessions)).Msg("Snapshot loaded")
	return sessions, nil
}

// Close releases the backing blob.
func (p *Persister) Close() error {
	return p.blob.Close()
}
