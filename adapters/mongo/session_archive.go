package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/satriahrh/callbridge/domain/entities"
	"github.com/satriahrh/callbridge/domain/repositories"
)

// sessionDocument is the archived shape of an ended session
type sessionDocument struct {
	ID            string                  `bson:"_id"`
	CallID        string                  `bson:"call_id"`
	ParticipantID string                  `bson:"participant_id"`
	Protocol      string                  `bson:"protocol"`
	StartTime     time.Time               `bson:"start_time"`
	EndTime       time.Time               `bson:"end_time"`
	EndReason     string                  `bson:"end_reason"`
	DurationMs    int64                   `bson:"duration_ms"`
	FinalAgent    string                  `bson:"final_agent"`
	CollectedData []entities.DataPoint    `bson:"collected_data"`
	Handoffs      []entities.HandoffEvent `bson:"handoffs"`
	Stats         statsDocument           `bson:"stats"`
	Config        map[string]any          `bson:"config,omitempty"`
	ArchivedAt    time.Time               `bson:"archived_at"`
}

type statsDocument struct {
	AudioChunksProcessed int64   `bson:"audio_chunks_processed"`
	MessagesExchanged    int64   `bson:"messages_exchanged"`
	AgentHandoffs        int64   `bson:"agent_handoffs"`
	DataPointsCollected  int64   `bson:"data_points_collected"`
	Errors               int64   `bson:"errors"`
	AverageLatencyMs     float64 `bson:"average_latency_ms"`
	LatencySamples       int64   `bson:"latency_samples"`
}

func toDocument(s entities.Session, archivedAt time.Time) (sessionDocument, error) {
	if err := s.Validate(); err != nil {
		return sessionDocument{}, fmt.Errorf("invalid session %q: %w", s.ID, err)
	}
	if s.EndTime == nil {
		return sessionDocument{}, fmt.Errorf("session %s has not ended", s.ID)
	}

	return sessionDocument{
		ID:            s.ID,
		CallID:        s.CallID,
		ParticipantID: s.ParticipantID,
		Protocol:      string(s.Protocol),
		StartTime:     s.StartTime.UTC(),
		EndTime:       s.EndTime.UTC(),
		EndReason:     s.EndReason,
		DurationMs:    s.EndTime.Sub(s.StartTime).Milliseconds(),
		FinalAgent:    s.CurrentAgent,
		CollectedData: s.CollectedData,
		Handoffs:      s.Handoffs,
		Stats: statsDocument{
			AudioChunksProcessed: s.Stats.AudioChunksProcessed,
			MessagesExchanged:    s.Stats.MessagesExchanged,
			AgentHandoffs:        s.Stats.AgentHandoffs,
			DataPointsCollected:  s.Stats.DataPointsCollected,
			Errors:               s.Stats.Errors,
			AverageLatencyMs:     float64(s.Stats.AverageLatency) / float64(time.Millisecond),
			LatencySamples:       s.Stats.LatencySamples,
		},
		Config:     s.Config,
		ArchivedAt: archivedAt.UTC(),
	}, nil
}

func (d sessionDocument) toEntity() entities.Session {
	end := d.EndTime
	return entities.Session{
		ID:            d.ID,
		CallID:        d.CallID,
		ParticipantID: d.ParticipantID,
		Protocol:      entities.ProtocolKind(d.Protocol),
		StartTime:     d.StartTime,
		EndTime:       &end,
		EndReason:     d.EndReason,
		CurrentAgent:  d.FinalAgent,
		CollectedData: d.CollectedData,
		Handoffs:      d.Handoffs,
		Stats: entities.Stats{
			AudioChunksProcessed: d.Stats.AudioChunksProcessed,
			MessagesExchanged:    d.Stats.MessagesExchanged,
			AgentHandoffs:        d.Stats.AgentHandoffs,
			DataPointsCollected:  d.Stats.DataPointsCollected,
			Errors:               d.Stats.Errors,
			AverageLatency:       time.Duration(d.Stats.AverageLatencyMs * float64(time.Millisecond)),
			LatencySamples:       d.Stats.LatencySamples,
		},
		Config: d.Config,
	}
}

// SessionArchive stores ended sessions, one document per session id
type SessionArchive struct {
	collection *mongo.Collection
	now        func() time.Time
}

var _ repositories.SessionArchive = (*SessionArchive)(nil)

// NewSessionArchive creates a MongoDB session archive
func NewSessionArchive(db *mongo.Database, collection string) *SessionArchive {
	return &SessionArchive{
		collection: db.Collection(collection),
		now:        time.Now,
	}
}

// EnsureIndexes creates the lookup indexes used by ListByCallID
func (r *SessionArchive) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "call_id", Value: 1}, {Key: "end_time", Value: -1}}},
		{Keys: bson.D{{Key: "end_reason", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create session indexes: %w", err)
	}
	return nil
}

// Save implements repositories.SessionArchive. Saving the same session twice replaces it.
func (r *SessionArchive) Save(ctx context.Context, session entities.Session) error {
	doc, err := toDocument(session, r.now())
	if err != nil {
		return err
	}

	_, err = r.collection.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to archive session %s: %w", doc.ID, err)
	}
	return nil
}

// GetByID implements repositories.SessionArchive. It returns nil, nil when no session matches.
func (r *SessionArchive) GetByID(ctx context.Context, id string) (*entities.Session, error) {
	if id == "" {
		return nil, errors.New("session ID cannot be empty")
	}

	var doc sessionDocument
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}

	session := doc.toEntity()
	return &session, nil
}

// ListByCallID implements repositories.SessionArchive, newest first.
func (r *SessionArchive) ListByCallID(ctx context.Context, callID string) ([]entities.Session, error) {
	if callID == "" {
		return nil, errors.New("call ID cannot be empty")
	}

	opts := options.Find().SetSort(bson.D{{Key: "end_time", Value: -1}})
	cursor, err := r.collection.Find(ctx, bson.M{"call_id": callID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions for call %s: %w", callID, err)
	}
	defer cursor.Close(ctx)

	var docs []sessionDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode sessions for call %s: %w", callID, err)
	}

	sessions := make([]entities.Session, 0, len(docs))
	for _, doc := range docs {
		sessions = append(sessions, doc.toEntity())
	}
	return sessions, nil
}
