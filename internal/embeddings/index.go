package embeddings

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/tymrtn/envelope/internal/database"
	"github.com/tymrtn/envelope/internal/logging"
)

// minSimilarity is the cosine floor below which hits are discarded.
const minSimilarity = 0.1

// Embedder produces vectors for text. Satisfied by *Client; tests swap in
// fakes.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Model() string
}

// Hit is one similarity match.
type Hit struct {
	MessageID string  `json:"message_id"`
	Score     float64 `json:"score"`
}

// Index stores message vectors and answers brute-force cosine searches.
// At the expected per-account scale, loading all vectors and scoring in
// Go beats shipping a vector extension.
type Index struct {
	db       *database.DB
	embedder Embedder
	log      zerolog.Logger
}

// NewIndex creates the similarity index.
func NewIndex(db *database.DB, embedder Embedder) *Index {
	return &Index{
		db:       db,
		embedder: embedder,
		log:      logging.WithComponent("embeddings"),
	}
}

func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])[:16]
}

// EmbedMessage stores a vector for the message, skipping the API call
// when the same content is already indexed. Returns true when a new
// vector was stored.
func (x *Index) EmbedMessage(ctx context.Context, accountID, messageID, subject, body string) (bool, error) {
	if len(body) > 2000 {
		body = body[:2000]
	}
	text := subject + "\n" + body
	hash := contentHash(text)

	var existing string
	err := x.db.QueryRow(
		"SELECT content_hash FROM message_embeddings WHERE message_id = ?", messageID,
	).Scan(&existing)
	if err != nil && err != sql.ErrNoRows {
		return false, fmt.Errorf("failed to check existing embedding: %w", err)
	}
	if err == nil && existing == hash {
		return false, nil // already embedded with same content
	}

	vector, err := x.embedder.Embed(ctx, text)
	if err != nil {
		return false, err
	}

	_, err = x.db.Exec(`
		INSERT OR REPLACE INTO message_embeddings
			(message_id, account_id, content_hash, embedding, model, embedded_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		messageID, accountID, hash, packVector(vector), x.embedder.Model(),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return false, fmt.Errorf("failed to store embedding: %w", err)
	}

	x.log.Debug().Str("messageId", messageID).Msg("Stored message embedding")
	return true, nil
}

// FindSimilar embeds the query and returns up to limit hits above the
// similarity floor, best first.
func (x *Index) FindSimilar(ctx context.Context, accountID, query string, limit int) ([]Hit, error) {
	rows, err := x.db.Query(
		"SELECT message_id, embedding FROM message_embeddings WHERE account_id = ?", accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load embeddings: %w", err)
	}

	type stored struct {
		id     string
		vector []float32
	}
	var candidates []stored
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, stored{id: id, vector: unpackVector(blob)})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	queryVector, err := x.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	var hits []Hit
	for _, c := range candidates {
		score := cosineSimilarity(queryVector, c.vector)
		if score < minSimilarity {
			continue
		}
		hits = append(hits, Hit{MessageID: c.id, Score: score})
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Backfill embeds a batch of messages, tolerating per-message failures.
func (x *Index) Backfill(ctx context.Context, accountID string, msgs []BackfillMessage) (embedded, skipped, errors int) {
	for _, m := range msgs {
		id := m.MessageID
		if id == "" {
			id = m.UID
		}
		if id == "" {
			skipped++
			continue
		}
		fresh, err := x.EmbedMessage(ctx, accountID, id, m.Subject, m.Body)
		if err != nil {
			x.log.Warn().Err(err).Str("messageId", id).Msg("Failed to embed message")
			errors++
			continue
		}
		if fresh {
			embedded++
		} else {
			skipped++
		}
	}
	return embedded, skipped, errors
}

// BackfillMessage is one batch entry for Backfill.
type BackfillMessage struct {
	MessageID string
	UID       string
	Subject   string
	Body      string
}
