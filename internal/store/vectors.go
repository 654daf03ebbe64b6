package store

import (
	"bytes"
	"database/sql"
	"encoding/binary"
	"fmt"
	"sort"

	"atelier/internal/logging"
	"atelier/internal/types"
	"atelier/internal/vecmath"
)

// SearchResult is one semantic search hit.
type SearchResult struct {
	Item       types.Item
	Similarity float64
}

// StoreEmbedding saves an item's embedding, replacing any previous one.
func (s *LibraryStore) StoreEmbedding(itemID string, embedding []float32) error {
	timer := logging.StartTimer(logging.CategoryStore, "StoreEmbedding")
	defer timer.Stop()

	if len(embedding) == 0 {
		return fmt.Errorf("empty embedding for %s", itemID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO item_vectors (item_id, embedding) VALUES (?, ?)
		ON CONFLICT(item_id) DO UPDATE SET embedding = excluded.embedding`,
		itemID, encodeFloat32SliceToBlob(embedding))
	if err != nil {
		return fmt.Errorf("failed to store embedding: %w", err)
	}
	return nil
}

// GetEmbedding loads an item's embedding, or nil if it has none.
func (s *LibraryStore) GetEmbedding(itemID string) ([]float32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vectorColumnLocked(itemID, "embedding")
}

// StoreCentroid saves a family parent's centroid.
func (s *LibraryStore) StoreCentroid(itemID string, centroid []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO item_vectors (item_id, centroid) VALUES (?, ?)
		ON CONFLICT(item_id) DO UPDATE SET centroid = excluded.centroid`,
		itemID, encodeFloat32SliceToBlob(centroid))
	if err != nil {
		return fmt.Errorf("failed to store centroid: %w", err)
	}
	return nil
}

// GetCentroid loads a family parent's centroid, or nil if unset.
func (s *LibraryStore) GetCentroid(itemID string) ([]float32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vectorColumnLocked(itemID, "centroid")
}

func (s *LibraryStore) vectorColumnLocked(itemID, column string) ([]float32, error) {
	var blob []byte
	err := s.db.QueryRow(`SELECT `+column+` FROM item_vectors WHERE item_id = ?`, itemID).Scan(&blob)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("vector load failed: %w", err)
	}
	if len(blob) == 0 {
		return nil, nil
	}
	return decodeFloat32Blob(blob), nil
}

// SearchSimilar returns up to limit items whose embedding similarity to the
// query strictly exceeds threshold, best first. Uses sqlite-vec when the
// extension is compiled in, brute-force cosine otherwise.
func (s *LibraryStore) SearchSimilar(query []float32, threshold float64, limit int) ([]SearchResult, error) {
	timer := logging.StartTimer(logging.CategoryStore, "SearchSimilar")
	defer timer.Stop()

	if len(query) == 0 {
		return nil, fmt.Errorf("empty query embedding")
	}
	if limit <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.vectorExt {
		return s.searchVec(query, threshold, limit)
	}
	return s.searchBruteForce(query, threshold, limit)
}

func (s *LibraryStore) searchVec(query []float32, threshold float64, limit int) ([]SearchResult, error) {
	queryBlob := encodeFloat32SliceToBlob(query)

	rows, err := s.db.Query(`
		SELECT `+prefixedItemColumns("i")+`,
			vec_distance_cosine(v.embedding, ?) AS distance
		FROM item_vectors v
		JOIN items i ON i.id = v.item_id
		WHERE v.embedding IS NOT NULL
		ORDER BY distance ASC
		LIMIT ?`, queryBlob, limit)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("ANN search failed: %v", err)
		return nil, fmt.Errorf("similarity search failed: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		item, distance, err := scanItemWithDistance(rows)
		if err != nil {
			logging.Get(logging.CategoryStore).Warn("Failed to scan search row: %v", err)
			continue
		}
		sim := 1.0 - distance
		if sim > threshold {
			results = append(results, SearchResult{Item: *item, Similarity: sim})
		}
	}
	return results, rows.Err()
}

func (s *LibraryStore) searchBruteForce(query []float32, threshold float64, limit int) ([]SearchResult, error) {
	rows, err := s.db.Query(`
		SELECT ` + prefixedItemColumns("i") + `, v.embedding
		FROM item_vectors v
		JOIN items i ON i.id = v.item_id
		WHERE v.embedding IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("similarity scan failed: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		item, blob, err := scanItemWithBlob(rows)
		if err != nil {
			logging.Get(logging.CategoryStore).Warn("Failed to scan search row: %v", err)
			continue
		}
		sim := vecmath.Cosine(query, decodeFloat32Blob(blob))
		if sim > threshold {
			results = append(results, SearchResult{Item: *item, Similarity: sim})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func prefixedItemColumns(alias string) string {
	return alias + `.id, ` + alias + `.slug, ` + alias + `.kind, ` + alias + `.name, ` +
		alias + `.description, ` + alias + `.code, ` + alias + `.category, ` +
		alias + `.item_type, ` + alias + `.domain, ` + alias + `.stack, ` +
		alias + `.language, ` + alias + `.libraries, ` + alias + `.tags, ` +
		alias + `.is_abstract, ` + alias + `.last_coherence_check, ` +
		alias + `.created_at, ` + alias + `.updated_at`
}

func scanItemWithDistance(rows *sql.Rows) (*types.Item, float64, error) {
	item, extra, err := scanItemWithExtra(rows, new(float64))
	if err != nil {
		return nil, 0, err
	}
	return item, *extra.(*float64), nil
}

func scanItemWithBlob(rows *sql.Rows) (*types.Item, []byte, error) {
	item, extra, err := scanItemWithExtra(rows, new([]byte))
	if err != nil {
		return nil, nil, err
	}
	return item, *extra.(*[]byte), nil
}

func scanItemWithExtra(rows *sql.Rows, extra interface{}) (*types.Item, interface{}, error) {
	var item types.Item
	var kind, libs, tags string
	var isAbstract int
	var lastCheck, createdAt, updatedAt int64

	err := rows.Scan(&item.ID, &item.Slug, &kind, &item.Name, &item.Description, &item.Code,
		&item.Category, &item.ItemType, &item.Domain, &item.Stack, &item.Language, &libs, &tags,
		&isAbstract, &lastCheck, &createdAt, &updatedAt, extra)
	if err != nil {
		return nil, nil, err
	}
	item.Kind = types.ItemKind(kind)
	item.IsAbstract = isAbstract != 0
	item.LastCoherenceCheck = unixToTime(lastCheck)
	item.CreatedAt = unixToTime(createdAt)
	item.UpdatedAt = unixToTime(updatedAt)
	_ = jsonUnmarshalList(libs, &item.Libraries)
	_ = jsonUnmarshalList(tags, &item.Tags)
	return &item, extra, nil
}

// =============================================================================
// BLOB ENCODING
// =============================================================================

// encodeFloat32SliceToBlob encodes a float32 slice as a binary blob.
// Little-endian, as expected by sqlite-vec.
func encodeFloat32SliceToBlob(vec []float32) []byte {
	buf := &bytes.Buffer{}
	if err := binary.Write(buf, binary.LittleEndian, vec); err != nil {
		return nil
	}
	return buf.Bytes()
}

func decodeFloat32Blob(blob []byte) []float32 {
	if len(blob) == 0 || len(blob)%4 != 0 {
		return nil
	}
	vec := make([]float32, len(blob)/4)
	if err := binary.Read(bytes.NewReader(blob), binary.LittleEndian, &vec); err != nil {
		return nil
	}
	return vec
}
