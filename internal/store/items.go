package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"atelier/internal/logging"
	"atelier/internal/types"
)

const itemColumns = `id, slug, kind, name, description, code,
	category, item_type, domain, stack, language, libraries, tags,
	is_abstract, last_coherence_check, created_at, updated_at`

var slugCleanup = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases a name into a URL-safe slug.
func Slugify(name string) string {
	slug := strings.Trim(slugCleanup.ReplaceAllString(strings.ToLower(name), "-"), "-")
	if slug == "" {
		slug = "item"
	}
	return slug
}

// CreateItem inserts a new item, assigning an ID and a unique slug. Slug
// collisions get a numeric suffix (button, button-2, button-3, ...).
func (s *LibraryStore) CreateItem(item types.Item) (types.Item, error) {
	timer := logging.StartTimer(logging.CategoryStore, "CreateItem")
	defer timer.Stop()

	if item.Name == "" {
		return types.Item{}, fmt.Errorf("item name is required")
	}
	if !types.ValidItemKind(item.Kind) {
		return types.Item{}, fmt.Errorf("invalid item kind %q", item.Kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	item.CreatedAt = now
	item.UpdatedAt = now

	base := item.Slug
	if base == "" {
		base = Slugify(item.Name)
	}
	slug := base
	for i := 2; ; i++ {
		var exists int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM items WHERE slug = ?`, slug).Scan(&exists); err != nil {
			return types.Item{}, fmt.Errorf("slug check failed: %w", err)
		}
		if exists == 0 {
			break
		}
		slug = fmt.Sprintf("%s-%d", base, i)
	}
	item.Slug = slug

	libs, tags, err := marshalStringLists(item.Libraries, item.Tags)
	if err != nil {
		return types.Item{}, err
	}

	_, err = s.db.Exec(`INSERT INTO items (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.Slug, string(item.Kind), item.Name, item.Description, item.Code,
		item.Category, item.ItemType, item.Domain, item.Stack, item.Language, libs, tags,
		boolToInt(item.IsAbstract), timeToUnix(item.LastCoherenceCheck),
		now.Unix(), now.Unix(),
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to insert item %q: %v", item.Name, err)
		return types.Item{}, fmt.Errorf("failed to insert item: %w", err)
	}

	logging.StoreDebug("Created item %s (%s, kind=%s)", item.Slug, item.ID, item.Kind)
	return item, nil
}

// GetItem loads one item by ID.
func (s *LibraryStore) GetItem(id string) (*types.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getItemLocked(id)
}

func (s *LibraryStore) getItemLocked(id string) (*types.Item, error) {
	row := s.db.QueryRow(`SELECT `+itemColumns+` FROM items WHERE id = ?`, id)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("item %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load item: %w", err)
	}
	return item, nil
}

// GetItemBySlug loads one item by slug.
func (s *LibraryStore) GetItemBySlug(slug string) (*types.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+itemColumns+` FROM items WHERE slug = ?`, slug)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("item %q not found", slug)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load item: %w", err)
	}
	return item, nil
}

// UpdateItem rewrites an item's mutable fields. ID, slug and created_at
// never change.
func (s *LibraryStore) UpdateItem(item types.Item) error {
	timer := logging.StartTimer(logging.CategoryStore, "UpdateItem")
	defer timer.Stop()

	libs, tags, err := marshalStringLists(item.Libraries, item.Tags)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE items SET
		kind = ?, name = ?, description = ?, code = ?,
		category = ?, item_type = ?, domain = ?, stack = ?, language = ?,
		libraries = ?, tags = ?, is_abstract = ?, updated_at = ?
		WHERE id = ?`,
		string(item.Kind), item.Name, item.Description, item.Code,
		item.Category, item.ItemType, item.Domain, item.Stack, item.Language,
		libs, tags, boolToInt(item.IsAbstract), time.Now().UTC().Unix(),
		item.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("item %s not found", item.ID)
	}
	return nil
}

// DeleteItem removes an item; edge and vector rows cascade away with it.
func (s *LibraryStore) DeleteItem(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM items WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("item %s not found", id)
	}
	logging.StoreDebug("Deleted item %s", id)
	return nil
}

// FindByNameAndKind returns items whose name matches case-insensitively.
func (s *LibraryStore) FindByNameAndKind(name string, kind types.ItemKind) ([]types.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT `+itemColumns+` FROM items
		WHERE name = ? COLLATE NOCASE AND kind = ?`, name, string(kind))
	if err != nil {
		return nil, fmt.Errorf("name lookup failed: %w", err)
	}
	defer rows.Close()
	return collectItems(rows)
}

// ListItems returns every item, newest first.
func (s *LibraryStore) ListItems() ([]types.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT ` + itemColumns + ` FROM items ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("item list failed: %w", err)
	}
	defer rows.Close()
	return collectItems(rows)
}

// StandaloneItems returns non-abstract items that sit outside every family:
// no parent edge in, no parent edges out.
func (s *LibraryStore) StandaloneItems() ([]types.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT ` + itemColumns + ` FROM items
		WHERE is_abstract = 0
		AND id NOT IN (SELECT target_id FROM edges WHERE kind = 'parent')
		AND id NOT IN (SELECT source_id FROM edges WHERE kind = 'parent')`)
	if err != nil {
		return nil, fmt.Errorf("standalone query failed: %w", err)
	}
	defer rows.Close()
	return collectItems(rows)
}

// StampCoherenceCheck records that a family rooted at id was checked at t.
func (s *LibraryStore) StampCoherenceCheck(id string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE items SET last_coherence_check = ? WHERE id = ?`,
		t.UTC().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to stamp coherence check: %w", err)
	}
	return nil
}

// GetTaxonomy snapshots the vocabulary already in use across the library.
func (s *LibraryStore) GetTaxonomy() (types.Taxonomy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tax types.Taxonomy
	distinct := []struct {
		dst *[]string
		col string
	}{
		{&tax.Categories, "category"},
		{&tax.ItemTypes, "item_type"},
		{&tax.Domains, "domain"},
	}
	for _, d := range distinct {
		rows, err := s.db.Query(`SELECT DISTINCT ` + d.col + ` FROM items WHERE ` + d.col + ` != '' ORDER BY 1`)
		if err != nil {
			return types.Taxonomy{}, fmt.Errorf("taxonomy query failed: %w", err)
		}
		for rows.Next() {
			var v string
			if err := rows.Scan(&v); err != nil {
				rows.Close()
				return types.Taxonomy{}, err
			}
			*d.dst = append(*d.dst, v)
		}
		rows.Close()
	}

	// Tags are stored as JSON arrays; the union is computed in Go.
	rows, err := s.db.Query(`SELECT tags FROM items WHERE tags != '[]'`)
	if err != nil {
		return types.Taxonomy{}, fmt.Errorf("tag query failed: %w", err)
	}
	defer rows.Close()
	seen := make(map[string]bool)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return types.Taxonomy{}, err
		}
		var tags []string
		if err := json.Unmarshal([]byte(raw), &tags); err != nil {
			continue
		}
		for _, t := range tags {
			if !seen[t] {
				seen[t] = true
				tax.Tags = append(tax.Tags, t)
			}
		}
	}
	return tax, nil
}

// =============================================================================
// ROW HELPERS
// =============================================================================

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(row rowScanner) (*types.Item, error) {
	var item types.Item
	var kind, libs, tags string
	var isAbstract int
	var lastCheck, createdAt, updatedAt int64

	err := row.Scan(&item.ID, &item.Slug, &kind, &item.Name, &item.Description, &item.Code,
		&item.Category, &item.ItemType, &item.Domain, &item.Stack, &item.Language, &libs, &tags,
		&isAbstract, &lastCheck, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	item.Kind = types.ItemKind(kind)
	item.IsAbstract = isAbstract != 0
	item.LastCoherenceCheck = unixToTime(lastCheck)
	item.CreatedAt = unixToTime(createdAt)
	item.UpdatedAt = unixToTime(updatedAt)
	if err := json.Unmarshal([]byte(libs), &item.Libraries); err != nil {
		item.Libraries = nil
	}
	if err := json.Unmarshal([]byte(tags), &item.Tags); err != nil {
		item.Tags = nil
	}
	return &item, nil
}

func collectItems(rows *sql.Rows) ([]types.Item, error) {
	var items []types.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			logging.Get(logging.CategoryStore).Warn("Failed to scan item row: %v", err)
			continue
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

func marshalStringLists(libraries, tags []string) (string, string, error) {
	if libraries == nil {
		libraries = []string{}
	}
	if tags == nil {
		tags = []string{}
	}
	libs, err := json.Marshal(libraries)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal libraries: %w", err)
	}
	tagJSON, err := json.Marshal(tags)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal tags: %w", err)
	}
	return string(libs), string(tagJSON), nil
}

func jsonUnmarshalList(raw string, dst *[]string) error {
	return json.Unmarshal([]byte(raw), dst)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timeToUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().Unix()
}

func unixToTime(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0).UTC()
}
