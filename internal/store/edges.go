package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"

	"atelier/internal/logging"
	"atelier/internal/types"
)

// ErrDuplicateParent is returned when a parent edge would give a child a
// second family parent. The single-parent rule is enforced by a partial
// unique index, so concurrent writers race safely: one wins, the rest get
// this error.
var ErrDuplicateParent = errors.New("child already has a family parent")

// CreateEdge inserts a typed edge. Parent edges point parent -> child.
func (s *LibraryStore) CreateEdge(edge types.Edge) (types.Edge, error) {
	timer := logging.StartTimer(logging.CategoryStore, "CreateEdge")
	defer timer.Stop()

	if edge.SourceID == "" || edge.TargetID == "" {
		return types.Edge{}, fmt.Errorf("edge endpoints are required")
	}
	if edge.SourceID == edge.TargetID {
		return types.Edge{}, fmt.Errorf("self-edge rejected for %s", edge.SourceID)
	}
	switch edge.Kind {
	case types.EdgeParent, types.EdgeExpansion, types.EdgeBelongsTo:
	default:
		return types.Edge{}, fmt.Errorf("invalid edge kind %q", edge.Kind)
	}

	if edge.ID == "" {
		edge.ID = uuid.NewString()
	}
	meta := edge.Metadata
	if meta == nil {
		meta = map[string]interface{}{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return types.Edge{}, fmt.Errorf("failed to marshal edge metadata: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(`INSERT INTO edges (id, kind, source_id, target_id, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		edge.ID, string(edge.Kind), edge.SourceID, edge.TargetID, string(metaJSON),
		time.Now().UTC().Unix(),
	)
	if err != nil {
		var se sqlite3.Error
		if errors.As(err, &se) && se.Code == sqlite3.ErrConstraint && edge.Kind == types.EdgeParent {
			return types.Edge{}, fmt.Errorf("%w: child %s", ErrDuplicateParent, edge.TargetID)
		}
		logging.Get(logging.CategoryStore).Error("Failed to insert %s edge %s -> %s: %v",
			edge.Kind, edge.SourceID, edge.TargetID, err)
		return types.Edge{}, fmt.Errorf("failed to insert edge: %w", err)
	}

	logging.StoreDebug("Created %s edge %s -> %s", edge.Kind, edge.SourceID, edge.TargetID)
	return edge, nil
}

// DeleteEdge removes one edge by ID.
func (s *LibraryStore) DeleteEdge(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM edges WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete edge: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("edge %s not found", id)
	}
	return nil
}

// RepointParent moves a child under a new family parent in one statement,
// preserving the single-parent invariant throughout.
func (s *LibraryStore) RepointParent(childID, newParentID string) error {
	timer := logging.StartTimer(logging.CategoryStore, "RepointParent")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE edges SET source_id = ?
		WHERE kind = 'parent' AND target_id = ?`, newParentID, childID)
	if err != nil {
		return fmt.Errorf("failed to repoint parent of %s: %w", childID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Child was standalone: attach it instead.
		_, err = s.db.Exec(`INSERT INTO edges (id, kind, source_id, target_id, metadata, created_at)
			VALUES (?, 'parent', ?, ?, '{}', ?)`,
			uuid.NewString(), newParentID, childID, time.Now().UTC().Unix())
		if err != nil {
			return fmt.Errorf("failed to attach %s to %s: %w", childID, newParentID, err)
		}
	}
	logging.StoreDebug("Repointed parent of %s -> %s", childID, newParentID)
	return nil
}

// DetachChild removes a child's parent edge, leaving it standalone.
func (s *LibraryStore) DetachChild(childID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM edges WHERE kind = 'parent' AND target_id = ?`, childID)
	if err != nil {
		return fmt.Errorf("failed to detach %s: %w", childID, err)
	}
	return nil
}

// ParentOf returns the family parent of an item, or nil if standalone.
func (s *LibraryStore) ParentOf(itemID string) (*types.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var parentID string
	err := s.db.QueryRow(`SELECT source_id FROM edges
		WHERE kind = 'parent' AND target_id = ?`, itemID).Scan(&parentID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("parent lookup failed: %w", err)
	}
	return s.getItemLocked(parentID)
}

// ChildrenOf returns the family children of an item.
func (s *LibraryStore) ChildrenOf(itemID string) ([]types.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.childrenLocked(itemID)
}

func (s *LibraryStore) childrenLocked(itemID string) ([]types.Item, error) {
	rows, err := s.db.Query(`SELECT `+itemColumns+` FROM items
		WHERE id IN (SELECT target_id FROM edges WHERE kind = 'parent' AND source_id = ?)
		ORDER BY name COLLATE NOCASE`, itemID)
	if err != nil {
		return nil, fmt.Errorf("children lookup failed: %w", err)
	}
	defer rows.Close()
	return collectItems(rows)
}

// SiblingsOf returns the other children under an item's family parent.
func (s *LibraryStore) SiblingsOf(itemID string) ([]types.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT `+itemColumns+` FROM items
		WHERE id IN (
			SELECT target_id FROM edges WHERE kind = 'parent' AND source_id = (
				SELECT source_id FROM edges WHERE kind = 'parent' AND target_id = ?
			)
		) AND id != ?
		ORDER BY name COLLATE NOCASE`, itemID, itemID)
	if err != nil {
		return nil, fmt.Errorf("sibling lookup failed: %w", err)
	}
	defer rows.Close()
	return collectItems(rows)
}

// FamilyRoleOf classifies an item's position in the family tree.
func (s *LibraryStore) FamilyRoleOf(itemID string) (types.FamilyRole, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var children int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM edges
		WHERE kind = 'parent' AND source_id = ?`, itemID).Scan(&children); err != nil {
		return "", fmt.Errorf("role lookup failed: %w", err)
	}
	if children > 0 {
		return types.RoleParent, nil
	}
	var parents int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM edges
		WHERE kind = 'parent' AND target_id = ?`, itemID).Scan(&parents); err != nil {
		return "", fmt.Errorf("role lookup failed: %w", err)
	}
	if parents > 0 {
		return types.RoleChild, nil
	}
	return types.RoleStandalone, nil
}

// FamilyParents returns every item that currently has at least one child,
// the coherence engine's sweep set.
func (s *LibraryStore) FamilyParents() ([]types.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT ` + itemColumns + ` FROM items
		WHERE id IN (SELECT DISTINCT source_id FROM edges WHERE kind = 'parent')
		ORDER BY name COLLATE NOCASE`)
	if err != nil {
		return nil, fmt.Errorf("family parent query failed: %w", err)
	}
	defer rows.Close()
	return collectItems(rows)
}

// EdgesFrom returns all edges of one kind leaving an item.
func (s *LibraryStore) EdgesFrom(itemID string, kind types.EdgeKind) ([]types.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT id, kind, source_id, target_id, metadata FROM edges
		WHERE source_id = ? AND kind = ?`, itemID, string(kind))
	if err != nil {
		return nil, fmt.Errorf("edge query failed: %w", err)
	}
	defer rows.Close()
	return collectEdges(rows)
}

// EdgesTo returns all edges of one kind arriving at an item.
func (s *LibraryStore) EdgesTo(itemID string, kind types.EdgeKind) ([]types.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT id, kind, source_id, target_id, metadata FROM edges
		WHERE target_id = ? AND kind = ?`, itemID, string(kind))
	if err != nil {
		return nil, fmt.Errorf("edge query failed: %w", err)
	}
	defer rows.Close()
	return collectEdges(rows)
}

func collectEdges(rows *sql.Rows) ([]types.Edge, error) {
	var edges []types.Edge
	for rows.Next() {
		var e types.Edge
		var kind, meta string
		if err := rows.Scan(&e.ID, &kind, &e.SourceID, &e.TargetID, &meta); err != nil {
			logging.Get(logging.CategoryStore).Warn("Failed to scan edge row: %v", err)
			continue
		}
		e.Kind = types.EdgeKind(kind)
		if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
			e.Metadata = nil
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}
