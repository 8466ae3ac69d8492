package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"
)

// UpsertKnowledgeDoc creates or replaces a document keyed by
// (group_folder, filename).
func (s *Store) UpsertKnowledgeDoc(ctx context.Context, folder, filename, title, content string) error {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO knowledge_docs (group_folder, filename, title, content, size_chars, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (group_folder, filename) DO UPDATE SET
			title = excluded.title,
			content = excluded.content,
			size_chars = excluded.size_chars,
			updated_at = excluded.updated_at`,
		folder, filename, title, content, len(content), now, now)
	if err != nil {
		return fmt.Errorf("upsert knowledge doc %s/%s: %w", folder, filename, err)
	}
	return nil
}

// DeleteKnowledgeDoc removes a document.
func (s *Store) DeleteKnowledgeDoc(ctx context.Context, folder, filename string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM knowledge_docs WHERE group_folder = ? AND filename = ?`, folder, filename)
	if err != nil {
		return fmt.Errorf("delete knowledge doc %s/%s: %w", folder, filename, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetKnowledgeDoc returns one document or ErrNotFound.
func (s *Store) GetKnowledgeDoc(ctx context.Context, folder, filename string) (*KnowledgeDoc, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, group_folder, filename, title, content, size_chars, created_at, updated_at
		 FROM knowledge_docs WHERE group_folder = ? AND filename = ?`, folder, filename)
	doc, err := scanKnowledgeDoc(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get knowledge doc %s/%s: %w", folder, filename, err)
	}
	return doc, nil
}

// SearchKnowledge returns up to limit documents for a group ranked by
// keyword relevance against the query. Title hits weigh more than content
// hits; documents with no hits are omitted.
func (s *Store) SearchKnowledge(ctx context.Context, folder, query string, limit int) ([]*KnowledgeDoc, error) {
	if limit <= 0 {
		limit = 3
	}
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, group_folder, filename, title, content, size_chars, created_at, updated_at
		 FROM knowledge_docs WHERE group_folder = ?`, folder)
	if err != nil {
		return nil, fmt.Errorf("search knowledge for %s: %w", folder, err)
	}
	defer rows.Close()

	type scored struct {
		doc   *KnowledgeDoc
		score int
	}
	var hits []scored
	for rows.Next() {
		doc, err := scanKnowledgeDoc(rows)
		if err != nil {
			return nil, fmt.Errorf("scan knowledge doc: %w", err)
		}
		title := strings.ToLower(doc.Title)
		content := strings.ToLower(doc.Content)
		score := 0
		for _, term := range terms {
			score += 3 * strings.Count(title, term)
			score += strings.Count(content, term)
		}
		if score > 0 {
			hits = append(hits, scored{doc, score})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]*KnowledgeDoc, len(hits))
	for i, h := range hits {
		out[i] = h.doc
	}
	return out, nil
}

// tokenize lowercases and splits a query into keyword terms, dropping
// one-character fragments.
func tokenize(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	var out []string
	for _, f := range fields {
		if len(f) > 1 {
			out = append(out, f)
		}
	}
	return out
}

func scanKnowledgeDoc(row rowScanner) (*KnowledgeDoc, error) {
	var d KnowledgeDoc
	var created, updated int64
	err := row.Scan(&d.ID, &d.GroupFolder, &d.Filename, &d.Title, &d.Content, &d.SizeChars, &created, &updated)
	if err != nil {
		return nil, err
	}
	d.CreatedAt = time.UnixMilli(created)
	d.UpdatedAt = time.UnixMilli(updated)
	return &d, nil
}
