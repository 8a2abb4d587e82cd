// internal/models/session.go
package models

import (
	"sort"
	"time"
)

// Session is one user's in-progress questionnaire.
type Session struct {
	Token      string                 `json:"session_token"`
	Steps      map[int]map[string]any `json:"steps"`
	Writing    bool                   `json:"-"`
	DirtyUntil time.Time              `json:"-"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"last_updated_at"`
}

// IsDirty reports whether in-memory edits currently take priority over a
// background re-read of the persisted copy.
func (s *Session) IsDirty(now time.Time) bool {
	return s.Writing || now.Before(s.DirtyUntil)
}

// Expired reports whether the session has been inactive longer than ttl.
func (s *Session) Expired(now time.Time, ttl time.Duration) bool {
	return !now.Before(s.UpdatedAt.Add(ttl))
}

// StepIndexes returns submitted step numbers in ascending order.
func (s *Session) StepIndexes() []int {
	idx := make([]int, 0, len(s.Steps))
	for i := range s.Steps {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	return idx
}

// Merged returns the left-to-right deep merge of all submitted steps.
func (s *Session) Merged() map[string]any {
	out := make(map[string]any)
	for _, i := range s.StepIndexes() {
		DeepMerge(out, s.Steps[i])
	}
	return out
}

// Clone returns a copy that shares no maps with s.
func (s *Session) Clone() *Session {
	c := *s
	c.Steps = make(map[int]map[string]any, len(s.Steps))
	for i, p := range s.Steps {
		c.Steps[i] = DeepMerge(make(map[string]any, len(p)), p)
	}
	return &c
}

// DeepMerge copies src into dst field by field. Nested objects merge
// recursively; every other value present in src replaces the one in dst.
func DeepMerge(dst, src map[string]any) map[string]any {
	for k, v := range src {
		if srcMap, ok := v.(map[string]any); ok {
			dstMap, ok := dst[k].(map[string]any)
			if !ok {
				dstMap = make(map[string]any, len(srcMap))
			}
			dst[k] = DeepMerge(dstMap, srcMap)
			continue
		}
		dst[k] = v
	}
	return dst
}
