package document

import (
	"errors"
	"fmt"
	"time"
)

// Permission levels on a document.
const (
	PermReadOnly  = "read_only"
	PermReadWrite = "read_write"
	PermAdmin     = "admin"
)

var errBadRange = errors.New("line range out of bounds")

// Comment is pinned to a line and shifts with it.
type Comment struct {
	ID        string  `json:"id"`
	Line      int     `json:"line"`
	Author    string  `json:"author"`
	Text      string  `json:"text"`
	Timestamp float64 `json:"timestamp"`
}

// Operation is one entry of a document's history log.
type Operation struct {
	Seq       int            `json:"seq"`
	Type      string         `json:"type"`
	Agent     string         `json:"agent"`
	Version   int            `json:"version"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp float64        `json:"timestamp"`
}

// lineLock is an advisory lock on a single line. Expired locks are swept by
// the mod's Tick.
type lineLock struct {
	Agent     string    `json:"agent"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Document is one collaborative line-addressed document.
type Document struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Creator     string              `json:"creator"`
	Lines       []string            `json:"lines"`
	Authors     []string            `json:"authors"` // parallel to Lines
	Version     int                 `json:"version"`
	Permissions map[string]string   `json:"permissions"`
	Comments    map[string]*Comment `json:"comments"`
	History     []Operation         `json:"history"`
	CreatedAt   float64             `json:"created_at"`

	// Session state, not persisted.
	Locks   map[int]*lineLock `json:"-"`
	Cursors map[string]int    `json:"-"`
	Open    map[string]bool   `json:"-"`
}

func newDocument(id, name, creator string, lines []string, ts float64) *Document {
	authors := make([]string, len(lines))
	for i := range authors {
		authors[i] = creator
	}
	return &Document{
		ID:          id,
		Name:        name,
		Creator:     creator,
		Lines:       lines,
		Authors:     authors,
		Permissions: map[string]string{creator: PermAdmin},
		Comments:    make(map[string]*Comment),
		Locks:       make(map[int]*lineLock),
		Cursors:     make(map[string]int),
		Open:        make(map[string]bool),
		CreatedAt:   ts,
	}
}

// permission returns the agent's level, or "" when the agent has none.
func (d *Document) permission(agentID string) string {
	return d.Permissions[agentID]
}

func (d *Document) canRead(agentID string) bool {
	return d.permission(agentID) != ""
}

func (d *Document) canWrite(agentID string) bool {
	p := d.permission(agentID)
	return p == PermReadWrite || p == PermAdmin
}

func (d *Document) isAdmin(agentID string) bool {
	return d.permission(agentID) == PermAdmin
}

// lockConflict reports whether any line in [start, start+count) carries a
// live lock owned by someone else.
func (d *Document) lockConflict(agentID string, start, count int, now time.Time) bool {
	for line := start; line < start+count; line++ {
		if l, ok := d.Locks[line]; ok && l.Agent != agentID && now.Before(l.ExpiresAt) {
			return true
		}
	}
	return false
}

// insertLines inserts lines at position, shifting authorship, comments,
// locks, and cursors below the insertion point.
func (d *Document) insertLines(agentID string, position int, lines []string) error {
	if position < 0 || position > len(d.Lines) {
		return errBadRange
	}
	authors := make([]string, len(lines))
	for i := range authors {
		authors[i] = agentID
	}
	d.Lines = append(d.Lines[:position], append(append([]string(nil), lines...), d.Lines[position:]...)...)
	d.Authors = append(d.Authors[:position], append(authors, d.Authors[position:]...)...)
	d.shift(position, len(lines))
	return nil
}

// removeLines removes count lines starting at start. Comments on removed
// lines are dropped; everything below shifts up.
func (d *Document) removeLines(start, count int) error {
	if start < 0 || count < 1 || start+count > len(d.Lines) {
		return errBadRange
	}
	d.Lines = append(d.Lines[:start], d.Lines[start+count:]...)
	d.Authors = append(d.Authors[:start], d.Authors[start+count:]...)

	for id, c := range d.Comments {
		if c.Line >= start && c.Line < start+count {
			delete(d.Comments, id)
		}
	}
	for line := start; line < start+count; line++ {
		delete(d.Locks, line)
	}
	d.shift(start+count, -count)
	return nil
}

// replaceLines overwrites count lines starting at start with new content,
// taking authorship of each replaced line.
func (d *Document) replaceLines(agentID string, start int, lines []string) error {
	if start < 0 || start+len(lines) > len(d.Lines) {
		return errBadRange
	}
	for i, text := range lines {
		d.Lines[start+i] = text
		d.Authors[start+i] = agentID
	}
	return nil
}

// shift moves line-pinned bookkeeping at or below from by delta.
func (d *Document) shift(from, delta int) {
	for _, c := range d.Comments {
		if c.Line >= from {
			c.Line += delta
		}
	}
	if len(d.Locks) > 0 {
		moved := make(map[int]*lineLock, len(d.Locks))
		for line, l := range d.Locks {
			if line >= from {
				line += delta
			}
			moved[line] = l
		}
		d.Locks = moved
	}
	for agent, line := range d.Cursors {
		if line >= from {
			line += delta
		}
		if line < 0 {
			line = 0
		}
		if line > len(d.Lines) {
			line = len(d.Lines)
		}
		d.Cursors[agent] = line
	}
}

// record appends to the operation log and bumps the version.
func (d *Document) record(opType, agentID string, details map[string]any, ts float64) {
	d.Version++
	d.History = append(d.History, Operation{
		Seq:       len(d.History) + 1,
		Type:      opType,
		Agent:     agentID,
		Version:   d.Version,
		Details:   details,
		Timestamp: ts,
	})
}

func (d *Document) summary() map[string]any {
	return map[string]any{
		"document_id": d.ID,
		"name":        d.Name,
		"creator":     d.Creator,
		"version":     d.Version,
		"line_count":  len(d.Lines),
		"created_at":  d.CreatedAt,
	}
}

func rangeDetails(start, count int) map[string]any {
	return map[string]any{"start": start, "count": count}
}

func validStart(start, total int) error {
	if start < 0 || start >= total {
		return fmt.Errorf("%w: line %d of %d", errBadRange, start, total)
	}
	return nil
}
