package board

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func mustBoardID(t *testing.T, value string) BoardID {
	t.Helper()
	id, err := NewBoardID(value)
	if err != nil {
		t.Fatalf("unexpected board id error: %v", err)
	}
	return id
}

func mustUserID(t *testing.T, value string) UserID {
	t.Helper()
	id, err := NewUserID(value)
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	return id
}

type staticIDGenerator struct {
	ids   []string
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

// recordingSink captures sink invocations in arrival order.
type recordingSink struct {
	mu      sync.Mutex
	entries []string
}

func (r *recordingSink) ElementAdded(boardID string, element Element) {
	r.record(fmt.Sprintf("added:%s:%d:rev%d", boardID, element.UID, element.Revision))
}

func (r *recordingSink) ElementUpdated(boardID string, element Element) {
	r.record(fmt.Sprintf("updated:%s:%d:rev%d", boardID, element.UID, element.Revision))
}

func (r *recordingSink) ElementDeleted(boardID string, uid int64) {
	r.record(fmt.Sprintf("deleted:%s:%d", boardID, uid))
}

func (r *recordingSink) ChatPosted(boardID string, message ChatMessage) {
	r.record(fmt.Sprintf("chat:%s:%s", boardID, message.MessageID))
}

func (r *recordingSink) record(entry string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
}

func (r *recordingSink) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.entries))
	copy(out, r.entries)
	return out
}

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Whiteboard{}, &Membership{}, &Element{}, &ChatMessage{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestService(t *testing.T, ids []string) (*Service, *gorm.DB, *recordingSink) {
	t.Helper()
	db := newTestDatabase(t)
	sink := &recordingSink{}
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      func() time.Time { return time.Unix(1700000000, 0).UTC() },
		IDProvider: &staticIDGenerator{ids: ids},
		Events:     sink,
	})
	if err != nil {
		t.Fatalf("failed to build board service: %v", err)
	}
	return service, db, sink
}

func seedBoard(t *testing.T, db *gorm.DB, boardID string, members ...string) {
	t.Helper()
	whiteboard := Whiteboard{
		BoardID:          boardID,
		Title:            "seeded board",
		CreatedBy:        members[0],
		CreatedAtSeconds: 1699990000,
		UpdatedAtSeconds: 1699990000,
	}
	if err := db.Create(&whiteboard).Error; err != nil {
		t.Fatalf("failed to seed whiteboard: %v", err)
	}
	for _, member := range members {
		row := Membership{BoardID: boardID, UserID: member, JoinedAtSeconds: 1699990000}
		if err := db.Create(&row).Error; err != nil {
			t.Fatalf("failed to seed member %s: %v", member, err)
		}
	}
}
