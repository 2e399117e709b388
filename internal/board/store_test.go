package board

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAddElementAssignsUIDAndStacking(t *testing.T) {
	service, db, sink := newTestService(t, nil)
	boardID := mustBoardID(t, "board-1")
	author := mustUserID(t, "user-1")
	seedBoard(t, db, "board-1", "user-1")

	first, err := service.AddElement(context.Background(), boardID, author, ElementDraft{ElementType: ElementTypeShape, PayloadJSON: `{"x":10}`})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.UID != 1 {
		t.Fatalf("expected assigned uid 1, got %d", first.UID)
	}
	if first.ZIndex != 0 {
		t.Fatalf("expected z index 0, got %d", first.ZIndex)
	}
	if first.Revision != 1 {
		t.Fatalf("expected revision 1, got %d", first.Revision)
	}

	second, err := service.AddElement(context.Background(), boardID, author, ElementDraft{ElementType: ElementTypePath, PayloadJSON: `{"points":[]}`})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.UID != 2 {
		t.Fatalf("expected assigned uid 2, got %d", second.UID)
	}
	if second.ZIndex != 1 {
		t.Fatalf("expected z index 1, got %d", second.ZIndex)
	}

	entries := sink.snapshot()
	if len(entries) != 2 || entries[0] != "added:board-1:1:rev1" || entries[1] != "added:board-1:2:rev1" {
		t.Fatalf("unexpected sink entries %v", entries)
	}
}

func TestAddElementRejectsDuplicateActiveUID(t *testing.T) {
	service, db, sink := newTestService(t, nil)
	boardID := mustBoardID(t, "board-1")
	author := mustUserID(t, "user-1")
	seedBoard(t, db, "board-1", "user-1")

	if _, err := service.AddElement(context.Background(), boardID, author, ElementDraft{UID: 5, ElementType: ElementTypeShape, PayloadJSON: "{}"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err := service.AddElement(context.Background(), boardID, author, ElementDraft{UID: 5, ElementType: ElementTypeShape, PayloadJSON: "{}"})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	if entries := sink.snapshot(); len(entries) != 1 {
		t.Fatalf("expected rejected add to skip the sink, got %v", entries)
	}
}

func TestElementRevisionContinuesAcrossDeleteAndReadd(t *testing.T) {
	service, db, _ := newTestService(t, nil)
	boardID := mustBoardID(t, "board-1")
	author := mustUserID(t, "user-1")
	seedBoard(t, db, "board-1", "user-1")

	if _, err := service.AddElement(context.Background(), boardID, author, ElementDraft{UID: 3, ElementType: ElementTypeShape, PayloadJSON: "{}"}); err != nil {
		t.Fatalf("unexpected add error: %v", err)
	}
	if _, err := service.UpdateElement(context.Background(), boardID, author, 3, ElementPatch{ElementType: ElementTypeShape, PayloadJSON: `{"x":1}`}); err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}
	if _, err := service.DeleteElement(context.Background(), boardID, author, 3); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}

	readded, err := service.AddElement(context.Background(), boardID, author, ElementDraft{UID: 3, ElementType: ElementTypeText, PayloadJSON: `{"text":"back"}`})
	if err != nil {
		t.Fatalf("unexpected re-add error: %v", err)
	}
	if readded.Revision != 4 {
		t.Fatalf("expected revision to keep increasing across delete, got %d", readded.Revision)
	}
	if readded.ElementType != ElementTypeText {
		t.Fatalf("expected new type stored, got %s", readded.ElementType)
	}
}

func TestUpdateElementLastWriterWins(t *testing.T) {
	service, db, sink := newTestService(t, nil)
	boardID := mustBoardID(t, "board-1")
	alice := mustUserID(t, "alice")
	bob := mustUserID(t, "bob")
	seedBoard(t, db, "board-1", "alice", "bob")

	if _, err := service.AddElement(context.Background(), boardID, alice, ElementDraft{UID: 1, ElementType: ElementTypeShape, PayloadJSON: `{"x":0}`}); err != nil {
		t.Fatalf("unexpected add error: %v", err)
	}
	if _, err := service.UpdateElement(context.Background(), boardID, alice, 1, ElementPatch{ElementType: ElementTypeShape, PayloadJSON: `{"x":100}`}); err != nil {
		t.Fatalf("unexpected first update error: %v", err)
	}
	final, err := service.UpdateElement(context.Background(), boardID, bob, 1, ElementPatch{ElementType: ElementTypeShape, PayloadJSON: `{"x":40}`})
	if err != nil {
		t.Fatalf("unexpected second update error: %v", err)
	}
	if final.Revision != 3 {
		t.Fatalf("expected revision 3, got %d", final.Revision)
	}

	var stored Element
	if err := db.Where("board_id = ? AND uid = ?", "board-1", 1).Take(&stored).Error; err != nil {
		t.Fatalf("failed to load element: %v", err)
	}
	if stored.PayloadJSON != `{"x":40}` {
		t.Fatalf("expected last write to win, got %s", stored.PayloadJSON)
	}

	entries := sink.snapshot()
	want := []string{"added:board-1:1:rev1", "updated:board-1:1:rev2", "updated:board-1:1:rev3"}
	if len(entries) != len(want) {
		t.Fatalf("unexpected sink entries %v", entries)
	}
	for i := range want {
		if entries[i] != want[i] {
			t.Fatalf("expected sink entry %s at position %d, got %s", want[i], i, entries[i])
		}
	}
}

func TestDeleteElementIsIdempotent(t *testing.T) {
	service, db, sink := newTestService(t, nil)
	boardID := mustBoardID(t, "board-1")
	author := mustUserID(t, "user-1")
	seedBoard(t, db, "board-1", "user-1")

	if _, err := service.AddElement(context.Background(), boardID, author, ElementDraft{UID: 2, ElementType: ElementTypeShape, PayloadJSON: "{}"}); err != nil {
		t.Fatalf("unexpected add error: %v", err)
	}

	transitioned, err := service.DeleteElement(context.Background(), boardID, author, 2)
	if err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	if !transitioned {
		t.Fatalf("expected first delete to transition")
	}

	transitioned, err = service.DeleteElement(context.Background(), boardID, author, 2)
	if err != nil {
		t.Fatalf("unexpected repeat delete error: %v", err)
	}
	if transitioned {
		t.Fatalf("expected repeat delete to be a no-op")
	}

	transitioned, err = service.DeleteElement(context.Background(), boardID, author, 99)
	if err != nil {
		t.Fatalf("unexpected missing delete error: %v", err)
	}
	if transitioned {
		t.Fatalf("expected delete of missing element to be a no-op")
	}

	entries := sink.snapshot()
	if len(entries) != 2 || entries[1] != "deleted:board-1:2" {
		t.Fatalf("expected a single delete broadcast, got %v", entries)
	}
}

func TestElementWritesRequireMembership(t *testing.T) {
	service, db, _ := newTestService(t, nil)
	boardID := mustBoardID(t, "board-1")
	outsider := mustUserID(t, "outsider")
	seedBoard(t, db, "board-1", "user-1")

	if _, err := service.AddElement(context.Background(), boardID, outsider, ElementDraft{ElementType: ElementTypeShape, PayloadJSON: "{}"}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized add, got %v", err)
	}
	if _, err := service.UpdateElement(context.Background(), boardID, outsider, 1, ElementPatch{ElementType: ElementTypeShape, PayloadJSON: "{}"}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized update, got %v", err)
	}
	if _, err := service.DeleteElement(context.Background(), boardID, outsider, 1); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized delete, got %v", err)
	}
	if _, err := service.PostChat(context.Background(), boardID, outsider, "hello"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized chat, got %v", err)
	}
}

func TestUpdateMissingElementNotFound(t *testing.T) {
	service, db, _ := newTestService(t, nil)
	boardID := mustBoardID(t, "board-1")
	author := mustUserID(t, "user-1")
	seedBoard(t, db, "board-1", "user-1")

	_, err := service.UpdateElement(context.Background(), boardID, author, 42, ElementPatch{ElementType: ElementTypeShape, PayloadJSON: "{}"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListActiveElementsStackingOrder(t *testing.T) {
	service, db, _ := newTestService(t, nil)
	boardID := mustBoardID(t, "board-1")
	author := mustUserID(t, "user-1")
	seedBoard(t, db, "board-1", "user-1")

	for i := 0; i < 3; i++ {
		if _, err := service.AddElement(context.Background(), boardID, author, ElementDraft{ElementType: ElementTypeShape, PayloadJSON: "{}"}); err != nil {
			t.Fatalf("unexpected add error: %v", err)
		}
	}
	if _, err := service.DeleteElement(context.Background(), boardID, author, 2); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}

	elements, err := service.ListActiveElements(context.Background(), boardID)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(elements) != 2 {
		t.Fatalf("expected 2 active elements, got %d", len(elements))
	}
	if elements[0].UID != 1 || elements[1].UID != 3 {
		t.Fatalf("unexpected stacking order %d, %d", elements[0].UID, elements[1].UID)
	}
	if elements[0].ZIndex > elements[1].ZIndex {
		t.Fatalf("expected ascending z order")
	}
}

func TestDuplicateZIndexOrdersByUID(t *testing.T) {
	service, db, _ := newTestService(t, nil)
	boardID := mustBoardID(t, "board-1")
	author := mustUserID(t, "user-1")
	seedBoard(t, db, "board-1", "user-1")

	for i := 0; i < 2; i++ {
		if _, err := service.AddElement(context.Background(), boardID, author, ElementDraft{ElementType: ElementTypeShape, PayloadJSON: "{}"}); err != nil {
			t.Fatalf("unexpected add error: %v", err)
		}
	}
	sharedZ := int64(1)
	if _, err := service.UpdateElement(context.Background(), boardID, author, 2, ElementPatch{ElementType: ElementTypeShape, PayloadJSON: "{}", ZIndex: &sharedZ}); err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}

	elements, err := service.ListActiveElements(context.Background(), boardID)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(elements) != 2 {
		t.Fatalf("expected 2 active elements, got %d", len(elements))
	}
	if elements[0].ZIndex != elements[1].ZIndex {
		t.Fatalf("expected colliding z indexes, got %d and %d", elements[0].ZIndex, elements[1].ZIndex)
	}
	if elements[0].UID != 1 || elements[1].UID != 2 {
		t.Fatalf("expected uid tiebreak for equal z, got %d, %d", elements[0].UID, elements[1].UID)
	}
}

func TestSnapshotElementsMatchesActiveSet(t *testing.T) {
	service, db, _ := newTestService(t, nil)
	boardID := mustBoardID(t, "board-1")
	author := mustUserID(t, "user-1")
	seedBoard(t, db, "board-1", "user-1")

	if _, err := service.AddElement(context.Background(), boardID, author, ElementDraft{ElementType: ElementTypeText, PayloadJSON: `{"text":"a"}`}); err != nil {
		t.Fatalf("unexpected add error: %v", err)
	}

	snapshot, err := service.SnapshotElements(context.Background(), boardID)
	if err != nil {
		t.Fatalf("unexpected snapshot error: %v", err)
	}
	if len(snapshot) != 1 || snapshot[0].UID != 1 {
		t.Fatalf("unexpected snapshot %v", snapshot)
	}
}

func TestCreateWhiteboardAddsCreatorAsMember(t *testing.T) {
	service, db, _ := newTestService(t, []string{"board-new"})
	creator := mustUserID(t, "creator")
	partner := mustUserID(t, "partner")

	created, err := service.CreateWhiteboard(context.Background(), creator, "  Project Canvas  ", []UserID{partner, creator})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created.BoardID != "board-new" {
		t.Fatalf("unexpected board id %s", created.BoardID)
	}
	if created.Title != "Project Canvas" {
		t.Fatalf("expected trimmed title, got %q", created.Title)
	}

	var members []Membership
	if err := db.Where("board_id = ?", "board-new").Order("user_id ASC").Find(&members).Error; err != nil {
		t.Fatalf("failed to load members: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected creator deduplicated, got %d members", len(members))
	}
}

func TestCreateWhiteboardRejectsBlankTitle(t *testing.T) {
	service, _, _ := newTestService(t, []string{"board-new"})
	creator := mustUserID(t, "creator")

	if _, err := service.CreateWhiteboard(context.Background(), creator, "   ", nil); err == nil {
		t.Fatalf("expected blank title to be rejected")
	}
}

func TestWhiteboardSoftDeleteAndRestore(t *testing.T) {
	service, db, _ := newTestService(t, nil)
	boardID := mustBoardID(t, "board-1")
	owner := mustUserID(t, "owner")
	seedBoard(t, db, "board-1", "owner")

	listed, err := service.ListWhiteboards(context.Background(), owner)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("expected 1 whiteboard, got %d", len(listed))
	}

	if err := service.SoftDeleteWhiteboard(context.Background(), boardID, owner); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}

	listed, err = service.ListWhiteboards(context.Background(), owner)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(listed) != 0 {
		t.Fatalf("expected deleted whiteboard hidden from listings")
	}

	whiteboard, _, err := service.GetWhiteboard(context.Background(), boardID)
	if err != nil {
		t.Fatalf("expected deleted whiteboard to remain fetchable: %v", err)
	}
	if !whiteboard.Deleted() {
		t.Fatalf("expected deletion marker")
	}

	if err := service.RestoreWhiteboard(context.Background(), boardID, owner); err != nil {
		t.Fatalf("unexpected restore error: %v", err)
	}
	whiteboard, _, err = service.GetWhiteboard(context.Background(), boardID)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if whiteboard.Deleted() {
		t.Fatalf("expected deletion marker cleared")
	}
}

func TestGetWhiteboardMissing(t *testing.T) {
	service, _, _ := newTestService(t, nil)

	_, _, err := service.GetWhiteboard(context.Background(), mustBoardID(t, "ghost"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAddMemberIsIdempotent(t *testing.T) {
	service, db, _ := newTestService(t, nil)
	boardID := mustBoardID(t, "board-1")
	owner := mustUserID(t, "owner")
	guest := mustUserID(t, "guest")
	seedBoard(t, db, "board-1", "owner")

	if err := service.AddMember(context.Background(), boardID, owner, guest); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := service.AddMember(context.Background(), boardID, owner, guest); err != nil {
		t.Fatalf("expected repeated grant to succeed: %v", err)
	}

	isMember, err := service.IsMember(context.Background(), boardID, guest)
	if err != nil {
		t.Fatalf("unexpected membership error: %v", err)
	}
	if !isMember {
		t.Fatalf("expected guest to be a member")
	}
}

func TestSetThumbnail(t *testing.T) {
	service, db, _ := newTestService(t, nil)
	boardID := mustBoardID(t, "board-1")
	seedBoard(t, db, "board-1", "owner")

	if err := service.SetThumbnail(context.Background(), boardID, "https://assets.example/thumb.png"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var stored Whiteboard
	if err := db.Where("board_id = ?", "board-1").Take(&stored).Error; err != nil {
		t.Fatalf("failed to load whiteboard: %v", err)
	}
	if stored.ThumbnailURL != "https://assets.example/thumb.png" {
		t.Fatalf("unexpected thumbnail %s", stored.ThumbnailURL)
	}

	if err := service.SetThumbnail(context.Background(), mustBoardID(t, "ghost"), "https://assets.example/x.png"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestChatPostAndPaging(t *testing.T) {
	service, db, sink := newTestService(t, []string{"msg-1", "msg-2", "msg-3"})
	boardID := mustBoardID(t, "board-1")
	author := mustUserID(t, "user-1")
	seedBoard(t, db, "board-1", "user-1")

	for _, body := range []string{"first", "second", "third"} {
		if _, err := service.PostChat(context.Background(), boardID, author, body); err != nil {
			t.Fatalf("unexpected chat error: %v", err)
		}
	}

	messages, err := service.ListChat(context.Background(), boardID, 0, 2)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected limit applied, got %d", len(messages))
	}
	if messages[0].MessageID != "msg-3" {
		t.Fatalf("expected newest first, got %s", messages[0].MessageID)
	}

	older, err := service.ListChat(context.Background(), boardID, 1700000000, 10)
	if err != nil {
		t.Fatalf("unexpected cursor list error: %v", err)
	}
	if len(older) != 0 {
		t.Fatalf("expected cursor to exclude same-second messages, got %d", len(older))
	}

	if _, err := service.PostChat(context.Background(), boardID, author, "   "); err == nil {
		t.Fatalf("expected blank chat body to be rejected")
	}

	if entries := sink.snapshot(); len(entries) != 3 || entries[0] != "chat:board-1:msg-1" {
		t.Fatalf("unexpected sink entries %v", entries)
	}
}

func TestChatRejectedBeforeIDConsumed(t *testing.T) {
	service, db, _ := newTestService(t, []string{"msg-1"})
	boardID := mustBoardID(t, "board-1")
	seedBoard(t, db, "board-1", "user-1")

	if _, err := service.PostChat(context.Background(), boardID, mustUserID(t, "outsider"), "hi"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized chat, got %v", err)
	}

	message, err := service.PostChat(context.Background(), boardID, mustUserID(t, "user-1"), "hello")
	if err != nil {
		t.Fatalf("unexpected chat error: %v", err)
	}
	if message.MessageID != "msg-1" {
		t.Fatalf("expected rejected post to leave the id pool untouched, got %s", message.MessageID)
	}
}

// gateObservingSink records how many ordering gates were live when the chat
// event fired. A held gate shows the broadcast happens before release.
type gateObservingSink struct {
	recordingSink
	service         *Service
	gatesDuringChat int
}

func (g *gateObservingSink) ChatPosted(boardID string, message ChatMessage) {
	if g.service != nil {
		g.gatesDuringChat = g.service.sequencer.ActiveGates()
	}
	g.recordingSink.ChatPosted(boardID, message)
}

func TestChatEventFiresInsideOrderingGate(t *testing.T) {
	db := newTestDatabase(t)
	sink := &gateObservingSink{}
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      func() time.Time { return time.Unix(1700000000, 0).UTC() },
		IDProvider: &staticIDGenerator{ids: []string{"msg-1"}},
		Events:     sink,
	})
	if err != nil {
		t.Fatalf("failed to build board service: %v", err)
	}
	sink.service = service
	seedBoard(t, db, "board-1", "user-1")

	if _, err := service.PostChat(context.Background(), mustBoardID(t, "board-1"), mustUserID(t, "user-1"), "hello"); err != nil {
		t.Fatalf("unexpected chat error: %v", err)
	}
	if sink.gatesDuringChat != 1 {
		t.Fatalf("expected the board gate held during the chat event, got %d live gates", sink.gatesDuringChat)
	}
	if service.sequencer.ActiveGates() != 0 {
		t.Fatalf("expected gate reclaimed after the post")
	}
}

type fixedAssetDirectory struct {
	known map[string]AssetInfo
}

func (d *fixedAssetDirectory) Lookup(_ context.Context, assetID string) (AssetInfo, error) {
	info, ok := d.known[assetID]
	if !ok {
		return AssetInfo{}, ErrNotFound
	}
	return info, nil
}

func TestAddElementValidatesAssetReference(t *testing.T) {
	db := newTestDatabase(t)
	directory := &fixedAssetDirectory{known: map[string]AssetInfo{
		"asset-live":    {AssetID: "asset-live", PreviewReady: true},
		"asset-removed": {AssetID: "asset-removed", Deleted: true},
	}}
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      func() time.Time { return time.Unix(1700000000, 0).UTC() },
		IDProvider: &staticIDGenerator{},
		Assets:     directory,
	})
	if err != nil {
		t.Fatalf("failed to build board service: %v", err)
	}
	boardID := mustBoardID(t, "board-1")
	author := mustUserID(t, "user-1")
	seedBoard(t, db, "board-1", "user-1")

	live := "asset-live"
	if _, err := service.AddElement(context.Background(), boardID, author, ElementDraft{UID: 1, ElementType: ElementTypeImage, PayloadJSON: "{}", AssetID: &live}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	removed := "asset-removed"
	if _, err := service.AddElement(context.Background(), boardID, author, ElementDraft{UID: 2, ElementType: ElementTypeImage, PayloadJSON: "{}", AssetID: &removed}); err != nil {
		t.Fatalf("expected soft-deleted asset to remain referenceable: %v", err)
	}

	ghost := "asset-ghost"
	if _, err := service.AddElement(context.Background(), boardID, author, ElementDraft{UID: 3, ElementType: ElementTypeImage, PayloadJSON: "{}", AssetID: &ghost}); !errors.Is(err, ErrAssetMissing) {
		t.Fatalf("expected missing asset error, got %v", err)
	}
}

func TestAddElementRejectsInvalidInput(t *testing.T) {
	service, db, _ := newTestService(t, nil)
	boardID := mustBoardID(t, "board-1")
	author := mustUserID(t, "user-1")
	seedBoard(t, db, "board-1", "user-1")

	if _, err := service.AddElement(context.Background(), boardID, author, ElementDraft{UID: -1, ElementType: ElementTypeShape, PayloadJSON: "{}"}); !errors.Is(err, ErrInvalidElementUID) {
		t.Fatalf("expected invalid uid error, got %v", err)
	}
	if _, err := service.AddElement(context.Background(), boardID, author, ElementDraft{ElementType: "sticker", PayloadJSON: "{}"}); !errors.Is(err, ErrInvalidElementType) {
		t.Fatalf("expected invalid type error, got %v", err)
	}
}
