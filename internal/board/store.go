package board

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingTitle      = errors.New("whiteboard title is required")
	errMissingChatBody   = errors.New("chat body is required")
	noOpLogger           = zap.NewNop()

	// ErrAssetMissing indicates an element referenced an asset unknown to the
	// asset directory. Soft-deleted assets are still valid references.
	ErrAssetMissing = errors.New("board: referenced asset does not exist")
)

const (
	opServiceNew       = "board.service.new"
	opAddElement       = "board.add_element"
	opUpdateElement    = "board.update_element"
	opDeleteElement    = "board.delete_element"
	opListElements     = "board.list_elements"
	opSnapshotElements = "board.snapshot_elements"
	opCreateBoard      = "board.create_whiteboard"
	opGetBoard         = "board.get_whiteboard"
	opListBoards       = "board.list_whiteboards"
	opDeleteBoard      = "board.delete_whiteboard"
	opRestoreBoard     = "board.restore_whiteboard"
	opAddMember        = "board.add_member"
	opSetThumbnail     = "board.set_thumbnail"
	opPostChat         = "board.post_chat"
	opListChat         = "board.list_chat"
)

// ServiceError carries a dotted operation code alongside the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the dotted operation code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues identifiers for whiteboards and chat messages.
type IDProvider interface {
	NewID() (string, error)
}

// AssetInfo is the directory's view of a library asset.
type AssetInfo struct {
	AssetID      string
	PreviewURL   string
	PreviewReady bool
	Deleted      bool
}

// AssetDirectory resolves weak asset references. Lookups must report
// soft-deleted assets as found so derived elements keep rendering previews.
type AssetDirectory interface {
	Lookup(ctx context.Context, assetID string) (AssetInfo, error)
}

// EventSink receives every accepted mutation for realtime fan-out. Events
// fire after the durable write commits and before the board's ordering gate
// is released, so they arrive in acceptance order.
type EventSink interface {
	ElementAdded(boardID string, element Element)
	ElementUpdated(boardID string, element Element)
	ElementDeleted(boardID string, uid int64)
	ChatPosted(boardID string, message ChatMessage)
}

// ServiceConfig wires the store's dependencies.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Sequencer  *Sequencer
	Assets     AssetDirectory
	Events     EventSink
	Logger     *zap.Logger
}

// Service is the durable element store plus whiteboard and chat persistence.
// All element writes for one whiteboard are serialized through the sequencer.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	sequencer  *Sequencer
	assets     AssetDirectory
	events     EventSink
	logger     *zap.Logger
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	sequencer := cfg.Sequencer
	if sequencer == nil {
		sequencer = NewSequencer()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		sequencer:  sequencer,
		assets:     cfg.Assets,
		events:     cfg.Events,
		logger:     logger,
	}, nil
}

// AddElement persists a new element under the board's ordering gate. A zero
// draft uid is assigned the next free uid; a client-supplied uid held by an
// active element fails with ErrConflict. The stored element starts at
// revision 1 and takes the next stacking position.
func (s *Service) AddElement(ctx context.Context, boardID BoardID, author UserID, draft ElementDraft) (Element, error) {
	if draft.UID < 0 {
		return Element{}, newServiceError(opAddElement, "invalid_uid", ErrInvalidElementUID)
	}
	if _, err := ParseElementType(string(draft.ElementType)); err != nil {
		return Element{}, newServiceError(opAddElement, "invalid_type", err)
	}
	if err := s.checkAssetReference(ctx, opAddElement, draft.AssetID); err != nil {
		return Element{}, err
	}

	var stored Element
	err := s.sequencer.Do(boardID.String(), func() error {
		txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := s.requireMembership(tx, opAddElement, boardID, author); err != nil {
				return err
			}

			uid := draft.UID
			if uid == 0 {
				nextUID, err := nextElementUID(tx, boardID)
				if err != nil {
					s.logError(opAddElement, "uid_assignment_failed", err, boardFields(boardID, author)...)
					return newServiceError(opAddElement, "uid_assignment_failed", err)
				}
				uid = nextUID
			}

			existing, err := lockElement(tx, boardID, uid)
			if err != nil {
				s.logError(opAddElement, "element_select_failed", err, boardFields(boardID, author)...)
				return newServiceError(opAddElement, "element_select_failed", err)
			}

			zIndex, err := nextZIndex(tx, boardID)
			if err != nil {
				s.logError(opAddElement, "zindex_assignment_failed", err, boardFields(boardID, author)...)
				return newServiceError(opAddElement, "zindex_assignment_failed", err)
			}

			outcome, err := resolveAdd(existing, draft, boardID, author, uid, zIndex, s.clock().UTC())
			if err != nil {
				return err
			}

			if err := tx.Save(outcome.Element).Error; err != nil {
				s.logError(opAddElement, "persist_failed", err, boardFields(boardID, author)...)
				return newServiceError(opAddElement, "persist_failed", err)
			}
			stored = *outcome.Element
			return nil
		})
		if txErr != nil {
			return txErr
		}
		if s.events != nil {
			s.events.ElementAdded(boardID.String(), stored)
		}
		return nil
	})
	if err != nil {
		return Element{}, err
	}
	return stored, nil
}

// UpdateElement replaces the payload of an active element and increments its
// revision. Missing or deleted elements fail with ErrNotFound.
func (s *Service) UpdateElement(ctx context.Context, boardID BoardID, author UserID, uid int64, patch ElementPatch) (Element, error) {
	if uid <= 0 {
		return Element{}, newServiceError(opUpdateElement, "invalid_uid", ErrInvalidElementUID)
	}
	if _, err := ParseElementType(string(patch.ElementType)); err != nil {
		return Element{}, newServiceError(opUpdateElement, "invalid_type", err)
	}
	if err := s.checkAssetReference(ctx, opUpdateElement, patch.AssetID); err != nil {
		return Element{}, err
	}

	var stored Element
	err := s.sequencer.Do(boardID.String(), func() error {
		txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := s.requireMembership(tx, opUpdateElement, boardID, author); err != nil {
				return err
			}

			existing, err := lockElement(tx, boardID, uid)
			if err != nil {
				s.logError(opUpdateElement, "element_select_failed", err, boardFields(boardID, author)...)
				return newServiceError(opUpdateElement, "element_select_failed", err)
			}

			outcome, err := resolveUpdate(existing, patch, s.clock().UTC())
			if err != nil {
				return err
			}

			if err := tx.Save(outcome.Element).Error; err != nil {
				s.logError(opUpdateElement, "persist_failed", err, boardFields(boardID, author)...)
				return newServiceError(opUpdateElement, "persist_failed", err)
			}
			stored = *outcome.Element
			return nil
		})
		if txErr != nil {
			return txErr
		}
		if s.events != nil {
			s.events.ElementUpdated(boardID.String(), stored)
		}
		return nil
	})
	if err != nil {
		return Element{}, err
	}
	return stored, nil
}

// DeleteElement soft-deletes an element. Deleting a missing or already
// deleted element succeeds without a transition and without a broadcast.
func (s *Service) DeleteElement(ctx context.Context, boardID BoardID, author UserID, uid int64) (bool, error) {
	if uid <= 0 {
		return false, newServiceError(opDeleteElement, "invalid_uid", ErrInvalidElementUID)
	}

	transitioned := false
	err := s.sequencer.Do(boardID.String(), func() error {
		txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := s.requireMembership(tx, opDeleteElement, boardID, author); err != nil {
				return err
			}

			existing, err := lockElement(tx, boardID, uid)
			if err != nil {
				s.logError(opDeleteElement, "element_select_failed", err, boardFields(boardID, author)...)
				return newServiceError(opDeleteElement, "element_select_failed", err)
			}

			outcome := resolveDelete(existing, s.clock().UTC())
			if !outcome.Transitioned {
				return nil
			}

			if err := tx.Save(outcome.Element).Error; err != nil {
				s.logError(opDeleteElement, "persist_failed", err, boardFields(boardID, author)...)
				return newServiceError(opDeleteElement, "persist_failed", err)
			}
			transitioned = true
			return nil
		})
		if txErr != nil {
			return txErr
		}
		if transitioned && s.events != nil {
			s.events.ElementDeleted(boardID.String(), uid)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return transitioned, nil
}

// ListActiveElements returns the board's non-deleted elements in stacking
// order, for canvas hydration.
func (s *Service) ListActiveElements(ctx context.Context, boardID BoardID) ([]Element, error) {
	var elements []Element
	if err := s.db.WithContext(ctx).
		Where("board_id = ? AND is_deleted = ?", boardID.String(), false).
		Order("z_index ASC, uid ASC").
		Find(&elements).Error; err != nil {
		s.logError(opListElements, "query_failed", err, zap.String("board_id", boardID.String()))
		return nil, newServiceError(opListElements, "query_failed", err)
	}
	return elements, nil
}

// SnapshotElements reads the active element set through the board's ordering
// gate, so the caller observes a single consistent state with no element
// half-mutated. Used by the export pipeline.
func (s *Service) SnapshotElements(ctx context.Context, boardID BoardID) ([]Element, error) {
	var elements []Element
	err := s.sequencer.Do(boardID.String(), func() error {
		listed, err := s.ListActiveElements(ctx, boardID)
		if err != nil {
			return newServiceError(opSnapshotElements, "list_failed", err)
		}
		elements = listed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return elements, nil
}

// CreateWhiteboard persists a new whiteboard with its creator as first member.
func (s *Service) CreateWhiteboard(ctx context.Context, creator UserID, title string, members []UserID) (Whiteboard, error) {
	trimmedTitle := normalizeTitle(title)
	if trimmedTitle == "" {
		return Whiteboard{}, newServiceError(opCreateBoard, "missing_title", errMissingTitle)
	}

	boardID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateBoard, "id_generation_failed", err)
		return Whiteboard{}, newServiceError(opCreateBoard, "id_generation_failed", err)
	}

	now := s.clock().UTC().Unix()
	created := Whiteboard{
		BoardID:          boardID,
		Title:            trimmedTitle,
		CreatedBy:        creator.String(),
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}

	memberRows := []Membership{{BoardID: boardID, UserID: creator.String(), JoinedAtSeconds: now}}
	for _, member := range members {
		if member == creator {
			continue
		}
		memberRows = append(memberRows, Membership{BoardID: boardID, UserID: member.String(), JoinedAtSeconds: now})
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&created).Error; err != nil {
			return newServiceError(opCreateBoard, "persist_failed", err)
		}
		if err := tx.Create(&memberRows).Error; err != nil {
			return newServiceError(opCreateBoard, "members_persist_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opCreateBoard, "transaction_failed", txErr, zap.String("user_id", creator.String()))
		return Whiteboard{}, txErr
	}

	return created, nil
}

// GetWhiteboard returns a whiteboard (including soft-deleted ones, for
// restore flows) together with its member list.
func (s *Service) GetWhiteboard(ctx context.Context, boardID BoardID) (Whiteboard, []UserID, error) {
	var whiteboard Whiteboard
	err := s.db.WithContext(ctx).
		Where("board_id = ?", boardID.String()).
		Take(&whiteboard).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Whiteboard{}, nil, fmt.Errorf("%w: whiteboard %s", ErrNotFound, boardID.String())
	}
	if err != nil {
		s.logError(opGetBoard, "query_failed", err, zap.String("board_id", boardID.String()))
		return Whiteboard{}, nil, newServiceError(opGetBoard, "query_failed", err)
	}

	var rows []Membership
	if err := s.db.WithContext(ctx).
		Where("board_id = ?", boardID.String()).
		Order("joined_at_s ASC, user_id ASC").
		Find(&rows).Error; err != nil {
		s.logError(opGetBoard, "members_query_failed", err, zap.String("board_id", boardID.String()))
		return Whiteboard{}, nil, newServiceError(opGetBoard, "members_query_failed", err)
	}

	members := make([]UserID, 0, len(rows))
	for _, row := range rows {
		members = append(members, UserID(row.UserID))
	}
	return whiteboard, members, nil
}

// ListWhiteboards returns the non-deleted whiteboards the user belongs to,
// most recently updated first.
func (s *Service) ListWhiteboards(ctx context.Context, userID UserID) ([]Whiteboard, error) {
	var whiteboards []Whiteboard
	if err := s.db.WithContext(ctx).
		Joins("JOIN whiteboard_members ON whiteboard_members.board_id = whiteboards.board_id").
		Where("whiteboard_members.user_id = ? AND whiteboards.deleted_at_s IS NULL", userID.String()).
		Order("whiteboards.updated_at_s DESC").
		Find(&whiteboards).Error; err != nil {
		s.logError(opListBoards, "query_failed", err, zap.String("user_id", userID.String()))
		return nil, newServiceError(opListBoards, "query_failed", err)
	}
	return whiteboards, nil
}

// SoftDeleteWhiteboard hides a whiteboard from listings without purging it.
func (s *Service) SoftDeleteWhiteboard(ctx context.Context, boardID BoardID, actor UserID) error {
	return s.setWhiteboardDeletion(ctx, opDeleteBoard, boardID, actor, true)
}

// RestoreWhiteboard clears the soft-delete marker.
func (s *Service) RestoreWhiteboard(ctx context.Context, boardID BoardID, actor UserID) error {
	return s.setWhiteboardDeletion(ctx, opRestoreBoard, boardID, actor, false)
}

func (s *Service) setWhiteboardDeletion(ctx context.Context, operation string, boardID BoardID, actor UserID, deleted bool) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.requireMembership(tx, operation, boardID, actor); err != nil {
			return err
		}

		var whiteboard Whiteboard
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("board_id = ?", boardID.String()).
			Take(&whiteboard).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: whiteboard %s", ErrNotFound, boardID.String())
		}
		if err != nil {
			s.logError(operation, "query_failed", err, zap.String("board_id", boardID.String()))
			return newServiceError(operation, "query_failed", err)
		}

		now := s.clock().UTC().Unix()
		if deleted {
			whiteboard.DeletedAtSeconds = &now
		} else {
			whiteboard.DeletedAtSeconds = nil
		}
		whiteboard.UpdatedAtSeconds = now

		if err := tx.Save(&whiteboard).Error; err != nil {
			s.logError(operation, "persist_failed", err, zap.String("board_id", boardID.String()))
			return newServiceError(operation, "persist_failed", err)
		}
		return nil
	})
}

// AddMember grants whiteboard access to another user. Any member may do this.
func (s *Service) AddMember(ctx context.Context, boardID BoardID, actor, newMember UserID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.requireMembership(tx, opAddMember, boardID, actor); err != nil {
			return err
		}
		row := Membership{
			BoardID:         boardID.String(),
			UserID:          newMember.String(),
			JoinedAtSeconds: s.clock().UTC().Unix(),
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
			s.logError(opAddMember, "persist_failed", err, boardFields(boardID, actor)...)
			return newServiceError(opAddMember, "persist_failed", err)
		}
		return nil
	})
}

// SetThumbnail records the exported preview location for a whiteboard.
func (s *Service) SetThumbnail(ctx context.Context, boardID BoardID, thumbnailURL string) error {
	result := s.db.WithContext(ctx).Model(&Whiteboard{}).
		Where("board_id = ?", boardID.String()).
		Updates(map[string]any{
			"thumbnail_url": thumbnailURL,
			"updated_at_s":  s.clock().UTC().Unix(),
		})
	if result.Error != nil {
		s.logError(opSetThumbnail, "persist_failed", result.Error, zap.String("board_id", boardID.String()))
		return newServiceError(opSetThumbnail, "persist_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: whiteboard %s", ErrNotFound, boardID.String())
	}
	return nil
}

// IsMember reports whether the user belongs to the whiteboard.
func (s *Service) IsMember(ctx context.Context, boardID BoardID, userID UserID) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Membership{}).
		Where("board_id = ? AND user_id = ?", boardID.String(), userID.String()).
		Count(&count).Error; err != nil {
		return false, newServiceError(opGetBoard, "membership_query_failed", err)
	}
	return count > 0, nil
}

// PostChat appends a chat message and hands it to the event sink. Like the
// element writes it runs under the board's ordering gate, so chat broadcasts
// share the store-acceptance order.
func (s *Service) PostChat(ctx context.Context, boardID BoardID, author UserID, body string) (ChatMessage, error) {
	if normalizeTitle(body) == "" {
		return ChatMessage{}, newServiceError(opPostChat, "missing_body", errMissingChatBody)
	}

	var message ChatMessage
	err := s.sequencer.Do(boardID.String(), func() error {
		txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := s.requireMembership(tx, opPostChat, boardID, author); err != nil {
				return err
			}
			messageID, err := s.idProvider.NewID()
			if err != nil {
				s.logError(opPostChat, "id_generation_failed", err, boardFields(boardID, author)...)
				return newServiceError(opPostChat, "id_generation_failed", err)
			}
			message = ChatMessage{
				MessageID:        messageID,
				BoardID:          boardID.String(),
				AuthorID:         author.String(),
				Body:             body,
				CreatedAtSeconds: s.clock().UTC().Unix(),
			}
			if err := tx.Create(&message).Error; err != nil {
				s.logError(opPostChat, "persist_failed", err, boardFields(boardID, author)...)
				return newServiceError(opPostChat, "persist_failed", err)
			}
			return nil
		})
		if txErr != nil {
			return txErr
		}
		if s.events != nil {
			s.events.ChatPosted(boardID.String(), message)
		}
		return nil
	})
	if err != nil {
		return ChatMessage{}, err
	}
	return message, nil
}

// ListChat returns up to limit messages posted strictly before the given unix
// second, newest first. A zero before cursor means "from the latest".
func (s *Service) ListChat(ctx context.Context, boardID BoardID, before int64, limit int) ([]ChatMessage, error) {
	if limit <= 0 {
		limit = 50
	}

	query := s.db.WithContext(ctx).Where("board_id = ?", boardID.String())
	if before > 0 {
		query = query.Where("created_at_s < ?", before)
	}

	var messages []ChatMessage
	if err := query.Order("created_at_s DESC, message_id DESC").Limit(limit).Find(&messages).Error; err != nil {
		s.logError(opListChat, "query_failed", err, zap.String("board_id", boardID.String()))
		return nil, newServiceError(opListChat, "query_failed", err)
	}
	return messages, nil
}

func (s *Service) requireMembership(tx *gorm.DB, operation string, boardID BoardID, userID UserID) error {
	var count int64
	if err := tx.Model(&Membership{}).
		Where("board_id = ? AND user_id = ?", boardID.String(), userID.String()).
		Count(&count).Error; err != nil {
		s.logError(operation, "membership_query_failed", err, boardFields(boardID, userID)...)
		return newServiceError(operation, "membership_query_failed", err)
	}
	if count == 0 {
		return fmt.Errorf("%w: user %s on whiteboard %s", ErrUnauthorized, userID.String(), boardID.String())
	}
	return nil
}

func (s *Service) checkAssetReference(ctx context.Context, operation string, assetID *string) error {
	if assetID == nil || *assetID == "" {
		return nil
	}
	if s.assets == nil {
		return nil
	}
	info, err := s.assets.Lookup(ctx, *assetID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: asset %s", ErrAssetMissing, *assetID)
		}
		s.logError(operation, "asset_lookup_failed", err, zap.String("asset_id", *assetID))
		return newServiceError(operation, "asset_lookup_failed", err)
	}
	if info.AssetID == "" {
		return fmt.Errorf("%w: asset %s", ErrAssetMissing, *assetID)
	}
	return nil
}

func lockElement(tx *gorm.DB, boardID BoardID, uid int64) (*Element, error) {
	var existing Element
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("board_id = ? AND uid = ?", boardID.String(), uid).
		Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &existing, nil
}

func nextElementUID(tx *gorm.DB, boardID BoardID) (int64, error) {
	var maxUID int64
	err := tx.Model(&Element{}).
		Where("board_id = ?", boardID.String()).
		Select("COALESCE(MAX(uid), 0)").
		Scan(&maxUID).Error
	if err != nil {
		return 0, err
	}
	return maxUID + 1, nil
}

func nextZIndex(tx *gorm.DB, boardID BoardID) (int64, error) {
	var maxZ int64
	err := tx.Model(&Element{}).
		Where("board_id = ? AND is_deleted = ?", boardID.String(), false).
		Select("COALESCE(MAX(z_index), -1)").
		Scan(&maxZ).Error
	if err != nil {
		return 0, err
	}
	return maxZ + 1, nil
}

func boardFields(boardID BoardID, userID UserID) []zap.Field {
	return []zap.Field{
		zap.String("board_id", boardID.String()),
		zap.String("user_id", userID.String()),
	}
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("board service error", attrs...)
}
