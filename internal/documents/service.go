package documents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pagelift/coedit/backend/internal/collab"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	// ErrDocumentNotFound indicates a lookup for an unknown or deleted document.
	ErrDocumentNotFound = errors.New("documents: not found")
	noOpLogger          = zap.NewNop()
)

const (
	opServiceNew   = "documents.service.new"
	opSave         = "documents.save"
	opLoad         = "documents.load"
	opDelete       = "documents.delete"
	opList         = "documents.list"
	opAppendOps    = "documents.append_operations"
	opListOpsSince = "documents.list_operations_since"
)

// ServiceError wraps a failure with an operation.reason code.
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

// Code returns the operation.reason identifier.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// IDProvider issues identifiers for newly created documents.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies of the document store.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service persists named documents and their operation logs.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
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
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// SaveRequest describes a create-or-update of a named document. An empty
// DocumentID creates a new document with a generated identifier.
type SaveRequest struct {
	DocumentID  string
	OwnerID     collab.UserID
	Title       string
	ContentHTML string
}

// Save upserts a document and returns the stored record.
func (s *Service) Save(ctx context.Context, request SaveRequest) (Document, error) {
	if request.OwnerID == "" {
		err := fmt.Errorf("owner id is required")
		s.logError(opSave, "missing_owner", err)
		return Document{}, newServiceError(opSave, "missing_owner", err)
	}

	documentID := request.DocumentID
	if documentID == "" {
		generated, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opSave, "id_generation_failed", err)
			return Document{}, newServiceError(opSave, "id_generation_failed", err)
		}
		documentID = generated
	}

	now := s.clock().UTC().Unix()
	var stored Document
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Document
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("document_id = ?", documentID).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			stored = Document{
				DocumentID:       documentID,
				OwnerID:          request.OwnerID.String(),
				Title:            request.Title,
				ContentHTML:      request.ContentHTML,
				CreatedAtSeconds: now,
				UpdatedAtSeconds: now,
				Version:          1,
			}
			return tx.Create(&stored).Error
		}
		if err != nil {
			return err
		}
		existing.Title = request.Title
		existing.ContentHTML = request.ContentHTML
		existing.UpdatedAtSeconds = now
		existing.IsDeleted = false
		existing.Version++
		stored = existing
		return tx.Save(&existing).Error
	})
	if txErr != nil {
		s.logError(opSave, "save_failed", txErr, zap.String("document_id", documentID))
		return Document{}, newServiceError(opSave, "save_failed", txErr)
	}
	return stored, nil
}

// Load returns a stored document by identifier.
func (s *Service) Load(ctx context.Context, documentID collab.DocumentID) (Document, error) {
	var document Document
	err := s.db.WithContext(ctx).
		Where("document_id = ? AND is_deleted = ?", documentID.String(), false).
		Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Document{}, ErrDocumentNotFound
	}
	if err != nil {
		s.logError(opLoad, "query_failed", err, zap.String("document_id", documentID.String()))
		return Document{}, newServiceError(opLoad, "query_failed", err)
	}
	return document, nil
}

// Delete soft-deletes a document; its operation log is retained.
func (s *Service) Delete(ctx context.Context, documentID collab.DocumentID) error {
	result := s.db.WithContext(ctx).
		Model(&Document{}).
		Where("document_id = ? AND is_deleted = ?", documentID.String(), false).
		Updates(map[string]interface{}{
			"is_deleted":   true,
			"updated_at_s": s.clock().UTC().Unix(),
		})
	if result.Error != nil {
		s.logError(opDelete, "update_failed", result.Error, zap.String("document_id", documentID.String()))
		return newServiceError(opDelete, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrDocumentNotFound
	}
	return nil
}

// List returns all live documents for an owner, newest first.
func (s *Service) List(ctx context.Context, ownerID collab.UserID) ([]Document, error) {
	var docs []Document
	if err := s.db.WithContext(ctx).
		Where("owner_id = ? AND is_deleted = ?", ownerID.String(), false).
		Order("updated_at_s DESC").
		Find(&docs).Error; err != nil {
		s.logError(opList, "query_failed", err, zap.String("owner_id", ownerID.String()))
		return nil, newServiceError(opList, "query_failed", err)
	}
	return docs, nil
}

// AppendOperations persists accepted sequenced operations for replay.
func (s *Service) AppendOperations(ctx context.Context, documentID collab.DocumentID, operations []collab.Operation) error {
	if len(operations) == 0 {
		return nil
	}
	records := make([]OperationRecord, 0, len(operations))
	now := s.clock().UTC().Unix()
	for _, op := range operations {
		payload, err := collab.EncodeOperation(op)
		if err != nil {
			s.logError(opAppendOps, "encode_failed", err, zap.String("document_id", documentID.String()))
			return newServiceError(opAppendOps, "encode_failed", err)
		}
		records = append(records, OperationRecord{
			DocumentID:       documentID.String(),
			Sequence:         op.Sequence,
			UserID:           op.UserID,
			PayloadJSON:      string(payload),
			AppliedAtSeconds: now,
		})
	}
	if err := s.db.WithContext(ctx).Create(&records).Error; err != nil {
		s.logError(opAppendOps, "insert_failed", err, zap.String("document_id", documentID.String()))
		return newServiceError(opAppendOps, "insert_failed", err)
	}
	return nil
}

// ListOperationsSince returns the logged operations with a sequence
// strictly greater than afterSequence, in sequence order.
func (s *Service) ListOperationsSince(ctx context.Context, documentID collab.DocumentID, afterSequence uint64) ([]collab.Operation, error) {
	var records []OperationRecord
	if err := s.db.WithContext(ctx).
		Where("document_id = ? AND sequence > ?", documentID.String(), afterSequence).
		Order("sequence ASC").
		Find(&records).Error; err != nil {
		s.logError(opListOpsSince, "query_failed", err, zap.String("document_id", documentID.String()))
		return nil, newServiceError(opListOpsSince, "query_failed", err)
	}
	operations := make([]collab.Operation, 0, len(records))
	for _, record := range records {
		op, err := collab.DecodeOperation([]byte(record.PayloadJSON))
		if err != nil {
			s.logError(opListOpsSince, "decode_failed", err,
				zap.String("document_id", documentID.String()),
				zap.Uint64("sequence", record.Sequence))
			return nil, newServiceError(opListOpsSince, "decode_failed", err)
		}
		operations = append(operations, op)
	}
	return operations, nil
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
	s.logger.Error("documents service error", attrs...)
}
