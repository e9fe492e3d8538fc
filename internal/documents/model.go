package documents

// Document models a persisted named document.
type Document struct {
	DocumentID       string `gorm:"column:document_id;primaryKey;size:190;not null"`
	OwnerID          string `gorm:"column:owner_id;size:190;not null;index:idx_documents_owner_updated,priority:1"`
	Title            string `gorm:"column:title;size:320;not null;default:''"`
	ContentHTML      string `gorm:"column:content_html;type:text;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;index:idx_documents_owner_updated,priority:2"`
	IsDeleted        bool   `gorm:"column:is_deleted;not null;default:false"`
	Version          int64  `gorm:"column:version;not null;default:1"`
}

// TableName provides the explicit table binding for GORM.
func (Document) TableName() string {
	return "documents"
}

// OperationRecord stores one accepted, sequenced operation for replay.
// The log is append-only; late joiners and reconnecting clients read
// forward from the last sequence they saw.
type OperationRecord struct {
	RecordID         int64  `gorm:"column:record_id;primaryKey;autoIncrement"`
	DocumentID       string `gorm:"column:document_id;size:190;not null;index:idx_document_ops_doc_seq,priority:1"`
	Sequence         uint64 `gorm:"column:sequence;not null;index:idx_document_ops_doc_seq,priority:2"`
	UserID           string `gorm:"column:user_id;size:190;not null"`
	PayloadJSON      string `gorm:"column:payload_json;type:text;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (OperationRecord) TableName() string {
	return "document_ops"
}
