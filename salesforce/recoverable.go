package salesforce

// Tag classifies platform errors that callers may treat as success.
type Tag int

const (
	TagNone Tag = iota
	// TagDuplicate means the record being created already exists in an
	// equivalent form, e.g. an active trace flag for the same entity.
	TagDuplicate
	// TagStaleReference means the record being deleted or referenced is gone.
	TagStaleReference
)

const (
	CodeFieldIntegrity     = "FIELD_INTEGRITY_EXCEPTION"
	CodeDuplicateValue     = "DUPLICATE_VALUE"
	CodeEntityIsDeleted    = "ENTITY_IS_DELETED"
	CodeNotFound           = "NOT_FOUND"
	CodeInvalidCrossRefKey = "INVALID_CROSS_REFERENCE_KEY"
	CodeInvalidIDField     = "INVALID_ID_FIELD"
)

// This is the only place recoverable error codes are listed.
var recoverableCodes = map[string]Tag{
	CodeFieldIntegrity:     TagDuplicate,
	CodeDuplicateValue:     TagDuplicate,
	CodeEntityIsDeleted:    TagStaleReference,
	CodeNotFound:           TagStaleReference,
	CodeInvalidCrossRefKey: TagStaleReference,
	CodeInvalidIDField:     TagStaleReference,
}

func Classify(err error) Tag {
	sfErr, ok := AsError(err)
	if !ok {
		return TagNone
	}
	return recoverableCodes[sfErr.Code]
}

func IsDuplicate(err error) bool {
	return Classify(err) == TagDuplicate
}

func IsStaleReference(err error) bool {
	return Classify(err) == TagStaleReference
}
