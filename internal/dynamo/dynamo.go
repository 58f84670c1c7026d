package dynamo

const (
	FileMetaPrefix  = "upload-meta-v1-"
	ChunkDataPrefix = "upload-data-v1-"
	WriteLockPrefix = "upload-lock-v1-"

	HKey = "hash_key"
	RKey = "range_key"

	AttrExternalID     = "external_id"
	AttrFileSize       = "file_size"
	AttrChunkSize      = "chunk_size"
	AttrDeclaredLength = "declared_length"
	AttrDeferLength    = "defer_length"
	AttrMetadata       = "metadata"
	AttrCreatedAt      = "created_at"
	AttrCompressAlg    = "compress_alg"

	AttrBytes  = "bytes"
	AttrOffset = "offset"
	AttrLength = "len"

	AttrOwnerID    = "owner_id"
	AttrDeadlineUs = "deadline_us"
)

func FileMetaKey(key string) string {
	return FileMetaPrefix + key
}

func ChunkDataKey(key string) string {
	return ChunkDataPrefix + key
}

func WriteLockKey(key string) string {
	return WriteLockPrefix + key
}
