package ledger

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/m00npl/filedb/pkg/chunker"
	"github.com/m00npl/filedb/pkg/fserr"
)

// Persisted entity shapes:
//   - metadata: payload is the JSON descriptor; string annotations
//     identify the file, numeric annotations carry sizes and the btl
//     window.
//   - chunk: payload is the compressed bytes; chunk_index travels as a
//     string annotation so the ledger's string index can select it.

// MetadataEntity encodes a file descriptor as a ledger entity.
func MetadataEntity(meta *chunker.FileMetadata) (Entity, error) {
	payload, err := json.Marshal(meta)
	if err != nil {
		return Entity{}, fserr.Wrap(fserr.CodeInternal, "failed to encode metadata payload", err)
	}

	// created_at lives in the JSON payload only; it is never queried by
	// attribute.
	strings := map[string]string{
		AnnType:        TypeMetadata,
		AnnFileID:      meta.FileID,
		AnnFilename:    meta.OriginalFilename,
		AnnContentType: meta.ContentType,
		AnnExtension:   meta.FileExtension,
		AnnChecksum:    meta.Checksum,
	}
	if meta.Owner != "" {
		strings[AnnOwner] = meta.Owner
	}

	return Entity{
		Payload:           payload,
		StringAnnotations: strings,
		NumericAnnotations: map[string]int64{
			AnnTotalSize:       meta.TotalSize,
			AnnChunkCount:      int64(meta.ChunkCount),
			AnnExpirationBlock: int64(meta.ExpirationBlock),
			AnnBTLDays:         int64(meta.BTLDays),
		},
		ExpirationBlock: meta.ExpirationBlock,
	}, nil
}

// ChunkEntity encodes one compressed chunk as a ledger entity.
func ChunkEntity(chunk *chunker.Chunk) Entity {
	return Entity{
		Payload: chunk.Bytes,
		StringAnnotations: map[string]string{
			AnnType:       TypeChunk,
			AnnFileID:     chunk.FileID,
			AnnChunkIndex: strconv.Itoa(chunk.ChunkIndex),
			AnnChecksum:   chunk.Checksum,
			AnnCreatedAt:  chunk.CreatedAt.UTC().Format(time.RFC3339),
		},
		NumericAnnotations: map[string]int64{
			AnnChunkSize:       int64(chunk.OriginalSize),
			AnnExpirationBlock: int64(chunk.ExpirationBlock),
		},
		ExpirationBlock: chunk.ExpirationBlock,
	}
}

// MetadataFromEntity decodes a metadata entity's JSON payload.
func MetadataFromEntity(e *Entity) (*chunker.FileMetadata, error) {
	if e.StringAnnotations[AnnType] != TypeMetadata {
		return nil, fserr.Newf(fserr.CodeInternal, "entity %s is not a metadata entity", e.Key)
	}
	var meta chunker.FileMetadata
	if err := json.Unmarshal(e.Payload, &meta); err != nil {
		return nil, fserr.Wrap(fserr.CodeInternal, "failed to decode metadata payload", err)
	}
	meta.LedgerKey = e.Key
	if meta.ExpirationBlock == 0 {
		meta.ExpirationBlock = e.ExpirationBlock
	}
	return &meta, nil
}

// ChunkFromEntity rebuilds a chunk record from its entity. The payload
// stays compressed; the chunker decompresses during reassembly.
func ChunkFromEntity(e *Entity) (*chunker.Chunk, error) {
	if e.StringAnnotations[AnnType] != TypeChunk {
		return nil, fserr.Newf(fserr.CodeInternal, "entity %s is not a chunk entity", e.Key)
	}
	index, err := strconv.Atoi(e.StringAnnotations[AnnChunkIndex])
	if err != nil {
		return nil, fserr.Wrap(fserr.CodeInternal, "chunk entity has a malformed chunk_index", err)
	}
	return &chunker.Chunk{
		FileID:          e.StringAnnotations[AnnFileID],
		ChunkIndex:      index,
		Bytes:           e.Payload,
		OriginalSize:    int(e.NumericAnnotations[AnnChunkSize]),
		CompressedSize:  len(e.Payload),
		Checksum:        e.StringAnnotations[AnnChecksum],
		ExpirationBlock: e.ExpirationBlock,
		LedgerKey:       e.Key,
	}, nil
}
