// Package op defines the operation and snapshot types shared by the sync
// engine, the local store and the remote collaborators.
//
// This package contains type definitions and their persisted encodings only.
// Other internal packages import op; op imports nothing internal.
//
// Key design constraints:
//   - Payloads are a closed tagged union (UpdateEntity, UploadBlob,
//     CreateAggregate); consumers switch exhaustively on Operation.Type
//   - A payload never changes after the operation is created
//   - Creation order is the logical Seq, never the wall-clock CreatedAt
//   - All JSON tags use snake_case
package op
