// Package game defines the crash-game record and the error taxonomy shared by
// the verification, ingestion and cache layers.
//
// A Record is the unit of history. Its ID is assigned upstream and is totally
// ordered; once a record is stored it is never rewritten by ingestion. A second
// delivery with the same ID and identical content is a no-op, while a second
// delivery with different content is a ConflictError and the stored row wins.
//
// Errors are recovered at the component boundary where they occur. Callers
// classify them with the Is* helpers, which use errors.As so wrapped errors
// are matched too.
package game
