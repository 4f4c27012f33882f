package domain

import "context"

// Ledger defines the durable per-post lifecycle store plus the in-memory
// account cooldowns.
type Ledger interface {
	// IsProcessed reports whether the post has been uploaded.
	IsProcessed(ctx context.Context, postID string) (bool, error)

	// RecordDownload upserts the post row and stamps downloaded_at.
	RecordDownload(ctx context.Context, post Post) error

	// RecordDownloadFiles attaches the downloaded files to an existing row.
	RecordDownloadFiles(ctx context.Context, postID string, media Media) error

	// MarkUploaded stamps uploaded_at and the delivery identifiers.
	MarkUploaded(ctx context.Context, postID, channelID, messageID string) error

	// GetIncomplete returns downloaded but not uploaded rows with recorded
	// files, oldest download first. An empty creator matches every account.
	GetIncomplete(ctx context.Context, creator string) ([]Record, error)

	// MarkBlocked starts a cooldown for the creator.
	MarkBlocked(creator string)

	// IsBlocked reports whether the creator is inside its cooldown window.
	IsBlocked(creator string) bool

	// ClearBlocked drops any cooldown for the creator.
	ClearBlocked(creator string)
}

// CredentialSource hands out the current session credential and rotates it
// on request. An empty path means no credential is available.
type CredentialSource interface {
	Current() Credential
	Rotate() Credential
	Len() int
}

// Credential is one stored session cookie file.
type Credential struct {
	Path string

	// Cookie is the raw Cookie header value read from Path.
	Cookie string
}

// IsZero reports whether no credential is set.
func (c Credential) IsZero() bool {
	return c.Path == "" && c.Cookie == ""
}
