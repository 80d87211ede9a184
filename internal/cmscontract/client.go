package cmscontract

import "context"

// Client is the typed boundary to the CMS. Transport is
// entirely the implementation's concern; the core only calls these
// named methods and works with parsed values.
type Client interface {
	// RegisterDisplay registers (or re-registers) this display with the
	// CMS using its stable hardwareKey.
	RegisterDisplay(ctx context.Context, cmsKey, hardwareKey, displayName string) (*RegisterResult, error)

	// RequiredFiles returns the full set of artifacts the display must
	// have cached.
	RequiredFiles(ctx context.Context) ([]RequiredFile, error)

	// Schedule returns the current schedule document.
	Schedule(ctx context.Context) (*ScheduleDocument, error)

	// GetResource fetches per-widget HTML produced on demand by the CMS.
	// It has no stable URL until fetched.
	GetResource(ctx context.Context, layoutID, regionID, mediaID string) (string, error)

	// SubmitStatus reports proof-of-play / health back to the CMS.
	// Failures here are fire-and-forget from the core's perspective.
	SubmitStatus(ctx context.Context, status Status) error
}
