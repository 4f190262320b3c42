// Package account implements the ordered account-deletion workflow: given
// an authenticated caller, remove every trace of that user's data and
// report per-entity counts.
package account

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"koinonia-backend/internal/storage"
)

var (
	// ErrNotOwner means the caller tried to delete somebody else's account.
	ErrNotOwner = errors.New("you can only delete your own account")
	// ErrIdentityDeletion means steps 1-4 completed but the identity record
	// could not be removed; the counts in the Result are accurate.
	ErrIdentityDeletion = errors.New("identity record could not be deleted")
)

// Store is the slice of the data layer the orchestrator needs.
type Store interface {
	DeleteDeviceTokens(ctx context.Context, userID uuid.UUID) (int64, error)
	DeleteNotifications(ctx context.Context, userID uuid.UUID) (int64, error)
	MembershipsByUser(ctx context.Context, userID uuid.UUID) ([]storage.Membership, error)
	DeleteMembership(ctx context.Context, membershipID uuid.UUID) error
	DeleteUser(ctx context.Context, userID uuid.UUID) error
}

// PhotoStore removes a user's profile-photo namespace.
type PhotoStore interface {
	DeleteAll(ctx context.Context, userID string) (bool, error)
}

// DeletedCounts reports how many rows of each kind were removed.
type DeletedCounts struct {
	Memberships         int64 `json:"memberships"`
	DeviceTokens        int64 `json:"device_tokens"`
	Notifications       int64 `json:"notifications"`
	ProfilePhotoDeleted bool  `json:"profile_photo_deleted"`
}

// Result is the structured outcome of a deletion request.
type Result struct {
	Success       bool          `json:"success"`
	Message       string        `json:"message"`
	DeletedCounts DeletedCounts `json:"deleted_counts"`
}

// Orchestrator runs the deletion sequence. It holds no state between
// requests; concurrency control is delegated to the data layer since every
// step targets rows scoped to a single user id.
type Orchestrator struct {
	logger *zap.SugaredLogger
	store  Store
	photos PhotoStore
}

func New(logger *zap.SugaredLogger, store Store, photos PhotoStore) *Orchestrator {
	return &Orchestrator{
		logger: logger,
		store:  store,
		photos: photos,
	}
}

// DeleteAccount removes all of target's data in dependency order: profile
// photos, device tokens, notifications, memberships one at a time (the
// schema cascades each into messages, exclusions, conversation
// participation and attachments), and the identity record last.
//
// The sequence is strictly sequential and is not wrapped in one
// transaction: the photo namespace cannot share a transaction with the
// relational deletes. A failure partway through halts the sequence and the
// returned counts reflect what was actually removed. Re-running on a user
// whose rows are already gone succeeds with zero counts.
func (o *Orchestrator) DeleteAccount(ctx context.Context, caller, target uuid.UUID) (Result, error) {
	if caller != target {
		o.logger.Warnf("User (%s) attempted to delete account (%s)", caller, target)
		return Result{
			Success: false,
			Message: "you can only delete your own account",
		}, ErrNotOwner
	}

	o.logger.Infof("Deleting account (%s)", target)

	var counts DeletedCounts

	photoDeleted, err := o.photos.DeleteAll(ctx, target.String())
	counts.ProfilePhotoDeleted = photoDeleted
	if err != nil {
		return o.incomplete(counts), fmt.Errorf("delete profile photos: %w", err)
	}

	counts.DeviceTokens, err = o.store.DeleteDeviceTokens(ctx, target)
	if err != nil {
		return o.incomplete(counts), fmt.Errorf("delete device tokens: %w", err)
	}

	counts.Notifications, err = o.store.DeleteNotifications(ctx, target)
	if err != nil {
		return o.incomplete(counts), fmt.Errorf("delete notifications: %w", err)
	}

	memberships, err := o.store.MembershipsByUser(ctx, target)
	if err != nil {
		return o.incomplete(counts), fmt.Errorf("list memberships: %w", err)
	}

	for _, m := range memberships {
		if err := o.store.DeleteMembership(ctx, m.ID); err != nil {
			return o.incomplete(counts), fmt.Errorf("delete membership %s: %w", m.ID, err)
		}
		counts.Memberships++
	}

	if err := o.store.DeleteUser(ctx, target); err != nil {
		o.logger.Errorf("Account (%s): data removed but identity deletion failed: %v", target, err)
		return Result{
			Success:       false,
			Message:       "account data removed but the login identity could not be deleted",
			DeletedCounts: counts,
		}, ErrIdentityDeletion
	}

	o.logger.Infof("Deleted account (%s): %d memberships, %d device tokens, %d notifications",
		target, counts.Memberships, counts.DeviceTokens, counts.Notifications)

	return Result{
		Success:       true,
		Message:       "account deleted",
		DeletedCounts: counts,
	}, nil
}

func (o *Orchestrator) incomplete(counts DeletedCounts) Result {
	return Result{
		Success:       false,
		Message:       "deletion incomplete, some data may remain",
		DeletedCounts: counts,
	}
}
