package cascade

import (
	"context"
	"errors"
	"fmt"

	"github.com/bluesky-social/warden/models"
	"github.com/bluesky-social/warden/moderation/audit"

	"gorm.io/gorm"
)

type AnonymizeOptions struct {
	// replacement for the account's recorded IP addresses; empty leaves them
	AnonymizeIP string `json:"anonymize_ip,omitempty"`
}

var ErrNoFreeHandle = errors.New("could not generate an unused pseudonym")

// Anonymize scrubs the account's personal details and gives it a generated
// pseudonym. Authored posts are kept. Returns the updated account.
func (e *Executor) Anonymize(ctx context.Context, actorID, accountID uint64, opts AnonymizeOptions) (*models.Account, error) {
	ctx, span := tracer.Start(ctx, "Anonymize")
	defer span.End()

	var acct models.Account
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&acct, accountID).Error; err != nil {
			return err
		}

		handle := ""
		for i := 0; i < 5; i++ {
			h := e.NewHandle()
			var n int64
			if err := tx.Model(&models.Account{}).Where("username = ?", h).Count(&n).Error; err != nil {
				return err
			}
			if n == 0 {
				handle = h
				break
			}
		}
		if handle == "" {
			return ErrNoFreeHandle
		}

		acct.Username = handle
		acct.Email = handle + "@anonymized.invalid"
		acct.Name = ""
		acct.Bio = ""
		acct.Website = ""
		acct.Anonymized = true
		if opts.AnonymizeIP != "" {
			acct.IPAddress = opts.AnonymizeIP
			acct.RegistrationIPAddress = opts.AnonymizeIP
		}
		if err := tx.Model(&models.Account{}).Where("id = ?", accountID).Updates(map[string]any{
			"username":                acct.Username,
			"email":                   acct.Email,
			"name":                    "",
			"bio":                     "",
			"website":                 "",
			"anonymized":              true,
			"ip_address":              acct.IPAddress,
			"registration_ip_address": acct.RegistrationIPAddress,
		}).Error; err != nil {
			return fmt.Errorf("scrubbing account: %w", err)
		}

		for _, m := range []any{&models.SSORecord{}, &models.EmailToken{}, &models.SecondFactor{}, &models.SecurityKey{}, &models.SessionToken{}} {
			if err := tx.Where("account_id = ?", accountID).Delete(m).Error; err != nil {
				return err
			}
		}

		_, err := e.audit.Tx(tx).Record(ctx, actorID, accountID, audit.KindAnonymize, audit.Details{
			Context: map[string]any{
				"handle":       handle,
				"anonymize_ip": opts.AnonymizeIP != "",
			},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return &acct, nil
}
