package permission

import (
	"fmt"

	"placechat-backend/internal/model"
)

// ResolveRecipient picks the counterparty a new message is addressed to.
// Precedence: explicit selection, then the reply target, then the role
// default (a client always writes to the owner). Anything else is ambiguous.
func ResolveRecipient(roster model.PlaceRoster, senderID, explicit string, replyTo *model.Message) (string, error) {
	role := roster.RoleOf(senderID)

	if explicit != "" {
		if explicit == senderID {
			return "", fmt.Errorf("%w: cannot address a message to yourself", model.ErrValidation)
		}
		// Place-side users talk to clients; clients talk to the place.
		if role.IsPlaceSide() == roster.IsPlaceSide(explicit) {
			return "", fmt.Errorf("%w: recipient %s is on the same side as the sender", model.ErrValidation, explicit)
		}
		return explicit, nil
	}

	if !role.IsPlaceSide() {
		return roster.Place.OwnerUserID, nil
	}

	if replyTo != nil {
		if replyTo.PlaceID != roster.Place.ID {
			return "", fmt.Errorf("%w: reply_to belongs to another place", model.ErrValidation)
		}
		if !roster.AuthoredByPlace(replyTo) {
			return replyTo.SenderID, nil
		}
		// Replying to a place-side message continues with its client.
		if replyTo.RecipientID != "" && !roster.IsPlaceSide(replyTo.RecipientID) {
			return replyTo.RecipientID, nil
		}
	}

	return "", model.ErrAmbiguousRecipient
}
