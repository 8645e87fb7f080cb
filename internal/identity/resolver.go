// Package identity reconciles a request's observed (client_id, mac, ip)
// triple against the session store into a single canonical user_id.
package identity

import (
	"context"
	"strings"

	"github.com/Djnirds1984/cjtech/internal/errors"
	"github.com/Djnirds1984/cjtech/internal/logger"
	"github.com/Djnirds1984/cjtech/internal/storage"
)

// Observed is the identity material carried by an inbound request.
type Observed struct {
	ClientID string
	MAC      string // normalized lowercase by the caller's transport layer
	IP       string
}

// Resolver is the single reconciliation point for cookie/MAC/IP identity.
type Resolver struct {
	store storage.Store
}

// New builds a Resolver over store.
func New(store storage.Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve maps obs to a canonical User, creating one when createIfMissing is
// true and no existing record matches. Resolution order: cookie first (with
// MAC-ownership arbitration), then MAC, then cookie binding, then optional
// creation.
func (r *Resolver) Resolve(ctx context.Context, obs Observed, createIfMissing bool) (storage.User, error) {
	log := logger.FromContext(ctx)
	mac := strings.ToLower(strings.TrimSpace(obs.MAC))

	if obs.ClientID != "" {
		candidate, err := r.store.FindUserByCookie(ctx, obs.ClientID)
		if err == nil {
			if mac == "" || mac == candidate.MAC {
				return candidate, nil
			}
			// Observed MAC differs from the cookie's stored MAC.
			owner, err := r.store.FindUserByMAC(ctx, mac)
			if err == nil && owner.CreditSeconds > 0 {
				// Another active user already owns this MAC: trust radio
				// identity over the cookie and abandon the cookie binding.
				log.Debug().
					Str("cookie_user", candidate.UserID).
					Str("mac_user", owner.UserID).
					Str("mac", logger.TruncateMAC(mac)).
					Msg("identity.roaming_conflict_mac_wins")
				return owner, nil
			}
			// Claim the MAC for the cookie's user: deauthorize the old MAC
			// happens in the caller (enforcement plane), here we just
			// rewrite the store-side binding and drop any stale record.
			if err := r.store.ClaimMAC(ctx, candidate.UserID, mac); err != nil {
				return storage.User{}, err
			}
			candidate.MAC = mac
			log.Debug().
				Str("user", candidate.UserID).
				Str("new_mac", logger.TruncateMAC(mac)).
				Msg("identity.roaming_reclaim")
			return candidate, nil
		}
	}

	if mac == "" {
		return storage.User{}, errors.New(errors.CodeMissingMAC, "mac could not be resolved from ip")
	}

	u, err := r.store.FindUserByMAC(ctx, mac)
	if err == nil {
		if obs.ClientID != "" && u.ClientID == "" {
			u.ClientID = obs.ClientID
			if err := r.store.UpsertUser(ctx, u); err != nil {
				return storage.User{}, err
			}
		}
		return u, nil
	}
	if err != storage.ErrNotFound {
		return storage.User{}, err
	}

	if !createIfMissing {
		return storage.User{}, storage.ErrNotFound
	}

	return storage.User{MAC: mac, ClientID: obs.ClientID}, nil
}
