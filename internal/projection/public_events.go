// Earshot - Multi-Device Podcast Synchronization Service
// Copyright 2026 Earshot Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/earshot-sync/earshot

package projection

import (
	"context"
	"database/sql"

	"github.com/earshot-sync/earshot/internal/domain"
)

// publicKindsSQL lists the activity kinds that surface on the public feed.
const publicKindsSQL = `('UserSubscribed', 'PlayRecorded', 'EpisodeSaved', 'EpisodeShared')`

// notWithdrawnSQL excludes events the owner later withdrew with an
// EventsRemoved marker for the same item, or for the whole feed when the
// marker names no item.
const notWithdrawnSQL = `NOT EXISTS (
	SELECT 1 FROM events r
	WHERE r.stream_id = e.stream_id AND r.event_kind = 'EventsRemoved' AND r.position > e.position
	  AND ((json_extract_string(r.payload, '$.item') IS NOT NULL
			AND json_extract_string(r.payload, '$.item') = json_extract_string(e.payload, '$.item'))
		OR (json_extract_string(r.payload, '$.item') IS NULL
			AND json_extract_string(r.payload, '$.feed') = json_extract_string(e.payload, '$.feed'))))`

// publicEventSelectSQL projects one events row into public_events columns.
const publicEventSelectSQL = `SELECT e.position, e.stream_id, e.event_kind,
	json_extract_string(e.payload, '$.feed'),
	COALESCE(json_extract_string(e.payload, '$.item'), ''),
	e.created_at
 FROM events e`

// PublicEvents maintains the privacy-resolved public activity feed. Rows key
// on the global position, so redelivery and reconciliation are both plain
// keyed inserts and deletes.
type PublicEvents struct{}

func (PublicEvents) Name() string { return "public_events" }

func (PublicEvents) Handle(ctx context.Context, tx *sql.Tx, ev domain.Event) error {
	switch p := ev.Payload.(type) {
	case *domain.UserSubscribed, *domain.PlayRecorded, *domain.EpisodeSaved, *domain.EpisodeShared:
		// The insert carries its own privacy check; a private event inserts
		// nothing.
		_, err := tx.ExecContext(ctx,
			`INSERT INTO public_events (position, user_id, event_kind, feed, item, occurred_at) `+
				publicEventSelectSQL+
				` WHERE e.position = ? AND `+effectivePrivacySQL+
				` ON CONFLICT (position) DO NOTHING`,
			ev.Position)
		return err

	case *domain.PrivacyChanged:
		// Fold the change into the privacy table first so the reconcile sees
		// privacy as of this position, then re-derive the user's public rows
		// in both directions.
		if err := upsertPrivacy(ctx, tx, ev.StreamID, p); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM public_events WHERE user_id = ? AND NOT EXISTS (
				SELECT 1 FROM events e
				WHERE e.position = public_events.position AND `+effectivePrivacySQL+
				` AND `+notWithdrawnSQL+`)`,
			ev.StreamID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO public_events (position, user_id, event_kind, feed, item, occurred_at) `+
				publicEventSelectSQL+
				` WHERE e.stream_id = ? AND e.event_kind IN `+publicKindsSQL+
				` AND `+effectivePrivacySQL+` AND `+notWithdrawnSQL+
				` ON CONFLICT (position) DO NOTHING`,
			ev.StreamID)
		return err

	case *domain.EventsRemoved:
		switch {
		case p.Item != "":
			_, err := tx.ExecContext(ctx,
				`DELETE FROM public_events WHERE user_id = ? AND item = ?`,
				ev.StreamID, p.Item)
			return err
		case p.Feed != "":
			_, err := tx.ExecContext(ctx,
				`DELETE FROM public_events WHERE user_id = ? AND feed = ?`,
				ev.StreamID, p.Feed)
			return err
		}
		return nil
	}
	return nil
}
