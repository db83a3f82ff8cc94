package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ebbtide-im/ebbtide/pkg/models"
	"github.com/ebbtide-im/ebbtide/pkg/store"
	"github.com/google/uuid"
)

// Broadcaster pushes wave updates to locally connected viewers. The concrete
// implementation lives with the transport layer.
type Broadcaster interface {
	WaveUpdated(waveID string)
}

// Inbox authenticates upstream of this type; Process only ever sees traffic
// from an already-verified source node. Every handler is an idempotent
// upsert, because a retried delivery may re-invoke it after a partial
// failure.
type Inbox struct {
	log         store.InboxLogStore
	waves       store.WaveStore
	users       store.UserStore
	remoteUsers store.RemoteUserStore
	remotePings store.RemotePingStore
	broadcaster Broadcaster
	now         func() time.Time
}

// NewInbox builds the inbound message processor.
func NewInbox(log store.InboxLogStore, waves store.WaveStore, users store.UserStore, remoteUsers store.RemoteUserStore, remotePings store.RemotePingStore, broadcaster Broadcaster) *Inbox {
	return &Inbox{
		log:         log,
		waves:       waves,
		users:       users,
		remoteUsers: remoteUsers,
		remotePings: remotePings,
		broadcaster: broadcaster,
		now:         time.Now,
	}
}

// Process runs one authenticated envelope through the idempotency log and
// the per-type handler. It returns duplicate=true when the message id has
// already been fully processed; the caller acknowledges without reprocessing.
// A non-nil error leaves the log entry at received so the sender retries, and
// the retry re-invokes the handler.
func (ib *Inbox) Process(ctx context.Context, sourceNode string, env *models.Envelope) (duplicate bool, err error) {
	created, err := ib.log.InsertIfAbsent(&models.InboxLogEntry{
		ID:          env.ID,
		SourceNode:  sourceNode,
		MessageType: env.Type,
		ReceivedAt:  ib.now(),
		Status:      models.InboxStatusReceived,
	})
	if err != nil {
		return false, fmt.Errorf("logging inbound message: %w", err)
	}
	if !created {
		entry, err := ib.log.Get(env.ID)
		if err != nil {
			return false, fmt.Errorf("looking up inbound message: %w", err)
		}
		// Only a processed entry is a true duplicate. A received entry means a
		// prior delivery failed mid-handling, so this retry must run the
		// handler again.
		if entry == nil || entry.Status == models.InboxStatusProcessed {
			slog.Debug("duplicate delivery acknowledged", "id", env.ID, "source", sourceNode)
			return true, nil
		}
		slog.Info("retrying partially handled message", "id", env.ID, "type", env.Type, "source", sourceNode)
	}

	if err := ib.dispatch(ctx, sourceNode, env); err != nil {
		return false, err
	}
	if err := ib.log.MarkProcessed(env.ID, ib.now()); err != nil {
		return false, fmt.Errorf("marking message processed: %w", err)
	}
	return false, nil
}

func (ib *Inbox) dispatch(ctx context.Context, sourceNode string, env *models.Envelope) error {
	switch env.Type {
	case models.MessageTypeWaveInvite:
		return ib.handleWaveInvite(ctx, sourceNode, env)
	case models.MessageTypeNewPing, models.MessageTypePingEdited, models.MessageTypePingDeleted:
		return ib.handlePing(ctx, sourceNode, env)
	case models.MessageTypeUserProfile:
		return ib.handleUserProfile(ctx, sourceNode, env)
	case models.MessageTypeProbe:
		return nil
	default:
		// Not an error: newer peers may speak message types we don't know yet.
		slog.Info("ignoring unknown message type", "type", env.Type, "source", sourceNode)
		return nil
	}
}

// handleWaveInvite materializes a local participant wave for a wave homed on
// the source node. Creation is keyed on (originNode, originWaveId), so
// replayed invites collapse onto the one existing wave.
func (ib *Inbox) handleWaveInvite(ctx context.Context, sourceNode string, env *models.Envelope) error {
	var payload models.WaveInvitePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		ib.protocolAnomaly(env, sourceNode, err)
		return nil
	}
	if payload.Wave.OriginWaveID == "" || payload.InvitedUserHandle == "" {
		ib.protocolAnomaly(env, sourceNode, fmt.Errorf("missing wave id or invited handle"))
		return nil
	}
	// The origin pointer is trusted from the authenticated source, not the
	// payload's own claim.
	originNode := sourceNode

	invited, err := ib.users.GetByHandle(payload.InvitedUserHandle)
	if err != nil {
		return fmt.Errorf("resolving invited user: %w", err)
	}
	if invited == nil {
		slog.Warn("wave invite for unknown local user", "handle", payload.InvitedUserHandle, "source", sourceNode)
		return nil
	}

	wave, err := ib.waves.GetByOrigin(originNode, payload.Wave.OriginWaveID)
	if err != nil {
		return fmt.Errorf("resolving participant wave: %w", err)
	}
	if wave == nil {
		now := ib.now()
		wave = &models.Wave{
			ID:              uuid.NewString(),
			Title:           payload.Wave.Title,
			FederationState: models.WaveStateParticipant,
			OriginNode:      &originNode,
			OriginWaveID:    &payload.Wave.OriginWaveID,
			CreatedBy:       payload.InvitedUserHandle,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := ib.waves.Create(wave); err != nil {
			// A concurrent retry may have won the natural-key race.
			existing, gErr := ib.waves.GetByOrigin(originNode, payload.Wave.OriginWaveID)
			if gErr != nil || existing == nil {
				return fmt.Errorf("creating participant wave: %w", err)
			}
			wave = existing
		}
	}

	for _, p := range payload.Participants {
		if err := ib.cacheParticipant(p); err != nil {
			return err
		}
	}
	if err := ib.waves.AddMember(wave.ID, invited.ID); err != nil {
		return fmt.Errorf("adding invited member: %w", err)
	}

	slog.Info("joined federated wave", "wave", wave.ID, "origin", originNode, "origin_wave", payload.Wave.OriginWaveID, "user", invited.Handle)
	ib.broadcaster.WaveUpdated(wave.ID)
	return nil
}

func (ib *Inbox) cacheParticipant(p models.ParticipantEntry) error {
	if p.NodeName == "" || p.RemoteID == "" {
		return nil
	}
	now := ib.now()
	return ib.remoteUsers.Upsert(&models.RemoteUser{
		NodeName:    p.NodeName,
		RemoteID:    p.RemoteID,
		Handle:      p.Handle,
		DisplayName: p.DisplayName,
		Avatar:      p.Avatar,
		AvatarURL:   p.AvatarURL,
		CachedAt:    now,
		UpdatedAt:   now,
	})
}

// handlePing applies a new_ping, ping_edited, or ping_deleted to the remote
// ping cache of the corresponding participant wave. Edits and deletes for a
// ping that was never cached are no-ops, not errors.
func (ib *Inbox) handlePing(ctx context.Context, sourceNode string, env *models.Envelope) error {
	var payload models.PingPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		ib.protocolAnomaly(env, sourceNode, err)
		return nil
	}
	if payload.PingID == "" || payload.OriginWaveID == "" {
		ib.protocolAnomaly(env, sourceNode, fmt.Errorf("missing ping or wave id"))
		return nil
	}

	wave, err := ib.waves.GetByOrigin(sourceNode, payload.OriginWaveID)
	if err != nil {
		return fmt.Errorf("resolving participant wave: %w", err)
	}
	if wave == nil {
		// Cannot apply without a home wave; dropping is safe because the
		// origin would resend content with any future invite.
		slog.Warn("ping for unknown participant wave", "type", env.Type, "source", sourceNode, "origin_wave", payload.OriginWaveID)
		return nil
	}

	switch env.Type {
	case models.MessageTypeNewPing:
		now := ib.now()
		err = ib.remotePings.Upsert(&models.RemotePing{
			NodeName:     sourceNode,
			RemoteID:     payload.PingID,
			WaveID:       wave.ID,
			AuthorHandle: payload.AuthorHandle,
			Body:         payload.Body,
			SentAt:       payload.SentAt,
			EditedAt:     payload.EditedAt,
			CachedAt:     now,
			UpdatedAt:    now,
		})
	case models.MessageTypePingEdited:
		var cached *models.RemotePing
		cached, err = ib.remotePings.Get(sourceNode, payload.PingID)
		if err == nil && cached != nil {
			cached.Body = payload.Body
			cached.EditedAt = payload.EditedAt
			cached.UpdatedAt = ib.now()
			err = ib.remotePings.Upsert(cached)
		}
	case models.MessageTypePingDeleted:
		err = ib.remotePings.Delete(sourceNode, payload.PingID)
	}
	if err != nil {
		return fmt.Errorf("applying %s: %w", env.Type, err)
	}

	ib.broadcaster.WaveUpdated(wave.ID)
	return nil
}

func (ib *Inbox) handleUserProfile(ctx context.Context, sourceNode string, env *models.Envelope) error {
	var payload models.UserProfilePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		ib.protocolAnomaly(env, sourceNode, err)
		return nil
	}
	if payload.RemoteID == "" {
		ib.protocolAnomaly(env, sourceNode, fmt.Errorf("missing remote id"))
		return nil
	}
	now := ib.now()
	return ib.remoteUsers.Upsert(&models.RemoteUser{
		NodeName:    sourceNode,
		RemoteID:    payload.RemoteID,
		Handle:      payload.Handle,
		DisplayName: payload.DisplayName,
		Avatar:      payload.Avatar,
		AvatarURL:   payload.AvatarURL,
		CachedAt:    now,
		UpdatedAt:   now,
	})
}

// protocolAnomaly records a malformed payload for a recognized type. The
// message is still marked processed: retrying cannot fix malformed data.
func (ib *Inbox) protocolAnomaly(env *models.Envelope, sourceNode string, err error) {
	slog.Error("malformed federation payload", "type", env.Type, "id", env.ID, "source", sourceNode, "error", err)
}
