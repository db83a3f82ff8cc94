package federation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ebbtide-im/ebbtide/pkg/models"
	"github.com/ebbtide-im/ebbtide/pkg/store"
	"github.com/google/uuid"
)

// ErrNotWaveOrigin is returned for content mutations on a wave homed
// elsewhere. The origin node is the sole writer of a wave's content.
var ErrNotWaveOrigin = errors.New("wave content can only be changed on its origin node")

// ErrWaveNotFound is returned for operations on a missing wave.
var ErrWaveNotFound = errors.New("wave not found")

// RemoteInvite names one remote user to pull into a new wave.
type RemoteInvite struct {
	NodeName   string `json:"nodeName"`
	UserHandle string `json:"userHandle"`
}

// Service implements the origin side of wave federation: creating federated
// waves and fanning local content mutations out to every registered node.
type Service struct {
	nodeName  string
	waves     store.WaveStore
	pings     store.PingStore
	users     store.UserStore
	deliverer *Deliverer
	notifier  Broadcaster
	now       func() time.Time
}

// NewService builds the origin-side federation service.
func NewService(nodeName string, waves store.WaveStore, pings store.PingStore, users store.UserStore, deliverer *Deliverer, notifier Broadcaster) *Service {
	return &Service{
		nodeName:  nodeName,
		waves:     waves,
		pings:     pings,
		users:     users,
		deliverer: deliverer,
		notifier:  notifier,
		now:       time.Now,
	}
}

// CreateWave creates a wave owned by this node. With remote invites the wave
// becomes an origin wave and an invitation is sent to each target node;
// delivery failures queue silently and never fail the local creation.
func (s *Service) CreateWave(ctx context.Context, creator *models.User, title string, invites []RemoteInvite) (*models.Wave, error) {
	now := s.now()
	wave := &models.Wave{
		ID:              uuid.NewString(),
		Title:           title,
		FederationState: models.WaveStateLocal,
		CreatedBy:       creator.ID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if len(invites) > 0 {
		wave.FederationState = models.WaveStateOrigin
	}
	if err := s.waves.Create(wave); err != nil {
		return nil, fmt.Errorf("creating wave: %w", err)
	}
	if err := s.waves.AddMember(wave.ID, creator.ID); err != nil {
		return nil, fmt.Errorf("adding creator: %w", err)
	}

	for _, invite := range invites {
		if err := s.sendInvite(ctx, wave, creator, invite); err != nil {
			return nil, err
		}
	}
	s.notifier.WaveUpdated(wave.ID)
	return wave, nil
}

// InviteUser adds another remote participant to an existing origin wave.
func (s *Service) InviteUser(ctx context.Context, waveID string, invite RemoteInvite) error {
	wave, err := s.waves.GetByID(waveID)
	if err != nil {
		return err
	}
	if wave == nil {
		return ErrWaveNotFound
	}
	if wave.FederationState == models.WaveStateParticipant {
		return ErrNotWaveOrigin
	}
	creator, err := s.users.GetByID(wave.CreatedBy)
	if err != nil {
		return err
	}
	if creator == nil {
		return fmt.Errorf("wave creator %s no longer exists", wave.CreatedBy)
	}
	return s.sendInvite(ctx, wave, creator, invite)
}

func (s *Service) sendInvite(ctx context.Context, wave *models.Wave, creator *models.User, invite RemoteInvite) error {
	if err := s.waves.AddNode(&models.WaveNode{
		WaveID:   wave.ID,
		NodeName: invite.NodeName,
		Status:   models.NodeStatusActive,
		AddedAt:  s.now(),
	}); err != nil {
		return fmt.Errorf("registering fan-out node: %w", err)
	}

	payload := models.WaveInvitePayload{
		Wave: models.WaveDescriptor{
			OriginWaveID: wave.ID,
			OriginNode:   s.nodeName,
			Title:        wave.Title,
			CreatedAt:    wave.CreatedAt,
		},
		Participants: []models.ParticipantEntry{{
			NodeName:    s.nodeName,
			RemoteID:    creator.ID,
			Handle:      creator.Handle,
			DisplayName: creator.DisplayName,
			Avatar:      creator.Avatar,
			AvatarURL:   creator.AvatarURL,
		}},
		InvitedUserHandle: invite.UserHandle,
	}
	env, err := NewEnvelope(models.MessageTypeWaveInvite, payload)
	if err != nil {
		return err
	}
	s.deliverer.SendOrQueue(ctx, invite.NodeName, env)
	return nil
}

// PostPing appends a ping to a wave and fans it out. Only local and origin
// waves accept local writes; participant waves are read-only mirrors.
func (s *Service) PostPing(ctx context.Context, author *models.User, waveID, body string) (*models.Ping, error) {
	wave, err := s.writableWave(waveID)
	if err != nil {
		return nil, err
	}

	ping := &models.Ping{
		ID:        uuid.NewString(),
		WaveID:    wave.ID,
		AuthorID:  author.ID,
		Body:      body,
		CreatedAt: s.now(),
	}
	if err := s.pings.Create(ping); err != nil {
		return nil, fmt.Errorf("creating ping: %w", err)
	}

	s.fanOutPing(ctx, wave, ping, author, models.MessageTypeNewPing)
	s.notifier.WaveUpdated(wave.ID)
	return ping, nil
}

// EditPing replaces a ping's body and fans the edit out.
func (s *Service) EditPing(ctx context.Context, author *models.User, waveID, pingID, body string) error {
	wave, err := s.writableWave(waveID)
	if err != nil {
		return err
	}
	ping, err := s.pings.GetByID(pingID)
	if err != nil {
		return err
	}
	if ping == nil || ping.WaveID != wave.ID {
		return fmt.Errorf("ping %s not found in wave %s", pingID, waveID)
	}

	now := s.now()
	if err := s.pings.UpdateBody(pingID, body, now); err != nil {
		return fmt.Errorf("editing ping: %w", err)
	}
	ping.Body = body
	ping.EditedAt = &now

	s.fanOutPing(ctx, wave, ping, author, models.MessageTypePingEdited)
	s.notifier.WaveUpdated(wave.ID)
	return nil
}

// DeletePing removes a ping and fans the deletion out.
func (s *Service) DeletePing(ctx context.Context, author *models.User, waveID, pingID string) error {
	wave, err := s.writableWave(waveID)
	if err != nil {
		return err
	}
	ping, err := s.pings.GetByID(pingID)
	if err != nil {
		return err
	}
	if ping == nil || ping.WaveID != wave.ID {
		return fmt.Errorf("ping %s not found in wave %s", pingID, waveID)
	}
	if err := s.pings.Delete(pingID); err != nil {
		return fmt.Errorf("deleting ping: %w", err)
	}

	s.fanOutPing(ctx, wave, ping, author, models.MessageTypePingDeleted)
	s.notifier.WaveUpdated(wave.ID)
	return nil
}

func (s *Service) writableWave(waveID string) (*models.Wave, error) {
	wave, err := s.waves.GetByID(waveID)
	if err != nil {
		return nil, err
	}
	if wave == nil {
		return nil, ErrWaveNotFound
	}
	if wave.FederationState == models.WaveStateParticipant {
		return nil, ErrNotWaveOrigin
	}
	return wave, nil
}

// fanOutPing delivers a ping event to every registered node of an origin
// wave. Each target gets its own envelope so per-node retries stay
// independent.
func (s *Service) fanOutPing(ctx context.Context, wave *models.Wave, ping *models.Ping, author *models.User, messageType string) {
	if wave.FederationState != models.WaveStateOrigin {
		return
	}
	nodes, err := s.waves.GetNodes(wave.ID)
	if err != nil {
		slog.Error("loading fan-out nodes", "wave", wave.ID, "error", err)
		return
	}

	payload := models.PingPayload{
		PingID:       ping.ID,
		OriginNode:   s.nodeName,
		OriginWaveID: wave.ID,
		AuthorHandle: author.Handle,
		Body:         ping.Body,
		SentAt:       ping.CreatedAt,
		EditedAt:     ping.EditedAt,
	}
	for _, node := range nodes {
		env, err := NewEnvelope(messageType, payload)
		if err != nil {
			slog.Error("encoding ping payload", "wave", wave.ID, "error", err)
			return
		}
		s.deliverer.SendOrQueue(ctx, node.NodeName, env)
	}
}
