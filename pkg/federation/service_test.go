package federation

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ebbtide-im/ebbtide/pkg/models"
	"github.com/ebbtide-im/ebbtide/pkg/store/storetest"
)

type serviceFixture struct {
	service     *Service
	waves       *storetest.WaveStore
	pings       *storetest.PingStore
	users       *storetest.UserStore
	queue       *storetest.OutboundMessageStore
	broadcaster *recordingBroadcaster
	peer        *inboxServer
	creator     *models.User
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	peer := newInboxServer(t)
	key, _ := generateTestKey(t)
	_, peerPub := generateTestKey(t)

	nodes := storetest.NewTrustedNodeStore()
	seedActiveNode(t, nodes, "node-b.example", peer.srv.URL, peerPub)

	f := &serviceFixture{
		waves:       storetest.NewWaveStore(),
		pings:       storetest.NewPingStore(),
		users:       storetest.NewUserStore(),
		queue:       storetest.NewOutboundMessageStore(),
		broadcaster: &recordingBroadcaster{},
		peer:        peer,
		creator:     &models.User{ID: "u-1", Handle: "ada", DisplayName: "Ada"},
	}
	f.users.Add(f.creator)

	registry := NewRegistry(nodes, time.Second, 0, nil)
	signer := NewSigner("node-a.example", key)
	deliverer := NewDeliverer(signer, nodes, f.queue, registry, 2*time.Second, 5)
	f.service = NewService("node-a.example", f.waves, f.pings, f.users, deliverer, f.broadcaster)
	return f
}

func (f *serviceFixture) receivedOfType(t *testing.T, messageType string) []models.Envelope {
	t.Helper()
	f.peer.mu.Lock()
	defer f.peer.mu.Unlock()
	var matched []models.Envelope
	for _, env := range f.peer.received {
		if env.Type == messageType {
			matched = append(matched, env)
		}
	}
	return matched
}

func TestCreateWaveLocal(t *testing.T) {
	f := newServiceFixture(t)

	wave, err := f.service.CreateWave(context.Background(), f.creator, "notes to self", nil)
	if err != nil {
		t.Fatalf("CreateWave failed: %v", err)
	}
	if wave.FederationState != models.WaveStateLocal {
		t.Errorf("federation state = %q, want local", wave.FederationState)
	}
	if !f.waves.HasMember(wave.ID, f.creator.ID) {
		t.Error("creator not a member")
	}
	if f.peer.receivedCount() != 0 {
		t.Errorf("peer received %d messages for a local wave, want 0", f.peer.receivedCount())
	}
}

func TestCreateWaveWithInviteBecomesOrigin(t *testing.T) {
	f := newServiceFixture(t)

	wave, err := f.service.CreateWave(context.Background(), f.creator, "surf report",
		[]RemoteInvite{{NodeName: "node-b.example", UserHandle: "grace"}})
	if err != nil {
		t.Fatalf("CreateWave failed: %v", err)
	}
	if wave.FederationState != models.WaveStateOrigin {
		t.Errorf("federation state = %q, want origin", wave.FederationState)
	}

	nodes, _ := f.waves.GetNodes(wave.ID)
	if len(nodes) != 1 || nodes[0].NodeName != "node-b.example" {
		t.Fatalf("fan-out nodes = %+v, want node-b.example", nodes)
	}

	invites := f.receivedOfType(t, models.MessageTypeWaveInvite)
	if len(invites) != 1 {
		t.Fatalf("peer received %d invites, want 1", len(invites))
	}
	var payload models.WaveInvitePayload
	if err := json.Unmarshal(invites[0].Payload, &payload); err != nil {
		t.Fatalf("decoding invite payload: %v", err)
	}
	if payload.Wave.OriginWaveID != wave.ID {
		t.Errorf("origin wave id = %q, want %q", payload.Wave.OriginWaveID, wave.ID)
	}
	if payload.Wave.OriginNode != "node-a.example" {
		t.Errorf("origin node = %q, want node-a.example", payload.Wave.OriginNode)
	}
	if payload.InvitedUserHandle != "grace" {
		t.Errorf("invited handle = %q, want grace", payload.InvitedUserHandle)
	}
	if len(payload.Participants) != 1 || payload.Participants[0].Handle != "ada" {
		t.Errorf("participants = %+v, want the creator", payload.Participants)
	}
}

func TestCreateWaveQueuesInviteWhenPeerDown(t *testing.T) {
	f := newServiceFixture(t)
	f.peer.setFailing(true)

	wave, err := f.service.CreateWave(context.Background(), f.creator, "surf report",
		[]RemoteInvite{{NodeName: "node-b.example", UserHandle: "grace"}})
	if err != nil {
		t.Fatalf("CreateWave failed despite peer outage: %v", err)
	}
	if wave.FederationState != models.WaveStateOrigin {
		t.Errorf("federation state = %q, want origin", wave.FederationState)
	}
	due, _ := f.queue.GetDue(time.Now(), 10)
	if len(due) != 1 || due[0].MessageType != models.MessageTypeWaveInvite {
		t.Fatalf("queued messages = %+v, want one pending invite", due)
	}
}

func TestInviteUserOnExistingOriginWave(t *testing.T) {
	f := newServiceFixture(t)
	wave, err := f.service.CreateWave(context.Background(), f.creator, "surf report",
		[]RemoteInvite{{NodeName: "node-b.example", UserHandle: "grace"}})
	if err != nil {
		t.Fatal(err)
	}

	if err := f.service.InviteUser(context.Background(), wave.ID, RemoteInvite{NodeName: "node-b.example", UserHandle: "linus"}); err != nil {
		t.Fatalf("InviteUser failed: %v", err)
	}
	if invites := f.receivedOfType(t, models.MessageTypeWaveInvite); len(invites) != 2 {
		t.Errorf("peer received %d invites, want 2", len(invites))
	}

	if err := f.service.InviteUser(context.Background(), "no-such-wave", RemoteInvite{NodeName: "node-b.example", UserHandle: "x"}); !errors.Is(err, ErrWaveNotFound) {
		t.Errorf("InviteUser error = %v, want %v", err, ErrWaveNotFound)
	}
}

func TestPostPingFansOut(t *testing.T) {
	f := newServiceFixture(t)
	wave, err := f.service.CreateWave(context.Background(), f.creator, "surf report",
		[]RemoteInvite{{NodeName: "node-b.example", UserHandle: "grace"}})
	if err != nil {
		t.Fatal(err)
	}

	ping, err := f.service.PostPing(context.Background(), f.creator, wave.ID, "first swell at dawn")
	if err != nil {
		t.Fatalf("PostPing failed: %v", err)
	}

	sent := f.receivedOfType(t, models.MessageTypeNewPing)
	if len(sent) != 1 {
		t.Fatalf("peer received %d new_ping messages, want 1", len(sent))
	}
	var payload models.PingPayload
	if err := json.Unmarshal(sent[0].Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.PingID != ping.ID || payload.OriginWaveID != wave.ID {
		t.Errorf("payload = %+v, want ping %s in wave %s", payload, ping.ID, wave.ID)
	}
	if payload.AuthorHandle != "ada" {
		t.Errorf("author handle = %q, want ada", payload.AuthorHandle)
	}
}

func TestPingMutationsFanOut(t *testing.T) {
	f := newServiceFixture(t)
	wave, _ := f.service.CreateWave(context.Background(), f.creator, "surf report",
		[]RemoteInvite{{NodeName: "node-b.example", UserHandle: "grace"}})
	ping, err := f.service.PostPing(context.Background(), f.creator, wave.ID, "first swell")
	if err != nil {
		t.Fatal(err)
	}

	if err := f.service.EditPing(context.Background(), f.creator, wave.ID, ping.ID, "first swell at dawn"); err != nil {
		t.Fatalf("EditPing failed: %v", err)
	}
	edits := f.receivedOfType(t, models.MessageTypePingEdited)
	if len(edits) != 1 {
		t.Fatalf("peer received %d edits, want 1", len(edits))
	}
	var payload models.PingPayload
	if err := json.Unmarshal(edits[0].Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Body != "first swell at dawn" || payload.EditedAt == nil {
		t.Errorf("edit payload = %+v, want updated body and edit timestamp", payload)
	}

	if err := f.service.DeletePing(context.Background(), f.creator, wave.ID, ping.ID); err != nil {
		t.Fatalf("DeletePing failed: %v", err)
	}
	if deletes := f.receivedOfType(t, models.MessageTypePingDeleted); len(deletes) != 1 {
		t.Errorf("peer received %d deletes, want 1", len(deletes))
	}
	if stored, _ := f.pings.GetByID(ping.ID); stored != nil {
		t.Error("ping still stored after delete")
	}
}

func TestLocalWaveDoesNotFanOut(t *testing.T) {
	f := newServiceFixture(t)
	wave, err := f.service.CreateWave(context.Background(), f.creator, "notes to self", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.service.PostPing(context.Background(), f.creator, wave.ID, "draft"); err != nil {
		t.Fatalf("PostPing failed: %v", err)
	}
	if f.peer.receivedCount() != 0 {
		t.Errorf("peer received %d messages for a local wave, want 0", f.peer.receivedCount())
	}
}

// Participant waves mirror a wave homed elsewhere; local writes are rejected
// so the origin stays the single writer.
func TestParticipantWaveRejectsLocalWrites(t *testing.T) {
	f := newServiceFixture(t)
	origin := "node-b.example"
	originWave := "w-remote-1"
	wave := &models.Wave{
		ID:              "w-local-mirror",
		FederationState: models.WaveStateParticipant,
		OriginNode:      &origin,
		OriginWaveID:    &originWave,
		CreatedBy:       f.creator.ID,
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}
	if err := f.waves.Create(wave); err != nil {
		t.Fatal(err)
	}

	if _, err := f.service.PostPing(context.Background(), f.creator, wave.ID, "hi"); !errors.Is(err, ErrNotWaveOrigin) {
		t.Errorf("PostPing error = %v, want %v", err, ErrNotWaveOrigin)
	}
	if err := f.service.EditPing(context.Background(), f.creator, wave.ID, "p-1", "hi"); !errors.Is(err, ErrNotWaveOrigin) {
		t.Errorf("EditPing error = %v, want %v", err, ErrNotWaveOrigin)
	}
	if err := f.service.DeletePing(context.Background(), f.creator, wave.ID, "p-1"); !errors.Is(err, ErrNotWaveOrigin) {
		t.Errorf("DeletePing error = %v, want %v", err, ErrNotWaveOrigin)
	}
	if err := f.service.InviteUser(context.Background(), wave.ID, RemoteInvite{NodeName: origin, UserHandle: "x"}); !errors.Is(err, ErrNotWaveOrigin) {
		t.Errorf("InviteUser error = %v, want %v", err, ErrNotWaveOrigin)
	}
}

func TestPostPingToUnknownWave(t *testing.T) {
	f := newServiceFixture(t)
	if _, err := f.service.PostPing(context.Background(), f.creator, "no-such-wave", "hi"); !errors.Is(err, ErrWaveNotFound) {
		t.Errorf("PostPing error = %v, want %v", err, ErrWaveNotFound)
	}
}
