package storage

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	mytesting "koinonia-backend/internal/testing"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// bootstrapStore connects to the database named by TEST_DB_* variables.
// Without TEST_DB_HOST the database-backed tests are skipped.
func bootstrapStore(t *testing.T) *Store {
	host := os.Getenv("TEST_DB_HOST")
	if host == "" {
		t.Skip("TEST_DB_HOST is not set, skipping database tests")
	}

	port, err := strconv.ParseUint(envOr("TEST_DB_PORT", "5432"), 10, 16)
	require.NoError(t, err)

	cfg := Config{
		User:     envOr("TEST_DB_USER", "postgres"),
		Password: envOr("TEST_DB_PASSWORD", "postgres"),
		Host:     host,
		Port:     uint16(port),
		DBName:   envOr("TEST_DB_NAME", "koinonia_test"),
	}

	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	s, err := New(context.Background(), logger.Sugar(), cfg)
	require.NoError(t, err)

	return s
}

// fixture is one tenant with three active members sharing a conversation.
type fixture struct {
	tenantID       uuid.UUID
	conversationID uuid.UUID
	a, b, c        Membership
}

func seed(t *testing.T, s *Store) fixture {
	ctx := context.Background()

	tenantID, err := s.CreateTenant(ctx, mytesting.RandString())
	require.NoError(t, err)

	members := make([]Membership, 3)
	for i := range members {
		userID, err := s.CreateUser(ctx, mytesting.RandString())
		require.NoError(t, err)

		members[i], err = s.CreateMembership(ctx, tenantID, userID, RoleMember, StatusActive, uuid.NullUUID{})
		require.NoError(t, err)
	}

	conversationID, err := s.CreateConversation(ctx, tenantID, mytesting.RandString(),
		[]uuid.UUID{members[0].ID, members[1].ID, members[2].ID})
	require.NoError(t, err)

	return fixture{
		tenantID:       tenantID,
		conversationID: conversationID,
		a:              members[0],
		b:              members[1],
		c:              members[2],
	}
}

func (f fixture) newMessage(content string, excluded ...uuid.UUID) NewMessage {
	return NewMessage{
		TenantID:              f.tenantID,
		ConversationID:        f.conversationID,
		SenderID:              f.a.ID,
		Content:               content,
		ContentType:           ContentText,
		ExcludedMembershipIDs: excluded,
	}
}

func containsMessage(messages []Message, id uuid.UUID) bool {
	for _, m := range messages {
		if m.ID == id {
			return true
		}
	}
	return false
}

func TestCreateMessage(t *testing.T) {
	s := bootstrapStore(t)
	f := seed(t, s)

	msg, err := s.CreateMessage(context.Background(), f.newMessage("Hi There!"))
	require.NoError(t, err)
	require.False(t, msg.IsEventChat)
}

func TestCreateMessageBadConversation(t *testing.T) {
	s := bootstrapStore(t)
	f := seed(t, s)

	nm := f.newMessage("Hi There!")
	nm.ConversationID = uuid.New()

	_, err := s.CreateMessage(context.Background(), nm)
	require.Equal(t, ErrConversationNotExist, err)
}

func TestCreateMessageOutsiderSender(t *testing.T) {
	s := bootstrapStore(t)
	f := seed(t, s)

	userID, err := s.CreateUser(context.Background(), mytesting.RandString())
	require.NoError(t, err)
	outsider, err := s.CreateMembership(context.Background(), f.tenantID, userID, RoleMember, StatusActive, uuid.NullUUID{})
	require.NoError(t, err)

	nm := f.newMessage("Hi There!")
	nm.SenderID = outsider.ID

	_, err = s.CreateMessage(context.Background(), nm)
	require.Equal(t, ErrNotConversationMember, err)
}

func TestEventChatVisibility(t *testing.T) {
	s := bootstrapStore(t)
	f := seed(t, s)
	ctx := context.Background()

	msg, err := s.CreateMessage(ctx, f.newMessage("leaders only", f.b.ID))
	require.NoError(t, err)
	require.True(t, msg.IsEventChat)

	// sender always sees own restricted message
	asSender, err := s.MessagesByConversation(ctx, f.conversationID, f.a.ID)
	require.NoError(t, err)
	require.True(t, containsMessage(asSender, msg.ID))

	// excluded member never sees it
	asExcluded, err := s.MessagesByConversation(ctx, f.conversationID, f.b.ID)
	require.NoError(t, err)
	require.False(t, containsMessage(asExcluded, msg.ID))

	// non-excluded member sees it
	asOther, err := s.MessagesByConversation(ctx, f.conversationID, f.c.ID)
	require.NoError(t, err)
	require.True(t, containsMessage(asOther, msg.ID))
}

func TestOrdinaryMessageVisibleToAll(t *testing.T) {
	s := bootstrapStore(t)
	f := seed(t, s)
	ctx := context.Background()

	msg, err := s.CreateMessage(ctx, f.newMessage("announcement"))
	require.NoError(t, err)

	for _, reader := range []Membership{f.a, f.b, f.c} {
		messages, err := s.MessagesByConversation(ctx, f.conversationID, reader.ID)
		require.NoError(t, err)
		require.True(t, containsMessage(messages, msg.ID))
	}
}

func TestCreateMessageTooManyExclusionsNoPartialState(t *testing.T) {
	s := bootstrapStore(t)
	f := seed(t, s)
	ctx := context.Background()

	before, err := s.MessagesByConversation(ctx, f.conversationID, f.a.ID)
	require.NoError(t, err)

	excluded := make([]uuid.UUID, 6)
	for i := range excluded {
		excluded[i] = uuid.New()
	}

	_, err = s.CreateMessage(ctx, f.newMessage("too broad", excluded...))
	require.Equal(t, ErrTooManyExclusions, err)

	after, err := s.MessagesByConversation(ctx, f.conversationID, f.a.ID)
	require.NoError(t, err)
	require.Len(t, after, len(before))
}

func TestCreateMessageExclusionOutsideTenant(t *testing.T) {
	s := bootstrapStore(t)
	f := seed(t, s)
	other := seed(t, s)

	_, err := s.CreateMessage(context.Background(), f.newMessage("cross-tenant", other.b.ID))
	require.Equal(t, ErrBadExclusion, err)
}

func TestExclusionListPrivacy(t *testing.T) {
	s := bootstrapStore(t)
	f := seed(t, s)
	ctx := context.Background()

	msg, err := s.CreateMessage(ctx, f.newMessage("quiet planning", f.b.ID))
	require.NoError(t, err)

	// sender gets the real list
	asSender, err := s.ExclusionsForMessage(ctx, msg.ID, f.a.ID)
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{f.b.ID}, asSender)

	// the excluded member and a bystander both get an empty list, not an error
	for _, caller := range []Membership{f.b, f.c} {
		got, err := s.ExclusionsForMessage(ctx, msg.ID, caller.ID)
		require.NoError(t, err)
		require.Empty(t, got)
	}
}

func TestReplyToReply(t *testing.T) {
	s := bootstrapStore(t)
	f := seed(t, s)
	ctx := context.Background()

	root, err := s.CreateMessage(ctx, f.newMessage("root"))
	require.NoError(t, err)

	reply := f.newMessage("reply")
	reply.ParentID = uuid.NullUUID{UUID: root.ID, Valid: true}
	replyMsg, err := s.CreateMessage(ctx, reply)
	require.NoError(t, err)

	nested := f.newMessage("nested")
	nested.ParentID = uuid.NullUUID{UUID: replyMsg.ID, Valid: true}
	_, err = s.CreateMessage(ctx, nested)
	require.Equal(t, ErrReplyToReply, err)
}

func TestNotificationFanOutHonorsExclusions(t *testing.T) {
	s := bootstrapStore(t)
	f := seed(t, s)
	ctx := context.Background()

	_, err := s.CreateMessage(ctx, f.newMessage("surprise party", f.b.ID))
	require.NoError(t, err)

	// the excluded member sees no trace, the other member is notified
	forB, err := s.NotificationsByUser(ctx, f.b.UserID, f.tenantID)
	require.NoError(t, err)
	require.Empty(t, forB)

	forC, err := s.NotificationsByUser(ctx, f.c.UserID, f.tenantID)
	require.NoError(t, err)
	require.Len(t, forC, 1)
}

func TestConversationResortsOnActivity(t *testing.T) {
	s := bootstrapStore(t)
	f := seed(t, s)
	ctx := context.Background()

	secondID, err := s.CreateConversation(ctx, f.tenantID, mytesting.RandString(),
		[]uuid.UUID{f.a.ID, f.b.ID})
	require.NoError(t, err)

	_, err = s.CreateMessage(ctx, f.newMessage("bump"))
	require.NoError(t, err)

	conversations, err := s.ConversationsByMembership(ctx, f.a.ID)
	require.NoError(t, err)
	require.Len(t, conversations, 2)
	require.Equal(t, f.conversationID, conversations[0].ID)
	require.Equal(t, secondID, conversations[1].ID)
	require.Len(t, conversations[0].Members, 3)
}

func TestGalleryFiltersByMimeAndVisibility(t *testing.T) {
	s := bootstrapStore(t)
	f := seed(t, s)
	ctx := context.Background()

	withImage := f.newMessage("sunday.jpg|https://cdn.example/sunday.jpg", f.b.ID)
	withImage.ContentType = ContentImage
	withImage.Attachment = &NewAttachment{
		URL:       "https://cdn.example/sunday.jpg",
		FileName:  "sunday.jpg",
		SizeBytes: 2048,
		MimeType:  "image/jpeg",
	}
	_, err := s.CreateMessage(ctx, withImage)
	require.NoError(t, err)

	withFile := f.newMessage("notes.pdf|https://cdn.example/notes.pdf")
	withFile.ContentType = ContentFile
	withFile.Attachment = &NewAttachment{
		URL:      "https://cdn.example/notes.pdf",
		FileName: "notes.pdf",
		MimeType: "application/pdf",
	}
	_, err = s.CreateMessage(ctx, withFile)
	require.NoError(t, err)

	asOther, err := s.ImagesByConversation(ctx, f.conversationID, f.c.ID)
	require.NoError(t, err)
	require.Len(t, asOther, 1)
	require.Equal(t, "image/jpeg", asOther[0].MimeType)

	asExcluded, err := s.ImagesByConversation(ctx, f.conversationID, f.b.ID)
	require.NoError(t, err)
	require.Empty(t, asExcluded)
}

func TestDeletionQueries(t *testing.T) {
	s := bootstrapStore(t)
	f := seed(t, s)
	ctx := context.Background()

	userID := f.a.UserID

	_, err := s.UpsertDeviceToken(ctx, userID, f.tenantID, mytesting.RandString(), "ios")
	require.NoError(t, err)

	token, err := s.CreateSession(ctx, userID, time.Hour)
	require.NoError(t, err)

	// another member posts so the user has notifications
	nm := f.newMessage("hello")
	nm.SenderID = f.b.ID
	_, err = s.CreateMessage(ctx, nm)
	require.NoError(t, err)

	tokens, err := s.DeleteDeviceTokens(ctx, userID)
	require.NoError(t, err)
	require.Equal(t, int64(1), tokens)

	notifications, err := s.DeleteNotifications(ctx, userID)
	require.NoError(t, err)
	require.Equal(t, int64(1), notifications)

	memberships, err := s.MembershipsByUser(ctx, userID)
	require.NoError(t, err)
	require.Len(t, memberships, 1)

	for _, m := range memberships {
		require.NoError(t, s.DeleteMembership(ctx, m.ID))
	}

	require.NoError(t, s.DeleteUser(ctx, userID))

	// session went with the identity record
	_, err = s.UserIDByToken(ctx, token)
	require.Equal(t, ErrSessionNotExist, err)

	// re-running the counted deletes is not an error
	tokens, err = s.DeleteDeviceTokens(ctx, userID)
	require.NoError(t, err)
	require.Zero(t, tokens)

	remaining, err := s.MembershipsByUser(ctx, userID)
	require.NoError(t, err)
	require.Empty(t, remaining)
}

func TestSessionRoundTrip(t *testing.T) {
	s := bootstrapStore(t)
	ctx := context.Background()

	userID, err := s.CreateUser(ctx, mytesting.RandString())
	require.NoError(t, err)

	token, err := s.CreateSession(ctx, userID, time.Hour)
	require.NoError(t, err)

	resolved, err := s.UserIDByToken(ctx, token)
	require.NoError(t, err)
	require.Equal(t, userID, resolved)

	_, err = s.UserIDByToken(ctx, "no-such-token")
	require.Equal(t, ErrSessionNotExist, err)
}

func TestCreateMembershipDuplicate(t *testing.T) {
	s := bootstrapStore(t)
	f := seed(t, s)

	_, err := s.CreateMembership(context.Background(), f.tenantID, f.a.UserID, RoleMember, StatusActive, uuid.NullUUID{})
	require.Equal(t, ErrMembershipExists, err)
}
